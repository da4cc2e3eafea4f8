package network

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"net"
)

// Guest addresses are picked from a fixed window of the subnet so they never
// collide with the gateway or low static assignments.
const (
	guestHostOffset = 100
	guestHostRange  = 50
)

// GuestNet is the addressing handed to a guest through the kernel command line.
type GuestNet struct {
	IP      net.IP
	Gateway net.IP
	Netmask string
	MAC     string
}

// KernelIPArg renders the ip= boot parameter for a statically addressed eth0.
func (g *GuestNet) KernelIPArg() string {
	return fmt.Sprintf("ip=%s::%s:%s::eth0:off", g.IP, g.Gateway, g.Netmask)
}

// GuestFor derives a guest address for a session inside the device's subnet.
// The same session ID always maps to the same address, which is never the
// host address.
func (d *Device) GuestFor(sessionID string) (*GuestNet, error) {
	ip, err := guestIP(d.Subnet, d.Gateway(), sessionID)
	if err != nil {
		return nil, err
	}
	mac, err := generateMAC()
	if err != nil {
		return nil, fmt.Errorf("generate MAC: %w", err)
	}
	return &GuestNet{
		IP:      ip,
		Gateway: d.Gateway(),
		Netmask: d.Netmask(),
		MAC:     mac,
	}, nil
}

// GuestWithIP builds guest addressing for an explicitly chosen address. The
// address must lie inside the subnet and differ from the host address.
func (d *Device) GuestWithIP(ip net.IP) (*GuestNet, error) {
	ip = ip.To4()
	switch {
	case ip == nil:
		return nil, fmt.Errorf("%w: guest address must be IPv4", ErrInvalidConfig)
	case !d.Subnet.Contains(ip):
		return nil, fmt.Errorf("%w: guest address %s outside %s", ErrInvalidConfig, ip, d.Subnet)
	case ip.Equal(d.Gateway()):
		return nil, fmt.Errorf("%w: guest address %s is the host address", ErrInvalidConfig, ip)
	}
	mac, err := generateMAC()
	if err != nil {
		return nil, fmt.Errorf("generate MAC: %w", err)
	}
	return &GuestNet{
		IP:      ip,
		Gateway: d.Gateway(),
		Netmask: d.Netmask(),
		MAC:     mac,
	}, nil
}

func guestIP(subnet *net.IPNet, gateway net.IP, sessionID string) (net.IP, error) {
	base := subnet.IP.To4()
	if base == nil {
		return nil, fmt.Errorf("%w: subnet %s is not IPv4", ErrInvalidConfig, subnet)
	}
	ones, bits := subnet.Mask.Size()
	hosts := uint32(1) << uint(bits-ones)
	if hosts < guestHostOffset+guestHostRange+1 {
		return nil, fmt.Errorf("%w: subnet %s too small for guest addresses", ErrInvalidConfig, subnet)
	}

	h := fnv.New32a()
	h.Write([]byte(sessionID))
	slot := h.Sum32() % guestHostRange

	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, binary.BigEndian.Uint32(base)+guestHostOffset+slot)
	if ip.Equal(gateway) {
		// The host sits inside the window; take the next slot.
		slot = (slot + 1) % guestHostRange
		binary.BigEndian.PutUint32(ip, binary.BigEndian.Uint32(base)+guestHostOffset+slot)
	}
	return ip, nil
}

// generateMAC returns a random locally administered unicast address in the
// 02:00:00 prefix.
func generateMAC() (string, error) {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("02:00:00:%02x:%02x:%02x", buf[0], buf[1], buf[2]), nil
}
