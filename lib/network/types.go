package network

import (
	"fmt"
	"net"
)

const (
	// DefaultTAPName is the host-side device the guest NIC is backed by.
	DefaultTAPName = "ftap0"
	// DefaultAddress is the host address on the TAP device, which doubles as
	// the guest's gateway.
	DefaultAddress = "172.20.0.1/24"
)

// Config describes the host networking to provision.
type Config struct {
	// TAPName is the device name. Linux limits it to 15 characters.
	TAPName string
	// Address is the host address in CIDR form, e.g. 172.20.0.1/24.
	Address string
	// Uplink is the egress interface. Empty means the default route's device.
	Uplink string
	// Owner and Group own the TAP so an unprivileged hypervisor can open it.
	// Negative values leave the kernel default.
	Owner int
	Group int
}

// Device describes a provisioned TAP device.
type Device struct {
	Name    string
	Address *net.IPNet // host address with the subnet mask
	Subnet  *net.IPNet
	Uplink  string
}

// Gateway is the host address guests route through.
func (d *Device) Gateway() net.IP {
	return d.Address.IP
}

// Netmask returns the subnet mask in dotted form.
func (d *Device) Netmask() string {
	return net.IP(d.Subnet.Mask).String()
}

// Report lists what a Provision call changed. A second Provision on an
// already provisioned host returns a report with Changed() == false.
type Report struct {
	DeviceCreated     bool
	AddressAdded      bool
	LinkSetUp         bool
	ForwardingEnabled bool
	RulesAdded        []string
	RulesRemoved      []string
}

// Changed reports whether any host state was modified.
func (r *Report) Changed() bool {
	return r.DeviceCreated || r.AddressAdded || r.LinkSetUp || r.ForwardingEnabled ||
		len(r.RulesAdded) > 0 || len(r.RulesRemoved) > 0
}

// Link is the observed state of a host network link.
type Link struct {
	Name  string
	Up    bool
	Addrs []*net.IPNet
}

func (l *Link) hasAddr(want *net.IPNet) bool {
	for _, a := range l.Addrs {
		if a.IP.Equal(want.IP) && a.Mask.String() == want.Mask.String() {
			return true
		}
	}
	return false
}

func (c Config) validate() (*net.IPNet, *net.IPNet, error) {
	if c.TAPName == "" || len(c.TAPName) > 15 {
		return nil, nil, fmt.Errorf("%w: tap name %q must be 1-15 characters", ErrInvalidConfig, c.TAPName)
	}
	ip, subnet, err := net.ParseCIDR(c.Address)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: address %q: %v", ErrInvalidConfig, c.Address, err)
	}
	if ip.To4() == nil {
		return nil, nil, fmt.Errorf("%w: address %q is not IPv4", ErrInvalidConfig, c.Address)
	}
	return &net.IPNet{IP: ip.To4(), Mask: subnet.Mask}, subnet, nil
}
