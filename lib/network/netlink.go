package network

import (
	"errors"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// LinkOps is the slice of host link management the provisioner uses.
type LinkOps interface {
	// Lookup returns the link's state, or ErrLinkNotFound.
	Lookup(name string) (*Link, error)
	CreateTAP(name string, owner, group int) error
	AddAddr(name string, addr *net.IPNet) error
	SetUp(name string) error
	SetDown(name string) error
	Delete(name string) error
	// DefaultRouteInterface returns the device of the IPv4 default route.
	DefaultRouteInterface() (string, error)
}

type netlinkOps struct {
	h *netlink.Handle
}

// NewNetlinkOps returns LinkOps for the current network namespace.
func NewNetlinkOps() (LinkOps, error) {
	h, err := netlink.NewHandle()
	if err != nil {
		return nil, fmt.Errorf("open netlink handle: %w", err)
	}
	return &netlinkOps{h: h}, nil
}

func (n *netlinkOps) link(name string) (netlink.Link, error) {
	link, err := n.h.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %s", ErrLinkNotFound, name)
		}
		return nil, fmt.Errorf("get link %s: %w", name, err)
	}
	return link, nil
}

func (n *netlinkOps) Lookup(name string) (*Link, error) {
	link, err := n.link(name)
	if err != nil {
		return nil, err
	}
	addrs, err := n.h.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("list addresses on %s: %w", name, err)
	}
	out := &Link{
		Name: name,
		Up:   link.Attrs().Flags&net.FlagUp != 0,
	}
	for _, a := range addrs {
		out.Addrs = append(out.Addrs, a.IPNet)
	}
	return out, nil
}

func (n *netlinkOps) CreateTAP(name string, owner, group int) error {
	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Mode:      netlink.TUNTAP_MODE_TAP,
	}
	if owner >= 0 {
		tap.Owner = uint32(owner)
	}
	if group >= 0 {
		tap.Group = uint32(group)
	}
	if err := n.h.LinkAdd(tap); err != nil {
		return fmt.Errorf("create TAP device %s: %w", name, err)
	}
	return nil
}

func (n *netlinkOps) AddAddr(name string, addr *net.IPNet) error {
	link, err := n.link(name)
	if err != nil {
		return err
	}
	if err := n.h.AddrAdd(link, &netlink.Addr{IPNet: addr}); err != nil {
		return fmt.Errorf("add address %s to %s: %w", addr, name, err)
	}
	return nil
}

func (n *netlinkOps) SetUp(name string) error {
	link, err := n.link(name)
	if err != nil {
		return err
	}
	if err := n.h.LinkSetUp(link); err != nil {
		return fmt.Errorf("set %s up: %w", name, err)
	}
	return nil
}

func (n *netlinkOps) SetDown(name string) error {
	link, err := n.link(name)
	if err != nil {
		return err
	}
	if err := n.h.LinkSetDown(link); err != nil {
		return fmt.Errorf("set %s down: %w", name, err)
	}
	return nil
}

func (n *netlinkOps) Delete(name string) error {
	link, err := n.link(name)
	if err != nil {
		return err
	}
	if err := n.h.LinkDel(link); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

func (n *netlinkOps) DefaultRouteInterface() (string, error) {
	routes, err := n.h.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return "", fmt.Errorf("list routes: %w", err)
	}
	for _, route := range routes {
		// Older kernels report the default route with a nil Dst.
		if route.Dst == nil || route.Dst.IP.IsUnspecified() {
			if route.LinkIndex == 0 {
				continue
			}
			link, err := n.h.LinkByIndex(route.LinkIndex)
			if err != nil {
				return "", fmt.Errorf("get link by index %d: %w", route.LinkIndex, err)
			}
			return link.Attrs().Name, nil
		}
	}
	return "", ErrNoUplink
}
