package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/onkernel/fcterm/lib/logger"
)

// Provisioner prepares host networking for guests: a TAP device with a fixed
// address, IPv4 forwarding, and NAT to the uplink. Every step queries current
// state before changing it, so Provision can be re-run safely.
type Provisioner struct {
	cfg     Config
	addr    *net.IPNet
	subnet  *net.IPNet
	links   LinkOps
	fw      Firewall
	sysctl  Sysctl
	metrics *Metrics
}

// NewProvisioner creates a provisioner over the given host interfaces.
// metrics may be nil.
func NewProvisioner(cfg Config, links LinkOps, fw Firewall, sysctl Sysctl, metrics *Metrics) (*Provisioner, error) {
	addr, subnet, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	return &Provisioner{
		cfg:     cfg,
		addr:    addr,
		subnet:  subnet,
		links:   links,
		fw:      fw,
		sysctl:  sysctl,
		metrics: metrics,
	}, nil
}

// NewHostProvisioner wires a provisioner to netlink, iptables and /proc/sys.
func NewHostProvisioner(cfg Config, metrics *Metrics) (*Provisioner, error) {
	links, err := NewNetlinkOps()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetworkProvisioningFailed, err)
	}
	fw, err := NewIPTables()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetworkProvisioningFailed, err)
	}
	return NewProvisioner(cfg, links, fw, NewProcSysctl(), metrics)
}

// DefaultConfig returns the default TAP configuration owned by the invoking user.
func DefaultConfig() Config {
	return Config{
		TAPName: DefaultTAPName,
		Address: DefaultAddress,
		Owner:   os.Getuid(),
		Group:   os.Getgid(),
	}
}

// Device describes the device this provisioner manages. Uplink is empty until
// it has been resolved by Provision.
func (p *Provisioner) Device() *Device {
	return &Device{
		Name:    p.cfg.TAPName,
		Address: p.addr,
		Subnet:  p.subnet,
		Uplink:  p.cfg.Uplink,
	}
}

// Provision brings host networking to the desired state and reports what it
// changed. Failures wrap ErrNetworkProvisioningFailed; changes already made
// are left in place and picked up by the next run.
func (p *Provisioner) Provision(ctx context.Context) (*Device, *Report, error) {
	log := logger.FromContext(ctx).With("tap", p.cfg.TAPName)
	report := &Report{}

	fail := func(what string, err error) (*Device, *Report, error) {
		p.metrics.recordFailure(ctx, "provision")
		log.ErrorContext(ctx, "network provisioning failed", "step", what, "error", err)
		return nil, report, fmt.Errorf("%w: %s: %w", ErrNetworkProvisioningFailed, what, err)
	}

	if err := p.ensureDevice(ctx, report); err != nil {
		return fail("device", err)
	}

	if err := p.ensureForwarding(report); err != nil {
		return fail("ip forwarding", err)
	}

	uplink, err := p.uplink()
	if err != nil {
		return fail("uplink", err)
	}

	for _, r := range desiredRules(p.cfg.TAPName, p.subnet.String(), uplink) {
		added, removed, err := ensureRule(p.fw, p.cfg.TAPName, r)
		report.RulesRemoved = append(report.RulesRemoved, removed...)
		if err != nil {
			return fail("firewall", err)
		}
		if added {
			report.RulesAdded = append(report.RulesAdded, r.String())
		}
	}

	p.metrics.recordReport(ctx, report)
	log.InfoContext(ctx, "network ready",
		"address", p.addr.String(),
		"uplink", uplink,
		"changed", report.Changed(),
		"rules_added", len(report.RulesAdded))

	dev := p.Device()
	dev.Uplink = uplink
	return dev, report, nil
}

func (p *Provisioner) ensureDevice(ctx context.Context, report *Report) error {
	log := logger.FromContext(ctx)
	name := p.cfg.TAPName

	link, err := p.links.Lookup(name)
	switch {
	case errors.Is(err, ErrLinkNotFound):
		if err := p.links.CreateTAP(name, p.cfg.Owner, p.cfg.Group); err != nil {
			return err
		}
		report.DeviceCreated = true
		link = &Link{Name: name}
		log.InfoContext(ctx, "created TAP device")
	case err != nil:
		return err
	}

	if !link.hasAddr(p.addr) {
		// A pre-existing device carrying someone else's address is not ours
		// to reconfigure.
		if len(link.Addrs) > 0 {
			return fmt.Errorf("%w: %s has %v, want %s", ErrDeviceConflict, name, link.Addrs, p.addr)
		}
		if err := p.links.AddAddr(name, p.addr); err != nil {
			return err
		}
		report.AddressAdded = true
	}

	if !link.Up {
		if err := p.links.SetUp(name); err != nil {
			return err
		}
		report.LinkSetUp = true
	}
	return nil
}

func (p *Provisioner) ensureForwarding(report *Report) error {
	current, err := p.sysctl.Get(ipForwardKey)
	if err != nil {
		return err
	}
	if current == "1" {
		return nil
	}
	if err := p.sysctl.Set(ipForwardKey, "1"); err != nil {
		return err
	}
	report.ForwardingEnabled = true
	return nil
}

func (p *Provisioner) uplink() (string, error) {
	if p.cfg.Uplink != "" {
		return p.cfg.Uplink, nil
	}
	return p.links.DefaultRouteInterface()
}

// Teardown sets the device down and deletes it, then removes the firewall
// rules tagged for it. An absent device is not an error. IP forwarding is
// left enabled since other workloads may rely on it.
func (p *Provisioner) Teardown(ctx context.Context) error {
	log := logger.FromContext(ctx).With("tap", p.cfg.TAPName)
	name := p.cfg.TAPName

	fail := func(what string, err error) error {
		p.metrics.recordFailure(ctx, "teardown")
		return fmt.Errorf("%w: teardown %s: %w", ErrNetworkProvisioningFailed, what, err)
	}

	if err := p.links.SetDown(name); err != nil {
		if !errors.Is(err, ErrLinkNotFound) {
			return fail("set down", err)
		}
		log.DebugContext(ctx, "TAP device already absent")
	} else if err := p.links.Delete(name); err != nil && !errors.Is(err, ErrLinkNotFound) {
		return fail("delete", err)
	}

	var removed int
	for _, r := range desiredRules(name, p.subnet.String(), "") {
		gone, err := removeOwnedRules(p.fw, r.table, r.chain, ruleComment(name, r.name))
		if err != nil {
			return fail("firewall", err)
		}
		removed += len(gone)
	}

	log.InfoContext(ctx, "network torn down", "rules_removed", removed)
	return nil
}
