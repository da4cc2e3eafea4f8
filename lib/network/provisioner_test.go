package network

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLinks struct {
	links       map[string]*Link
	defaultLink string
	calls       []string
}

func newFakeLinks() *fakeLinks {
	return &fakeLinks{links: map[string]*Link{}, defaultLink: "eth0"}
}

func (f *fakeLinks) Lookup(name string) (*Link, error) {
	l, ok := f.links[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLinkNotFound, name)
	}
	cp := *l
	cp.Addrs = append([]*net.IPNet(nil), l.Addrs...)
	return &cp, nil
}

func (f *fakeLinks) CreateTAP(name string, owner, group int) error {
	f.calls = append(f.calls, "create "+name)
	f.links[name] = &Link{Name: name}
	return nil
}

func (f *fakeLinks) AddAddr(name string, addr *net.IPNet) error {
	f.calls = append(f.calls, "addr "+name+" "+addr.String())
	l, ok := f.links[name]
	if !ok {
		return ErrLinkNotFound
	}
	l.Addrs = append(l.Addrs, addr)
	return nil
}

func (f *fakeLinks) SetUp(name string) error {
	f.calls = append(f.calls, "up "+name)
	l, ok := f.links[name]
	if !ok {
		return ErrLinkNotFound
	}
	l.Up = true
	return nil
}

func (f *fakeLinks) SetDown(name string) error {
	f.calls = append(f.calls, "down "+name)
	l, ok := f.links[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrLinkNotFound, name)
	}
	l.Up = false
	return nil
}

func (f *fakeLinks) Delete(name string) error {
	f.calls = append(f.calls, "delete "+name)
	if _, ok := f.links[name]; !ok {
		return fmt.Errorf("%w: %s", ErrLinkNotFound, name)
	}
	delete(f.links, name)
	return nil
}

func (f *fakeLinks) DefaultRouteInterface() (string, error) {
	if f.defaultLink == "" {
		return "", ErrNoUplink
	}
	return f.defaultLink, nil
}

// fakeFirewall stores rules the way iptables-save prints them, with quoted
// comments.
type fakeFirewall struct {
	chains map[string][]string // "table/chain" -> rulespecs joined by space
}

func newFakeFirewall() *fakeFirewall {
	return &fakeFirewall{chains: map[string][]string{}}
}

func (f *fakeFirewall) key(table, chain string) string { return table + "/" + chain }

func (f *fakeFirewall) Exists(table, chain string, spec ...string) (bool, error) {
	want := strings.Join(spec, " ")
	for _, r := range f.chains[f.key(table, chain)] {
		if r == want {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeFirewall) Append(table, chain string, spec ...string) error {
	k := f.key(table, chain)
	f.chains[k] = append(f.chains[k], strings.Join(spec, " "))
	return nil
}

func (f *fakeFirewall) Insert(table, chain string, pos int, spec ...string) error {
	k := f.key(table, chain)
	rules := f.chains[k]
	if pos-1 > len(rules) {
		return fmt.Errorf("index of insertion too big")
	}
	rules = append(rules[:pos-1], append([]string{strings.Join(spec, " ")}, rules[pos-1:]...)...)
	f.chains[k] = rules
	return nil
}

func (f *fakeFirewall) DeleteIfExists(table, chain string, spec ...string) error {
	k := f.key(table, chain)
	want := strings.Join(spec, " ")
	for i, r := range f.chains[k] {
		if r == want {
			f.chains[k] = append(f.chains[k][:i], f.chains[k][i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeFirewall) List(table, chain string) ([]string, error) {
	lines := []string{"-P " + chain + " ACCEPT"}
	for _, r := range f.chains[f.key(table, chain)] {
		fields := strings.Fields(r)
		for i := 0; i+1 < len(fields); i++ {
			if fields[i] == "--comment" {
				fields[i+1] = `"` + fields[i+1] + `"`
			}
		}
		lines = append(lines, "-A "+chain+" "+strings.Join(fields, " "))
	}
	return lines, nil
}

func (f *fakeFirewall) count(table, chain, contains string) int {
	n := 0
	for _, r := range f.chains[f.key(table, chain)] {
		if strings.Contains(r, contains) {
			n++
		}
	}
	return n
}

type fakeSysctl struct {
	values map[string]string
	sets   int
}

func (f *fakeSysctl) Get(key string) (string, error) { return f.values[key], nil }
func (f *fakeSysctl) Set(key, value string) error {
	f.sets++
	f.values[key] = value
	return nil
}

type fixture struct {
	links  *fakeLinks
	fw     *fakeFirewall
	sysctl *fakeSysctl
	p      *Provisioner
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		links:  newFakeLinks(),
		fw:     newFakeFirewall(),
		sysctl: &fakeSysctl{values: map[string]string{ipForwardKey: "0"}},
	}
	p, err := NewProvisioner(cfg, f.links, f.fw, f.sysctl, nil)
	require.NoError(t, err)
	f.p = p
	return f
}

func testConfig() Config {
	return Config{TAPName: "ftap0", Address: "172.20.0.1/24", Owner: -1, Group: -1}
}

func TestProvisionFreshHost(t *testing.T) {
	f := newFixture(t, testConfig())

	dev, report, err := f.p.Provision(context.Background())
	require.NoError(t, err)

	assert.True(t, report.DeviceCreated)
	assert.True(t, report.AddressAdded)
	assert.True(t, report.LinkSetUp)
	assert.True(t, report.ForwardingEnabled)
	assert.Len(t, report.RulesAdded, 3)
	assert.True(t, report.Changed())

	assert.Equal(t, "ftap0", dev.Name)
	assert.Equal(t, "eth0", dev.Uplink)
	assert.Equal(t, "172.20.0.1", dev.Gateway().String())
	assert.Equal(t, "255.255.255.0", dev.Netmask())

	link := f.links.links["ftap0"]
	require.NotNil(t, link)
	assert.True(t, link.Up)
	assert.Equal(t, "1", f.sysctl.values[ipForwardKey])

	assert.Equal(t, 1, f.fw.count("nat", "POSTROUTING", "MASQUERADE"))
	assert.Contains(t, f.fw.chains["nat/POSTROUTING"][0], "-s 172.20.0.0/24 -o eth0")
	assert.Equal(t, 2, f.fw.count("filter", "FORWARD", "ACCEPT"))
	assert.Contains(t, f.fw.chains["filter/FORWARD"][0], "-i ftap0 -o eth0")
	assert.Contains(t, f.fw.chains["filter/FORWARD"][1], "-i eth0 -o ftap0")
}

func TestProvisionIsIdempotent(t *testing.T) {
	f := newFixture(t, testConfig())

	_, _, err := f.p.Provision(context.Background())
	require.NoError(t, err)
	callsAfterFirst := len(f.links.calls)

	_, report, err := f.p.Provision(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Changed(), "second run should change nothing: %+v", report)
	assert.Equal(t, callsAfterFirst, len(f.links.calls), "no link mutations on second run")
	assert.Equal(t, 1, f.sysctl.sets)
	assert.Equal(t, 1, f.fw.count("nat", "POSTROUTING", "MASQUERADE"))
	assert.Equal(t, 2, f.fw.count("filter", "FORWARD", "ACCEPT"))
}

func TestProvisionReplacesStaleNATRule(t *testing.T) {
	f := newFixture(t, testConfig())
	f.links.defaultLink = "wlan0"
	_, _, err := f.p.Provision(context.Background())
	require.NoError(t, err)

	// The default route moved to another interface.
	f.links.defaultLink = "eth1"
	_, report, err := f.p.Provision(context.Background())
	require.NoError(t, err)

	assert.Len(t, report.RulesRemoved, 3)
	assert.Len(t, report.RulesAdded, 3)
	assert.Equal(t, 1, f.fw.count("nat", "POSTROUTING", "MASQUERADE"))
	assert.Equal(t, 0, f.fw.count("nat", "POSTROUTING", "wlan0"))
	assert.Equal(t, 1, f.fw.count("nat", "POSTROUTING", "eth1"))
}

func TestProvisionCollapsesDuplicateRules(t *testing.T) {
	f := newFixture(t, testConfig())
	_, _, err := f.p.Provision(context.Background())
	require.NoError(t, err)

	// Someone re-applied the NAT rule by hand.
	dup := f.fw.chains["nat/POSTROUTING"][0]
	f.fw.chains["nat/POSTROUTING"] = append(f.fw.chains["nat/POSTROUTING"], dup)

	_, _, err = f.p.Provision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.fw.count("nat", "POSTROUTING", "MASQUERADE"))
}

func TestProvisionExistingDevice(t *testing.T) {
	addr := &net.IPNet{IP: net.ParseIP("172.20.0.1").To4(), Mask: net.CIDRMask(24, 32)}

	t.Run("same address, down", func(t *testing.T) {
		f := newFixture(t, testConfig())
		f.links.links["ftap0"] = &Link{Name: "ftap0", Addrs: []*net.IPNet{addr}}

		_, report, err := f.p.Provision(context.Background())
		require.NoError(t, err)
		assert.False(t, report.DeviceCreated)
		assert.False(t, report.AddressAdded)
		assert.True(t, report.LinkSetUp)
	})

	t.Run("different address conflicts", func(t *testing.T) {
		f := newFixture(t, testConfig())
		other := &net.IPNet{IP: net.ParseIP("10.0.0.1").To4(), Mask: net.CIDRMask(24, 32)}
		f.links.links["ftap0"] = &Link{Name: "ftap0", Up: true, Addrs: []*net.IPNet{other}}

		_, _, err := f.p.Provision(context.Background())
		require.ErrorIs(t, err, ErrNetworkProvisioningFailed)
		require.ErrorIs(t, err, ErrDeviceConflict)
		assert.Empty(t, f.links.calls, "conflicting device must not be modified")
	})
}

func TestProvisionExplicitUplink(t *testing.T) {
	cfg := testConfig()
	cfg.Uplink = "bond0"
	f := newFixture(t, cfg)
	f.links.defaultLink = ""

	dev, _, err := f.p.Provision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bond0", dev.Uplink)
}

func TestProvisionNoUplink(t *testing.T) {
	f := newFixture(t, testConfig())
	f.links.defaultLink = ""

	_, report, err := f.p.Provision(context.Background())
	require.ErrorIs(t, err, ErrNetworkProvisioningFailed)
	require.ErrorIs(t, err, ErrNoUplink)
	// Device work done before the failure is kept.
	assert.True(t, report.DeviceCreated)
}

func TestTeardown(t *testing.T) {
	f := newFixture(t, testConfig())
	_, _, err := f.p.Provision(context.Background())
	require.NoError(t, err)
	f.links.calls = nil

	require.NoError(t, f.p.Teardown(context.Background()))
	assert.Equal(t, []string{"down ftap0", "delete ftap0"}, f.links.calls)
	assert.NotContains(t, f.links.links, "ftap0")
	assert.Equal(t, 0, f.fw.count("nat", "POSTROUTING", "fcterm-ftap0"))
	assert.Equal(t, 0, f.fw.count("filter", "FORWARD", "fcterm-ftap0"))

	// Absent device is fine.
	require.NoError(t, f.p.Teardown(context.Background()))
}

func TestNewProvisionerValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"empty name", Config{Address: "172.20.0.1/24"}},
		{"long name", Config{TAPName: "a-very-long-tap-name", Address: "172.20.0.1/24"}},
		{"bad cidr", Config{TAPName: "ftap0", Address: "172.20.0.1"}},
		{"ipv6", Config{TAPName: "ftap0", Address: "fd00::1/64"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProvisioner(tt.cfg, newFakeLinks(), newFakeFirewall(), &fakeSysctl{}, nil)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestParseRuleLine(t *testing.T) {
	spec, ok := parseRuleLine(`-A POSTROUTING -s 172.20.0.0/24 -o eth0 -m comment --comment "fcterm-ftap0-nat" -j MASQUERADE`, "POSTROUTING")
	require.True(t, ok)
	assert.Equal(t, "fcterm-ftap0-nat", commentOf(spec))
	assert.Equal(t, "MASQUERADE", spec[len(spec)-1])

	_, ok = parseRuleLine("-P POSTROUTING ACCEPT", "POSTROUTING")
	assert.False(t, ok)
	_, ok = parseRuleLine("-A FORWARD -j ACCEPT", "POSTROUTING")
	assert.False(t, ok)
}
