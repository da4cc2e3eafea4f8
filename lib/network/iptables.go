package network

import (
	"fmt"
	"strings"

	"github.com/coreos/go-iptables/iptables"
)

// Firewall is the subset of *iptables.IPTables the provisioner uses.
type Firewall interface {
	Exists(table, chain string, rulespec ...string) (bool, error)
	Append(table, chain string, rulespec ...string) error
	Insert(table, chain string, pos int, rulespec ...string) error
	DeleteIfExists(table, chain string, rulespec ...string) error
	List(table, chain string) ([]string, error)
}

// NewIPTables returns the host's IPv4 iptables.
func NewIPTables() (Firewall, error) {
	ipt, err := iptables.New(iptables.IPFamily(iptables.ProtocolIPv4))
	if err != nil {
		return nil, fmt.Errorf("init iptables: %w", err)
	}
	return ipt, nil
}

// Rule names, also used to build the comment that tags each rule.
const (
	ruleNAT    = "nat"
	ruleFwdOut = "fwd-out"
	ruleFwdIn  = "fwd-in"
)

type rule struct {
	name     string
	table    string
	chain    string
	insertAt int // 1-based position; 0 appends
	spec     []string
}

func (r rule) String() string {
	return fmt.Sprintf("%s/%s %s", r.table, r.chain, strings.Join(r.spec, " "))
}

// ruleComment tags a rule as owned by a given TAP device.
func ruleComment(tap, name string) string {
	return "fcterm-" + tap + "-" + name
}

// desiredRules returns the NAT and forwarding rules for a TAP device. FORWARD
// rules go to the top of the chain so they are evaluated before rules other
// tools (Docker) install.
func desiredRules(tap, subnet, uplink string) []rule {
	comment := func(name string) []string {
		return []string{"-m", "comment", "--comment", ruleComment(tap, name)}
	}
	return []rule{
		{
			name:  ruleNAT,
			table: "nat",
			chain: "POSTROUTING",
			spec: concat(
				[]string{"-s", subnet, "-o", uplink},
				comment(ruleNAT),
				[]string{"-j", "MASQUERADE"},
			),
		},
		{
			name:     ruleFwdOut,
			table:    "filter",
			chain:    "FORWARD",
			insertAt: 1,
			spec: concat(
				[]string{"-i", tap, "-o", uplink},
				comment(ruleFwdOut),
				[]string{"-j", "ACCEPT"},
			),
		},
		{
			name:     ruleFwdIn,
			table:    "filter",
			chain:    "FORWARD",
			insertAt: 2,
			spec: concat(
				[]string{"-i", uplink, "-o", tap, "-m", "conntrack", "--ctstate", "RELATED,ESTABLISHED"},
				comment(ruleFwdIn),
				[]string{"-j", "ACCEPT"},
			),
		},
	}
}

func concat(parts ...[]string) []string {
	var out []string
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// ensureRule makes r the only rule in its chain carrying r's comment. Rules
// left behind with the same tag (for example from a different uplink) are
// removed first.
func ensureRule(fw Firewall, tap string, r rule) (added bool, removed []string, err error) {
	owned, err := ownedRules(fw, r.table, r.chain, ruleComment(tap, r.name))
	if err != nil {
		return false, nil, err
	}

	exists, err := fw.Exists(r.table, r.chain, r.spec...)
	if err != nil {
		return false, nil, fmt.Errorf("check %s rule: %w", r.name, err)
	}
	if exists && len(owned) == 1 {
		return false, nil, nil
	}

	for _, spec := range owned {
		if err := fw.DeleteIfExists(r.table, r.chain, spec...); err != nil {
			return false, removed, fmt.Errorf("delete stale %s rule: %w", r.name, err)
		}
		removed = append(removed, fmt.Sprintf("%s/%s %s", r.table, r.chain, strings.Join(spec, " ")))
	}

	if r.insertAt > 0 {
		err = fw.Insert(r.table, r.chain, r.insertAt, r.spec...)
	} else {
		err = fw.Append(r.table, r.chain, r.spec...)
	}
	if err != nil {
		return false, removed, fmt.Errorf("add %s rule: %w", r.name, err)
	}
	return true, removed, nil
}

// removeOwnedRules deletes every rule in the chain tagged with comment.
func removeOwnedRules(fw Firewall, table, chain, comment string) ([]string, error) {
	owned, err := ownedRules(fw, table, chain, comment)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, spec := range owned {
		if err := fw.DeleteIfExists(table, chain, spec...); err != nil {
			return removed, fmt.Errorf("delete rule: %w", err)
		}
		removed = append(removed, strings.Join(spec, " "))
	}
	return removed, nil
}

// ownedRules lists the rulespecs in chain tagged with comment.
func ownedRules(fw Firewall, table, chain, comment string) ([][]string, error) {
	lines, err := fw.List(table, chain)
	if err != nil {
		return nil, fmt.Errorf("list %s/%s: %w", table, chain, err)
	}
	var owned [][]string
	for _, line := range lines {
		spec, ok := parseRuleLine(line, chain)
		if !ok {
			continue
		}
		if commentOf(spec) == comment {
			owned = append(owned, spec)
		}
	}
	return owned, nil
}

// parseRuleLine turns an iptables-save style "-A CHAIN args..." line into
// args. Our comments never contain spaces, so splitting on whitespace is safe
// for the rules we care about.
func parseRuleLine(line, chain string) ([]string, bool) {
	fields := strings.Fields(line)
	if len(fields) < 3 || fields[0] != "-A" || fields[1] != chain {
		return nil, false
	}
	spec := fields[2:]
	for i, f := range spec {
		spec[i] = strings.Trim(f, `"`)
	}
	return spec, true
}

func commentOf(spec []string) string {
	for i := 0; i+1 < len(spec); i++ {
		if spec[i] == "--comment" {
			return spec[i+1]
		}
	}
	return ""
}
