package main

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
)

// vmProfile is a reusable VM definition loaded with --profile. Flags given
// on the command line take precedence over profile values.
type vmProfile struct {
	Name     string   `json:"name"`
	Kernel   string   `json:"kernel"`
	RootFS   string   `json:"rootfs"`
	VCPUs    int64    `json:"vcpus"`
	Memory   string   `json:"memory"`
	SMT      bool     `json:"smt"`
	ReadOnly bool     `json:"read_only"`
	Network  *bool    `json:"network"`
	GuestIP  string   `json:"guest_ip"`
	BootArgs []string `json:"boot_args"`
}

func loadProfile(path string) (*vmProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	var p vmProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if p.VCPUs < 0 {
		return nil, fmt.Errorf("profile %s: vcpus must not be negative", path)
	}
	return &p, nil
}
