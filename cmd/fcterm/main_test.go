package main

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/onkernel/fcterm/cmd/fcterm/config"
	"github.com/onkernel/fcterm/lib/images"
	"github.com/onkernel/fcterm/lib/network"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCLI() *cli {
	return &cli{cfg: &config.Config{
		Recipe:     "Dockerfile",
		WorkDir:    ".",
		ImageTag:   "fcterm-rootfs:latest",
		ImageSize:  "5G",
		TAPName:    "ftap0",
		KernelPath: "/boot/vmlinux",
		VCPUs:      1,
		Memory:     "512MB",
	}}
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd(testCLI())
	var names []string
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	assert.ElementsMatch(t, []string{"build", "network", "run", "smoke", "reap"}, names)
}

func parseBuild(t *testing.T, args ...string) *buildOptions {
	t.Helper()
	var opts buildOptions
	cmd := &cobra.Command{}
	opts.addFlags(cmd, testCLI())
	require.NoError(t, cmd.ParseFlags(args))
	return &opts
}

func TestBuildOptions(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		spec, err := parseBuild(t).spec("/data/images/rootfs.img")
		require.NoError(t, err)
		assert.Equal(t, "Dockerfile", spec.Recipe)
		assert.Equal(t, int64(5_000_000_000), spec.SizeBytes)
		assert.Equal(t, "/data/images/rootfs.img", spec.Output)
		assert.True(t, spec.VerifyInit)
		assert.False(t, spec.KeepArchive)
	})

	t.Run("flags", func(t *testing.T) {
		spec, err := parseBuild(t,
			"--recipe", "recipes/Dockerfile.dev",
			"--output", "/tmp/dev.img",
			"--size", "1G",
			"--tag", "dev-rootfs:1",
			"--verify-init=false",
			"--keep-archive",
		).spec("/unused.img")
		require.NoError(t, err)
		assert.Equal(t, "/tmp/dev.img", spec.Output)
		assert.Equal(t, int64(1_000_000_000), spec.SizeBytes)
		assert.Equal(t, "dev-rootfs:1", spec.Tag)
		assert.False(t, spec.VerifyInit)
		assert.True(t, spec.KeepArchive)
	})

	t.Run("bad size", func(t *testing.T) {
		_, err := parseBuild(t, "--size", "lots").spec("/out.img")
		assert.ErrorIs(t, err, images.ErrInvalidSpec)
	})

	t.Run("bad tag", func(t *testing.T) {
		_, err := parseBuild(t, "--tag", "UPPER:case").spec("/out.img")
		assert.ErrorIs(t, err, images.ErrInvalidSpec)
	})
}

func writeProfile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func parseRun(t *testing.T, args ...string) (*runOptions, *cobra.Command) {
	t.Helper()
	var opts runOptions
	cmd := &cobra.Command{}
	opts.addFlags(cmd, testCLI())
	require.NoError(t, cmd.ParseFlags(args))
	return &opts, cmd
}

func TestRunProfile(t *testing.T) {
	profile := writeProfile(t, `
name: dev
kernel: /profiles/vmlinux
rootfs: /profiles/rootfs.img
vcpus: 2
memory: 1GB
network: false
boot_args: ["quiet"]
`)

	t.Run("profile fills unset flags", func(t *testing.T) {
		opts, cmd := parseRun(t, "--profile", profile)
		require.NoError(t, opts.resolve(cmd))

		vm, err := opts.vmConfig("/default/rootfs.img")
		require.NoError(t, err)
		assert.Equal(t, "/profiles/vmlinux", vm.KernelPath)
		assert.Equal(t, "/profiles/rootfs.img", vm.RootFSPath)
		assert.Equal(t, int64(2), vm.VCPUs)
		assert.Equal(t, int64(1024), vm.MemoryMiB)
		assert.Equal(t, []string{"quiet"}, vm.ExtraBootArgs)
		assert.True(t, opts.noNetwork)
	})

	t.Run("explicit flags win", func(t *testing.T) {
		opts, cmd := parseRun(t, "--profile", profile, "--vcpus", "4", "--memory", "256MB")
		require.NoError(t, opts.resolve(cmd))

		vm, err := opts.vmConfig("/default/rootfs.img")
		require.NoError(t, err)
		assert.Equal(t, int64(4), vm.VCPUs)
		assert.Equal(t, int64(256), vm.MemoryMiB)
		assert.Equal(t, "/profiles/vmlinux", vm.KernelPath)
	})

	t.Run("no profile uses defaults", func(t *testing.T) {
		opts, cmd := parseRun(t)
		require.NoError(t, opts.resolve(cmd))

		vm, err := opts.vmConfig("/default/rootfs.img")
		require.NoError(t, err)
		assert.Equal(t, "/boot/vmlinux", vm.KernelPath)
		assert.Equal(t, "/default/rootfs.img", vm.RootFSPath)
		assert.Equal(t, int64(512), vm.MemoryMiB)
		assert.False(t, opts.noNetwork)
	})

	t.Run("malformed profile", func(t *testing.T) {
		opts, cmd := parseRun(t, "--profile", writeProfile(t, "vcpus: [1, 2]\n"))
		assert.Error(t, opts.resolve(cmd))
	})

	t.Run("missing profile", func(t *testing.T) {
		opts, cmd := parseRun(t, "--profile", filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, opts.resolve(cmd))
	})
}

func TestRunVMConfigValidation(t *testing.T) {
	opts, _ := parseRun(t, "--vcpus", "0")
	_, err := opts.vmConfig("/rootfs.img")
	assert.Error(t, err)

	opts, _ = parseRun(t, "--memory", "lots")
	_, err = opts.vmConfig("/rootfs.img")
	assert.Error(t, err)
}

func testDevice(t *testing.T) *network.Device {
	t.Helper()
	ip, subnet, err := net.ParseCIDR("172.20.0.1/24")
	require.NoError(t, err)
	return &network.Device{
		Name:    "ftap0",
		Address: &net.IPNet{IP: ip.To4(), Mask: subnet.Mask},
		Subnet:  subnet,
		Uplink:  "eth0",
	}
}

func TestRunGuest(t *testing.T) {
	dev := testDevice(t)

	opts, _ := parseRun(t, "--guest-ip", "172.20.0.9")
	g, err := opts.guest(dev, "abc")
	require.NoError(t, err)
	assert.Equal(t, "172.20.0.9", g.IP.String())

	opts, _ = parseRun(t, "--guest-ip", "nope")
	_, err = opts.guest(dev, "abc")
	assert.ErrorIs(t, err, network.ErrInvalidConfig)

	// Without an explicit address the instance ID picks a stable one.
	opts, _ = parseRun(t)
	g1, err := opts.guest(dev, "abc")
	require.NoError(t, err)
	g2, err := opts.guest(dev, "abc")
	require.NoError(t, err)
	assert.True(t, g1.IP.Equal(g2.IP))

	// A session overrides the instance ID.
	opts, _ = parseRun(t, "--session", "abc")
	g3, err := opts.guest(dev, "other")
	require.NoError(t, err)
	assert.True(t, g1.IP.Equal(g3.IP))
}

func TestWriteReport(t *testing.T) {
	dev := testDevice(t)

	var buf bytes.Buffer
	writeReport(&buf, dev, &network.Report{
		DeviceCreated: true,
		LinkSetUp:     true,
		RulesAdded:    []string{"nat/POSTROUTING masquerade"},
		RulesRemoved:  []string{"nat/POSTROUTING stale"},
	})
	out := buf.String()
	assert.Contains(t, out, "ftap0 172.20.0.1/24 via eth0")
	assert.Contains(t, out, "created device")
	assert.Contains(t, out, "set link up")
	assert.NotContains(t, out, "assigned address")
	assert.Contains(t, out, "+ nat/POSTROUTING masquerade")
	assert.Contains(t, out, "- nat/POSTROUTING stale")

	buf.Reset()
	writeReport(&buf, dev, &network.Report{})
	assert.Contains(t, buf.String(), "nothing changed")

	buf.Reset()
	writeReport(&buf, nil, &network.Report{DeviceCreated: true})
	assert.Equal(t, "  created device\n", buf.String())
}
