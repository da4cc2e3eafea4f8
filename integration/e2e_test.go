package integration

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/onkernel/fcterm/lib/images"
	"github.com/onkernel/fcterm/lib/instances"
	"github.com/onkernel/fcterm/lib/network"
	"github.com/onkernel/fcterm/lib/paths"
	"github.com/onkernel/fcterm/lib/verify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const recipe = `FROM alpine:3.20
RUN printf '#!/bin/sh\nmount -t proc proc /proc\necho guest up\nexec sleep 3600\n' > /init && chmod +x /init
`

// requireHost skips unless the host can build images, manage networking and
// run Firecracker.
func requireHost(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if os.Geteuid() != 0 {
		t.Skip("integration tests require root")
	}
	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skip("/dev/kvm not available")
	}
	for _, bin := range []string{"docker", "firecracker", "mkfs.ext4"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not in PATH", bin)
		}
	}
}

func TestEndToEnd(t *testing.T) {
	requireHost(t)
	kernel := os.Getenv("FCTERM_E2E_KERNEL")
	if kernel == "" {
		t.Skip("FCTERM_E2E_KERNEL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	dataDir := t.TempDir()
	p := paths.New(dataDir, "")

	workDir := t.TempDir()
	recipePath := filepath.Join(workDir, "Dockerfile")
	require.NoError(t, os.WriteFile(recipePath, []byte(recipe), 0644))

	engine, err := images.NewDockerEngine(nil)
	require.NoError(t, err)
	defer engine.Close()

	builder := images.NewBuilder(
		images.NewDockerExporter(engine),
		images.NewFormatter(images.WithMountDir(p.MountDir())),
		nil, nil,
	)

	netCfg := network.DefaultConfig()
	netCfg.TAPName = "fcte2e0"
	netCfg.Address = "172.31.250.1/24"
	prov, err := network.NewHostProvisioner(netCfg, nil)
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, prov.Teardown(context.Background()))
	}()

	controller, err := instances.NewController(instances.Config{
		Binary: "firecracker",
		Paths:  p,
	}, nil, nil)
	require.NoError(t, err)

	h := verify.New(controller, verify.WithMountDir(p.MountDir()), verify.WithSettle(5*time.Second))
	results, err := h.Smoke(ctx, builder, prov, verify.SmokeConfig{
		Build: images.BuildSpec{
			Recipe:     recipePath,
			WorkDir:    workDir,
			Output:     p.Image("e2e"),
			SizeBytes:  512 << 20,
			Tag:        "fcterm-e2e:latest",
			VerifyInit: true,
		},
		KernelPath: kernel,
		VCPUs:      1,
		MemoryMiB:  256,
		Network:    true,
		SessionID:  "e2e",
	})
	for _, r := range results {
		t.Logf("%-10s ok=%v skipped=%v %s %v", r.Name, r.OK, r.Skipped, r.Detail, r.Err)
	}
	require.NoError(t, err)

	// A second provision on the same host changes nothing.
	_, report, err := prov.Provision(ctx)
	require.NoError(t, err)
	assert.False(t, report.Changed())
}

func TestTerminateRemovesSocket(t *testing.T) {
	requireHost(t)
	ctx := context.Background()

	controller, err := instances.NewController(instances.Config{
		Binary: "firecracker",
		Paths:  paths.New(t.TempDir(), ""),
	}, nil, nil)
	require.NoError(t, err)

	inst, err := controller.Spawn(ctx, instances.SpawnRequest{})
	require.NoError(t, err)
	require.FileExists(t, inst.SocketPath())

	// Unconfigured instances terminate cleanly as well.
	require.NoError(t, inst.Terminate(ctx))
	assert.NoFileExists(t, inst.SocketPath())
	assert.Equal(t, instances.StateTerminated, inst.State())
	require.NoError(t, inst.Terminate(ctx))
}
