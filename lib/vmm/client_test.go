package vmm

import (
	"context"
	"os"
	"testing"
	"time"

	firecracker "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/onkernel/fcterm/lib/vmm/vmmtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startFake(t *testing.T, opts vmmtest.Options) (*Process, string) {
	t.Helper()
	binary, callLog := vmmtest.Setup(t, opts)
	p, err := StartProcess(context.Background(), fastConfig(t, binary), nil)
	require.NoError(t, err)
	t.Cleanup(func() { p.Terminate(context.Background(), time.Second, time.Second) })
	return p, callLog
}

func TestClientCalls(t *testing.T) {
	p, callLog := startFake(t, vmmtest.Options{})
	ctx := context.Background()
	c := NewClient(p.SocketPath(), 0, nil)

	require.NoError(t, c.PutBootSource(ctx, &models.BootSource{
		KernelImagePath: firecracker.String("/k/vmlinux"),
		BootArgs:        "console=ttyS0",
	}))
	require.NoError(t, c.PutMachineConfig(ctx, &models.MachineConfiguration{
		VcpuCount:  firecracker.Int64(2),
		MemSizeMib: firecracker.Int64(512),
		Smt:        firecracker.Bool(false),
	}))
	require.NoError(t, c.PutNetworkInterface(ctx, &models.NetworkInterface{
		IfaceID:     firecracker.String("eth0"),
		HostDevName: firecracker.String("ftap0"),
		GuestMac:    "02:00:00:aa:bb:cc",
	}))
	require.NoError(t, c.PutDrive(ctx, &models.Drive{
		DriveID:      firecracker.String("rootfs"),
		PathOnHost:   firecracker.String("/img/rootfs.ext4"),
		IsRootDevice: firecracker.Bool(true),
		IsReadOnly:   firecracker.Bool(false),
	}))
	require.NoError(t, c.StartInstance(ctx))

	calls := vmmtest.ReadCalls(t, callLog)
	require.Len(t, calls, 5)
	var got []string
	for _, call := range calls {
		got = append(got, call.String())
	}
	assert.Equal(t, []string{
		"PUT /boot-source",
		"PUT /machine-config",
		"PUT /network-interfaces/eth0",
		"PUT /drives/rootfs",
		"PUT /actions",
	}, got)

	assert.Equal(t, "/k/vmlinux", calls[0].Body["kernel_image_path"])
	assert.EqualValues(t, 2, calls[1].Body["vcpu_count"])
	assert.Equal(t, "ftap0", calls[2].Body["host_dev_name"])
	assert.Equal(t, true, calls[3].Body["is_root_device"])
	assert.Equal(t, "InstanceStart", calls[4].Body["action_type"])
}

func TestClientRejected(t *testing.T) {
	p, _ := startFake(t, vmmtest.Options{FailPath: "/machine-config"})
	c := NewClient(p.SocketPath(), time.Second, nil)

	err := c.PutMachineConfig(context.Background(), &models.MachineConfiguration{
		VcpuCount:  firecracker.Int64(1),
		MemSizeMib: firecracker.Int64(128),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PUT /machine-config")
}

func TestClientTimeoutAboveSDKDefault(t *testing.T) {
	p, _ := startFake(t, vmmtest.Options{Delay: 800 * time.Millisecond})
	ctx := context.Background()
	t.Setenv(sdkTimeoutEnv, "123")

	src := &models.BootSource{KernelImagePath: firecracker.String("/k/vmlinux")}
	drive := &models.Drive{
		DriveID:      firecracker.String("rootfs"),
		PathOnHost:   firecracker.String("/img/rootfs.ext4"),
		IsRootDevice: firecracker.Bool(true),
		IsReadOnly:   firecracker.Bool(false),
	}

	slow := NewClient(p.SocketPath(), 3*time.Second, nil)
	assert.Equal(t, "123", os.Getenv(sdkTimeoutEnv), "environment is restored")
	require.NoError(t, slow.PutBootSource(ctx, src))
	require.NoError(t, slow.PutDrive(ctx, drive))

	fast := NewClient(p.SocketPath(), 200*time.Millisecond, nil)
	err := fast.PutBootSource(ctx, src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PUT /boot-source")
}
