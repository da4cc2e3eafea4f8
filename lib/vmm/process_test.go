package vmm

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/onkernel/fcterm/lib/vmm/vmmtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestMain(m *testing.M) {
	if vmmtest.Enabled() {
		vmmtest.Main()
		return
	}
	os.Exit(m.Run())
}

func fastConfig(t *testing.T, binary string) ProcessConfig {
	t.Helper()
	dir := vmmtest.SocketDir(t)
	return ProcessConfig{
		Binary:            binary,
		SocketPath:        filepath.Join(dir, "fc-test.sock"),
		ID:                "test",
		LogPath:           filepath.Join(t.TempDir(), "logs", "vmm.log"),
		ReadyPollInterval: 20 * time.Millisecond,
		ReadyPollAttempts: 50,
	}
}

func TestStartProcessAndTerminate(t *testing.T) {
	binary, _ := vmmtest.Setup(t, vmmtest.Options{})
	cfg := fastConfig(t, binary)
	ctx := context.Background()

	p, err := StartProcess(ctx, cfg, nil)
	require.NoError(t, err)
	assert.Greater(t, p.Pid(), 0)
	assert.True(t, p.Alive())
	assert.True(t, SocketInUse(cfg.SocketPath))

	_, err = os.Stat(cfg.LogPath)
	require.NoError(t, err, "vmm log should be created")

	require.NoError(t, p.Terminate(ctx, time.Second, time.Second))
	assert.False(t, p.Alive())
	_, err = os.Stat(cfg.SocketPath)
	assert.True(t, os.IsNotExist(err), "socket should be removed")

	// Second call is a no-op.
	require.NoError(t, p.Terminate(ctx, time.Second, time.Second))
}

func TestStartProcessSocketNeverAppears(t *testing.T) {
	binary, _ := vmmtest.Setup(t, vmmtest.Options{Mode: vmmtest.ModeNoSocket})
	cfg := fastConfig(t, binary)
	cfg.ReadyPollInterval = 50 * time.Millisecond
	cfg.ReadyPollAttempts = 10

	start := time.Now()
	p, err := StartProcess(context.Background(), cfg, nil)
	require.ErrorIs(t, err, ErrNotReady)
	assert.Nil(t, p)
	assert.Less(t, time.Since(start), 5*time.Second)

	_, statErr := os.Stat(cfg.SocketPath)
	assert.True(t, os.IsNotExist(statErr))

	// The unready process was killed and reaped, not left behind.
	pid := vmmtest.LoggedPid(t, cfg.LogPath)
	require.NotZero(t, pid, "fake should have logged its pid")
	assert.True(t, vmmtest.Gone(pid), "pid %d still exists", pid)
	assert.Empty(t, vmmtest.RunningWithArg(t, cfg.SocketPath))
}

func TestStartProcessExitsEarly(t *testing.T) {
	binary, _ := vmmtest.Setup(t, vmmtest.Options{Mode: vmmtest.ModeExit})
	cfg := fastConfig(t, binary)
	cfg.ReadyPollInterval = time.Second
	cfg.ReadyPollAttempts = 10

	start := time.Now()
	_, err := StartProcess(context.Background(), cfg, nil)
	require.ErrorIs(t, err, ErrNotReady)
	assert.Contains(t, err.Error(), "process exited")
	assert.Less(t, time.Since(start), 5*time.Second, "exit should end the wait early")
}

func TestStartProcessMissingBinary(t *testing.T) {
	cfg := fastConfig(t, filepath.Join(t.TempDir(), "no-such-firecracker"))
	_, err := StartProcess(context.Background(), cfg, nil)
	require.ErrorIs(t, err, ErrSpawn)
}

func TestStartProcessSocketInUse(t *testing.T) {
	binary, _ := vmmtest.Setup(t, vmmtest.Options{})
	cfg := fastConfig(t, binary)

	ln, err := net.Listen("unix", cfg.SocketPath)
	require.NoError(t, err)
	defer ln.Close()

	_, err = StartProcess(context.Background(), cfg, nil)
	require.ErrorIs(t, err, ErrSocketInUse)
}

func TestStartProcessRemovesStaleSocket(t *testing.T) {
	binary, _ := vmmtest.Setup(t, vmmtest.Options{})
	cfg := fastConfig(t, binary)

	// A socket file nobody listens on.
	ln, err := net.Listen("unix", cfg.SocketPath)
	require.NoError(t, err)
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	ln.Close()

	p, err := StartProcess(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, p.Terminate(context.Background(), time.Second, time.Second))
}

func TestTerminateEscalatesToSIGKILL(t *testing.T) {
	binary, _ := vmmtest.Setup(t, vmmtest.Options{Mode: vmmtest.ModeIgnoreTerm})
	cfg := fastConfig(t, binary)
	ctx := context.Background()

	p, err := StartProcess(ctx, cfg, nil)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.Terminate(ctx, 200*time.Millisecond, 2*time.Second))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond, "grace period should elapse")
	assert.False(t, p.Alive())

	_, err = os.Stat(cfg.SocketPath)
	assert.True(t, os.IsNotExist(err))
}

func TestTerminateAfterExit(t *testing.T) {
	binary, _ := vmmtest.Setup(t, vmmtest.Options{})
	cfg := fastConfig(t, binary)
	ctx := context.Background()

	p, err := StartProcess(ctx, cfg, nil)
	require.NoError(t, err)

	require.NoError(t, p.signalGroup(unix.SIGKILL))
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}

	require.NoError(t, p.Terminate(ctx, time.Second, time.Second))
	_, err = os.Stat(cfg.SocketPath)
	assert.True(t, os.IsNotExist(err))
}
