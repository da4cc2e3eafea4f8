package vmm

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	firecracker "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"
)

// DefaultAPITimeout bounds a single control API request.
const DefaultAPITimeout = 10 * time.Second

// sdkTimeoutEnv is read by the SDK when a client is created and caps every
// request it sends, 500ms unless set.
const sdkTimeoutEnv = "FIRECRACKER_GO_SDK_REQUEST_TIMEOUT_MILLISECONDS"

var sdkEnvMu sync.Mutex

// Client talks to one Firecracker process over its control socket. Every
// method is a single PUT with its own timeout.
type Client struct {
	fc         *firecracker.Client
	socketPath string
	timeout    time.Duration
	metrics    *Metrics
}

// NewClient creates a client for an existing control socket. A zero timeout
// means DefaultAPITimeout. metrics may be nil.
func NewClient(socketPath string, timeout time.Duration, metrics *Metrics) *Client {
	if timeout <= 0 {
		timeout = DefaultAPITimeout
	}

	// The SDK logs through logrus; our own call logging happens one level up.
	sdkLog := logrus.New()
	sdkLog.SetOutput(io.Discard)

	return &Client{
		fc:         newSDKClient(socketPath, logrus.NewEntry(sdkLog), timeout),
		socketPath: socketPath,
		timeout:    timeout,
		metrics:    metrics,
	}
}

// newSDKClient builds the SDK client with its request cap raised above timeout
// so that our own deadline is the one that applies. Drive requests get half the
// cap, hence the doubling. The environment is restored afterwards.
func newSDKClient(socketPath string, log *logrus.Entry, timeout time.Duration) *firecracker.Client {
	sdkEnvMu.Lock()
	defer sdkEnvMu.Unlock()

	prev, had := os.LookupEnv(sdkTimeoutEnv)
	os.Setenv(sdkTimeoutEnv, strconv.FormatInt(max(2*timeout.Milliseconds(), 2), 10))
	defer func() {
		if had {
			os.Setenv(sdkTimeoutEnv, prev)
		} else {
			os.Unsetenv(sdkTimeoutEnv)
		}
	}()

	return firecracker.NewClient(socketPath, log, false)
}

// SocketPath returns the control socket the client is bound to.
func (c *Client) SocketPath() string {
	return c.socketPath
}

// PutBootSource sets the kernel image and command line.
func (c *Client) PutBootSource(ctx context.Context, src *models.BootSource) error {
	return c.call(ctx, "PUT /boot-source", func(ctx context.Context) error {
		_, err := c.fc.PutGuestBootSource(ctx, src)
		return err
	})
}

// PutMachineConfig sets vCPU count and memory size.
func (c *Client) PutMachineConfig(ctx context.Context, cfg *models.MachineConfiguration) error {
	return c.call(ctx, "PUT /machine-config", func(ctx context.Context) error {
		_, err := c.fc.PutMachineConfiguration(ctx, cfg)
		return err
	})
}

// PutNetworkInterface attaches a guest NIC backed by a host TAP device.
func (c *Client) PutNetworkInterface(ctx context.Context, iface *models.NetworkInterface) error {
	id := firecracker.StringValue(iface.IfaceID)
	return c.call(ctx, "PUT /network-interfaces", func(ctx context.Context) error {
		_, err := c.fc.PutGuestNetworkInterfaceByID(ctx, id, iface)
		return err
	})
}

// PutDrive attaches a block device.
func (c *Client) PutDrive(ctx context.Context, drive *models.Drive) error {
	id := firecracker.StringValue(drive.DriveID)
	return c.call(ctx, "PUT /drives", func(ctx context.Context) error {
		_, err := c.fc.PutGuestDriveByID(ctx, id, drive)
		return err
	})
}

// StartInstance issues the InstanceStart action.
func (c *Client) StartInstance(ctx context.Context) error {
	action := &models.InstanceActionInfo{
		ActionType: firecracker.String(models.InstanceActionInfoActionTypeInstanceStart),
	}
	return c.call(ctx, "PUT /actions", func(ctx context.Context) error {
		_, err := c.fc.CreateSyncAction(ctx, action)
		return err
	})
}

func (c *Client) call(ctx context.Context, operation string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	c.metrics.RecordAPICall(ctx, operation, start, err)
	if err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	return nil
}
