package providers

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/c2h5oh/datasize"
	"github.com/onkernel/fcterm/cmd/fcterm/config"
	"github.com/onkernel/fcterm/lib/images"
	"github.com/onkernel/fcterm/lib/instances"
	"github.com/onkernel/fcterm/lib/logger"
	"github.com/onkernel/fcterm/lib/network"
	"github.com/onkernel/fcterm/lib/otel"
	"github.com/onkernel/fcterm/lib/paths"
	"github.com/onkernel/fcterm/lib/verify"
	"github.com/onkernel/fcterm/lib/vmm"
)

// ProvideLogger provides a structured logger. Records carrying an instance ID
// are mirrored into that instance's log directory, and into the OpenTelemetry
// log pipeline when it is enabled.
func ProvideLogger(cfg *config.Config, tel *otel.Provider, p *paths.Paths) *slog.Logger {
	var extra []slog.Handler
	if tel != nil && tel.LogHandler != nil {
		extra = append(extra, tel.LogHandler)
	}
	return logger.New(logger.Config{
		Level:           cfg.LogLevel,
		Format:          cfg.LogFormat,
		InstanceLogPath: p.InstanceControllerLog,
		Extra:           extra,
	})
}

// ProvidePaths provides the data directory layout
func ProvidePaths(cfg *config.Config) *paths.Paths {
	return paths.New(cfg.DataDir, cfg.SocketDir)
}

// ProvideImageMetrics provides the image pipeline metrics
func ProvideImageMetrics(tel *otel.Provider) (*images.Metrics, error) {
	return images.NewMetrics(tel.MeterFor("images"))
}

// ProvideDockerEngine provides a Docker client. Build output goes to stderr.
func ProvideDockerEngine() (*images.DockerEngine, func(), error) {
	engine, err := images.NewDockerEngine(os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	return engine, func() { engine.Close() }, nil
}

// ProvideExporter provides the container filesystem exporter
func ProvideExporter(engine *images.DockerEngine) images.Exporter {
	return images.NewDockerExporter(engine)
}

// ProvideFormatter provides the block device formatter
func ProvideFormatter(cfg *config.Config, p *paths.Paths, m *images.Metrics) *images.Formatter {
	return images.NewFormatter(
		images.WithRunner(images.NewExecRunner(cfg.UseSudo)),
		images.WithMountDir(p.MountDir()),
		images.WithFormatterMetrics(m),
	)
}

// ProvideBuilder provides the image pipeline
func ProvideBuilder(exp images.Exporter, f *images.Formatter, m *images.Metrics, tel *otel.Provider) *images.Builder {
	return images.NewBuilder(exp, f, m, tel.TracerFor("images"))
}

// ProvideNetworkConfig provides the TAP configuration, owned by the invoking
// user so an unprivileged hypervisor can open the device.
func ProvideNetworkConfig(cfg *config.Config) network.Config {
	netCfg := network.DefaultConfig()
	netCfg.TAPName = cfg.TAPName
	netCfg.Address = cfg.TAPAddress
	netCfg.Uplink = cfg.Uplink
	if uid, gid, ok := images.InvokingUser(); ok {
		netCfg.Owner, netCfg.Group = uid, gid
	}
	return netCfg
}

// ProvideProvisioner provides the host network provisioner
func ProvideProvisioner(netCfg network.Config, tel *otel.Provider) (*network.Provisioner, error) {
	m, err := network.NewMetrics(tel.MeterFor("network"))
	if err != nil {
		return nil, err
	}
	return network.NewHostProvisioner(netCfg, m)
}

// ProvideVMMMetrics provides the hypervisor process and API metrics
func ProvideVMMMetrics(tel *otel.Provider) (*vmm.Metrics, error) {
	return vmm.NewMetrics(tel.MeterFor("vmm"))
}

// ProvideInstanceMetrics provides the instance lifecycle metrics
func ProvideInstanceMetrics(tel *otel.Provider) (*instances.Metrics, error) {
	return instances.NewMetrics(tel.MeterFor("instances"), tel.TracerFor("instances"))
}

// ProvideController provides the microVM lifecycle controller
func ProvideController(cfg *config.Config, p *paths.Paths, m *instances.Metrics, vm *vmm.Metrics) (*instances.Controller, error) {
	return instances.NewController(instances.Config{
		Binary:            cfg.FirecrackerBinary,
		Paths:             p,
		ReadyPollInterval: cfg.ReadyPollInterval,
		ReadyPollAttempts: cfg.ReadyPollAttempts,
		APITimeout:        cfg.APITimeout,
		ShutdownGrace:     cfg.ShutdownGrace,
	}, m, vm)
}

// ProvideHarness provides the verification harness
func ProvideHarness(cfg *config.Config, c *instances.Controller, p *paths.Paths) *verify.Harness {
	return verify.New(c,
		verify.WithRunner(images.NewExecRunner(cfg.UseSudo)),
		verify.WithSettle(cfg.SmokeSettle),
		verify.WithMountDir(p.MountDir()),
	)
}

// ParseMemory parses a memory size such as "512MB" or "1GB" into MiB.
func ParseMemory(s string) (int64, error) {
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid memory size %q: %w", s, err)
	}
	mib := int64(size.MBytes())
	if mib < 1 {
		return 0, fmt.Errorf("memory size %q is below 1 MiB", s)
	}
	return mib, nil
}
