//go:build wireinject

package main

import (
	"log/slog"

	"github.com/google/wire"
	"github.com/onkernel/fcterm/cmd/fcterm/config"
	"github.com/onkernel/fcterm/lib/images"
	"github.com/onkernel/fcterm/lib/instances"
	"github.com/onkernel/fcterm/lib/network"
	"github.com/onkernel/fcterm/lib/otel"
	"github.com/onkernel/fcterm/lib/paths"
	"github.com/onkernel/fcterm/lib/providers"
	"github.com/onkernel/fcterm/lib/verify"
)

var baseSet = wire.NewSet(
	providers.ProvidePaths,
	providers.ProvideLogger,
)

var imageSet = wire.NewSet(
	providers.ProvideDockerEngine,
	providers.ProvideExporter,
	providers.ProvideImageMetrics,
	providers.ProvideFormatter,
	providers.ProvideBuilder,
)

var networkSet = wire.NewSet(
	providers.ProvideNetworkConfig,
	providers.ProvideProvisioner,
)

var controllerSet = wire.NewSet(
	providers.ProvideVMMMetrics,
	providers.ProvideInstanceMetrics,
	providers.ProvideController,
)

// buildApp holds what `fcterm build` needs
type buildApp struct {
	Logger  *slog.Logger
	Paths   *paths.Paths
	Builder *images.Builder
}

// networkApp holds what `fcterm network` needs
type networkApp struct {
	Logger      *slog.Logger
	Provisioner *network.Provisioner
}

// controllerApp holds what `fcterm reap` needs
type controllerApp struct {
	Logger     *slog.Logger
	Controller *instances.Controller
}

// vmApp holds what `fcterm run` needs
type vmApp struct {
	Logger      *slog.Logger
	Paths       *paths.Paths
	Controller  *instances.Controller
	Provisioner *network.Provisioner
}

// smokeApp holds what `fcterm smoke` needs
type smokeApp struct {
	Logger      *slog.Logger
	Paths       *paths.Paths
	Builder     *images.Builder
	Provisioner *network.Provisioner
	Harness     *verify.Harness
}

func initializeBuild(cfg *config.Config, tel *otel.Provider) (*buildApp, func(), error) {
	panic(wire.Build(
		baseSet,
		imageSet,
		wire.Struct(new(buildApp), "*"),
	))
}

func initializeNetwork(cfg *config.Config, tel *otel.Provider) (*networkApp, func(), error) {
	panic(wire.Build(
		baseSet,
		networkSet,
		wire.Struct(new(networkApp), "*"),
	))
}

func initializeController(cfg *config.Config, tel *otel.Provider) (*controllerApp, func(), error) {
	panic(wire.Build(
		baseSet,
		controllerSet,
		wire.Struct(new(controllerApp), "*"),
	))
}

func initializeVM(cfg *config.Config, tel *otel.Provider) (*vmApp, func(), error) {
	panic(wire.Build(
		baseSet,
		networkSet,
		controllerSet,
		wire.Struct(new(vmApp), "*"),
	))
}

func initializeSmoke(cfg *config.Config, tel *otel.Provider) (*smokeApp, func(), error) {
	panic(wire.Build(
		baseSet,
		imageSet,
		networkSet,
		controllerSet,
		providers.ProvideHarness,
		wire.Struct(new(smokeApp), "*"),
	))
}
