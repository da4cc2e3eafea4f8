package network

import "errors"

var (
	// ErrNetworkProvisioningFailed wraps every host networking failure.
	ErrNetworkProvisioningFailed = errors.New("network provisioning failed")

	// ErrDeviceConflict is returned when the device exists with a different address.
	ErrDeviceConflict = errors.New("device exists with a different address")

	// ErrLinkNotFound is returned by LinkOps when a link is absent.
	ErrLinkNotFound = errors.New("link not found")

	// ErrInvalidConfig is returned for malformed provisioning configuration.
	ErrInvalidConfig = errors.New("invalid network config")

	// ErrNoUplink is returned when no default route exists to pick an uplink from.
	ErrNoUplink = errors.New("no default route to derive uplink interface")
)
