//go:build !freebsd && !dragonfly

package vt

import "fmt"

var errUnsupported = fmt.Errorf("vt: only supported on freebsd/dragonfly")

// FindFreeTTY is unsupported outside freebsd/dragonfly.
func FindFreeTTY(devDir int) (int, error) {
	return 0, errUnsupported
}

// OpenTTY is unsupported outside freebsd/dragonfly.
func OpenTTY(devDir int, ttyIndex int) (int, error) {
	return -1, errUnsupported
}

// NewController is unsupported outside freebsd/dragonfly.
func NewController(ttyFd int) (*Controller, error) {
	return nil, errUnsupported
}

// AckRelease is unsupported outside freebsd/dragonfly.
func (c *Controller) AckRelease() error {
	return errUnsupported
}

// AckAcquire is unsupported outside freebsd/dragonfly.
func (c *Controller) AckAcquire() error {
	return errUnsupported
}

// Close is unsupported outside freebsd/dragonfly.
func (c *Controller) Close() error {
	return errUnsupported
}
