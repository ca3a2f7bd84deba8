//go:build !freebsd && !dragonfly

package procutil

import (
	"fmt"
	"syscall"

	"github.com/loginw/loginw/api/pkg/ipcsock"
)

var errUnsupported = fmt.Errorf("procutil: only supported on freebsd/dragonfly")

// ForkChild is unsupported outside freebsd/dragonfly: there is no
// pdfork to hand back a process descriptor.
func ForkChild(childPath string, childArgs []string) (*ChildHandle, *ipcsock.Conn, error) {
	return nil, nil, errUnsupported
}

// Signal is unsupported outside freebsd/dragonfly.
func (h *ChildHandle) Signal(sig syscall.Signal) error { return errUnsupported }

// Close is unsupported outside freebsd/dragonfly.
func (h *ChildHandle) Close() error { return errUnsupported }

// Sandbox is unsupported outside freebsd/dragonfly: there is no
// Capsicum capability mode.
func Sandbox() error {
	return errUnsupported
}

// MakeRealtime is unsupported outside freebsd/dragonfly.
func MakeRealtime() bool { return false }

// MakeNormal is unsupported outside freebsd/dragonfly.
func MakeNormal() bool { return false }
