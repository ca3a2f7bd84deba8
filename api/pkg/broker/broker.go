// Package broker holds the privileged session state a loginw instance
// tracks across the lifetime of one compositor child: the open device
// descriptors handed out to it, the VT it owns, and whether the
// session currently has the foreground VT and DRM master.
//
// The opcode dispatch and the SIGUSR1 activation state machine are
// kept free of any BSD-specific syscall so they can be driven by
// table-driven tests the way helix's drm.Manager separates lease
// bookkeeping from the ioctls that back it. The kqueue event loop that
// drives Dispatch and HandleActivationSignal lives in broker_freebsd.go.
package broker

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/loginw/loginw/api/pkg/wire"
)

// DeviceOpener opens device nodes relative to the broker's pre-opened
// /dev directory descriptor.
type DeviceOpener interface {
	OpenInput(relPath string) (fd int, err error)
	OpenDRM(relPath string) (fd int, err error)
}

// DRMController sets and drops DRM master on an open DRM device fd.
type DRMController interface {
	SetMaster(fd int) error
	DropMaster(fd int) error
}

// VTController is the subset of vt.Controller the broker depends on.
type VTController interface {
	TtyFd() int
	VtNum() int32
	AckRelease() error
	AckAcquire() error
	Close() error
}

// VTFactory lazily constructs the VT controller on the first
// ACQUIRE_VT request.
type VTFactory func() (VTController, error)

// SendFunc transmits a response to the child. The activation state
// machine calls it mid-sequence, not just at the end, so ordering
// against DropMaster/AckRelease/AckAcquire is part of its contract.
type SendFunc func(resp wire.Response) error

// State is the broker's view of one session. It is not safe for
// concurrent use; the event loop drives it from a single goroutine,
// mirroring the original single-threaded design.
type State struct {
	logger  *slog.Logger
	devices DeviceOpener
	drm     DRMController
	newVT   VTFactory

	vt        VTController
	inputDevs []int
	drmDev    int
	isActive  bool
}

// New constructs broker state. drmDev starts unset (-1) until the
// first successful OPEN_DRM.
func New(logger *slog.Logger, devices DeviceOpener, drm DRMController, newVT VTFactory) *State {
	return &State{
		logger:  logger,
		devices: devices,
		drm:     drm,
		newVT:   newVT,
		drmDev:  -1,
	}
}

// IsActive reports whether the session currently owns the foreground
// VT and DRM master.
func (s *State) IsActive() bool { return s.isActive }

// InputDevs returns the currently retained input device descriptors.
func (s *State) InputDevs() []int { return s.inputDevs }

// DRMDev returns the retained DRM device fd, or -1 if none is open.
func (s *State) DRMDev() int { return s.drmDev }

// VT returns the VT controller, or nil before the first ACQUIRE_VT.
func (s *State) VT() VTController { return s.vt }

// Close tears down broker state: drops DRM master if held, closes the
// DRM device, restores the VT to its original mode and foreground
// index, and closes every input descriptor still retained. Called
// once on broker shutdown, satisfying the invariant that every
// descriptor the broker owns is eventually closed by it.
func (s *State) Close() error {
	for _, fd := range s.inputDevs {
		revokeInput(fd)
	}
	s.inputDevs = nil

	if s.drmDev >= 0 {
		if s.isActive {
			if err := s.drm.DropMaster(s.drmDev); err != nil {
				s.logger.Warn("drop DRM master on shutdown failed", "error", err)
			}
		}
		closeFd(s.drmDev)
		s.drmDev = -1
	}

	var err error
	if s.vt != nil {
		err = s.vt.Close()
		s.vt = nil
	}
	s.isActive = false
	return err
}

// Dispatch handles one request from the child. It returns the
// response to send and a file descriptor to attach via SCM_RIGHTS
// (-1 for none); the caller owns sending it.
func (s *State) Dispatch(req wire.Request) (wire.Response, int) {
	switch req.Type {
	case wire.ReqOpenInput:
		return s.openInput(req.Path())
	case wire.ReqOpenDRM:
		return s.openDRM(req.Path())
	case wire.ReqAcquireVT:
		return s.acquireVT()
	default:
		return wire.NewErrorResponse(fmt.Sprintf("not implemented: opcode %d", req.Type)), -1
	}
}

func (s *State) openInput(path string) (wire.Response, int) {
	const prefix = "/dev/input/"
	if !strings.HasPrefix(path, prefix) {
		return wire.NewErrorResponse(fmt.Sprintf("Not an input device path: %s", path)), -1
	}
	rel := "input/" + strings.TrimPrefix(path, prefix)
	fd, err := s.devices.OpenInput(rel)
	if err != nil {
		return wire.NewErrorResponse(err.Error()), -1
	}
	s.inputDevs = append(s.inputDevs, fd)
	return wire.NewVoidResponse(wire.RespPassedFD), fd
}

func (s *State) openDRM(path string) (wire.Response, int) {
	const prefix = "/dev/dri/"
	if !strings.HasPrefix(path, prefix) {
		return wire.NewErrorResponse(fmt.Sprintf("Not a DRM device path: %s", path)), -1
	}
	if s.drmDev >= 0 {
		s.logger.Warn("second DRM device opened, only the newest is tracked", "path", path)
	}
	rel := "dri/" + strings.TrimPrefix(path, prefix)
	fd, err := s.devices.OpenDRM(rel)
	if err != nil {
		return wire.NewErrorResponse(err.Error()), -1
	}
	s.drmDev = fd
	return wire.NewVoidResponse(wire.RespPassedFD), fd
}

func (s *State) acquireVT() (wire.Response, int) {
	if s.vt == nil {
		vt, err := s.newVT()
		if err != nil {
			return wire.NewErrorResponse(err.Error()), -1
		}
		s.vt = vt
		s.isActive = true
	}
	return wire.NewU64Response(wire.RespPassedFD, uint64(s.vt.VtNum())), s.vt.TtyFd()
}

// HandleActivationSignal implements the SIGUSR1 release/acquire state
// machine. It is driven synchronously from the event loop: no other
// request is processed while it runs.
func (s *State) HandleActivationSignal(send SendFunc) error {
	if s.isActive {
		return s.deactivate(send)
	}
	return s.activate(send)
}

// deactivate closes the broker's copy of every input fd, notifies the
// child, drops DRM master, then acks the VT release — in that order, so
// the kernel does not switch away until DRM master is released. No
// revoke ioctl is issued: descriptors already passed to the child stay
// usable until the child closes them.
func (s *State) deactivate(send SendFunc) error {
	for _, fd := range s.inputDevs {
		revokeInput(fd)
	}
	s.inputDevs = nil
	s.isActive = false

	if err := send(wire.NewVoidResponse(wire.RespDeactivated)); err != nil {
		return fmt.Errorf("broker: send DEACTIVATED: %w", err)
	}

	if s.drmDev >= 0 {
		if err := s.drm.DropMaster(s.drmDev); err != nil {
			s.logger.Warn("drop DRM master failed", "error", err)
		}
	}

	if s.vt != nil {
		if err := s.vt.AckRelease(); err != nil {
			return fmt.Errorf("broker: ack VT release: %w", err)
		}
	}
	return nil
}

// activate acks the VT acquire, sets DRM master, then notifies the
// child — the compositor must not be told it is active until it can
// actually drive the display.
func (s *State) activate(send SendFunc) error {
	if s.vt != nil {
		if err := s.vt.AckAcquire(); err != nil {
			return fmt.Errorf("broker: ack VT acquire: %w", err)
		}
	}
	if s.drmDev >= 0 {
		if err := s.drm.SetMaster(s.drmDev); err != nil {
			s.logger.Warn("set DRM master failed", "error", err)
		}
	}
	s.isActive = true

	if err := send(wire.NewVoidResponse(wire.RespActivated)); err != nil {
		return fmt.Errorf("broker: send ACTIVATED: %w", err)
	}
	return nil
}
