//go:build freebsd || dragonfly

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/loginw/loginw/api/pkg/ipcsock"
	"github.com/loginw/loginw/api/pkg/procutil"
	"github.com/loginw/loginw/api/pkg/vt"
	"github.com/loginw/loginw/api/pkg/wire"
)

// DRM_IOCTL_SET_MASTER / DRM_IOCTL_DROP_MASTER, DRM_IO(0x1e) and
// DRM_IO(0x1f) encoded with the BSD IOC_VOID direction bit (Linux
// encodes the same ioctls as 0x641e / 0x641f).
const (
	ioctlSetMaster  = 0x2000641e
	ioctlDropMaster = 0x2000641f
)

// devDirOpener opens device nodes relative to a pre-opened /dev
// directory descriptor, the fd the privileged parent retains across
// the sandbox boundary.
type devDirOpener struct {
	devDir int
}

func (d *devDirOpener) OpenInput(relPath string) (int, error) {
	fd, err := unix.Openat(d.devDir, relPath, unix.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("broker: openat %s: %w", relPath, err)
	}
	return fd, nil
}

func (d *devDirOpener) OpenDRM(relPath string) (int, error) {
	fd, err := unix.Openat(d.devDir, relPath, unix.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("broker: openat %s: %w", relPath, err)
	}
	return fd, nil
}

type drmIoctlController struct{}

func (drmIoctlController) SetMaster(fd int) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), ioctlSetMaster, 0)
	if errno != 0 {
		return fmt.Errorf("DRM_IOCTL_SET_MASTER: %w", errno)
	}
	return nil
}

func (drmIoctlController) DropMaster(fd int) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), ioctlDropMaster, 0)
	if errno != 0 {
		return fmt.Errorf("DRM_IOCTL_DROP_MASTER: %w", errno)
	}
	return nil
}

// Run drives the broker's kqueue event loop until the child process
// descriptor signals exit, a fatal error occurs, or ctx is cancelled.
// devDir is the broker's pre-opened /dev directory fd; child is the
// pdfork handle for the compositor.
func Run(ctx context.Context, logger *slog.Logger, conn *ipcsock.Conn, devDir int, child *procutil.ChildHandle) error {
	kq, err := unix.Kqueue()
	if err != nil {
		return fmt.Errorf("broker: kqueue: %w", err)
	}
	defer unix.Close(kq)

	changes := []unix.Kevent_t{
		kevent(uintptr(conn.Fd()), unix.EVFILT_READ, unix.EV_ADD, 0),
		kevent(uintptr(child.ProcFd), unix.EVFILT_PROCDESC, unix.EV_ADD, unix.NOTE_EXIT),
		kevent(uintptr(unix.SIGINT), unix.EVFILT_SIGNAL, unix.EV_ADD, 0),
		kevent(uintptr(unix.SIGTERM), unix.EVFILT_SIGNAL, unix.EV_ADD, 0),
		kevent(uintptr(unix.SIGUSR1), unix.EVFILT_SIGNAL, unix.EV_ADD, 0),
	}
	if _, err := unix.Kevent(kq, changes, nil, nil); err != nil {
		return fmt.Errorf("broker: register kevents: %w", err)
	}

	// Dispositions are set to ignore so only the kqueue EVFILT_SIGNAL
	// registration above observes these signals; Go's runtime signal
	// handler never sees them either once ignored this way.
	signal.Ignore(syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)

	opener := &devDirOpener{devDir: devDir}
	drm := drmIoctlController{}
	state := New(logger, opener, drm, func() (VTController, error) {
		idx, err := vt.FindFreeTTY(devDir)
		if err != nil {
			return nil, err
		}
		fd, err := vt.OpenTTY(devDir, idx)
		if err != nil {
			return nil, err
		}
		return vt.NewController(fd)
	})

	send := func(resp wire.Response) error {
		return conn.Send(resp, -1)
	}

	events := make([]unix.Kevent_t, 8)
	for {
		if err := ctx.Err(); err != nil {
			state.Close()
			child.Close()
			return nil
		}

		n, err := unix.Kevent(kq, nil, events, nil)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("broker: kevent wait: %w", err)
		}

		for _, ev := range events[:n] {
			switch ev.Filter {
			case unix.EVFILT_READ:
				gone, err := handleSocketEvent(state, conn, logger)
				if err != nil {
					logger.Warn("socket event handling failed", "error", err)
				}
				if gone {
					logger.Info("child disconnected from socket")
					state.Close()
					child.Close()
					return nil
				}
			case unix.EVFILT_SIGNAL:
				switch ev.Ident {
				case uintptr(unix.SIGUSR1):
					if err := state.HandleActivationSignal(send); err != nil {
						logger.Warn("activation signal handling failed", "error", err)
					}
				case uintptr(unix.SIGINT):
					forwardSignal(child, syscall.SIGINT, logger)
				case uintptr(unix.SIGTERM):
					forwardSignal(child, syscall.SIGTERM, logger)
				}
			case unix.EVFILT_PROCDESC:
				logger.Info("compositor child exited")
				state.Close()
				child.Close()
				return nil
			}
		}
	}
}

// forwardSignal relays a termination signal received by the broker to
// the child via its process descriptor. The loop continues afterward;
// the broker only exits once the PROCDESC event reports the child
// actually gone.
func forwardSignal(child *procutil.ChildHandle, sig syscall.Signal, logger *slog.Logger) {
	if err := child.Signal(sig); err != nil {
		logger.Warn("forward signal to child failed", "signal", sig, "error", err)
	}
}

// handleSocketEvent processes one readable socket event. The second
// return value reports whether the peer is gone, in which case the
// caller must tear the broker down.
func handleSocketEvent(state *State, conn *ipcsock.Conn, logger *slog.Logger) (bool, error) {
	var req wire.Request
	fd, err := conn.Recv(&req)
	if err != nil {
		if errors.Is(err, ipcsock.ErrPeerGone) {
			return true, nil
		}
		return false, fmt.Errorf("recv request: %w", err)
	}
	resp, replyFd := state.Dispatch(req)
	if fd >= 0 {
		unix.Close(fd)
	}
	if err := conn.Send(resp, replyFd); err != nil {
		return false, fmt.Errorf("send response: %w", err)
	}
	return false, nil
}

func kevent(ident uintptr, filter int16, flags uint16, fflags uint32) unix.Kevent_t {
	return unix.Kevent_t{
		Ident:  ident,
		Filter: filter,
		Flags:  flags,
		Fflags: fflags,
	}
}
