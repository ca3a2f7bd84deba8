//go:build freebsd || dragonfly

package vt

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// BSD ioctl direction bits (sys/ioccom.h).
const (
	iocVoid = 0x20000000
	iocOut  = 0x40000000
	iocIn   = 0x80000000
)

func iocEncode(dir uint32, group byte, num uint32, size uintptr) uint32 {
	return dir | (uint32(size&0x1fff) << 16) | (uint32(group) << 8) | num
}

// vtmode_t, from sys/consio.h.
type vtModeT struct {
	Mode   int8
	Waitv  int8
	RelSig int16
	AcqSig int16
	FrSig  int16
}

const (
	vtAuto    = 0
	vtProcess = 1

	vtTrue   = 1
	vtAckAcq = 2

	kRaw = 1

	kdText     = 0
	kdGraphics = 1
)

// ioctl numbers, derived from sys/consio.h and sys/kbio.h. VT_RELDISP,
// VT_ACTIVATE, VT_WAITACTIVE, KDSKBMODE and KDSETMODE are _IOWINT:
// IOC_VOID-encoded with an int-sized length field, taking their
// argument by value in the 3rd ioctl() word, matching how the
// original implementation's ioctl_write_int! bindings called them.
var (
	vtOpenQry    = iocEncode(iocOut, 'v', 1, unsafe.Sizeof(int32(0)))
	vtSetMode    = iocEncode(iocIn, 'v', 2, unsafe.Sizeof(vtModeT{}))
	vtRelDisp    = iocEncode(iocVoid, 'v', 4, unsafe.Sizeof(int32(0)))
	vtActivate   = iocEncode(iocVoid, 'v', 5, unsafe.Sizeof(int32(0)))
	vtWaitActive = iocEncode(iocVoid, 'v', 6, unsafe.Sizeof(int32(0)))
	vtGetActive  = iocEncode(iocOut, 'v', 7, unsafe.Sizeof(int32(0)))
	vtGetIndex   = iocEncode(iocOut, 'v', 8, unsafe.Sizeof(int32(0)))

	kdGetKbMode = iocEncode(iocOut, 'K', 6, unsafe.Sizeof(int32(0)))
	kdSetKbMode = iocEncode(iocVoid, 'K', 7, unsafe.Sizeof(int32(0)))
	kdGetMode   = iocEncode(iocOut, 'K', 9, unsafe.Sizeof(int32(0)))
	kdSetMode   = iocEncode(iocVoid, 'K', 10, unsafe.Sizeof(int32(0)))
)

func ioctlInt(fd int, req uint32, arg int32) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlPtr(fd int, req uint32, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// FindFreeTTY opens ttyv0, asks the kernel for a free VT via
// VT_OPENQRY, and returns the tty index to pass to OpenTTY.
func FindFreeTTY(devDir int) (int, error) {
	ttyv0, err := unix.Openat(devDir, "ttyv0", unix.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, fmt.Errorf("vt: open ttyv0: %w", err)
	}
	defer unix.Close(ttyv0)

	var vtNum int32
	if err := ioctlPtr(ttyv0, vtOpenQry, unsafe.Pointer(&vtNum)); err != nil {
		return 0, fmt.Errorf("vt: VT_OPENQRY: %w", err)
	}
	return int(vtNum - 1), nil
}

// OpenTTY opens ttyv{ttyIndex} relative to devDir.
func OpenTTY(devDir int, ttyIndex int) (int, error) {
	name := fmt.Sprintf("ttyv%d", ttyIndex)
	fd, err := unix.Openat(devDir, name, unix.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("vt: open %s: %w", name, err)
	}
	return fd, nil
}

// NewController takes control of an already-open tty: captures the
// original keyboard mode, sets raw keyboard + raw termios + graphics
// display mode, puts the VT into process-controlled mode with SIGUSR1
// for both release and acquire and SIGIO as the frame signal, then
// switches to it and waits for activation.
func NewController(ttyFd int) (*Controller, error) {
	var vtNum int32
	if err := ioctlPtr(ttyFd, vtGetIndex, unsafe.Pointer(&vtNum)); err != nil {
		return nil, fmt.Errorf("vt: VT_GETINDEX: %w", err)
	}

	var origKbMode int32
	if err := ioctlPtr(ttyFd, kdGetKbMode, unsafe.Pointer(&origKbMode)); err != nil {
		return nil, fmt.Errorf("vt: KDGKBMODE: %w", err)
	}

	if err := ioctlInt(ttyFd, kdSetKbMode, kRaw); err != nil {
		return nil, fmt.Errorf("vt: KDSKBMODE raw: %w", err)
	}

	if err := setTermiosRaw(ttyFd); err != nil {
		return nil, err
	}

	if err := ioctlInt(ttyFd, kdSetMode, kdGraphics); err != nil {
		return nil, fmt.Errorf("vt: KDSETMODE graphics: %w", err)
	}

	mode := vtModeT{
		Mode:   vtProcess,
		RelSig: int16(unix.SIGUSR1),
		AcqSig: int16(unix.SIGUSR1),
		FrSig:  int16(unix.SIGIO),
	}
	if err := ioctlPtr(ttyFd, vtSetMode, unsafe.Pointer(&mode)); err != nil {
		return nil, fmt.Errorf("vt: VT_SETMODE process: %w", err)
	}

	var origVtNum int32
	if err := ioctlPtr(ttyFd, vtGetActive, unsafe.Pointer(&origVtNum)); err != nil {
		return nil, fmt.Errorf("vt: VT_GETACTIVE: %w", err)
	}

	if err := switchTo(ttyFd, vtNum); err != nil {
		return nil, err
	}

	return &Controller{
		ttyFd:          ttyFd,
		vtNum:          vtNum,
		originalKbMode: origKbMode,
		originalVtNum:  origVtNum,
	}, nil
}

func switchTo(ttyFd int, vtNum int32) error {
	if err := ioctlInt(ttyFd, vtActivate, vtNum); err != nil {
		return fmt.Errorf("vt: VT_ACTIVATE %d: %w", vtNum, err)
	}
	if err := ioctlInt(ttyFd, vtWaitActive, vtNum); err != nil {
		return fmt.Errorf("vt: VT_WAITACTIVE %d: %w", vtNum, err)
	}
	return nil
}

// AckRelease grants a pending VT_RELDISP release request.
func (c *Controller) AckRelease() error {
	if err := ioctlInt(c.ttyFd, vtRelDisp, vtTrue); err != nil {
		return fmt.Errorf("vt: VT_RELDISP(VT_TRUE): %w", err)
	}
	return nil
}

// AckAcquire confirms a VT_RELDISP reacquisition.
func (c *Controller) AckAcquire() error {
	if err := ioctlInt(c.ttyFd, vtRelDisp, vtAckAcq); err != nil {
		return fmt.Errorf("vt: VT_RELDISP(VT_ACKACQ): %w", err)
	}
	return nil
}

// Close restores keyboard mode, text display mode, sane termios,
// VT_AUTO mode, switches back to the original foreground VT, and
// closes the tty.
func (c *Controller) Close() error {
	if err := ioctlInt(c.ttyFd, kdSetKbMode, c.originalKbMode); err != nil {
		return fmt.Errorf("vt: restore KDSKBMODE: %w", err)
	}
	if err := ioctlInt(c.ttyFd, kdSetMode, kdText); err != nil {
		return fmt.Errorf("vt: restore KDSETMODE text: %w", err)
	}
	if err := setTermiosSane(c.ttyFd); err != nil {
		return err
	}
	mode := vtModeT{Mode: vtAuto}
	if err := ioctlPtr(c.ttyFd, vtSetMode, unsafe.Pointer(&mode)); err != nil {
		return fmt.Errorf("vt: restore VT_SETMODE auto: %w", err)
	}
	if err := switchTo(c.ttyFd, c.originalVtNum); err != nil {
		return err
	}
	return unix.Close(c.ttyFd)
}

func setTermiosRaw(fd int) error {
	term, err := unix.IoctlGetTermios(fd, unix.TIOCGETA)
	if err != nil {
		return fmt.Errorf("vt: tcgetattr: %w", err)
	}
	term.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	term.Oflag &^= unix.OPOST
	term.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	term.Cflag &^= unix.CSIZE | unix.PARENB
	term.Cflag |= unix.CS8
	term.Cc[unix.VMIN] = 1
	term.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, unix.TIOCSETAF, term); err != nil {
		return fmt.Errorf("vt: tcsetattr raw: %w", err)
	}
	return nil
}

// setTermiosSane restores a conventional line-discipline: canonical
// mode, echo, signal generation, CR/NL translation. Mirrors the
// original implementation's cfmakesane call, which has no standard
// equivalent in golang.org/x/sys/unix.
func setTermiosSane(fd int) error {
	term, err := unix.IoctlGetTermios(fd, unix.TIOCGETA)
	if err != nil {
		return fmt.Errorf("vt: tcgetattr: %w", err)
	}
	term.Iflag |= unix.ICRNL
	term.Oflag |= unix.OPOST
	term.Lflag |= unix.ICANON | unix.ISIG | unix.ECHO | unix.ECHOE | unix.ECHOK
	term.Cflag |= unix.CREAD
	if err := unix.IoctlSetTermios(fd, unix.TIOCSETAF, term); err != nil {
		return fmt.Errorf("vt: tcsetattr sane: %w", err)
	}
	return nil
}
