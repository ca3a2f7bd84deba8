//go:build freebsd || dragonfly

package procutil

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/loginw/loginw/api/pkg/ipcsock"
)

// PD_CLOEXEC, from sys/procdesc.h: the process descriptor pdfork hands
// back is closed across the child's own exec.
const pdCloexec = 0x00000002

// struct rtprio, from sys/rtprio.h.
type rtprioT struct {
	Type uint16
	Prio uint16
}

const (
	rtpSet          = 1
	rtpPrioRealtime = 2
	rtpPrioNormal   = 3
)

// ForkChild creates a socketpair, pdforks, and in the child drops
// privileges to the invoking user and execs childPath. It returns a
// handle to the child (pid and process descriptor) and the parent's
// end of the socketpair. In the child branch ForkChild never returns:
// it execs childPath or exits with status 127.
func ForkChild(childPath string, childArgs []string) (*ChildHandle, *ipcsock.Conn, error) {
	parentConn, childConn, err := ipcsock.Socketpair()
	if err != nil {
		return nil, nil, err
	}
	if err := childConn.ClearCloseOnExec(); err != nil {
		parentConn.Close()
		childConn.Close()
		return nil, nil, err
	}

	var procFd int32
	r1, _, errno := unix.Syscall(unix.SYS_PDFORK, uintptr(unsafe.Pointer(&procFd)), uintptr(pdCloexec), 0)
	if errno != 0 {
		parentConn.Close()
		childConn.Close()
		return nil, nil, fmt.Errorf("procutil: pdfork: %w", errno)
	}

	if r1 == 0 {
		parentConn.Close()
		if err := execChild(childConn, childPath, childArgs); err != nil {
			fmt.Fprintf(os.Stderr, "loginw: child exec failed: %v\n", err)
			unix.Exit(127)
		}
		panic("procutil: unreachable after exec")
	}

	childConn.Close()
	return &ChildHandle{Pid: int(r1), ProcFd: int(procFd)}, parentConn, nil
}

// execChild drops privileges to the real uid/gid of the invoking user
// and execs childPath with LOGINW_FD naming the socket fd it inherits.
// Credentials are dropped here, post-fork pre-exec, rather than via
// os/exec's SysProcAttr.Credential, because the broker already forked
// through pdfork and os/exec cannot fork-and-exec a process that
// already exists.
func execChild(conn *ipcsock.Conn, path string, args []string) error {
	if !MakeRealtime() {
		fmt.Fprintln(os.Stderr, "loginw: could not set realtime priority, continuing")
	}

	u, err := user.LookupId(strconv.Itoa(unix.Getuid()))
	if err != nil {
		return fmt.Errorf("procutil: lookup invoking user: %w", err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("procutil: parse uid: %w", err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("procutil: parse gid: %w", err)
	}
	groupIDs, err := u.GroupIds()
	if err != nil {
		return fmt.Errorf("procutil: lookup supplementary groups: %w", err)
	}
	groups := make([]int, 0, len(groupIDs))
	for _, g := range groupIDs {
		n, err := strconv.Atoi(g)
		if err != nil {
			continue
		}
		groups = append(groups, n)
	}

	if err := unix.Setgroups(groups); err != nil {
		return fmt.Errorf("procutil: setgroups: %w", err)
	}
	if _, _, errno := unix.Syscall(unix.SYS_SETRESGID, uintptr(gid), uintptr(gid), uintptr(gid)); errno != 0 {
		return fmt.Errorf("procutil: setresgid: %w", errno)
	}
	if _, _, errno := unix.Syscall(unix.SYS_SETRESUID, uintptr(uid), uintptr(uid), uintptr(uid)); errno != 0 {
		return fmt.Errorf("procutil: setresuid: %w", errno)
	}

	env := append(os.Environ(), fmt.Sprintf("LOGINW_FD=%d", conn.Fd()))
	argv := append([]string{path}, args...)
	return unix.Exec(path, argv, env)
}

// Signal delivers sig to the child through its process descriptor,
// replacing kill(pid, sig) so the broker never risks signaling a
// reused pid after the child has already exited.
func (h *ChildHandle) Signal(sig syscall.Signal) error {
	_, _, errno := unix.Syscall(unix.SYS_PDKILL, uintptr(h.ProcFd), uintptr(sig), 0)
	if errno != 0 {
		return fmt.Errorf("procutil: pdkill: %w", errno)
	}
	return nil
}

// Close closes the process descriptor, killing the child if it is
// still alive.
func (h *ChildHandle) Close() error {
	return unix.Close(h.ProcFd)
}

// Sandbox enters capability mode for the calling (parent/broker)
// process. Once entered it cannot be left; only already-open
// descriptors remain usable.
func Sandbox() error {
	if _, _, errno := unix.Syscall(unix.SYS_CAP_ENTER, 0, 0, 0); errno != 0 {
		return fmt.Errorf("procutil: cap_enter: %w", errno)
	}
	return nil
}

// MakeRealtime requests realtime scheduling priority for the calling
// process. Failure is non-fatal; callers should log and continue.
func MakeRealtime() bool {
	return setRtprio(rtpPrioRealtime, 1)
}

// MakeNormal restores normal scheduling priority.
func MakeNormal() bool {
	return setRtprio(rtpPrioNormal, 0)
}

func setRtprio(typ, prio uint16) bool {
	rtp := rtprioT{Type: typ, Prio: prio}
	_, _, errno := unix.Syscall(unix.SYS_RTPRIO, uintptr(rtpSet), uintptr(unix.Getpid()), uintptr(unsafe.Pointer(&rtp)))
	return errno == 0
}
