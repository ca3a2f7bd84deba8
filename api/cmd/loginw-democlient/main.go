// loginw-democlient is a minimal stand-in for the unprivileged
// compositor: it speaks just enough of the protocol to prove the
// broker's device hand-off works. It requests an input device fd over
// LOGINW_FD, reads the device's name back with EVIOCGNAME, and reports
// the credentials it is actually running under.
//
// Usage: loginw-democlient [device-path]
package main

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/loginw/loginw/api/pkg/ipcsock"
	"github.com/loginw/loginw/api/pkg/wire"
)

// EVIOCGNAME(len), from linux/input.h: ioctl direction bits differ
// between Linux and the BSD evdev-alike nodes this broker serves, but
// the encoding shape (IOC_OUT, group 'E', num 0x06) is the same one
// the original demo client issued.
func eviocgname(length int) uint32 {
	const iocOut = 0x40000000
	return iocOut | (uint32(length&0x1fff) << 16) | (uint32('E') << 8) | 0x06
}

func main() {
	path := "/dev/input/event0"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	fdStr := os.Getenv("LOGINW_FD")
	if fdStr == "" {
		fmt.Fprintln(os.Stderr, "loginw-democlient: LOGINW_FD not set, must be run as a loginw child")
		os.Exit(1)
	}
	sockFd, err := strconv.Atoi(fdStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loginw-democlient: bad LOGINW_FD %q: %v\n", fdStr, err)
		os.Exit(1)
	}
	conn := ipcsock.NewConn(sockFd)

	req, err := wire.NewPathRequest(wire.ReqOpenInput, path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loginw-democlient: %v\n", err)
		os.Exit(1)
	}
	if err := conn.Send(req, -1); err != nil {
		fmt.Fprintf(os.Stderr, "loginw-democlient: send OPEN_INPUT: %v\n", err)
		os.Exit(1)
	}

	var resp wire.Response
	fd, err := conn.Recv(&resp)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loginw-democlient: recv: %v\n", err)
		os.Exit(1)
	}
	if resp.Type == wire.RespError {
		fmt.Fprintf(os.Stderr, "loginw-democlient: broker refused: %s\n", resp.ErrorString())
		os.Exit(1)
	}
	defer unix.Close(fd)

	name := make([]byte, 256)
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(eviocgname(len(name))), uintptr(unsafe.Pointer(&name[0]))); errno != 0 {
		fmt.Fprintf(os.Stderr, "loginw-democlient: EVIOCGNAME: %v\n", errno)
		os.Exit(1)
	}
	if n := bytes.IndexByte(name, 0); n >= 0 {
		name = name[:n]
	}

	fmt.Printf("device name: %s\n", name)
	fmt.Printf("running as uid=%d gid=%d euid=%d egid=%d\n",
		unix.Getuid(), unix.Getgid(), unix.Geteuid(), unix.Getegid())
}
