// Package ipcsock wraps a connected AF_UNIX SOCK_SEQPACKET socket for
// exchanging fixed-size records with an optional attached file
// descriptor, the way helix's DRM lease manager passes lease fds over
// a Unix socket via SCM_RIGHTS — except here the kernel preserves
// datagram boundaries for us, so there is no length-prefix framing to
// get wrong.
package ipcsock

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrPeerGone is returned by Recv when the datagram received is not
// exactly the expected size — the spec treats any such short or
// malformed read as the peer having died. ErrShortRecv is the more
// specific cause wrapped inside it: a clean disconnect (zero bytes)
// and a malformed, partially-sized frame both satisfy errors.Is(err,
// ErrPeerGone), the distinction callers actually act on, while
// errors.Is(err, ErrShortRecv) is there for callers that want to log
// the difference between "peer hung up" and "peer sent garbage".
var (
	ErrPeerGone  = errors.New("ipcsock: peer gone or sent malformed frame")
	ErrShortRecv = errors.New("ipcsock: recvmsg returned fewer bytes than one record")
)

// Conn is a connected seqpacket socket.
type Conn struct {
	fd int
}

// NewConn wraps an already-connected seqpacket file descriptor.
func NewConn(fd int) *Conn {
	return &Conn{fd: fd}
}

// Socketpair creates a connected pair of close-on-exec seqpacket
// sockets, one for the privileged parent and one destined for the
// unprivileged child.
func Socketpair() (parent, child *Conn, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("ipcsock: socketpair: %w", err)
	}
	return NewConn(fds[0]), NewConn(fds[1]), nil
}

// Fd returns the underlying file descriptor.
func (c *Conn) Fd() int { return c.fd }

// Close closes the underlying file descriptor.
func (c *Conn) Close() error {
	return unix.Close(c.fd)
}

// ClearCloseOnExec drops FD_CLOEXEC, used on the child's end of the
// socketpair just before exec so the descriptor survives into the
// compositor process.
func (c *Conn) ClearCloseOnExec() error {
	_, err := unix.FcntlInt(uintptr(c.fd), unix.F_SETFD, 0)
	if err != nil {
		return fmt.Errorf("ipcsock: clear FD_CLOEXEC: %w", err)
	}
	return nil
}

// Send transmits rec as a single datagram, attaching fd as rights-
// passing ancillary data if fd >= 0. Never partial: seqpacket sends
// either land the whole record or fail.
func (c *Conn) Send(rec any, fd int) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, rec); err != nil {
		return fmt.Errorf("ipcsock: encode record: %w", err)
	}

	var oob []byte
	if fd >= 0 {
		oob = unix.UnixRights(fd)
	}

	n, err := unix.SendmsgN(c.fd, buf.Bytes(), oob, nil, 0)
	if err != nil {
		return fmt.Errorf("ipcsock: sendmsg: %w", err)
	}
	if n != buf.Len() {
		return fmt.Errorf("ipcsock: short sendmsg: wrote %d of %d bytes", n, buf.Len())
	}
	return nil
}

// Recv reads exactly one datagram into out, which must be a pointer to
// a fixed-size record, and returns at most one attached file
// descriptor. A received length other than the exact record size
// returns ErrPeerGone, matching the protocol's framing contract. Any
// fd received has close-on-exec set before it is returned.
func (c *Conn) Recv(out any) (fd int, err error) {
	size := binary.Size(out)
	if size <= 0 {
		return -1, fmt.Errorf("ipcsock: unsized record type %T", out)
	}

	buf := make([]byte, size)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, recvflags, _, err := unix.Recvmsg(c.fd, buf, oob, 0)
	if err != nil {
		return -1, fmt.Errorf("ipcsock: recvmsg: %w", err)
	}
	if n == 0 {
		return -1, fmt.Errorf("ipcsock: peer hung up: %w", ErrPeerGone)
	}
	if n != size {
		return -1, fmt.Errorf("ipcsock: got %d bytes, want %d: %w: %w", n, size, ErrShortRecv, ErrPeerGone)
	}
	if recvflags&unix.MSG_TRUNC != 0 {
		return -1, fmt.Errorf("ipcsock: datagram longer than %d bytes: %w", size, ErrPeerGone)
	}

	fd = -1
	if oobn > 0 {
		scms, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return -1, fmt.Errorf("ipcsock: parse control message: %w", err)
		}
		for _, scm := range scms {
			fds, err := unix.ParseUnixRights(&scm)
			if err != nil {
				continue
			}
			if len(fds) == 0 {
				continue
			}
			fd = fds[0]
			unix.CloseOnExec(fd)
			for _, extra := range fds[1:] {
				unix.Close(extra)
			}
			break
		}
	}

	if err := binary.Read(bytes.NewReader(buf[:n]), binary.LittleEndian, out); err != nil {
		return -1, fmt.Errorf("ipcsock: decode record: %w", err)
	}
	return fd, nil
}
