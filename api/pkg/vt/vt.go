// Package vt owns a single virtual terminal on behalf of the broker:
// discovering a free VT, putting it into graphics + raw-keyboard +
// process-switch mode, acknowledging the kernel's release/acquire
// handshake, and restoring original state on teardown.
//
// The real implementation (vt_freebsd.go) issues the BSD console
// ioctls directly via unix.Syscall, the same raw-syscall idiom
// helix's DRM package uses for ioctls with no typed wrapper in
// golang.org/x/sys/unix. A stub (vt_other.go) lets the package still
// build and unit-test on non-BSD GOOS.
package vt

// Controller owns an open tty and the original state to restore on
// Close.
type Controller struct {
	ttyFd          int
	vtNum          int32
	originalKbMode int32
	originalVtNum  int32
}

// TtyFd is the fd passed to the child on ACQUIRE_VT.
func (c *Controller) TtyFd() int { return c.ttyFd }

// VtNum is the 1-based VT index passed to the child on ACQUIRE_VT.
func (c *Controller) VtNum() int32 { return c.vtNum }
