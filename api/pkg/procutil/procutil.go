// Package procutil forks the unprivileged compositor child, drops its
// credentials, and puts the broker's own process under a capability
// sandbox. The privileged-parent shape (socketpair setup, exporting
// the child's socket fd through the environment, tracking a handle to
// wait on) is lifted from mutter-lease-launcher's fork-and-supervise
// structure; the BSD-specific syscalls (pdfork, cap_enter, rtprio)
// have no typed wrapper in golang.org/x/sys/unix and are issued raw,
// the same way drm/ioctl_linux.go issues DRM ioctls.
package procutil

// ChildHandle identifies the forked compositor child: its pid and the
// process descriptor the broker's kqueue event loop watches for exit
// and delivers signals through.
type ChildHandle struct {
	Pid    int
	ProcFd int
}
