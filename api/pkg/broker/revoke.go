package broker

import "golang.org/x/sys/unix"

// revokeInput closes the broker's copy of an input descriptor. It
// issues no EVIOCREVOKE or other revoke ioctl; the child's
// already-duplicated fd is unaffected by this close and keeps working
// until the child drops it itself.
func revokeInput(fd int) {
	unix.Close(fd)
}

// closeFd closes a descriptor the broker retains ownership of (the
// DRM device, the VT tty). Separate name from revokeInput even though
// the body is identical: this one isn't standing in for a revoke
// semantic that doesn't exist on this platform.
func closeFd(fd int) {
	unix.Close(fd)
}
