package ipcsock

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/loginw/loginw/api/pkg/wire"
)

func TestSendRecvRoundTripWithFd(t *testing.T) {
	parent, child, err := Socketpair()
	require.NoError(t, err)
	defer parent.Close()
	defer child.Close()

	devNull, err := os.Open("/dev/null")
	require.NoError(t, err)
	defer devNull.Close()

	req, err := wire.NewPathRequest(wire.ReqOpenInput, "/dev/input/event0")
	require.NoError(t, err)

	require.NoError(t, parent.Send(req, int(devNull.Fd())))

	var got wire.Request
	fd, err := child.Recv(&got)
	require.NoError(t, err)
	require.GreaterOrEqual(t, fd, 0)
	defer unixClose(fd)

	assert.Equal(t, req, got)
	assert.Equal(t, "/dev/input/event0", got.Path())
}

func TestSendRecvRoundTripWithoutFd(t *testing.T) {
	parent, child, err := Socketpair()
	require.NoError(t, err)
	defer parent.Close()
	defer child.Close()

	resp := wire.NewU64Response(wire.RespPassedFD, 3)
	require.NoError(t, child.Send(resp, -1))

	var got wire.Response
	fd, err := parent.Recv(&got)
	require.NoError(t, err)
	assert.Equal(t, -1, fd)
	assert.Equal(t, resp, got)
}

func TestRecvShortReadIsPeerGone(t *testing.T) {
	parent, child, err := Socketpair()
	require.NoError(t, err)
	defer parent.Close()
	defer child.Close()

	// Send a malformed, undersized datagram directly.
	require.NoError(t, unix.Sendmsg(parent.Fd(), []byte("short"), nil, nil, 0))

	var got wire.Request
	_, err = child.Recv(&got)
	require.ErrorIs(t, err, ErrPeerGone)
	require.ErrorIs(t, err, ErrShortRecv)
}

func unixClose(fd int) {
	if fd >= 0 {
		unix.Close(fd)
	}
}
