package broker

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loginw/loginw/api/pkg/wire"
)

func newTestState(t *testing.T, devices DeviceOpener, drm DRMController, vt *fakeVT) *State {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(logger, devices, drm, func() (VTController, error) {
		return vt, nil
	})
}

type fakeDevices struct {
	inputFd, drmFd int
	inputErr, drmErr error
}

func (f *fakeDevices) OpenInput(relPath string) (int, error) { return f.inputFd, f.inputErr }
func (f *fakeDevices) OpenDRM(relPath string) (int, error)   { return f.drmFd, f.drmErr }

type fakeDRM struct {
	masterSet   bool
	setErr, dropErr error
	setCalls, dropCalls int
}

func (f *fakeDRM) SetMaster(fd int) error {
	f.setCalls++
	if f.setErr != nil {
		return f.setErr
	}
	f.masterSet = true
	return nil
}

func (f *fakeDRM) DropMaster(fd int) error {
	f.dropCalls++
	if f.dropErr != nil {
		return f.dropErr
	}
	f.masterSet = false
	return nil
}

type fakeVT struct {
	ttyFd int
	vtNum int32
	releaseCalls, acquireCalls, closeCalls int
	ackErr error
}

func (f *fakeVT) TtyFd() int     { return f.ttyFd }
func (f *fakeVT) VtNum() int32   { return f.vtNum }
func (f *fakeVT) AckRelease() error {
	f.releaseCalls++
	return f.ackErr
}
func (f *fakeVT) AckAcquire() error {
	f.acquireCalls++
	return f.ackErr
}
func (f *fakeVT) Close() error {
	f.closeCalls++
	return nil
}

func TestDispatchOpenInputRejectsWrongPrefix(t *testing.T) {
	s := newTestState(t, &fakeDevices{}, &fakeDRM{}, &fakeVT{})
	req, err := wire.NewPathRequest(wire.ReqOpenInput, "/etc/passwd")
	require.NoError(t, err)

	resp, fd := s.Dispatch(req)

	assert.Equal(t, wire.RespError, resp.Type)
	assert.Contains(t, resp.ErrorString(), "Not an input device path")
	assert.Equal(t, -1, fd)
	assert.Empty(t, s.InputDevs())
}

func TestDispatchOpenInputAccumulates(t *testing.T) {
	s := newTestState(t, &fakeDevices{inputFd: 9}, &fakeDRM{}, &fakeVT{})
	req, err := wire.NewPathRequest(wire.ReqOpenInput, "/dev/input/event0")
	require.NoError(t, err)

	resp, fd := s.Dispatch(req)

	assert.Equal(t, wire.RespPassedFD, resp.Type)
	assert.Equal(t, 9, fd)
	assert.Equal(t, []int{9}, s.InputDevs())
}

func TestDispatchOpenInputOpenFailureReturnsError(t *testing.T) {
	s := newTestState(t, &fakeDevices{inputErr: errors.New("boom")}, &fakeDRM{}, &fakeVT{})
	req, err := wire.NewPathRequest(wire.ReqOpenInput, "/dev/input/event0")
	require.NoError(t, err)

	resp, fd := s.Dispatch(req)

	assert.Equal(t, wire.RespError, resp.Type)
	assert.Equal(t, "boom", resp.ErrorString())
	assert.Equal(t, -1, fd)
}

func TestDispatchOpenDRMRejectsWrongPrefix(t *testing.T) {
	s := newTestState(t, &fakeDevices{}, &fakeDRM{}, &fakeVT{})
	req, err := wire.NewPathRequest(wire.ReqOpenDRM, "/dev/tty0")
	require.NoError(t, err)

	resp, fd := s.Dispatch(req)

	assert.Equal(t, wire.RespError, resp.Type)
	assert.Equal(t, -1, fd)
	assert.Equal(t, -1, s.DRMDev())
}

func TestDispatchOpenDRMTracksFd(t *testing.T) {
	s := newTestState(t, &fakeDevices{drmFd: 5}, &fakeDRM{}, &fakeVT{})
	req, err := wire.NewPathRequest(wire.ReqOpenDRM, "/dev/dri/card0")
	require.NoError(t, err)

	resp, fd := s.Dispatch(req)

	assert.Equal(t, wire.RespPassedFD, resp.Type)
	assert.Equal(t, 5, fd)
	assert.Equal(t, 5, s.DRMDev())
}

func TestDispatchAcquireVtIsIdempotent(t *testing.T) {
	vt := &fakeVT{ttyFd: 11, vtNum: 3}
	s := newTestState(t, &fakeDevices{}, &fakeDRM{}, vt)

	first, firstFd := s.Dispatch(wire.NewVoidRequest(wire.ReqAcquireVT))
	second, secondFd := s.Dispatch(wire.NewVoidRequest(wire.ReqAcquireVT))

	assert.Equal(t, wire.RespPassedFD, first.Type)
	assert.Equal(t, first.U64(), second.U64())
	assert.Equal(t, firstFd, secondFd)
	assert.True(t, s.IsActive())
}

func TestDispatchUnknownOpcodeIsNotImplemented(t *testing.T) {
	s := newTestState(t, &fakeDevices{}, &fakeDRM{}, &fakeVT{})
	resp, fd := s.Dispatch(wire.NewVoidRequest(wire.ReqSwitchVT))

	assert.Equal(t, wire.RespError, resp.Type)
	assert.Equal(t, -1, fd)
}

func TestActivationSignalDeactivatesWhenActive(t *testing.T) {
	vt := &fakeVT{ttyFd: 11, vtNum: 3}
	drm := &fakeDRM{}
	s := newTestState(t, &fakeDevices{inputFd: 9, drmFd: 5}, drm, vt)

	s.Dispatch(wire.NewVoidRequest(wire.ReqAcquireVT))
	s.Dispatch(mustPathReq(t, wire.ReqOpenDRM, "/dev/dri/card0"))
	s.Dispatch(mustPathReq(t, wire.ReqOpenInput, "/dev/input/event0"))
	require.True(t, s.IsActive())

	var sent []wire.Response
	send := func(resp wire.Response) error {
		sent = append(sent, resp)
		return nil
	}

	require.NoError(t, s.HandleActivationSignal(send))

	assert.False(t, s.IsActive())
	assert.Empty(t, s.InputDevs())
	assert.Equal(t, 1, drm.dropCalls)
	assert.Equal(t, 1, vt.releaseCalls)
	require.Len(t, sent, 1)
	assert.Equal(t, wire.RespDeactivated, sent[0].Type)
}

func TestActivationSignalActivatesWhenInactive(t *testing.T) {
	vt := &fakeVT{ttyFd: 11, vtNum: 3}
	drm := &fakeDRM{}
	s := newTestState(t, &fakeDevices{drmFd: 5}, drm, vt)

	s.Dispatch(wire.NewVoidRequest(wire.ReqAcquireVT))
	s.Dispatch(mustPathReq(t, wire.ReqOpenDRM, "/dev/dri/card0"))

	var sent []wire.Response
	send := func(resp wire.Response) error {
		sent = append(sent, resp)
		return nil
	}

	// ACQUIRE_VT leaves the session active, so the first signal
	// deactivates it.
	require.NoError(t, s.HandleActivationSignal(send))
	require.False(t, s.IsActive())

	require.NoError(t, s.HandleActivationSignal(send))
	require.True(t, s.IsActive())
	sent = nil

	require.NoError(t, s.HandleActivationSignal(send))

	assert.False(t, s.IsActive())
	sent = nil
	require.NoError(t, s.HandleActivationSignal(send))

	assert.True(t, s.IsActive())
	assert.Equal(t, 2, drm.setCalls)
	assert.Equal(t, 2, vt.acquireCalls)
	require.Len(t, sent, 1)
	assert.Equal(t, wire.RespActivated, sent[0].Type)
}

func TestActivationSignalsStrictlyAlternate(t *testing.T) {
	vt := &fakeVT{ttyFd: 11, vtNum: 3}
	s := newTestState(t, &fakeDevices{}, &fakeDRM{}, vt)
	s.Dispatch(wire.NewVoidRequest(wire.ReqAcquireVT))

	send := func(wire.Response) error { return nil }

	var states []bool
	for i := 0; i < 4; i++ {
		require.NoError(t, s.HandleActivationSignal(send))
		states = append(states, s.IsActive())
	}

	assert.Equal(t, []bool{false, true, false, true}, states)
}

func mustPathReq(t *testing.T, typ wire.RequestType, path string) wire.Request {
	t.Helper()
	req, err := wire.NewPathRequest(typ, path)
	require.NoError(t, err)
	return req
}
