package wire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip[T any](t *testing.T, in T) T {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, in))
	require.Equal(t, Size, buf.Len())
	var out T
	require.NoError(t, binary.Read(&buf, binary.LittleEndian, &out))
	return out
}

func TestRequestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"open input", mustPathReq(t, ReqOpenInput, "/dev/input/event0")},
		{"open drm", mustPathReq(t, ReqOpenDRM, "/dev/dri/card0")},
		{"acquire vt", NewVoidRequest(ReqAcquireVT)},
		{"switch vt", NewU64Request(ReqSwitchVT, 3)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out := roundTrip(t, tc.req)
			assert.Equal(t, tc.req, out)
		})
	}
}

func mustPathReq(t *testing.T, typ RequestType, path string) Request {
	t.Helper()
	r, err := NewPathRequest(typ, path)
	require.NoError(t, err)
	return r
}

func TestRequestPathIsNulTerminated(t *testing.T) {
	var req Request
	req.Type = ReqOpenInput
	for i := range req.Data {
		req.Data[i] = 'x'
	}
	assert.Equal(t, dataSize-1, len(req.Path()))
}

func TestNewPathRequestRejectsOversizedPath(t *testing.T) {
	long := make([]byte, dataSize)
	for i := range long {
		long[i] = 'a'
	}
	_, err := NewPathRequest(ReqOpenInput, string(long))
	assert.Error(t, err)
}

func TestResponseRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		resp Response
	}{
		{"error", NewErrorResponse("Not an input device path: /etc/passwd")},
		{"done", NewVoidResponse(RespDone)},
		{"passed fd with vt num", NewU64Response(RespPassedFD, 4)},
		{"activated", NewVoidResponse(RespActivated)},
		{"deactivated", NewVoidResponse(RespDeactivated)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out := roundTrip(t, tc.resp)
			assert.Equal(t, tc.resp, out)
		})
	}
}

func TestErrorResponseMessagePreserved(t *testing.T) {
	resp := NewErrorResponse("Not an input device path: /etc/passwd")
	assert.Equal(t, "Not an input device path: /etc/passwd", resp.ErrorString())
}

func TestU64ResponseSameValueDecodesEqual(t *testing.T) {
	first := NewU64Response(RespPassedFD, 2)
	second := NewU64Response(RespPassedFD, 2)
	assert.Equal(t, first.U64(), second.U64())
}
