package procutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChildHandleFields(t *testing.T) {
	h := ChildHandle{Pid: 42, ProcFd: 9}
	assert.Equal(t, 42, h.Pid)
	assert.Equal(t, 9, h.ProcFd)
}
