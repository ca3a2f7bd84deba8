package vt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestControllerAccessors(t *testing.T) {
	c := &Controller{ttyFd: 7, vtNum: 3}
	assert.Equal(t, 7, c.TtyFd())
	assert.Equal(t, int32(3), c.VtNum())
}
