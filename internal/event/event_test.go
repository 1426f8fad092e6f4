package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKey(t *testing.T) {
	k := NewContextKey(4242, 4250)

	assert.Equal(t, uint32(4242), k.PID())
	assert.Equal(t, uint32(4250), k.TID())
	assert.Equal(t, "4242/4250", k.String())
	assert.Equal(t, ContextKey(4242<<32|4250), k)
}
