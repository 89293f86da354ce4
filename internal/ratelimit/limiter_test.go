package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_BurstThenReject(t *testing.T) {
	l := NewLimiter(100, 2)

	assert.True(t, l.Allow("client-a"))
	assert.True(t, l.Allow("client-a"))
	assert.False(t, l.Allow("client-a"), "the third request exceeds the burst")
}

func TestLimiter_ClientsAreIndependent(t *testing.T) {
	l := NewLimiter(100, 1)

	assert.True(t, l.Allow("client-a"))
	assert.False(t, l.Allow("client-a"))
	assert.True(t, l.Allow("client-b"), "one client's budget never affects another")
}

func TestLimiter_Tokens(t *testing.T) {
	l := NewLimiter(100, 5)

	assert.InDelta(t, 5, l.Tokens("fresh"), 0.01)
	l.Allow("fresh")
	assert.Less(t, l.Tokens("fresh"), 5.0)
}
