package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccountSlotsFollowLatestLimit(t *testing.T) {
	var a accountSlots
	assert.True(t, a.acquire("page-1", 1))
	assert.False(t, a.acquire("page-1", 1))
	assert.True(t, a.acquire("page-1", 2))
	assert.Equal(t, map[string]int{"page-1": 2}, a.snapshot())

	a.release("page-1")
	a.release("page-1")
	a.release("page-1")
	assert.Empty(t, a.snapshot())

	for range 5 {
		assert.True(t, a.acquire("page-2", 0))
	}
	assert.Equal(t, 5, a.snapshot()["page-2"])
}
