package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAttemptCeiling(t *testing.T) {
	tries := Policy{MaxAttempts: 3, Timeout: time.Second}.Start()
	for i := 1; i <= 3; i++ {
		assert.True(t, tries.Next())
		assert.Equal(t, i, tries.Count())
	}
	assert.False(t, tries.Next())
	assert.Equal(t, 3, tries.Count())
}

func TestAttemptReset(t *testing.T) {
	tries := Policy{MaxAttempts: 2, Timeout: time.Second}.Start()
	assert.True(t, tries.Next())
	assert.True(t, tries.Next())
	assert.False(t, tries.Next())
	tries.Reset()
	assert.True(t, tries.Next())
	assert.Equal(t, 1, tries.Count())
}

func TestAttemptDeadline(t *testing.T) {
	tries := Policy{MaxAttempts: 1, Timeout: 500 * time.Millisecond}.Start()
	remaining := time.Until(tries.Deadline())
	assert.Greater(t, remaining, 400*time.Millisecond)
	assert.LessOrEqual(t, remaining, 500*time.Millisecond)
}
