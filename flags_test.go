package sockcore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlagsSetHasClear(t *testing.T) {
	var f flags
	assert.False(t, f.has(flagActive))

	f.set(flagActive)
	assert.True(t, f.has(flagActive))
	assert.False(t, f.has(flagPaused), "setting one bit must not set another")

	f.set(flagPaused)
	assert.True(t, f.has(flagActive))
	assert.True(t, f.has(flagPaused))

	f.clear(flagActive)
	assert.False(t, f.has(flagActive))
	assert.True(t, f.has(flagPaused), "clearing one bit must not clear another")
}

func TestFlagsConcurrentSetClear(t *testing.T) {
	var f flags
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); f.set(flagHandshakeComplete) }()
		go func() { defer wg.Done(); f.set(flagAuthorized) }()
	}
	wg.Wait()
	assert.True(t, f.has(flagHandshakeComplete))
	assert.True(t, f.has(flagAuthorized))
}
