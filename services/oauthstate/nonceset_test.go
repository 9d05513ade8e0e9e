package oauthstate

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUsedNonceSet_CheckAndMark(t *testing.T) {
	t.Run("first use is not a replay", func(t *testing.T) {
		set := NewUsedNonceSet()
		assert.False(t, set.CheckAndMark("nonce-a", time.Minute))
	})

	t.Run("second use is a replay", func(t *testing.T) {
		set := NewUsedNonceSet()
		assert.False(t, set.CheckAndMark("nonce-a", time.Minute))
		assert.True(t, set.CheckAndMark("nonce-a", time.Minute))
	})

	t.Run("distinct nonces do not interfere", func(t *testing.T) {
		set := NewUsedNonceSet()
		assert.False(t, set.CheckAndMark("nonce-a", time.Minute))
		assert.False(t, set.CheckAndMark("nonce-b", time.Minute))
	})

	t.Run("expired entries are evicted and reusable", func(t *testing.T) {
		set := NewUsedNonceSet()
		current := time.Now()
		set.now = func() time.Time { return current }

		assert.False(t, set.CheckAndMark("nonce-a", time.Minute))
		assert.Equal(t, 1, set.Len())

		current = current.Add(2 * time.Minute)
		assert.False(t, set.CheckAndMark("nonce-a", time.Minute))
		assert.Equal(t, 1, set.Len())
	})

	t.Run("eviction removes stale entries on insert", func(t *testing.T) {
		set := NewUsedNonceSet()
		current := time.Now()
		set.now = func() time.Time { return current }

		for i := 0; i < 50; i++ {
			set.CheckAndMark(fmt.Sprintf("nonce-%d", i), time.Minute)
		}
		assert.Equal(t, 50, set.Len())

		current = current.Add(2 * time.Minute)
		set.CheckAndMark("fresh", time.Minute)
		assert.Equal(t, 1, set.Len())
	})

	t.Run("exactly one concurrent caller wins", func(t *testing.T) {
		set := NewUsedNonceSet()

		const workers = 32
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0

		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if !set.CheckAndMark("contested", time.Minute) {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
	})
}

func TestUsedNonceSet_SeenBefore(t *testing.T) {
	set := NewUsedNonceSet()

	assert.False(t, set.SeenBefore("nonce-a"))
	set.MarkSeen("nonce-a", time.Minute)
	assert.True(t, set.SeenBefore("nonce-a"))

	current := time.Now()
	set.now = func() time.Time { return current.Add(2 * time.Minute) }
	assert.False(t, set.SeenBefore("nonce-a"))
}
