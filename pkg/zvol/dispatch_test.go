package zvol

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueKey(t *testing.T) {
	const shift = DefaultTaskqOffsetShift

	// Offsets in the same 1MiB region share a key
	assert.Equal(t, QueueKey(1, 0, 0, shift), QueueKey(1, 0, 4096, shift))
	assert.Equal(t, QueueKey(1, 0, 1<<20, shift), QueueKey(1, 0, 2<<20-1, shift))

	assert.NotEqual(t, QueueKey(1, 0, 0, shift), QueueKey(1, 0, 1<<20, shift))
	assert.NotEqual(t, QueueKey(1, 0, 0, shift), QueueKey(2, 0, 0, shift))
	assert.NotEqual(t, QueueKey(1, 0, 0, shift), QueueKey(1, 1, 0, shift))
}

func TestDispatcherOrdersSameKey(t *testing.T) {
	d := NewDispatcher(4)
	d.Start()

	var mu sync.Mutex
	var got []int
	for i := range 200 {
		d.Dispatch(42, func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	d.Stop()

	want := make([]int, 200)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
}

func TestDispatcherRunsAllKeys(t *testing.T) {
	d := NewDispatcher(3)
	d.Start()

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[uint64]bool)
	for key := range uint64(50) {
		wg.Add(1)
		d.Dispatch(key, func() {
			defer wg.Done()
			mu.Lock()
			seen[key] = true
			mu.Unlock()
		})
	}
	wg.Wait()
	d.Stop()
	assert.Len(t, seen, 50)
}

func TestDispatchAfterStopRunsInline(t *testing.T) {
	d := NewDispatcher(1)
	d.Start()
	d.Stop()
	d.Stop()

	ran := false
	d.Dispatch(1, func() { ran = true })
	assert.True(t, ran)
}
