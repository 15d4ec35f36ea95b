package keylock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockerSerializesSameKey(t *testing.T) {
	l := New[uint64]()

	var inside int32
	var maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.With(1, func() error {
				n := atomic.AddInt32(&inside, 1)
				for {
					cur := atomic.LoadInt32(&maxInside)
					if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, l.Len(), "entries should be released")
}

func TestLockerDifferentKeysDoNotBlock(t *testing.T) {
	l := New[string]()
	l.Lock("a")
	defer l.Unlock("a")

	done := make(chan struct{})
	go func() {
		l.Lock("b")
		l.Unlock("b")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestUnlockUnknownKeyPanics(t *testing.T) {
	l := New[int]()
	require.Panics(t, func() { l.Unlock(42) })
}
