package vectorstore

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIdentityLocks_Release(t *testing.T) {
	l := newIdentityLocks()
	unlock := l.Lock("product\x00p-1")
	assert.Equal(t, 1, l.inFlight())
	unlock()
	assert.Equal(t, 0, l.inFlight())

	done := make(chan struct{})
	go func() {
		l.Lock("product\x00p-1")()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("released identity stayed locked")
	}
}

func TestIdentityLocks_SerializesSameKey(t *testing.T) {
	l := newIdentityLocks()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("order\x00o-42")
			defer unlock()
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, l.inFlight())
}

func TestIdentityLocks_DistinctKeysDoNotBlock(t *testing.T) {
	l := newIdentityLocks()
	unlockA := l.Lock("product\x00p-1")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		l.Lock("product\x00p-2")()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("distinct identity blocked")
	}
}
