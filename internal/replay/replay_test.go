package replay

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func TestMemory_SeenOnce(t *testing.T) {
	m := NewMemory(16)

	if m.Seen("node-1", "nonce-a") {
		t.Error("fresh nonce reported as seen")
	}
	if !m.Seen("node-1", "nonce-a") {
		t.Error("repeated nonce not reported as seen")
	}
}

func TestMemory_PerSenderIsolation(t *testing.T) {
	m := NewMemory(16)

	m.Seen("node-1", "nonce-a")
	if m.Seen("node-2", "nonce-a") {
		t.Error("nonce history must be scoped per sender")
	}
}

func TestMemory_BoundedRetention(t *testing.T) {
	m := NewMemory(4)
	for i := 0; i < 8; i++ {
		m.Seen("node-1", fmt.Sprintf("nonce-%d", i))
	}
	// The oldest nonces fell out of the LRU; the newest are retained.
	if !m.Seen("node-1", "nonce-7") {
		t.Error("recent nonce evicted too early")
	}
	if m.Seen("node-1", "nonce-0") {
		t.Error("expected oldest nonce to be evicted from a full cache")
	}
}

func TestMemory_Forget(t *testing.T) {
	m := NewMemory(16)
	m.Seen("node-1", "nonce-a")
	m.Forget("node-1")
	if m.Seen("node-1", "nonce-a") {
		t.Error("history must be gone after Forget")
	}
}

func TestMemory_ConcurrentSameNonce(t *testing.T) {
	m := NewMemory(1024)

	var firstTimers int64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !m.Seen("node-1", "contested-nonce") {
				atomic.AddInt64(&firstTimers, 1)
			}
		}()
	}
	wg.Wait()

	if firstTimers != 1 {
		t.Errorf("exactly one caller may win the nonce, got %d", firstTimers)
	}
}
