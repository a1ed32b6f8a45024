package dataType

import (
	"sync"
	"testing"
)

func TestWindowCounter_AddQuery(t *testing.T) {
	wc := NewWindowCounter(4, 60)

	wc.Add("node-1", 1)
	wc.Add("node-1", 2)
	wc.Add("node-2", 5)

	if got := wc.Query("node-1", 60); got != 3 {
		t.Errorf("expected 3 for node-1, got %d", got)
	}
	if got := wc.Query("node-2", 60); got != 5 {
		t.Errorf("expected 5 for node-2, got %d", got)
	}
	if got := wc.Query("node-3", 60); got != 0 {
		t.Errorf("expected 0 for unseen node, got %d", got)
	}
}

func TestWindowCounter_QueryCapsAtWindow(t *testing.T) {
	wc := NewWindowCounter(2, 10)
	wc.Add("node-1", 7)
	if got := wc.Query("node-1", 9999); got != 7 {
		t.Errorf("oversized lastN should cap at window, got %d", got)
	}
}

func TestWindowCounter_Reset(t *testing.T) {
	wc := NewWindowCounter(4, 60)
	wc.Add("node-1", 10)
	wc.Reset("node-1")
	if got := wc.Query("node-1", 60); got != 0 {
		t.Errorf("expected 0 after reset, got %d", got)
	}
}

func TestWindowCounter_ConcurrentAdd(t *testing.T) {
	wc := NewWindowCounter(8, 60)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				wc.Add("node-1", 1)
			}
		}()
	}
	wg.Wait()
	if got := wc.Query("node-1", 60); got != 1000 {
		t.Errorf("expected 1000 after concurrent adds, got %d", got)
	}
}
