package dataType

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// WindowCounter counts per-node events (violations, messages) over a sliding
// window of seconds. Counters are sharded by xxhash of the node id so that
// hot peers do not contend on a single lock.

type windowSegment struct {
	timestamp int64
	count     int64
}

type windowElement struct {
	segments    []windowSegment
	segSize     int64
	lastUpdated int64
}

func newWindowElement(seconds int64) *windowElement {
	return &windowElement{
		segments:    make([]windowSegment, seconds),
		segSize:     seconds,
		lastUpdated: time.Now().Unix(),
	}
}

func (e *windowElement) add(ts int64, value int64) {
	idx := ts % e.segSize
	if e.segments[idx].timestamp != ts {
		e.segments[idx].timestamp = ts
		e.segments[idx].count = value
	} else {
		e.segments[idx].count += value
	}
	e.lastUpdated = ts
}

func (e *windowElement) query(lastN int64, now int64) int64 {
	if lastN > e.segSize {
		lastN = e.segSize
	}
	var sum int64
	for i := int64(0); i < lastN; i++ {
		sec := now - lastN + 1 + i
		idx := sec % e.segSize
		if e.segments[idx].timestamp == sec {
			sum += e.segments[idx].count
		}
	}
	return sum
}

type counterShard struct {
	mu       sync.RWMutex
	elements map[uint64]*windowElement
}

type WindowCounter struct {
	shards     []*counterShard
	shardCount uint64
	window     int64
}

// NewWindowCounter creates a counter able to answer queries over the last
// `window` seconds, spread across `shards` lock shards.
func NewWindowCounter(shards int, window int64) *WindowCounter {
	wc := &WindowCounter{
		shards:     make([]*counterShard, shards),
		shardCount: uint64(shards),
		window:     window,
	}
	for i := 0; i < shards; i++ {
		wc.shards[i] = &counterShard{elements: make(map[uint64]*windowElement)}
	}
	return wc
}

func (wc *WindowCounter) shard(key uint64) *counterShard {
	return wc.shards[key%wc.shardCount]
}

func (wc *WindowCounter) Add(key string, value int64) {
	now := time.Now().Unix()
	h := xxhash.Sum64String(key)
	s := wc.shard(h)
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.elements[h]
	if !ok {
		el = newWindowElement(wc.window)
		s.elements[h] = el
	}
	el.add(now, value)
}

// Query returns the event count for key over the last `lastN` seconds,
// capped at the counter window.
func (wc *WindowCounter) Query(key string, lastN int64) int64 {
	now := time.Now().Unix()
	h := xxhash.Sum64String(key)
	s := wc.shard(h)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if el, ok := s.elements[h]; ok {
		return el.query(lastN, now)
	}
	return 0
}

func (wc *WindowCounter) Reset(key string) {
	h := xxhash.Sum64String(key)
	s := wc.shard(h)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.elements, h)
}

// GC drops elements that have not been touched within the window.
func (wc *WindowCounter) GC() {
	expireThreshold := time.Now().Unix() - wc.window
	for _, s := range wc.shards {
		s.mu.Lock()
		for key, el := range s.elements {
			if el.lastUpdated < expireThreshold {
				delete(s.elements, key)
			}
		}
		s.mu.Unlock()
	}
}

func StartWindowCounterGC(wc *WindowCounter, interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			wc.GC()
		case <-stopCh:
			return
		}
	}
}
