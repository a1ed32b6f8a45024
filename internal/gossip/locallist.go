package gossip

import (
	"sync"
	"time"

	"mesh_aegis/internal/dataType"
)

// Durations for the standalone list mirror the shield's quarantine table.
var localDurations = map[dataType.ThreatLevel]time.Duration{
	dataType.ThreatLow:    15 * time.Minute,
	dataType.ThreatMedium: time.Hour,
	dataType.ThreatHigh:   24 * time.Hour,
}

// localList is the fallback QuarantineList for an engine running without a
// shield: an expiring set with lazy eviction on read.
type localList struct {
	mu      sync.RWMutex
	entries map[string]int64 // nodeID -> expiry unix, 0 = indefinite
}

func newLocalList() *localList {
	return &localList{entries: make(map[string]int64)}
}

func (l *localList) Quarantine(nodeID, reason string, level dataType.ThreatLevel) *dataType.QuarantineRecord {
	var exp int64
	if d, ok := localDurations[level]; ok {
		exp = time.Now().Add(d).Unix()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Longest expiry wins; indefinite beats everything.
	if cur, ok := l.entries[nodeID]; ok && (cur == 0 || (exp != 0 && cur >= exp)) {
		return nil
	}
	l.entries[nodeID] = exp
	return nil
}

func (l *localList) IsQuarantined(nodeID string) bool {
	l.mu.RLock()
	exp, ok := l.entries[nodeID]
	l.mu.RUnlock()
	if !ok {
		return false
	}
	if exp != 0 && time.Now().Unix() > exp {
		l.mu.Lock()
		if cur, ok := l.entries[nodeID]; ok && cur == exp {
			delete(l.entries, nodeID)
		}
		l.mu.Unlock()
		return false
	}
	return true
}
