package shield

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"mesh_aegis/internal/dataType"
	"mesh_aegis/internal/metrics"
)

const (
	// Threat analysis looks at indicators observed within this window.
	analysisWindow = 5 * time.Minute
	// Audit snapshot size kept on each quarantine record.
	auditIndicators = 10

	replayCriticalCount  = 3
	certFailureHighCount = 2

	anomalyCritical = 0.95
	anomalyHigh     = 0.85
	anomalyMedium   = 0.70
	anomalyLow      = 0.50
)

var quarantineDurations = map[dataType.ThreatLevel]time.Duration{
	dataType.ThreatLow:    15 * time.Minute,
	dataType.ThreatMedium: time.Hour,
	dataType.ThreatHigh:   24 * time.Hour,
	// CRITICAL is absent on purpose: no expiry, release is manual.
}

// EventHandler receives "quarantine" and "release" transitions. Handlers run
// synchronously; a panicking handler is logged and never propagated to the
// caller that triggered the transition.
type EventHandler func(event string, rec *dataType.QuarantineRecord)

// Metrics is the point-in-time snapshot served to collectors.
type Metrics struct {
	ActiveQuarantines int
	QuarantinesTotal  uint64
	ReleasesTotal     uint64
	FalsePositiveRate float64
	AvgMTTRSeconds    float64
	IndicatorCounts   map[dataType.IndicatorType]int
}

// Shield aggregates threat indicators, classifies threat levels and keeps
// the active quarantine table for this node.
type Shield struct {
	mu         sync.Mutex
	indicators map[string][]dataType.ThreatIndicator
	active     map[string]*dataType.QuarantineRecord

	quarantinesTotal uint64
	releasesTotal    uint64
	falsePositives   uint64
	mttrSum          float64
	mttrCount        uint64

	hmu      sync.RWMutex
	handlers []EventHandler

	log *zap.SugaredLogger
}

func New(log *zap.SugaredLogger) *Shield {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Shield{
		indicators: make(map[string][]dataType.ThreatIndicator),
		active:     make(map[string]*dataType.QuarantineRecord),
		log:        log,
	}
}

// OnEvent registers a handler for quarantine/release transitions. Delivery
// is at-least-once per transition; failed handlers are not retried.
func (s *Shield) OnEvent(h EventHandler) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.handlers = append(s.handlers, h)
}

func (s *Shield) fire(event string, rec *dataType.QuarantineRecord) {
	s.hmu.RLock()
	handlers := make([]EventHandler, len(s.handlers))
	copy(handlers, s.handlers)
	s.hmu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Errorw("event handler panicked", "event", event, "node", rec.NodeID, "panic", r)
				}
			}()
			h(event, rec)
		}()
	}
}

// ReportIndicator stores the indicator and re-evaluates the node. When the
// aggregate level reaches HIGH or above the node is quarantined immediately
// and the triggering level is returned with ok=true.
func (s *Shield) ReportIndicator(ind dataType.ThreatIndicator) (dataType.ThreatLevel, bool) {
	if ind.Timestamp.IsZero() {
		ind.Timestamp = time.Now()
	}

	s.mu.Lock()
	history := append(s.indicators[ind.NodeID], ind)
	history = pruneWindow(history, time.Now().Add(-analysisWindow))
	s.indicators[ind.NodeID] = history
	level := analyze(history)

	if level < dataType.ThreatHigh {
		s.mu.Unlock()
		return dataType.ThreatNone, false
	}

	rec := s.quarantineLocked(ind.NodeID, "threat_level_"+level.String(), level)
	s.mu.Unlock()

	if rec != nil {
		s.fire("quarantine", rec)
	}
	return level, true
}

func pruneWindow(history []dataType.ThreatIndicator, cutoff time.Time) []dataType.ThreatIndicator {
	i := 0
	for ; i < len(history); i++ {
		if !history[i].Timestamp.Before(cutoff) {
			break
		}
	}
	return history[i:]
}

// analyze evaluates the deterministic threat rules over a recent indicator
// window. Rules are independent and the highest verdict wins; a CRITICAL
// replay verdict short-circuits the rest.
func analyze(history []dataType.ThreatIndicator) dataType.ThreatLevel {
	var replays, certFailures int
	var maxAnomaly float64
	for _, ind := range history {
		switch ind.Type {
		case dataType.IndicatorReplayAttack:
			replays++
		case dataType.IndicatorCertFailure:
			certFailures++
		case dataType.IndicatorAnomalyScore:
			if ind.Value > maxAnomaly {
				maxAnomaly = ind.Value
			}
		}
	}

	// Replay is conclusive proof of compromise or cloning.
	if replays >= replayCriticalCount {
		return dataType.ThreatCritical
	}

	level := dataType.ThreatNone
	if certFailures >= certFailureHighCount {
		level = dataType.ThreatHigh
	}

	var anomalyLevel dataType.ThreatLevel
	switch {
	case maxAnomaly >= anomalyCritical:
		anomalyLevel = dataType.ThreatCritical
	case maxAnomaly >= anomalyHigh:
		anomalyLevel = dataType.ThreatHigh
	case maxAnomaly >= anomalyMedium:
		anomalyLevel = dataType.ThreatMedium
	case maxAnomaly >= anomalyLow:
		anomalyLevel = dataType.ThreatLow
	}
	if anomalyLevel > level {
		level = anomalyLevel
	}
	return level
}

// Quarantine isolates a node for the duration mapped to level (indefinite
// for CRITICAL) and returns the audit record.
func (s *Shield) Quarantine(nodeID, reason string, level dataType.ThreatLevel) *dataType.QuarantineRecord {
	s.mu.Lock()
	rec := s.quarantineLocked(nodeID, reason, level)
	created := rec != nil
	if rec == nil {
		rec = s.active[nodeID]
	}
	s.mu.Unlock()
	if created {
		s.fire("quarantine", rec)
	}
	return rec
}

func (s *Shield) quarantineLocked(nodeID, reason string, level dataType.ThreatLevel) *dataType.QuarantineRecord {
	if existing, ok := s.active[nodeID]; ok && !expired(existing, time.Now()) {
		// Already isolated; keep the original record and audit trail.
		return nil
	}

	now := time.Now()
	rec := &dataType.QuarantineRecord{
		NodeID:        nodeID,
		Reason:        reason,
		Level:         level,
		QuarantinedAt: now,
	}
	if d, ok := quarantineDurations[level]; ok {
		exp := now.Add(d)
		rec.ExpiresAt = &exp
	}

	history := s.indicators[nodeID]
	if n := len(history); n > 0 {
		start := 0
		if n > auditIndicators {
			start = n - auditIndicators
		}
		rec.Indicators = append([]dataType.ThreatIndicator(nil), history[start:]...)
	}

	s.active[nodeID] = rec
	s.quarantinesTotal++
	metrics.Quarantines.WithLabelValues(level.String()).Inc()
	metrics.QuarantinedNodes.Set(float64(len(s.active)))
	s.log.Warnw("node quarantined", "node", nodeID, "reason", reason, "level", level.String(), "expires", rec.ExpiresAt)
	return rec
}

// Release removes a node from the active table. Returns false when the node
// was not quarantined.
func (s *Shield) Release(nodeID string, reason dataType.ReleaseReason) bool {
	s.mu.Lock()
	rec, ok := s.active[nodeID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.releaseLocked(rec, reason)
	s.mu.Unlock()
	s.fire("release", rec)
	return true
}

func (s *Shield) releaseLocked(rec *dataType.QuarantineRecord, reason dataType.ReleaseReason) {
	now := time.Now()
	rec.ReleasedAt = &now
	rec.ReleasedReason = reason
	delete(s.active, rec.NodeID)

	s.releasesTotal++
	s.mttrSum += now.Sub(rec.QuarantinedAt).Seconds()
	s.mttrCount++
	if reason == dataType.ReleaseFalsePositive {
		s.falsePositives++
	}
	metrics.Releases.WithLabelValues(string(reason)).Inc()
	metrics.QuarantinedNodes.Set(float64(len(s.active)))
	s.log.Infow("node released", "node", rec.NodeID, "reason", reason,
		"mttr_seconds", now.Sub(rec.QuarantinedAt).Seconds())
}

func expired(rec *dataType.QuarantineRecord, now time.Time) bool {
	return rec.ExpiresAt != nil && now.After(*rec.ExpiresAt)
}

// IsQuarantined lazily expires a stale record before answering, so a stale
// boolean is never trusted.
func (s *Shield) IsQuarantined(nodeID string) bool {
	s.mu.Lock()
	rec, ok := s.active[nodeID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if expired(rec, time.Now()) {
		s.releaseLocked(rec, dataType.ReleaseExpired)
		s.mu.Unlock()
		s.fire("release", rec)
		return false
	}
	s.mu.Unlock()
	return true
}

// ListQuarantined sweeps expired records and returns the active set.
func (s *Shield) ListQuarantined() []*dataType.QuarantineRecord {
	now := time.Now()
	var released []*dataType.QuarantineRecord

	s.mu.Lock()
	out := make([]*dataType.QuarantineRecord, 0, len(s.active))
	for _, rec := range s.active {
		if expired(rec, now) {
			s.releaseLocked(rec, dataType.ReleaseExpired)
			released = append(released, rec)
			continue
		}
		out = append(out, rec)
	}
	s.mu.Unlock()

	for _, rec := range released {
		s.fire("release", rec)
	}
	return out
}

// Record returns the active quarantine record for a node, if any.
func (s *Shield) Record(nodeID string) (*dataType.QuarantineRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.active[nodeID]
	if !ok || expired(rec, time.Now()) {
		return nil, false
	}
	return rec, true
}

// GetMetrics returns the running counters. Rates divide by zero as zero.
func (s *Shield) GetMetrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := Metrics{
		ActiveQuarantines: len(s.active),
		QuarantinesTotal:  s.quarantinesTotal,
		ReleasesTotal:     s.releasesTotal,
		IndicatorCounts:   make(map[dataType.IndicatorType]int),
	}
	if s.releasesTotal > 0 {
		m.FalsePositiveRate = float64(s.falsePositives) / float64(s.releasesTotal)
	}
	if s.mttrCount > 0 {
		m.AvgMTTRSeconds = s.mttrSum / float64(s.mttrCount)
	}
	for _, history := range s.indicators {
		for _, ind := range history {
			m.IndicatorCounts[ind.Type]++
		}
	}
	return m
}

// Snapshot exports the active quarantine table as node -> expiry unix
// seconds, 0 meaning indefinite. Used for anti-entropy exchange.
func (s *Shield) Snapshot() map[string]int64 {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.active))
	for id, rec := range s.active {
		if expired(rec, now) {
			continue
		}
		if rec.ExpiresAt == nil {
			out[id] = 0
		} else {
			out[id] = rec.ExpiresAt.Unix()
		}
	}
	return out
}

// MergeSnapshot folds a peer's quarantine view into the local table.
// Longest expiry wins and indefinite beats everything; already-expired
// entries are dropped.
func (s *Shield) MergeSnapshot(snapshot map[string]int64, origin string) int {
	now := time.Now()
	var fired []*dataType.QuarantineRecord
	merged := 0

	s.mu.Lock()
	for nodeID, exp := range snapshot {
		if exp != 0 && time.Unix(exp, 0).Before(now) {
			continue
		}
		if cur, ok := s.active[nodeID]; ok && !expired(cur, now) {
			if cur.ExpiresAt == nil {
				continue
			}
			if exp != 0 && cur.ExpiresAt.Unix() >= exp {
				continue
			}
			if exp == 0 {
				cur.ExpiresAt = nil
			} else {
				t := time.Unix(exp, 0)
				cur.ExpiresAt = &t
			}
			merged++
			continue
		}
		rec := &dataType.QuarantineRecord{
			NodeID:        nodeID,
			Reason:        "peer_sync:" + origin,
			Level:         dataType.ThreatHigh,
			QuarantinedAt: now,
		}
		if exp != 0 {
			t := time.Unix(exp, 0)
			rec.ExpiresAt = &t
		}
		s.active[nodeID] = rec
		s.quarantinesTotal++
		metrics.Quarantines.WithLabelValues(rec.Level.String()).Inc()
		fired = append(fired, rec)
		merged++
	}
	metrics.QuarantinedNodes.Set(float64(len(s.active)))
	s.mu.Unlock()

	for _, rec := range fired {
		s.fire("quarantine", rec)
	}
	return merged
}

// GC drops indicator history older than the analysis window.
func (s *Shield) GC() {
	cutoff := time.Now().Add(-analysisWindow)
	s.mu.Lock()
	defer s.mu.Unlock()
	for node, history := range s.indicators {
		pruned := pruneWindow(history, cutoff)
		if len(pruned) == 0 {
			delete(s.indicators, node)
		} else {
			s.indicators[node] = pruned
		}
	}
}

func StartIndicatorGC(s *Shield, interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.GC()
		case <-stopCh:
			return
		}
	}
}
