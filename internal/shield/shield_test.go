package shield

import (
	"fmt"
	"testing"
	"time"

	"mesh_aegis/internal/dataType"
)

func indicator(node string, typ dataType.IndicatorType, value float64) dataType.ThreatIndicator {
	return dataType.ThreatIndicator{
		NodeID:    node,
		Type:      typ,
		Value:     value,
		Timestamp: time.Now(),
	}
}

func TestAnalyze_Rules(t *testing.T) {
	tests := []struct {
		name       string
		indicators []dataType.ThreatIndicator
		want       dataType.ThreatLevel
	}{
		{
			"NoIndicators",
			nil,
			dataType.ThreatNone,
		},
		{
			"ThreeReplaysCritical",
			[]dataType.ThreatIndicator{
				indicator("n", dataType.IndicatorReplayAttack, 1),
				indicator("n", dataType.IndicatorReplayAttack, 1),
				indicator("n", dataType.IndicatorReplayAttack, 1),
			},
			dataType.ThreatCritical,
		},
		{
			"TwoReplaysNotEnough",
			[]dataType.ThreatIndicator{
				indicator("n", dataType.IndicatorReplayAttack, 1),
				indicator("n", dataType.IndicatorReplayAttack, 1),
			},
			dataType.ThreatNone,
		},
		{
			"TwoCertFailuresHigh",
			[]dataType.ThreatIndicator{
				indicator("n", dataType.IndicatorCertFailure, 1),
				indicator("n", dataType.IndicatorCertFailure, 1),
			},
			dataType.ThreatHigh,
		},
		{
			"AnomalyCritical",
			[]dataType.ThreatIndicator{indicator("n", dataType.IndicatorAnomalyScore, 0.95)},
			dataType.ThreatCritical,
		},
		{
			"AnomalyHigh",
			[]dataType.ThreatIndicator{indicator("n", dataType.IndicatorAnomalyScore, 0.85)},
			dataType.ThreatHigh,
		},
		{
			"AnomalyMedium",
			[]dataType.ThreatIndicator{indicator("n", dataType.IndicatorAnomalyScore, 0.70)},
			dataType.ThreatMedium,
		},
		{
			"AnomalyLow",
			[]dataType.ThreatIndicator{indicator("n", dataType.IndicatorAnomalyScore, 0.50)},
			dataType.ThreatLow,
		},
		{
			"AnomalyBelowThreshold",
			[]dataType.ThreatIndicator{indicator("n", dataType.IndicatorAnomalyScore, 0.49)},
			dataType.ThreatNone,
		},
		{
			"HighestRuleWins",
			[]dataType.ThreatIndicator{
				indicator("n", dataType.IndicatorCertFailure, 1),
				indicator("n", dataType.IndicatorCertFailure, 1),
				indicator("n", dataType.IndicatorAnomalyScore, 0.96),
			},
			dataType.ThreatCritical,
		},
		{
			"BehaviorIndicatorsIgnoredByRules",
			[]dataType.ThreatIndicator{indicator("n", dataType.IndicatorBehavior, 1)},
			dataType.ThreatNone,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := analyze(tt.indicators); got != tt.want {
				t.Errorf("analyze() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestShield_ReportIndicator(t *testing.T) {
	t.Run("CriticalAnomalyQuarantinesImmediately", func(t *testing.T) {
		s := New(nil)
		level, ok := s.ReportIndicator(indicator("node-5", dataType.IndicatorAnomalyScore, 0.95))
		if !ok || level != dataType.ThreatCritical {
			t.Fatalf("expected (CRITICAL, true), got (%v, %v)", level, ok)
		}
		if !s.IsQuarantined("node-5") {
			t.Error("node not quarantined after critical indicator")
		}
		rec, ok := s.Record("node-5")
		if !ok {
			t.Fatal("no quarantine record")
		}
		if rec.ExpiresAt != nil {
			t.Error("critical quarantine must be indefinite")
		}
	})

	t.Run("LowAnomalyOnlyStored", func(t *testing.T) {
		s := New(nil)
		level, ok := s.ReportIndicator(indicator("node-5", dataType.IndicatorAnomalyScore, 0.55))
		if ok || level != dataType.ThreatNone {
			t.Fatalf("expected (NONE, false), got (%v, %v)", level, ok)
		}
		if s.IsQuarantined("node-5") {
			t.Error("low-severity indicator must not quarantine")
		}
		if got := s.GetMetrics().IndicatorCounts[dataType.IndicatorAnomalyScore]; got != 1 {
			t.Errorf("indicator not stored, count = %d", got)
		}
	})

	t.Run("ReplayBurstEscalates", func(t *testing.T) {
		s := New(nil)
		for i := 0; i < 2; i++ {
			if _, ok := s.ReportIndicator(indicator("node-7", dataType.IndicatorReplayAttack, 1)); ok {
				t.Fatalf("quarantined after %d replays", i+1)
			}
		}
		level, ok := s.ReportIndicator(indicator("node-7", dataType.IndicatorReplayAttack, 1))
		if !ok || level != dataType.ThreatCritical {
			t.Fatalf("expected (CRITICAL, true) on third replay, got (%v, %v)", level, ok)
		}
	})
}

func TestShield_QuarantineDurations(t *testing.T) {
	tests := []struct {
		level      dataType.ThreatLevel
		duration   time.Duration
		indefinite bool
	}{
		{dataType.ThreatLow, 15 * time.Minute, false},
		{dataType.ThreatMedium, time.Hour, false},
		{dataType.ThreatHigh, 24 * time.Hour, false},
		{dataType.ThreatCritical, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			s := New(nil)
			before := time.Now()
			rec := s.Quarantine("node-1", "test", tt.level)
			after := time.Now()

			if tt.indefinite {
				if rec.ExpiresAt != nil {
					t.Errorf("expected indefinite quarantine, got expiry %v", rec.ExpiresAt)
				}
				return
			}
			if rec.ExpiresAt == nil {
				t.Fatal("expected bounded quarantine")
			}
			lo := before.Add(tt.duration)
			hi := after.Add(tt.duration)
			if rec.ExpiresAt.Before(lo) || rec.ExpiresAt.After(hi) {
				t.Errorf("expiry %v outside [%v, %v]", rec.ExpiresAt, lo, hi)
			}
		})
	}
}

func TestShield_QuarantineIdempotentWhileActive(t *testing.T) {
	s := New(nil)
	first := s.Quarantine("node-1", "first", dataType.ThreatHigh)
	second := s.Quarantine("node-1", "second", dataType.ThreatLow)
	if first != second {
		t.Error("re-quarantining an active node must keep the original record")
	}
	if s.GetMetrics().QuarantinesTotal != 1 {
		t.Errorf("quarantines counted twice: %d", s.GetMetrics().QuarantinesTotal)
	}
}

func TestShield_LazyExpiry(t *testing.T) {
	s := New(nil)

	var events []string
	var lastReason dataType.ReleaseReason
	s.OnEvent(func(event string, rec *dataType.QuarantineRecord) {
		events = append(events, event)
		lastReason = rec.ReleasedReason
	})

	rec := s.Quarantine("node-1", "test", dataType.ThreatLow)
	if !s.IsQuarantined("node-1") {
		t.Fatal("node not quarantined")
	}

	// Force the record into the past; the next read must auto-release.
	past := time.Now().Add(-time.Second)
	s.mu.Lock()
	rec.ExpiresAt = &past
	s.mu.Unlock()

	if s.IsQuarantined("node-1") {
		t.Fatal("expired quarantine still reported active")
	}
	if rec.ReleasedAt == nil {
		t.Error("auto-release did not stamp ReleasedAt")
	}
	if lastReason != dataType.ReleaseExpired {
		t.Errorf("implicit release reason = %q, want %q", lastReason, dataType.ReleaseExpired)
	}
	if len(events) != 2 || events[0] != "quarantine" || events[1] != "release" {
		t.Errorf("unexpected event sequence %v", events)
	}
	if got := s.GetMetrics().ReleasesTotal; got != 1 {
		t.Errorf("releases total = %d, want 1", got)
	}
}

func TestShield_ListQuarantinedSweeps(t *testing.T) {
	s := New(nil)
	s.Quarantine("node-1", "test", dataType.ThreatHigh)
	rec2 := s.Quarantine("node-2", "test", dataType.ThreatLow)

	past := time.Now().Add(-time.Second)
	s.mu.Lock()
	rec2.ExpiresAt = &past
	s.mu.Unlock()

	active := s.ListQuarantined()
	if len(active) != 1 || active[0].NodeID != "node-1" {
		t.Errorf("expected only node-1 active, got %+v", active)
	}
}

func TestShield_ReleaseAndMetrics(t *testing.T) {
	s := New(nil)

	if s.Release("node-1", dataType.ReleaseInvestigationComplete) {
		t.Error("releasing an unquarantined node must return false")
	}

	s.Quarantine("node-1", "test", dataType.ThreatHigh)
	time.Sleep(20 * time.Millisecond)
	if !s.Release("node-1", dataType.ReleaseInvestigationComplete) {
		t.Fatal("release failed")
	}

	m := s.GetMetrics()
	if m.AvgMTTRSeconds <= 0 || m.AvgMTTRSeconds > 1 {
		t.Errorf("avg MTTR %v not in (0, 1s) for a ~20ms quarantine", m.AvgMTTRSeconds)
	}
	if m.FalsePositiveRate != 0 {
		t.Errorf("false positive rate = %v, want 0", m.FalsePositiveRate)
	}

	s.Quarantine("node-2", "test", dataType.ThreatHigh)
	s.Release("node-2", dataType.ReleaseFalsePositive)
	m = s.GetMetrics()
	if m.ReleasesTotal != 2 {
		t.Fatalf("releases total = %d, want 2", m.ReleasesTotal)
	}
	if m.FalsePositiveRate != 0.5 {
		t.Errorf("false positive rate = %v, want 0.5", m.FalsePositiveRate)
	}
}

func TestShield_HandlerPanicIsolated(t *testing.T) {
	s := New(nil)
	s.OnEvent(func(string, *dataType.QuarantineRecord) {
		panic("handler bug")
	})
	var delivered int
	s.OnEvent(func(string, *dataType.QuarantineRecord) {
		delivered++
	})

	s.Quarantine("node-1", "test", dataType.ThreatHigh)
	s.Release("node-1", dataType.ReleaseInvestigationComplete)

	if delivered != 2 {
		t.Errorf("later handler saw %d events, want 2", delivered)
	}
}

func TestShield_AuditSnapshot(t *testing.T) {
	s := New(nil)
	for i := 0; i < 15; i++ {
		s.ReportIndicator(indicator("node-1", dataType.IndicatorBehavior, float64(i)))
	}
	rec := s.Quarantine("node-1", "test", dataType.ThreatHigh)

	if len(rec.Indicators) != 10 {
		t.Fatalf("audit snapshot has %d indicators, want 10", len(rec.Indicators))
	}
	if rec.Indicators[9].Value != 14 {
		t.Errorf("snapshot must keep the most recent indicators, last value %v", rec.Indicators[9].Value)
	}
}

func TestShield_SnapshotMerge(t *testing.T) {
	a := New(nil)
	b := New(nil)

	a.Quarantine("node-1", "test", dataType.ThreatHigh)
	a.Quarantine("node-2", "test", dataType.ThreatCritical)

	snap := a.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot has %d entries, want 2", len(snap))
	}
	if snap["node-2"] != 0 {
		t.Errorf("indefinite quarantine must export 0, got %d", snap["node-2"])
	}

	merged := b.MergeSnapshot(snap, "node-a")
	if merged != 2 {
		t.Errorf("merged %d entries, want 2", merged)
	}
	if !b.IsQuarantined("node-1") || !b.IsQuarantined("node-2") {
		t.Error("merged nodes not quarantined on receiver")
	}

	t.Run("ExpiredEntriesDropped", func(t *testing.T) {
		c := New(nil)
		n := c.MergeSnapshot(map[string]int64{"node-9": time.Now().Add(-time.Minute).Unix()}, "node-a")
		if n != 0 || c.IsQuarantined("node-9") {
			t.Error("expired snapshot entry must be ignored")
		}
	})

	t.Run("LongestExpiryWins", func(t *testing.T) {
		c := New(nil)
		c.Quarantine("node-1", "test", dataType.ThreatLow) // 15 minutes
		far := time.Now().Add(48 * time.Hour).Unix()
		if n := c.MergeSnapshot(map[string]int64{"node-1": far}, "node-a"); n != 1 {
			t.Fatalf("merge did not extend the record, merged=%d", n)
		}
		rec, _ := c.Record("node-1")
		if rec.ExpiresAt == nil || rec.ExpiresAt.Unix() != far {
			t.Errorf("expiry not extended: %v", rec.ExpiresAt)
		}
	})
}

func TestShield_GC(t *testing.T) {
	s := New(nil)
	old := indicator("node-1", dataType.IndicatorBehavior, 1)
	old.Timestamp = time.Now().Add(-10 * time.Minute)
	s.mu.Lock()
	s.indicators["node-1"] = []dataType.ThreatIndicator{old}
	s.mu.Unlock()

	s.GC()
	if got := s.GetMetrics().IndicatorCounts[dataType.IndicatorBehavior]; got != 0 {
		t.Errorf("stale indicators survived GC: %d", got)
	}
}

func TestShield_StateMachineRoundTrip(t *testing.T) {
	s := New(nil)
	node := "node-1"
	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("cycle%d", i)
		t.Run(name, func(t *testing.T) {
			if s.IsQuarantined(node) {
				t.Fatal("node must start clear")
			}
			s.Quarantine(node, "test", dataType.ThreatHigh)
			if !s.IsQuarantined(node) {
				t.Fatal("node must be quarantined")
			}
			if !s.Release(node, dataType.ReleaseInvestigationComplete) {
				t.Fatal("release failed")
			}
		})
	}
}
