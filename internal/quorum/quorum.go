package quorum

import (
	"errors"
	"math"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mesh_aegis/internal/dataType"
	"mesh_aegis/internal/identity"
	"mesh_aegis/internal/metrics"
)

const (
	sourceBaseline = 1.0
	sourceMax      = 2.0
	// Reaching quorum is worth a fixed boost; a proven false positive
	// costs proportionally more.
	sourceBoost   = 0.1
	sourcePenalty = 0.7
)

// Validator turns N independent attestations of a critical claim into one
// agreed fact. It owns the event table and per-reporter source reputation.
type Validator struct {
	totalNodes int
	threshold  float64
	quorumSize int

	// id is optional; when set, attestation signatures are checked before
	// a signer is counted.
	id identity.Provider

	mu      sync.RWMutex
	events  map[string]*dataType.CriticalEvent
	sources map[string]float64

	log *zap.SugaredLogger
}

// NewValidator rejects parameters that would produce a non-positive quorum.
func NewValidator(totalNodes int, threshold float64, id identity.Provider, log *zap.SugaredLogger) (*Validator, error) {
	if totalNodes <= 0 {
		return nil, errors.New("quorum: total nodes must be positive")
	}
	if threshold <= 0 || threshold > 1 {
		return nil, errors.New("quorum: threshold must be in (0, 1]")
	}
	size := int(math.Floor(float64(totalNodes)*threshold)) + 1
	if size <= 0 || size > totalNodes {
		return nil, errors.New("quorum: unsatisfiable quorum size")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Validator{
		totalNodes: totalNodes,
		threshold:  threshold,
		quorumSize: size,
		id:         id,
		events:     make(map[string]*dataType.CriticalEvent),
		sources:    make(map[string]float64),
		log:        log,
	}, nil
}

func (v *Validator) QuorumSize() int { return v.quorumSize }

// Report records a new, unvalidated critical event. Reports for the same
// semantic claim are not merged here; de-duplication by (type, target) is a
// caller decision.
func (v *Validator) Report(typ dataType.EventType, target, evidence, reporterID string) *dataType.CriticalEvent {
	ev := dataType.NewCriticalEvent(uuid.NewString(), typ, target, evidence, reporterID)
	v.mu.Lock()
	v.events[ev.ID] = ev
	v.mu.Unlock()
	v.log.Infow("critical event reported",
		"event", ev.ID, "type", typ, "target", target, "reporter", reporterID)
	return ev
}

// ReportRemote tracks an event first reported on another node, keyed by its
// originating id so all peers accumulate signatures on the same record.
// Idempotent: an already tracked id returns the existing record.
func (v *Validator) ReportRemote(id string, typ dataType.EventType, target, evidence, reporterID string) *dataType.CriticalEvent {
	v.mu.Lock()
	defer v.mu.Unlock()
	if ev, ok := v.events[id]; ok {
		return ev
	}
	ev := dataType.NewCriticalEvent(id, typ, target, evidence, reporterID)
	v.events[id] = ev
	return ev
}

// Event looks up a previously reported event by id.
func (v *Validator) Event(id string) (*dataType.CriticalEvent, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ev, ok := v.events[id]
	return ev, ok
}

// Validate adds signerID's attestation and returns the event's validated
// state after the call. Adding is idempotent per signer, and a validated
// event never becomes unvalidated again.
func (v *Validator) Validate(ev *dataType.CriticalEvent, signerID string, sig []byte) bool {
	if ev.Validated() {
		return true
	}
	if v.id != nil {
		ok, err := v.id.Verify(signerID, []byte(ev.ID), sig)
		if err != nil || !ok {
			v.log.Warnw("rejecting attestation with bad signature",
				"event", ev.ID, "signer", signerID, "err", err)
			return ev.Validated()
		}
	}

	count := ev.AddSigner(signerID)
	if count < v.quorumSize {
		return ev.Validated()
	}

	ev.MarkValidated()
	metrics.EventsValidated.Inc()
	v.boostSource(ev.ReporterID)
	v.log.Infow("critical event validated by quorum",
		"event", ev.ID, "target", ev.Target, "signers", count, "quorum", v.quorumSize)
	return true
}

func (v *Validator) IsValidated(ev *dataType.CriticalEvent) bool {
	return ev.Validated()
}

func (v *Validator) boostSource(nodeID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	rep, ok := v.sources[nodeID]
	if !ok {
		rep = sourceBaseline
	}
	rep += sourceBoost
	if rep > sourceMax {
		rep = sourceMax
	}
	v.sources[nodeID] = rep
}

// PenalizeSource strictly decreases a reporter's reputation, used when one
// of its reports turns out to be a false positive. Future reports from the
// source are down-weighted by callers, never dropped.
func (v *Validator) PenalizeSource(nodeID, reason string) {
	v.mu.Lock()
	rep, ok := v.sources[nodeID]
	if !ok {
		rep = sourceBaseline
	}
	rep *= sourcePenalty
	v.sources[nodeID] = rep
	v.mu.Unlock()
	v.log.Infow("penalized event source", "node", nodeID, "reason", reason, "reputation", rep)
}

// SourceReputation returns a reporter's score, baseline when unseen.
func (v *Validator) SourceReputation(nodeID string) float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if rep, ok := v.sources[nodeID]; ok {
		return rep
	}
	return sourceBaseline
}
