package dataType

import (
	"encoding/binary"
	"sync"
	"time"
)

type MessageType string

const (
	MsgBeacon      MessageType = "BEACON"
	MsgNodeFailure MessageType = "NODE_FAILURE"
	MsgSync        MessageType = "SYNC"
)

// GossipMessage is a signed control-plane datagram. It is immutable once
// signed; the signature covers SigningBytes().
type GossipMessage struct {
	SenderID  string      `json:"sender_id"`
	Type      MessageType `json:"type"`
	Payload   []byte      `json:"payload"`
	Nonce     string      `json:"nonce"`
	Timestamp int64       `json:"timestamp"`
	Signature []byte      `json:"signature"`
}

// SigningBytes returns the canonical byte sequence covered by the signature.
// Every variable-length field is length-prefixed so that no two distinct
// messages can produce the same byte sequence.
func (m *GossipMessage) SigningBytes() []byte {
	fields := [][]byte{
		[]byte(m.SenderID),
		[]byte(m.Type),
		m.Payload,
		[]byte(m.Nonce),
	}
	size := 8
	for _, f := range fields {
		size += 4 + len(f)
	}
	buf := make([]byte, 0, size)
	for _, f := range fields {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(f)))
		buf = append(buf, l[:]...)
		buf = append(buf, f...)
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(m.Timestamp))
	buf = append(buf, ts[:]...)
	return buf
}

type IndicatorType string

const (
	IndicatorAnomalyScore IndicatorType = "anomaly_score"
	IndicatorReplayAttack IndicatorType = "replay_attack"
	IndicatorCertFailure  IndicatorType = "cert_failure"
	IndicatorBehavior     IndicatorType = "behavior"
)

// ThreatIndicator is a single observation about a node, raised by any
// detector. Indicators are append-only and consumed in rolling windows.
type ThreatIndicator struct {
	NodeID    string        `json:"node_id"`
	Type      IndicatorType `json:"type"`
	Value     float64       `json:"value"`
	Timestamp time.Time     `json:"timestamp"`
	Details   string        `json:"details"`
}

type ThreatLevel int

const (
	ThreatNone ThreatLevel = iota
	ThreatLow
	ThreatMedium
	ThreatHigh
	ThreatCritical
)

func (l ThreatLevel) String() string {
	switch l {
	case ThreatLow:
		return "LOW"
	case ThreatMedium:
		return "MEDIUM"
	case ThreatHigh:
		return "HIGH"
	case ThreatCritical:
		return "CRITICAL"
	default:
		return "NONE"
	}
}

type ReleaseReason string

const (
	ReleaseInvestigationComplete ReleaseReason = "investigation_complete"
	ReleaseFalsePositive         ReleaseReason = "false_positive"
	ReleaseExpired               ReleaseReason = "expired"
)

// QuarantineRecord is the audit record for one isolation decision. ExpiresAt
// is nil for indefinite (CRITICAL) quarantines; ReleasedAt is set when the
// node leaves the active table.
type QuarantineRecord struct {
	NodeID         string            `json:"node_id"`
	Reason         string            `json:"reason"`
	Level          ThreatLevel       `json:"threat_level"`
	QuarantinedAt  time.Time         `json:"quarantined_at"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
	ReleasedAt     *time.Time        `json:"released_at,omitempty"`
	ReleasedReason ReleaseReason     `json:"released_reason,omitempty"`
	Indicators     []ThreatIndicator `json:"indicators,omitempty"`
}

type EventType string

const (
	EventNodeFailure EventType = "NODE_FAILURE"
	EventMisbehavior EventType = "MISBEHAVIOR"
)

// CriticalEvent is a claim that needs quorum agreement before it is treated
// as fact. Signers accumulate over an unbounded period; once validated the
// flag never goes back.
type CriticalEvent struct {
	mu         sync.Mutex
	ID         string
	Type       EventType
	Target     string
	Evidence   string
	ReporterID string
	CreatedAt  time.Time

	signers   map[string]struct{}
	validated bool
}

func NewCriticalEvent(id string, typ EventType, target, evidence, reporterID string) *CriticalEvent {
	return &CriticalEvent{
		ID:         id,
		Type:       typ,
		Target:     target,
		Evidence:   evidence,
		ReporterID: reporterID,
		CreatedAt:  time.Now(),
		signers:    make(map[string]struct{}),
	}
}

// AddSigner records an attestation and returns the distinct signer count.
// Re-signing by the same node does not count twice.
func (e *CriticalEvent) AddSigner(nodeID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signers[nodeID] = struct{}{}
	return len(e.signers)
}

func (e *CriticalEvent) HasSigner(nodeID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.signers[nodeID]
	return ok
}

func (e *CriticalEvent) SignerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.signers)
}

// MarkValidated flips the event to validated. The transition is one-way.
func (e *CriticalEvent) MarkValidated() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.validated = true
}

func (e *CriticalEvent) Validated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.validated
}
