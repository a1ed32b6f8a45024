package gossip

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mesh_aegis/internal/dataType"
	"mesh_aegis/internal/identity"
	"mesh_aegis/internal/metrics"
	"mesh_aegis/internal/replay"
)

// Verification rejections. All are recovered locally; none of them aborts
// the caller. Each maps one-to-one onto a violation kind for metrics.
var (
	ErrInvalidSignature  = errors.New("invalid_signature")
	ErrReplay            = errors.New("replay")
	ErrSenderQuarantined = errors.New("quarantined")
	ErrRateLimited       = errors.New("rate_limited")
	ErrUnknownSender     = errors.New("unknown_sender")
)

// Future-dated messages beyond this skew are rejected as replays: their
// nonce could outlive the retention window.
const maxClockSkew = 2 * time.Minute

const (
	reputationBaseline = 1.0
	reputationMax      = 1.0
	// Penalty is deliberately much larger than a single recovery step, so
	// one violation takes many valid messages to earn back.
	reputationPenalty  = 0.8
	reputationRecovery = 1.02
	reputationDrift    = 1.001
)

// QuarantineList is the engine's view of which peers are isolated. The
// shield engine satisfies it in production; a standalone engine falls back
// to a local expiring list.
type QuarantineList interface {
	Quarantine(nodeID, reason string, level dataType.ThreatLevel) *dataType.QuarantineRecord
	IsQuarantined(nodeID string) bool
}

type Config struct {
	// Rate and Burst parameterize the per-sender token bucket.
	Rate  float64
	Burst int
	// ViolationLimit violations within ViolationWindow seconds quarantine
	// the sender automatically.
	ViolationLimit  int64
	ViolationWindow int64
	// MaxAge bounds how old a message timestamp may be; it must not exceed
	// the nonce retention window.
	MaxAge time.Duration
}

func DefaultConfig() Config {
	return Config{
		Rate:            10,
		Burst:           20,
		ViolationLimit:  20,
		ViolationWindow: 300,
		MaxAge:          10 * time.Minute,
	}
}

type peerState struct {
	mu             sync.Mutex
	reputation     float64
	violationCount int64
	limiter        *rate.Limiter
}

// Engine signs outbound control messages and authenticates inbound ones,
// tracking trust per peer. All side effects stay in the local peer table;
// transport is the caller's concern.
type Engine struct {
	id         identity.Provider
	nonces     replay.Store
	quarantine QuarantineList
	cfg        Config

	mu    sync.RWMutex
	peers map[string]*peerState

	violations *dataType.WindowCounter
	log        *zap.SugaredLogger
}

// New builds an engine. quarantine may be nil, in which case the engine
// keeps its own local quarantine list.
func New(id identity.Provider, nonces replay.Store, quarantine QuarantineList, cfg Config, log *zap.SugaredLogger) *Engine {
	if quarantine == nil {
		quarantine = newLocalList()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{
		id:         id,
		nonces:     nonces,
		quarantine: quarantine,
		cfg:        cfg,
		peers:      make(map[string]*peerState),
		violations: dataType.NewWindowCounter(16, cfg.ViolationWindow),
		log:        log,
	}
}

func (e *Engine) peer(nodeID string) *peerState {
	e.mu.RLock()
	p, ok := e.peers[nodeID]
	e.mu.RUnlock()
	if ok {
		return p
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok = e.peers[nodeID]; ok {
		return p
	}
	p = &peerState{
		reputation: reputationBaseline,
		limiter:    rate.NewLimiter(rate.Limit(e.cfg.Rate), e.cfg.Burst),
	}
	e.peers[nodeID] = p
	return p
}

// Sign builds and signs a message from this node. The nonce is globally
// unique and the timestamp is attached before signing, so the signature
// covers both.
func (e *Engine) Sign(typ dataType.MessageType, payload []byte) (*dataType.GossipMessage, error) {
	msg := &dataType.GossipMessage{
		SenderID:  e.id.NodeID(),
		Type:      typ,
		Payload:   payload,
		Nonce:     uuid.NewString(),
		Timestamp: time.Now().Unix(),
	}
	sig, err := e.id.Sign(msg.SigningBytes())
	if err != nil {
		return nil, err
	}
	msg.Signature = sig
	return msg, nil
}

// Verify authenticates an inbound message. Checks run in a fixed order:
// signature, replay, sender quarantine, rate limit. Any failure penalizes
// the sender except unknown_sender, where fault cannot be attributed.
func (e *Engine) Verify(msg *dataType.GossipMessage) error {
	sender := msg.SenderID
	p := e.peer(sender)

	ok, err := e.id.Verify(sender, msg.SigningBytes(), msg.Signature)
	if errors.Is(err, identity.ErrUnknownPeer) {
		metrics.MessagesVerified.WithLabelValues("unknown_sender").Inc()
		return ErrUnknownSender
	}
	if err != nil || !ok {
		e.violation(sender, p, ErrInvalidSignature)
		return ErrInvalidSignature
	}

	// A timestamp outside the retention window cannot be checked against
	// nonce history any more, so it counts as a replay.
	now := time.Now()
	msgTime := time.Unix(msg.Timestamp, 0)
	if now.Sub(msgTime) > e.cfg.MaxAge || msgTime.Sub(now) > maxClockSkew {
		e.violation(sender, p, ErrReplay)
		return ErrReplay
	}
	if e.nonces.Seen(sender, msg.Nonce) {
		e.violation(sender, p, ErrReplay)
		return ErrReplay
	}

	if e.quarantine.IsQuarantined(sender) {
		e.violation(sender, p, ErrSenderQuarantined)
		return ErrSenderQuarantined
	}

	if !p.limiter.Allow() {
		e.violation(sender, p, ErrRateLimited)
		return ErrRateLimited
	}

	p.mu.Lock()
	p.reputation *= reputationRecovery
	if p.reputation > reputationMax {
		p.reputation = reputationMax
	}
	p.mu.Unlock()
	metrics.MessagesVerified.WithLabelValues("ok").Inc()
	return nil
}

func (e *Engine) violation(sender string, p *peerState, cause error) {
	p.mu.Lock()
	p.reputation *= reputationPenalty
	p.violationCount++
	count := p.violationCount
	p.mu.Unlock()

	metrics.MessagesVerified.WithLabelValues(cause.Error()).Inc()
	metrics.Violations.WithLabelValues(cause.Error()).Inc()

	e.violations.Add(sender, 1)
	windowed := e.violations.Query(sender, e.cfg.ViolationWindow)
	if windowed >= e.cfg.ViolationLimit && !e.quarantine.IsQuarantined(sender) {
		e.log.Warnw("auto-quarantining peer after repeated violations",
			"peer", sender, "violations", windowed, "total", count, "cause", cause.Error())
		e.quarantine.Quarantine(sender, "repeated_violations", dataType.ThreatHigh)
	}
}

// Reputation returns the current trust score for a peer, baseline for peers
// never seen.
func (e *Engine) Reputation(nodeID string) float64 {
	e.mu.RLock()
	p, ok := e.peers[nodeID]
	e.mu.RUnlock()
	if !ok {
		return reputationBaseline
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reputation
}

// ViolationCount returns the lifetime violation count for a peer.
func (e *Engine) ViolationCount(nodeID string) int64 {
	e.mu.RLock()
	p, ok := e.peers[nodeID]
	e.mu.RUnlock()
	if !ok {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.violationCount
}

func (e *Engine) IsQuarantined(nodeID string) bool {
	return e.quarantine.IsQuarantined(nodeID)
}

// StartReputationDrift slowly pulls every tracked peer back toward the
// baseline, so an old violation does not depress a now well-behaved peer
// forever.
func (e *Engine) StartReputationDrift(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.mu.RLock()
			peers := make([]*peerState, 0, len(e.peers))
			for _, p := range e.peers {
				peers = append(peers, p)
			}
			e.mu.RUnlock()
			for _, p := range peers {
				p.mu.Lock()
				p.reputation *= reputationDrift
				if p.reputation > reputationMax {
					p.reputation = reputationMax
				}
				p.mu.Unlock()
			}
		case <-stopCh:
			return
		}
	}
}
