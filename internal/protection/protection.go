// Package protection composes the signed-gossip engine, the quorum
// validator and the shield into the node-level trust surface: sign/verify a
// beacon, report and corroborate a node failure, and answer "should this
// node be trusted at all".
package protection

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mesh_aegis/internal/config"
	"mesh_aegis/internal/dataType"
	"mesh_aegis/internal/gossip"
	"mesh_aegis/internal/identity"
	"mesh_aegis/internal/quorum"
	"mesh_aegis/internal/replay"
	"mesh_aegis/internal/shield"
)

type Core struct {
	id     identity.Provider
	Gossip *gossip.Engine
	Quorum *quorum.Validator
	Shield *shield.Shield

	reputationFloor float64
	log             *zap.SugaredLogger
}

// NewCore wires the three engines together: the gossip engine uses the
// shield as its quarantine list, and quorum outcomes feed back into the
// shield through ValidateNodeFailure.
func NewCore(cfg *config.MainConfig, id identity.Provider, log *zap.SugaredLogger) (*Core, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	var nonces replay.Store
	if cfg.RedisAddr != "" {
		r, err := replay.NewRedis(cfg.RedisAddr, cfg.NonceRetentionDuration())
		if err != nil {
			return nil, fmt.Errorf("replay store: %w", err)
		}
		nonces = r
	} else {
		nonces = replay.NewMemory(cfg.NonceCacheSize)
	}

	sh := shield.New(log)

	eng := gossip.New(id, nonces, sh, gossip.Config{
		Rate:            cfg.GossipRate,
		Burst:           cfg.GossipBurst,
		ViolationLimit:  cfg.ViolationLimit,
		ViolationWindow: cfg.ViolationWindow,
		MaxAge:          cfg.NonceRetentionDuration(),
	}, log)

	qv, err := quorum.NewValidator(cfg.TotalNodes, cfg.QuorumThreshold, id, log)
	if err != nil {
		return nil, err
	}

	return &Core{
		id:              id,
		Gossip:          eng,
		Quorum:          qv,
		Shield:          sh,
		reputationFloor: cfg.ReputationFloor,
		log:             log,
	}, nil
}

func (c *Core) NodeID() string { return c.id.NodeID() }

// SignBeacon signs a liveness beacon from this node.
func (c *Core) SignBeacon(payload []byte) (*dataType.GossipMessage, error) {
	return c.Gossip.Sign(dataType.MsgBeacon, payload)
}

// VerifyMessage authenticates any inbound gossip message and converts
// verification failures into threat indicators, so that the shield sees
// replay and signature abuse as it happens.
func (c *Core) VerifyMessage(msg *dataType.GossipMessage) error {
	err := c.Gossip.Verify(msg)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gossip.ErrReplay):
		c.Shield.ReportIndicator(dataType.ThreatIndicator{
			NodeID:    msg.SenderID,
			Type:      dataType.IndicatorReplayAttack,
			Value:     1,
			Timestamp: time.Now(),
			Details:   "replayed nonce " + msg.Nonce,
		})
	case errors.Is(err, gossip.ErrInvalidSignature):
		c.Shield.ReportIndicator(dataType.ThreatIndicator{
			NodeID:    msg.SenderID,
			Type:      dataType.IndicatorCertFailure,
			Value:     1,
			Timestamp: time.Now(),
			Details:   "signature verification failed",
		})
	}
	return err
}

// VerifyBeacon rejects beacons from quarantined peers even when signature
// and nonce checks would pass.
func (c *Core) VerifyBeacon(msg *dataType.GossipMessage) error {
	if msg.Type != dataType.MsgBeacon {
		return fmt.Errorf("not a beacon: %s", msg.Type)
	}
	return c.VerifyMessage(msg)
}

// ReportNodeFailure opens a critical event claiming target has failed,
// reported by this node.
func (c *Core) ReportNodeFailure(target, evidence string) *dataType.CriticalEvent {
	return c.Quorum.Report(dataType.EventNodeFailure, target, evidence, c.id.NodeID())
}

// ValidateNodeFailure adds one peer attestation. On the transition to
// validated, the claim becomes fact and the target is quarantined.
func (c *Core) ValidateNodeFailure(ev *dataType.CriticalEvent, signerID string, sig []byte) bool {
	already := ev.Validated()
	validated := c.Quorum.Validate(ev, signerID, sig)
	if validated && !already {
		c.Shield.Quarantine(ev.Target, "node_failure_quorum", dataType.ThreatHigh)
	}
	return validated
}

// AttestNodeFailure produces this node's signature over an event id, for
// sending to the event's coordinator.
func (c *Core) AttestNodeFailure(eventID string) ([]byte, error) {
	return c.id.Sign([]byte(eventID))
}

// ShouldAcceptMessage consults both quarantine state and the reputation
// floor, unifying the two subsystems' views of known-bad nodes.
func (c *Core) ShouldAcceptMessage(nodeID string) bool {
	if c.Shield.IsQuarantined(nodeID) {
		return false
	}
	return c.Gossip.Reputation(nodeID) >= c.reputationFloor
}
