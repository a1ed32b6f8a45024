package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"mesh_aegis/internal/config"
	"mesh_aegis/internal/dataType"
	"mesh_aegis/internal/protection"
)

const gossipFanout = 3

// NodeFailurePayload is the body of a NODE_FAILURE gossip message. The
// attestation is the sender's signature over the event id.
type NodeFailurePayload struct {
	EventID     string `json:"event_id"`
	Target      string `json:"target"`
	Evidence    string `json:"evidence"`
	ReporterID  string `json:"reporter_id"`
	Attestation []byte `json:"attestation"`
}

// GossipNet moves signed trust-core messages between peers: epidemic fanout
// for fresh messages and periodic anti-entropy sync of the quarantine table.
type GossipNet struct {
	cfg  *config.MainConfig
	core *protection.Core
	log  *zap.SugaredLogger

	AntiEntropyInterval time.Duration
}

func NewGossipNet(cfg *config.MainConfig, core *protection.Core, log *zap.SugaredLogger) *GossipNet {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &GossipNet{
		cfg:                 cfg,
		core:                core,
		log:                 log,
		AntiEntropyInterval: 30 * time.Second,
	}
}

// HandleGossip receives one signed message from a peer, verifies it through
// the protection core and dispatches on type. Verification rejections return
// 403; they are normal operation under attack, not server errors.
func (g *GossipNet) HandleGossip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := r.Body.Close(); err != nil {
			g.log.Warnw("failed to close request body", "err", err)
		}
	}()

	var msg dataType.GossipMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if err := g.core.VerifyMessage(&msg); err != nil {
		g.log.Infow("rejected gossip message", "sender", msg.SenderID, "type", msg.Type, "reason", err)
		http.Error(w, "Forbidden: "+err.Error(), http.StatusForbidden)
		return
	}

	switch msg.Type {
	case dataType.MsgBeacon:
		// Verified liveness signal; nothing further to do here.
	case dataType.MsgNodeFailure:
		g.handleNodeFailure(&msg)
	case dataType.MsgSync:
		g.handleSync(&msg)
	default:
		http.Error(w, "Forbidden: unknown message type", http.StatusForbidden)
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ACK")); err != nil {
		g.log.Errorw("failed to write ACK response", "err", err)
	}
}

func (g *GossipNet) handleNodeFailure(msg *dataType.GossipMessage) {
	var payload NodeFailurePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		g.log.Warnw("dropping malformed node failure payload", "sender", msg.SenderID, "err", err)
		return
	}
	if payload.EventID == "" || payload.Target == "" {
		g.log.Warnw("dropping incomplete node failure payload", "sender", msg.SenderID)
		return
	}

	ev := g.core.Quorum.ReportRemote(payload.EventID, dataType.EventNodeFailure,
		payload.Target, payload.Evidence, payload.ReporterID)
	validated := g.core.ValidateNodeFailure(ev, msg.SenderID, payload.Attestation)
	g.log.Infow("node failure attestation received",
		"event", ev.ID, "target", ev.Target, "signer", msg.SenderID,
		"signers", ev.SignerCount(), "validated", validated)
}

func (g *GossipNet) handleSync(msg *dataType.GossipMessage) {
	var snapshot map[string]int64
	if err := json.Unmarshal(msg.Payload, &snapshot); err != nil {
		g.log.Warnw("dropping malformed sync snapshot", "sender", msg.SenderID, "err", err)
		return
	}
	merged := g.core.Shield.MergeSnapshot(snapshot, msg.SenderID)
	g.log.Infow("merged quarantine snapshot", "sender", msg.SenderID, "entries", merged)
}

// Broadcast signs a message of the given type and sends it to up to
// gossipFanout random peers.
func (g *GossipNet) Broadcast(typ dataType.MessageType, payload []byte) error {
	msg, err := g.core.Gossip.Sign(typ, payload)
	if err != nil {
		return err
	}
	peers := g.cfg.Peers
	if len(peers) == 0 {
		return nil
	}

	perm := rand.Perm(len(peers))
	count := 0
	for _, i := range perm {
		if count >= gossipFanout {
			break
		}
		go g.send(peers[i], msg)
		count++
	}
	return nil
}

// AnnounceNodeFailure reports a failure locally and gossips the claim with
// this node's attestation attached.
func (g *GossipNet) AnnounceNodeFailure(target, evidence string) (*dataType.CriticalEvent, error) {
	ev := g.core.ReportNodeFailure(target, evidence)
	attestation, err := g.core.AttestNodeFailure(ev.ID)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(NodeFailurePayload{
		EventID:     ev.ID,
		Target:      ev.Target,
		Evidence:    ev.Evidence,
		ReporterID:  ev.ReporterID,
		Attestation: attestation,
	})
	if err != nil {
		return nil, err
	}
	return ev, g.Broadcast(dataType.MsgNodeFailure, payload)
}

func (g *GossipNet) send(p config.Peer, msg *dataType.GossipMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		g.log.Errorw("failed to marshal gossip message", "err", err)
		return
	}
	url := p.Address + g.cfg.WebPath + "/gossip"

	op := func() error {
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				g.log.Warnw("failed to close response body", "peer", p.Address, "err", err)
			}
		}()
		if resp.StatusCode != http.StatusOK {
			return errors.New("peer returned status " + resp.Status)
		}
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	if err := backoff.Retry(op, policy); err != nil {
		g.log.Warnw("failed to send gossip to peer", "peer", p.Address, "err", err)
	}
}

// StartAntiEntropy periodically gossips the active quarantine table so
// peers converge even when individual messages were missed.
func (g *GossipNet) StartAntiEntropy(stopCh <-chan struct{}) {
	ticker := time.NewTicker(g.AntiEntropyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			snapshot := g.core.Shield.Snapshot()
			if len(snapshot) == 0 {
				continue
			}
			payload, err := json.Marshal(snapshot)
			if err != nil {
				g.log.Errorw("failed to marshal quarantine snapshot", "err", err)
				continue
			}
			if err := g.Broadcast(dataType.MsgSync, payload); err != nil {
				g.log.Errorw("failed to broadcast quarantine snapshot", "err", err)
			}
		case <-stopCh:
			return
		}
	}
}
