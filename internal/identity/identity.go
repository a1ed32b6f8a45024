package identity

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

// Provider is the seam to the external workload-identity system. The trust
// core only needs a way to sign local bytes and to resolve a peer id to a
// verification capability; key issuance and rotation happen out-of-band.
type Provider interface {
	NodeID() string
	Sign(data []byte) ([]byte, error)
	// Verify reports whether sig is a valid signature by peerID over data.
	// ErrUnknownPeer is returned when no key material is cached for peerID.
	Verify(peerID string, data, sig []byte) (bool, error)
}

var ErrUnknownPeer = errors.New("unknown peer")

// HMACProvider authenticates peers through a shared cluster secret,
// HMAC-SHA512 over the canonical message bytes. The peer set is fixed at
// construction; a signature from an unlisted node never verifies.
type HMACProvider struct {
	nodeID string
	secret []byte
	peers  map[string]struct{}
}

func NewHMACProvider(nodeID, secret string, peerIDs []string) *HMACProvider {
	peers := make(map[string]struct{}, len(peerIDs))
	for _, id := range peerIDs {
		peers[id] = struct{}{}
	}
	return &HMACProvider{nodeID: nodeID, secret: []byte(secret), peers: peers}
}

func (p *HMACProvider) NodeID() string { return p.nodeID }

func (p *HMACProvider) Sign(data []byte) ([]byte, error) {
	mac := hmac.New(sha512.New, p.secret)
	mac.Write(data)
	return mac.Sum(nil), nil
}

func (p *HMACProvider) Verify(peerID string, data, sig []byte) (bool, error) {
	if _, ok := p.peers[peerID]; !ok && peerID != p.nodeID {
		return false, ErrUnknownPeer
	}
	mac := hmac.New(sha512.New, p.secret)
	mac.Write(data)
	return hmac.Equal(sig, mac.Sum(nil)), nil
}

// Ed25519Provider holds this node's signing key and a cache of peer
// verification keys. Peers can be registered at any time as the identity
// plane learns about them.
type Ed25519Provider struct {
	nodeID string
	priv   ed25519.PrivateKey

	mu   sync.RWMutex
	pubs map[string]ed25519.PublicKey
}

func NewEd25519Provider(nodeID string, priv ed25519.PrivateKey) *Ed25519Provider {
	return &Ed25519Provider{
		nodeID: nodeID,
		priv:   priv,
		pubs:   map[string]ed25519.PublicKey{nodeID: priv.Public().(ed25519.PublicKey)},
	}
}

func (p *Ed25519Provider) NodeID() string { return p.nodeID }

func (p *Ed25519Provider) RegisterPeer(peerID string, pub ed25519.PublicKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pubs[peerID] = pub
}

// RegisterPeerHex registers a peer key from its hex wire form.
func (p *Ed25519Provider) RegisterPeerHex(peerID, pubHex string) error {
	raw, err := hex.DecodeString(pubHex)
	if err != nil {
		return fmt.Errorf("peer %s: bad public key: %w", peerID, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return fmt.Errorf("peer %s: bad public key length %d", peerID, len(raw))
	}
	p.RegisterPeer(peerID, ed25519.PublicKey(raw))
	return nil
}

func (p *Ed25519Provider) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(p.priv, data), nil
}

func (p *Ed25519Provider) Verify(peerID string, data, sig []byte) (bool, error) {
	p.mu.RLock()
	pub, ok := p.pubs[peerID]
	p.mu.RUnlock()
	if !ok {
		return false, ErrUnknownPeer
	}
	if len(sig) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(pub, data, sig), nil
}
