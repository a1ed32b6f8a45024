package replay

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Memory keeps a bounded LRU of recent nonces per sender. The bound is the
// retention policy: once a nonce falls out of the LRU the corresponding
// message is too old to be accepted anyway (callers also enforce a timestamp
// age window).
type Memory struct {
	mu      sync.Mutex
	senders map[string]*senderNonces
	size    int
}

type senderNonces struct {
	mu    sync.Mutex
	cache *lru.Cache[string, struct{}]
}

func NewMemory(perSenderSize int) *Memory {
	if perSenderSize <= 0 {
		perSenderSize = 4096
	}
	return &Memory{
		senders: make(map[string]*senderNonces),
		size:    perSenderSize,
	}
}

func (m *Memory) Seen(sender, nonce string) bool {
	m.mu.Lock()
	s, ok := m.senders[sender]
	if !ok {
		cache, _ := lru.New[string, struct{}](m.size)
		s = &senderNonces{cache: cache}
		m.senders[sender] = s
	}
	m.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache.Contains(nonce) {
		return true
	}
	s.cache.Add(nonce, struct{}{})
	return false
}

// Forget drops all nonce history for a sender. Used when a peer is removed
// from the mesh entirely.
func (m *Memory) Forget(sender string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.senders, sender)
}
