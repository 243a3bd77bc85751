package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/golang/groupcache/lru"
)

// minNonceCapacity is the floor for the nonce working set. Sized well above
// any realistic number of in-flight requests so legitimate clients never see
// their nonce evicted before use.
const minNonceCapacity = 8192

// NonceStore issues single-use anti-replay tokens and consumes them.
// Outstanding nonces form a bounded LRU working set; the oldest unused
// nonces are evicted when the capacity is exceeded. It is safe for
// concurrent use and is the only mutable in-process state shared across
// requests.
//
// See https://tools.ietf.org/html/rfc8555#section-6.5
type NonceStore struct {
	mu    sync.Mutex
	cache *lru.Cache
}

// NewNonceStore builds a NonceStore holding at most capacity outstanding
// nonces. Capacities below the floor are raised to it.
func NewNonceStore(capacity int) *NonceStore {
	if capacity < minNonceCapacity {
		capacity = minNonceCapacity
	}
	return &NonceStore{
		cache: lru.New(capacity),
	}
}

// Issue returns a fresh nonce: 32 lowercase hex characters encoding 16
// random bytes.
func (n *NonceStore) Issue() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	nonce := hex.EncodeToString(raw)

	n.mu.Lock()
	n.cache.Add(nonce, struct{}{})
	n.mu.Unlock()
	return nonce, nil
}

// Consume removes the nonce from the working set, reporting whether it was
// outstanding. A consumed nonce is never accepted again.
func (n *NonceStore) Consume(nonce string) bool {
	if nonce == "" {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.cache.Get(nonce); !ok {
		return false
	}
	n.cache.Remove(nonce)
	return true
}
