package ledger

import (
	"sync"

	"github.com/rbansal42/mailer-sub003/internal/models"
)

// CircuitCache is the in-process view of circuit state, keyed by account id.
// The Ledger writes through to the store on every change.
type CircuitCache struct {
	mu     sync.RWMutex
	states map[string]models.CircuitState
}

func NewCircuitCache() *CircuitCache {
	return &CircuitCache{states: make(map[string]models.CircuitState)}
}

func (c *CircuitCache) Get(accountID string) (models.CircuitState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.states[accountID]
	return st, ok
}

func (c *CircuitCache) Set(accountID string, st models.CircuitState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[accountID] = st
}

// Open lists the cached accounts flagged open. Expiry is not checked here.
func (c *CircuitCache) Open() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ids []string
	for id, st := range c.states {
		if st.IsOpen {
			ids = append(ids, id)
		}
	}
	return ids
}
