package advisor

import (
	"errors"
	"fmt"
	"sync"
)

// ErrTurnInProgress is returned when a second turn is started on a thread
// that already has one in flight. Callers retry after the first completes.
var ErrTurnInProgress = errors.New("turn already in progress for thread")

// turnGuard serializes turns per thread without blocking unrelated threads.
type turnGuard struct {
	mu       sync.Mutex
	inFlight map[string]struct{}
}

func newTurnGuard() *turnGuard {
	return &turnGuard{inFlight: make(map[string]struct{})}
}

func turnKey(accountID int64, threadID string) string {
	return fmt.Sprintf("%d/%s", accountID, threadID)
}

// acquire reserves the thread for one turn. The caller must release with the
// same key exactly once.
func (g *turnGuard) acquire(key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.inFlight[key]; ok {
		return ErrTurnInProgress
	}
	g.inFlight[key] = struct{}{}
	return nil
}

func (g *turnGuard) release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, key)
}
