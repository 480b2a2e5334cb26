package session

import (
	"sync"

	"github.com/scanner/asimap/internal/search"
)

// MaxContextsPerSession bounds how many live CONTEXT result sets one
// session may hold open at once (spec.md §4.4); beyond this, SEARCH
// RETURN (UPDATE) replies NOUPDATE instead of registering a context.
const MaxContextsPerSession = 8

type liveContexts struct {
	mu  sync.Mutex
	reg *search.Registry
	n   int
}

func newLiveContexts() *liveContexts {
	return &liveContexts{reg: search.NewRegistry()}
}

func (lc *liveContexts) tryAdd(lrs *search.LiveResultSet) bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.n >= MaxContextsPerSession {
		return false
	}
	lc.reg.Add(lrs)
	lc.n++
	return true
}

func (lc *liveContexts) remove(tag string) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.reg.Remove([]byte(tag))
	if lc.n > 0 {
		lc.n--
	}
}

func (lc *liveContexts) clear() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	for _, s := range lc.reg.All() {
		lc.reg.Remove(s.Tag())
	}
	lc.n = 0
}
