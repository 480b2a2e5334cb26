package dispatcher

import (
	"sync"
	"time"

	"github.com/scanner/asimap/internal/metrics"
)

// throttle rate-limits failed authentication attempts per remote
// address (spec.md §4.6: 3 failures per 90-second window). Grounded on
// the teacher's util/throttle.Throttle, with the delay/window/buffer
// constants replaced by the 90s/3-failure policy this spec requires.
type throttle struct {
	mu       sync.Mutex
	attempts map[string]throttleState
	cleaned  time.Time
}

type throttleState struct {
	last     time.Time
	failures int
}

const (
	throttleWindow = 90 * time.Second
	throttleLimit  = 3
)

// Allowed reports whether val (typically a remote IP) may attempt
// authentication right now.
func (t *throttle) Allowed(val string) bool {
	now := timeNow()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.attempts == nil {
		t.attempts = make(map[string]throttleState)
	}
	if now.Sub(t.cleaned) > throttleWindow {
		for key, st := range t.attempts {
			if now.Sub(st.last) > throttleWindow {
				delete(t.attempts, key)
			}
		}
		t.cleaned = now
	}
	st := t.attempts[val]
	if st.failures >= throttleLimit && now.Sub(st.last) < throttleWindow {
		metrics.AuthThrottled.Inc()
		return false
	}
	return true
}

// Fail records a failed authentication attempt for val.
func (t *throttle) Fail(val string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.attempts == nil {
		t.attempts = make(map[string]throttleState)
	}
	st := t.attempts[val]
	st.last = timeNow()
	st.failures++
	t.attempts[val] = st
}

// Reset clears val's failure count after a successful authentication.
func (t *throttle) Reset(val string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attempts, val)
}

var timeNow = time.Now
