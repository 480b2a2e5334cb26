package search

import "sync"

// LiveResultSet tracks one CONTEXT=SEARCH/CONTEXT=SORT (RFC 5267)
// subscription: the ordered UID list a SEARCH/SORT RETURN (UPDATE)
// produced, plus enough state to emit ADDTO/REMOVEFROM deltas as the
// mailbox changes, and to serve PARTIAL range requests without
// recomputing the whole result.
type LiveResultSet struct {
	mu      sync.Mutex
	tag     []byte
	uids    []uint32
	matcher *Matcher
	sortBy  []SortMessage // present only for an ESORT context
}

func NewLiveResultSet(tag []byte, m *Matcher, initial []uint32) *LiveResultSet {
	return &LiveResultSet{tag: tag, matcher: m, uids: append([]uint32(nil), initial...)}
}

func (lrs *LiveResultSet) Tag() []byte { return lrs.tag }

// Partial returns the UIDs at 1-based positions lo..hi (inclusive) in
// the current result order, for SEARCH RETURN (PARTIAL lo:hi).
func (lrs *LiveResultSet) Partial(lo, hi int) []uint32 {
	lrs.mu.Lock()
	defer lrs.mu.Unlock()

	if lo < 1 {
		lo = 1
	}
	if hi > len(lrs.uids) {
		hi = len(lrs.uids)
	}
	if lo > hi {
		return nil
	}
	return append([]uint32(nil), lrs.uids[lo-1:hi]...)
}

// Update recomputes membership against the current mailbox and returns
// the ADDTO/REMOVEFROM deltas (RFC 5267 §3.1/3.2) needed to bring a
// subscribed client's view up to date. candidates must be in the
// mailbox's current display order (sorted, if this is an ESORT
// context).
func (lrs *LiveResultSet) Update(candidates []SortMessage) (added, removed []uint32) {
	lrs.mu.Lock()
	defer lrs.mu.Unlock()

	newUIDs := make([]uint32, 0, len(candidates))
	newSet := make(map[uint32]bool, len(candidates))
	for _, c := range candidates {
		if lrs.matcher.Match(c) {
			newUIDs = append(newUIDs, c.UID())
			newSet[c.UID()] = true
		}
	}

	oldSet := make(map[uint32]bool, len(lrs.uids))
	for _, u := range lrs.uids {
		oldSet[u] = true
	}

	for _, u := range newUIDs {
		if !oldSet[u] {
			added = append(added, u)
		}
	}
	for _, u := range lrs.uids {
		if !newSet[u] {
			removed = append(removed, u)
		}
	}

	lrs.uids = newUIDs
	return added, removed
}

// Registry holds every live result set for one mailbox, keyed by the
// command tag that created it (CANCELUPDATE removes one by tag).
type Registry struct {
	mu   sync.Mutex
	sets map[string]*LiveResultSet
}

func NewRegistry() *Registry { return &Registry{sets: map[string]*LiveResultSet{}} }

func (r *Registry) Add(lrs *LiveResultSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets[string(lrs.Tag())] = lrs
}

func (r *Registry) Remove(tag []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sets, string(tag))
}

func (r *Registry) All() []*LiveResultSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*LiveResultSet, 0, len(r.sets))
	for _, s := range r.sets {
		out = append(out, s)
	}
	return out
}
