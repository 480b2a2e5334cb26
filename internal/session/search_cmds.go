package session

import (
	"context"
	"strings"

	"github.com/scanner/asimap/internal/search"
	"github.com/scanner/asimap/internal/wire"
)

// sortMessages returns every message in the selected mailbox as a
// search.SortMessage, in current sequence order.
func (s *Session) sortMessages() []search.SortMessage {
	msgs := s.selMB.Messages()
	out := make([]search.SortMessage, len(msgs))
	for i, m := range msgs {
		out[i] = newMessageView(s.selMB, m)
	}
	return out
}

func containsReturn(opts []string, name string) bool {
	for _, o := range opts {
		if strings.EqualFold(o, name) {
			return true
		}
	}
	return false
}

// cmdSearch implements SEARCH/UID SEARCH and their RETURN (ESEARCH,
// RFC 4731) and RETURN (UPDATE, CONTEXT=SEARCH, RFC 5267) options.
func (s *Session) cmdSearch(ctx context.Context, cmd *wire.Command) {
	matcher := search.NewMatcher(cmd.Search.Op)
	candidates := s.sortMessages()

	var matched []search.SortMessage
	for _, m := range candidates {
		if matcher.Match(m) {
			matched = append(matched, m)
		}
	}

	results := make([]uint32, len(matched))
	for i, m := range matched {
		if cmd.UID {
			results[i] = m.UID()
		} else {
			results[i] = m.SeqNum()
		}
	}

	if len(cmd.Search.Return) == 0 {
		s.bwMu.Lock()
		s.w.Untagged("SEARCH %s", joinNums(results))
		s.w.Flush()
		s.bwMu.Unlock()
		s.ok(cmd.Tag, "SEARCH completed")
		return
	}

	s.emitESearch(cmd, results, matcher, candidates)
}

// cmdSort implements SORT/UID SORT (RFC 5256) and its ESORT/CONTEXT=SORT
// extensions, which share ESEARCH's RETURN-option vocabulary.
func (s *Session) cmdSort(ctx context.Context, cmd *wire.Command) {
	matcher := search.NewMatcher(&cmd.Sort.Search)
	candidates := s.sortMessages()
	ordered := search.Sort(candidates, cmd.Sort.Keys)

	var matched []search.SortMessage
	for _, m := range ordered {
		if matcher.Match(m) {
			matched = append(matched, m)
		}
	}

	results := make([]uint32, len(matched))
	for i, m := range matched {
		if cmd.UID {
			results[i] = m.UID()
		} else {
			results[i] = m.SeqNum()
		}
	}

	if len(cmd.Search.Return) == 0 {
		s.bwMu.Lock()
		s.w.Untagged("SORT %s", joinNums(results))
		s.w.Flush()
		s.bwMu.Unlock()
		s.ok(cmd.Tag, "SORT completed")
		return
	}

	s.emitESearchSorted(cmd, results, matcher, ordered)
}

// emitESearch renders one ESEARCH response (RFC 4731) for a plain
// SEARCH command and, if RETURN (UPDATE) was requested, registers a
// live result set for CONTEXT=SEARCH update delivery.
func (s *Session) emitESearch(cmd *wire.Command, results []uint32, matcher *search.Matcher, candidates []search.SortMessage) {
	s.emitESearchCommon(cmd, results, matcher, candidates, "SEARCH")
}

func (s *Session) emitESearchSorted(cmd *wire.Command, results []uint32, matcher *search.Matcher, candidates []search.SortMessage) {
	s.emitESearchCommon(cmd, results, matcher, candidates, "SORT")
}

func (s *Session) emitESearchCommon(cmd *wire.Command, results []uint32, matcher *search.Matcher, candidates []search.SortMessage, cmdName string) {
	opts := cmd.Search.Return
	var parts []string
	if cmd.UID {
		parts = append(parts, "UID")
	}

	if containsReturn(opts, "MIN") && len(results) > 0 {
		parts = append(parts, "MIN", itoa(results[0]))
	}
	if containsReturn(opts, "MAX") && len(results) > 0 {
		parts = append(parts, "MAX", itoa(results[len(results)-1]))
	}
	if containsReturn(opts, "COUNT") {
		parts = append(parts, "COUNT", itoa(uint32(len(results))))
	}
	if containsReturn(opts, "ALL") && len(results) > 0 {
		parts = append(parts, "ALL", joinNums(results))
	}
	if containsReturn(opts, "PARTIAL") {
		lo, hi := int(cmd.Search.Partial.Min), int(cmd.Search.Partial.Max)
		window := partialWindow(results, lo, hi)
		parts = append(parts, "PARTIAL", partialRange(lo, hi)+":"+joinNums(window))
	}

	updateRequested := containsReturn(opts, "UPDATE")
	if updateRequested {
		// The live result set tracks UIDs; without the UID prefix,
		// results holds sequence numbers.
		initial := results
		if !cmd.UID {
			uidBySeq := make(map[uint32]uint32, len(candidates))
			for _, c := range candidates {
				uidBySeq[c.SeqNum()] = c.UID()
			}
			initial = make([]uint32, len(results))
			for i, n := range results {
				initial[i] = uidBySeq[n]
			}
		}
		if s.contexts.tryAdd(search.NewLiveResultSet(cmd.Tag, matcher, initial)) {
			parts = append(parts, "CONTEXT", string(cmd.Tag))
			s.tagsInUse[string(cmd.Tag)] = true
		} else {
			s.bwMu.Lock()
			s.w.Untagged("NO [NOUPDATE %s] too many contexts", string(cmd.Tag))
			s.w.Flush()
			s.bwMu.Unlock()
		}
	}

	s.bwMu.Lock()
	s.w.Untagged("ESEARCH (TAG %q) %s", string(cmd.Tag), strings.Join(parts, " "))
	s.w.Flush()
	s.bwMu.Unlock()
	s.ok(cmd.Tag, "%s completed", cmdName)
}

func partialWindow(results []uint32, lo, hi int) []uint32 {
	if lo < 1 {
		lo = 1
	}
	if hi > len(results) {
		hi = len(results)
	}
	if lo > hi || lo > len(results) {
		return nil
	}
	return results[lo-1 : hi]
}

func partialRange(lo, hi int) string {
	return itoa(uint32(lo)) + ":" + itoa(uint32(hi))
}

func joinNums(nums []uint32) string {
	parts := make([]string, len(nums))
	for i, n := range nums {
		parts[i] = itoa(n)
	}
	return strings.Join(parts, " ")
}

// pushContextUpdates re-evaluates every live CONTEXT=SEARCH/SORT result
// set against the mailbox's current contents and emits ADDTO/REMOVEFROM
// (RFC 5267 §3.1/3.2) for whichever sets changed. Called alongside
// deliverPendingUpdates at each command boundary.
func (s *Session) pushContextUpdates() {
	if s.selMB == nil {
		return
	}
	candidates := s.sortMessages()
	sets := s.contexts.reg.All()
	if len(sets) == 0 {
		return
	}
	s.bwMu.Lock()
	defer s.bwMu.Unlock()
	for _, lrs := range sets {
		added, removed := lrs.Update(candidates)
		if len(added) > 0 {
			s.w.Untagged("ESEARCH (TAG %q) ADDTO (1 %s)", string(lrs.Tag()), joinNums(added))
		}
		if len(removed) > 0 {
			s.w.Untagged("ESEARCH (TAG %q) REMOVEFROM (1 %s)", string(lrs.Tag()), joinNums(removed))
		}
	}
	s.w.Flush()
}
