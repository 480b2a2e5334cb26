package search

import (
	"sort"
	"strings"

	"github.com/scanner/asimap/internal/wire"
)

// SortMessage is the subset of MatchMessage the SORT comparator needs,
// plus the address fields SORT keys CC/FROM/TO compare on (the
// mailbox-name portion of the first address, RFC 5256 §3).
type SortMessage interface {
	MatchMessage
	UID() uint32
	SortFrom() string
	SortTo() string
	SortCc() string
	SortSubject() string
}

// Sort orders msgs by keys, applying RFC 5256's tie-break rule: equal
// keys fall through to the next key, and a final implicit tie-break on
// ascending UID keeps the order deterministic.
func Sort(msgs []SortMessage, keys []wire.SortKey) []SortMessage {
	out := make([]SortMessage, len(msgs))
	copy(out, msgs)

	sort.SliceStable(out, func(i, j int) bool {
		for _, k := range keys {
			c := compare(out[i], out[j], k.Field)
			if k.Reverse {
				c = -c
			}
			if c != 0 {
				return c < 0
			}
		}
		return out[i].UID() < out[j].UID()
	})
	return out
}

func compare(a, b SortMessage, field wire.SortField) int {
	switch field {
	case wire.SortArrival:
		return cmpInt64(a.Date().UnixNano(), b.Date().UnixNano())
	case wire.SortDate:
		return cmpInt64(a.Date().UnixNano(), b.Date().UnixNano())
	case wire.SortSize:
		return cmpInt64(a.RFC822Size(), b.RFC822Size())
	case wire.SortFrom:
		return cmpFold(a.SortFrom(), b.SortFrom())
	case wire.SortTo:
		return cmpFold(a.SortTo(), b.SortTo())
	case wire.SortCc:
		return cmpFold(a.SortCc(), b.SortCc())
	case wire.SortSubject:
		return cmpFold(normalizeSubject(a.SortSubject()), normalizeSubject(b.SortSubject()))
	}
	return 0
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpFold(a, b string) int {
	return strings.Compare(strings.ToLower(a), strings.ToLower(b))
}

// normalizeSubject strips a single leading reply/forward marker and
// surrounding whitespace so "Re: foo" and "foo" sort together, per RFC
// 5256 §2.1's base-subject algorithm (single pass; repeated markers are
// intentionally not stripped further, matching the common-case
// implementation this corpus uses elsewhere for threading).
func normalizeSubject(s string) string {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)
	for _, prefix := range []string{"re:", "fwd:", "fw:"} {
		if strings.HasPrefix(lower, prefix) {
			return strings.TrimSpace(s[len(prefix):])
		}
	}
	return s
}
