package search

import (
	"testing"
	"time"

	"github.com/scanner/asimap/internal/wire"
)

// fakeMessage is a minimal MatchMessage/SortMessage used to exercise
// the predicate matcher and sort comparator without a real mailbox.
type fakeMessage struct {
	seqNum     uint32
	uid        uint32
	modSeq     int64
	flags      map[string]bool
	keywords   map[string]bool
	headers    map[string]string
	date       time.Time
	rfc822Size int64
	bodyText   string
}

func (m *fakeMessage) SeqNum() uint32         { return m.seqNum }
func (m *fakeMessage) UID() uint32            { return m.uid }
func (m *fakeMessage) ModSeq() int64          { return m.modSeq }
func (m *fakeMessage) Flag(name string) bool  { return m.flags[name] }
func (m *fakeMessage) Keyword(n string) bool  { return m.keywords[n] }
func (m *fakeMessage) Header(name string) string { return m.headers[name] }
func (m *fakeMessage) Date() time.Time        { return m.date }
func (m *fakeMessage) RFC822Size() int64      { return m.rfc822Size }
func (m *fakeMessage) BodyText() string       { return m.bodyText }
func (m *fakeMessage) SortFrom() string       { return m.headers["From"] }
func (m *fakeMessage) SortTo() string         { return m.headers["To"] }
func (m *fakeMessage) SortCc() string         { return m.headers["Cc"] }
func (m *fakeMessage) SortSubject() string    { return m.headers["Subject"] }

func newFakeMessage() *fakeMessage {
	return &fakeMessage{
		flags:    map[string]bool{},
		keywords: map[string]bool{},
		headers:  map[string]string{},
		date:     time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
	}
}

// TestMatchSeenAnsweredFlaggedDeleted covers spec.md §8's requirement
// that SEARCH SEEN/ANSWERED/FLAGGED/DELETED track the corrected
// MH-sequence-derived flags, not raw MH sequence names.
func TestMatchSeenAnsweredFlaggedDeleted(t *testing.T) {
	msg := newFakeMessage()
	msg.flags[`\Seen`] = true
	msg.flags[`\Answered`] = true
	msg.flags[`\Flagged`] = true
	msg.flags[`\Deleted`] = true

	for _, key := range []wire.SearchKey{"SEEN", "ANSWERED", "FLAGGED", "DELETED"} {
		m := NewMatcher(&wire.SearchOp{Key: key})
		if !m.Match(msg) {
			t.Errorf("expected %s to match", key)
		}
	}
	for _, key := range []wire.SearchKey{"UNSEEN", "UNANSWERED", "UNFLAGGED", "UNDELETED"} {
		m := NewMatcher(&wire.SearchOp{Key: key})
		if m.Match(msg) {
			t.Errorf("expected %s not to match a message with all flags set", key)
		}
	}
}

func TestMatchUnseenIsDefaultForNewMessage(t *testing.T) {
	msg := newFakeMessage() // no flags: mirrors a freshly delivered, un-\Seen message
	m := NewMatcher(&wire.SearchOp{Key: "UNSEEN"})
	if !m.Match(msg) {
		t.Fatal("expected UNSEEN to match a message with no \\Seen flag")
	}
	m = NewMatcher(&wire.SearchOp{Key: "SEEN"})
	if m.Match(msg) {
		t.Fatal("expected SEEN not to match a message with no \\Seen flag")
	}
}

func TestMatchAndOrNot(t *testing.T) {
	msg := newFakeMessage()
	msg.flags[`\Flagged`] = true

	and := NewMatcher(&wire.SearchOp{Key: "AND", Children: []wire.SearchOp{
		{Key: "FLAGGED"}, {Key: "DELETED"},
	}})
	if and.Match(msg) {
		t.Fatal("expected AND(FLAGGED, DELETED) to fail when only FLAGGED is true")
	}

	or := NewMatcher(&wire.SearchOp{Key: "OR", Children: []wire.SearchOp{
		{Key: "FLAGGED"}, {Key: "DELETED"},
	}})
	if !or.Match(msg) {
		t.Fatal("expected OR(FLAGGED, DELETED) to match")
	}

	not := NewMatcher(&wire.SearchOp{Key: "NOT", Children: []wire.SearchOp{
		{Key: "DELETED"},
	}})
	if !not.Match(msg) {
		t.Fatal("expected NOT(DELETED) to match an undeleted message")
	}
}

func TestMatchHeaderFields(t *testing.T) {
	msg := newFakeMessage()
	msg.headers["Subject"] = "Re: Quarterly Report"
	msg.headers["From"] = "alice@example.com"

	if !NewMatcher(&wire.SearchOp{Key: "SUBJECT", Value: "quarterly"}).Match(msg) {
		t.Fatal("expected case-insensitive SUBJECT substring match")
	}
	if !NewMatcher(&wire.SearchOp{Key: "FROM", Value: "alice"}).Match(msg) {
		t.Fatal("expected FROM substring match")
	}
	if NewMatcher(&wire.SearchOp{Key: "FROM", Value: "bob"}).Match(msg) {
		t.Fatal("expected no match for an absent substring")
	}
}

func TestMatchSeqSetAndUID(t *testing.T) {
	msg := newFakeMessage()
	msg.seqNum = 5
	msg.uid = 42

	seqs := []wire.SeqRange{{Min: 1, Max: 10}}
	if !NewMatcher(&wire.SearchOp{Key: "SEQSET", Sequences: seqs}).Match(msg) {
		t.Fatal("expected seq 5 to be within 1:10")
	}
	uids := []wire.SeqRange{{Min: 42, Max: 42}}
	if !NewMatcher(&wire.SearchOp{Key: "UID", Sequences: uids}).Match(msg) {
		t.Fatal("expected UID 42 to match")
	}
	if NewMatcher(&wire.SearchOp{Key: "UID", Sequences: []wire.SeqRange{{Min: 1, Max: 2}}}).Match(msg) {
		t.Fatal("expected UID 42 not to match 1:2")
	}
}

func TestSeqContainsOpenEndedRange(t *testing.T) {
	seqs := []wire.SeqRange{{Min: 5, Max: 0}}
	if !SeqContains(seqs, 5) || !SeqContains(seqs, 1000) {
		t.Fatal("expected an open-ended range 5:* to contain 5 and any larger number")
	}
	if SeqContains(seqs, 4) {
		t.Fatal("expected 5:* not to contain 4")
	}
}

func TestSortByDateAscending(t *testing.T) {
	a := newFakeMessage()
	a.uid = 1
	a.date = time.Date(2024, time.January, 2, 0, 0, 0, 0, time.UTC)
	b := newFakeMessage()
	b.uid = 2
	b.date = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

	out := Sort([]SortMessage{a, b}, []wire.SortKey{{Field: wire.SortDate}})
	if out[0].UID() != 2 || out[1].UID() != 1 {
		t.Fatalf("expected ascending date order (uid 2, uid 1), got (%d, %d)", out[0].UID(), out[1].UID())
	}
}

func TestSortSizeTieBreaksByUID(t *testing.T) {
	a := newFakeMessage()
	a.uid = 3
	a.rfc822Size = 100
	b := newFakeMessage()
	b.uid = 1
	b.rfc822Size = 100

	out := Sort([]SortMessage{a, b}, []wire.SortKey{{Field: wire.SortSize}})
	if out[0].UID() != 1 || out[1].UID() != 3 {
		t.Fatalf("expected equal-size tie-break by ascending UID, got (%d, %d)", out[0].UID(), out[1].UID())
	}
}

func TestSortSubjectNormalization(t *testing.T) {
	a := newFakeMessage()
	a.uid = 1
	a.headers["Subject"] = "Re: Budget"
	b := newFakeMessage()
	b.uid = 2
	b.headers["Subject"] = "Budget"

	out := Sort([]SortMessage{a, b}, []wire.SortKey{{Field: wire.SortSubject}})
	if out[0].UID() != 1 || out[1].UID() != 2 {
		t.Fatalf("expected \"Re: Budget\" and \"Budget\" to sort as equal (UID tiebreak 1,2), got (%d, %d)", out[0].UID(), out[1].UID())
	}
}
