// Package search implements the SEARCH/ESEARCH predicate matcher and
// the SORT/ESORT comparator, operating over wire.SearchOp/SortSpec
// trees against one message's metadata. Grounded directly on the
// teacher's imap/imapparser/search.go Matcher, completing its TODO
// cases (KEYWORD/UNKEYWORD, BODY/TEXT, SENTBEFORE/SENTON/SENTSINCE)
// and adding the sort comparator SORT (RFC 5256) needs on top.
package search

import (
	"strings"
	"time"

	"github.com/scanner/asimap/internal/wire"
)

// MatchMessage is the data a search predicate needs about one message;
// internal/mailbox.MessageInfo plus a parsed body/header accessor
// satisfies it.
type MatchMessage interface {
	SeqNum() uint32
	UID() uint32
	ModSeq() int64
	Flag(name string) bool
	Keyword(name string) bool
	Header(name string) string
	Date() time.Time
	RFC822Size() int64
	BodyText() string
}

// Matcher evaluates a parsed SearchOp tree against messages.
type Matcher struct {
	op *wire.SearchOp
}

func NewMatcher(op *wire.SearchOp) *Matcher { return &Matcher{op: op} }

func (m *Matcher) Match(msg MatchMessage) bool { return m.match(msg, m.op) }

func (m *Matcher) match(msg MatchMessage, op *wire.SearchOp) bool {
	switch op.Key {
	case "AND":
		for i := range op.Children {
			if !m.match(msg, &op.Children[i]) {
				return false
			}
		}
		return true
	case "OR":
		for i := range op.Children {
			if m.match(msg, &op.Children[i]) {
				return true
			}
		}
		return false
	case "NOT":
		if len(op.Children) != 1 {
			return false
		}
		return !m.match(msg, &op.Children[0])
	case "SEQSET":
		return SeqContains(op.Sequences, msg.SeqNum())
	case "UID":
		return SeqContains(op.Sequences, msg.UID())
	case "ALL":
		return true
	case "BEFORE":
		return dateOnly(msg.Date()).Before(op.Date)
	case "KEYWORD":
		return msg.Keyword(op.Value)
	case "UNKEYWORD":
		return !msg.Keyword(op.Value)
	case "LARGER":
		return msg.RFC822Size() > op.Num
	case "SMALLER":
		return msg.RFC822Size() < op.Num
	case "MODSEQ":
		return msg.ModSeq() >= op.Num
	case "NEW":
		return msg.Flag(`\Recent`) && !msg.Flag(`\Seen`)
	case "OLD":
		return !msg.Flag(`\Recent`)
	case "ON":
		return dateOnly(msg.Date()).Equal(op.Date)
	case "RECENT":
		return msg.Flag(`\Recent`)
	case "SEEN":
		return msg.Flag(`\Seen`)
	case "SENTBEFORE":
		return dateOnly(internalHeaderDate(msg)).Before(op.Date)
	case "SENTON":
		return dateOnly(internalHeaderDate(msg)).Equal(op.Date)
	case "SENTSINCE":
		d := dateOnly(internalHeaderDate(msg))
		return d.Equal(op.Date) || d.After(op.Date)
	case "SINCE":
		d := dateOnly(msg.Date())
		return d.Equal(op.Date) || d.After(op.Date)
	case "HEADER":
		name, value, ok := splitHeaderValue(op.Value)
		if !ok {
			return false
		}
		if value == "" {
			return msg.Header(name) != ""
		}
		return strings.Contains(strings.ToLower(msg.Header(name)), strings.ToLower(value))
	case "SUBJECT":
		return containsFold(msg.Header("Subject"), op.Value)
	case "TO":
		return containsFold(msg.Header("To"), op.Value)
	case "FROM":
		return containsFold(msg.Header("From"), op.Value)
	case "CC":
		return containsFold(msg.Header("Cc"), op.Value)
	case "BCC":
		return containsFold(msg.Header("Bcc"), op.Value)
	case "BODY":
		return containsFold(msg.BodyText(), op.Value)
	case "TEXT":
		return containsFold(msg.Header("Subject"), op.Value) ||
			containsFold(msg.Header("From"), op.Value) ||
			containsFold(msg.Header("To"), op.Value) ||
			containsFold(msg.BodyText(), op.Value)
	case "ANSWERED":
		return msg.Flag(`\Answered`)
	case "UNANSWERED":
		return !msg.Flag(`\Answered`)
	case "DELETED":
		return msg.Flag(`\Deleted`)
	case "UNDELETED":
		return !msg.Flag(`\Deleted`)
	case "DRAFT":
		return msg.Flag(`\Draft`)
	case "UNDRAFT":
		return !msg.Flag(`\Draft`)
	case "FLAGGED":
		return msg.Flag(`\Flagged`)
	case "UNFLAGGED":
		return !msg.Flag(`\Flagged`)
	case "UNSEEN":
		return !msg.Flag(`\Seen`)
	}
	return false
}

func SeqContains(sequences []wire.SeqRange, seqNum uint32) bool {
	for _, seq := range sequences {
		if seq.Min <= seqNum && (seq.Max == 0 || seq.Max >= seqNum) {
			return true
		}
	}
	return false
}

func dateOnly(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

// internalHeaderDate is the SENT* family's reference date: the
// message's own Date: header, distinct from INTERNALDATE.
func internalHeaderDate(msg MatchMessage) time.Time {
	if hd, ok := msg.(interface{ HeaderDate() time.Time }); ok {
		return hd.HeaderDate()
	}
	return msg.Date()
}

func splitHeaderValue(v string) (name, value string, ok bool) {
	i := strings.IndexByte(v, ':')
	if i < 1 {
		return "", "", false
	}
	name = v[:i]
	if i+2 <= len(v) {
		value = v[i+2:]
	}
	return name, value, true
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
