package session

import (
	"time"

	"github.com/scanner/asimap/internal/mailbox"
	"github.com/scanner/asimap/internal/message"
)

// messageView adapts one mailbox.MessageInfo, lazily parsing its raw
// bytes, to satisfy search.MatchMessage/search.SortMessage without
// every mailbox mutation paying a parse cost it doesn't need.
type messageView struct {
	mb  *mailbox.Mailbox
	mi  *mailbox.MessageInfo
	raw []byte
	msg *message.Message
}

func newMessageView(mb *mailbox.Mailbox, mi *mailbox.MessageInfo) *messageView {
	return &messageView{mb: mb, mi: mi}
}

func (v *messageView) load() *message.Message {
	if v.msg != nil {
		return v.msg
	}
	raw, err := v.mb.ReadMessage(v.mi)
	if err != nil {
		return nil
	}
	v.raw = raw
	msg, err := message.Parse(raw)
	if err != nil {
		return nil
	}
	v.msg = msg
	return msg
}

func (v *messageView) SeqNum() uint32  { return v.mi.SeqNum }
func (v *messageView) UID() uint32     { return v.mi.UID }
func (v *messageView) ModSeq() int64   { return v.mi.ModSeq }
func (v *messageView) Flag(name string) bool {
	if name == `\Recent` {
		return v.mi.Recent
	}
	return v.mi.HasFlag(name)
}
func (v *messageView) Keyword(name string) bool { return v.mi.HasFlag(name) }
func (v *messageView) Date() time.Time          { return v.mi.InternalDate }
func (v *messageView) RFC822Size() int64        { return v.mi.Size }

func (v *messageView) HeaderDate() time.Time {
	if m := v.load(); m != nil {
		if d := m.Date(); !d.IsZero() {
			return d
		}
	}
	return v.mi.InternalDate
}

func (v *messageView) Header(name string) string {
	if m := v.load(); m != nil {
		return m.HeaderField(name)
	}
	return ""
}

func (v *messageView) BodyText() string {
	m := v.load()
	if m == nil {
		return ""
	}
	text, err := m.Section(nil, "TEXT", nil)
	if err != nil {
		return ""
	}
	return string(text)
}

func (v *messageView) SortFrom() string    { return v.firstMailbox("From") }
func (v *messageView) SortTo() string      { return v.firstMailbox("To") }
func (v *messageView) SortCc() string      { return v.firstMailbox("Cc") }
func (v *messageView) SortSubject() string { return v.Header("Subject") }

// firstMailbox returns the mailbox-name portion of the first address
// in the From, To or Cc header, or "" when there is none.
func (v *messageView) firstMailbox(field string) string {
	m := v.load()
	if m == nil {
		return ""
	}
	env := m.Envelope()
	addrs := map[string][]message.Address{"From": env.From, "To": env.To, "Cc": env.CC}[field]
	if len(addrs) == 0 {
		return ""
	}
	return addrs[0].Mailbox
}
