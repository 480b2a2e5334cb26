package session

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/scanner/asimap/internal/mailbox"
	"github.com/scanner/asimap/internal/message"
	"github.com/scanner/asimap/internal/wire"
)

func (s *Session) targetsFromSequences(uid bool, seqs []wire.SeqRange) []*mailbox.MessageInfo {
	var out []*mailbox.MessageInfo
	if uid {
		for _, m := range s.selMB.Messages() {
			if rangesContain(seqs, m.UID) {
				out = append(out, m)
			}
		}
		return out
	}
	for _, m := range s.selMB.Messages() {
		if rangesContain(seqs, m.SeqNum) {
			out = append(out, m)
		}
	}
	return out
}

func rangesContain(seqs []wire.SeqRange, n uint32) bool {
	for _, r := range seqs {
		if r.Min <= n && (r.Max == 0 || n <= r.Max) {
			return true
		}
	}
	return false
}

func (s *Session) cmdFetch(ctx context.Context, cmd *wire.Command) {
	targets := s.targetsFromSequences(cmd.UID, cmd.Sequences)
	if cmd.ChangedSince > 0 {
		filtered := targets[:0]
		for _, m := range targets {
			if m.ModSeq > cmd.ChangedSince {
				filtered = append(filtered, m)
			}
		}
		targets = filtered
	}

	s.bwMu.Lock()
	for _, m := range targets {
		s.w.Untagged("%d FETCH (%s)", m.SeqNum, s.renderFetchItems(m, cmd))
	}
	s.w.Flush()
	s.bwMu.Unlock()
	s.ok(cmd.Tag, "FETCH completed")
}

// renderFetchItems builds the parenthesized list body of one FETCH
// response. Non-.PEEK BODY[] fetches implicitly set \Seen (RFC 3501
// §6.4.5), set through the mailbox's Store, which updates the live flag
// set and writes .mh_sequences at once.
func (s *Session) renderFetchItems(m *mailbox.MessageInfo, cmd *wire.Command) string {
	v := newMessageView(s.selMB, m)
	var parts []string

	for _, item := range cmd.FetchItems {
		switch item.Type {
		case wire.FetchFlags:
			parts = append(parts, fmt.Sprintf("FLAGS (%s)", strings.Join(sortedFlags(m), " ")))
		case wire.FetchUID:
			parts = append(parts, fmt.Sprintf("UID %d", m.UID))
		case wire.FetchInternalDate:
			parts = append(parts, fmt.Sprintf("INTERNALDATE %q", wire.FormatDateTime(m.InternalDate)))
		case wire.FetchRFC822Size:
			parts = append(parts, fmt.Sprintf("RFC822.SIZE %d", m.Size))
		case wire.FetchModSeq:
			parts = append(parts, fmt.Sprintf("MODSEQ (%d)", m.ModSeq))
		case wire.FetchEnvelope:
			parts = append(parts, "ENVELOPE "+renderEnvelope(v))
		case wire.FetchBodyStructure:
			parts = append(parts, "BODYSTRUCTURE "+renderBodyStructure(v))
		case wire.FetchBodyNonExt:
			m := v.load()
			if m == nil {
				parts = append(parts, "BODY NIL")
			} else if bs := m.BodyStructure(); bs == nil {
				parts = append(parts, "BODY NIL")
			} else {
				parts = append(parts, "BODY "+renderOneStructure(bs, false))
			}
		case wire.FetchRFC822Header:
			data, _ := v.load().Section(nil, "HEADER", nil)
			parts = append(parts, "RFC822.HEADER "+wire.Quote(string(data)))
		case wire.FetchRFC822Text:
			data, _ := v.load().Section(nil, "TEXT", nil)
			parts = append(parts, "RFC822.TEXT "+wire.Quote(string(data)))
			s.markSeen(m, item.Peek)
		case wire.FetchBody:
			data, err := v.load().Section(item.Section.Path, item.Section.Name, item.Section.Headers)
			if err != nil {
				data = nil
			}
			if item.Partial.Has {
				data = slicePartial(data, item.Partial.Start, item.Partial.Length)
			}
			label := renderSectionLabel(item)
			parts = append(parts, label+" "+wire.Quote(string(data)))
			if item.Section.Name != "HEADER" && item.Section.Name != "MIME" {
				s.markSeen(m, item.Peek)
			}
		}
	}
	return strings.Join(parts, " ")
}

func (s *Session) markSeen(m *mailbox.MessageInfo, peek bool) {
	if peek || m.HasFlag(`\Seen`) {
		return
	}
	s.selMB.Store(context.Background(), []*mailbox.MessageInfo{m}, wire.StoreAdd, []string{`\Seen`}, 0)
}

func renderSectionLabel(item wire.FetchItem) string {
	var b strings.Builder
	b.WriteString("BODY[")
	for i, p := range item.Section.Path {
		if i > 0 {
			b.WriteByte('.')
		}
		fmt.Fprintf(&b, "%d", p)
	}
	if item.Section.Name != "" {
		if len(item.Section.Path) > 0 {
			b.WriteByte('.')
		}
		b.WriteString(item.Section.Name)
		if len(item.Section.Headers) > 0 {
			b.WriteByte(' ')
			b.WriteByte('(')
			for i, h := range item.Section.Headers {
				if i > 0 {
					b.WriteByte(' ')
				}
				b.Write(h)
			}
			b.WriteByte(')')
		}
	}
	b.WriteByte(']')
	if item.Partial.Has {
		fmt.Fprintf(&b, "<%d>", item.Partial.Start)
	}
	return b.String()
}

func slicePartial(data []byte, start, length uint32) []byte {
	if int(start) >= len(data) {
		return nil
	}
	end := len(data)
	if length > 0 && int(start)+int(length) < end {
		end = int(start) + int(length)
	}
	return data[start:end]
}

func renderEnvelope(v *messageView) string {
	m := v.load()
	if m == nil {
		return "NIL"
	}
	e := m.Envelope()
	return fmt.Sprintf("(%s %s %s %s %s %s %s %s %s %s)",
		nilOrQuote(e.Date),
		nilOrQuote(e.Subject),
		fmtAddrList(e.From),
		fmtAddrList(e.Sender),
		fmtAddrList(e.ReplyTo),
		fmtAddrList(e.To),
		fmtAddrList(e.CC),
		fmtAddrList(e.BCC),
		nilOrQuote(e.InReplyTo),
		nilOrQuote(e.MessageID))
}

func fmtAddrList(addrs []message.Address) string {
	if len(addrs) == 0 {
		return "NIL"
	}
	var b strings.Builder
	b.WriteByte('(')
	for _, a := range addrs {
		fmt.Fprintf(&b, "(%s NIL %s %s)", nilOrQuote(a.Name), nilOrQuote(a.Mailbox), nilOrQuote(a.Host))
	}
	b.WriteByte(')')
	return b.String()
}

func nilOrQuote(s string) string {
	if s == "" {
		return "NIL"
	}
	return wire.Quote(s)
}

func renderBodyStructure(v *messageView) string {
	m := v.load()
	if m == nil {
		return "NIL"
	}
	bs := m.BodyStructure()
	if bs == nil {
		return "NIL"
	}
	return renderOneStructure(bs, true)
}

// renderOneStructure serializes one BODYSTRUCTURE node recursively.
// extensible controls whether extension fields (MD5, disposition,
// language, location) are appended: BODYSTRUCTURE always includes
// them, while the bare BODY fetch attribute's non-extensible form
// (RFC 3501 §6.4.5) omits them.
func renderOneStructure(bs *message.BodyStructure, extensible bool) string {
	if strings.EqualFold(bs.MIMEType, "multipart") {
		var b strings.Builder
		b.WriteByte('(')
		for _, c := range bs.Children {
			b.WriteString(renderOneStructure(c, extensible))
		}
		fmt.Fprintf(&b, " %s", nilOrQuote(bs.MultipartBy))
		if extensible {
			b.WriteString(renderExtension(bs))
		}
		b.WriteByte(')')
		return b.String()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "(%s %s %s %s %s %s %d",
		nilOrQuote(bs.MIMEType), nilOrQuote(bs.MIMESubtype),
		renderParams(bs.Params), nilOrQuote(bs.ID), nilOrQuote(bs.Description),
		nilOrQuote(orDefault(bs.Encoding, "7BIT")), bs.Size)

	if strings.EqualFold(bs.MIMEType, "message") && strings.EqualFold(bs.MIMESubtype, "rfc822") {
		env := "NIL"
		if bs.Envelope != nil {
			env = fmt.Sprintf("(%s %s NIL NIL NIL NIL NIL NIL %s %s)",
				nilOrQuote(bs.Envelope.Date), nilOrQuote(bs.Envelope.Subject),
				nilOrQuote(bs.Envelope.InReplyTo), nilOrQuote(bs.Envelope.MessageID))
		}
		inner := "NIL"
		if bs.InnerBodyStructure != nil {
			inner = renderOneStructure(bs.InnerBodyStructure, extensible)
		}
		fmt.Fprintf(&b, " %s %s %d", env, inner, bs.Lines)
	} else if strings.EqualFold(bs.MIMEType, "text") {
		fmt.Fprintf(&b, " %d", bs.Lines)
	}

	if extensible {
		b.WriteString(renderExtension(bs))
	}
	b.WriteByte(')')
	return b.String()
}

func renderExtension(bs *message.BodyStructure) string {
	disp := "NIL"
	if bs.Disposition != "" {
		disp = fmt.Sprintf("(%s %s)", nilOrQuote(bs.Disposition), renderParams(bs.DispParams))
	}
	return fmt.Sprintf(" %s %s %s %s", nilOrQuote(bs.MD5), disp, nilOrQuote(bs.Language), nilOrQuote(bs.Location))
}

func renderParams(params map[string]string) string {
	if len(params) == 0 {
		return "NIL"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('(')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s %s", wire.Quote(k), wire.Quote(params[k]))
	}
	b.WriteByte(')')
	return b.String()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
