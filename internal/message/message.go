// Package message parses MH message bytes into the structures the IMAP
// FETCH evaluator needs: ENVELOPE, BODYSTRUCTURE, and individual
// section bodies. It is built on github.com/emersion/go-message, which
// already implements RFC 2045/2047/2183 MIME parsing including
// encoded-word decoding; this package adapts that parse tree into the
// IMAP-shaped structures spec.md §4.4 names.
package message

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"mime"
	"strconv"
	"strings"
	"time"

	emmsg "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset" // registers non-UTF-8 charsets with go-message's decoder
)

// Message is a parsed RFC 822 / MIME message, built once from the raw
// bytes on disk (or the APPEND literal) and reused across FETCH items
// within one command.
type Message struct {
	raw  []byte
	root *emmsg.Entity
	size int64
}

// Parse reads raw into a Message. raw is retained (not copied) because
// FETCH BODY[]<partial> needs random access to the original octets for
// an exact round trip with what was stored.
func Parse(raw []byte) (*Message, error) {
	ent, err := emmsg.Read(bytes.NewReader(raw))
	if err != nil && ent == nil {
		return nil, fmt.Errorf("message: parse: %w", err)
	}
	return &Message{raw: raw, root: ent, size: int64(len(raw))}, nil
}

func (m *Message) Size() int64 { return m.size }

// Raw returns the exact bytes the message was parsed from.
func (m *Message) Raw() []byte { return m.raw }

// HeaderField returns the decoded (unfolded, encoded-word decoded)
// value of the first occurrence of field, or "" if absent.
func (m *Message) HeaderField(field string) string {
	if m.root == nil {
		return ""
	}
	v, _ := m.root.Header.Text(field)
	return v
}

// HeaderFieldRaw returns the raw (un-decoded) value of the first
// occurrence of field, and whether the field is present at all.
func (m *Message) HeaderFieldRaw(field string) (string, bool) {
	if m.root == nil {
		return "", false
	}
	return m.root.Header.Get(field), m.root.Header.Has(field)
}

// Date returns the message's Date: header, falling back to the zero
// time when absent or unparseable (callers fall back to INTERNALDATE).
func (m *Message) Date() time.Time {
	if m.root == nil {
		return time.Time{}
	}
	t, err := m.root.Header.Date()
	if err != nil {
		return time.Time{}
	}
	return t
}

// Envelope is the RFC 3501 ENVELOPE structure.
type Envelope struct {
	Date      string
	Subject   string
	From      []Address
	Sender    []Address
	ReplyTo   []Address
	To        []Address
	CC        []Address
	BCC       []Address
	InReplyTo string
	MessageID string
}

type Address struct {
	Name    string
	Mailbox string
	Host    string
}

// Envelope builds the ENVELOPE structure for this message. Per
// spec.md §4.4, an address list falls back to the From: header when
// Sender/ReplyTo are absent (RFC 3501 §2.3.5).
func (m *Message) Envelope() Envelope {
	var env Envelope
	if m.root == nil {
		return env
	}
	h := m.root.Header
	if raw, err := h.Text("Date"); err == nil {
		env.Date = raw
	}
	if raw, err := h.Text("Subject"); err == nil {
		env.Subject = raw
	}
	env.From = parseAddressList(rawField(h, "From"))
	env.Sender = parseAddressList(rawField(h, "Sender"))
	if len(env.Sender) == 0 {
		env.Sender = env.From
	}
	env.ReplyTo = parseAddressList(rawField(h, "Reply-To"))
	if len(env.ReplyTo) == 0 {
		env.ReplyTo = env.From
	}
	env.To = parseAddressList(rawField(h, "To"))
	env.CC = parseAddressList(rawField(h, "Cc"))
	env.BCC = parseAddressList(rawField(h, "Bcc"))
	env.InReplyTo, _ = h.Text("In-Reply-To")
	env.MessageID, _ = h.Text("Message-Id")
	return env
}

func rawField(h emmsg.Header, field string) string {
	v, _ := h.Text(field)
	return v
}

// parseAddressList is a pragmatic RFC 5322 address-list splitter: it
// handles the common "Name <user@host>" and bare "user@host" forms and
// falls back to putting an unparseable entry into the Mailbox field
// (split at its last '@' when it has one), with an empty Name.
func parseAddressList(raw string) []Address {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out []Address
	for _, part := range splitAddresses(raw) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, parseOneAddress(part))
	}
	return out
}

func splitAddresses(raw string) []string {
	var parts []string
	depth := 0
	inQuote := false
	start := 0
	for i, r := range raw {
		switch r {
		case '"':
			inQuote = !inQuote
		case '<', '(':
			if !inQuote {
				depth++
			}
		case '>', ')':
			if !inQuote && depth > 0 {
				depth--
			}
		case ',':
			if !inQuote && depth == 0 {
				parts = append(parts, raw[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, raw[start:])
	return parts
}

func parseOneAddress(s string) Address {
	name := ""
	addr := s
	if i := strings.IndexByte(s, '<'); i >= 0 {
		if j := strings.IndexByte(s[i:], '>'); j >= 0 {
			name = strings.TrimSpace(strings.Trim(s[:i], `" `))
			addr = s[i+1 : i+j]
		}
	}
	addr = strings.TrimSpace(addr)
	mailbox, host := addr, ""
	if at := strings.LastIndexByte(addr, '@'); at >= 0 {
		mailbox, host = addr[:at], addr[at+1:]
	}
	dec := new(mime.WordDecoder)
	if decoded, err := dec.DecodeHeader(name); err == nil {
		name = decoded
	}
	return Address{Name: name, Mailbox: mailbox, Host: host}
}

// BodyStructure is the recursive RFC 3501 BODYSTRUCTURE node.
type BodyStructure struct {
	MIMEType    string
	MIMESubtype string
	Params      map[string]string
	ID          string
	Description string
	Encoding    string
	Size        int64
	Lines       int64 // valid for text/* and message/rfc822

	// multipart/*
	Children    []*BodyStructure
	MultipartBy string // subtype when MIMEType == "multipart"

	// message/rfc822
	Envelope      *Envelope
	InnerBodyStructure *BodyStructure

	// Extension data
	MD5         string
	Disposition string
	DispParams  map[string]string
	Language    string
	Location    string
}

// BodyStructure walks the MIME tree and builds the recursive structure
// FETCH BODYSTRUCTURE returns. Encoded-word decoding failures for
// Content-Description/ID/Location fall back to the raw header bytes so
// an 8-bit header never aborts the FETCH (spec.md §4.4).
func (m *Message) BodyStructure() *BodyStructure {
	if m.root == nil {
		return &BodyStructure{MIMEType: "text", MIMESubtype: "plain", Params: map[string]string{"charset": "us-ascii"}, Size: m.size}
	}
	return buildBodyStructure(m.root)
}

func buildBodyStructure(ent *emmsg.Entity) *BodyStructure {
	bs := &BodyStructure{Params: map[string]string{}}
	ctype, params, _ := ent.Header.ContentType()
	if ctype == "" {
		ctype = "text/plain"
	}
	typ, subtype, _ := strings.Cut(ctype, "/")
	bs.MIMEType = typ
	bs.MIMESubtype = subtype
	bs.Params = params

	bs.ID = decodeOrRaw(ent.Header, "Content-Id")
	bs.Description = decodeOrRaw(ent.Header, "Content-Description")
	bs.Encoding, _ = ent.Header.Text("Content-Transfer-Encoding")
	if bs.Encoding == "" {
		bs.Encoding = "7bit"
	}
	bs.Disposition, bs.DispParams, _ = ent.Header.ContentDisposition()
	bs.Location = decodeOrRaw(ent.Header, "Content-Location")

	if mr := ent.MultipartReader(); mr != nil {
		bs.MultipartBy = subtype
		for {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			bs.Children = append(bs.Children, buildBodyStructure(part))
		}
		return bs
	}

	body, _ := io.ReadAll(ent.Body)
	bs.Size = int64(len(body))
	if typ == "text" {
		bs.Lines = int64(bytes.Count(body, []byte("\n")))
	}
	if typ == "message" && subtype == "rfc822" {
		inner, err := emmsg.Read(bytes.NewReader(body))
		if err == nil {
			env := envelopeOf(inner.Header)
			bs.Envelope = &env
			bs.InnerBodyStructure = buildBodyStructure(inner)
			bs.Lines = int64(bytes.Count(body, []byte("\n")))
		}
	}
	return bs
}

func envelopeOf(h emmsg.Header) Envelope {
	msg := &Message{root: &emmsg.Entity{Header: h}}
	return msg.Envelope()
}

func decodeOrRaw(h emmsg.Header, field string) string {
	raw, _ := h.Text(field)
	if raw != "" {
		return raw
	}
	// Text() already decodes encoded-words via go-message's charset
	// registry; if decoding failed it returns the empty string even
	// though a raw header is present, so fall back to the raw bytes.
	fields := h.FieldsByKey(field)
	if fields.Next() {
		return fields.Value()
	}
	return ""
}

// Section extracts the raw octets of a BODY[section] fetch. path is a
// dotted MIME part path (1-based, empty for the top level); name is
// one of "", "HEADER", "TEXT", "MIME", "HEADER.FIELDS",
// "HEADER.FIELDS.NOT".
func (m *Message) Section(path []uint16, name string, headerNames [][]byte) ([]byte, error) {
	raw := m.raw
	if len(path) > 0 {
		var err error
		raw, err = descend(m.root, path)
		if err != nil {
			return nil, err
		}
	}
	switch name {
	case "":
		return raw, nil
	case "HEADER", "MIME":
		return headerBytes(raw), nil
	case "TEXT":
		return textBytes(raw), nil
	case "HEADER.FIELDS", "HEADER.FIELDS.NOT":
		return filterHeaderFields(headerBytes(raw), headerNames, name == "HEADER.FIELDS.NOT"), nil
	default:
		return nil, fmt.Errorf("message: unknown section %q", name)
	}
}

func descend(ent *emmsg.Entity, path []uint16) ([]byte, error) {
	cur := ent
	for _, idx := range path {
		mr := cur.MultipartReader()
		if mr == nil {
			return nil, fmt.Errorf("message: part %v has no children", path)
		}
		var part *emmsg.Entity
		for i := uint16(1); i <= idx; i++ {
			p, err := mr.NextPart()
			if err != nil {
				return nil, fmt.Errorf("message: part %v out of range", path)
			}
			part = p
		}
		cur = part
	}
	var buf bytes.Buffer
	cur.WriteTo(&buf)
	return buf.Bytes(), nil
}

func headerBytes(raw []byte) []byte {
	idx := bytes.Index(raw, []byte("\r\n\r\n"))
	if idx < 0 {
		idx = bytes.Index(raw, []byte("\n\n"))
		if idx < 0 {
			return raw
		}
		return raw[:idx+2]
	}
	return raw[:idx+4]
}

func textBytes(raw []byte) []byte {
	idx := bytes.Index(raw, []byte("\r\n\r\n"))
	if idx >= 0 {
		return raw[idx+4:]
	}
	idx = bytes.Index(raw, []byte("\n\n"))
	if idx >= 0 {
		return raw[idx+2:]
	}
	return nil
}

func filterHeaderFields(header []byte, names [][]byte, negate bool) []byte {
	want := map[string]bool{}
	for _, n := range names {
		want[strings.ToLower(string(n))] = true
	}
	var out bytes.Buffer
	sc := bufio.NewScanner(bytes.NewReader(header))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var cur []string
	flush := func() {
		if len(cur) == 0 {
			return
		}
		line := cur[0]
		field := strings.ToLower(strings.SplitN(line, ":", 2)[0])
		if want[field] != negate {
			for _, l := range cur {
				out.WriteString(l)
				out.WriteString("\r\n")
			}
		}
		cur = nil
	}
	for sc.Scan() {
		line := sc.Text()
		if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
			cur = append(cur, line)
			continue
		}
		flush()
		if line == "" {
			break
		}
		cur = append(cur, line)
	}
	flush()
	out.WriteString("\r\n")
	return out.Bytes()
}

// ParseInternalDateFallback derives an INTERNALDATE-shaped time from a
// message's Date: header when the caller (APPEND) did not supply one
// explicitly.
func ParseInternalDateFallback(m *Message, fallback time.Time) time.Time {
	if t := m.Date(); !t.IsZero() {
		return t
	}
	return fallback
}

// FormatSize is a small helper so callers don't need strconv directly.
func FormatSize(n int64) string { return strconv.FormatInt(n, 10) }
