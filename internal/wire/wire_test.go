package wire

import (
	"bufio"
	"context"
	"strings"
	"testing"

	"crawshaw.io/iox"
)

func newParser(t *testing.T, input string) *Parser {
	t.Helper()
	filer := iox.NewFiler(0)
	t.Cleanup(func() { filer.Shutdown(context.Background()) })
	r := bufio.NewReader(strings.NewReader(input))
	awaitContinue := func() error { return nil }
	return NewParser(r, filer, awaitContinue, 0)
}

func TestParseSimpleCommand(t *testing.T) {
	p := newParser(t, "a1 NOOP\r\n")
	cmd, err := p.ParseCommand()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if string(cmd.Tag) != "a1" {
		t.Fatalf("expected tag a1, got %q", cmd.Tag)
	}
	if cmd.Name != "NOOP" {
		t.Fatalf("expected NOOP, got %q", cmd.Name)
	}
}

func TestParseUIDPrefix(t *testing.T) {
	p := newParser(t, "a1 UID STORE 1:* +FLAGS (\\Deleted)\r\n")
	cmd, err := p.ParseCommand()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !cmd.UID {
		t.Fatal("expected UID flag set")
	}
	if cmd.Name != "STORE" {
		t.Fatalf("expected STORE, got %q", cmd.Name)
	}
	if cmd.Store.Mode != StoreAdd {
		t.Fatalf("expected StoreAdd, got %v", cmd.Store.Mode)
	}
	if len(cmd.Sequences) != 1 || cmd.Sequences[0].Min != 1 || cmd.Sequences[0].Max != 0 {
		t.Fatalf("expected 1:* to parse as {Min:1,Max:0}, got %+v", cmd.Sequences)
	}
}

func TestParseLoginQuotedStrings(t *testing.T) {
	p := newParser(t, `a1 LOGIN "user@example.com" "pa\"ss"` + "\r\n")
	cmd, err := p.ParseCommand()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if string(cmd.Auth.Username) != "user@example.com" {
		t.Fatalf("expected unescaped username, got %q", cmd.Auth.Username)
	}
	if string(cmd.Auth.Password) != `pa"ss` {
		t.Fatalf("expected unescaped password, got %q", cmd.Auth.Password)
	}
}

func TestParseAppendWithSynchronizingLiteral(t *testing.T) {
	body := "Subject: hi\r\n\r\nbody\r\n"
	input := "a1 APPEND INBOX (\\Seen) {" + itoaTest(len(body)) + "}\r\n" + body + "\r\n"
	p := newParser(t, input)
	cmd, err := p.ParseCommand()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.Name != "APPEND" {
		t.Fatalf("expected APPEND, got %q", cmd.Name)
	}
	if string(cmd.Mailbox) != "INBOX" {
		t.Fatalf("expected mailbox INBOX, got %q", cmd.Mailbox)
	}
	if len(cmd.Appends) != 1 {
		t.Fatalf("expected 1 append part, got %d", len(cmd.Appends))
	}
	lit := cmd.Appends[0].Literal
	lit.Seek(0, 0)
	buf := make([]byte, len(body))
	n, _ := lit.Read(buf)
	if string(buf[:n]) != body {
		t.Fatalf("expected literal body %q, got %q", body, buf[:n])
	}
}

func TestParseAppendMultiAppend(t *testing.T) {
	b1 := "one\r\n"
	b2 := "two\r\n"
	input := "a1 APPEND INBOX {" + itoaTest(len(b1)) + "+}\r\n" + b1 +
		" {" + itoaTest(len(b2)) + "+}\r\n" + b2 + "\r\n"
	p := newParser(t, input)
	cmd, err := p.ParseCommand()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cmd.Appends) != 2 {
		t.Fatalf("expected 2 append parts (MULTIAPPEND), got %d", len(cmd.Appends))
	}
}

func TestParseSearchSeenAnsweredFlaggedDeleted(t *testing.T) {
	p := newParser(t, "a1 SEARCH SEEN ANSWERED FLAGGED DELETED\r\n")
	cmd, err := p.ParseCommand()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	op := cmd.Search.Op
	if op.Key != "AND" {
		t.Fatalf("expected an implicit AND of 4 keys, got %v", op.Key)
	}
	if len(op.Children) != 4 {
		t.Fatalf("expected 4 children, got %d", len(op.Children))
	}
	want := []SearchKey{"SEEN", "ANSWERED", "FLAGGED", "DELETED"}
	for i, w := range want {
		if op.Children[i].Key != w {
			t.Errorf("child %d: expected %v, got %v", i, w, op.Children[i].Key)
		}
	}
}

func TestParseSeqSetRanges(t *testing.T) {
	p := newParser(t, "a1 FETCH 1,3:5,9:* (FLAGS)\r\n")
	cmd, err := p.ParseCommand()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []SeqRange{{Min: 1, Max: 1}, {Min: 3, Max: 5}, {Min: 9, Max: 0}}
	if len(cmd.Sequences) != len(want) {
		t.Fatalf("expected %d ranges, got %d: %+v", len(want), len(cmd.Sequences), cmd.Sequences)
	}
	for i, w := range want {
		if cmd.Sequences[i] != w {
			t.Errorf("range %d: expected %+v, got %+v", i, w, cmd.Sequences[i])
		}
	}
}

func TestQuoteEscapesBackslashAndQuote(t *testing.T) {
	got := Quote(`a"b\c`)
	want := `"a\"b\\c"`
	if got != want {
		t.Fatalf("Quote: expected %q, got %q", want, got)
	}
}

func TestFormatSeqSetCollapsesRuns(t *testing.T) {
	got := FormatSeqSet([]uint32{5, 1, 2, 3, 9, 7, 3})
	want := "1:3,5,7,9"
	if got != want {
		t.Fatalf("FormatSeqSet: expected %q, got %q", want, got)
	}
}

func itoaTest(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
