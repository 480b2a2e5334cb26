package session

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/scanner/asimap/internal/userstore"
	"github.com/scanner/asimap/internal/wire"
)

func (s *Session) cmdSelect(ctx context.Context, cmd *wire.Command, readOnly bool) {
	if s.selMB != nil {
		s.deselect()
	}

	rel := userstore.CanonicalPath(cmd.Mailbox)
	mb, err := s.store.Open(ctx, rel)
	if err != nil {
		s.no(cmd.Tag, "no such mailbox")
		return
	}
	mb.RegisterNotifier(s)
	if err := mb.Resync(ctx); err != nil {
		s.no(cmd.Tag, "resync failed")
		return
	}

	s.selMB = mb
	s.selRel = rel
	s.readOnly = readOnly || cmd.Name == "EXAMINE"
	s.condstore = s.condstore || cmd.Condstore

	info := mb.Info()
	msgs := mb.Messages()
	s.lastUIDs = make([]uint32, len(msgs))
	s.lastFlags = make(map[uint32]string, len(msgs))
	for i, m := range msgs {
		s.lastUIDs[i] = m.UID
		s.lastFlags[m.UID] = flagsKey(m)
	}

	s.bwMu.Lock()
	s.w.Untagged("%d EXISTS", info.NumMessages)
	s.w.Untagged("%d RECENT", info.NumRecent)
	s.w.Untagged(`FLAGS (\Answered \Flagged \Deleted \Seen \Draft)`)
	s.w.Untagged(`OK [PERMANENTFLAGS (\Answered \Flagged \Deleted \Seen \Draft \*)] Limited`)
	s.w.Untagged("OK [UIDVALIDITY %d] UIDs valid", info.UIDValidity)
	s.w.Untagged("OK [UIDNEXT %d] Predicted next UID", info.UIDNext)
	if info.FirstUnseenSeqNum != 0 {
		s.w.Untagged("OK [UNSEEN %d] first unseen message", info.FirstUnseenSeqNum)
	}
	if s.condstore {
		s.w.Untagged("OK [HIGHESTMODSEQ %d] Highest", info.HighestModSequence)
	}
	s.w.Flush()
	s.bwMu.Unlock()

	if s.readOnly {
		s.ok(cmd.Tag, "[READ-ONLY] EXAMINE completed")
	} else {
		s.ok(cmd.Tag, "[READ-WRITE] SELECT completed")
	}
}

func (s *Session) cmdUnselect(cmd *wire.Command) {
	s.deselect()
	s.ok(cmd.Tag, "UNSELECT completed")
}

func (s *Session) cmdClose(ctx context.Context, cmd *wire.Command) {
	if !s.readOnly {
		s.selMB.Expunge(ctx, nil, nil)
	}
	s.deselect()
	s.ok(cmd.Tag, "CLOSE completed")
}

func (s *Session) cmdExpunge(ctx context.Context, cmd *wire.Command) {
	if s.readOnly {
		s.no(cmd.Tag, "mailbox is read-only")
		return
	}
	var uidFilter map[uint32]bool
	if cmd.UID {
		uidFilter = map[uint32]bool{}
		for _, m := range s.selMB.Messages() {
			if rangesContain(cmd.Sequences, m.UID) {
				uidFilter[m.UID] = true
			}
		}
	}
	s.bwMu.Lock()
	err := s.selMB.Expunge(ctx, uidFilter, func(seqNum uint32) {
		s.w.Untagged("%d EXPUNGE", seqNum)
	})
	s.w.Flush()
	s.bwMu.Unlock()
	if err != nil {
		s.no(cmd.Tag, "EXPUNGE failed: %v", err)
		return
	}
	s.ok(cmd.Tag, "EXPUNGE completed")
}

func (s *Session) cmdCreate(ctx context.Context, cmd *wire.Command) {
	if err := s.store.CreateFolder(ctx, string(cmd.Mailbox)); err != nil {
		s.no(cmd.Tag, "CREATE failed: %v", err)
		return
	}
	s.ok(cmd.Tag, "CREATE completed")
}

func (s *Session) cmdDelete(ctx context.Context, cmd *wire.Command) {
	rel := userstore.CanonicalPath(cmd.Mailbox)
	if rel == s.selRel {
		s.deselect()
	}
	if err := s.store.DeleteFolder(ctx, rel); err != nil {
		s.no(cmd.Tag, "DELETE failed: %v", err)
		return
	}
	s.ok(cmd.Tag, "DELETE completed")
}

func (s *Session) cmdRename(ctx context.Context, cmd *wire.Command) {
	if err := s.store.RenameFolder(ctx, string(cmd.Rename.OldMailbox), string(cmd.Rename.NewMailbox)); err != nil {
		s.no(cmd.Tag, "RENAME failed: %v", err)
		return
	}
	s.ok(cmd.Tag, "RENAME completed")
}

func (s *Session) cmdSubscribe(ctx context.Context, cmd *wire.Command, subscribe bool) {
	var err error
	if subscribe {
		err = s.store.Subscribe(ctx, string(cmd.Mailbox))
	} else {
		err = s.store.Unsubscribe(ctx, string(cmd.Mailbox))
	}
	if err != nil {
		s.no(cmd.Tag, "failed: %v", err)
		return
	}
	s.ok(cmd.Tag, "completed")
}

func (s *Session) cmdList(ctx context.Context, cmd *wire.Command, lsub bool) {
	folders, err := s.store.ListFolders()
	if err != nil {
		s.no(cmd.Tag, "LIST failed: %v", err)
		return
	}
	subs, _ := s.store.Subscriptions(ctx)

	ref := string(cmd.List.ReferenceName)
	pattern := ref + string(cmd.List.MailboxGlob)

	returnChildren := contains(cmd.List.ReturnOptions, "CHILDREN")
	returnSubscribed := contains(cmd.List.ReturnOptions, "SUBSCRIBED")
	wantStatus := len(cmd.List.StatusItems) > 0

	s.bwMu.Lock()
	for _, rel := range folders {
		name := rel
		if name == "" {
			continue
		}
		if lsub && !subs[name] {
			continue
		}
		if !matchGlob(pattern, name) {
			continue
		}

		var attrs []string
		if hasChild(folders, name) {
			attrs = append(attrs, `\HasChildren`)
		} else if returnChildren {
			attrs = append(attrs, `\HasNoChildren`)
		}
		if returnSubscribed && subs[name] {
			attrs = append(attrs, `\Subscribed`)
		}

		if lsub {
			s.w.Untagged(`LSUB (%s) "/" %s`, strings.Join(attrs, " "), wire.Quote(name))
		} else {
			s.w.Untagged(`LIST (%s) "/" %s`, strings.Join(attrs, " "), wire.Quote(name))
		}

		if wantStatus {
			s.emitStatusLine(ctx, name, cmd.List.StatusItems)
		}
	}
	s.w.Flush()
	s.bwMu.Unlock()

	s.ok(cmd.Tag, "LIST completed")
}

func (s *Session) cmdStatus(ctx context.Context, cmd *wire.Command) {
	rel := userstore.CanonicalPath(cmd.Mailbox)
	s.bwMu.Lock()
	s.emitStatusLine(ctx, rel, cmd.Status.Items)
	s.w.Flush()
	s.bwMu.Unlock()
	s.ok(cmd.Tag, "STATUS completed")
}

// emitStatusLine writes one untagged STATUS response. Caller holds
// bwMu. Grounded on RFC 5819 LIST-STATUS: the same evaluator backs
// both the STATUS command and LIST's RETURN (STATUS ...) option.
func (s *Session) emitStatusLine(ctx context.Context, rel string, items []wire.StatusItem) {
	mb := s.selMB
	if mb == nil || s.selRel != rel {
		var err error
		mb, err = s.store.Open(ctx, rel)
		if err != nil {
			return
		}
		mb.Resync(ctx)
	}
	info := mb.Info()

	var parts []string
	for _, it := range items {
		switch it {
		case wire.StatusMessages:
			parts = append(parts, "MESSAGES", itoa(info.NumMessages))
		case wire.StatusRecent:
			parts = append(parts, "RECENT", itoa(info.NumRecent))
		case wire.StatusUIDNext:
			parts = append(parts, "UIDNEXT", itoa(info.UIDNext))
		case wire.StatusUIDValidity:
			parts = append(parts, "UIDVALIDITY", itoa(info.UIDValidity))
		case wire.StatusUnseen:
			parts = append(parts, "UNSEEN", itoa(info.NumUnseen))
		case wire.StatusHighestModSeq:
			parts = append(parts, "HIGHESTMODSEQ", itoa64(info.HighestModSequence))
		}
	}
	s.w.Untagged(`STATUS %s (%s)`, wire.Quote(rel), strings.Join(parts, " "))
}

func (s *Session) cmdAppend(ctx context.Context, cmd *wire.Command) {
	rel := userstore.CanonicalPath(cmd.Mailbox)
	mb, err := s.store.Open(ctx, rel)
	if err != nil {
		s.no(cmd.Tag, "[TRYCREATE] no such mailbox")
		return
	}

	var uids []uint32
	for _, part := range cmd.Appends {
		var flags []string
		for _, f := range part.Flags {
			flags = append(flags, string(f))
		}
		var r io.Reader = strings.NewReader("")
		if part.Literal != nil {
			part.Literal.Seek(0, 0)
			r = part.Literal
		}
		when, _ := parseAppendDate(string(part.Date))
		uid, err := mb.Append(ctx, flags, when, r)
		if err != nil {
			// No partial destination state on failure (spec.md §4.3):
			// undo every part already written by this MULTIAPPEND.
			for i := len(uids) - 1; i >= 0; i-- {
				mb.RollbackAppend(ctx, uids[i])
			}
			s.no(cmd.Tag, "APPEND failed: %v", err)
			return
		}
		uids = append(uids, uid)
	}

	if len(uids) > 0 {
		s.bwMu.Lock()
		s.w.Untagged("OK [APPENDUID %d %s] APPEND completed", mb.UIDValidity(), wire.FormatSeqSet(uids))
		s.w.Flush()
		s.bwMu.Unlock()
	}
	s.ok(cmd.Tag, "APPEND completed")
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func hasChild(folders []string, rel string) bool {
	prefix := rel + "/"
	for _, f := range folders {
		if strings.HasPrefix(f, prefix) {
			return true
		}
	}
	return false
}

// matchGlob implements IMAP mailbox-name matching: '*' matches zero or
// more characters including hierarchy delimiters, '%' matches zero or
// more characters except the delimiter.
func matchGlob(pattern, name string) bool {
	return globMatch([]rune(pattern), []rune(name))
}

func globMatch(pat, s []rune) bool {
	if len(pat) == 0 {
		return len(s) == 0
	}
	switch pat[0] {
	case '*':
		for i := 0; i <= len(s); i++ {
			if globMatch(pat[1:], s[i:]) {
				return true
			}
		}
		return false
	case '%':
		for i := 0; i <= len(s); i++ {
			if containsRune(s[:i], '/') {
				break
			}
			if globMatch(pat[1:], s[i:]) {
				return true
			}
		}
		return false
	default:
		if len(s) == 0 || s[0] != pat[0] {
			return false
		}
		return globMatch(pat[1:], s[1:])
	}
}

func containsRune(s []rune, r rune) bool {
	for _, c := range s {
		if c == r {
			return true
		}
	}
	return false
}

func itoa(v uint32) string  { return itoa64(int64(v)) }
func itoa64(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// parseAppendDate parses APPEND's optional date-time argument (RFC
// 3501 §6.3.11, the same INTERNALDATE layout as date_time); a missing
// argument yields the zero Time, which callers treat as "use the
// message's own Date: header, or now".
func parseAppendDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse("02-Jan-2006 15:04:05 -0700", raw)
}
