package session

import (
	"context"
	"sort"
	"strings"

	"github.com/scanner/asimap/internal/mailbox"
	"github.com/scanner/asimap/internal/userstore"
	"github.com/scanner/asimap/internal/wire"
)

// cmdStore implements STORE/UID STORE, including CONDSTORE's
// UNCHANGEDSINCE modifier (RFC 7162 §3.1.2): targets whose ModSeq has
// moved past UnchangedSince are reported back tagged MODIFIED instead
// of being mutated.
func (s *Session) cmdStore(ctx context.Context, cmd *wire.Command) {
	if s.readOnly {
		s.no(cmd.Tag, "mailbox is read-only")
		return
	}
	targets := s.targetsFromSequences(cmd.UID, cmd.Sequences)

	var flags []string
	for _, f := range cmd.Store.Flags {
		flags = append(flags, string(f))
	}

	applied, failed, err := s.selMB.Store(ctx, targets, cmd.Store.Mode, flags, cmd.Store.UnchangedSince)
	if err != nil {
		s.no(cmd.Tag, "STORE failed: %v", err)
		return
	}

	if !cmd.Store.Silent {
		s.bwMu.Lock()
		for _, r := range applied {
			if cmd.UID {
				s.w.Untagged("%d FETCH (FLAGS (%s) UID %d MODSEQ (%d))", r.SeqNum, strings.Join(sortedFlagsList(r.Flags), " "), r.UID, r.ModSeq)
			} else {
				s.w.Untagged("%d FETCH (FLAGS (%s) MODSEQ (%d))", r.SeqNum, strings.Join(sortedFlagsList(r.Flags), " "), r.ModSeq)
			}
		}
		s.w.Flush()
		s.bwMu.Unlock()
	}

	if len(failed) > 0 {
		var uids []uint32
		for _, m := range failed {
			uids = append(uids, m.UID)
		}
		s.no(cmd.Tag, "[MODIFIED %s] STORE conditional failed for some messages", wire.FormatSeqSet(uids))
		return
	}
	s.ok(cmd.Tag, "STORE completed")
}

func sortedFlagsList(flags []string) []string {
	out := append([]string(nil), flags...)
	sort.Strings(out)
	return out
}

// cmdCopy implements COPY/UID COPY. Per RFC 3501 §7.4.1, COPY is the
// one command allowed to interleave an EXPUNGE notification mid-reply,
// since copying never removes the source messages; the pending-update
// flush below runs after the copy completes rather than being deferred
// to the next command boundary.
func (s *Session) cmdCopy(ctx context.Context, cmd *wire.Command) {
	targets := s.targetsFromSequences(cmd.UID, cmd.Sequences)
	rel := userstore.CanonicalPath(cmd.Mailbox)
	dst, err := s.store.Open(ctx, rel)
	if err != nil {
		s.no(cmd.Tag, "[TRYCREATE] no such mailbox")
		return
	}

	results, err := s.selMB.Copy(ctx, targets, dst)
	if err != nil {
		s.no(cmd.Tag, "COPY failed: %v", err)
		return
	}

	s.emitCopyUID(cmd, dst, results)
	s.deliverPendingUpdates()
	s.ok(cmd.Tag, "COPY completed")
}

// cmdMove implements MOVE/UID MOVE (RFC 6851): copy then expunge the
// source messages, emitting EXPUNGE/COPYUID untagged responses before
// the tagged OK.
func (s *Session) cmdMove(ctx context.Context, cmd *wire.Command) {
	if s.readOnly {
		s.no(cmd.Tag, "mailbox is read-only")
		return
	}
	targets := s.targetsFromSequences(cmd.UID, cmd.Sequences)
	rel := userstore.CanonicalPath(cmd.Mailbox)
	dst, err := s.store.Open(ctx, rel)
	if err != nil {
		s.no(cmd.Tag, "[TRYCREATE] no such mailbox")
		return
	}

	var results []mailboxCopyResult
	s.bwMu.Lock()
	_, err = s.selMB.Move(ctx, targets, dst, func(seqNum, srcUID, dstUID uint32) {
		s.w.Untagged("%d EXPUNGE", seqNum)
		results = append(results, mailboxCopyResult{srcUID, dstUID})
	})
	s.w.Flush()
	s.bwMu.Unlock()
	if err != nil {
		s.no(cmd.Tag, "MOVE failed: %v", err)
		return
	}

	s.bwMu.Lock()
	if len(results) > 0 {
		var srcUIDs, dstUIDs []uint32
		for _, r := range results {
			srcUIDs = append(srcUIDs, r.srcUID)
			dstUIDs = append(dstUIDs, r.dstUID)
		}
		s.w.Untagged("OK [COPYUID %d %s %s] MOVE completed", dst.UIDValidity(), wire.FormatSeqSet(srcUIDs), wire.FormatSeqSet(dstUIDs))
	}
	s.w.Flush()
	s.bwMu.Unlock()

	s.deliverPendingUpdates()
	s.ok(cmd.Tag, "MOVE completed")
}

type mailboxCopyResult struct {
	srcUID uint32
	dstUID uint32
}

// emitCopyUID writes the untagged OK [COPYUID ...] response (RFC 4315
// UIDPLUS) for a completed COPY. Caller holds no lock; it takes its own.
func (s *Session) emitCopyUID(cmd *wire.Command, dst *mailbox.Mailbox, results []mailbox.CopyResult) {
	if len(results) == 0 {
		return
	}
	var srcUIDs, dstUIDs []uint32
	for _, r := range results {
		srcUIDs = append(srcUIDs, r.SrcUID)
		dstUIDs = append(dstUIDs, r.DstUID)
	}
	s.bwMu.Lock()
	s.w.Untagged("OK [COPYUID %d %s %s] COPY completed", dst.UIDValidity(), wire.FormatSeqSet(srcUIDs), wire.FormatSeqSet(dstUIDs))
	s.w.Flush()
	s.bwMu.Unlock()
}
