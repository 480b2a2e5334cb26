package mailbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/scanner/asimap/internal/maildir"
	"github.com/scanner/asimap/internal/message"
	"github.com/scanner/asimap/internal/store"
	"github.com/scanner/asimap/internal/wire"
)

// Append writes one new message into the mailbox (APPEND, or one part
// of a MULTIAPPEND) and assigns it a UID, returning the UID for the
// UIDPLUS APPENDUID response. On any failure after the file is
// written, the partial file is rolled back so the mailbox never
// observes an orphaned message-key.
func (mb *Mailbox) Append(ctx context.Context, flags []string, when time.Time, r io.Reader) (uid uint32, err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}

	key, err := mb.folder.NextMessageKey()
	if err != nil {
		return 0, err
	}
	if err := mb.folder.WriteMessage(key, data); err != nil {
		return 0, err
	}

	size := int64(len(data))
	if when.IsZero() {
		if msg, perr := message.Parse(data); perr == nil {
			when = msg.Date()
		}
		if when.IsZero() {
			when = time.Now()
		}
	}

	uid = mb.nextUID
	mb.nextUID++
	row := store.UIDRow{UID: uid, MsgKey: key, Size: size, InternalDate: when.UnixNano()}
	if err := mb.db.InsertUID(ctx, mb.mailboxID, row); err != nil {
		mb.folder.DeleteMessage(key)
		return 0, err
	}
	if err := mb.db.SetNextUID(ctx, mb.mailboxID, mb.nextUID); err != nil {
		mb.folder.DeleteMessage(key)
		return 0, err
	}

	if err := mb.applyFlagsToSequencesLocked(flags, key); err != nil {
		mb.folder.DeleteMessage(key)
		mb.db.DeleteUID(ctx, mb.mailboxID, uid)
		return 0, err
	}

	if err := mb.resyncLocked(ctx); err != nil {
		return 0, err
	}
	return uid, nil
}

// applyFlagsToSequencesLocked writes key's initial flags into
// .mh_sequences. A message with no \Seen among flags is added to
// "unseen" (the default state for a freshly delivered message);
// everything else is translated to its MH sequence name via
// mhSequenceForFlag. mb.mu must be held for write.
func (mb *Mailbox) applyFlagsToSequencesLocked(flags []string, key int) error {
	seqs, err := maildir.ReadSequences(mb.folder, mb.locker)
	if err != nil {
		return err
	}
	seen := false
	for _, f := range flags {
		if f == `\Seen` {
			seen = true
			continue
		}
		addToSequence(seqs, mhSequenceForFlag(f), key)
	}
	if !seen {
		addToSequence(seqs, "unseen", key)
	}
	return maildir.WriteSequences(mb.folder, seqs, mb.locker)
}

// RollbackAppend removes a message this operation wrote, so a failure
// partway through a multi-message COPY or MULTIAPPEND never leaves the
// destination mailbox holding some but not all of the new messages
// (spec.md §4.3: "already-written destination files are removed; no
// partial destination state"). uid must be the most recently assigned
// UID not yet rolled back, so NEXT-UID can be restored exactly.
func (mb *Mailbox) RollbackAppend(ctx context.Context, uid uint32) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	mi, ok := mb.byUID[uid]
	if !ok {
		return
	}
	mb.db.DeleteUID(ctx, mb.mailboxID, uid)
	mb.folder.DeleteMessage(mi.MsgKey)
	if mb.nextUID == uid+1 {
		mb.nextUID = uid
		mb.db.SetNextUID(ctx, mb.mailboxID, mb.nextUID)
	}
	mb.resyncLocked(ctx)
}

// Expunge permanently removes every message carrying \Deleted (or, if
// uidFilter is non-nil, the subset of those also named by uidFilter),
// calling fn with each removed message's sequence number in the order
// RFC 3501 requires: descending, so that earlier callbacks never
// invalidate later ones' sequence numbers.
func (mb *Mailbox) Expunge(ctx context.Context, uidFilter map[uint32]bool, fn func(seqNum uint32)) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	var doomed []*MessageInfo
	for _, m := range mb.messages {
		if !m.HasFlag(`\Deleted`) {
			continue
		}
		if uidFilter != nil && !uidFilter[m.UID] {
			continue
		}
		doomed = append(doomed, m)
	}

	for i := len(doomed) - 1; i >= 0; i-- {
		m := doomed[i]
		if err := mb.db.DeleteUID(ctx, mb.mailboxID, m.UID); err != nil {
			return err
		}
		if err := mb.folder.DeleteMessage(m.MsgKey); err != nil {
			return err
		}
		if fn != nil {
			fn(m.SeqNum)
		}
		if err := mb.resyncLocked(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StoreResult is one message's post-STORE flag state, for the untagged
// FETCH response STORE must emit (unless .SILENT).
type StoreResult struct {
	SeqNum uint32
	UID    uint32
	Flags  []string
	ModSeq int64
}

// Store applies a flag change to every message named by targets,
// skipping (and reporting via failed) any whose ModSeq exceeds
// unchangedSince, per CONDSTORE's RFC 7162 conditional-store rule.
func (mb *Mailbox) Store(ctx context.Context, targets []*MessageInfo, mode wire.StoreMode, flags []string, unchangedSince int64) (applied []StoreResult, failed []*MessageInfo, err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	seqs, err := maildir.ReadSequences(mb.folder, mb.locker)
	if err != nil {
		return nil, nil, err
	}

	for _, m := range targets {
		if unchangedSince > 0 && m.ModSeq > unchangedSince {
			failed = append(failed, m)
			continue
		}
		switch mode {
		case wire.StoreAdd:
			for _, f := range flags {
				setFlagInSequences(seqs, f, m.MsgKey)
				m.Flags[f] = true
			}
		case wire.StoreRemove:
			for _, f := range flags {
				clearFlagInSequences(seqs, f, m.MsgKey)
				delete(m.Flags, f)
			}
		case wire.StoreReplace:
			for _, set := range seqs {
				delete(set, m.MsgKey)
			}
			m.Flags = map[string]bool{}
			seen := false
			for _, f := range flags {
				if f == `\Seen` {
					seen = true
					m.Flags[f] = true
					continue
				}
				addToSequence(seqs, mhSequenceForFlag(f), m.MsgKey)
				m.Flags[f] = true
			}
			if !seen {
				addToSequence(seqs, "unseen", m.MsgKey)
			}
		}
		mb.highestModSeq++
		m.ModSeq = mb.highestModSeq

		var fl []string
		for f := range m.Flags {
			fl = append(fl, f)
		}
		applied = append(applied, StoreResult{SeqNum: m.SeqNum, UID: m.UID, Flags: fl, ModSeq: m.ModSeq})
	}

	if err := maildir.WriteSequences(mb.folder, seqs, mb.locker); err != nil {
		return nil, nil, err
	}
	mb.notify()
	return applied, failed, nil
}

// setFlagInSequences records flag as present on key. \Seen has no
// sequence of its own: setting it means removing key from "unseen",
// the inverse of how flagsFromSequences reads it back.
func setFlagInSequences(seqs maildir.Sequences, flag string, key int) {
	if flag == `\Seen` {
		removeFromSequence(seqs, "unseen", key)
		return
	}
	addToSequence(seqs, mhSequenceForFlag(flag), key)
}

// clearFlagInSequences is the inverse of setFlagInSequences.
func clearFlagInSequences(seqs maildir.Sequences, flag string, key int) {
	if flag == `\Seen` {
		addToSequence(seqs, "unseen", key)
		return
	}
	removeFromSequence(seqs, mhSequenceForFlag(flag), key)
}

func addToSequence(seqs maildir.Sequences, name string, key int) {
	set := seqs[name]
	if set == nil {
		set = map[int]bool{}
		seqs[name] = set
	}
	set[key] = true
}

func removeFromSequence(seqs maildir.Sequences, name string, key int) {
	if set, ok := seqs[name]; ok {
		delete(set, key)
	}
}

// CopyResult is one message's (source UID, destination UID) pair, used
// to build the COPYUID response (UIDPLUS, RFC 4315).
type CopyResult struct {
	SrcUID uint32
	DstUID uint32
}

// Copy duplicates each of targets into dst, preserving flags and
// internal date, and returns the UID pairs in source order. On any
// failure partway through, every destination message already written
// by this call is removed before returning, so callers never observe
// partial destination state (spec.md §4.3).
func (mb *Mailbox) Copy(ctx context.Context, targets []*MessageInfo, dst *Mailbox) ([]CopyResult, error) {
	mb.mu.RLock()
	msgs := make([]*MessageInfo, len(targets))
	copy(msgs, targets)
	mb.mu.RUnlock()

	var results []CopyResult
	for _, m := range msgs {
		data, err := mb.folder.ReadMessage(m.MsgKey)
		if err != nil {
			dst.rollbackResults(ctx, results)
			return nil, fmt.Errorf("mailbox: copy: read %d: %w", m.MsgKey, err)
		}
		var flags []string
		for f := range m.Flags {
			flags = append(flags, f)
		}
		uid, err := dst.Append(ctx, flags, m.InternalDate, bytes.NewReader(data))
		if err != nil {
			dst.rollbackResults(ctx, results)
			return nil, err
		}
		results = append(results, CopyResult{SrcUID: m.UID, DstUID: uid})
	}
	return results, nil
}

// rollbackResults undoes a partially-completed Copy/MULTIAPPEND by
// removing each written destination message, most recent first so
// NEXT-UID unwinds correctly.
func (mb *Mailbox) rollbackResults(ctx context.Context, results []CopyResult) {
	for i := len(results) - 1; i >= 0; i-- {
		mb.RollbackAppend(ctx, results[i].DstUID)
	}
}

// Move is Copy followed by an expunge of the moved messages from the
// source mailbox. If the copy or the marking of the sources \Deleted
// fails, no copies are left in dst. An error from the final expunge is
// returned with the copies already in dst.
func (mb *Mailbox) Move(ctx context.Context, targets []*MessageInfo, dst *Mailbox, fn func(seqNum, srcUID, dstUID uint32)) ([]CopyResult, error) {
	results, err := mb.Copy(ctx, targets, dst)
	if err != nil {
		return results, err
	}
	bySrc := make(map[uint32]uint32, len(results))
	for _, r := range results {
		bySrc[r.SrcUID] = r.DstUID
	}

	if _, _, err := mb.Store(ctx, targets, wire.StoreAdd, []string{`\Deleted`}, 0); err != nil {
		dst.rollbackResults(ctx, results)
		return nil, err
	}

	uidFilter := make(map[uint32]bool, len(targets))
	for _, m := range targets {
		uidFilter[m.UID] = true
	}
	seqNums := make(map[uint32]uint32, len(targets))
	for _, m := range targets {
		seqNums[m.UID] = m.SeqNum
	}
	err = mb.Expunge(ctx, uidFilter, nil)
	if fn != nil {
		for _, m := range targets {
			fn(seqNums[m.UID], m.UID, bySrc[m.UID])
		}
	}
	return results, err
}
