package mailbox

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/scanner/asimap/internal/maildir"
	"github.com/scanner/asimap/internal/store"
	"github.com/scanner/asimap/internal/wire"
)

const testMessage = "From: a@example.com\r\nTo: b@example.com\r\nSubject: hi\r\nDate: Mon, 2 Jan 2006 15:04:05 -0700\r\n\r\nbody\r\n"

func newTestMailbox(t *testing.T) *Mailbox {
	t.Helper()
	root := maildir.NewRoot(t.TempDir())
	if err := root.Folder("INBOX").Create(); err != nil {
		t.Fatalf("create folder: %v", err)
	}
	db, err := store.Open("")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mb, err := Open(context.Background(), root, "INBOX", db, maildir.NopLocker{})
	if err != nil {
		t.Fatalf("mailbox.Open: %v", err)
	}
	return mb
}

func TestAppendAssignsMonotonicUIDs(t *testing.T) {
	ctx := context.Background()
	mb := newTestMailbox(t)

	uid1, err := mb.Append(ctx, nil, time.Time{}, strings.NewReader(testMessage))
	if err != nil {
		t.Fatalf("append 1: %v", err)
	}
	uid2, err := mb.Append(ctx, nil, time.Time{}, strings.NewReader(testMessage))
	if err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if uid2 <= uid1 {
		t.Fatalf("expected uid2 (%d) > uid1 (%d)", uid2, uid1)
	}
	if got := mb.Info().NumMessages; got != 2 {
		t.Fatalf("expected 2 messages, got %d", got)
	}
}

func TestAppendDefaultUnseenBecomesSeenComplement(t *testing.T) {
	ctx := context.Background()
	mb := newTestMailbox(t)

	uid, err := mb.Append(ctx, nil, time.Time{}, strings.NewReader(testMessage))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	mi, ok := mb.ByUID(uid)
	if !ok {
		t.Fatalf("message %d not found after append", uid)
	}
	if mi.HasFlag(`\Seen`) {
		t.Fatal("freshly appended message with no flags should not be \\Seen")
	}
	if mb.Info().NumUnseen != 1 {
		t.Fatalf("expected NumUnseen=1, got %d", mb.Info().NumUnseen)
	}
}

func TestAppendWithSeenFlagIsNotUnseen(t *testing.T) {
	ctx := context.Background()
	mb := newTestMailbox(t)

	uid, err := mb.Append(ctx, []string{`\Seen`}, time.Time{}, strings.NewReader(testMessage))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	mi, _ := mb.ByUID(uid)
	if !mi.HasFlag(`\Seen`) {
		t.Fatal("message appended with \\Seen should have it set")
	}
	if mb.Info().NumUnseen != 0 {
		t.Fatalf("expected NumUnseen=0, got %d", mb.Info().NumUnseen)
	}
}

// TestMHSequenceFlagMapping covers spec.md's required mapping between
// MH well-known sequences and IMAP flags: replied/flagged/deleted map
// 1:1 to \Answered/\Flagged/\Deleted, and \Seen is the complement of
// "unseen" membership rather than a sequence of its own.
func TestMHSequenceFlagMapping(t *testing.T) {
	ctx := context.Background()
	mb := newTestMailbox(t)

	uid, err := mb.Append(ctx, []string{`\Answered`, `\Flagged`, `\Deleted`}, time.Time{}, strings.NewReader(testMessage))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	seqs, err := maildir.ReadSequences(mb.folder, mb.locker)
	if err != nil {
		t.Fatalf("read sequences: %v", err)
	}
	mi, _ := mb.ByUID(uid)
	for _, name := range []string{"replied", "flagged", "deleted"} {
		if !seqs[name][mi.MsgKey] {
			t.Errorf("expected key %d present in MH sequence %q", mi.MsgKey, name)
		}
	}
	if !seqs["unseen"][mi.MsgKey] {
		t.Error("message stored with \\Answered/\\Flagged/\\Deleted but no \\Seen should still be in unseen")
	}

	for _, f := range []string{`\Answered`, `\Flagged`, `\Deleted`} {
		if !mi.HasFlag(f) {
			t.Errorf("expected flag %s set after resync", f)
		}
	}
	if mi.HasFlag(`\Seen`) {
		t.Fatal("message not marked \\Seen on append should not read back as \\Seen")
	}
}

func TestStoreReplaceAndSeenComplement(t *testing.T) {
	ctx := context.Background()
	mb := newTestMailbox(t)

	uid, err := mb.Append(ctx, nil, time.Time{}, strings.NewReader(testMessage))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	mi, _ := mb.ByUID(uid)

	applied, failed, err := mb.Store(ctx, []*MessageInfo{mi}, wire.StoreReplace, []string{`\Seen`, `\Flagged`}, 0)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if len(failed) != 0 {
		t.Fatalf("expected no failures, got %d", len(failed))
	}
	if len(applied) != 1 {
		t.Fatalf("expected 1 applied result, got %d", len(applied))
	}

	seqs, err := maildir.ReadSequences(mb.folder, mb.locker)
	if err != nil {
		t.Fatalf("read sequences: %v", err)
	}
	if seqs["unseen"][mi.MsgKey] {
		t.Error("message STOREd with \\Seen must not remain in unseen")
	}
	if !seqs["flagged"][mi.MsgKey] {
		t.Error("expected \\Flagged to be written to the \"flagged\" MH sequence")
	}
	if !mi.HasFlag(`\Seen`) || !mi.HasFlag(`\Flagged`) {
		t.Fatalf("unexpected flags after STORE: %#v", mi.Flags)
	}
	if mi.HasFlag(`\Deleted`) {
		t.Fatal("StoreReplace must clear flags not named in the replacement set")
	}
}

func TestStoreAddRemove(t *testing.T) {
	ctx := context.Background()
	mb := newTestMailbox(t)

	uid, err := mb.Append(ctx, nil, time.Time{}, strings.NewReader(testMessage))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	mi, _ := mb.ByUID(uid)

	if _, _, err := mb.Store(ctx, []*MessageInfo{mi}, wire.StoreAdd, []string{`\Deleted`}, 0); err != nil {
		t.Fatalf("store add: %v", err)
	}
	if !mi.HasFlag(`\Deleted`) {
		t.Fatal("expected \\Deleted after STORE +FLAGS")
	}

	if _, _, err := mb.Store(ctx, []*MessageInfo{mi}, wire.StoreRemove, []string{`\Deleted`}, 0); err != nil {
		t.Fatalf("store remove: %v", err)
	}
	if mi.HasFlag(`\Deleted`) {
		t.Fatal("expected \\Deleted cleared after STORE -FLAGS")
	}
}

// TestStoreIdempotent covers spec.md §8's STORE idempotence invariant:
// applying the same STORE twice must leave the same flag state and not
// error the second time.
func TestStoreIdempotent(t *testing.T) {
	ctx := context.Background()
	mb := newTestMailbox(t)

	uid, err := mb.Append(ctx, nil, time.Time{}, strings.NewReader(testMessage))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	mi, _ := mb.ByUID(uid)

	for i := 0; i < 2; i++ {
		if _, _, err := mb.Store(ctx, []*MessageInfo{mi}, wire.StoreAdd, []string{`\Flagged`}, 0); err != nil {
			t.Fatalf("store add pass %d: %v", i, err)
		}
	}
	if !mi.HasFlag(`\Flagged`) {
		t.Fatal("expected \\Flagged set")
	}
}

func TestExpungeRemovesOnlyDeletedAndIsDescending(t *testing.T) {
	ctx := context.Background()
	mb := newTestMailbox(t)

	var uids []uint32
	for i := 0; i < 3; i++ {
		uid, err := mb.Append(ctx, nil, time.Time{}, strings.NewReader(testMessage))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		uids = append(uids, uid)
	}

	mi1, _ := mb.ByUID(uids[0])
	mi3, _ := mb.ByUID(uids[2])
	if _, _, err := mb.Store(ctx, []*MessageInfo{mi1, mi3}, wire.StoreAdd, []string{`\Deleted`}, 0); err != nil {
		t.Fatalf("store: %v", err)
	}

	var seen []uint32
	if err := mb.Expunge(ctx, nil, func(seqNum uint32) { seen = append(seen, seqNum) }); err != nil {
		t.Fatalf("expunge: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("expected 2 expunge callbacks, got %d", len(seen))
	}
	if seen[0] <= seen[1] {
		t.Fatalf("expected descending sequence numbers, got %v", seen)
	}
	if mb.Info().NumMessages != 1 {
		t.Fatalf("expected 1 message remaining, got %d", mb.Info().NumMessages)
	}
	if _, ok := mb.ByUID(uids[1]); !ok {
		t.Fatal("expected the non-deleted message to survive")
	}
}

func TestCopyPreservesFlagsAndAssignsNewUIDs(t *testing.T) {
	ctx := context.Background()
	src := newTestMailbox(t)
	db := src.db

	// Build a second mailbox sharing the same db/root so COPY has a
	// real destination folder to write into.
	r := maildir.NewRoot(srcRootPath(src))
	if err := r.Folder("Archive").Create(); err != nil {
		t.Fatalf("create dst folder: %v", err)
	}
	dst, err := Open(ctx, r, "Archive", db, maildir.NopLocker{})
	if err != nil {
		t.Fatalf("open dst: %v", err)
	}

	uid, err := src.Append(ctx, []string{`\Flagged`}, time.Time{}, strings.NewReader(testMessage))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	mi, _ := src.ByUID(uid)

	results, err := src.Copy(ctx, []*MessageInfo{mi}, dst)
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 copy result, got %d", len(results))
	}
	if results[0].SrcUID != uid {
		t.Fatalf("expected SrcUID %d, got %d", uid, results[0].SrcUID)
	}

	dmi, ok := dst.ByUID(results[0].DstUID)
	if !ok {
		t.Fatal("expected copied message to exist in destination")
	}
	if !dmi.HasFlag(`\Flagged`) {
		t.Fatal("expected \\Flagged preserved across COPY")
	}
}

func srcRootPath(mb *Mailbox) string {
	// mb.folder.Dir() for "INBOX" is "<root>/INBOX"; strip the
	// trailing component to recover the shared root path.
	dir := mb.folder.Dir()
	return strings.TrimSuffix(dir, "/INBOX")
}

func TestRollbackAppendRestoresNextUID(t *testing.T) {
	ctx := context.Background()
	mb := newTestMailbox(t)

	uid, err := mb.Append(ctx, nil, time.Time{}, strings.NewReader(testMessage))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	mi, _ := mb.ByUID(uid)
	msgKey := mi.MsgKey
	nextBefore := mb.nextUID

	mb.RollbackAppend(ctx, uid)

	if _, ok := mb.ByUID(uid); ok {
		t.Fatal("expected rolled-back UID to be gone")
	}
	if mb.nextUID != nextBefore-1 {
		t.Fatalf("expected NEXT-UID restored to %d, got %d", nextBefore-1, mb.nextUID)
	}
	if _, err := mb.folder.ReadMessage(msgKey); err == nil {
		t.Fatal("expected rolled-back message file to be removed")
	}
}

// TestCopyRollsBackOnMidOperationFailure covers spec.md §4.3's "no
// partial destination state" requirement: if a later message in a
// multi-message COPY fails to copy, every destination message already
// written by this call must be removed.
func TestCopyRollsBackOnMidOperationFailure(t *testing.T) {
	ctx := context.Background()
	src := newTestMailbox(t)
	db := src.db
	r := maildir.NewRoot(srcRootPath(src))
	if err := r.Folder("Archive").Create(); err != nil {
		t.Fatalf("create dst folder: %v", err)
	}
	dst, err := Open(ctx, r, "Archive", db, maildir.NopLocker{})
	if err != nil {
		t.Fatalf("open dst: %v", err)
	}

	uid1, err := src.Append(ctx, nil, time.Time{}, strings.NewReader(testMessage))
	if err != nil {
		t.Fatalf("append 1: %v", err)
	}
	uid2, err := src.Append(ctx, nil, time.Time{}, strings.NewReader(testMessage))
	if err != nil {
		t.Fatalf("append 2: %v", err)
	}
	mi1, _ := src.ByUID(uid1)
	mi2, _ := src.ByUID(uid2)

	// Remove the second message's on-disk file so its copy's read
	// fails partway through the operation.
	if err := src.folder.DeleteMessage(mi2.MsgKey); err != nil {
		t.Fatalf("delete message: %v", err)
	}

	dstUIDNextBefore := dst.nextUID

	_, err = src.Copy(ctx, []*MessageInfo{mi1, mi2}, dst)
	if err == nil {
		t.Fatal("expected copy to fail on the missing second message")
	}
	if dst.Info().NumMessages != 0 {
		t.Fatalf("expected destination to have no messages after rollback, got %d", dst.Info().NumMessages)
	}
	if dst.nextUID != dstUIDNextBefore {
		t.Fatalf("expected destination NEXT-UID restored to %d, got %d", dstUIDNextBefore, dst.nextUID)
	}
}

func TestFlagsFromSequencesComplement(t *testing.T) {
	seqs := map[string]map[int]bool{
		"unseen":  {1: true},
		"replied": {2: true},
		"flagged": {2: true},
		"deleted": {2: true},
		"custom":  {2: true},
	}

	unseenFlags := flagsFromSequences(seqs, 1)
	if unseenFlags[`\Seen`] {
		t.Fatal("message in unseen must not be \\Seen")
	}

	seenFlags := flagsFromSequences(seqs, 2)
	if !seenFlags[`\Seen`] {
		t.Fatal("message absent from unseen must be \\Seen")
	}
	for _, f := range []string{`\Answered`, `\Flagged`, `\Deleted`} {
		if !seenFlags[f] {
			t.Errorf("expected %s set", f)
		}
	}
	if !seenFlags["custom"] {
		t.Error("expected unrecognized sequence name to pass through as a keyword")
	}
}

func TestMHSequenceForFlagRoundTrip(t *testing.T) {
	cases := map[string]string{
		`\Answered`: "replied",
		`\Flagged`:  "flagged",
		`\Deleted`:  "deleted",
		"custom":    "custom",
	}
	for flag, want := range cases {
		if got := mhSequenceForFlag(flag); got != want {
			t.Errorf("mhSequenceForFlag(%q) = %q, want %q", flag, got, want)
		}
	}
}
