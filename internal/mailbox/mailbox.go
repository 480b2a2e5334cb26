// Package mailbox implements the mailbox synchronization engine
// (spec.md §4.3): it reconciles the on-disk MH folder with the
// embedded UID database, maintains the UID/sequence-number mapping and
// \Recent/\Seen bookkeeping, and serializes concurrent access to one
// folder's state. Grounded on the teacher's spilldb/spillbox box.go
// (open/resync/notify shape) generalized from SQL-resident messages to
// MH-resident ones.
package mailbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/scanner/asimap/internal/maildir"
	"github.com/scanner/asimap/internal/message"
	"github.com/scanner/asimap/internal/metrics"
	"github.com/scanner/asimap/internal/store"
)

// Notifier is told about changes to a mailbox so that other sessions
// with it selected (or IDLE-ing on it) can be woken up, and so that
// CONTEXT (RFC 5267) live result sets can be updated.
type Notifier interface {
	MailboxChanged(rel string)
	// MailboxDeleted is called when another session (or an admin
	// action) deletes a mailbox a session currently has selected; per
	// RFC 2180 §3.3 that session must be sent "* BYE Mailbox deleted"
	// and disconnected.
	MailboxDeleted(rel string)
}

// MessageInfo is one live message slot: its sequence number (derived
// from position, never stored), UID, MH message-key, and flags.
type MessageInfo struct {
	SeqNum       uint32
	UID          uint32
	MsgKey       int
	Size         int64
	InternalDate time.Time
	Flags        map[string]bool
	ModSeq       int64
	Recent       bool
}

func (m *MessageInfo) HasFlag(f string) bool { return m.Flags[f] }

// Mailbox is one open MH folder, synchronized with its embedded UID
// database row. All access goes through its exported methods, which
// take mu themselves; callers never see a half-resynced state.
type Mailbox struct {
	folder *maildir.Folder
	db     *store.DB
	locker maildir.Locker

	mu            sync.RWMutex
	mailboxID     int64
	uidValidity   uint32
	nextUID       uint32
	highestModSeq int64
	messages      []*MessageInfo
	byUID         map[uint32]*MessageInfo
	lastResync    time.Time
	lastAccess    time.Time

	resyncGroup singleflight.Group

	notifyMu  sync.Mutex
	notifiers []Notifier
}

// Open opens (or creates the database row for) the folder at rel and
// runs an initial resync.
func Open(ctx context.Context, root *maildir.Root, rel string, db *store.DB, locker maildir.Locker) (*Mailbox, error) {
	folder := root.Folder(rel)
	if !folder.Exists() {
		return nil, fmt.Errorf("mailbox: no such folder %q", rel)
	}

	mb := &Mailbox{
		folder: folder,
		db:     db,
		locker: locker,
		byUID:  make(map[uint32]*MessageInfo),
	}

	row, ok, err := db.LoadMailbox(ctx, rel)
	if err != nil {
		return nil, err
	}
	if !ok {
		uidvalidity := uint32(time.Now().Unix())
		id, err := db.CreateMailbox(ctx, rel, uidvalidity)
		if err != nil {
			return nil, err
		}
		mb.mailboxID = id
		mb.uidValidity = uidvalidity
		mb.nextUID = 1
	} else {
		mb.mailboxID = row.ID
		mb.uidValidity = row.UIDValidity
		mb.nextUID = row.NextUID
	}

	if err := mb.resyncLocked(ctx); err != nil {
		return nil, err
	}
	return mb, nil
}

func (mb *Mailbox) RegisterNotifier(n Notifier) {
	mb.notifyMu.Lock()
	defer mb.notifyMu.Unlock()
	mb.notifiers = append(mb.notifiers, n)
}

func (mb *Mailbox) notify() {
	mb.notifyMu.Lock()
	ns := append([]Notifier(nil), mb.notifiers...)
	mb.notifyMu.Unlock()
	for _, n := range ns {
		n.MailboxChanged(mb.folder.Rel)
	}
}

// NotifyDeleted tells every registered notifier that this mailbox has
// been deleted out from under them (RFC 2180 §3.3).
func (mb *Mailbox) NotifyDeleted() {
	mb.notifyMu.Lock()
	ns := append([]Notifier(nil), mb.notifiers...)
	mb.notifyMu.Unlock()
	for _, n := range ns {
		n.MailboxDeleted(mb.folder.Rel)
	}
}

func (mb *Mailbox) Rel() string        { return mb.folder.Rel }
func (mb *Mailbox) ID() int64          { return mb.mailboxID }
func (mb *Mailbox) UIDValidity() uint32 { return mb.uidValidity }

// Resync runs the six-step reconciliation (spec.md §4.3), but coalesces
// concurrent callers into a single pass via singleflight, satisfying
// the "at most one resync in progress per mailbox" invariant.
func (mb *Mailbox) Resync(ctx context.Context) error {
	_, err, _ := mb.resyncGroup.Do("resync", func() (interface{}, error) {
		mb.mu.Lock()
		defer mb.mu.Unlock()
		return nil, mb.resyncLocked(ctx)
	})
	return err
}

// resyncLocked implements the reconciliation steps:
//  1. list on-disk message keys
//  2. load the persisted UID<->key map
//  3. assign fresh UIDs to keys with no UID (new messages)
//  4. drop UID rows whose key file no longer exists (externally expunged)
//  5. read .mh_sequences for flags
//  6. rebuild the seq-number-ordered message list and recompute \Recent
//
// mb.mu must be held for write.
func (mb *Mailbox) resyncLocked(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.ObserveResync(time.Since(start)) }()

	keys, err := mb.folder.MessageKeys()
	if err != nil {
		return fmt.Errorf("mailbox: resync: list keys: %w", err)
	}
	keySet := make(map[int]bool, len(keys))
	for _, k := range keys {
		keySet[k] = true
	}

	rows, err := mb.db.LoadUIDs(ctx, mb.mailboxID)
	if err != nil {
		return fmt.Errorf("mailbox: resync: load uids: %w", err)
	}
	byKey := make(map[int]store.UIDRow, len(rows))
	knownUIDs := make(map[uint32]bool, len(rows))
	for _, r := range rows {
		byKey[r.MsgKey] = r
		knownUIDs[r.UID] = true
	}

	// Step 4: drop rows for keys no longer on disk.
	for _, r := range rows {
		if !keySet[r.MsgKey] {
			if err := mb.db.DeleteUID(ctx, mb.mailboxID, r.UID); err != nil {
				return err
			}
			delete(byKey, r.MsgKey)
		}
	}

	// Step 3: assign UIDs to new keys, in ascending key order so UID
	// order tracks arrival order.
	var newKeys []int
	for _, k := range keys {
		if _, ok := byKey[k]; !ok {
			newKeys = append(newKeys, k)
		}
	}
	sort.Ints(newKeys)
	for _, k := range newKeys {
		data, err := mb.folder.ReadMessage(k)
		if err != nil {
			continue // message vanished mid-resync; pick it up next pass
		}
		msg, err := message.Parse(data)
		var internalDate time.Time
		var size int64
		if err == nil {
			internalDate = msg.Date()
			size = msg.Size()
		} else {
			size = int64(len(data))
		}
		if internalDate.IsZero() {
			internalDate = time.Now()
		}
		uid := mb.nextUID
		mb.nextUID++
		row := store.UIDRow{
			UID:          uid,
			MsgKey:       k,
			Size:         size,
			InternalDate: internalDate.UnixNano(),
		}
		if err := mb.db.InsertUID(ctx, mb.mailboxID, row); err != nil {
			return err
		}
		byKey[k] = row
	}
	if err := mb.db.SetNextUID(ctx, mb.mailboxID, mb.nextUID); err != nil {
		return err
	}

	// Step 5: flags, via .mh_sequences.
	seqs, err := maildir.ReadSequences(mb.folder, mb.locker)
	if err != nil {
		return fmt.Errorf("mailbox: resync: read sequences: %w", err)
	}

	// Step 6: rebuild the ordered message list.
	ordered := make([]store.UIDRow, 0, len(byKey))
	for _, r := range byKey {
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].UID < ordered[j].UID })

	messages := make([]*MessageInfo, 0, len(ordered))
	byUID := make(map[uint32]*MessageInfo, len(ordered))
	for i, r := range ordered {
		flags := flagsFromSequences(seqs, r.MsgKey)
		recent := !knownUIDs[r.UID] // UID assigned this pass => newly arrived
		mi := &MessageInfo{
			SeqNum:       uint32(i + 1),
			UID:          r.UID,
			MsgKey:       r.MsgKey,
			Size:         r.Size,
			InternalDate: time.Unix(0, r.InternalDate),
			Flags:        flags,
			Recent:       recent,
		}
		messages = append(messages, mi)
		byUID[r.UID] = mi
	}

	changed := len(messages) != len(mb.messages)
	mb.messages = messages
	mb.byUID = byUID
	mb.lastResync = time.Now()
	if changed {
		mb.highestModSeq++
		mb.notify()
	}
	return mb.db.TouchResync(ctx, mb.mailboxID, mb.lastResync.UnixNano())
}

// mhSequenceToFlag maps MH's well-known sequence names to the IMAP
// flags spec.md §3/§4.3 requires they become: "replied" -> \Answered,
// "flagged" -> \Flagged, "deleted" -> \Deleted. "unseen" is handled
// separately in flagsFromSequences, since it maps to the *absence* of
// \Seen rather than to a flag of its own.
var mhSequenceToFlag = map[string]string{
	"replied": `\Answered`,
	"flagged": `\Flagged`,
	"deleted": `\Deleted`,
}

// flagToMHSequence is the inverse of mhSequenceToFlag, used when a
// STORE or APPEND needs to write an IMAP flag back into
// .mh_sequences.
var flagToMHSequence = map[string]string{
	`\Answered`: "replied",
	`\Flagged`:  "flagged",
	`\Deleted`:  "deleted",
}

// mhSequenceForFlag returns the .mh_sequences name a given IMAP flag
// is stored under. Flags with no well-known MH sequence (custom
// keywords, or \Seen, which callers must handle separately) pass
// through under their own name.
func mhSequenceForFlag(flag string) string {
	if name, ok := flagToMHSequence[flag]; ok {
		return name
	}
	return flag
}

// flagsFromSequences derives one message's IMAP flags from its
// .mh_sequences membership. \Seen is the complement of "unseen"
// membership (spec.md §3: "unseen -> complement is \Seen"); the other
// well-known sequences map directly via mhSequenceToFlag, and
// anything else (a keyword, or a third-party tool's own sequence)
// passes through unchanged.
func flagsFromSequences(seqs map[string]map[int]bool, key int) map[string]bool {
	flags := map[string]bool{}
	if unseen := seqs["unseen"]; !unseen[key] {
		flags[`\Seen`] = true
	}
	for name, set := range seqs {
		if name == "unseen" || !set[key] {
			continue
		}
		if flag, ok := mhSequenceToFlag[name]; ok {
			flags[flag] = true
		} else {
			flags[name] = true
		}
	}
	return flags
}

// Info is the snapshot used to answer STATUS/SELECT/EXAMINE.
type Info struct {
	NumMessages        uint32
	NumRecent          uint32
	NumUnseen          uint32
	UIDNext            uint32
	UIDValidity        uint32
	FirstUnseenSeqNum  uint32
	HighestModSequence int64
}

func (mb *Mailbox) Info() Info {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	info := Info{
		NumMessages:        uint32(len(mb.messages)),
		UIDNext:            mb.nextUID,
		UIDValidity:        mb.uidValidity,
		HighestModSequence: mb.highestModSeq,
	}
	for _, m := range mb.messages {
		if m.Recent {
			info.NumRecent++
		}
		if !m.HasFlag(`\Seen`) {
			info.NumUnseen++
			if info.FirstUnseenSeqNum == 0 {
				info.FirstUnseenSeqNum = m.SeqNum
			}
		}
	}
	return info
}

// Messages returns the current sequence-ordered snapshot. Callers must
// not mutate the returned slice or its elements.
func (mb *Mailbox) Messages() []*MessageInfo {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	out := make([]*MessageInfo, len(mb.messages))
	copy(out, mb.messages)
	return out
}

func (mb *Mailbox) ByUID(uid uint32) (*MessageInfo, bool) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	m, ok := mb.byUID[uid]
	return m, ok
}

func (mb *Mailbox) BySeq(seq uint32) (*MessageInfo, bool) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if seq < 1 || int(seq) > len(mb.messages) {
		return nil, false
	}
	return mb.messages[seq-1], true
}

func (mb *Mailbox) ReadMessage(mi *MessageInfo) ([]byte, error) {
	return mb.folder.ReadMessage(mi.MsgKey)
}

func (mb *Mailbox) Touch() { mb.mu.Lock(); mb.lastAccess = time.Now(); mb.mu.Unlock() }

func (mb *Mailbox) IdleSince() time.Duration {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return time.Since(mb.lastAccess)
}
