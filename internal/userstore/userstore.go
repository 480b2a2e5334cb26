// Package userstore is the per-user worker's view of its own account:
// one MH tree, one embedded database, and the cache of currently-open
// internal/mailbox.Mailbox objects. Grounded on the teacher's
// spilldb/spillbox.Box (one struct owning the user's db pool plus the
// operations every session needs), generalized from SQL-resident mail
// to an MH tree fronted by internal/store.
package userstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scanner/asimap/internal/mailbox"
	"github.com/scanner/asimap/internal/maildir"
	"github.com/scanner/asimap/internal/store"
)

type Store struct {
	Root   *maildir.Root
	DB     *store.DB
	Locker maildir.Locker

	mu       sync.Mutex
	mailboxes map[string]*mailbox.Mailbox

	notifyMu  sync.Mutex
	notifiers []mailbox.Notifier

	refs int32
}

func Open(dbfile, maildirPath string, lockingEnabled bool) (*Store, error) {
	db, err := store.Open(dbfile)
	if err != nil {
		return nil, err
	}
	var locker maildir.Locker = maildir.NopLocker{}
	if lockingEnabled {
		locker = maildir.FileLocker{}
	}
	s := &Store{
		Root:      maildir.NewRoot(maildirPath),
		DB:        db,
		Locker:    locker,
		mailboxes: map[string]*mailbox.Mailbox{},
		refs:      1,
	}
	return s, nil
}

// Retain records another concurrent checkout of this Store (the worker
// process shares one Store, and its cache of open Mailbox objects,
// across every session on the same account).
func (s *Store) Retain() *Store {
	atomic.AddInt32(&s.refs, 1)
	return s
}

// Release ends one checkout. The database is only closed once every
// checkout, including the worker's own initial one from Open, has been
// released.
func (s *Store) Release() error {
	if atomic.AddInt32(&s.refs, -1) > 0 {
		return nil
	}
	return s.DB.Close()
}

// Close is Release for the checkout made by Open; kept for callers
// (tests, one-shot tools) that never call Retain.
func (s *Store) Close() error { return s.Release() }

func (s *Store) RegisterNotifier(n mailbox.Notifier) {
	s.notifyMu.Lock()
	s.notifiers = append(s.notifiers, n)
	s.notifyMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, mb := range s.mailboxes {
		mb.RegisterNotifier(n)
	}
}

// Open returns the cached Mailbox for rel, opening (and resyncing) it
// if this is the first access since the worker started or since it was
// evicted by ExpireInactive.
func (s *Store) Open(ctx context.Context, rel string) (*mailbox.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mb, ok := s.mailboxes[rel]; ok {
		return mb, nil
	}

	mb, err := mailbox.Open(ctx, s.Root, rel, s.DB, s.Locker)
	if err != nil {
		return nil, err
	}
	s.notifyMu.Lock()
	for _, n := range s.notifiers {
		mb.RegisterNotifier(n)
	}
	s.notifyMu.Unlock()

	s.mailboxes[rel] = mb
	return mb, nil
}

// ExpireInactive evicts every cached mailbox with no recent access and
// no live CONTEXT holders, per spec.md §4.3's "expire inactive
// mailboxes" sweep. inUse reports whether rel currently has a selected
// session or CONTEXT subscriber, supplied by the caller (the session
// dispatcher owns that bookkeeping).
func (s *Store) ExpireInactive(idleFor time.Duration, inUse func(rel string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for rel, mb := range s.mailboxes {
		if inUse(rel) {
			continue
		}
		if mb.IdleSince() < idleFor {
			continue
		}
		delete(s.mailboxes, rel)
	}
}

// ScanNewFolders walks the MH tree and opens (registering in the
// cache) any folder not already known, for the periodic "find new
// folders" background trigger.
func (s *Store) ScanNewFolders(ctx context.Context) ([]string, error) {
	rels, err := s.Root.WalkFolders()
	if err != nil {
		return nil, err
	}
	var fresh []string
	s.mu.Lock()
	var toOpen []string
	for _, rel := range rels {
		if _, ok := s.mailboxes[rel]; !ok {
			toOpen = append(toOpen, rel)
		}
	}
	s.mu.Unlock()

	for _, rel := range toOpen {
		if _, err := s.Open(ctx, rel); err != nil {
			continue
		}
		fresh = append(fresh, rel)
	}
	return fresh, nil
}

func CanonicalPath(name []byte) string {
	s := strings.Trim(string(name), "/")
	if s == "INBOX" || strings.EqualFold(s, "inbox") {
		return "INBOX"
	}
	return s
}

func (s *Store) CreateFolder(ctx context.Context, rel string) error {
	rel = CanonicalPath([]byte(rel))
	if rel == "" {
		return fmt.Errorf("userstore: cannot create root")
	}
	f := s.Root.Folder(rel)
	if f.Exists() {
		return fmt.Errorf("userstore: mailbox already exists")
	}
	if err := f.Create(); err != nil {
		return err
	}
	_, err := s.Open(ctx, rel)
	return err
}

func (s *Store) DeleteFolder(ctx context.Context, rel string) error {
	rel = CanonicalPath([]byte(rel))
	f := s.Root.Folder(rel)
	if !f.Exists() {
		return fmt.Errorf("userstore: no such mailbox")
	}
	children, err := f.Children()
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return fmt.Errorf("userstore: mailbox has inferior hierarchical names")
	}
	s.mu.Lock()
	mb, wasOpen := s.mailboxes[rel]
	delete(s.mailboxes, rel)
	s.mu.Unlock()
	if wasOpen {
		mb.NotifyDeleted()
	}
	if err := s.DB.DeleteMailboxRow(ctx, mailboxIDOrZero(mb)); err != nil {
		return err
	}
	return f.Delete()
}

func mailboxIDOrZero(mb *mailbox.Mailbox) int64 {
	if mb == nil {
		return 0
	}
	return mb.ID()
}

func (s *Store) RenameFolder(ctx context.Context, oldRel, newRel string) error {
	oldRel = CanonicalPath([]byte(oldRel))
	newRel = CanonicalPath([]byte(newRel))
	f := s.Root.Folder(oldRel)
	if !f.Exists() {
		return fmt.Errorf("userstore: no such mailbox")
	}
	if err := f.Rename(newRel); err != nil {
		return err
	}
	if err := s.DB.RenameMailboxRow(ctx, oldRel, newRel); err != nil {
		return err
	}
	s.mu.Lock()
	if mb, ok := s.mailboxes[oldRel]; ok {
		delete(s.mailboxes, oldRel)
		s.mailboxes[newRel] = mb
	}
	s.mu.Unlock()

	// INBOX rename leaves behind a fresh empty INBOX (RFC 3501 §6.3.5).
	if oldRel == "INBOX" {
		return s.Root.Folder("INBOX").Create()
	}
	return nil
}

func (s *Store) ListFolders() ([]string, error) {
	return s.Root.WalkFolders()
}

func (s *Store) Subscribe(ctx context.Context, rel string) error {
	return s.DB.Subscribe(ctx, CanonicalPath([]byte(rel)))
}

func (s *Store) Unsubscribe(ctx context.Context, rel string) error {
	return s.DB.Unsubscribe(ctx, CanonicalPath([]byte(rel)))
}

func (s *Store) Subscriptions(ctx context.Context) (map[string]bool, error) {
	return s.DB.Subscriptions(ctx)
}
