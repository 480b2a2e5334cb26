// Package store is the per-user embedded database: UIDVALIDITY,
// NEXT-UID, the UID↔message-key map, per-mailbox flag sequences, and
// mailbox subscriptions (spec.md §4.5). It is opened exclusively by one
// user worker process; the dispatcher never opens it.
package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

type DB struct {
	pool *sqlitex.Pool
}

// Open opens (creating if necessary) the per-user database at dbfile.
// An empty dbfile opens an in-memory database, used by tests and by
// disaster-recovery callers rebuilding state from scratch.
func Open(dbfile string) (*DB, error) {
	if dbfile == "" {
		dbfile = "file::memory:?mode=memory&cache=shared"
	}
	conn, err := sqlite.OpenConn(dbfile, 0)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := sqlitex.ExecTransient(conn, "PRAGMA journal_mode=WAL;", nil); err != nil {
		conn.Close()
		return nil, err
	}
	if err := sqlitex.ExecScript(conn, createSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	// The pool is opened before conn is closed: a shared-cache in-memory
	// database, and the schema just created in it, is dropped when its
	// last connection closes.
	pool, err := sqlitex.Open(dbfile, 0, 4)
	conn.Close()
	if err != nil {
		return nil, fmt.Errorf("store: pool: %w", err)
	}
	return &DB{pool: pool}, nil
}

func (db *DB) Close() error { return db.pool.Close() }

func (db *DB) conn(ctx context.Context) (*sqlite.Conn, func()) {
	conn := db.pool.Get(ctx)
	return conn, func() { db.pool.Put(conn) }
}

// MailboxRow is the persisted state of one mailbox.
type MailboxRow struct {
	ID          int64
	Path        string
	UIDValidity uint32
	NextUID     uint32
	Attrs       int64
	LastResync  int64
}

// LoadMailbox returns the persisted row for path, or (zero, false, nil)
// if the mailbox has never been persisted.
func (db *DB) LoadMailbox(ctx context.Context, path string) (MailboxRow, bool, error) {
	conn, put := db.conn(ctx)
	defer put()

	stmt := conn.Prep(`SELECT mailbox_id, uidvalidity, next_uid, attrs, last_resync
		FROM mailboxes WHERE path = $path;`)
	stmt.SetText("$path", path)
	defer stmt.Reset()

	has, err := stmt.Step()
	if err != nil {
		return MailboxRow{}, false, err
	}
	if !has {
		return MailboxRow{}, false, nil
	}
	return MailboxRow{
		ID:          stmt.GetInt64("mailbox_id"),
		Path:        path,
		UIDValidity: uint32(stmt.GetInt64("uidvalidity")),
		NextUID:     uint32(stmt.GetInt64("next_uid")),
		Attrs:       stmt.GetInt64("attrs"),
		LastResync:  stmt.GetInt64("last_resync"),
	}, true, nil
}

// CreateMailbox inserts a brand-new mailbox row with a fresh
// UIDVALIDITY (the caller picks the value, typically the current Unix
// second per spec.md §4.3's UIDVALIDITY-change rule).
func (db *DB) CreateMailbox(ctx context.Context, path string, uidvalidity uint32) (int64, error) {
	conn, put := db.conn(ctx)
	defer put()

	stmt := conn.Prep(`INSERT INTO mailboxes (path, uidvalidity, next_uid, attrs, last_resync)
		VALUES ($path, $uidvalidity, 1, 0, 0);`)
	stmt.SetText("$path", path)
	stmt.SetInt64("$uidvalidity", int64(uidvalidity))
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	return conn.LastInsertRowID(), nil
}

// ResetMailbox rewrites uidvalidity/next_uid for an existing mailbox
// and deletes its UID map and sequences, as when spec.md's
// UIDVALIDITY-change rule fires (lost/irreconcilable on-disk state).
func (db *DB) ResetMailbox(ctx context.Context, mailboxID int64, uidvalidity uint32) error {
	conn, put := db.conn(ctx)
	defer put()

	if err := sqlitex.Exec(conn, `DELETE FROM uids WHERE mailbox_id = ?;`, nil, mailboxID); err != nil {
		return err
	}
	if err := sqlitex.Exec(conn, `DELETE FROM sequences WHERE mailbox_id = ?;`, nil, mailboxID); err != nil {
		return err
	}
	return sqlitex.Exec(conn, `UPDATE mailboxes SET uidvalidity = ?, next_uid = 1 WHERE mailbox_id = ?;`,
		nil, int64(uidvalidity), mailboxID)
}

func (db *DB) DeleteMailboxRow(ctx context.Context, mailboxID int64) error {
	conn, put := db.conn(ctx)
	defer put()
	if err := sqlitex.Exec(conn, `DELETE FROM uids WHERE mailbox_id = ?;`, nil, mailboxID); err != nil {
		return err
	}
	if err := sqlitex.Exec(conn, `DELETE FROM sequences WHERE mailbox_id = ?;`, nil, mailboxID); err != nil {
		return err
	}
	return sqlitex.Exec(conn, `DELETE FROM mailboxes WHERE mailbox_id = ?;`, nil, mailboxID)
}

func (db *DB) RenameMailboxRow(ctx context.Context, oldPath, newPath string) error {
	conn, put := db.conn(ctx)
	defer put()
	return sqlitex.Exec(conn, `UPDATE mailboxes SET path = ? WHERE path = ?;`, nil, newPath, oldPath)
}

func (db *DB) SetAttrs(ctx context.Context, mailboxID int64, attrs int64) error {
	conn, put := db.conn(ctx)
	defer put()
	return sqlitex.Exec(conn, `UPDATE mailboxes SET attrs = ? WHERE mailbox_id = ?;`, nil, attrs, mailboxID)
}

func (db *DB) SetNextUID(ctx context.Context, mailboxID int64, nextUID uint32) error {
	conn, put := db.conn(ctx)
	defer put()
	return sqlitex.Exec(conn, `UPDATE mailboxes SET next_uid = ? WHERE mailbox_id = ?;`, nil, int64(nextUID), mailboxID)
}

func (db *DB) TouchResync(ctx context.Context, mailboxID int64, when int64) error {
	conn, put := db.conn(ctx)
	defer put()
	return sqlitex.Exec(conn, `UPDATE mailboxes SET last_resync = ? WHERE mailbox_id = ?;`, nil, when, mailboxID)
}

// UIDRow maps one persisted UID to its MH message-key.
type UIDRow struct {
	UID          uint32
	MsgKey       int
	Size         int64
	InternalDate int64
}

func (db *DB) LoadUIDs(ctx context.Context, mailboxID int64) ([]UIDRow, error) {
	conn, put := db.conn(ctx)
	defer put()

	var rows []UIDRow
	err := sqlitex.Exec(conn, `SELECT uid, msg_key, size, internal_date FROM uids
		WHERE mailbox_id = ? ORDER BY uid ASC;`, func(stmt *sqlite.Stmt) error {
		rows = append(rows, UIDRow{
			UID:          uint32(stmt.GetInt64("uid")),
			MsgKey:       int(stmt.GetInt64("msg_key")),
			Size:         stmt.GetInt64("size"),
			InternalDate: stmt.GetInt64("internal_date"),
		})
		return nil
	}, mailboxID)
	return rows, err
}

func (db *DB) InsertUID(ctx context.Context, mailboxID int64, row UIDRow) error {
	conn, put := db.conn(ctx)
	defer put()
	return sqlitex.Exec(conn, `INSERT INTO uids (mailbox_id, uid, msg_key, size, internal_date)
		VALUES (?, ?, ?, ?, ?);`, nil, mailboxID, int64(row.UID), int64(row.MsgKey), row.Size, row.InternalDate)
}

func (db *DB) DeleteUID(ctx context.Context, mailboxID int64, uid uint32) error {
	conn, put := db.conn(ctx)
	defer put()
	return sqlitex.Exec(conn, `DELETE FROM uids WHERE mailbox_id = ? AND uid = ?;`, nil, mailboxID, int64(uid))
}

// ReplaceSequence persists the full UID set for one flag name, encoded
// as comma-separated ranges written "lo-hi" (a lone UID stands by
// itself).
func (db *DB) ReplaceSequence(ctx context.Context, mailboxID int64, flag string, uids []uint32) error {
	conn, put := db.conn(ctx)
	defer put()

	blob := encodeUIDSet(uids)
	return sqlitex.Exec(conn, `INSERT INTO sequences (mailbox_id, flag, uid_set_blob) VALUES (?, ?, ?)
		ON CONFLICT(mailbox_id, flag) DO UPDATE SET uid_set_blob = excluded.uid_set_blob;`,
		nil, mailboxID, flag, blob)
}

func (db *DB) LoadSequences(ctx context.Context, mailboxID int64) (map[string][]uint32, error) {
	conn, put := db.conn(ctx)
	defer put()

	out := map[string][]uint32{}
	err := sqlitex.Exec(conn, `SELECT flag, uid_set_blob FROM sequences WHERE mailbox_id = ?;`,
		func(stmt *sqlite.Stmt) error {
			out[stmt.GetText("flag")] = decodeUIDSet(stmt.GetText("uid_set_blob"))
			return nil
		}, mailboxID)
	return out, err
}

func (db *DB) Subscribe(ctx context.Context, path string) error {
	conn, put := db.conn(ctx)
	defer put()
	return sqlitex.Exec(conn, `INSERT OR IGNORE INTO subscriptions (path) VALUES (?);`, nil, path)
}

func (db *DB) Unsubscribe(ctx context.Context, path string) error {
	conn, put := db.conn(ctx)
	defer put()
	return sqlitex.Exec(conn, `DELETE FROM subscriptions WHERE path = ?;`, nil, path)
}

func (db *DB) Subscriptions(ctx context.Context) (map[string]bool, error) {
	conn, put := db.conn(ctx)
	defer put()
	out := map[string]bool{}
	err := sqlitex.Exec(conn, `SELECT path FROM subscriptions;`, func(stmt *sqlite.Stmt) error {
		out[stmt.GetText("path")] = true
		return nil
	})
	return out, err
}

func encodeUIDSet(uids []uint32) string {
	if len(uids) == 0 {
		return ""
	}
	sorted := append([]uint32(nil), uids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var parts []string
	i := 0
	for i < len(sorted) {
		j := i
		for j+1 < len(sorted) && sorted[j+1] == sorted[j]+1 {
			j++
		}
		if j == i {
			parts = append(parts, strconv.FormatUint(uint64(sorted[i]), 10))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", sorted[i], sorted[j]))
		}
		i = j + 1
	}
	return strings.Join(parts, ",")
}

func decodeUIDSet(blob string) []uint32 {
	if blob == "" {
		return nil
	}
	var out []uint32
	for _, tok := range strings.Split(blob, ",") {
		if lo, hi, ok := strings.Cut(tok, "-"); ok {
			loN, err1 := strconv.ParseUint(lo, 10, 32)
			hiN, err2 := strconv.ParseUint(hi, 10, 32)
			if err1 == nil && err2 == nil {
				for v := loN; v <= hiN; v++ {
					out = append(out, uint32(v))
				}
			}
			continue
		}
		if n, err := strconv.ParseUint(tok, 10, 32); err == nil {
			out = append(out, uint32(n))
		}
	}
	return out
}
