package store

// createSQL is the per-user embedded database schema (spec.md §4.5):
// one small SQLite file per worker, opened exclusively by that worker,
// holding UIDVALIDITY/NEXT-UID/UID-map/flag-sequence state and
// subscriptions. The pattern (WAL mode, schema in an embedded string,
// sqlitex pooled connections) follows the teacher's spilldb/db package.
const createSQL = `
PRAGMA auto_vacuum = INCREMENTAL;

CREATE TABLE IF NOT EXISTS mailboxes (
	mailbox_id    INTEGER PRIMARY KEY,
	path          TEXT NOT NULL UNIQUE,  -- canonical IMAP path, "/" separator, "" root
	uidvalidity   INTEGER NOT NULL,
	next_uid      INTEGER NOT NULL,
	attrs         INTEGER NOT NULL DEFAULT 0, -- bitmask of ListAttrFlag
	last_resync   INTEGER NOT NULL DEFAULT 0  -- unix nanos
);

CREATE TABLE IF NOT EXISTS uids (
	mailbox_id    INTEGER NOT NULL,
	uid           INTEGER NOT NULL,
	msg_key       INTEGER NOT NULL,
	size          INTEGER NOT NULL,
	internal_date INTEGER NOT NULL, -- unix nanos

	PRIMARY KEY (mailbox_id, uid),
	FOREIGN KEY (mailbox_id) REFERENCES mailboxes(mailbox_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS uids_by_key ON uids(mailbox_id, msg_key);

CREATE TABLE IF NOT EXISTS subscriptions (
	path TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS sequences (
	mailbox_id    INTEGER NOT NULL,
	flag          TEXT NOT NULL,     -- e.g. \Seen, \Deleted, or an IMAP keyword
	uid_set_blob  TEXT NOT NULL,     -- comma separated canonical uid ranges

	PRIMARY KEY (mailbox_id, flag),
	FOREIGN KEY (mailbox_id) REFERENCES mailboxes(mailbox_id)
);
`
