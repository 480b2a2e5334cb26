// Package wire implements the IMAP4rev1 command/response codec: a
// streaming scanner and parser that understands synchronizing and
// non-synchronizing literals, and a writer that serializes untagged and
// tagged responses with correct atom/string/literal quoting.
package wire

import (
	"time"

	"crawshaw.io/iox"
)

// Command is the parsed syntax tree for one client command line (which
// may have consumed several literals across several reads).
type Command struct {
	Tag  []byte
	Name string

	// UID is set when the client prefixed the command with "UID "; the
	// response must report UIDs rather than sequence numbers.
	UID bool

	Mailbox []byte // SELECT, EXAMINE, CREATE, DELETE, SUBSCRIBE, UNSUBSCRIBE, STATUS, APPEND, COPY, MOVE

	Condstore bool

	Sequences []SeqRange // FETCH, STORE, COPY, MOVE, UID EXPUNGE

	Literal *iox.BufferFile // single-literal APPEND

	Appends []AppendPart // MULTIAPPEND: one or more (flags, date, literal) tuples

	Rename struct {
		OldMailbox []byte
		NewMailbox []byte
	}

	Params [][]byte // ENABLE, ID

	Auth struct {
		Mechanism []byte // AUTHENTICATE
		Username  []byte
		Password  []byte
	}

	List List // LIST, LSUB

	Status struct {
		Items []StatusItem
	}

	FetchItems   []FetchItem
	ChangedSince int64
	Vanished     bool

	Store Store

	Search Search

	Sort SortSpec // SORT, UID SORT

	IdleDone bool // DONE received while idling
}

// AppendPart is one message of a MULTIAPPEND (RFC 3502) command; a
// single-message APPEND is represented as a one-element slice.
type AppendPart struct {
	Flags   [][]byte
	Date    []byte
	Literal *iox.BufferFile
}

type List struct {
	ReferenceName []byte
	MailboxGlob   []byte

	// RFC 5258 LIST-EXTENDED
	SelectOptions []string // SUBSCRIBED, REMOTE, RECURSIVEMATCH
	ReturnOptions []string // SUBSCRIBED, CHILDREN, STATUS

	// RFC 5819 LIST-STATUS
	StatusItems []StatusItem
}

type Store struct {
	Mode           StoreMode
	Silent         bool
	Flags          [][]byte
	UnchangedSince int64
}

type StoreMode int

const (
	StoreUnknown StoreMode = iota
	StoreAdd               // +FLAGS
	StoreRemove            // -FLAGS
	StoreReplace           //  FLAGS
)

type StatusItem int

const (
	StatusUnknownItem StatusItem = iota
	StatusMessages
	StatusRecent
	StatusUIDNext
	StatusUIDValidity
	StatusUnseen
	StatusHighestModSeq
)

// SeqRange is a normalized seq-range: Min <= Max, 0 is the placeholder
// for '*'.
type SeqRange struct {
	Min uint32
	Max uint32
}

type FetchItem struct {
	Type    FetchItemType
	Peek    bool
	Section FetchItemSection
	Partial struct {
		Has    bool
		Start  uint32
		Length uint32
	}
}

type FetchItemSection struct {
	Path    []uint16
	Name    string // HEADER, HEADER.FIELDS[.NOT], TEXT, MIME, ""
	Headers [][]byte
}

type FetchItemType string

const (
	FetchUnknown = FetchItemType("FetchUnknown")

	FetchAll  = FetchItemType("ALL")
	FetchFull = FetchItemType("FULL")
	FetchFast = FetchItemType("FAST")

	FetchEnvelope      = FetchItemType("ENVELOPE")
	FetchFlags         = FetchItemType("FLAGS")
	FetchInternalDate  = FetchItemType("INTERNALDATE")
	FetchRFC822Header  = FetchItemType("RFC822.HEADER")
	FetchRFC822Size    = FetchItemType("RFC822.SIZE")
	FetchRFC822Text    = FetchItemType("RFC822.TEXT")
	FetchUID           = FetchItemType("UID")
	FetchBodyStructure = FetchItemType("BODYSTRUCTURE")
	FetchBody          = FetchItemType("BODY")
	// FetchBodyNonExt is the bare "BODY" fetch attribute (no brackets):
	// the non-extensible form of BODYSTRUCTURE (RFC 3501 §6.4.5), distinct
	// from FetchBody's "BODY[section]" octet fetch.
	FetchBodyNonExt = FetchItemType("BODY-NONEXT")
	FetchModSeq     = FetchItemType("MODSEQ")
)

// Search is a SEARCH or SEARCH RETURN (ESEARCH, RFC 4731/5267) command.
type Search struct {
	Op      *SearchOp
	Charset string
	Return  []string // MIN, MAX, ALL, COUNT, UPDATE, PARTIAL, CONTEXT, NOUPDATE
	Partial SeqRange // valid when Return contains PARTIAL
}

// SearchOp is a node in a parsed search program.
type SearchOp struct {
	Key SearchKey

	// Children holds sub-predicates when Key is AND, OR, or NOT (len==1
	// for NOT).
	Children []SearchOp

	Value string // BCC, CC, FROM, HEADER ("<field>: <string>"), KEYWORD, SUBJECT, TEXT, TO, UNKEYWORD

	Num       int64
	Sequences []SeqRange // SEQSET, UID

	Date time.Time
}

type SearchKey string

// SortSpec is a parsed SORT/UID SORT (RFC 5256) command.
type SortSpec struct {
	Keys    []SortKey
	Charset string
	Search  SearchOp
}

type SortKey struct {
	Field   SortField
	Reverse bool
}

type SortField string

const (
	SortArrival SortField = "ARRIVAL"
	SortCc      SortField = "CC"
	SortDate    SortField = "DATE"
	SortFrom    SortField = "FROM"
	SortSize    SortField = "SIZE"
	SortSubject SortField = "SUBJECT"
	SortTo      SortField = "TO"
)

type Mode int

const (
	ModeNonAuth Mode = iota
	ModeAuth
	ModeSelected
	ModeLogout
)
