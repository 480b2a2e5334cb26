// Package session implements the IMAP4rev1 command engine (spec.md
// §4.2): the Non-Authenticated/Authenticated/Selected/Logout state
// machine, tag discipline, and the per-command dispatch loop. Grounded
// on the teacher's imap/imapserver/imapserver.go Conn.serve /
// serveParseCmd / serveCmd shape, generalized to the mailbox/search
// packages built for this module instead of spillbox's SQL store.
package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"crawshaw.io/iox"
	"go.uber.org/zap"

	"github.com/scanner/asimap/internal/mailbox"
	"github.com/scanner/asimap/internal/metrics"
	"github.com/scanner/asimap/internal/userstore"
	"github.com/scanner/asimap/internal/wire"
)

const (
	capabilityNonAuth = `IMAP4rev1 LITERAL+ AUTH=PLAIN STARTTLS`
	capabilityAuth    = `IMAP4rev1 LITERAL+ IDLE NAMESPACE UIDPLUS MULTIAPPEND ` +
		`UNSELECT CHILDREN SORT ESORT ESEARCH CONTEXT=SEARCH CONTEXT=SORT ` +
		`LIST-EXTENDED LIST-STATUS MOVE ENABLE CONDSTORE`
)

// IdleTimeout is the server-initiated BYE deadline for IDLE (RFC 3501
// recommends no more than 30 minutes; this module rounds down to 29 to
// leave margin for the client's own keepalive).
const IdleTimeout = 29 * time.Minute

// InactivityTimeout disconnects an authenticated session that issues no
// command for this long.
const InactivityTimeout = 30 * time.Minute

// Authenticator verifies a username/password pair and, on success,
// returns the user's opened store. It is supplied by the worker
// process that owns the account (internal/userserver).
type Authenticator func(ctx context.Context, username, password string) (*userstore.Store, error)

type Session struct {
	ID string

	conn     net.Conn
	br       *bufio.Reader
	bw       *bufio.Writer
	bwMu     sync.Mutex
	filer    *iox.Filer
	parser   *wire.Parser
	w        *wire.Writer
	log      *zap.Logger
	authFn   Authenticator
	isTLS    bool
	maxLit   int64

	mode     wire.Mode
	username string
	store    *userstore.Store

	selRel   string
	selMB    *mailbox.Mailbox
	readOnly bool

	condstore bool
	enabled   map[string]bool

	contexts *liveContexts

	lastUIDs  []uint32
	lastFlags map[uint32]string

	tagsInUse map[string]bool

	idling    bool
	lastCmdAt time.Time
}

func New(conn net.Conn, id string, log *zap.Logger, authFn Authenticator, isTLS bool, maxLiteral int64) *Session {
	s := &Session{
		ID:        id,
		conn:      conn,
		log:       log,
		authFn:    authFn,
		isTLS:     isTLS,
		maxLit:    maxLiteral,
		mode:      wire.ModeNonAuth,
		enabled:   map[string]bool{},
		tagsInUse: map[string]bool{},
		contexts:  newLiveContexts(),
		lastFlags: map[uint32]string{},
		lastCmdAt: time.Now(),
	}
	s.filer = iox.NewFiler(0)
	s.initBufio(conn, conn)
	return s
}

// AttachAuthenticated skips the Non-Authenticated state: used by the
// per-user worker process, which only ever receives connections the
// dispatcher has already run LOGIN/AUTHENTICATE against (spec.md §4's
// multi-process handoff). No greeting is re-sent; the client already
// received its tagged OK from the dispatcher.
func (s *Session) AttachAuthenticated(username string, st *userstore.Store) {
	s.username = username
	s.store = st
	s.mode = wire.ModeAuth
}

func (s *Session) initBufio(r io.Reader, w io.Writer) {
	s.br = bufio.NewReader(r)
	s.bw = bufio.NewWriter(w)
	s.w = wire.NewWriter(s.bw)
	s.parser = wire.NewParser(s.br, s.filer, s.awaitContinue, s.maxLit)
}

func (s *Session) awaitContinue() error {
	s.bwMu.Lock()
	defer s.bwMu.Unlock()
	return s.w.Continuation("Ready for literal data")
}

// Serve runs the command loop until the client disconnects or LOGOUT.
func (s *Session) Serve(ctx context.Context) {
	defer s.cleanup()

	if s.mode == wire.ModeNonAuth {
		s.bwMu.Lock()
		s.w.Untagged("OK IMAP4rev1 Service Ready")
		s.w.Flush()
		s.bwMu.Unlock()
	}

	for {
		if s.mode != wire.ModeNonAuth {
			s.conn.SetReadDeadline(time.Now().Add(InactivityTimeout))
		}
		if !s.step(ctx) {
			return
		}
		if s.mode == wire.ModeLogout {
			return
		}
	}
}

func (s *Session) cleanup() {
	if s.selMB != nil {
		s.deselect()
	}
	if s.store != nil {
		s.store.Release()
	}
	s.conn.Close()
}

func (s *Session) step(ctx context.Context) bool {
	s.deliverPendingUpdates()
	s.pushContextUpdates()

	cmd, err := s.parser.ParseCommand()
	if err == io.EOF {
		return false
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return false
	}
	if err != nil {
		s.bwMu.Lock()
		s.w.Untagged("BAD %v", err)
		s.w.Flush()
		s.bwMu.Unlock()
		return true
	}

	s.lastCmdAt = time.Now()
	s.dispatch(ctx, cmd)
	return true
}

func (s *Session) ok(tag []byte, format string, args ...interface{}) {
	s.bwMu.Lock()
	defer s.bwMu.Unlock()
	s.w.Tagged(tag, "OK "+fmt.Sprintf(format, args...))
	s.w.Flush()
}

func (s *Session) no(tag []byte, format string, args ...interface{}) {
	s.bwMu.Lock()
	defer s.bwMu.Unlock()
	s.w.Tagged(tag, "NO "+fmt.Sprintf(format, args...))
	s.w.Flush()
}

func (s *Session) bad(tag []byte, format string, args ...interface{}) {
	s.bwMu.Lock()
	defer s.bwMu.Unlock()
	s.w.Tagged(tag, "BAD "+fmt.Sprintf(format, args...))
	s.w.Flush()
}

func (s *Session) dispatch(ctx context.Context, cmd *wire.Command) {
	name := strings.ToUpper(cmd.Name)
	metrics.CommandsProcessed.WithLabelValues(name).Inc()

	if s.tagsInUse[string(cmd.Tag)] {
		s.bad(cmd.Tag, "Tag reuse")
		return
	}

	switch name {
	case "CAPABILITY":
		s.cmdCapability(cmd)
		return
	case "NOOP":
		s.ok(cmd.Tag, "NOOP completed")
		return
	case "LOGOUT":
		s.cmdLogout(cmd)
		return
	case "STARTTLS":
		s.cmdStartTLS(cmd)
		return
	}

	if s.mode == wire.ModeNonAuth {
		switch name {
		case "LOGIN":
			s.cmdLogin(ctx, cmd)
		case "AUTHENTICATE":
			s.cmdAuthenticate(ctx, cmd)
		default:
			s.bad(cmd.Tag, "not authenticated")
		}
		return
	}

	switch name {
	case "SELECT", "EXAMINE":
		s.cmdSelect(ctx, cmd, name == "EXAMINE")
		return
	case "CREATE":
		s.cmdCreate(ctx, cmd)
		return
	case "DELETE":
		s.cmdDelete(ctx, cmd)
		return
	case "RENAME":
		s.cmdRename(ctx, cmd)
		return
	case "SUBSCRIBE":
		s.cmdSubscribe(ctx, cmd, true)
		return
	case "UNSUBSCRIBE":
		s.cmdSubscribe(ctx, cmd, false)
		return
	case "LIST", "LSUB":
		s.cmdList(ctx, cmd, name == "LSUB")
		return
	case "STATUS":
		s.cmdStatus(ctx, cmd)
		return
	case "APPEND":
		s.cmdAppend(ctx, cmd)
		return
	case "NAMESPACE":
		s.cmdNamespace(cmd)
		return
	case "ENABLE":
		s.cmdEnable(cmd)
		return
	case "ID":
		s.cmdID(cmd)
		return
	case "IDLE":
		s.cmdIdle(ctx, cmd)
		return
	case "UNSELECT":
		s.cmdUnselect(cmd)
		return
	case "CANCELUPDATE":
		s.cmdCancelUpdate(cmd)
		return
	}

	if s.selMB == nil {
		s.bad(cmd.Tag, "no mailbox selected")
		return
	}

	switch name {
	case "CHECK":
		s.ok(cmd.Tag, "CHECK completed")
	case "CLOSE":
		s.cmdClose(ctx, cmd)
	case "EXPUNGE":
		s.cmdExpunge(ctx, cmd)
	case "SEARCH":
		s.cmdSearch(ctx, cmd)
	case "SORT":
		s.cmdSort(ctx, cmd)
	case "FETCH":
		s.cmdFetch(ctx, cmd)
	case "STORE":
		s.cmdStore(ctx, cmd)
	case "COPY":
		s.cmdCopy(ctx, cmd)
	case "MOVE":
		s.cmdMove(ctx, cmd)
	default:
		s.bad(cmd.Tag, "unknown command %q", cmd.Name)
	}
}

func (s *Session) cmdCapability(cmd *wire.Command) {
	s.bwMu.Lock()
	if s.mode == wire.ModeNonAuth {
		s.w.Untagged("CAPABILITY %s", s.nonAuthCapability())
	} else {
		s.w.Untagged("CAPABILITY %s", capabilityAuth)
	}
	s.w.Flush()
	s.bwMu.Unlock()
	s.ok(cmd.Tag, "CAPABILITY completed")
}

func (s *Session) nonAuthCapability() string {
	if s.isTLS {
		return "IMAP4rev1 LITERAL+ AUTH=PLAIN"
	}
	return capabilityNonAuth
}

func (s *Session) cmdLogout(cmd *wire.Command) {
	s.mode = wire.ModeLogout
	s.bwMu.Lock()
	s.w.Untagged("BYE IMAP4rev1 Server logging out")
	s.w.Tagged(cmd.Tag, "OK LOGOUT completed")
	s.w.Flush()
	s.bwMu.Unlock()
}

func (s *Session) cmdStartTLS(cmd *wire.Command) {
	if s.isTLS {
		s.bad(cmd.Tag, "already in TLS")
		return
	}
	// The dispatcher only ever hands sessions a plaintext connection
	// when STARTTLS is legal to offer; wrapping conn in tls.Server is
	// the dispatcher's job since it owns the certificate. Here we just
	// acknowledge and let the caller perform the handshake via
	// UpgradeTLS.
	s.ok(cmd.Tag, "Begin TLS negotiation now")
}

// UpgradeTLS swaps the session's I/O onto a newly-handshaken TLS
// connection, called by the dispatcher immediately after cmdStartTLS
// replies OK.
func (s *Session) UpgradeTLS(tlsConn net.Conn) {
	s.conn = tlsConn
	s.isTLS = true
	s.initBufio(tlsConn, tlsConn)
}

func (s *Session) cmdNamespace(cmd *wire.Command) {
	s.bwMu.Lock()
	s.w.Untagged(`NAMESPACE (("" "/")) NIL NIL`)
	s.w.Flush()
	s.bwMu.Unlock()
	s.ok(cmd.Tag, "NAMESPACE completed")
}

func (s *Session) cmdEnable(cmd *wire.Command) {
	var acked []string
	for _, p := range cmd.Params {
		name := strings.ToUpper(string(p))
		switch name {
		case "CONDSTORE":
			s.condstore = true
			s.enabled[name] = true
			acked = append(acked, name)
		case "UTF8=ACCEPT":
			s.enabled[name] = true
			acked = append(acked, name)
		}
	}
	s.bwMu.Lock()
	s.w.Untagged("ENABLED %s", strings.Join(acked, " "))
	s.w.Flush()
	s.bwMu.Unlock()
	s.ok(cmd.Tag, "ENABLE completed")
}

func (s *Session) cmdID(cmd *wire.Command) {
	s.bwMu.Lock()
	s.w.Untagged(`ID ("name" "asimapd")`)
	s.w.Flush()
	s.bwMu.Unlock()
	s.ok(cmd.Tag, "ID completed")
}

func (s *Session) cmdCancelUpdate(cmd *wire.Command) {
	target := string(cmd.Tag)
	if len(cmd.Params) > 0 {
		target = string(cmd.Params[0])
	}
	s.contexts.remove(target)
	delete(s.tagsInUse, target)
	s.ok(cmd.Tag, "CANCELUPDATE completed")
}

// deselect leaves the Selected state without running CLOSE's implicit
// expunge (UNSELECT semantics, and also used internally on LOGOUT and
// on a fresh SELECT).
func (s *Session) deselect() {
	if s.selMB == nil {
		return
	}
	for _, lrs := range s.contexts.reg.All() {
		delete(s.tagsInUse, string(lrs.Tag()))
	}
	s.contexts.clear()
	s.selMB = nil
	s.selRel = ""
	s.lastUIDs = nil
	s.lastFlags = map[uint32]string{}
}

// MailboxChanged implements mailbox.Notifier.
func (s *Session) MailboxChanged(rel string) {
	if s.selRel == rel {
		s.pokeIdle()
	}
}

// MailboxDeleted implements mailbox.Notifier.
func (s *Session) MailboxDeleted(rel string) {
	if s.selRel != rel {
		return
	}
	s.bwMu.Lock()
	s.w.Untagged("BYE Mailbox deleted")
	s.w.Flush()
	s.bwMu.Unlock()
	s.mode = wire.ModeLogout
	s.conn.Close()
}

func (s *Session) pokeIdle() {
	// Waking an idling connection is done by closing its read deadline
	// early; SetReadDeadline with a past time interrupts cmdIdle's
	// blocked read, and cmdIdle's loop then calls deliverPendingUpdates
	// and pushContextUpdates before reading again.
	if s.idling {
		s.conn.SetReadDeadline(time.Now())
	}
}

// deliverPendingUpdates runs the mailbox resync, diffs against the
// session's last-seen snapshot, and emits EXPUNGE/EXISTS/RECENT/FETCH
// FLAGS untagged responses, per spec.md §4.3 item 6. Called at every
// command boundary (RFC 3501 §7.4.1: never mid-FETCH/SEARCH/SORT/STORE).
func (s *Session) deliverPendingUpdates() {
	if s.selMB == nil {
		return
	}
	ctx := context.Background()
	s.selMB.Resync(ctx)

	cur := s.selMB.Messages()
	curByUID := make(map[uint32]*mailbox.MessageInfo, len(cur))
	for _, m := range cur {
		curByUID[m.UID] = m
	}

	var removedSeq []uint32
	for i, uid := range s.lastUIDs {
		if _, ok := curByUID[uid]; !ok {
			removedSeq = append(removedSeq, uint32(i+1))
		}
	}
	sort.Slice(removedSeq, func(i, j int) bool { return removedSeq[i] > removedSeq[j] })

	s.bwMu.Lock()
	for _, seq := range removedSeq {
		s.w.Untagged("%d EXPUNGE", seq)
	}
	if len(removedSeq) > 0 || len(cur) != len(s.lastUIDs) {
		s.w.Untagged("%d EXISTS", len(cur))
	}
	recent := 0
	for _, m := range cur {
		if m.Recent {
			recent++
		}
		flagStr := flagsKey(m)
		if s.lastFlags[m.UID] != "" && s.lastFlags[m.UID] != flagStr {
			s.w.Untagged(`%d FETCH (FLAGS (%s) UID %d)`, m.SeqNum, strings.Join(sortedFlags(m), " "), m.UID)
		}
	}
	s.w.Untagged("%d RECENT", recent)
	s.w.Flush()
	s.bwMu.Unlock()

	newUIDs := make([]uint32, len(cur))
	newFlags := make(map[uint32]string, len(cur))
	for i, m := range cur {
		newUIDs[i] = m.UID
		newFlags[m.UID] = flagsKey(m)
	}
	s.lastUIDs = newUIDs
	s.lastFlags = newFlags
}

func flagsKey(m *mailbox.MessageInfo) string {
	return strings.Join(sortedFlags(m), " ")
}

func sortedFlags(m *mailbox.MessageInfo) []string {
	out := make([]string, 0, len(m.Flags)+1)
	for f, on := range m.Flags {
		if on {
			out = append(out, f)
		}
	}
	if m.Recent {
		out = append(out, `\Recent`)
	}
	sort.Strings(out)
	return out
}
