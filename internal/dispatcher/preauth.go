package dispatcher

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"io"
	"net"
	"strings"

	"crawshaw.io/iox"
	"go.uber.org/zap"

	"github.com/scanner/asimap/internal/metrics"
	"github.com/scanner/asimap/internal/passwd"
	"github.com/scanner/asimap/internal/wire"
)

// preAuthSession runs the non-authenticated half of the IMAP state
// machine in the dispatcher process, mirroring the command set
// internal/session.Session supports before LOGIN/AUTHENTICATE
// succeeds (spec.md §4's privileged listener). On successful
// authentication it does not continue serving; it hands the raw
// connection off to the user's worker process and returns.
type preAuthSession struct {
	conn     net.Conn
	remoteIP string
	log      *zap.Logger

	br *bufio.Reader
	bw *bufio.Writer
	w  *wire.Writer
	p  *wire.Parser

	tlsConfig *tls.Config
	isTLS     bool

	pwfile func() (*passwd.File, error)
	thr    *throttle
	pool   *workerPool

	done bool
}

func newPreAuthSession(conn net.Conn, isTLS bool, tlsConfig *tls.Config, pwfile func() (*passwd.File, error), thr *throttle, pool *workerPool, log *zap.Logger) *preAuthSession {
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	s := &preAuthSession{
		conn:      conn,
		remoteIP:  host,
		log:       log,
		tlsConfig: tlsConfig,
		isTLS:     isTLS,
		pwfile:    pwfile,
		thr:       thr,
		pool:      pool,
	}
	s.attach(conn)
	return s
}

func (s *preAuthSession) attach(conn net.Conn) {
	s.br = bufio.NewReader(conn)
	s.bw = bufio.NewWriter(conn)
	s.w = wire.NewWriter(s.bw)
	filer := iox.NewFiler(0)
	s.p = wire.NewParser(s.br, filer, s.awaitContinue, 64*1024)
}

func (s *preAuthSession) awaitContinue() error {
	return s.w.Continuation("Ready for literal data")
}

// Serve runs the greeting and command loop until LOGOUT, a connection
// error, or successful authentication (at which point it hands off and
// returns).
func (s *preAuthSession) Serve() {
	defer func() {
		if !s.done {
			s.conn.Close()
		}
	}()

	s.w.Untagged("OK IMAP4rev1 Service Ready")
	s.w.Flush()

	for {
		cmd, err := s.p.ParseCommand()
		if err != nil {
			if err != io.EOF {
				s.log.Debug("preauth parse error", zap.Error(err))
			}
			return
		}
		if !s.dispatch(cmd) {
			return
		}
	}
}

func (s *preAuthSession) dispatch(cmd *wire.Command) bool {
	name := strings.ToUpper(cmd.Name)
	metrics.CommandsProcessed.WithLabelValues(name).Inc()

	switch name {
	case "CAPABILITY":
		if s.isTLS {
			s.w.Untagged("CAPABILITY IMAP4rev1 LITERAL+ AUTH=PLAIN")
		} else {
			s.w.Untagged("CAPABILITY IMAP4rev1 LITERAL+ AUTH=PLAIN STARTTLS")
		}
		s.ok(cmd.Tag, "CAPABILITY completed")
		return true
	case "NOOP":
		s.ok(cmd.Tag, "NOOP completed")
		return true
	case "LOGOUT":
		s.w.Untagged("BYE logging out")
		s.ok(cmd.Tag, "LOGOUT completed")
		s.w.Flush()
		return false
	case "STARTTLS":
		return s.startTLS(cmd)
	case "LOGIN":
		s.authenticate(cmd.Tag, string(cmd.Auth.Username), string(cmd.Auth.Password))
		return !s.done
	case "AUTHENTICATE":
		return s.authenticatePlain(cmd)
	default:
		s.bad(cmd.Tag, "command not permitted before authentication")
		return true
	}
}

func (s *preAuthSession) startTLS(cmd *wire.Command) bool {
	if s.isTLS || s.tlsConfig == nil {
		s.bad(cmd.Tag, "STARTTLS not available")
		return true
	}
	s.ok(cmd.Tag, "begin TLS negotiation")
	tlsConn := tls.Server(s.conn, s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.log.Debug("starttls handshake failed", zap.Error(err))
		return false
	}
	s.conn = tlsConn
	s.isTLS = true
	s.attach(tlsConn)
	return true
}

func (s *preAuthSession) authenticatePlain(cmd *wire.Command) bool {
	mech := strings.ToUpper(string(cmd.Auth.Mechanism))
	if mech != "PLAIN" {
		s.no(cmd.Tag, "[AUTHENTICATIONFAILED] unsupported mechanism")
		return true
	}
	if err := s.w.Continuation(""); err != nil {
		return false
	}
	line, err := s.br.ReadString('\n')
	if err != nil {
		return false
	}
	line = strings.TrimRight(line, "\r\n")
	raw, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		s.bad(cmd.Tag, "invalid base64")
		return true
	}
	parts := strings.SplitN(string(raw), "\x00", 3)
	if len(parts) != 3 {
		s.bad(cmd.Tag, "invalid PLAIN response")
		return true
	}
	s.authenticate(cmd.Tag, parts[1], parts[2])
	return !s.done
}

// authenticate checks the throttle, verifies against the password
// file, and on success hands the connection to the user's worker.
func (s *preAuthSession) authenticate(tag []byte, user, pass string) {
	if !s.thr.Allowed(s.remoteIP) {
		s.no(tag, "[AUTHENTICATIONFAILED] too many failed attempts, slow down")
		return
	}

	pf, err := s.pwfile()
	if err != nil {
		s.log.Error("password file load failed", zap.Error(err))
		s.no(tag, "[UNAVAILABLE] server error")
		return
	}

	maildirRoot, err := pf.Authenticate(user, pass)
	if err != nil {
		s.thr.Fail(s.remoteIP)
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		s.no(tag, "[AUTHENTICATIONFAILED] authentication failed")
		return
	}

	s.thr.Reset(s.remoteIP)
	metrics.AuthAttempts.WithLabelValues("success").Inc()

	w, err := s.pool.acquire(maildirRoot)
	if err != nil {
		s.log.Error("worker acquire failed", zap.Error(err), zap.String("user", user))
		s.no(tag, "[UNAVAILABLE] server error")
		return
	}

	s.bw.Flush()
	if err := sendConn(w.sockPath, s.conn, user); err != nil {
		s.log.Error("handoff to worker failed", zap.Error(err), zap.String("user", user))
		s.no(tag, "[UNAVAILABLE] server error")
		return
	}

	s.ok(tag, "LOGIN completed")
	s.bw.Flush()
	s.done = true
	s.conn.Close()
}

func (s *preAuthSession) ok(tag []byte, text string) {
	s.w.Tagged(tag, "OK "+text)
	s.w.Flush()
}

func (s *preAuthSession) no(tag []byte, text string) {
	s.w.Tagged(tag, "NO "+text)
	s.w.Flush()
}

func (s *preAuthSession) bad(tag []byte, text string) {
	s.w.Tagged(tag, "BAD "+text)
	s.w.Flush()
}
