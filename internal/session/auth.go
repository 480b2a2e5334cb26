package session

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/scanner/asimap/internal/metrics"
	"github.com/scanner/asimap/internal/wire"
)

func (s *Session) cmdLogin(ctx context.Context, cmd *wire.Command) {
	user := string(cmd.Auth.Username)
	pass := string(cmd.Auth.Password)
	s.authenticate(ctx, cmd.Tag, user, pass)
}

func (s *Session) cmdAuthenticate(ctx context.Context, cmd *wire.Command) {
	mech := strings.ToUpper(string(cmd.Auth.Mechanism))
	if mech != "PLAIN" {
		s.no(cmd.Tag, "[AUTHENTICATIONFAILED] unsupported mechanism")
		return
	}

	s.bwMu.Lock()
	err := s.w.Continuation("")
	s.bwMu.Unlock()
	if err != nil {
		return
	}

	line, err := s.br.ReadString('\n')
	if err != nil {
		s.bad(cmd.Tag, "connection error")
		return
	}
	line = strings.TrimRight(line, "\r\n")
	raw, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		s.bad(cmd.Tag, "invalid base64")
		return
	}
	parts := strings.SplitN(string(raw), "\x00", 3)
	if len(parts) != 3 {
		s.bad(cmd.Tag, "invalid PLAIN response")
		return
	}
	user, pass := parts[1], parts[2]
	s.authenticate(ctx, cmd.Tag, user, pass)
}

func (s *Session) authenticate(ctx context.Context, tag []byte, user, pass string) {
	st, err := s.authFn(ctx, user, pass)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		s.no(tag, "[AUTHENTICATIONFAILED] authentication failed")
		return
	}
	metrics.AuthAttempts.WithLabelValues("success").Inc()
	s.username = user
	s.store = st
	s.mode = wire.ModeAuth
	s.ok(tag, "LOGIN completed")
}
