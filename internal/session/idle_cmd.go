package session

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/scanner/asimap/internal/wire"
)

// cmdIdle implements IDLE (RFC 2177): acknowledge with a continuation,
// then block delivering untagged updates as the mailbox changes until
// the client sends DONE or IdleTimeout elapses, at which point the
// server forces a BYE rather than waiting on a client that may never
// come back. pokeIdle interrupts the blocked read by resetting the
// connection's read deadline to now whenever a notifier fires.
func (s *Session) cmdIdle(ctx context.Context, cmd *wire.Command) {
	s.bwMu.Lock()
	err := s.w.Continuation("idling")
	s.bwMu.Unlock()
	if err != nil {
		return
	}

	s.idling = true
	deadline := time.Now().Add(IdleTimeout)
	defer func() { s.idling = false }()

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.idleBye()
			s.mode = wire.ModeLogout
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(remaining))
		line, err := s.br.ReadString('\n')
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if time.Now().Before(deadline) {
					s.deliverPendingUpdates()
					s.pushContextUpdates()
					continue
				}
				s.idleBye()
				s.mode = wire.ModeLogout
				return
			}
			s.mode = wire.ModeLogout
			return
		}
		if strings.EqualFold(strings.TrimRight(line, "\r\n"), "DONE") {
			break
		}
	}

	s.idling = false
	s.conn.SetReadDeadline(time.Time{})
	s.ok(cmd.Tag, "IDLE completed")
}

func (s *Session) idleBye() {
	s.bwMu.Lock()
	s.w.Untagged("BYE Idle timeout")
	s.w.Flush()
	s.bwMu.Unlock()
}
