// Package dispatcher is the privileged multi-process front end
// (spec.md §4's "Main dispatcher"): it accepts TLS connections,
// performs LOGIN/AUTHENTICATE against the password file, throttles bad
// attempts, and routes each authenticated connection to the per-user
// worker process that owns that account's mail store, spawning one via
// a privileged fork+setuid re-exec if none is running yet. Grounded on
// the teacher's imapserver accept-loop shape for the listener, and on
// the pack's pop3d subprocess dispatcher for the fork/fd-handoff
// technique.
package dispatcher

import (
	"crypto/tls"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/scanner/asimap/internal/metrics"
	"github.com/scanner/asimap/internal/passwd"
)

// Dispatcher owns the listening sockets and the worker pool.
type Dispatcher struct {
	Address      string
	Port         int
	TLSConfig    *tls.Config
	PasswordFile string
	ExecPath     string
	TraceDir     string
	Log          *zap.Logger

	thr  *throttle
	pool *workerPool
}

// New constructs a Dispatcher ready to Serve. traceDir is forwarded to
// every worker it spawns; an empty traceDir disables tracing.
func New(address string, port int, tlsConfig *tls.Config, passwordFile, execPath, traceDir string, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		Address:      address,
		Port:         port,
		TLSConfig:    tlsConfig,
		PasswordFile: passwordFile,
		ExecPath:     execPath,
		TraceDir:     traceDir,
		Log:          log,
		thr:          &throttle{},
		pool:         newWorkerPool(execPath, traceDir, log),
	}
}

// loadPasswordFile re-reads the password file on every authentication
// attempt, per spec.md §4's "read with fresh open per authentication
// (re-read allows live edits)".
func (d *Dispatcher) loadPasswordFile() (*passwd.File, error) {
	return passwd.Load(d.PasswordFile)
}

// Serve listens for TLS connections until ln is closed or accept fails
// permanently.
func (d *Dispatcher) Serve() error {
	addr := fmt.Sprintf("%s:%d", d.Address, d.Port)
	ln, err := tls.Listen("tcp", addr, d.TLSConfig)
	if err != nil {
		return fmt.Errorf("dispatcher: listen %s: %w", addr, err)
	}
	defer ln.Close()

	d.Log.Info("dispatcher listening", zap.String("addr", addr))

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("dispatcher: accept: %w", err)
		}
		metrics.ConnectionsAccepted.Inc()
		metrics.ConnectionsActive.Inc()
		go d.handle(conn)
	}
}

func (d *Dispatcher) handle(conn net.Conn) {
	defer metrics.ConnectionsActive.Dec()
	s := newPreAuthSession(conn, true, d.TLSConfig, d.loadPasswordFile, d.thr, d.pool, d.Log)
	s.Serve()
}
