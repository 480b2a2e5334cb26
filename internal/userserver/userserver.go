// Package userserver is the per-user worker process (spec.md §4's
// "User server"): it owns one userstore.Store for the account, accepts
// already-authenticated connections handed to it by the dispatcher
// over a local control socket, and runs the folder-scanner background
// loop. Grounded on the teacher's spilldb/boxmgmt worker-lifecycle
// shape, generalized from one SQL-resident Box to one MH-resident
// userstore.Store and its cached Mailbox objects.
package userserver

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/scanner/asimap/internal/metrics"
	"github.com/scanner/asimap/internal/session"
	"github.com/scanner/asimap/internal/trace"
	"github.com/scanner/asimap/internal/userstore"
)

// FolderScanInterval is how often the background loop looks for new
// folders on disk (spec.md §4.3).
const FolderScanInterval = 5 * time.Minute

// IdleShutdown is how long a worker stays alive with zero connections
// before it self-terminates (spec.md §4's "User server lives 30
// minutes past last disconnect").
const IdleShutdown = 30 * time.Minute

// Worker runs one account's Store plus the sessions currently attached
// to it.
type Worker struct {
	Store    *userstore.Store
	SockPath string
	TraceDir string
	Log      *zap.Logger
	MaxLit   int64

	activeConns  int64
	lastActivity atomic.Value // time.Time

	wg sync.WaitGroup
}

// New opens the account's store and prepares a worker ready to Run.
func New(maildirRoot string, lockingEnabled bool, sockPath, traceDir string, log *zap.Logger) (*Worker, error) {
	dbfile := maildirRoot + "/.asimapd.db"
	st, err := userstore.Open(dbfile, maildirRoot, lockingEnabled)
	if err != nil {
		return nil, fmt.Errorf("userserver: open store: %w", err)
	}
	w := &Worker{
		Store:    st,
		SockPath: sockPath,
		TraceDir: traceDir,
		Log:      log,
		MaxLit:   20 * 1024 * 1024,
	}
	w.lastActivity.Store(time.Now())
	return w, nil
}

// Run listens on the control socket, accepts handed-off connections,
// and runs the folder scanner and idle-shutdown watchdog until either
// fires a shutdown.
func (w *Worker) Run(ctx context.Context) error {
	os.Remove(w.SockPath)
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: w.SockPath, Net: "unix"})
	if err != nil {
		return fmt.Errorf("userserver: listen %s: %w", w.SockPath, err)
	}
	defer ln.Close()
	defer os.Remove(w.SockPath)

	metrics.WorkersSpawned.Inc()
	metrics.WorkersActive.Inc()
	defer metrics.WorkersActive.Dec()

	done := make(chan struct{})

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.scanLoop(ctx, done)
	}()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.idleWatch(done)
	}()

	go func() {
		<-done
		ln.Close()
	}()

	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			select {
			case <-done:
				w.wg.Wait()
				return nil
			default:
				return fmt.Errorf("userserver: accept: %w", err)
			}
		}
		go w.handoff(ctx, conn)
	}
}

// handoff reads one SCM_RIGHTS frame off conn (the dispatcher's side
// of the control socket) and starts a session on the passed fd.
func (w *Worker) handoff(ctx context.Context, ctrl *net.UnixConn) {
	defer ctrl.Close()

	buf := make([]byte, 256)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := ctrl.ReadMsgUnix(buf, oob)
	if err != nil {
		w.Log.Debug("control socket read failed", zap.Error(err))
		return
	}
	label := string(buf[:n])

	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil || len(scms) == 0 {
		w.Log.Error("no control message on handoff", zap.Error(err))
		return
	}
	fds, err := unix.ParseUnixRights(&scms[0])
	if err != nil || len(fds) == 0 {
		w.Log.Error("no fd in handoff control message", zap.Error(err))
		return
	}

	f := os.NewFile(uintptr(fds[0]), "client")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		w.Log.Error("failed to reconstitute client conn", zap.Error(err))
		return
	}

	w.beginSession()
	defer w.endSession()

	id := fmt.Sprintf("%s-%d", label, time.Now().UnixNano())
	rec := trace.New(w.TraceDir, id)
	defer rec.Close()
	tracedConn := trace.WrapConn(conn, rec)

	s := session.New(tracedConn, id, w.Log, nil, true, w.MaxLit)
	s.AttachAuthenticated(label, w.Store.Retain())
	s.Serve(ctx)
}

func (w *Worker) beginSession() {
	atomic.AddInt64(&w.activeConns, 1)
	w.lastActivity.Store(time.Now())
}

func (w *Worker) endSession() {
	atomic.AddInt64(&w.activeConns, -1)
	w.lastActivity.Store(time.Now())
}

func (w *Worker) scanLoop(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(FolderScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if fresh, err := w.Store.ScanNewFolders(ctx); err != nil {
				w.Log.Warn("folder scan failed", zap.Error(err))
			} else if len(fresh) > 0 {
				w.Log.Info("discovered new folders", zap.Strings("folders", fresh))
			}
			w.Store.ExpireInactive(FolderScanInterval, func(string) bool { return false })
		case <-done:
			return
		}
	}
}

// idleWatch closes done once the worker has had zero active
// connections for IdleShutdown.
func (w *Worker) idleWatch(done chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		if atomic.LoadInt64(&w.activeConns) > 0 {
			continue
		}
		last, _ := w.lastActivity.Load().(time.Time)
		if time.Since(last) >= IdleShutdown {
			w.Log.Info("worker idle timeout, shutting down")
			close(done)
			return
		}
	}
}
