package dispatcher

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

// worker is a live per-user worker process: its account (identified by
// maildir root) and the control socket the dispatcher hands new
// connections to.
type worker struct {
	maildirRoot string
	sockPath    string
	cmd         *exec.Cmd
}

// workerPool tracks live worker processes, one per maildir root,
// spawning a fresh one via a privileged re-exec (fork+setuid) on first
// use and reusing it for subsequent sessions, per spec.md §4's "looks
// up or spawns the per-user worker ... existing workers are reused."
type workerPool struct {
	execPath string
	traceDir string
	log      *zap.Logger

	mu      sync.Mutex
	workers map[string]*worker
}

func newWorkerPool(execPath, traceDir string, log *zap.Logger) *workerPool {
	return &workerPool{execPath: execPath, traceDir: traceDir, log: log, workers: map[string]*worker{}}
}

// acquire returns the worker for maildirRoot, spawning it if necessary.
func (p *workerPool) acquire(maildirRoot string) (*worker, error) {
	p.mu.Lock()
	if w, ok := p.workers[maildirRoot]; ok {
		p.mu.Unlock()
		return w, nil
	}
	p.mu.Unlock()

	w, err := p.spawn(maildirRoot)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.workers[maildirRoot] = w
	p.mu.Unlock()

	go p.reap(maildirRoot, w)
	return w, nil
}

func (p *workerPool) spawn(maildirRoot string) (*worker, error) {
	uid, gid, err := ownerOf(maildirRoot)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: resolve owner of %q: %w", maildirRoot, err)
	}

	sockPath := fmt.Sprintf("/tmp/asimapd-worker-%d.sock", len(p.workers))
	os.Remove(sockPath)

	args := []string{"worker", "--maildir-root", maildirRoot, "--control-socket", sockPath}
	if p.traceDir != "" {
		args = append(args, "--trace-dir", p.traceDir)
	}
	cmd := exec.Command(p.execPath, args...)
	cmd.Stderr = os.Stderr
	cmd.Stdout = os.Stdout
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uid, Gid: gid},
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("dispatcher: spawn worker: %w", err)
	}

	w := &worker{maildirRoot: maildirRoot, sockPath: sockPath, cmd: cmd}
	p.log.Info("spawned worker", zap.String("maildir_root", maildirRoot), zap.Int("pid", cmd.Process.Pid))
	return w, nil
}

// reap removes a worker from the pool once it exits, either from the
// 30-minute zero-connection self-termination spec.md §4.3 requires or
// from a crash.
func (p *workerPool) reap(maildirRoot string, w *worker) {
	err := w.cmd.Wait()
	p.log.Info("worker exited", zap.String("maildir_root", maildirRoot), zap.Error(err))
	os.Remove(w.sockPath)

	p.mu.Lock()
	if p.workers[maildirRoot] == w {
		delete(p.workers, maildirRoot)
	}
	p.mu.Unlock()
}

// ownerOf returns the uid/gid that should own the worker process for
// an account, taken from the maildir root directory's ownership so
// that a worker can never read another user's mail even if spawned
// with the dispatcher's own privileges.
func ownerOf(path string) (uid, gid uint32, err error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, 0, err
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, fmt.Errorf("dispatcher: cannot determine ownership of %q", path)
	}
	return st.Uid, st.Gid, nil
}
