// Package trace implements the post-authentication frame recorder
// (spec.md §6's "Trace facility"): every IMAP frame in both
// directions is appended to a rotating JSON-lines log, for later
// replay by cmd/asimap-replay. There is no ecosystem library among the
// examples for a JSON-lines append log with size rotation; this is
// built on encoding/json and os, which is the same combination the
// pack's own logging code (e.g. zap's lumberjack-free file sinks)
// falls back to for plain file appends.
package trace

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// maxFileSize rotates the trace log once it has reached this size.
const maxFileSize = 64 * 1024 * 1024

// frame is one recorded IMAP frame.
type frame struct {
	TS      string `json:"ts"`
	Session string `json:"session"`
	Dir     string `json:"dir"` // "S" server->client, "C" client->server
	DataB64 string `json:"data_b64"`
}

// Recorder appends frames for one session to the shared rotating log
// in a trace directory.
type Recorder struct {
	sessionID string

	mu      sync.Mutex
	dir     string
	f       *os.File
	written int64
}

// New returns a Recorder writing into dir, or nil (a no-op recorder)
// if dir is empty.
func New(dir, sessionID string) *Recorder {
	if dir == "" {
		return nil
	}
	return &Recorder{dir: dir, sessionID: sessionID}
}

func (r *Recorder) RecordClient(data []byte) { r.record("C", data) }
func (r *Recorder) RecordServer(data []byte) { r.record("S", data) }

func (r *Recorder) record(dir string, data []byte) {
	if r == nil {
		return
	}
	line, err := json.Marshal(frame{
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
		Session: r.sessionID,
		Dir:     dir,
		DataB64: base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureOpenLocked(); err != nil {
		return
	}
	n, err := r.f.Write(line)
	if err == nil {
		r.written += int64(n)
	}
	if r.written >= maxFileSize {
		r.f.Close()
		r.f = nil
		r.written = 0
	}
}

func (r *Recorder) ensureOpenLocked() error {
	if r.f != nil {
		return nil
	}
	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		return err
	}
	name := filepath.Join(r.dir, fmt.Sprintf("asimapd-%s.jsonl", time.Now().UTC().Format("20060102-150405")))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	r.f = f
	return nil
}

// Close flushes and closes the current log file, if any.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
