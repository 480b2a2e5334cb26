// Package maildir implements the on-disk MH mail store: a top
// directory of folders, each folder a directory of positive-integer
// message-key files plus a .mh_sequences file naming flag-like message
// sets. This is the filesystem side of spec.md §3/§4.3; there is no
// library in the retrieval pack for MH specifically (the teacher and
// the rest of the corpus store messages in SQL or a third-party
// backend instead), so this package is grounded directly on spec.md's
// own description of the format and implemented on the standard
// library plus golang.org/x/sys/unix for the optional Flock-based
// Locker.
package maildir

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Root is an MH top directory for one user.
type Root struct {
	Path string
}

// Folder is one MH folder: a directory of numeric message files plus a
// .mh_sequences file.
type Folder struct {
	root *Root
	// Rel is the canonical IMAP path, separator "/", root "".
	Rel string
}

func NewRoot(path string) *Root { return &Root{Path: path} }

// Dir returns the absolute filesystem directory for folder rel.
func (r *Root) Dir(rel string) string {
	if rel == "" {
		return r.Path
	}
	return filepath.Join(r.Path, filepath.FromSlash(rel))
}

func (r *Root) Folder(rel string) *Folder {
	return &Folder{root: r, Rel: rel}
}

func (f *Folder) Dir() string { return f.root.Dir(f.Rel) }

func (f *Folder) SequencesPath() string { return filepath.Join(f.Dir(), ".mh_sequences") }

// Exists reports whether the folder directory is present on disk.
func (f *Folder) Exists() bool {
	st, err := os.Stat(f.Dir())
	return err == nil && st.IsDir()
}

// Create makes the folder directory (and any missing parents, so
// CREATE of "a/b/c" also creates "a" and "a/b" as RFC 3501 allows).
func (f *Folder) Create() error {
	return os.MkdirAll(f.Dir(), 0770)
}

// Delete removes the folder directory and all its messages.
func (f *Folder) Delete() error {
	return os.RemoveAll(f.Dir())
}

// Rename moves the folder directory (and, since MH nests folders as
// subdirectories, everything below it) to a new relative path.
func (f *Folder) Rename(newRel string) error {
	return os.Rename(f.Dir(), f.root.Dir(newRel))
}

// Children lists the immediate child folder names (not full paths)
// that are real subdirectories of this folder's directory.
func (f *Folder) Children() ([]string, error) {
	entries, err := os.ReadDir(f.Dir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// WalkFolders enumerates every folder (including the root itself, rel
// "") under a Root, depth first, used by the background "find new
// folders" scan (spec.md §4.3).
func (r *Root) WalkFolders() ([]string, error) {
	var out []string
	var walk func(rel string) error
	walk = func(rel string) error {
		out = append(out, rel)
		f := r.Folder(rel)
		children, err := f.Children()
		if err != nil {
			return err
		}
		for _, c := range children {
			childRel := c
			if rel != "" {
				childRel = rel + "/" + c
			}
			if err := walk(childRel); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(""); err != nil {
		return nil, err
	}
	return out, nil
}

// MessageKeys returns the sorted, positive-integer message-key
// filenames present in the folder directory.
func (f *Folder) MessageKeys() ([]int, error) {
	entries, err := os.ReadDir(f.Dir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var keys []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, err := strconv.Atoi(e.Name())
		if err != nil || n < 1 {
			continue
		}
		keys = append(keys, n)
	}
	sort.Ints(keys)
	return keys, nil
}

// MessagePath returns the absolute path of message-key key's file.
func (f *Folder) MessagePath(key int) string {
	return filepath.Join(f.Dir(), strconv.Itoa(key))
}

// ReadMessage returns the raw bytes of message-key key.
func (f *Folder) ReadMessage(key int) ([]byte, error) {
	return os.ReadFile(f.MessagePath(key))
}

// NextMessageKey returns one higher than the largest key currently on
// disk (MH convention); it does not reserve the key, callers must
// write promptly to avoid a race with another process doing the same
// (acceptable under spec.md's MH-concurrency model: on a collision
// WriteMessage's O_EXCL create fails and the caller's write returns
// that error; no other key is tried).
func (f *Folder) NextMessageKey() (int, error) {
	keys, err := f.MessageKeys()
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 1, nil
	}
	return keys[len(keys)-1] + 1, nil
}

// WriteMessage creates a new message file for key with content data,
// refusing to overwrite an existing file (O_EXCL), so a concurrent MH
// tool racing for the same key fails loudly instead of corrupting a
// message.
func (f *Folder) WriteMessage(key int, data []byte) error {
	path := f.MessagePath(key)
	fh, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0660)
	if err != nil {
		return err
	}
	defer fh.Close()
	if _, err := fh.Write(data); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

// DeleteMessage removes a message-key file (used by EXPUNGE and by
// COPY/APPEND rollback on failure).
func (f *Folder) DeleteMessage(key int) error {
	err := os.Remove(f.MessagePath(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Stat reports the directory's mtime/size-equivalent signature: enough
// to tell whether the folder changed without re-reading every message
// file. The resync path does not consult it.
type Stat struct {
	DirModTime      int64
	SequencesModTime int64
	SequencesSize   int64
}

func (f *Folder) Stat() (Stat, error) {
	var st Stat
	dirInfo, err := os.Stat(f.Dir())
	if err != nil {
		return st, err
	}
	st.DirModTime = dirInfo.ModTime().UnixNano()
	seqInfo, err := os.Stat(f.SequencesPath())
	if err == nil {
		st.SequencesModTime = seqInfo.ModTime().UnixNano()
		st.SequencesSize = seqInfo.Size()
	} else if !os.IsNotExist(err) {
		return st, err
	}
	return st, nil
}

// Sequences is the parsed content of a .mh_sequences file: a mapping
// from sequence name (e.g. "unseen", "replied", or an IMAP keyword) to
// the set of message-keys it names.
type Sequences map[string]map[int]bool

// ReadSequences parses the folder's .mh_sequences file. A missing file
// is not an error; it yields an empty Sequences.
func ReadSequences(f *Folder, locker Locker) (Sequences, error) {
	unlock, err := locker.RLock(f.SequencesPath())
	if err != nil {
		return nil, err
	}
	defer unlock()

	fh, err := os.Open(f.SequencesPath())
	if err != nil {
		if os.IsNotExist(err) {
			return Sequences{}, nil
		}
		return nil, err
	}
	defer fh.Close()

	seqs := Sequences{}
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		set := map[int]bool{}
		for _, tok := range strings.Fields(rest) {
			if lo, hi, ok := strings.Cut(tok, "-"); ok {
				lo64, err1 := strconv.Atoi(lo)
				hi64, err2 := strconv.Atoi(hi)
				if err1 == nil && err2 == nil {
					for k := lo64; k <= hi64; k++ {
						set[k] = true
					}
				}
				continue
			}
			if n, err := strconv.Atoi(tok); err == nil {
				set[n] = true
			}
		}
		seqs[name] = set
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return seqs, nil
}

// WriteSequences rewrites the folder's .mh_sequences file by writing to
// a temp file in the same directory and renaming into place, so a
// reader never observes a partially written file (spec.md §4.5: writes
// are always rename-into-place).
func WriteSequences(f *Folder, seqs Sequences, locker Locker) error {
	unlock, err := locker.Lock(f.SequencesPath())
	if err != nil {
		return err
	}
	defer unlock()

	tmp, err := os.CreateTemp(f.Dir(), ".mh_sequences.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	w := bufio.NewWriter(tmp)

	names := make([]string, 0, len(seqs))
	for name := range seqs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		keys := make([]int, 0, len(seqs[name]))
		for k := range seqs[name] {
			keys = append(keys, k)
		}
		sort.Ints(keys)
		fmt.Fprintf(w, "%s:", name)
		for _, k := range compressRuns(keys) {
			fmt.Fprintf(w, " %s", k)
		}
		fmt.Fprintln(w)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, f.SequencesPath())
}

func compressRuns(sorted []int) []string {
	var out []string
	i := 0
	for i < len(sorted) {
		j := i
		for j+1 < len(sorted) && sorted[j+1] == sorted[j]+1 {
			j++
		}
		if j == i {
			out = append(out, strconv.Itoa(sorted[i]))
		} else {
			out = append(out, fmt.Sprintf("%d-%d", sorted[i], sorted[j]))
		}
		i = j + 1
	}
	return out
}

// Locker abstracts the advisory-locking toggle of spec.md §4.5 and §6
// (ENABLE_MH_FILE_LOCKING). NopLocker is used when locking is disabled
// (the default); FileLocker takes a real OS advisory lock via
// golang.org/x/sys/unix.Flock.
type Locker interface {
	Lock(path string) (unlock func(), err error)
	RLock(path string) (unlock func(), err error)
}

type NopLocker struct{}

func (NopLocker) Lock(string) (func(), error)  { return func() {}, nil }
func (NopLocker) RLock(string) (func(), error) { return func() {}, nil }

type FileLocker struct{}

func (FileLocker) Lock(path string) (func(), error) {
	return flock(path, unix.LOCK_EX)
}

func (FileLocker) RLock(path string) (func(), error) {
	return flock(path, unix.LOCK_SH)
}

func flock(path string, how int) (func(), error) {
	fh, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0660)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(fh.Fd()), how); err != nil {
		fh.Close()
		return nil, err
	}
	return func() {
		unix.Flock(int(fh.Fd()), unix.LOCK_UN)
		fh.Close()
	}, nil
}
