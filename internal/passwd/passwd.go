// Package passwd parses and verifies the dispatcher's password file:
// newline-separated "user:hash:maildir-root" records (spec.md §6),
// supporting the pbkdf2_sha256, scrypt, and bcrypt hash encodings.
// Grounded on the teacher's spilldb/db/auth.go bcrypt verification,
// generalized to the file-based (rather than SQL-table) record store
// this module's dispatcher uses.
package passwd

import (
	"bufio"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

var (
	// ErrBadCredentials is returned for both "no such user" and "wrong
	// password" so callers never leak which one occurred.
	ErrBadCredentials = errors.New("passwd: bad credentials")
	errMalformedLine  = errors.New("passwd: malformed record")
	errUnknownScheme  = errors.New("passwd: unknown hash scheme")
)

// Record is one parsed password-file line.
type Record struct {
	Username   string
	Hash       string
	MaildirRoot string
}

// File is an in-memory snapshot of the password file, re-read fresh on
// every authentication attempt (spec.md §5: "read with fresh open per
// authentication, allows live edits").
type File struct {
	byUser map[string]Record
}

// NewFile returns an empty password file, for tools creating one from
// scratch.
func NewFile() *File { return &File{byUser: map[string]Record{}} }

// Load reads and parses path. Blank lines and lines starting with '#'
// are skipped.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parse(f)
}

func parse(r io.Reader) (*File, error) {
	file := &File{byUser: map[string]Record{}}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("passwd: %w: %q", errMalformedLine, line)
		}
		rec := Record{Username: parts[0], Hash: parts[1], MaildirRoot: parts[2]}
		file.byUser[rec.Username] = rec
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return file, nil
}

// Lookup returns the record for username, or ErrBadCredentials if none
// exists. Callers must still call Verify; a bare Lookup success does
// not authenticate anyone.
func (f *File) Lookup(username string) (Record, error) {
	rec, ok := f.byUser[username]
	if !ok {
		return Record{}, ErrBadCredentials
	}
	return rec, nil
}

// Authenticate verifies password against username's stored hash,
// returning the account's maildir root on success.
func (f *File) Authenticate(username, password string) (maildirRoot string, err error) {
	rec, err := f.Lookup(username)
	if err != nil {
		return "", err
	}
	ok, err := Verify(rec.Hash, password)
	if err != nil || !ok {
		return "", ErrBadCredentials
	}
	return rec.MaildirRoot, nil
}

// Records returns every record, sorted by username, for listing.
func (f *File) Records() []Record {
	out := make([]Record, 0, len(f.byUser))
	for _, r := range f.byUser {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Set inserts or replaces a record, for use by cmd/asimap-passwd.
func (f *File) Set(rec Record) {
	if f.byUser == nil {
		f.byUser = map[string]Record{}
	}
	f.byUser[rec.Username] = rec
}

// Remove deletes username's record, reporting whether it existed.
func (f *File) Remove(username string) bool {
	if _, ok := f.byUser[username]; !ok {
		return false
	}
	delete(f.byUser, username)
	return true
}

// Save writes the file back out, one "user:hash:maildir-root" line per
// record, sorted by username so repeated saves produce a stable diff.
func (f *File) Save(path string) error {
	tmp := path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	for _, rec := range f.Records() {
		if _, err := fmt.Fprintf(out, "%s:%s:%s\n", rec.Username, rec.Hash, rec.MaildirRoot); err != nil {
			out.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// pbkdf2Iterations is the work factor cmd/asimap-passwd bakes into
// every record it writes.
const pbkdf2Iterations = 210000

// HashPassword encodes password as a pbkdf2_sha256 record, the scheme
// cmd/asimap-passwd writes for new and changed records. bcrypt and
// scrypt records remain verifiable (Verify supports all three) for
// accounts provisioned some other way.
func HashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, sha256.Size, sha256.New)
	return fmt.Sprintf("pbkdf2_sha256$%d$%s$%s",
		pbkdf2Iterations,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(key),
	), nil
}

// Verify checks password against one encoded hash record. Supported
// schemes: "pbkdf2_sha256$<iterations>$<salt-b64>$<hash-b64>",
// "scrypt$<N>$<r>$<p>$<salt-b64>$<hash-b64>", and plain bcrypt (no
// "$scheme$" prefix, detected by bcrypt's own "$2" magic).
func Verify(encoded, password string) (bool, error) {
	if strings.HasPrefix(encoded, "$2") {
		err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(password))
		if err != nil {
			return false, nil
		}
		return true, nil
	}

	fields := strings.Split(encoded, "$")
	if len(fields) == 0 {
		return false, errUnknownScheme
	}
	switch fields[0] {
	case "pbkdf2_sha256":
		return verifyPBKDF2(fields, password)
	case "scrypt":
		return verifyScrypt(fields, password)
	default:
		return false, errUnknownScheme
	}
}

func verifyPBKDF2(fields []string, password string) (bool, error) {
	if len(fields) != 4 {
		return false, errMalformedLine
	}
	iter, err := strconv.Atoi(fields[1])
	if err != nil {
		return false, errMalformedLine
	}
	salt, err := base64.StdEncoding.DecodeString(fields[2])
	if err != nil {
		return false, errMalformedLine
	}
	want, err := base64.StdEncoding.DecodeString(fields[3])
	if err != nil {
		return false, errMalformedLine
	}
	got := pbkdf2.Key([]byte(password), salt, iter, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func verifyScrypt(fields []string, password string) (bool, error) {
	if len(fields) != 6 {
		return false, errMalformedLine
	}
	n, err1 := strconv.Atoi(fields[1])
	r, err2 := strconv.Atoi(fields[2])
	p, err3 := strconv.Atoi(fields[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return false, errMalformedLine
	}
	salt, err := base64.StdEncoding.DecodeString(fields[4])
	if err != nil {
		return false, errMalformedLine
	}
	want, err := base64.StdEncoding.DecodeString(fields[5])
	if err != nil {
		return false, errMalformedLine
	}
	got, err := scrypt.Key([]byte(password), salt, n, r, p, len(want))
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
