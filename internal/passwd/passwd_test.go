package passwd

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

func TestParseAndAuthenticate(t *testing.T) {
	salt := []byte("saltsaltsalt")
	hash := pbkdf2.Key([]byte("hunter2"), salt, 1000, 32, sha256.New)
	encoded := "pbkdf2_sha256$1000$" + base64.StdEncoding.EncodeToString(salt) + "$" + base64.StdEncoding.EncodeToString(hash)

	body := "fred:" + encoded + ":/srv/mail/fred\n# comment\n\nalice:bad:/srv/mail/alice\n"
	file, err := parse(strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}

	root, err := file.Authenticate("fred", "hunter2")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if root != "/srv/mail/fred" {
		t.Fatalf("root = %q", root)
	}

	if _, err := file.Authenticate("fred", "wrong"); err != ErrBadCredentials {
		t.Fatalf("wrong password: err = %v", err)
	}
	if _, err := file.Authenticate("nobody", "x"); err != ErrBadCredentials {
		t.Fatalf("unknown user: err = %v", err)
	}
}

func TestVerifyBcrypt(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := Verify(string(hash), "s3cret")
	if err != nil || !ok {
		t.Fatalf("Verify bcrypt: ok=%v err=%v", ok, err)
	}
	ok, err = Verify(string(hash), "wrong")
	if err != nil || ok {
		t.Fatalf("Verify bcrypt wrong password: ok=%v err=%v", ok, err)
	}
}

func TestParseMalformed(t *testing.T) {
	if _, err := parse(strings.NewReader("not-a-valid-line")); err == nil {
		t.Fatal("expected error for malformed line")
	}
}

func TestHashPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(hash, "pbkdf2_sha256$") {
		t.Fatalf("hash = %q, want pbkdf2_sha256$ prefix", hash)
	}
	ok, err := Verify(hash, "correct horse battery staple")
	if err != nil || !ok {
		t.Fatalf("Verify: ok=%v err=%v", ok, err)
	}
	ok, err = Verify(hash, "wrong")
	if err != nil || ok {
		t.Fatalf("Verify wrong password: ok=%v err=%v", ok, err)
	}
}

func TestFileSetRemoveSave(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/passwd"

	f := NewFile()
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	f.Set(Record{Username: "fred", Hash: hash, MaildirRoot: "/srv/mail/fred"})
	if err := f.Save(path); err != nil {
		t.Fatal(err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reloaded.Authenticate("fred", "hunter2"); err != nil {
		t.Fatalf("Authenticate after save/reload: %v", err)
	}

	if !reloaded.Remove("fred") {
		t.Fatal("Remove: expected fred to exist")
	}
	if len(reloaded.Records()) != 0 {
		t.Fatalf("Records after remove = %v, want empty", reloaded.Records())
	}
}
