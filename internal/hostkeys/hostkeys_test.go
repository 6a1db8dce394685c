package hostkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/Pequito/sessionvault/internal/database"
)

func newKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	key, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	return key
}

var addr = &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 22}

func TestTrustOnFirstUse(t *testing.T) {
	store := NewMemoryStore()
	cb := Callback(store, PolicyAcceptNew)
	key := newKey(t)

	if err := cb("example.com:22", addr, key); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	e, ok, _ := store.Lookup("example.com")
	if !ok {
		t.Fatal("key was not recorded under normalized host")
	}
	if e.Fingerprint != ssh.FingerprintSHA256(key) || e.KeyType != ssh.KeyAlgoED25519 {
		t.Fatalf("unexpected entry %+v", e)
	}
	if err := cb("example.com:22", addr, key); err != nil {
		t.Fatalf("second connect: %v", err)
	}
}

func TestMismatchIsRejected(t *testing.T) {
	store := NewMemoryStore()
	cb := Callback(store, PolicyAcceptNew)
	first := newKey(t)
	cb("example.com:2222", addr, first)

	err := cb("example.com:2222", addr, newKey(t))
	var hkErr *HostKeyError
	if !errors.As(err, &hkErr) {
		t.Fatalf("expected HostKeyError, got %v", err)
	}
	if hkErr.Host != "[example.com]:2222" || hkErr.Expected != ssh.FingerprintSHA256(first) || hkErr.Unknown() {
		t.Fatalf("unexpected error %+v", hkErr)
	}
	// The stored key is unchanged.
	e, _, _ := store.Lookup("[example.com]:2222")
	if e.Fingerprint != ssh.FingerprintSHA256(first) {
		t.Fatal("mismatch overwrote the stored key")
	}
}

func TestStrictRejectsUnknown(t *testing.T) {
	store := NewMemoryStore()
	err := Callback(store, PolicyStrict)("new.example:22", addr, newKey(t))
	var hkErr *HostKeyError
	if !errors.As(err, &hkErr) || !hkErr.Unknown() {
		t.Fatalf("expected unknown-host error, got %v", err)
	}
	if _, ok, _ := store.Lookup("new.example"); ok {
		t.Fatal("strict policy recorded a key")
	}
}

func TestEntryLine(t *testing.T) {
	key := newKey(t)
	line, err := entryFor("[h]:2200", key).Line()
	if err != nil {
		t.Fatalf("Line: %v", err)
	}
	if !strings.HasPrefix(line, "[h]:2200 ssh-ed25519 ") {
		t.Fatalf("unexpected line %q", line)
	}
}

func TestDBStore(t *testing.T) {
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	store := NewDBStore(db)
	cb := Callback(store, PolicyAcceptNew)
	key := newKey(t)
	if err := cb("db.example:22", addr, key); err != nil {
		t.Fatalf("first connect: %v", err)
	}

	// A fresh store over the same database sees the key.
	again := NewDBStore(db)
	if err := Callback(again, PolicyStrict)("db.example:22", addr, key); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	list, err := again.List()
	if err != nil || len(list) != 1 || list[0].Host != "db.example" {
		t.Fatalf("List = %+v, %v", list, err)
	}

	if err := again.Forget("db.example:22"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if _, ok, _ := again.Lookup("db.example"); ok {
		t.Fatal("entry still present after Forget")
	}
	if err := again.Forget("db.example"); !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("forget missing: %v", err)
	}
}
