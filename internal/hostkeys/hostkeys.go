// Package hostkeys verifies SSH host keys against a trust store.
//
// The default policy is trust on first use: an unknown host's key is
// recorded and accepted, a known host must present the same key. The strict
// policy rejects unknown hosts as well.
package hostkeys

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"gorm.io/gorm"

	"github.com/Pequito/sessionvault/internal/database"
)

type Policy int

const (
	PolicyAcceptNew Policy = iota
	PolicyStrict
)

func (p Policy) String() string {
	if p == PolicyStrict {
		return "strict"
	}
	return "accept-new"
}

// Entry is one trusted host key. Host is in knownhosts.Normalize form.
type Entry struct {
	Host          string `json:"host"`
	KeyType       string `json:"key_type"`
	Fingerprint   string `json:"fingerprint"`
	AuthorizedKey string `json:"authorized_key"`
}

// Line renders the entry as a known_hosts line.
func (e Entry) Line() (string, error) {
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(e.AuthorizedKey))
	if err != nil {
		return "", fmt.Errorf("parse key for %s: %w", e.Host, err)
	}
	return knownhosts.Line([]string{e.Host}, key), nil
}

// Store is the host-key trust store.
type Store interface {
	Lookup(host string) (Entry, bool, error)
	Record(e Entry) error
}

// HostKeyError is returned when a host presents a key that does not match
// the stored one, or an unknown key under the strict policy.
type HostKeyError struct {
	Host     string
	KeyType  string
	Expected string // empty when the host was unknown
	Actual   string
}

func (e *HostKeyError) Error() string {
	if e.Expected == "" {
		return fmt.Sprintf("host key for %s is not trusted (%s %s)", e.Host, e.KeyType, e.Actual)
	}
	return fmt.Sprintf("host key mismatch for %s: expected %s, got %s (possible MITM attack)", e.Host, e.Expected, e.Actual)
}

// Unknown reports whether the host had no stored key.
func (e *HostKeyError) Unknown() bool { return e.Expected == "" }

// Normalize returns the store key for a dial address.
func Normalize(addr string) string {
	return knownhosts.Normalize(addr)
}

func entryFor(host string, key ssh.PublicKey) Entry {
	return Entry{
		Host:          host,
		KeyType:       key.Type(),
		Fingerprint:   ssh.FingerprintSHA256(key),
		AuthorizedKey: strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key))),
	}
}

// Callback returns an ssh.HostKeyCallback that checks keys against store.
// The hostname passed by the ssh package is the dial address, so hosts on
// non-default ports are stored as "[host]:port".
func Callback(store Store, policy Policy) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		host := Normalize(hostname)
		actual := ssh.FingerprintSHA256(key)

		known, ok, err := store.Lookup(host)
		if err != nil {
			return fmt.Errorf("host key lookup for %s: %w", host, err)
		}
		if ok {
			if known.Fingerprint != actual {
				return &HostKeyError{Host: host, KeyType: key.Type(), Expected: known.Fingerprint, Actual: actual}
			}
			return nil
		}
		if policy == PolicyStrict {
			return &HostKeyError{Host: host, KeyType: key.Type(), Actual: actual}
		}
		if err := store.Record(entryFor(host, key)); err != nil {
			return fmt.Errorf("record host key for %s: %w", host, err)
		}
		return nil
	}
}

// MemoryStore keeps entries for the life of the process.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Lookup(host string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[host]
	return e, ok, nil
}

func (s *MemoryStore) Record(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.Host] = e
	return nil
}

// DBStore persists entries in the known_hosts table.
type DBStore struct {
	db *gorm.DB
}

func NewDBStore(db *gorm.DB) *DBStore {
	return &DBStore{db: db}
}

func (s *DBStore) Lookup(host string) (Entry, bool, error) {
	kh, err := database.GetKnownHost(s.db, host)
	if errors.Is(err, database.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return Entry{Host: kh.Host, KeyType: kh.KeyType, Fingerprint: kh.Fingerprint, AuthorizedKey: kh.AuthorizedKey}, true, nil
}

func (s *DBStore) Record(e Entry) error {
	return database.SaveKnownHost(s.db, &database.KnownHost{
		Host:          e.Host,
		KeyType:       e.KeyType,
		Fingerprint:   e.Fingerprint,
		AuthorizedKey: e.AuthorizedKey,
	})
}

func (s *DBStore) List() ([]Entry, error) {
	rows, err := database.ListKnownHosts(s.db)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, kh := range rows {
		out = append(out, Entry{Host: kh.Host, KeyType: kh.KeyType, Fingerprint: kh.Fingerprint, AuthorizedKey: kh.AuthorizedKey})
	}
	return out, nil
}

// Forget removes the entry for addr, which may be given in either dial or
// normalized form.
func (s *DBStore) Forget(addr string) error {
	host := addr
	if _, _, err := net.SplitHostPort(addr); err == nil {
		host = Normalize(addr)
	}
	return database.DeleteKnownHost(s.db, host)
}
