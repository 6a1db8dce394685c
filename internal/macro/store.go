package macro

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Pequito/sessionvault/internal/crypto"
	"github.com/Pequito/sessionvault/internal/database"
)

var ErrUnknownMacro = errors.New("unknown macro")

// Store persists recordings by name.
type Store interface {
	Save(r *Recording) error
	Get(name string) (*Recording, error)
	Delete(name string) error
	Names() ([]string, error)
}

type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]*Recording
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]*Recording)}
}

func (s *MemoryStore) Save(r *Recording) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[r.Name] = r
	return nil
}

func (s *MemoryStore) Get(name string) (*Recording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recs[name]
	if !ok {
		return nil, ErrUnknownMacro
	}
	return r, nil
}

func (s *MemoryStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[name]; !ok {
		return ErrUnknownMacro
	}
	delete(s.recs, name)
	return nil
}

func (s *MemoryStore) Names() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.recs))
	for n := range s.recs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// DBStore keeps recordings in the macros table. Payloads are JSON,
// fernet-encrypted, since recorded keystrokes can contain passwords.
type DBStore struct{}

func NewDBStore() *DBStore { return &DBStore{} }

func (DBStore) Save(r *Recording) error {
	if err := r.Validate(); err != nil {
		return err
	}
	plain, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode macro %s: %w", r.Name, err)
	}
	payload, err := crypto.Encrypt(plain)
	if err != nil {
		return fmt.Errorf("encrypt macro %s: %w", r.Name, err)
	}
	return database.SaveMacro(&database.Macro{Name: r.Name, Payload: payload, Entries: len(r.Entries)})
}

func (DBStore) Get(name string) (*Recording, error) {
	row, err := database.GetMacro(name)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrUnknownMacro
	}
	if err != nil {
		return nil, err
	}
	plain, err := crypto.Decrypt(row.Payload)
	if err != nil {
		return nil, fmt.Errorf("decrypt macro %s: %w", name, err)
	}
	r := &Recording{}
	if err := json.Unmarshal(plain, r); err != nil {
		return nil, fmt.Errorf("decode macro %s: %w", name, err)
	}
	return r, nil
}

func (DBStore) Delete(name string) error {
	err := database.DeleteMacro(name)
	if errors.Is(err, database.ErrNotFound) {
		return ErrUnknownMacro
	}
	return err
}

func (DBStore) Names() ([]string, error) {
	rows, err := database.ListMacros()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rows))
	for _, m := range rows {
		names = append(names, m.Name)
	}
	return names, nil
}
