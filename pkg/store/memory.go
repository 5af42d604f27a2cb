package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/entrhq/accountforge/pkg/account"
)

// Memory is an in-process Store. It also backs the file store.
type Memory struct {
	mu       sync.RWMutex
	accounts map[string]*account.Account

	// onCommit runs with mu held after every successful mutation.
	onCommit func(map[string]*account.Account) error
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{accounts: make(map[string]*account.Account)}
}

// Create inserts a new record.
func (m *Memory) Create(_ context.Context, a *account.Account) error {
	if a == nil {
		return fmt.Errorf("store: nil account")
	}
	rec := a.Clone()
	rec.Email = account.NormalizeEmail(rec.Email)
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[rec.Email]; exists {
		return fmt.Errorf("%w: account %s", account.ErrAlreadyExists, rec.Email)
	}
	m.accounts[rec.Email] = rec
	if err := m.commit(); err != nil {
		delete(m.accounts, rec.Email)
		return err
	}
	return nil
}

// Get returns a copy of the record.
func (m *Memory) Get(_ context.Context, email string) (*account.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.accounts[account.NormalizeEmail(email)]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", account.ErrNotFound, email)
	}
	return rec.Clone(), nil
}

// List returns copies of all records.
func (m *Memory) List(_ context.Context) ([]*account.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*account.Account, 0, len(m.accounts))
	for _, rec := range m.accounts {
		out = append(out, rec.Clone())
	}
	sortAccounts(out)
	return out, nil
}

// Update applies fn to a working copy and commits it if fn and validation succeed.
func (m *Memory) Update(_ context.Context, email string, fn func(*account.Account) error) (*account.Account, error) {
	key := account.NormalizeEmail(email)

	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.accounts[key]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", account.ErrNotFound, email)
	}
	work := prev.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	if work.Email != key {
		return nil, fmt.Errorf("store: account email is immutable (%s -> %s)", key, work.Email)
	}
	if err := work.Validate(); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	m.accounts[key] = work
	if err := m.commit(); err != nil {
		m.accounts[key] = prev
		return nil, err
	}
	return work.Clone(), nil
}

// Delete removes a record.
func (m *Memory) Delete(_ context.Context, email string) error {
	key := account.NormalizeEmail(email)

	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.accounts[key]
	if !ok {
		return fmt.Errorf("%w: account %s", account.ErrNotFound, email)
	}
	delete(m.accounts, key)
	if err := m.commit(); err != nil {
		m.accounts[key] = prev
		return err
	}
	return nil
}

func (m *Memory) commit() error {
	if m.onCommit == nil {
		return nil
	}
	return m.onCommit(m.accounts)
}
