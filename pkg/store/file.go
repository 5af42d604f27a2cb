package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/entrhq/accountforge/pkg/account"
)

const fileFormatVersion = "1.0"

// fileDocument is the on-disk layout. Accounts are a list, not a map, so a
// hand-edited or corrupted file with a repeated email is detected on load.
type fileDocument struct {
	Version  string             `json:"version"`
	Accounts []*account.Account `json:"accounts"`
}

// File is a Store persisted to a JSON file. Every mutation rewrites the file
// through a temporary file and an atomic rename.
type File struct {
	*Memory
	path string
}

// NewFile opens the store at path, loading existing records.
// A missing file yields an empty store.
func NewFile(path string) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("store: file path is required")
	}
	f := &File{Memory: NewMemory(), path: path}
	if err := f.load(); err != nil {
		return nil, err
	}
	f.Memory.onCommit = f.save
	return f, nil
}

// Path returns the file path of the store.
func (f *File) Path() string {
	return f.path
}

func (f *File) load() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("store: failed to read %s: %w", f.path, err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("store: failed to decode %s: %w", f.path, err)
	}

	accounts := make(map[string]*account.Account, len(doc.Accounts))
	for i, a := range doc.Accounts {
		if a == nil {
			return fmt.Errorf("store: %s: null record at position %d", f.path, i)
		}
		a.Email = account.NormalizeEmail(a.Email)
		if err := a.Validate(); err != nil {
			return fmt.Errorf("store: %s: record %d: %w", f.path, i, err)
		}
		if _, dup := accounts[a.Email]; dup {
			return fmt.Errorf("%w: %s: duplicate account %s", account.ErrAlreadyExists, f.path, a.Email)
		}
		accounts[a.Email] = a
	}
	f.Memory.accounts = accounts
	return nil
}

// save writes the whole document. Called with the memory lock held.
func (f *File) save(accounts map[string]*account.Account) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("store: failed to create directory: %w", err)
	}

	doc := fileDocument{Version: fileFormatVersion, Accounts: make([]*account.Account, 0, len(accounts))}
	for _, a := range accounts {
		doc.Accounts = append(doc.Accounts, a)
	}
	sortAccounts(doc.Accounts)

	tempPath := f.path + ".tmp"
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("store: failed to create temp file: %w", err)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("store: failed to encode accounts: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("store: failed to close temp file: %w", err)
	}

	if err := os.Rename(tempPath, f.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("store: failed to rename temp file: %w", err)
	}
	return nil
}
