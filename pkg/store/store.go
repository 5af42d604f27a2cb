// Package store persists account records keyed by email.
//
// Every backend hands out deep copies, so concurrent readers always observe a
// complete record, and applies updates atomically: the mutation function runs
// against a working copy that is committed only when the function succeeds and
// the result passes Account.Validate.
package store

import (
	"context"
	"sort"

	"github.com/entrhq/accountforge/pkg/account"
)

// Store is the durable mapping from account email to account record.
type Store interface {
	// Create inserts a new record, failing with account.ErrAlreadyExists on a duplicate email.
	Create(ctx context.Context, a *account.Account) error

	// Get returns a copy of the record, or account.ErrNotFound.
	Get(ctx context.Context, email string) (*account.Account, error)

	// List returns copies of every record ordered by creation time.
	List(ctx context.Context) ([]*account.Account, error)

	// Update applies fn to the record and commits the result atomically.
	Update(ctx context.Context, email string, fn func(*account.Account) error) (*account.Account, error)

	// Delete removes the record, or returns account.ErrNotFound.
	Delete(ctx context.Context, email string) error
}

// sortAccounts orders records by creation time, then email.
func sortAccounts(accounts []*account.Account) {
	sort.Slice(accounts, func(i, j int) bool {
		if !accounts[i].CreatedAt.Equal(accounts[j].CreatedAt) {
			return accounts[i].CreatedAt.Before(accounts[j].CreatedAt)
		}
		return accounts[i].Email < accounts[j].Email
	})
}
