package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/entrhq/accountforge/pkg/account"
	"github.com/entrhq/accountforge/pkg/store"
)

// ErrJobFinalized is returned for writes a pipeline attempts after its job
// was finalized.
var ErrJobFinalized = errors.New("job already finalized")

// recorder is the store writer handed to a pipeline. Once fenced, writes
// are dropped so a terminated pipeline cannot overwrite the final state.
type recorder struct {
	store store.Store
	email string

	mu     sync.Mutex
	fenced bool
}

func newRecorder(st store.Store, email string) *recorder {
	return &recorder{store: st, email: email}
}

func (r *recorder) Update(ctx context.Context, fn func(*account.Account) error) (*account.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fenced {
		return nil, fmt.Errorf("%w: write for %s dropped", ErrJobFinalized, r.email)
	}
	return r.store.Update(ctx, r.email, fn)
}

// fence waits for an in-flight write and blocks all later ones.
func (r *recorder) fence() {
	r.mu.Lock()
	r.fenced = true
	r.mu.Unlock()
}
