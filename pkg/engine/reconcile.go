package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/entrhq/accountforge/pkg/account"
)

// ReconcileResult counts the records Reconcile changed.
type ReconcileResult struct {
	// Interrupted registrations are now failed and can be retried.
	Interrupted int `json:"interrupted"`
	// Restored refreshes are active again with their stored session.
	Restored int `json:"restored"`
	// Rebound records pointed at the wrong domain entry and were moved to the
	// entry of their email domain.
	Rebound int `json:"rebound"`
	// Unbound records have neither a configured domain nor a session. They
	// are failed.
	Unbound int `json:"unbound"`
	// Stranded records hold a session but have no configured domain. They
	// are left active so they can still be refreshed and exported.
	Stranded int `json:"stranded"`
}

// Changed returns the number of records modified.
func (r *ReconcileResult) Changed() int {
	return r.Interrupted + r.Restored + r.Rebound + r.Unbound
}

// Reconcile repairs records a previous process left behind. It must run
// before jobs are accepted. Records with a job in flight are skipped;
// any other record in a transient status is settled:
//
//   - registering or verifying becomes failed with a Cancelled error
//   - refreshing becomes active, keeping its session
//   - pending stays pending, since a retry starts from there
//
// Records whose domain index does not match the registry are rebound to the
// entry of their email domain. When none exists, a record without a session
// is failed with a ConfigError; one holding a session is only reported.
func (e *Engine) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	accounts, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}

	res := &ReconcileResult{}
	for _, a := range accounts {
		if e.jobs.InFlight(a.Email) {
			continue
		}
		final := a
		if _, changed := e.settle(a.Clone()); changed {
			var out settleOutcome
			updated, err := e.store.Update(ctx, a.Email, func(cur *account.Account) error {
				out, _ = e.settle(cur)
				return nil
			})
			if errors.Is(err, account.ErrNotFound) {
				continue
			}
			if err != nil {
				return res, err
			}
			res.Interrupted += out.interrupted
			res.Restored += out.restored
			res.Rebound += out.rebound
			res.Unbound += out.unbound
			e.log.Infof("reconciled %s: %s -> %s, domain_index=%d", a.Email, a.Status, updated.Status, updated.DomainIndex)
			final = updated
		}

		if final.Status.HoldsCredentials() && !e.boundToDomain(final) {
			res.Stranded++
			e.log.Warnf("%s holds a session but domain %q is not configured", final.Email, account.Domain(final.Email))
		}
	}
	if res.Changed() > 0 {
		e.log.Warnf("reconcile: interrupted=%d restored=%d rebound=%d unbound=%d",
			res.Interrupted, res.Restored, res.Rebound, res.Unbound)
	}
	return res, nil
}

type settleOutcome struct {
	interrupted, restored, rebound, unbound int
}

// settle applies the reconcile rules to a in place.
func (e *Engine) settle(a *account.Account) (settleOutcome, bool) {
	var out settleOutcome
	now := e.now()

	switch a.Status {
	case account.StatusRegistering, account.StatusVerifying:
		account.ApplyFailure(a, fmt.Errorf("%w: %s interrupted by a restart", account.ErrCancelled, a.Status), now)
		out.interrupted++
	case account.StatusRefreshing:
		a.Transition(account.StatusActive, now)
		out.restored++
	}

	if !e.boundToDomain(a) {
		if idx, ok := e.registry.IndexForEmail(a.Email); ok {
			a.DomainIndex = idx
			a.UpdatedAt = now
			out.rebound++
		} else if !a.Status.HoldsCredentials() && !unboundFailure(a) {
			account.ApplyFailure(a, fmt.Errorf("%w: domain %q (index %d) is not configured",
				account.ErrConfig, account.Domain(a.Email), a.DomainIndex), now)
			out.unbound++
		}
	}
	return out, out != settleOutcome{}
}

// boundToDomain reports whether a's domain index names the entry of its
// email domain.
func (e *Engine) boundToDomain(a *account.Account) bool {
	entry, err := e.registry.Entry(a.DomainIndex)
	if err != nil {
		return false
	}
	return strings.EqualFold(entry.EmailDomain, account.Domain(a.Email))
}

// unboundFailure reports whether a already records a missing domain.
func unboundFailure(a *account.Account) bool {
	return a.Status == account.StatusFailed && strings.HasPrefix(a.LastError, account.Kind(account.ErrConfig))
}
