package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/entrhq/accountforge/pkg/account"
	"github.com/entrhq/accountforge/pkg/browser"
	"github.com/entrhq/accountforge/pkg/logging"
)

// Refresh reuses the stored cookies of an active account to load the
// signed-in page and captures the rotated credentials.
type Refresh struct {
	Target Target
	Clock  Clock
	Logger *logging.Logger
}

// NewRefresh creates a refresh pipeline.
func NewRefresh(target Target, logger *logging.Logger) *Refresh {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Refresh{Target: target, Logger: logger}
}

// Run moves an active acct through refreshing back to active, or fails with
// ErrAuthExpired when the stored session is no longer accepted.
func (r *Refresh) Run(ctx context.Context, sess browser.Session, acct *account.Account, rec Recorder) error {
	var stored account.SessionCredentials
	now := r.Clock.now()
	if _, err := rec.Update(ctx, func(a *account.Account) error {
		if a.Status != account.StatusActive {
			return fmt.Errorf("%w: account %s is %s, refresh needs active", account.ErrInvalidState, a.Email, a.Status)
		}
		a.Transition(account.StatusRefreshing, now)
		stored = a.SessionCredentials
		return nil
	}); err != nil {
		return err
	}

	if err := sess.SetCookies(ctx, stored.Cookies); err != nil {
		return stepError(ctx, "install stored cookies", err)
	}
	if err := sess.Navigate(ctx, r.Target.HomeURL); err != nil {
		return stepError(ctx, "open home page", err)
	}

	if r.onLoginPage(sess.URL()) {
		return fmt.Errorf("%w: %s was redirected to sign-in", account.ErrAuthExpired, acct.Email)
	}
	if err := sess.WaitFor(ctx, r.Target.AuthenticatedSelector); err != nil {
		if ctx.Err() != nil {
			return stepError(ctx, "wait for signed-in page", err)
		}
		return fmt.Errorf("%w: signed-in page did not load for %s: %v", account.ErrAuthExpired, acct.Email, err)
	}
	if r.onLoginPage(sess.URL()) {
		return fmt.Errorf("%w: %s was redirected to sign-in", account.ErrAuthExpired, acct.Email)
	}

	rotated, _, err := captureCredentials(ctx, sess, r.Target)
	if err != nil {
		return stepError(ctx, "capture credentials", err)
	}
	creds := stored.Merge(rotated)
	if creds.IsEmpty() {
		return fmt.Errorf("%w: no credentials left for %s", account.ErrAuthExpired, acct.Email)
	}

	done := r.Clock.now()
	if _, err := rec.Update(ctx, func(a *account.Account) error {
		account.ApplySuccess(a, creds, done)
		return nil
	}); err != nil {
		return err
	}
	r.Logger.Infof("account %s refreshed (%d cookies rotated)", acct.Email, len(rotated.Cookies))
	return nil
}

func (r *Refresh) onLoginPage(current string) bool {
	return r.Target.LoginURLMarker != "" && strings.Contains(current, r.Target.LoginURLMarker)
}
