package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/entrhq/accountforge/pkg/account"
	"github.com/entrhq/accountforge/pkg/browser"
	"github.com/entrhq/accountforge/pkg/logging"
	"github.com/entrhq/accountforge/pkg/mailbox"
)

// Registration signs a new account in through its email address and the
// verification code delivered to the account's mailbox.
type Registration struct {
	Target  Target
	Mailbox mailbox.Poller
	Policy  mailbox.PollPolicy
	Clock   Clock
	Logger  *logging.Logger
}

// NewRegistration creates a registration pipeline.
func NewRegistration(target Target, poller mailbox.Poller, policy mailbox.PollPolicy, logger *logging.Logger) *Registration {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Registration{Target: target, Mailbox: poller, Policy: policy, Logger: logger}
}

// Run moves acct through registering and verifying to active.
func (r *Registration) Run(ctx context.Context, sess browser.Session, acct *account.Account, rec Recorder) error {
	email := acct.Email
	log := r.Logger

	if err := transition(ctx, rec, account.StatusRegistering, r.Clock.now()); err != nil {
		return err
	}

	if err := sess.Navigate(ctx, r.Target.SignInURL); err != nil {
		return stepError(ctx, "open sign-in page", err)
	}
	if err := sess.Fill(ctx, r.Target.EmailInput, email); err != nil {
		return stepError(ctx, "enter email", err)
	}

	since := r.Clock.now().Truncate(timeResolution)
	if err := sess.Click(ctx, r.Target.ContinueButton); err != nil {
		return stepError(ctx, "submit email", err)
	}
	log.Infof("email submitted for %s, waiting for verification", email)

	if err := transition(ctx, rec, account.StatusVerifying, r.Clock.now()); err != nil {
		return err
	}

	payload, err := mailbox.Wait(ctx, r.Mailbox, email, acct.DomainIndex, since, r.Policy)
	if err != nil {
		return err
	}

	if payload.Code != "" {
		log.Debugf("verification code received for %s (message %s)", email, payload.MessageID)
		if err := sess.Fill(ctx, r.Target.CodeInput, payload.Code); err != nil {
			return stepError(ctx, "enter verification code", err)
		}
		if err := sess.Click(ctx, r.Target.VerifyButton); err != nil {
			return stepError(ctx, "submit verification code", err)
		}
	} else {
		log.Debugf("verification link received for %s (message %s)", email, payload.MessageID)
		if err := sess.Navigate(ctx, payload.Link); err != nil {
			return stepError(ctx, "open verification link", err)
		}
	}

	if err := sess.WaitFor(ctx, r.Target.AuthenticatedSelector); err != nil {
		return stepError(ctx, "wait for signed-in page", err)
	}

	creds, missing, err := captureCredentials(ctx, sess, r.Target)
	if err != nil {
		return stepError(ctx, "capture credentials", err)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: signed-in session is missing cookies %s", account.ErrForm, strings.Join(missing, ", "))
	}

	now := r.Clock.now()
	if _, err := rec.Update(ctx, func(a *account.Account) error {
		account.ApplySuccess(a, creds, now)
		return nil
	}); err != nil {
		return err
	}
	log.Infof("account %s registered", email)
	return nil
}
