package mailbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/entrhq/accountforge/pkg/account"
	"github.com/entrhq/accountforge/pkg/config"
)

// PollPolicy bounds Wait.
type PollPolicy struct {
	MaxPolls        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// PolicyFromConfig converts the verification settings.
func PolicyFromConfig(c config.VerificationConfig) PollPolicy {
	return PollPolicy{
		MaxPolls:        c.MaxPolls,
		InitialInterval: c.InitialInterval,
		MaxInterval:     c.MaxInterval,
		Multiplier:      c.Multiplier,
	}
}

func (p PollPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	if p.Multiplier >= 1 {
		eb.Multiplier = p.Multiplier
	}
	eb.RandomizationFactor = 0.1
	// The job deadline bounds the total wait
	eb.MaxElapsedTime = 0

	polls := p.MaxPolls
	if polls < 1 {
		polls = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(polls-1)), ctx)
}

var errNoMessage = errors.New("no verification message yet")

// Wait polls until a payload arrives, MaxPolls is used up or ctx ends.
// Poll errors count as empty polls.
func Wait(ctx context.Context, poller Poller, email string, domainIndex int, since time.Time, policy PollPolicy) (*Payload, error) {
	var (
		payload *Payload
		polls   int
		lastErr error
	)

	op := func() error {
		polls++
		p, err := poller.Poll(ctx, email, domainIndex, since)
		if err != nil {
			if errors.Is(err, account.ErrConfig) {
				return backoff.Permanent(err)
			}
			lastErr = err
			return err
		}
		if p == nil {
			return errNoMessage
		}
		payload = p
		return nil
	}

	err := backoff.Retry(op, policy.backOff(ctx))
	if err == nil {
		return payload, nil
	}
	if errors.Is(err, account.ErrConfig) {
		return nil, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("%w: waiting for verification email for %s: %v", account.FromContext(ctxErr), email, ctxErr)
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: no verification email for %s after %d polls (last error: %v)", account.ErrVerificationTimeout, email, polls, lastErr)
	}
	return nil, fmt.Errorf("%w: no verification email for %s after %d polls", account.ErrVerificationTimeout, email, polls)
}
