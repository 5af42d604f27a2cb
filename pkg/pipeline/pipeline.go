// Package pipeline implements the per-account browser flows: registering a
// new account through email verification, and refreshing the session of an
// active one. A pipeline drives exactly one Session and writes account state
// only through the Recorder it is handed.
package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/entrhq/accountforge/pkg/account"
	"github.com/entrhq/accountforge/pkg/browser"
	"github.com/entrhq/accountforge/pkg/config"
)

// Credential attributes derived from the authenticated page URL.
const (
	AttrSessionIndex = "csesidx"
	AttrTeamID       = "team_id"
)

// Recorder applies a mutation to the job's account record. Writes after the
// job has been finalized are dropped and return an error.
type Recorder interface {
	Update(ctx context.Context, fn func(*account.Account) error) (*account.Account, error)
}

// Pipeline runs one job against one account.
type Pipeline interface {
	Run(ctx context.Context, sess browser.Session, acct *account.Account, rec Recorder) error
}

// timeResolution is the precision of mailbox timestamps.
const timeResolution = time.Second

// Target describes the pages and elements of the service accounts live on.
type Target = config.TargetConfig

// Clock returns the current time.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}

// transition moves the account to status s.
func transition(ctx context.Context, rec Recorder, s account.Status, now time.Time) error {
	_, err := rec.Update(ctx, func(a *account.Account) error {
		a.Transition(s, now)
		return nil
	})
	return err
}

// captureCredentials reads the target's credential cookies and the URL
// attributes of an authenticated page. missing lists the configured cookies
// that were not present.
func captureCredentials(ctx context.Context, sess browser.Session, target Target) (account.SessionCredentials, []string, error) {
	cookies, err := sess.Cookies(ctx)
	if err != nil {
		return account.SessionCredentials{}, nil, err
	}

	var creds account.SessionCredentials
	var missing []string
	for _, name := range target.CredentialCookies {
		found := false
		for _, c := range cookies {
			if c.Name == name {
				creds.Cookies = append(creds.Cookies, c)
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, name)
		}
	}

	if attrs := urlAttributes(sess.URL(), target); len(attrs) > 0 {
		creds.Attributes = attrs
	}
	return creds, missing, nil
}

// urlAttributes extracts the session index query parameter and the team id
// path segment ("/<segment>/<id>") from an authenticated page URL.
func urlAttributes(raw string, target Target) map[string]string {
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	attrs := make(map[string]string)
	if target.SessionIndexParam != "" {
		if v := u.Query().Get(target.SessionIndexParam); v != "" {
			attrs[AttrSessionIndex] = v
		}
	}
	if target.TeamPathSegment != "" {
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		for i := 0; i+1 < len(parts); i++ {
			if parts[i] == target.TeamPathSegment && parts[i+1] != "" {
				attrs[AttrTeamID] = parts[i+1]
				break
			}
		}
	}
	return attrs
}

// stepError adds the step name to err. The message keeps its leading kind
// name; context errors are mapped onto the taxonomy.
func stepError(ctx context.Context, step string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %s: %v", account.FromContext(ctxErr), step, err)
	}
	return fmt.Errorf("%w (during %s)", err, step)
}
