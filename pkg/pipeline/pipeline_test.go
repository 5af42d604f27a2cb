package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/entrhq/accountforge/pkg/account"
	"github.com/entrhq/accountforge/pkg/browser/browsertest"
	"github.com/entrhq/accountforge/pkg/config"
	"github.com/entrhq/accountforge/pkg/mailbox"
	"github.com/entrhq/accountforge/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testEmail   = "user@a.example"
	signedInURL = "https://business.gemini.google/home/cid/team-42?csesidx=1234567"
)

type pollerFunc func(ctx context.Context, email string, domainIndex int, since time.Time) (*mailbox.Payload, error)

func (f pollerFunc) Poll(ctx context.Context, email string, domainIndex int, since time.Time) (*mailbox.Payload, error) {
	return f(ctx, email, domainIndex, since)
}

// storeRecorder writes through a store and remembers every status it committed.
type storeRecorder struct {
	st    store.Store
	email string

	mu       sync.Mutex
	statuses []account.Status
}

func (r *storeRecorder) Update(ctx context.Context, fn func(*account.Account) error) (*account.Account, error) {
	a, err := r.st.Update(ctx, r.email, fn)
	if err == nil {
		r.mu.Lock()
		r.statuses = append(r.statuses, a.Status)
		r.mu.Unlock()
	}
	return a, err
}

func target() Target {
	return config.DefaultConfig().Target
}

func fastPolicy(polls int) mailbox.PollPolicy {
	return mailbox.PollPolicy{MaxPolls: polls, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1}
}

func credentialCookies(ses string) []account.Cookie {
	return []account.Cookie{
		{Name: "__Secure-C_SES", Value: ses, Domain: ".gemini.google", Secure: true},
		{Name: "__Host-C_OSES", Value: "oses-1", Domain: "business.gemini.google", Secure: true},
	}
}

func seed(t *testing.T, a *account.Account) (*store.Memory, *storeRecorder) {
	t.Helper()
	st := store.NewMemory()
	require.NoError(t, st.Create(context.Background(), a))
	return st, &storeRecorder{st: st, email: a.Email}
}

// signInOnVerify makes the page sign in once the verify button is clicked.
func signInOnVerify(tgt Target) func(ctx context.Context, s *browsertest.Session, step browsertest.Step) error {
	return func(ctx context.Context, s *browsertest.Session, step browsertest.Step) error {
		if step.Op == "click" && step.Selector == tgt.VerifyButton {
			s.SetURL(signedInURL)
			s.PutCookies(credentialCookies("ses-1")...)
		}
		return nil
	}
}

func TestRegistrationSucceeds(t *testing.T) {
	tgt := target()
	st, rec := seed(t, account.New(testEmail, 0, time.Now()))

	var gotSince time.Time
	poller := pollerFunc(func(_ context.Context, email string, idx int, since time.Time) (*mailbox.Payload, error) {
		assert.Equal(t, testEmail, email)
		assert.Equal(t, 0, idx)
		gotSince = since
		return &mailbox.Payload{Code: "AB12CD", MessageID: "7"}, nil
	})

	sess := browsertest.NewSession()
	sess.OnStep = signInOnVerify(tgt)

	p := NewRegistration(tgt, poller, fastPolicy(3), nil)
	acct, err := st.Get(context.Background(), testEmail)
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background(), sess, acct, rec))

	got, err := st.Get(context.Background(), testEmail)
	require.NoError(t, err)
	assert.Equal(t, account.StatusActive, got.Status)
	assert.Empty(t, got.LastError)
	assert.False(t, got.LastRefreshedAt.IsZero())
	v, ok := got.SessionCredentials.Cookie("__Secure-C_SES")
	assert.True(t, ok)
	assert.Equal(t, "ses-1", v)
	assert.Equal(t, "1234567", got.SessionCredentials.Attributes[AttrSessionIndex])
	assert.Equal(t, "team-42", got.SessionCredentials.Attributes[AttrTeamID])

	assert.Equal(t, []account.Status{account.StatusRegistering, account.StatusVerifying, account.StatusActive}, rec.statuses)
	assert.Equal(t, 0, gotSince.Nanosecond())

	var steps []string
	for _, s := range sess.Steps() {
		steps = append(steps, s.String())
	}
	assert.Equal(t, []string{
		"navigate " + tgt.SignInURL,
		"fill " + tgt.EmailInput + "=" + testEmail,
		"click " + tgt.ContinueButton,
		"fill " + tgt.CodeInput + "=AB12CD",
		"click " + tgt.VerifyButton,
		"waitfor " + tgt.AuthenticatedSelector,
	}, steps)
}

func TestRegistrationFollowsLink(t *testing.T) {
	tgt := target()
	st, rec := seed(t, account.New(testEmail, 0, time.Now()))

	link := "https://auth.business.gemini.google/verify?token=abc"
	poller := pollerFunc(func(context.Context, string, int, time.Time) (*mailbox.Payload, error) {
		return &mailbox.Payload{Link: link}, nil
	})
	sess := browsertest.NewSession()
	sess.OnStep = func(_ context.Context, s *browsertest.Session, step browsertest.Step) error {
		if step.Op == "navigate" && step.Selector == link {
			s.SetURL(signedInURL)
			s.PutCookies(credentialCookies("ses-link")...)
		}
		return nil
	}

	acct, _ := st.Get(context.Background(), testEmail)
	require.NoError(t, NewRegistration(tgt, poller, fastPolicy(1), nil).Run(context.Background(), sess, acct, rec))

	got, _ := st.Get(context.Background(), testEmail)
	assert.Equal(t, account.StatusActive, got.Status)
	v, _ := got.SessionCredentials.Cookie("__Secure-C_SES")
	assert.Equal(t, "ses-link", v)
}

func TestRegistrationVerificationTimeout(t *testing.T) {
	tgt := target()
	st, rec := seed(t, account.New(testEmail, 0, time.Now()))

	polls := 0
	poller := pollerFunc(func(context.Context, string, int, time.Time) (*mailbox.Payload, error) {
		polls++
		return nil, nil
	})

	acct, _ := st.Get(context.Background(), testEmail)
	err := NewRegistration(tgt, poller, fastPolicy(3), nil).Run(context.Background(), browsertest.NewSession(), acct, rec)
	require.Error(t, err)
	assert.ErrorIs(t, err, account.ErrVerificationTimeout)
	assert.Equal(t, 3, polls)

	// The pool records the failure through ApplyFailure.
	got, err := st.Update(context.Background(), testEmail, func(a *account.Account) error {
		account.ApplyFailure(a, err, time.Now())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, account.StatusFailed, got.Status)
	assert.True(t, strings.HasPrefix(got.LastError, "VerificationTimeout"), got.LastError)
	assert.Equal(t, 1, got.RetryCount)
	assert.True(t, got.SessionCredentials.IsEmpty())
}

func TestRegistrationStepFailures(t *testing.T) {
	tgt := target()

	tests := []struct {
		name     string
		failOn   browsertest.Step
		failWith error
		wantKind error
	}{
		{
			name:     "sign-in page unreachable",
			failOn:   browsertest.Step{Op: "navigate", Selector: tgt.SignInURL},
			failWith: account.ErrNavigation,
			wantKind: account.ErrNavigation,
		},
		{
			name:     "email input missing",
			failOn:   browsertest.Step{Op: "fill", Selector: tgt.EmailInput, Value: testEmail},
			failWith: account.ErrForm,
			wantKind: account.ErrForm,
		},
		{
			name:     "signed-in page never appears",
			failOn:   browsertest.Step{Op: "waitfor", Selector: tgt.AuthenticatedSelector},
			failWith: account.ErrNavigation,
			wantKind: account.ErrNavigation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, rec := seed(t, account.New(testEmail, 0, time.Now()))
			poller := pollerFunc(func(context.Context, string, int, time.Time) (*mailbox.Payload, error) {
				return &mailbox.Payload{Code: "AB12CD"}, nil
			})
			sess := browsertest.NewSession()
			sess.OnStep = func(_ context.Context, _ *browsertest.Session, step browsertest.Step) error {
				if step == tt.failOn {
					return tt.failWith
				}
				return nil
			}

			acct, _ := st.Get(context.Background(), testEmail)
			err := NewRegistration(tgt, poller, fastPolicy(1), nil).Run(context.Background(), sess, acct, rec)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantKind)
			assert.Equal(t, tt.wantKind.Error(), account.Kind(err))
		})
	}
}

func TestRegistrationMissingCookies(t *testing.T) {
	tgt := target()
	st, rec := seed(t, account.New(testEmail, 0, time.Now()))
	poller := pollerFunc(func(context.Context, string, int, time.Time) (*mailbox.Payload, error) {
		return &mailbox.Payload{Code: "AB12CD"}, nil
	})
	sess := browsertest.NewSession()
	sess.OnStep = func(_ context.Context, s *browsertest.Session, step browsertest.Step) error {
		if step.Op == "click" && step.Selector == tgt.VerifyButton {
			s.PutCookies(credentialCookies("ses-1")[0])
		}
		return nil
	}

	acct, _ := st.Get(context.Background(), testEmail)
	err := NewRegistration(tgt, poller, fastPolicy(1), nil).Run(context.Background(), sess, acct, rec)
	require.Error(t, err)
	assert.ErrorIs(t, err, account.ErrForm)
	assert.Contains(t, err.Error(), "__Host-C_OSES")

	got, _ := st.Get(context.Background(), testEmail)
	assert.Equal(t, account.StatusVerifying, got.Status)
}

func TestRegistrationDeadline(t *testing.T) {
	tgt := target()
	st, rec := seed(t, account.New(testEmail, 0, time.Now()))
	poller := pollerFunc(func(context.Context, string, int, time.Time) (*mailbox.Payload, error) {
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	acct, _ := st.Get(context.Background(), testEmail)
	err := NewRegistration(tgt, poller, mailbox.PollPolicy{MaxPolls: 30, InitialInterval: time.Hour}, nil).
		Run(ctx, browsertest.NewSession(), acct, rec)
	assert.ErrorIs(t, err, account.ErrTimeout)
}

func activeAccount(t *testing.T) *account.Account {
	t.Helper()
	a := account.New(testEmail, 0, time.Now())
	account.ApplySuccess(a, account.SessionCredentials{
		Cookies:    credentialCookies("ses-old"),
		Attributes: map[string]string{AttrSessionIndex: "1111", AttrTeamID: "team-42"},
	}, time.Now())
	return a
}

func TestRefreshRotatesCredentials(t *testing.T) {
	tgt := target()
	st, rec := seed(t, activeAccount(t))

	sess := browsertest.NewSession()
	sess.OnStep = func(_ context.Context, s *browsertest.Session, step browsertest.Step) error {
		if step.Op == "navigate" && step.Selector == tgt.HomeURL {
			// The stored cookies must be installed before the page loads
			cookies, _ := s.Cookies(context.Background())
			assert.Len(t, cookies, 2)
			s.SetURL("https://business.gemini.google/home/cid/team-42?csesidx=2222")
			s.PutCookies(account.Cookie{Name: "__Secure-C_SES", Value: "ses-new", Secure: true})
		}
		return nil
	}

	acct, _ := st.Get(context.Background(), testEmail)
	require.NoError(t, NewRefresh(tgt, nil).Run(context.Background(), sess, acct, rec))

	got, _ := st.Get(context.Background(), testEmail)
	assert.Equal(t, account.StatusActive, got.Status)
	ses, _ := got.SessionCredentials.Cookie("__Secure-C_SES")
	oses, _ := got.SessionCredentials.Cookie("__Host-C_OSES")
	assert.Equal(t, "ses-new", ses)
	assert.Equal(t, "oses-1", oses)
	assert.Equal(t, "2222", got.SessionCredentials.Attributes[AttrSessionIndex])
	assert.Equal(t, []account.Status{account.StatusRefreshing, account.StatusActive}, rec.statuses)
}

func TestRefreshDetectsExpiredSession(t *testing.T) {
	tgt := target()

	tests := []struct {
		name   string
		onStep func(ctx context.Context, s *browsertest.Session, step browsertest.Step) error
	}{
		{
			name: "redirected to login",
			onStep: func(_ context.Context, s *browsertest.Session, step browsertest.Step) error {
				if step.Op == "navigate" {
					s.SetURL("https://auth.business.gemini.google/login?continueUrl=x")
				}
				return nil
			},
		},
		{
			name: "signed-in page missing",
			onStep: func(_ context.Context, _ *browsertest.Session, step browsertest.Step) error {
				if step.Op == "waitfor" {
					return account.ErrNavigation
				}
				return nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, rec := seed(t, activeAccount(t))
			sess := browsertest.NewSession()
			sess.OnStep = tt.onStep

			acct, _ := st.Get(context.Background(), testEmail)
			err := NewRefresh(tgt, nil).Run(context.Background(), sess, acct, rec)
			require.Error(t, err)
			assert.ErrorIs(t, err, account.ErrAuthExpired)

			got, err := st.Update(context.Background(), testEmail, func(a *account.Account) error {
				account.ApplyFailure(a, err, time.Now())
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, account.StatusExpired, got.Status)
			assert.True(t, got.SessionCredentials.IsEmpty())
			assert.True(t, strings.HasPrefix(got.LastError, "AuthExpired"), got.LastError)
		})
	}
}

func TestRefreshRequiresActive(t *testing.T) {
	st, rec := seed(t, account.New(testEmail, 0, time.Now()))
	sess := browsertest.NewSession()

	acct, _ := st.Get(context.Background(), testEmail)
	err := NewRefresh(target(), nil).Run(context.Background(), sess, acct, rec)
	assert.ErrorIs(t, err, account.ErrInvalidState)
	assert.Empty(t, sess.Steps())

	got, _ := st.Get(context.Background(), testEmail)
	assert.Equal(t, account.StatusPending, got.Status)
}

func TestURLAttributes(t *testing.T) {
	tgt := target()

	tests := []struct {
		url  string
		want map[string]string
	}{
		{signedInURL, map[string]string{AttrSessionIndex: "1234567", AttrTeamID: "team-42"}},
		{"https://business.gemini.google/?csesidx=9", map[string]string{AttrSessionIndex: "9"}},
		{"https://business.gemini.google/cid/", map[string]string{}},
		{"https://business.gemini.google/", map[string]string{}},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, urlAttributes(tt.url, tgt))
		})
	}
}
