package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/entrhq/accountforge/pkg/account"
	"github.com/entrhq/accountforge/pkg/browser"
	"github.com/entrhq/accountforge/pkg/browser/browsertest"
	"github.com/entrhq/accountforge/pkg/config"
	"github.com/entrhq/accountforge/pkg/pipeline"
	"github.com/entrhq/accountforge/pkg/store"
	"github.com/entrhq/accountforge/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeJobs struct {
	mu        sync.Mutex
	submitted []worker.Job
	inflight  map[string]bool
	stats     worker.Stats
	submitErr error
	cancelled []string
	fp        browser.Fingerprint
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{
		inflight: map[string]bool{},
		stats:    worker.Stats{MaxWorkers: 2, QueueSize: 10},
	}
}

func (j *fakeJobs) Submit(_ context.Context, job worker.Job) (*worker.Handle, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.submitErr != nil {
		return nil, j.submitErr
	}
	j.submitted = append(j.submitted, job)
	return &worker.Handle{ID: fmt.Sprintf("job-%d", len(j.submitted)), Job: job}, nil
}

func (j *fakeJobs) Cancel(email string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.inflight[email] {
		return false
	}
	j.cancelled = append(j.cancelled, email)
	return true
}

func (j *fakeJobs) CancelAll() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.inflight)
}

func (j *fakeJobs) InFlight(email string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.inflight[email]
}

func (j *fakeJobs) Stats() worker.Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stats
}

func (j *fakeJobs) Resize(n int) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.stats.MaxWorkers = config.ClampWorkers(n)
	return j.stats.MaxWorkers
}

func (j *fakeJobs) SetFingerprint(fp browser.Fingerprint) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.fp = fp
}

type fakeAddresses struct {
	registry *config.Registry
	calls    int
	err      error
}

func (f *fakeAddresses) CreateAddress(_ context.Context, idx int, name string) (string, string, error) {
	f.calls++
	if f.err != nil {
		return "", "", f.err
	}
	entry, err := f.registry.Entry(idx)
	if err != nil {
		return "", "", err
	}
	if name == "" {
		name = fmt.Sprintf("user%d", f.calls)
	}
	return name + "@" + entry.EmailDomain, "jwt-" + name, nil
}

type fixture struct {
	store     *store.Memory
	jobs      *fakeJobs
	addresses *fakeAddresses
	engine    *Engine
}

func testRegistry(t *testing.T) *config.Registry {
	t.Helper()
	reg, err := config.NewRegistry(
		[]string{"mail-a.example.workers.dev", "mail-b.example.workers.dev"},
		[]string{"a.example", "b.example"},
		[]string{"pw-a", "pw-b"},
	)
	require.NoError(t, err)
	return reg
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := testRegistry(t)
	f := &fixture{
		store:     store.NewMemory(),
		jobs:      newFakeJobs(),
		addresses: &fakeAddresses{registry: reg},
	}
	f.engine = New(f.store, reg, f.jobs, f.addresses, Options{Clock: func() time.Time { return fixedNow }})
	return f
}

func completeCreds() account.SessionCredentials {
	return account.SessionCredentials{
		Cookies: []account.Cookie{
			{Name: CookieSecureSES, Value: "ses-value"},
			{Name: CookieHostOSES, Value: "oses-value"},
		},
		Attributes: map[string]string{
			pipeline.AttrSessionIndex: "1234567",
			pipeline.AttrTeamID:       "team-42",
		},
	}
}

func (f *fixture) put(t *testing.T, email string, status account.Status) {
	t.Helper()
	a := account.New(email, 0, fixedNow)
	switch status {
	case account.StatusActive, account.StatusRefreshing:
		account.ApplySuccess(a, completeCreds(), fixedNow)
		a.Status = status
	default:
		a.Status = status
	}
	require.NoError(t, f.store.Create(context.Background(), a))
}

func TestCreateAccountDomainIndex(t *testing.T) {
	tests := []struct {
		name    string
		index   int
		wantErr error
		domain  string
	}{
		{name: "first entry", index: 0, domain: "a.example"},
		{name: "last entry", index: 1, domain: "b.example"},
		{name: "out of range", index: 2, wantErr: account.ErrConfig},
		{name: "negative", index: -2, wantErr: account.ErrConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ref, err := f.engine.CreateAccount(context.Background(), CreateRequest{DomainIndex: tt.index, Username: "alice"})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Zero(t, f.addresses.calls)
				assert.Empty(t, f.jobs.submitted)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "alice@"+tt.domain, ref.Email)
			assert.Equal(t, worker.OpRegister, ref.Op)

			a, err := f.store.Get(context.Background(), ref.Email)
			require.NoError(t, err)
			assert.Equal(t, account.StatusPending, a.Status)
			assert.Equal(t, tt.index, a.DomainIndex)
			assert.Equal(t, "jwt-alice", a.MailboxToken)
			assert.Equal(t, []worker.Job{{Email: ref.Email, Op: worker.OpRegister}}, f.jobs.submitted)
		})
	}
}

func TestCreateAccountAnyDomain(t *testing.T) {
	f := newFixture(t)
	ref, err := f.engine.CreateAccount(context.Background(), CreateRequest{DomainIndex: AnyDomain})
	require.NoError(t, err)

	a, err := f.store.Get(context.Background(), ref.Email)
	require.NoError(t, err)
	assert.Contains(t, []int{0, 1}, a.DomainIndex)
	assert.Equal(t, []string{"a.example", "b.example"}[a.DomainIndex], account.Domain(a.Email))
}

func TestCreateAccountFullQueue(t *testing.T) {
	f := newFixture(t)
	f.jobs.stats.Queued = f.jobs.stats.QueueSize

	_, err := f.engine.CreateAccount(context.Background(), CreateRequest{})
	assert.ErrorIs(t, err, account.ErrResourceExhausted)
	assert.Zero(t, f.addresses.calls)
}

func TestCreateAccountMailboxFailure(t *testing.T) {
	f := newFixture(t)
	f.addresses.err = fmt.Errorf("%w: mailbox returned 401", account.ErrConfig)

	_, err := f.engine.CreateAccount(context.Background(), CreateRequest{})
	assert.ErrorIs(t, err, account.ErrConfig)

	all, err := f.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRefreshAccount(t *testing.T) {
	f := newFixture(t)
	f.put(t, "known@a.example", account.StatusActive)

	ref, err := f.engine.RefreshAccount(context.Background(), " Known@A.example ")
	require.NoError(t, err)
	assert.Equal(t, worker.OpRefresh, ref.Op)
	assert.Equal(t, "known@a.example", ref.Email)
}

func TestRefreshAccountAdoptsUnknownEmail(t *testing.T) {
	f := newFixture(t)

	ref, err := f.engine.RefreshAccount(context.Background(), "stranger@b.example")
	require.NoError(t, err)
	assert.Equal(t, worker.OpRegister, ref.Op)

	a, err := f.store.Get(context.Background(), "stranger@b.example")
	require.NoError(t, err)
	assert.Equal(t, account.StatusPending, a.Status)
	assert.Equal(t, 1, a.DomainIndex)

	_, err = f.engine.RefreshAccount(context.Background(), "stranger@unknown.example")
	assert.ErrorIs(t, err, account.ErrNotFound)
}

func TestRefreshAllOnlyTouchesActiveAccounts(t *testing.T) {
	f := newFixture(t)
	f.put(t, "one@a.example", account.StatusActive)
	f.put(t, "two@a.example", account.StatusActive)
	f.put(t, "busy@a.example", account.StatusActive)
	f.put(t, "failed@a.example", account.StatusFailed)
	f.put(t, "expired@a.example", account.StatusExpired)
	f.put(t, "pending@a.example", account.StatusPending)
	f.jobs.inflight["busy@a.example"] = true

	res, err := f.engine.RefreshAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &BatchResult{Queued: 2, Skipped: 1}, res)

	emails := make([]string, 0, len(f.jobs.submitted))
	for _, j := range f.jobs.submitted {
		assert.Equal(t, worker.OpRefresh, j.Op)
		emails = append(emails, j.Email)
	}
	assert.ElementsMatch(t, []string{"one@a.example", "two@a.example"}, emails)
}

func TestRefreshAllCountsRejections(t *testing.T) {
	f := newFixture(t)
	f.put(t, "one@a.example", account.StatusActive)
	f.put(t, "two@a.example", account.StatusActive)
	f.jobs.submitErr = fmt.Errorf("%w: job queue is full", account.ErrResourceExhausted)

	res, err := f.engine.RefreshAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &BatchResult{Rejected: 2}, res)
}

func TestRetryAccount(t *testing.T) {
	tests := []struct {
		status  account.Status
		wantErr error
	}{
		{status: account.StatusFailed},
		{status: account.StatusExpired},
		{status: account.StatusPending},
		{status: account.StatusActive, wantErr: account.ErrInvalidState},
		{status: account.StatusVerifying, wantErr: account.ErrInvalidState},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			f := newFixture(t)
			f.put(t, "x@a.example", tt.status)

			ref, err := f.engine.RetryAccount(context.Background(), "x@a.example")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, f.jobs.submitted)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, worker.OpRegister, ref.Op)
		})
	}

	f := newFixture(t)
	_, err := f.engine.RetryAccount(context.Background(), "missing@a.example")
	assert.ErrorIs(t, err, account.ErrNotFound)
}

func TestStopAndDelete(t *testing.T) {
	f := newFixture(t)
	f.put(t, "busy@a.example", account.StatusRegistering)
	f.put(t, "idle@a.example", account.StatusFailed)
	f.jobs.inflight["busy@a.example"] = true

	require.NoError(t, f.engine.StopAccount(context.Background(), "busy@a.example"))
	assert.Equal(t, []string{"busy@a.example"}, f.jobs.cancelled)
	assert.ErrorIs(t, f.engine.StopAccount(context.Background(), "idle@a.example"), account.ErrNotFound)
	assert.Equal(t, 1, f.engine.StopAll(context.Background()))

	assert.ErrorIs(t, f.engine.DeleteAccount(context.Background(), "busy@a.example"), account.ErrAlreadyInProgress)
	require.NoError(t, f.engine.DeleteAccount(context.Background(), "idle@a.example"))
	_, err := f.store.Get(context.Background(), "idle@a.example")
	assert.ErrorIs(t, err, account.ErrNotFound)
	assert.ErrorIs(t, f.engine.DeleteAccount(context.Background(), "idle@a.example"), account.ErrNotFound)
}

func TestStatusCounts(t *testing.T) {
	f := newFixture(t)
	f.put(t, "a1@a.example", account.StatusActive)
	f.put(t, "a2@a.example", account.StatusActive)
	f.put(t, "p@a.example", account.StatusPending)
	f.put(t, "r@a.example", account.StatusRegistering)
	f.put(t, "v@a.example", account.StatusVerifying)
	f.put(t, "u@a.example", account.StatusRefreshing)
	f.put(t, "f@a.example", account.StatusFailed)
	f.put(t, "e@a.example", account.StatusExpired)
	f.jobs.stats.Running = 1

	st, err := f.engine.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Counts{Total: 8, Active: 2, Creating: 3, Refreshing: 1, Failed: 1, Expired: 1}, st.Accounts)
	assert.Equal(t, 1, st.Workers.Running)
	assert.Equal(t, 2, st.Workers.MaxWorkers)
}

func TestGetAccountHidesCredentials(t *testing.T) {
	f := newFixture(t)
	f.put(t, "a@a.example", account.StatusActive)
	f.jobs.inflight["a@a.example"] = true

	v, err := f.engine.GetAccount(context.Background(), "a@a.example")
	require.NoError(t, err)
	assert.True(t, v.HasCredentials)
	assert.True(t, v.InFlight)
	assert.Equal(t, "a.example", v.EmailDomain)
	require.NotNil(t, v.LastRefreshedAt)

	_, err = f.engine.GetAccount(context.Background(), "nobody@a.example")
	assert.ErrorIs(t, err, account.ErrNotFound)
}

func TestExportActiveAccounts(t *testing.T) {
	f := newFixture(t)
	f.put(t, "good@a.example", account.StatusActive)
	f.put(t, "refreshing@a.example", account.StatusRefreshing)
	f.put(t, "failed@a.example", account.StatusFailed)

	partial := account.New("partial@a.example", 0, fixedNow)
	creds := completeCreds()
	delete(creds.Attributes, pipeline.AttrTeamID)
	account.ApplySuccess(partial, creds, fixedNow)
	require.NoError(t, f.store.Create(context.Background(), partial))

	exp, err := f.engine.ExportActiveAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, exp.Accounts, 1)
	assert.Equal(t, ExportedAccount{
		Available:  true,
		Email:      "good@a.example",
		CSESIDX:    "1234567",
		HostCOSES:  "oses-value",
		SecureCSES: "ses-value",
		TeamID:     "team-42",
		UserAgent:  config.DefaultUserAgent,
		CreatedAt:  "2026-03-01T12:00:00Z",
		UpdatedAt:  "2026-03-01T12:00:00Z",
		Cookies:    map[string]string{CookieSecureSES: "ses-value", CookieHostOSES: "oses-value"},
	}, exp.Accounts[0])
}

func TestExportUsesConfiguredCookies(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Target.CredentialCookies = []string{"SID"}
	reg := testRegistry(t)
	st := store.NewMemory()
	eng := New(st, reg, newFakeJobs(), &fakeAddresses{registry: reg}, Options{Config: cfg, Clock: func() time.Time { return fixedNow }})

	sid := account.New("sid@a.example", 0, fixedNow)
	account.ApplySuccess(sid, account.SessionCredentials{
		Cookies:    []account.Cookie{{Name: "SID", Value: "sid-value"}},
		Attributes: completeCreds().Attributes,
	}, fixedNow)
	require.NoError(t, st.Create(context.Background(), sid))

	// The default cookie pair alone no longer makes an account exportable
	legacy := account.New("legacy@a.example", 0, fixedNow)
	account.ApplySuccess(legacy, completeCreds(), fixedNow)
	require.NoError(t, st.Create(context.Background(), legacy))

	exp, err := eng.ExportActiveAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, exp.Accounts, 1)
	got := exp.Accounts[0]
	assert.Equal(t, "sid@a.example", got.Email)
	assert.Equal(t, map[string]string{"SID": "sid-value"}, got.Cookies)
	assert.Empty(t, got.SecureCSES)
	assert.Empty(t, got.HostCOSES)
	assert.Equal(t, "1234567", got.CSESIDX)
}

func TestExportEmpty(t *testing.T) {
	f := newFixture(t)
	exp, err := f.engine.ExportActiveAccounts(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, exp.Accounts)
	assert.Empty(t, exp.Accounts)
}

func TestSettingsAreRedacted(t *testing.T) {
	f := newFixture(t)
	s := f.engine.Settings()
	require.Len(t, s.EmailConfigs, 2)
	for _, e := range s.EmailConfigs {
		assert.Equal(t, "***", e.AdminCredential)
	}
	assert.Equal(t, config.DefaultUserAgent, s.UserAgent)
	assert.Equal(t, 2, s.MaxWorkers)
}

func TestUpdateSettings(t *testing.T) {
	f := newFixture(t)
	f.put(t, "good@a.example", account.StatusActive)

	ua := "Mozilla/5.0 (X11; Linux x86_64) Test/1.0"
	headless := true
	workers := 50
	s, err := f.engine.UpdateSettings(SettingsUpdate{
		UserAgent:   &ua,
		Headless:    &headless,
		MaxWorkers:  &workers,
		Fingerprint: []byte(`{"window_size":"1280x720","timezone":"Europe/Berlin"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, ua, s.UserAgent)
	assert.True(t, s.Headless)
	assert.Equal(t, config.MaxWorkersLimit, s.MaxWorkers)
	assert.Equal(t, "Europe/Berlin", s.Fingerprint.Timezone)
	// Keys missing from the update keep their value
	assert.Equal(t, "zh-CN", s.Fingerprint.Locale)
	assert.Equal(t, s, f.engine.Settings())

	assert.Equal(t, browser.Fingerprint{
		Width:               1280,
		Height:              720,
		Timezone:            "Europe/Berlin",
		Locale:              "zh-CN",
		Platform:            "Win32",
		ColorDepth:          24,
		DeviceMemory:        8,
		HardwareConcurrency: 8,
		UserAgent:           ua,
		Headless:            true,
	}, f.jobs.fp)

	exp, err := f.engine.ExportActiveAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, exp.Accounts, 1)
	assert.Equal(t, ua, exp.Accounts[0].UserAgent)
}

func TestUpdateSettingsRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		fp   string
	}{
		{name: "window size", fp: `{"window_size":"tiny"}`},
		{name: "negative memory", fp: `{"device_memory":-1}`},
		{name: "wrong type", fp: `{"color_depth":"deep"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			before := f.engine.Settings()
			headless := !before.Headless

			_, err := f.engine.UpdateSettings(SettingsUpdate{Headless: &headless, Fingerprint: []byte(tt.fp)})
			assert.ErrorIs(t, err, account.ErrConfig)
			assert.Equal(t, before, f.engine.Settings())
			assert.Equal(t, browser.Fingerprint{}, f.jobs.fp)
		})
	}
}

type pipelineFunc func(ctx context.Context, sess browser.Session, acct *account.Account, rec pipeline.Recorder) error

func (f pipelineFunc) Run(ctx context.Context, sess browser.Session, acct *account.Account, rec pipeline.Recorder) error {
	return f(ctx, sess, acct, rec)
}

func TestCreateAccountThroughPool(t *testing.T) {
	reg := testRegistry(t)
	st := store.NewMemory()
	factory := &browsertest.Factory{}
	activate := pipelineFunc(func(ctx context.Context, _ browser.Session, _ *account.Account, rec pipeline.Recorder) error {
		_, err := rec.Update(ctx, func(a *account.Account) error {
			account.ApplySuccess(a, completeCreds(), time.Now())
			return nil
		})
		return err
	})
	fail := pipelineFunc(func(context.Context, browser.Session, *account.Account, pipeline.Recorder) error {
		return errors.New("unused")
	})

	pool, err := worker.New(worker.Options{
		Store:     st,
		Factory:   factory,
		Pipelines: map[worker.Operation]pipeline.Pipeline{worker.OpRegister: activate, worker.OpRefresh: fail},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Close(ctx)
	})

	eng := New(st, reg, pool, &fakeAddresses{registry: reg}, Options{})
	ref, err := eng.CreateAccount(context.Background(), CreateRequest{DomainIndex: 1, Username: "bob"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, err := eng.GetAccount(context.Background(), ref.Email)
		return err == nil && v.Status == account.StatusActive && !v.InFlight
	}, 5*time.Second, 10*time.Millisecond)

	exp, err := eng.ExportActiveAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, exp.Accounts, 1)
	assert.Equal(t, "bob@b.example", exp.Accounts[0].Email)
	assert.Equal(t, 1, factory.Peak())
}

func TestListAccounts(t *testing.T) {
	f := newFixture(t)
	f.put(t, "alpha@a.example", account.StatusActive)
	f.put(t, "beta@a.example", account.StatusPending)
	f.put(t, "gamma@b.example", account.StatusVerifying)
	f.put(t, "delta@b.example", account.StatusRefreshing)
	f.put(t, "omega@b.example", account.StatusFailed)

	emails := func(p *Page) []string {
		out := make([]string, 0, len(p.Accounts))
		for _, a := range p.Accounts {
			out = append(out, a.Email)
		}
		return out
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{name: "all", filter: Filter{}, want: []string{"alpha@a.example", "beta@a.example", "delta@b.example", "gamma@b.example", "omega@b.example"}},
		{name: "success alias", filter: Filter{Status: "success"}, want: []string{"alpha@a.example"}},
		{name: "creating group", filter: Filter{Status: "creating"}, want: []string{"beta@a.example", "gamma@b.example"}},
		{name: "updating alias", filter: Filter{Status: "updating"}, want: []string{"delta@b.example"}},
		{name: "plain status", filter: Filter{Status: "FAILED"}, want: []string{"omega@b.example"}},
		{name: "substring", filter: Filter{Search: "MEGA"}, want: []string{"omega@b.example"}},
		{name: "glob", filter: Filter{Search: "*@b.example"}, want: []string{"delta@b.example", "gamma@b.example", "omega@b.example"}},
		{name: "glob single char", filter: Filter{Search: "?eta@*"}, want: []string{"beta@a.example"}},
		{name: "broken glob falls back to substring", filter: Filter{Search: "[unclosed"}, want: []string{}},
		{name: "second page", filter: Filter{Page: 2, PerPage: 2}, want: []string{"delta@b.example", "gamma@b.example"}},
		{name: "past the end", filter: Filter{Page: 9, PerPage: 2}, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := f.engine.ListAccounts(context.Background(), tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, emails(page))
			assert.Equal(t, 5, page.Stats.Total)
		})
	}

	page, err := f.engine.ListAccounts(context.Background(), Filter{PerPage: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 3, page.TotalPages)

	page, err = f.engine.ListAccounts(context.Background(), Filter{PerPage: 10000})
	require.NoError(t, err)
	assert.Equal(t, MaxPerPage, page.PerPage)
}

func TestRefreshAllStaysWithinPoolCapacity(t *testing.T) {
	reg := testRegistry(t)
	st := store.NewMemory()
	factory := &browsertest.Factory{}
	release := make(chan struct{})
	block := pipelineFunc(func(ctx context.Context, _ browser.Session, _ *account.Account, _ pipeline.Recorder) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return account.FromContext(ctx.Err())
		}
	})

	pool, err := worker.New(worker.Options{
		Store:      st,
		Factory:    factory,
		Pipelines:  map[worker.Operation]pipeline.Pipeline{worker.OpRegister: block, worker.OpRefresh: block},
		MaxWorkers: 1,
		QueueSize:  2,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		close(release)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Close(ctx)
	})

	for i := 0; i < 6; i++ {
		a := account.New(fmt.Sprintf("user%d@a.example", i), 0, fixedNow.Add(time.Duration(i)*time.Second))
		account.ApplySuccess(a, completeCreds(), fixedNow)
		require.NoError(t, st.Create(context.Background(), a))
	}

	eng := New(st, reg, pool, &fakeAddresses{registry: reg}, Options{})
	res, err := eng.RefreshAll(context.Background())
	require.NoError(t, err)

	// One job may already be running on the single worker
	assert.Equal(t, 6, res.Queued+res.Rejected)
	assert.GreaterOrEqual(t, res.Queued, 2)
	assert.LessOrEqual(t, res.Queued, 3)
	assert.LessOrEqual(t, factory.Peak(), 1)
}

func TestReconcileAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	first, err := store.NewFile(path)
	require.NoError(t, err)

	put := func(email string, idx int, status account.Status) {
		a := account.New(email, idx, fixedNow)
		if status.HoldsCredentials() {
			account.ApplySuccess(a, completeCreds(), fixedNow)
		}
		a.Status = status
		require.NoError(t, first.Create(context.Background(), a))
	}
	put("x@a.example", 0, account.StatusVerifying)
	put("y@a.example", 7, account.StatusPending)
	put("z@a.example", 0, account.StatusRefreshing)
	put("w@b.example", 0, account.StatusFailed)
	put("orphan@c.example", 0, account.StatusRegistering)
	put("kept@c.example", 1, account.StatusActive)
	put("idle@a.example", 0, account.StatusPending)

	// A new process opens the same file
	st, err := store.NewFile(path)
	require.NoError(t, err)
	reg := testRegistry(t)
	activate := pipelineFunc(func(ctx context.Context, _ browser.Session, _ *account.Account, rec pipeline.Recorder) error {
		_, err := rec.Update(ctx, func(a *account.Account) error {
			account.ApplySuccess(a, completeCreds(), time.Now())
			return nil
		})
		return err
	})
	pool, err := worker.New(worker.Options{
		Store:     st,
		Factory:   &browsertest.Factory{},
		Pipelines: map[worker.Operation]pipeline.Pipeline{worker.OpRegister: activate, worker.OpRefresh: activate},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Close(ctx)
	})
	eng := New(st, reg, pool, &fakeAddresses{registry: reg}, Options{Clock: func() time.Time { return fixedNow }})

	_, err = eng.RetryAccount(context.Background(), "x@a.example")
	require.ErrorIs(t, err, account.ErrInvalidState)

	res, err := eng.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &ReconcileResult{Interrupted: 2, Restored: 1, Rebound: 2, Unbound: 1, Stranded: 1}, res)

	get := func(email string) *account.Account {
		a, err := st.Get(context.Background(), email)
		require.NoError(t, err)
		return a
	}
	x := get("x@a.example")
	assert.Equal(t, account.StatusFailed, x.Status)
	assert.True(t, strings.HasPrefix(x.LastError, "Cancelled"), x.LastError)
	assert.Equal(t, 1, x.RetryCount)

	assert.Equal(t, 0, get("y@a.example").DomainIndex)
	assert.Equal(t, account.StatusPending, get("y@a.example").Status)
	assert.Equal(t, 1, get("w@b.example").DomainIndex)
	assert.Equal(t, account.StatusPending, get("idle@a.example").Status)

	z := get("z@a.example")
	assert.Equal(t, account.StatusActive, z.Status)
	assert.False(t, z.SessionCredentials.IsEmpty())

	orphan := get("orphan@c.example")
	assert.Equal(t, account.StatusFailed, orphan.Status)
	assert.True(t, strings.HasPrefix(orphan.LastError, "ConfigError"), orphan.LastError)
	assert.Equal(t, account.StatusActive, get("kept@c.example").Status)

	// Settled records accept jobs again
	_, err = eng.RetryAccount(context.Background(), "x@a.example")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, err := eng.GetAccount(context.Background(), "x@a.example")
		return err == nil && v.Status == account.StatusActive && !v.InFlight
	}, 5*time.Second, 10*time.Millisecond)
	_, err = eng.RefreshAccount(context.Background(), "z@a.example")
	require.NoError(t, err)
	_, err = eng.RetryAccount(context.Background(), "orphan@c.example")
	assert.ErrorIs(t, err, account.ErrConfig)

	// The repairs were persisted
	reopened, err := store.NewFile(path)
	require.NoError(t, err)
	y, err := reopened.Get(context.Background(), "y@a.example")
	require.NoError(t, err)
	assert.Equal(t, 0, y.DomainIndex)

	require.Eventually(t, func() bool { return !pool.InFlight("z@a.example") }, 5*time.Second, 10*time.Millisecond)
	res, err = eng.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Changed())
	assert.Equal(t, 1, res.Stranded)
}

func TestReconcileSkipsJobsInFlight(t *testing.T) {
	f := newFixture(t)
	f.put(t, "busy@a.example", account.StatusVerifying)
	f.jobs.inflight["busy@a.example"] = true

	res, err := f.engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Changed())
	a, err := f.store.Get(context.Background(), "busy@a.example")
	require.NoError(t, err)
	assert.Equal(t, account.StatusVerifying, a.Status)
}

func TestRetryRejectsUnboundAccount(t *testing.T) {
	f := newFixture(t)
	a := account.New("x@b.example", 0, fixedNow)
	a.Status = account.StatusFailed
	require.NoError(t, f.store.Create(context.Background(), a))

	_, err := f.engine.RetryAccount(context.Background(), "x@b.example")
	assert.ErrorIs(t, err, account.ErrConfig)
	assert.Empty(t, f.jobs.submitted)
}
