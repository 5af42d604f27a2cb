// Package engine is the operation surface of the account service: it
// validates requests against the domain registry and the account store and
// hands work to the worker pool. Job outcomes are never returned to the
// caller; they are written to the account record.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/entrhq/accountforge/pkg/account"
	"github.com/entrhq/accountforge/pkg/browser"
	"github.com/entrhq/accountforge/pkg/config"
	"github.com/entrhq/accountforge/pkg/logging"
	"github.com/entrhq/accountforge/pkg/store"
	"github.com/entrhq/accountforge/pkg/worker"
)

// AnyDomain asks CreateAccount to pick a configured domain at random.
const AnyDomain = -1

// Jobs is the part of the worker pool the engine drives.
type Jobs interface {
	Submit(ctx context.Context, job worker.Job) (*worker.Handle, error)
	Cancel(email string) bool
	CancelAll() int
	InFlight(email string) bool
	Stats() worker.Stats
	Resize(n int) int
	SetFingerprint(fp browser.Fingerprint)
}

// AddressCreator creates mailbox addresses for new accounts.
type AddressCreator interface {
	CreateAddress(ctx context.Context, domainIndex int, name string) (address, token string, err error)
}

// Options configures an Engine.
type Options struct {
	// Config supplies the values reported by Settings, the initial browser
	// fingerprint and the credential cookies the export requires.
	Config *config.Config
	Logger *logging.Logger
	Clock  func() time.Time
}

// Engine implements the account operations.
type Engine struct {
	store     store.Store
	registry  *config.Registry
	jobs      Jobs
	addresses AddressCreator
	cfg       *config.Config
	log       *logging.Logger
	now       func() time.Time

	mu          sync.RWMutex
	fingerprint config.FingerprintConfig
	headless    bool
}

// New creates an engine.
func New(st store.Store, registry *config.Registry, jobs Jobs, addresses AddressCreator, opts Options) *Engine {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{
		store:     st,
		registry:  registry,
		jobs:      jobs,
		addresses: addresses,
		cfg:       opts.Config,
		log:       opts.Logger,
		now:       opts.Clock,

		fingerprint: opts.Config.Fingerprint,
		headless:    opts.Config.Headless,
	}
}

// Counts groups accounts by status.
type Counts struct {
	Total      int `json:"total"`
	Active     int `json:"active"`
	Creating   int `json:"creating"`
	Refreshing int `json:"refreshing"`
	Failed     int `json:"failed"`
	Expired    int `json:"expired"`
}

func (c *Counts) add(s account.Status) {
	c.Total++
	switch s {
	case account.StatusActive:
		c.Active++
	case account.StatusPending, account.StatusRegistering, account.StatusVerifying:
		c.Creating++
	case account.StatusRefreshing:
		c.Refreshing++
	case account.StatusFailed:
		c.Failed++
	case account.StatusExpired:
		c.Expired++
	}
}

// Status is the service overview.
type Status struct {
	Accounts Counts       `json:"accounts"`
	Workers  worker.Stats `json:"workers"`
}

// Status returns account counts and pool utilization.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	accounts, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}
	st := &Status{Workers: e.jobs.Stats()}
	for _, a := range accounts {
		st.Accounts.add(a.Status)
	}
	return st, nil
}

// AccountView is an account without its credentials.
type AccountView struct {
	Email           string         `json:"email"`
	DomainIndex     int            `json:"domain_index"`
	EmailDomain     string         `json:"email_domain"`
	Status          account.Status `json:"status"`
	HasCredentials  bool           `json:"has_credentials"`
	InFlight        bool           `json:"in_flight"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	LastRefreshedAt *time.Time     `json:"last_refreshed_at,omitempty"`
	LastError       string         `json:"last_error,omitempty"`
	RetryCount      int            `json:"retry_count"`
}

func (e *Engine) view(a *account.Account) AccountView {
	v := AccountView{
		Email:          a.Email,
		DomainIndex:    a.DomainIndex,
		EmailDomain:    account.Domain(a.Email),
		Status:         a.Status,
		HasCredentials: !a.SessionCredentials.IsEmpty(),
		InFlight:       e.jobs.InFlight(a.Email),
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
		LastError:      a.LastError,
		RetryCount:     a.RetryCount,
	}
	if !a.LastRefreshedAt.IsZero() {
		t := a.LastRefreshedAt
		v.LastRefreshedAt = &t
	}
	return v
}

// GetAccount returns one account.
func (e *Engine) GetAccount(ctx context.Context, email string) (*AccountView, error) {
	a, err := e.store.Get(ctx, email)
	if err != nil {
		return nil, err
	}
	v := e.view(a)
	return &v, nil
}

// CreateRequest asks for a new account.
type CreateRequest struct {
	// DomainIndex selects the domain entry; AnyDomain picks one at random.
	DomainIndex int `json:"domain_index"`
	// Username is the mailbox name; empty means a random one.
	Username string `json:"username"`
}

// JobRef identifies the job an operation queued.
type JobRef struct {
	Email string           `json:"email"`
	JobID string           `json:"job_id"`
	Op    worker.Operation `json:"op"`
}

func ref(h *worker.Handle) *JobRef {
	return &JobRef{Email: h.Job.Email, JobID: h.ID, Op: h.Job.Op}
}

// CreateAccount creates a mailbox address, stores a pending account for it
// and queues its registration.
func (e *Engine) CreateAccount(ctx context.Context, req CreateRequest) (*JobRef, error) {
	idx := req.DomainIndex
	if idx == AnyDomain {
		picked, err := e.registry.Pick()
		if err != nil {
			return nil, err
		}
		idx = picked
	} else if err := e.registry.Validate(idx); err != nil {
		return nil, err
	}

	// Fail before creating an address nobody will use
	if st := e.jobs.Stats(); st.Queued >= st.QueueSize {
		return nil, fmt.Errorf("%w: job queue is full (%d)", account.ErrResourceExhausted, st.QueueSize)
	}

	address, token, err := e.addresses.CreateAddress(ctx, idx, req.Username)
	if err != nil {
		return nil, fmt.Errorf("failed to create mailbox address: %w", err)
	}

	a := account.New(address, idx, e.now())
	a.MailboxToken = token
	if err := e.store.Create(ctx, a); err != nil {
		return nil, err
	}
	e.log.Infof("account %s created on domain %d", a.Email, idx)

	h, err := e.jobs.Submit(ctx, worker.Job{Email: a.Email, Op: worker.OpRegister})
	if err != nil {
		return nil, err
	}
	return ref(h), nil
}

// RefreshAccount queues a refresh of an active account. An unknown address
// on a configured domain is adopted as a new account and queued for
// registration instead.
func (e *Engine) RefreshAccount(ctx context.Context, email string) (*JobRef, error) {
	email = account.NormalizeEmail(email)
	_, err := e.store.Get(ctx, email)
	if errors.Is(err, account.ErrNotFound) {
		return e.adopt(ctx, email)
	}
	if err != nil {
		return nil, err
	}

	h, err := e.jobs.Submit(ctx, worker.Job{Email: email, Op: worker.OpRefresh})
	if err != nil {
		return nil, err
	}
	return ref(h), nil
}

func (e *Engine) adopt(ctx context.Context, email string) (*JobRef, error) {
	idx, ok := e.registry.IndexForEmail(email)
	if !ok {
		return nil, fmt.Errorf("%w: account %s does not exist and domain %q is not configured",
			account.ErrNotFound, email, account.Domain(email))
	}

	a := account.New(email, idx, e.now())
	if err := e.store.Create(ctx, a); err != nil {
		return nil, err
	}
	e.log.Infof("adopted %s on domain %d", email, idx)

	h, err := e.jobs.Submit(ctx, worker.Job{Email: email, Op: worker.OpRegister})
	if err != nil {
		return nil, err
	}
	return ref(h), nil
}

// BatchResult summarizes a bulk submission.
type BatchResult struct {
	Queued   int `json:"queued"`
	Skipped  int `json:"skipped"`
	Rejected int `json:"rejected"`
}

// RefreshAll queues a refresh for every active account. Accounts with a job
// in flight are skipped; jobs the full queue refuses are rejected.
func (e *Engine) RefreshAll(ctx context.Context) (*BatchResult, error) {
	accounts, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}

	res := &BatchResult{}
	for _, a := range accounts {
		if a.Status != account.StatusActive {
			continue
		}
		if e.jobs.InFlight(a.Email) {
			res.Skipped++
			continue
		}
		_, err := e.jobs.Submit(ctx, worker.Job{Email: a.Email, Op: worker.OpRefresh})
		switch {
		case err == nil:
			res.Queued++
		case errors.Is(err, account.ErrResourceExhausted):
			res.Rejected++
		case errors.Is(err, account.ErrAlreadyInProgress), errors.Is(err, account.ErrInvalidState):
			res.Skipped++
		default:
			return res, err
		}
	}
	e.log.Infof("refresh all: queued=%d skipped=%d rejected=%d", res.Queued, res.Skipped, res.Rejected)
	return res, nil
}

// RetryAccount queues a new registration attempt for a failed, expired or
// idle pending account.
func (e *Engine) RetryAccount(ctx context.Context, email string) (*JobRef, error) {
	a, err := e.store.Get(ctx, email)
	if err != nil {
		return nil, err
	}
	switch a.Status {
	case account.StatusFailed, account.StatusExpired, account.StatusPending:
	default:
		return nil, fmt.Errorf("%w: only failed, expired or pending accounts can be retried (%s is %s)",
			account.ErrInvalidState, a.Email, a.Status)
	}
	if !e.boundToDomain(a) {
		return nil, fmt.Errorf("%w: %s is bound to domain %d, which is not configured for it",
			account.ErrConfig, a.Email, a.DomainIndex)
	}

	h, err := e.jobs.Submit(ctx, worker.Job{Email: a.Email, Op: worker.OpRegister})
	if err != nil {
		return nil, err
	}
	return ref(h), nil
}

// StopAccount cancels the job in flight for email.
func (e *Engine) StopAccount(_ context.Context, email string) error {
	if !e.jobs.Cancel(email) {
		return fmt.Errorf("%w: no job in flight for %s", account.ErrNotFound, email)
	}
	e.log.Infof("stopped job for %s", email)
	return nil
}

// StopAll cancels every job in flight and returns how many were stopped.
func (e *Engine) StopAll(_ context.Context) int {
	n := e.jobs.CancelAll()
	e.log.Infof("stopped %d jobs", n)
	return n
}

// DeleteAccount removes an account that has no job in flight.
func (e *Engine) DeleteAccount(ctx context.Context, email string) error {
	if e.jobs.InFlight(email) {
		return fmt.Errorf("%w: %s has a job in flight, stop it first", account.ErrAlreadyInProgress, email)
	}
	if err := e.store.Delete(ctx, email); err != nil {
		return err
	}
	e.log.Infof("deleted %s", email)
	return nil
}

// Settings is the redacted runtime configuration.
type Settings struct {
	UserAgent    string                     `json:"user_agent"`
	MaxWorkers   int                        `json:"max_workers"`
	QueueSize    int                        `json:"queue_size"`
	Headless     bool                       `json:"headless"`
	JobTimeout   string                     `json:"job_timeout"`
	StoreBackend string                     `json:"store_backend"`
	Fingerprint  config.FingerprintConfig   `json:"browser_fingerprint"`
	EmailConfigs []config.DomainConfigEntry `json:"email_configs"`
}

// Settings returns the runtime configuration with credentials masked.
func (e *Engine) Settings() Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settingsLocked()
}

func (e *Engine) settingsLocked() Settings {
	return Settings{
		UserAgent:    e.fingerprint.UserAgent,
		MaxWorkers:   e.jobs.Stats().MaxWorkers,
		QueueSize:    e.cfg.QueueSize,
		Headless:     e.headless,
		JobTimeout:   e.cfg.JobTimeout.String(),
		StoreBackend: e.cfg.Store.Backend,
		Fingerprint:  e.fingerprint,
		EmailConfigs: e.registry.Redacted(),
	}
}

// SettingsUpdate changes runtime settings. Nil fields are left alone and
// Fingerprint is merged key by key into the current fingerprint.
type SettingsUpdate struct {
	UserAgent   *string         `json:"user_agent"`
	MaxWorkers  *int            `json:"max_workers"`
	Headless    *bool           `json:"headless"`
	Fingerprint json.RawMessage `json:"browser_fingerprint"`
}

// UpdateSettings applies u to the sessions opened from now on. Nothing is
// applied when any value is invalid. max_workers is clamped to the supported
// range; the changes last until the process exits.
func (e *Engine) UpdateSettings(u SettingsUpdate) (Settings, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fp, headless := e.fingerprint, e.headless
	if len(u.Fingerprint) > 0 && string(u.Fingerprint) != "null" {
		if err := json.Unmarshal(u.Fingerprint, &fp); err != nil {
			return Settings{}, fmt.Errorf("%w: invalid browser_fingerprint: %v", account.ErrConfig, err)
		}
	}
	if u.UserAgent != nil {
		fp.UserAgent = strings.TrimSpace(*u.UserAgent)
	}
	if fp.UserAgent == "" {
		fp.UserAgent = config.DefaultUserAgent
	}
	if u.Headless != nil {
		headless = *u.Headless
	}
	if err := fp.Validate(); err != nil {
		return Settings{}, fmt.Errorf("%w: %v", account.ErrConfig, err)
	}
	bfp, err := browser.FingerprintFromConfig(fp, headless)
	if err != nil {
		return Settings{}, fmt.Errorf("%w: %v", account.ErrConfig, err)
	}

	e.jobs.SetFingerprint(bfp)
	e.fingerprint, e.headless = fp, headless
	if u.MaxWorkers != nil {
		e.jobs.Resize(*u.MaxWorkers)
	}
	st := e.settingsLocked()
	e.log.Infof("settings updated: max_workers=%d headless=%v window=%s", st.MaxWorkers, st.Headless, fp.WindowSize)
	return st, nil
}

func (e *Engine) userAgent() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fingerprint.UserAgent
}

// EmailConfigs returns the domain entries with credentials masked.
func (e *Engine) EmailConfigs() []config.DomainConfigEntry {
	return e.registry.Redacted()
}
