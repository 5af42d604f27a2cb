package browser

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/entrhq/accountforge/pkg/account"
	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
)

// PlaywrightFactory launches one Chromium instance per session and tracks the
// live ones so they can all be closed on shutdown.
type PlaywrightFactory struct {
	mu          sync.Mutex
	sessions    map[string]*pwSession
	playwright  *playwright.Playwright
	maxSessions int
	stepTimeout time.Duration
	skipInstall bool
	initialized bool
}

// NewPlaywrightFactory creates a new factory. Playwright starts on first use.
func NewPlaywrightFactory(opts FactoryOptions) *PlaywrightFactory {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = DefaultStepTimeout
	}
	return &PlaywrightFactory{
		sessions:    make(map[string]*pwSession),
		maxSessions: opts.MaxSessions,
		stepTimeout: opts.StepTimeout,
		skipInstall: opts.SkipInstall,
	}
}

// initialize installs (unless skipped) and starts the Playwright driver.
// Must be called with mu held.
func (f *PlaywrightFactory) initialize() error {
	if f.initialized {
		return nil
	}

	// Discard driver output, it would interleave with our logs
	opts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}

	if !f.skipInstall {
		if err := playwright.Install(opts); err != nil {
			return fmt.Errorf("%w: failed to install playwright: %v", account.ErrResourceExhausted, err)
		}
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return fmt.Errorf("%w: failed to start playwright: %v", account.ErrResourceExhausted, err)
	}

	f.playwright = pw
	f.initialized = true
	return nil
}

// Create launches an isolated browser configured with fp.
func (f *PlaywrightFactory) Create(ctx context.Context, fp Fingerprint) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", account.FromContext(err), err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.sessions) >= f.maxSessions {
		return nil, fmt.Errorf("%w: maximum number of sessions (%d) reached", account.ErrResourceExhausted, f.maxSessions)
	}
	if err := f.initialize(); err != nil {
		return nil, err
	}

	browser, err := f.playwright.Chromium.Launch(fp.launchOptions())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to launch browser: %v", account.ErrResourceExhausted, err)
	}

	bctx, err := browser.NewContext(fp.contextOptions())
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("%w: failed to create context: %v", account.ErrResourceExhausted, err)
	}

	if err := bctx.AddInitScript(playwright.Script{Content: playwright.String(fp.initScript())}); err != nil {
		bctx.Close()
		browser.Close()
		return nil, fmt.Errorf("%w: failed to apply fingerprint: %v", account.ErrResourceExhausted, err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		browser.Close()
		return nil, fmt.Errorf("%w: failed to create page: %v", account.ErrResourceExhausted, err)
	}
	page.SetDefaultTimeout(float64(f.stepTimeout.Milliseconds()))

	s := &pwSession{
		id:          uuid.New().String(),
		browser:     browser,
		context:     bctx,
		page:        page,
		stepTimeout: f.stepTimeout,
		createdAt:   time.Now(),
		onClose:     f.forget,
	}
	f.sessions[s.id] = s
	return s, nil
}

// forget drops a closed session from the live set.
func (f *PlaywrightFactory) forget(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
}

// Live returns the number of open sessions.
func (f *PlaywrightFactory) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

// Shutdown closes all sessions and stops Playwright.
func (f *PlaywrightFactory) Shutdown() error {
	f.mu.Lock()
	open := make([]*pwSession, 0, len(f.sessions))
	for _, s := range f.sessions {
		open = append(open, s)
	}
	f.mu.Unlock()

	// Close outside the lock: Close calls back into forget
	var errs []error
	for _, s := range open {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initialized && f.playwright != nil {
		if err := f.playwright.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
		f.initialized = false
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}
	return nil
}
