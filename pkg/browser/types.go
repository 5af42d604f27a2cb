package browser

import (
	"context"
	"time"

	"github.com/entrhq/accountforge/pkg/account"
)

// Fingerprint is the set of browser-identity parameters applied to a session.
type Fingerprint struct {
	Width               int
	Height              int
	Timezone            string
	Locale              string
	Platform            string
	ColorDepth          int
	DeviceMemory        int
	HardwareConcurrency int
	UserAgent           string
	Headless            bool
}

// Session is one isolated browser instance used for exactly one job.
type Session interface {
	// Navigate loads url and waits for the DOM to be ready.
	Navigate(ctx context.Context, url string) error

	// Fill types value into the element matching selector.
	Fill(ctx context.Context, selector, value string) error

	// Click clicks the element matching selector.
	Click(ctx context.Context, selector string) error

	// WaitFor waits until an element matching selector is visible.
	WaitFor(ctx context.Context, selector string) error

	// Text returns the text content of the element matching selector.
	Text(ctx context.Context, selector string) (string, error)

	// URL returns the current page URL.
	URL() string

	// Cookies returns the cookies of the session's browser context.
	Cookies(ctx context.Context) ([]account.Cookie, error)

	// SetCookies installs cookies into the session's browser context.
	SetCookies(ctx context.Context, cookies []account.Cookie) error

	// Close releases the session. Safe to call more than once and concurrently.
	Close() error
}

// Factory creates sessions.
type Factory interface {
	Create(ctx context.Context, fp Fingerprint) (Session, error)
}

// FactoryOptions configures a PlaywrightFactory.
type FactoryOptions struct {
	// MaxSessions caps live sessions; 0 means DefaultMaxSessions.
	MaxSessions int

	// StepTimeout bounds each page interaction; 0 means DefaultStepTimeout.
	StepTimeout time.Duration

	// SkipInstall skips downloading the driver and browsers on first use.
	SkipInstall bool
}

// Default values for various operations
const (
	DefaultStepTimeout    = 30 * time.Second
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 720
	DefaultMaxSessions    = 10
)
