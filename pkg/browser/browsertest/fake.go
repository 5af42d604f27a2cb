// Package browsertest provides in-memory Session and Factory implementations
// for testing code that drives browser sessions.
package browsertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/entrhq/accountforge/pkg/account"
	"github.com/entrhq/accountforge/pkg/browser"
)

// Step is one page interaction seen by a Session.
type Step struct {
	Op       string // navigate, fill, click, waitfor, text
	Selector string // URL for navigate
	Value    string
}

func (s Step) String() string {
	if s.Value != "" {
		return fmt.Sprintf("%s %s=%s", s.Op, s.Selector, s.Value)
	}
	return s.Op + " " + s.Selector
}

// Session records the steps it is asked to perform. OnStep scripts the
// page's behavior; it may block, change the URL or set cookies.
type Session struct {
	OnStep func(ctx context.Context, s *Session, step Step) error

	mu      sync.Mutex
	steps   []Step
	url     string
	jar     []account.Cookie
	closed  chan struct{}
	once    sync.Once
	onClose func()
}

// NewSession returns an open session at about:blank.
func NewSession() *Session {
	return &Session{url: "about:blank", closed: make(chan struct{})}
}

func (s *Session) step(ctx context.Context, st Step) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", account.FromContext(err), err)
	}
	select {
	case <-s.closed:
		return fmt.Errorf("%w: session closed", account.ErrNavigation)
	default:
	}

	s.mu.Lock()
	s.steps = append(s.steps, st)
	if st.Op == "navigate" {
		s.url = st.Selector
	}
	s.mu.Unlock()

	if s.OnStep != nil {
		return s.OnStep(ctx, s, st)
	}
	return nil
}

// Navigate implements browser.Session.
func (s *Session) Navigate(ctx context.Context, url string) error {
	return s.step(ctx, Step{Op: "navigate", Selector: url})
}

// Fill implements browser.Session.
func (s *Session) Fill(ctx context.Context, selector, value string) error {
	return s.step(ctx, Step{Op: "fill", Selector: selector, Value: value})
}

// Click implements browser.Session.
func (s *Session) Click(ctx context.Context, selector string) error {
	return s.step(ctx, Step{Op: "click", Selector: selector})
}

// WaitFor implements browser.Session.
func (s *Session) WaitFor(ctx context.Context, selector string) error {
	return s.step(ctx, Step{Op: "waitfor", Selector: selector})
}

// Text implements browser.Session.
func (s *Session) Text(ctx context.Context, selector string) (string, error) {
	return "", s.step(ctx, Step{Op: "text", Selector: selector})
}

// URL implements browser.Session.
func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// SetURL moves the page to url.
func (s *Session) SetURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.url = url
}

// Cookies implements browser.Session.
func (s *Session) Cookies(ctx context.Context) ([]account.Cookie, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", account.FromContext(err), err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]account.Cookie, len(s.jar))
	copy(out, s.jar)
	return out, nil
}

// SetCookies implements browser.Session. Cookies replace those with the same name.
func (s *Session) SetCookies(ctx context.Context, cookies []account.Cookie) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", account.FromContext(err), err)
	}
	s.PutCookies(cookies...)
	return nil
}

// PutCookies places cookies in the jar as the page would.
func (s *Session) PutCookies(cookies ...account.Cookie) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range cookies {
		replaced := false
		for i := range s.jar {
			if s.jar[i].Name == c.Name {
				s.jar[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			s.jar = append(s.jar, c)
		}
	}
}

// Close implements browser.Session.
func (s *Session) Close() error {
	s.once.Do(func() {
		close(s.closed)
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}

// Closed is closed once Close has been called.
func (s *Session) Closed() <-chan struct{} {
	return s.closed
}

// IsClosed reports whether Close has been called.
func (s *Session) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Steps returns the steps performed so far.
func (s *Session) Steps() []Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Step, len(s.steps))
	copy(out, s.steps)
	return out
}

// Factory hands out Sessions and tracks how many are open at once.
type Factory struct {
	// Setup configures each new session before it is returned.
	Setup func(s *Session)

	// Err, when set, is returned by Create.
	Err error

	mu       sync.Mutex
	sessions []*Session
	live     int
	peak     int
	prints   []browser.Fingerprint
}

// Create implements browser.Factory.
func (f *Factory) Create(ctx context.Context, fp browser.Fingerprint) (browser.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", account.FromContext(err), err)
	}
	f.mu.Lock()
	if f.Err != nil {
		err := f.Err
		f.mu.Unlock()
		return nil, err
	}
	s := NewSession()
	s.onClose = func() {
		f.mu.Lock()
		f.live--
		f.mu.Unlock()
	}
	f.sessions = append(f.sessions, s)
	f.prints = append(f.prints, fp)
	f.live++
	if f.live > f.peak {
		f.peak = f.live
	}
	setup := f.Setup
	f.mu.Unlock()

	if setup != nil {
		setup(s)
	}
	return s, nil
}

// Sessions returns every session created so far.
func (f *Factory) Sessions() []*Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Session, len(f.sessions))
	copy(out, f.sessions)
	return out
}

// Live returns the number of sessions not yet closed.
func (f *Factory) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live
}

// Peak returns the largest number of sessions open at the same time.
func (f *Factory) Peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

// Fingerprints returns the fingerprints sessions were created with.
func (f *Factory) Fingerprints() []browser.Fingerprint {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]browser.Fingerprint, len(f.prints))
	copy(out, f.prints)
	return out
}
