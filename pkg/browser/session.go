package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/entrhq/accountforge/pkg/account"
	"github.com/playwright-community/playwright-go"
)

// pwSession is a Session backed by its own Playwright browser.
type pwSession struct {
	id          string
	browser     playwright.Browser
	context     playwright.BrowserContext
	page        playwright.Page
	stepTimeout time.Duration
	createdAt   time.Time

	closeOnce sync.Once
	closeErr  error
	onClose   func(id string)
}

// timeout returns the Playwright timeout in milliseconds for the next step:
// the step timeout, shortened to the context deadline when that comes first.
func timeout(ctx context.Context, step time.Duration) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", account.FromContext(err), err)
	}
	d := step
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, fmt.Errorf("%w: deadline passed before step", account.ErrTimeout)
		}
		if remaining < d {
			d = remaining
		}
	}
	return float64(d.Milliseconds()), nil
}

// Navigate navigates the session's page to the specified URL.
func (s *pwSession) Navigate(ctx context.Context, url string) error {
	ms, err := timeout(ctx, s.stepTimeout)
	if err != nil {
		return err
	}
	_, err = s.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(ms),
	})
	if err != nil {
		return fmt.Errorf("%w: navigate to %s: %v", account.ErrNavigation, url, err)
	}
	return nil
}

// Fill fills an input element with the specified value.
func (s *pwSession) Fill(ctx context.Context, selector, value string) error {
	ms, err := timeout(ctx, s.stepTimeout)
	if err != nil {
		return err
	}
	if err := s.page.Locator(selector).Fill(value, playwright.LocatorFillOptions{Timeout: playwright.Float(ms)}); err != nil {
		return fmt.Errorf("%w: fill %s: %v", account.ErrForm, selector, err)
	}
	return nil
}

// Click clicks an element matching the selector.
func (s *pwSession) Click(ctx context.Context, selector string) error {
	ms, err := timeout(ctx, s.stepTimeout)
	if err != nil {
		return err
	}
	if err := s.page.Locator(selector).Click(playwright.LocatorClickOptions{Timeout: playwright.Float(ms)}); err != nil {
		return fmt.Errorf("%w: click %s: %v", account.ErrForm, selector, err)
	}
	return nil
}

// WaitFor waits for an element to become visible.
func (s *pwSession) WaitFor(ctx context.Context, selector string) error {
	ms, err := timeout(ctx, s.stepTimeout)
	if err != nil {
		return err
	}
	err = s.page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(ms),
	})
	if err != nil {
		return fmt.Errorf("%w: wait for %s: %v", account.ErrNavigation, selector, err)
	}
	return nil
}

// Text returns the text content of the first element matching selector.
func (s *pwSession) Text(ctx context.Context, selector string) (string, error) {
	ms, err := timeout(ctx, s.stepTimeout)
	if err != nil {
		return "", err
	}
	text, err := s.page.Locator(selector).First().TextContent(playwright.LocatorTextContentOptions{Timeout: playwright.Float(ms)})
	if err != nil {
		return "", fmt.Errorf("%w: text of %s: %v", account.ErrNavigation, selector, err)
	}
	return text, nil
}

// URL returns the current page URL.
func (s *pwSession) URL() string {
	return s.page.URL()
}

// Cookies returns the context cookies.
func (s *pwSession) Cookies(ctx context.Context) ([]account.Cookie, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", account.FromContext(err), err)
	}
	cookies, err := s.context.Cookies()
	if err != nil {
		return nil, fmt.Errorf("%w: read cookies: %v", account.ErrNavigation, err)
	}
	out := make([]account.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, account.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
		})
	}
	return out, nil
}

// SetCookies installs cookies into the context.
func (s *pwSession) SetCookies(ctx context.Context, cookies []account.Cookie) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", account.FromContext(err), err)
	}
	if len(cookies) == 0 {
		return nil
	}
	if err := s.context.AddCookies(toPlaywrightCookies(cookies)); err != nil {
		return fmt.Errorf("%w: install cookies: %v", account.ErrNavigation, err)
	}
	return nil
}

// Close releases the page, context and browser.
func (s *pwSession) Close() error {
	s.closeOnce.Do(func() {
		// Close Playwright resources; keep going on errors so nothing leaks
		var errs []error
		if err := s.page.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := s.context.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := s.browser.Close(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.closeErr = fmt.Errorf("errors closing session %s: %v", s.id, errs)
		}
		if s.onClose != nil {
			s.onClose(s.id)
		}
	})
	return s.closeErr
}

func toPlaywrightCookies(cookies []account.Cookie) []playwright.OptionalCookie {
	out := make([]playwright.OptionalCookie, 0, len(cookies))
	for _, c := range cookies {
		oc := playwright.OptionalCookie{
			Name:     c.Name,
			Value:    c.Value,
			HttpOnly: playwright.Bool(c.HTTPOnly),
			Secure:   playwright.Bool(c.Secure),
		}
		if c.Domain != "" {
			oc.Domain = playwright.String(c.Domain)
			path := c.Path
			if path == "" {
				path = "/"
			}
			oc.Path = playwright.String(path)
		}
		if c.Expires > 0 {
			oc.Expires = playwright.Float(c.Expires)
		}
		out = append(out, oc)
	}
	return out
}
