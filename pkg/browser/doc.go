// Package browser provides isolated automated-browser sessions through Playwright.
//
// The package exposes a blocking capability interface, Session, that the
// registration and refresh pipelines drive step by step. Each call is bounded:
// the step timeout and the caller's context deadline both cap the Playwright
// timeout, and a finished context short-circuits the call.
//
// # Architecture
//
//  1. Fingerprint: the browser identity applied uniformly to a session
//  2. Factory: creates sessions; PlaywrightFactory launches one Chromium per session
//  3. Session: one isolated browser used by exactly one job, closed when the job ends
//
// # Session Lifecycle
//
//  1. Create: Factory.Create launches the browser and applies the fingerprint
//  2. Use: Navigate, Fill, Click, WaitFor, Text, Cookies, SetCookies
//  3. Close: Close releases the page, context and browser. It is idempotent and
//     may be called from another goroutine to force-terminate a stuck job.
//
// Session creation surfaces account.ErrResourceExhausted when the engine cannot
// provide a browser; it is never retried here.
//
// # Example Usage
//
//	factory := browser.NewPlaywrightFactory(browser.FactoryOptions{MaxSessions: 4})
//	defer factory.Shutdown()
//
//	session, err := factory.Create(ctx, browser.Fingerprint{
//	    Width: 1920, Height: 1080, Locale: "en-US", Headless: true,
//	})
//	if err != nil {
//	    return err
//	}
//	defer session.Close()
//
//	err = session.Navigate(ctx, "https://example.com/login")
package browser
