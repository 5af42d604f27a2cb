package browser

import (
	"fmt"
	"strings"

	"github.com/entrhq/accountforge/pkg/config"
	"github.com/playwright-community/playwright-go"
)

// FingerprintFromConfig builds the session fingerprint from the configured values.
func FingerprintFromConfig(c config.FingerprintConfig, headless bool) (Fingerprint, error) {
	w, h, err := config.ParseWindowSize(c.WindowSize)
	if err != nil {
		return Fingerprint{}, err
	}
	return Fingerprint{
		Width:               w,
		Height:              h,
		Timezone:            c.Timezone,
		Locale:              c.Locale,
		Platform:            c.Platform,
		ColorDepth:          c.ColorDepth,
		DeviceMemory:        c.DeviceMemory,
		HardwareConcurrency: c.HardwareConcurrency,
		UserAgent:           c.UserAgent,
		Headless:            headless,
	}, nil
}

// withDefaults fills unset viewport dimensions.
func (fp Fingerprint) withDefaults() Fingerprint {
	if fp.Width <= 0 {
		fp.Width = DefaultViewportWidth
	}
	if fp.Height <= 0 {
		fp.Height = DefaultViewportHeight
	}
	return fp
}

// contextOptions maps the fingerprint onto Playwright context options.
func (fp Fingerprint) contextOptions() playwright.BrowserNewContextOptions {
	fp = fp.withDefaults()
	opts := playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: fp.Width, Height: fp.Height},
		Screen:   &playwright.Size{Width: fp.Width, Height: fp.Height},
	}
	if fp.UserAgent != "" {
		opts.UserAgent = playwright.String(fp.UserAgent)
	}
	if fp.Locale != "" {
		opts.Locale = playwright.String(fp.Locale)
	}
	if fp.Timezone != "" {
		opts.TimezoneId = playwright.String(fp.Timezone)
	}
	return opts
}

// launchOptions returns the Chromium launch options for the fingerprint.
func (fp Fingerprint) launchOptions() playwright.BrowserTypeLaunchOptions {
	fp = fp.withDefaults()
	args := []string{
		"--disable-blink-features=AutomationControlled",
		fmt.Sprintf("--window-size=%d,%d", fp.Width, fp.Height),
	}
	if fp.Locale != "" {
		args = append(args, "--lang="+fp.Locale)
	}
	return playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(fp.Headless),
		Args:     args,
	}
}

// initScript overrides the navigator and screen properties that context
// options cannot set. It runs before any page script.
func (fp Fingerprint) initScript() string {
	var b strings.Builder
	b.WriteString("(() => {\n")
	b.WriteString("  const define = (obj, prop, value) => { try { Object.defineProperty(obj, prop, { get: () => value, configurable: true }); } catch (e) {} };\n")
	b.WriteString("  define(Navigator.prototype, 'webdriver', undefined);\n")
	if fp.Platform != "" {
		fmt.Fprintf(&b, "  define(Navigator.prototype, 'platform', %q);\n", fp.Platform)
	}
	if fp.DeviceMemory > 0 {
		fmt.Fprintf(&b, "  define(Navigator.prototype, 'deviceMemory', %d);\n", fp.DeviceMemory)
	}
	if fp.HardwareConcurrency > 0 {
		fmt.Fprintf(&b, "  define(Navigator.prototype, 'hardwareConcurrency', %d);\n", fp.HardwareConcurrency)
	}
	if fp.ColorDepth > 0 {
		fmt.Fprintf(&b, "  define(Screen.prototype, 'colorDepth', %d);\n", fp.ColorDepth)
		fmt.Fprintf(&b, "  define(Screen.prototype, 'pixelDepth', %d);\n", fp.ColorDepth)
	}
	b.WriteString("})();")
	return b.String()
}
