package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// MinWorkers and MaxWorkersLimit bound the browser pool size.
	MinWorkers      = 1
	MaxWorkersLimit = 10

	// DefaultAdminUsername and DefaultAdminPassword guard the API until the
	// operator sets their own credentials.
	DefaultAdminUsername = "admin"
	DefaultAdminPassword = "admin123"

	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36"
)

// Config is the configuration surface consumed by the account engine.
// The envconfig tags name the environment variables that override a field.
type Config struct {
	MaxWorkers  int           `yaml:"max_workers" json:"max_workers" envconfig:"MAX_WORKERS"`
	QueueSize   int           `yaml:"queue_size" json:"queue_size" envconfig:"QUEUE_SIZE"`
	Headless    bool          `yaml:"headless" json:"headless" envconfig:"HEADLESS"`
	JobTimeout  time.Duration `yaml:"job_timeout" json:"job_timeout" envconfig:"JOB_TIMEOUT"`
	StepTimeout time.Duration `yaml:"step_timeout" json:"step_timeout" envconfig:"STEP_TIMEOUT"`
	Grace       time.Duration `yaml:"grace" json:"grace" ignored:"true"`

	Fingerprint  FingerprintConfig  `yaml:"fingerprint" json:"fingerprint"`
	Domains      DomainsConfig      `yaml:"domains" json:"domains"`
	Verification VerificationConfig `yaml:"verification" json:"verification" ignored:"true"`
	Target       TargetConfig       `yaml:"target" json:"target" ignored:"true"`
	Store        StoreConfig        `yaml:"store" json:"store"`
	Server       ServerConfig       `yaml:"server" json:"server"`
	Logging      LoggingConfig      `yaml:"logging" json:"logging"`
}

// FingerprintConfig holds the browser identity applied to every session.
type FingerprintConfig struct {
	WindowSize          string `yaml:"window_size" json:"window_size" envconfig:"WINDOW_SIZE"`
	Timezone            string `yaml:"timezone" json:"timezone" envconfig:"TIMEZONE"`
	Locale              string `yaml:"locale" json:"locale" envconfig:"LOCALE"`
	Platform            string `yaml:"platform" json:"platform" envconfig:"PLATFORM"`
	ColorDepth          int    `yaml:"color_depth" json:"color_depth" envconfig:"COLOR_DEPTH"`
	DeviceMemory        int    `yaml:"device_memory" json:"device_memory" envconfig:"DEVICE_MEMORY"`
	HardwareConcurrency int    `yaml:"hardware_concurrency" json:"hardware_concurrency" envconfig:"HARDWARE_CONCURRENCY"`
	UserAgent           string `yaml:"user_agent" json:"user_agent" envconfig:"USER_AGENT"`
}

// DomainsConfig holds the three parallel lists that make up the domain registry.
// Entry i of each list belongs together.
type DomainsConfig struct {
	WorkerDomains  List `yaml:"worker_domains" json:"worker_domains" envconfig:"WORKER_DOMAINS"`
	EmailDomains   List `yaml:"email_domains" json:"email_domains" envconfig:"EMAIL_DOMAINS"`
	AdminPasswords List `yaml:"admin_passwords" json:"-" envconfig:"ADMIN_PASSWORDS"`
}

// VerificationConfig bounds mailbox polling.
type VerificationConfig struct {
	MaxPolls        int           `yaml:"max_polls" json:"max_polls"`
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" json:"max_interval"`
	Multiplier      float64       `yaml:"multiplier" json:"multiplier"`
	RequestTimeout  time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// TargetConfig describes the pages and elements of the service accounts are created on.
type TargetConfig struct {
	SignInURL             string   `yaml:"sign_in_url" json:"sign_in_url"`
	HomeURL               string   `yaml:"home_url" json:"home_url"`
	EmailInput            string   `yaml:"email_input" json:"email_input"`
	ContinueButton        string   `yaml:"continue_button" json:"continue_button"`
	CodeInput             string   `yaml:"code_input" json:"code_input"`
	VerifyButton          string   `yaml:"verify_button" json:"verify_button"`
	AuthenticatedSelector string   `yaml:"authenticated_selector" json:"authenticated_selector"`
	LoginURLMarker        string   `yaml:"login_url_marker" json:"login_url_marker"`
	CredentialCookies     []string `yaml:"credential_cookies" json:"credential_cookies"`
	SessionIndexParam     string   `yaml:"session_index_param" json:"session_index_param"`
	TeamPathSegment       string   `yaml:"team_path_segment" json:"team_path_segment"`
}

// StoreConfig selects the account store backend.
type StoreConfig struct {
	Backend       string `yaml:"backend" json:"backend" envconfig:"STORE_BACKEND"`
	Path          string `yaml:"path" json:"path" envconfig:"STORE_PATH"`
	RedisAddr     string `yaml:"redis_addr" json:"redis_addr" envconfig:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" json:"-" envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db" envconfig:"REDIS_DB"`
	RedisPrefix   string `yaml:"redis_prefix" json:"redis_prefix" envconfig:"REDIS_PREFIX"`
}

// ServerConfig configures the HTTP adapter.
// The API accepts the admin token or HTTP basic auth with the admin
// username and password.
type ServerConfig struct {
	Addr          string `yaml:"addr" json:"addr" envconfig:"LISTEN_ADDR"`
	AdminToken    string `yaml:"admin_token" json:"-" envconfig:"ADMIN_TOKEN"`
	AdminUsername string `yaml:"admin_username" json:"admin_username" envconfig:"ADMIN_USERNAME"`
	AdminPassword string `yaml:"admin_password" json:"-" envconfig:"ADMIN_PASSWORD"`
}

// AuthEnabled reports whether the API requires credentials.
func (c ServerConfig) AuthEnabled() bool {
	return c.AdminToken != "" || c.AdminPassword != ""
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Dir string `yaml:"dir" json:"dir" envconfig:"LOG_DIR"`
	// Verbosity controls logging level: quiet, normal, verbose, debug
	Verbosity string `yaml:"verbosity" json:"verbosity" envconfig:"LOG_VERBOSITY"`
}

// Store backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

// DefaultConfig returns the defaults used when neither file nor environment set a value.
func DefaultConfig() *Config {
	return &Config{
		MaxWorkers:  1,
		QueueSize:   256,
		Headless:    true,
		JobTimeout:  5 * time.Minute,
		StepTimeout: 30 * time.Second,
		Grace:       10 * time.Second,
		Fingerprint: FingerprintConfig{
			WindowSize:          "1920x1080",
			Timezone:            "Asia/Shanghai",
			Locale:              "zh-CN",
			Platform:            "Win32",
			ColorDepth:          24,
			DeviceMemory:        8,
			HardwareConcurrency: 8,
			UserAgent:           DefaultUserAgent,
		},
		Verification: VerificationConfig{
			MaxPolls:        30,
			InitialInterval: 3 * time.Second,
			MaxInterval:     15 * time.Second,
			Multiplier:      1.5,
			RequestTimeout:  30 * time.Second,
		},
		Target: TargetConfig{
			SignInURL:             "https://auth.business.gemini.google/login?continueUrl=https://business.gemini.google/",
			HomeURL:               "https://business.gemini.google/",
			EmailInput:            "#email-input",
			ContinueButton:        "#log-in-button",
			CodeInput:             "input[name='pinInput']",
			VerifyButton:          "button[type='submit']",
			AuthenticatedSelector: "ucs-standalone-app",
			LoginURLMarker:        "auth.business.gemini.google",
			CredentialCookies:     []string{"__Secure-C_SES", "__Host-C_OSES"},
			SessionIndexParam:     "csesidx",
			TeamPathSegment:       "cid",
		},
		Store: StoreConfig{
			Backend:     BackendFile,
			Path:        "data/accounts.json",
			RedisPrefix: "accountforge:",
		},
		Server: ServerConfig{
			Addr:          ":5000",
			AdminUsername: DefaultAdminUsername,
			AdminPassword: DefaultAdminPassword,
		},
		Logging: LoggingConfig{
			Verbosity: "normal",
		},
	}
}

// ClampWorkers bounds n to the supported pool size range.
func ClampWorkers(n int) int {
	if n < MinWorkers {
		return MinWorkers
	}
	if n > MaxWorkersLimit {
		return MaxWorkersLimit
	}
	return n
}

// ParseWindowSize parses a "<width>x<height>" string.
func ParseWindowSize(s string) (int, int, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "x")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid window size %q (expected WIDTHxHEIGHT)", s)
	}
	w, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid window width in %q: %w", s, err)
	}
	h, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid window height in %q: %w", s, err)
	}
	if w < 100 || w > 5000 || h < 100 || h > 5000 {
		return 0, 0, fmt.Errorf("window size %q out of range (100-5000 pixels per side)", s)
	}
	return w, h, nil
}

// Validate checks the window size and the numeric fingerprint values.
func (f FingerprintConfig) Validate() error {
	if _, _, err := ParseWindowSize(f.WindowSize); err != nil {
		return err
	}
	if f.ColorDepth < 0 || f.DeviceMemory < 0 || f.HardwareConcurrency < 0 {
		return fmt.Errorf("fingerprint numeric values cannot be negative")
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.MaxWorkers < MinWorkers || c.MaxWorkers > MaxWorkersLimit {
		return fmt.Errorf("max_workers must be between %d and %d, got %d", MinWorkers, MaxWorkersLimit, c.MaxWorkers)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be positive, got %d", c.QueueSize)
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("job_timeout must be positive")
	}
	if c.StepTimeout <= 0 {
		return fmt.Errorf("step_timeout must be positive")
	}
	if c.StepTimeout > c.JobTimeout {
		return fmt.Errorf("step_timeout (%v) cannot exceed job_timeout (%v)", c.StepTimeout, c.JobTimeout)
	}
	if c.Grace < 0 {
		return fmt.Errorf("grace cannot be negative")
	}

	if err := c.Fingerprint.Validate(); err != nil {
		return err
	}

	if _, err := c.Registry(); err != nil {
		return err
	}

	if c.Verification.MaxPolls < 1 {
		return fmt.Errorf("verification.max_polls must be at least 1")
	}
	if c.Verification.InitialInterval <= 0 {
		return fmt.Errorf("verification.initial_interval must be positive")
	}
	if c.Verification.MaxInterval < c.Verification.InitialInterval {
		return fmt.Errorf("verification.max_interval cannot be shorter than initial_interval")
	}
	if c.Verification.Multiplier < 1 {
		return fmt.Errorf("verification.multiplier must be at least 1")
	}

	if c.Target.SignInURL == "" || c.Target.HomeURL == "" {
		return fmt.Errorf("target.sign_in_url and target.home_url are required")
	}
	if len(c.Target.CredentialCookies) == 0 {
		return fmt.Errorf("target.credential_cookies must name at least one cookie")
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the file backend")
		}
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("invalid store backend: %s (must be 'memory', 'file', or 'redis')", c.Store.Backend)
	}

	// Set default verbosity if not specified
	if c.Logging.Verbosity == "" {
		c.Logging.Verbosity = "normal"
	}

	validLevels := map[string]bool{
		"quiet":   true,
		"normal":  true,
		"verbose": true,
		"debug":   true,
	}
	if !validLevels[c.Logging.Verbosity] {
		return fmt.Errorf("invalid logging verbosity: %s (must be 'quiet', 'normal', 'verbose', or 'debug')", c.Logging.Verbosity)
	}

	return nil
}

// Registry builds the domain registry from the three configured lists.
func (c *Config) Registry() (*Registry, error) {
	return NewRegistry(c.Domains.WorkerDomains, c.Domains.EmailDomains, c.Domains.AdminPasswords)
}
