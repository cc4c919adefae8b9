package staging

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the settings needed by the queue system. All values are process-wide
// and loaded once at startup.
type Config struct {
	Eligibility EligibilityConfig `yaml:"eligibility"`
	Scoring     ScoringConfig     `yaml:"scoring"`
	Cooldown    CooldownConfig    `yaml:"cooldown"`
	Selection   SelectionConfig   `yaml:"selection"`
	Claims      ClaimsConfig      `yaml:"claims"`
	Store       StoreConfig       `yaml:"store"`
	HTTP        HTTPConfig        `yaml:"http"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Sentry      SentryConfig      `yaml:"sentry"`
	Credentials CredentialsConfig `yaml:"credentials"`

	// InfoLog is called for informational or success logs.
	// If nil, defaults to a zerolog logger on stderr.
	InfoLog func(ev LogEvent) `yaml:"-"`

	// ErrorLog is called for error logs.
	// If nil, defaults to a zerolog logger on stderr.
	ErrorLog func(ev LogEvent) `yaml:"-"`
}

type EligibilityConfig struct {
	// ExtractionPath is the routing flag value that sends a record to this queue.
	ExtractionPath int `yaml:"extraction_path"`
	// MinPreCheckAge is how long a record rests after its pre-check completes.
	MinPreCheckAge time.Duration `yaml:"min_pre_check_age"`
}

type ScoringConfig struct {
	FastLaneClients []string `yaml:"fast_lane_clients"`
	FastLaneScore   int      `yaml:"fast_lane_score"`

	ClientBase         int `yaml:"client_base"`
	ClientPriorityBase int `yaml:"client_priority_base"`
	ClientPriorityStep int `yaml:"client_priority_step"`
	FocusIndustryBase  int `yaml:"focus_industry_base"`

	SourcePriorityWeight int `yaml:"source_priority_weight"`
	PubTierWeight        int `yaml:"pub_tier_weight"`
	MaxPubTier           int `yaml:"max_pub_tier"`
	RelevanceWeight      int `yaml:"relevance_weight"`
	RetryPenalty         int `yaml:"retry_penalty"`

	FreshBonus   int           `yaml:"fresh_bonus"`
	FreshWindow  time.Duration `yaml:"fresh_window"`
	StalePenalty int           `yaml:"stale_penalty"`
	StaleAfter   time.Duration `yaml:"stale_after"`
}

type CooldownConfig struct {
	Default DomainPolicy            `yaml:"default"`
	Domains map[string]DomainPolicy `yaml:"domains"`
}

// DomainPolicy is the politeness limit for one source domain.
type DomainPolicy struct {
	Cooldown    time.Duration `yaml:"cooldown"`
	MaxInFlight int           `yaml:"max_in_flight"`
}

type SelectionConfig struct {
	// WindowSize is how many recent records are fetched per request.
	WindowSize int `yaml:"window_size"`
	// TopK is how many ranked candidates are attempted per request.
	TopK int `yaml:"top_k"`
	// RecentWindow hides tasks already served to the same worker. Zero disables it.
	RecentWindow time.Duration `yaml:"recent_window"`
}

type ClaimsConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	ReaperInterval time.Duration `yaml:"reaper_interval"`
	// MaxRetries is the failure count at which a record is marked terminally failed.
	MaxRetries int `yaml:"max_retries"`
}

type StoreConfig struct {
	// Driver is one of memory, pebble, mysql, postgres, sqlite3.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	// Path is the data directory for the pebble driver.
	Path string `yaml:"path"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	// Exporter is none or stdout.
	Exporter    string `yaml:"exporter"`
	ServiceName string `yaml:"service_name"`
}

type SentryConfig struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

type CredentialsConfig struct {
	// Path to the subscription credentials YAML. Empty disables credential lookup.
	Path string `yaml:"path"`
	// PreferredEmail wins when several accounts share a domain or name.
	PreferredEmail string `yaml:"preferred_email"`
}

// DefaultConfig returns built-in defaults.
func DefaultConfig() Config {
	return Config{
		Eligibility: EligibilityConfig{
			ExtractionPath: 2,
			MinPreCheckAge: 15 * time.Minute,
		},
		Scoring: ScoringConfig{
			FastLaneScore:        10000,
			ClientBase:           1000,
			ClientPriorityBase:   500,
			ClientPriorityStep:   50,
			FocusIndustryBase:    300,
			SourcePriorityWeight: 10,
			PubTierWeight:        20,
			MaxPubTier:           5,
			RelevanceWeight:      1,
			RetryPenalty:         25,
			FreshBonus:           50,
			FreshWindow:          2 * time.Hour,
			StalePenalty:         50,
			StaleAfter:           24 * time.Hour,
		},
		Cooldown: CooldownConfig{
			Default: DomainPolicy{Cooldown: 0, MaxInFlight: 5},
		},
		Selection: SelectionConfig{
			WindowSize:   200,
			TopK:         50,
			RecentWindow: 10 * time.Minute,
		},
		Claims: ClaimsConfig{
			Timeout:        15 * time.Minute,
			ReaperInterval: 5 * time.Minute,
			MaxRetries:     3,
		},
		Store:   StoreConfig{Driver: "memory"},
		HTTP:    HTTPConfig{Addr: ":8001", ShutdownTimeout: 10 * time.Second},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Tracing: TracingConfig{Exporter: "none", ServiceName: "human-staging-portal"},
	}
}

// LoadConfig reads a YAML (or JSON, which YAML accepts) file over the defaults.
// If path is empty, returns defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays STAGING_* environment variables onto cfg. Values that do not
// parse are reported together; the rest are still applied.
func ApplyEnv(cfg *Config) error {
	var errs []error
	duration := func(name string, dst *time.Duration) {
		v := os.Getenv(name)
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = d
	}

	if v := os.Getenv("STAGING_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("STAGING_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("STAGING_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("STAGING_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("STAGING_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("STAGING_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("STAGING_TRACING_EXPORTER"); v != "" {
		cfg.Tracing.Exporter = v
	}
	if v := os.Getenv("STAGING_SENTRY_DSN"); v != "" {
		cfg.Sentry.DSN = v
	}
	if v := os.Getenv("STAGING_CREDENTIALS_PATH"); v != "" {
		cfg.Credentials.Path = v
	}
	duration("STAGING_CLAIM_TIMEOUT", &cfg.Claims.Timeout)
	duration("STAGING_REAPER_INTERVAL", &cfg.Claims.ReaperInterval)
	duration("STAGING_MIN_PRE_CHECK_AGE", &cfg.Eligibility.MinPreCheckAge)
	if v := os.Getenv("STAGING_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("STAGING_MAX_RETRIES: %w", err))
		} else {
			cfg.Claims.MaxRetries = n
		}
	}
	if v := os.Getenv("STAGING_FAST_LANE_CLIENTS"); v != "" {
		cfg.Scoring.FastLaneClients = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Scoring.FastLaneClients = append(cfg.Scoring.FastLaneClients, p)
			}
		}
	}
	return errors.Join(errs...)
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Selection.WindowSize <= 0 {
		errs = append(errs, errors.New("selection.window_size must be positive"))
	}
	if c.Selection.TopK <= 0 {
		errs = append(errs, errors.New("selection.top_k must be positive"))
	}
	if c.Selection.TopK > c.Selection.WindowSize {
		errs = append(errs, fmt.Errorf("selection.top_k (%d) exceeds window_size (%d)", c.Selection.TopK, c.Selection.WindowSize))
	}
	if c.Claims.Timeout <= 0 {
		errs = append(errs, errors.New("claims.timeout must be positive"))
	}
	if c.Claims.ReaperInterval <= 0 {
		errs = append(errs, errors.New("claims.reaper_interval must be positive"))
	}
	if c.Claims.MaxRetries < 0 {
		errs = append(errs, errors.New("claims.max_retries must not be negative"))
	}
	if c.Eligibility.MinPreCheckAge < 0 {
		errs = append(errs, errors.New("eligibility.min_pre_check_age must not be negative"))
	}
	if c.Cooldown.Default.MaxInFlight < 0 {
		errs = append(errs, errors.New("cooldown.default.max_in_flight must not be negative"))
	}
	for d, p := range c.Cooldown.Domains {
		if p.MaxInFlight < 0 || p.Cooldown < 0 {
			errs = append(errs, fmt.Errorf("cooldown.domains[%s] must not be negative", d))
		}
	}
	return errors.Join(errs...)
}

// Rules returns the eligibility predicate configured for this process.
func (c Config) Rules() EligibilityRules {
	return EligibilityRules{
		ExtractionPath: c.Eligibility.ExtractionPath,
		MinPreCheckAge: c.Eligibility.MinPreCheckAge,
		MaxRetries:     c.Claims.MaxRetries,
	}
}
