package app

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"tsdocs/cmd/internal/presence"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `env:"TSDOCS_HTTP_ADDR" envDefault:"127.0.0.1:8090"`
	LogLevel  string `env:"TSDOCS_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"TSDOCS_LOG_FORMAT" envDefault:"json"`

	ReadHeaderTimeout time.Duration `env:"TSDOCS_HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"TSDOCS_HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"TSDOCS_HTTP_WRITE_TIMEOUT" envDefault:"45s"`
	IdleTimeout       time.Duration `env:"TSDOCS_HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MaxHeaderBytes    int           `env:"TSDOCS_HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`

	CORSAllowedOrigins   []string `env:"TSDOCS_CORS_ALLOWED_ORIGINS" envSeparator:","`
	CORSAllowCredentials bool     `env:"TSDOCS_CORS_ALLOW_CREDENTIALS" envDefault:"false"`
	CORSMaxAgeSeconds    int      `env:"TSDOCS_CORS_MAX_AGE_SECONDS" envDefault:"600"`

	APIBaseURL string        `env:"TSDOCS_API_BASE_URL" envDefault:"http://127.0.0.1:8000/api"`
	APITimeout time.Duration `env:"TSDOCS_API_TIMEOUT" envDefault:"15s"`

	// PresenceURL defaults to the API host with a ws(s) scheme.
	PresenceURL    string `env:"TSDOCS_PRESENCE_URL"`
	PresenceOrigin string `env:"TSDOCS_PRESENCE_ORIGIN"`

	// Optional auto-login when no session resurrects from cookies.
	Username string `env:"TSDOCS_USERNAME"`
	Password string `env:"TSDOCS_PASSWORD"`

	// CookieFile persists session cookies across restarts. When empty and
	// Redis is configured, cookies live under CookieRedisKey instead.
	CookieFile     string `env:"TSDOCS_COOKIE_FILE"`
	CookieRedisKey string `env:"TSDOCS_COOKIE_REDIS_KEY" envDefault:"tsdocs:cookies"`

	RefreshLead    time.Duration `env:"TSDOCS_REFRESH_LEAD" envDefault:"2m"`
	RefreshFloor   time.Duration `env:"TSDOCS_REFRESH_FLOOR" envDefault:"30s"`
	RefreshTimeout time.Duration `env:"TSDOCS_REFRESH_TIMEOUT" envDefault:"30s"`
	PrimeOnStart   bool          `env:"TSDOCS_PRIME_ON_START" envDefault:"true"`

	VisibilityThreshold time.Duration `env:"TSDOCS_VISIBILITY_THRESHOLD" envDefault:"60s"`
	SleepCheckInterval  time.Duration `env:"TSDOCS_SLEEP_CHECK_INTERVAL" envDefault:"10s"`

	ReconnectDelay time.Duration `env:"TSDOCS_RECONNECT_DELAY" envDefault:"3s"`

	DatabaseURL string `env:"TSDOCS_DATABASE_URL"`
	DBMaxConns  int32  `env:"TSDOCS_DB_MAX_CONNS" envDefault:"4"`
	DBMinConns  int32  `env:"TSDOCS_DB_MIN_CONNS" envDefault:"0"`
	DBSchema    string `env:"TSDOCS_DB_SCHEMA" envDefault:"tsdocs"`

	RedisURL       string `env:"TSDOCS_REDIS_URL"`
	JournalStream  string `env:"TSDOCS_JOURNAL_STREAM" envDefault:"tsdocs:session-journal"`
	JournalBuffer  int    `env:"TSDOCS_JOURNAL_BUFFER" envDefault:"256"`
	JournalLogSink bool   `env:"TSDOCS_JOURNAL_LOG" envDefault:"false"`

	// If true, /readyz returns 503 until a session is active.
	ReadinessRequireSession bool `env:"TSDOCS_READINESS_REQUIRE_SESSION" envDefault:"false"`
}

// LoadConfig reads an optional .env file, then the environment.
func LoadConfig() (Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.CORSAllowedOrigins = normalizeOrigins(cfg.CORSAllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the agent cannot run with.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("TSDOCS_HTTP_ADDR is empty"))
	}
	if _, err := c.apiBase(); err != nil {
		errs = append(errs, err)
	}
	if c.PresenceURL != "" {
		u, err := url.Parse(c.PresenceURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			errs = append(errs, fmt.Errorf("TSDOCS_PRESENCE_URL must be a ws:// or wss:// URL, got %q", c.PresenceURL))
		}
	}
	if (c.Username == "") != (c.Password == "") {
		errs = append(errs, errors.New("TSDOCS_USERNAME and TSDOCS_PASSWORD must be set together"))
	}

	for name, d := range map[string]time.Duration{
		"TSDOCS_API_TIMEOUT":          c.APITimeout,
		"TSDOCS_REFRESH_LEAD":         c.RefreshLead,
		"TSDOCS_REFRESH_FLOOR":        c.RefreshFloor,
		"TSDOCS_REFRESH_TIMEOUT":      c.RefreshTimeout,
		"TSDOCS_VISIBILITY_THRESHOLD": c.VisibilityThreshold,
		"TSDOCS_SLEEP_CHECK_INTERVAL": c.SleepCheckInterval,
		"TSDOCS_RECONNECT_DELAY":      c.ReconnectDelay,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("TSDOCS_LOG_FORMAT must be json or pretty, got %q", c.LogFormat))
	}

	if c.DBMinConns < 0 || (c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns) {
		errs = append(errs, errors.New("TSDOCS_DB_MIN_CONNS must be between 0 and TSDOCS_DB_MAX_CONNS"))
	}

	return errors.Join(errs...)
}

func (c Config) apiBase() (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(c.APIBaseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("TSDOCS_API_BASE_URL must be an http(s) URL, got %q", c.APIBaseURL)
	}
	return u, nil
}

// presenceURL returns the configured presence URL or derives it from the API base.
func (c Config) presenceURL() (string, error) {
	if c.PresenceURL != "" {
		return c.PresenceURL, nil
	}
	base, err := c.apiBase()
	if err != nil {
		return "", err
	}
	return presence.URLFromBase(base)
}

// presenceOrigin returns the Origin header for the presence handshake. The
// docs server only accepts browser-like handshakes, so it defaults to the
// API origin.
func (c Config) presenceOrigin() string {
	if c.PresenceOrigin != "" {
		return c.PresenceOrigin
	}
	base, err := c.apiBase()
	if err != nil {
		return ""
	}
	return base.Scheme + "://" + base.Host
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, o := range in {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}
