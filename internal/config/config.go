// Package config loads the bibkat configuration: a json5 file (with an optional .local override)
// and BIBKAT_* environment variables on top.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"bibkat-backend/internal/accounts"
	"bibkat-backend/lib/configutil"

	"github.com/kelseyhightower/envconfig"
)

const EnvPrefix = "BIBKAT"

const (
	DefaultStateDir          = ".bibkat"
	DefaultDueSoonDays       = 4
	DefaultBalanceThreshold  = 10.0
	DefaultRequestTimeout    = 30 * time.Second
	DefaultRequestsPerSecond = 2
	DefaultSessionTimeout    = time.Hour
	DefaultSchedule          = "0 */6 * * *"
	DefaultListenAddr        = ":8080"
)

// Duration is a time.Duration written as "30s" in files and environment variables.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	text := strings.Trim(strings.TrimSpace(string(data)), `"'`)
	return d.Decode(text)
}

func (d *Duration) UnmarshalText(text []byte) error {
	return d.Decode(string(text))
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", time.Duration(d).String())), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Decode implements envconfig.Decoder.
func (d *Duration) Decode(value string) error {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

type Account struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Alias    string `json:"alias"`
	// Enabled defaults to true.
	Enabled *bool `json:"enabled"`
}

type Smtp struct {
	Host     string   `json:"host" envconfig:"HOST"`
	Port     int      `json:"port" envconfig:"PORT"`
	Username string   `json:"username" envconfig:"USERNAME"`
	Password string   `json:"password" envconfig:"PASSWORD"`
	From     string   `json:"from" envconfig:"FROM"`
	To       []string `json:"to" envconfig:"TO"`
}

// Enabled reports whether digests can be mailed.
func (s Smtp) Enabled() bool {
	return s.Host != "" && s.From != "" && len(s.To) > 0
}

type Config struct {
	LibraryUrl string    `json:"library_url" envconfig:"LIBRARY_URL"`
	Accounts   []Account `json:"accounts" ignored:"true"`
	StateDir   string    `json:"state_dir" envconfig:"STATE_DIR"`

	UseBrowser bool   `json:"use_browser" envconfig:"USE_BROWSER"`
	BrowserBin string `json:"browser_bin" envconfig:"BROWSER_BIN"`

	DueSoonDays      int     `json:"due_soon_days" envconfig:"DUE_SOON_DAYS"`
	BalanceThreshold float64 `json:"balance_threshold" envconfig:"BALANCE_THRESHOLD"`

	RequestTimeout    Duration `json:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	RequestsPerSecond float64  `json:"requests_per_second" envconfig:"REQUESTS_PER_SECOND"`
	SessionTimeout    Duration `json:"session_timeout" envconfig:"SESSION_TIMEOUT"`
	// ProbeSessions validates cached sessions before reuse, defaults to true.
	ProbeSessions *bool `json:"probe_sessions" envconfig:"PROBE_SESSIONS"`

	Schedule   string `json:"schedule" envconfig:"SCHEDULE"`
	ListenAddr string `json:"listen_addr" envconfig:"LISTEN_ADDR"`
	// AccessToken, when set, is required as bearer token by the daemon's http routes.
	AccessToken string `json:"access_token" envconfig:"ACCESS_TOKEN"`
	Smtp        Smtp   `json:"smtp" envconfig:"SMTP"`
	Verbose     bool   `json:"verbose" envconfig:"VERBOSE"`
	// DumpHttpDir, when set, receives a file per http exchange with the library.
	DumpHttpDir string `json:"dump_http_dir" envconfig:"DUMP_HTTP_DIR"`
}

func (c *Config) applyDefaults() {
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.DueSoonDays <= 0 {
		c.DueSoonDays = DefaultDueSoonDays
	}
	if c.BalanceThreshold <= 0 {
		c.BalanceThreshold = DefaultBalanceThreshold
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = Duration(DefaultRequestTimeout)
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = Duration(DefaultSessionTimeout)
	}
	if c.ProbeSessions == nil {
		probe := true
		c.ProbeSessions = &probe
	}
	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.Smtp.Port == 0 {
		c.Smtp.Port = 587
	}
}

func (c Config) Validate() error {
	if c.LibraryUrl != "" {
		parsed, err := url.Parse(c.LibraryUrl)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("library_url %q is not an absolute url", c.LibraryUrl)
		}
	}
	for i, account := range c.Accounts {
		if account.Username == "" {
			return fmt.Errorf("accounts[%d] has no username", i)
		}
	}
	return nil
}

// Library returns the configured accounts as a library.
func (c Config) Library() accounts.Library {
	library := accounts.Library{Url: c.LibraryUrl, Accounts: []accounts.Account{}}
	for _, account := range c.Accounts {
		library.Add(accounts.Account{
			Username: account.Username,
			Password: account.Password,
			Alias:    account.Alias,
			Enabled:  account.Enabled == nil || *account.Enabled,
		})
	}
	return library
}

// Load reads the config file at path (a missing file is fine), applies environment overrides and
// fills in defaults.
func Load(path string) (Config, error) {
	cfg, err := configutil.ReadConfig[Config](path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}

	err = envconfig.Process(EnvPrefix, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("loading config from environment: %w", err)
	}

	cfg.applyDefaults()
	err = cfg.Validate()
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}
