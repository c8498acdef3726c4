// Package config loads routedeck settings from ROUTEDECK_* environment
// variables and an optional routedeck.yaml.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/markus-barta/routedeck/internal/auth"
)

// EnvPrefix prefixes every environment variable, e.g. ROUTEDECK_API_URL.
const EnvPrefix = "ROUTEDECK"

// Config holds all routedeck configuration.
type Config struct {
	// Backend
	APIURL         string        `mapstructure:"api_url"`    // resource API base, e.g. http://127.0.0.1:4000
	SocketURL      string        `mapstructure:"socket_url"` // derived from api_url when empty
	Token          string        `mapstructure:"token"`
	Username       string        `mapstructure:"username"` // login instead of a static token
	Password       string        `mapstructure:"password"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ActionMethod   string        `mapstructure:"action_method"` // GET or POST for start/stop

	// Live updates
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HistorySize       int           `mapstructure:"history_size"`

	// Console server
	Listen         string        `mapstructure:"listen"`
	PasswordHash   string        `mapstructure:"password_hash"` // bcrypt; empty disables operator login
	TOTPSecret     string        `mapstructure:"totp_secret"`   // optional, required for deletes when set
	RateLimit      int           `mapstructure:"rate_limit"`
	RateWindow     time.Duration `mapstructure:"rate_window"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	DBPath         string        `mapstructure:"db_path"` // action journal; empty disables it

	LogLevel string `mapstructure:"log_level"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		APIURL:            "http://127.0.0.1:4000",
		RequestTimeout:    30 * time.Second,
		ActionMethod:      "POST",
		HeartbeatInterval: 30 * time.Second,
		HistorySize:       300,
		Listen:            ":8080",
		RateLimit:         5,
		RateWindow:        time.Minute,
		LogLevel:          "info",
	}
}

// Load reads configuration. file, when non-empty, names an explicit config
// file; otherwise routedeck.yaml is looked up in ., ./config and
// /etc/routedeck/ and is optional. Environment variables override both.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("routedeck")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/routedeck/")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("api_url", d.APIURL)
	v.SetDefault("socket_url", "")
	v.SetDefault("token", "")
	v.SetDefault("username", "")
	v.SetDefault("password", "")
	v.SetDefault("request_timeout", d.RequestTimeout)
	v.SetDefault("action_method", d.ActionMethod)
	v.SetDefault("heartbeat_interval", d.HeartbeatInterval)
	v.SetDefault("history_size", d.HistorySize)
	v.SetDefault("listen", d.Listen)
	v.SetDefault("password_hash", "")
	v.SetDefault("totp_secret", "")
	v.SetDefault("rate_limit", d.RateLimit)
	v.SetDefault("rate_window", d.RateWindow)
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("db_path", "")
	v.SetDefault("log_level", d.LogLevel)
}

func (c *Config) normalize() {
	c.APIURL = strings.TrimSuffix(strings.TrimSpace(c.APIURL), "/")
	c.ActionMethod = strings.ToUpper(strings.TrimSpace(c.ActionMethod))

	origins := make([]string, 0, len(c.AllowedOrigins))
	for _, o := range c.AllowedOrigins {
		for _, p := range strings.Split(o, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	c.AllowedOrigins = origins

	if c.SocketURL == "" && c.APIURL != "" {
		c.SocketURL = DeriveSocketURL(c.APIURL)
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	if c.APIURL == "" {
		errs = append(errs, "api_url is required")
	} else if u, err := url.Parse(c.APIURL); err != nil || u.Host == "" {
		errs = append(errs, fmt.Sprintf("api_url %q is not an absolute URL", c.APIURL))
	}
	if c.Token == "" && (c.Username == "" || c.Password == "") {
		errs = append(errs, "token or username and password are required")
	}
	if c.ActionMethod != "GET" && c.ActionMethod != "POST" {
		errs = append(errs, "action_method must be GET or POST")
	}
	if c.HeartbeatInterval < time.Second {
		errs = append(errs, "heartbeat_interval must be at least 1 second")
	}
	if c.HistorySize < 1 {
		errs = append(errs, "history_size must be positive")
	}
	if c.RateLimit < 1 || c.RateWindow <= 0 {
		errs = append(errs, "rate_limit and rate_window must be positive")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// HasTOTP returns true if TOTP is configured.
func (c *Config) HasTOTP() bool {
	return c.TOTPSecret != ""
}

// HasOperatorLogin returns true if the console requires a password.
func (c *Config) HasOperatorLogin() bool {
	return c.PasswordHash != ""
}

// UsesLogin reports whether tokens come from POST /api/login rather than
// a static token.
func (c *Config) UsesLogin() bool {
	return c.Token == "" && c.Username != ""
}

// TokenProvider returns the bearer credential source: the static token, or
// a login against the backend.
func (c *Config) TokenProvider() auth.TokenProvider {
	if c.UsesLogin() {
		return auth.NewLoginProvider(c.APIURL, c.Username, c.Password, c.RequestTimeout)
	}
	return auth.StaticToken(c.Token)
}

// DeriveSocketURL maps an API base URL onto the backend's socket endpoint:
// http(s)://host -> ws(s)://host/socket/websocket.
func DeriveSocketURL(apiURL string) string {
	u, err := url.Parse(apiURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/socket/websocket"
	u.RawQuery = ""
	return u.String()
}
