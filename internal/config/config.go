package config

import (
	stderrors "errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/wagiedev/coordbridge/internal/errors"
)

const (
	// DefaultIssueID is the identity used when no issue id is configured.
	DefaultIssueID = "unknown"

	// DefaultRetryInterval is the delay between lock acquisition attempts.
	DefaultRetryInterval = 10 * time.Second

	// DefaultRequestTimeout bounds a single lock request/response pair.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultReconnectDelay is the pause before redialing a dropped coordinator.
	DefaultReconnectDelay = 1 * time.Second
)

// Config holds the bridge settings.
type Config struct {
	Port             int    `env:"COORDBRIDGE_PORT"`
	Host             string `env:"COORDBRIDGE_HOST"               envDefault:"127.0.0.1"`
	Path             string `env:"COORDBRIDGE_PATH"               envDefault:"/"`
	IssueID          string `env:"COORDBRIDGE_ISSUE_ID"           envDefault:"unknown"`
	RetryIntervalMS  int    `env:"COORDBRIDGE_RETRY_INTERVAL_MS"  envDefault:"10000"`
	RequestTimeoutMS int    `env:"COORDBRIDGE_REQUEST_TIMEOUT_MS" envDefault:"30000"`
	ReconnectDelayMS int    `env:"COORDBRIDGE_RECONNECT_DELAY_MS" envDefault:"1000"`
	LogLevel         string `env:"COORDBRIDGE_LOG_LEVEL"          envDefault:"info"`
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return parse(env.Options{})
}

// LoadFrom reads the configuration from the given variables instead of the
// process environment.
func LoadFrom(environment map[string]string) (*Config, error) {
	return parse(env.Options{Environment: environment})
}

func parse(opts env.Options) (*Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return nil, &errors.ConfigError{Setting: "environment", Err: err}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ErrPortNotSet indicates COORDBRIDGE_PORT is absent.
var ErrPortNotSet = stderrors.New("required setting is not set")

// Validate checks presence and ranges the env tags cannot express.
func (c *Config) Validate() error {
	if c.Port == 0 {
		return &errors.ConfigError{Setting: "COORDBRIDGE_PORT", Err: ErrPortNotSet}
	}

	if c.Port <= 0 || c.Port > 65535 {
		return &errors.ConfigError{Setting: "COORDBRIDGE_PORT", Err: fmt.Errorf("port %d out of range", c.Port)}
	}

	if c.RetryIntervalMS <= 0 {
		return &errors.ConfigError{
			Setting: "COORDBRIDGE_RETRY_INTERVAL_MS",
			Err:     fmt.Errorf("must be positive, got %d", c.RetryIntervalMS),
		}
	}

	if c.RequestTimeoutMS <= 0 {
		return &errors.ConfigError{
			Setting: "COORDBRIDGE_REQUEST_TIMEOUT_MS",
			Err:     fmt.Errorf("must be positive, got %d", c.RequestTimeoutMS),
		}
	}

	if c.ReconnectDelayMS <= 0 {
		return &errors.ConfigError{
			Setting: "COORDBRIDGE_RECONNECT_DELAY_MS",
			Err:     fmt.Errorf("must be positive, got %d", c.ReconnectDelayMS),
		}
	}

	if c.IssueID == "" {
		c.IssueID = DefaultIssueID
	}

	return nil
}

// CoordinatorURL returns the websocket address of the coordinator.
func (c *Config) CoordinatorURL() string {
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   c.Path,
	}

	return u.String()
}

// RetryInterval returns the delay between lock acquisition attempts.
func (c *Config) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalMS) * time.Millisecond
}

// RequestTimeout returns the per-attempt coordinator timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// ReconnectDelay returns the pause before redialing the coordinator.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMS) * time.Millisecond
}
