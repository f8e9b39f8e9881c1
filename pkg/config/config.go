// Package config loads the server configuration from YAML.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/astromechza/automerge-sync/pkg/hub"
	"github.com/astromechza/automerge-sync/pkg/logging"
	"github.com/astromechza/automerge-sync/pkg/persistence"
)

// Duration accepts Go duration strings such as "30s" or "1m30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Listen      string            `yaml:"listen"`
	Log         LogConfig         `yaml:"log"`
	Auth        AuthConfig        `yaml:"auth"`
	Keepalive   Duration          `yaml:"keepalive"`
	SendBuffer  int               `yaml:"send_buffer"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Notify      NotifyConfig      `yaml:"notify"`
	Policy      PolicyConfig      `yaml:"policy"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type AuthConfig struct {
	Enabled bool     `yaml:"enabled"`
	Timeout Duration `yaml:"timeout"`
	Tokens  []Token  `yaml:"tokens"`
}

// Token grants access to one document, or to every document when Document
// is "*".
type Token struct {
	Token    string `yaml:"token"`
	Document string `yaml:"document"`
	Username string `yaml:"username"`
	ReadOnly bool   `yaml:"read_only"`
}

type PersistenceConfig struct {
	Driver    string   `yaml:"driver"`
	DSN       string   `yaml:"dsn"`
	DisableGC bool     `yaml:"disable_gc"`
	Timeout   Duration `yaml:"timeout"`
}

type NotifyConfig struct {
	Views   []string    `yaml:"views"`
	Wait    Duration    `yaml:"wait"`
	MaxWait Duration    `yaml:"max_wait"`
	Log     bool        `yaml:"log"`
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type PolicyConfig struct {
	EnforceReadOnly   bool `yaml:"enforce_read_only"`
	MaxProtocolErrors int  `yaml:"max_protocol_errors"`
}

func Default() *Config {
	return &Config{
		Listen:    "localhost:8080",
		Log:       LogConfig{Level: "info", Format: logging.FormatText},
		Auth:      AuthConfig{Timeout: Duration(hub.DefaultAuthTimeout)},
		Keepalive: Duration(hub.DefaultKeepaliveInterval),
		Persistence: PersistenceConfig{
			Driver:  persistence.DriverMemory,
			Timeout: Duration(hub.DefaultPersistTimeout),
		},
		Notify: NotifyConfig{
			Wait:    Duration(2 * time.Second),
			MaxWait: Duration(10 * time.Second),
			Redis:   RedisConfig{Prefix: "docsync:"},
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := Parse(raw, cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Parse(raw []byte, cfg *Config) error {
	if err := yaml.UnmarshalWithOptions(raw, cfg, yaml.Strict()); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case logging.FormatText, logging.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("invalid log format %q", c.Log.Format))
	}
	switch c.Persistence.Driver {
	case "", persistence.DriverMemory:
	case persistence.DriverSQLite, persistence.DriverBolt, persistence.DriverPostgres:
		if c.Persistence.DSN == "" {
			errs = append(errs, fmt.Errorf("persistence driver %q requires a dsn", c.Persistence.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown persistence driver %q", c.Persistence.Driver))
	}
	if c.Auth.Enabled && len(c.Auth.Tokens) == 0 {
		errs = append(errs, errors.New("auth is enabled but no tokens are configured"))
	}
	for i, t := range c.Auth.Tokens {
		if t.Token == "" || t.Document == "" {
			errs = append(errs, fmt.Errorf("auth token %d needs token and document", i))
		}
	}
	if c.Notify.MaxWait < c.Notify.Wait {
		errs = append(errs, errors.New("notify max_wait must not be shorter than wait"))
	}
	if c.Policy.MaxProtocolErrors < 0 {
		errs = append(errs, errors.New("max_protocol_errors must not be negative"))
	}
	if c.SendBuffer < 0 {
		errs = append(errs, errors.New("send_buffer must not be negative"))
	}
	return errors.Join(errs...)
}

// Authorizer returns the static token authorizer, or nil when auth is off.
func (c *Config) Authorizer() hub.AuthorizeFunc {
	if !c.Auth.Enabled {
		return nil
	}
	tokens := make(map[string]Token, len(c.Auth.Tokens))
	for _, t := range c.Auth.Tokens {
		tokens[t.Token] = t
	}
	return func(_ context.Context, doc *hub.SharedDocument, _ *hub.Conn, token string) (hub.Authorization, error) {
		t, ok := tokens[token]
		if !ok || (t.Document != "*" && t.Document != doc.Name()) {
			return hub.Authorization{Status: hub.AuthStatus{Reason: "403 Forbidden"}}, nil
		}
		username := t.Username
		if username == "" {
			username = "token"
		}
		return hub.Authorization{
			Authorized: true,
			Status:     hub.AuthStatus{Username: username, ReadOnly: t.ReadOnly},
		}, nil
	}
}

// HubOptions maps the config onto hub options. Persistence, sinks and
// observability are wired by the caller.
func (c *Config) HubOptions() hub.Options {
	return hub.Options{
		Authorize:         c.Authorizer(),
		Views:             c.Notify.Views,
		NotifyWait:        c.Notify.Wait.Std(),
		NotifyMaxWait:     c.Notify.MaxWait.Std(),
		DisableGC:         c.Persistence.DisableGC,
		KeepaliveInterval: c.Keepalive.Std(),
		AuthTimeout:       c.Auth.Timeout.Std(),
		PersistTimeout:    c.Persistence.Timeout.Std(),
		EnforceReadOnly:   c.Policy.EnforceReadOnly,
		MaxProtocolErrors: c.Policy.MaxProtocolErrors,
	}
}
