// Package config loads the bridge's settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/joeshaw/envdecode"
)

// Config holds every setting the bridge reads from the environment. Defaults
// come from the struct tags.
type Config struct {
	Port int `env:"PORT,default=8080"`

	APIKey     string `env:"API_KEY"`
	APIKeyFile string `env:"API_KEY_FILE"`

	OIDCIssuer   string `env:"OIDC_ISSUER"`
	OIDCAudience string `env:"OIDC_AUDIENCE"`
	// OIDCRequiredScopes and OIDCAllowedAlgs are comma or space separated.
	OIDCRequiredScopes string        `env:"OIDC_REQUIRED_SCOPES"`
	OIDCAllowedAlgs    string        `env:"OIDC_ALLOWED_ALGS"`
	OIDCLeeway         time.Duration `env:"OIDC_LEEWAY,default=0s"`
	OIDCRequireATJWT   bool          `env:"OIDC_REQUIRE_AT_JWT,default=false"`

	BackendCommand string `env:"BACKEND_COMMAND,default=npx"`
	BackendArgs    string `env:"BACKEND_ARGS,default=-y @shopify/dev-mcp@latest"`

	ServerName    string `env:"SERVER_NAME,default=shopify-dev-mcp-http"`
	ServerVersion string `env:"SERVER_VERSION,default=1.0.0"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`

	Notifications string `env:"NOTIFICATIONS,default=drop"`

	RedisAddr   string `env:"REDIS_ADDR"`
	RedisPrefix string `env:"REDIS_PREFIX,default=mcp-bridge:broker:"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL,default=0s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT,default=5s"`
}

// Load decodes Config from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	return cfg, nil
}

// Args splits BackendArgs on whitespace.
func (c Config) Args() []string {
	return strings.Fields(c.BackendArgs)
}

// RequiredScopes splits OIDCRequiredScopes.
func (c Config) RequiredScopes() []string {
	return splitList(c.OIDCRequiredScopes)
}

// AllowedAlgs splits OIDCAllowedAlgs.
func (c Config) AllowedAlgs() []string {
	return splitList(c.OIDCAllowedAlgs)
}

func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
}

// AuthEnabled reports whether any credential source is configured.
func (c Config) AuthEnabled() bool {
	return c.APIKey != "" || c.APIKeyFile != "" || c.OIDCIssuer != ""
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return l, nil
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	if c.BackendCommand == "" {
		errs = append(errs, errors.New("BACKEND_COMMAND is required"))
	}
	if (c.OIDCIssuer == "") != (c.OIDCAudience == "") {
		errs = append(errs, errors.New("OIDC_ISSUER and OIDC_AUDIENCE must be set together"))
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q must be json or text", c.LogFormat))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.OIDCIssuer == "" && (c.OIDCRequiredScopes != "" || c.OIDCAllowedAlgs != "" || c.OIDCRequireATJWT) {
		errs = append(errs, errors.New("OIDC_REQUIRED_SCOPES, OIDC_ALLOWED_ALGS and OIDC_REQUIRE_AT_JWT need OIDC_ISSUER"))
	}
	if c.HeartbeatInterval < 0 || c.ShutdownTimeout < 0 || c.OIDCLeeway < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	return errors.Join(errs...)
}
