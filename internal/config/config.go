// Package config loads process configuration from the environment.
//
// Every setting is an environment variable (see the struct tags). Load parses
// them with caarlos0/env and then runs Validate, so a process that gets a
// Config back can rely on it being complete for the selected identity
// provider.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/caarlos0/env/v11"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	ProviderFirebase = "firebase"
	ProviderLocal    = "local"
)

// Config is the whole process configuration.
type Config struct {
	Port     int    `env:"PORT"      envDefault:"3333"`
	AppEnv   string `env:"APP_ENV"   envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	LogHeaders   bool `env:"LOG_HEADERS"`
	LogUserAgent bool `env:"LOG_USER_AGENT"`
	LogIP        bool `env:"LOG_IP"`
	LogProtocol  bool `env:"LOG_PROTOCOL"`

	DatabaseURL string `env:"DATABASE_URL,required"`

	IdentityProvider string `env:"IDENTITY_PROVIDER" envDefault:"firebase"`

	Firebase Firebase `envPrefix:"FIREBASE_"`
	Local    Local    `envPrefix:"LOCAL_IDENTITY_"`
	Aurinko  Aurinko  `envPrefix:"AURINKO_"`

	RateLimitPerMinute int `env:"RATE_LIMIT_PER_MINUTE" envDefault:"30"`
	RateLimitBurst     int `env:"RATE_LIMIT_BURST"      envDefault:"10"`

	// TrustProxy honours X-Forwarded-For / X-Real-IP. Only set it behind a
	// proxy that overwrites those headers.
	TrustProxy bool `env:"TRUST_PROXY"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Firebase holds the service-account key, split into one variable per
// field the way the key JSON is laid out.
type Firebase struct {
	Type                    string `env:"TYPE"`
	ProjectID               string `env:"PROJECT_ID"`
	PrivateKeyID            string `env:"PRIVATE_KEY_ID"`
	PrivateKey              string `env:"PRIVATE_KEY"`
	ClientEmail             string `env:"CLIENT_EMAIL"`
	ClientID                string `env:"CLIENT_ID"`
	AuthURI                 string `env:"AUTH_URI"`
	TokenURI                string `env:"TOKEN_URI"`
	AuthProviderX509CertURL string `env:"AUTH_PROVIDER_X509_CERT_URL"`
	ClientX509CertURL       string `env:"CLIENT_X509_CERT_URL"`
	UniverseDomain          string `env:"UNIVERSE_DOMAIN"`
}

type Local struct {
	Secret  string `env:"SECRET"`
	Project string `env:"PROJECT" envDefault:"mailauth-local"`
}

type Aurinko struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	PublicURL    string `env:"PUBLIC_URL"`
	BaseURL      string `env:"BASE_URL" envDefault:"https://api.aurinko.io"`
}

// Load reads the process environment.
func Load() (*Config, error) {
	return parse(env.Options{})
}

// LoadFrom reads vars instead of the process environment.
func LoadFrom(vars map[string]string) (*Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("config: parsing environment: %w", describeParseErrors(err))
	}

	// Keys pasted into a single-line variable carry literal "\n".
	cfg.Firebase.PrivateKey = strings.ReplaceAll(cfg.Firebase.PrivateKey, `\n`, "\n")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// describeParseErrors rewrites env.ParseError, which names the Go field, to
// name the environment variable instead.
func describeParseErrors(err error) error {
	var agg env.AggregateError
	if !errors.As(err, &agg) {
		return err
	}

	out := make([]error, 0, len(agg.Errors))
	for _, e := range agg.Errors {
		var pe env.ParseError
		if errors.As(e, &pe) {
			if key := envKey(reflect.TypeOf(Config{}), pe.Name, pe.Type, ""); key != "" {
				out = append(out, fmt.Errorf("%s: invalid %s value: %w", key, pe.Type, pe.Err))
				continue
			}
		}
		out = append(out, e)
	}
	return errors.Join(out...)
}

// envKey finds the variable bound to the field called name with type typ,
// following envPrefix into nested structs.
func envKey(t reflect.Type, name string, typ reflect.Type, prefix string) string {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if p, ok := f.Tag.Lookup("envPrefix"); ok && f.Type.Kind() == reflect.Struct {
			if key := envKey(f.Type, name, typ, prefix+p); key != "" {
				return key
			}
			continue
		}
		if f.Name != name || f.Type != typ {
			continue
		}
		tag, _, _ := strings.Cut(f.Tag.Get("env"), ",")
		if tag != "" {
			return prefix + tag
		}
	}
	return ""
}

// Validate reports every problem at once, joined.
func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d is out of range", c.Port))
	}
	if c.AppEnv != EnvDevelopment && c.AppEnv != EnvProduction {
		errs = append(errs, fmt.Errorf("APP_ENV must be %q or %q, got %q", EnvDevelopment, EnvProduction, c.AppEnv))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}

	switch c.IdentityProvider {
	case ProviderFirebase:
		f := c.Firebase
		if f.Type != "service_account" {
			errs = append(errs, fmt.Errorf("FIREBASE_TYPE must be \"service_account\", got %q", f.Type))
		}
		for name, v := range map[string]string{
			"FIREBASE_PROJECT_ID":   f.ProjectID,
			"FIREBASE_PRIVATE_KEY":  f.PrivateKey,
			"FIREBASE_CLIENT_EMAIL": f.ClientEmail,
		} {
			if v == "" {
				errs = append(errs, fmt.Errorf("%s is required", name))
			}
		}
	case ProviderLocal:
		if c.IsProduction() {
			errs = append(errs, errors.New("IDENTITY_PROVIDER=local is not allowed in production"))
		}
		if len(c.Local.Secret) < 16 {
			errs = append(errs, errors.New("LOCAL_IDENTITY_SECRET must be at least 16 characters"))
		}
		if c.Local.Project == "" {
			errs = append(errs, errors.New("LOCAL_IDENTITY_PROJECT is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("IDENTITY_PROVIDER must be %q or %q, got %q", ProviderFirebase, ProviderLocal, c.IdentityProvider))
	}

	if c.Aurinko.ClientID == "" {
		errs = append(errs, errors.New("AURINKO_CLIENT_ID is required"))
	}
	if c.Aurinko.ClientSecret == "" {
		errs = append(errs, errors.New("AURINKO_CLIENT_SECRET is required"))
	}
	if c.Aurinko.PublicURL == "" {
		errs = append(errs, errors.New("AURINKO_PUBLIC_URL is required"))
	}

	if c.RateLimitPerMinute <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_PER_MINUTE must be positive"))
	}
	if c.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_BURST must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) IsProduction() bool { return c.AppEnv == EnvProduction }

// SlogLevel maps LOG_LEVEL to a slog.Level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", c.LogLevel)
	}
	return level, nil
}
