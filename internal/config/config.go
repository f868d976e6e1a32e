// Package config builds the immutable startup configuration from the process
// environment, an optional dotenv file, and the resolved service URLs.
package config

import (
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"

	"github.com/pardot/oidcdash/baseurl"
)

const (
	sessionAuthenticationKeyBytesLength = 64
	sessionEncryptionKeyBytesLength     = 32

	sessionKeyInfo = "oidcdash session v1"
)

// Config is built once at startup and shared read-only.
type Config struct {
	// Issuer is the OIDC issuer URL.
	Issuer       string
	ClientID     string
	ClientSecret string
	// Scopes requested from the issuer. Always contains openid.
	Scopes []string
	// IdPTimeout bounds every HTTP call made to the identity provider.
	IdPTimeout time.Duration

	Port string
	// Secret signs and encrypts the session cookie.
	Secret string

	// AuthRequired protects every page, not just the dashboard.
	AuthRequired bool
	// LogoutEnabled also ends the session at the identity provider.
	LogoutEnabled bool

	Production bool
	URLs       baseurl.URLs

	StaticDir string
	LogLevel  string
	LogFormat string
}

// rawEnv holds the environment values as decoded, before defaults and
// fallbacks are applied.
type rawEnv struct {
	IssuerURI     string        `env:"ISSUER_URI"`
	IssuerBaseURL string        `env:"ISSUER_BASE_URL"`
	ClientID      string        `env:"CLIENT_ID"`
	ClientSecret  string        `env:"CLIENT_SECRET"`
	Scopes        []string      `env:"OIDC_SCOPES" envSeparator:" " envDefault:"openid profile"`
	IdPTimeout    time.Duration `env:"IDP_TIMEOUT" envDefault:"20s"`
	Port          string        `env:"PORT" envDefault:"3000"`
	Secret        string        `env:"SECRET"`
	AuthRequired  bool          `env:"AUTH_REQUIRED"`
	LogoutEnabled bool          `env:"AUTH_LOGOUT_ENABLED"`
	StaticDir     string        `env:"STATIC_DIR" envDefault:"./static"`
	LogLevel      string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat     string        `env:"LOG_FORMAT" envDefault:"text"`
}

// MissingError reports required configuration that was not provided.
type MissingError struct {
	Vars []string
}

func (e *MissingError) Error() string {
	return "missing required configuration: " + strings.Join(e.Vars, ", ")
}

// Load snapshots the process environment, fills in anything unset from the
// dotenv file at envFile (if it exists), and builds a Config from the result.
func Load(envFile string) (*Config, error) {
	snapshot := baseurl.FromOS()

	if envFile != "" {
		fileEnv, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			for k, v := range fileEnv {
				// Real environment wins over the file.
				if _, ok := snapshot[k]; !ok {
					snapshot[k] = v
				}
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, errors.Wrapf(err, "failed to read env file %s", envFile)
		}
	}

	return FromEnvironment(snapshot)
}

// FromEnvironment builds a Config from an environment snapshot. It does not
// validate; call Validate before using the result.
func FromEnvironment(e baseurl.Environment) (*Config, error) {
	var raw rawEnv
	if err := env.ParseWithOptions(&raw, env.Options{Environment: e}); err != nil {
		return nil, errors.Wrap(err, "failed to parse environment")
	}

	issuer := raw.IssuerURI
	if issuer == "" {
		issuer = raw.IssuerBaseURL
	}

	return &Config{
		Issuer:        strings.TrimSpace(issuer),
		ClientID:      raw.ClientID,
		ClientSecret:  raw.ClientSecret,
		Scopes:        withOpenID(raw.Scopes),
		IdPTimeout:    raw.IdPTimeout,
		Port:          raw.Port,
		Secret:        raw.Secret,
		AuthRequired:  raw.AuthRequired,
		LogoutEnabled: raw.LogoutEnabled,
		Production:    e.Production(),
		URLs:          baseurl.Resolve(e),
		StaticDir:     raw.StaticDir,
		LogLevel:      raw.LogLevel,
		LogFormat:     raw.LogFormat,
	}, nil
}

// Validate returns a *MissingError naming every absent required value.
func (c *Config) Validate() error {
	var missing []string
	if c.Issuer == "" {
		missing = append(missing, "ISSUER_URI")
	}
	if c.ClientID == "" {
		missing = append(missing, "CLIENT_ID")
	}
	if c.ClientSecret == "" {
		missing = append(missing, "CLIENT_SECRET")
	}
	if c.Secret == "" {
		missing = append(missing, "SECRET")
	}
	if len(missing) > 0 {
		return &MissingError{Vars: missing}
	}

	if c.IdPTimeout <= 0 {
		return fmt.Errorf("IDP_TIMEOUT must be positive, got %s", c.IdPTimeout)
	}
	return nil
}

// Addr is the address to listen on.
func (c *Config) Addr() string {
	return ":" + c.Port
}

// SessionKeys derives the session cookie authentication and encryption keys
// from Secret.
func (c *Config) SessionKeys() (authKey, encryptionKey []byte, err error) {
	if c.Secret == "" {
		return nil, nil, &MissingError{Vars: []string{"SECRET"}}
	}

	r := hkdf.New(sha256.New, []byte(c.Secret), nil, []byte(sessionKeyInfo))

	authKey = make([]byte, sessionAuthenticationKeyBytesLength)
	if _, err := io.ReadFull(r, authKey); err != nil {
		return nil, nil, errors.Wrap(err, "failed to derive session authentication key")
	}

	encryptionKey = make([]byte, sessionEncryptionKeyBytesLength)
	if _, err := io.ReadFull(r, encryptionKey); err != nil {
		return nil, nil, errors.Wrap(err, "failed to derive session encryption key")
	}

	return authKey, encryptionKey, nil
}

func withOpenID(scopes []string) []string {
	ret := []string{"openid"}
	for _, s := range scopes {
		if s == "" || s == "openid" {
			continue
		}
		ret = append(ret, s)
	}
	return ret
}
