// Package baseurl works out the externally reachable URL of the running
// service, and the OIDC callback and post-login redirect URIs derived from it.
//
// Everything here is a pure function of an Environment snapshot. The callback
// and redirect URIs are always built from the same base URL evaluation, so the
// redirect_uri sent to the identity provider can never drift from the host the
// service is actually deployed on.
package baseurl

import (
	"os"
	"strings"
)

// Environment variable names consulted during resolution.
const (
	EnvBaseURL           = "BASE_URL"
	EnvPlatformURL       = "PLATFORM_EXTERNAL_URL"
	EnvRenderExternalURL = "RENDER_EXTERNAL_URL"
	EnvAppEnv            = "APP_ENV"
	EnvPort              = "PORT"
)

const (
	// DefaultPort is the local listen port used when PORT is unset.
	DefaultPort = "3000"

	production = "production"

	callbackPath = "/callback"
	redirectPath = "/dashboard"
)

// Source identifies which rule selected the base URL.
type Source string

const (
	SourcePlatform Source = "platform"
	SourceOverride Source = "override"
	SourceDefault  Source = "default"
)

// Environment is a read-only snapshot of configuration key to value.
type Environment map[string]string

// FromOS snapshots the process environment.
func FromOS() Environment {
	env := make(Environment)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		env[k] = v
	}
	return env
}

// Get returns the trimmed value for key, or "" if unset.
func (e Environment) Get(key string) string {
	return strings.TrimSpace(e[key])
}

// Production reports whether the production flag is set.
func (e Environment) Production() bool {
	return strings.EqualFold(e.Get(EnvAppEnv), production)
}

// PlatformURL returns the hosting platform injected external URL, if any.
func (e Environment) PlatformURL() string {
	if u := e.Get(EnvPlatformURL); u != "" {
		return u
	}
	return e.Get(EnvRenderExternalURL)
}

// Port returns the configured listen port, or DefaultPort.
func (e Environment) Port() string {
	if p := e.Get(EnvPort); p != "" {
		return p
	}
	return DefaultPort
}

// URLs holds the resolved URLs for one environment snapshot.
type URLs struct {
	Base     string
	Callback string
	Redirect string

	// Source is informational only.
	Source Source
}

// Resolve computes the base URL once and derives the callback and redirect
// URIs from it.
func Resolve(env Environment) URLs {
	base, src := resolveBase(env)
	return URLs{
		Base:     base,
		Callback: base + callbackPath,
		Redirect: base + redirectPath,
		Source:   src,
	}
}

// BaseURL returns the externally visible base URL, without a trailing slash.
func BaseURL(env Environment) string {
	base, _ := resolveBase(env)
	return base
}

// CallbackURL returns BaseURL(env) + "/callback".
func CallbackURL(env Environment) string {
	return BaseURL(env) + callbackPath
}

// RedirectURI returns BaseURL(env) + "/dashboard".
func RedirectURI(env Environment) string {
	return BaseURL(env) + redirectPath
}

func resolveBase(env Environment) (string, Source) {
	if env.Production() {
		if u := env.PlatformURL(); u != "" {
			return trimSlash(u), SourcePlatform
		}
	}
	if u := env.Get(EnvBaseURL); u != "" {
		return trimSlash(u), SourceOverride
	}
	return "http://localhost:" + env.Port(), SourceDefault
}

func trimSlash(u string) string {
	return strings.TrimRight(u, "/")
}
