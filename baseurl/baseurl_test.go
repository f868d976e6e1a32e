package baseurl

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestResolve(t *testing.T) {
	for _, tc := range []struct {
		name string
		env  Environment
		want URLs
	}{
		{
			name: "nothing set",
			env:  Environment{},
			want: URLs{
				Base:     "http://localhost:3000",
				Callback: "http://localhost:3000/callback",
				Redirect: "http://localhost:3000/dashboard",
				Source:   SourceDefault,
			},
		},
		{
			name: "override outside production",
			env:  Environment{EnvBaseURL: "http://example.test"},
			want: URLs{
				Base:     "http://example.test",
				Callback: "http://example.test/callback",
				Redirect: "http://example.test/dashboard",
				Source:   SourceOverride,
			},
		},
		{
			name: "platform wins in production",
			env: Environment{
				EnvAppEnv:      "production",
				EnvPlatformURL: "https://app.example.com",
				EnvBaseURL:     "http://ignored",
			},
			want: URLs{
				Base:     "https://app.example.com",
				Callback: "https://app.example.com/callback",
				Redirect: "https://app.example.com/dashboard",
				Source:   SourcePlatform,
			},
		},
		{
			name: "render variable is a platform url",
			env: Environment{
				EnvAppEnv:            "production",
				EnvRenderExternalURL: "https://app.onrender.com",
			},
			want: URLs{
				Base:     "https://app.onrender.com",
				Callback: "https://app.onrender.com/callback",
				Redirect: "https://app.onrender.com/dashboard",
				Source:   SourcePlatform,
			},
		},
		{
			name: "production without platform falls back to override",
			env: Environment{
				EnvAppEnv:  "production",
				EnvBaseURL: "https://override.example.com",
			},
			want: URLs{
				Base:     "https://override.example.com",
				Callback: "https://override.example.com/callback",
				Redirect: "https://override.example.com/dashboard",
				Source:   SourceOverride,
			},
		},
		{
			name: "production without platform or override",
			env:  Environment{EnvAppEnv: "production"},
			want: URLs{
				Base:     "http://localhost:3000",
				Callback: "http://localhost:3000/callback",
				Redirect: "http://localhost:3000/dashboard",
				Source:   SourceDefault,
			},
		},
		{
			name: "platform ignored outside production",
			env: Environment{
				EnvAppEnv:      "development",
				EnvPlatformURL: "https://app.example.com",
			},
			want: URLs{
				Base:     "http://localhost:3000",
				Callback: "http://localhost:3000/callback",
				Redirect: "http://localhost:3000/dashboard",
				Source:   SourceDefault,
			},
		},
		{
			name: "trailing slash stripped",
			env:  Environment{EnvBaseURL: "https://example.test/app/"},
			want: URLs{
				Base:     "https://example.test/app",
				Callback: "https://example.test/app/callback",
				Redirect: "https://example.test/app/dashboard",
				Source:   SourceOverride,
			},
		},
		{
			name: "local default follows port",
			env:  Environment{EnvPort: "8080"},
			want: URLs{
				Base:     "http://localhost:8080",
				Callback: "http://localhost:8080/callback",
				Redirect: "http://localhost:8080/dashboard",
				Source:   SourceDefault,
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := Resolve(tc.env)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("Resolve() mismatch (-want +got):\n%s", diff)
			}

			if b := BaseURL(tc.env); b != tc.want.Base {
				t.Errorf("BaseURL() = %q, want %q", b, tc.want.Base)
			}
			if c := CallbackURL(tc.env); c != tc.want.Callback {
				t.Errorf("CallbackURL() = %q, want %q", c, tc.want.Callback)
			}
			if r := RedirectURI(tc.env); r != tc.want.Redirect {
				t.Errorf("RedirectURI() = %q, want %q", r, tc.want.Redirect)
			}
		})
	}
}

func TestBaseURLPrecedence(t *testing.T) {
	// Every combination of the three signals.
	platforms := []string{"", "https://platform.example.com"}
	overrides := []string{"", "https://override.example.com"}
	flags := []string{"", "development", "production", "PRODUCTION"}

	for _, p := range platforms {
		for _, o := range overrides {
			for _, f := range flags {
				env := Environment{}
				if p != "" {
					env[EnvPlatformURL] = p
				}
				if o != "" {
					env[EnvBaseURL] = o
				}
				if f != "" {
					env[EnvAppEnv] = f
				}

				var want string
				switch {
				case env.Production() && p != "":
					want = p
				case o != "":
					want = o
				default:
					want = "http://localhost:3000"
				}

				got := BaseURL(env)
				if got != want {
					t.Errorf("BaseURL(%v) = %q, want %q", env, got, want)
				}
				if cb := CallbackURL(env); cb != got+"/callback" {
					t.Errorf("CallbackURL(%v) = %q, not derived from %q", env, cb, got)
				}
				if rd := RedirectURI(env); rd != got+"/dashboard" {
					t.Errorf("RedirectURI(%v) = %q, not derived from %q", env, rd, got)
				}
			}
		}
	}
}

func TestBaseURLIdempotent(t *testing.T) {
	env := Environment{
		EnvAppEnv:      "production",
		EnvPlatformURL: "https://app.example.com/",
		EnvBaseURL:     "http://ignored",
	}
	snapshot := Environment{}
	for k, v := range env {
		snapshot[k] = v
	}

	first := BaseURL(env)
	second := BaseURL(env)
	if first != second {
		t.Fatalf("BaseURL not idempotent: %q then %q", first, second)
	}
	if first != "https://app.example.com" {
		t.Fatalf("BaseURL() = %q", first)
	}

	if diff := cmp.Diff(snapshot, env); diff != "" {
		t.Fatalf("BaseURL mutated the environment (-before +after):\n%s", diff)
	}
}

func TestFromOS(t *testing.T) {
	t.Setenv(EnvAppEnv, "")
	t.Setenv(EnvBaseURL, "http://from-os.test")

	env := FromOS()
	if got := env.Get(EnvBaseURL); got != "http://from-os.test" {
		t.Fatalf("FromOS()[%s] = %q", EnvBaseURL, got)
	}
	if got := BaseURL(env); got != "http://from-os.test" {
		t.Fatalf("BaseURL(FromOS()) = %q", got)
	}
}
