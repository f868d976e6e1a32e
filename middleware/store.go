package middleware

import (
	"net/http"

	"github.com/gorilla/sessions"
)

// SessionMaxAge is how long the session cookie lives, in seconds.
const SessionMaxAge = 86400

// NewCookieStore returns the cookie store the Handler expects. The cookie is
// HttpOnly and SameSite=Lax so it survives the top-level redirect back from
// the issuer, and only marked Secure when secure is set, as plain-http local
// development would otherwise never send it back.
func NewCookieStore(secure bool, keyPairs ...[]byte) *sessions.CookieStore {
	store := sessions.NewCookieStore(keyPairs...)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   SessionMaxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	store.MaxAge(SessionMaxAge)
	return store
}
