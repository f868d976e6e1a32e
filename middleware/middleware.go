package middleware

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc"
	"github.com/gorilla/sessions"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

type claimsContextKey struct{}

const (
	defaultSessionName = "oidcdash"

	sessionKeyOIDCState        = "oidc-state"
	sessionKeyOIDCReturnTo     = "oidc-return-to"
	sessionKeyOIDCIDToken      = "oidc-id-token"
	sessionKeyOIDCRefreshToken = "oidc-refresh-token"
)

// ErrNoSession is returned by Session when the request carries no
// authenticated session, or the session can no longer be verified.
var ErrNoSession = errors.New("no authenticated session")

// Config configures a Handler.
type Config struct {
	// Issuer is the URL to the OIDC issuer
	Issuer string
	// ClientID is a client ID for the relying party (the service authenticating
	// against the OIDC server)
	ClientID string
	// ClientSecret is a client secret for the relying party
	ClientSecret string
	// BaseURL is the base URL for this relying party. Users are sent here after
	// logout.
	BaseURL string
	// RedirectURL is the callback URL registered with the OIDC issuer for this
	// relying party
	RedirectURL string
	// DefaultReturnTo is where users land after login when they did not ask for
	// a specific page.
	DefaultReturnTo string
	// Scopes is a list of scopes to request from the OIDC server. If nil, the
	// openid scope is requested.
	Scopes []string
	// LogoutEnabled ends the session at the issuer as well, if the issuer
	// advertises an end_session_endpoint.
	LogoutEnabled bool

	// SessionStore persists the tokens between requests.
	SessionStore sessions.Store
	// SessionName is a name used for the session. If empty, a default session
	// name is used.
	SessionName string

	// HTTPClient is used for every call to the issuer. Its timeout bounds
	// discovery, code exchange and refresh.
	HTTPClient *http.Client

	Logger logrus.FieldLogger

	// If specified, tokens are verified against this clock.
	Now func() time.Time
}

// Handler performs the OIDC authorization code flow on behalf of the app. It
// owns the login, callback and logout endpoints and the session cookie.
type Handler struct {
	cfg Config

	verifier      *oidc.IDTokenVerifier
	o2c           *oauth2.Config
	endSessionURL string

	logger logrus.FieldLogger
}

// New discovers the issuer and returns a ready Handler. It fails if required
// configuration is absent or the issuer cannot be reached, so callers can
// refuse to serve traffic while misconfigured. ctx must outlive the Handler.
func New(ctx context.Context, cfg Config) (*Handler, error) {
	var missing []string
	if cfg.Issuer == "" {
		missing = append(missing, "issuer")
	}
	if cfg.ClientID == "" {
		missing = append(missing, "client ID")
	}
	if cfg.ClientSecret == "" {
		missing = append(missing, "client secret")
	}
	if cfg.SessionStore == nil {
		missing = append(missing, "session store")
	}
	if len(missing) > 0 {
		return nil, errors.Errorf("middleware: missing %s", strings.Join(missing, ", "))
	}

	if cfg.SessionName == "" {
		cfg.SessionName = defaultSessionName
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 20 * time.Second}
	}
	if cfg.DefaultReturnTo == "" {
		cfg.DefaultReturnTo = cfg.BaseURL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		l := logrus.New()
		l.Out = io.Discard
		logger = l
	}

	// The provider holds on to this context to fetch keys, so ctx must remain
	// valid for the lifetime of the Handler.
	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, cfg.HTTPClient), cfg.Issuer)
	if err != nil {
		return nil, errors.Wrapf(err, "middleware: discovering issuer %s", cfg.Issuer)
	}

	var md struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := provider.Claims(&md); err != nil {
		return nil, errors.Wrap(err, "middleware: decoding provider metadata")
	}

	scopes := []string{oidc.ScopeOpenID}
	if len(cfg.Scopes) > 0 {
		scopes = cfg.Scopes
	}

	h := &Handler{
		cfg:      cfg,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID, Now: cfg.Now}),
		o2c: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
		},
		endSessionURL: md.EndSessionEndpoint,
		logger:        logger,
	}

	return h, nil
}

// EndSessionURL is the issuer's end_session_endpoint, if it advertises one.
func (h *Handler) EndSessionURL() string {
	return h.endSessionURL
}

// Wrap returns an http.Handler that only lets authenticated requests through
// to next. Anyone else is sent off to the issuer to log in, and returned to
// the page they asked for afterwards.
func (h *Handler) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session := h.session(r)

		claims, err := h.authenticateExisting(r, session)
		if err != nil {
			h.logger.WithError(err).Error("failed to check existing session")
			http.Error(w, "authentication failed", http.StatusInternalServerError)
			return
		} else if claims != nil {
			if err := h.saveSession(w, r, session); err != nil {
				h.logger.WithError(err).Error("failed to save session")
				http.Error(w, "failed to save session", http.StatusInternalServerError)
				return
			}

			r = r.WithContext(context.WithValue(r.Context(), claimsContextKey{}, claims))
			next.ServeHTTP(w, r)
			return
		}

		returnTo := ""
		if r.Method == http.MethodGet {
			returnTo = r.URL.RequestURI()
		}
		h.startAuthentication(w, r, session, returnTo)
	})
}

// Login starts the authorization code flow. The optional returnTo query
// parameter names a local path to land on afterwards.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	h.startAuthentication(w, r, h.session(r), r.URL.Query().Get("returnTo"))
}

// Callback finishes the authorization code flow started by Login.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	session := h.session(r)

	returnTo, status, err := h.authenticateCallback(r, session)
	if err != nil {
		h.logger.WithError(err).WithField("status", status).Warn("login callback failed")
		http.Error(w, http.StatusText(status), status)
		return
	}

	if err := h.saveSession(w, r, session); err != nil {
		h.logger.WithError(err).Error("failed to save session")
		http.Error(w, "failed to save session", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, returnTo, http.StatusSeeOther)
}

// Session returns the claims of the authenticated user, or ErrNoSession. The
// ID token is refreshed when it has expired and a refresh token is available,
// in which case the session is written back to w.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) (map[string]interface{}, error) {
	if c := ClaimsFromContext(r.Context()); c != nil {
		return c, nil
	}

	session := h.session(r)
	claims, err := h.authenticateExisting(r, session)
	if err != nil {
		return nil, errors.Wrap(err, "verifying session")
	}
	if claims == nil {
		return nil, ErrNoSession
	}

	if err := h.saveSession(w, r, session); err != nil {
		return nil, errors.Wrap(err, "saving session")
	}
	return claims, nil
}

// Logout clears the local session. If logout at the issuer is enabled and
// supported, the user is sent there next, otherwise back to the base URL.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	session := h.session(r)
	rawIDToken, _ := session.Values[sessionKeyOIDCIDToken].(string)

	for k := range session.Values {
		delete(session.Values, k)
	}
	session.Options.MaxAge = -1
	if err := session.Save(r, w); err != nil {
		h.logger.WithError(err).Error("failed to clear session")
		http.Error(w, "failed to clear session", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, h.logoutURL(rawIDToken), http.StatusSeeOther)
}

func (h *Handler) logoutURL(rawIDToken string) string {
	if !h.cfg.LogoutEnabled || h.endSessionURL == "" {
		return h.cfg.BaseURL
	}

	u, err := url.Parse(h.endSessionURL)
	if err != nil {
		h.logger.WithError(err).Warn("invalid end_session_endpoint, logging out locally only")
		return h.cfg.BaseURL
	}

	q := u.Query()
	q.Set("client_id", h.cfg.ClientID)
	q.Set("post_logout_redirect_uri", h.cfg.BaseURL)
	if rawIDToken != "" {
		q.Set("id_token_hint", rawIDToken)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// authenticateExisting returns (claims, nil) if the user is authenticated,
// (nil, error) if a fatal error occurs, or (nil, nil) if the user is not
// authenticated but no fatal error occurred.
//
// This function may modify the session if a token is refreshed, so it must be
// saved afterward.
func (h *Handler) authenticateExisting(r *http.Request, session *sessions.Session) (map[string]interface{}, error) {
	ctx := h.clientContext(r.Context())

	rawIDToken, ok := session.Values[sessionKeyOIDCIDToken].(string)
	if !ok {
		return nil, nil
	}

	idToken, err := h.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		// Attempt to refresh the token
		refreshToken, ok := session.Values[sessionKeyOIDCRefreshToken].(string)
		if !ok || refreshToken == "" {
			return nil, nil
		}

		token, err := h.o2c.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		if err != nil {
			h.logger.WithError(err).Debug("refresh failed")
			return nil, nil
		}

		refreshedRawIDToken, ok := token.Extra("id_token").(string)
		if !ok {
			return nil, nil
		}

		refreshedIDToken, err := h.verifier.Verify(ctx, refreshedRawIDToken)
		if err != nil {
			return nil, nil
		}

		session.Values[sessionKeyOIDCIDToken] = refreshedRawIDToken
		if token.RefreshToken != "" {
			session.Values[sessionKeyOIDCRefreshToken] = token.RefreshToken
		}

		idToken = refreshedIDToken
	}

	c := make(map[string]interface{})
	if err := idToken.Claims(&c); err != nil {
		return nil, nil
	}

	return c, nil
}

// authenticateCallback returns (returnTo, 0, nil) if the user is now
// authenticated, or ("", status, error) describing why the callback was
// rejected.
//
// This function modifies the session on success, so it must be saved
// afterward.
func (h *Handler) authenticateCallback(r *http.Request, session *sessions.Session) (string, int, error) {
	ctx := h.clientContext(r.Context())

	q := r.URL.Query()
	if qerr := q.Get("error"); qerr != "" {
		return "", http.StatusUnauthorized, errors.Errorf("issuer returned %s: %s", qerr, q.Get("error_description"))
	}

	state := q.Get("state")
	code := q.Get("code")
	if state == "" || code == "" {
		return "", http.StatusBadRequest, errors.New("callback is missing state or code")
	}

	wantState, _ := session.Values[sessionKeyOIDCState].(string)
	if wantState == "" || wantState != state {
		return "", http.StatusBadRequest, errors.New("state did not match")
	}

	token, err := h.o2c.Exchange(ctx, code)
	if err != nil {
		return "", http.StatusBadGateway, errors.Wrap(err, "exchanging code")
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return "", http.StatusBadGateway, errors.New("token response is missing id_token")
	}

	if _, err := h.verifier.Verify(ctx, rawIDToken); err != nil {
		return "", http.StatusBadGateway, errors.Wrap(err, "verifying id_token")
	}

	session.Values[sessionKeyOIDCIDToken] = rawIDToken
	delete(session.Values, sessionKeyOIDCRefreshToken)
	if token.RefreshToken != "" {
		session.Values[sessionKeyOIDCRefreshToken] = token.RefreshToken
	}
	delete(session.Values, sessionKeyOIDCState)

	returnTo, ok := session.Values[sessionKeyOIDCReturnTo].(string)
	if !ok || returnTo == "" {
		returnTo = h.cfg.DefaultReturnTo
	}
	delete(session.Values, sessionKeyOIDCReturnTo)

	return returnTo, 0, nil
}

func (h *Handler) startAuthentication(w http.ResponseWriter, r *http.Request, session *sessions.Session, returnTo string) {
	delete(session.Values, sessionKeyOIDCIDToken)
	delete(session.Values, sessionKeyOIDCRefreshToken)

	state := randomState()
	session.Values[sessionKeyOIDCState] = state

	delete(session.Values, sessionKeyOIDCReturnTo)
	if isLocalPath(returnTo) {
		session.Values[sessionKeyOIDCReturnTo] = returnTo
	}

	if err := session.Save(r, w); err != nil {
		h.logger.WithError(err).Error("failed to save session")
		http.Error(w, "failed to save session", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, h.o2c.AuthCodeURL(state), http.StatusSeeOther)
}

// saveSession writes the session back to w. Cookies are capped in size, and
// some issuers hand out refresh tokens large enough to push the session past
// that cap. In that case the refresh token is dropped and the save retried,
// so the user stays logged in until the ID token expires.
func (h *Handler) saveSession(w http.ResponseWriter, r *http.Request, session *sessions.Session) error {
	err := session.Save(r, w)
	if err == nil {
		return nil
	}
	if _, ok := session.Values[sessionKeyOIDCRefreshToken]; !ok {
		return err
	}

	h.logger.WithError(err).Warn("session too large to save, dropping refresh token")
	delete(session.Values, sessionKeyOIDCRefreshToken)
	return session.Save(r, w)
}

// session returns the named session. A cookie that fails to decode, usually
// because the secret changed, yields a new empty session.
func (h *Handler) session(r *http.Request) *sessions.Session {
	session, err := h.cfg.SessionStore.Get(r, h.cfg.SessionName)
	if err != nil {
		h.logger.WithError(err).Info("Session decoding failed, a new empty session will be used")
	}
	if session == nil {
		session = sessions.NewSession(h.cfg.SessionStore, h.cfg.SessionName)
	}
	return session
}

func (h *Handler) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, h.cfg.HTTPClient)
}

// ClaimFromContext returns a single claim set by Wrap.
func ClaimFromContext(ctx context.Context, claim string) interface{} {
	c, ok := ctx.Value(claimsContextKey{}).(map[string]interface{})
	if !ok {
		return nil
	}

	return c[claim]
}

// ClaimsFromContext returns the claims set by Wrap, or nil.
func ClaimsFromContext(ctx context.Context) map[string]interface{} {
	c, ok := ctx.Value(claimsContextKey{}).(map[string]interface{})
	if !ok {
		return nil
	}

	return c
}

// isLocalPath reports whether p is a path on this host, so redirecting to it
// after login cannot send the user elsewhere.
func isLocalPath(p string) bool {
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") {
		return false
	}
	u, err := url.Parse(p)
	return err == nil && u.Scheme == "" && u.Host == ""
}

func randomState() string {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic(err)
	}

	return base64.RawURLEncoding.EncodeToString(b)
}
