package oidcdash

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/pardot/oidcdash/internal/config"
)

//go:embed templates
var templateFS embed.FS

const layoutTemplate = "templates/layouts/default.html.tmpl"

// AuthProvider performs authentication against the identity provider and owns
// the session. The app only ever talks to it through this interface.
type AuthProvider interface {
	// Login sends the user to the identity provider.
	Login(w http.ResponseWriter, r *http.Request)
	// Callback completes a login started by Login.
	Callback(w http.ResponseWriter, r *http.Request)
	// Logout ends the session.
	Logout(w http.ResponseWriter, r *http.Request)
	// Session returns the identity claims of the current user, or an error if
	// there is no usable session.
	Session(w http.ResponseWriter, r *http.Request) (map[string]interface{}, error)
	// Wrap only lets authenticated requests through to next.
	Wrap(next http.Handler) http.Handler
}

type App struct {
	logger logrus.FieldLogger
	cfg    *config.Config
	auth   AuthProvider

	pages    map[string]*template.Template
	requests *prometheus.CounterVec

	handler http.Handler
}

func NewApp(logger logrus.FieldLogger, cfg *config.Config, auth AuthProvider, registry *prometheus.Registry) (*App, error) {
	a := &App{
		logger: logger,
		cfg:    cfg,
		auth:   auth,
		pages:  make(map[string]*template.Template),
	}

	for _, page := range []string{"index.html.tmpl", "dashboard.html.tmpl"} {
		t, err := template.New(page).Funcs(template.FuncMap{
			"year": func() int { return time.Now().Year() },
		}).ParseFS(templateFS, layoutTemplate, "templates/"+page)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse template %s", page)
		}
		a.pages[page] = t
	}

	a.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Count of all HTTP requests.",
	}, []string{"handler", "code", "method"})
	if err := registry.Register(a.requests); err != nil {
		return nil, errors.Wrap(err, "failed to register Prometheus HTTP metrics")
	}

	guard := func(h http.Handler) http.Handler { return h }
	if cfg.AuthRequired {
		guard = auth.Wrap
	}

	r := mux.NewRouter()
	r.PathPrefix("/static/").Handler(a.instrument("static", http.StripPrefix("/static/", http.FileServer(http.Dir(cfg.StaticDir)))))

	r.Handle("/", a.instrument("index", guard(http.HandlerFunc(a.handleIndex)))).Methods(http.MethodGet, http.MethodHead)
	r.Handle("/dashboard", a.instrument("dashboard", guard(http.HandlerFunc(a.handleDashboard)))).Methods(http.MethodGet, http.MethodHead)

	// The flow endpoints belong to the auth provider.
	r.Handle("/login", a.instrument("login", http.HandlerFunc(auth.Login))).Methods(http.MethodGet)
	r.Handle("/callback", a.instrument("callback", http.HandlerFunc(auth.Callback))).Methods(http.MethodGet)
	r.Handle("/logout", a.instrument("logout", http.HandlerFunc(auth.Logout))).Methods(http.MethodGet, http.MethodPost)

	r.Handle("/healthz", a.instrument("healthz", http.HandlerFunc(a.handleHealth))).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.NotFoundHandler = a.instrument("not_found", http.HandlerFunc(http.NotFound))

	a.handler = handlers.RecoveryHandler(
		handlers.RecoveryLogger(logger),
		handlers.PrintRecoveryStack(true),
	)(handlers.ProxyHeaders(r))

	return a, nil
}

func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.handler.ServeHTTP(w, r)
}

func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"BaseURL": a.cfg.URLs.Base,
	}

	// The landing page works with or without a session.
	if claims, err := a.auth.Session(w, r); err == nil {
		if u, err := newUserInfo(claims); err == nil {
			data["User"] = u
		}
	}

	a.renderWithDefaultLayout(w, http.StatusOK, "index.html.tmpl", data)
}

// handleDashboard shows the identity claims of the logged in user. Anything
// short of a usable session sends the user back to the landing page.
func (a *App) handleDashboard(w http.ResponseWriter, r *http.Request) {
	claims, err := a.auth.Session(w, r)
	if err != nil {
		a.logger.WithError(err).Debug("no session for dashboard, redirecting")
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	u, err := newUserInfo(claims)
	if err != nil {
		a.logger.WithError(err).Warn("session claims unusable, redirecting")
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	a.renderWithDefaultLayout(w, http.StatusOK, "dashboard.html.tmpl", map[string]interface{}{
		"BaseURL": a.cfg.URLs.Base,
		"User":    u,
	})
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (a *App) renderWithDefaultLayout(w http.ResponseWriter, code int, page string, data interface{}) {
	t, ok := a.pages[page]
	if !ok {
		a.logger.WithField("page", page).Error("unknown page")
		http.Error(w, "failed to render page", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		a.logger.WithError(err).WithField("page", page).Error("failed to execute template")
		http.Error(w, "failed to execute template", http.StatusInternalServerError)
		return
	}

	w.Header().Set("content-type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	_, _ = buf.WriteTo(w)
}

// instrument counts requests per handler and writes an access log line.
func (a *App) instrument(handlerName string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(handler, w, r)
		a.requests.With(prometheus.Labels{"handler": handlerName, "code": strconv.Itoa(m.Code), "method": r.Method}).Inc()

		a.logger.WithFields(logrus.Fields{
			"handler":  handlerName,
			"method":   r.Method,
			"path":     r.URL.Path,
			"code":     m.Code,
			"duration": m.Duration,
			"bytes":    m.Written,
		}).Info("request")
	})
}
