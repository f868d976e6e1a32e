package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/sessions"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pardot/oidcdash"
	"github.com/pardot/oidcdash/internal/config"
	"github.com/pardot/oidcdash/middleware"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", os.Args[0], err)
		os.Exit(1)
	}
}

var cmd = cobra.Command{
	Use:           "oidcdash",
	Short:         "Serve a dashboard of identity claims, authenticated with OpenID Connect",
	RunE:          run,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var ( // flags
	envFile  string
	addr     string
	logLevel string
)

func init() {
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "Dotenv file to read unset variables from")
	cmd.Flags().StringVar(&addr, "addr", "", "Address to listen on (default :$PORT)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level, overrides LOG_LEVEL")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sstore, err := newSessionStore(cfg)
	if err != nil {
		return err
	}

	auth, err := middleware.New(ctx, middleware.Config{
		Issuer:          cfg.Issuer,
		ClientID:        cfg.ClientID,
		ClientSecret:    cfg.ClientSecret,
		BaseURL:         cfg.URLs.Base,
		RedirectURL:     cfg.URLs.Callback,
		DefaultReturnTo: cfg.URLs.Redirect,
		Scopes:          cfg.Scopes,
		LogoutEnabled:   cfg.LogoutEnabled,
		SessionStore:    sstore,
		HTTPClient:      &http.Client{Timeout: cfg.IdPTimeout},
		Logger:          logger.WithField("component", "oidc"),
	})
	if err != nil {
		return errors.Wrap(err, "failed to set up OIDC")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := oidcdash.NewApp(logger, cfg, auth, registry)
	if err != nil {
		return errors.Wrap(err, "Error creating app")
	}

	if addr == "" {
		addr = cfg.Addr()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           a,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.WithFields(logrus.Fields{
		"addr":         addr,
		"base_url":     cfg.URLs.Base,
		"callback_url": cfg.URLs.Callback,
		"redirect_uri": cfg.URLs.Redirect,
		"source":       cfg.URLs.Source,
		"end_session":  auth.EndSessionURL(),
	}).Info("Server running")

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

func newLogger(cfg *config.Config) (*logrus.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", cfg.LogLevel)
	}
	logger.SetLevel(level)

	switch cfg.LogFormat {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}

	return logger, nil
}

func newSessionStore(cfg *config.Config) (*sessions.CookieStore, error) {
	authKey, encKey, err := cfg.SessionKeys()
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive session keys")
	}

	return middleware.NewCookieStore(cfg.Production, authKey, encKey), nil
}
