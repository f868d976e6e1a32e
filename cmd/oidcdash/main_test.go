package main

import (
	"net/http"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/pardot/oidcdash/internal/config"
)

func TestNewSessionStore(t *testing.T) {
	for _, tc := range []struct {
		name       string
		production bool
	}{
		{name: "development", production: false},
		{name: "production", production: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			store, err := newSessionStore(&config.Config{Secret: "a secret", Production: tc.production})
			if err != nil {
				t.Fatal(err)
			}

			if store.Options.Secure != tc.production {
				t.Errorf("want Secure %t, got %t", tc.production, store.Options.Secure)
			}
			if store.Options.SameSite != http.SameSiteLaxMode {
				t.Errorf("want SameSite Lax, got %v", store.Options.SameSite)
			}
			if !store.Options.HttpOnly {
				t.Error("want HttpOnly cookie")
			}
		})
	}

	if _, err := newSessionStore(&config.Config{}); err == nil {
		t.Fatal("want error without SECRET")
	}
}

func TestNewLogger(t *testing.T) {
	for _, tc := range []struct {
		name      string
		level     string
		format    string
		wantErr   bool
		wantLevel logrus.Level
		wantJSON  bool
	}{
		{name: "text", level: "info", format: "text", wantLevel: logrus.InfoLevel},
		{name: "empty format", level: "debug", format: "", wantLevel: logrus.DebugLevel},
		{name: "json", level: "warn", format: "json", wantLevel: logrus.WarnLevel, wantJSON: true},
		{name: "unknown level", level: "loud", format: "text", wantErr: true},
		{name: "unknown format", level: "info", format: "xml", wantErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logger, err := newLogger(&config.Config{LogLevel: tc.level, LogFormat: tc.format})
			if tc.wantErr {
				if err == nil {
					t.Fatal("want error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}

			if logger.GetLevel() != tc.wantLevel {
				t.Errorf("want level %s, got %s", tc.wantLevel, logger.GetLevel())
			}
			if _, isJSON := logger.Formatter.(*logrus.JSONFormatter); isJSON != tc.wantJSON {
				t.Errorf("want JSON formatter %t, got %T", tc.wantJSON, logger.Formatter)
			}
		})
	}
}
