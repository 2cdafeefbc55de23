package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Database.Host != "localhost" {
		t.Errorf("Database.Host = %q, want localhost", cfg.Database.Host)
	}
	if cfg.Aggregation.CurrentAlpha != 0.01 {
		t.Errorf("Aggregation.CurrentAlpha = %g, want 0.01", cfg.Aggregation.CurrentAlpha)
	}
	if cfg.Aggregation.CityAlpha != 0.1 {
		t.Errorf("Aggregation.CityAlpha = %g, want 0.1", cfg.Aggregation.CityAlpha)
	}
	if cfg.Aggregation.CurrentWindow != 20*time.Minute {
		t.Errorf("Aggregation.CurrentWindow = %s, want 20m", cfg.Aggregation.CurrentWindow)
	}
	if cfg.Summary.MaxAge != 10*time.Minute {
		t.Errorf("Summary.MaxAge = %s, want 10m", cfg.Summary.MaxAge)
	}
	if cfg.Reconciliation.TargetCountry != "AT" {
		t.Errorf("Reconciliation.TargetCountry = %q, want AT", cfg.Reconciliation.TargetCountry)
	}
	if cfg.Reconciliation.FeedURL != "" {
		t.Errorf("Reconciliation.FeedURL = %q, want empty", cfg.Reconciliation.FeedURL)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("AGG_CITY_ALPHA", "0.25")
	t.Setenv("SUMMARY_MAX_AGE", "30m")
	t.Setenv("RECONCILE_FEED_URL", "https://feed.example/v1/filter/country=AT")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Database.Host != "db.internal" {
		t.Errorf("Database.Host = %q, want db.internal", cfg.Database.Host)
	}
	if cfg.Aggregation.CityAlpha != 0.25 {
		t.Errorf("Aggregation.CityAlpha = %g, want 0.25", cfg.Aggregation.CityAlpha)
	}
	if cfg.Summary.MaxAge != 30*time.Minute {
		t.Errorf("Summary.MaxAge = %s, want 30m", cfg.Summary.MaxAge)
	}
	if cfg.Reconciliation.FeedURL == "" {
		t.Error("Reconciliation.FeedURL should be set from the environment")
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("SERVER_PORT", "not-a-number")
	t.Setenv("AGG_CURRENT_WINDOW", "twenty minutes")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want fallback 8080", cfg.Server.Port)
	}
	if cfg.Aggregation.CurrentWindow != 20*time.Minute {
		t.Errorf("Aggregation.CurrentWindow = %s, want fallback 20m", cfg.Aggregation.CurrentWindow)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"port too low", func(c *Config) { c.Server.Port = 0 }, "invalid server port"},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, "invalid server port"},
		{"missing db host", func(c *Config) { c.Database.Host = "" }, "database host is required"},
		{"zero open conns", func(c *Config) { c.Database.MaxOpenConns = 0 }, "max open conns"},
		{"alpha at one", func(c *Config) { c.Aggregation.CurrentAlpha = 1 }, "current alpha"},
		{"negative city alpha", func(c *Config) { c.Aggregation.CityAlpha = -0.1 }, "city alpha"},
		{"zero current window", func(c *Config) { c.Aggregation.CurrentWindow = 0 }, "current window"},
		{"zero summary max age", func(c *Config) { c.Summary.MaxAge = 0 }, "summary max age"},
		{"zero refresh interval", func(c *Config) { c.Summary.RefreshInterval = 0 }, "refresh interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %q, want substring %q", err.Error(), tt.wantErr)
			}
		})
	}
}
