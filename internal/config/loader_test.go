package config

import (
	"strings"
	"testing"
)

const minimalConfig = `
provider:
  name: openrouter
  api_key: sk-test
  model: openai/gpt-4o
`

func TestLoadFromReader(t *testing.T) {
	t.Run("minimal config gets defaults", func(t *testing.T) {
		cfg, err := LoadFromReader(strings.NewReader(minimalConfig))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if cfg.Server.LogLevel != LogInfo {
			t.Errorf("expected default log level info, got %q", cfg.Server.LogLevel)
		}
		if cfg.Provider.Temperature != DefaultTemperature {
			t.Errorf("expected default temperature, got %v", cfg.Provider.Temperature)
		}
		if cfg.Summariser.Temperature != DefaultSummariserTemp {
			t.Errorf("expected default summariser temperature, got %v", cfg.Summariser.Temperature)
		}
		if cfg.Session.ShortTermWindow != DefaultShortTermWindow {
			t.Errorf("expected default short-term window, got %d", cfg.Session.ShortTermWindow)
		}
		if cfg.Session.CompactionThreshold != DefaultCompactionThreshold {
			t.Errorf("expected default compaction threshold, got %d", cfg.Session.CompactionThreshold)
		}
		if cfg.Storage.Backend != StorageFile {
			t.Errorf("expected file backend by default, got %q", cfg.Storage.Backend)
		}
		if cfg.Storage.Dir != DefaultStorageDir {
			t.Errorf("expected default storage dir, got %q", cfg.Storage.Dir)
		}
		if cfg.Scenario.Dir != DefaultScenarioDir {
			t.Errorf("expected default scenario dir, got %q", cfg.Scenario.Dir)
		}
	})

	t.Run("full config round-trips", func(t *testing.T) {
		cfg, err := LoadFromReader(strings.NewReader(`
server:
  log_level: debug
provider:
  name: openrouter
  api_key: sk-test
  model: openai/gpt-4o
  temperature: 0.9
  max_tokens: 2048
  fallbacks:
    - name: ollama
      base_url: http://localhost:11434
      model: llama3
summariser:
  model: openai/gpt-4o-mini
  temperature: 0.1
session:
  short_term_window: 10
  compaction_threshold: 25
storage:
  backend: postgres
  postgres_dsn: postgres://localhost/taleforge
scenario:
  dir: ./my-story
telemetry:
  enabled: true
`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(cfg.Provider.Fallbacks) != 1 || cfg.Provider.Fallbacks[0].Model != "llama3" {
			t.Errorf("fallbacks not parsed: %+v", cfg.Provider.Fallbacks)
		}
		if cfg.Summariser.Model != "openai/gpt-4o-mini" || cfg.Summariser.Temperature != 0.1 {
			t.Errorf("summariser not parsed: %+v", cfg.Summariser)
		}
		if cfg.Session.ShortTermWindow != 10 || cfg.Session.CompactionThreshold != 25 {
			t.Errorf("session not parsed: %+v", cfg.Session)
		}
		if cfg.Storage.Backend != StoragePostgres {
			t.Errorf("storage backend not parsed: %+v", cfg.Storage)
		}
		if !cfg.Telemetry.Enabled {
			t.Error("telemetry.enabled not parsed")
		}
	})

	t.Run("unknown fields are rejected", func(t *testing.T) {
		_, err := LoadFromReader(strings.NewReader(minimalConfig + `
sessions:
  window: 5
`))
		if err == nil {
			t.Fatal("expected error for unknown top-level field")
		}
	})

	t.Run("empty input yields validation errors, not a panic", func(t *testing.T) {
		_, err := LoadFromReader(strings.NewReader(""))
		if err == nil {
			t.Fatal("expected error for empty config")
		}
		if !strings.Contains(err.Error(), "provider.name is required") {
			t.Errorf("expected missing provider error, got %v", err)
		}
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Provider: ProviderConfig{
				ProviderEntry: ProviderEntry{Name: "openrouter", Model: "openai/gpt-4o"},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config passes",
			mutate: func(c *Config) {},
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Server.LogLevel = "verbose" },
			wantErr: "server.log_level",
		},
		{
			name:    "missing provider model",
			mutate:  func(c *Config) { c.Provider.Model = "" },
			wantErr: "provider.model is required",
		},
		{
			name:    "temperature out of range",
			mutate:  func(c *Config) { c.Provider.Temperature = 3.5 },
			wantErr: "provider.temperature",
		},
		{
			name:    "fallback without model",
			mutate:  func(c *Config) { c.Provider.Fallbacks = []ProviderEntry{{Name: "ollama"}} },
			wantErr: "provider.fallbacks[0].model is required",
		},
		{
			name: "threshold must exceed window",
			mutate: func(c *Config) {
				c.Session.ShortTermWindow = 30
				c.Session.CompactionThreshold = 30
			},
			wantErr: "compaction_threshold",
		},
		{
			name:    "invalid storage backend",
			mutate:  func(c *Config) { c.Storage.Backend = "s3" },
			wantErr: "storage.backend",
		},
		{
			name:    "postgres requires a dsn",
			mutate:  func(c *Config) { c.Storage.Backend = StoragePostgres },
			wantErr: "storage.postgres_dsn is required",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}
