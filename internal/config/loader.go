package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [Validate] when the corresponding field is unset.
const (
	DefaultShortTermWindow     = 20
	DefaultCompactionThreshold = 30
	DefaultTemperature         = 0.8
	DefaultSummariserTemp      = 0.2
	DefaultStorageDir          = ".taleforge"
	DefaultScenarioDir         = "scenario"
)

// ValidProviderNames lists known LLM provider names. [Validate] warns about
// unrecognised names but does not reject them.
var ValidProviderNames = []string{
	"openrouter", "openai", "anthropic", "gemini", "ollama",
	"deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate applies defaults and checks that cfg contains a coherent set of
// values. It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider
	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	}
	validateProviderName("provider", cfg.Provider.Name)
	if cfg.Provider.Model == "" {
		errs = append(errs, errors.New("provider.model is required"))
	}
	if cfg.Provider.Temperature == 0 {
		cfg.Provider.Temperature = DefaultTemperature
	}
	if cfg.Provider.Temperature < 0 || cfg.Provider.Temperature > 2 {
		errs = append(errs, fmt.Errorf("provider.temperature %.2f is out of range [0, 2]", cfg.Provider.Temperature))
	}
	if cfg.Provider.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("provider.max_tokens %d must not be negative", cfg.Provider.MaxTokens))
	}
	for i, fb := range cfg.Provider.Fallbacks {
		prefix := fmt.Sprintf("provider.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		validateProviderName(prefix, fb.Name)
		if fb.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required", prefix))
		}
	}

	// Summariser
	if cfg.Summariser.Temperature == 0 {
		cfg.Summariser.Temperature = DefaultSummariserTemp
	}
	if cfg.Summariser.Temperature < 0 || cfg.Summariser.Temperature > 2 {
		errs = append(errs, fmt.Errorf("summariser.temperature %.2f is out of range [0, 2]", cfg.Summariser.Temperature))
	}

	// Session
	if cfg.Session.ShortTermWindow == 0 {
		cfg.Session.ShortTermWindow = DefaultShortTermWindow
	}
	if cfg.Session.CompactionThreshold == 0 {
		cfg.Session.CompactionThreshold = DefaultCompactionThreshold
	}
	if cfg.Session.ShortTermWindow < 1 {
		errs = append(errs, fmt.Errorf("session.short_term_window %d must be at least 1", cfg.Session.ShortTermWindow))
	}
	if cfg.Session.CompactionThreshold <= cfg.Session.ShortTermWindow {
		errs = append(errs, fmt.Errorf("session.compaction_threshold %d must exceed session.short_term_window %d",
			cfg.Session.CompactionThreshold, cfg.Session.ShortTermWindow))
	}

	// Storage
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = StorageFile
	}
	if !cfg.Storage.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("storage.backend %q is invalid; valid values: file, postgres", cfg.Storage.Backend))
	}
	if cfg.Storage.Backend == StorageFile && cfg.Storage.Dir == "" {
		cfg.Storage.Dir = DefaultStorageDir
	}
	if cfg.Storage.Backend == StoragePostgres && cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required when storage.backend is postgres"))
	}

	// Scenario
	if cfg.Scenario.Dir == "" {
		cfg.Scenario.Dir = DefaultScenarioDir
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// [ValidProviderNames].
func validateProviderName(field, name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", ValidProviderNames,
	)
}
