// Command taleforge is an interactive story game driven by an LLM narrator.
// It runs a terminal chat loop over a persistent, self-summarising session.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/taleforge/taleforge/internal/config"
	"github.com/taleforge/taleforge/internal/observe"
	"github.com/taleforge/taleforge/internal/resilience"
	"github.com/taleforge/taleforge/internal/scenario"
	"github.com/taleforge/taleforge/internal/session"
	"github.com/taleforge/taleforge/internal/store"
	pgstore "github.com/taleforge/taleforge/internal/store/postgres"
	"github.com/taleforge/taleforge/internal/story"
	"github.com/taleforge/taleforge/pkg/provider/llm"
	"github.com/taleforge/taleforge/pkg/provider/llm/anyllm"
	oaiprovider "github.com/taleforge/taleforge/pkg/provider/llm/openai"
)

// openRouterBaseURL is the default endpoint when provider.name is "openrouter"
// and no base_url is configured.
const openRouterBaseURL = "https://openrouter.ai/api/v1"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "taleforge.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "taleforge: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "taleforge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("taleforge starting",
		"config", *configPath,
		"provider", cfg.Provider.Name,
		"model", cfg.Provider.Model,
		"storage", cfg.Storage.Backend,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	var metrics *observe.Metrics
	if cfg.Telemetry.Enabled {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "taleforge"})
		if err != nil {
			slog.Error("failed to initialise telemetry", "err", err)
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				slog.Warn("telemetry shutdown error", "err", err)
			}
		}()

		metrics, err = observe.NewMetrics(observe.MeterProvider())
		if err != nil {
			slog.Error("failed to create metrics", "err", err)
			return 1
		}
	}

	// ── Narrative provider (with fallbacks) ───────────────────────────────────
	provider, err := buildProvider(cfg)
	if err != nil {
		slog.Error("failed to build LLM provider", "err", err)
		return 1
	}

	// ── Storage ───────────────────────────────────────────────────────────────
	var backing story.Store
	switch cfg.Storage.Backend {
	case config.StoragePostgres:
		pg, err := pgstore.NewStore(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			slog.Error("failed to connect session store", "err", err)
			return 1
		}
		defer pg.Close()
		backing = pg
	default:
		backing = store.NewFileStore(cfg.Storage.Dir)
	}
	guard := session.NewGuard(backing, metrics)

	// ── Scenario and summariser ───────────────────────────────────────────────
	assembler := scenario.NewAssembler(cfg.Scenario.Dir)
	template, err := assembler.SummarisationTemplate(ctx)
	if err != nil {
		slog.Error("failed to load summarisation template", "err", err)
		return 1
	}

	summaryProvider := provider
	if cfg.Summariser.Model != "" && cfg.Summariser.Model != cfg.Provider.Model {
		entry := cfg.Provider.ProviderEntry
		entry.Model = cfg.Summariser.Model
		summaryProvider, err = buildSingleProvider(entry)
		if err != nil {
			slog.Error("failed to build summariser provider", "err", err)
			return 1
		}
	}
	summariser := session.NewLLMSummariser(summaryProvider, template,
		session.WithSummariserTemperature(cfg.Summariser.Temperature))
	keeper := scenario.NewCharacterKeeper(assembler, summaryProvider)

	// ── Session manager ───────────────────────────────────────────────────────
	manager := session.NewManager(provider, summariser, guard, assembler,
		session.WithMetrics(metrics),
		session.WithShortTermWindow(cfg.Session.ShortTermWindow),
		session.WithCompactionThreshold(cfg.Session.CompactionThreshold),
		session.WithTemperature(cfg.Provider.Temperature),
		session.WithMaxTokens(cfg.Provider.MaxTokens),
		session.WithCompactionHook(keeper.UpdateAll),
	)

	if err := repl(ctx, manager, keeper, guard, *configPath); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown: archive the session ────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := manager.Close(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildProvider constructs the primary provider plus configured fallbacks
// behind a circuit-breaking fallback group.
func buildProvider(cfg *config.Config) (llm.Provider, error) {
	primary, err := buildSingleProvider(cfg.Provider.ProviderEntry)
	if err != nil {
		return nil, err
	}
	if len(cfg.Provider.Fallbacks) == 0 {
		return primary, nil
	}

	group := resilience.NewLLMFallback(primary, cfg.Provider.Name, resilience.CircuitBreakerConfig{})
	for _, entry := range cfg.Provider.Fallbacks {
		fb, err := buildSingleProvider(entry)
		if err != nil {
			return nil, fmt.Errorf("fallback %q: %w", entry.Name, err)
		}
		group.AddFallback(entry.Name, fb)
		slog.Info("fallback provider registered", "name", entry.Name, "model", entry.Model)
	}
	return group, nil
}

// buildSingleProvider constructs one LLM backend from a config entry.
// "openrouter" and "openai" use the native OpenAI-compatible client; every
// other name goes through the any-llm multiplexer.
func buildSingleProvider(entry config.ProviderEntry) (llm.Provider, error) {
	switch entry.Name {
	case "openrouter":
		baseURL := entry.BaseURL
		if baseURL == "" {
			baseURL = openRouterBaseURL
		}
		return oaiprovider.New(entry.APIKey, entry.Model,
			oaiprovider.WithBaseURL(baseURL),
			oaiprovider.WithName("openrouter"),
		)
	case "openai":
		var opts []oaiprovider.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaiprovider.WithBaseURL(entry.BaseURL))
		}
		return oaiprovider.New(entry.APIKey, entry.Model, opts...)
	default:
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(entry.Name, entry.Model, opts...)
	}
}

// ── Interactive loop ──────────────────────────────────────────────────────────

// repl reads player input from stdin until EOF, /quit, or ctx cancellation.
// Plain lines become narrative turns; lines starting with "/" are commands.
func repl(ctx context.Context, manager *session.Manager, keeper *scenario.CharacterKeeper, guard *session.Guard, configPath string) error {
	fmt.Println("Taleforge — type your actions, /help for commands.")

	// Resume the previous session when one exists, otherwise begin fresh.
	err := manager.LoadLatest(ctx)
	switch {
	case err == nil:
		fmt.Println("\n(resuming your story)")
		printHistoryTail(manager)
	case errors.Is(err, story.ErrNotFound):
		opening, serr := manager.StartNew(ctx)
		if serr != nil {
			return serr
		}
		fmt.Printf("\n%s\n", opening)
	default:
		return err
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := runCommand(ctx, manager, keeper, line, configPath)
			if err != nil {
				fmt.Printf("error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		fmt.Println()
		_, err := manager.AddMessageStream(ctx, line, func(text string) {
			fmt.Print(text)
		})
		fmt.Println()
		if err != nil {
			reportTurnError(err)
		}
		if guard.IsDegraded() {
			fmt.Println("(warning: progress is not being saved — check storage)")
		}
	}
}

// runCommand dispatches a /-prefixed REPL command. The bool result is true
// when the loop should exit.
func runCommand(ctx context.Context, manager *session.Manager, keeper *scenario.CharacterKeeper, line string, configPath string) (bool, error) {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/help":
		fmt.Println(`/new              start a new story (the old one is archived)
/save             archive the current session
/saves            list archived sessions
/load <name>      load an archived session
/undo             remove the last exchange
/export [name]    export an archive (or the current story) to markdown
/character <name> generate a character sheet from the story so far
/quit             archive and exit`)
		return false, nil

	case "/new":
		if err := manager.Close(ctx); err != nil {
			return false, err
		}
		reloadSessionConfig(manager, configPath)
		opening, err := manager.StartNew(ctx)
		if err != nil {
			return false, err
		}
		fmt.Printf("\n%s\n", opening)
		return false, nil

	case "/save":
		name, err := manager.Save(ctx)
		if err != nil {
			return false, err
		}
		fmt.Printf("saved as %s\n", name)
		return false, nil

	case "/saves":
		names, err := manager.ListSaves(ctx)
		if err != nil {
			return false, err
		}
		if len(names) == 0 {
			fmt.Println("no saved sessions")
			return false, nil
		}
		for _, n := range names {
			fmt.Println(" ", n)
		}
		return false, nil

	case "/load":
		if arg == "" {
			return false, errors.New("usage: /load <name>")
		}
		reloadSessionConfig(manager, configPath)
		if err := manager.Load(ctx, arg); err != nil {
			return false, err
		}
		fmt.Println("(session loaded)")
		printHistoryTail(manager)
		return false, nil

	case "/undo":
		res := manager.UndoLastTurn(ctx)
		if !res.Success {
			fmt.Printf("cannot undo: %s\n", res.Reason)
			return false, nil
		}
		fmt.Println("(last exchange removed)")
		return false, nil

	case "/export":
		md, err := manager.ExportMarkdown(ctx, arg)
		if err != nil {
			return false, err
		}
		base := "current_session"
		if arg != "" {
			base = strings.TrimSuffix(arg, ".json")
		}
		if err := os.MkdirAll("exports", 0o755); err != nil {
			return false, err
		}
		out := filepath.Join("exports", base+".md")
		if err := os.WriteFile(out, []byte(md), 0o644); err != nil {
			return false, err
		}
		fmt.Printf("exported to %s\n", out)
		return false, nil

	case "/character":
		if arg == "" {
			return false, errors.New("usage: /character <name>")
		}
		if !manager.Started() {
			return false, errors.New("start a session first — the sheet is distilled from the story log")
		}
		path, err := keeper.Generate(ctx, arg, manager.StoryLog())
		if err != nil {
			return false, err
		}
		fmt.Printf("character sheet written to %s\n", path)
		return false, nil

	case "/quit":
		return true, nil

	default:
		return false, fmt.Errorf("unknown command %q — try /help", cmd)
	}
}

// reloadSessionConfig re-reads the config file at a session boundary and
// applies the session tuning to the running manager. A failed reload keeps
// the previous settings.
func reloadSessionConfig(manager *session.Manager, path string) {
	cfg, err := config.Load(path)
	if err != nil {
		slog.Warn("config reload failed, keeping previous settings", "err", err)
		return
	}
	manager.Reconfigure(
		session.WithShortTermWindow(cfg.Session.ShortTermWindow),
		session.WithCompactionThreshold(cfg.Session.CompactionThreshold),
		session.WithTemperature(cfg.Provider.Temperature),
		session.WithMaxTokens(cfg.Provider.MaxTokens),
	)
}

// printHistoryTail echoes the most recent narrator line so the player knows
// where the story stands.
func printHistoryTail(manager *session.Manager) {
	turns := manager.History()
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == story.RoleAssistant {
			fmt.Printf("\n%s\n", turns[i].Content)
			return
		}
	}
}

// reportTurnError translates a failed narrative turn into player-facing text.
func reportTurnError(err error) {
	if llm.IsCredentialError(err) {
		fmt.Println("error: the LLM provider rejected your credentials — check provider.api_key in the config")
		return
	}
	fmt.Printf("error: %v\n", err)
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
