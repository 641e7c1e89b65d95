// Hearth answers questions about a Home Assistant home.
//
// It watches a text entity for new commands, assembles context for
// each one (time window, relevant entities, their history and live
// values, recent conversation), asks a language model, and publishes
// the answer back into Home Assistant as an event. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]) or from add-on options.
//
// Usage:
//
//	hearth serve                 Watch the prompt entity and answer commands
//	hearth ask <question>        Answer one question and print the reply
//	hearth context <question>    Print the assembled context without calling the model
//	hearth init [dir]            Write an example config and lexicon
//	hearth version               Print version and build information
//	hearth -o json version       Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/hearth/internal/agent"
	"github.com/nugget/hearth/internal/assembler"
	"github.com/nugget/hearth/internal/buildinfo"
	"github.com/nugget/hearth/internal/catalog"
	"github.com/nugget/hearth/internal/config"
	"github.com/nugget/hearth/internal/haconfig"
	"github.com/nugget/hearth/internal/connwatch"
	"github.com/nugget/hearth/internal/history"
	"github.com/nugget/hearth/internal/homeassistant"
	"github.com/nugget/hearth/internal/lexicon"
	"github.com/nugget/hearth/internal/llm"
	"github.com/nugget/hearth/internal/memory"
	"github.com/nugget/hearth/internal/mqtt"
	"github.com/nugget/hearth/internal/opstate"
	"github.com/nugget/hearth/internal/publish"
	"github.com/nugget/hearth/internal/relevance"
	"github.com/nugget/hearth/internal/timewindow"
	"github.com/nugget/hearth/internal/trigger"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates to [run]. Invalid configuration exits with status 2 so a
// supervisor can tell it apart from a runtime failure.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		if errors.Is(err, config.ErrInvalid) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand so that
// run can be called concurrently from tests without flag globals.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: hearth ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, strings.Join(cmdArgs, " "))
	case "context":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: hearth context <question>")
		}
		return runContext(ctx, stdout, stderr, configPath, outputFmt, strings.Join(cmdArgs, " "))
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Hearth - Home Assistant question answering agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: hearth [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Watch the prompt entity and answer commands")
	fmt.Fprintln(w, "  ask          Answer one question and print the reply (not published)")
	fmt.Fprintln(w, "  context      Print the context assembled for a question")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml and lexicon.yaml")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// loadConfig finds, loads and validates the configuration.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	// Relative paths in the file are relative to the file.
	base := filepath.Dir(cfgPath)
	if !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(base, cfg.DataDir)
	}
	if cfg.Context.LexiconFile != "" && !filepath.IsAbs(cfg.Context.LexiconFile) {
		cfg.Context.LexiconFile = filepath.Join(base, cfg.Context.LexiconFile)
	}
	if cfg.Context.ConfigDir != "" && !filepath.IsAbs(cfg.Context.ConfigDir) {
		cfg.Context.ConfigDir = filepath.Join(base, cfg.Context.ConfigDir)
	}
	return cfg, cfgPath, nil
}

// app holds the components shared by every subcommand.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	ha       *homeassistant.Client
	loc      *time.Location
	gen      llm.Generator
	memory   memory.Log
	fanout   *publish.Fanout
	haSink   *publish.HASink
	agent    *agent.Agent
	state    *opstate.Store // nil without a database
	closeMem func() error
}

// newApp wires the turn pipeline. It performs one Home Assistant read
// to learn the home's time zone and falls back to UTC when that fails.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, closeMem: func() error { return nil }}

	a.ha = homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, cfg.HomeAssistant.Timeout(), logger)

	a.loc = time.UTC
	tzCtx, tzCancel := context.WithTimeout(ctx, 10*time.Second)
	haCfg, err := a.ha.GetConfig(tzCtx)
	tzCancel()
	if err != nil {
		logger.Warn("could not read Home Assistant config, rendering times in UTC", "error", err)
	} else {
		a.loc = haCfg.Location()
		logger.Info("connected to Home Assistant",
			"url", cfg.HomeAssistant.URL,
			"version", haCfg.Version,
			"location", haCfg.LocationName,
			"time_zone", a.loc.String(),
		)
	}

	lex := lexicon.Default()
	if cfg.Context.LexiconFile != "" {
		lex, err = lexicon.LoadFile(cfg.Context.LexiconFile)
		if err != nil {
			return nil, fmt.Errorf("load lexicon: %w", err)
		}
		logger.Info("lexicon loaded", "path", cfg.Context.LexiconFile, "version", lex.Version)
	}

	if cfg.Memory.Path != "" {
		path := cfg.Memory.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.DataDir, path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create memory directory: %w", err)
		}
		store, err := memory.NewSQLiteStore(path, cfg.Memory.MaxTurns)
		if err != nil {
			return nil, fmt.Errorf("open memory database %s: %w", path, err)
		}
		a.memory = store
		a.state, err = opstate.NewStore(path)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("open state table %s: %w", path, err)
		}
		a.closeMem = func() error {
			return errors.Join(a.state.Close(), store.Close())
		}
		logger.Info("memory database opened", "path", path, "max_turns", cfg.Memory.MaxTurns)
	} else {
		a.memory = memory.NewStore(cfg.Memory.MaxTurns)
	}

	fetchOpts := []history.FetcherOption{
		history.WithTimeout(cfg.Context.HistoryTimeout()),
		history.WithBand(cfg.Context.PointBand()),
		history.WithLogger(logger.With("component", "history")),
	}
	if cfg.HomeAssistant.HasFallback() {
		fallback := homeassistant.NewClient(cfg.HomeAssistant.FallbackURL, cfg.HomeAssistant.FallbackToken, cfg.HomeAssistant.Timeout(), logger)
		fetchOpts = append(fetchOpts, history.WithFallback(fallback))
	}

	var configFiles *haconfig.Reader
	if dir := cfg.Context.ConfigDir; dir != "" {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			logger.Warn("config_dir is not a readable directory, configuration files will report read errors", "config_dir", dir, "error", err)
		}
		configFiles = haconfig.New(dir, lex, cfg.Context.ConfigMaxBytes, logger.With("component", "haconfig"))
		logger.Info("configuration files enabled", "config_dir", dir, "rules", len(lex.ConfigFiles))
	}

	asm := assembler.New(assembler.Config{
		Resolver: timewindow.NewResolver(lex),
		Scorer: relevance.NewScorer(lex,
			relevance.WithMaxCandidates(cfg.Context.MaxEntities),
			relevance.WithExclude(cfg.Context.Exclude...),
			relevance.WithLogger(logger.With("component", "relevance")),
		),
		Fetcher:     history.NewFetcher(a.ha, fetchOpts...),
		Summarizer:  history.NewSummarizer(cfg.Context.PointBand(), cfg.Context.MaxLinesPerEntity),
		Catalog:     catalog.New(a.ha, logger.With("component", "catalog")),
		Memory:      a.memory,
		ConfigFiles: configFiles,
		Location:    a.loc,
		RenderTurns: cfg.Memory.RenderTurns,
		Logger:      logger.With("component", "assembler"),
	})

	a.gen, err = llm.New(cfg.LLM, logger)
	if err != nil {
		_ = a.closeMem()
		return nil, err
	}

	a.fanout = publish.NewFanout(logger)
	a.haSink = publish.NewHASink(a.ha, cfg.Agent.ResultEvent, cfg.Agent.Notify, cfg.Agent.NotifyTitle, logger)
	a.fanout.Add("homeassistant", a.haSink)

	a.agent = agent.New(agent.Config{
		Assembler:  asm,
		LLM:        a.gen,
		Sink:       a.fanout,
		Notifier:   a.haSink,
		Location:   a.loc,
		LLMTimeout: cfg.LLM.Timeout(),
		Logger:     logger.With("component", "agent"),
	})
	return a, nil
}

func (a *app) Close() error {
	return a.closeMem()
}

// stateNamespace holds per-entity trigger state in the opstate table.
const stateNamespace = "trigger"

// restoreDebouncer seeds debouncer with the last command recorded for
// entity and persists every new one.
func restoreDebouncer(ctx context.Context, store *opstate.Store, debouncer *trigger.Debouncer, entity string, logger *slog.Logger) {
	last, err := store.Get(ctx, stateNamespace, entity)
	if err != nil {
		logger.Warn("could not read last command", "entity_id", entity, "error", err)
	} else if last != "" {
		debouncer.Restore(last)
		logger.Debug("last command restored", "entity_id", entity, "utterance", last)
	}

	debouncer.OnRecord(func(value string) {
		if err := store.Set(context.WithoutCancel(ctx), stateNamespace, entity, value); err != nil {
			logger.Warn("could not save last command", "entity_id", entity, "error", err)
		}
	})
}

// runAsk answers a single question and prints the reply. Nothing is
// published to Home Assistant.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, question string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(stderr, slog.LevelWarn, cfg.LogFormat)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	answer := a.agent.Ask(ctx, question)
	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(answer)
	}
	fmt.Fprintln(stdout, answer.Reply)
	return nil
}

// runContext prints what the model would see for question.
func runContext(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, question string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(stderr, slog.LevelWarn, cfg.LogFormat)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	c := a.agent.Context(ctx, question)
	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(c)
	}

	fmt.Fprintf(stdout, "Window:     %s\n", c.Window)
	fmt.Fprintf(stdout, "Candidates: %s\n", strings.Join(c.Candidates, ", "))
	fmt.Fprintf(stdout, "History:    %s (%s)\n", c.HistoryOutcome, c.HistorySource)
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "## Conversation")
	fmt.Fprintln(stdout, c.MemoryText)
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "## History")
	fmt.Fprintln(stdout, c.HistoryText)
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "## Live")
	fmt.Fprintln(stdout, c.LiveText)
	if c.ConfigText != "" {
		fmt.Fprintln(stdout)
		fmt.Fprintf(stdout, "## Configuration (%s)\n", strings.Join(c.ConfigFiles, ", "))
		fmt.Fprintln(stdout, c.ConfigText)
	}
	return nil
}

// runServe is the primary operating mode. It watches the prompt entity
// and answers each new command until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Hearth", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Validate already accepted the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"prompt_entity", cfg.Agent.PromptEntity,
		"trigger", cfg.Agent.Trigger,
		"provider", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
		"fallback", cfg.HomeAssistant.HasFallback(),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)

	// --- MQTT ---
	// Registered on the fanout before any turn can run.
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance ID: %w", err)
		}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, a.loc, logger.With("component", "mqtt"))
		a.fanout.Add("mqtt", mqttPub)
		g.Go(func() error { return mqttPub.Start(gctx) })

		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"accept_questions", cfg.MQTT.AcceptQuestions,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	handle := func(ctx context.Context, utterance, source string) {
		a.agent.Handle(ctx, utterance, source)
	}
	debouncer := trigger.NewDebouncer(cfg.Agent.SkipInitialValue())
	if a.state != nil {
		restoreDebouncer(ctx, a.state, debouncer, cfg.Agent.PromptEntity, logger)
	}

	// --- Home Assistant health and trigger ---
	var ws *homeassistant.WSClient
	var sub *subscription
	if cfg.Agent.Trigger == "websocket" {
		ws = homeassistant.NewWSClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger.With("component", "websocket"))
		defer ws.Close()
		sub = newSubscription(ws, "state_changed", logger.With("component", "websocket"))
	}

	haWatcher := connwatch.New(connwatch.Config{
		Name:  "homeassistant",
		Check: a.ha.Ping,
		OnReady: func() {
			if sub != nil {
				_ = sub.onReady(gctx)
			}
		},
		Logger: logger,
	})
	a.ha.SetWatcher(haWatcher)
	g.Go(func() error { return haWatcher.Run(gctx) })

	if ollama, ok := a.gen.(*llm.OllamaClient); ok {
		ollamaWatcher := connwatch.New(connwatch.Config{
			Name:   "ollama",
			Check:  ollama.Ping,
			Logger: logger,
		})
		g.Go(func() error { return ollamaWatcher.Run(gctx) })
	}

	if ws != nil {
		stream := trigger.NewStream(ws.Events(), cfg.Agent.PromptEntity, cfg.Agent.TriggersPerMinute, a.ha, debouncer, handle, logger)
		g.Go(func() error { return stream.Run(gctx) })
	} else {
		poller := trigger.NewPoller(a.ha, cfg.Agent.PromptEntity, cfg.Agent.PollInterval(), debouncer, handle, logger)
		g.Go(func() error { return poller.Run(gctx) })
	}

	if mqttPub != nil && mqttPub.Questions() != nil {
		g.Go(func() error {
			return trigger.RunQuestions(gctx, mqttPub.Questions(), handle, logger.With("component", "questions"))
		})
	}

	err = g.Wait()
	logger.Info("Hearth stopped")
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
