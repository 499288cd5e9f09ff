// Postself is the generation pipeline behind a future-self letters
// product: a user writes one letter to their future self, AI personas
// write back, a short conversation follows, and a WOOP summary report
// closes the loop.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	postselfd serve                          Run the worker daemon
//	postselfd submit <user> <text...>        Submit a letter and wait for replies
//	postselfd chat <user> <persona> <text..> Send one chat turn
//	postselfd report <user>                  Request a report and wait for it
//	postselfd version                        Print version and build information
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/postself/postself/internal/buildinfo"
	"github.com/postself/postself/internal/chat"
	"github.com/postself/postself/internal/compose"
	"github.com/postself/postself/internal/config"
	"github.com/postself/postself/internal/embeddings"
	"github.com/postself/postself/internal/events"
	"github.com/postself/postself/internal/letters"
	"github.com/postself/postself/internal/llm"
	"github.com/postself/postself/internal/memory"
	"github.com/postself/postself/internal/queue"
	"github.com/postself/postself/internal/reports"
	"github.com/postself/postself/internal/securetext"
	"github.com/postself/postself/internal/store"
	"github.com/postself/postself/internal/woop"
	"github.com/postself/postself/internal/worker"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the full
// lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the postselfd command. Arguments are
// parsed by hand; the flag package's package-level state gets in the
// way of calling run concurrently from tests.
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
	case "submit":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: postselfd submit <user> <text...>")
		}
		return runSubmit(ctx, stdout, configPath, cmdArgs[0], strings.Join(cmdArgs[1:], " "))
	case "chat":
		if len(cmdArgs) < 3 {
			return fmt.Errorf("usage: postselfd chat <user> <persona> <text...>")
		}
		return runChat(ctx, stdout, configPath, cmdArgs[0], cmdArgs[1], strings.Join(cmdArgs[2:], " "))
	case "report":
		if len(cmdArgs) < 1 {
			return fmt.Errorf("usage: postselfd report <user>")
		}
		return runReport(ctx, stdout, configPath, cmdArgs[0])
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
	info := buildinfo.Info()
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

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Postself - future-self letters pipeline")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: postselfd [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                           Run the worker daemon")
	fmt.Fprintln(w, "  submit <user> <text...>         Submit a letter and wait for replies")
	fmt.Fprintln(w, "  chat <user> <persona> <text..>  Send one chat turn to a persona")
	fmt.Fprintln(w, "  report <user>                   Request a WOOP report and wait for it")
	fmt.Fprintln(w, "  version                         Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used. Returns the parsed
// config, the path that was loaded, and any error.
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
		return nil, cfgPath, fmt.Errorf("validate config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// pipeline bundles everything a subcommand needs. All subcommands run
// the same stack; serve just runs it until signalled.
type pipeline struct {
	cfg       *config.Config
	store     *store.Store
	retriever *memory.Retriever
	composer  *compose.Composer
	bus       *events.Bus
	letters   *letters.Service
	chat      *chat.Service
	reports   *reports.Service
	worker    *worker.Worker
	memq      *queue.Memory // nil when the MQTT transport is active
	mqtt      *queue.MQTT   // nil in single-node mode
	close     func()
}

// buildPipeline opens the database and wires the full service stack.
// With a broker configured, jobs travel over MQTT; otherwise an
// in-process queue serves the whole pipeline.
func buildPipeline(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pipeline, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	dbPath := cfg.DataDir + "/postself.db"
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}

	codec, err := securetext.New(cfg.EncryptionKey)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("encryption key: %w", err)
	}

	st, err := store.New(db, codec, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	logger.Info("database opened", "path", dbPath)

	bus := events.New()
	embedder := embeddings.New(cfg.Embeddings)
	retriever := memory.NewRetriever(st, embedder, logger)
	llmClient := llm.NewOpenAIClient(cfg.Provider, logger)
	composer := compose.New(st, llmClient, retriever, cfg.Chat, logger)

	p := &pipeline{
		cfg:       cfg,
		store:     st,
		retriever: retriever,
		composer:  composer,
		bus:       bus,
	}

	var q queue.Queue
	if cfg.Queue.Broker != "" {
		var w *worker.Worker
		mq := queue.NewMQTT(cfg.Queue, func(ctx context.Context, job queue.Job) {
			w.Handle(ctx, job)
		}, bus, logger)
		if err := mq.Start(ctx); err != nil {
			db.Close()
			return nil, err
		}
		w = worker.New(st, composer, retriever, mq, bus, cfg.Jobs, logger)
		p.worker = w
		p.mqtt = mq
		q = mq
	} else {
		memq := queue.NewMemory(64, logger)
		p.worker = worker.New(st, composer, retriever, memq, bus, cfg.Jobs, logger)
		p.memq = memq
		q = memq
	}

	p.letters = letters.NewService(st, retriever, q, bus, logger)
	p.chat = chat.NewService(st, composer, bus, cfg.Chat, logger)
	p.reports = reports.NewService(st, q, bus, logger)

	p.close = func() {
		if p.mqtt != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			p.mqtt.Stop(stopCtx)
			cancel()
		}
		if p.memq != nil {
			p.memq.Close()
		}
		db.Close()
	}
	return p, nil
}

// runServe is the primary operating mode: run the worker pool until
// SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting postself", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.LogLevel != "" {
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stdout, level)
	}
	logger.Info("config loaded", "path", cfgPath, "broker", cfg.Queue.Broker, "workers", cfg.Jobs.Workers)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer p.close()

	// Surface pipeline events in the log stream.
	evts := p.bus.Subscribe(64)
	defer p.bus.Unsubscribe(evts)
	go func() {
		for e := range evts {
			logger.Debug("pipeline event", "source", e.Source, "kind", e.Kind)
		}
	}()

	if p.memq != nil {
		logger.Info("worker pool started", "workers", cfg.Jobs.Workers, "transport", "in-process")
		p.worker.RunPool(ctx, p.memq, cfg.Jobs.Workers)
	} else {
		logger.Info("worker started", "transport", "mqtt", "broker", cfg.Queue.Broker)
		<-ctx.Done()
	}

	logger.Info("shutting down")
	return nil
}

// runSubmit submits a letter for a user, drives the pipeline locally,
// and prints the persona replies once they are ready.
func runSubmit(ctx context.Context, stdout io.Writer, configPath, userID, text string) error {
	logger := newLogger(stdout, slog.LevelWarn)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	p, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer p.close()

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if p.memq != nil {
		go p.worker.RunPool(workCtx, p.memq, cfg.Jobs.Workers)
	}

	letter, err := p.letters.Submit(ctx, userID, text)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	fmt.Fprintf(stdout, "letter %s submitted, waiting for replies...\n", letter.ID)

	if err := waitFor(ctx, func() (bool, error) {
		l, err := p.letters.Status(ctx, userID)
		if err != nil {
			return false, err
		}
		if l.Status == store.LetterFailed {
			return false, fmt.Errorf("letter processing failed")
		}
		return l.Status == store.LetterRepliesReady, nil
	}); err != nil {
		return err
	}

	entries, err := p.letters.Inbox(ctx, userID)
	if err != nil {
		return fmt.Errorf("inbox: %w", err)
	}
	for _, e := range entries {
		fmt.Fprintf(stdout, "\n--- %s ---\n%s\n", e.ProfileName, e.Reply.Content)
	}
	return nil
}

// runChat sends one turn to a persona and prints the answer.
func runChat(ctx context.Context, stdout io.Writer, configPath, userID, profileID, text string) error {
	logger := newLogger(stdout, slog.LevelWarn)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	p, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer p.close()

	turn, err := p.chat.Send(ctx, userID, profileID, text)
	if errors.Is(err, chat.ErrMessageLimitExceeded) {
		return fmt.Errorf("message limit exceeded for this persona")
	}
	if err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	fmt.Fprintln(stdout, turn.AgentMessage.Content)
	fmt.Fprintf(stdout, "(%d turns left)\n", turn.TurnsLeft)
	return nil
}

// runReport requests a WOOP report, drives the pipeline locally, and
// prints the extracted summary.
func runReport(ctx context.Context, stdout io.Writer, configPath, userID string) error {
	logger := newLogger(stdout, slog.LevelWarn)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	p, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer p.close()

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if p.memq != nil {
		go p.worker.RunPool(workCtx, p.memq, cfg.Jobs.Workers)
	}

	report, err := p.reports.Request(ctx, userID, reports.Scope{})
	if errors.Is(err, reports.ErrReportInProgress) {
		fmt.Fprintln(stdout, "a report is already generating, waiting for it...")
	} else if err != nil {
		return fmt.Errorf("request report: %w", err)
	} else {
		fmt.Fprintf(stdout, "report %s requested, waiting...\n", report.ID)
	}

	if err := waitFor(ctx, func() (bool, error) {
		r, err := p.reports.Status(ctx, userID)
		if err != nil {
			return false, err
		}
		if r.Status == store.ReportFailed {
			return false, fmt.Errorf("report generation failed")
		}
		return r.Status == store.ReportReady, nil
	}); err != nil {
		return err
	}

	view, err := p.reports.Read(ctx, userID)
	if err != nil {
		return fmt.Errorf("read report: %w", err)
	}
	printSummary(stdout, view.Summary)
	return nil
}

func printSummary(w io.Writer, s woop.Summary) {
	fmt.Fprintf(w, "Wish:     %s\n", s.Wish)
	fmt.Fprintf(w, "Outcome:  %s\n", s.Outcome)
	fmt.Fprintf(w, "Obstacle: %s\n", s.Obstacle)
	fmt.Fprintf(w, "Plan:     %s\n", s.Plan)
}

// waitFor polls check every second until it reports done, fails, or
// ctx expires.
func waitFor(ctx context.Context, check func() (bool, error)) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		done, err := check()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
