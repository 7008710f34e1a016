// Vera is a conversational sales assistant for a vehicle-parts store.
//
// It serves the store's chat client over a WebSocket gateway, answers
// with a streamed model response, and can invoke one store tool per
// turn: inventory lookups, quotes, follow-up tasks, image analysis,
// activity logging, development requests, and customer corrections.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	vera serve               Start the gateway and back-office API
//	vera init [dir]          Create a workspace with default files
//	vera version             Print version and build information
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mgalvez/vera-agent/internal/agent"
	"github.com/mgalvez/vera-agent/internal/buildinfo"
	"github.com/mgalvez/vera-agent/internal/config"
	"github.com/mgalvez/vera-agent/internal/events"
	"github.com/mgalvez/vera-agent/internal/forge"
	"github.com/mgalvez/vera-agent/internal/gateway"
	"github.com/mgalvez/vera-agent/internal/ledger"
	"github.com/mgalvez/vera-agent/internal/llm"
	"github.com/mgalvez/vera-agent/internal/mqttmirror"
	"github.com/mgalvez/vera-agent/internal/notify"
	"github.com/mgalvez/vera-agent/internal/prompts"
	"github.com/mgalvez/vera-agent/internal/store"
	"github.com/mgalvez/vera-agent/internal/tools"
	"github.com/mgalvez/vera-agent/internal/web"

	_ "modernc.org/sqlite" // CGO-free SQLite driver for the ledger
)

// main constructs the OS-level environment and delegates to [run] so
// the full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments and dispatches. Arguments are parsed by hand:
// the flag package's package-level globals interfere with calling run
// concurrently from tests, and the surface here is tiny.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var logLevel string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-log-level" && i+1 < len(args):
			logLevel = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-log-level="):
			logLevel = strings.TrimPrefix(args[i], "-log-level=")
		case args[i] == "-version":
			fmt.Fprintln(stdout, buildinfo.String())
			return nil
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		case !strings.HasPrefix(args[i], "-"):
			cmdArgs = append(cmdArgs, args[i])
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath, logLevel)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintf(w, `%s

Usage:
  vera [-config path] [-log-level level] serve
                               Start the gateway and back-office API
  vera init [dir]              Create a workspace with default files
  vera version                 Print version and build information
`, buildinfo.String())
	return nil
}

func runServe(ctx context.Context, stdout io.Writer, configPath, logLevel string) error {
	path, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	})))

	slog.Info("starting", "version", buildinfo.Version, "config", path)

	// Conversation store (mattn driver, WAL).
	memory, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	defer memory.Close()

	// Business ledger (modernc driver).
	ledgerDB, err := sql.Open("sqlite", cfg.Ledger.Path)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer ledgerDB.Close()
	books, err := ledger.NewStore(ledgerDB)
	if err != nil {
		return err
	}

	client, err := buildClient(cfg)
	if err != nil {
		return err
	}
	if err := client.Ping(ctx); err != nil {
		slog.Warn("model provider unreachable at startup", "error", err)
	}

	visionModel := cfg.Models.Vision
	if visionModel == "" {
		visionModel = cfg.Models.Default
	}

	bus := events.New()

	// Mirror every internal event into the debug log.
	if level <= slog.LevelDebug {
		go func() {
			for ev := range bus.Subscribe(64) {
				slog.Debug("event", "source", ev.Source, "kind", ev.Kind, "data", ev.Data)
			}
		}()
	}

	opts := tools.Options{
		Ledger:         books,
		Memory:         memory,
		Vision:         client,
		VisionModel:    visionModel,
		HaltOutOfStock: cfg.Inventory.HaltOnOutOfStock,
	}
	if cfg.Forge.Enabled {
		fc, err := forge.New(forge.Config{
			Token: cfg.Forge.Token,
			Repo:  cfg.Forge.Repo,
			Label: cfg.Forge.Label,
		})
		if err != nil {
			return err
		}
		opts.Issues = fc
	}
	if cfg.SMTP.Enabled {
		opts.Mailer = notify.NewSMTPMailer(notify.Config{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			DevTeam:  splitAddresses(cfg.SMTP.DevTeam),
			StartTLS: cfg.SMTP.Port != 465,
		})
	}
	registry := tools.NewRegistry(opts)

	engine := agent.New(agent.Options{
		Client:        client,
		Model:         cfg.Models.Default,
		Registry:      registry,
		Memory:        memory,
		Bus:           bus,
		Persona:       prompts.LoadPersona(cfg.PersonaFile),
		HistoryLimit:  cfg.Chat.HistoryLimit,
		StreamTimeout: time.Duration(cfg.Chat.StreamTimeoutSec) * time.Second,
	})

	gw := gateway.New(engine, memory, bus, cfg.Chat.SendBuffer)

	addr := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	srv := web.New(addr, books, memory, bus, gw)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var mirror *mqttmirror.Mirror
	if cfg.MQTT.Enabled {
		mirror = mqttmirror.New(mqttmirror.Config{
			Broker:     cfg.MQTT.Broker,
			Username:   cfg.MQTT.Username,
			Password:   cfg.MQTT.Password,
			DeviceName: cfg.MQTT.DeviceName,
		}, bus)
		go func() {
			if err := mirror.Start(ctx); err != nil {
				slog.Error("mqtt mirror failed", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if mirror != nil {
		if err := mirror.Stop(shutdownCtx); err != nil {
			slog.Warn("mqtt mirror stop failed", "error", err)
		}
	}
	return srv.Shutdown(shutdownCtx)
}

// buildClient selects the model provider.
func buildClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.Models.Provider {
	case "", "ollama":
		return llm.NewOllamaClient(cfg.Models.OllamaURL), nil
	case "anthropic":
		if cfg.Anthropic.APIKey == "" {
			return nil, errors.New("anthropic provider requires anthropic.api_key")
		}
		return llm.NewAnthropicClient(cfg.Anthropic.APIKey, slog.Default()), nil
	default:
		return nil, fmt.Errorf("unknown model provider: %q", cfg.Models.Provider)
	}
}

// splitAddresses splits a comma-separated recipient list.
func splitAddresses(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
