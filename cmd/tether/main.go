package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/zette-dev/tether/internal/bot"
	"github.com/zette-dev/tether/internal/config"
	"github.com/zette-dev/tether/internal/executor"
	"github.com/zette-dev/tether/internal/executor/claude"
	"github.com/zette-dev/tether/internal/executor/gemini"
	"github.com/zette-dev/tether/internal/prompt"
	"github.com/zette-dev/tether/internal/session"
)

func main() {
	app := &cli.App{
		Name:  "tether",
		Usage: "Bridge Telegram chats to AI coding CLIs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML config file",
				Value:   "config.yaml",
				EnvVars: []string{"TETHER_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override log.level (debug, info, warn, error)",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("tether exited", "error", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	level := cfg.Log.Level
	if c.IsSet("log-level") {
		level = c.String("log-level")
	}
	setupLogging(level)

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	systemPrompt := prompt.NewFile(cfg.Backend.SystemPromptPath)
	go func() {
		if err := systemPrompt.Watch(ctx); err != nil {
			slog.Warn("system prompt watch stopped", "error", err)
		}
	}()

	backend := newBackend(cfg.Backend)
	mgr := session.NewManager(backend, session.Options{
		WorkDir:       cfg.WorkDir,
		QuietInterval: cfg.Session.QuietInterval,
		Prompt:        systemPrompt,
	})
	defer mgr.Shutdown()

	tg, err := bot.New(cfg.Telegram, cfg.Session, mgr)
	if err != nil {
		return err
	}
	mgr.SetHandlers(tg.Handlers())

	go session.NewReaper(mgr, cfg.Session.IdleTimeout, cfg.Session.SweepInterval).Run(ctx)

	slog.Info("tether starting",
		"backend", backend.Name(),
		"work_dir", cfg.Backend.WorkDir,
		"idle_timeout", cfg.Session.IdleTimeout,
		"allowed_users", len(cfg.Telegram.AllowedUserIDs),
	)
	tg.Start(ctx)
	slog.Info("tether shutting down")
	return nil
}

func newBackend(cfg config.BackendConfig) executor.Backend {
	switch cfg.Name {
	case "gemini":
		return gemini.New(gemini.Options{
			Path:         cfg.Path,
			Model:        cfg.Model,
			ApprovalMode: cfg.PermissionMode,
			ExtraArgs:    cfg.ExtraArgs,
		})
	default:
		return claude.New(claude.Options{
			Path:           cfg.Path,
			Model:          cfg.Model,
			PermissionMode: cfg.PermissionMode,
			ExtraArgs:      cfg.ExtraArgs,
		})
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		fmt.Fprintf(os.Stderr, "unknown log level %q, using info\n", level)
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
