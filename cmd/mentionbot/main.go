package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"mentionbot/internal/config"
	"mentionbot/internal/ops"
	"mentionbot/internal/pipeline"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "mentionbot",
		Short: "Mentionbot: turns social mentions into ledger operations",
		Long:  "Mentionbot polls social media for mentions of its handle, parses each one into a command, runs it and replies in place.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json or config.yaml (default: ~/.mentionbot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(cycleCmd())
	root.AddCommand(simulateCmd())
	root.AddCommand(parseCmd())
	root.AddCommand(classifyCmd())
	root.AddCommand(replayCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(daemonCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config and reconfigures the package logger from it.
// The returned closer releases the log file, if any.
func loadConfig() (*config.Config, func(), error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	closer, err := setupLogger(cfg.General)
	if err != nil {
		return nil, nil, err
	}
	return cfg, closer, nil
}

func setupLogger(g config.GeneralConfig) (func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	var out io.Writer = os.Stderr
	closer := func() {}
	if g.LogFile != "" {
		path := config.ExpandPath(g.LogFile)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
		closer = func() { f.Close() }
	}
	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return closer, nil
}

func initCmd() *cobra.Command {
	var yamlFormat bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if configPath == "" && yamlFormat {
				cfgPath = strings.TrimSuffix(cfgPath, ".json") + ".yaml"
			}
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			dataDir := filepath.Dir(config.ExpandPath(cfg.Store.DBPath))
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "data", dataDir)
			fmt.Println("Enable at least one source under \"sources\" before running.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yamlFormat, "yaml", false, "write config.yaml instead of config.json")
	return cmd
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll enabled sources and answer mentions until interrupted",
		RunE:  runDaemon,
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	src, closers, err := buildSources(cfg)
	if err != nil {
		return err
	}
	a, err := buildApp(cfg, src, config.ExpandPath(cfg.Store.DBPath), closers...)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.pipeline.Restore(ctx); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}
	a.checkRemotes(ctx)

	sched, err := pipeline.NewScheduler(a.pipeline, pipeline.SchedulerConfig{
		Interval: cfg.Poll.Interval(),
		Cron:     cfg.Poll.Cron,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	var opsSrv *ops.Server
	if cfg.Ops.Enabled {
		opsSrv = ops.New(ops.Config{
			Host:     cfg.Ops.Host,
			Port:     cfg.Ops.Port,
			Token:    cfg.Ops.Token,
			Pipeline: a.pipeline,
			Bus:      a.events,
			Metrics:  a.metrics,
			Checks:   a.checks(),
			Logger:   logger,
		})
		go func() {
			if err := opsSrv.Start(ctx); err != nil {
				logger.Error("ops server error", "err", err)
			}
		}()
	}

	logger.Info("mentionbot started. Press Ctrl+C to stop.",
		"version", version, "source", src.Name(), "interval", cfg.Poll.Interval(), "cron", cfg.Poll.Cron)

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	// Block until shutdown signal
	<-ctx.Done()
	logger.Info("shutting down...")

	const shutdownTimeout = 10 * time.Second
	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil {
			return err
		}
		logger.Info("shutdown complete")
		return nil
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

func cycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run a single poll cycle against the enabled sources and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			src, closers, err := buildSources(cfg)
			if err != nil {
				return err
			}
			a, err := buildApp(cfg, src, config.ExpandPath(cfg.Store.DBPath), closers...)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.pipeline.Restore(ctx); err != nil {
				return fmt.Errorf("restore state: %w", err)
			}
			report, err := a.pipeline.RunCycle(ctx)
			printJSON(report)
			return err
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. poll.intervalSeconds)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			printJSON(val)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. poll.cron \"*/5 * * * *\")",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			printJSON(config.ListPaths(config.Sanitize(cfg)))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
