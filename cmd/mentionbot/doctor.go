package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"mentionbot/internal/config"
	"mentionbot/internal/remote"
	"mentionbot/internal/store"

	"github.com/adhocore/gronx"
	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your mentionbot installation",
		Long: `Verifies that mentionbot's configuration, database, remote services and
sources are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("mentionbot doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var r doctorResult

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'mentionbot init' to create a default configuration.\n")
				return nil
			}
			r.pass("Config file", cfgPath)

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return r.summary()
			}
			r.pass("Config validation", "valid")

			// 3. Database writable and migrated
			if err := checkDatabase(cfg.Store.DBPath); err != nil {
				r.fail("Database", err.Error())
			} else {
				r.pass("Database", cfg.Store.DBPath)
			}

			// 4. Schedule
			if cfg.Poll.Cron != "" {
				next, err := gronx.NextTickAfter(cfg.Poll.Cron, time.Now(), false)
				if err != nil {
					r.fail("Schedule", err.Error())
				} else {
					r.pass("Schedule", fmt.Sprintf("cron %q, next %s", cfg.Poll.Cron, next.Format(time.RFC3339)))
				}
			} else {
				r.pass("Schedule", fmt.Sprintf("every %s", cfg.Poll.Interval()))
			}

			// 5. Remote services
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			agentClient := remote.NewAgent(remote.AgentConfig{APIBase: cfg.Agent.APIBase, APIKey: cfg.Agent.APIKey, Timeout: 5 * time.Second})
			if err := agentClient.Healthy(ctx); err != nil {
				r.warn("Agent service", err.Error())
			} else {
				r.pass("Agent service", cfg.Agent.APIBase)
			}
			ledgerClient := remote.NewLedger(remote.LedgerConfig{APIBase: cfg.Ledger.APIBase, APIKey: cfg.Ledger.APIKey, Timeout: 5 * time.Second})
			if err := ledgerClient.Healthy(ctx); err != nil {
				r.warn("Ledger service", err.Error())
			} else {
				r.pass("Ledger service", cfg.Ledger.APIBase)
			}

			// 6. Sources
			enabled := 0
			for name, on := range map[string]bool{
				"telegram": cfg.Sources.Telegram.Enabled,
				"slack":    cfg.Sources.Slack.Enabled,
				"discord":  cfg.Sources.Discord.Enabled,
				"file":     cfg.Sources.File.Enabled,
			} {
				if on {
					enabled++
					r.pass("Source: "+name, "enabled")
				}
			}
			if cfg.Sources.File.Enabled {
				if _, err := os.Stat(config.ExpandPath(cfg.Sources.File.Path)); err != nil {
					r.fail("Source: file", fmt.Sprintf("timeline not readable: %v", err))
				}
			}
			if enabled == 0 {
				r.fail("Sources", "no sources enabled")
			}

			// 7. Ops port
			if cfg.Ops.Enabled {
				if err := checkPort(cfg.Ops.Host, cfg.Ops.Port); err != nil {
					r.warn("Ops port", fmt.Sprintf("port %d may be in use: %v", cfg.Ops.Port, err))
				} else {
					r.pass("Ops port", fmt.Sprintf("%s:%d available", cfg.Ops.Host, cfg.Ops.Port))
				}
				if cfg.Ops.Token == "" {
					r.warn("Ops token", "not set; POST /replay and /cycle are unauthenticated")
				}
			}

			// 8. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(config.ExpandPath(cfg.General.LogFile)), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			return r.summary()
		},
	}
}

type doctorResult struct {
	passed, warned, failed int
}

func (r *doctorResult) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (r *doctorResult) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func (r *doctorResult) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func (r *doctorResult) summary() error {
	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		fmt.Printf("\nPlease fix the failed checks before running mentionbot.\n")
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	if r.warned > 0 {
		fmt.Printf("\nmentionbot should work but consider fixing the warnings.\n")
	} else {
		fmt.Printf("\nAll checks passed! mentionbot is ready to run.\n")
	}
	return nil
}

// checkDatabase opens the store, which runs migrations, and reports the
// schema version.
func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}
	st, err := store.Open(dbPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := store.SchemaVersion(st.DB()); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	return nil
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
