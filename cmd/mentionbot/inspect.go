package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mentionbot/internal/config"
	"mentionbot/internal/idempotency"
	"mentionbot/internal/intent"
	"mentionbot/internal/remote"
	"mentionbot/internal/source"
	"mentionbot/internal/store"

	"github.com/spf13/cobra"
)

// configOrDefaults is for commands that work without a config file.
func configOrDefaults() *config.Config {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not loaded, using defaults", "path", cfgPath, "err", err)
		return config.Defaults()
	}
	return cfg
}

func newParser(cfg *config.Config) *intent.Parser {
	return intent.New(intent.Config{
		BotHandle:    cfg.General.BotHandle,
		NativeSymbol: cfg.General.NativeSymbol,
	})
}

func simulateCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "simulate <file>",
		Short: "Run one cycle over a YAML timeline and print the replies",
		Long: `Loads mentions from a YAML file, runs a single cycle against the configured
agent and ledger services, and prints each reply instead of posting it.
State goes to a throwaway database unless --db is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configOrDefaults()
			mem, err := source.LoadMemoryFile(args[0])
			if err != nil {
				return err
			}

			if dbPath == "" {
				dir, err := os.MkdirTemp("", "mentionbot-simulate-")
				if err != nil {
					return err
				}
				defer os.RemoveAll(dir)
				dbPath = filepath.Join(dir, "simulate.db")
			}
			a, err := buildApp(cfg, mem, dbPath)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if err := a.pipeline.Restore(ctx); err != nil {
				return err
			}
			report, err := a.pipeline.RunCycle(ctx)
			if err != nil {
				return err
			}
			for _, r := range mem.Replies() {
				fmt.Printf("%s\n  %s\n", r.MentionID, strings.ReplaceAll(r.Text, "\n", "\n  "))
			}
			fmt.Printf("\nfetched=%d handled=%d skipped=%d replied=%d duplicates=%d\n",
				report.Fetched, report.Handled, report.Skipped, report.Replied, report.Duplicates)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "keep simulation state in this database")
	return cmd
}

func parseCmd() *cobra.Command {
	var explain bool
	cmd := &cobra.Command{
		Use:   "parse <text>",
		Short: "Show the command a mention text parses to",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newParser(configOrDefaults())
			c, rule := p.Explain(strings.Join(args, " "))
			out := map[string]any{"kind": c.Kind(), "command": c}
			if explain {
				out["rule"] = rule
			}
			printJSON(out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&explain, "explain", false, "also print the rule that matched")
	return cmd
}

func classifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <text>",
		Short: "Show whether a text is a balance query and of what",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			printJSON(newParser(configOrDefaults()).Classify(strings.Join(args, " ")))
			return nil
		},
	}
}

func replayCmd() *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "replay <mention-id>",
		Short: "Forget a processed mention so the next cycle handles it again",
		Long: `Asks the running daemon's ops server to forget the mention. With --local, or
when the ops server is disabled, edits the database directly; only do that
while the daemon is stopped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Ops.Enabled && !local {
				return replayRemote(cmd.Context(), cfg.Ops, args[0])
			}
			return replayLocal(cmd.Context(), cfg, args[0])
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "edit the database instead of calling the ops server")
	return cmd
}

func replayRemote(ctx context.Context, oc config.OpsConfig, id string) error {
	body, _ := json.Marshal(map[string]string{"id": id})
	u := url.URL{Scheme: "http", Host: fmt.Sprintf("%s:%d", oc.Host, oc.Port), Path: "/replay"}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if oc.Token != "" {
		req.Header.Set("Authorization", "Bearer "+oc.Token)
	}
	resp, err := remote.SharedHTTPClient(10 * time.Second).Do(req)
	if err != nil {
		return fmt.Errorf("ops server: %w", err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ops server: %s: %v", resp.Status, out["error"])
	}
	printJSON(out)
	return nil
}

func replayLocal(ctx context.Context, cfg *config.Config, id string) error {
	st, err := store.Open(config.ExpandPath(cfg.Store.DBPath), logger)
	if err != nil {
		return err
	}
	defer st.Close()

	recs, err := st.LoadProcessed(ctx)
	if err != nil {
		return err
	}
	tracker := idempotency.New(idempotency.Config{MaxEntries: cfg.Idempotency.MaxEntries})
	tracker.Restore(recs)
	present := tracker.ForceReprocess(id)
	if present {
		if err := st.SaveProcessed(ctx, tracker.Snapshot()); err != nil {
			return err
		}
	}
	printJSON(map[string]any{"id": id, "was_processed": present})
	return nil
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <handle>",
		Short: "Show recent mentions from a handle and the replies sent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st, err := store.Open(config.ExpandPath(cfg.Store.DBPath), logger)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			handle := strings.TrimPrefix(args[0], "@")
			logs, err := st.MentionHistory(ctx, handle, limit)
			if err != nil {
				return err
			}
			txs, err := st.Transactions(ctx, handle, limit)
			if err != nil {
				return err
			}
			account, err := st.AccountID(ctx, handle)
			if err != nil {
				return err
			}
			printJSON(map[string]any{
				"handle":       handle,
				"account":      account,
				"mentions":     logs,
				"transactions": txs,
			})
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum entries per list")
	return cmd
}
