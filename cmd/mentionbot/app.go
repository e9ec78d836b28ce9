package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"mentionbot/internal/account"
	"mentionbot/internal/bus"
	"mentionbot/internal/config"
	"mentionbot/internal/dispatch"
	"mentionbot/internal/domain"
	"mentionbot/internal/idempotency"
	"mentionbot/internal/intent"
	"mentionbot/internal/metrics"
	"mentionbot/internal/ops"
	"mentionbot/internal/pipeline"
	"mentionbot/internal/remote"
	"mentionbot/internal/reply"
	"mentionbot/internal/source"
	"mentionbot/internal/store"
)

// app holds everything a cycle needs.
type app struct {
	cfg      *config.Config
	store    *store.Store
	agent    *remote.Agent
	ledger   *remote.Ledger
	accounts *account.Service
	parser   *intent.Parser
	events   *bus.EventBus
	metrics  *metrics.Recorder
	pipeline *pipeline.Pipeline
	closers  []io.Closer
}

// buildSources returns the enabled sources combined into one, plus the ones
// that hold connections open.
func buildSources(cfg *config.Config) (*source.Multi, []io.Closer, error) {
	var (
		sources []domain.MentionSource
		closers []io.Closer
	)
	sc := cfg.Sources
	if sc.Telegram.Enabled {
		sources = append(sources, source.NewTelegram(source.TelegramConfig{
			Token:     sc.Telegram.Token,
			AllowFrom: sc.Telegram.AllowFrom,
			Logger:    logger,
		}))
	}
	if sc.Slack.Enabled {
		sources = append(sources, source.NewSlack(source.SlackConfig{
			BotToken: sc.Slack.BotToken,
			Channels: sc.Slack.Channels,
			Logger:   logger,
		}))
	}
	if sc.Discord.Enabled {
		d := source.NewDiscord(source.DiscordConfig{
			Token:   sc.Discord.Token,
			GuildID: sc.Discord.GuildID,
			Buffer:  sc.Discord.Buffer,
			Logger:  logger,
		})
		sources = append(sources, d)
		closers = append(closers, d)
	}
	if sc.File.Enabled {
		m, err := source.LoadMemoryFile(config.ExpandPath(sc.File.Path))
		if err != nil {
			return nil, nil, fmt.Errorf("file source: %w", err)
		}
		sources = append(sources, m)
	}
	if len(sources) == 0 {
		return nil, nil, errors.New("no sources enabled; enable one under \"sources\" in the config")
	}
	return source.NewMulti(logger, sources...), closers, nil
}

// buildApp wires the pipeline around src with its state in dbPath. closers
// are released by Close.
func buildApp(cfg *config.Config, src domain.MentionSource, dbPath string, closers ...io.Closer) (*app, error) {
	st, err := store.Open(dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	agentClient := remote.NewAgent(remote.AgentConfig{
		APIBase:    cfg.Agent.APIBase,
		APIKey:     cfg.Agent.APIKey,
		Timeout:    time.Duration(cfg.Agent.TimeoutSeconds) * time.Second,
		MaxRetries: cfg.Agent.MaxRetries,
		Logger:     logger,
	})
	ledgerClient := remote.NewLedger(remote.LedgerConfig{
		APIBase:    cfg.Ledger.APIBase,
		APIKey:     cfg.Ledger.APIKey,
		Timeout:    time.Duration(cfg.Ledger.TimeoutSeconds) * time.Second,
		MaxRetries: cfg.Ledger.MaxRetries,
		Logger:     logger,
	})
	accounts := account.New(account.Config{
		Accounts: st,
		Creator:  ledgerClient,
		Source:   src.Name(),
		Logger:   logger,
	})

	callTimeout := time.Duration(cfg.Agent.CallTimeoutSeconds) * time.Second
	parser := intent.New(intent.Config{
		BotHandle:    cfg.General.BotHandle,
		NativeSymbol: cfg.General.NativeSymbol,
	})
	router := dispatch.New(dispatch.Config{
		Executor:               agentClient,
		Registry:               accounts,
		Provisioner:            accounts,
		Recorder:               st,
		NativeSymbol:           cfg.General.NativeSymbol,
		AutoProvisionReceivers: cfg.Ledger.AutoProvisionReceivers,
		InitialFunding:         cfg.Ledger.InitialFunding,
		ForwardUnknown:         cfg.Agent.ForwardUnknown,
		CallTimeout:            callTimeout,
		Logger:                 logger,
	})

	events := bus.NewEventBus(logger, 0)
	rec := metrics.NewRecorder()
	p, err := pipeline.New(pipeline.Config{
		Source:    src,
		Parser:    parser,
		Router:    router,
		Registry:  accounts,
		Formatter: reply.New(reply.Config{MaxLength: cfg.Reply.MaxLength}),
		Tracker: idempotency.New(idempotency.Config{
			MaxEntries: cfg.Idempotency.MaxEntries,
			TTL:        time.Duration(cfg.Idempotency.TTLHours) * time.Hour,
		}),
		Store:             st,
		Bus:               events,
		Metrics:           rec,
		BotHandle:         cfg.General.BotHandle,
		MaxReferenceDepth: cfg.General.MaxReferenceDepth,
		CallTimeout:       callTimeout,
		CycleTimeout:      cfg.Poll.CycleTimeout(),
		Logger:            logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		store:    st,
		agent:    agentClient,
		ledger:   ledgerClient,
		accounts: accounts,
		parser:   parser,
		events:   events,
		metrics:  rec,
		pipeline: p,
		closers:  closers,
	}, nil
}

// checks are the ops server's health probes.
func (a *app) checks() map[string]ops.Check {
	return map[string]ops.Check{
		"store":  a.store.Ping,
		"agent":  a.agent.Healthy,
		"ledger": a.ledger.Healthy,
	}
}

// checkRemotes logs the reachability of the remote services. Failures are
// not fatal; affected mentions get failure replies.
func (a *app) checkRemotes(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for name, check := range map[string]ops.Check{"agent": a.agent.Healthy, "ledger": a.ledger.Healthy} {
		if err := check(ctx); err != nil {
			logger.Warn("service unreachable at startup", "service", name, "err", err)
			continue
		}
		logger.Info("service healthy", "service", name)
	}
}

func (a *app) Close() error {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			logger.Warn("close source", "err", err)
		}
	}
	return a.store.Close()
}
