// Package pipeline runs poll cycles: fetch a batch of mentions, then
// sanitize, dedupe, order, parse, dispatch, format and reply to each one in
// turn. Cycles never overlap.
package pipeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mentionbot/internal/bus"
	"mentionbot/internal/dispatch"
	"mentionbot/internal/domain"
	"mentionbot/internal/idempotency"
	"mentionbot/internal/intent"
	"mentionbot/internal/metrics"
	"mentionbot/internal/reply"
	"mentionbot/internal/sanitize"
	"mentionbot/internal/store"
)

// ErrCycleInFlight is returned by RunCycle when another cycle is running.
// The skipped cycle is not queued.
var ErrCycleInFlight = errors.New("poll cycle already in flight")

const (
	watermarkKey        = "watermark"
	defaultCallTimeout  = 30 * time.Second
	defaultCycleTimeout = 5 * time.Minute
)

// Store persists pipeline state between runs. Optional.
type Store interface {
	State(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error
	SaveProcessed(ctx context.Context, recs []idempotency.Record) error
	LoadProcessed(ctx context.Context) ([]idempotency.Record, error)
	LogMention(ctx context.Context, l store.MentionLog) error
}

type Config struct {
	Source    domain.MentionSource
	Parser    *intent.Parser
	Router    *dispatch.Router
	Registry  domain.Registry
	Formatter *reply.Formatter
	Tracker   *idempotency.Tracker

	Store   Store
	Bus     *bus.EventBus
	Metrics *metrics.Recorder

	// BotHandle marks mentions the bot wrote itself; those are skipped.
	BotHandle         string
	MaxReferenceDepth int
	// CallTimeout bounds fetch, registry lookup and reply calls.
	CallTimeout  time.Duration
	CycleTimeout time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	ID          string        `json:"id"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Fetched     int           `json:"fetched"`
	Duplicates  int           `json:"duplicates"`
	Handled     int           `json:"handled"`
	Skipped     int           `json:"skipped"`
	Replied     int           `json:"replied"`
	ReplyErrors int           `json:"reply_errors"`
	Panics      int           `json:"panics"`
	Deferred    int           `json:"deferred"`
	Watermark   string        `json:"watermark,omitempty"`
}

// Status is a point-in-time view for operators.
type Status struct {
	InFlight      bool         `json:"in_flight"`
	Cycles        int          `json:"cycles"`
	SkippedCycles int          `json:"skipped_cycles"`
	LastCycle     *CycleReport `json:"last_cycle,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	Watermark     string       `json:"watermark,omitempty"`
	Tracked       int          `json:"tracked"`
	Source        string       `json:"source"`
}

type Pipeline struct {
	source    domain.MentionSource
	parser    *intent.Parser
	router    *dispatch.Router
	registry  domain.Registry
	formatter *reply.Formatter
	tracker   *idempotency.Tracker
	store     Store
	events    *bus.EventBus
	metrics   *metrics.Recorder

	botHandle    string
	maxDepth     int
	callTimeout  time.Duration
	cycleTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	// cycle is the single-flight guard. It also serializes ForceReprocess
	// with cycles so the tracker has one writer at a time.
	cycle    sync.Mutex
	inFlight atomic.Bool

	statusMu  sync.RWMutex
	status    Status
	watermark string
}

func New(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Source == nil:
		return nil, errors.New("pipeline: source is required")
	case cfg.Parser == nil:
		return nil, errors.New("pipeline: parser is required")
	case cfg.Router == nil:
		return nil, errors.New("pipeline: router is required")
	case cfg.Registry == nil:
		return nil, errors.New("pipeline: registry is required")
	}
	if cfg.Formatter == nil {
		cfg.Formatter = reply.New(reply.Config{})
	}
	if cfg.Tracker == nil {
		cfg.Tracker = idempotency.New(idempotency.Config{})
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = defaultCycleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{
		source:       cfg.Source,
		parser:       cfg.Parser,
		router:       cfg.Router,
		registry:     cfg.Registry,
		formatter:    cfg.Formatter,
		tracker:      cfg.Tracker,
		store:        cfg.Store,
		events:       cfg.Bus,
		metrics:      cfg.Metrics,
		botHandle:    strings.ToLower(strings.TrimPrefix(cfg.BotHandle, "@")),
		maxDepth:     cfg.MaxReferenceDepth,
		callTimeout:  cfg.CallTimeout,
		cycleTimeout: cfg.CycleTimeout,
		logger:       cfg.Logger,
		now:          cfg.Now,
		status:       Status{Source: cfg.Source.Name()},
	}, nil
}

// Restore loads processed ids and the watermark from the store.
func (p *Pipeline) Restore(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	p.cycle.Lock()
	defer p.cycle.Unlock()

	recs, err := p.store.LoadProcessed(ctx)
	if err != nil {
		return fmt.Errorf("load processed mentions: %w", err)
	}
	p.tracker.Restore(recs)

	wm, err := p.store.State(ctx, watermarkKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load watermark: %w", err)
	}
	p.statusMu.Lock()
	p.watermark = wm
	p.status.Watermark = wm
	p.status.Tracked = p.tracker.Len()
	p.statusMu.Unlock()
	p.metrics.SetTracked(p.tracker.Len())
	p.logger.Info("pipeline state restored", "processed", len(recs), "watermark", wm)
	return nil
}

// RunCycle runs one poll cycle, or returns ErrCycleInFlight at once if a
// cycle is already running. A fetch failure aborts the cycle without marking
// anything; every other failure is confined to its mention.
func (p *Pipeline) RunCycle(ctx context.Context) (CycleReport, error) {
	if !p.cycle.TryLock() {
		p.statusMu.Lock()
		p.status.SkippedCycles++
		p.statusMu.Unlock()
		p.metrics.ObserveCycle("skipped", 0)
		p.emit(bus.Event{Type: bus.EventCycleSkipped})
		p.logger.Debug("poll cycle skipped, previous cycle still running")
		return CycleReport{}, ErrCycleInFlight
	}
	defer p.cycle.Unlock()
	p.inFlight.Store(true)
	defer p.inFlight.Store(false)

	report := CycleReport{ID: uuid.NewString(), StartedAt: p.now()}
	logger := p.logger.With("cycle", report.ID)
	ctx, cancel := context.WithTimeout(ctx, p.cycleTimeout)
	defer cancel()

	p.emit(bus.Event{Type: bus.EventCycleStarted, CycleID: report.ID})

	p.statusMu.RLock()
	since := p.watermark
	p.statusMu.RUnlock()

	fetchCtx, fetchCancel := context.WithTimeout(ctx, p.callTimeout)
	mentions, err := p.source.FetchRecentMentions(fetchCtx, since)
	fetchCancel()
	if err != nil {
		report.Duration = p.now().Sub(report.StartedAt)
		p.finish(report, err)
		p.metrics.ObserveCycle("fetch_error", report.Duration)
		p.emit(bus.Event{Type: bus.EventCycleFailed, CycleID: report.ID, Payload: map[string]any{"error": err.Error()}})
		logger.Warn("fetch mentions failed, cycle aborted", "err", err)
		return report, fmt.Errorf("fetch mentions: %w", err)
	}
	report.Fetched = len(mentions)

	batch := p.prepare(mentions, &report)
	handled := 0
	for _, m := range batch {
		// Mentions not reached stay unmarked for the next cycle.
		if ctx.Err() != nil {
			report.Deferred = len(batch) - handled
			logger.Warn("cycle interrupted, leaving mentions for the next cycle",
				"deferred", report.Deferred, "err", ctx.Err())
			break
		}
		p.handle(ctx, report.ID, m, &report)
		handled++
	}
	if handled > 0 {
		report.Watermark = batch[handled-1].ID
	} else {
		report.Watermark = since
	}
	p.persist(context.WithoutCancel(ctx), report.Watermark, logger)

	report.Duration = p.now().Sub(report.StartedAt)
	p.finish(report, nil)
	p.metrics.ObserveCycle("ok", report.Duration)
	p.metrics.SetTracked(p.tracker.Len())
	p.emit(bus.Event{Type: bus.EventCycleFinished, CycleID: report.ID, Payload: map[string]any{
		"fetched": report.Fetched, "handled": report.Handled, "skipped": report.Skipped,
		"duplicates": report.Duplicates, "panics": report.Panics, "deferred": report.Deferred,
	}})
	if report.Handled+report.Skipped > 0 {
		logger.Info("poll cycle finished",
			"fetched", report.Fetched, "handled", report.Handled, "skipped", report.Skipped,
			"duplicates", report.Duplicates, "reply_errors", report.ReplyErrors, "duration", report.Duration)
	}
	return report, nil
}

// prepare sanitizes the batch, drops ids seen earlier in the batch or
// already processed, and orders the rest oldest first (ties by id).
func (p *Pipeline) prepare(raw []domain.Mention, report *CycleReport) []domain.Mention {
	now := p.now()
	seen := make(map[string]bool, len(raw))
	batch := make([]domain.Mention, 0, len(raw))
	for i := range raw {
		m := sanitize.Mention(&raw[i], p.maxDepth)
		if m.ID == "" {
			p.logger.Warn("mention without id dropped", "source", m.Source, "author", m.AuthorHandle)
			continue
		}
		if seen[m.ID] || p.tracker.Has(m.ID) {
			report.Duplicates++
			p.metrics.IncMention("duplicate")
			continue
		}
		seen[m.ID] = true
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		batch = append(batch, *m)
	}
	slices.SortStableFunc(batch, func(a, b domain.Mention) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return batch
}

// handle processes one mention. The mention is marked processed before it
// reaches the router so a failure or panic never causes a second reply.
func (p *Pipeline) handle(ctx context.Context, cycleID string, m domain.Mention, report *CycleReport) {
	logger := p.logger.With("cycle", cycleID, "mention", m.ID, "author", m.AuthorHandle)
	defer func() {
		if r := recover(); r != nil {
			report.Panics++
			if _, ok := p.tracker.Lookup(m.ID); !ok {
				p.tracker.Mark(m.ID, false)
			}
			p.metrics.IncMention("panic")
			p.emit(bus.Event{Type: bus.EventMentionPanic, CycleID: cycleID, MentionID: m.ID, Payload: map[string]any{"panic": fmt.Sprint(r)}})
			logger.Error("mention handler panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	p.emit(bus.Event{Type: bus.EventMentionReceived, CycleID: cycleID, MentionID: m.ID})

	if p.isSelf(m) || strings.TrimSpace(m.Text) == "" {
		p.tracker.Mark(m.ID, true)
		report.Skipped++
		p.metrics.IncMention("skipped")
		p.emit(bus.Event{Type: bus.EventMentionSkipped, CycleID: cycleID, MentionID: m.ID})
		logger.Debug("mention skipped")
		return
	}

	cmd, rule := p.parser.Explain(m.Text)
	p.tracker.Mark(m.ID, false)
	report.Handled++
	p.emit(bus.Event{Type: bus.EventMentionParsed, CycleID: cycleID, MentionID: m.ID, Payload: map[string]any{
		"command": string(cmd.Kind()), "rule": rule,
	}})

	start := p.now()
	outcome := p.dispatch(ctx, cmd, m)
	p.metrics.ObserveDispatch(string(cmd.Kind()), p.now().Sub(start))
	p.metrics.IncMention(string(outcome.Kind))
	if outcome.Failure != nil {
		p.metrics.IncFailure(string(outcome.Failure.Kind))
		p.emit(bus.Event{Type: bus.EventMentionFailed, CycleID: cycleID, MentionID: m.ID, Payload: map[string]any{
			"kind": string(outcome.Failure.Kind),
		}})
		logger.Info("mention failed", "kind", outcome.Failure.Kind, "detail", outcome.Failure.Detail)
	}

	text := p.formatter.Format(outcome)
	replyCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	err := p.source.ReplyTo(replyCtx, m.ID, text)
	cancel()
	p.metrics.IncReply(err == nil)
	if err != nil {
		report.ReplyErrors++
		logger.Warn("reply failed", "err", err)
	} else {
		report.Replied++
		p.emit(bus.Event{Type: bus.EventMentionReplied, CycleID: cycleID, MentionID: m.ID, Payload: map[string]any{
			"outcome": string(outcome.Kind),
		}})
	}

	p.logMention(ctx, m, cmd, rule, outcome, text, logger)
}

func (p *Pipeline) dispatch(ctx context.Context, cmd domain.Command, m domain.Mention) domain.Outcome {
	author := dispatch.Author{Handle: m.AuthorHandle, ID: m.AuthorID}

	lookupCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	registered, err := p.registry.IsRegistered(lookupCtx, author.Handle)
	cancel()
	if err != nil {
		return domain.Outcome{Kind: domain.OutcomeFailure, Failure: &domain.Failure{
			Kind: domain.ClassifyError(err), Detail: err.Error(),
		}}
	}
	return p.router.Dispatch(ctx, cmd, author, registered)
}

func (p *Pipeline) isSelf(m domain.Mention) bool {
	return p.botHandle != "" && strings.EqualFold(strings.TrimPrefix(m.AuthorHandle, "@"), p.botHandle)
}

func (p *Pipeline) logMention(ctx context.Context, m domain.Mention, cmd domain.Command, rule string, o domain.Outcome, text string, logger *slog.Logger) {
	if p.store == nil {
		return
	}
	outcome := string(o.Kind)
	if o.Failure != nil {
		outcome += ":" + string(o.Failure.Kind)
	}
	err := p.store.LogMention(ctx, store.MentionLog{
		MentionID:    m.ID,
		Source:       m.Source,
		AuthorHandle: m.AuthorHandle,
		Command:      string(cmd.Kind()),
		Rule:         rule,
		Outcome:      outcome,
		Reply:        text,
		CreatedAt:    p.now(),
	})
	if err != nil {
		logger.Warn("mention log write failed", "err", err)
	}
}

func (p *Pipeline) persist(ctx context.Context, watermark string, logger *slog.Logger) {
	p.statusMu.Lock()
	p.watermark = watermark
	p.statusMu.Unlock()
	if p.store == nil {
		return
	}
	if err := p.store.SaveProcessed(ctx, p.tracker.Snapshot()); err != nil {
		logger.Warn("save processed mentions failed", "err", err)
	}
	if watermark != "" {
		if err := p.store.SetState(ctx, watermarkKey, watermark); err != nil {
			logger.Warn("save watermark failed", "err", err)
		}
	}
}

func (p *Pipeline) finish(report CycleReport, err error) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	p.status.Cycles++
	p.status.LastCycle = &report
	p.status.LastError = ""
	if err != nil {
		p.status.LastError = err.Error()
	}
	p.status.Watermark = p.watermark
	p.status.Tracked = p.tracker.Len()
}

// ForceReprocess forgets a processed mention so the next cycle handles it
// again. It waits for a running cycle to finish.
func (p *Pipeline) ForceReprocess(ctx context.Context, mentionID string) (bool, error) {
	p.cycle.Lock()
	defer p.cycle.Unlock()

	present := p.tracker.ForceReprocess(mentionID)
	if present && p.store != nil {
		if err := p.store.SaveProcessed(ctx, p.tracker.Snapshot()); err != nil {
			return present, fmt.Errorf("save processed mentions: %w", err)
		}
	}
	p.statusMu.Lock()
	p.status.Tracked = p.tracker.Len()
	p.statusMu.Unlock()
	p.metrics.SetTracked(p.tracker.Len())
	p.emit(bus.Event{Type: bus.EventMentionReprocess, MentionID: mentionID, Payload: map[string]any{"present": present}})
	p.logger.Info("mention queued for reprocessing", "mention", mentionID, "present", present)
	return present, nil
}

// Status returns a copy of the current status.
func (p *Pipeline) Status() Status {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	s := p.status
	if s.LastCycle != nil {
		last := *s.LastCycle
		s.LastCycle = &last
	}
	s.InFlight = p.inFlight.Load()
	return s
}

func (p *Pipeline) emit(e bus.Event) {
	if p.events == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = p.now()
	}
	p.events.Emit(e)
}
