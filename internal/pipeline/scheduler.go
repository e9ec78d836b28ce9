package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// Cycler runs one poll cycle.
type Cycler interface {
	RunCycle(ctx context.Context) (CycleReport, error)
}

type SchedulerConfig struct {
	Interval time.Duration
	// Cron, when set, replaces Interval (standard five-field syntax).
	Cron   string
	Logger *slog.Logger
	Now    func() time.Time
}

// Scheduler starts a cycle on every tick in its own goroutine. Ticks that
// land while a cycle is running are dropped by the pipeline's guard.
type Scheduler struct {
	cycler   Cycler
	interval time.Duration
	cron     string
	logger   *slog.Logger
	now      func() time.Time
}

func NewScheduler(c Cycler, cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Cron != "" {
		if !gronx.New().IsValid(cfg.Cron) {
			return nil, fmt.Errorf("invalid cron expression %q", cfg.Cron)
		}
	} else if cfg.Interval <= 0 {
		return nil, errors.New("poll interval must be positive")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{cycler: c, interval: cfg.Interval, cron: cfg.Cron, logger: cfg.Logger, now: cfg.Now}, nil
}

// Run runs a cycle immediately and then on every tick until ctx is done.
// It waits for running cycles before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	fire := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.tick(ctx)
		}()
	}

	s.logger.Info("scheduler started", "interval", s.interval, "cron", s.cron)
	fire()
	for {
		wait, err := s.next(s.now())
		if err != nil {
			return err
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler stopping")
			return nil
		case <-timer.C:
			fire()
		}
	}
}

func (s *Scheduler) next(now time.Time) (time.Duration, error) {
	if s.cron == "" {
		return s.interval, nil
	}
	at, err := gronx.NextTickAfter(s.cron, now, false)
	if err != nil {
		return 0, fmt.Errorf("next cron tick: %w", err)
	}
	return at.Sub(now), nil
}

func (s *Scheduler) tick(ctx context.Context) {
	_, err := s.cycler.RunCycle(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrCycleInFlight):
		s.logger.Debug("tick dropped, cycle in flight")
	case ctx.Err() != nil:
	default:
		s.logger.Warn("poll cycle failed", "err", err)
	}
}
