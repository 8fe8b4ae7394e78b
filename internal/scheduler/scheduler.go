// Package scheduler periodically triggers due scheduled campaigns.
//
// The trigger owns no campaign state: it only asks the engine which scheduled
// campaigns are due and invokes execution for each. How often it looks is a
// cron spec (5-field, or 6-field with seconds).
package scheduler

import (
	"context"
	"errors"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"campaignd/internal/campaign"
	logx "campaignd/pkg/logx"
)

// Config controls the trigger loop.
type Config struct {
	Enabled  bool
	Poll     string // cron spec; default "*/30 * * * * *"
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
}

// Engine is the slice of the campaign service the trigger needs.
type Engine interface {
	ListDueScheduled(ctx context.Context, now time.Time) ([]string, error)
	Execute(ctx context.Context, id string) (campaign.DeliverySummary, error)
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	engine Engine
	log    logx.Logger
	parser cron.Parser

	stopCh    chan struct{}
	runCancel context.CancelFunc
	loopWG    sync.WaitGroup
}

func New(cfg Config, engine Engine, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		engine: engine,
		log:    log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps config; the new poll spec takes effect after the next tick.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return nil
	}
	if !s.cfg.Enabled {
		return nil
	}
	if _, err := s.schedule(); err != nil {
		return err
	}

	rctx, cancel := context.WithCancel(ctx)
	s.stopCh = make(chan struct{})
	s.runCancel = cancel
	stopCh := s.stopCh

	s.loopWG.Add(1)
	go func() {
		defer s.loopWG.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in scheduler loop", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		s.loop(rctx, stopCh)
	}()
	spec := strings.TrimSpace(s.cfg.Poll)
	if spec == "" {
		spec = "*/30 * * * * *"
	}
	s.log.Info("scheduler started", logx.String("poll", spec))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		s.loopWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
	}
}

// schedule parses the current poll spec in the configured timezone.
func (s *Service) schedule() (cron.Schedule, error) {
	spec := strings.TrimSpace(s.cfg.Poll)
	if spec == "" {
		spec = "*/30 * * * * *"
	}
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz != "" && !strings.HasPrefix(spec, "@") && !strings.Contains(spec, "TZ=") {
		spec = "CRON_TZ=" + tz + " " + spec
	}
	return s.parser.Parse(spec)
}

func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}) {
	for {
		s.mu.Lock()
		sched, err := s.schedule()
		s.mu.Unlock()
		if err != nil {
			// A bad spec can only arrive via hot reload; keep the loop alive.
			s.log.Warn("invalid poll spec; falling back to 30s", logx.Err(err))
			sched = cron.ConstantDelaySchedule{Delay: 30 * time.Second}
		}

		now := time.Now()
		next := sched.Next(now)
		tmr := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			tmr.Stop()
			return
		case <-stopCh:
			tmr.Stop()
			return
		case <-tmr.C:
		}

		s.tick(ctx)
	}
}

// tick executes every due scheduled campaign sequentially. The engine's own
// run registry makes double-triggering harmless.
func (s *Service) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.engine.ListDueScheduled(ctx, now)
	if err != nil {
		s.log.Warn("due campaign lookup failed", logx.Err(err))
		return
	}
	if len(due) == 0 {
		return
	}
	s.log.Debug("due campaigns found", logx.Int("count", len(due)))

	for _, id := range due {
		if ctx.Err() != nil {
			return
		}
		sum, err := s.engine.Execute(ctx, id)
		switch {
		case err == nil:
			s.log.Info("scheduled campaign executed",
				logx.String("campaign", id),
				logx.String("status", string(sum.Status)),
				logx.Int("sent", sum.Successful),
				logx.Int("failed", sum.Failed),
				logx.Duration("dur", sum.Duration),
			)
		case errors.Is(err, campaign.ErrRunInProgress),
			errors.Is(err, campaign.ErrInvalidState),
			errors.Is(err, campaign.ErrAlreadyTerminal):
			// Raced with a direct execution or cancel; nothing to do.
			s.log.Debug("scheduled campaign skipped", logx.String("campaign", id), logx.Err(err))
		default:
			s.log.Warn("scheduled campaign execution failed", logx.String("campaign", id), logx.Err(err))
		}
	}
}
