package campaign

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"campaignd/internal/gateway"
	logx "campaignd/pkg/logx"
)

// run is the in-process handle for one live execution. Cancellation flips
// the flag; the dispatch loop observes it between unit submissions.
type run struct {
	cancelled atomic.Bool

	succ atomic.Int64
	fail atomic.Int64
}

// Execute runs a campaign to completion (or cancellation) and returns its
// delivery summary.
//
// The status transition to "sending" is a compare-and-set, so double
// execution of the same campaign loses the race cleanly. A campaign that is
// already "sending" with no live run in this process is treated as a
// crash-resume: recipients with a terminal delivery record are skipped and
// counters continue from their persisted values.
func (s *Service) Execute(ctx context.Context, id string) (DeliverySummary, error) {
	start := time.Now()

	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return DeliverySummary{}, err
	}
	if c.Status.Terminal() {
		return DeliverySummary{}, ErrAlreadyTerminal
	}

	s.runMu.Lock()
	if _, live := s.runs[id]; live {
		s.runMu.Unlock()
		return DeliverySummary{}, ErrRunInProgress
	}
	r := &run{}
	s.runs[id] = r
	s.runMu.Unlock()
	defer func() {
		s.runMu.Lock()
		delete(s.runs, id)
		s.runMu.Unlock()
	}()

	ok, err := s.store.CASStatus(ctx, id, []Status{StatusDraft, StatusScheduled, StatusSending}, StatusSending)
	if err != nil {
		return DeliverySummary{}, err
	}
	if !ok {
		return DeliverySummary{}, ErrInvalidState
	}

	// The first execution resolves the audience and freezes it together with
	// its size. Resumes dispatch the frozen snapshot, so directory changes
	// after the first resolution can neither add recipients beyond the total
	// nor drop pending ones.
	recipients := c.Recipients
	total := c.TotalRecipients
	var issues []ValidationIssue
	if total == 0 {
		recipients, issues, err = s.resolve(ctx, c.Target, c.OwnerID)
		if err != nil {
			// Campaign stays "sending"; a later Execute resumes it.
			s.log.Warn("resolution failed; campaign left resumable", logx.String("campaign", id), logx.Err(err))
			return DeliverySummary{}, fmt.Errorf("%w: %v", ErrResolutionFailed, err)
		}
		if len(issues) > 0 {
			// The target spec may have degraded since creation (ownership
			// revoked, subscribers gone); keep going with what remains but
			// say so.
			s.log.Warn("campaign target issues at dispatch",
				logx.String("campaign", id),
				logx.Int("issues", len(issues)),
				logx.Int("resolved", len(recipients)),
			)
		}
		if len(recipients) == 0 {
			if err := s.store.FinishCampaign(ctx, id, StatusSent, time.Now().UTC()); err != nil {
				return DeliverySummary{}, err
			}
			s.log.Info("campaign sent (empty audience)", logx.String("campaign", id))
			return DeliverySummary{CampaignID: id, Status: StatusSent, Issues: issues, Duration: time.Since(start)}, nil
		}
		total = len(recipients)
		if err := s.store.FreezeAudience(ctx, id, recipients); err != nil {
			return DeliverySummary{}, err
		}
	}

	done, err := s.store.TerminalRecipients(ctx, id)
	if err != nil {
		return DeliverySummary{}, fmt.Errorf("%w: load delivery records: %v", ErrResolutionFailed, err)
	}
	pending := recipients[:0:0]
	for _, rid := range recipients {
		if _, settled := done[rid]; !settled {
			pending = append(pending, rid)
		}
	}

	cfg := s.config()
	s.log.Info("dispatch started",
		logx.String("campaign", id),
		logx.Int("total", total),
		logx.Int("pending", len(pending)),
		logx.Int("skipped", len(done)),
		logx.Int("workers", cfg.Workers),
		logx.Int("rps", cfg.RatePerSec),
	)

	limiter := rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	// Unbuffered: a submitted unit is a started unit, so the cancellation
	// guarantee ("no new units after the flag") holds exactly.
	jobs := make(chan int64)

	var wg sync.WaitGroup
	wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		idx := i
		rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(idx)))
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					s.log.Error("panic in dispatch worker",
						logx.Int("worker", idx),
						logx.Any("panic", rec),
						logx.String("stack", string(debug.Stack())),
					)
				}
			}()
			for rid := range jobs {
				s.deliverOne(ctx, cfg, limiter, r, c, rid, rng)
			}
		}()
	}

	interrupted := false
submit:
	for _, rid := range pending {
		if r.cancelled.Load() {
			break
		}
		select {
		case <-ctx.Done():
			interrupted = true
			break submit
		case jobs <- rid:
		}
	}
	close(jobs)
	wg.Wait()

	if interrupted && !r.cancelled.Load() {
		// Process shutdown, not an operator cancel: leave the campaign in
		// "sending" so a later Execute resumes the remainder.
		s.log.Warn("dispatch interrupted; campaign left resumable",
			logx.String("campaign", id),
			logx.Int64("sent", r.succ.Load()),
			logx.Int64("failed", r.fail.Load()),
		)
		return DeliverySummary{}, ctx.Err()
	}

	// Terminal transition is strictly ordered after every unit has persisted
	// its record and counter update.
	cur, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return DeliverySummary{}, err
	}
	final := finalStatus(cur.SuccessfulSends, total)
	if r.cancelled.Load() {
		final = StatusCancelled
	}
	now := time.Now().UTC()
	if err := s.store.FinishCampaign(ctx, id, final, now); err != nil {
		return DeliverySummary{}, err
	}

	sum := DeliverySummary{
		CampaignID:      id,
		Status:          final,
		TotalRecipients: total,
		Successful:      cur.SuccessfulSends,
		Failed:          cur.FailedSends,
		Skipped:         len(done),
		Issues:          issues,
		Duration:        time.Since(start),
	}
	fields := []logx.Field{
		logx.String("campaign", id),
		logx.String("status", string(final)),
		logx.Int("total", sum.TotalRecipients),
		logx.Int("sent", sum.Successful),
		logx.Int("failed", sum.Failed),
		logx.Duration("dur", sum.Duration),
	}
	if final == StatusFailed {
		s.log.Warn("dispatch finished: all deliveries failed", fields...)
	} else {
		s.log.Info("dispatch finished", fields...)
	}
	return sum, nil
}

// deliverOne sends to a single recipient, applying the retry policy for
// transient outcomes, then persists exactly one terminal record and counter
// increment.
func (s *Service) deliverOne(ctx context.Context, cfg Config, limiter *rate.Limiter, r *run, c *Campaign, rid int64, rng *rand.Rand) {
	if err := limiter.Wait(ctx); err != nil {
		// Shutdown while queued for a token: the recipient was never
		// attempted, leave no record so a resume picks it up.
		return
	}

	attempts := 0
	var outcome DeliveryOutcome
	var detail string

attemptLoop:
	for try := 0; ; try++ {
		attempts++
		res := s.gw.Deliver(ctx, rid, c.MessageBody, c.MessageOptions)
		switch res.Outcome {
		case gateway.OutcomeSuccess:
			outcome = OutcomeSuccess
			break attemptLoop
		case gateway.OutcomePermanent:
			outcome = OutcomePermanentFailure
			detail = res.Reason
			break attemptLoop
		default:
			detail = res.Reason
			if try >= cfg.RetryMax || r.cancelled.Load() {
				outcome = OutcomeTransientExhausted
				break attemptLoop
			}
			delay := backoffDelay(cfg, try+1, res.RetryAfter, rng)
			s.log.Debug("delivery retry scheduled",
				logx.String("campaign", c.ID),
				logx.Int64("chat_id", rid),
				logx.Int("attempt", try+2),
				logx.Duration("delay", delay),
				logx.String("reason", res.Reason),
			)
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !tmr.Stop() {
					<-tmr.C
				}
				outcome = OutcomeTransientExhausted
				detail = res.Reason + " (dispatch stopped during retry)"
				break attemptLoop
			case <-tmr.C:
			}
		}
	}

	rec := DeliveryRecord{
		CampaignID:  c.ID,
		RecipientID: rid,
		Outcome:     outcome,
		ErrorDetail: detail,
		Attempts:    attempts,
		AttemptedAt: time.Now().UTC(),
	}
	inserted, err := s.store.RecordOutcome(ctx, rec)
	if err != nil {
		s.log.Error("delivery record write failed",
			logx.String("campaign", c.ID),
			logx.Int64("chat_id", rid),
			logx.String("outcome", string(outcome)),
			logx.Err(err),
		)
		return
	}
	if !inserted {
		// Another attempt already settled this recipient.
		return
	}
	if outcome == OutcomeSuccess {
		r.succ.Add(1)
	} else {
		r.fail.Add(1)
		s.log.Debug("delivery failed",
			logx.String("campaign", c.ID),
			logx.Int64("chat_id", rid),
			logx.String("outcome", string(outcome)),
			logx.Int("attempts", attempts),
			logx.String("detail", detail),
		)
	}
}

// backoffDelay computes the wait before retry number `retry` (1-based),
// honoring an explicit retry-after hint when the provider supplied one.
// Jitter is applied either way to avoid thundering herds.
func backoffDelay(cfg Config, retry int, hint time.Duration, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	if hint > 0 {
		d = hint
	} else {
		for i := 1; i < retry; i++ {
			d *= 2
			if d > cfg.RetryMaxDelay {
				break
			}
		}
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	if cfg.RetryJitter > 0 && rng != nil {
		j := (rng.Float64()*2 - 1) * cfg.RetryJitter
		d = time.Duration(float64(d) * (1 + j))
		if d < 0 {
			d = 0
		}
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
