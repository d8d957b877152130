// Package scheduler polls the task store and drives push tasks through
// their state machine.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"pushflow/internal/audience"
	"pushflow/internal/domain"
	"pushflow/internal/executor"
	"pushflow/internal/recurrence"
	"pushflow/internal/store"
)

type Service struct {
	store    store.Store
	resolver *audience.Resolver
	exec     *executor.Executor
	owner    string
	interval time.Duration
	leaseTTL time.Duration
	stop     chan struct{}
}

func New(st store.Store, resolver *audience.Resolver, exec *executor.Executor, owner string, interval, leaseTTL time.Duration) *Service {
	return &Service{
		store:    st,
		resolver: resolver,
		exec:     exec,
		owner:    owner,
		interval: interval,
		leaseTTL: leaseTTL,
		stop:     make(chan struct{}),
	}
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Str("owner", s.owner).Msg("push scheduler started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

// Tick runs one sweep. Candidates are processed sequentially; an error in one
// task never aborts the sweep.
func (s *Service) Tick(ctx context.Context, now time.Time) {
	due, err := s.store.Due(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to query due tasks")
		return
	}
	for _, cand := range due {
		if err := s.process(ctx, cand.ID, now); err != nil {
			log.Error().Err(err).Str("task_id", cand.ID).Msg("failed to process push task")
		}
	}
}

func (s *Service) process(ctx context.Context, id string, now time.Time) error {
	won, err := s.store.Claim(ctx, id, s.owner, now, s.leaseTTL)
	if err != nil {
		return err
	}
	if !won {
		// Another scheduler instance holds the lease.
		return nil
	}

	// Re-fetch: the candidate snapshot may be stale by now (admin toggle,
	// concurrent tick on another node).
	task, err := s.store.Get(ctx, id)
	if err != nil {
		_ = s.store.Release(ctx, id, s.owner)
		return err
	}

	if skip, err := s.revalidate(ctx, task, now); skip || err != nil {
		if err == nil {
			err = s.store.Release(ctx, id, s.owner)
		}
		return err
	}

	out := s.executeOnce(ctx, task)
	res := buildResult(task, out, now)
	if err := s.store.ApplyResult(ctx, res); err != nil {
		return err
	}

	log.Info().
		Str("task_id", task.ID).
		Str("mode", string(task.Mode)).
		Bool("success", out.Success).
		Int("sent", out.SentCount).
		Int("failed", out.FailedCount).
		Str("push_status", string(res.NewPushStatus)).
		Msg("push task executed")
	return nil
}

// revalidate applies the pre-execution guards against the re-fetched state.
// A true result means the task must be skipped this tick.
func (s *Service) revalidate(ctx context.Context, task domain.PushTask, now time.Time) (bool, error) {
	if task.Status != domain.StatusActive {
		return true, nil
	}
	if task.PushStatus.Terminal() {
		return true, nil
	}
	if task.Mode == domain.ModeRecurring {
		if task.Recurring == nil {
			return true, nil
		}
		if task.Recurring.Exhausted() {
			// Budget already spent; promote and stop.
			return true, s.store.MarkCompleted(ctx, task.ID)
		}
		if task.Recurring.NextRunAt.After(now) {
			// Already executed by an earlier tick; not due anymore.
			return true, nil
		}
	}
	if task.Mode == domain.ModeScheduled && (task.ScheduledAt == nil || task.ScheduledAt.After(now)) {
		return true, nil
	}
	return false, nil
}

func (s *Service) executeOnce(ctx context.Context, task domain.PushTask) executor.Outcome {
	recipients, err := s.resolver.Resolve(ctx, task.TargetType, task.TargetUserIDs, task.TargetRoleIDs)
	if err != nil {
		// Resolution failures count as failed executions, same as delivery
		// failures.
		return executor.Outcome{Success: false, Err: err}
	}
	return s.exec.Execute(ctx, task, recipients)
}

// buildResult computes the post-execution transition.
//
// One-shot tasks terminate either way: sent on success, failed on failure.
// Recurring tasks increment the counter on every attempt, successful or not,
// and complete when the budget is reached; a failed attempt does not end the
// series early. Only a next-fire-time calculation error marks the task failed.
func buildResult(task domain.PushTask, out executor.Outcome, now time.Time) store.ExecutionResult {
	res := store.ExecutionResult{
		TaskID:      task.ID,
		ExecutedAt:  now,
		Success:     out.Success,
		SentCount:   out.SentCount,
		FailedCount: out.FailedCount,
	}
	if out.Err != nil {
		res.Error = out.Err.Error()
	}

	if task.Mode != domain.ModeRecurring || task.Recurring == nil {
		res.ExecutedCount = 1
		if out.Success {
			res.NewPushStatus = domain.PushSent
		} else {
			res.NewPushStatus = domain.PushFailed
		}
		return res
	}

	res.ExecutedCount = task.Recurring.ExecutedCount + 1
	if res.ExecutedCount >= task.Recurring.MaxExecutions {
		res.NewPushStatus = domain.PushCompleted
		return res
	}

	next, err := recurrence.Next(*task.Recurring, now)
	if err != nil {
		// Normally unreachable: the config was validated at creation.
		log.Error().Err(err).Str("task_id", task.ID).Msg("next fire time calculation failed")
		res.NewPushStatus = domain.PushFailed
		return res
	}
	res.NewPushStatus = domain.PushSending
	res.NextRunAt = &next
	return res
}
