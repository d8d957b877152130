// Package recurrence computes next fire times for recurring push tasks.
package recurrence

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"pushflow/internal/domain"
)

var ErrInvalidConfig = errors.New("invalid recurring config")

// Next returns the next fire time strictly after now. Pure: same config and
// now always yield the same result.
func Next(cfg domain.RecurringConfig, now time.Time) (time.Time, error) {
	switch cfg.Kind {
	case domain.RecurInterval:
		if cfg.Every < 1 {
			return time.Time{}, fmt.Errorf("%w: interval %d", ErrInvalidConfig, cfg.Every)
		}
		unit, err := cfg.Unit.Duration()
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		return now.Add(time.Duration(cfg.Every) * unit), nil
	case domain.RecurDaily:
		hour, minute, err := domain.ParseClock(cfg.At)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if !next.After(now) {
			// Today's instant has passed (or is right now); roll to tomorrow.
			next = next.AddDate(0, 0, 1)
		}
		return next, nil
	case domain.RecurCron:
		// Cron expressions evaluate in server-local time, like any crontab.
		sched, err := cron.ParseStandard(cfg.Expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		return sched.Next(now), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidConfig, string(cfg.Kind))
	}
}
