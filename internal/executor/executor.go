// Package executor drives one delivery attempt for a push task.
package executor

import (
	"context"

	"github.com/rs/zerolog/log"

	"pushflow/internal/domain"
)

// DeliveryChannel is the transport collaborator. It reports batch-granularity
// results only: any error means the whole batch failed.
type DeliveryChannel interface {
	Deliver(ctx context.Context, title, body string, recipients []string) (int, error)
}

// CreatorNotifier sends the optional success notification back to the task
// creator. Best-effort.
type CreatorNotifier interface {
	NotifyUser(ctx context.Context, userID, title, body string) error
}

// Outcome is the result of one execution. State updates are the caller's
// responsibility.
type Outcome struct {
	Success     bool
	SentCount   int
	FailedCount int
	Err         error
}

type Executor struct {
	channel  DeliveryChannel
	notifier CreatorNotifier
}

func New(channel DeliveryChannel, notifier CreatorNotifier) *Executor {
	return &Executor{channel: channel, notifier: notifier}
}

func (e *Executor) Execute(ctx context.Context, task domain.PushTask, audience []string) Outcome {
	delivered, err := e.channel.Deliver(ctx, task.Title, task.Content, audience)
	if err != nil {
		return Outcome{Success: false, SentCount: 0, FailedCount: len(audience), Err: err}
	}

	if task.NotifyOnSuccess && e.notifier != nil {
		if nerr := e.notifier.NotifyUser(ctx, task.CreatorID, task.SuccessTitle, task.SuccessBody); nerr != nil {
			// Must not affect the primary result.
			log.Warn().Err(nerr).Str("task_id", task.ID).Str("creator_id", task.CreatorID).
				Msg("success notification failed")
		}
	}
	return Outcome{Success: true, SentCount: delivered, FailedCount: 0}
}
