// Package logchan is a stand-in delivery channel for local runs: it logs
// instead of sending. Real transports implement the same interfaces outside
// this repo.
package logchan

import (
	"context"

	"github.com/rs/zerolog/log"
)

type Channel struct{}

func (Channel) Deliver(ctx context.Context, title, body string, recipients []string) (int, error) {
	log.Info().Str("title", title).Int("recipients", len(recipients)).Msg("deliver")
	return len(recipients), nil
}

func (Channel) NotifyUser(ctx context.Context, userID, title, body string) error {
	log.Info().Str("user_id", userID).Str("title", title).Msg("notify creator")
	return nil
}
