package web

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	linkSentTopic           = "regserv.links.sent"
	accountProvisionedTopic = "regserv.accounts.provisioned"
	accountFailedTopic      = "regserv.accounts.failed"
	publishTimeout          = 2 * time.Second
)

// EventSubjects lists every subject the service publishes on.
var EventSubjects = []string{linkSentTopic, accountProvisionedTopic, accountFailedTopic}

// Publisher delivers events; pkg/bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Event is the payload published for link and account activity. Secrets and tokens are never
// included.
type Event struct {
	ID       string    `json:"id"`
	At       time.Time `json:"at"`
	Email    string    `json:"email"`
	Nickname string    `json:"nickname,omitempty"`
	Stage    string    `json:"stage,omitempty"`
	Lounge   string    `json:"lounge,omitempty"`
	Error    string    `json:"error,omitempty"`
}

func (s *Service) publish(ctx context.Context, subject string, ev Event) {
	if s.events == nil {
		return
	}
	ev.ID = uuid.NewString()
	ev.At = s.now().UTC()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.events.Publish(ctx, subject, ev); err != nil {
		s.logger.Warn().Err(err).Str("subject", subject).Msg("publish event")
	}
}
