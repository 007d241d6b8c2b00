package worker

import (
	"context"

	"github.com/sirupsen/logrus"

	"subpilot/apperr"
	"subpilot/models"
	"subpilot/utils"
)

// Runner runs one processor pass.
type Runner interface {
	Run(ctx context.Context) (*PassResult, error)
}

// Scheduler is the only entry point for cron-triggered passes. Every trigger
// must present the shared cron secret.
type Scheduler struct {
	secret     string
	processors map[models.SequenceType]Runner
	logger     *logrus.Logger
}

func NewScheduler(secret string, logger *logrus.Logger, onboarding, recovery, retention Runner) *Scheduler {
	return &Scheduler{
		secret: secret,
		processors: map[models.SequenceType]Runner{
			models.SequenceOnboarding: onboarding,
			models.SequenceRecovery:   recovery,
			models.SequenceRetention:  retention,
		},
		logger: logger,
	}
}

// Trigger runs the pass for seq when provided matches the cron secret. A
// wrong or missing secret is rejected before anything is scanned.
func (s *Scheduler) Trigger(ctx context.Context, provided string, seq models.SequenceType) (*PassResult, error) {
	const op = "worker.trigger"
	if !utils.SecretsEqual(provided, s.secret) {
		s.logger.WithField("sequence", seq).Warn("Rejected cron trigger with invalid secret")
		return nil, apperr.Unauthorized(op, "invalid cron secret")
	}
	p, ok := s.processors[seq]
	if !ok || p == nil {
		return nil, apperr.NotFound(op, "unknown sequence "+string(seq))
	}
	return p.Run(ctx)
}
