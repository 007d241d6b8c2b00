package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"subpilot/models"
	"subpilot/utils"
)

// CronRunner triggers passes in-process on cron schedules. It goes through
// the same secret-gated Scheduler as the HTTP cron endpoints.
type CronRunner struct {
	cron      *cron.Cron
	scheduler *Scheduler
	secret    string
	timeout   time.Duration
	logger    *logrus.Logger
	stopOnce  sync.Once
}

func NewCronRunner(scheduler *Scheduler, secret string, timeout time.Duration, logger *logrus.Logger) *CronRunner {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &CronRunner{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
		scheduler: scheduler,
		secret:    secret,
		timeout:   timeout,
		logger:    logger,
	}
}

// Register schedules seq. An empty expression leaves it unscheduled.
func (r *CronRunner) Register(seq models.SequenceType, spec string) error {
	if spec == "" {
		return nil
	}
	_, err := r.cron.AddFunc(spec, func() { r.runPass(seq) })
	if err != nil {
		return fmt.Errorf("invalid cron expression for %s: %w", seq, err)
	}
	r.logger.WithFields(logrus.Fields{"sequence": seq, "schedule": spec}).Info("Registered sequence schedule")
	return nil
}

func (r *CronRunner) runPass(seq models.SequenceType) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	res, err := r.scheduler.Trigger(ctx, r.secret, seq)
	if err != nil {
		utils.LogError(r.logger, "sequence_pass_failed", err, map[string]interface{}{"sequence": seq})
		return
	}
	r.logger.WithFields(logrus.Fields{
		"sequence":  seq,
		"processed": res.Processed,
		"errors":    res.Errors,
	}).Info("Scheduled pass finished")
}

// Start runs the cron loop until ctx is done.
func (r *CronRunner) Start(ctx context.Context) {
	r.cron.Start()
	r.logger.WithField("entries", len(r.cron.Entries())).Info("Sequence cron started")
	go func() {
		<-ctx.Done()
		r.Stop()
	}()
}

// Stop waits for running passes to finish. Safe to call more than once.
func (r *CronRunner) Stop() {
	r.stopOnce.Do(func() {
		<-r.cron.Stop().Done()
		r.logger.Info("Sequence cron stopped")
	})
}
