package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"subpilot/models"
)

// Recovery chases failed payments: a reminder, a payment retry and a final
// notice, each proposed for approval once its delay after the failure passes.
type Recovery struct {
	engine *Engine
}

func NewRecovery(engine *Engine) *Recovery {
	return &Recovery{engine: engine}
}

// Run executes one recovery pass.
func (r *Recovery) Run(ctx context.Context) (*PassResult, error) {
	return r.engine.run(ctx, r)
}

func (r *Recovery) sequenceType() models.SequenceType { return models.SequenceRecovery }
func (r *Recovery) agentType() models.AgentType       { return models.AgentRecovery }

func (r *Recovery) cooldown(*models.AgentConfig) time.Duration { return 0 }

func (r *Recovery) candidates(ctx context.Context, db *gorm.DB, cfg *models.AgentConfig, _ time.Time) ([]uint, error) {
	var ids []uint
	err := db.WithContext(ctx).Model(&models.PaymentEvent{}).
		Distinct("subscriber_id").
		Where("user_id = ? AND status = ? AND recovered_at IS NULL", cfg.UserID, models.PaymentFailed).
		Pluck("subscriber_id", &ids).Error
	return ids, err
}

func (r *Recovery) assess(ctx context.Context, db *gorm.DB, s *subject) (assessment, error) {
	if s.Subscriber.Status == models.SubscriberCanceled {
		return assessment{EndStatus: models.SequenceCancelled, EndReason: "churned"}, nil
	}

	if s.State != nil && !s.State.Terminal() {
		var ev models.PaymentEvent
		err := db.WithContext(ctx).
			Where("subscriber_id = ? AND stripe_invoice_id = ?", s.Subscriber.ID, s.State.TriggerRef).
			First(&ev).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return assessment{EndStatus: models.SequenceCancelled, EndReason: "payment event missing"}, nil
		}
		if err != nil {
			return assessment{}, err
		}
		if ev.RecoveredAt != nil {
			return assessment{EndStatus: models.SequenceCompleted, EndReason: "payment recovered"}, nil
		}
		s.Event = &ev
		return assessment{Trigger: &trigger{Ref: ev.StripeInvoiceID, At: ev.OccurredAt}}, nil
	}

	var ev models.PaymentEvent
	err := db.WithContext(ctx).
		Where("subscriber_id = ? AND status = ? AND recovered_at IS NULL", s.Subscriber.ID, models.PaymentFailed).
		Order("occurred_at DESC").Order("id DESC").
		First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return assessment{}, nil
	}
	if err != nil {
		return assessment{}, err
	}
	s.Event = &ev
	return assessment{Trigger: &trigger{Ref: ev.StripeInvoiceID, At: ev.OccurredAt}}, nil
}

func (r *Recovery) steps() []step {
	return []step{
		{
			Name:       "payment_reminder",
			ActionType: models.ActionSendEmail,
			After: func(cfg *models.AgentConfig) time.Duration {
				return cfg.Days(models.ThresholdReminderAfterDays, 1)
			},
			Build: func(s *subject) (any, bool) {
				return emailTo(s, "payment_failed_reminder", map[string]string{
					"amount": formatAmount(s.Event.AmountCents, s.Event.Currency),
				}), true
			},
		},
		{
			Name:       "payment_retry",
			ActionType: models.ActionRetryPayment,
			After: func(cfg *models.AgentConfig) time.Duration {
				return cfg.Days(models.ThresholdRetryAfterDays, 3)
			},
			Build: func(s *subject) (any, bool) {
				return models.PaymentRetryPayload{
					InvoiceID:   s.Event.StripeInvoiceID,
					AmountCents: s.Event.AmountCents,
				}, true
			},
		},
		{
			Name:       "final_notice",
			ActionType: models.ActionSendEmail,
			After: func(cfg *models.AgentConfig) time.Duration {
				return cfg.Days(models.ThresholdFinalNoticeDays, 7)
			},
			Build: func(s *subject) (any, bool) {
				return emailTo(s, "payment_final_notice", map[string]string{
					"amount": formatAmount(s.Event.AmountCents, s.Event.Currency),
				}), true
			},
		},
	}
}

func formatAmount(cents int64, currency string) string {
	if currency == "" {
		currency = "usd"
	}
	return fmt.Sprintf("%s %d.%02d", strings.ToUpper(currency), cents/100, cents%100)
}
