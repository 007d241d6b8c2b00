package worker

import (
	"context"
	"time"

	"gorm.io/gorm"

	"subpilot/models"
)

// Retention reacts to subscribers whose health score fell below the owner's
// threshold: tag them, check in, and offer a discount if one is configured.
type Retention struct {
	engine *Engine
}

func NewRetention(engine *Engine) *Retention {
	return &Retention{engine: engine}
}

// Run executes one retention pass.
func (r *Retention) Run(ctx context.Context) (*PassResult, error) {
	return r.engine.run(ctx, r)
}

func (r *Retention) sequenceType() models.SequenceType { return models.SequenceRetention }
func (r *Retention) agentType() models.AgentType       { return models.AgentRetention }

func (r *Retention) cooldown(cfg *models.AgentConfig) time.Duration {
	return cfg.Days(models.ThresholdCooldownDays, 30)
}

func healthThreshold(cfg *models.AgentConfig) float64 {
	return cfg.Threshold(models.ThresholdHealthScore, models.DefaultHealthScoreThreshold)
}

func (r *Retention) candidates(ctx context.Context, db *gorm.DB, cfg *models.AgentConfig, _ time.Time) ([]uint, error) {
	var ids []uint
	err := db.WithContext(ctx).Model(&models.Subscriber{}).
		Where("user_id = ? AND status IN ? AND health_score < ?", cfg.UserID,
			[]string{models.SubscriberActive, models.SubscriberPastDue}, healthThreshold(cfg)).
		Pluck("id", &ids).Error
	return ids, err
}

func (r *Retention) assess(_ context.Context, _ *gorm.DB, s *subject) (assessment, error) {
	sub := s.Subscriber
	switch {
	case sub.Status == models.SubscriberCanceled:
		return assessment{EndStatus: models.SequenceCancelled, EndReason: "churned"}, nil
	case sub.HealthScore >= healthThreshold(s.Config):
		return assessment{EndStatus: models.SequenceCompleted, EndReason: "health recovered"}, nil
	case sub.Status == models.SubscriberTrialing:
		return assessment{}, nil
	}
	// One episode per detection day; the cooldown keeps episodes apart.
	return assessment{Trigger: &trigger{
		Ref: "health_drop:" + s.Now.Format("2006-01-02"),
		At:  s.Now,
	}}, nil
}

func (r *Retention) steps() []step {
	return []step{
		{
			Name:       "tag_at_risk",
			ActionType: models.ActionApplyTag,
			Auto:       true,
			After:      func(*models.AgentConfig) time.Duration { return 0 },
			Build: func(s *subject) (any, bool) {
				return models.TagPayload{Tag: s.Config.Setting(models.SettingAtRiskTag, "at-risk")}, true
			},
		},
		{
			Name:       "check_in",
			ActionType: models.ActionSendEmail,
			After:      func(*models.AgentConfig) time.Duration { return 0 },
			Build: func(s *subject) (any, bool) {
				return emailTo(s, "retention_check_in", nil), true
			},
		},
		{
			Name:       "retention_offer",
			ActionType: models.ActionOfferDiscount,
			After: func(cfg *models.AgentConfig) time.Duration {
				return cfg.Days(models.ThresholdOfferAfterDays, 7)
			},
			Build: func(s *subject) (any, bool) {
				coupon := s.Config.Setting(models.SettingRetentionCoupon, "")
				if coupon == "" || s.Subscriber.StripeSubscriptionID == nil {
					return nil, false
				}
				return models.DiscountPayload{
					SubscriptionID: *s.Subscriber.StripeSubscriptionID,
					CouponID:       coupon,
				}, true
			},
		},
	}
}
