package worker

import (
	"context"
	"math"
	"strconv"
	"time"

	"gorm.io/gorm"

	"subpilot/models"
)

const defaultTipsURL = "https://docs.subpilot.app/getting-started"

// Onboarding welcomes trialing subscribers and nudges them to convert
// before their onboarding window closes.
type Onboarding struct {
	engine *Engine
}

func NewOnboarding(engine *Engine) *Onboarding {
	return &Onboarding{engine: engine}
}

// Run executes one onboarding pass.
func (o *Onboarding) Run(ctx context.Context) (*PassResult, error) {
	return o.engine.run(ctx, o)
}

func (o *Onboarding) sequenceType() models.SequenceType { return models.SequenceOnboarding }
func (o *Onboarding) agentType() models.AgentType       { return models.AgentConversion }

func (o *Onboarding) cooldown(*models.AgentConfig) time.Duration { return 0 }

func onboardingWindow(cfg *models.AgentConfig) time.Duration {
	return cfg.Days(models.ThresholdOnboardingWindowDays, 14)
}

func (o *Onboarding) candidates(ctx context.Context, db *gorm.DB, cfg *models.AgentConfig, now time.Time) ([]uint, error) {
	var subs []models.Subscriber
	err := db.WithContext(ctx).
		Select("id", "subscribed_at").
		Where("user_id = ? AND status = ?", cfg.UserID, models.SubscriberTrialing).
		Find(&subs).Error
	if err != nil {
		return nil, err
	}
	window := onboardingWindow(cfg)
	ids := make([]uint, 0, len(subs))
	for _, s := range subs {
		if now.Sub(s.SubscribedAt) <= window {
			ids = append(ids, s.ID)
		}
	}
	return ids, nil
}

func (o *Onboarding) assess(_ context.Context, _ *gorm.DB, s *subject) (assessment, error) {
	sub := s.Subscriber
	switch {
	case sub.ConvertedAt != nil || sub.Status == models.SubscriberActive:
		return assessment{EndStatus: models.SequenceCompleted, EndReason: "converted"}, nil
	case sub.Status == models.SubscriberCanceled:
		return assessment{EndStatus: models.SequenceCancelled, EndReason: "churned"}, nil
	case sub.Status == models.SubscriberTrialing && s.Now.Sub(sub.SubscribedAt) <= onboardingWindow(s.Config):
		return assessment{Trigger: &trigger{Ref: "signup", At: sub.SubscribedAt}}, nil
	}
	return assessment{}, nil
}

func (o *Onboarding) steps() []step {
	return []step{
		{
			Name:       "welcome",
			ActionType: models.ActionSendEmail,
			Auto:       true,
			After:      func(*models.AgentConfig) time.Duration { return 0 },
			Build: func(s *subject) (any, bool) {
				return emailTo(s, "welcome", nil), true
			},
		},
		{
			Name:       "getting_started",
			ActionType: models.ActionSendEmail,
			Auto:       true,
			After: func(cfg *models.AgentConfig) time.Duration {
				return cfg.Days(models.ThresholdTipsAfterDays, 3)
			},
			Build: func(s *subject) (any, bool) {
				return emailTo(s, "getting_started", map[string]string{
					"tips_url": s.Config.Setting(models.SettingTipsURL, defaultTipsURL),
				}), true
			},
		},
		{
			Name:       "conversion_offer",
			ActionType: models.ActionSendEmail,
			After: func(cfg *models.AgentConfig) time.Duration {
				return cfg.Days(models.ThresholdNudgeAfterDays, 7)
			},
			Build: func(s *subject) (any, bool) {
				left := onboardingWindow(s.Config) - s.Now.Sub(s.Subscriber.SubscribedAt)
				days := int(math.Ceil(left.Hours() / 24))
				if days < 1 {
					days = 1
				}
				return emailTo(s, "conversion_offer", map[string]string{
					"days_left": strconv.Itoa(days),
				}), true
			},
		},
	}
}

func emailTo(s *subject, template string, vars map[string]string) models.EmailPayload {
	return models.EmailPayload{
		To:       s.Subscriber.Email,
		Name:     s.Subscriber.Name,
		Template: template,
		Tone:     s.Config.Tone,
		Vars:     vars,
	}
}
