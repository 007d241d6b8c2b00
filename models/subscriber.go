package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	SubscriberTrialing = "trialing"
	SubscriberActive   = "active"
	SubscriberPastDue  = "past_due"
	SubscriberCanceled = "canceled"
)

const (
	PaymentFailed    = "failed"
	PaymentSucceeded = "succeeded"
)

// Subscriber is a customer of a business user and the subject of agent sequences.
type Subscriber struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Email  string `gorm:"not null;index" json:"email"`
	Name   string `json:"name"`
	Status string `gorm:"default:'trialing';index" json:"status"` // trialing, active, past_due, canceled
	Plan   string `json:"plan"`

	MRRCents    int     `gorm:"default:0" json:"mrr_cents"`
	HealthScore float64 `gorm:"not null" json:"health_score"` // 0-100, computed upstream

	StripeCustomerID     *string `gorm:"index" json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID *string `json:"stripe_subscription_id,omitempty"`

	Tags []string `gorm:"type:jsonb;serializer:json" json:"tags"`

	SubscribedAt time.Time  `gorm:"not null" json:"subscribed_at"`
	ConvertedAt  *time.Time `json:"converted_at"`
	ChurnedAt    *time.Time `json:"churned_at"`

	PaymentEvents []PaymentEvent `gorm:"foreignKey:SubscriberID" json:"payment_events,omitempty"`
}

// HasTag reports whether the subscriber already carries tag.
func (s *Subscriber) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// PaymentEvent records an invoice outcome reported by Stripe.
type PaymentEvent struct {
	gorm.Model
	UserID       uint `gorm:"not null;index" json:"user_id"`
	SubscriberID uint `gorm:"not null;index" json:"subscriber_id"`

	StripeInvoiceID string     `gorm:"not null;uniqueIndex" json:"stripe_invoice_id"`
	AmountCents     int64      `json:"amount_cents"`
	Currency        string     `gorm:"default:'usd'" json:"currency"`
	Status          string     `gorm:"not null;index" json:"status"` // failed, succeeded
	FailureMessage  string     `json:"failure_message,omitempty"`
	OccurredAt      time.Time  `gorm:"not null" json:"occurred_at"`
	RecoveredAt     *time.Time `json:"recovered_at"`
}
