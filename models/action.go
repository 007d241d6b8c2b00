package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionStatus is a state of the action approval state machine.
type ActionStatus string

const (
	StatusPendingApproval ActionStatus = "pending_approval"
	StatusApproved        ActionStatus = "approved"
	StatusRejected        ActionStatus = "rejected"
	StatusExecuted        ActionStatus = "executed"
	StatusFailed          ActionStatus = "failed"
)

var actionStatuses = []ActionStatus{
	StatusPendingApproval, StatusApproved, StatusRejected, StatusExecuted, StatusFailed,
}

func (s ActionStatus) Valid() bool {
	for _, known := range actionStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s ActionStatus) Terminal() bool {
	return s == StatusRejected || s == StatusExecuted || s == StatusFailed
}

// ActionType is the closed set of side effects the executor knows how to run.
type ActionType string

const (
	ActionSendEmail     ActionType = "send_email"
	ActionRetryPayment  ActionType = "retry_payment"
	ActionApplyTag      ActionType = "apply_tag"
	ActionOfferDiscount ActionType = "offer_discount"
)

// ActionTypes lists every variant the executor dispatches on.
var ActionTypes = []ActionType{ActionSendEmail, ActionRetryPayment, ActionApplyTag, ActionOfferDiscount}

func (t ActionType) Valid() bool {
	for _, known := range ActionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// AgentAction is a proposed, approvable unit of work. Rows are never deleted.
type AgentAction struct {
	ID           string     `gorm:"primaryKey;size:36" json:"id"`
	UserID       uint       `gorm:"not null;index:idx_action_user_status;index:idx_action_user_agent" json:"user_id"`
	SubscriberID uint       `gorm:"not null;index" json:"subscriber_id"`
	AgentType    AgentType  `gorm:"not null;size:32;index:idx_action_user_agent" json:"agent_type"`
	ActionType   ActionType `gorm:"not null;size:32" json:"action_type"`

	// Payload is written once at proposal time and never updated.
	Payload map[string]any `gorm:"type:jsonb;serializer:json" json:"payload"`

	// DedupKey identifies the trigger condition that produced the action.
	DedupKey string `gorm:"not null;size:191;uniqueIndex" json:"dedup_key"`
	Trigger  string `json:"trigger"`
	Step     int    `json:"step"`

	Status       ActionStatus `gorm:"not null;size:32;default:'pending_approval';index:idx_action_user_status" json:"status"`
	DecidedBy    string       `json:"decided_by,omitempty"`
	AutoApproved bool         `gorm:"default:false" json:"auto_approved"`
	Reason       string       `json:"reason,omitempty"`
	ExecutionRef string       `json:"execution_ref,omitempty"`
	Error        *string      `json:"error"`

	CreatedAt  time.Time  `gorm:"not null;index" json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	DecidedAt  *time.Time `json:"decided_at"`
	ExecutedAt *time.Time `json:"executed_at"`
}

// EmailPayload drives ActionSendEmail.
type EmailPayload struct {
	To       string            `json:"to"`
	Name     string            `json:"name,omitempty"`
	Template string            `json:"template"`
	Tone     string            `json:"tone,omitempty"`
	Vars     map[string]string `json:"vars,omitempty"`
}

// PaymentRetryPayload drives ActionRetryPayment.
type PaymentRetryPayload struct {
	InvoiceID   string `json:"invoice_id"`
	AmountCents int64  `json:"amount_cents"`
}

// TagPayload drives ActionApplyTag.
type TagPayload struct {
	Tag string `json:"tag"`
}

// DiscountPayload drives ActionOfferDiscount.
type DiscountPayload struct {
	SubscriptionID string `json:"subscription_id"`
	CouponID       string `json:"coupon_id"`
}

// EncodePayload flattens a typed payload into the stored map form.
func EncodePayload(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return out, nil
}

// DecodePayload reads the stored payload into a typed payload.
func (a *AgentAction) DecodePayload(v any) error {
	raw, err := json.Marshal(a.Payload)
	if err != nil {
		return fmt.Errorf("decode payload of %s: %w", a.ID, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload of %s: %w", a.ID, err)
	}
	return nil
}
