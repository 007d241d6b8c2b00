package models

import (
	"time"

	"gorm.io/gorm"
)

// SequenceType names a per-subject multi-step process.
type SequenceType string

const (
	SequenceOnboarding SequenceType = "onboarding"
	SequenceRecovery   SequenceType = "recovery"
	SequenceRetention  SequenceType = "retention"
)

const (
	SequenceActive    = "active"
	SequenceCompleted = "completed"
	SequenceCancelled = "cancelled"
	SequenceExhausted = "exhausted"
)

// SequenceState tracks one subject's progress through one sequence type.
// There is a single row per (subscriber, sequence type); a new trigger cycle
// restarts the row instead of inserting another.
type SequenceState struct {
	gorm.Model
	SubscriberID uint         `gorm:"not null;uniqueIndex:idx_sequence_subject_type" json:"subscriber_id"`
	SequenceType SequenceType `gorm:"not null;size:32;uniqueIndex:idx_sequence_subject_type" json:"sequence_type"`
	UserID       uint         `gorm:"not null;index" json:"user_id"`

	Cycle      int    `gorm:"default:1" json:"cycle"`
	TriggerRef string `json:"trigger_ref"`
	Step       int    `gorm:"default:0" json:"step"`
	Status     string `gorm:"not null;size:16;default:'active';index" json:"status"`

	PendingActionID *string `gorm:"size:36" json:"pending_action_id"`

	StartedAt      time.Time  `gorm:"not null" json:"started_at"`
	LastAdvancedAt *time.Time `json:"last_advanced_at"`
	EndedAt        *time.Time `json:"ended_at"`
	EndReason      string     `json:"end_reason,omitempty"`
}

// Terminal reports whether the sequence has stopped.
func (s *SequenceState) Terminal() bool {
	return s.Status != SequenceActive
}
