package models

import (
	"gorm.io/gorm"
)

// User is the business owner of subscribers, agent configs and agent actions.
type User struct {
	gorm.Model

	Email        string  `gorm:"uniqueIndex;not null" json:"email"`
	Name         *string `json:"name,omitempty"`
	Company      *string `json:"company,omitempty"`
	IsActive     bool    `gorm:"default:true" json:"is_active"`
	TokenVersion int     `gorm:"default:0" json:"-"`

	// Connected Stripe account billing side effects run against.
	StripeAccountID *string `gorm:"index" json:"stripe_account_id,omitempty"`

	Subscribers  []Subscriber  `gorm:"foreignKey:UserID" json:"subscribers,omitempty"`
	AgentConfigs []AgentConfig `gorm:"foreignKey:UserID" json:"agent_configs,omitempty"`
}
