package utils

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"subpilot/models"
)

// SubscriberTagger applies CRM tags to subscribers stored in the local database.
type SubscriberTagger struct {
	db *gorm.DB
}

func NewSubscriberTagger(db *gorm.DB) *SubscriberTagger {
	return &SubscriberTagger{db: db}
}

// ApplyTag adds tag to the subscriber owned by userID. Applying a tag the
// subscriber already has is a no-op.
func (t *SubscriberTagger) ApplyTag(ctx context.Context, userID, subscriberID uint, tag string) (string, error) {
	if tag == "" {
		return "", errors.New("tag is required")
	}
	ref := fmt.Sprintf("subscriber:%d:tag:%s", subscriberID, tag)

	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub models.Subscriber
		if err := tx.Where("id = ? AND user_id = ?", subscriberID, userID).First(&sub).Error; err != nil {
			return fmt.Errorf("load subscriber %d: %w", subscriberID, err)
		}
		if sub.HasTag(tag) {
			return nil
		}
		tags := append(append([]string{}, sub.Tags...), tag)
		return tx.Model(&sub).Select("tags").Updates(&models.Subscriber{Tags: tags}).Error
	})
	if err != nil {
		return "", err
	}
	return ref, nil
}
