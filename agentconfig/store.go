// Package agentconfig stores per-user, per-agent-type configuration.
package agentconfig

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"subpilot/apperr"
	"subpilot/models"
)

type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, clock: time.Now}
}

// WithClock overrides the time source used for last_run_at.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Ensure creates any missing config rows for userID with defaults. Existing
// rows are left untouched, so it is safe to call on every dashboard load.
func (s *Store) Ensure(ctx context.Context, userID uint) error {
	if userID == 0 {
		return apperr.Unauthorized("agentconfig.ensure", "missing user")
	}
	for _, agentType := range models.AgentTypes {
		cfg := models.DefaultAgentConfig(userID, agentType)
		err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}, {Name: "agent_type"}},
				DoNothing: true,
			}).
			Create(&cfg).Error
		if err != nil {
			return apperr.Internal("agentconfig.ensure", err)
		}
	}
	return nil
}

// Status is the initialization check result.
type Status struct {
	Initialized bool               `json:"initialized"`
	Count       int64              `json:"count"`
	Expected    int                `json:"expected"`
	Missing     []models.AgentType `json:"missing,omitempty"`
}

// IsInitialized reports whether userID has exactly one config per known
// agent type. More rows than agent types is an integrity problem and is
// reported as not initialized.
func (s *Store) IsInitialized(ctx context.Context, userID uint) (Status, error) {
	status := Status{Expected: models.AgentTypeCount}
	if userID == 0 {
		return status, apperr.Unauthorized("agentconfig.status", "missing user")
	}

	var present []models.AgentType
	if err := s.db.WithContext(ctx).Model(&models.AgentConfig{}).
		Where("user_id = ?", userID).
		Pluck("agent_type", &present).Error; err != nil {
		return status, apperr.Internal("agentconfig.status", err)
	}
	status.Count = int64(len(present))

	seen := make(map[models.AgentType]bool, len(present))
	for _, t := range present {
		seen[t] = true
	}
	for _, t := range models.AgentTypes {
		if !seen[t] {
			status.Missing = append(status.Missing, t)
		}
	}
	status.Initialized = status.Count == int64(models.AgentTypeCount) && len(status.Missing) == 0
	return status, nil
}

// List returns every config row of userID.
func (s *Store) List(ctx context.Context, userID uint) ([]models.AgentConfig, error) {
	var cfgs []models.AgentConfig
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("agent_type").
		Find(&cfgs).Error; err != nil {
		return nil, apperr.Internal("agentconfig.list", err)
	}
	return cfgs, nil
}

func (s *Store) Get(ctx context.Context, userID uint, agentType models.AgentType) (*models.AgentConfig, error) {
	if !agentType.Valid() {
		return nil, apperr.Validation("agentconfig.get", "unknown agent type "+string(agentType))
	}
	var cfg models.AgentConfig
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND agent_type = ?", userID, agentType).
		First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("agentconfig.get", "agent config not found")
	}
	if err != nil {
		return nil, apperr.Internal("agentconfig.get", err)
	}
	return &cfg, nil
}

// Update holds the user-editable settings of one config. Nil fields are kept.
type Update struct {
	Enabled    *bool              `json:"enabled"`
	Tone       *string            `json:"tone" validate:"omitempty,oneof=friendly formal direct"`
	Thresholds map[string]float64 `json:"thresholds" validate:"omitempty,dive,gte=0"`
	Settings   map[string]string  `json:"settings"`
}

// Apply updates the config of agentType for userID and returns the new row.
func (s *Store) Apply(ctx context.Context, userID uint, agentType models.AgentType, upd Update) (*models.AgentConfig, error) {
	cfg, err := s.Get(ctx, userID, agentType)
	if err != nil {
		return nil, err
	}

	changes := map[string]interface{}{}
	if upd.Enabled != nil {
		changes["enabled"] = *upd.Enabled
	}
	if upd.Tone != nil {
		changes["tone"] = *upd.Tone
	}
	if upd.Thresholds != nil {
		merged := make(map[string]float64, len(cfg.Thresholds)+len(upd.Thresholds))
		for k, v := range cfg.Thresholds {
			merged[k] = v
		}
		for k, v := range upd.Thresholds {
			merged[k] = v
		}
		cfg.Thresholds = merged
	}
	if upd.Settings != nil {
		merged := make(map[string]string, len(cfg.Settings)+len(upd.Settings))
		for k, v := range cfg.Settings {
			merged[k] = v
		}
		for k, v := range upd.Settings {
			merged[k] = v
		}
		cfg.Settings = merged
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(changes) > 0 {
			if err := tx.Model(cfg).Updates(changes).Error; err != nil {
				return err
			}
		}
		if upd.Thresholds != nil || upd.Settings != nil {
			return tx.Model(cfg).Select("thresholds", "settings").Updates(cfg).Error
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Internal("agentconfig.apply", err)
	}
	return s.Get(ctx, userID, agentType)
}

// RecordRun stamps last_run_at after a processor pass touched userID.
func (s *Store) RecordRun(ctx context.Context, userID uint, agentType models.AgentType) error {
	err := s.db.WithContext(ctx).Model(&models.AgentConfig{}).
		Where("user_id = ? AND agent_type = ?", userID, agentType).
		Update("last_run_at", s.clock().UTC()).Error
	if err != nil {
		return apperr.Internal("agentconfig.record_run", err)
	}
	return nil
}

// EnabledOwners returns the enabled configs of agentType across all users.
func (s *Store) EnabledOwners(ctx context.Context, agentType models.AgentType) ([]models.AgentConfig, error) {
	var cfgs []models.AgentConfig
	if err := s.db.WithContext(ctx).
		Where("agent_type = ? AND enabled = ?", agentType, true).
		Order("user_id").
		Find(&cfgs).Error; err != nil {
		return nil, apperr.Internal("agentconfig.enabled_owners", err)
	}
	return cfgs, nil
}
