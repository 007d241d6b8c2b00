// Package ledger is the durable store of agent actions and the single
// owner of their approval state machine.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"subpilot/apperr"
	"subpilot/models"
)

// ErrNoLongerPending is wrapped into the InvalidState error returned when an
// approval or rejection finds the action already decided.
var ErrNoLongerPending = errors.New("action is no longer pending approval")

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type Ledger struct {
	db    *gorm.DB
	clock func() time.Time
}

func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

func (l *Ledger) now() time.Time { return l.clock().UTC() }

// Proposal describes an action a sequence processor wants approved.
type Proposal struct {
	UserID       uint
	SubscriberID uint
	AgentType    models.AgentType
	ActionType   models.ActionType
	Payload      any
	DedupKey     string
	Trigger      string
	Step         int
}

// DedupKey builds the key for one step of one trigger cycle of a subject.
func DedupKey(agentType models.AgentType, subscriberID uint, cycle, step int) string {
	return fmt.Sprintf("%s:%d:%d:%d", agentType, subscriberID, cycle, step)
}

// Propose records a pending_approval action. When an action with the same
// dedup key already exists it is returned instead and created is false.
func (l *Ledger) Propose(ctx context.Context, p Proposal) (action *models.AgentAction, created bool, err error) {
	const op = "ledger.propose"
	switch {
	case p.UserID == 0 || p.SubscriberID == 0:
		return nil, false, apperr.Validation(op, "owner and subscriber are required")
	case !p.AgentType.Valid():
		return nil, false, apperr.Validation(op, "unknown agent type "+string(p.AgentType))
	case !p.ActionType.Valid():
		return nil, false, apperr.Validation(op, "unknown action type "+string(p.ActionType))
	case p.DedupKey == "":
		return nil, false, apperr.Validation(op, "dedup key is required")
	}

	payload, err := models.EncodePayload(p.Payload)
	if err != nil {
		return nil, false, apperr.Wrap(apperr.KindValidation, op, err)
	}

	now := l.now()
	candidate := models.AgentAction{
		ID:           uuid.NewString(),
		UserID:       p.UserID,
		SubscriberID: p.SubscriberID,
		AgentType:    p.AgentType,
		ActionType:   p.ActionType,
		Payload:      payload,
		DedupKey:     p.DedupKey,
		Trigger:      p.Trigger,
		Step:         p.Step,
		Status:       models.StatusPendingApproval,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	res := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "dedup_key"}}, DoNothing: true}).
		Create(&candidate)
	if res.Error != nil {
		return nil, false, apperr.Internal(op, res.Error)
	}
	if res.RowsAffected == 1 {
		return &candidate, true, nil
	}

	var existing models.AgentAction
	if err := l.db.WithContext(ctx).Where("dedup_key = ?", p.DedupKey).First(&existing).Error; err != nil {
		return nil, false, apperr.Internal(op, err)
	}
	return &existing, false, nil
}

// Get loads an action on behalf of userID.
func (l *Ledger) Get(ctx context.Context, id string, userID uint) (*models.AgentAction, error) {
	const op = "ledger.get"
	if userID == 0 {
		return nil, apperr.Unauthorized(op, "missing caller identity")
	}
	var action models.AgentAction
	err := l.db.WithContext(ctx).Where("id = ?", id).First(&action).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound(op, "action "+id+" not found")
	}
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	if action.UserID != userID {
		return nil, apperr.Forbidden(op, "action "+id+" belongs to another user")
	}
	return &action, nil
}

// Filter narrows a List call. Zero values mean "any".
type Filter struct {
	Status    models.ActionStatus
	AgentType models.AgentType
	Limit     int
	Offset    int
}

// Page is one window of a List result. Total ignores Limit and Offset.
type Page struct {
	Actions []models.AgentAction `json:"actions"`
	Total   int64                `json:"total"`
	Limit   int                  `json:"limit"`
	Offset  int                  `json:"offset"`
}

// List returns userID's actions newest first.
func (l *Ledger) List(ctx context.Context, userID uint, f Filter) (*Page, error) {
	const op = "ledger.list"
	if userID == 0 {
		return nil, apperr.Unauthorized(op, "missing caller identity")
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, apperr.Validation(op, "unknown status "+string(f.Status))
	}
	if f.AgentType != "" && !f.AgentType.Valid() {
		return nil, apperr.Validation(op, "unknown agent type "+string(f.AgentType))
	}
	if f.Offset < 0 {
		return nil, apperr.Validation(op, "offset must not be negative")
	}
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultPageSize
	case f.Limit > MaxPageSize:
		f.Limit = MaxPageSize
	}

	scope := func(db *gorm.DB) *gorm.DB {
		db = db.Where("user_id = ?", userID)
		if f.Status != "" {
			db = db.Where("status = ?", f.Status)
		}
		if f.AgentType != "" {
			db = db.Where("agent_type = ?", f.AgentType)
		}
		return db
	}

	page := &Page{Actions: []models.AgentAction{}, Limit: f.Limit, Offset: f.Offset}
	if err := l.db.WithContext(ctx).Model(&models.AgentAction{}).Scopes(scope).Count(&page.Total).Error; err != nil {
		return nil, apperr.Internal(op, err)
	}
	if err := l.db.WithContext(ctx).Scopes(scope).
		Order("created_at DESC").Order("id DESC").
		Limit(f.Limit).Offset(f.Offset).
		Find(&page.Actions).Error; err != nil {
		return nil, apperr.Internal(op, err)
	}
	return page, nil
}

// Summary counts userID's actions per status.
func (l *Ledger) Summary(ctx context.Context, userID uint) (map[models.ActionStatus]int64, error) {
	var rows []struct {
		Status models.ActionStatus
		Count  int64
	}
	err := l.db.WithContext(ctx).Model(&models.AgentAction{}).
		Select("status, COUNT(*) AS count").
		Where("user_id = ?", userID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, apperr.Internal("ledger.summary", err)
	}
	out := make(map[models.ActionStatus]int64, len(rows))
	for _, s := range []models.ActionStatus{
		models.StatusPendingApproval, models.StatusApproved, models.StatusRejected,
		models.StatusExecuted, models.StatusFailed,
	} {
		out[s] = 0
	}
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}

// Approve moves a pending action to approved on behalf of its owner.
func (l *Ledger) Approve(ctx context.Context, id string, approverID uint) (*models.AgentAction, error) {
	now := l.now()
	return l.transition(ctx, "ledger.approve", id, approverID,
		models.StatusPendingApproval, models.StatusApproved,
		map[string]interface{}{
			"decided_at": now,
			"decided_by": fmt.Sprintf("user:%d", approverID),
		})
}

// ApproveByPolicy approves a low-risk action without a human decision.
func (l *Ledger) ApproveByPolicy(ctx context.Context, id string, ownerID uint, policy string) (*models.AgentAction, error) {
	now := l.now()
	return l.transition(ctx, "ledger.approve_policy", id, ownerID,
		models.StatusPendingApproval, models.StatusApproved,
		map[string]interface{}{
			"decided_at":    now,
			"decided_by":    "policy:" + policy,
			"auto_approved": true,
		})
}

// Reject declines a pending action. Rejected is terminal.
func (l *Ledger) Reject(ctx context.Context, id string, userID uint, reason string) (*models.AgentAction, error) {
	now := l.now()
	return l.transition(ctx, "ledger.reject", id, userID,
		models.StatusPendingApproval, models.StatusRejected,
		map[string]interface{}{
			"decided_at": now,
			"decided_by": fmt.Sprintf("user:%d", userID),
			"reason":     reason,
		})
}

// MarkExecuted records a successful side effect.
func (l *Ledger) MarkExecuted(ctx context.Context, id string, ownerID uint, ref string) (*models.AgentAction, error) {
	now := l.now()
	return l.transition(ctx, "ledger.mark_executed", id, ownerID,
		models.StatusApproved, models.StatusExecuted,
		map[string]interface{}{
			"executed_at":   now,
			"execution_ref": ref,
			"error":         nil,
		})
}

// MarkFailed records a failed side effect. executed_at stays unset.
func (l *Ledger) MarkFailed(ctx context.Context, id string, ownerID uint, cause error) (*models.AgentAction, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return l.transition(ctx, "ledger.mark_failed", id, ownerID,
		models.StatusApproved, models.StatusFailed,
		map[string]interface{}{"error": msg})
}

// transition applies from -> to as a compare-and-set on the current status,
// so among concurrent callers only the first one wins.
func (l *Ledger) transition(
	ctx context.Context,
	op, id string,
	actorID uint,
	from, to models.ActionStatus,
	extra map[string]interface{},
) (*models.AgentAction, error) {
	if !CanTransition(from, to) {
		return nil, apperr.InvalidState(op, "illegal transition %s -> %s", from, to)
	}

	action, err := l.Get(ctx, id, actorID)
	if err != nil {
		return nil, err
	}
	if action.Status != from {
		return nil, notInState(op, action, from)
	}

	updates := map[string]interface{}{
		"status":     to,
		"updated_at": l.now(),
	}
	for k, v := range extra {
		updates[k] = v
	}

	res := l.db.WithContext(ctx).Model(&models.AgentAction{}).
		Where("id = ? AND user_id = ? AND status = ?", id, actorID, from).
		Updates(updates)
	if res.Error != nil {
		return nil, apperr.Internal(op, res.Error)
	}

	current, err := l.Get(ctx, id, actorID)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return nil, notInState(op, current, from)
	}
	return current, nil
}

func notInState(op string, action *models.AgentAction, want models.ActionStatus) error {
	if want == models.StatusPendingApproval {
		return apperr.Wrap(apperr.KindInvalidState, op,
			fmt.Errorf("action %s: %w (status %s)", action.ID, ErrNoLongerPending, action.Status))
	}
	return apperr.InvalidState(op, "action %s is %s, expected %s", action.ID, action.Status, want)
}
