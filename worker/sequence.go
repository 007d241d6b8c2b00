package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"subpilot/agentconfig"
	"subpilot/apperr"
	"subpilot/ledger"
	"subpilot/models"
	"subpilot/utils"
)

// AutoExecutor runs low-risk actions under a policy approval.
type AutoExecutor interface {
	AutoExecute(ctx context.Context, action *models.AgentAction, policy string) (*models.AgentAction, error)
}

// PassResult summarises one processor pass.
type PassResult struct {
	Sequence       models.SequenceType `json:"sequence"`
	Owners         int                 `json:"owners"`
	Processed      int                 `json:"processed"`
	Started        int                 `json:"started"`
	Advanced       int                 `json:"advanced"`
	Completed      int                 `json:"completed"`
	ActionsCreated int                 `json:"actions_created"`
	AutoExecuted   int                 `json:"auto_executed"`
	Errors         int                 `json:"errors"`
	StartedAt      time.Time           `json:"started_at"`
	FinishedAt     time.Time           `json:"finished_at"`

	mu sync.Mutex
}

func (r *PassResult) add(t tally) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Processed++
	r.Started += t.started
	r.Advanced += t.advanced
	r.Completed += t.completed
	r.ActionsCreated += t.created
	r.AutoExecuted += t.autoExecuted
	if t.err {
		r.Errors++
	}
}

func (r *PassResult) fail() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors++
}

// tally counts the state changes made for one subject.
type tally struct {
	started      int
	advanced     int
	completed    int
	created      int
	autoExecuted int
	err          bool
}

// subject is one subscriber evaluated by a pass, with whatever the
// processor attached while assessing it.
type subject struct {
	Subscriber models.Subscriber
	Config     *models.AgentConfig
	State      *models.SequenceState
	Event      *models.PaymentEvent
	Now        time.Time
}

// trigger describes why a subject qualifies for a sequence right now.
type trigger struct {
	Ref string
	At  time.Time
}

// assessment is a processor's verdict on one subject.
type assessment struct {
	// Trigger is set while the subject qualifies.
	Trigger *trigger
	// EndStatus stops an active sequence with EndReason.
	EndStatus string
	EndReason string
}

// step is one stage of a sequence. Due is measured from the state's StartedAt.
type step struct {
	Name       string
	ActionType models.ActionType
	// Auto steps are approved by policy and executed in the same pass.
	Auto  bool
	After func(cfg *models.AgentConfig) time.Duration
	// Build returns the payload for the action, or ok=false to skip the step.
	Build func(s *subject) (payload any, ok bool)
}

type processor interface {
	sequenceType() models.SequenceType
	agentType() models.AgentType
	steps() []step
	// cooldown is the minimum time between the end of one cycle and the next.
	cooldown(cfg *models.AgentConfig) time.Duration
	// candidates returns ids of the owner's subscribers that may qualify.
	candidates(ctx context.Context, db *gorm.DB, cfg *models.AgentConfig, now time.Time) ([]uint, error)
	assess(ctx context.Context, db *gorm.DB, s *subject) (assessment, error)
}

type EngineOptions struct {
	// Concurrency bounds how many subjects are processed at once.
	Concurrency int
	// SubjectTimeout bounds the work done for one subject.
	SubjectTimeout time.Duration
}

// Engine drives processors through the shared sequence-stepping logic.
type Engine struct {
	db       *gorm.DB
	ledger   *ledger.Ledger
	configs  *agentconfig.Store
	executor AutoExecutor
	logger   *logrus.Logger
	opts     EngineOptions
	clock    func() time.Time
}

func NewEngine(db *gorm.DB, l *ledger.Ledger, configs *agentconfig.Store, executor AutoExecutor, logger *logrus.Logger, opts EngineOptions) *Engine {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.SubjectTimeout <= 0 {
		opts.SubjectTimeout = time.Minute
	}
	return &Engine{
		db:       db,
		ledger:   l,
		configs:  configs,
		executor: executor,
		logger:   logger,
		opts:     opts,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

func (e *Engine) now() time.Time { return e.clock().UTC() }

// run executes one pass of p over every owner with p's agent enabled.
// Per-subject failures are counted and never abort the pass; failing to load
// the owners at all is returned as an error.
func (e *Engine) run(ctx context.Context, p processor) (*PassResult, error) {
	op := "worker." + string(p.sequenceType())
	res := &PassResult{Sequence: p.sequenceType(), StartedAt: e.now()}

	owners, err := e.configs.EnabledOwners(ctx, p.agentType())
	if err != nil {
		return nil, err
	}
	res.Owners = len(owners)

	for i := range owners {
		cfg := &owners[i]
		if err := ctx.Err(); err != nil {
			return nil, apperr.Internal(op, err)
		}
		if err := e.runOwner(ctx, p, cfg, res); err != nil {
			res.fail()
			utils.LogError(e.logger, "sequence_owner_failed", err, map[string]interface{}{
				"sequence": p.sequenceType(),
				"user_id":  cfg.UserID,
			})
			continue
		}
		if err := e.configs.RecordRun(ctx, cfg.UserID, p.agentType()); err != nil {
			e.logger.WithError(err).WithField("user_id", cfg.UserID).Warn("Failed to record agent run")
		}
	}

	res.FinishedAt = e.now()
	utils.LogEvent(e.logger, "sequence_pass_finished", map[string]interface{}{
		"sequence":        res.Sequence,
		"owners":          res.Owners,
		"processed":       res.Processed,
		"advanced":        res.Advanced,
		"completed":       res.Completed,
		"actions_created": res.ActionsCreated,
		"errors":          res.Errors,
	})
	return res, nil
}

func (e *Engine) runOwner(ctx context.Context, p processor, cfg *models.AgentConfig, res *PassResult) error {
	now := e.now()
	ids, err := p.candidates(ctx, e.db, cfg, now)
	if err != nil {
		return fmt.Errorf("load candidates: %w", err)
	}

	var active []uint
	if err := e.db.WithContext(ctx).Model(&models.SequenceState{}).
		Where("user_id = ? AND sequence_type = ? AND status = ?", cfg.UserID, p.sequenceType(), models.SequenceActive).
		Pluck("subscriber_id", &active).Error; err != nil {
		return fmt.Errorf("load active sequences: %w", err)
	}
	ids = mergeIDs(ids, active)
	if len(ids) == 0 {
		return nil
	}

	var subs []models.Subscriber
	if err := e.db.WithContext(ctx).
		Where("user_id = ? AND id IN ?", cfg.UserID, ids).
		Order("id").
		Find(&subs).Error; err != nil {
		return fmt.Errorf("load subscribers: %w", err)
	}

	g := new(errgroup.Group)
	g.SetLimit(e.opts.Concurrency)
	for i := range subs {
		sub := subs[i]
		g.Go(func() error {
			subCtx, cancel := context.WithTimeout(ctx, e.opts.SubjectTimeout)
			defer cancel()

			t, err := e.processSubject(subCtx, p, cfg, sub, now)
			if err != nil {
				t.err = true
				utils.LogError(e.logger, "sequence_subject_failed", err, map[string]interface{}{
					"sequence":      p.sequenceType(),
					"user_id":       cfg.UserID,
					"subscriber_id": sub.ID,
				})
			}
			res.add(t)
			return nil
		})
	}
	return g.Wait()
}

// processSubject moves one subject's sequence forward as far as it can go in
// this pass. It stops at a step that is not yet due, at an action awaiting a
// human decision, or when the sequence ends, so a second pass at the same
// instant changes nothing.
func (e *Engine) processSubject(ctx context.Context, p processor, cfg *models.AgentConfig, sub models.Subscriber, now time.Time) (tally, error) {
	var t tally
	s := &subject{Subscriber: sub, Config: cfg, Now: now}

	state, err := e.loadState(ctx, sub.ID, p.sequenceType())
	if err != nil {
		return t, err
	}
	s.State = state

	verdict, err := p.assess(ctx, e.db, s)
	if err != nil {
		return t, err
	}

	if state != nil && !state.Terminal() && verdict.EndStatus != "" {
		ended, err := e.endState(ctx, state, verdict.EndStatus, verdict.EndReason)
		if err != nil {
			return t, err
		}
		if ended {
			t.completed++
		}
		return t, nil
	}

	switch {
	case verdict.Trigger == nil:
		if state == nil || state.Terminal() {
			return t, nil
		}
	case state == nil:
		if s.State, err = e.startState(ctx, p, sub, verdict.Trigger); err != nil {
			return t, err
		}
		t.started++
	case state.Terminal() && e.canRestart(p, cfg, state, verdict.Trigger, now):
		if s.State, err = e.restartState(ctx, state, verdict.Trigger); err != nil {
			return t, err
		}
		t.started++
	}

	if s.State.Terminal() {
		return t, nil
	}
	return e.step(ctx, p, s, t)
}

func (e *Engine) canRestart(p processor, cfg *models.AgentConfig, state *models.SequenceState, trig *trigger, now time.Time) bool {
	if trig.Ref == state.TriggerRef {
		return false
	}
	if state.EndedAt == nil {
		return true
	}
	return !now.Before(state.EndedAt.Add(p.cooldown(cfg)))
}

func (e *Engine) step(ctx context.Context, p processor, s *subject, t tally) (tally, error) {
	steps := p.steps()
	for guard := 0; guard <= 3*len(steps)+1; guard++ {
		state := s.State
		if state.Terminal() {
			return t, nil
		}

		if state.PendingActionID != nil {
			action, err := e.ledger.Get(ctx, *state.PendingActionID, state.UserID)
			if err != nil {
				return t, err
			}
			if !action.Status.Terminal() {
				return t, nil
			}
			if err := e.advance(ctx, s); err != nil {
				return t, err
			}
			t.advanced++
			continue
		}

		if state.Step >= len(steps) {
			ended, err := e.endState(ctx, state, models.SequenceExhausted, "all steps decided")
			if err != nil {
				return t, err
			}
			if ended {
				t.completed++
			}
			return t, nil
		}

		st := steps[state.Step]
		if s.Now.Before(state.StartedAt.Add(st.After(s.Config))) {
			return t, nil
		}

		payload, ok := st.Build(s)
		if !ok {
			if err := e.advance(ctx, s); err != nil {
				return t, err
			}
			t.advanced++
			continue
		}

		action, created, err := e.ledger.Propose(ctx, ledger.Proposal{
			UserID:       state.UserID,
			SubscriberID: state.SubscriberID,
			AgentType:    p.agentType(),
			ActionType:   st.ActionType,
			Payload:      payload,
			DedupKey:     ledger.DedupKey(p.agentType(), state.SubscriberID, state.Cycle, state.Step),
			Trigger:      fmt.Sprintf("%s %s: %s", p.sequenceType(), st.Name, state.TriggerRef),
			Step:         state.Step,
		})
		if err != nil {
			return t, err
		}
		if created {
			t.created++
		}
		if err := e.attach(ctx, s, action.ID); err != nil {
			return t, err
		}

		if st.Auto && action.Status == models.StatusPendingApproval {
			_, err := e.executor.AutoExecute(ctx, action, string(p.agentType()))
			switch {
			case err == nil:
				t.autoExecuted++
			case apperr.Is(err, apperr.KindDownstream):
				// Recorded as failed on the action; the step still counts as decided.
				t.autoExecuted++
			case apperr.Is(err, apperr.KindInvalidState):
				// Another pass decided it first.
			default:
				return t, err
			}
		}
	}
	return t, fmt.Errorf("sequence %s for subscriber %d did not settle", p.sequenceType(), s.Subscriber.ID)
}

func (e *Engine) loadState(ctx context.Context, subscriberID uint, seq models.SequenceType) (*models.SequenceState, error) {
	var state models.SequenceState
	err := e.db.WithContext(ctx).
		Where("subscriber_id = ? AND sequence_type = ?", subscriberID, seq).
		First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load sequence state: %w", err)
	}
	return &state, nil
}

func (e *Engine) reload(ctx context.Context, s *subject) error {
	state, err := e.loadState(ctx, s.Subscriber.ID, s.State.SequenceType)
	if err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("sequence state for subscriber %d disappeared", s.Subscriber.ID)
	}
	s.State = state
	return nil
}

func (e *Engine) startState(ctx context.Context, p processor, sub models.Subscriber, trig *trigger) (*models.SequenceState, error) {
	state := models.SequenceState{
		SubscriberID: sub.ID,
		SequenceType: p.sequenceType(),
		UserID:       sub.UserID,
		Cycle:        1,
		TriggerRef:   trig.Ref,
		Status:       models.SequenceActive,
		StartedAt:    trig.At.UTC(),
	}
	err := e.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subscriber_id"}, {Name: "sequence_type"}},
			DoNothing: true,
		}).
		Create(&state).Error
	if err != nil {
		return nil, fmt.Errorf("start sequence: %w", err)
	}
	// A concurrent pass may have won the insert; use whatever is stored.
	current, err := e.loadState(ctx, sub.ID, p.sequenceType())
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("sequence state for subscriber %d was not created", sub.ID)
	}
	return current, nil
}

func (e *Engine) restartState(ctx context.Context, state *models.SequenceState, trig *trigger) (*models.SequenceState, error) {
	err := e.db.WithContext(ctx).Model(&models.SequenceState{}).
		Where("id = ? AND cycle = ? AND status <> ?", state.ID, state.Cycle, models.SequenceActive).
		Updates(map[string]interface{}{
			"cycle":             state.Cycle + 1,
			"trigger_ref":       trig.Ref,
			"step":              0,
			"status":            models.SequenceActive,
			"pending_action_id": nil,
			"started_at":        trig.At.UTC(),
			"last_advanced_at":  nil,
			"ended_at":          nil,
			"end_reason":        "",
		}).Error
	if err != nil {
		return nil, fmt.Errorf("restart sequence: %w", err)
	}
	current, err := e.loadState(ctx, state.SubscriberID, state.SequenceType)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("sequence state for subscriber %d disappeared", state.SubscriberID)
	}
	return current, nil
}

// advance moves past the current step. The update only applies while the
// row is still on that step, so concurrent passes advance it once.
func (e *Engine) advance(ctx context.Context, s *subject) error {
	state := s.State
	err := e.db.WithContext(ctx).Model(&models.SequenceState{}).
		Where("id = ? AND cycle = ? AND step = ?", state.ID, state.Cycle, state.Step).
		Updates(map[string]interface{}{
			"step":              state.Step + 1,
			"pending_action_id": nil,
			"last_advanced_at":  s.Now,
		}).Error
	if err != nil {
		return fmt.Errorf("advance sequence: %w", err)
	}
	return e.reload(ctx, s)
}

func (e *Engine) attach(ctx context.Context, s *subject, actionID string) error {
	state := s.State
	err := e.db.WithContext(ctx).Model(&models.SequenceState{}).
		Where("id = ? AND cycle = ? AND step = ? AND pending_action_id IS NULL", state.ID, state.Cycle, state.Step).
		Update("pending_action_id", actionID).Error
	if err != nil {
		return fmt.Errorf("attach action: %w", err)
	}
	return e.reload(ctx, s)
}

// endState marks an active sequence terminal. It reports false when another
// pass ended it first.
func (e *Engine) endState(ctx context.Context, state *models.SequenceState, status, reason string) (bool, error) {
	now := e.now()
	res := e.db.WithContext(ctx).Model(&models.SequenceState{}).
		Where("id = ? AND status = ?", state.ID, models.SequenceActive).
		Updates(map[string]interface{}{
			"status":     status,
			"end_reason": reason,
			"ended_at":   now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("end sequence: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		state.Status = status
		state.EndReason = reason
		state.EndedAt = &now
	}
	return res.RowsAffected == 1, nil
}

func mergeIDs(a, b []uint) []uint {
	seen := make(map[uint]bool, len(a)+len(b))
	out := make([]uint, 0, len(a)+len(b))
	for _, list := range [][]uint{a, b} {
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}
