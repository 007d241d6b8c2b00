// Package executor applies approval decisions and performs the side effect
// behind each approved action.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"subpilot/apperr"
	"subpilot/ledger"
	"subpilot/models"
	"subpilot/utils"
)

// ErrUnknownActionType marks an action whose type has no handler.
var ErrUnknownActionType = errors.New("unknown action type")

// Mailer sends a templated communication and returns its message id.
type Mailer interface {
	Send(ctx context.Context, e utils.Email) (string, error)
}

// Billing performs payment operations on the owner's connected account.
type Billing interface {
	RetryInvoice(ctx context.Context, accountID, invoiceID string) (string, error)
	ApplyCoupon(ctx context.Context, accountID, subscriptionID, couponID string) (string, error)
}

// CRM updates subscriber records.
type CRM interface {
	ApplyTag(ctx context.Context, userID, subscriberID uint, tag string) (string, error)
}

type Options struct {
	// Timeout bounds one downstream call.
	Timeout time.Duration
	// Concurrency bounds how many batch items run at once.
	Concurrency int
}

const (
	DefaultTimeout     = 15 * time.Second
	DefaultConcurrency = 4
	MaxBatchSize       = 100
)

type Executor struct {
	ledger  *ledger.Ledger
	db      *gorm.DB
	mailer  Mailer
	billing Billing
	crm     CRM
	logger  *logrus.Logger
	opts    Options
	clock   func() time.Time
}

func New(l *ledger.Ledger, db *gorm.DB, mailer Mailer, billing Billing, crm CRM, logger *logrus.Logger, opts Options) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Executor{
		ledger:  l,
		db:      db,
		mailer:  mailer,
		billing: billing,
		crm:     crm,
		logger:  logger,
		opts:    opts,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Executor) WithClock(clock func() time.Time) *Executor {
	e.clock = clock
	return e
}

// ApproveAndExecute approves a pending action on behalf of approverID and
// runs its side effect. A failed side effect leaves the action failed and is
// returned as a Downstream error together with the failed action.
func (e *Executor) ApproveAndExecute(ctx context.Context, id string, approverID uint) (*models.AgentAction, error) {
	action, err := e.ledger.Approve(ctx, id, approverID)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, "executor.approve_and_execute", action)
}

// AutoExecute approves a low-risk action under policy and runs it.
func (e *Executor) AutoExecute(ctx context.Context, action *models.AgentAction, policy string) (*models.AgentAction, error) {
	approved, err := e.ledger.ApproveByPolicy(ctx, action.ID, action.UserID, policy)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, "executor.auto_execute", approved)
}

// Reject declines a pending action.
func (e *Executor) Reject(ctx context.Context, id string, userID uint, reason string) (*models.AgentAction, error) {
	return e.ledger.Reject(ctx, id, userID, reason)
}

// Execute runs an action that was approved but never finished, for example
// because the process stopped between approval and execution. Actions
// approved more recently than twice the downstream timeout may still be in
// flight and are refused.
func (e *Executor) Execute(ctx context.Context, id string, userID uint) (*models.AgentAction, error) {
	const op = "executor.execute"
	action, err := e.ledger.Get(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if action.Status != models.StatusApproved {
		return nil, apperr.InvalidState(op, "action %s is %s, expected %s", action.ID, action.Status, models.StatusApproved)
	}
	if action.DecidedAt != nil && e.clock().Sub(*action.DecidedAt) < 2*e.opts.Timeout {
		return nil, apperr.InvalidState(op, "action %s was approved recently and may still be executing", action.ID)
	}
	return e.run(ctx, op, action)
}

func (e *Executor) run(ctx context.Context, op string, action *models.AgentAction) (*models.AgentAction, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	ref, runErr := e.dispatch(callCtx, action)
	cancel()

	// The side effect has already happened or failed; recording it must not
	// depend on the caller still waiting, or the action stays approved and a
	// later Execute repeats it.
	done := context.WithoutCancel(ctx)
	if runErr != nil {
		failed, err := e.ledger.MarkFailed(done, action.ID, action.UserID, runErr)
		if err != nil {
			return nil, err
		}
		utils.LogError(e.logger, "action_failed", runErr, map[string]interface{}{
			"action_id":   action.ID,
			"action_type": action.ActionType,
			"user_id":     action.UserID,
		})
		return failed, apperr.Downstream(op, runErr)
	}

	executed, err := e.ledger.MarkExecuted(done, action.ID, action.UserID, ref)
	if err != nil {
		return nil, err
	}
	utils.LogEvent(e.logger, "action_executed", map[string]interface{}{
		"action_id":     action.ID,
		"action_type":   action.ActionType,
		"user_id":       action.UserID,
		"execution_ref": ref,
	})
	return executed, nil
}

// dispatch performs the side effect for one variant of the closed action set.
func (e *Executor) dispatch(ctx context.Context, a *models.AgentAction) (string, error) {
	switch a.ActionType {
	case models.ActionSendEmail:
		var p models.EmailPayload
		if err := a.DecodePayload(&p); err != nil {
			return "", err
		}
		if e.mailer == nil {
			return "", errors.New("mailer is not configured")
		}
		return e.mailer.Send(ctx, utils.Email{
			To:       p.To,
			Name:     p.Name,
			Template: p.Template,
			Tone:     p.Tone,
			Vars:     p.Vars,
		})

	case models.ActionRetryPayment:
		var p models.PaymentRetryPayload
		if err := a.DecodePayload(&p); err != nil {
			return "", err
		}
		if e.billing == nil {
			return "", errors.New("billing is not configured")
		}
		account, err := e.stripeAccount(ctx, a.UserID)
		if err != nil {
			return "", err
		}
		return e.billing.RetryInvoice(ctx, account, p.InvoiceID)

	case models.ActionApplyTag:
		var p models.TagPayload
		if err := a.DecodePayload(&p); err != nil {
			return "", err
		}
		if e.crm == nil {
			return "", errors.New("crm is not configured")
		}
		return e.crm.ApplyTag(ctx, a.UserID, a.SubscriberID, p.Tag)

	case models.ActionOfferDiscount:
		var p models.DiscountPayload
		if err := a.DecodePayload(&p); err != nil {
			return "", err
		}
		if e.billing == nil {
			return "", errors.New("billing is not configured")
		}
		account, err := e.stripeAccount(ctx, a.UserID)
		if err != nil {
			return "", err
		}
		return e.billing.ApplyCoupon(ctx, account, p.SubscriptionID, p.CouponID)

	default:
		return "", fmt.Errorf("%w %q", ErrUnknownActionType, a.ActionType)
	}
}

func (e *Executor) stripeAccount(ctx context.Context, userID uint) (string, error) {
	var user models.User
	if err := e.db.WithContext(ctx).Select("id", "stripe_account_id").First(&user, userID).Error; err != nil {
		return "", fmt.Errorf("load owner %d: %w", userID, err)
	}
	if user.StripeAccountID == nil {
		return "", nil
	}
	return *user.StripeAccountID, nil
}
