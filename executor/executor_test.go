package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"subpilot/apperr"
	"subpilot/ledger"
	"subpilot/models"
	"subpilot/testutil"
	"subpilot/utils"
)

type fakeMailer struct {
	mu     sync.Mutex
	sent   []utils.Email
	failTo map[string]error
}

func (m *fakeMailer) Send(_ context.Context, e utils.Email) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failTo[e.To]; err != nil {
		return "", err
	}
	m.sent = append(m.sent, e)
	return fmt.Sprintf("<msg-%d@test>", len(m.sent)), nil
}

func (m *fakeMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type billingCall struct {
	account, target, coupon string
}

type fakeBilling struct {
	mu    sync.Mutex
	calls []billingCall
	err   error
}

func (b *fakeBilling) RetryInvoice(_ context.Context, accountID, invoiceID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, billingCall{account: accountID, target: invoiceID})
	if b.err != nil {
		return "", b.err
	}
	return "ch_" + invoiceID, nil
}

func (b *fakeBilling) ApplyCoupon(_ context.Context, accountID, subscriptionID, couponID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, billingCall{account: accountID, target: subscriptionID, coupon: couponID})
	if b.err != nil {
		return "", b.err
	}
	return subscriptionID, nil
}

type fixture struct {
	db      *gorm.DB
	ledger  *ledger.Ledger
	exec    *Executor
	clock   *testutil.Clock
	mailer  *fakeMailer
	billing *fakeBilling
	owner   models.User
	other   models.User
	sub     models.Subscriber
	step    int
}

func newFixture(t *testing.T) *fixture {
	db := testutil.NewDB(t)
	clock := testutil.NewClock(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	owner := testutil.SeedUser(t, db, "owner@example.com")
	other := testutil.SeedUser(t, db, "other@example.com")
	sub := testutil.SeedSubscriber(t, db, owner.ID, "sam@example.com", models.SubscriberPastDue, clock.Now.AddDate(0, -2, 0))

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	l := ledger.New(db).WithClock(clock.Func())
	mailer := &fakeMailer{failTo: map[string]error{}}
	billing := &fakeBilling{}
	exec := New(l, db, mailer, billing, utils.NewSubscriberTagger(db), logger, Options{Timeout: time.Second, Concurrency: 3}).
		WithClock(clock.Func())

	return &fixture{
		db:      db,
		ledger:  l,
		exec:    exec,
		clock:   clock,
		mailer:  mailer,
		billing: billing,
		owner:   owner,
		other:   other,
		sub:     sub,
	}
}

func (f *fixture) propose(t *testing.T, owner uint, actionType models.ActionType, payload any) *models.AgentAction {
	t.Helper()
	f.step++
	action, created, err := f.ledger.Propose(context.Background(), ledger.Proposal{
		UserID:       owner,
		SubscriberID: f.sub.ID,
		AgentType:    models.AgentRecovery,
		ActionType:   actionType,
		Payload:      payload,
		DedupKey:     ledger.DedupKey(models.AgentRecovery, f.sub.ID, 1, f.step),
		Step:         f.step,
	})
	require.NoError(t, err)
	require.True(t, created)
	return action
}

func (f *fixture) email(t *testing.T, to string) *models.AgentAction {
	return f.propose(t, f.owner.ID, models.ActionSendEmail, models.EmailPayload{To: to, Template: "payment_failed_reminder"})
}

func TestApproveAndExecuteSendsEmail(t *testing.T) {
	f := newFixture(t)
	action := f.email(t, f.sub.Email)

	done, err := f.exec.ApproveAndExecute(context.Background(), action.ID, f.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExecuted, done.Status)
	require.NotNil(t, done.ExecutedAt)
	assert.Equal(t, "<msg-1@test>", done.ExecutionRef)
	assert.Equal(t, 1, f.mailer.count())

	_, err = f.exec.ApproveAndExecute(context.Background(), action.ID, f.owner.ID)
	assert.True(t, apperr.Is(err, apperr.KindInvalidState))
	assert.Equal(t, 1, f.mailer.count(), "an executed action is never sent twice")
}

func TestDownstreamFailureIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.mailer.failTo[f.sub.Email] = errors.New("smtp: 421 try again later")
	action := f.email(t, f.sub.Email)

	failed, err := f.exec.ApproveAndExecute(context.Background(), action.ID, f.owner.ID)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindDownstream))
	require.NotNil(t, failed)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.Nil(t, failed.ExecutedAt)
	require.NotNil(t, failed.Error)
	assert.Contains(t, *failed.Error, "421")

	stored, err := f.ledger.Get(context.Background(), action.ID, f.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status, "failures are not reverted to pending")
}

func TestUnknownActionTypeFailsOnlyThatAction(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now
	rogue := models.AgentAction{
		ID:           uuid.NewString(),
		UserID:       f.owner.ID,
		SubscriberID: f.sub.ID,
		AgentType:    models.AgentRecovery,
		ActionType:   "send_fax",
		Payload:      map[string]any{},
		DedupKey:     "legacy:1",
		Status:       models.StatusPendingApproval,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, f.db.Create(&rogue).Error)
	good := f.email(t, f.sub.Email)

	res, err := f.exec.BatchApprove(context.Background(), []string{rogue.ID, good.ID}, f.owner.ID)
	require.NoError(t, err)
	require.Len(t, res.Results, 2)

	assert.Equal(t, OutcomeFailed, res.Results[0].Outcome)
	assert.Equal(t, apperr.KindDownstream, res.Results[0].Reason)
	assert.Contains(t, res.Results[0].Error, "unknown action type")
	assert.Equal(t, models.StatusFailed, res.Results[0].Status)

	assert.Equal(t, OutcomeExecuted, res.Results[1].Outcome)
	assert.Equal(t, 1, res.Executed)
	assert.Equal(t, 1, res.Failed)
}

func TestBatchSkipsAlreadyDecided(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	x := f.email(t, "x@example.com")
	y := f.email(t, "y@example.com")
	z := f.email(t, "z@example.com")
	_, err := f.exec.Reject(ctx, y.ID, f.owner.ID, "wrong tone")
	require.NoError(t, err)

	res, err := f.exec.BatchApprove(ctx, []string{x.ID, y.ID, z.ID}, f.owner.ID)
	require.NoError(t, err)
	require.Len(t, res.Results, 3)

	assert.Equal(t, x.ID, res.Results[0].ActionID)
	assert.Equal(t, OutcomeExecuted, res.Results[0].Outcome)
	assert.Equal(t, y.ID, res.Results[1].ActionID)
	assert.Equal(t, OutcomeSkipped, res.Results[1].Outcome)
	assert.Equal(t, apperr.KindInvalidState, res.Results[1].Reason)
	assert.Equal(t, OutcomeExecuted, res.Results[2].Outcome)

	assert.Equal(t, 2, res.Executed)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 2, f.mailer.count())
}

func TestBatchIsolatesEveryKindOfFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mailer.failTo["bounce@example.com"] = errors.New("mailbox unavailable")

	ok := f.email(t, "ok@example.com")
	bounce := f.email(t, "bounce@example.com")
	foreign := f.propose(t, f.other.ID, models.ActionSendEmail, models.EmailPayload{To: "foreign@example.com", Template: "welcome"})

	ids := []string{ok.ID, "does-not-exist", foreign.ID, bounce.ID, ""}
	res, err := f.exec.BatchApprove(ctx, ids, f.owner.ID)
	require.NoError(t, err)
	require.Len(t, res.Results, len(ids))

	want := []Outcome{OutcomeExecuted, OutcomeSkipped, OutcomeForbidden, OutcomeFailed, OutcomeSkipped}
	for i, r := range res.Results {
		assert.Equal(t, ids[i], r.ActionID)
		assert.Equal(t, want[i], r.Outcome, "item %d", i)
	}
	assert.Equal(t, apperr.KindNotFound, res.Results[1].Reason)

	assert.Equal(t, 1, res.Executed)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 1, res.Forbidden)
	assert.Equal(t, 1, res.Failed)

	untouched, err := f.ledger.Get(ctx, foreign.ID, f.other.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingApproval, untouched.Status)
}

func TestBatchInputValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.exec.BatchApprove(ctx, nil, f.owner.ID)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.exec.BatchApprove(ctx, []string{"a"}, 0)
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))

	_, err = f.exec.BatchApprove(ctx, make([]string, MaxBatchSize+1), f.owner.ID)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestRetryPaymentUsesConnectedAccount(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Model(&f.owner).Update("stripe_account_id", "acct_123").Error)
	action := f.propose(t, f.owner.ID, models.ActionRetryPayment, models.PaymentRetryPayload{InvoiceID: "in_42", AmountCents: 4900})

	done, err := f.exec.ApproveAndExecute(context.Background(), action.ID, f.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, "ch_in_42", done.ExecutionRef)
	require.Len(t, f.billing.calls, 1)
	assert.Equal(t, billingCall{account: "acct_123", target: "in_42"}, f.billing.calls[0])
}

func TestAutoExecuteAppliesTag(t *testing.T) {
	f := newFixture(t)
	action := f.propose(t, f.owner.ID, models.ActionApplyTag, models.TagPayload{Tag: "at-risk"})

	done, err := f.exec.AutoExecute(context.Background(), action, "retention")
	require.NoError(t, err)
	assert.Equal(t, models.StatusExecuted, done.Status)
	assert.True(t, done.AutoApproved)
	assert.Equal(t, "policy:retention", done.DecidedBy)

	var sub models.Subscriber
	require.NoError(t, f.db.First(&sub, f.sub.ID).Error)
	assert.Equal(t, []string{"at-risk"}, sub.Tags)
}

func TestExecuteResumesStaleApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	action := f.email(t, f.sub.Email)

	_, err := f.exec.Execute(ctx, action.ID, f.owner.ID)
	assert.True(t, apperr.Is(err, apperr.KindInvalidState), "pending actions need approval first")

	_, err = f.ledger.Approve(ctx, action.ID, f.owner.ID)
	require.NoError(t, err)

	_, err = f.exec.Execute(ctx, action.ID, f.owner.ID)
	assert.True(t, apperr.Is(err, apperr.KindInvalidState), "fresh approvals may still be in flight")
	assert.Equal(t, 0, f.mailer.count())

	f.clock.Advance(time.Minute)
	done, err := f.exec.Execute(ctx, action.ID, f.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExecuted, done.Status)
	assert.Equal(t, 1, f.mailer.count())
}

// stallingMailer records the send and then holds the SMTP session open until
// the caller gives up.
type stallingMailer struct {
	mu    sync.Mutex
	sends int
}

func (m *stallingMailer) Send(ctx context.Context, _ utils.Email) (string, error) {
	m.mu.Lock()
	m.sends++
	m.mu.Unlock()
	<-ctx.Done()
	return "", ctx.Err()
}

func (m *stallingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sends
}

func TestCallerCancellationStillRecordsOutcome(t *testing.T) {
	f := newFixture(t)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	mailer := &stallingMailer{}
	exec := New(f.ledger, f.db, mailer, f.billing, nil, logger, Options{Timeout: time.Second, Concurrency: 1}).
		WithClock(f.clock.Func())
	action := f.email(t, f.sub.Email)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	failed, err := exec.ApproveAndExecute(ctx, action.ID, f.owner.ID)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindDownstream))
	require.NotNil(t, failed)
	assert.Equal(t, models.StatusFailed, failed.Status)

	stored, err := f.ledger.Get(context.Background(), action.ID, f.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, 1, mailer.count())

	f.clock.Advance(time.Minute)
	_, err = exec.Execute(context.Background(), action.ID, f.owner.ID)
	assert.True(t, apperr.Is(err, apperr.KindInvalidState), "a recorded failure is never resumed")
	assert.Equal(t, 1, mailer.count())
}
