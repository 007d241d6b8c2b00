package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"subpilot/agentconfig"
	"subpilot/executor"
	"subpilot/ledger"
	"subpilot/models"
	"subpilot/testutil"
	"subpilot/utils"
	"subpilot/worker"
)

const (
	testCronSecret    = "cron-secret-for-tests"
	testWebhookSecret = "whsec_test_secret"
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

type stubRunner struct {
	calls int
}

func (r *stubRunner) Run(context.Context) (*worker.PassResult, error) {
	r.calls++
	return &worker.PassResult{Processed: 2}, nil
}

type harness struct {
	db      *gorm.DB
	clock   *testutil.Clock
	ledger  *ledger.Ledger
	configs *agentconfig.Store
	mailer  *fakeMailer
	runner  *stubRunner
	app     *fiber.App
	owner   models.User
	other   models.User
	sub     models.Subscriber
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.NewDB(t)
	clock := testutil.NewClock(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	owner := testutil.SeedUser(t, db, "owner@example.com")
	other := testutil.SeedUser(t, db, "other@example.com")
	sub := testutil.SeedSubscriber(t, db, owner.ID, "sam@example.com", models.SubscriberActive, clock.Now.AddDate(0, -2, 0))

	l := ledger.New(db).WithClock(clock.Func())
	configs := agentconfig.NewStore(db).WithClock(clock.Func())
	mailer := &fakeMailer{failTo: map[string]error{}}
	exec := executor.New(l, db, mailer, nil, utils.NewSubscriberTagger(db), logger, executor.Options{Timeout: time.Second}).
		WithClock(clock.Func())
	runner := &stubRunner{}
	scheduler := worker.NewScheduler(testCronSecret, logger, runner, runner, runner)

	agents := NewAgentController(configs, logger)
	actions := NewActionController(l, exec, logger)
	dashboard := NewDashboardController(db, configs, l, logger)
	crons := NewCronController(scheduler, logger)
	payments := NewPaymentController(db, testWebhookSecret, logger)
	payments.clock = clock.Func()

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		if raw := c.Get("X-Test-User"); raw != "" {
			id, _ := strconv.ParseUint(raw, 10, 64)
			c.Locals("userID", uint(id))
		}
		return c.Next()
	})
	app.Get("/dashboard", dashboard.GetOverview)
	app.Post("/agents/init", agents.InitAgents)
	app.Get("/agents/status", agents.GetAgentStatus)
	app.Get("/agents/configs", agents.ListConfigs)
	app.Put("/agents/configs/:type", agents.UpdateConfig)
	app.Get("/actions", actions.ListActions)
	app.Get("/actions/summary", actions.GetSummary)
	app.Post("/actions/batch-approve", actions.BatchApprove)
	app.Get("/actions/:id", actions.GetAction)
	app.Post("/actions/:id/approve", actions.ApproveAction)
	app.Post("/actions/:id/execute", actions.ExecuteAction)
	app.Post("/actions/:id/reject", actions.RejectAction)
	app.Post("/cron/recovery", crons.RunPass(models.SequenceRecovery))
	app.Post("/webhooks/stripe", payments.HandleStripeWebhook)

	return &harness{
		db:      db,
		clock:   clock,
		ledger:  l,
		configs: configs,
		mailer:  mailer,
		runner:  runner,
		app:     app,
		owner:   owner,
		other:   other,
		sub:     sub,
	}
}

// propose records a pending email action to the harness subscriber.
func (h *harness) propose(t *testing.T, to string) *models.AgentAction {
	t.Helper()
	return h.proposeFor(t, h.owner.ID, to)
}

func (h *harness) proposeFor(t *testing.T, ownerID uint, to string) *models.AgentAction {
	t.Helper()
	action, created, err := h.ledger.Propose(context.Background(), ledger.Proposal{
		UserID:       ownerID,
		SubscriberID: h.sub.ID,
		AgentType:    models.AgentRecovery,
		ActionType:   models.ActionSendEmail,
		Payload:      models.EmailPayload{To: to, Template: "payment_reminder"},
		DedupKey:     uuid.NewString(),
		Trigger:      "test",
	})
	require.NoError(t, err)
	require.True(t, created)
	return action
}

func (h *harness) do(t *testing.T, method, path string, userID uint, body string, headers map[string]string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != 0 {
		req.Header.Set("X-Test-User", strconv.FormatUint(uint64(userID), 10))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func (h *harness) reload(t *testing.T, id string) models.AgentAction {
	t.Helper()
	var action models.AgentAction
	require.NoError(t, h.db.Where("id = ?", id).First(&action).Error)
	return action
}

func data(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	d, ok := body["data"].(map[string]any)
	require.True(t, ok, "response has no data object: %v", body)
	return d
}
