package controller

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"subpilot/models"
	"subpilot/utils"
)

// PaymentController ingests Stripe billing events into subscribers and
// payment events, which the recovery and onboarding sequences read.
type PaymentController struct {
	DB            *gorm.DB
	WebhookSecret string
	Logger        *logrus.Logger
	clock         func() time.Time
}

func NewPaymentController(db *gorm.DB, webhookSecret string, logger *logrus.Logger) *PaymentController {
	return &PaymentController{
		DB:            db,
		WebhookSecret: webhookSecret,
		Logger:        logger,
		clock:         time.Now,
	}
}

// HandleStripeWebhook handles Stripe webhook events
func (pc *PaymentController) HandleStripeWebhook(c *fiber.Ctx) error {
	if pc.WebhookSecret == "" {
		return utils.ErrorResponse(c, fiber.StatusServiceUnavailable, "Stripe webhooks are not configured", nil)
	}
	event, err := utils.ConstructStripeEvent(c.Body(), c.Get("Stripe-Signature"), pc.WebhookSecret)
	if err != nil {
		pc.Logger.WithError(err).Warn("Rejected Stripe webhook")
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid webhook payload", nil)
	}

	switch event.Type {
	case stripe.EventTypeInvoicePaymentFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Error parsing invoice", err)
		}
		return pc.handleInvoiceFailed(c, event, &inv)

	case stripe.EventTypeInvoicePaid:
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Error parsing invoice", err)
		}
		return pc.handleInvoicePaid(c, event, &inv)

	case stripe.EventTypeCustomerSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Error parsing subscription", err)
		}
		return pc.handleSubscriptionDeleted(c, event, &sub)

	default:
		return c.SendStatus(fiber.StatusOK)
	}
}

// findSubscriber resolves the subscriber a Stripe customer belongs to. Events
// from a connected account only match subscribers of that account's owner.
func (pc *PaymentController) findSubscriber(c *fiber.Ctx, event stripe.Event, customer *stripe.Customer) (*models.Subscriber, error) {
	if customer == nil || customer.ID == "" {
		return nil, nil
	}
	q := pc.DB.WithContext(c.UserContext()).Where("stripe_customer_id = ?", customer.ID)
	if event.Account != "" {
		q = q.Where("user_id IN (?)", pc.DB.Model(&models.User{}).Select("id").Where("stripe_account_id = ?", event.Account))
	}
	var sub models.Subscriber
	err := q.First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (pc *PaymentController) ignore(c *fiber.Ctx, event stripe.Event, reason string) error {
	pc.Logger.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
	}).Info("Ignoring Stripe event: " + reason)
	return c.SendStatus(fiber.StatusOK)
}

// handleInvoiceFailed records the failure the recovery sequence starts from.
// Redelivered events keep the first occurrence time.
func (pc *PaymentController) handleInvoiceFailed(c *fiber.Ctx, event stripe.Event, inv *stripe.Invoice) error {
	sub, err := pc.findSubscriber(c, event, inv.Customer)
	if err != nil {
		utils.LogError(pc.Logger, "webhook_lookup_failed", err, map[string]interface{}{"invoice_id": inv.ID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to resolve subscriber", nil)
	}
	if sub == nil {
		return pc.ignore(c, event, "unknown customer")
	}

	occurredAt := pc.clock().UTC()
	if event.Created > 0 {
		occurredAt = time.Unix(event.Created, 0).UTC()
	}
	failure := ""
	if inv.Charge != nil {
		failure = inv.Charge.FailureMessage
	}

	paymentEvent := models.PaymentEvent{
		UserID:          sub.UserID,
		SubscriberID:    sub.ID,
		StripeInvoiceID: inv.ID,
		AmountCents:     inv.AmountDue,
		Currency:        string(inv.Currency),
		Status:          models.PaymentFailed,
		FailureMessage:  failure,
		OccurredAt:      occurredAt,
	}

	err = pc.DB.WithContext(c.UserContext()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "stripe_invoice_id"}},
			DoNothing: true,
		}).Create(&paymentEvent).Error; err != nil {
			return err
		}
		return tx.Model(&models.Subscriber{}).
			Where("id = ? AND status <> ?", sub.ID, models.SubscriberCanceled).
			Update("status", models.SubscriberPastDue).Error
	})
	if err != nil {
		utils.LogError(pc.Logger, "webhook_persist_failed", err, map[string]interface{}{"invoice_id": inv.ID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to record payment failure", nil)
	}

	utils.LogEvent(pc.Logger, "payment_failed", map[string]interface{}{
		"user_id":       sub.UserID,
		"subscriber_id": sub.ID,
		"invoice_id":    inv.ID,
		"amount_cents":  inv.AmountDue,
	})
	return c.SendStatus(fiber.StatusOK)
}

// handleInvoicePaid marks failures recovered and reactivates the subscriber.
// A first paid invoice during a trial counts as a conversion.
func (pc *PaymentController) handleInvoicePaid(c *fiber.Ctx, event stripe.Event, inv *stripe.Invoice) error {
	sub, err := pc.findSubscriber(c, event, inv.Customer)
	if err != nil {
		utils.LogError(pc.Logger, "webhook_lookup_failed", err, map[string]interface{}{"invoice_id": inv.ID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to resolve subscriber", nil)
	}
	if sub == nil {
		return pc.ignore(c, event, "unknown customer")
	}

	now := pc.clock().UTC()
	err = pc.DB.WithContext(c.UserContext()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.PaymentEvent{}).
			Where("subscriber_id = ? AND stripe_invoice_id = ? AND recovered_at IS NULL", sub.ID, inv.ID).
			Update("recovered_at", now).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{"status": models.SubscriberActive}
		if sub.Status == models.SubscriberTrialing && sub.ConvertedAt == nil {
			updates["converted_at"] = now
		}
		return tx.Model(&models.Subscriber{}).
			Where("id = ? AND status <> ?", sub.ID, models.SubscriberCanceled).
			Updates(updates).Error
	})
	if err != nil {
		utils.LogError(pc.Logger, "webhook_persist_failed", err, map[string]interface{}{"invoice_id": inv.ID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to record payment", nil)
	}
	return c.SendStatus(fiber.StatusOK)
}

func (pc *PaymentController) handleSubscriptionDeleted(c *fiber.Ctx, event stripe.Event, s *stripe.Subscription) error {
	sub, err := pc.findSubscriber(c, event, s.Customer)
	if err != nil {
		utils.LogError(pc.Logger, "webhook_lookup_failed", err, map[string]interface{}{"subscription_id": s.ID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to resolve subscriber", nil)
	}
	if sub == nil {
		return pc.ignore(c, event, "unknown customer")
	}

	err = pc.DB.WithContext(c.UserContext()).Model(&models.Subscriber{}).
		Where("id = ?", sub.ID).
		Updates(map[string]interface{}{
			"status":     models.SubscriberCanceled,
			"churned_at": pc.clock().UTC(),
		}).Error
	if err != nil {
		utils.LogError(pc.Logger, "webhook_persist_failed", err, map[string]interface{}{"subscription_id": s.ID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to record cancellation", nil)
	}
	return c.SendStatus(fiber.StatusOK)
}
