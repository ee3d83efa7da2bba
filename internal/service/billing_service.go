package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"app/internal/model"
	"app/internal/plan"
	"app/internal/pubsub"
	"app/internal/repository"

	"github.com/rs/zerolog"
)

var (
	ErrUserNotFound     = errors.New("user not found")
	ErrBillingNotFound  = errors.New("billing record not found")
	ErrNoStripeCustomer = errors.New("no stripe customer for user")
	ErrInvalidArgument  = errors.New("invalid argument")
)

// SubscriptionUpdate carries the fields extracted from a Stripe
// subscription event that the reconciler applies to the billing record.
type SubscriptionUpdate struct {
	UserID            string
	SubscriptionID    string
	PriceID           string
	Status            string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
	Amount            int64
	Currency          string
	Interval          string
}

// BillingService reconciles webhook events into the user's billing record
// and answers entitlement queries from it.
type BillingService interface {
	ApplySubscription(ctx context.Context, upd SubscriptionUpdate) error
	ApplyCancellation(ctx context.Context, userID, subscriptionID string) error
	ApplyOneTimePurchase(ctx context.Context, userID, priceID string) error
	MarkPaymentSucceeded(ctx context.Context, userID string) error
	MarkPaymentFailed(ctx context.Context, userID string) error
	MirrorCancelScheduled(ctx context.Context, userID string) error
	GetCurrentSubscription(ctx context.Context, userID string) (*model.BillingRecord, error)
	ValidateEntitlements(ctx context.Context, userID string) (*model.Entitlements, error)
}

type billingService struct {
	billingRepo repository.BillingRepository
	logRepo     repository.SubscriptionLogRepository
	prices      *plan.PriceTable
	publisher   pubsub.Publisher
	topic       string
	logger      zerolog.Logger
	now         func() time.Time
}

// NewBillingService creates a new BillingService with a scoped logger.
// publisher may be nil when billing notifications are disabled.
func NewBillingService(billingRepo repository.BillingRepository, logRepo repository.SubscriptionLogRepository, prices *plan.PriceTable, publisher pubsub.Publisher, topic string, logger zerolog.Logger) BillingService {
	return &billingService{
		billingRepo: billingRepo,
		logRepo:     logRepo,
		prices:      prices,
		publisher:   publisher,
		topic:       topic,
		logger:      logger.With().Str("service", "BillingService").Logger(),
		now:         time.Now,
	}
}

// ApplySubscription handles subscription created/updated events: the plan
// is derived from the price id, features and limits are recomputed from the
// catalog, and the audit log row is upserted under the subscription id.
func (s *billingService) ApplySubscription(ctx context.Context, upd SubscriptionUpdate) error {
	p := s.prices.PlanFor(upd.PriceID)
	features := plan.Features(p)
	limits := plan.Limits(p)

	if err := s.billingRepo.UpsertSubscription(ctx, upd.UserID, p, features, limits, upd.Status, upd.SubscriptionID, upd.PeriodStart, upd.PeriodEnd, upd.CancelAtPeriodEnd); err != nil {
		s.logger.Error().Err(err).Str("user_id", upd.UserID).Str("plan", string(p)).Msg("Failed to upsert subscription")
		return err
	}

	if err := s.logRepo.Upsert(ctx, &model.SubscriptionLog{
		StripeSubscriptionID: upd.SubscriptionID,
		UserID:               upd.UserID,
		Plan:                 p,
		PriceID:              upd.PriceID,
		Amount:               upd.Amount,
		Currency:             upd.Currency,
		Interval:             upd.Interval,
		CurrentPeriodStart:   upd.PeriodStart,
		CurrentPeriodEnd:     upd.PeriodEnd,
		Status:               upd.Status,
	}); err != nil {
		s.logger.Error().Err(err).Str("subscription_id", upd.SubscriptionID).Msg("Failed to upsert subscription log")
		return err
	}

	s.publishEvent(ctx, "billing.plan_changed", upd.UserID, p)
	return nil
}

// ApplyCancellation handles the finalized cancellation: the record is
// degraded to the free tier in place, never deleted.
func (s *billingService) ApplyCancellation(ctx context.Context, userID, subscriptionID string) error {
	features := plan.Features(model.PlanFree)
	limits := plan.Limits(model.PlanFree)
	if err := s.billingRepo.DowngradeToFree(ctx, userID, features, limits, s.now()); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to downgrade user to free plan")
		return err
	}
	if subscriptionID != "" {
		if err := s.logRepo.UpdateStatus(ctx, subscriptionID, "canceled"); err != nil {
			s.logger.Error().Err(err).Str("subscription_id", subscriptionID).Msg("Failed to update subscription log status")
			return err
		}
	}
	s.publishEvent(ctx, "billing.plan_changed", userID, model.PlanFree)
	return nil
}

// ApplyOneTimePurchase handles a completed one-time checkout (lifetime).
// The write is a full overwrite, so replaying the same event converges.
func (s *billingService) ApplyOneTimePurchase(ctx context.Context, userID, priceID string) error {
	p := s.prices.PlanFor(priceID)
	features := plan.Features(p)
	limits := plan.Limits(p)
	if err := s.billingRepo.UpsertOneTimePurchase(ctx, userID, p, features, limits, s.now()); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Str("plan", string(p)).Msg("Failed to apply one-time purchase")
		return err
	}
	s.publishEvent(ctx, "billing.plan_changed", userID, p)
	return nil
}

func (s *billingService) MarkPaymentSucceeded(ctx context.Context, userID string) error {
	if err := s.billingRepo.MarkPaymentSucceeded(ctx, userID, s.now()); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to record successful payment")
		return err
	}
	return nil
}

func (s *billingService) MarkPaymentFailed(ctx context.Context, userID string) error {
	if err := s.billingRepo.MarkPaymentFailed(ctx, userID, s.now()); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to record failed payment")
		return err
	}
	// Downstream notification workers pick this up for dunning emails.
	s.publishEvent(ctx, "billing.payment_failed", userID, "")
	return nil
}

// MirrorCancelScheduled flags the local record when a cancellation has been
// scheduled on the provider side. The plan stays unchanged until the
// subscription.deleted event arrives.
func (s *billingService) MirrorCancelScheduled(ctx context.Context, userID string) error {
	if err := s.billingRepo.SetCancelAtPeriodEnd(ctx, userID, true); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to mirror scheduled cancellation")
		return err
	}
	return nil
}

// GetCurrentSubscription returns the stored billing record as-is.
func (s *billingService) GetCurrentSubscription(ctx context.Context, userID string) (*model.BillingRecord, error) {
	rec, err := s.billingRepo.Get(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to fetch billing record")
		return nil, err
	}
	if rec == nil {
		return nil, ErrBillingNotFound
	}
	return rec, nil
}

// ValidateEntitlements computes the effective plan at call time. A paid
// plan whose period has lapsed reads as free; the stored record is not
// mutated and will show the paid tier until the next webhook.
func (s *billingService) ValidateEntitlements(ctx context.Context, userID string) (*model.Entitlements, error) {
	rec, err := s.billingRepo.Get(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to fetch billing record")
		return nil, err
	}
	if rec == nil {
		return nil, ErrBillingNotFound
	}

	isActive := rec.Plan == model.PlanFree || rec.Plan == model.PlanLifetime
	if !isActive {
		isActive = rec.CurrentPeriodEnd != nil && rec.CurrentPeriodEnd.After(s.now())
	}

	effective := rec.Plan
	if !isActive {
		effective = model.PlanFree
	}

	// Features and limits always come from the catalog for the effective
	// plan, never from the stored snapshot.
	return &model.Entitlements{
		Plan:     effective,
		Status:   rec.Status,
		Features: plan.Features(effective),
		Limits:   plan.Limits(effective),
		Usage:    rec.Usage,
	}, nil
}

// publishEvent sends a billing notification. Failures are logged and
// swallowed: notifications must never fail webhook processing.
func (s *billingService) publishEvent(ctx context.Context, event, userID string, p model.Plan) {
	if s.publisher == nil || s.topic == "" {
		return
	}
	payload, err := json.Marshal(map[string]string{
		"event":   event,
		"user_id": userID,
		"plan":    string(p),
	})
	if err != nil {
		return
	}
	if _, err := s.publisher.Publish(ctx, s.topic, payload); err != nil {
		s.logger.Warn().Err(err).Str("event", event).Str("user_id", userID).Msg("Failed to publish billing event")
	}
}
