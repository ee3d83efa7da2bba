package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"app/internal/config"
	"app/internal/model"
	"app/internal/plan"
	"app/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Stripe rejects payloads this large anyway; the cap keeps a hostile sender
// from streaming an unbounded body before signature verification.
const webhookBodyLimit = 1024 * 1024

// errNoMatchingUser marks a verified event whose customer maps to no user.
var errNoMatchingUser = errors.New("no user for stripe customer")

// PaymentAPI is the slice of the Stripe API this service uses. The real
// implementation wraps the Stripe SDK client; tests substitute a fake.
type PaymentAPI interface {
	CreateCustomer(params *stripe.CustomerParams) (*stripe.Customer, error)
	GetCustomer(id string, params *stripe.CustomerParams) (*stripe.Customer, error)
	CreateCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	CreateEphemeralKey(params *stripe.EphemeralKeyParams) (*stripe.EphemeralKey, error)
	UpdateSubscription(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	CreatePortalSession(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
}

// CheckoutSession is the client-facing result of starting a checkout.
type CheckoutSession struct {
	SessionID    string `json:"session_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	CustomerID   string `json:"customer_id"`
	EphemeralKey string `json:"ephemeral_key"`
}

// StripeService manages Stripe integration: customer resolution, checkout
// and portal sessions, cancellation, and webhook reconciliation.
type StripeService struct {
	cfg        *config.Config
	api        PaymentAPI
	userRepo   repository.UserRepository
	dlqRepo    repository.DLQRepository
	billingSvc BillingService
	prices     *plan.PriceTable
	archiver   EventArchiver
	logger     zerolog.Logger
	now        func() time.Time
}

// NewStripeService returns a StripeService with a scoped logger. archiver
// may be nil when payload archiving is disabled.
func NewStripeService(cfg *config.Config, api PaymentAPI, userRepo repository.UserRepository, dlqRepo repository.DLQRepository, billingSvc BillingService, prices *plan.PriceTable, archiver EventArchiver, logger zerolog.Logger) *StripeService {
	return &StripeService{
		cfg:        cfg,
		api:        api,
		userRepo:   userRepo,
		dlqRepo:    dlqRepo,
		billingSvc: billingSvc,
		prices:     prices,
		archiver:   archiver,
		logger:     logger.With().Str("service", "StripeService").Logger(),
		now:        time.Now,
	}
}

// ResolveCustomer ensures a Stripe customer exists for the user and returns
// it. The customer is created lazily on first use; subsequent calls fetch
// the stored customer and never create another one.
func (s *StripeService) ResolveCustomer(ctx context.Context, userID string) (*stripe.Customer, error) {
	user, err := s.userRepo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("fetch user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	if user.StripeCustomerID != nil && *user.StripeCustomerID != "" {
		cust, err := s.api.GetCustomer(*user.StripeCustomerID, nil)
		if err != nil {
			return nil, fmt.Errorf("fetch stripe customer: %w", err)
		}
		return cust, nil
	}

	cust, err := s.api.CreateCustomer(&stripe.CustomerParams{
		Email:    stripe.String(user.Email),
		Name:     stripe.String(user.Name),
		Metadata: map[string]string{"user_id": user.UserID},
	})
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to create Stripe customer")
		return nil, fmt.Errorf("create stripe customer: %w", err)
	}
	if err := s.userRepo.UpdateStripeCustomerID(ctx, userID, cust.ID); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to store stripe customer id")
		return nil, fmt.Errorf("store stripe customer id: %w", err)
	}
	return cust, nil
}

// CreateCheckoutSession creates a Stripe Checkout session for the price id,
// in payment mode for one-time prices and subscription mode otherwise. The
// user and price ids travel as session metadata so the webhook handler can
// recover context without a customer lookup.
func (s *StripeService) CreateCheckoutSession(ctx context.Context, userID, priceID string) (*CheckoutSession, error) {
	if priceID == "" {
		return nil, fmt.Errorf("%w: price id is required", ErrInvalidArgument)
	}

	cust, err := s.ResolveCustomer(ctx, userID)
	if err != nil {
		return nil, err
	}

	mode := stripe.CheckoutSessionModeSubscription
	if s.prices.IsOneTime(priceID) {
		mode = stripe.CheckoutSessionModePayment
	}

	sess, err := s.api.CreateCheckoutSession(&stripe.CheckoutSessionParams{
		Customer:   stripe.String(cust.ID),
		Mode:       stripe.String(string(mode)),
		LineItems:  []*stripe.CheckoutSessionLineItemParams{{Price: stripe.String(priceID), Quantity: stripe.Int64(1)}},
		SuccessURL: stripe.String(s.cfg.StripeCheckoutSuccessURL),
		CancelURL:  stripe.String(s.cfg.StripeCheckoutCancelURL),
		Metadata:   map[string]string{"user_id": userID, "price_id": priceID},
	})
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Str("price_id", priceID).Msg("Failed to create Stripe checkout session")
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	// Ephemeral key for mobile-native checkout flows, scoped to this
	// customer only.
	key, err := s.api.CreateEphemeralKey(&stripe.EphemeralKeyParams{
		Customer:      stripe.String(cust.ID),
		StripeVersion: stripe.String(stripe.APIVersion),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to create ephemeral key")
		return nil, fmt.Errorf("create ephemeral key: %w", err)
	}

	return &CheckoutSession{
		SessionID:    sess.ID,
		ClientSecret: sess.ClientSecret,
		CustomerID:   cust.ID,
		EphemeralKey: key.Secret,
	}, nil
}

// CancelSubscription schedules the cancellation at period end on the
// provider side and mirrors the flag locally. The plan is not downgraded
// here; that happens when the subscription.deleted event arrives.
func (s *StripeService) CancelSubscription(ctx context.Context, userID, subscriptionID string) (*stripe.Subscription, error) {
	if subscriptionID == "" {
		return nil, fmt.Errorf("%w: subscription id is required", ErrInvalidArgument)
	}
	sub, err := s.api.UpdateSubscription(subscriptionID, &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("subscription_id", subscriptionID).Msg("Failed to schedule subscription cancellation")
		return nil, fmt.Errorf("cancel subscription: %w", err)
	}
	if err := s.billingSvc.MirrorCancelScheduled(ctx, userID); err != nil {
		return nil, err
	}
	return sub, nil
}

// CreatePortalSession creates a Stripe Customer Portal session.
func (s *StripeService) CreatePortalSession(ctx context.Context, userID string) (string, error) {
	user, err := s.userRepo.GetUserByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("fetch user: %w", err)
	}
	if user == nil {
		return "", ErrUserNotFound
	}
	if user.StripeCustomerID == nil || *user.StripeCustomerID == "" {
		return "", ErrNoStripeCustomer
	}
	sess, err := s.api.CreatePortalSession(&stripe.BillingPortalSessionParams{
		Customer:  stripe.String(*user.StripeCustomerID),
		ReturnURL: stripe.String(s.cfg.StripePortalReturnURL),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to create Stripe billing portal session")
		return "", fmt.Errorf("create billing portal session: %w", err)
	}
	return sess.URL, nil
}

// HandleWebhook processes Stripe webhook events. Signature verification
// runs on the raw body before any parsing; a bad signature is the only
// failure that returns non-200. Everything after verification is logged
// and acknowledged so Stripe does not redeliver business-logic failures
// forever.
func (s *StripeService) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read Stripe webhook payload")
		http.Error(w, "failed to read payload", http.StatusBadRequest)
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEventWithOptions(payload, sig, s.cfg.StripeWebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Signature verification failed for Stripe webhook")
		http.Error(w, "signature verification failed", http.StatusBadRequest)
		return
	}

	s.logger.Info().Str("event_type", string(event.Type)).Str("event_id", event.ID).Msg("Stripe webhook received")

	if s.archiver != nil {
		if err := s.archiver.Archive(r.Context(), event.ID, payload); err != nil {
			s.logger.Warn().Err(err).Str("event_id", event.ID).Msg("Failed to archive webhook payload")
		}
	}

	ctx := r.Context()
	var handlerErr error
	switch event.Type {
	case "customer.subscription.created":
		handlerErr = s.handleSubscriptionEvent(ctx, &event)
	case "customer.subscription.updated":
		handlerErr = s.handleSubscriptionEvent(ctx, &event)
	case "customer.subscription.deleted":
		handlerErr = s.handleSubscriptionDeleted(ctx, &event)
	case "invoice.payment_succeeded":
		handlerErr = s.handleInvoiceEvent(ctx, &event, true)
	case "invoice.payment_failed":
		handlerErr = s.handleInvoiceEvent(ctx, &event, false)
	case "checkout.session.completed":
		handlerErr = s.handleCheckoutCompleted(ctx, &event)
	default:
		// New event types from Stripe must not fail the webhook.
		s.logger.Warn().Str("event_type", string(event.Type)).Msg("Unhandled Stripe webhook event")
	}
	if handlerErr != nil {
		s.logger.Error().Err(handlerErr).Str("event_type", string(event.Type)).Str("event_id", event.ID).Msg("Webhook handler failed; event acknowledged")
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"received": true})
}

func (s *StripeService) handleSubscriptionEvent(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("invalid subscription payload: %w", err)
	}

	userID, err := s.resolveEventUser(ctx, sub.Metadata, customerID(sub.Customer))
	if err != nil {
		if errors.Is(err, errNoMatchingUser) {
			s.deadLetter(ctx, event, customerID(sub.Customer))
			return nil
		}
		return err
	}

	if len(sub.Items.Data) == 0 {
		return fmt.Errorf("subscription %s has no items", sub.ID)
	}
	item := sub.Items.Data[0]
	if item.Price == nil || item.Price.ID == "" {
		return fmt.Errorf("subscription %s has no price", sub.ID)
	}

	upd := SubscriptionUpdate{
		UserID:            userID,
		SubscriptionID:    sub.ID,
		PriceID:           item.Price.ID,
		Status:            string(sub.Status),
		PeriodStart:       time.Unix(item.CurrentPeriodStart, 0),
		PeriodEnd:         time.Unix(item.CurrentPeriodEnd, 0),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Amount:            item.Price.UnitAmount,
		Currency:          string(item.Price.Currency),
	}
	if item.Price.Recurring != nil {
		upd.Interval = string(item.Price.Recurring.Interval)
	}

	return s.billingSvc.ApplySubscription(ctx, upd)
}

func (s *StripeService) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("invalid subscription payload: %w", err)
	}
	userID, err := s.resolveEventUser(ctx, sub.Metadata, customerID(sub.Customer))
	if err != nil {
		if errors.Is(err, errNoMatchingUser) {
			s.deadLetter(ctx, event, customerID(sub.Customer))
			return nil
		}
		return err
	}
	return s.billingSvc.ApplyCancellation(ctx, userID, sub.ID)
}

func (s *StripeService) handleInvoiceEvent(ctx context.Context, event *stripe.Event, succeeded bool) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("invalid invoice payload: %w", err)
	}
	userID, err := s.resolveEventUser(ctx, invoice.Metadata, customerID(invoice.Customer))
	if err != nil {
		if errors.Is(err, errNoMatchingUser) {
			s.deadLetter(ctx, event, customerID(invoice.Customer))
			return nil
		}
		return err
	}
	if succeeded {
		return s.billingSvc.MarkPaymentSucceeded(ctx, userID)
	}
	// TODO: trigger dunning notification once the notification worker
	// consumes billing.payment_failed.
	return s.billingSvc.MarkPaymentFailed(ctx, userID)
}

func (s *StripeService) handleCheckoutCompleted(ctx context.Context, event *stripe.Event) error {
	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		return fmt.Errorf("invalid checkout.session payload: %w", err)
	}

	// Subscription-mode checkouts are reconciled by the subscription
	// events that follow; only one-time payments are applied here.
	if cs.Mode != stripe.CheckoutSessionModePayment {
		s.logger.Debug().Str("session_id", cs.ID).Msg("Subscription checkout; deferring to subscription events")
		return nil
	}

	userID := cs.Metadata["user_id"]
	priceID := cs.Metadata["price_id"]
	if userID == "" || priceID == "" {
		return fmt.Errorf("checkout session %s missing user_id or price_id metadata", cs.ID)
	}
	return s.billingSvc.ApplyOneTimePurchase(ctx, userID, priceID)
}

// resolveEventUser finds the user an event belongs to, trying session
// metadata first and falling back to the stored Stripe customer id.
func (s *StripeService) resolveEventUser(ctx context.Context, metadata map[string]string, custID string) (string, error) {
	if userID := metadata["user_id"]; userID != "" {
		return userID, nil
	}
	if custID == "" {
		return "", errNoMatchingUser
	}
	u, err := s.userRepo.GetUserByStripeCustomerID(ctx, custID)
	if err != nil {
		return "", fmt.Errorf("lookup user by stripe customer id: %w", err)
	}
	if u == nil {
		return "", errNoMatchingUser
	}
	return u.UserID, nil
}

// deadLetter records an event whose customer matched no user. The event is
// acknowledged either way; the row exists so the event can be replayed
// rather than silently lost.
func (s *StripeService) deadLetter(ctx context.Context, event *stripe.Event, custID string) {
	s.logger.Warn().Str("event_id", event.ID).Str("stripe_customer_id", custID).Msg("No user for webhook event; recording dead letter")
	err := s.dlqRepo.Create(ctx, &model.DeadLetterEvent{
		EventID:          event.ID,
		EventType:        string(event.Type),
		StripeCustomerID: custID,
		Payload:          string(event.Data.Raw),
		Status:           "unmatched",
	})
	if err != nil {
		s.logger.Error().Err(err).Str("event_id", event.ID).Msg("Failed to record dead letter event")
	}
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}
