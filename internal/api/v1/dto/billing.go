package dto

import (
	"time"

	"app/internal/model"
)

// CheckoutRequest starts a Stripe Checkout session for a price.
type CheckoutRequest struct {
	PriceID string `json:"price_id" validate:"required"`
}

// CheckoutResponse carries everything a client needs to run checkout,
// including the ephemeral key for mobile-native flows.
type CheckoutResponse struct {
	SessionID    string `json:"session_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	CustomerID   string `json:"customer_id"`
	EphemeralKey string `json:"ephemeral_key"`
}

// CancelRequest schedules a subscription cancellation at period end.
type CancelRequest struct {
	SubscriptionID string `json:"subscription_id" validate:"required"`
}

type CancelResponse struct {
	Success      bool   `json:"success"`
	Subscription string `json:"subscription"`
	Status       string `json:"status"`
}

// SubscriptionResponse mirrors the stored billing record.
type SubscriptionResponse struct {
	Plan              model.Plan     `json:"plan"`
	Status            string         `json:"status"`
	CurrentPeriodEnd  *time.Time     `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool           `json:"cancel_at_period_end"`
	Features          model.Features `json:"features"`
	Usage             model.Usage    `json:"usage"`
}

// EntitlementsResponse is the effective plan/feature/limit view; plan here
// may be downgraded to free when the stored period has lapsed.
type EntitlementsResponse struct {
	Plan     model.Plan     `json:"plan"`
	Status   string         `json:"status"`
	Features model.Features `json:"features"`
	Limits   model.Limits   `json:"limits"`
	Usage    model.Usage    `json:"usage"`
}
