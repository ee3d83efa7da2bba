package model

import "time"

// DeadLetterEvent is a verified webhook event whose Stripe customer matched
// no user. The event is acknowledged to Stripe but kept here so it can be
// inspected and replayed instead of being silently lost.
type DeadLetterEvent struct {
	ID               string    `db:"id"`
	EventID          string    `db:"event_id"`
	EventType        string    `db:"event_type"`
	StripeCustomerID string    `db:"stripe_customer_id"`
	Payload          string    `db:"payload"` // Should be a JSON string
	Status           string    `db:"status"`
	CreatedAt        time.Time `db:"created_at"`
}
