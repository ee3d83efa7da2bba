package service

import (
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// stripeAPI implements PaymentAPI over the Stripe SDK client. The client is
// constructed once at startup and injected rather than relying on the SDK's
// package-level singleton.
type stripeAPI struct {
	api *client.API
}

// NewStripeAPI returns a PaymentAPI backed by the Stripe SDK.
func NewStripeAPI(secretKey string) PaymentAPI {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &stripeAPI{api: api}
}

func (s *stripeAPI) CreateCustomer(params *stripe.CustomerParams) (*stripe.Customer, error) {
	return s.api.Customers.New(params)
}

func (s *stripeAPI) GetCustomer(id string, params *stripe.CustomerParams) (*stripe.Customer, error) {
	return s.api.Customers.Get(id, params)
}

func (s *stripeAPI) CreateCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return s.api.CheckoutSessions.New(params)
}

func (s *stripeAPI) CreateEphemeralKey(params *stripe.EphemeralKeyParams) (*stripe.EphemeralKey, error) {
	return s.api.EphemeralKeys.New(params)
}

func (s *stripeAPI) UpdateSubscription(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	return s.api.Subscriptions.Update(id, params)
}

func (s *stripeAPI) CreatePortalSession(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
	return s.api.BillingPortalSessions.New(params)
}
