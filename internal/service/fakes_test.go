package service

import (
	"context"
	"sync"
	"time"

	"app/internal/model"

	"github.com/stripe/stripe-go/v82"
)

// In-memory fakes mirroring the SQL semantics of the real repositories.

type fakeBillingRepo struct {
	mu      sync.Mutex
	records map[string]*model.BillingRecord
	writes  int
}

func newFakeBillingRepo() *fakeBillingRepo {
	return &fakeBillingRepo{records: make(map[string]*model.BillingRecord)}
}

func (r *fakeBillingRepo) get(userID string) *model.BillingRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[userID]
}

func (r *fakeBillingRepo) put(rec *model.BillingRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.UserID] = rec
}

func (r *fakeBillingRepo) Get(_ context.Context, userID string) (*model.BillingRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[userID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (r *fakeBillingRepo) ensure(userID string) *model.BillingRecord {
	rec, ok := r.records[userID]
	if !ok {
		rec = &model.BillingRecord{UserID: userID, Plan: model.PlanFree}
		r.records[userID] = rec
	}
	return rec
}

func (r *fakeBillingRepo) UpsertSubscription(_ context.Context, userID string, plan model.Plan, features model.Features, limits model.Limits, status, subscriptionID string, periodStart, periodEnd time.Time, cancelAtPeriodEnd bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	rec := r.ensure(userID)
	rec.Plan = plan
	rec.Status = status
	rec.SubscriptionID = &subscriptionID
	rec.CurrentPeriodStart = &periodStart
	rec.CurrentPeriodEnd = &periodEnd
	rec.CancelAtPeriodEnd = cancelAtPeriodEnd
	rec.Features = features
	rec.Limits = limits
	return nil
}

func (r *fakeBillingRepo) UpsertOneTimePurchase(_ context.Context, userID string, plan model.Plan, features model.Features, limits model.Limits, purchasedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	rec := r.ensure(userID)
	rec.Plan = plan
	rec.Status = "active"
	rec.Features = features
	rec.Limits = limits
	rec.PurchasedAt = &purchasedAt
	return nil
}

func (r *fakeBillingRepo) DowngradeToFree(_ context.Context, userID string, features model.Features, limits model.Limits, canceledAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	rec := r.ensure(userID)
	rec.Plan = model.PlanFree
	rec.Status = "canceled"
	rec.Features = features
	rec.Limits = limits
	rec.CancelAtPeriodEnd = false
	rec.CanceledAt = &canceledAt
	return nil
}

func (r *fakeBillingRepo) MarkPaymentSucceeded(_ context.Context, userID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	if rec, ok := r.records[userID]; ok {
		status := "succeeded"
		rec.LastPaymentStatus = &status
		rec.LastPaymentAt = &at
	}
	return nil
}

func (r *fakeBillingRepo) MarkPaymentFailed(_ context.Context, userID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	if rec, ok := r.records[userID]; ok {
		status := "failed"
		rec.LastPaymentStatus = &status
		rec.LastPaymentFailedAt = &at
	}
	return nil
}

func (r *fakeBillingRepo) SetCancelAtPeriodEnd(_ context.Context, userID string, cancel bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	if rec, ok := r.records[userID]; ok {
		rec.CancelAtPeriodEnd = cancel
	}
	return nil
}

type fakeLogRepo struct {
	mu      sync.Mutex
	logs    map[string]*model.SubscriptionLog
	upserts int
}

func newFakeLogRepo() *fakeLogRepo {
	return &fakeLogRepo{logs: make(map[string]*model.SubscriptionLog)}
}

func (r *fakeLogRepo) Upsert(_ context.Context, log *model.SubscriptionLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts++
	cp := *log
	r.logs[log.StripeSubscriptionID] = &cp
	return nil
}

func (r *fakeLogRepo) UpdateStatus(_ context.Context, stripeSubscriptionID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.logs[stripeSubscriptionID]; ok {
		l.Status = status
	}
	return nil
}

func (r *fakeLogRepo) Get(_ context.Context, stripeSubscriptionID string) (*model.SubscriptionLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logs[stripeSubscriptionID], nil
}

type fakeUserRepo struct {
	mu              sync.Mutex
	users           map[string]*model.User
	customerUpdates int
}

func newFakeUserRepo(users ...*model.User) *fakeUserRepo {
	r := &fakeUserRepo{users: make(map[string]*model.User)}
	for _, u := range users {
		r.users[u.UserID] = u
	}
	return r
}

func (r *fakeUserRepo) CreateUser(_ context.Context, u *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.UserID] = u
	return nil
}

func (r *fakeUserRepo) GetUserByID(_ context.Context, id string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[id], nil
}

func (r *fakeUserRepo) GetUserByStripeCustomerID(_ context.Context, customerID string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.StripeCustomerID != nil && *u.StripeCustomerID == customerID {
			return u, nil
		}
	}
	return nil, nil
}

func (r *fakeUserRepo) UpdateStripeCustomerID(_ context.Context, userID, customerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.customerUpdates++
	if u, ok := r.users[userID]; ok && u.StripeCustomerID == nil {
		u.StripeCustomerID = &customerID
	}
	return nil
}

type fakeDLQRepo struct {
	mu     sync.Mutex
	events []*model.DeadLetterEvent
}

func (r *fakeDLQRepo) Create(_ context.Context, e *model.DeadLetterEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *fakeDLQRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type fakePublisher struct {
	mu       sync.Mutex
	messages [][]byte
}

func (p *fakePublisher) Publish(_ context.Context, _ string, payload []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, payload)
	return "msg-1", nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

// fakePaymentAPI counts every Stripe call so tests can prove that a call
// was (or was not) issued.
type fakePaymentAPI struct {
	mu sync.Mutex

	customersCreated int
	customersFetched int
	sessionsCreated  int
	keysCreated      int
	subsUpdated      int
	portalsCreated   int

	lastSessionParams *stripe.CheckoutSessionParams
	lastSubParams     *stripe.SubscriptionParams
}

func (f *fakePaymentAPI) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.customersCreated + f.customersFetched + f.sessionsCreated + f.keysCreated + f.subsUpdated + f.portalsCreated
}

func (f *fakePaymentAPI) CreateCustomer(params *stripe.CustomerParams) (*stripe.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customersCreated++
	return &stripe.Customer{ID: "cus_test_1"}, nil
}

func (f *fakePaymentAPI) GetCustomer(id string, _ *stripe.CustomerParams) (*stripe.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customersFetched++
	return &stripe.Customer{ID: id}, nil
}

func (f *fakePaymentAPI) CreateCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionsCreated++
	f.lastSessionParams = params
	return &stripe.CheckoutSession{ID: "cs_test_1", ClientSecret: "cs_secret"}, nil
}

func (f *fakePaymentAPI) CreateEphemeralKey(_ *stripe.EphemeralKeyParams) (*stripe.EphemeralKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keysCreated++
	return &stripe.EphemeralKey{Secret: "ek_test_secret"}, nil
}

func (f *fakePaymentAPI) UpdateSubscription(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subsUpdated++
	f.lastSubParams = params
	return &stripe.Subscription{ID: id, Status: stripe.SubscriptionStatusActive, CancelAtPeriodEnd: true}, nil
}

func (f *fakePaymentAPI) CreatePortalSession(_ *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.portalsCreated++
	return &stripe.BillingPortalSession{URL: "https://billing.stripe.com/session/test"}, nil
}
