package service

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"app/internal/model"
	"app/internal/plan"

	"github.com/rs/zerolog"
)

func testPriceTable() *plan.PriceTable {
	return plan.NewPriceTable(map[string]model.Plan{
		"price_premium_monthly": model.PlanPremium,
		"price_family_annual":   model.PlanFamily,
		"price_lifetime":        model.PlanLifetime,
	}, []string{"price_lifetime"})
}

func newTestBillingService(t *testing.T) (*billingService, *fakeBillingRepo, *fakeLogRepo, *fakePublisher) {
	t.Helper()
	billingRepo := newFakeBillingRepo()
	logRepo := newFakeLogRepo()
	publisher := &fakePublisher{}
	svc := NewBillingService(billingRepo, logRepo, testPriceTable(), publisher, "billing_events", zerolog.Nop()).(*billingService)
	return svc, billingRepo, logRepo, publisher
}

func TestApplySubscriptionPremium(t *testing.T) {
	svc, billingRepo, logRepo, publisher := newTestBillingService(t)
	ctx := context.Background()

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	err := svc.ApplySubscription(ctx, SubscriptionUpdate{
		UserID:         "user-1",
		SubscriptionID: "sub_1",
		PriceID:        "price_premium_monthly",
		Status:         "active",
		PeriodStart:    start,
		PeriodEnd:      end,
		Amount:         999,
		Currency:       "usd",
		Interval:       "month",
	})
	if err != nil {
		t.Fatalf("ApplySubscription: %v", err)
	}

	rec := billingRepo.get("user-1")
	if rec == nil {
		t.Fatal("no billing record written")
	}
	if rec.Plan != model.PlanPremium {
		t.Errorf("plan = %s, want premium", rec.Plan)
	}
	if !rec.Features.AIFeatures {
		t.Error("premium subscription must enable ai features")
	}
	if rec.Limits.StorageGB != 50 {
		t.Errorf("storage = %d GB, want 50", rec.Limits.StorageGB)
	}
	if rec.SubscriptionID == nil || *rec.SubscriptionID != "sub_1" {
		t.Errorf("subscription id = %v, want sub_1", rec.SubscriptionID)
	}
	if rec.CurrentPeriodEnd == nil || !rec.CurrentPeriodEnd.Equal(end) {
		t.Errorf("period end = %v, want %v", rec.CurrentPeriodEnd, end)
	}

	log := logRepo.logs["sub_1"]
	if log == nil {
		t.Fatal("no subscription log row written")
	}
	if log.Plan != model.PlanPremium || log.Amount != 999 || log.Interval != "month" {
		t.Errorf("log row = %+v", log)
	}

	if publisher.count() != 1 {
		t.Errorf("published %d events, want 1", publisher.count())
	}
}

func TestApplySubscriptionUnknownPriceDefaultsToFree(t *testing.T) {
	svc, billingRepo, _, _ := newTestBillingService(t)

	err := svc.ApplySubscription(context.Background(), SubscriptionUpdate{
		UserID:         "user-1",
		SubscriptionID: "sub_1",
		PriceID:        "price_from_an_old_deploy",
		Status:         "active",
	})
	if err != nil {
		t.Fatalf("ApplySubscription: %v", err)
	}
	if rec := billingRepo.get("user-1"); rec.Plan != model.PlanFree {
		t.Errorf("plan = %s, want free for unmapped price", rec.Plan)
	}
}

func TestApplySubscriptionReplayConverges(t *testing.T) {
	svc, billingRepo, logRepo, _ := newTestBillingService(t)
	ctx := context.Background()

	upd := SubscriptionUpdate{
		UserID:         "user-1",
		SubscriptionID: "sub_1",
		PriceID:        "price_family_annual",
		Status:         "active",
		PeriodStart:    time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:      time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		Amount:         9900,
		Currency:       "usd",
		Interval:       "year",
	}
	if err := svc.ApplySubscription(ctx, upd); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	first := *billingRepo.get("user-1")
	if err := svc.ApplySubscription(ctx, upd); err != nil {
		t.Fatalf("replay: %v", err)
	}
	second := *billingRepo.get("user-1")

	if !reflect.DeepEqual(first, second) {
		t.Errorf("replay diverged:\nfirst:  %+v\nsecond: %+v", first, second)
	}
	if len(logRepo.logs) != 1 {
		t.Errorf("replay created %d log rows, want 1", len(logRepo.logs))
	}
}

func TestApplyCancellationDowngradesToFree(t *testing.T) {
	svc, billingRepo, logRepo, publisher := newTestBillingService(t)
	ctx := context.Background()

	// Start from an active family subscription.
	if err := svc.ApplySubscription(ctx, SubscriptionUpdate{
		UserID:         "user-1",
		SubscriptionID: "sub_1",
		PriceID:        "price_family_annual",
		Status:         "active",
	}); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	canceledAt := time.Date(2025, 7, 15, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return canceledAt }

	if err := svc.ApplyCancellation(ctx, "user-1", "sub_1"); err != nil {
		t.Fatalf("ApplyCancellation: %v", err)
	}

	rec := billingRepo.get("user-1")
	if rec.Plan != model.PlanFree {
		t.Errorf("plan = %s, want free", rec.Plan)
	}
	if rec.Status != "canceled" {
		t.Errorf("status = %s, want canceled", rec.Status)
	}
	if rec.Features.AIFeatures || rec.Features.FamilySharing {
		t.Errorf("canceled user kept paid features: %+v", rec.Features)
	}
	if rec.Limits.StorageGB != 2 {
		t.Errorf("storage = %d GB, want free tier 2", rec.Limits.StorageGB)
	}
	if rec.CanceledAt == nil || !rec.CanceledAt.Equal(canceledAt) {
		t.Errorf("canceled_at = %v, want %v", rec.CanceledAt, canceledAt)
	}
	if log := logRepo.logs["sub_1"]; log.Status != "canceled" {
		t.Errorf("log status = %s, want canceled", log.Status)
	}
	if publisher.count() != 2 {
		t.Errorf("published %d events, want 2", publisher.count())
	}
}

func TestApplyOneTimePurchaseReplayIdempotent(t *testing.T) {
	svc, billingRepo, _, _ := newTestBillingService(t)
	ctx := context.Background()

	purchasedAt := time.Date(2025, 8, 1, 9, 30, 0, 0, time.UTC)
	svc.now = func() time.Time { return purchasedAt }

	if err := svc.ApplyOneTimePurchase(ctx, "user-1", "price_lifetime"); err != nil {
		t.Fatalf("first purchase: %v", err)
	}
	first := *billingRepo.get("user-1")
	if err := svc.ApplyOneTimePurchase(ctx, "user-1", "price_lifetime"); err != nil {
		t.Fatalf("replay: %v", err)
	}
	second := *billingRepo.get("user-1")

	if first.Plan != model.PlanLifetime {
		t.Errorf("plan = %s, want lifetime", first.Plan)
	}
	if !first.Features.FutureFeatures {
		t.Error("lifetime purchase must unlock future features")
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("replay diverged:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestMarkPaymentFailedPublishesNotification(t *testing.T) {
	svc, billingRepo, _, publisher := newTestBillingService(t)
	ctx := context.Background()

	billingRepo.put(&model.BillingRecord{UserID: "user-1", Plan: model.PlanPremium, Status: "active"})
	failedAt := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return failedAt }

	if err := svc.MarkPaymentFailed(ctx, "user-1"); err != nil {
		t.Fatalf("MarkPaymentFailed: %v", err)
	}

	rec := billingRepo.get("user-1")
	if rec.LastPaymentStatus == nil || *rec.LastPaymentStatus != "failed" {
		t.Errorf("last payment status = %v, want failed", rec.LastPaymentStatus)
	}
	if rec.LastPaymentFailedAt == nil || !rec.LastPaymentFailedAt.Equal(failedAt) {
		t.Errorf("last payment failed at = %v, want %v", rec.LastPaymentFailedAt, failedAt)
	}
	if rec.Plan != model.PlanPremium {
		t.Errorf("failed payment must not downgrade plan, got %s", rec.Plan)
	}
	if publisher.count() != 1 {
		t.Errorf("published %d events, want 1", publisher.count())
	}
}

func TestMarkPaymentSucceeded(t *testing.T) {
	svc, billingRepo, _, publisher := newTestBillingService(t)

	billingRepo.put(&model.BillingRecord{UserID: "user-1", Plan: model.PlanPremium, Status: "active"})
	paidAt := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return paidAt }

	if err := svc.MarkPaymentSucceeded(context.Background(), "user-1"); err != nil {
		t.Fatalf("MarkPaymentSucceeded: %v", err)
	}
	rec := billingRepo.get("user-1")
	if rec.LastPaymentStatus == nil || *rec.LastPaymentStatus != "succeeded" {
		t.Errorf("last payment status = %v, want succeeded", rec.LastPaymentStatus)
	}
	if publisher.count() != 0 {
		t.Errorf("successful payments should not publish, got %d events", publisher.count())
	}
}

func TestMirrorCancelScheduledKeepsPlan(t *testing.T) {
	svc, billingRepo, _, _ := newTestBillingService(t)

	billingRepo.put(&model.BillingRecord{UserID: "user-1", Plan: model.PlanPremium, Status: "active"})
	if err := svc.MirrorCancelScheduled(context.Background(), "user-1"); err != nil {
		t.Fatalf("MirrorCancelScheduled: %v", err)
	}
	rec := billingRepo.get("user-1")
	if !rec.CancelAtPeriodEnd {
		t.Error("cancel_at_period_end not set")
	}
	if rec.Plan != model.PlanPremium {
		t.Errorf("scheduled cancellation must not downgrade, got %s", rec.Plan)
	}
}

func TestGetCurrentSubscriptionNotFound(t *testing.T) {
	svc, _, _, _ := newTestBillingService(t)
	_, err := svc.GetCurrentSubscription(context.Background(), "nobody")
	if !errors.Is(err, ErrBillingNotFound) {
		t.Errorf("err = %v, want ErrBillingNotFound", err)
	}
}

func TestValidateEntitlementsLapsedPremiumReadsAsFree(t *testing.T) {
	svc, billingRepo, _, _ := newTestBillingService(t)

	now := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	lapsed := now.Add(-24 * time.Hour)
	billingRepo.put(&model.BillingRecord{
		UserID:           "user-1",
		Plan:             model.PlanPremium,
		Status:           "active",
		CurrentPeriodEnd: &lapsed,
		Features:         plan.Features(model.PlanPremium),
		Limits:           plan.Limits(model.PlanPremium),
	})

	ent, err := svc.ValidateEntitlements(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("ValidateEntitlements: %v", err)
	}
	if ent.Plan != model.PlanFree {
		t.Errorf("effective plan = %s, want free", ent.Plan)
	}
	if ent.Features.AIFeatures {
		t.Error("lapsed premium must not grant ai features")
	}
	if ent.Limits.StorageGB != 2 {
		t.Errorf("lapsed storage = %d GB, want 2", ent.Limits.StorageGB)
	}

	// The stored record stays on premium until the next webhook.
	if rec := billingRepo.get("user-1"); rec.Plan != model.PlanPremium {
		t.Errorf("stored plan mutated to %s", rec.Plan)
	}
}

func TestValidateEntitlementsActivePremium(t *testing.T) {
	svc, billingRepo, _, _ := newTestBillingService(t)

	now := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	end := now.Add(15 * 24 * time.Hour)
	billingRepo.put(&model.BillingRecord{
		UserID:           "user-1",
		Plan:             model.PlanPremium,
		Status:           "active",
		CurrentPeriodEnd: &end,
		Usage:            model.Usage{StorageUsedMB: 1200, FolderCount: 8},
	})

	ent, err := svc.ValidateEntitlements(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("ValidateEntitlements: %v", err)
	}
	if ent.Plan != model.PlanPremium {
		t.Errorf("effective plan = %s, want premium", ent.Plan)
	}
	if !ent.Features.AIFeatures || ent.Limits.StorageGB != 50 {
		t.Errorf("entitlements = %+v", ent)
	}
	if ent.Usage.StorageUsedMB != 1200 {
		t.Errorf("usage not carried through: %+v", ent.Usage)
	}
}

func TestValidateEntitlementsLifetimeAlwaysActive(t *testing.T) {
	svc, billingRepo, _, _ := newTestBillingService(t)

	// Lifetime has no period; far-future clock must not lapse it.
	svc.now = func() time.Time { return time.Date(2040, 1, 1, 0, 0, 0, 0, time.UTC) }
	billingRepo.put(&model.BillingRecord{UserID: "user-1", Plan: model.PlanLifetime, Status: "active"})

	ent, err := svc.ValidateEntitlements(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("ValidateEntitlements: %v", err)
	}
	if ent.Plan != model.PlanLifetime {
		t.Errorf("effective plan = %s, want lifetime", ent.Plan)
	}
	if !ent.Features.FutureFeatures {
		t.Error("lifetime must keep future features")
	}
}

func TestValidateEntitlementsNoRecord(t *testing.T) {
	svc, _, _, _ := newTestBillingService(t)
	_, err := svc.ValidateEntitlements(context.Background(), "nobody")
	if !errors.Is(err, ErrBillingNotFound) {
		t.Errorf("err = %v, want ErrBillingNotFound", err)
	}
}
