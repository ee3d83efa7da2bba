package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"app/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// BillingRepository persists per-user billing records. Every write is a
// single upsert statement so that replayed webhook events converge instead
// of accumulating.
type BillingRepository interface {
	Get(ctx context.Context, userID string) (*model.BillingRecord, error)
	UpsertSubscription(ctx context.Context, userID string, plan model.Plan, features model.Features, limits model.Limits, status, subscriptionID string, periodStart, periodEnd time.Time, cancelAtPeriodEnd bool) error
	UpsertOneTimePurchase(ctx context.Context, userID string, plan model.Plan, features model.Features, limits model.Limits, purchasedAt time.Time) error
	DowngradeToFree(ctx context.Context, userID string, features model.Features, limits model.Limits, canceledAt time.Time) error
	MarkPaymentSucceeded(ctx context.Context, userID string, at time.Time) error
	MarkPaymentFailed(ctx context.Context, userID string, at time.Time) error
	SetCancelAtPeriodEnd(ctx context.Context, userID string, cancel bool) error
}

type billingRepo struct {
	pool *pgxpool.Pool
}

// NewBillingRepo creates a new BillingRepository.
func NewBillingRepo(pool *pgxpool.Pool) BillingRepository {
	return &billingRepo{pool: pool}
}

func (r *billingRepo) Get(ctx context.Context, userID string) (*model.BillingRecord, error) {
	const q = `
        SELECT user_id, plan, status, subscription_id,
               current_period_start, current_period_end, cancel_at_period_end,
               features, limits,
               storage_used_mb, folder_count, upload_count,
               last_payment_status, last_payment_at, last_payment_failed_at,
               canceled_at, purchased_at, updated_at
        FROM user_billing
        WHERE user_id = $1
    `
	var (
		rec          model.BillingRecord
		featuresJSON []byte
		limitsJSON   []byte
	)
	err := r.pool.QueryRow(ctx, q, userID).Scan(
		&rec.UserID,
		&rec.Plan,
		&rec.Status,
		&rec.SubscriptionID,
		&rec.CurrentPeriodStart,
		&rec.CurrentPeriodEnd,
		&rec.CancelAtPeriodEnd,
		&featuresJSON,
		&limitsJSON,
		&rec.Usage.StorageUsedMB,
		&rec.Usage.FolderCount,
		&rec.Usage.UploadCount,
		&rec.LastPaymentStatus,
		&rec.LastPaymentAt,
		&rec.LastPaymentFailedAt,
		&rec.CanceledAt,
		&rec.PurchasedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch billing record for user %s: %w", userID, err)
	}
	if err := json.Unmarshal(featuresJSON, &rec.Features); err != nil {
		return nil, fmt.Errorf("decode features for user %s: %w", userID, err)
	}
	if err := json.Unmarshal(limitsJSON, &rec.Limits); err != nil {
		return nil, fmt.Errorf("decode limits for user %s: %w", userID, err)
	}
	return &rec, nil
}

func (r *billingRepo) UpsertSubscription(ctx context.Context, userID string, plan model.Plan, features model.Features, limits model.Limits, status, subscriptionID string, periodStart, periodEnd time.Time, cancelAtPeriodEnd bool) error {
	featuresJSON, limitsJSON, err := encodeDerived(features, limits)
	if err != nil {
		return fmt.Errorf("encode derived values for user %s: %w", userID, err)
	}
	const q = `
        INSERT INTO user_billing (user_id, plan, status, subscription_id,
                                  current_period_start, current_period_end,
                                  cancel_at_period_end, features, limits, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
        ON CONFLICT (user_id) DO UPDATE SET
            plan = EXCLUDED.plan,
            status = EXCLUDED.status,
            subscription_id = EXCLUDED.subscription_id,
            current_period_start = EXCLUDED.current_period_start,
            current_period_end = EXCLUDED.current_period_end,
            cancel_at_period_end = EXCLUDED.cancel_at_period_end,
            features = EXCLUDED.features,
            limits = EXCLUDED.limits,
            updated_at = NOW()
    `
	if _, err := r.pool.Exec(ctx, q, userID, plan, status, subscriptionID, periodStart, periodEnd, cancelAtPeriodEnd, featuresJSON, limitsJSON); err != nil {
		return fmt.Errorf("upsert subscription for user %s: %w", userID, err)
	}
	return nil
}

func (r *billingRepo) UpsertOneTimePurchase(ctx context.Context, userID string, plan model.Plan, features model.Features, limits model.Limits, purchasedAt time.Time) error {
	featuresJSON, limitsJSON, err := encodeDerived(features, limits)
	if err != nil {
		return fmt.Errorf("encode derived values for user %s: %w", userID, err)
	}
	const q = `
        INSERT INTO user_billing (user_id, plan, status, features, limits, purchased_at, updated_at)
        VALUES ($1, $2, 'active', $3, $4, $5, NOW())
        ON CONFLICT (user_id) DO UPDATE SET
            plan = EXCLUDED.plan,
            status = 'active',
            features = EXCLUDED.features,
            limits = EXCLUDED.limits,
            purchased_at = EXCLUDED.purchased_at,
            updated_at = NOW()
    `
	if _, err := r.pool.Exec(ctx, q, userID, plan, featuresJSON, limitsJSON, purchasedAt); err != nil {
		return fmt.Errorf("upsert one-time purchase for user %s: %w", userID, err)
	}
	return nil
}

func (r *billingRepo) DowngradeToFree(ctx context.Context, userID string, features model.Features, limits model.Limits, canceledAt time.Time) error {
	featuresJSON, limitsJSON, err := encodeDerived(features, limits)
	if err != nil {
		return fmt.Errorf("encode derived values for user %s: %w", userID, err)
	}
	const q = `
        INSERT INTO user_billing (user_id, plan, status, features, limits, canceled_at, updated_at)
        VALUES ($1, 'free', 'canceled', $2, $3, $4, NOW())
        ON CONFLICT (user_id) DO UPDATE SET
            plan = 'free',
            status = 'canceled',
            features = EXCLUDED.features,
            limits = EXCLUDED.limits,
            cancel_at_period_end = FALSE,
            canceled_at = EXCLUDED.canceled_at,
            updated_at = NOW()
    `
	if _, err := r.pool.Exec(ctx, q, userID, featuresJSON, limitsJSON, canceledAt); err != nil {
		return fmt.Errorf("downgrade user %s to free plan: %w", userID, err)
	}
	return nil
}

func (r *billingRepo) MarkPaymentSucceeded(ctx context.Context, userID string, at time.Time) error {
	const q = `
        UPDATE user_billing
        SET last_payment_status = 'succeeded', last_payment_at = $2, updated_at = NOW()
        WHERE user_id = $1
    `
	if _, err := r.pool.Exec(ctx, q, userID, at); err != nil {
		return fmt.Errorf("mark payment succeeded for user %s: %w", userID, err)
	}
	return nil
}

func (r *billingRepo) MarkPaymentFailed(ctx context.Context, userID string, at time.Time) error {
	const q = `
        UPDATE user_billing
        SET last_payment_status = 'failed', last_payment_failed_at = $2, updated_at = NOW()
        WHERE user_id = $1
    `
	if _, err := r.pool.Exec(ctx, q, userID, at); err != nil {
		return fmt.Errorf("mark payment failed for user %s: %w", userID, err)
	}
	return nil
}

func (r *billingRepo) SetCancelAtPeriodEnd(ctx context.Context, userID string, cancel bool) error {
	const q = `
        UPDATE user_billing
        SET cancel_at_period_end = $2, updated_at = NOW()
        WHERE user_id = $1
    `
	if _, err := r.pool.Exec(ctx, q, userID, cancel); err != nil {
		return fmt.Errorf("set cancel_at_period_end for user %s: %w", userID, err)
	}
	return nil
}

func encodeDerived(features model.Features, limits model.Limits) ([]byte, []byte, error) {
	featuresJSON, err := json.Marshal(features)
	if err != nil {
		return nil, nil, err
	}
	limitsJSON, err := json.Marshal(limits)
	if err != nil {
		return nil, nil, err
	}
	return featuresJSON, limitsJSON, nil
}
