package repository

import (
	"context"
	"errors"
	"fmt"

	"app/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SubscriptionLogRepository keeps the audit copy of every Stripe
// subscription, keyed by the Stripe subscription id. Rows are appended on
// creation and updated in place afterwards, independent of the user's
// billing record.
type SubscriptionLogRepository interface {
	Upsert(ctx context.Context, log *model.SubscriptionLog) error
	UpdateStatus(ctx context.Context, stripeSubscriptionID, status string) error
	Get(ctx context.Context, stripeSubscriptionID string) (*model.SubscriptionLog, error)
}

type subscriptionLogRepo struct {
	pool *pgxpool.Pool
}

// NewSubscriptionLogRepo creates a new SubscriptionLogRepository.
func NewSubscriptionLogRepo(pool *pgxpool.Pool) SubscriptionLogRepository {
	return &subscriptionLogRepo{pool: pool}
}

func (r *subscriptionLogRepo) Upsert(ctx context.Context, log *model.SubscriptionLog) error {
	const q = `
        INSERT INTO subscription_logs (stripe_subscription_id, user_id, plan, price_id,
                                       amount, currency, billing_interval,
                                       current_period_start, current_period_end, status)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (stripe_subscription_id) DO UPDATE SET
            plan = EXCLUDED.plan,
            price_id = EXCLUDED.price_id,
            amount = EXCLUDED.amount,
            currency = EXCLUDED.currency,
            billing_interval = EXCLUDED.billing_interval,
            current_period_start = EXCLUDED.current_period_start,
            current_period_end = EXCLUDED.current_period_end,
            status = EXCLUDED.status,
            updated_at = NOW()
    `
	_, err := r.pool.Exec(ctx, q,
		log.StripeSubscriptionID,
		log.UserID,
		log.Plan,
		log.PriceID,
		log.Amount,
		log.Currency,
		log.Interval,
		log.CurrentPeriodStart,
		log.CurrentPeriodEnd,
		log.Status,
	)
	if err != nil {
		return fmt.Errorf("upsert subscription log %s: %w", log.StripeSubscriptionID, err)
	}
	return nil
}

func (r *subscriptionLogRepo) UpdateStatus(ctx context.Context, stripeSubscriptionID, status string) error {
	const q = `
        UPDATE subscription_logs
        SET status = $2, updated_at = NOW()
        WHERE stripe_subscription_id = $1
    `
	if _, err := r.pool.Exec(ctx, q, stripeSubscriptionID, status); err != nil {
		return fmt.Errorf("update subscription log %s status: %w", stripeSubscriptionID, err)
	}
	return nil
}

func (r *subscriptionLogRepo) Get(ctx context.Context, stripeSubscriptionID string) (*model.SubscriptionLog, error) {
	const q = `
        SELECT stripe_subscription_id, user_id, plan, price_id, amount, currency,
               billing_interval, current_period_start, current_period_end, status,
               created_at, updated_at
        FROM subscription_logs
        WHERE stripe_subscription_id = $1
    `
	var l model.SubscriptionLog
	err := r.pool.QueryRow(ctx, q, stripeSubscriptionID).Scan(
		&l.StripeSubscriptionID,
		&l.UserID,
		&l.Plan,
		&l.PriceID,
		&l.Amount,
		&l.Currency,
		&l.Interval,
		&l.CurrentPeriodStart,
		&l.CurrentPeriodEnd,
		&l.Status,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch subscription log %s: %w", stripeSubscriptionID, err)
	}
	return &l, nil
}
