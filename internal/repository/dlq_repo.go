package repository

import (
	"context"
	"fmt"

	"app/internal/model"

	"github.com/jackc/pgx/v5/pgxpool"
)

type DLQRepository interface {
	Create(ctx context.Context, event *model.DeadLetterEvent) error
}

type dlqRepository struct {
	pool *pgxpool.Pool
}

func NewDLQRepository(pool *pgxpool.Pool) DLQRepository {
	return &dlqRepository{pool: pool}
}

func (r *dlqRepository) Create(ctx context.Context, event *model.DeadLetterEvent) error {
	const q = `
        INSERT INTO dead_letter_events (event_id, event_type, stripe_customer_id, payload, status)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (event_id) DO NOTHING
    `
	_, err := r.pool.Exec(
		ctx,
		q,
		event.EventID,
		event.EventType,
		event.StripeCustomerID,
		event.Payload,
		event.Status,
	)
	if err != nil {
		return fmt.Errorf("store dead letter event %s: %w", event.EventID, err)
	}
	return nil
}
