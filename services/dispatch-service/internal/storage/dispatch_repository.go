package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/reachflow/libs/db"
	"github.com/md-rashed-zaman/reachflow/libs/outbox"
	"github.com/md-rashed-zaman/reachflow/services/dispatch-service/internal/dispatch"
)

type Repository struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewRepository(pool *db.Pool, outboxRepo *outbox.Repository) *Repository {
	return &Repository{pool: pool, outbox: outboxRepo}
}

// Record stores the attempt and enqueues its outcome report in one transaction.
func (r *Repository) Record(ctx context.Context, a dispatch.Attempt, report outbox.Event) error {
	return r.pool.InTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO dispatch_attempts
				(request_event_id, tenant_id, enrollment_id, contact_id, channel, recipient, provider_id, provider_ref, status, detail)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, a.RequestEventID, a.TenantID, a.EnrollmentID, a.ContactID, a.Channel, a.Recipient, a.Provider, a.ProviderRef, a.Status, a.Detail)
		if err != nil {
			return err
		}
		return r.outbox.Insert(ctx, tx, report)
	})
}
