package storage

import (
	"context"

	"github.com/md-rashed-zaman/reachflow/libs/db"
	"github.com/md-rashed-zaman/reachflow/services/journey-service/internal/delivery"
)

type DeliveryRepository struct {
	pool *db.Pool
}

func NewDeliveryRepository(pool *db.Pool) *DeliveryRepository {
	return &DeliveryRepository{pool: pool}
}

// RecordDelivery appends an outcome reported by the dispatch service. The event id is
// unique so a redelivered report is stored once.
func (r *DeliveryRepository) RecordDelivery(ctx context.Context, ev delivery.Event) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO contact_delivery_events
			(event_id, tenant_id, enrollment_id, contact_id, channel, status, provider_ref, did_id, detail, reported_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)
		ON CONFLICT (event_id) DO NOTHING
	`, ev.EventID, ev.TenantID, ev.EnrollmentID, ev.ContactID, string(ev.Channel), ev.Status, ev.ProviderRef, ev.DIDID, ev.Detail, ev.ReportedAt)
	return err
}
