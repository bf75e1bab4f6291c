package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/reachflow/libs/db"
	"github.com/md-rashed-zaman/reachflow/services/journey-service/internal/dids"
)

// DIDRepository implements dids.Store and dids.HeldStore plus the admin operations used by
// the import tooling.
type DIDRepository struct {
	pool *db.Pool
}

func NewDIDRepository(pool *db.Pool) *DIDRepository {
	return &DIDRepository{pool: pool}
}

const didColumns = `id::text, tenant_id, number, segment, trunk, status, usage_count, coalesce(reservation_id, ''), reserved_at, created_at`

func scanDIDs(rows pgx.Rows) ([]dids.DID, error) {
	defer rows.Close()
	var out []dids.DID
	for rows.Next() {
		var (
			d      dids.DID
			status string
		)
		if err := rows.Scan(&d.ID, &d.TenantID, &d.Number, &d.Segment, &d.Trunk, &status, &d.UsageCount, &d.Reservation, &d.ReservedAt, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Status = dids.Status(status)
		out = append(out, d)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (r *DIDRepository) Candidates(ctx context.Context, tenantID, trunk string) ([]dids.DID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+didColumns+`
		FROM dids
		WHERE tenant_id = $1 AND trunk = $2 AND status = 'available'
		ORDER BY usage_count ASC, created_at ASC, id ASC
	`, tenantID, trunk)
	if err != nil {
		return nil, err
	}
	return scanDIDs(rows)
}

func (r *DIDRepository) CompareAndReserve(ctx context.Context, id, reservation string, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE dids
		SET status = 'reserved',
			usage_count = usage_count + 1,
			reservation_id = $2,
			reserved_at = $3
		WHERE id = $1 AND status = 'available'
	`, id, reservation, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *DIDRepository) CompareAndRelease(ctx context.Context, id, reservation string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE dids
		SET status = 'available',
			reservation_id = NULL,
			reserved_at = NULL
		WHERE id = $1 AND status = 'reserved' AND reservation_id = $2
	`, id, reservation)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *DIDRepository) ReservedBefore(ctx context.Context, cutoff time.Time, limit int) ([]dids.DID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+didColumns+`
		FROM dids
		WHERE status = 'reserved' AND reserved_at < $1
		ORDER BY reserved_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return scanDIDs(rows)
}

// Import adds numbers as available DIDs. Numbers the tenant already owns are skipped; the
// count of inserted rows is returned.
func (r *DIDRepository) Import(ctx context.Context, tenantID string, in []dids.DID) (int, error) {
	inserted := 0
	err := r.pool.InTx(ctx, func(tx pgx.Tx) error {
		inserted = 0
		for _, d := range in {
			tag, err := tx.Exec(ctx, `
				INSERT INTO dids (id, tenant_id, number, segment, trunk, status, usage_count)
				VALUES ($1, $2, $3, $4, $5, 'available', 0)
				ON CONFLICT (tenant_id, number) DO NOTHING
			`, uuid.NewString(), tenantID, d.Number, d.Segment, d.Trunk)
			if err != nil {
				return err
			}
			inserted += int(tag.RowsAffected())
		}
		return nil
	})
	return inserted, err
}

// Disable takes a number out of rotation. A reserved DID is disabled too; its pending release
// then reports ErrNotReserved and is ignored.
func (r *DIDRepository) Disable(ctx context.Context, tenantID, number string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE dids
		SET status = 'disabled',
			reservation_id = NULL,
			reserved_at = NULL
		WHERE tenant_id = $1 AND number = $2
	`, tenantID, number)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *DIDRepository) List(ctx context.Context, tenantID, trunk string) ([]dids.DID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+didColumns+`
		FROM dids
		WHERE tenant_id = $1 AND ($2 = '' OR trunk = $2)
		ORDER BY trunk ASC, number ASC
	`, tenantID, trunk)
	if err != nil {
		return nil, err
	}
	return scanDIDs(rows)
}
