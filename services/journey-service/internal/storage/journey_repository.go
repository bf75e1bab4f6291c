package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/reachflow/libs/db"
	"github.com/md-rashed-zaman/reachflow/services/journey-service/internal/journey"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrJourneyInactive = errors.New("journey is not active")
	ErrAlreadyEnrolled = errors.New("contact already enrolled in journey")
)

type JourneyRepository struct {
	pool *db.Pool
}

func NewJourneyRepository(pool *db.Pool) *JourneyRepository {
	return &JourneyRepository{pool: pool}
}

// SaveJourney upserts a validated definition. The graph is stored as its JSON encoding;
// running enrollments pick up the new definition on their next step.
func (r *JourneyRepository) SaveJourney(ctx context.Context, j journey.Journey) error {
	definition, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode journey: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO journeys (id, tenant_id, name, status, timezone, definition, updated_at)
		VALUES ($1, $2, $3, 'active', $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
			timezone = EXCLUDED.timezone,
			definition = EXCLUDED.definition,
			updated_at = EXCLUDED.updated_at
		WHERE journeys.tenant_id = EXCLUDED.tenant_id
	`, j.ID, j.TenantID, j.Name, j.Timezone, definition, j.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// the id belongs to another tenant
		return ErrNotFound
	}
	return nil
}

func (r *JourneyRepository) GetJourney(ctx context.Context, tenantID, id string) (journey.Journey, error) {
	j, err := loadJourney(ctx, r.pool, id)
	if err != nil {
		return journey.Journey{}, err
	}
	if j.TenantID != tenantID {
		return journey.Journey{}, ErrNotFound
	}
	return j, nil
}

// CancelJourney stops scheduling for every enrollment of the journey. Steps already leased
// finish; dispatched actions are not undone.
func (r *JourneyRepository) CancelJourney(ctx context.Context, tenantID, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE journeys
		SET status = 'cancelled',
			updated_at = $3
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *JourneyRepository) UpsertContact(ctx context.Context, c journey.Contact) error {
	attrs, err := json.Marshal(c.Attributes)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO contacts (id, tenant_id, phone, attributes)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET phone = EXCLUDED.phone,
			attributes = EXCLUDED.attributes,
			updated_at = now()
		WHERE contacts.tenant_id = EXCLUDED.tenant_id
	`, c.ID, c.TenantID, c.Phone, attrs)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// rowQuerier is satisfied by both the pool and a transaction.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadJourney(ctx context.Context, q rowQuerier, id string) (journey.Journey, error) {
	var (
		tenantID   string
		status     string
		updatedAt  time.Time
		definition []byte
	)
	err := q.QueryRow(ctx, `
		SELECT tenant_id, status, definition, updated_at
		FROM journeys
		WHERE id = $1
	`, id).Scan(&tenantID, &status, &definition, &updatedAt)
	if db.IsNotFound(err) {
		return journey.Journey{}, ErrNotFound
	}
	if err != nil {
		return journey.Journey{}, err
	}
	var j journey.Journey
	if err := json.Unmarshal(definition, &j); err != nil {
		return journey.Journey{}, fmt.Errorf("decode journey %s: %w", id, err)
	}
	j.ID = id
	j.TenantID = tenantID
	j.Status = journey.JourneyStatus(status)
	j.UpdatedAt = updatedAt
	return j, nil
}

func loadContact(ctx context.Context, q rowQuerier, id string) (journey.Contact, error) {
	c := journey.Contact{ID: id}
	var attrs []byte
	err := q.QueryRow(ctx, `
		SELECT tenant_id, phone, attributes
		FROM contacts
		WHERE id = $1
	`, id).Scan(&c.TenantID, &c.Phone, &attrs)
	if db.IsNotFound(err) {
		return journey.Contact{}, ErrNotFound
	}
	if err != nil {
		return journey.Contact{}, err
	}
	c.Attributes = map[string]string{}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &c.Attributes); err != nil {
			return journey.Contact{}, fmt.Errorf("decode contact %s: %w", id, err)
		}
	}
	return c, nil
}
