package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/reachflow/libs/db"
	"github.com/md-rashed-zaman/reachflow/libs/outbox"
	"github.com/md-rashed-zaman/reachflow/services/journey-service/internal/journey"
	"github.com/md-rashed-zaman/reachflow/services/journey-service/internal/scheduler"
)

// EnrollmentRepository implements scheduler.Store. Leases are columns on the enrollment row
// and every state change is a conditional UPDATE.
type EnrollmentRepository struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewEnrollmentRepository(pool *db.Pool, outboxRepo *outbox.Repository) *EnrollmentRepository {
	return &EnrollmentRepository{pool: pool, outbox: outboxRepo}
}

const enrollmentColumns = `
	e.id::text, e.tenant_id, e.journey_id::text, e.contact_id::text, e.current_node, e.due_at,
	e.status, e.day, e.attempts, e.reason, e.version, e.enrolled_at, e.updated_at`

func scanEnrollment(row pgx.Row) (journey.Enrollment, error) {
	var (
		e      journey.Enrollment
		node   string
		status string
	)
	err := row.Scan(&e.ID, &e.TenantID, &e.JourneyID, &e.ContactID, &node, &e.DueAt,
		&status, &e.Day, &e.Attempts, &e.Reason, &e.Version, &e.EnrolledAt, &e.UpdatedAt)
	if err != nil {
		return journey.Enrollment{}, err
	}
	e.CurrentNode = journey.NodeID(node)
	e.Status = journey.EnrollmentStatus(status)
	return e, nil
}

// Enroll starts contactID at the journey's entry node, ready immediately.
func (r *EnrollmentRepository) Enroll(ctx context.Context, tenantID, journeyID, contactID string, now time.Time) (journey.Enrollment, error) {
	var out journey.Enrollment
	err := r.pool.InTx(ctx, func(tx pgx.Tx) error {
		j, err := loadJourney(ctx, tx, journeyID)
		if err != nil {
			return err
		}
		if j.TenantID != tenantID {
			return ErrNotFound
		}
		if j.Status != journey.JourneyActive {
			return ErrJourneyInactive
		}
		c, err := loadContact(ctx, tx, contactID)
		if err != nil {
			return err
		}
		if c.TenantID != tenantID {
			return ErrNotFound
		}

		out = journey.Enrollment{
			ID:          uuid.NewString(),
			TenantID:    tenantID,
			JourneyID:   journeyID,
			ContactID:   contactID,
			CurrentNode: j.Entry,
			Status:      journey.EnrollmentActive,
			Day:         1,
			EnrolledAt:  now,
			UpdatedAt:   now,
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO enrollments
				(id, tenant_id, journey_id, contact_id, current_node, due_at, status, day, attempts, reason, version, enrolled_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, NULL, 'active', 1, 0, '', 0, $6, $6)
		`, out.ID, tenantID, journeyID, contactID, string(out.CurrentNode), now)
		if db.IsUniqueViolation(err) {
			// one active enrollment per contact and journey
			return ErrAlreadyEnrolled
		}
		return err
	})
	return out, err
}

func (r *EnrollmentRepository) GetEnrollment(ctx context.Context, tenantID, id string) (journey.Enrollment, error) {
	e, err := scanEnrollment(r.pool.QueryRow(ctx, `
		SELECT `+enrollmentColumns+`
		FROM enrollments e
		WHERE e.id = $1 AND e.tenant_id = $2
	`, id, tenantID))
	if db.IsNotFound(err) {
		return journey.Enrollment{}, ErrNotFound
	}
	return e, err
}

func (r *EnrollmentRepository) DueEnrollments(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT e.id::text
		FROM enrollments e
		JOIN journeys j ON j.id = e.journey_id
		WHERE e.status = 'active'
		  AND j.status = 'active'
		  AND (e.due_at IS NULL OR e.due_at <= $1)
		  AND (e.lease_expires_at IS NULL OR e.lease_expires_at <= $1)
		ORDER BY e.due_at ASC NULLS FIRST
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return ids, nil
}

// Claim takes the lease with a single conditional UPDATE; zero rows means another worker
// won it or the enrollment stopped being due. Errors after the UPDATE leave the lease held;
// the scheduler releases it.
func (r *EnrollmentRepository) Claim(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (scheduler.Work, error) {
	e, err := scanEnrollment(r.pool.QueryRow(ctx, `
		UPDATE enrollments e
		SET lease_owner = $2,
			lease_expires_at = $4
		FROM journeys j
		WHERE e.id = $1
		  AND j.id = e.journey_id
		  AND j.status = 'active'
		  AND e.status = 'active'
		  AND (e.due_at IS NULL OR e.due_at <= $3)
		  AND (e.lease_expires_at IS NULL OR e.lease_expires_at <= $3)
		RETURNING `+enrollmentColumns,
		id, owner, now, now.Add(ttl)))
	if db.IsNotFound(err) {
		return scheduler.Work{}, scheduler.ErrLeaseContention
	}
	if err != nil {
		return scheduler.Work{}, err
	}

	j, err := loadJourney(ctx, r.pool, e.JourneyID)
	if err != nil {
		return scheduler.Work{}, fmt.Errorf("load journey: %w", err)
	}
	c, err := loadContact(ctx, r.pool, e.ContactID)
	if errors.Is(err, ErrNotFound) {
		return scheduler.Work{Journey: j, Enrollment: e}, fmt.Errorf("%w: %s", scheduler.ErrContactMissing, e.ContactID)
	}
	if err != nil {
		return scheduler.Work{}, fmt.Errorf("load contact: %w", err)
	}
	return scheduler.Work{Journey: j, Enrollment: e, Contact: c}, nil
}

// Commit writes the step's enrollment state, history row and outbox events in one
// transaction, guarded by lease owner and version.
func (r *EnrollmentRepository) Commit(ctx context.Context, owner string, expectedVersion int64, res journey.StepResult) error {
	e := res.Enrollment
	return r.pool.InTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE enrollments
			SET current_node = $3,
				due_at = $4,
				status = $5,
				day = $6,
				attempts = $7,
				reason = $8,
				version = version + 1,
				updated_at = $9
			WHERE id = $1
			  AND lease_owner = $2
			  AND version = $10
		`, e.ID, owner, string(e.CurrentNode), e.DueAt, string(e.Status), e.Day, e.Attempts, e.Reason, e.UpdatedAt, expectedVersion)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return scheduler.ErrLeaseLost
		}

		rec := res.Record
		if _, err := tx.Exec(ctx, `
			INSERT INTO step_history (enrollment_id, node_id, node_kind, day_label, outcome, detail, executed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, e.ID, string(rec.NodeID), string(rec.Kind), rec.DayLabel, string(rec.Outcome), rec.Detail, rec.At); err != nil {
			return fmt.Errorf("insert step history: %w", err)
		}

		for _, a := range res.Actions {
			evt, err := outbox.NewEvent("enrollment", e.ID, a.EventType(), a)
			if err != nil {
				return err
			}
			if err := r.outbox.Insert(ctx, tx, evt); err != nil {
				return fmt.Errorf("enqueue %s: %w", a.EventType(), err)
			}
		}
		return nil
	})
}

func (r *EnrollmentRepository) Release(ctx context.Context, id, owner string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE enrollments
		SET lease_owner = NULL,
			lease_expires_at = NULL
		WHERE id = $1 AND lease_owner = $2
	`, id, owner)
	return err
}

func (r *EnrollmentRepository) JourneyActive(ctx context.Context, journeyID string) (bool, error) {
	var active bool
	err := r.pool.QueryRow(ctx, `SELECT status = 'active' FROM journeys WHERE id = $1`, journeyID).Scan(&active)
	if db.IsNotFound(err) {
		return false, nil
	}
	return active, err
}

// History lists the executed steps of an enrollment, oldest first.
func (r *EnrollmentRepository) History(ctx context.Context, tenantID, enrollmentID string) ([]journey.StepRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT h.node_id, h.node_kind, h.day_label, h.outcome, h.detail, h.executed_at
		FROM step_history h
		JOIN enrollments e ON e.id = h.enrollment_id
		WHERE h.enrollment_id = $1 AND e.tenant_id = $2
		ORDER BY h.id ASC
	`, enrollmentID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []journey.StepRecord
	for rows.Next() {
		rec := journey.StepRecord{EnrollmentID: enrollmentID}
		var node, kind, outcome string
		if err := rows.Scan(&node, &kind, &rec.DayLabel, &outcome, &rec.Detail, &rec.At); err != nil {
			return nil, err
		}
		rec.NodeID = journey.NodeID(node)
		rec.Kind = journey.Kind(kind)
		rec.Outcome = journey.Outcome(outcome)
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}
