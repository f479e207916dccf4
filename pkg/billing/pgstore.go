package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachly/billing/pkg/pg"
)

// PGLedgerStore implements LedgerStore on PostgreSQL. The aggregate write and
// the billing-record append happen in one transaction, and the version column
// enforces optimistic concurrency.
type PGLedgerStore struct {
	pool *pgxpool.Pool
}

// NewPGLedgerStore creates a PostgreSQL-backed ledger store.
func NewPGLedgerStore(pool *pgxpool.Pool) *PGLedgerStore {
	if pool == nil {
		panic("billing: pgxpool.Pool is required")
	}
	return &PGLedgerStore{pool: pool}
}

const subscriptionColumns = `id, user_id, package_id, status, start_date, end_date,
	is_trial_active, trial_start, is_in_grace_period, grace_start,
	external_subscription_id, last_processed_event_id, version, created_at, updated_at`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var sub Subscription
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.PackageID, &sub.Status, &sub.StartDate, &sub.EndDate,
		&sub.IsTrialActive, &sub.TrialStart, &sub.IsInGracePeriod, &sub.GraceStart,
		&sub.ExternalSubscriptionID, &sub.LastProcessedEventID, &sub.Version,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *PGLedgerStore) Get(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`

	sub, err := scanSubscription(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	return sub, nil
}

func (s *PGLedgerStore) GetByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE external_subscription_id = $1
		ORDER BY created_at DESC
		LIMIT 1`

	sub, err := scanSubscription(s.pool.QueryRow(ctx, query, externalID))
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	return sub, nil
}

func (s *PGLedgerStore) ListByUserPackage(ctx context.Context, userID, packageID uuid.UUID) ([]*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE user_id = $1 AND package_id = $2
		ORDER BY created_at DESC`

	return s.list(ctx, query, userID, packageID)
}

func (s *PGLedgerStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE user_id = $1
		ORDER BY created_at DESC`

	return s.list(ctx, query, userID)
}

func (s *PGLedgerStore) ListDueForExpiration(ctx context.Context, now time.Time, gracePeriod time.Duration) ([]*Subscription, error) {
	// Soft-cancels past their paid period, and grace windows that elapsed
	// without a successful renewal.
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE (status = $1 AND end_date <= $3)
		   OR (status = $2 AND is_in_grace_period AND grace_start <= $4)
		ORDER BY created_at`

	graceCutoff := now.Add(-gracePeriod)
	return s.list(ctx, query, StatusCancelledActive, StatusActive, now, graceCutoff)
}

func (s *PGLedgerStore) list(ctx context.Context, query string, args ...any) ([]*Subscription, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, errors.Join(ErrStoreUnavailable, err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	return subs, nil
}

func (s *PGLedgerStore) Create(ctx context.Context, sub *Subscription, rec *BillingRecord) error {
	query := `INSERT INTO subscriptions (` + subscriptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	return s.txExec(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, query,
			sub.ID, sub.UserID, sub.PackageID, sub.Status, sub.StartDate, sub.EndDate,
			sub.IsTrialActive, sub.TrialStart, sub.IsInGracePeriod, sub.GraceStart,
			sub.ExternalSubscriptionID, sub.LastProcessedEventID, sub.Version,
			sub.CreatedAt, sub.UpdatedAt,
		)
		if err != nil {
			if pg.IsDuplicateKeyError(err) {
				return ErrSubscriptionConflict
			}
			return errors.Join(ErrStoreUnavailable, err)
		}
		if rec != nil {
			if err := insertRecord(ctx, tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PGLedgerStore) Update(ctx context.Context, sub *Subscription, rec *BillingRecord) error {
	query := `UPDATE subscriptions SET
			status = $1, start_date = $2, end_date = $3,
			is_trial_active = $4, trial_start = $5,
			is_in_grace_period = $6, grace_start = $7,
			external_subscription_id = $8, last_processed_event_id = $9,
			version = version + 1, updated_at = $10
		WHERE id = $11 AND version = $12`

	return s.txExec(ctx, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query,
			sub.Status, sub.StartDate, sub.EndDate,
			sub.IsTrialActive, sub.TrialStart,
			sub.IsInGracePeriod, sub.GraceStart,
			sub.ExternalSubscriptionID, sub.LastProcessedEventID,
			sub.UpdatedAt,
			sub.ID, sub.Version,
		)
		if err != nil {
			if pg.IsDuplicateKeyError(err) {
				return ErrSubscriptionConflict
			}
			return errors.Join(ErrStoreUnavailable, err)
		}
		if tag.RowsAffected() == 0 {
			// Row is gone or the version moved under us; disambiguate so the
			// caller can retry only the latter.
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM subscriptions WHERE id = $1)`, sub.ID).Scan(&exists); err != nil {
				return errors.Join(ErrStoreUnavailable, err)
			}
			if !exists {
				return ErrSubscriptionNotFound
			}
			return ErrVersionConflict
		}
		sub.Version++

		if rec != nil {
			if err := insertRecord(ctx, tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PGLedgerStore) ListBillingRecords(ctx context.Context, subscriptionID uuid.UUID) ([]BillingRecord, error) {
	query := `SELECT id, subscription_id, amount, currency, status, platform_fee, coach_payout,
			period_start, period_end, description, failure_reason, created_at
		FROM billing_records
		WHERE subscription_id = $1
		ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, subscriptionID)
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var records []BillingRecord
	for rows.Next() {
		var rec BillingRecord
		err := rows.Scan(
			&rec.ID, &rec.SubscriptionID, &rec.Amount, &rec.Currency, &rec.Status,
			&rec.PlatformFee, &rec.CoachPayout,
			&rec.PeriodStart, &rec.PeriodEnd, &rec.Description, &rec.FailureReason, &rec.CreatedAt,
		)
		if err != nil {
			return nil, errors.Join(ErrStoreUnavailable, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	return records, nil
}

func insertRecord(ctx context.Context, tx pgx.Tx, rec *BillingRecord) error {
	query := `INSERT INTO billing_records (id, subscription_id, amount, currency, status,
			platform_fee, coach_payout,
			period_start, period_end, description, failure_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := tx.Exec(ctx, query,
		rec.ID, rec.SubscriptionID, rec.Amount, rec.Currency, rec.Status,
		rec.PlatformFee, rec.CoachPayout,
		rec.PeriodStart, rec.PeriodEnd, rec.Description, rec.FailureReason, rec.CreatedAt,
	)
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PGLedgerStore) txExec(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

// PGDeadLetterStore implements DeadLetterStore on PostgreSQL. The raw event
// is kept as JSONB so parked deliveries can be replayed after a fix.
type PGDeadLetterStore struct {
	pool *pgxpool.Pool
}

// NewPGDeadLetterStore creates a PostgreSQL-backed dead letter store.
func NewPGDeadLetterStore(pool *pgxpool.Pool) *PGDeadLetterStore {
	if pool == nil {
		panic("billing: pgxpool.Pool is required")
	}
	return &PGDeadLetterStore{pool: pool}
}

func (s *PGDeadLetterStore) Add(ctx context.Context, letter DeadLetter) error {
	payload, err := json.Marshal(letter.Event)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter event: %w", err)
	}

	query := `INSERT INTO billing_dead_letters (id, event, reason, attempts, fatal, failed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	_, err = s.pool.Exec(ctx, query,
		letter.ID, payload, letter.Reason, letter.Attempts, letter.Fatal,
		letter.FailedAt, letter.CreatedAt,
	)
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PGDeadLetterStore) List(ctx context.Context) ([]DeadLetter, error) {
	query := `SELECT id, event, reason, attempts, fatal, failed_at, created_at
		FROM billing_dead_letters
		ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var letters []DeadLetter
	for rows.Next() {
		var (
			letter  DeadLetter
			payload []byte
		)
		err := rows.Scan(&letter.ID, &payload, &letter.Reason, &letter.Attempts,
			&letter.Fatal, &letter.FailedAt, &letter.CreatedAt)
		if err != nil {
			return nil, errors.Join(ErrStoreUnavailable, err)
		}
		if err := json.Unmarshal(payload, &letter.Event); err != nil {
			return nil, fmt.Errorf("failed to decode dead letter event: %w", err)
		}
		letters = append(letters, letter)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	return letters, nil
}

func (s *PGDeadLetterStore) Remove(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM billing_dead_letters WHERE id = $1`, id)
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}
