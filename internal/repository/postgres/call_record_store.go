package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/checkin-call-engine/internal/domain"
	"github.com/acme/checkin-call-engine/internal/repository"
)

const callRecordColumns = `id, user_id, call_type, status, is_retry, retry_attempt_number, original_call_id,
	retry_reason, urgency, local_day, provider_reference, scheduled_for, initiated_at, timeout_at,
	acknowledged_at, acknowledged, created_at, updated_at`

const openPredicate = `NOT acknowledged AND status IN ('scheduled', 'initiated')`

// CallRecordStore persists call records in Postgres. The compare-and-set guards are the
// partial unique indexes from migrations/001_call_records.sql plus conditional updates.
type CallRecordStore struct {
	db *sqlx.DB
}

// NewCallRecordStore constructs the store.
func NewCallRecordStore(db *sqlx.DB) *CallRecordStore {
	return &CallRecordStore{db: db}
}

var _ repository.CallRecordStore = (*CallRecordStore)(nil)

// CreateOriginal inserts an original record; any unique index hit is a conflict.
func (s *CallRecordStore) CreateOriginal(ctx context.Context, rec *domain.CallRecord) error {
	if err := repository.ValidateOriginal(rec); err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, insertCallRecord, fromModel(rec))
	if err != nil {
		return fmt.Errorf("call records: insert original: %w", err)
	}
	return expectOne(res, "insert original")
}

// HasOriginal reports whether an original already exists for the user-day.
func (s *CallRecordStore) HasOriginal(ctx context.Context, key domain.Key, localDay string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (
		SELECT 1 FROM call_records WHERE user_id = $1 AND call_type = $2 AND local_day = $3 AND NOT is_retry
	)`, key.UserID, string(key.CallType), localDay)
	if err != nil {
		return false, fmt.Errorf("call records: has original: %w", err)
	}
	return exists, nil
}

// Escalate moves the prior record to missed and inserts the retry in one transaction.
// The chain root stays locked until commit so a concurrent ack sees the retry.
func (s *CallRecordStore) Escalate(ctx context.Context, priorID uuid.UUID, retry *domain.CallRecord, now time.Time) error {
	if err := repository.ValidateRetry(retry); err != nil {
		return err
	}
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := lockChainOf(ctx, tx, priorID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE call_records SET status = 'missed', updated_at = $1
			WHERE id = $2 AND `+openPredicate, now, priorID)
		if err != nil {
			return fmt.Errorf("call records: mark prior missed: %w", err)
		}
		if err := expectOne(res, "mark prior missed"); err != nil {
			return err
		}

		res, err = tx.NamedExecContext(ctx, insertCallRecord, fromModel(retry))
		if err != nil {
			return fmt.Errorf("call records: insert retry: %w", err)
		}
		return expectOne(res, "insert retry")
	})
}

// Close transitions a pending record to a terminal status.
func (s *CallRecordStore) Close(ctx context.Context, id uuid.UUID, status domain.CallStatus, now time.Time) error {
	if !repository.IsTerminal(status) {
		return fmt.Errorf("call records: close %s with %q: not a terminal status", id, status)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE call_records SET status = $1, updated_at = $2
		WHERE id = $3 AND `+openPredicate, string(status), now, id)
	if err != nil {
		return fmt.Errorf("call records: close: %w", err)
	}
	return expectOne(res, "close")
}

// ListTimedOut returns pending records whose deadline has passed, oldest deadline first.
func (s *CallRecordStore) ListTimedOut(ctx context.Context, now time.Time, limit int) ([]domain.CallRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	return s.selectMany(ctx, "list timed out", `SELECT `+callRecordColumns+` FROM call_records
		WHERE `+openPredicate+` AND timeout_at <= $1
		ORDER BY timeout_at ASC
		LIMIT $2`, now, limit)
}

// Acknowledge acks the latest unacknowledged match and its whole chain. It takes the chain
// root lock before any record lock, the same order Escalate uses.
func (s *CallRecordStore) Acknowledge(ctx context.Context, q repository.AckQuery, now time.Time) (*repository.AckOutcome, error) {
	var out *repository.AckOutcome
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		first, err := selectAckTarget(ctx, tx, q, false)
		if err != nil {
			return err
		}
		if err := lockChainOf(ctx, tx, first.ID); err != nil {
			return err
		}
		target, err := selectAckTarget(ctx, tx, q, true)
		if err != nil {
			return err
		}
		root := target.ChainRootID()
		if root != first.ChainRootID() {
			if err := lockChainOf(ctx, tx, target.ID); err != nil {
				return err
			}
		}

		res, err := tx.ExecContext(ctx, `UPDATE call_records
			SET acknowledged = TRUE,
				acknowledged_at = GREATEST($1::timestamptz, COALESCE(initiated_at, $1::timestamptz)),
				updated_at = $1
			WHERE user_id = $2 AND call_type = $3 AND NOT acknowledged
				AND (id = $4 OR original_call_id = $4)`,
			now, target.UserID, string(target.CallType), root)
		if err != nil {
			return fmt.Errorf("call records: ack chain: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("call records: ack chain rows: %w", err)
		}

		at := repository.AckTime(target, now)
		target.Acknowledged = true
		target.AcknowledgedAt = &at
		target.UpdatedAt = now
		out = &repository.AckOutcome{Record: target, ChainAcknowledged: int(n)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func selectAckTarget(ctx context.Context, tx *sqlx.Tx, q repository.AckQuery, forUpdate bool) (domain.CallRecord, error) {
	lock := ""
	if forUpdate {
		lock = " FOR UPDATE"
	}
	var row callRecordRow
	var err error
	if q.CallID != nil {
		err = tx.GetContext(ctx, &row, `SELECT `+callRecordColumns+` FROM call_records
			WHERE id = $1 AND NOT acknowledged AND ($2 = '' OR user_id = $2)`+lock, *q.CallID, q.Key.UserID)
	} else {
		err = tx.GetContext(ctx, &row, `SELECT `+callRecordColumns+` FROM call_records
			WHERE user_id = $1 AND call_type = $2 AND NOT acknowledged
			ORDER BY created_at DESC
			LIMIT 1`+lock, q.Key.UserID, string(q.Key.CallType))
	}
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CallRecord{}, repository.ErrNotFound
	}
	if err != nil {
		return domain.CallRecord{}, fmt.Errorf("call records: select for ack: %w", err)
	}
	return row.toModel(), nil
}

// lockChainOf row-locks the root of the chain id belongs to. A missing record is a conflict.
func lockChainOf(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) error {
	var root uuid.UUID
	err := tx.GetContext(ctx, &root, `SELECT id FROM call_records
		WHERE id = (SELECT COALESCE(original_call_id, id) FROM call_records WHERE id = $1)
		FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("call records: lock chain of %s: %w", id, repository.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("call records: lock chain of %s: %w", id, err)
	}
	return nil
}

// Get loads one record.
func (s *CallRecordStore) Get(ctx context.Context, id uuid.UUID) (*domain.CallRecord, error) {
	var row callRecordRow
	err := s.db.GetContext(ctx, &row, `SELECT `+callRecordColumns+` FROM call_records WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("call records: get: %w", err)
	}
	rec := row.toModel()
	return &rec, nil
}

// LatestOpenForUser returns the pending record on the key, if any.
func (s *CallRecordStore) LatestOpenForUser(ctx context.Context, key domain.Key) (*domain.CallRecord, error) {
	var row callRecordRow
	err := s.db.GetContext(ctx, &row, `SELECT `+callRecordColumns+` FROM call_records
		WHERE user_id = $1 AND call_type = $2 AND `+openPredicate+`
		ORDER BY created_at DESC
		LIMIT 1`, key.UserID, string(key.CallType))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("call records: latest open: %w", err)
	}
	rec := row.toModel()
	return &rec, nil
}

// ListByUser returns the user's records newest first.
func (s *CallRecordStore) ListByUser(ctx context.Context, userID string, limit int) ([]domain.CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.selectMany(ctx, "list by user", `SELECT `+callRecordColumns+` FROM call_records
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
}

func (s *CallRecordStore) selectMany(ctx context.Context, op, query string, args ...any) ([]domain.CallRecord, error) {
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("call records: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.CallRecord
	for rows.Next() {
		var row callRecordRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("call records: %s: scan: %w", op, err)
		}
		out = append(out, row.toModel())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("call records: %s: rows err: %w", op, err)
	}
	return out, nil
}

const insertCallRecord = `INSERT INTO call_records (
	id, user_id, call_type, status, is_retry, retry_attempt_number, original_call_id, retry_reason, urgency,
	local_day, provider_reference, scheduled_for, initiated_at, timeout_at, acknowledged_at, acknowledged,
	created_at, updated_at
) VALUES (
	:id, :user_id, :call_type, :status, :is_retry, :retry_attempt_number, :original_call_id, :retry_reason, :urgency,
	:local_day, :provider_reference, :scheduled_for, :initiated_at, :timeout_at, :acknowledged_at, :acknowledged,
	:created_at, :updated_at
)
ON CONFLICT DO NOTHING`

func expectOne(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("call records: %s: rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("call records: %s: %w", op, repository.ErrConflict)
	}
	return nil
}

type callRecordRow struct {
	ID                 uuid.UUID      `db:"id"`
	UserID             string         `db:"user_id"`
	CallType           string         `db:"call_type"`
	Status             string         `db:"status"`
	IsRetry            bool           `db:"is_retry"`
	RetryAttemptNumber int            `db:"retry_attempt_number"`
	OriginalCallID     uuid.NullUUID  `db:"original_call_id"`
	RetryReason        sql.NullString `db:"retry_reason"`
	Urgency            string         `db:"urgency"`
	LocalDay           string         `db:"local_day"`
	ProviderReference  sql.NullString `db:"provider_reference"`
	ScheduledFor       sql.NullTime   `db:"scheduled_for"`
	InitiatedAt        sql.NullTime   `db:"initiated_at"`
	TimeoutAt          sql.NullTime   `db:"timeout_at"`
	AcknowledgedAt     sql.NullTime   `db:"acknowledged_at"`
	Acknowledged       bool           `db:"acknowledged"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

func fromModel(r *domain.CallRecord) callRecordRow {
	row := callRecordRow{
		ID:                 r.ID,
		UserID:             r.UserID,
		CallType:           string(r.CallType),
		Status:             string(r.Status),
		IsRetry:            r.IsRetry,
		RetryAttemptNumber: r.RetryAttemptNumber,
		RetryReason:        nullString(string(r.RetryReason)),
		Urgency:            string(r.Urgency),
		LocalDay:           r.LocalDay,
		ProviderReference:  nullString(r.ProviderReference),
		ScheduledFor:       nullTime(r.ScheduledFor),
		InitiatedAt:        nullTime(r.InitiatedAt),
		TimeoutAt:          nullTime(r.TimeoutAt),
		AcknowledgedAt:     nullTime(r.AcknowledgedAt),
		Acknowledged:       r.Acknowledged,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if r.OriginalCallID != nil {
		row.OriginalCallID = uuid.NullUUID{UUID: *r.OriginalCallID, Valid: true}
	}
	return row
}

func (r callRecordRow) toModel() domain.CallRecord {
	rec := domain.CallRecord{
		ID:                 r.ID,
		UserID:             r.UserID,
		CallType:           domain.CallType(r.CallType),
		Status:             domain.CallStatus(r.Status),
		IsRetry:            r.IsRetry,
		RetryAttemptNumber: r.RetryAttemptNumber,
		RetryReason:        domain.RetryReason(r.RetryReason.String),
		Urgency:            domain.Urgency(r.Urgency),
		LocalDay:           r.LocalDay,
		ProviderReference:  r.ProviderReference.String,
		ScheduledFor:       timePtr(r.ScheduledFor),
		InitiatedAt:        timePtr(r.InitiatedAt),
		TimeoutAt:          timePtr(r.TimeoutAt),
		AcknowledgedAt:     timePtr(r.AcknowledgedAt),
		Acknowledged:       r.Acknowledged,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if r.OriginalCallID.Valid {
		id := r.OriginalCallID.UUID
		rec.OriginalCallID = &id
	}
	return rec
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
