package scylla

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/checkin-call-engine/internal/domain"
	"github.com/acme/checkin-call-engine/internal/repository"
)

// pendingShards spreads the timeout index so no single partition grows unbounded.
const pendingShards = 16

// ackAttempts bounds how often Acknowledge re-reads the open guard while an escalation moves it.
const ackAttempts = 5

var ackBackoff = 20 * time.Millisecond

// session is the part of gocql the store runs statements through.
type session interface {
	Exec(ctx context.Context, stmt string, args ...interface{}) error
	// CAS runs a lightweight transaction and reports whether it applied.
	CAS(ctx context.Context, stmt string, args ...interface{}) (bool, error)
	// Scan reads one row into dest; gocql.ErrNotFound when there is none.
	Scan(ctx context.Context, stmt string, args []interface{}, dest ...interface{}) error
	// Strings collects the single text column of every row, up to limit when limit > 0.
	Strings(ctx context.Context, stmt string, limit int, args ...interface{}) ([]string, error)
}

type gocqlSession struct {
	s *gocql.Session
}

func (g gocqlSession) Exec(ctx context.Context, stmt string, args ...interface{}) error {
	return g.s.Query(stmt, args...).WithContext(ctx).Exec()
}

func (g gocqlSession) CAS(ctx context.Context, stmt string, args ...interface{}) (bool, error) {
	return g.s.Query(stmt, args...).WithContext(ctx).MapScanCAS(map[string]interface{}{})
}

func (g gocqlSession) Scan(ctx context.Context, stmt string, args []interface{}, dest ...interface{}) error {
	return g.s.Query(stmt, args...).WithContext(ctx).Scan(dest...)
}

func (g gocqlSession) Strings(ctx context.Context, stmt string, limit int, args ...interface{}) ([]string, error) {
	query := g.s.Query(stmt, args...).WithContext(ctx)
	if limit > 0 {
		query = query.PageSize(limit)
	}
	iter := query.Iter()
	var (
		out []string
		v   string
	)
	for iter.Scan(&v) {
		out = append(out, v)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

// CallRecordStore persists call records in Scylla. The per-key guards are lightweight
// transactions on open_call_guard and original_call_guard; whoever holds the open guard
// for a key owns that key's pending record.
type CallRecordStore struct {
	db session
}

// NewCallRecordStore creates a new store.
func NewCallRecordStore(s *gocql.Session) *CallRecordStore {
	return &CallRecordStore{db: gocqlSession{s: s}}
}

var _ repository.CallRecordStore = (*CallRecordStore)(nil)

// CreateOriginal claims the day guard, then the open guard, then writes the record.
// Any failure after a claim gives the claim back.
func (s *CallRecordStore) CreateOriginal(ctx context.Context, rec *domain.CallRecord) error {
	if err := repository.ValidateOriginal(rec); err != nil {
		return err
	}

	applied, err := s.db.CAS(ctx, `INSERT INTO original_call_guard (user_id, call_type, local_day, call_id)
		VALUES (?, ?, ?, ?) IF NOT EXISTS`,
		rec.UserID, string(rec.CallType), rec.LocalDay, rec.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("call store: claim original guard: %w", err)
	}
	if !applied {
		return fmt.Errorf("call store: original exists for %s on %s: %w", rec.UserID, rec.LocalDay, repository.ErrConflict)
	}

	if err := s.claimOpen(ctx, rec); err != nil {
		return rollback(err, s.releaseOriginal(ctx, rec))
	}

	if err := s.insert(ctx, rec); err != nil {
		_, openErr := s.releaseOpen(ctx, *rec)
		return rollback(err, openErr, s.releaseOriginal(ctx, rec))
	}
	return nil
}

// HasOriginal checks the day guard.
func (s *CallRecordStore) HasOriginal(ctx context.Context, key domain.Key, localDay string) (bool, error) {
	var callID string
	err := s.db.Scan(ctx, `SELECT call_id FROM original_call_guard WHERE user_id = ? AND call_type = ? AND local_day = ?`,
		[]interface{}{key.UserID, string(key.CallType), localDay}, &callID)
	if err == gocql.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("call store: has original: %w", err)
	}
	return true, nil
}

// Escalate hands the open guard from the prior record to the retry; losing the CAS is a conflict.
// The prior record is only marked missed once the retry is durable.
func (s *CallRecordStore) Escalate(ctx context.Context, priorID uuid.UUID, retry *domain.CallRecord, now time.Time) error {
	if err := repository.ValidateRetry(retry); err != nil {
		return err
	}
	prior, err := s.Get(ctx, priorID)
	if err != nil {
		return err
	}
	if !prior.Pending() {
		return fmt.Errorf("call store: escalate %s: %w", priorID, repository.ErrConflict)
	}

	applied, err := s.db.CAS(ctx, `UPDATE open_call_guard SET call_id = ? WHERE user_id = ? AND call_type = ? IF call_id = ?`,
		retry.ID.String(), prior.UserID, string(prior.CallType), priorID.String(),
	)
	if err != nil {
		return fmt.Errorf("call store: swap open guard: %w", err)
	}
	if !applied {
		return fmt.Errorf("call store: escalate %s: %w", priorID, repository.ErrConflict)
	}

	if err := s.insert(ctx, retry); err != nil {
		_, backErr := s.db.CAS(ctx, `UPDATE open_call_guard SET call_id = ? WHERE user_id = ? AND call_type = ? IF call_id = ?`,
			priorID.String(), prior.UserID, string(prior.CallType), retry.ID.String(),
		)
		return rollback(err, backErr)
	}
	return s.setStatus(ctx, *prior, domain.CallStatusMissed, now)
}

// Close releases the open guard held by id and records the terminal status.
func (s *CallRecordStore) Close(ctx context.Context, id uuid.UUID, status domain.CallStatus, now time.Time) error {
	if !repository.IsTerminal(status) {
		return fmt.Errorf("call store: close %s with %q: not a terminal status", id, status)
	}
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !rec.Pending() {
		return fmt.Errorf("call store: close %s: %w", id, repository.ErrConflict)
	}
	released, err := s.releaseOpen(ctx, *rec)
	if err != nil {
		return err
	}
	if !released {
		return fmt.Errorf("call store: close %s: %w", id, repository.ErrConflict)
	}
	return s.setStatus(ctx, *rec, status, now)
}

// ListTimedOut merges the per-shard timeout index and re-checks each record.
func (s *CallRecordStore) ListTimedOut(ctx context.Context, now time.Time, limit int) ([]domain.CallRecord, error) {
	if limit <= 0 {
		limit = 200
	}

	var out []domain.CallRecord
	for shard := 0; shard < pendingShards; shard++ {
		ids, err := s.db.Strings(ctx, `SELECT call_id FROM pending_calls WHERE shard = ? AND timeout_at <= ? LIMIT ?`,
			0, shard, now, limit)
		if err != nil {
			return nil, fmt.Errorf("call store: list pending shard %d: %w", shard, err)
		}

		for _, raw := range ids {
			id, err := uuid.Parse(raw)
			if err != nil {
				continue
			}
			rec, err := s.Get(ctx, id)
			if err == repository.ErrNotFound {
				continue
			}
			if err != nil {
				return nil, err
			}
			if rec.TimedOut(now) {
				out = append(out, *rec)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].TimeoutAt.Before(*out[j].TimeoutAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Acknowledge takes the chain's open guard away first, so no escalation can extend the chain
// afterwards, and only then reads and acks the chain.
func (s *CallRecordStore) Acknowledge(ctx context.Context, q repository.AckQuery, now time.Time) (*repository.AckOutcome, error) {
	target, err := s.ackTarget(ctx, q)
	if err != nil {
		return nil, err
	}
	root := target.ChainRootID()

	var pending *domain.CallRecord
	for attempt := 0; ; attempt++ {
		if attempt == ackAttempts {
			return nil, fmt.Errorf("call store: ack %s: open guard kept moving: %w", target.ID, repository.ErrConflict)
		}
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(ackBackoff):
			}
		}

		settled, rec, err := s.takeChainGuard(ctx, domain.Key{UserID: target.UserID, CallType: target.CallType}, root)
		if err != nil {
			return nil, err
		}
		if settled {
			pending = rec
			break
		}
	}

	chain, err := s.ListByUser(ctx, target.UserID, 0)
	if err != nil {
		return nil, err
	}
	acked := 0
	for _, rec := range chain {
		if rec.Acknowledged || rec.CallType != target.CallType || rec.ChainRootID() != root {
			continue
		}
		if err := s.ack(ctx, rec, now); err != nil {
			return nil, err
		}
		acked++
	}
	if pending != nil && !containsID(chain, pending.ID) {
		if err := s.ack(ctx, *pending, now); err != nil {
			return nil, err
		}
		acked++
	}

	at := repository.AckTime(*target, now)
	out := *target
	out.Acknowledged = true
	out.AcknowledgedAt = &at
	out.UpdatedAt = now
	return &repository.AckOutcome{Record: out, ChainAcknowledged: acked}, nil
}

// takeChainGuard releases the open guard when it belongs to root's chain. settled is false
// when the guard moved underneath or points at a record still being written; the caller retries.
// rec is the released pending record, nil when the chain held no guard.
func (s *CallRecordStore) takeChainGuard(ctx context.Context, key domain.Key, root uuid.UUID) (settled bool, rec *domain.CallRecord, err error) {
	guarded, err := s.LatestOpenForUser(ctx, key)
	switch {
	case err == repository.ErrNotFound:
		if _, guardErr := s.openGuard(ctx, key); guardErr == nil {
			// Guard without a record: an escalation is between its swap and its insert.
			return false, nil, nil
		} else if guardErr != repository.ErrNotFound {
			return false, nil, guardErr
		}
		return true, nil, nil
	case err != nil:
		return false, nil, err
	}
	if guarded.ChainRootID() != root {
		return true, nil, nil
	}
	released, err := s.releaseOpen(ctx, *guarded)
	if err != nil {
		return false, nil, err
	}
	if !released {
		return false, nil, nil
	}
	return true, guarded, nil
}

func (s *CallRecordStore) ackTarget(ctx context.Context, q repository.AckQuery) (*domain.CallRecord, error) {
	if q.CallID != nil {
		rec, err := s.Get(ctx, *q.CallID)
		if err != nil {
			return nil, err
		}
		if rec.Acknowledged || (q.Key.UserID != "" && rec.UserID != q.Key.UserID) {
			return nil, repository.ErrNotFound
		}
		return rec, nil
	}
	recs, err := s.ListByUser(ctx, q.Key.UserID, 0)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		if recs[i].CallType == q.Key.CallType && !recs[i].Acknowledged {
			return &recs[i], nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *CallRecordStore) ack(ctx context.Context, rec domain.CallRecord, now time.Time) error {
	if rec.Pending() && rec.TimeoutAt != nil {
		if err := s.db.Exec(ctx, `DELETE FROM pending_calls WHERE shard = ? AND timeout_at = ? AND call_id = ?`,
			shardFor(rec.ID), *rec.TimeoutAt, rec.ID.String(),
		); err != nil {
			return fmt.Errorf("call store: drop pending: %w", err)
		}
	}
	if err := s.db.Exec(ctx, `UPDATE call_records SET acknowledged = true, acknowledged_at = ?, updated_at = ? WHERE id = ?`,
		repository.AckTime(rec, now), now, rec.ID.String(),
	); err != nil {
		return fmt.Errorf("call store: ack %s: %w", rec.ID, err)
	}
	return nil
}

// Get retrieves a record by id.
func (s *CallRecordStore) Get(ctx context.Context, id uuid.UUID) (*domain.CallRecord, error) {
	var row recordRow
	err := s.db.Scan(ctx, `SELECT `+recordColumns+` FROM call_records WHERE id = ?`, []interface{}{id.String()}, row.dest()...)
	if err == gocql.ErrNotFound {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("call store: get %s: %w", id, err)
	}
	rec, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// LatestOpenForUser follows the open guard.
func (s *CallRecordStore) LatestOpenForUser(ctx context.Context, key domain.Key) (*domain.CallRecord, error) {
	id, err := s.openGuard(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *CallRecordStore) openGuard(ctx context.Context, key domain.Key) (uuid.UUID, error) {
	var idStr string
	err := s.db.Scan(ctx, `SELECT call_id FROM open_call_guard WHERE user_id = ? AND call_type = ?`,
		[]interface{}{key.UserID, string(key.CallType)}, &idStr)
	if err == gocql.ErrNotFound {
		return uuid.Nil, repository.ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("call store: open guard: %w", err)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("call store: parse call_id: %w", err)
	}
	return id, nil
}

// ListByUser reads the per-user index newest first.
func (s *CallRecordStore) ListByUser(ctx context.Context, userID string, limit int) ([]domain.CallRecord, error) {
	raw, err := s.db.Strings(ctx, `SELECT call_id FROM call_records_by_user WHERE user_id = ?`, limit, userID)
	if err != nil {
		return nil, fmt.Errorf("call store: list by user: %w", err)
	}

	out := make([]domain.CallRecord, 0, len(raw))
	for _, v := range raw {
		id, err := uuid.Parse(v)
		if err != nil {
			// Skip rows with a malformed id.
			continue
		}
		rec, err := s.Get(ctx, id)
		if err == repository.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (s *CallRecordStore) claimOpen(ctx context.Context, rec *domain.CallRecord) error {
	applied, err := s.db.CAS(ctx, `INSERT INTO open_call_guard (user_id, call_type, call_id) VALUES (?, ?, ?) IF NOT EXISTS`,
		rec.UserID, string(rec.CallType), rec.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("call store: claim open guard: %w", err)
	}
	if !applied {
		return fmt.Errorf("call store: pending record exists for %s: %w", rec.UserID, repository.ErrConflict)
	}
	return nil
}

func (s *CallRecordStore) releaseOpen(ctx context.Context, rec domain.CallRecord) (bool, error) {
	applied, err := s.db.CAS(ctx, `DELETE FROM open_call_guard WHERE user_id = ? AND call_type = ? IF call_id = ?`,
		rec.UserID, string(rec.CallType), rec.ID.String(),
	)
	if err != nil {
		return false, fmt.Errorf("call store: release open guard: %w", err)
	}
	return applied, nil
}

func (s *CallRecordStore) releaseOriginal(ctx context.Context, rec *domain.CallRecord) error {
	_, err := s.db.CAS(ctx, `DELETE FROM original_call_guard WHERE user_id = ? AND call_type = ? AND local_day = ? IF call_id = ?`,
		rec.UserID, string(rec.CallType), rec.LocalDay, rec.ID.String(),
	)
	return err
}

// rollback returns cause, annotated with any compensating write that also failed.
func rollback(cause error, undo ...error) error {
	for _, err := range undo {
		if err != nil {
			return fmt.Errorf("%w (rollback failed: %v)", cause, err)
		}
	}
	return cause
}

func (s *CallRecordStore) insert(ctx context.Context, rec *domain.CallRecord) error {
	var original *string
	if rec.OriginalCallID != nil {
		v := rec.OriginalCallID.String()
		original = &v
	}
	if err := s.db.Exec(ctx, `INSERT INTO call_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.UserID, string(rec.CallType), string(rec.Status), rec.IsRetry, rec.RetryAttemptNumber,
		original, string(rec.RetryReason), string(rec.Urgency), rec.LocalDay, rec.ProviderReference,
		rec.ScheduledFor, rec.InitiatedAt, rec.TimeoutAt, rec.AcknowledgedAt, rec.Acknowledged, rec.CreatedAt, rec.UpdatedAt,
	); err != nil {
		return fmt.Errorf("call store: insert call_records: %w", err)
	}

	if err := s.db.Exec(ctx, `INSERT INTO call_records_by_user (user_id, created_at, call_id) VALUES (?, ?, ?)`,
		rec.UserID, rec.CreatedAt, rec.ID.String(),
	); err != nil {
		return fmt.Errorf("call store: insert call_records_by_user: %w", err)
	}

	if rec.Pending() && rec.TimeoutAt != nil {
		if err := s.db.Exec(ctx, `INSERT INTO pending_calls (shard, timeout_at, call_id) VALUES (?, ?, ?)`,
			shardFor(rec.ID), *rec.TimeoutAt, rec.ID.String(),
		); err != nil {
			return fmt.Errorf("call store: insert pending_calls: %w", err)
		}
	}
	return nil
}

func (s *CallRecordStore) setStatus(ctx context.Context, rec domain.CallRecord, status domain.CallStatus, now time.Time) error {
	if err := s.db.Exec(ctx, `UPDATE call_records SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), now, rec.ID.String(),
	); err != nil {
		return fmt.Errorf("call store: update status: %w", err)
	}
	if rec.TimeoutAt != nil {
		if err := s.db.Exec(ctx, `DELETE FROM pending_calls WHERE shard = ? AND timeout_at = ? AND call_id = ?`,
			shardFor(rec.ID), *rec.TimeoutAt, rec.ID.String(),
		); err != nil {
			return fmt.Errorf("call store: drop pending: %w", err)
		}
	}
	return nil
}

const recordColumns = `id, user_id, call_type, status, is_retry, retry_attempt_number, original_call_id,
	retry_reason, urgency, local_day, provider_reference, scheduled_for, initiated_at, timeout_at,
	acknowledged_at, acknowledged, created_at, updated_at`

type recordRow struct {
	id, userID, callType, status  string
	isRetry                       bool
	attempt                       int
	originalID                    *string
	reason, urgency, day, provRef string
	scheduledFor, initiatedAt     *time.Time
	timeoutAt, acknowledgedAt     *time.Time
	acknowledged                  bool
	createdAt, updatedAt          time.Time
}

func (r *recordRow) dest() []interface{} {
	return []interface{}{
		&r.id, &r.userID, &r.callType, &r.status, &r.isRetry, &r.attempt, &r.originalID,
		&r.reason, &r.urgency, &r.day, &r.provRef, &r.scheduledFor, &r.initiatedAt, &r.timeoutAt,
		&r.acknowledgedAt, &r.acknowledged, &r.createdAt, &r.updatedAt,
	}
}

func (r recordRow) toModel() (domain.CallRecord, error) {
	id, err := uuid.Parse(r.id)
	if err != nil {
		return domain.CallRecord{}, fmt.Errorf("call store: parse id: %w", err)
	}
	rec := domain.CallRecord{
		ID:                 id,
		UserID:             r.userID,
		CallType:           domain.CallType(r.callType),
		Status:             domain.CallStatus(r.status),
		IsRetry:            r.isRetry,
		RetryAttemptNumber: r.attempt,
		RetryReason:        domain.RetryReason(r.reason),
		Urgency:            domain.Urgency(r.urgency),
		LocalDay:           r.day,
		ProviderReference:  r.provRef,
		ScheduledFor:       r.scheduledFor,
		InitiatedAt:        r.initiatedAt,
		TimeoutAt:          r.timeoutAt,
		AcknowledgedAt:     r.acknowledgedAt,
		Acknowledged:       r.acknowledged,
		CreatedAt:          r.createdAt,
		UpdatedAt:          r.updatedAt,
	}
	if r.originalID != nil && *r.originalID != "" {
		orig, err := uuid.Parse(*r.originalID)
		if err != nil {
			return domain.CallRecord{}, fmt.Errorf("call store: parse original_call_id: %w", err)
		}
		rec.OriginalCallID = &orig
	}
	return rec, nil
}

func shardFor(id uuid.UUID) int {
	h := fnv.New32a()
	_, _ = h.Write(id[:])
	return int(h.Sum32() % pendingShards)
}

func containsID(recs []domain.CallRecord, id uuid.UUID) bool {
	for _, rec := range recs {
		if rec.ID == id {
			return true
		}
	}
	return false
}
