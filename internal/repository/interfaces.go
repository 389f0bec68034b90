package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/checkin-call-engine/internal/domain"
	apperrors "github.com/acme/checkin-call-engine/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a compare-and-set guard rejected the write.
	ErrConflict = apperrors.ErrConflict
)

// CallRecordStore is the single source of truth for call records.
// Every mutating method is a compare-and-set: it either applies fully or returns ErrConflict.
type CallRecordStore interface {
	// CreateOriginal inserts a non-retry record. It is rejected when the key already has an
	// original on the same local day or any pending record.
	CreateOriginal(ctx context.Context, rec *domain.CallRecord) error
	HasOriginal(ctx context.Context, key domain.Key, localDay string) (bool, error)
	// Escalate marks the pending prior record missed and inserts retry in one step.
	Escalate(ctx context.Context, priorID uuid.UUID, retry *domain.CallRecord, now time.Time) error
	// Close moves a pending record to a terminal status.
	Close(ctx context.Context, id uuid.UUID, status domain.CallStatus, now time.Time) error
	ListTimedOut(ctx context.Context, now time.Time, limit int) ([]domain.CallRecord, error)
	// Acknowledge acks the latest unacknowledged record matching q and the rest of its chain.
	Acknowledge(ctx context.Context, q AckQuery, now time.Time) (*AckOutcome, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.CallRecord, error)
	LatestOpenForUser(ctx context.Context, key domain.Key) (*domain.CallRecord, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]domain.CallRecord, error)
}

// UserDirectory is the read-only population source.
type UserDirectory interface {
	// List returns users ordered by id strictly after afterUserID.
	List(ctx context.Context, afterUserID string, limit int) ([]domain.UserCallPreference, error)
	Get(ctx context.Context, userID string) (*domain.UserCallPreference, error)
}

// AckQuery selects the record to acknowledge. CallID wins when set.
type AckQuery struct {
	CallID *uuid.UUID
	Key    domain.Key
}

// AckOutcome describes an applied acknowledgment.
type AckOutcome struct {
	Record domain.CallRecord
	// ChainAcknowledged counts records in the chain acked by this call, including Record.
	ChainAcknowledged int
}

// Iterate walks the whole directory page by page, stopping at the first error from fn.
func Iterate(ctx context.Context, dir UserDirectory, pageSize int, fn func(domain.UserCallPreference) error) error {
	if pageSize <= 0 {
		pageSize = 500
	}
	after := ""
	for {
		page, err := dir.List(ctx, after, pageSize)
		if err != nil {
			return err
		}
		for _, u := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(u); err != nil {
				return err
			}
		}
		if len(page) < pageSize {
			return nil
		}
		after = page[len(page)-1].UserID
	}
}

// ValidateOriginal checks the shape of a record passed to CreateOriginal.
func ValidateOriginal(rec *domain.CallRecord) error {
	switch {
	case rec == nil || rec.ID == uuid.Nil:
		return apperrors.Wrap(apperrors.ErrValidation, "call record: missing id")
	case rec.IsRetry || rec.OriginalCallID != nil:
		return apperrors.Wrap(apperrors.ErrValidation, "call record: original must not be a retry")
	case rec.UserID == "" || rec.CallType == "" || rec.LocalDay == "":
		return apperrors.Wrap(apperrors.ErrValidation, "call record: user, call type and local day are required")
	case !rec.Status.Open():
		return apperrors.Wrap(apperrors.ErrValidation, "call record: original must start open")
	}
	return nil
}

// ValidateRetry checks the shape of a record passed to Escalate.
func ValidateRetry(retry *domain.CallRecord) error {
	switch {
	case retry == nil || retry.ID == uuid.Nil:
		return apperrors.Wrap(apperrors.ErrValidation, "call record: missing id")
	case !retry.IsRetry || retry.OriginalCallID == nil || retry.RetryAttemptNumber < 1:
		return apperrors.Wrap(apperrors.ErrValidation, "call record: retry must reference its chain")
	case !retry.Status.Open():
		return apperrors.Wrap(apperrors.ErrValidation, "call record: retry must start open")
	}
	return nil
}

// IsTerminal reports whether status may be passed to Close.
func IsTerminal(status domain.CallStatus) bool {
	switch status {
	case domain.CallStatusCompleted, domain.CallStatusMissed, domain.CallStatusTimedOut:
		return true
	}
	return false
}

// AckTime clamps the acknowledgment instant so it never precedes initiation.
func AckTime(rec domain.CallRecord, now time.Time) time.Time {
	if rec.InitiatedAt != nil && now.Before(*rec.InitiatedAt) {
		return *rec.InitiatedAt
	}
	return now
}
