package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/acme/checkin-call-engine/internal/domain"
	"github.com/acme/checkin-call-engine/internal/repository"
)

const userColumns = `user_id, display_name, to_char(local_call_time, 'HH24:MI') AS local_call_time, timezone,
	contact_kind, contact_value, onboarding_complete, subscription_active`

// UserDirectory reads call preferences from the profile-owned view.
type UserDirectory struct {
	db *sqlx.DB
}

// NewUserDirectory constructs the directory.
func NewUserDirectory(db *sqlx.DB) *UserDirectory {
	return &UserDirectory{db: db}
}

var _ repository.UserDirectory = (*UserDirectory)(nil)

// List pages through users by id.
func (d *UserDirectory) List(ctx context.Context, afterUserID string, limit int) ([]domain.UserCallPreference, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := d.db.QueryxContext(ctx, `SELECT `+userColumns+`
		FROM user_call_preferences
		WHERE user_id > $1
		ORDER BY user_id ASC
		LIMIT $2`, afterUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("user directory: list: %w", err)
	}
	defer rows.Close()

	var users []domain.UserCallPreference
	for rows.Next() {
		var row userRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("user directory: scan: %w", err)
		}
		u, err := row.toModel()
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("user directory: rows err: %w", err)
	}
	return users, nil
}

// Get loads one user.
func (d *UserDirectory) Get(ctx context.Context, userID string) (*domain.UserCallPreference, error) {
	var row userRow
	err := d.db.GetContext(ctx, &row, `SELECT `+userColumns+` FROM user_call_preferences WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user directory: get: %w", err)
	}
	u, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &u, nil
}

type userRow struct {
	UserID             string         `db:"user_id"`
	DisplayName        sql.NullString `db:"display_name"`
	LocalCallTime      string         `db:"local_call_time"`
	Timezone           string         `db:"timezone"`
	ContactKind        sql.NullString `db:"contact_kind"`
	ContactValue       sql.NullString `db:"contact_value"`
	OnboardingComplete bool           `db:"onboarding_complete"`
	SubscriptionActive bool           `db:"subscription_active"`
}

func (r userRow) toModel() (domain.UserCallPreference, error) {
	tod, err := domain.ParseTimeOfDay(r.LocalCallTime)
	if err != nil {
		return domain.UserCallPreference{}, fmt.Errorf("user directory: user %s: %w", r.UserID, err)
	}
	return domain.UserCallPreference{
		UserID:        r.UserID,
		DisplayName:   r.DisplayName.String,
		LocalCallTime: tod,
		Timezone:      r.Timezone,
		Contact: domain.ContactMethod{
			Kind:  domain.ContactKind(r.ContactKind.String),
			Value: r.ContactValue.String,
		},
		OnboardingComplete: r.OnboardingComplete,
		SubscriptionActive: r.SubscriptionActive,
	}, nil
}
