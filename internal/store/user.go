package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/vidyavaradhi/apiserver/types"
)

const (
	defaultQueryTimeout = 5 * time.Second
	userIDPrefix        = "VV"
	uniqueViolation     = "23505"
)

// UserRepository handles persistence for users.
type UserRepository struct {
	db      *sql.DB
	timeout time.Duration
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db, timeout: defaultQueryTimeout}
}

// FormatUserID renders the platform identifier for a period counter value.
func FormatUserID(now time.Time, seq int) string {
	return fmt.Sprintf("%s%s%04d", userIDPrefix, now.UTC().Format("0601"), seq)
}

// NextUserID reserves the next identifier of the month containing now. The
// counter row is incremented atomically, so concurrent callers never receive
// the same value.
func (r *UserRepository) NextUserID(ctx context.Context, now time.Time) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	const query = `
		INSERT INTO user_id_sequences (period, last_value)
		VALUES ($1, 1)
		ON CONFLICT (period)
		DO UPDATE SET last_value = user_id_sequences.last_value + 1
		RETURNING last_value`
	var seq int
	if err := r.db.QueryRowContext(ctx, query, now.UTC().Format("0601")).Scan(&seq); err != nil {
		return "", err
	}
	return FormatUserID(now, seq), nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (types.User, error) {
	const query = `
		SELECT id, email, name, role, password_hash, created_at, last_login
		FROM users
		WHERE id = $1`
	return r.getOne(ctx, query, id)
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (types.User, error) {
	const query = `
		SELECT id, email, name, role, password_hash, created_at, last_login
		FROM users
		WHERE email = $1`
	return r.getOne(ctx, query, email)
}

func (r *UserRepository) getOne(ctx context.Context, query string, arg any) (types.User, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var user types.User
	var lastLogin sql.NullTime
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.Role,
		&user.PasswordHash,
		&user.CreatedAt,
		&lastLogin,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		user.LastLogin = &t
	}
	return user, nil
}

// Create inserts a user whose ID was reserved with NextUserID.
func (r *UserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO users (id, email, name, role, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.ExecContext(
		ctx,
		query,
		user.ID,
		user.Email,
		user.Name,
		user.Role,
		user.PasswordHash,
		user.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return types.User{}, ErrDuplicateEmail
		}
		return types.User{}, err
	}
	return user, nil
}

// TouchLastLogin records a successful login. Repeating the call with the same
// timestamp leaves the row unchanged.
func (r *UserRepository) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	const query = `UPDATE users SET last_login = $1 WHERE id = $2`
	result, err := r.db.ExecContext(ctx, query, at, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
