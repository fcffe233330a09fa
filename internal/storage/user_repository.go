package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"chat_gateway/internal/models"
)

// UserRepository handles user database operations
type UserRepository struct {
	db *DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

// GetByID retrieves a user by ID, consulting the cache first.
func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	cacheKey := "user:" + id.String()
	if cached, ok := r.db.userCache.Get(cacheKey); ok {
		return cached.(*models.User), nil
	}

	var user models.User
	query := `
		SELECT id, email, name, password_hash, role, stripe_customer_id,
		       enabled, last_login_at, created_at, updated_at
		FROM users
		WHERE id = $1
	`

	err := r.db.conn.GetContext(ctx, &user, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	r.db.userCache.Set(cacheKey, &user)
	return &user, nil
}

// GetByEmail retrieves a user by email
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	query := `
		SELECT id, email, name, password_hash, role, stripe_customer_id,
		       enabled, last_login_at, created_at, updated_at
		FROM users
		WHERE email = $1
	`

	err := r.db.conn.GetContext(ctx, &user, query, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}

	return &user, nil
}

// Create creates a new user
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (id, email, name, password_hash, role, stripe_customer_id, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`

	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}

	err := r.db.conn.QueryRowContext(
		ctx, query,
		user.ID, user.Email, user.Name, user.PasswordHash, user.Role,
		user.StripeCustomerID, user.Enabled,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrEmailTaken
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

// Update updates an existing user and invalidates its cache entry.
func (r *UserRepository) Update(ctx context.Context, user *models.User) error {
	query := `
		UPDATE users
		SET email = $2, name = $3, password_hash = $4, role = $5,
		    stripe_customer_id = $6, enabled = $7
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.db.conn.QueryRowContext(
		ctx, query,
		user.ID, user.Email, user.Name, user.PasswordHash, user.Role,
		user.StripeCustomerID, user.Enabled,
	).Scan(&user.UpdatedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrUserNotFound
		}
		return fmt.Errorf("failed to update user: %w", err)
	}

	r.db.userCache.Delete("user:" + user.ID.String())
	return nil
}

// UpdateLastLogin updates the last login timestamp for a user
func (r *UserRepository) UpdateLastLogin(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE users
		SET last_login_at = NOW()
		WHERE id = $1
	`

	if _, err := r.db.conn.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}

	r.db.userCache.Delete("user:" + id.String())
	return nil
}

// Delete removes a user
func (r *UserRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.conn.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if rows == 0 {
		return ErrUserNotFound
	}

	r.db.userCache.Delete("user:" + id.String())
	return nil
}

// List returns users ordered by creation time, newest first.
func (r *UserRepository) List(ctx context.Context, limit, offset int) ([]*models.User, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, email, name, password_hash, role, stripe_customer_id,
		       enabled, last_login_at, created_at, updated_at
		FROM users
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	var users []*models.User
	err := r.db.conn.SelectContext(ctx, &users, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	return users, nil
}

// StripeCustomerID resolves the billing customer key for an identity.
// An identity with no provisioned customer returns ("", nil).
func (r *UserRepository) StripeCustomerID(ctx context.Context, identity string) (string, error) {
	id, err := uuid.Parse(identity)
	if err != nil {
		return "", fmt.Errorf("invalid identity: %w", err)
	}

	user, err := r.GetByID(ctx, id)
	if err != nil {
		return "", err
	}

	if user.StripeCustomerID == nil {
		return "", nil
	}
	return *user.StripeCustomerID, nil
}
