package models

import (
	"time"

	"github.com/google/uuid"
)

// User represents an authenticated account. The ID doubles as the
// identity key the quota ledger and billing adapter partition on.
type User struct {
	ID               uuid.UUID  `db:"id"`
	Email            string     `db:"email"`
	Name             string     `db:"name"`
	PasswordHash     string     `db:"password_hash"` // bcrypt hash
	Role             string     `db:"role"`          // "user" or "admin"
	StripeCustomerID *string    `db:"stripe_customer_id"` // NULL until first billing interaction
	Enabled          bool       `db:"enabled"`
	LastLoginAt      *time.Time `db:"last_login_at"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

// Identity returns the stable key identifying this user across reservations.
func (u *User) Identity() string {
	return u.ID.String()
}

// IsAdmin checks if the user holds the admin role
func (u *User) IsAdmin() bool {
	return u.Role == "admin"
}

// IsValid checks if the account is enabled
func (u *User) IsValid() bool {
	return u.Enabled
}
