package types

import "time"

// Role is the platform persona a user registered as. It never changes after
// the account is created.
type Role string

const (
	RoleLearner     Role = "learner"
	RoleTrainer     Role = "trainer"
	RolePolicymaker Role = "policymaker"
)

// Roles lists every valid role in display order.
var Roles = []Role{RoleLearner, RoleTrainer, RolePolicymaker}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleLearner, RoleTrainer, RolePolicymaker:
		return true
	}
	return false
}

// User represents an account in the system.
// It contains identity, role, and audit metadata.
type User struct {
	// ID is the platform identifier, formatted VV + yy + mm + sequence.
	ID string `json:"id" db:"id"`

	// Email is the unique address the account was verified with.
	// It is stored and compared exactly as submitted.
	Email string `json:"email" db:"email"`

	// Name is the user's display or full name.
	Name string `json:"name" db:"name"`

	// Role is the persona chosen at registration.
	Role Role `json:"role" db:"role"`

	// PasswordHash stores the hashed representation of the user's password.
	// This field is never exposed in API responses.
	PasswordHash string `json:"-" db:"password_hash"`

	// CreatedAt is the timestamp when the user account was created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// LastLogin is the timestamp of the most recent successful login, if any.
	LastLogin *time.Time `json:"last_login,omitempty" db:"last_login"`
}

// PublicUser is the identity subset returned to clients.
type PublicUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
	Name  string `json:"name"`
}

// Public strips the user down to the fields clients may see.
func (u User) Public() PublicUser {
	return PublicUser{ID: u.ID, Email: u.Email, Role: u.Role, Name: u.Name}
}
