package model

import "time"

// DefaultRole is assigned when the users table predates the role column.
const DefaultRole = "user"

// User is an account that can sign in. Accounts are managed outside the
// auth core; this package only reads them.
type User struct {
	ID           string    `json:"id" db:"id"`
	Username     string    `json:"username" db:"username"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"` // bcrypt hash, never expose
	Role         string    `json:"role" db:"role"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// PublicUser is the subset of User returned to clients.
type PublicUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

// Public returns the client-facing view of u.
func (u *User) Public() PublicUser {
	role := u.Role
	if role == "" {
		role = DefaultRole
	}
	return PublicUser{ID: u.ID, Username: u.Username, Email: u.Email, Role: role}
}
