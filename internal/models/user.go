package models

import "time"

// UserRole represents the available roles for the RBAC system.
type UserRole string

const (
	RoleAdmin       UserRole = "ADMIN"
	RoleSchoolAdmin UserRole = "SCHOOL_ADMIN"
	RoleUser        UserRole = "USER"
)

// Valid reports whether the role is one of the closed enumeration.
func (r UserRole) Valid() bool {
	switch r {
	case RoleAdmin, RoleSchoolAdmin, RoleUser:
		return true
	}
	return false
}

// User represents an application user stored in the users table. The
// school column is denormalized onto criteria records at creation time
// so school-scoped queries never need a join for filtering.
type User struct {
	ID           string     `db:"id" json:"id"`
	Email        string     `db:"email" json:"email"`
	PasswordHash string     `db:"password_hash" json:"-"`
	FullName     string     `db:"full_name" json:"full_name"`
	Role         UserRole   `db:"role" json:"role"`
	School       string     `db:"school" json:"school"`
	Active       bool       `db:"active" json:"active"`
	LastLogin    *time.Time `db:"last_login" json:"last_login,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// UserInfo describes a user in responses and aggregation joins.
type UserInfo struct {
	ID       string   `json:"id"`
	Email    string   `json:"email"`
	FullName string   `json:"full_name"`
	Role     UserRole `json:"role"`
	School   string   `json:"school"`
}
