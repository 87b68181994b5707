package models

import "time"

// UserRole represents the available roles for the RBAC system.
type UserRole string

const (
	RoleSuperAdmin UserRole = "SUPERADMIN"
	RoleAdmin      UserRole = "ADMIN"
	RoleTeacher    UserRole = "TEACHER"
	RoleStudent    UserRole = "STUDENT"
)

// IsStaff reports whether the role may manage enrollments for others.
func (r UserRole) IsStaff() bool {
	switch r {
	case RoleTeacher, RoleAdmin, RoleSuperAdmin:
		return true
	default:
		return false
	}
}

// User is an authenticated person. StudentID is the legacy "user owns a
// student profile" link; the newer link lives on Student.UserID.
type User struct {
	ID        string    `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	FullName  string    `db:"full_name" json:"full_name"`
	Role      UserRole  `db:"role" json:"role"`
	StudentID *string   `db:"student_id" json:"student_id,omitempty"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
