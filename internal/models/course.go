package models

import "time"

// Course is a publishable unit of content.
type Course struct {
	ID           string    `db:"id" json:"id"`
	Title        string    `db:"title" json:"title"`
	Active       bool      `db:"active" json:"active"`
	InstructorID *string   `db:"instructor_id" json:"instructor_id,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}
