package models

import "time"

// Cohort is a named, time-bounded grouping of students.
type Cohort struct {
	ID        string     `db:"id" json:"id"`
	Name      string     `db:"name" json:"name"`
	Active    bool       `db:"active" json:"active"`
	StartDate *time.Time `db:"start_date" json:"start_date,omitempty"`
	EndDate   *time.Time `db:"end_date" json:"end_date,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}
