package models

import "time"

// Student is a roster record. It may exist long before the learner has an
// account. UserID is the linked identity, resolved through either legacy link
// shape, so it is the same whichever path loaded the record.
type Student struct {
	ID                 string    `db:"id" json:"id"`
	RegistrationNumber string    `db:"registration_number" json:"registration_number"`
	FullName           string    `db:"full_name" json:"full_name"`
	UserID             *string   `db:"user_id" json:"user_id,omitempty"`
	CohortID           *string   `db:"cohort_id" json:"cohort_id,omitempty"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`
}

// LinkedUserID returns the linked identity or "".
func (s *Student) LinkedUserID() string {
	if s == nil || s.UserID == nil {
		return ""
	}
	return *s.UserID
}

// DisplayName is used in bulk operation reports.
func (s *Student) DisplayName() string {
	if s.FullName != "" {
		return s.FullName
	}
	return s.RegistrationNumber
}
