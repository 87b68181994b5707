package models

import "time"

// SubscriptionStatus represents the lifecycle of an enrollment.
type SubscriptionStatus string

// Possible subscription statuses. Cancelled rows are kept for history.
const (
	SubscriptionStatusActive    SubscriptionStatus = "ACTIVE"
	SubscriptionStatusCancelled SubscriptionStatus = "CANCELLED"
)

// EnrollmentSource records who created or last reactivated a subscription.
type EnrollmentSource string

const (
	EnrollmentSourceSelf       EnrollmentSource = "SELF"
	EnrollmentSourceInstructor EnrollmentSource = "INSTRUCTOR"
	EnrollmentSourceCohort     EnrollmentSource = "COHORT"
)

// Subscription is the enrollment fact linking a course to an enrollee through
// two independent, nullable keys. EnrolledBy is nil on rows written before the
// source was recorded.
type Subscription struct {
	ID           string             `db:"id" json:"id"`
	CourseID     string             `db:"course_id" json:"course_id"`
	UserID       *string            `db:"user_id" json:"user_id,omitempty"`
	StudentID    *string            `db:"student_id" json:"student_id,omitempty"`
	Status       SubscriptionStatus `db:"status" json:"status"`
	EnrolledBy   *EnrollmentSource  `db:"enrolled_by" json:"enrolled_by,omitempty"`
	SubscribedAt time.Time          `db:"subscribed_at" json:"subscribed_at"`
	UpdatedAt    time.Time          `db:"updated_at" json:"updated_at"`
}

// IsActive reports whether the subscription currently grants access.
func (s *Subscription) IsActive() bool {
	return s != nil && s.Status == SubscriptionStatusActive
}

// EnrollOutcome describes which branch an enroll call took.
type EnrollOutcome string

const (
	EnrollOutcomeCreated       EnrollOutcome = "created"
	EnrollOutcomeReactivated   EnrollOutcome = "reactivated"
	EnrollOutcomeAlreadyActive EnrollOutcome = "already_active"
)
