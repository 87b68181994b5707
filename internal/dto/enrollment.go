package dto

import (
	"time"

	"github.com/code-moran/grading-app-sub002/internal/models"
)

// EnrollmentStatusResponse reports the caller's enrollment in one course.
type EnrollmentStatusResponse struct {
	CourseID     string                   `json:"course_id"`
	Enrolled     bool                     `json:"enrolled"`
	Subscription *models.Subscription     `json:"subscription,omitempty"`
	Provenance   *EnrollmentProvenanceDTO `json:"provenance,omitempty"`
}

// EnrollmentProvenanceDTO explains whether the caller may unenroll themselves.
type EnrollmentProvenanceDTO struct {
	Administrative  bool   `json:"administrative"`
	Signal          string `json:"signal"`
	CanSelfUnenroll bool   `json:"can_self_unenroll"`
}

// EnrollResponse is returned by single-target enroll calls.
type EnrollResponse struct {
	Subscription *models.Subscription `json:"subscription"`
	Outcome      models.EnrollOutcome `json:"outcome"`
}

// MemberError records why one cohort member could not be processed.
type MemberError struct {
	StudentID string `json:"student_id"`
	Name      string `json:"name"`
	Reason    string `json:"reason"`
}

// CohortEnrollResult buckets every cohort member into exactly one outcome.
type CohortEnrollResult struct {
	CourseID        string        `json:"course_id"`
	CohortID        string        `json:"cohort_id"`
	Members         int           `json:"members"`
	Enrolled        []string      `json:"enrolled"`
	AlreadyEnrolled []string      `json:"already_enrolled"`
	Errors          []MemberError `json:"errors"`
}

// CohortUnenrollResult buckets every cohort member into exactly one outcome.
type CohortUnenrollResult struct {
	CourseID    string        `json:"course_id"`
	CohortID    string        `json:"cohort_id"`
	Members     int           `json:"members"`
	Unenrolled  []string      `json:"unenrolled"`
	NotEnrolled []string      `json:"not_enrolled"`
	Errors      []MemberError `json:"errors"`
}

// EnrolledCourse is one row of the "my courses" projection.
type EnrolledCourse struct {
	CourseID     string                   `db:"course_id" json:"course_id"`
	Title        string                   `db:"title" json:"title"`
	SubscribedAt time.Time                `db:"subscribed_at" json:"subscribed_at"`
	EnrolledBy   *models.EnrollmentSource `db:"enrolled_by" json:"enrolled_by,omitempty"`
}

// CourseCohort is one row of the "course cohorts" projection.
type CourseCohort struct {
	CohortID        string `db:"cohort_id" json:"cohort_id"`
	Name            string `db:"name" json:"name"`
	Active          bool   `db:"active" json:"active"`
	EnrolledMembers int    `db:"enrolled_members" json:"enrolled_members"`
	TotalMembers    int    `db:"total_members" json:"total_members"`
}
