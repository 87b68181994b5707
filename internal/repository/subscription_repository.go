package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/code-moran/grading-app-sub002/internal/dto"
	"github.com/code-moran/grading-app-sub002/internal/models"
)

// ErrUniqueViolation marks an insert or update rejected by one of the partial
// unique indexes on active subscriptions.
var ErrUniqueViolation = errors.New("active subscription already exists")

// ErrNoActiveSubscription is returned by Cancel when neither key holds an
// active row for the course.
var ErrNoActiveSubscription = errors.New("no active subscription")

// ErrCourseInactive is returned by Enroll when the locked course row is no
// longer accepting enrollments.
var ErrCourseInactive = errors.New("course is not active")

const subscriptionColumns = `id, course_id, user_id, student_id, status, enrolled_by, subscribed_at, updated_at`

// activeEnrollees maps every active subscription of course $1 to the roster
// student it belongs to, whichever key the row carries.
const activeEnrollees = `WITH enrollees AS (
    SELECT DISTINCT s.id AS student_id, s.cohort_id
    FROM subscriptions sub
    JOIN students s ON s.id = sub.student_id
        OR (sub.user_id IS NOT NULL AND s.user_id = sub.user_id)
        OR s.id = (SELECT u.student_id FROM users u WHERE u.id = sub.user_id)
    WHERE sub.course_id = $1 AND sub.status = $2
)`

// SubscriptionEnrollParams identifies the enrollee by either or both keys.
type SubscriptionEnrollParams struct {
	CourseID   string
	UserID     string
	StudentID  string
	EnrolledBy models.EnrollmentSource
}

// SubscriptionRepository is the single writer of the subscriptions relation.
type SubscriptionRepository struct {
	db *sqlx.DB
}

// NewSubscriptionRepository constructs a SubscriptionRepository.
func NewSubscriptionRepository(db *sqlx.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// Enroll creates, reactivates, or reports the existing active subscription for
// the enrollee. The course row lock serialises concurrent enrolls per course.
// sql.ErrNoRows is returned when the course does not exist and
// ErrCourseInactive when it has been deactivated.
func (r *SubscriptionRepository) Enroll(ctx context.Context, params SubscriptionEnrollParams) (sub *models.Subscription, outcome models.EnrollOutcome, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, "", fmt.Errorf("begin enroll transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var course struct {
		ID     string `db:"id"`
		Active bool   `db:"active"`
	}
	if err = tx.GetContext(ctx, &course, `SELECT id, active FROM courses WHERE id = $1 FOR UPDATE`, params.CourseID); err != nil {
		return nil, "", err
	}
	if !course.Active {
		err = ErrCourseInactive
		return nil, "", err
	}

	var matches []models.Subscription
	const matchQuery = `SELECT ` + subscriptionColumns + ` FROM subscriptions
WHERE course_id = $1 AND (user_id = $2 OR student_id = $3)
ORDER BY (status = 'ACTIVE') DESC, subscribed_at DESC FOR UPDATE`
	if err = tx.SelectContext(ctx, &matches, matchQuery, params.CourseID, nullable(params.UserID), nullable(params.StudentID)); err != nil {
		return nil, "", fmt.Errorf("lock subscriptions: %w", err)
	}

	now := time.Now().UTC()
	var result models.Subscription
	switch active := countActive(matches); {
	case active > 0:
		outcome = models.EnrollOutcomeAlreadyActive
		result = matches[0]
		if active == 1 && lacksKey(&result, params) {
			const backfillQuery = `UPDATE subscriptions SET user_id = COALESCE(user_id, $2), student_id = COALESCE(student_id, $3), updated_at = $4
WHERE id = $1 RETURNING ` + subscriptionColumns
			if err = tx.GetContext(ctx, &result, backfillQuery, result.ID, nullable(params.UserID), nullable(params.StudentID), now); err != nil {
				return nil, "", translateUniqueViolation("backfill subscription keys", err)
			}
		}
	case len(matches) > 0:
		outcome = models.EnrollOutcomeReactivated
		const reactivateQuery = `UPDATE subscriptions SET status = $2, user_id = COALESCE($3, user_id), student_id = COALESCE($4, student_id),
enrolled_by = $5, subscribed_at = $6, updated_at = $6 WHERE id = $1 RETURNING ` + subscriptionColumns
		if err = tx.GetContext(ctx, &result, reactivateQuery, matches[0].ID, models.SubscriptionStatusActive,
			nullable(params.UserID), nullable(params.StudentID), params.EnrolledBy, now); err != nil {
			return nil, "", translateUniqueViolation("reactivate subscription", err)
		}
	default:
		outcome = models.EnrollOutcomeCreated
		const insertQuery = `INSERT INTO subscriptions (id, course_id, user_id, student_id, status, enrolled_by, subscribed_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7) RETURNING ` + subscriptionColumns
		if err = tx.GetContext(ctx, &result, insertQuery, uuid.NewString(), params.CourseID,
			nullable(params.UserID), nullable(params.StudentID), models.SubscriptionStatusActive, params.EnrolledBy, now); err != nil {
			return nil, "", translateUniqueViolation("insert subscription", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, "", translateUniqueViolation("commit enrollment", err)
	}
	return &result, outcome, nil
}

// Cancel flips every active subscription matching either key to CANCELLED and
// returns the most recent one. ErrNoActiveSubscription is returned when none match.
func (r *SubscriptionRepository) Cancel(ctx context.Context, courseID, userID, studentID string) (sub *models.Subscription, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin unenroll transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var active []models.Subscription
	const selectQuery = `SELECT ` + subscriptionColumns + ` FROM subscriptions
WHERE course_id = $1 AND (user_id = $2 OR student_id = $3) AND status = $4
ORDER BY subscribed_at DESC FOR UPDATE`
	if err = tx.SelectContext(ctx, &active, selectQuery, courseID, nullable(userID), nullable(studentID), models.SubscriptionStatusActive); err != nil {
		return nil, fmt.Errorf("lock active subscriptions: %w", err)
	}
	return r.cancelLocked(ctx, tx, active)
}

// CancelSubscriptions cancels only the listed subscriptions of the course that
// are still active, leaving any other row for the enrollee untouched.
// ErrNoActiveSubscription is returned when none of them is active any more.
func (r *SubscriptionRepository) CancelSubscriptions(ctx context.Context, courseID string, ids []string) (sub *models.Subscription, err error) {
	if len(ids) == 0 {
		return nil, ErrNoActiveSubscription
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin unenroll transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var active []models.Subscription
	const selectQuery = `SELECT ` + subscriptionColumns + ` FROM subscriptions
WHERE course_id = $1 AND id = ANY($2) AND status = $3
ORDER BY subscribed_at DESC FOR UPDATE`
	if err = tx.SelectContext(ctx, &active, selectQuery, courseID, pq.Array(ids), models.SubscriptionStatusActive); err != nil {
		return nil, fmt.Errorf("lock listed subscriptions: %w", err)
	}
	return r.cancelLocked(ctx, tx, active)
}

// cancelLocked flips rows already locked by tx and commits. The most recent
// row is returned. The caller rolls tx back on error.
func (r *SubscriptionRepository) cancelLocked(ctx context.Context, tx *sqlx.Tx, active []models.Subscription) (*models.Subscription, error) {
	if len(active) == 0 {
		return nil, ErrNoActiveSubscription
	}

	ids := make([]string, 0, len(active))
	for _, s := range active {
		ids = append(ids, s.ID)
	}
	now := time.Now().UTC()
	const updateQuery = `UPDATE subscriptions SET status = $1, updated_at = $2 WHERE id = ANY($3)`
	if _, err := tx.ExecContext(ctx, updateQuery, models.SubscriptionStatusCancelled, now, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("cancel subscriptions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit unenrollment: %w", err)
	}
	cancelled := active[0]
	cancelled.Status = models.SubscriptionStatusCancelled
	cancelled.UpdatedAt = now
	return &cancelled, nil
}

// ListActive returns every active subscription matching either key, newest
// first. Two rows exist when the keys were enrolled separately before the
// student was linked to the account.
func (r *SubscriptionRepository) ListActive(ctx context.Context, courseID, userID, studentID string) ([]models.Subscription, error) {
	const query = `SELECT ` + subscriptionColumns + ` FROM subscriptions
WHERE course_id = $1 AND (user_id = $2 OR student_id = $3) AND status = $4
ORDER BY subscribed_at DESC`
	subs := make([]models.Subscription, 0)
	if err := r.db.SelectContext(ctx, &subs, query, courseID, nullable(userID), nullable(studentID), models.SubscriptionStatusActive); err != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", err)
	}
	return subs, nil
}

// FindActive returns the newest active subscription matching either key, or
// sql.ErrNoRows.
func (r *SubscriptionRepository) FindActive(ctx context.Context, courseID, userID, studentID string) (*models.Subscription, error) {
	subs, err := r.ListActive(ctx, courseID, userID, studentID)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, sql.ErrNoRows
	}
	return &subs[0], nil
}

// CountActiveCohortMembers counts the distinct members of a cohort holding an
// active subscription to the course.
func (r *SubscriptionRepository) CountActiveCohortMembers(ctx context.Context, courseID, cohortID string) (int, error) {
	const query = activeEnrollees + `
SELECT COUNT(*) FROM enrollees WHERE cohort_id = $3`
	var count int
	if err := r.db.GetContext(ctx, &count, query, courseID, models.SubscriptionStatusActive, cohortID); err != nil {
		return 0, fmt.Errorf("count active cohort members: %w", err)
	}
	return count, nil
}

// ListActiveCourses returns one row per active course the enrollee holds an
// active subscription to through either key.
func (r *SubscriptionRepository) ListActiveCourses(ctx context.Context, userID, studentID string) ([]dto.EnrolledCourse, error) {
	const query = `SELECT c.id AS course_id, c.title, MAX(sub.subscribed_at) AS subscribed_at,
    (ARRAY_AGG(sub.enrolled_by ORDER BY sub.subscribed_at DESC))[1] AS enrolled_by
FROM subscriptions sub
JOIN courses c ON c.id = sub.course_id
WHERE sub.status = $1 AND c.active = TRUE AND (sub.user_id = $2 OR sub.student_id = $3)
GROUP BY c.id, c.title
ORDER BY c.title, c.id`
	courses := make([]dto.EnrolledCourse, 0)
	if err := r.db.SelectContext(ctx, &courses, query, models.SubscriptionStatusActive, nullable(userID), nullable(studentID)); err != nil {
		return nil, fmt.Errorf("list active courses: %w", err)
	}
	return courses, nil
}

// ListCourseCohorts returns the cohorts with at least one actively enrolled
// member, with enrolled and total member counts.
func (r *SubscriptionRepository) ListCourseCohorts(ctx context.Context, courseID string) ([]dto.CourseCohort, error) {
	const query = activeEnrollees + `
SELECT co.id AS cohort_id, co.name, co.active,
    COUNT(e.student_id) AS enrolled_members,
    (SELECT COUNT(*) FROM students m WHERE m.cohort_id = co.id) AS total_members
FROM enrollees e
JOIN cohorts co ON co.id = e.cohort_id
GROUP BY co.id, co.name, co.active
ORDER BY co.name`
	cohorts := make([]dto.CourseCohort, 0)
	if err := r.db.SelectContext(ctx, &cohorts, query, courseID, models.SubscriptionStatusActive); err != nil {
		return nil, fmt.Errorf("list course cohorts: %w", err)
	}
	return cohorts, nil
}

func countActive(subs []models.Subscription) int {
	n := 0
	for i := range subs {
		if subs[i].IsActive() {
			n++
		}
	}
	return n
}

func lacksKey(sub *models.Subscription, params SubscriptionEnrollParams) bool {
	return (sub.UserID == nil && params.UserID != "") || (sub.StudentID == nil && params.StudentID != "")
}

func nullable(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func translateUniqueViolation(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%s: %w", op, ErrUniqueViolation)
	}
	return fmt.Errorf("%s: %w", op, err)
}
