package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-moran/grading-app-sub002/internal/models"
	"github.com/code-moran/grading-app-sub002/pkg/config"
	appErrors "github.com/code-moran/grading-app-sub002/pkg/errors"
)

func seedCohort(f *enrollmentFixture, cohortID string, size int) {
	f.store.addCohort(cohortID, "2024-A")
	for i := 1; i <= size; i++ {
		id := fmt.Sprintf("stu-%d", i)
		userID := ""
		if i%2 == 1 {
			// Odd members have accounts, even members are roster-only.
			userID = fmt.Sprintf("user-%d", i)
			f.store.addUser(userID, models.RoleStudent, f.store.now.Add(-24*time.Hour))
		}
		f.store.addStudent(id, fmt.Sprintf("Member %d", i), cohortID, userID)
	}
}

func TestEnrollCohortBucketsSumToMembers(t *testing.T) {
	for _, concurrency := range []int{1, 4} {
		t.Run(fmt.Sprintf("concurrency=%d", concurrency), func(t *testing.T) {
			f := newEnrollmentFixture(config.ProvenanceModeExplicit, CohortEnrollmentConfig{Concurrency: concurrency})
			f.store.addCourse("course-x", true, "")
			seedCohort(f, "cohort-a", 6)

			// Member 3 already enrolled on their own.
			_, err := f.subs.EnrollSelf(context.Background(), "course-x", claimsFor("user-3", models.RoleStudent))
			require.NoError(t, err)

			result, err := f.cohorts.EnrollCohort(context.Background(), "course-x", "cohort-a", claimsFor("teacher-1", models.RoleTeacher))
			require.NoError(t, err)
			assert.Equal(t, 6, result.Members)
			assert.Equal(t, result.Members, len(result.Enrolled)+len(result.AlreadyEnrolled)+len(result.Errors))
			assert.Equal(t, []string{"Member 3"}, result.AlreadyEnrolled)
			assert.Len(t, result.Enrolled, 5)
			assert.Empty(t, result.Errors)
			assert.Len(t, f.store.rowsFor("course-x"), 6)
		})
	}
}

func TestEnrollCohortIsolatesMemberFailures(t *testing.T) {
	f := newEnrollmentFixture(config.ProvenanceModeExplicit, CohortEnrollmentConfig{Concurrency: 2})
	f.store.addCourse("course-x", true, "")
	seedCohort(f, "cohort-a", 4)
	f.store.failFor["stu-2"] = errors.New("constraint violation")

	result, err := f.cohorts.EnrollCohort(context.Background(), "course-x", "cohort-a", claimsFor("admin-1", models.RoleAdmin))
	require.NoError(t, err)
	assert.Len(t, result.Enrolled, 3)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "stu-2", result.Errors[0].StudentID)
	assert.Equal(t, "Member 2", result.Errors[0].Name)
	assert.NotEmpty(t, result.Errors[0].Reason)
}

func TestEnrollCohortIsRepeatable(t *testing.T) {
	f := newEnrollmentFixture(config.ProvenanceModeExplicit, CohortEnrollmentConfig{})
	f.store.addCourse("course-x", true, "")
	seedCohort(f, "cohort-a", 3)
	staff := claimsFor("teacher-1", models.RoleTeacher)

	_, err := f.cohorts.EnrollCohort(context.Background(), "course-x", "cohort-a", staff)
	require.NoError(t, err)
	again, err := f.cohorts.EnrollCohort(context.Background(), "course-x", "cohort-a", staff)
	require.NoError(t, err)
	assert.Empty(t, again.Enrolled)
	assert.Len(t, again.AlreadyEnrolled, 3)
	assert.Len(t, f.store.rowsFor("course-x"), 3)
}

func TestEnrollCohortPreconditions(t *testing.T) {
	f := newEnrollmentFixture(config.ProvenanceModeExplicit, CohortEnrollmentConfig{})
	f.store.addCourse("course-x", true, "")
	f.store.addCourse("closed", false, "")
	f.store.addCohort("empty", "Empty")
	seedCohort(f, "cohort-a", 2)
	staff := claimsFor("teacher-1", models.RoleTeacher)

	_, err := f.cohorts.EnrollCohort(context.Background(), "course-x", "empty", staff)
	assert.True(t, errors.Is(err, appErrors.ErrEmptyCohort))

	_, err = f.cohorts.EnrollCohort(context.Background(), "course-x", "missing", staff)
	assert.True(t, errors.Is(err, appErrors.ErrCohortNotFound))

	_, err = f.cohorts.EnrollCohort(context.Background(), "missing", "cohort-a", staff)
	assert.True(t, errors.Is(err, appErrors.ErrCourseNotFound))

	_, err = f.cohorts.EnrollCohort(context.Background(), "closed", "cohort-a", staff)
	assert.True(t, errors.Is(err, appErrors.ErrCourseInactive))

	_, err = f.cohorts.EnrollCohort(context.Background(), "", "cohort-a", staff)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))

	_, err = f.cohorts.EnrollCohort(context.Background(), "course-x", "cohort-a", claimsFor("user-1", models.RoleStudent))
	assert.True(t, errors.Is(err, appErrors.ErrForbidden))

	assert.Zero(t, f.store.calls)
}

func TestEnrollCohortCancelledContextMarksRemainingMembers(t *testing.T) {
	f := newEnrollmentFixture(config.ProvenanceModeExplicit, CohortEnrollmentConfig{})
	f.store.addCourse("course-x", true, "")
	seedCohort(f, "cohort-a", 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := f.cohorts.EnrollCohort(ctx, "course-x", "cohort-a", claimsFor("teacher-1", models.RoleTeacher))
	require.NoError(t, err)
	assert.Empty(t, result.Enrolled)
	require.Len(t, result.Errors, 3)
	assert.Equal(t, context.Canceled.Error(), result.Errors[0].Reason)
}

func TestUnenrollCohortBuckets(t *testing.T) {
	f := newEnrollmentFixture(config.ProvenanceModeExplicit, CohortEnrollmentConfig{Concurrency: 3})
	f.store.addCourse("course-x", true, "")
	seedCohort(f, "cohort-a", 5)
	staff := claimsFor("teacher-1", models.RoleTeacher)

	for _, id := range []string{"stu-1", "stu-2", "stu-4"} {
		_, err := f.subs.EnrollStudent(context.Background(), "course-x", id, staff)
		require.NoError(t, err)
	}
	f.store.failFor["stu-4"] = errors.New("connection reset")

	result, err := f.cohorts.UnenrollCohort(context.Background(), "course-x", "cohort-a", staff)
	require.NoError(t, err)
	assert.Equal(t, []string{"Member 1", "Member 2"}, result.Unenrolled)
	assert.Equal(t, []string{"Member 3", "Member 5"}, result.NotEnrolled)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "stu-4", result.Errors[0].StudentID)
	assert.Equal(t, result.Members, len(result.Unenrolled)+len(result.NotEnrolled)+len(result.Errors))

	rows := f.store.rowsFor("course-x")
	for _, row := range rows {
		if *row.StudentID == "stu-4" {
			assert.True(t, row.IsActive())
		} else {
			assert.False(t, row.IsActive())
		}
	}
}

func TestUnenrollCohortAllowsInactiveCourse(t *testing.T) {
	f := newEnrollmentFixture(config.ProvenanceModeExplicit, CohortEnrollmentConfig{})
	course := f.store.addCourse("course-x", true, "")
	seedCohort(f, "cohort-a", 2)
	staff := claimsFor("teacher-1", models.RoleTeacher)

	_, err := f.cohorts.EnrollCohort(context.Background(), "course-x", "cohort-a", staff)
	require.NoError(t, err)
	course.Active = false

	result, err := f.cohorts.UnenrollCohort(context.Background(), "course-x", "cohort-a", staff)
	require.NoError(t, err)
	assert.Len(t, result.Unenrolled, 2)
}
