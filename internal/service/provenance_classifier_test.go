package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-moran/grading-app-sub002/internal/models"
	"github.com/code-moran/grading-app-sub002/pkg/config"
)

func TestProvenanceCohortScenario(t *testing.T) {
	for _, mode := range []string{config.ProvenanceModeExplicit, config.ProvenanceModeHeuristic} {
		t.Run(mode, func(t *testing.T) {
			f := newEnrollmentFixture(mode, CohortEnrollmentConfig{})
			f.store.addCourse("course-x", true, "")
			f.store.addCourse("course-y", true, "")
			f.store.addCohort("cohort-a", "2024-A")
			for _, id := range []string{"1", "2", "3"} {
				f.store.addUser("user-"+id, models.RoleStudent, f.store.now.Add(-24*time.Hour))
				f.store.addStudent("stu-"+id, "Member "+id, "cohort-a", "user-"+id)
			}

			result, err := f.cohorts.EnrollCohort(context.Background(), "course-x", "cohort-a", claimsFor("teacher-1", models.RoleTeacher))
			require.NoError(t, err)
			require.Len(t, result.Enrolled, 3)

			for _, id := range []string{"1", "2", "3"} {
				sub, err := f.store.FindActive(context.Background(), "course-x", "user-"+id, "stu-"+id)
				require.NoError(t, err)
				student := f.store.students["stu-"+id]
				admin, err := f.classifier.WasAdministrativelyEnrolled(context.Background(), sub, student)
				require.NoError(t, err)
				assert.True(t, admin, "member %s", id)
			}

			resp, err := f.subs.EnrollSelf(context.Background(), "course-y", claimsFor("user-1", models.RoleStudent))
			require.NoError(t, err)
			admin, err := f.classifier.WasAdministrativelyEnrolled(context.Background(), resp.Subscription, f.store.students["stu-1"])
			require.NoError(t, err)
			assert.False(t, admin)

			_, err = f.subs.UnenrollSelf(context.Background(), "course-y", claimsFor("user-1", models.RoleStudent))
			assert.NoError(t, err)
		})
	}
}

func TestProvenanceHeuristicSignals(t *testing.T) {
	f := newEnrollmentFixture(config.ProvenanceModeHeuristic, CohortEnrollmentConfig{})
	f.store.addCourse("course-x", true, "")
	created := f.store.now
	f.store.addUser("user-1", models.RoleStudent, created)
	student := f.store.addStudent("stu-1", "Solo", "", "user-1")

	self := models.EnrollmentSourceSelf
	before := &models.Subscription{CourseID: "course-x", StudentID: strPtr("stu-1"), Status: models.SubscriptionStatusActive, EnrolledBy: &self, SubscribedAt: created.Add(-time.Hour)}
	decision, err := f.classifier.Classify(context.Background(), before, student)
	require.NoError(t, err)
	assert.True(t, decision.Administrative)
	assert.Equal(t, SignalTemporal, decision.Signal)

	after := &models.Subscription{CourseID: "course-x", UserID: strPtr("user-1"), Status: models.SubscriptionStatusActive, SubscribedAt: created.Add(time.Hour)}
	decision, err = f.classifier.Classify(context.Background(), after, student)
	require.NoError(t, err)
	assert.False(t, decision.Administrative)
	assert.Equal(t, SignalNone, decision.Signal)
}

func TestProvenanceExplicitModeFallsBackForUntaggedRows(t *testing.T) {
	f := newEnrollmentFixture(config.ProvenanceModeExplicit, CohortEnrollmentConfig{})
	created := f.store.now
	f.store.addUser("user-1", models.RoleStudent, created)
	student := f.store.addStudent("stu-1", "Legacy", "", "user-1")

	legacy := &models.Subscription{CourseID: "course-x", StudentID: strPtr("stu-1"), Status: models.SubscriptionStatusActive, SubscribedAt: created.Add(-time.Hour)}
	decision, err := f.classifier.Classify(context.Background(), legacy, student)
	require.NoError(t, err)
	assert.True(t, decision.Administrative)
	assert.Equal(t, SignalTemporal, decision.Signal)

	tagged := models.EnrollmentSourceSelf
	legacy.EnrolledBy = &tagged
	decision, err = f.classifier.Classify(context.Background(), legacy, student)
	require.NoError(t, err)
	assert.False(t, decision.Administrative)
	assert.Equal(t, SignalExplicitTag, decision.Signal)
}

func TestProvenanceWithoutStudentUsesTagOnly(t *testing.T) {
	f := newEnrollmentFixture(config.ProvenanceModeHeuristic, CohortEnrollmentConfig{})
	sub := &models.Subscription{CourseID: "course-x", UserID: strPtr("user-9"), Status: models.SubscriptionStatusActive}

	decision, err := f.classifier.Classify(context.Background(), sub, nil)
	require.NoError(t, err)
	assert.False(t, decision.Administrative)
	assert.Equal(t, SignalNone, decision.Signal)
}

type failingCounter struct{}

func (failingCounter) CountActiveCohortMembers(ctx context.Context, courseID, cohortID string) (int, error) {
	return 0, errors.New("db down")
}

func TestProvenanceCounterFailureIsReported(t *testing.T) {
	classifier := NewProvenanceClassifier(failingCounter{}, memUsers{newMemStore()}, config.ProvenanceModeHeuristic, nil, nil)
	student := &models.Student{ID: "stu-1", CohortID: strPtr("cohort-a")}
	_, err := classifier.Classify(context.Background(), &models.Subscription{CourseID: "course-x"}, student)
	assert.Error(t, err)
}
