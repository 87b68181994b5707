package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/code-moran/grading-app-sub002/internal/dto"
	"github.com/code-moran/grading-app-sub002/internal/models"
	appErrors "github.com/code-moran/grading-app-sub002/pkg/errors"
)

type enrollmentProjectionStore interface {
	ListActiveCourses(ctx context.Context, userID, studentID string) ([]dto.EnrolledCourse, error)
	ListCourseCohorts(ctx context.Context, courseID string) ([]dto.CourseCohort, error)
}

// EnrollmentQueryService serves the read-side projections of enrollment state.
type EnrollmentQueryService struct {
	store    enrollmentProjectionStore
	courses  courseReader
	resolver studentResolver
	cache    *CacheService
	logger   *zap.Logger
}

// NewEnrollmentQueryService constructs an EnrollmentQueryService.
func NewEnrollmentQueryService(store enrollmentProjectionStore, courses courseReader, resolver studentResolver, cache *CacheService, logger *zap.Logger) *EnrollmentQueryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnrollmentQueryService{store: store, courses: courses, resolver: resolver, cache: cache, logger: logger}
}

// MyActiveCourses lists the active courses the caller is enrolled in through
// either identity path, one entry per course.
func (s *EnrollmentQueryService) MyActiveCourses(ctx context.Context, actor *models.JWTClaims) ([]dto.EnrolledCourse, error) {
	if actor == nil || actor.UserID == "" {
		return nil, appErrors.ErrUnauthorized
	}

	key := myCoursesKey(actor.UserID)
	var cached []dto.EnrolledCourse
	if s.cache.Get(ctx, key, &cached) {
		return cached, nil
	}

	var studentID string
	student, err := s.resolver.ResolveStudent(ctx, actor.UserID)
	switch {
	case err == nil:
		studentID = student.ID
	case errors.Is(err, appErrors.ErrStudentProfileNotFound):
		// Identity-only callers are matched on user_id alone.
	default:
		return nil, err
	}

	courses, err := s.store.ListActiveCourses(ctx, actor.UserID, studentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list courses")
	}
	s.cache.Set(ctx, key, courses, 0)
	return courses, nil
}

// CourseCohorts lists the cohorts with at least one member actively enrolled
// in the course. Staff only.
func (s *EnrollmentQueryService) CourseCohorts(ctx context.Context, courseID string, actor *models.JWTClaims) ([]dto.CourseCohort, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if !actor.Role.IsStaff() {
		return nil, appErrors.ErrForbidden
	}
	if courseID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "courseId is required")
	}

	key := courseCohortsKey(courseID)
	var cached []dto.CourseCohort
	if s.cache.Get(ctx, key, &cached) {
		return cached, nil
	}

	if _, err := loadCourse(ctx, s.courses, courseID, false); err != nil {
		return nil, err
	}
	cohorts, err := s.store.ListCourseCohorts(ctx, courseID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list course cohorts")
	}
	s.cache.Set(ctx, key, cohorts, 0)
	return cohorts, nil
}
