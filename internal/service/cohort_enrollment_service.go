package service

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/code-moran/grading-app-sub002/internal/dto"
	"github.com/code-moran/grading-app-sub002/internal/models"
	"github.com/code-moran/grading-app-sub002/internal/repository"
	appErrors "github.com/code-moran/grading-app-sub002/pkg/errors"
)

const cohortResource = "cohort"

type cohortReader interface {
	FindByID(ctx context.Context, id string) (*models.Cohort, error)
}

type cohortMemberLister interface {
	ListByCohort(ctx context.Context, cohortID string) ([]models.Student, error)
}

type cohortRequest struct {
	CourseID string `validate:"required"`
	CohortID string `validate:"required"`
}

// CohortEnrollmentConfig tunes bulk processing.
type CohortEnrollmentConfig struct {
	// Concurrency bounds how many members are processed at once; 1 or less is sequential.
	Concurrency int
	// Timeout caps a whole cohort operation. Zero leaves the caller's deadline alone.
	Timeout time.Duration
}

// CohortEnrollmentService applies enroll and unenroll to every member of a
// cohort. Each member is its own store transaction, so one failure never rolls
// back or stops the others.
type CohortEnrollmentService struct {
	store     subscriptionStore
	courses   courseReader
	cohorts   cohortReader
	members   cohortMemberLister
	cache     *CacheService
	audit     *AuditService
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	cfg       CohortEnrollmentConfig
}

// NewCohortEnrollmentService wires a CohortEnrollmentService.
func NewCohortEnrollmentService(
	store subscriptionStore,
	courses courseReader,
	cohorts cohortReader,
	members cohortMemberLister,
	cache *CacheService,
	audit *AuditService,
	metrics *MetricsService,
	validate *validator.Validate,
	logger *zap.Logger,
	cfg CohortEnrollmentConfig,
) *CohortEnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &CohortEnrollmentService{
		store:     store,
		courses:   courses,
		cohorts:   cohorts,
		members:   members,
		cache:     cache,
		audit:     audit,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		cfg:       cfg,
	}
}

// EnrollCohort enrolls every cohort member into the course. Members already
// enrolled are reported, not treated as failures.
func (s *CohortEnrollmentService) EnrollCohort(ctx context.Context, courseID, cohortID string, actor *models.JWTClaims) (*dto.CohortEnrollResult, error) {
	members, err := s.prepare(ctx, courseID, cohortID, actor, true)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	result := &dto.CohortEnrollResult{
		CourseID:        courseID,
		CohortID:        cohortID,
		Members:         len(members),
		Enrolled:        []string{},
		AlreadyEnrolled: []string{},
		Errors:          []dto.MemberError{},
	}
	var mu sync.Mutex
	s.forEachMember(ctx, members, func(ctx context.Context, member *models.Student) {
		var (
			outcome models.EnrollOutcome
			err     = ctx.Err()
		)
		if err == nil {
			_, outcome, err = s.store.Enroll(ctx, repository.SubscriptionEnrollParams{
				CourseID:   courseID,
				UserID:     member.LinkedUserID(),
				StudentID:  member.ID,
				EnrolledBy: models.EnrollmentSourceCohort,
			})
		}

		mu.Lock()
		defer mu.Unlock()
		switch {
		case err != nil && errors.Is(err, repository.ErrUniqueViolation):
			result.AlreadyEnrolled = append(result.AlreadyEnrolled, member.DisplayName())
		case err != nil:
			result.Errors = append(result.Errors, s.memberError(member, "enroll", err))
		case outcome == models.EnrollOutcomeAlreadyActive:
			result.AlreadyEnrolled = append(result.AlreadyEnrolled, member.DisplayName())
		default:
			result.Enrolled = append(result.Enrolled, member.DisplayName())
		}
	})
	sort.Strings(result.Enrolled)
	sort.Strings(result.AlreadyEnrolled)
	sortMemberErrors(result.Errors)

	s.finish(ctx, courseID, cohortID, actor, models.AuditActionCohortEnroll, result)
	s.metrics.RecordBulk("enroll_cohort", map[string]int{
		"enrolled":         len(result.Enrolled),
		"already_enrolled": len(result.AlreadyEnrolled),
		"errors":           len(result.Errors),
	}, time.Since(start))
	s.logger.Info("cohort enrolled",
		zap.String("course_id", courseID),
		zap.String("cohort_id", cohortID),
		zap.Int("members", result.Members),
		zap.Int("enrolled", len(result.Enrolled)),
		zap.Int("already_enrolled", len(result.AlreadyEnrolled)),
		zap.Int("errors", len(result.Errors)))
	return result, nil
}

// UnenrollCohort cancels every cohort member's enrollment in the course.
func (s *CohortEnrollmentService) UnenrollCohort(ctx context.Context, courseID, cohortID string, actor *models.JWTClaims) (*dto.CohortUnenrollResult, error) {
	members, err := s.prepare(ctx, courseID, cohortID, actor, false)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	result := &dto.CohortUnenrollResult{
		CourseID:    courseID,
		CohortID:    cohortID,
		Members:     len(members),
		Unenrolled:  []string{},
		NotEnrolled: []string{},
		Errors:      []dto.MemberError{},
	}
	var mu sync.Mutex
	s.forEachMember(ctx, members, func(ctx context.Context, member *models.Student) {
		err := ctx.Err()
		if err == nil {
			_, err = s.store.Cancel(ctx, courseID, member.LinkedUserID(), member.ID)
		}

		mu.Lock()
		defer mu.Unlock()
		switch {
		case err == nil:
			result.Unenrolled = append(result.Unenrolled, member.DisplayName())
		case errors.Is(err, repository.ErrNoActiveSubscription):
			result.NotEnrolled = append(result.NotEnrolled, member.DisplayName())
		default:
			result.Errors = append(result.Errors, s.memberError(member, "unenroll", err))
		}
	})
	sort.Strings(result.Unenrolled)
	sort.Strings(result.NotEnrolled)
	sortMemberErrors(result.Errors)

	s.finish(ctx, courseID, cohortID, actor, models.AuditActionCohortUnenroll, result)
	s.metrics.RecordBulk("unenroll_cohort", map[string]int{
		"unenrolled":   len(result.Unenrolled),
		"not_enrolled": len(result.NotEnrolled),
		"errors":       len(result.Errors),
	}, time.Since(start))
	s.logger.Info("cohort unenrolled",
		zap.String("course_id", courseID),
		zap.String("cohort_id", cohortID),
		zap.Int("members", result.Members),
		zap.Int("unenrolled", len(result.Unenrolled)),
		zap.Int("not_enrolled", len(result.NotEnrolled)),
		zap.Int("errors", len(result.Errors)))
	return result, nil
}

// prepare runs every check that must pass before any member is touched.
func (s *CohortEnrollmentService) prepare(ctx context.Context, courseID, cohortID string, actor *models.JWTClaims, enrolling bool) ([]models.Student, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if !actor.Role.IsStaff() {
		return nil, appErrors.ErrForbidden
	}
	if err := s.validator.Struct(cohortRequest{CourseID: courseID, CohortID: cohortID}); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "courseId and cohortId are required")
	}

	if _, err := s.cohorts.FindByID(ctx, cohortID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrCohortNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load cohort")
	}
	if _, err := loadCourse(ctx, s.courses, courseID, enrolling); err != nil {
		return nil, err
	}

	members, err := s.members.ListByCohort(ctx, cohortID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load cohort members")
	}
	if len(members) == 0 {
		return nil, appErrors.ErrEmptyCohort
	}
	return members, nil
}

// forEachMember calls fn once per member, sequentially or on a bounded
// errgroup. fn never returns an error so no member can cancel another.
func (s *CohortEnrollmentService) forEachMember(ctx context.Context, members []models.Student, fn func(context.Context, *models.Student)) {
	if s.cfg.Concurrency <= 1 {
		for i := range members {
			fn(ctx, &members[i])
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i := range members {
		member := &members[i]
		g.Go(func() error {
			fn(ctx, member)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *CohortEnrollmentService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.Timeout)
}

func (s *CohortEnrollmentService) memberError(member *models.Student, op string, err error) dto.MemberError {
	reason := appErrors.FromError(translateStoreError(err, op+" failed")).Message
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		reason = err.Error()
	}
	s.logger.Warn("cohort member failed",
		zap.String("operation", op),
		zap.String("student_id", member.ID),
		zap.Error(err))
	return dto.MemberError{StudentID: member.ID, Name: member.DisplayName(), Reason: reason}
}

// finish invalidates projections and records the audit entry. It runs on a
// context detached from the operation deadline so a timeout still leaves the
// cache consistent with the members already processed.
func (s *CohortEnrollmentService) finish(ctx context.Context, courseID, cohortID string, actor *models.JWTClaims, action string, result interface{}) {
	ctx = context.WithoutCancel(ctx)
	s.cache.Invalidate(ctx, courseCohortsKey(courseID))
	s.cache.InvalidatePattern(ctx, myCoursesKeyPrefix+"*")
	s.audit.Record(ctx, actor, action, cohortResource, cohortID, nil, result)
}

func sortMemberErrors(errs []dto.MemberError) {
	sort.Slice(errs, func(i, j int) bool {
		if errs[i].Name != errs[j].Name {
			return errs[i].Name < errs[j].Name
		}
		return errs[i].StudentID < errs[j].StudentID
	})
}
