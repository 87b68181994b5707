package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/code-moran/grading-app-sub002/internal/dto"
	"github.com/code-moran/grading-app-sub002/internal/models"
	"github.com/code-moran/grading-app-sub002/internal/repository"
	appErrors "github.com/code-moran/grading-app-sub002/pkg/errors"
)

const subscriptionResource = "subscription"

type subscriptionStore interface {
	Enroll(ctx context.Context, params repository.SubscriptionEnrollParams) (*models.Subscription, models.EnrollOutcome, error)
	Cancel(ctx context.Context, courseID, userID, studentID string) (*models.Subscription, error)
	CancelSubscriptions(ctx context.Context, courseID string, ids []string) (*models.Subscription, error)
	ListActive(ctx context.Context, courseID, userID, studentID string) ([]models.Subscription, error)
}

type courseReader interface {
	FindByID(ctx context.Context, id string) (*models.Course, error)
}

type studentResolver interface {
	ResolveStudent(ctx context.Context, identityID string) (*models.Student, error)
}

type provenanceClassifier interface {
	Classify(ctx context.Context, sub *models.Subscription, student *models.Student) (ProvenanceDecision, error)
}

type selfEnrollmentRequest struct {
	CourseID string `validate:"required"`
	UserID   string `validate:"required"`
}

type staffEnrollmentRequest struct {
	CourseID  string `validate:"required"`
	StudentID string `validate:"required"`
}

// SubscriptionService implements single-target enrollment for learners and
// staff on top of the subscription store.
type SubscriptionService struct {
	store      subscriptionStore
	courses    courseReader
	students   studentLookup
	users      userLookup
	resolver   studentResolver
	classifier provenanceClassifier
	cache      *CacheService
	audit      *AuditService
	metrics    *MetricsService
	validator  *validator.Validate
	logger     *zap.Logger
}

// NewSubscriptionService wires a SubscriptionService. cache, audit and metrics may be nil.
func NewSubscriptionService(
	store subscriptionStore,
	courses courseReader,
	students studentLookup,
	users userLookup,
	resolver studentResolver,
	classifier provenanceClassifier,
	cache *CacheService,
	audit *AuditService,
	metrics *MetricsService,
	validate *validator.Validate,
	logger *zap.Logger,
) *SubscriptionService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubscriptionService{
		store:      store,
		courses:    courses,
		students:   students,
		users:      users,
		resolver:   resolver,
		classifier: classifier,
		cache:      cache,
		audit:      audit,
		metrics:    metrics,
		validator:  validate,
		logger:     logger,
	}
}

// EnrollSelf enrolls the caller, keyed by identity and by the resolved student
// when one exists.
func (s *SubscriptionService) EnrollSelf(ctx context.Context, courseID string, actor *models.JWTClaims) (*dto.EnrollResponse, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if err := s.validator.Struct(selfEnrollmentRequest{CourseID: courseID, UserID: actor.UserID}); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "courseId is required")
	}
	student, err := s.optionalStudent(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	if _, err := loadCourse(ctx, s.courses, courseID, true); err != nil {
		return nil, err
	}

	sub, outcome, err := s.store.Enroll(ctx, repository.SubscriptionEnrollParams{
		CourseID:   courseID,
		UserID:     actor.UserID,
		StudentID:  studentIDOf(student),
		EnrolledBy: models.EnrollmentSourceSelf,
	})
	if err != nil {
		s.metrics.RecordEnrollment("enroll", "error")
		return nil, translateStoreError(err, "failed to enroll")
	}
	s.metrics.RecordEnrollment("enroll", string(outcome))
	if outcome == models.EnrollOutcomeAlreadyActive {
		return nil, appErrors.ErrAlreadyEnrolled
	}

	s.cache.Invalidate(ctx, myCoursesKey(actor.UserID), courseCohortsKey(courseID))
	s.audit.Record(ctx, actor, auditActionFor(outcome), subscriptionResource, sub.ID, nil, sub)
	s.logger.Info("enrolled", zap.String("course_id", courseID), zap.String("user_id", actor.UserID), zap.String("outcome", string(outcome)))
	return &dto.EnrollResponse{Subscription: sub, Outcome: outcome}, nil
}

// UnenrollSelf cancels the caller's enrollment unless it was set up by staff.
func (s *SubscriptionService) UnenrollSelf(ctx context.Context, courseID string, actor *models.JWTClaims) (*models.Subscription, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if err := s.validator.Struct(selfEnrollmentRequest{CourseID: courseID, UserID: actor.UserID}); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "courseId is required")
	}
	student, err := s.optionalStudent(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	course, err := loadCourse(ctx, s.courses, courseID, false)
	if err != nil {
		return nil, err
	}

	rows, current, decision, err := s.classifyActive(ctx, courseID, actor.UserID, student)
	if err != nil {
		return nil, err
	}
	if current == nil {
		s.metrics.RecordEnrollment("unenroll", "not_enrolled")
		return nil, appErrors.ErrNotEnrolled
	}
	if decision.Administrative {
		s.metrics.RecordEnrollment("unenroll", "denied")
		s.audit.Record(ctx, actor, models.AuditActionUnenrollDenied, subscriptionResource, current.ID, nil, map[string]string{"signal": string(decision.Signal)})
		return nil, s.managedByStaffError(ctx, course)
	}

	// Only the rows that passed the gate are cancelled; a row added since
	// classification stays active.
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	cancelled, err := s.store.CancelSubscriptions(ctx, courseID, ids)
	if err != nil {
		s.metrics.RecordEnrollment("unenroll", "error")
		return nil, translateStoreError(err, "failed to unenroll")
	}
	s.metrics.RecordEnrollment("unenroll", "cancelled")
	s.cache.Invalidate(ctx, myCoursesKey(actor.UserID), courseCohortsKey(courseID))
	s.audit.Record(ctx, actor, models.AuditActionEnrollmentCancel, subscriptionResource, cancelled.ID, current, cancelled)
	return cancelled, nil
}

// Status reports whether the caller is enrolled and whether they may leave.
func (s *SubscriptionService) Status(ctx context.Context, courseID string, actor *models.JWTClaims) (*dto.EnrollmentStatusResponse, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if err := s.validator.Struct(selfEnrollmentRequest{CourseID: courseID, UserID: actor.UserID}); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "courseId is required")
	}
	student, err := s.optionalStudent(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	if _, err := loadCourse(ctx, s.courses, courseID, false); err != nil {
		return nil, err
	}

	resp := &dto.EnrollmentStatusResponse{CourseID: courseID}
	_, current, decision, err := s.classifyActive(ctx, courseID, actor.UserID, student)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return resp, nil
	}
	resp.Enrolled = true
	resp.Subscription = current
	resp.Provenance = &dto.EnrollmentProvenanceDTO{
		Administrative:  decision.Administrative,
		Signal:          string(decision.Signal),
		CanSelfUnenroll: !decision.Administrative,
	}
	return resp, nil
}

// EnrollStudent enrolls a roster student on behalf of staff.
func (s *SubscriptionService) EnrollStudent(ctx context.Context, courseID, studentID string, actor *models.JWTClaims) (*dto.EnrollResponse, error) {
	student, err := s.staffTarget(ctx, courseID, studentID, actor)
	if err != nil {
		return nil, err
	}
	if _, err := loadCourse(ctx, s.courses, courseID, true); err != nil {
		return nil, err
	}

	sub, outcome, err := s.store.Enroll(ctx, repository.SubscriptionEnrollParams{
		CourseID:   courseID,
		UserID:     student.LinkedUserID(),
		StudentID:  student.ID,
		EnrolledBy: models.EnrollmentSourceInstructor,
	})
	if err != nil {
		s.metrics.RecordEnrollment("staff_enroll", "error")
		return nil, translateStoreError(err, "failed to enroll student")
	}
	s.metrics.RecordEnrollment("staff_enroll", string(outcome))
	if outcome == models.EnrollOutcomeAlreadyActive {
		return nil, appErrors.ErrAlreadyEnrolled
	}

	s.invalidateForStudent(ctx, courseID)
	s.audit.Record(ctx, actor, auditActionFor(outcome), subscriptionResource, sub.ID, nil, sub)
	return &dto.EnrollResponse{Subscription: sub, Outcome: outcome}, nil
}

// UnenrollStudent cancels a roster student's enrollment on behalf of staff.
// Staff removals are not subject to provenance gating.
func (s *SubscriptionService) UnenrollStudent(ctx context.Context, courseID, studentID string, actor *models.JWTClaims) (*models.Subscription, error) {
	student, err := s.staffTarget(ctx, courseID, studentID, actor)
	if err != nil {
		return nil, err
	}
	if _, err := loadCourse(ctx, s.courses, courseID, false); err != nil {
		return nil, err
	}

	cancelled, err := s.store.Cancel(ctx, courseID, student.LinkedUserID(), student.ID)
	if err != nil {
		s.metrics.RecordEnrollment("staff_unenroll", "error")
		return nil, translateStoreError(err, "failed to unenroll student")
	}
	s.metrics.RecordEnrollment("staff_unenroll", "cancelled")
	s.invalidateForStudent(ctx, courseID)
	s.audit.Record(ctx, actor, models.AuditActionEnrollmentCancel, subscriptionResource, cancelled.ID, nil, cancelled)
	return cancelled, nil
}

// classifyActive loads every active row held through either of the caller's
// keys and classifies each one. It returns the first administrative row, or
// the newest row when none is, together with its decision. A nil row means the
// caller is not enrolled.
func (s *SubscriptionService) classifyActive(ctx context.Context, courseID, userID string, student *models.Student) ([]models.Subscription, *models.Subscription, ProvenanceDecision, error) {
	rows, err := s.store.ListActive(ctx, courseID, userID, studentIDOf(student))
	if err != nil {
		return nil, nil, ProvenanceDecision{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	if len(rows) == 0 {
		return nil, nil, ProvenanceDecision{}, nil
	}

	var first ProvenanceDecision
	for i := range rows {
		decision, err := s.classifier.Classify(ctx, &rows[i], student)
		if err != nil {
			return nil, nil, ProvenanceDecision{}, err
		}
		if decision.Administrative {
			return rows, &rows[i], decision, nil
		}
		if i == 0 {
			first = decision
		}
	}
	return rows, &rows[0], first, nil
}

func (s *SubscriptionService) staffTarget(ctx context.Context, courseID, studentID string, actor *models.JWTClaims) (*models.Student, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if !actor.Role.IsStaff() {
		return nil, appErrors.ErrForbidden
	}
	if err := s.validator.Struct(staffEnrollmentRequest{CourseID: courseID, StudentID: studentID}); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "courseId and studentId are required")
	}
	student, err := s.students.FindByID(ctx, studentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrStudentNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	return student, nil
}

// optionalStudent resolves the caller's roster student. A missing profile is a
// normal outcome and yields nil.
func (s *SubscriptionService) optionalStudent(ctx context.Context, userID string) (*models.Student, error) {
	student, err := s.resolver.ResolveStudent(ctx, userID)
	if err != nil {
		if errors.Is(err, appErrors.ErrStudentProfileNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return student, nil
}

// invalidateForStudent drops every "my courses" entry, since a roster student
// may be visible under identities this process cannot enumerate.
func (s *SubscriptionService) invalidateForStudent(ctx context.Context, courseID string) {
	s.cache.Invalidate(ctx, courseCohortsKey(courseID))
	s.cache.InvalidatePattern(ctx, myCoursesKeyPrefix+"*")
}

func (s *SubscriptionService) managedByStaffError(ctx context.Context, course *models.Course) error {
	if course == nil || course.InstructorID == nil || *course.InstructorID == "" {
		return appErrors.ErrEnrollmentManagedByStaff
	}
	instructor, err := s.users.FindByID(ctx, *course.InstructorID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("failed to load course instructor", zap.String("course_id", course.ID), zap.Error(err))
		}
		return appErrors.ErrEnrollmentManagedByStaff
	}
	contact := strings.TrimSpace(fmt.Sprintf("%s <%s>", instructor.FullName, instructor.Email))
	return appErrors.Clone(appErrors.ErrEnrollmentManagedByStaff,
		fmt.Sprintf("enrollment was set up by course staff; contact %s to be removed", contact))
}

func loadCourse(ctx context.Context, courses courseReader, courseID string, requireActive bool) (*models.Course, error) {
	course, err := courses.FindByID(ctx, courseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrCourseNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	if requireActive && !course.Active {
		return nil, appErrors.ErrCourseInactive
	}
	return course, nil
}

// translateStoreError maps store sentinels onto the enrollment error taxonomy.
func translateStoreError(err error, message string) error {
	switch {
	case errors.Is(err, repository.ErrUniqueViolation):
		return appErrors.ErrAlreadyEnrolled
	case errors.Is(err, repository.ErrNoActiveSubscription):
		return appErrors.ErrNotEnrolled
	case errors.Is(err, repository.ErrCourseInactive):
		return appErrors.ErrCourseInactive
	case errors.Is(err, sql.ErrNoRows):
		return appErrors.ErrCourseNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "operation cancelled")
	default:
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
	}
}

func auditActionFor(outcome models.EnrollOutcome) string {
	if outcome == models.EnrollOutcomeReactivated {
		return models.AuditActionEnrollmentReactivate
	}
	return models.AuditActionEnrollmentCreate
}

func studentIDOf(student *models.Student) string {
	if student == nil {
		return ""
	}
	return student.ID
}
