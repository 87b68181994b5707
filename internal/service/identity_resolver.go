package service

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"github.com/code-moran/grading-app-sub002/internal/models"
	appErrors "github.com/code-moran/grading-app-sub002/pkg/errors"
)

type studentLookup interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
	FindByUserID(ctx context.Context, userID string) (*models.Student, error)
}

type userLookup interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

// IdentityResolver maps an authenticated identity to its roster student.
// Both link shapes are honoured: students.user_id and the older users.student_id.
type IdentityResolver struct {
	students studentLookup
	users    userLookup
	logger   *zap.Logger
}

// NewIdentityResolver constructs an IdentityResolver.
func NewIdentityResolver(students studentLookup, users userLookup, logger *zap.Logger) *IdentityResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentityResolver{students: students, users: users, logger: logger}
}

// ResolveStudent returns the student linked to identityID or
// ErrStudentProfileNotFound. Staff accounts normally take the not-found branch.
func (r *IdentityResolver) ResolveStudent(ctx context.Context, identityID string) (*models.Student, error) {
	if identityID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "identity is required")
	}

	student, err := r.students.FindByUserID(ctx, identityID)
	switch {
	case err == nil:
		r.checkUserSideLink(ctx, identityID, student)
		return student, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve student")
	}

	user, err := r.users.FindByID(ctx, identityID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrStudentProfileNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	if user.StudentID == nil || *user.StudentID == "" {
		return nil, appErrors.ErrStudentProfileNotFound
	}

	student, err = r.students.FindByID(ctx, *user.StudentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.logger.Warn("user links to a missing student", zap.String("user_id", identityID), zap.String("student_id", *user.StudentID))
			return nil, appErrors.ErrStudentProfileNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve student")
	}
	return student, nil
}

// checkUserSideLink logs when users.student_id points elsewhere than the
// student found through students.user_id. The student-side link wins.
func (r *IdentityResolver) checkUserSideLink(ctx context.Context, identityID string, student *models.Student) {
	user, err := r.users.FindByID(ctx, identityID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			r.logger.Debug("user-side link check skipped", zap.String("user_id", identityID), zap.Error(err))
		}
		return
	}
	if user.StudentID != nil && *user.StudentID != student.ID {
		r.logger.Warn("identity links disagree",
			zap.String("user_id", identityID),
			zap.String("student_id", student.ID),
			zap.String("user_student_id", *user.StudentID))
	}
}
