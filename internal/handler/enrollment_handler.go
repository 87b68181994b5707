package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/code-moran/grading-app-sub002/internal/dto"
	"github.com/code-moran/grading-app-sub002/internal/models"
	"github.com/code-moran/grading-app-sub002/pkg/response"
)

type subscriptionService interface {
	EnrollSelf(ctx context.Context, courseID string, actor *models.JWTClaims) (*dto.EnrollResponse, error)
	UnenrollSelf(ctx context.Context, courseID string, actor *models.JWTClaims) (*models.Subscription, error)
	Status(ctx context.Context, courseID string, actor *models.JWTClaims) (*dto.EnrollmentStatusResponse, error)
	EnrollStudent(ctx context.Context, courseID, studentID string, actor *models.JWTClaims) (*dto.EnrollResponse, error)
	UnenrollStudent(ctx context.Context, courseID, studentID string, actor *models.JWTClaims) (*models.Subscription, error)
}

type enrollmentQueries interface {
	MyActiveCourses(ctx context.Context, actor *models.JWTClaims) ([]dto.EnrolledCourse, error)
	CourseCohorts(ctx context.Context, courseID string, actor *models.JWTClaims) ([]dto.CourseCohort, error)
}

// EnrollmentHandler exposes single-target enrollment endpoints.
type EnrollmentHandler struct {
	subscriptions subscriptionService
	queries       enrollmentQueries
}

// NewEnrollmentHandler constructs EnrollmentHandler.
func NewEnrollmentHandler(subscriptions subscriptionService, queries enrollmentQueries) *EnrollmentHandler {
	return &EnrollmentHandler{subscriptions: subscriptions, queries: queries}
}

// EnrollSelf godoc
// @Summary Enroll the caller in a course
// @Tags Enrollments
// @Produce json
// @Param courseId path string true "Course ID"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 412 {object} response.Envelope
// @Router /courses/{courseId}/enrollments [post]
func (h *EnrollmentHandler) EnrollSelf(c *gin.Context) {
	result, err := h.subscriptions.EnrollSelf(c.Request.Context(), c.Param("courseId"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	status := http.StatusCreated
	if result.Outcome == models.EnrollOutcomeReactivated {
		status = http.StatusOK
	}
	response.JSON(c, status, result)
}

// UnenrollSelf godoc
// @Summary Cancel the caller's enrollment
// @Description Enrollments set up by course staff cannot be cancelled here.
// @Tags Enrollments
// @Produce json
// @Param courseId path string true "Course ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /courses/{courseId}/enrollments/me [delete]
func (h *EnrollmentHandler) UnenrollSelf(c *gin.Context) {
	sub, err := h.subscriptions.UnenrollSelf(c.Request.Context(), c.Param("courseId"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, sub)
}

// Status godoc
// @Summary Show the caller's enrollment in a course
// @Tags Enrollments
// @Produce json
// @Param courseId path string true "Course ID"
// @Success 200 {object} response.Envelope
// @Router /courses/{courseId}/enrollments/me [get]
func (h *EnrollmentHandler) Status(c *gin.Context) {
	status, err := h.subscriptions.Status(c.Request.Context(), c.Param("courseId"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, status)
}

// EnrollStudent godoc
// @Summary Enroll a roster student
// @Tags Enrollments
// @Produce json
// @Param courseId path string true "Course ID"
// @Param studentId path string true "Student ID"
// @Success 201 {object} response.Envelope
// @Router /courses/{courseId}/students/{studentId}/enrollment [post]
func (h *EnrollmentHandler) EnrollStudent(c *gin.Context) {
	result, err := h.subscriptions.EnrollStudent(c.Request.Context(), c.Param("courseId"), c.Param("studentId"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	status := http.StatusCreated
	if result.Outcome != models.EnrollOutcomeCreated {
		status = http.StatusOK
	}
	response.JSON(c, status, result)
}

// UnenrollStudent godoc
// @Summary Cancel a roster student's enrollment
// @Tags Enrollments
// @Produce json
// @Param courseId path string true "Course ID"
// @Param studentId path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Router /courses/{courseId}/students/{studentId}/enrollment [delete]
func (h *EnrollmentHandler) UnenrollStudent(c *gin.Context) {
	sub, err := h.subscriptions.UnenrollStudent(c.Request.Context(), c.Param("courseId"), c.Param("studentId"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, sub)
}

// MyCourses godoc
// @Summary List the caller's active courses
// @Tags Enrollments
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /me/courses [get]
func (h *EnrollmentHandler) MyCourses(c *gin.Context) {
	courses, err := h.queries.MyActiveCourses(c.Request.Context(), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, courses, map[string]interface{}{"total": len(courses)})
}
