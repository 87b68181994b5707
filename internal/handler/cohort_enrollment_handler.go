package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/code-moran/grading-app-sub002/internal/dto"
	"github.com/code-moran/grading-app-sub002/internal/models"
	"github.com/code-moran/grading-app-sub002/pkg/response"
)

type cohortEnrollmentService interface {
	EnrollCohort(ctx context.Context, courseID, cohortID string, actor *models.JWTClaims) (*dto.CohortEnrollResult, error)
	UnenrollCohort(ctx context.Context, courseID, cohortID string, actor *models.JWTClaims) (*dto.CohortUnenrollResult, error)
}

// CohortEnrollmentHandler exposes bulk cohort endpoints.
type CohortEnrollmentHandler struct {
	cohorts cohortEnrollmentService
	queries enrollmentQueries
}

// NewCohortEnrollmentHandler constructs CohortEnrollmentHandler.
func NewCohortEnrollmentHandler(cohorts cohortEnrollmentService, queries enrollmentQueries) *CohortEnrollmentHandler {
	return &CohortEnrollmentHandler{cohorts: cohorts, queries: queries}
}

// EnrollCohort godoc
// @Summary Enroll every member of a cohort
// @Description Members are reported in enrolled, already_enrolled or errors. Per-member failures do not fail the request.
// @Tags Cohorts
// @Produce json
// @Param courseId path string true "Course ID"
// @Param cohortId path string true "Cohort ID"
// @Success 200 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /courses/{courseId}/cohorts/{cohortId}/enrollments [post]
func (h *CohortEnrollmentHandler) EnrollCohort(c *gin.Context) {
	result, err := h.cohorts.EnrollCohort(c.Request.Context(), c.Param("courseId"), c.Param("cohortId"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, map[string]interface{}{
		"enrolled":         len(result.Enrolled),
		"already_enrolled": len(result.AlreadyEnrolled),
		"errors":           len(result.Errors),
	})
}

// UnenrollCohort godoc
// @Summary Cancel the enrollment of every member of a cohort
// @Tags Cohorts
// @Produce json
// @Param courseId path string true "Course ID"
// @Param cohortId path string true "Cohort ID"
// @Success 200 {object} response.Envelope
// @Router /courses/{courseId}/cohorts/{cohortId}/enrollments [delete]
func (h *CohortEnrollmentHandler) UnenrollCohort(c *gin.Context) {
	result, err := h.cohorts.UnenrollCohort(c.Request.Context(), c.Param("courseId"), c.Param("cohortId"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, map[string]interface{}{
		"unenrolled":   len(result.Unenrolled),
		"not_enrolled": len(result.NotEnrolled),
		"errors":       len(result.Errors),
	})
}

// CourseCohorts godoc
// @Summary List cohorts with members enrolled in a course
// @Tags Cohorts
// @Produce json
// @Param courseId path string true "Course ID"
// @Success 200 {object} response.Envelope
// @Router /courses/{courseId}/cohorts [get]
func (h *CohortEnrollmentHandler) CourseCohorts(c *gin.Context) {
	cohorts, err := h.queries.CourseCohorts(c.Request.Context(), c.Param("courseId"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, cohorts, map[string]interface{}{"total": len(cohorts)})
}
