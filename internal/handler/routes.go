package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/code-moran/grading-app-sub002/internal/middleware"
)

// Routes groups the handlers mounted under the API prefix.
type Routes struct {
	Enrollments *EnrollmentHandler
	Cohorts     *CohortEnrollmentHandler
	Metrics     *MetricsHandler
}

// RegisterRoutes mounts the observability endpoints on r and the enrollment
// API under prefix. auth authenticates the caller and staff restricts a route
// to course staff.
func RegisterRoutes(r gin.IRouter, prefix string, routes Routes, auth, staff gin.HandlerFunc) {
	if routes.Metrics != nil {
		r.GET("/health", routes.Metrics.Health)
		r.GET("/ready", routes.Metrics.Ready)
		r.GET("/metrics", routes.Metrics.Prometheus)
		r.GET("/metrics/snapshot", routes.Metrics.Snapshot)
	}

	api := r.Group(prefix)
	api.Use(auth, middleware.AuditContext())

	api.GET("/me/courses", routes.Enrollments.MyCourses)

	courses := api.Group("/courses/:courseId")
	courses.POST("/enrollments", routes.Enrollments.EnrollSelf)
	courses.GET("/enrollments/me", routes.Enrollments.Status)
	courses.DELETE("/enrollments/me", routes.Enrollments.UnenrollSelf)

	managed := courses.Group("", staff)
	managed.POST("/students/:studentId/enrollment", routes.Enrollments.EnrollStudent)
	managed.DELETE("/students/:studentId/enrollment", routes.Enrollments.UnenrollStudent)
	managed.GET("/cohorts", routes.Cohorts.CourseCohorts)
	managed.POST("/cohorts/:cohortId/enrollments", routes.Cohorts.EnrollCohort)
	managed.DELETE("/cohorts/:cohortId/enrollments", routes.Cohorts.UnenrollCohort)
}
