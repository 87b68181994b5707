package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target carries the same code, so clones with overridden
// messages still match their predefined error.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	var t *Error
	if !errors.As(target, &t) || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Generic errors shared by every endpoint.
var (
	ErrNotFound           = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrForbidden          = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrUnauthorized       = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrConflict           = New("CONFLICT", http.StatusConflict, "conflict")
	ErrPreconditionFailed = New("PRECONDITION_FAILED", http.StatusPreconditionFailed, "precondition failed")
	ErrValidation         = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal           = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
	ErrCacheMiss          = New("CACHE_MISS", http.StatusNotFound, "cache miss")
)

// Enrollment errors.
var (
	ErrAlreadyEnrolled          = New("ALREADY_ENROLLED", http.StatusConflict, "already enrolled in course")
	ErrNotEnrolled              = New("NOT_ENROLLED", http.StatusNotFound, "no active enrollment for course")
	ErrCourseNotFound           = New("COURSE_NOT_FOUND", http.StatusNotFound, "course not found")
	ErrCourseInactive           = New("COURSE_INACTIVE", http.StatusPreconditionFailed, "course is not active")
	ErrCohortNotFound           = New("COHORT_NOT_FOUND", http.StatusNotFound, "cohort not found")
	ErrEmptyCohort              = New("EMPTY_COHORT", http.StatusUnprocessableEntity, "cohort has no members")
	ErrStudentNotFound          = New("STUDENT_NOT_FOUND", http.StatusNotFound, "student not found")
	ErrStudentProfileNotFound   = New("STUDENT_PROFILE_NOT_FOUND", http.StatusNotFound, "no student profile for identity")
	ErrEnrollmentManagedByStaff = New("ENROLLMENT_MANAGED_BY_STAFF", http.StatusForbidden, "enrollment was set up by course staff; contact the course instructor to be removed")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}
