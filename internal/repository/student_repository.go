package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/code-moran/grading-app-sub002/internal/models"
)

// studentSelect resolves the linked identity through both link shapes so every
// read path reports the same user_id for a student.
const studentSelect = `SELECT s.id, s.registration_number, s.full_name, COALESCE(s.user_id, u.id) AS user_id, s.cohort_id, s.created_at, s.updated_at
FROM students s LEFT JOIN users u ON u.student_id = s.id`

// StudentRepository reads student roster records.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository constructs a StudentRepository.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

// FindByID returns a student by primary key. sql.ErrNoRows is returned as is.
func (r *StudentRepository) FindByID(ctx context.Context, id string) (*models.Student, error) {
	query := studentSelect + ` WHERE s.id = $1 LIMIT 1`
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, id); err != nil {
		return nil, err
	}
	return &student, nil
}

// FindByUserID follows the student-side link (students.user_id).
func (r *StudentRepository) FindByUserID(ctx context.Context, userID string) (*models.Student, error) {
	query := studentSelect + ` WHERE s.user_id = $1 LIMIT 1`
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, userID); err != nil {
		return nil, err
	}
	return &student, nil
}

// ListByCohort returns every member of a cohort ordered by name.
func (r *StudentRepository) ListByCohort(ctx context.Context, cohortID string) ([]models.Student, error) {
	query := studentSelect + ` WHERE s.cohort_id = $1 ORDER BY s.full_name, s.id`
	var students []models.Student
	if err := r.db.SelectContext(ctx, &students, query, cohortID); err != nil {
		return nil, fmt.Errorf("list cohort students: %w", err)
	}
	return students, nil
}
