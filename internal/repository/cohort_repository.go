package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/code-moran/grading-app-sub002/internal/models"
)

// CohortRepository reads cohorts.
type CohortRepository struct {
	db *sqlx.DB
}

// NewCohortRepository constructs a CohortRepository.
func NewCohortRepository(db *sqlx.DB) *CohortRepository {
	return &CohortRepository{db: db}
}

// FindByID returns a cohort by ID.
func (r *CohortRepository) FindByID(ctx context.Context, id string) (*models.Cohort, error) {
	const query = `SELECT id, name, active, start_date, end_date, created_at, updated_at FROM cohorts WHERE id = $1 LIMIT 1`
	var cohort models.Cohort
	if err := r.db.GetContext(ctx, &cohort, query, id); err != nil {
		return nil, err
	}
	return &cohort, nil
}
