package service

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"github.com/code-moran/grading-app-sub002/internal/models"
	"github.com/code-moran/grading-app-sub002/pkg/config"
	appErrors "github.com/code-moran/grading-app-sub002/pkg/errors"
)

// ProvenanceSignal names the rule that decided a classification.
type ProvenanceSignal string

const (
	SignalExplicitTag       ProvenanceSignal = "explicit_tag"
	SignalCohortCardinality ProvenanceSignal = "cohort_cardinality"
	SignalTemporal          ProvenanceSignal = "temporal"
	SignalNone              ProvenanceSignal = "none"
)

// ProvenanceDecision is the classifier verdict for one subscription.
type ProvenanceDecision struct {
	Administrative bool
	Signal         ProvenanceSignal
}

type cohortSubscriptionCounter interface {
	CountActiveCohortMembers(ctx context.Context, courseID, cohortID string) (int, error)
}

// ProvenanceClassifier labels a subscription as self-initiated or set up by
// staff. Rows carrying an enrolled_by tag are decided by it in explicit mode;
// untagged rows, and every row in heuristic mode, fall back to the cohort
// cardinality and temporal signals.
type ProvenanceClassifier struct {
	counter cohortSubscriptionCounter
	users   userLookup
	mode    string
	metrics *MetricsService
	logger  *zap.Logger
}

// NewProvenanceClassifier constructs a classifier for the given mode.
func NewProvenanceClassifier(counter cohortSubscriptionCounter, users userLookup, mode string, metrics *MetricsService, logger *zap.Logger) *ProvenanceClassifier {
	if mode != config.ProvenanceModeHeuristic {
		mode = config.ProvenanceModeExplicit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProvenanceClassifier{counter: counter, users: users, mode: mode, metrics: metrics, logger: logger}
}

// WasAdministrativelyEnrolled reports whether sub was imposed by staff.
func (c *ProvenanceClassifier) WasAdministrativelyEnrolled(ctx context.Context, sub *models.Subscription, student *models.Student) (bool, error) {
	decision, err := c.Classify(ctx, sub, student)
	if err != nil {
		return false, err
	}
	return decision.Administrative, nil
}

// Classify returns the verdict together with the signal that produced it.
func (c *ProvenanceClassifier) Classify(ctx context.Context, sub *models.Subscription, student *models.Student) (ProvenanceDecision, error) {
	if sub == nil {
		return ProvenanceDecision{Signal: SignalNone}, nil
	}
	decision, err := c.classify(ctx, sub, student)
	if err != nil {
		return ProvenanceDecision{}, err
	}
	c.metrics.RecordProvenance(string(decision.Signal), decision.Administrative)
	return decision, nil
}

func (c *ProvenanceClassifier) classify(ctx context.Context, sub *models.Subscription, student *models.Student) (ProvenanceDecision, error) {
	if c.mode == config.ProvenanceModeExplicit && sub.EnrolledBy != nil {
		return ProvenanceDecision{
			Administrative: *sub.EnrolledBy != models.EnrollmentSourceSelf,
			Signal:         SignalExplicitTag,
		}, nil
	}
	if student == nil {
		return ProvenanceDecision{Signal: SignalNone}, nil
	}

	if student.CohortID != nil && *student.CohortID != "" {
		count, err := c.counter.CountActiveCohortMembers(ctx, sub.CourseID, *student.CohortID)
		if err != nil {
			return ProvenanceDecision{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count cohort enrollments")
		}
		if count > 1 {
			return ProvenanceDecision{Administrative: true, Signal: SignalCohortCardinality}, nil
		}
	}

	if userID := student.LinkedUserID(); userID != "" {
		user, err := c.users.FindByID(ctx, userID)
		switch {
		case err == nil:
			if sub.SubscribedAt.Before(user.CreatedAt) {
				return ProvenanceDecision{Administrative: true, Signal: SignalTemporal}, nil
			}
		case errors.Is(err, sql.ErrNoRows):
			c.logger.Warn("linked user missing during provenance check", zap.String("user_id", userID), zap.String("student_id", student.ID))
		default:
			return ProvenanceDecision{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load linked user")
		}
	}

	return ProvenanceDecision{Signal: SignalNone}, nil
}
