package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-moran/grading-app-sub002/internal/models"
	"github.com/code-moran/grading-app-sub002/pkg/jobs"
)

type captureQueue struct {
	jobs []jobs.Job
	err  error
}

func (q *captureQueue) TryEnqueue(job jobs.Job) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type captureWriter struct {
	logs []*models.AuditLog
	err  error
}

func (w *captureWriter) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	if w.err != nil {
		return w.err
	}
	w.logs = append(w.logs, log)
	return nil
}

func TestAuditRecordEnqueuesEntry(t *testing.T) {
	queue := &captureQueue{}
	svc := NewAuditService(queue, nil)
	ctx := WithAuditMeta(context.Background(), AuditMeta{IPAddress: "10.0.0.1", UserAgent: "test-agent"})

	svc.Record(ctx, claimsFor("teacher-1", models.RoleTeacher), models.AuditActionCohortEnroll, cohortResource, "cohort-a",
		nil, map[string]int{"enrolled": 3})

	require.Len(t, queue.jobs, 1)
	job := queue.jobs[0]
	assert.Equal(t, auditJobType, job.Type)
	entry, ok := job.Payload.(*models.AuditLog)
	require.True(t, ok)
	assert.Equal(t, job.ID, entry.ID)
	assert.Equal(t, "teacher-1", *entry.UserID)
	assert.Equal(t, "cohort-a", *entry.ResourceID)
	assert.Equal(t, "10.0.0.1", entry.IPAddress)
	assert.Equal(t, "test-agent", entry.UserAgent)
	assert.Nil(t, entry.OldValues)

	var decoded map[string]int
	require.NoError(t, json.Unmarshal(entry.NewValues, &decoded))
	assert.Equal(t, 3, decoded["enrolled"])
}

func TestAuditRecordToleratesFullQueue(t *testing.T) {
	svc := NewAuditService(&captureQueue{err: jobs.ErrQueueFull}, nil)
	assert.NotPanics(t, func() {
		svc.Record(context.Background(), nil, models.AuditActionEnrollmentCancel, subscriptionResource, "", nil, nil)
	})

	var disabled *AuditService
	assert.NotPanics(t, func() {
		disabled.Record(context.Background(), nil, models.AuditActionEnrollmentCancel, subscriptionResource, "", nil, nil)
	})
}

func TestAuditWorkerWritesEntry(t *testing.T) {
	writer := &captureWriter{}
	worker := NewAuditWorker(writer, nil)
	entry := &models.AuditLog{ID: "log-1", Action: models.AuditActionEnrollmentCreate}

	require.NoError(t, worker.Handle(context.Background(), jobs.Job{ID: "log-1", Type: auditJobType, Payload: entry}))
	require.Len(t, writer.logs, 1)
	assert.Same(t, entry, writer.logs[0])

	assert.NoError(t, worker.Handle(context.Background(), jobs.Job{ID: "bad", Payload: "not an entry"}))
	assert.Len(t, writer.logs, 1)

	writer.err = errors.New("insert failed")
	assert.Error(t, worker.Handle(context.Background(), jobs.Job{ID: "log-2", Payload: entry}))
}
