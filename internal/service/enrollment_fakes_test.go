package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/code-moran/grading-app-sub002/internal/dto"
	"github.com/code-moran/grading-app-sub002/internal/models"
	"github.com/code-moran/grading-app-sub002/internal/repository"
	appErrors "github.com/code-moran/grading-app-sub002/pkg/errors"
)

// memStore is an in-memory stand-in for the enrollment tables. Its Enroll and
// Cancel follow the same branch rules as SubscriptionRepository.
type memStore struct {
	mu       sync.Mutex
	now      time.Time
	seq      int
	courses  map[string]*models.Course
	cohorts  map[string]*models.Cohort
	students map[string]*models.Student
	users    map[string]*models.User
	subs     []*models.Subscription
	failFor  map[string]error
	calls    int
}

func newMemStore() *memStore {
	return &memStore{
		now:      time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC),
		courses:  map[string]*models.Course{},
		cohorts:  map[string]*models.Cohort{},
		students: map[string]*models.Student{},
		users:    map[string]*models.User{},
		failFor:  map[string]error{},
	}
}

func (m *memStore) tick() time.Time {
	m.now = m.now.Add(time.Minute)
	return m.now
}

func (m *memStore) addCourse(id string, active bool, instructorID string) *models.Course {
	c := &models.Course{ID: id, Title: strings.ToUpper(id), Active: active}
	if instructorID != "" {
		c.InstructorID = strPtr(instructorID)
	}
	m.courses[id] = c
	return c
}

func (m *memStore) addCohort(id, name string) {
	m.cohorts[id] = &models.Cohort{ID: id, Name: name, Active: true}
}

func (m *memStore) addStudent(id, name, cohortID, userID string) *models.Student {
	s := &models.Student{ID: id, RegistrationNumber: "REG-" + id, FullName: name}
	if cohortID != "" {
		s.CohortID = strPtr(cohortID)
	}
	if userID != "" {
		s.UserID = strPtr(userID)
	}
	m.students[id] = s
	return s
}

func (m *memStore) addUser(id string, role models.UserRole, createdAt time.Time) *models.User {
	u := &models.User{ID: id, Email: id + "@example.com", FullName: "User " + id, Role: role, Active: true, CreatedAt: createdAt}
	m.users[id] = u
	return u
}

func (m *memStore) rowsFor(courseID string) []*models.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Subscription
	for _, s := range m.subs {
		if s.CourseID == courseID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out
}

func matchesKey(s *models.Subscription, userID, studentID string) bool {
	return (userID != "" && s.UserID != nil && *s.UserID == userID) ||
		(studentID != "" && s.StudentID != nil && *s.StudentID == studentID)
}

func (m *memStore) Enroll(ctx context.Context, params repository.SubscriptionEnrollParams) (*models.Subscription, models.EnrollOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if err := m.failFor[params.StudentID]; err != nil {
		return nil, "", err
	}
	course, ok := m.courses[params.CourseID]
	if !ok {
		return nil, "", sql.ErrNoRows
	}
	if !course.Active {
		return nil, "", repository.ErrCourseInactive
	}

	var matches []*models.Subscription
	for _, s := range m.subs {
		if s.CourseID == params.CourseID && matchesKey(s, params.UserID, params.StudentID) {
			matches = append(matches, s)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].IsActive() != matches[j].IsActive() {
			return matches[i].IsActive()
		}
		return matches[i].SubscribedAt.After(matches[j].SubscribedAt)
	})

	now := m.tick()
	var active int
	for _, s := range matches {
		if s.IsActive() {
			active++
		}
	}
	switch {
	case active > 0:
		row := matches[0]
		if active == 1 {
			if row.UserID == nil && params.UserID != "" {
				row.UserID = strPtr(params.UserID)
			}
			if row.StudentID == nil && params.StudentID != "" {
				row.StudentID = strPtr(params.StudentID)
			}
		}
		cp := *row
		return &cp, models.EnrollOutcomeAlreadyActive, nil
	case len(matches) > 0:
		row := matches[0]
		row.Status = models.SubscriptionStatusActive
		if params.UserID != "" {
			row.UserID = strPtr(params.UserID)
		}
		if params.StudentID != "" {
			row.StudentID = strPtr(params.StudentID)
		}
		src := params.EnrolledBy
		row.EnrolledBy = &src
		row.SubscribedAt = now
		row.UpdatedAt = now
		cp := *row
		return &cp, models.EnrollOutcomeReactivated, nil
	default:
		m.seq++
		src := params.EnrolledBy
		row := &models.Subscription{
			ID:           fmt.Sprintf("sub-%d", m.seq),
			CourseID:     params.CourseID,
			Status:       models.SubscriptionStatusActive,
			EnrolledBy:   &src,
			SubscribedAt: now,
			UpdatedAt:    now,
		}
		if params.UserID != "" {
			row.UserID = strPtr(params.UserID)
		}
		if params.StudentID != "" {
			row.StudentID = strPtr(params.StudentID)
		}
		m.subs = append(m.subs, row)
		cp := *row
		return &cp, models.EnrollOutcomeCreated, nil
	}
}

func (m *memStore) Cancel(ctx context.Context, courseID, userID, studentID string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.failFor[studentID]; err != nil {
		return nil, err
	}
	now := m.tick()
	var latest *models.Subscription
	for _, s := range m.subs {
		if s.CourseID == courseID && s.IsActive() && matchesKey(s, userID, studentID) {
			s.Status = models.SubscriptionStatusCancelled
			s.UpdatedAt = now
			if latest == nil || s.SubscribedAt.After(latest.SubscribedAt) {
				latest = s
			}
		}
	}
	if latest == nil {
		return nil, repository.ErrNoActiveSubscription
	}
	cp := *latest
	return &cp, nil
}

func (m *memStore) CancelSubscriptions(ctx context.Context, courseID string, ids []string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	listed := map[string]bool{}
	for _, id := range ids {
		listed[id] = true
	}
	now := m.tick()
	var latest *models.Subscription
	for _, s := range m.subs {
		if s.CourseID == courseID && s.IsActive() && listed[s.ID] {
			s.Status = models.SubscriptionStatusCancelled
			s.UpdatedAt = now
			if latest == nil || s.SubscribedAt.After(latest.SubscribedAt) {
				latest = s
			}
		}
	}
	if latest == nil {
		return nil, repository.ErrNoActiveSubscription
	}
	cp := *latest
	return &cp, nil
}

// ListActive orders matches newest first, as the repository query does.
func (m *memStore) ListActive(ctx context.Context, courseID, userID, studentID string) ([]models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Subscription, 0)
	for _, s := range m.subs {
		if s.CourseID == courseID && s.IsActive() && matchesKey(s, userID, studentID) {
			out = append(out, *s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SubscribedAt.After(out[j].SubscribedAt) })
	return out, nil
}

// FindActive returns the newest active row for either key.
func (m *memStore) FindActive(ctx context.Context, courseID, userID, studentID string) (*models.Subscription, error) {
	rows, err := m.ListActive(ctx, courseID, userID, studentID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, sql.ErrNoRows
	}
	return &rows[0], nil
}

// enrolleeOf maps a subscription to its roster student through either key.
func (m *memStore) enrolleeOf(s *models.Subscription) *models.Student {
	if s.StudentID != nil {
		if st, ok := m.students[*s.StudentID]; ok {
			return st
		}
	}
	if s.UserID != nil {
		for _, st := range m.students {
			if st.LinkedUserID() == *s.UserID {
				return st
			}
		}
	}
	return nil
}

func (m *memStore) CountActiveCohortMembers(ctx context.Context, courseID, cohortID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	for _, s := range m.subs {
		if s.CourseID != courseID || !s.IsActive() {
			continue
		}
		if st := m.enrolleeOf(s); st != nil && st.CohortID != nil && *st.CohortID == cohortID {
			seen[st.ID] = true
		}
	}
	return len(seen), nil
}

func (m *memStore) ListActiveCourses(ctx context.Context, userID, studentID string) ([]dto.EnrolledCourse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byCourse := map[string]dto.EnrolledCourse{}
	for _, s := range m.subs {
		course, ok := m.courses[s.CourseID]
		if !ok || !course.Active || !s.IsActive() || !matchesKey(s, userID, studentID) {
			continue
		}
		if existing, ok := byCourse[course.ID]; ok && !s.SubscribedAt.After(existing.SubscribedAt) {
			continue
		}
		byCourse[course.ID] = dto.EnrolledCourse{CourseID: course.ID, Title: course.Title, SubscribedAt: s.SubscribedAt, EnrolledBy: s.EnrolledBy}
	}
	out := make([]dto.EnrolledCourse, 0, len(byCourse))
	for _, c := range byCourse {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out, nil
}

func (m *memStore) ListCourseCohorts(ctx context.Context, courseID string) ([]dto.CourseCohort, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	enrolled := map[string]map[string]bool{}
	for _, s := range m.subs {
		if s.CourseID != courseID || !s.IsActive() {
			continue
		}
		st := m.enrolleeOf(s)
		if st == nil || st.CohortID == nil {
			continue
		}
		if enrolled[*st.CohortID] == nil {
			enrolled[*st.CohortID] = map[string]bool{}
		}
		enrolled[*st.CohortID][st.ID] = true
	}
	out := make([]dto.CourseCohort, 0, len(enrolled))
	for cohortID, members := range enrolled {
		total := 0
		for _, st := range m.students {
			if st.CohortID != nil && *st.CohortID == cohortID {
				total++
			}
		}
		cohort := m.cohorts[cohortID]
		out = append(out, dto.CourseCohort{CohortID: cohortID, Name: cohort.Name, Active: cohort.Active, EnrolledMembers: len(members), TotalMembers: total})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Lookup adapters over the same maps.

type memCourses struct{ m *memStore }

func (r memCourses) FindByID(ctx context.Context, id string) (*models.Course, error) {
	if c, ok := r.m.courses[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, sql.ErrNoRows
}

type memCohorts struct{ m *memStore }

func (r memCohorts) FindByID(ctx context.Context, id string) (*models.Cohort, error) {
	if c, ok := r.m.cohorts[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, sql.ErrNoRows
}

type memStudents struct{ m *memStore }

func (r memStudents) FindByID(ctx context.Context, id string) (*models.Student, error) {
	if s, ok := r.m.students[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, sql.ErrNoRows
}

func (r memStudents) FindByUserID(ctx context.Context, userID string) (*models.Student, error) {
	for _, s := range r.m.students {
		if s.LinkedUserID() == userID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (r memStudents) ListByCohort(ctx context.Context, cohortID string) ([]models.Student, error) {
	var out []models.Student
	for _, s := range r.m.students {
		if s.CohortID != nil && *s.CohortID == cohortID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memUsers struct{ m *memStore }

func (r memUsers) FindByID(ctx context.Context, id string) (*models.User, error) {
	if u, ok := r.m.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, sql.ErrNoRows
}

// memCache mimics Redis with JSON payloads so decoding paths are exercised.
type memCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newMemCache() *memCache { return &memCache{entries: map[string][]byte{}} }

func (c *memCache) Get(ctx context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.entries[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (c *memCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = raw
	return nil
}

func (c *memCache) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}

func (c *memCache) DeleteByPattern(ctx context.Context, pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
	return nil
}

func (c *memCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// enrollmentFixture wires every enrollment service over one memStore.
type enrollmentFixture struct {
	store      *memStore
	cache      *memCache
	metrics    *MetricsService
	resolver   *IdentityResolver
	classifier *ProvenanceClassifier
	subs       *SubscriptionService
	cohorts    *CohortEnrollmentService
	queries    *EnrollmentQueryService
}

func newEnrollmentFixture(mode string, cfg CohortEnrollmentConfig) *enrollmentFixture {
	store := newMemStore()
	cache := newMemCache()
	metrics := NewMetricsService()
	cacheSvc := NewCacheService(cache, metrics, time.Minute, nil, true)
	resolver := NewIdentityResolver(memStudents{store}, memUsers{store}, nil)
	classifier := NewProvenanceClassifier(store, memUsers{store}, mode, metrics, nil)
	return &enrollmentFixture{
		store:      store,
		cache:      cache,
		metrics:    metrics,
		resolver:   resolver,
		classifier: classifier,
		subs: NewSubscriptionService(store, memCourses{store}, memStudents{store}, memUsers{store},
			resolver, classifier, cacheSvc, nil, metrics, nil, nil),
		cohorts: NewCohortEnrollmentService(store, memCourses{store}, memCohorts{store}, memStudents{store},
			cacheSvc, nil, metrics, nil, nil, cfg),
		queries: NewEnrollmentQueryService(store, memCourses{store}, resolver, cacheSvc, nil),
	}
}

func claimsFor(userID string, role models.UserRole) *models.JWTClaims {
	return &models.JWTClaims{UserID: userID, Role: role}
}

func strPtr(v string) *string { return &v }
