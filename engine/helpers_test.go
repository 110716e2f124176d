package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"cadencely/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testTenant uint = 1

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []DispatchRequest
	err   error
	// failFor makes dispatch fail only for these channels.
	failFor map[models.Channel]bool
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, req)
	if d.err != nil {
		return nil, d.err
	}
	if d.failFor[req.Channel] {
		return nil, errDispatch
	}
	return &DispatchResult{}, nil
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *fakeDispatcher) last() DispatchRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[len(d.calls)-1]
}

type fakeGenerator struct {
	mu      sync.Mutex
	calls   int
	err     error
	content *GeneratedContent
}

func (g *fakeGenerator) GenerateStepContent(ctx context.Context, req ContentRequest) (*GeneratedContent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	if g.content != nil {
		c := *g.content
		return &c, nil
	}
	return &GeneratedContent{
		Subject: "Hi " + req.Contact.FirstName,
		Body:    "Generated for " + req.Contact.FirstName,
	}, nil
}

type errString string

func (e errString) Error() string { return string(e) }

const errDispatch = errString("provider rejected message")

type testEnv struct {
	eng        *Engine
	db         *gorm.DB
	clock      *fakeClock
	dispatcher *fakeDispatcher
	generator  *fakeGenerator
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// in-memory databases are per connection
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := setupTestDB(t)
	clock := &fakeClock{now: t0}
	dispatcher := &fakeDispatcher{}
	generator := &fakeGenerator{}

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	eng := New(Deps{
		DB:         db,
		Generator:  generator,
		Dispatcher: dispatcher,
		Clock:      clock.Now,
		Logger:     logrus.NewEntry(log),
		Options:    Options{WorkerID: "test", MessageIDDomain: "cadencely.test"},
	})
	return &testEnv{eng: eng, db: db, clock: clock, dispatcher: dispatcher, generator: generator}
}

func (e *testEnv) contact(t *testing.T, first string) *models.Contact {
	t.Helper()
	c := &models.Contact{
		TenantID:    testTenant,
		Email:       first + "@example.com",
		FirstName:   first,
		LastName:    "Tester",
		Title:       "CTO",
		LinkedInURL: "https://linkedin.com/in/" + first,
	}
	require.NoError(t, e.db.Create(c).Error)
	return c
}

func emailStep(n, delay int) StepInput {
	return StepInput{
		StepNumber:      n,
		Channel:         models.ChannelEmail,
		DelayDays:       delay,
		SubjectTemplate: "Step {{first_name}}",
		BodyTemplate:    "Hello {{first_name}}",
	}
}

func (e *testEnv) sequence(t *testing.T, steps ...StepInput) *models.Sequence {
	t.Helper()
	seq, err := e.eng.Definitions.CreateSequence(context.Background(), testTenant, 1, SequenceInput{
		Name:  "Outbound",
		Steps: steps,
	})
	require.NoError(t, err)
	return e.activate(t, seq)
}

func (e *testEnv) activate(t *testing.T, seq *models.Sequence) *models.Sequence {
	t.Helper()
	seq, err := e.eng.Definitions.SetStatus(context.Background(), testTenant, seq.ID, models.SequenceActive)
	require.NoError(t, err)
	return seq
}

func (e *testEnv) enroll(t *testing.T, seq *models.Sequence, contacts ...*models.Contact) []uint {
	t.Helper()
	ids := make([]uint, len(contacts))
	for i, c := range contacts {
		ids[i] = c.ID
	}
	res, err := e.eng.Enrollments.Enroll(context.Background(), testTenant, 1, seq.ID, ids)
	require.NoError(t, err)
	require.Equal(t, len(contacts), res.Enrolled)
	return res.EnrollmentIDs
}

func (e *testEnv) executions(t *testing.T, enrollmentID uint) []models.StepExecution {
	t.Helper()
	var execs []models.StepExecution
	require.NoError(t, e.db.Where("enrollment_id = ?", enrollmentID).Order("id ASC").Find(&execs).Error)
	return execs
}

func (e *testEnv) enrollment(t *testing.T, id uint) *models.Enrollment {
	t.Helper()
	var enr models.Enrollment
	require.NoError(t, e.db.First(&enr, id).Error)
	return &enr
}

func (e *testEnv) tick(t *testing.T) *TickResult {
	t.Helper()
	res, err := e.eng.Scheduler.Tick(context.Background())
	require.NoError(t, err)
	return res
}
