package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cadencely/models"
	"cadencely/queue"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTick_FollowsStepDelays(t *testing.T) {
	env := newTestEnv(t)
	seq := env.sequence(t, emailStep(1, 0), emailStep(2, 2), emailStep(3, 5))
	ids := env.enroll(t, seq, env.contact(t, "ada"))

	res := env.tick(t)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, "Step ada", env.dispatcher.last().Subject)
	assert.Equal(t, "Hello ada", env.dispatcher.last().Body)

	execs := env.executions(t, ids[0])
	require.Len(t, execs, 2)
	assert.Equal(t, models.ExecutionSent, execs[0].Status)
	assert.Equal(t, "<"+execs[0].TrackingID+"@cadencely.test>", execs[0].MessageID)
	assert.True(t, execs[1].ScheduledFor.Equal(t0.Add(days(2))))
	assert.Equal(t, 2, env.enrollment(t, ids[0]).CurrentStep)

	// nothing is due a day later
	env.clock.Advance(days(1))
	res = env.tick(t)
	assert.Zero(t, res.Sent)
	assert.Equal(t, 1, env.dispatcher.count())

	env.clock.Advance(days(1))
	res = env.tick(t)
	assert.Equal(t, 1, res.Sent)

	execs = env.executions(t, ids[0])
	require.Len(t, execs, 3)
	assert.True(t, execs[2].ScheduledFor.Equal(t0.Add(days(7))))

	env.clock.Advance(days(5))
	res = env.tick(t)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 3, env.dispatcher.count())

	enr := env.enrollment(t, ids[0])
	assert.Equal(t, models.EnrollmentCompleted, enr.Status)
	assert.NotNil(t, enr.CompletedAt)

	// a completed enrollment produces nothing further
	env.clock.Advance(days(30))
	res = env.tick(t)
	assert.Zero(t, res.Sent)
	assert.Len(t, env.executions(t, ids[0]), 3)
}

func TestTick_GenerationFailureIsRetried(t *testing.T) {
	env := newTestEnv(t)
	seq := env.sequence(t, StepInput{StepNumber: 1, Channel: models.ChannelEmail, AIPersonalization: true, AIPrompt: "be brief"})
	ids := env.enroll(t, seq, env.contact(t, "ada"))

	env.generator.err = errors.New("model overloaded")
	res := env.tick(t)
	assert.Equal(t, 1, res.GenerationFailed)
	assert.Zero(t, res.Sent)

	execs := env.executions(t, ids[0])
	require.Len(t, execs, 1)
	assert.Equal(t, models.ExecutionPendingReview, execs[0].Status)
	assert.Contains(t, execs[0].ErrorMessage, "model overloaded")

	env.generator.err = nil
	res = env.tick(t)
	assert.Equal(t, 1, res.Generated)
	assert.Equal(t, 1, res.Sent)

	sent := env.dispatcher.last()
	assert.Equal(t, "Hi ada", sent.Subject)
	assert.Equal(t, "Generated for ada", sent.Body)

	execs = env.executions(t, ids[0])
	assert.Equal(t, models.ExecutionSent, execs[0].Status)
	assert.Empty(t, execs[0].ErrorMessage)
	assert.Equal(t, models.EnrollmentCompleted, env.enrollment(t, ids[0]).Status)
}

func TestGenerate_ReviewModeWaitsForApproval(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seq, err := env.eng.Definitions.CreateSequence(ctx, testTenant, 1, SequenceInput{
		Name:     "Reviewed",
		Settings: map[string]interface{}{"review_ai_content": true},
		Steps:    []StepInput{{StepNumber: 1, Channel: models.ChannelCall, AIPersonalization: true}},
	})
	require.NoError(t, err)
	seq = env.activate(t, seq)
	env.generator.content = &GeneratedContent{Body: "Opening\n\nCall to action: demo", TalkingPoints: []string{"a", "b"}}
	ids := env.enroll(t, seq, env.contact(t, "ada"))

	res := env.tick(t)
	assert.Equal(t, 1, res.Generated)
	assert.Zero(t, res.Sent)

	execs := env.executions(t, ids[0])
	require.Len(t, execs, 1)
	assert.Equal(t, models.ExecutionPendingReview, execs[0].Status)
	assert.Equal(t, []string{"a", "b"}, execs[0].TalkingPoints)

	// generated content is not regenerated while it waits
	env.tick(t)
	assert.Equal(t, 1, env.generator.calls)

	edited := "Edited opening"
	approved, err := env.eng.Scheduler.Approve(ctx, testTenant, execs[0].ID, ApproveInput{Body: &edited})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionScheduled, approved.Status)

	res = env.tick(t)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, "Edited opening", env.dispatcher.last().Body)
	assert.Equal(t, []string{"a", "b"}, env.dispatcher.last().TalkingPoints)
}

func TestApprove_RequiresContent(t *testing.T) {
	env := newTestEnv(t)
	seq := env.sequence(t, StepInput{StepNumber: 1, Channel: models.ChannelEmail, AIPersonalization: true})
	ids := env.enroll(t, seq, env.contact(t, "ada"))
	execs := env.executions(t, ids[0])

	_, err := env.eng.Scheduler.Approve(context.Background(), testTenant, execs[0].ID, ApproveInput{})
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestTick_DispatchFailureMovesOn(t *testing.T) {
	env := newTestEnv(t)
	env.dispatcher.failFor = map[models.Channel]bool{models.ChannelEmail: true}
	seq := env.sequence(t, emailStep(1, 0), StepInput{StepNumber: 2, Channel: models.ChannelTask, DelayDays: 1, BodyTemplate: "Research {{company}}"})
	ids := env.enroll(t, seq, env.contact(t, "ada"))

	res := env.tick(t)
	assert.Equal(t, 1, res.DispatchFailed)
	assert.Zero(t, res.Errors)

	execs := env.executions(t, ids[0])
	require.Len(t, execs, 2)
	assert.Equal(t, models.ExecutionFailed, execs[0].Status)
	assert.Contains(t, execs[0].ErrorMessage, "provider rejected")
	assert.Equal(t, models.ExecutionScheduled, execs[1].Status)
	assert.True(t, execs[1].ScheduledFor.Equal(t0.Add(days(1))))

	// failed executions are not retried
	env.tick(t)
	assert.Equal(t, 1, env.dispatcher.count())

	env.clock.Advance(days(1))
	res = env.tick(t)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, models.ChannelTask, env.dispatcher.last().Channel)
}

func TestTick_PausedEnrollmentLetsScheduledStepFire(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seq := env.sequence(t, emailStep(1, 0), emailStep(2, 1))
	ids := env.enroll(t, seq, env.contact(t, "ada"))

	_, err := env.eng.Enrollments.SetEnrollmentStatus(ctx, testTenant, ids[0], models.EnrollmentPaused)
	require.NoError(t, err)

	res := env.tick(t)
	assert.Equal(t, 1, res.Sent)
	assert.Len(t, env.executions(t, ids[0]), 1, "no new step while paused")

	env.clock.Advance(days(3))
	res = env.tick(t)
	assert.Zero(t, res.Sent)
	assert.Zero(t, res.Advanced)

	_, err = env.eng.Enrollments.SetEnrollmentStatus(ctx, testTenant, ids[0], models.EnrollmentActive)
	require.NoError(t, err)
	execs := env.executions(t, ids[0])
	require.Len(t, execs, 2)
	assert.Equal(t, models.ExecutionScheduled, execs[1].Status)

	res = env.tick(t)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, models.EnrollmentCompleted, env.enrollment(t, ids[0]).Status)
}

func TestTick_DoNotContactOptsOut(t *testing.T) {
	env := newTestEnv(t)
	seq := env.sequence(t, emailStep(1, 0), emailStep(2, 1))
	ada := env.contact(t, "ada")
	ids := env.enroll(t, seq, ada)

	require.NoError(t, env.db.Model(ada).Update("do_not_contact", true).Error)

	res := env.tick(t)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, env.dispatcher.count())
	assert.Equal(t, models.EnrollmentOptedOut, env.enrollment(t, ids[0]).Status)
	assert.Len(t, env.executions(t, ids[0]), 1)
}

func TestTick_MissingContactFailsStep(t *testing.T) {
	env := newTestEnv(t)
	seq := env.sequence(t, emailStep(1, 0))
	ada := env.contact(t, "ada")
	ids := env.enroll(t, seq, ada)

	require.NoError(t, env.db.Delete(ada).Error)

	res := env.tick(t)
	assert.Equal(t, 1, res.DispatchFailed)
	execs := env.executions(t, ids[0])
	assert.Equal(t, models.ExecutionFailed, execs[0].Status)
	assert.Equal(t, models.EnrollmentCompleted, env.enrollment(t, ids[0]).Status)
}

func TestMaterialize_ConcurrentCallsDispatchOnce(t *testing.T) {
	env := newTestEnv(t)
	seq := env.sequence(t, emailStep(1, 0), emailStep(2, 3))
	ids := env.enroll(t, seq, env.contact(t, "ada"))
	execID := env.executions(t, ids[0])[0].ID

	var wg sync.WaitGroup
	outcomes := make([]MaterializeOutcome, 8)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := env.eng.Scheduler.Materialize(context.Background(), execID)
			assert.NoError(t, err)
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	sent := 0
	for _, o := range outcomes {
		if o == OutcomeSent {
			sent++
		}
	}
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, env.dispatcher.count())
	assert.Len(t, env.executions(t, ids[0]), 2)
}

func TestMaterialize_RespectsForeignClaim(t *testing.T) {
	env := newTestEnv(t)
	seq := env.sequence(t, emailStep(1, 0))
	ids := env.enroll(t, seq, env.contact(t, "ada"))
	exec := env.executions(t, ids[0])[0]

	require.NoError(t, env.db.Model(&exec).Updates(map[string]interface{}{
		"locked_by":    "other-worker",
		"locked_until": t0.Add(time.Minute),
	}).Error)

	out, err := env.eng.Scheduler.Materialize(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeClaimedElsewhere, out)
	assert.Zero(t, env.dispatcher.count())

	// an expired claim is taken over
	env.clock.Advance(2 * time.Minute)
	out, err = env.eng.Scheduler.Materialize(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out)
}

func TestMaterialize_NotDue(t *testing.T) {
	env := newTestEnv(t)
	seq := env.sequence(t, emailStep(1, 2))
	ids := env.enroll(t, seq, env.contact(t, "ada"))

	out, err := env.eng.Scheduler.Materialize(context.Background(), env.executions(t, ids[0])[0].ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotDue, out)
}

func TestAdvance_ConcurrentCallsCreateOneExecution(t *testing.T) {
	env := newTestEnv(t)
	seq := env.sequence(t, emailStep(1, 0), emailStep(2, 1))
	ids := env.enroll(t, seq, env.contact(t, "ada"))

	exec := env.executions(t, ids[0])[0]
	require.NoError(t, env.db.Model(&exec).Updates(map[string]interface{}{
		"status":      models.ExecutionSent,
		"executed_at": t0,
	}).Error)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.eng.Scheduler.Advance(context.Background(), ids[0])
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	execs := env.executions(t, ids[0])
	require.Len(t, execs, 2)
	assert.Equal(t, 2, execs[1].StepNumber)
	assert.Equal(t, 2, env.enrollment(t, ids[0]).CurrentStep)
}

func TestPreview_DoesNotWrite(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seq := env.sequence(t, emailStep(1, 0))
	ids := env.enroll(t, seq, env.contact(t, "ada"))

	preview, err := env.eng.Scheduler.Preview(ctx, testTenant, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "Step ada", preview.Subject)
	assert.Equal(t, "Hello ada", preview.Body)
	assert.False(t, preview.Generated)

	aiSeq := env.sequence(t, StepInput{StepNumber: 1, Channel: models.ChannelEmail, AIPersonalization: true})
	aiIDs := env.enroll(t, aiSeq, env.contact(t, "grace"))

	preview, err = env.eng.Scheduler.Preview(ctx, testTenant, aiIDs[0])
	require.NoError(t, err)
	assert.True(t, preview.Generated)
	assert.Equal(t, "Generated for grace", preview.Body)

	execs := env.executions(t, aiIDs[0])
	require.Len(t, execs, 1)
	assert.Empty(t, execs[0].GeneratedBody)
	assert.Equal(t, models.ExecutionPendingReview, execs[0].Status)

	_, err = env.eng.Enrollments.SetEnrollmentStatus(ctx, testTenant, ids[0], models.EnrollmentRemoved)
	require.NoError(t, err)
	_, err = env.eng.Scheduler.Preview(ctx, testTenant, ids[0])
	var cerr *ConfigurationError
	assert.True(t, errors.As(err, &cerr))
}

func TestTick_WithRedisQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	db := setupTestDB(t)
	clock := &fakeClock{now: t0}
	dispatcher := &fakeDispatcher{}
	rq := queue.NewRedisQueue(client, "test:due")
	eng := New(Deps{
		DB:         db,
		Dispatcher: dispatcher,
		Queue:      rq,
		Clock:      clock.Now,
		Logger:     logrus.NewEntry(logrus.New()),
	})
	env := &testEnv{eng: eng, db: db, clock: clock, dispatcher: dispatcher}

	seq := env.sequence(t, emailStep(1, 0), emailStep(2, 1))
	env.enroll(t, seq, env.contact(t, "ada"))

	n, err := rq.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	res := env.tick(t)
	assert.Equal(t, 1, res.Sent)

	// step 1 acked, step 2 queued for tomorrow
	n, err = rq.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	clock.Advance(days(1))
	res = env.tick(t)
	assert.Equal(t, 1, res.Sent)
	n, err = rq.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTick_PausedSequenceHoldsUntilActivated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seq := env.sequence(t, emailStep(1, 0), emailStep(2, 1))
	ids := env.enroll(t, seq, env.contact(t, "ada"))

	_, err := env.eng.Definitions.SetStatus(ctx, testTenant, seq.ID, models.SequencePaused)
	require.NoError(t, err)

	res := env.tick(t)
	assert.Zero(t, res.Sent)
	assert.Zero(t, env.dispatcher.count())
	execs := env.executions(t, ids[0])
	require.Len(t, execs, 1)
	assert.Equal(t, models.ExecutionScheduled, execs[0].Status, "held, not skipped")

	_, err = env.eng.Definitions.SetStatus(ctx, testTenant, seq.ID, models.SequenceActive)
	require.NoError(t, err)
	res = env.tick(t)
	assert.Equal(t, 1, res.Sent)
	assert.Len(t, env.executions(t, ids[0]), 2)
}

func TestTick_DraftSequenceDoesNotDispatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seq, err := env.eng.Definitions.CreateSequence(ctx, testTenant, 1, SequenceInput{
		Name:  "Draft",
		Steps: []StepInput{emailStep(1, 0)},
	})
	require.NoError(t, err)
	ids := env.enroll(t, seq, env.contact(t, "ada"))

	env.tick(t)
	assert.Zero(t, env.dispatcher.count())

	env.activate(t, seq)
	res := env.tick(t)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, models.EnrollmentCompleted, env.enrollment(t, ids[0]).Status)
}

func TestAdvance_HoldsWhileSequencePaused(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seq := env.sequence(t, emailStep(1, 0), emailStep(2, 1))
	ids := env.enroll(t, seq, env.contact(t, "ada"))

	_, err := env.eng.Enrollments.SetEnrollmentStatus(ctx, testTenant, ids[0], models.EnrollmentPaused)
	require.NoError(t, err)
	env.tick(t)
	require.Len(t, env.executions(t, ids[0]), 1)

	_, err = env.eng.Definitions.SetStatus(ctx, testTenant, seq.ID, models.SequencePaused)
	require.NoError(t, err)
	_, err = env.eng.Enrollments.SetEnrollmentStatus(ctx, testTenant, ids[0], models.EnrollmentActive)
	require.NoError(t, err)

	outcome, err := env.eng.Scheduler.Advance(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, AdvanceNoop, outcome)
	assert.Len(t, env.executions(t, ids[0]), 1)

	_, err = env.eng.Definitions.SetStatus(ctx, testTenant, seq.ID, models.SequenceActive)
	require.NoError(t, err)
	res := env.tick(t)
	assert.Equal(t, 1, res.Advanced)
	assert.Len(t, env.executions(t, ids[0]), 2)
}

func TestTick_RedisQueueHeldExecutionIsRequeuedOnActivation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	db := setupTestDB(t)
	clock := &fakeClock{now: t0}
	dispatcher := &fakeDispatcher{}
	rq := queue.NewRedisQueue(client, "test:due")
	eng := New(Deps{
		DB:         db,
		Dispatcher: dispatcher,
		Queue:      rq,
		Clock:      clock.Now,
		Logger:     logrus.NewEntry(logrus.New()),
	})
	env := &testEnv{eng: eng, db: db, clock: clock, dispatcher: dispatcher}
	ctx := context.Background()

	seq := env.sequence(t, emailStep(1, 0))
	env.enroll(t, seq, env.contact(t, "ada"))
	_, err := eng.Definitions.SetStatus(ctx, testTenant, seq.ID, models.SequencePaused)
	require.NoError(t, err)

	res := env.tick(t)
	assert.Equal(t, 1, res.Held)
	assert.Zero(t, res.Sent)
	n, err := rq.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = eng.Definitions.SetStatus(ctx, testTenant, seq.ID, models.SequenceActive)
	require.NoError(t, err)
	res = env.tick(t)
	assert.Equal(t, 1, res.Reconciled)
	assert.Equal(t, 1, res.Sent)
}

func TestTick_BodyFormatFollowsTemplate(t *testing.T) {
	env := newTestEnv(t)
	plain := env.sequence(t, emailStep(1, 0))
	markup := emailStep(1, 0)
	markup.BodyTemplate = "<p>Hello {{first_name}}</p>"
	rich := env.sequence(t, markup)

	mallory := env.contact(t, "mallory")
	require.NoError(t, env.db.Model(mallory).Update("first_name", `<div onclick="x()">Mal</div>`).Error)

	env.enroll(t, plain, mallory)
	env.tick(t)
	req := env.dispatcher.last()
	assert.False(t, req.HTML, "contact data must not turn a text body into markup")
	assert.Equal(t, `Hello <div onclick="x()">Mal</div>`, req.Body)

	env.enroll(t, rich, mallory)
	env.tick(t)
	req = env.dispatcher.last()
	assert.True(t, req.HTML)
	assert.Equal(t, "<p>Hello &lt;div onclick=&#34;x()&#34;&gt;Mal&lt;/div&gt;</p>", req.Body)
}
