package engine

import (
	"context"
	"testing"

	"cadencely/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sentExecution enrolls a contact into a two step sequence and sends step 1.
func sentExecution(t *testing.T, env *testEnv) (enrollmentID uint, exec models.StepExecution) {
	t.Helper()
	seq := env.sequence(t, emailStep(1, 0), emailStep(2, 3))
	ids := env.enroll(t, seq, env.contact(t, "ada"))
	res := env.tick(t)
	require.Equal(t, 1, res.Sent)
	return ids[0], env.executions(t, ids[0])[0]
}

func TestRecordEngagement_MovesForwardOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, exec := sentExecution(t, env)

	res, err := env.eng.Tracker.RecordEngagement(ctx, exec.ID, SignalOpened, t0)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, models.ExecutionOpened, res.Status)

	// duplicate open
	res, err = env.eng.Tracker.RecordEngagement(ctx, exec.ID, SignalOpened, t0)
	require.NoError(t, err)
	assert.False(t, res.Applied)

	res, err = env.eng.Tracker.RecordEngagement(ctx, exec.ID, SignalClicked, t0)
	require.NoError(t, err)
	assert.True(t, res.Applied)

	// a late open never regresses a click
	res, err = env.eng.Tracker.RecordEngagement(ctx, exec.ID, SignalOpened, t0)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, models.ExecutionClicked, res.Status)

	// bounce is only possible straight from sent
	res, err = env.eng.Tracker.RecordEngagement(ctx, exec.ID, SignalBounced, t0)
	require.NoError(t, err)
	assert.False(t, res.Applied)

	var got models.StepExecution
	require.NoError(t, env.db.First(&got, exec.ID).Error)
	assert.Equal(t, models.ExecutionClicked, got.Status)
	assert.NotNil(t, got.OpenedAt)
	assert.NotNil(t, got.ClickedAt)
	assert.Nil(t, got.BouncedAt)
}

func TestRecordEngagement_ClickSetsOpenedAt(t *testing.T) {
	env := newTestEnv(t)
	_, exec := sentExecution(t, env)

	_, err := env.eng.Tracker.RecordEngagement(context.Background(), exec.ID, SignalClicked, t0)
	require.NoError(t, err)

	var got models.StepExecution
	require.NoError(t, env.db.First(&got, exec.ID).Error)
	assert.NotNil(t, got.OpenedAt)
}

func TestRecordEngagement_ReplyHaltsEnrollment(t *testing.T) {
	env := newTestEnv(t)
	enrollmentID, exec := sentExecution(t, env)

	res, err := env.eng.Tracker.RecordEngagement(context.Background(), exec.ID, SignalReplied, t0)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, models.EnrollmentReplied, res.EnrollmentStatus)

	execs := env.executions(t, enrollmentID)
	require.Len(t, execs, 2)
	assert.Equal(t, models.ExecutionReplied, execs[0].Status)
	assert.Equal(t, models.ExecutionSkipped, execs[1].Status)

	env.clock.Advance(days(10))
	tick := env.tick(t)
	assert.Zero(t, tick.Sent)
	assert.Equal(t, 1, env.dispatcher.count())
}

func TestRecordEngagement_BounceHaltsEnrollment(t *testing.T) {
	env := newTestEnv(t)
	enrollmentID, exec := sentExecution(t, env)

	res, err := env.eng.Tracker.RecordEngagement(context.Background(), exec.ID, SignalBounced, t0)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, models.EnrollmentBounced, env.enrollment(t, enrollmentID).Status)

	// a reply after a bounce changes nothing
	res, err = env.eng.Tracker.RecordEngagement(context.Background(), exec.ID, SignalReplied, t0)
	require.NoError(t, err)
	assert.False(t, res.Applied)
}

func TestRecordEngagement_IgnoresUndispatched(t *testing.T) {
	env := newTestEnv(t)
	seq := env.sequence(t, emailStep(1, 2))
	ids := env.enroll(t, seq, env.contact(t, "ada"))
	exec := env.executions(t, ids[0])[0]

	res, err := env.eng.Tracker.RecordEngagement(context.Background(), exec.ID, SignalOpened, t0)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, models.ExecutionScheduled, res.Status)
}

func TestRecordSignal_ResolvesAndDedupes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, exec := sentExecution(t, env)

	res, err := env.eng.Tracker.RecordSignal(ctx, SignalInput{
		MessageID:  exec.MessageID[1 : len(exec.MessageID)-1],
		Signal:     SignalOpened,
		Source:     "webhook",
		ExternalID: "evt-1",
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, exec.ID, res.ExecutionID)

	res, err = env.eng.Tracker.RecordSignal(ctx, SignalInput{
		TrackingID: exec.TrackingID,
		Signal:     SignalOpened,
		ExternalID: "evt-1",
	})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.False(t, res.Applied)

	var events []models.EngagementEvent
	require.NoError(t, env.db.Find(&events).Error)
	require.Len(t, events, 1)
	assert.True(t, events[0].Applied)

	_, err = env.eng.Tracker.RecordSignal(ctx, SignalInput{TrackingID: "nope", Signal: SignalOpened})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.eng.Tracker.RecordSignal(ctx, SignalInput{Signal: SignalOpened})
	assert.Error(t, err)
}

func TestRecordOptOut(t *testing.T) {
	env := newTestEnv(t)
	enrollmentID, exec := sentExecution(t, env)

	res, err := env.eng.Tracker.RecordOptOut(context.Background(), exec.ID, t0)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, models.EnrollmentOptedOut, env.enrollment(t, enrollmentID).Status)

	res, err = env.eng.Tracker.RecordOptOut(context.Background(), exec.ID, t0)
	require.NoError(t, err)
	assert.False(t, res.Applied)
}
