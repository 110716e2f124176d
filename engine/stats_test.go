package engine

import (
	"context"
	"testing"
	"time"

	"cadencely/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceStats_Empty(t *testing.T) {
	env := newTestEnv(t)
	seq := env.sequence(t, emailStep(1, 0))

	stats, err := env.eng.Stats.SequenceStats(context.Background(), testTenant, seq.ID)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalEnrolled)
	assert.Zero(t, stats.ReplyRate)
	assert.Len(t, stats.ByStatus, len(models.AllEnrollmentStatuses))

	_, err = env.eng.Stats.SequenceStats(context.Background(), testTenant+1, seq.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSequenceStats_Rates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seq := env.sequence(t, emailStep(1, 0))
	ids := env.enroll(t, seq,
		env.contact(t, "ada"), env.contact(t, "grace"),
		env.contact(t, "linus"), env.contact(t, "ken"))
	env.tick(t)

	execs := env.executions(t, ids[0])
	_, err := env.eng.Tracker.RecordEngagement(ctx, execs[0].ID, SignalReplied, t0)
	require.NoError(t, err)
	execs = env.executions(t, ids[1])
	_, err = env.eng.Tracker.RecordEngagement(ctx, execs[0].ID, SignalBounced, t0)
	require.NoError(t, err)

	stats, err := env.eng.Stats.SequenceStats(ctx, testTenant, seq.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.TotalEnrolled)
	assert.Equal(t, int64(1), stats.Replied)
	assert.Equal(t, int64(1), stats.Bounced)
	assert.Equal(t, int64(2), stats.Completed)
	assert.InDelta(t, 0.25, stats.ReplyRate, 1e-9)
	assert.InDelta(t, 0.25, stats.BounceRate, 1e-9)
	assert.InDelta(t, 0.5, stats.CompletionRate, 1e-9)
}

func TestStepStats_ReportsEveryVersion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seq := env.sequence(t, emailStep(1, 0), emailStep(2, 1))
	ids := env.enroll(t, seq, env.contact(t, "ada"), env.contact(t, "grace"))
	env.tick(t)

	first := env.executions(t, ids[0])[0]
	_, err := env.eng.Tracker.RecordEngagement(ctx, first.ID, SignalClicked, t0)
	require.NoError(t, err)

	_, err = env.eng.Definitions.ReplaceSteps(ctx, testTenant, seq.ID, []StepInput{emailStep(1, 0)})
	require.NoError(t, err)

	stats, err := env.eng.Stats.StepStats(ctx, testTenant, seq.ID)
	require.NoError(t, err)
	require.Len(t, stats, 3)

	assert.True(t, stats[0].Current)
	assert.Equal(t, 2, stats[0].Version)
	assert.Zero(t, stats[0].Delivered)

	old := stats[1]
	assert.False(t, old.Current)
	assert.Equal(t, 1, old.Version)
	assert.Equal(t, 1, old.StepNumber)
	assert.Equal(t, int64(2), old.Delivered)
	assert.Equal(t, int64(1), old.Opened)
	assert.Equal(t, int64(1), old.Clicked)
	assert.InDelta(t, 0.5, old.OpenRate, 1e-9)
	assert.Zero(t, old.ReplyRate)

	assert.Equal(t, 2, stats[2].StepNumber)
	assert.Equal(t, int64(2), stats[2].Counts[models.ExecutionScheduled])
}

func TestRatio(t *testing.T) {
	assert.Zero(t, ratio(3, 0))
	assert.Equal(t, 0.5, ratio(1, 2))
	assert.Equal(t, 1.0, ratio(5, 2))
}

func TestHub_DeliversPerTenant(t *testing.T) {
	hub := NewHub()
	mine, unsubscribe := hub.Subscribe(testTenant, 1)
	other, unsubscribeOther := hub.Subscribe(testTenant+1, 1)
	defer unsubscribeOther()

	hub.Publish(Event{Type: EventStepSent, TenantID: testTenant})
	// buffer is full, the second event is dropped
	hub.Publish(Event{Type: EventStepFailed, TenantID: testTenant})

	select {
	case ev := <-mine:
		assert.Equal(t, EventStepSent, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	select {
	case ev := <-other:
		t.Fatalf("unexpected event for other tenant: %+v", ev)
	default:
	}

	unsubscribe()
	_, open := <-mine
	assert.False(t, open)
	unsubscribe()
}
