package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateEnrollmentTransition(t *testing.T) {
	tests := []struct {
		from, to EnrollmentStatus
		ok       bool
	}{
		{EnrollmentActive, EnrollmentPaused, true},
		{EnrollmentPaused, EnrollmentActive, true},
		{EnrollmentActive, EnrollmentCompleted, true},
		{EnrollmentCompleted, EnrollmentReplied, true},
		{EnrollmentCompleted, EnrollmentActive, false},
		{EnrollmentReplied, EnrollmentActive, false},
		{EnrollmentReplied, EnrollmentRemoved, true},
		{EnrollmentRemoved, EnrollmentActive, false},
		{EnrollmentActive, "unknown", false},
		{"unknown", EnrollmentActive, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateEnrollmentTransition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrInvalidTransition))
			}
		})
	}
}

func TestValidateExecutionTransition(t *testing.T) {
	tests := []struct {
		from, to ExecutionStatus
		ok       bool
	}{
		{ExecutionPendingReview, ExecutionScheduled, true},
		{ExecutionScheduled, ExecutionSent, true},
		{ExecutionScheduled, ExecutionPendingReview, true},
		{ExecutionSent, ExecutionBounced, true},
		{ExecutionOpened, ExecutionBounced, false},
		{ExecutionClicked, ExecutionOpened, false},
		{ExecutionPendingReview, ExecutionSent, false},
		{ExecutionFailed, ExecutionScheduled, false},
		{ExecutionSkipped, ExecutionScheduled, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateExecutionTransition(tt.from, tt.to)
			assert.Equal(t, tt.ok, err == nil, "err = %v", err)
		})
	}
}

func TestValidateSequenceTransition(t *testing.T) {
	assert.NoError(t, ValidateSequenceTransition(SequenceDraft, SequenceActive))
	assert.NoError(t, ValidateSequenceTransition(SequenceActive, SequenceArchived))
	assert.ErrorIs(t, ValidateSequenceTransition(SequenceArchived, SequenceActive), ErrInvalidTransition)
	assert.ErrorIs(t, ValidateSequenceTransition(SequenceDraft, "deleted"), ErrInvalidTransition)
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, EnrollmentPaused.IsOpen())
	assert.False(t, EnrollmentCompleted.IsOpen())

	for _, s := range AllExecutionStatuses {
		inFlight := s == ExecutionScheduled || s == ExecutionPendingReview
		assert.Equal(t, inFlight, s.IsInFlight(), s)
	}
	assert.True(t, ExecutionReplied.IsTerminal())
	assert.False(t, ExecutionSent.IsTerminal())

	assert.Less(t, EngagementRank(ExecutionSent), EngagementRank(ExecutionOpened))
	assert.Less(t, EngagementRank(ExecutionClicked), EngagementRank(ExecutionReplied))
	assert.Zero(t, EngagementRank(ExecutionBounced))
}
