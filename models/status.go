package models

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned (wrapped) whenever a status change is not
// present in the transition tables below.
var ErrInvalidTransition = errors.New("invalid status transition")

type SequenceStatus string

const (
	SequenceDraft    SequenceStatus = "draft"
	SequenceActive   SequenceStatus = "active"
	SequencePaused   SequenceStatus = "paused"
	SequenceArchived SequenceStatus = "archived"
)

type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentPaused    EnrollmentStatus = "paused"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentReplied   EnrollmentStatus = "replied"
	EnrollmentBounced   EnrollmentStatus = "bounced"
	EnrollmentOptedOut  EnrollmentStatus = "opted_out"
	EnrollmentRemoved   EnrollmentStatus = "removed"
)

type ExecutionStatus string

const (
	ExecutionScheduled     ExecutionStatus = "scheduled"
	ExecutionPendingReview ExecutionStatus = "pending_review"
	ExecutionSent          ExecutionStatus = "sent"
	ExecutionOpened        ExecutionStatus = "opened"
	ExecutionClicked       ExecutionStatus = "clicked"
	ExecutionReplied       ExecutionStatus = "replied"
	ExecutionBounced       ExecutionStatus = "bounced"
	ExecutionSkipped       ExecutionStatus = "skipped"
	ExecutionFailed        ExecutionStatus = "failed"
)

type Channel string

const (
	ChannelEmail  Channel = "email"
	ChannelSocial Channel = "social"
	ChannelCall   Channel = "call"
	ChannelTask   Channel = "task"
)

// Valid reports whether c is one of the supported outreach channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSocial, ChannelCall, ChannelTask:
		return true
	}
	return false
}

var AllEnrollmentStatuses = []EnrollmentStatus{
	EnrollmentActive, EnrollmentPaused, EnrollmentCompleted, EnrollmentReplied,
	EnrollmentBounced, EnrollmentOptedOut, EnrollmentRemoved,
}

var AllExecutionStatuses = []ExecutionStatus{
	ExecutionScheduled, ExecutionPendingReview, ExecutionSent, ExecutionOpened,
	ExecutionClicked, ExecutionReplied, ExecutionBounced, ExecutionSkipped, ExecutionFailed,
}

var validEnrollmentTransitions = map[EnrollmentStatus]map[EnrollmentStatus]bool{
	EnrollmentActive: {
		EnrollmentPaused:    true,
		EnrollmentCompleted: true,
		EnrollmentReplied:   true,
		EnrollmentBounced:   true,
		EnrollmentOptedOut:  true,
		EnrollmentRemoved:   true,
	},
	EnrollmentPaused: {
		EnrollmentActive:    true,
		EnrollmentCompleted: true,
		EnrollmentReplied:   true,
		EnrollmentBounced:   true,
		EnrollmentOptedOut:  true,
		EnrollmentRemoved:   true,
	},
	EnrollmentCompleted: {
		EnrollmentReplied:  true,
		EnrollmentBounced:  true,
		EnrollmentOptedOut: true,
		EnrollmentRemoved:  true,
	},
	EnrollmentReplied:  {EnrollmentRemoved: true},
	EnrollmentBounced:  {EnrollmentRemoved: true},
	EnrollmentOptedOut: {EnrollmentRemoved: true},
	EnrollmentRemoved:  {},
}

var validExecutionTransitions = map[ExecutionStatus]map[ExecutionStatus]bool{
	ExecutionPendingReview: {
		ExecutionScheduled: true,
		ExecutionSkipped:   true,
	},
	ExecutionScheduled: {
		ExecutionSent:          true,
		ExecutionFailed:        true,
		ExecutionSkipped:       true,
		ExecutionPendingReview: true,
	},
	ExecutionSent: {
		ExecutionOpened:  true,
		ExecutionClicked: true,
		ExecutionReplied: true,
		ExecutionBounced: true,
	},
	ExecutionOpened: {
		ExecutionClicked: true,
		ExecutionReplied: true,
	},
	ExecutionClicked: {
		ExecutionReplied: true,
	},
	ExecutionReplied: {},
	ExecutionBounced: {},
	ExecutionSkipped: {},
	ExecutionFailed:  {},
}

// ValidateSequenceTransition allows every change except reactivating an
// archived sequence.
func ValidateSequenceTransition(from, to SequenceStatus) error {
	if !knownSequenceStatus(from) || !knownSequenceStatus(to) {
		return fmt.Errorf("%w: unknown sequence status %q → %q", ErrInvalidTransition, from, to)
	}
	if from == SequenceArchived && to == SequenceActive {
		return fmt.Errorf("%w: sequence %q → %q", ErrInvalidTransition, from, to)
	}
	return nil
}

func knownSequenceStatus(s SequenceStatus) bool {
	switch s {
	case SequenceDraft, SequenceActive, SequencePaused, SequenceArchived:
		return true
	}
	return false
}

func ValidateEnrollmentTransition(from, to EnrollmentStatus) error {
	targets, ok := validEnrollmentTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown enrollment status %q", ErrInvalidTransition, from)
	}
	if !targets[to] {
		return fmt.Errorf("%w: enrollment %q → %q", ErrInvalidTransition, from, to)
	}
	return nil
}

func ValidateExecutionTransition(from, to ExecutionStatus) error {
	targets, ok := validExecutionTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown execution status %q", ErrInvalidTransition, from)
	}
	if !targets[to] {
		return fmt.Errorf("%w: step execution %q → %q", ErrInvalidTransition, from, to)
	}
	return nil
}

// IsOpen reports whether the enrollment can still produce step executions.
func (s EnrollmentStatus) IsOpen() bool {
	return s == EnrollmentActive || s == EnrollmentPaused
}

func (s EnrollmentStatus) Valid() bool {
	_, ok := validEnrollmentTransitions[s]
	return ok
}

// IsInFlight reports whether the execution still waits for dispatch.
func (s ExecutionStatus) IsInFlight() bool {
	return s == ExecutionScheduled || s == ExecutionPendingReview
}

// IsTerminal reports whether no further transition is possible.
func (s ExecutionStatus) IsTerminal() bool {
	targets, ok := validExecutionTransitions[s]
	return ok && len(targets) == 0
}

// InFlightExecutionStatuses is used in queries that must see every
// not-yet-dispatched execution.
var InFlightExecutionStatuses = []ExecutionStatus{ExecutionScheduled, ExecutionPendingReview}

// engagementRank orders the forward-only engagement progression.
var engagementRank = map[ExecutionStatus]int{
	ExecutionSent:    1,
	ExecutionOpened:  2,
	ExecutionClicked: 3,
	ExecutionReplied: 4,
}

// EngagementRank returns the position of s in the sent → opened → clicked →
// replied progression, or 0 when s is not part of it.
func EngagementRank(s ExecutionStatus) int {
	return engagementRank[s]
}
