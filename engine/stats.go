package engine

import (
	"context"
	"sort"

	"cadencely/models"
)

type SequenceStats struct {
	SequenceID     uint                              `json:"sequence_id"`
	TotalEnrolled  int64                             `json:"total_enrolled"`
	ByStatus       map[models.EnrollmentStatus]int64 `json:"by_status"`
	Active         int64                             `json:"active"`
	Paused         int64                             `json:"paused"`
	Completed      int64                             `json:"completed"`
	Replied        int64                             `json:"replied"`
	Bounced        int64                             `json:"bounced"`
	OptedOut       int64                             `json:"opted_out"`
	Removed        int64                             `json:"removed"`
	ReplyRate      float64                           `json:"reply_rate"`
	BounceRate     float64                           `json:"bounce_rate"`
	CompletionRate float64                           `json:"completion_rate"`
}

type StepStats struct {
	StepID     uint                             `json:"step_id"`
	StepNumber int                              `json:"step_number"`
	Version    int                              `json:"version"`
	Channel    models.Channel                   `json:"channel"`
	Current    bool                             `json:"current"`
	Counts     map[models.ExecutionStatus]int64 `json:"counts"`
	// Delivered counts executions that reached the contact, including those
	// that went on to be opened, clicked or replied.
	Delivered int64   `json:"delivered"`
	Opened    int64   `json:"opened"`
	Clicked   int64   `json:"clicked"`
	Replied   int64   `json:"replied"`
	Bounced   int64   `json:"bounced"`
	Failed    int64   `json:"failed"`
	Skipped   int64   `json:"skipped"`
	OpenRate  float64 `json:"open_rate"`
	ReplyRate float64 `json:"reply_rate"`
}

// StatsAggregator computes read-only aggregates over enrollments and
// executions.
type StatsAggregator struct {
	*core
}

type statusCount struct {
	Status string
	Count  int64
}

func (a *StatsAggregator) SequenceStats(ctx context.Context, tenantID, sequenceID uint) (*SequenceStats, error) {
	seq, err := a.findSequence(ctx, a.db, tenantID, sequenceID)
	if err != nil {
		return nil, err
	}

	var rows []statusCount
	err = a.db.WithContext(ctx).Model(&models.Enrollment{}).
		Select("status, COUNT(*) AS count").
		Where("sequence_id = ?", seq.ID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	stats := &SequenceStats{
		SequenceID: seq.ID,
		ByStatus:   make(map[models.EnrollmentStatus]int64, len(models.AllEnrollmentStatuses)),
	}
	for _, s := range models.AllEnrollmentStatuses {
		stats.ByStatus[s] = 0
	}
	for _, r := range rows {
		status := models.EnrollmentStatus(r.Status)
		stats.ByStatus[status] += r.Count
		stats.TotalEnrolled += r.Count
	}
	stats.Active = stats.ByStatus[models.EnrollmentActive]
	stats.Paused = stats.ByStatus[models.EnrollmentPaused]
	stats.Completed = stats.ByStatus[models.EnrollmentCompleted]
	stats.Replied = stats.ByStatus[models.EnrollmentReplied]
	stats.Bounced = stats.ByStatus[models.EnrollmentBounced]
	stats.OptedOut = stats.ByStatus[models.EnrollmentOptedOut]
	stats.Removed = stats.ByStatus[models.EnrollmentRemoved]

	stats.ReplyRate = ratio(stats.Replied, stats.TotalEnrolled)
	stats.BounceRate = ratio(stats.Bounced, stats.TotalEnrolled)
	stats.CompletionRate = ratio(stats.Completed, stats.TotalEnrolled)
	return stats, nil
}

type stepStatusCount struct {
	StepID uint
	Status string
	Count  int64
}

// StepStats reports execution outcomes per step across every version the
// sequence has had. Steps of the current version come first.
func (a *StatsAggregator) StepStats(ctx context.Context, tenantID, sequenceID uint) ([]StepStats, error) {
	seq, err := a.findSequence(ctx, a.db, tenantID, sequenceID)
	if err != nil {
		return nil, err
	}

	var steps []models.SequenceStep
	err = a.db.WithContext(ctx).Unscoped().
		Where("sequence_id = ?", seq.ID).
		Order("version DESC, step_number ASC").
		Find(&steps).Error
	if err != nil {
		return nil, err
	}

	var rows []stepStatusCount
	err = a.db.WithContext(ctx).Model(&models.StepExecution{}).
		Select("step_executions.step_id, step_executions.status, COUNT(*) AS count").
		Joins("JOIN enrollments ON enrollments.id = step_executions.enrollment_id").
		Where("enrollments.sequence_id = ?", seq.ID).
		Group("step_executions.step_id, step_executions.status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	byStep := make(map[uint]*StepStats, len(steps))
	out := make([]StepStats, len(steps))
	for i, st := range steps {
		out[i] = StepStats{
			StepID:     st.ID,
			StepNumber: st.StepNumber,
			Version:    st.Version,
			Channel:    st.Channel,
			Current:    st.Version == seq.CurrentVersion,
			Counts:     map[models.ExecutionStatus]int64{},
		}
		byStep[st.ID] = &out[i]
	}

	for _, r := range rows {
		s, ok := byStep[r.StepID]
		if !ok {
			continue
		}
		status := models.ExecutionStatus(r.Status)
		s.Counts[status] += r.Count
		switch status {
		case models.ExecutionReplied:
			s.Replied += r.Count
			s.Opened += r.Count
		case models.ExecutionClicked:
			s.Clicked += r.Count
			s.Opened += r.Count
		case models.ExecutionOpened:
			s.Opened += r.Count
		case models.ExecutionBounced:
			s.Bounced += r.Count
		case models.ExecutionFailed:
			s.Failed += r.Count
		case models.ExecutionSkipped:
			s.Skipped += r.Count
		}
		if models.EngagementRank(status) > 0 {
			s.Delivered += r.Count
		}
	}

	for i := range out {
		dispatched := out[i].Delivered + out[i].Bounced
		out[i].OpenRate = ratio(out[i].Opened, dispatched)
		out[i].ReplyRate = ratio(out[i].Replied, dispatched)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Current != out[j].Current {
			return out[i].Current
		}
		if out[i].Version != out[j].Version {
			return out[i].Version > out[j].Version
		}
		return out[i].StepNumber < out[j].StepNumber
	})
	return out, nil
}

func ratio(part, total int64) float64 {
	if total <= 0 {
		return 0
	}
	r := float64(part) / float64(total)
	if r > 1 {
		return 1
	}
	return r
}
