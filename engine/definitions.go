package engine

import (
	"context"
	"fmt"
	"sort"

	"cadencely/models"
	"cadencely/utils"

	"gorm.io/gorm"
)

type StepInput struct {
	StepNumber        int            `json:"step_number" validate:"required,min=1"`
	Channel           models.Channel `json:"channel" validate:"required,channel"`
	DelayDays         int            `json:"delay_days" validate:"min=0"`
	SubjectTemplate   string         `json:"subject_template" validate:"max=998"`
	BodyTemplate      string         `json:"body_template"`
	AIPersonalization bool           `json:"ai_personalization"`
	AIPrompt          string         `json:"ai_prompt" validate:"max=4000"`
}

type SequenceInput struct {
	Name        string                 `json:"name" validate:"required,max=200"`
	Description string                 `json:"description" validate:"max=2000"`
	Tags        []string               `json:"tags" validate:"max=20,dive,max=50"`
	Settings    map[string]interface{} `json:"settings"`
	Steps       []StepInput            `json:"steps" validate:"required,min=1,dive"`
}

type stepsInput struct {
	Steps []StepInput `json:"steps" validate:"required,min=1,dive"`
}

// DetailsInput updates descriptive fields; nil fields are left unchanged.
type DetailsInput struct {
	Name        *string                `json:"name" validate:"omitempty,min=1,max=200"`
	Description *string                `json:"description" validate:"omitempty,max=2000"`
	Tags        *[]string              `json:"tags"`
	Settings    map[string]interface{} `json:"settings"`
}

// DefinitionStore persists sequences and their versioned steps.
type DefinitionStore struct {
	*core
}

// CreateSequence persists a draft sequence with version 1 of its steps.
func (s *DefinitionStore) CreateSequence(ctx context.Context, tenantID, userID uint, in SequenceInput) (*models.Sequence, error) {
	if fields := utils.FieldErrors(in); fields != nil {
		return nil, &ValidationError{Fields: fields}
	}
	if err := validateStepList(in.Steps); err != nil {
		return nil, err
	}

	seq := models.Sequence{
		TenantID:       tenantID,
		CreatedBy:      userID,
		Name:           in.Name,
		Description:    in.Description,
		Status:         models.SequenceDraft,
		Tags:           in.Tags,
		Settings:       in.Settings,
		CurrentVersion: 1,
	}
	if seq.Tags == nil {
		seq.Tags = []string{}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&seq).Error; err != nil {
			return err
		}
		steps := buildSteps(seq.ID, 1, in.Steps)
		if err := tx.Create(&steps).Error; err != nil {
			return err
		}
		seq.Steps = steps
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create sequence: %w", err)
	}

	s.log.WithFields(map[string]interface{}{
		"tenant_id":   tenantID,
		"sequence_id": seq.ID,
		"steps":       len(seq.Steps),
	}).Info("sequence created")
	return &seq, nil
}

// ReplaceSteps atomically publishes a new step version. Enrollments that
// already started keep running on the version they were enrolled with.
func (s *DefinitionStore) ReplaceSteps(ctx context.Context, tenantID, sequenceID uint, in []StepInput) (*models.Sequence, error) {
	if fields := utils.FieldErrors(stepsInput{Steps: in}); fields != nil {
		return nil, &ValidationError{Fields: fields}
	}
	if err := validateStepList(in); err != nil {
		return nil, err
	}

	var seq *models.Sequence
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		seq, err = s.findSequence(ctx, tx, tenantID, sequenceID)
		if err != nil {
			return err
		}
		if seq.Status == models.SequenceArchived {
			return &ConfigurationError{Reason: "archived sequences cannot be edited"}
		}

		next := seq.CurrentVersion + 1
		res := tx.Model(&models.Sequence{}).
			Where("id = ? AND current_version = ?", seq.ID, seq.CurrentVersion).
			Update("current_version", next)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConcurrencyConflict
		}

		steps := buildSteps(seq.ID, next, in)
		if err := tx.Create(&steps).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrConcurrencyConflict
			}
			return err
		}
		seq.CurrentVersion = next
		seq.Steps = steps
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(map[string]interface{}{
		"sequence_id": seq.ID,
		"version":     seq.CurrentVersion,
	}).Info("sequence steps replaced")
	return seq, nil
}

// SetStatus moves a sequence through its lifecycle. Activation requires at
// least one step.
func (s *DefinitionStore) SetStatus(ctx context.Context, tenantID, sequenceID uint, to models.SequenceStatus) (*models.Sequence, error) {
	seq, err := s.findSequence(ctx, s.db, tenantID, sequenceID)
	if err != nil {
		return nil, err
	}
	if seq.Status == to {
		return seq, nil
	}
	if err := models.ValidateSequenceTransition(seq.Status, to); err != nil {
		return nil, err
	}
	if to == models.SequenceActive {
		steps, err := s.stepsForVersion(ctx, s.db, seq.ID, seq.CurrentVersion)
		if err != nil {
			return nil, err
		}
		if len(steps) == 0 {
			return nil, &ConfigurationError{Reason: "a sequence needs at least one step to be activated"}
		}
	}

	res := s.db.WithContext(ctx).Model(&models.Sequence{}).
		Where("id = ? AND status = ?", seq.ID, seq.Status).
		Update("status", to)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrConcurrencyConflict
	}
	seq.Status = to
	return seq, nil
}

func (s *DefinitionStore) UpdateDetails(ctx context.Context, tenantID, sequenceID uint, in DetailsInput) (*models.Sequence, error) {
	if fields := utils.FieldErrors(in); fields != nil {
		return nil, &ValidationError{Fields: fields}
	}
	seq, err := s.findSequence(ctx, s.db, tenantID, sequenceID)
	if err != nil {
		return nil, err
	}

	cols := []string{}
	if in.Name != nil {
		seq.Name = *in.Name
		cols = append(cols, "name")
	}
	if in.Description != nil {
		seq.Description = *in.Description
		cols = append(cols, "description")
	}
	if in.Tags != nil {
		seq.Tags = *in.Tags
		cols = append(cols, "tags")
	}
	if in.Settings != nil {
		seq.Settings = in.Settings
		cols = append(cols, "settings")
	}
	if len(cols) == 0 {
		return seq, nil
	}
	if err := s.db.WithContext(ctx).Model(seq).Select(cols).Updates(seq).Error; err != nil {
		return nil, err
	}
	return seq, nil
}

// GetSequence returns the sequence with the steps of its current version.
func (s *DefinitionStore) GetSequence(ctx context.Context, tenantID, sequenceID uint) (*models.Sequence, error) {
	seq, err := s.findSequence(ctx, s.db, tenantID, sequenceID)
	if err != nil {
		return nil, err
	}
	seq.Steps, err = s.stepsForVersion(ctx, s.db, seq.ID, seq.CurrentVersion)
	if err != nil {
		return nil, err
	}
	return seq, nil
}

func (s *DefinitionStore) ListSequences(ctx context.Context, tenantID uint, status string, page, limit int) ([]models.Sequence, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Sequence{}).Where("tenant_id = ?", tenantID)
	if status != "" {
		q = q.Where("status = ?", status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var seqs []models.Sequence
	err := q.Order("created_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&seqs).Error
	return seqs, total, err
}

// DeleteSequence hard-deletes a sequence that never had enrollments and
// archives it otherwise. It reports whether the sequence was archived.
func (s *DefinitionStore) DeleteSequence(ctx context.Context, tenantID, sequenceID uint) (bool, error) {
	seq, err := s.findSequence(ctx, s.db, tenantID, sequenceID)
	if err != nil {
		return false, err
	}

	var enrollments int64
	if err := s.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("sequence_id = ?", seq.ID).
		Count(&enrollments).Error; err != nil {
		return false, err
	}

	if enrollments > 0 {
		if seq.Status == models.SequenceArchived {
			return true, nil
		}
		_, err := s.SetStatus(ctx, tenantID, seq.ID, models.SequenceArchived)
		return true, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("sequence_id = ?", seq.ID).Delete(&models.SequenceStep{}).Error; err != nil {
			return err
		}
		return tx.Delete(seq).Error
	})
	return false, err
}

// validateStepList checks the rules that span steps: numbers must be exactly
// 1..N and content must be present unless it will be generated.
func validateStepList(steps []StepInput) error {
	if len(steps) == 0 {
		return newValidationError("steps", "must contain at least one step")
	}

	numbers := make([]int, len(steps))
	for i, st := range steps {
		numbers[i] = st.StepNumber
	}
	sort.Ints(numbers)
	for i, n := range numbers {
		if n != i+1 {
			return newValidationError("steps", fmt.Sprintf("step numbers must be contiguous from 1, found %v", numbers))
		}
	}

	fields := map[string]string{}
	for i, st := range steps {
		if st.DelayDays < 0 {
			fields[fmt.Sprintf("steps[%d].delay_days", i)] = "must be at least 0"
		}
		if st.AIPersonalization {
			continue
		}
		if st.BodyTemplate == "" {
			fields[fmt.Sprintf("steps[%d].body_template", i)] = "is required unless the step is AI personalized"
		}
		if st.Channel == models.ChannelEmail && st.SubjectTemplate == "" {
			fields[fmt.Sprintf("steps[%d].subject_template", i)] = "is required for email steps"
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func buildSteps(sequenceID uint, version int, in []StepInput) []models.SequenceStep {
	sorted := make([]StepInput, len(in))
	copy(sorted, in)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StepNumber < sorted[j].StepNumber })

	steps := make([]models.SequenceStep, len(sorted))
	for i, st := range sorted {
		steps[i] = models.SequenceStep{
			SequenceID:        sequenceID,
			Version:           version,
			StepNumber:        st.StepNumber,
			Channel:           st.Channel,
			DelayDays:         st.DelayDays,
			SubjectTemplate:   st.SubjectTemplate,
			BodyTemplate:      st.BodyTemplate,
			AIPersonalization: st.AIPersonalization,
			AIPrompt:          st.AIPrompt,
		}
	}
	return steps
}
