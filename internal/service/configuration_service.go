package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/edumatrix/exam-marks-api/internal/models"
	appErrors "github.com/edumatrix/exam-marks-api/pkg/errors"
)

type configurationRepo interface {
	ExistsByTriple(ctx context.Context, className, section, academicYear string) (bool, error)
	Create(ctx context.Context, config *models.ClassConfiguration) error
	FindByID(ctx context.Context, id int64) (*models.ClassConfiguration, error)
	List(ctx context.Context, filter models.ConfigurationFilter) ([]models.ClassConfiguration, int, error)
	ListSubjects(ctx context.Context, configID int64, activeOnly bool) ([]models.ConfigurationSubject, error)
	FindSubject(ctx context.Context, configID, subjectID int64) (*models.ConfigurationSubject, error)
	UpsertSubject(ctx context.Context, entry *models.ConfigurationSubject) error
	Deactivate(ctx context.Context, id int64) error
	DeactivateSubject(ctx context.Context, configID, subjectID int64) error
}

type subjectReader interface {
	FindByID(ctx context.Context, id int64) (*models.SubjectMaster, error)
}

// CreateConfigurationRequest opens a class configuration for an academic year.
type CreateConfigurationRequest struct {
	ClassName    string `json:"class_name" validate:"required,max=32"`
	Section      string `json:"section" validate:"required,max=8"`
	AcademicYear string `json:"academic_year" validate:"required,max=16"`
	Description  string `json:"description" validate:"max=256"`
}

// ConfigureSubjectRequest attaches or updates one subject within a
// configuration, with its marks distribution.
type ConfigureSubjectRequest struct {
	SubjectID             int64    `json:"subject_id" validate:"required"`
	TotalMarks            float64  `json:"total_marks" validate:"required,gt=0"`
	PassingMarks          float64  `json:"passing_marks" validate:"gte=0"`
	TheoryMarks           *float64 `json:"theory_marks" validate:"omitempty,gte=0"`
	PracticalMarks        *float64 `json:"practical_marks" validate:"omitempty,gte=0"`
	TheoryPassingMarks    *float64 `json:"theory_passing_marks" validate:"omitempty,gte=0"`
	PracticalPassingMarks *float64 `json:"practical_passing_marks" validate:"omitempty,gte=0"`
}

// CopyConfigurationRequest copies subject entries between configurations.
// An empty SubjectIDs copies every active source subject.
type CopyConfigurationRequest struct {
	SourceID   int64   `json:"source_id" validate:"required"`
	TargetID   int64   `json:"target_id" validate:"required"`
	SubjectIDs []int64 `json:"subject_ids" validate:"omitempty,dive,required"`
	Overwrite  bool    `json:"overwrite"`
}

// ConfigurationService manages class subject configurations and enforces the
// marks distribution invariants at the write boundary.
type ConfigurationService struct {
	configs   configurationRepo
	subjects  subjectReader
	validator *validator.Validate
	logger    *zap.Logger
}

// NewConfigurationService constructs ConfigurationService.
func NewConfigurationService(configs configurationRepo, subjects subjectReader, validate *validator.Validate, logger *zap.Logger) *ConfigurationService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfigurationService{configs: configs, subjects: subjects, validator: validate, logger: logger}
}

// Create opens a new class configuration.
func (s *ConfigurationService) Create(ctx context.Context, req CreateConfigurationRequest) (*models.ClassConfiguration, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid configuration payload")
	}
	exists, err := s.configs.ExistsByTriple(ctx, req.ClassName, req.Section, req.AcademicYear)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check configuration")
	}
	if exists {
		return nil, appErrors.Clone(appErrors.ErrConflict, "configuration already exists for class, section and academic year")
	}

	config := &models.ClassConfiguration{
		ClassName:    req.ClassName,
		Section:      req.Section,
		AcademicYear: req.AcademicYear,
		Description:  req.Description,
		Active:       true,
	}
	if err := s.configs.Create(ctx, config); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create configuration")
	}
	s.logger.Info("configuration created",
		zap.Int64("configuration_id", config.ID),
		zap.String("class", config.ClassName),
		zap.String("academic_year", config.AcademicYear))
	return config, nil
}

// Get returns a configuration together with its active subject entries.
func (s *ConfigurationService) Get(ctx context.Context, id int64) (*models.ClassConfiguration, error) {
	config, err := s.configs.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "configuration not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load configuration")
	}
	subjects, err := s.configs.ListSubjects(ctx, id, true)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load configuration subjects")
	}
	config.Subjects = subjects
	return config, nil
}

// List returns configurations matching the filter.
func (s *ConfigurationService) List(ctx context.Context, filter models.ConfigurationFilter) ([]models.ClassConfiguration, int, error) {
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 || filter.PageSize > 200 {
		filter.PageSize = 50
	}
	configs, total, err := s.configs.List(ctx, filter)
	if err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list configurations")
	}
	return configs, total, nil
}

// ConfigureSubject attaches a subject to a configuration or updates its
// marks distribution. The distribution must agree with the subject's type
// before anything is persisted.
func (s *ConfigurationService) ConfigureSubject(ctx context.Context, configID int64, req ConfigureSubjectRequest) (*models.ConfigurationSubject, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid subject configuration payload")
	}
	config, err := s.configs.FindByID(ctx, configID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "configuration not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load configuration")
	}
	if !config.Active {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "configuration is inactive")
	}
	subject, err := s.subjects.FindByID(ctx, req.SubjectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "subject not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subject")
	}
	if !subject.Active {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "subject is inactive")
	}

	entry := &models.ConfigurationSubject{
		ConfigurationID:       configID,
		SubjectID:             req.SubjectID,
		TotalMarks:            req.TotalMarks,
		PassingMarks:          req.PassingMarks,
		TheoryMarks:           req.TheoryMarks,
		PracticalMarks:        req.PracticalMarks,
		TheoryPassingMarks:    req.TheoryPassingMarks,
		PracticalPassingMarks: req.PracticalPassingMarks,
		Active:                true,
	}
	if err := entry.ValidateDistribution(subject.Type); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}
	if err := s.configs.UpsertSubject(ctx, entry); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save subject configuration")
	}
	entry.SubjectCode = subject.Code
	entry.SubjectName = subject.Name
	entry.SubjectType = subject.Type
	return entry, nil
}

// RemoveSubject detaches a subject from a configuration. The detach is a
// soft delete so captured marks keep resolving against the entry.
func (s *ConfigurationService) RemoveSubject(ctx context.Context, configID, subjectID int64) error {
	if err := s.configs.DeactivateSubject(ctx, configID, subjectID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "subject not configured for class")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to remove subject configuration")
	}
	return nil
}

// Deactivate retires a configuration, keeping its rows for history.
func (s *ConfigurationService) Deactivate(ctx context.Context, id int64) error {
	if err := s.configs.Deactivate(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "configuration not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to deactivate configuration")
	}
	return nil
}

// Copy transfers subject entries from one configuration to another as a
// best-effort batch: each subject succeeds or fails on its own and the
// result reports every outcome. A non-empty SubjectIDs restricts the copy to
// that subset. Existing target entries are skipped unless Overwrite is set.
func (s *ConfigurationService) Copy(ctx context.Context, req CopyConfigurationRequest) (*models.CopyConfigurationResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid copy payload")
	}
	if req.SourceID == req.TargetID {
		return nil, appErrors.Clone(appErrors.ErrValidation, "source and target configurations are the same")
	}
	if _, err := s.configs.FindByID(ctx, req.SourceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "source configuration not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load source configuration")
	}
	target, err := s.configs.FindByID(ctx, req.TargetID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "target configuration not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load target configuration")
	}
	if !target.Active {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "target configuration is inactive")
	}

	entries, err := s.configs.ListSubjects(ctx, req.SourceID, true)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load source subjects")
	}
	if len(req.SubjectIDs) > 0 {
		wanted := make(map[int64]bool, len(req.SubjectIDs))
		for _, id := range req.SubjectIDs {
			wanted[id] = true
		}
		filtered := entries[:0]
		for _, src := range entries {
			if wanted[src.SubjectID] {
				filtered = append(filtered, src)
			}
		}
		entries = filtered
	}

	result := &models.CopyConfigurationResult{}
	for _, src := range entries {
		outcome := models.CopySubjectOutcome{SubjectID: src.SubjectID, SubjectCode: src.SubjectCode}

		existing, err := s.configs.FindSubject(ctx, req.TargetID, src.SubjectID)
		switch {
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			outcome.Status = models.CopyStatusFailed
			outcome.Reason = fmt.Sprintf("inspect target: %v", err)
			result.Failed++
			result.Outcomes = append(result.Outcomes, outcome)
			continue
		case err == nil && existing.Active && !req.Overwrite:
			outcome.Status = models.CopyStatusSkipped
			outcome.Reason = "subject already configured on target"
			result.Skipped++
			result.Outcomes = append(result.Outcomes, outcome)
			continue
		}
		overwritten := err == nil && existing.Active

		entry := &models.ConfigurationSubject{
			ConfigurationID:       req.TargetID,
			SubjectID:             src.SubjectID,
			TotalMarks:            src.TotalMarks,
			PassingMarks:          src.PassingMarks,
			TheoryMarks:           src.TheoryMarks,
			PracticalMarks:        src.PracticalMarks,
			TheoryPassingMarks:    src.TheoryPassingMarks,
			PracticalPassingMarks: src.PracticalPassingMarks,
			Active:                true,
		}
		if err := s.configs.UpsertSubject(ctx, entry); err != nil {
			outcome.Status = models.CopyStatusFailed
			outcome.Reason = err.Error()
			result.Failed++
			result.Outcomes = append(result.Outcomes, outcome)
			continue
		}
		if overwritten {
			outcome.Status = models.CopyStatusOverwritten
			result.Overwritten++
		} else {
			outcome.Status = models.CopyStatusCopied
			result.Copied++
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}

	s.logger.Info("configuration copied",
		zap.Int64("source_id", req.SourceID),
		zap.Int64("target_id", req.TargetID),
		zap.Int("copied", result.Copied),
		zap.Int("overwritten", result.Overwritten),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed))
	return result, nil
}
