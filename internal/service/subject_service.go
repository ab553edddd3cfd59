package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/edumatrix/exam-marks-api/internal/models"
	appErrors "github.com/edumatrix/exam-marks-api/pkg/errors"
)

type subjectRepo interface {
	List(ctx context.Context, filter models.SubjectFilter) ([]models.SubjectMaster, int, error)
	FindByID(ctx context.Context, id int64) (*models.SubjectMaster, error)
	ExistsByCode(ctx context.Context, code string, excludeID int64) (bool, error)
	ExistsByName(ctx context.Context, name string, excludeID int64) (bool, error)
	Create(ctx context.Context, subject *models.SubjectMaster) error
	Update(ctx context.Context, subject *models.SubjectMaster) error
	CountActiveConfigurationRefs(ctx context.Context, id int64) (int, error)
}

// CreateSubjectRequest is the catalog entry payload.
type CreateSubjectRequest struct {
	Code string `json:"code" validate:"required,max=16"`
	Name string `json:"name" validate:"required,max=128"`
	Type string `json:"type" validate:"required,oneof=THEORY PRACTICAL BOTH"`
}

// UpdateSubjectRequest updates a catalog entry. Code is immutable once
// assigned; only name, type and active status may change.
type UpdateSubjectRequest struct {
	Name   *string `json:"name" validate:"omitempty,max=128"`
	Type   *string `json:"type" validate:"omitempty,oneof=THEORY PRACTICAL BOTH"`
	Active *bool   `json:"active"`
}

// SubjectService manages the examinable subject catalog.
type SubjectService struct {
	subjects  subjectRepo
	validator *validator.Validate
	logger    *zap.Logger
}

// NewSubjectService constructs SubjectService.
func NewSubjectService(subjects subjectRepo, validate *validator.Validate, logger *zap.Logger) *SubjectService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubjectService{subjects: subjects, validator: validate, logger: logger}
}

// List returns catalog subjects matching the filter with a total count.
func (s *SubjectService) List(ctx context.Context, filter models.SubjectFilter) ([]models.SubjectMaster, int, error) {
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 || filter.PageSize > 200 {
		filter.PageSize = 50
	}
	subjects, total, err := s.subjects.List(ctx, filter)
	if err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list subjects")
	}
	return subjects, total, nil
}

// Get returns one catalog subject.
func (s *SubjectService) Get(ctx context.Context, id int64) (*models.SubjectMaster, error) {
	subject, err := s.subjects.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "subject not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subject")
	}
	return subject, nil
}

// Create registers a subject. Codes and names are unique among active
// catalog entries.
func (s *SubjectService) Create(ctx context.Context, req CreateSubjectRequest) (*models.SubjectMaster, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid subject payload")
	}
	if exists, err := s.subjects.ExistsByCode(ctx, req.Code, 0); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check subject code")
	} else if exists {
		return nil, appErrors.Clone(appErrors.ErrConflict, "subject code already in use")
	}
	if exists, err := s.subjects.ExistsByName(ctx, req.Name, 0); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check subject name")
	} else if exists {
		return nil, appErrors.Clone(appErrors.ErrConflict, "subject name already in use")
	}

	subject := &models.SubjectMaster{
		Code:   req.Code,
		Name:   req.Name,
		Type:   models.SubjectType(req.Type),
		Active: true,
	}
	if err := s.subjects.Create(ctx, subject); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create subject")
	}
	s.logger.Info("subject created", zap.Int64("subject_id", subject.ID), zap.String("code", subject.Code))
	return subject, nil
}

// Update applies partial changes to a subject. Deactivating a subject still
// referenced by an active class configuration is rejected; historical marks
// always keep resolving against the row.
func (s *SubjectService) Update(ctx context.Context, id int64, req UpdateSubjectRequest) (*models.SubjectMaster, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid subject payload")
	}
	subject, err := s.subjects.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "subject not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subject")
	}

	if req.Name != nil && *req.Name != subject.Name {
		if exists, err := s.subjects.ExistsByName(ctx, *req.Name, id); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check subject name")
		} else if exists {
			return nil, appErrors.Clone(appErrors.ErrConflict, "subject name already in use")
		}
		subject.Name = *req.Name
	}
	if req.Type != nil {
		subject.Type = models.SubjectType(*req.Type)
	}
	if req.Active != nil && !*req.Active && subject.Active {
		refs, err := s.subjects.CountActiveConfigurationRefs(ctx, id)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check configuration references")
		}
		if refs > 0 {
			return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "subject is referenced by active class configurations")
		}
	}
	if req.Active != nil {
		subject.Active = *req.Active
	}

	if err := s.subjects.Update(ctx, subject); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update subject")
	}
	return subject, nil
}
