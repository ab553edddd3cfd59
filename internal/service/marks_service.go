package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/edumatrix/exam-marks-api/internal/models"
	"github.com/edumatrix/exam-marks-api/internal/repository"
	appErrors "github.com/edumatrix/exam-marks-api/pkg/errors"
)

type markSummaryRepo interface {
	FindByKey(ctx context.Context, key models.SummaryKey) (*models.ExamMarkSummary, error)
	FindByID(ctx context.Context, id int64) (*models.ExamMarkSummary, error)
	Create(ctx context.Context, summary *models.ExamMarkSummary) error
	UpsertDetailAndRecompute(ctx context.Context, summaryID, expectedVersion int64, detail *models.ExamMarkDetail, audit *repository.EditAudit) error
	SetAbsent(ctx context.Context, summaryID, expectedVersion int64, reason string, audit *repository.EditAudit) error
	Lock(ctx context.Context, summaryID int64) (bool, error)
	Review(ctx context.Context, summaryID, reviewerID int64) (bool, error)
	ListDetails(ctx context.Context, summaryID int64) ([]models.ExamMarkDetail, error)
}

type questionFormatStore interface {
	FindByID(ctx context.Context, id int64) (*models.QuestionFormat, error)
	ListBySubject(ctx context.Context, examID, subjectID int64) ([]models.QuestionFormat, error)
	Upsert(ctx context.Context, format *models.QuestionFormat) error
}

type sheetInvalidator interface {
	InvalidateSheets(ctx context.Context, examID int64)
}

type studentReader interface {
	FindByID(ctx context.Context, id int64) (*models.Student, error)
}

type auditWriter interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// LockNotifier receives lock-batch events for downstream fan-out.
type LockNotifier interface {
	SummariesLocked(lockedBy int64, count int)
}

// Actor identifies the authenticated user performing a mutation.
type Actor struct {
	UserID int64
	Role   models.UserRole
}

// UpsertMarkRequest records one question's marks for a student.
type UpsertMarkRequest struct {
	ExamID            int64   `json:"exam_id" validate:"required"`
	SubjectID         int64   `json:"subject_id" validate:"required"`
	StudentID         int64   `json:"student_id" validate:"required"`
	QuestionFormatID  int64   `json:"question_format_id" validate:"required"`
	ObtainedMarks     float64 `json:"obtained_marks" validate:"gte=0"`
	EvaluatorComments *string `json:"evaluator_comments"`
	EditReason        *string `json:"edit_reason"`
}

// MarkAbsentRequest flags a student absent for one exam subject.
type MarkAbsentRequest struct {
	ExamID     int64  `json:"exam_id" validate:"required"`
	SubjectID  int64  `json:"subject_id" validate:"required"`
	StudentID  int64  `json:"student_id" validate:"required"`
	Reason     string `json:"reason" validate:"required,max=256"`
	EditReason *string `json:"edit_reason"`
}

// QuestionSlotInput is one question of a paper layout.
type QuestionSlotInput struct {
	QuestionNumber int     `json:"question_number" validate:"required,gte=1"`
	UnitName       string  `json:"unit_name" validate:"required,max=128"`
	QuestionType   string  `json:"question_type" validate:"required,oneof=THEORY PRACTICAL"`
	MaxMarks       float64 `json:"max_marks" validate:"required,gt=0"`
}

// DefineFormatsRequest declares or updates the question layout of one exam
// paper.
type DefineFormatsRequest struct {
	ExamID    int64               `json:"exam_id" validate:"required"`
	SubjectID int64               `json:"subject_id" validate:"required"`
	Questions []QuestionSlotInput `json:"questions" validate:"required,min=1,dive"`
}

// LockSummariesRequest locks a batch of summaries.
type LockSummariesRequest struct {
	SummaryIDs []int64 `json:"summary_ids" validate:"required,min=1,dive,required"`
}

// MarksService is the capture store for per-question marks. Every summary
// write goes through the version-checked repository and is retried a bounded
// number of times before surfacing a stale-write conflict.
type MarksService struct {
	summaries    markSummaryRepo
	formats      questionFormatStore
	students     studentReader
	audit        auditWriter
	notifier     LockNotifier
	metrics      *MetricsService
	sheets       sheetInvalidator
	writeRetries int
	validator    *validator.Validate
	logger       *zap.Logger
}

// NewMarksService constructs MarksService.
func NewMarksService(summaries markSummaryRepo, formats questionFormatStore, students studentReader, audit auditWriter, notifier LockNotifier, metrics *MetricsService, writeRetries int, validate *validator.Validate, logger *zap.Logger) *MarksService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if writeRetries <= 0 {
		writeRetries = 3
	}
	return &MarksService{
		summaries:    summaries,
		formats:      formats,
		students:     students,
		audit:        audit,
		notifier:     notifier,
		metrics:      metrics,
		writeRetries: writeRetries,
		validator:    validate,
		logger:       logger,
	}
}

// SetSheetInvalidator attaches the tabulation cache hook. Successful mark
// writes drop cached sheets for the affected exam.
func (s *MarksService) SetSheetInvalidator(sheets sheetInvalidator) {
	s.sheets = sheets
}

// ListQuestionFormats returns the question layout of one exam paper.
func (s *MarksService) ListQuestionFormats(ctx context.Context, examID, subjectID int64) ([]models.QuestionFormat, error) {
	formats, err := s.formats.ListBySubject(ctx, examID, subjectID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list question formats")
	}
	return formats, nil
}

// DefineQuestionFormats writes the question layout of one exam paper. Slots
// are keyed by question number, so redefining a paper updates in place.
func (s *MarksService) DefineQuestionFormats(ctx context.Context, actor Actor, req DefineFormatsRequest) ([]models.QuestionFormat, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid question format payload")
	}
	seen := make(map[int]bool, len(req.Questions))
	for _, q := range req.Questions {
		if seen[q.QuestionNumber] {
			return nil, appErrors.Clone(appErrors.ErrValidation,
				fmt.Sprintf("duplicate question number %d", q.QuestionNumber))
		}
		seen[q.QuestionNumber] = true
	}

	formats := make([]models.QuestionFormat, 0, len(req.Questions))
	for _, q := range req.Questions {
		format := models.QuestionFormat{
			ExamID:         req.ExamID,
			SubjectID:      req.SubjectID,
			QuestionNumber: q.QuestionNumber,
			UnitName:       q.UnitName,
			QuestionType:   models.MarkComponent(q.QuestionType),
			MaxMarks:       q.MaxMarks,
		}
		if err := s.formats.Upsert(ctx, &format); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save question format")
		}
		formats = append(formats, format)
	}
	s.logger.Info("question formats defined",
		zap.Int64("exam_id", req.ExamID),
		zap.Int64("subject_id", req.SubjectID),
		zap.Int("questions", len(formats)),
		zap.Int64("defined_by", actor.UserID))
	return formats, nil
}

// GetSummary returns a summary with its question details.
func (s *MarksService) GetSummary(ctx context.Context, key models.SummaryKey) (*models.ExamMarkSummary, []models.ExamMarkDetail, error) {
	summary, err := s.summaries.FindByKey(ctx, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "marks not captured for student")
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load summary")
	}
	details, err := s.summaries.ListDetails(ctx, summary.ID)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load mark details")
	}
	return summary, details, nil
}

// UpsertMark records or corrects one question's marks. Writing to a locked
// summary requires an edit reason and flags the summary as edited; the
// obtained marks may never exceed the question's maximum.
func (s *MarksService) UpsertMark(ctx context.Context, actor Actor, req UpsertMarkRequest) (*models.ExamMarkSummary, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid marks payload")
	}

	format, err := s.formats.FindByID(ctx, req.QuestionFormatID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "question format not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load question format")
	}
	if format.ExamID != req.ExamID || format.SubjectID != req.SubjectID {
		return nil, appErrors.Clone(appErrors.ErrValidation, "question format does not belong to exam subject")
	}
	if req.ObtainedMarks > format.MaxMarks {
		return nil, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("obtained marks %.2f exceed question maximum %.2f", req.ObtainedMarks, format.MaxMarks))
	}

	key := models.SummaryKey{ExamID: req.ExamID, SubjectID: req.SubjectID, StudentID: req.StudentID}
	var current *models.ExamMarkSummary
	for attempt := 0; attempt < s.writeRetries; attempt++ {
		current, err = s.findOrCreateSummary(ctx, key)
		if err != nil {
			return nil, err
		}

		audit, err := lockOverrideAudit(actor, current, req.EditReason)
		if err != nil {
			return nil, err
		}

		detail := &models.ExamMarkDetail{
			QuestionFormatID:  format.ID,
			QuestionNumber:    format.QuestionNumber,
			UnitName:          format.UnitName,
			QuestionType:      format.QuestionType,
			MaxMarks:          format.MaxMarks,
			ObtainedMarks:     req.ObtainedMarks,
			EvaluatorComments: req.EvaluatorComments,
		}
		err = s.summaries.UpsertDetailAndRecompute(ctx, current.ID, current.Version, detail, audit)
		if err == nil {
			s.metrics.RecordMarkWrite("detail")
			s.writeAudit(ctx, actor, models.AuditActionMarksUpsert, current.ID, req)
			s.invalidateSheets(ctx, req.ExamID)
			return s.reload(ctx, current.ID)
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save marks")
		}
		s.logger.Debug("summary version conflict, retrying",
			zap.Int64("summary_id", current.ID), zap.Int("attempt", attempt+1))
	}
	s.metrics.RecordStaleConflict()
	return nil, appErrors.Clone(appErrors.ErrStaleWrite, "concurrent updates kept invalidating the write")
}

// MarkAbsent flags a student absent for an exam subject. Absent rows carry
// zero totals so aggregation never counts them.
func (s *MarksService) MarkAbsent(ctx context.Context, actor Actor, req MarkAbsentRequest) (*models.ExamMarkSummary, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid absence payload")
	}

	key := models.SummaryKey{ExamID: req.ExamID, SubjectID: req.SubjectID, StudentID: req.StudentID}
	for attempt := 0; attempt < s.writeRetries; attempt++ {
		current, err := s.findOrCreateSummary(ctx, key)
		if err != nil {
			return nil, err
		}
		audit, err := lockOverrideAudit(actor, current, req.EditReason)
		if err != nil {
			return nil, err
		}

		err = s.summaries.SetAbsent(ctx, current.ID, current.Version, req.Reason, audit)
		if err == nil {
			s.metrics.RecordMarkWrite("absent")
			s.writeAudit(ctx, actor, models.AuditActionMarksAbsent, current.ID, req)
			s.invalidateSheets(ctx, req.ExamID)
			return s.reload(ctx, current.ID)
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark absent")
		}
	}
	s.metrics.RecordStaleConflict()
	return nil, appErrors.Clone(appErrors.ErrStaleWrite, "concurrent updates kept invalidating the write")
}

// LockSummaries locks a batch of summaries. Each id is handled independently
// and the already-locked case counts as success so retried batches converge.
func (s *MarksService) LockSummaries(ctx context.Context, actor Actor, req LockSummariesRequest) (*models.LockBatchResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid lock payload")
	}
	if !canLock(actor) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "role may not lock summaries")
	}

	result := &models.LockBatchResult{}
	for _, id := range req.SummaryIDs {
		outcome := models.LockOutcome{SummaryID: id}
		summary, err := s.summaries.FindByID(ctx, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				outcome.Reason = "summary not found"
			} else {
				outcome.Reason = "failed to load summary"
			}
			result.Failed++
			result.Outcomes = append(result.Outcomes, outcome)
			continue
		}
		if summary.Locked() {
			outcome.Locked = true
			outcome.Reason = "already locked"
			result.Locked++
			result.Outcomes = append(result.Outcomes, outcome)
			continue
		}

		locked, err := s.summaries.Lock(ctx, id)
		if err != nil {
			outcome.Reason = "failed to lock summary"
			result.Failed++
		} else if !locked {
			// Raced by another locker between read and update. Converged
			// to the same state, so still a success.
			outcome.Locked = true
			outcome.Reason = "already locked"
			result.Locked++
		} else {
			outcome.Locked = true
			result.Locked++
			s.metrics.RecordLockTransition(string(models.LockStateLocked))
			s.writeAudit(ctx, actor, models.AuditActionSummaryLock, id, nil)
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}

	if s.notifier != nil && result.Locked > 0 {
		s.notifier.SummariesLocked(actor.UserID, result.Locked)
	}
	return result, nil
}

// ReviewSummary moves a locked summary to REVIEWED, recording the reviewer.
// Reviewing an already reviewed summary is a no-op success.
func (s *MarksService) ReviewSummary(ctx context.Context, actor Actor, summaryID int64) (*models.ExamMarkSummary, error) {
	if !canReview(actor) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only administrators may review summaries")
	}
	summary, err := s.summaries.FindByID(ctx, summaryID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "summary not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load summary")
	}
	switch summary.State {
	case models.LockStateReviewed:
		return summary, nil
	case models.LockStateUnlocked:
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "summary must be locked before review")
	}

	reviewed, err := s.summaries.Review(ctx, summaryID, actor.UserID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to review summary")
	}
	if !reviewed {
		// Raced by another reviewer; re-read settles the final state.
		return s.reload(ctx, summaryID)
	}
	s.metrics.RecordLockTransition(string(models.LockStateReviewed))
	s.writeAudit(ctx, actor, models.AuditActionReview, summaryID, nil)
	return s.reload(ctx, summaryID)
}

// lockOverrideAudit gates writes against a locked summary. Unlocked rows
// write freely; locked rows require an administrator with an edit reason and
// return the audit record every override write must carry.
func lockOverrideAudit(actor Actor, summary *models.ExamMarkSummary, editReason *string) (*repository.EditAudit, error) {
	if !summary.Locked() {
		return nil, nil
	}
	if !canOverrideLock(actor) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only administrators may edit locked marks")
	}
	if editReason == nil || *editReason == "" {
		return nil, appErrors.Clone(appErrors.ErrLocked, "edit reason required for locked summary")
	}
	return &repository.EditAudit{EditedBy: actor.UserID, EditReason: *editReason}, nil
}

func (s *MarksService) invalidateSheets(ctx context.Context, examID int64) {
	if s.sheets == nil {
		return
	}
	s.sheets.InvalidateSheets(ctx, examID)
}

func (s *MarksService) findOrCreateSummary(ctx context.Context, key models.SummaryKey) (*models.ExamMarkSummary, error) {
	summary, err := s.summaries.FindByKey(ctx, key)
	if err == nil {
		return summary, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load summary")
	}

	student, err := s.students.FindByID(ctx, key.StudentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}

	fresh := &models.ExamMarkSummary{
		ExamID:    key.ExamID,
		SubjectID: key.SubjectID,
		StudentID: key.StudentID,
		ClassID:   student.ClassID,
		State:     models.LockStateUnlocked,
	}
	if err := s.summaries.Create(ctx, fresh); err != nil {
		if repository.IsUniqueViolation(err) {
			// Lost the creation race; the winner's row is authoritative.
			return s.summaries.FindByKey(ctx, key)
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create summary")
	}
	return fresh, nil
}

func (s *MarksService) reload(ctx context.Context, summaryID int64) (*models.ExamMarkSummary, error) {
	summary, err := s.summaries.FindByID(ctx, summaryID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reload summary")
	}
	return summary, nil
}

func (s *MarksService) writeAudit(ctx context.Context, actor Actor, action string, summaryID int64, payload interface{}) {
	if s.audit == nil {
		return
	}
	log := &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     action,
		Resource:   "exam_mark_summary",
		ResourceID: &summaryID,
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			log.NewValues = raw
		}
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("audit log write failed", zap.String("action", action), zap.Error(err))
	}
}
