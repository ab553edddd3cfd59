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

type matrixSummaryRepo interface {
	FindByKey(ctx context.Context, key models.SummaryKey) (*models.ExamMarkSummary, error)
	FetchByExamAndStudents(ctx context.Context, examID int64, studentIDs []int64) (map[int64]map[int64]models.ExamMarkSummary, error)
	Create(ctx context.Context, summary *models.ExamMarkSummary) error
	UpdateTotals(ctx context.Context, summaryID, expectedVersion int64, theory, practical float64) error
	SetAbsent(ctx context.Context, summaryID, expectedVersion int64, reason string, audit *repository.EditAudit) error
}

type configSubjectReader interface {
	FindActiveByClass(ctx context.Context, classID int64) (*models.ClassConfiguration, error)
	ListSubjects(ctx context.Context, configID int64, activeOnly bool) ([]models.ConfigurationSubject, error)
}

type rosterReader interface {
	ListByClass(ctx context.Context, classID int64, section string) ([]models.Student, error)
}

type formatTotalsReader interface {
	SumMaxByExam(ctx context.Context, examID int64) (map[int64]float64, error)
}

type examReader interface {
	FindByID(ctx context.Context, id int64) (*models.Exam, error)
}

// MatrixCellInput is one cell of a submitted matrix.
type MatrixCellInput struct {
	StudentID      int64    `json:"student_id" validate:"required"`
	SubjectID      int64    `json:"subject_id" validate:"required"`
	TheoryMarks    *float64 `json:"theory_marks" validate:"omitempty,gte=0"`
	PracticalMarks *float64 `json:"practical_marks" validate:"omitempty,gte=0"`
	Absent         bool     `json:"absent"`
	AbsenceReason  string   `json:"absence_reason"`
}

// SaveMatrixRequest submits a bulk grid of subject totals.
type SaveMatrixRequest struct {
	ExamID  int64             `json:"exam_id" validate:"required"`
	ClassID int64             `json:"class_id" validate:"required"`
	Section string            `json:"section"`
	Cells   []MatrixCellInput `json:"cells" validate:"required,min=1,dive"`
}

// MatrixService builds the subjects-by-students mark entry grid and persists
// bulk edits cell by cell. A failing cell never rolls back its neighbours.
type MatrixService struct {
	summaries    matrixSummaryRepo
	configs      configSubjectReader
	students     rosterReader
	formats      formatTotalsReader
	exams        examReader
	audit        auditWriter
	sheets       sheetInvalidator
	writeRetries int
	validator    *validator.Validate
	logger       *zap.Logger
}

// NewMatrixService constructs MatrixService.
func NewMatrixService(summaries matrixSummaryRepo, configs configSubjectReader, students rosterReader, formats formatTotalsReader, exams examReader, audit auditWriter, writeRetries int, validate *validator.Validate, logger *zap.Logger) *MatrixService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if writeRetries <= 0 {
		writeRetries = 3
	}
	return &MatrixService{
		summaries:    summaries,
		configs:      configs,
		students:     students,
		formats:      formats,
		exams:        exams,
		audit:        audit,
		writeRetries: writeRetries,
		validator:    validate,
		logger:       logger,
	}
}

// SetSheetInvalidator attaches the tabulation cache hook. Saved cells drop
// cached sheets for the affected exam.
func (s *MatrixService) SetSheetInvalidator(sheets sheetInvalidator) {
	s.sheets = sheets
}

// BuildMatrix assembles the editable grid for one exam and class. Columns
// come from the class configuration, rows from the roster in roll order, and
// cells from captured summaries. Cells with no summary read as not-entered,
// which is distinct from an entered zero.
func (s *MatrixService) BuildMatrix(ctx context.Context, examID, classID int64, section string) (*models.MarksMatrix, error) {
	if _, err := s.exams.FindByID(ctx, examID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "exam not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load exam")
	}

	columns, err := s.buildColumns(ctx, examID, classID)
	if err != nil {
		return nil, err
	}

	students, err := s.students.ListByClass(ctx, classID, section)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load roster")
	}
	studentIDs := make([]int64, len(students))
	for i, st := range students {
		studentIDs[i] = st.ID
	}

	captured, err := s.summaries.FetchByExamAndStudents(ctx, examID, studentIDs)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load captured marks")
	}

	matrix := &models.MarksMatrix{ExamID: examID, ClassID: classID, Section: section, Columns: columns}
	for _, st := range students {
		row := models.MatrixRow{StudentID: st.ID, StudentName: st.Name, RollNumber: st.RollNumber}
		for _, col := range columns {
			cell := models.MatrixCell{SubjectID: col.SubjectID}
			if summary, ok := captured[st.ID][col.SubjectID]; ok {
				cell.Entered = true
				cell.Absent = summary.IsAbsent
				cell.AbsenceReason = summary.AbsenceReason
				if !summary.IsAbsent {
					theory := summary.TotalTheoryMarks
					practical := summary.TotalPracticalMarks
					if col.TheoryMaxMarks != nil {
						cell.TheoryMarks = &theory
					}
					if col.PracticalMaxMarks != nil {
						cell.PracticalMarks = &practical
					}
				}
			}
			row.Cells = append(row.Cells, cell)
		}
		matrix.Rows = append(matrix.Rows, row)
	}
	return matrix, nil
}

// SaveMatrix persists a submitted grid cell by cell, reporting per-cell
// outcomes. Locked summaries and out-of-range totals fail their own cell
// only; absence clears any submitted numeric marks for that cell.
func (s *MatrixService) SaveMatrix(ctx context.Context, actor Actor, req SaveMatrixRequest) (*models.MatrixSaveResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid matrix payload")
	}

	columns, err := s.buildColumns(ctx, req.ExamID, req.ClassID)
	if err != nil {
		return nil, err
	}
	colBySubject := make(map[int64]models.MatrixColumn, len(columns))
	for _, col := range columns {
		colBySubject[col.SubjectID] = col
	}

	result := &models.MatrixSaveResult{}
	for _, cell := range req.Cells {
		outcome := s.saveCell(ctx, req.ExamID, req.ClassID, colBySubject, cell)
		if outcome.Status == models.CellSaved {
			result.Saved++
		} else {
			result.Failed++
		}
		result.Results = append(result.Results, outcome)
	}

	if s.sheets != nil && result.Saved > 0 {
		s.sheets.InvalidateSheets(ctx, req.ExamID)
	}
	s.writeAudit(ctx, actor, req, result)
	s.logger.Info("matrix saved",
		zap.Int64("exam_id", req.ExamID),
		zap.Int64("class_id", req.ClassID),
		zap.Int("saved", result.Saved),
		zap.Int("failed", result.Failed))
	return result, nil
}

func (s *MatrixService) buildColumns(ctx context.Context, examID, classID int64) ([]models.MatrixColumn, error) {
	config, err := s.configs.FindActiveByClass(ctx, classID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "class has no active subject configuration")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load class configuration")
	}
	entries, err := s.configs.ListSubjects(ctx, config.ID, true)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load configured subjects")
	}
	if len(entries) == 0 {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "class configuration has no subjects")
	}

	formatTotals, err := s.formats.SumMaxByExam(ctx, examID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load question format totals")
	}

	columns := make([]models.MatrixColumn, 0, len(entries))
	for _, entry := range entries {
		col := models.MatrixColumn{
			ConfigSubjectID:   entry.ID,
			SubjectID:         entry.SubjectID,
			SubjectCode:       entry.SubjectCode,
			SubjectName:       entry.SubjectName,
			SubjectType:       entry.SubjectType,
			TotalMaxMarks:     entry.TotalMarks,
			TheoryMaxMarks:    entry.TheoryMarks,
			PracticalMaxMarks: entry.PracticalMarks,
		}
		if total, ok := formatTotals[entry.SubjectID]; ok {
			col.TotalMaxMarks = total
		}
		columns = append(columns, col)
	}
	return columns, nil
}

func (s *MatrixService) saveCell(ctx context.Context, examID, classID int64, columns map[int64]models.MatrixColumn, cell MatrixCellInput) models.MatrixCellResult {
	outcome := models.MatrixCellResult{StudentID: cell.StudentID, SubjectID: cell.SubjectID, Status: models.CellFailed}

	col, ok := columns[cell.SubjectID]
	if !ok {
		outcome.Reason = "subject not configured for class"
		return outcome
	}
	if !cell.Absent {
		if err := validateCellMarks(col, cell); err != nil {
			outcome.Reason = err.Error()
			return outcome
		}
	}
	if cell.Absent && cell.AbsenceReason == "" {
		outcome.Reason = "absence reason required"
		return outcome
	}

	key := models.SummaryKey{ExamID: examID, SubjectID: cell.SubjectID, StudentID: cell.StudentID}
	for attempt := 0; attempt < s.writeRetries; attempt++ {
		summary, err := s.findOrCreateSummary(ctx, key, classID)
		if err != nil {
			outcome.Reason = err.Error()
			return outcome
		}
		if summary.Locked() {
			outcome.Reason = "summary is locked"
			return outcome
		}

		if cell.Absent {
			err = s.summaries.SetAbsent(ctx, summary.ID, summary.Version, cell.AbsenceReason, nil)
		} else {
			var theory, practical float64
			if cell.TheoryMarks != nil {
				theory = *cell.TheoryMarks
			}
			if cell.PracticalMarks != nil {
				practical = *cell.PracticalMarks
			}
			err = s.summaries.UpdateTotals(ctx, summary.ID, summary.Version, theory, practical)
		}
		if err == nil {
			outcome.Status = models.CellSaved
			outcome.Reason = ""
			return outcome
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			outcome.Reason = "failed to save cell"
			return outcome
		}
	}
	outcome.Reason = "concurrent updates kept invalidating the write"
	return outcome
}

func (s *MatrixService) findOrCreateSummary(ctx context.Context, key models.SummaryKey, classID int64) (*models.ExamMarkSummary, error) {
	summary, err := s.summaries.FindByKey(ctx, key)
	if err == nil {
		return summary, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load summary: %w", err)
	}

	fresh := &models.ExamMarkSummary{
		ExamID:    key.ExamID,
		SubjectID: key.SubjectID,
		StudentID: key.StudentID,
		ClassID:   classID,
		State:     models.LockStateUnlocked,
	}
	if err := s.summaries.Create(ctx, fresh); err != nil {
		if repository.IsUniqueViolation(err) {
			return s.summaries.FindByKey(ctx, key)
		}
		return nil, fmt.Errorf("create summary: %w", err)
	}
	return fresh, nil
}

func validateCellMarks(col models.MatrixColumn, cell MatrixCellInput) error {
	if cell.TheoryMarks == nil && cell.PracticalMarks == nil {
		return fmt.Errorf("no marks supplied")
	}
	var total float64
	if cell.TheoryMarks != nil {
		total += *cell.TheoryMarks
	}
	if cell.PracticalMarks != nil {
		total += *cell.PracticalMarks
	}
	// The column max may come from the question-format sum, which can be
	// tighter than the configured theory/practical split.
	if total > col.TotalMaxMarks {
		return fmt.Errorf("marks %.2f exceed configured maximum %.2f", total, col.TotalMaxMarks)
	}
	if cell.TheoryMarks != nil {
		if col.TheoryMaxMarks == nil {
			return fmt.Errorf("subject has no theory component")
		}
		if *cell.TheoryMarks > *col.TheoryMaxMarks {
			return fmt.Errorf("theory marks %.2f exceed maximum %.2f", *cell.TheoryMarks, *col.TheoryMaxMarks)
		}
	}
	if cell.PracticalMarks != nil {
		if col.PracticalMaxMarks == nil {
			return fmt.Errorf("subject has no practical component")
		}
		if *cell.PracticalMarks > *col.PracticalMaxMarks {
			return fmt.Errorf("practical marks %.2f exceed maximum %.2f", *cell.PracticalMarks, *col.PracticalMaxMarks)
		}
	}
	return nil
}

func (s *MatrixService) writeAudit(ctx context.Context, actor Actor, req SaveMatrixRequest, result *models.MatrixSaveResult) {
	if s.audit == nil {
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"exam_id":  req.ExamID,
		"class_id": req.ClassID,
		"saved":    result.Saved,
		"failed":   result.Failed,
	})
	if err != nil {
		return
	}
	log := &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     models.AuditActionMatrixSave,
		Resource:   "marks_matrix",
		ResourceID: &req.ExamID,
		NewValues:  payload,
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("audit log write failed", zap.String("action", models.AuditActionMatrixSave), zap.Error(err))
	}
}
