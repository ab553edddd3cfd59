package service

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edumatrix/exam-marks-api/internal/models"
	"github.com/edumatrix/exam-marks-api/internal/repository"
	appErrors "github.com/edumatrix/exam-marks-api/pkg/errors"
)

func (f *fakeSummaryStore) FetchByExamAndStudents(_ context.Context, examID int64, studentIDs []int64) (map[int64]map[int64]models.ExamMarkSummary, error) {
	result := make(map[int64]map[int64]models.ExamMarkSummary)
	wanted := make(map[int64]bool, len(studentIDs))
	for _, id := range studentIDs {
		wanted[id] = true
	}
	for _, summary := range f.summaries {
		if summary.ExamID != examID || !wanted[summary.StudentID] {
			continue
		}
		if result[summary.StudentID] == nil {
			result[summary.StudentID] = make(map[int64]models.ExamMarkSummary)
		}
		result[summary.StudentID][summary.SubjectID] = summary
	}
	return result, nil
}

func (f *fakeSummaryStore) UpdateTotals(_ context.Context, summaryID, expectedVersion int64, theory, practical float64) error {
	if f.forceConflicts > 0 {
		f.forceConflicts--
		return repository.ErrVersionConflict
	}
	summary, ok := f.summaries[summaryID]
	if !ok || summary.Version != expectedVersion {
		return repository.ErrVersionConflict
	}
	summary.TotalTheoryMarks = theory
	summary.TotalPracticalMarks = practical
	summary.IsAbsent = false
	summary.AbsenceReason = nil
	summary.Version++
	f.summaries[summaryID] = summary
	return nil
}

func (f *fakeFormatReader) SumMaxByExam(_ context.Context, examID int64) (map[int64]float64, error) {
	totals := make(map[int64]float64)
	for _, format := range f.formats {
		if format.ExamID == examID {
			totals[format.SubjectID] += format.MaxMarks
		}
	}
	return totals, nil
}

type fakeExamReader struct {
	exams map[int64]models.Exam
}

func (f *fakeExamReader) FindByID(_ context.Context, id int64) (*models.Exam, error) {
	exam, ok := f.exams[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &exam, nil
}

type matrixFixture struct {
	svc      *MatrixService
	store    *fakeSummaryStore
	configs  *fakeConfigurationRepo
	students *fakeStudentReader
	formats  *fakeFormatReader
	audit    *fakeAuditWriter
}

// newMatrixFixture wires class 1 with a BOTH subject (70/30) and a
// theory-only subject (100), and a roster of two students.
func newMatrixFixture() matrixFixture {
	store := newFakeSummaryStore()
	configs := newFakeConfigurationRepo()
	config := configs.seedConfig(models.ClassConfiguration{ClassName: "10", Section: "A", AcademicYear: "2025-2026", Active: true})

	theory := 70.0
	practical := 30.0
	configs.entries[configKey{config.ID, 20}] = models.ConfigurationSubject{
		ID: 1, ConfigurationID: config.ID, SubjectID: 20,
		TotalMarks: 100, PassingMarks: 40,
		TheoryMarks: &theory, PracticalMarks: &practical,
		Active: true, SubjectCode: "PHY101", SubjectName: "Physics", SubjectType: models.SubjectBoth,
	}
	full := 100.0
	configs.entries[configKey{config.ID, 21}] = models.ConfigurationSubject{
		ID: 2, ConfigurationID: config.ID, SubjectID: 21,
		TotalMarks: 100, PassingMarks: 35,
		TheoryMarks: &full,
		Active:      true, SubjectCode: "MAT101", SubjectName: "Mathematics", SubjectType: models.SubjectTheory,
	}

	students := &fakeStudentReader{students: map[int64]models.Student{
		100: {ID: 100, Name: "Asha Rao", RollNumber: 1, ClassID: config.ID, Section: "A", Active: true},
		101: {ID: 101, Name: "Bimal Sen", RollNumber: 2, ClassID: config.ID, Section: "A", Active: true},
	}}
	formats := &fakeFormatReader{formats: map[int64]models.QuestionFormat{}}
	exams := &fakeExamReader{exams: map[int64]models.Exam{7: {ID: 7, Name: "Midterm", AcademicYear: "2025-2026", Active: true}}}
	audit := &fakeAuditWriter{}

	svc := NewMatrixService(store, configs, students, formats, exams, audit, 3, nil, nil)
	return matrixFixture{svc: svc, store: store, configs: configs, students: students, formats: formats, audit: audit}
}

func TestBuildMatrixCellStates(t *testing.T) {
	fx := newMatrixFixture()
	fx.store.seed(models.ExamMarkSummary{ExamID: 7, SubjectID: 20, StudentID: 100, ClassID: 1, TotalTheoryMarks: 55, TotalPracticalMarks: 22})
	reason := "medical leave"
	fx.store.seed(models.ExamMarkSummary{ExamID: 7, SubjectID: 21, StudentID: 100, ClassID: 1, IsAbsent: true, AbsenceReason: &reason})

	matrix, err := fx.svc.BuildMatrix(context.Background(), 7, 1, "A")
	require.NoError(t, err)
	require.Len(t, matrix.Columns, 2)
	require.Len(t, matrix.Rows, 2)

	var entered, absent, blank models.MatrixCell
	for _, row := range matrix.Rows {
		for i, cell := range row.Cells {
			switch {
			case row.StudentID == 100 && cell.SubjectID == 20:
				entered = row.Cells[i]
			case row.StudentID == 100 && cell.SubjectID == 21:
				absent = row.Cells[i]
			case row.StudentID == 101 && cell.SubjectID == 20:
				blank = row.Cells[i]
			}
		}
	}

	assert.True(t, entered.Entered)
	require.NotNil(t, entered.TheoryMarks)
	assert.Equal(t, 55.0, *entered.TheoryMarks)
	require.NotNil(t, entered.PracticalMarks)
	assert.Equal(t, 22.0, *entered.PracticalMarks)

	assert.True(t, absent.Entered)
	assert.True(t, absent.Absent)
	assert.Nil(t, absent.TheoryMarks)

	// Never captured: distinct from an entered zero.
	assert.False(t, blank.Entered)
	assert.Nil(t, blank.TheoryMarks)
}

func TestBuildMatrixRequiresConfiguration(t *testing.T) {
	fx := newMatrixFixture()

	_, err := fx.svc.BuildMatrix(context.Background(), 7, 999, "")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrPreconditionFailed.Code))

	_, err = fx.svc.BuildMatrix(context.Background(), 404, 1, "")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound.Code))
}

func TestSaveMatrixPerCellOutcomes(t *testing.T) {
	fx := newMatrixFixture()
	actor := Actor{UserID: 9, Role: models.RoleTeacher}

	theory := 60.0
	practical := 25.0
	over := 105.0
	result, err := fx.svc.SaveMatrix(context.Background(), actor, SaveMatrixRequest{
		ExamID: 7, ClassID: 1,
		Cells: []MatrixCellInput{
			{StudentID: 100, SubjectID: 20, TheoryMarks: &theory, PracticalMarks: &practical},
			{StudentID: 101, SubjectID: 21, TheoryMarks: &over},
			{StudentID: 100, SubjectID: 99, TheoryMarks: &theory},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Saved)
	assert.Equal(t, 2, result.Failed)
	require.Len(t, result.Results, 3)

	assert.Equal(t, models.CellSaved, result.Results[0].Status)
	assert.Equal(t, models.CellFailed, result.Results[1].Status)
	assert.Contains(t, result.Results[1].Reason, "exceed maximum")
	assert.Equal(t, models.CellFailed, result.Results[2].Status)
	assert.Equal(t, "subject not configured for class", result.Results[2].Reason)

	saved, err := fx.store.FindByKey(context.Background(), models.SummaryKey{ExamID: 7, SubjectID: 20, StudentID: 100})
	require.NoError(t, err)
	assert.Equal(t, 60.0, saved.TotalTheoryMarks)
	assert.Equal(t, 25.0, saved.TotalPracticalMarks)

	require.Len(t, fx.audit.logs, 1)
	assert.Equal(t, models.AuditActionMatrixSave, fx.audit.logs[0].Action)
}

func TestSaveMatrixFormatSumCapsCombinedMarks(t *testing.T) {
	fx := newMatrixFixture()
	// The question layout for Physics adds up to 80, tighter than the
	// configured 70/30 split.
	fx.formats.formats[1] = models.QuestionFormat{ID: 1, ExamID: 7, SubjectID: 20, QuestionNumber: 1, UnitName: "Mechanics", QuestionType: models.MarkTheory, MaxMarks: 55}
	fx.formats.formats[2] = models.QuestionFormat{ID: 2, ExamID: 7, SubjectID: 20, QuestionNumber: 2, UnitName: "Lab", QuestionType: models.MarkPractical, MaxMarks: 25}

	theory := 60.0
	practical := 25.0
	result, err := fx.svc.SaveMatrix(context.Background(), Actor{UserID: 9, Role: models.RoleTeacher}, SaveMatrixRequest{
		ExamID: 7, ClassID: 1,
		Cells: []MatrixCellInput{{StudentID: 100, SubjectID: 20, TheoryMarks: &theory, PracticalMarks: &practical}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Contains(t, result.Results[0].Reason, "exceed configured maximum")

	// Within both the component maxima and the combined cap.
	okTheory := 55.0
	okPractical := 25.0
	result, err = fx.svc.SaveMatrix(context.Background(), Actor{UserID: 9, Role: models.RoleTeacher}, SaveMatrixRequest{
		ExamID: 7, ClassID: 1,
		Cells: []MatrixCellInput{{StudentID: 100, SubjectID: 20, TheoryMarks: &okTheory, PracticalMarks: &okPractical}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Saved)
}

func TestSaveMatrixInvalidatesTabulationCache(t *testing.T) {
	fx := newMatrixFixture()
	sheets := &fakeSheetInvalidator{}
	fx.svc.SetSheetInvalidator(sheets)

	theory := 40.0
	_, err := fx.svc.SaveMatrix(context.Background(), Actor{UserID: 9, Role: models.RoleTeacher}, SaveMatrixRequest{
		ExamID: 7, ClassID: 1,
		Cells: []MatrixCellInput{{StudentID: 100, SubjectID: 20, TheoryMarks: &theory}},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, sheets.examIDs)

	// A save where every cell fails leaves cached sheets alone.
	_, err = fx.svc.SaveMatrix(context.Background(), Actor{UserID: 9, Role: models.RoleTeacher}, SaveMatrixRequest{
		ExamID: 7, ClassID: 1,
		Cells: []MatrixCellInput{{StudentID: 100, SubjectID: 99, TheoryMarks: &theory}},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, sheets.examIDs)
}

func TestSaveMatrixAbsenceClearsMarks(t *testing.T) {
	fx := newMatrixFixture()
	seeded := fx.store.seed(models.ExamMarkSummary{ExamID: 7, SubjectID: 20, StudentID: 100, ClassID: 1, TotalTheoryMarks: 50, TotalPracticalMarks: 20})

	result, err := fx.svc.SaveMatrix(context.Background(), Actor{UserID: 9, Role: models.RoleTeacher}, SaveMatrixRequest{
		ExamID: 7, ClassID: 1,
		Cells: []MatrixCellInput{
			{StudentID: 100, SubjectID: 20, Absent: true, AbsenceReason: "medical leave"},
			{StudentID: 101, SubjectID: 20, Absent: true},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Saved)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, "absence reason required", result.Results[1].Reason)

	summary := fx.store.summaries[seeded.ID]
	assert.True(t, summary.IsAbsent)
	assert.Zero(t, summary.TotalTheoryMarks)
	assert.Zero(t, summary.TotalPracticalMarks)
}

func TestSaveMatrixLockedCellFails(t *testing.T) {
	fx := newMatrixFixture()
	fx.store.seed(models.ExamMarkSummary{ExamID: 7, SubjectID: 20, StudentID: 100, ClassID: 1, State: models.LockStateLocked})

	theory := 40.0
	result, err := fx.svc.SaveMatrix(context.Background(), Actor{UserID: 9, Role: models.RoleTeacher}, SaveMatrixRequest{
		ExamID: 7, ClassID: 1,
		Cells: []MatrixCellInput{{StudentID: 100, SubjectID: 20, TheoryMarks: &theory}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, "summary is locked", result.Results[0].Reason)
}

func TestSaveMatrixStaleCell(t *testing.T) {
	fx := newMatrixFixture()
	fx.store.seed(models.ExamMarkSummary{ExamID: 7, SubjectID: 20, StudentID: 100, ClassID: 1})
	fx.store.forceConflicts = 3

	theory := 40.0
	result, err := fx.svc.SaveMatrix(context.Background(), Actor{UserID: 9, Role: models.RoleTeacher}, SaveMatrixRequest{
		ExamID: 7, ClassID: 1,
		Cells: []MatrixCellInput{{StudentID: 100, SubjectID: 20, TheoryMarks: &theory}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Contains(t, result.Results[0].Reason, "concurrent updates")
}
