package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edumatrix/exam-marks-api/internal/models"
	"github.com/edumatrix/exam-marks-api/pkg/config"
	appErrors "github.com/edumatrix/exam-marks-api/pkg/errors"
)

type fakeAttendanceReader struct {
	byStudent map[int64]models.AttendanceSummary
}

func (f *fakeAttendanceReader) SummariesByExam(_ context.Context, _ int64) (map[int64]models.AttendanceSummary, error) {
	return f.byStudent, nil
}

type fakeSheetCache struct {
	sheets map[string]models.TabulationSheet
	hits   int
	misses int
	sets   int
}

func newFakeSheetCache() *fakeSheetCache {
	return &fakeSheetCache{sheets: make(map[string]models.TabulationSheet)}
}

func (f *fakeSheetCache) Get(_ context.Context, key string, dest interface{}) error {
	sheet, ok := f.sheets[key]
	if !ok {
		f.misses++
		return appErrors.ErrCacheMiss
	}
	f.hits++
	*dest.(*models.TabulationSheet) = sheet
	return nil
}

func (f *fakeSheetCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	f.sets++
	f.sheets[key] = *value.(*models.TabulationSheet)
	return nil
}

func (f *fakeSheetCache) DeleteByPattern(_ context.Context, _ string) error {
	f.sheets = make(map[string]models.TabulationSheet)
	return nil
}

func testGrading() config.GradingConfig {
	return config.GradingConfig{
		Bands: []config.GradeBand{
			{MinPercent: 80, Letter: "A"},
			{MinPercent: 60, Letter: "B"},
			{MinPercent: 40, Letter: "C"},
		},
		FailGrade: "F",
	}
}

type tabulationFixture struct {
	svc   *TabulationService
	store *fakeSummaryStore
	cache *fakeSheetCache
}

// newTabulationFixture wires class 1 with one subject (total 100, passing 40)
// and a roster of four students.
func newTabulationFixture(cacheTTL time.Duration) tabulationFixture {
	store := newFakeSummaryStore()
	configs := newFakeConfigurationRepo()
	cfg := configs.seedConfig(models.ClassConfiguration{ClassName: "10", Section: "A", AcademicYear: "2025-2026", Active: true})

	theory := 100.0
	configs.entries[configKey{cfg.ID, 20}] = models.ConfigurationSubject{
		ID: 1, ConfigurationID: cfg.ID, SubjectID: 20,
		TotalMarks: 100, PassingMarks: 40, TheoryMarks: &theory,
		Active: true, SubjectCode: "PHY101", SubjectName: "Physics", SubjectType: models.SubjectTheory,
	}

	students := &fakeStudentReader{students: map[int64]models.Student{
		100: {ID: 100, Name: "Asha Rao", RollNumber: 1, ClassID: cfg.ID, Section: "A", Active: true},
		101: {ID: 101, Name: "Bimal Sen", RollNumber: 2, ClassID: cfg.ID, Section: "A", Active: true},
		102: {ID: 102, Name: "Chitra Das", RollNumber: 3, ClassID: cfg.ID, Section: "A", Active: true},
		103: {ID: 103, Name: "Dev Nair", RollNumber: 4, ClassID: cfg.ID, Section: "A", Active: true},
	}}
	formats := &fakeFormatReader{formats: map[int64]models.QuestionFormat{}}
	exams := &fakeExamReader{exams: map[int64]models.Exam{7: {ID: 7, Name: "Midterm", AcademicYear: "2025-2026", Active: true}}}
	attendance := &fakeAttendanceReader{byStudent: map[int64]models.AttendanceSummary{
		100: {StudentID: 100, WorkingDays: 120, PresentDays: 115},
	}}
	cache := newFakeSheetCache()

	svc := NewTabulationService(store, configs, students, formats, exams, attendance, cache, nil, testGrading(), cacheTTL, nil)
	return tabulationFixture{svc: svc, store: store, cache: cache}
}

func TestBuildSheetCompetitionRanking(t *testing.T) {
	fx := newTabulationFixture(0)
	fx.store.seed(models.ExamMarkSummary{ExamID: 7, SubjectID: 20, StudentID: 100, ClassID: 1, TotalTheoryMarks: 90})
	fx.store.seed(models.ExamMarkSummary{ExamID: 7, SubjectID: 20, StudentID: 101, ClassID: 1, TotalTheoryMarks: 90})
	fx.store.seed(models.ExamMarkSummary{ExamID: 7, SubjectID: 20, StudentID: 102, ClassID: 1, TotalTheoryMarks: 70})
	reason := "medical leave"
	fx.store.seed(models.ExamMarkSummary{ExamID: 7, SubjectID: 20, StudentID: 103, ClassID: 1, IsAbsent: true, AbsenceReason: &reason})

	sheet, err := fx.svc.BuildSheet(context.Background(), 7, 1, "A")
	require.NoError(t, err)
	require.Len(t, sheet.Rows, 4)

	// Tied leaders share rank 1, the next distinct percentage takes rank 3.
	assert.Equal(t, 1, sheet.Rows[0].Rank)
	assert.Equal(t, 1, sheet.Rows[1].Rank)
	assert.Equal(t, 3, sheet.Rows[2].Rank)
	assert.Equal(t, 1, sheet.Rows[0].RollNumber)
	assert.Equal(t, 2, sheet.Rows[1].RollNumber)

	// The absent student sorts last and stays unranked.
	last := sheet.Rows[3]
	assert.Equal(t, int64(103), last.StudentID)
	assert.Zero(t, last.Rank)
	assert.True(t, last.Absent)
	assert.Equal(t, "F", last.Grade)

	assert.Equal(t, 90.0, sheet.Rows[0].Percentage)
	assert.Equal(t, "A", sheet.Rows[0].Grade)
	assert.Equal(t, "B", sheet.Rows[2].Grade)

	// Attendance is passed through untouched.
	assert.Equal(t, 120, sheet.Rows[0].WorkingDays)
	assert.Equal(t, 115, sheet.Rows[0].PresentDays)
}

func TestBuildSheetFailedSubjectFailsRow(t *testing.T) {
	fx := newTabulationFixture(0)
	// 30/100 is under the passing mark of 40.
	fx.store.seed(models.ExamMarkSummary{ExamID: 7, SubjectID: 20, StudentID: 100, ClassID: 1, TotalTheoryMarks: 30})

	sheet, err := fx.svc.BuildSheet(context.Background(), 7, 1, "A")
	require.NoError(t, err)

	var row models.TabulationRow
	for _, r := range sheet.Rows {
		if r.StudentID == 100 {
			row = r
		}
	}
	require.Len(t, row.Subjects, 1)
	assert.False(t, row.Subjects[0].Passed)
	assert.Equal(t, "F", row.Subjects[0].Grade)
	assert.Equal(t, "F", row.Grade)
	// A failed row still ranks; failing is not absence.
	assert.NotZero(t, row.Rank)
}

func TestBuildSheetUnenteredRowsUnranked(t *testing.T) {
	fx := newTabulationFixture(0)
	fx.store.seed(models.ExamMarkSummary{ExamID: 7, SubjectID: 20, StudentID: 100, ClassID: 1, TotalTheoryMarks: 50})

	sheet, err := fx.svc.BuildSheet(context.Background(), 7, 1, "A")
	require.NoError(t, err)

	assert.Equal(t, int64(100), sheet.Rows[0].StudentID)
	assert.Equal(t, 1, sheet.Rows[0].Rank)
	for _, row := range sheet.Rows[1:] {
		assert.Zero(t, row.Rank)
		assert.False(t, row.Subjects[0].Entered)
	}
}

func TestBuildSheetServesFromCache(t *testing.T) {
	fx := newTabulationFixture(time.Minute)
	fx.store.seed(models.ExamMarkSummary{ExamID: 7, SubjectID: 20, StudentID: 100, ClassID: 1, TotalTheoryMarks: 50})

	first, err := fx.svc.BuildSheet(context.Background(), 7, 1, "A")
	require.NoError(t, err)
	assert.Equal(t, 1, fx.cache.misses)
	assert.Equal(t, 1, fx.cache.sets)

	second, err := fx.svc.BuildSheet(context.Background(), 7, 1, "A")
	require.NoError(t, err)
	assert.Equal(t, 1, fx.cache.hits)
	assert.Equal(t, first.GeneratedAt, second.GeneratedAt)

	fx.svc.InvalidateSheets(context.Background(), 7)
	_, err = fx.svc.BuildSheet(context.Background(), 7, 1, "A")
	require.NoError(t, err)
	assert.Equal(t, 2, fx.cache.misses)
}

func TestExportCSVMarksAbsentAndUnentered(t *testing.T) {
	fx := newTabulationFixture(0)
	fx.store.seed(models.ExamMarkSummary{ExamID: 7, SubjectID: 20, StudentID: 100, ClassID: 1, TotalTheoryMarks: 90})
	reason := "medical leave"
	fx.store.seed(models.ExamMarkSummary{ExamID: 7, SubjectID: 20, StudentID: 101, ClassID: 1, IsAbsent: true, AbsenceReason: &reason})

	data, err := fx.svc.ExportCSV(context.Background(), 7, 1, "A")
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, "PHY101")
	assert.Contains(t, out, "90.00")
	assert.Contains(t, out, "AB")
	assert.Contains(t, out, "-")
	assert.Contains(t, out, "115/120")
}

func TestExportPDFRenders(t *testing.T) {
	fx := newTabulationFixture(0)
	fx.store.seed(models.ExamMarkSummary{ExamID: 7, SubjectID: 20, StudentID: 100, ClassID: 1, TotalTheoryMarks: 90})

	data, err := fx.svc.ExportPDF(context.Background(), 7, 1, "A")
	require.NoError(t, err)
	assert.NotEmpty(t, data)
	assert.Equal(t, "%PDF", string(data[:4]))
}

func TestPercentOfZeroMaxGuard(t *testing.T) {
	assert.Zero(t, percentOf(10, 0))
	assert.Zero(t, percentOf(0, -5))
	assert.Equal(t, 66.67, percentOf(2, 3))
}

func TestRankRowsEmpty(t *testing.T) {
	rankRows(nil)
	rows := []models.TabulationRow{}
	rankRows(rows)
	assert.Empty(t, rows)
}
