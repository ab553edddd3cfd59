package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/edumatrix/exam-marks-api/internal/models"
	"github.com/edumatrix/exam-marks-api/pkg/config"
	appErrors "github.com/edumatrix/exam-marks-api/pkg/errors"
	"github.com/edumatrix/exam-marks-api/pkg/export"
)

type tabulationSummaryRepo interface {
	FetchByExamAndStudents(ctx context.Context, examID int64, studentIDs []int64) (map[int64]map[int64]models.ExamMarkSummary, error)
}

type attendanceReader interface {
	SummariesByExam(ctx context.Context, examID int64) (map[int64]models.AttendanceSummary, error)
}

type sheetCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// TabulationService derives the ranked per-class report from captured
// summaries. Sheets are pure reads; nothing here mutates marks.
type TabulationService struct {
	summaries  tabulationSummaryRepo
	configs    configSubjectReader
	students   rosterReader
	formats    formatTotalsReader
	exams      examReader
	attendance attendanceReader
	cache      sheetCache
	metrics    *MetricsService
	grading    config.GradingConfig
	cacheTTL   time.Duration
	csv        *export.CSVExporter
	pdf        *export.PDFExporter
	logger     *zap.Logger
}

// NewTabulationService constructs TabulationService.
func NewTabulationService(summaries tabulationSummaryRepo, configs configSubjectReader, students rosterReader, formats formatTotalsReader, exams examReader, attendance attendanceReader, cache sheetCache, metrics *MetricsService, grading config.GradingConfig, cacheTTL time.Duration, logger *zap.Logger) *TabulationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TabulationService{
		summaries:  summaries,
		configs:    configs,
		students:   students,
		formats:    formats,
		exams:      exams,
		attendance: attendance,
		cache:      cache,
		metrics:    metrics,
		grading:    grading,
		cacheTTL:   cacheTTL,
		csv:        export.NewCSVExporter(),
		pdf:        export.NewPDFExporter(),
		logger:     logger,
	}
}

// BuildSheet assembles the ranked tabulation sheet for one exam and class.
// Recent sheets are served from cache; marks written after the TTL window
// show up on the next rebuild.
func (s *TabulationService) BuildSheet(ctx context.Context, examID, classID int64, section string) (*models.TabulationSheet, error) {
	cacheKey := fmt.Sprintf("tabulation:%d:%d:%s", examID, classID, section)
	if s.cache != nil && s.cacheTTL > 0 {
		var cached models.TabulationSheet
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			s.metrics.RecordTabulationCache(true)
			return &cached, nil
		}
		s.metrics.RecordTabulationCache(false)
	}

	sheet, err := s.assemble(ctx, examID, classID, section)
	if err != nil {
		return nil, err
	}

	if s.cache != nil && s.cacheTTL > 0 {
		if err := s.cache.Set(ctx, cacheKey, sheet, s.cacheTTL); err != nil {
			s.logger.Warn("tabulation cache write failed", zap.String("key", cacheKey), zap.Error(err))
		}
	}
	return sheet, nil
}

// InvalidateSheets drops cached sheets for one exam after bulk mark edits.
func (s *TabulationService) InvalidateSheets(ctx context.Context, examID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteByPattern(ctx, fmt.Sprintf("tabulation:%d:*", examID)); err != nil {
		s.logger.Warn("tabulation cache invalidation failed", zap.Int64("exam_id", examID), zap.Error(err))
	}
}

// ExportCSV renders a sheet as CSV.
func (s *TabulationService) ExportCSV(ctx context.Context, examID, classID int64, section string) ([]byte, error) {
	sheet, err := s.BuildSheet(ctx, examID, classID, section)
	if err != nil {
		return nil, err
	}
	data, err := s.csv.Render(toExportSheet(sheet))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv")
	}
	return data, nil
}

// ExportPDF renders a sheet as a landscape PDF.
func (s *TabulationService) ExportPDF(ctx context.Context, examID, classID int64, section string) ([]byte, error) {
	sheet, err := s.BuildSheet(ctx, examID, classID, section)
	if err != nil {
		return nil, err
	}
	title := fmt.Sprintf("Tabulation Sheet - Exam %d - Class %d", examID, classID)
	data, err := s.pdf.Render(toExportSheet(sheet), title)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pdf")
	}
	return data, nil
}

func (s *TabulationService) assemble(ctx context.Context, examID, classID int64, section string) (*models.TabulationSheet, error) {
	if _, err := s.exams.FindByID(ctx, examID); err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "exam not found")
	}

	config, err := s.configs.FindActiveByClass(ctx, classID)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "class has no active subject configuration")
	}
	entries, err := s.configs.ListSubjects(ctx, config.ID, true)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load configured subjects")
	}
	if len(entries) == 0 {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "class configuration has no subjects")
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

	formatTotals, err := s.formats.SumMaxByExam(ctx, examID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load question format totals")
	}

	var attendance map[int64]models.AttendanceSummary
	if s.attendance != nil {
		attendance, err = s.attendance.SummariesByExam(ctx, examID)
		if err != nil {
			s.logger.Warn("attendance lookup failed", zap.Int64("exam_id", examID), zap.Error(err))
			attendance = nil
		}
	}

	sheet := &models.TabulationSheet{
		ClassID:     classID,
		Section:     section,
		ExamID:      examID,
		GeneratedAt: time.Now().UTC(),
	}
	for _, st := range students {
		row := s.buildRow(st, entries, captured[st.ID], formatTotals)
		if att, ok := attendance[st.ID]; ok {
			row.WorkingDays = att.WorkingDays
			row.PresentDays = att.PresentDays
		}
		sheet.Rows = append(sheet.Rows, row)
	}

	rankRows(sheet.Rows)
	return sheet, nil
}

func (s *TabulationService) buildRow(st models.Student, entries []models.ConfigurationSubject, summaries map[int64]models.ExamMarkSummary, formatTotals map[int64]float64) models.TabulationRow {
	row := models.TabulationRow{
		StudentID:   st.ID,
		StudentName: st.Name,
		RollNumber:  st.RollNumber,
	}

	allAbsent := true
	anyEntered := false
	allPassed := true
	for _, entry := range entries {
		maxMarks := entry.TotalMarks
		if total, ok := formatTotals[entry.SubjectID]; ok {
			maxMarks = total
		}
		result := models.SubjectResult{
			SubjectID:   entry.SubjectID,
			SubjectCode: entry.SubjectCode,
			SubjectName: entry.SubjectName,
			MaxMarks:    maxMarks,
		}

		if summary, ok := summaries[entry.SubjectID]; ok {
			result.Entered = true
			anyEntered = true
			result.Absent = summary.IsAbsent
			if !summary.IsAbsent {
				allAbsent = false
				result.TheoryMarks = summary.TotalTheoryMarks
				result.PracticalMarks = summary.TotalPracticalMarks
				result.Total = summary.TotalTheoryMarks + summary.TotalPracticalMarks
				result.Passed = subjectPassed(entry, summary)
				result.Grade = s.gradeFor(percentOf(result.Total, maxMarks))
				if !result.Passed {
					result.Grade = s.grading.FailGrade
				}
			} else {
				result.Grade = s.grading.FailGrade
				result.Passed = false
			}
		}
		if !result.Passed {
			allPassed = false
		}

		row.Subjects = append(row.Subjects, result)
		row.TotalObtained += result.Total
		row.TotalMax += maxMarks
	}

	row.Percentage = percentOf(row.TotalObtained, row.TotalMax)
	row.Absent = anyEntered && allAbsent
	if row.Absent || !anyEntered {
		row.Grade = s.grading.FailGrade
	} else if allPassed {
		row.Grade = s.gradeFor(row.Percentage)
	} else {
		row.Grade = s.grading.FailGrade
	}
	return row
}

// gradeFor maps a percentage onto the configured bands, which are sorted by
// descending minimum.
func (s *TabulationService) gradeFor(percent float64) string {
	for _, band := range s.grading.Bands {
		if percent >= band.MinPercent {
			return band.Letter
		}
	}
	return s.grading.FailGrade
}

// subjectPassed checks the aggregate and per-component passing thresholds.
func subjectPassed(entry models.ConfigurationSubject, summary models.ExamMarkSummary) bool {
	total := summary.TotalTheoryMarks + summary.TotalPracticalMarks
	if total < entry.PassingMarks {
		return false
	}
	if entry.TheoryPassingMarks != nil && summary.TotalTheoryMarks < *entry.TheoryPassingMarks {
		return false
	}
	if entry.PracticalPassingMarks != nil && summary.TotalPracticalMarks < *entry.PracticalPassingMarks {
		return false
	}
	return true
}

// percentOf guards the zero-max case so empty configurations never divide
// by zero.
func percentOf(obtained, max float64) float64 {
	if max <= 0 {
		return 0
	}
	return math.Round(obtained/max*10000) / 100
}

// rankRows applies standard competition ranking by percentage: equal
// percentages share a rank and the next distinct percentage skips past the
// tied group. Absent and empty rows sort last and stay unranked.
func rankRows(rows []models.TabulationRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		ri, rj := rows[i], rows[j]
		if rankable(ri) != rankable(rj) {
			return rankable(ri)
		}
		if ri.Percentage != rj.Percentage {
			return ri.Percentage > rj.Percentage
		}
		if ri.TotalObtained != rj.TotalObtained {
			return ri.TotalObtained > rj.TotalObtained
		}
		return ri.RollNumber < rj.RollNumber
	})

	rank := 0
	prev := math.Inf(1)
	for i := range rows {
		if !rankable(rows[i]) {
			rows[i].Rank = 0
			continue
		}
		if rows[i].Percentage != prev {
			rank = i + 1
			prev = rows[i].Percentage
		}
		rows[i].Rank = rank
	}
}

func rankable(row models.TabulationRow) bool {
	if row.Absent {
		return false
	}
	for _, subj := range row.Subjects {
		if subj.Entered && !subj.Absent {
			return true
		}
	}
	return false
}

func toExportSheet(sheet *models.TabulationSheet) export.Sheet {
	headers := []string{"Rank", "Roll", "Student"}
	for _, subj := range firstRowSubjects(sheet) {
		headers = append(headers, subj.SubjectCode)
	}
	headers = append(headers, "Total", "Percent", "Grade", "Present/Working")

	out := export.Sheet{Headers: headers}
	for _, row := range sheet.Rows {
		record := map[string]string{
			"Rank":            rankLabel(row),
			"Roll":            fmt.Sprintf("%d", row.RollNumber),
			"Student":         row.StudentName,
			"Total":           fmt.Sprintf("%.2f/%.2f", row.TotalObtained, row.TotalMax),
			"Percent":         fmt.Sprintf("%.2f", row.Percentage),
			"Grade":           row.Grade,
			"Present/Working": fmt.Sprintf("%d/%d", row.PresentDays, row.WorkingDays),
		}
		for _, subj := range row.Subjects {
			if subj.Absent {
				record[subj.SubjectCode] = "AB"
			} else if subj.Entered {
				record[subj.SubjectCode] = fmt.Sprintf("%.2f", subj.Total)
			} else {
				record[subj.SubjectCode] = "-"
			}
		}
		out.Rows = append(out.Rows, record)
	}
	return out
}

func firstRowSubjects(sheet *models.TabulationSheet) []models.SubjectResult {
	if len(sheet.Rows) == 0 {
		return nil
	}
	return sheet.Rows[0].Subjects
}

func rankLabel(row models.TabulationRow) string {
	if row.Rank == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", row.Rank)
}
