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

type fakeSummaryStore struct {
	summaries map[int64]models.ExamMarkSummary
	byKey     map[models.SummaryKey]int64
	details   map[int64]map[int64]models.ExamMarkDetail
	nextID    int64

	// forceConflicts makes the next N version-checked writes fail.
	forceConflicts int
	lastAudit      *repository.EditAudit
}

func newFakeSummaryStore() *fakeSummaryStore {
	return &fakeSummaryStore{
		summaries: make(map[int64]models.ExamMarkSummary),
		byKey:     make(map[models.SummaryKey]int64),
		details:   make(map[int64]map[int64]models.ExamMarkDetail),
	}
}

func (f *fakeSummaryStore) seed(summary models.ExamMarkSummary) models.ExamMarkSummary {
	f.nextID++
	summary.ID = f.nextID
	if summary.Version == 0 {
		summary.Version = 1
	}
	if summary.State == "" {
		summary.State = models.LockStateUnlocked
	}
	f.summaries[summary.ID] = summary
	f.byKey[models.SummaryKey{ExamID: summary.ExamID, SubjectID: summary.SubjectID, StudentID: summary.StudentID}] = summary.ID
	return summary
}

func (f *fakeSummaryStore) FindByKey(_ context.Context, key models.SummaryKey) (*models.ExamMarkSummary, error) {
	id, ok := f.byKey[key]
	if !ok {
		return nil, sql.ErrNoRows
	}
	summary := f.summaries[id]
	return &summary, nil
}

func (f *fakeSummaryStore) FindByID(_ context.Context, id int64) (*models.ExamMarkSummary, error) {
	summary, ok := f.summaries[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &summary, nil
}

func (f *fakeSummaryStore) Create(_ context.Context, summary *models.ExamMarkSummary) error {
	key := models.SummaryKey{ExamID: summary.ExamID, SubjectID: summary.SubjectID, StudentID: summary.StudentID}
	if _, ok := f.byKey[key]; ok {
		return errDuplicateKey{}
	}
	stored := f.seed(*summary)
	*summary = stored
	return nil
}

func (f *fakeSummaryStore) UpsertDetailAndRecompute(_ context.Context, summaryID, expectedVersion int64, detail *models.ExamMarkDetail, audit *repository.EditAudit) error {
	if f.forceConflicts > 0 {
		f.forceConflicts--
		return repository.ErrVersionConflict
	}
	summary, ok := f.summaries[summaryID]
	if !ok || summary.Version != expectedVersion {
		return repository.ErrVersionConflict
	}

	if f.details[summaryID] == nil {
		f.details[summaryID] = make(map[int64]models.ExamMarkDetail)
	}
	detail.SummaryID = summaryID
	f.details[summaryID][detail.QuestionFormatID] = *detail

	var theory, practical float64
	for _, d := range f.details[summaryID] {
		if d.QuestionType == models.MarkTheory {
			theory += d.ObtainedMarks
		} else {
			practical += d.ObtainedMarks
		}
	}
	summary.TotalTheoryMarks = theory
	summary.TotalPracticalMarks = practical
	summary.Version++
	if audit != nil {
		summary.WasEdited = true
		summary.EditedBy = &audit.EditedBy
		reason := audit.EditReason
		summary.EditReason = &reason
	}
	f.lastAudit = audit
	f.summaries[summaryID] = summary
	return nil
}

func (f *fakeSummaryStore) SetAbsent(_ context.Context, summaryID, expectedVersion int64, reason string, audit *repository.EditAudit) error {
	if f.forceConflicts > 0 {
		f.forceConflicts--
		return repository.ErrVersionConflict
	}
	summary, ok := f.summaries[summaryID]
	if !ok || summary.Version != expectedVersion {
		return repository.ErrVersionConflict
	}
	summary.IsAbsent = true
	summary.AbsenceReason = &reason
	summary.TotalTheoryMarks = 0
	summary.TotalPracticalMarks = 0
	summary.Version++
	if audit != nil {
		summary.WasEdited = true
		summary.EditedBy = &audit.EditedBy
		reason := audit.EditReason
		summary.EditReason = &reason
	}
	f.lastAudit = audit
	f.summaries[summaryID] = summary
	return nil
}

func (f *fakeSummaryStore) Lock(_ context.Context, summaryID int64) (bool, error) {
	summary, ok := f.summaries[summaryID]
	if !ok || summary.State != models.LockStateUnlocked {
		return false, nil
	}
	summary.State = models.LockStateLocked
	summary.Version++
	f.summaries[summaryID] = summary
	return true, nil
}

func (f *fakeSummaryStore) Review(_ context.Context, summaryID, reviewerID int64) (bool, error) {
	summary, ok := f.summaries[summaryID]
	if !ok || summary.State != models.LockStateLocked {
		return false, nil
	}
	summary.State = models.LockStateReviewed
	summary.ReviewedBy = &reviewerID
	summary.Version++
	f.summaries[summaryID] = summary
	return true, nil
}

func (f *fakeSummaryStore) ListDetails(_ context.Context, summaryID int64) ([]models.ExamMarkDetail, error) {
	var details []models.ExamMarkDetail
	for _, d := range f.details[summaryID] {
		details = append(details, d)
	}
	return details, nil
}

type errDuplicateKey struct{}

func (errDuplicateKey) Error() string { return "pq: duplicate key value violates unique constraint" }

type fakeFormatReader struct {
	formats map[int64]models.QuestionFormat
	nextID  int64
}

func (f *fakeFormatReader) FindByID(_ context.Context, id int64) (*models.QuestionFormat, error) {
	format, ok := f.formats[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &format, nil
}

func (f *fakeFormatReader) ListBySubject(_ context.Context, examID, subjectID int64) ([]models.QuestionFormat, error) {
	var out []models.QuestionFormat
	for _, format := range f.formats {
		if format.ExamID == examID && format.SubjectID == subjectID {
			out = append(out, format)
		}
	}
	return out, nil
}

func (f *fakeFormatReader) Upsert(_ context.Context, format *models.QuestionFormat) error {
	for id, existing := range f.formats {
		if existing.ExamID == format.ExamID && existing.SubjectID == format.SubjectID &&
			existing.QuestionNumber == format.QuestionNumber {
			format.ID = id
			f.formats[id] = *format
			return nil
		}
	}
	if f.nextID < 100 {
		f.nextID = 100
	}
	f.nextID++
	format.ID = f.nextID
	f.formats[format.ID] = *format
	return nil
}

type fakeSheetInvalidator struct {
	examIDs []int64
}

func (f *fakeSheetInvalidator) InvalidateSheets(_ context.Context, examID int64) {
	f.examIDs = append(f.examIDs, examID)
}

type fakeStudentReader struct {
	students map[int64]models.Student
}

func (f *fakeStudentReader) FindByID(_ context.Context, id int64) (*models.Student, error) {
	student, ok := f.students[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &student, nil
}

func (f *fakeStudentReader) ListByClass(_ context.Context, classID int64, section string) ([]models.Student, error) {
	var out []models.Student
	for _, student := range f.students {
		if student.ClassID != classID {
			continue
		}
		if section != "" && student.Section != section {
			continue
		}
		out = append(out, student)
	}
	return out, nil
}

type fakeAuditWriter struct {
	logs []models.AuditLog
}

func (f *fakeAuditWriter) CreateAuditLog(_ context.Context, log *models.AuditLog) error {
	f.logs = append(f.logs, *log)
	return nil
}

type fakeLockNotifier struct {
	lockedBy int64
	count    int
	calls    int
}

func (f *fakeLockNotifier) SummariesLocked(lockedBy int64, count int) {
	f.lockedBy = lockedBy
	f.count = count
	f.calls++
}

func newMarksFixture() (*MarksService, *fakeSummaryStore, *fakeAuditWriter, *fakeLockNotifier) {
	store := newFakeSummaryStore()
	formats := &fakeFormatReader{formats: map[int64]models.QuestionFormat{
		11: {ID: 11, ExamID: 1, SubjectID: 2, QuestionNumber: 1, UnitName: "Algebra", QuestionType: models.MarkTheory, MaxMarks: 10},
		12: {ID: 12, ExamID: 1, SubjectID: 2, QuestionNumber: 2, UnitName: "Lab", QuestionType: models.MarkPractical, MaxMarks: 25},
	}}
	students := &fakeStudentReader{students: map[int64]models.Student{
		3: {ID: 3, Name: "Asha Rao", RollNumber: 7, ClassID: 4, Section: "A", Active: true},
	}}
	audit := &fakeAuditWriter{}
	notifier := &fakeLockNotifier{}
	svc := NewMarksService(store, formats, students, audit, notifier, nil, 3, nil, nil)
	return svc, store, audit, notifier
}

func TestUpsertMarkCreatesSummaryAndRecomputes(t *testing.T) {
	svc, store, audit, _ := newMarksFixture()
	actor := Actor{UserID: 9, Role: models.RoleTeacher}

	summary, err := svc.UpsertMark(context.Background(), actor, UpsertMarkRequest{
		ExamID: 1, SubjectID: 2, StudentID: 3, QuestionFormatID: 11, ObtainedMarks: 8.5,
	})
	require.NoError(t, err)
	assert.Equal(t, 8.5, summary.TotalTheoryMarks)
	assert.Equal(t, int64(4), summary.ClassID)
	assert.Equal(t, int64(2), summary.Version)

	summary, err = svc.UpsertMark(context.Background(), actor, UpsertMarkRequest{
		ExamID: 1, SubjectID: 2, StudentID: 3, QuestionFormatID: 12, ObtainedMarks: 20,
	})
	require.NoError(t, err)
	assert.Equal(t, 8.5, summary.TotalTheoryMarks)
	assert.Equal(t, 20.0, summary.TotalPracticalMarks)

	require.Len(t, audit.logs, 2)
	assert.Equal(t, models.AuditActionMarksUpsert, audit.logs[0].Action)
	assert.Nil(t, store.lastAudit)
}

func TestUpsertMarkRejectsOverMaximum(t *testing.T) {
	svc, _, _, _ := newMarksFixture()

	_, err := svc.UpsertMark(context.Background(), Actor{UserID: 9, Role: models.RoleTeacher}, UpsertMarkRequest{
		ExamID: 1, SubjectID: 2, StudentID: 3, QuestionFormatID: 11, ObtainedMarks: 10.5,
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation.Code))
	assert.Contains(t, err.Error(), "exceed question maximum")
}

func TestUpsertMarkRejectsFormatFromOtherPaper(t *testing.T) {
	svc, _, _, _ := newMarksFixture()

	_, err := svc.UpsertMark(context.Background(), Actor{UserID: 9, Role: models.RoleTeacher}, UpsertMarkRequest{
		ExamID: 1, SubjectID: 99, StudentID: 3, QuestionFormatID: 11, ObtainedMarks: 5,
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation.Code))
}

func TestUpsertMarkLockedSummaryGate(t *testing.T) {
	svc, store, _, _ := newMarksFixture()
	store.seed(models.ExamMarkSummary{ExamID: 1, SubjectID: 2, StudentID: 3, ClassID: 4, State: models.LockStateLocked})

	req := UpsertMarkRequest{ExamID: 1, SubjectID: 2, StudentID: 3, QuestionFormatID: 11, ObtainedMarks: 7}

	// Teachers cannot touch locked summaries at all.
	_, err := svc.UpsertMark(context.Background(), Actor{UserID: 9, Role: models.RoleTeacher}, req)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden.Code))

	// Administrators must still supply an edit reason.
	_, err = svc.UpsertMark(context.Background(), Actor{UserID: 1, Role: models.RoleAdmin}, req)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrLocked.Code))

	reason := "totalling mistake on answer sheet"
	req.EditReason = &reason
	summary, err := svc.UpsertMark(context.Background(), Actor{UserID: 1, Role: models.RoleAdmin}, req)
	require.NoError(t, err)
	assert.True(t, summary.WasEdited)
	require.NotNil(t, summary.EditReason)
	assert.Equal(t, reason, *summary.EditReason)
	require.NotNil(t, store.lastAudit)
	assert.Equal(t, int64(1), store.lastAudit.EditedBy)
}

func TestUpsertMarkStaleWriteAfterRetries(t *testing.T) {
	svc, store, _, _ := newMarksFixture()
	store.seed(models.ExamMarkSummary{ExamID: 1, SubjectID: 2, StudentID: 3, ClassID: 4})
	store.forceConflicts = 3

	_, err := svc.UpsertMark(context.Background(), Actor{UserID: 9, Role: models.RoleTeacher}, UpsertMarkRequest{
		ExamID: 1, SubjectID: 2, StudentID: 3, QuestionFormatID: 11, ObtainedMarks: 7,
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrStaleWrite.Code))
}

func TestUpsertMarkRetriesPastTransientConflict(t *testing.T) {
	svc, store, _, _ := newMarksFixture()
	store.seed(models.ExamMarkSummary{ExamID: 1, SubjectID: 2, StudentID: 3, ClassID: 4})
	store.forceConflicts = 2

	summary, err := svc.UpsertMark(context.Background(), Actor{UserID: 9, Role: models.RoleTeacher}, UpsertMarkRequest{
		ExamID: 1, SubjectID: 2, StudentID: 3, QuestionFormatID: 11, ObtainedMarks: 7,
	})
	require.NoError(t, err)
	assert.Equal(t, 7.0, summary.TotalTheoryMarks)
}

func TestMarkAbsentClearsTotals(t *testing.T) {
	svc, store, _, _ := newMarksFixture()
	seeded := store.seed(models.ExamMarkSummary{ExamID: 1, SubjectID: 2, StudentID: 3, ClassID: 4, TotalTheoryMarks: 40})

	summary, err := svc.MarkAbsent(context.Background(), Actor{UserID: 9, Role: models.RoleTeacher}, MarkAbsentRequest{
		ExamID: 1, SubjectID: 2, StudentID: 3, Reason: "medical leave",
	})
	require.NoError(t, err)
	assert.True(t, summary.IsAbsent)
	assert.Zero(t, summary.TotalTheoryMarks)
	require.NotNil(t, summary.AbsenceReason)
	assert.Equal(t, "medical leave", *summary.AbsenceReason)
	assert.Equal(t, seeded.ID, summary.ID)
}

func TestMarkAbsentLockedSummaryGate(t *testing.T) {
	svc, store, _, _ := newMarksFixture()
	store.seed(models.ExamMarkSummary{ExamID: 1, SubjectID: 2, StudentID: 3, ClassID: 4, TotalTheoryMarks: 40, State: models.LockStateLocked})

	req := MarkAbsentRequest{ExamID: 1, SubjectID: 2, StudentID: 3, Reason: "medical leave"}

	_, err := svc.MarkAbsent(context.Background(), Actor{UserID: 9, Role: models.RoleTeacher}, req)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden.Code))

	_, err = svc.MarkAbsent(context.Background(), Actor{UserID: 1, Role: models.RoleAdmin}, req)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrLocked.Code))

	// An override that zeroes a student's totals must leave the same edit
	// trail as an override detail write.
	reason := "absence confirmed after lock"
	req.EditReason = &reason
	summary, err := svc.MarkAbsent(context.Background(), Actor{UserID: 1, Role: models.RoleAdmin}, req)
	require.NoError(t, err)
	assert.True(t, summary.IsAbsent)
	assert.True(t, summary.WasEdited)
	require.NotNil(t, summary.EditedBy)
	assert.Equal(t, int64(1), *summary.EditedBy)
	require.NotNil(t, summary.EditReason)
	assert.Equal(t, reason, *summary.EditReason)
	require.NotNil(t, store.lastAudit)
	assert.Equal(t, int64(1), store.lastAudit.EditedBy)
}

func TestMarkWritesInvalidateTabulationCache(t *testing.T) {
	svc, store, _, _ := newMarksFixture()
	sheets := &fakeSheetInvalidator{}
	svc.SetSheetInvalidator(sheets)
	store.seed(models.ExamMarkSummary{ExamID: 1, SubjectID: 2, StudentID: 3, ClassID: 4})

	_, err := svc.UpsertMark(context.Background(), Actor{UserID: 9, Role: models.RoleTeacher}, UpsertMarkRequest{
		ExamID: 1, SubjectID: 2, StudentID: 3, QuestionFormatID: 11, ObtainedMarks: 7,
	})
	require.NoError(t, err)

	_, err = svc.MarkAbsent(context.Background(), Actor{UserID: 9, Role: models.RoleTeacher}, MarkAbsentRequest{
		ExamID: 1, SubjectID: 2, StudentID: 3, Reason: "medical leave",
	})
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 1}, sheets.examIDs)
}

func TestDefineQuestionFormats(t *testing.T) {
	svc, _, _, _ := newMarksFixture()
	actor := Actor{UserID: 1, Role: models.RoleAdmin}

	formats, err := svc.DefineQuestionFormats(context.Background(), actor, DefineFormatsRequest{
		ExamID: 2, SubjectID: 5,
		Questions: []QuestionSlotInput{
			{QuestionNumber: 1, UnitName: "Mechanics", QuestionType: "THEORY", MaxMarks: 40},
			{QuestionNumber: 2, UnitName: "Lab", QuestionType: "PRACTICAL", MaxMarks: 30},
		},
	})
	require.NoError(t, err)
	require.Len(t, formats, 2)
	assert.NotZero(t, formats[0].ID)
	assert.Equal(t, models.MarkPractical, formats[1].QuestionType)

	listed, err := svc.ListQuestionFormats(context.Background(), 2, 5)
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestDefineQuestionFormatsRejectsBadLayout(t *testing.T) {
	svc, _, _, _ := newMarksFixture()
	actor := Actor{UserID: 1, Role: models.RoleAdmin}

	_, err := svc.DefineQuestionFormats(context.Background(), actor, DefineFormatsRequest{
		ExamID: 2, SubjectID: 5,
		Questions: []QuestionSlotInput{
			{QuestionNumber: 1, UnitName: "Mechanics", QuestionType: "THEORY", MaxMarks: 40},
			{QuestionNumber: 1, UnitName: "Optics", QuestionType: "THEORY", MaxMarks: 20},
		},
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation.Code))
	assert.Contains(t, err.Error(), "duplicate question number")

	_, err = svc.DefineQuestionFormats(context.Background(), actor, DefineFormatsRequest{
		ExamID: 2, SubjectID: 5,
		Questions: []QuestionSlotInput{
			{QuestionNumber: 1, UnitName: "Viva", QuestionType: "ORAL", MaxMarks: 10},
		},
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation.Code))
}

func TestLockSummariesBatchOutcomes(t *testing.T) {
	svc, store, audit, notifier := newMarksFixture()
	unlocked := store.seed(models.ExamMarkSummary{ExamID: 1, SubjectID: 2, StudentID: 3, ClassID: 4})
	locked := store.seed(models.ExamMarkSummary{ExamID: 1, SubjectID: 2, StudentID: 30, ClassID: 4, State: models.LockStateLocked})

	result, err := svc.LockSummaries(context.Background(), Actor{UserID: 9, Role: models.RoleTeacher}, LockSummariesRequest{
		SummaryIDs: []int64{unlocked.ID, locked.ID, 999},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Locked)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Outcomes, 3)
	assert.True(t, result.Outcomes[0].Locked)
	assert.Equal(t, "already locked", result.Outcomes[1].Reason)
	assert.Equal(t, "summary not found", result.Outcomes[2].Reason)

	assert.Equal(t, models.LockStateLocked, store.summaries[unlocked.ID].State)
	assert.Equal(t, 1, notifier.calls)
	assert.Equal(t, int64(9), notifier.lockedBy)
	assert.Equal(t, 2, notifier.count)

	// Only the real transition is audited, not the converged no-op.
	require.Len(t, audit.logs, 1)
	assert.Equal(t, models.AuditActionSummaryLock, audit.logs[0].Action)
}

func TestLockSummariesIdempotentRetry(t *testing.T) {
	svc, store, _, _ := newMarksFixture()
	summary := store.seed(models.ExamMarkSummary{ExamID: 1, SubjectID: 2, StudentID: 3, ClassID: 4})

	first, err := svc.LockSummaries(context.Background(), Actor{UserID: 9, Role: models.RoleTeacher}, LockSummariesRequest{SummaryIDs: []int64{summary.ID}})
	require.NoError(t, err)
	second, err := svc.LockSummaries(context.Background(), Actor{UserID: 9, Role: models.RoleTeacher}, LockSummariesRequest{SummaryIDs: []int64{summary.ID}})
	require.NoError(t, err)

	assert.Equal(t, 1, first.Locked)
	assert.Equal(t, 1, second.Locked)
	assert.Zero(t, second.Failed)
}

func TestLockSummariesRoleGate(t *testing.T) {
	svc, store, _, _ := newMarksFixture()
	summary := store.seed(models.ExamMarkSummary{ExamID: 1, SubjectID: 2, StudentID: 3, ClassID: 4})

	_, err := svc.LockSummaries(context.Background(), Actor{UserID: 5, Role: models.RoleStudent}, LockSummariesRequest{SummaryIDs: []int64{summary.ID}})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden.Code))
}

func TestReviewSummaryTransitions(t *testing.T) {
	svc, store, _, _ := newMarksFixture()
	unlocked := store.seed(models.ExamMarkSummary{ExamID: 1, SubjectID: 2, StudentID: 3, ClassID: 4})
	locked := store.seed(models.ExamMarkSummary{ExamID: 1, SubjectID: 2, StudentID: 30, ClassID: 4, State: models.LockStateLocked})
	admin := Actor{UserID: 1, Role: models.RoleAdmin}

	_, err := svc.ReviewSummary(context.Background(), admin, unlocked.ID)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrPreconditionFailed.Code))

	reviewed, err := svc.ReviewSummary(context.Background(), admin, locked.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LockStateReviewed, reviewed.State)
	require.NotNil(t, reviewed.ReviewedBy)
	assert.Equal(t, int64(1), *reviewed.ReviewedBy)

	// Re-reviewing is a no-op success.
	again, err := svc.ReviewSummary(context.Background(), admin, locked.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LockStateReviewed, again.State)

	_, err = svc.ReviewSummary(context.Background(), Actor{UserID: 9, Role: models.RoleTeacher}, locked.ID)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden.Code))
}

func TestGetSummaryNotCaptured(t *testing.T) {
	svc, _, _, _ := newMarksFixture()

	_, _, err := svc.GetSummary(context.Background(), models.SummaryKey{ExamID: 1, SubjectID: 2, StudentID: 3})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound.Code))
}
