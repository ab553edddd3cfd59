package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/edumatrix/exam-marks-api/internal/models"
)

// ErrVersionConflict signals that a summary write lost the optimistic version
// check against a concurrent writer.
var ErrVersionConflict = errors.New("summary version conflict")

const summaryColumns = `id, exam_id, subject_id, student_id, class_id, is_absent, absence_reason,
        total_theory_marks, total_practical_marks, lock_state, was_edited, edited_by, edited_at, edit_reason,
        reviewed_by, reviewed_at, version, created_at, updated_at`

// MarkSummaryRepository owns exam mark summaries and their detail rows.
// Summaries are the unit of contention: every mutation goes through a
// version-checked update so concurrent evaluators cannot lose writes.
type MarkSummaryRepository struct {
	db *sqlx.DB
}

// NewMarkSummaryRepository creates a new repository instance.
func NewMarkSummaryRepository(db *sqlx.DB) *MarkSummaryRepository {
	return &MarkSummaryRepository{db: db}
}

// FindByKey returns the summary for (exam, subject, student) if captured.
func (r *MarkSummaryRepository) FindByKey(ctx context.Context, key models.SummaryKey) (*models.ExamMarkSummary, error) {
	query := fmt.Sprintf(`SELECT %s FROM exam_mark_summaries WHERE exam_id = $1 AND subject_id = $2 AND student_id = $3`, summaryColumns)
	var summary models.ExamMarkSummary
	if err := r.db.GetContext(ctx, &summary, query, key.ExamID, key.SubjectID, key.StudentID); err != nil {
		return nil, err
	}
	return &summary, nil
}

// FindByID returns a summary by id.
func (r *MarkSummaryRepository) FindByID(ctx context.Context, id int64) (*models.ExamMarkSummary, error) {
	query := fmt.Sprintf(`SELECT %s FROM exam_mark_summaries WHERE id = $1`, summaryColumns)
	var summary models.ExamMarkSummary
	if err := r.db.GetContext(ctx, &summary, query, id); err != nil {
		return nil, err
	}
	return &summary, nil
}

// FetchByExamAndStudents returns captured summaries keyed by student then
// subject, for matrix building and tabulation.
func (r *MarkSummaryRepository) FetchByExamAndStudents(ctx context.Context, examID int64, studentIDs []int64) (map[int64]map[int64]models.ExamMarkSummary, error) {
	result := make(map[int64]map[int64]models.ExamMarkSummary, len(studentIDs))
	if len(studentIDs) == 0 {
		return result, nil
	}

	placeholders := make([]string, len(studentIDs))
	args := make([]interface{}, 0, len(studentIDs)+1)
	args = append(args, examID)
	for i, id := range studentIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, id)
	}

	query := fmt.Sprintf(`SELECT %s FROM exam_mark_summaries WHERE exam_id = $1 AND student_id IN (%s)`,
		summaryColumns, strings.Join(placeholders, ","))
	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch summaries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var summary models.ExamMarkSummary
		if err := rows.StructScan(&summary); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		if result[summary.StudentID] == nil {
			result[summary.StudentID] = make(map[int64]models.ExamMarkSummary)
		}
		result[summary.StudentID][summary.SubjectID] = summary
	}
	return result, rows.Err()
}

// Create inserts a fresh summary row. The unique (exam, subject, student)
// constraint surfaces duplicate creation races as an error the caller can
// translate into a re-read.
func (r *MarkSummaryRepository) Create(ctx context.Context, summary *models.ExamMarkSummary) error {
	now := time.Now().UTC()
	summary.CreatedAt = now
	summary.UpdatedAt = now
	if summary.State == "" {
		summary.State = models.LockStateUnlocked
	}
	summary.Version = 1

	const query = `INSERT INTO exam_mark_summaries
        (exam_id, subject_id, student_id, class_id, is_absent, absence_reason,
         total_theory_marks, total_practical_marks, lock_state, was_edited, version, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13) RETURNING id`
	if err := r.db.QueryRowxContext(ctx, query,
		summary.ExamID, summary.SubjectID, summary.StudentID, summary.ClassID,
		summary.IsAbsent, summary.AbsenceReason,
		summary.TotalTheoryMarks, summary.TotalPracticalMarks,
		summary.State, summary.WasEdited, summary.Version, summary.CreatedAt, summary.UpdatedAt,
	).Scan(&summary.ID); err != nil {
		return fmt.Errorf("create summary: %w", err)
	}
	return nil
}

// EditAudit carries lock-override audit fields for a version-checked write.
type EditAudit struct {
	EditedBy   int64
	EditReason string
}

// UpsertDetailAndRecompute atomically writes one question's marks and
// refreshes the summary's cached totals. The summary row is updated with an
// optimistic version check; ErrVersionConflict is returned when a concurrent
// writer got there first. When audit is non-nil the summary is flagged as
// edited after lock.
func (r *MarkSummaryRepository) UpsertDetailAndRecompute(ctx context.Context, summaryID, expectedVersion int64, detail *models.ExamMarkDetail, audit *EditAudit) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin detail upsert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	if detail.CreatedAt.IsZero() {
		detail.CreatedAt = now
	}
	detail.UpdatedAt = now
	detail.SummaryID = summaryID
	if audit != nil {
		reason := audit.EditReason
		detail.LastEditReason = &reason
		detail.LastEditAt = &now
	}

	const detailQuery = `INSERT INTO exam_mark_details
        (summary_id, question_format_id, question_number, unit_name, question_type, max_marks,
         obtained_marks, evaluator_comments, last_edit_reason, last_edit_at, created_at, updated_at)
        VALUES (:summary_id, :question_format_id, :question_number, :unit_name, :question_type, :max_marks,
         :obtained_marks, :evaluator_comments, :last_edit_reason, :last_edit_at, :created_at, :updated_at)
        ON CONFLICT (summary_id, question_format_id)
        DO UPDATE SET obtained_marks = EXCLUDED.obtained_marks, evaluator_comments = EXCLUDED.evaluator_comments,
         last_edit_reason = EXCLUDED.last_edit_reason, last_edit_at = EXCLUDED.last_edit_at, updated_at = EXCLUDED.updated_at`
	if _, err := tx.NamedExecContext(ctx, detailQuery, detail); err != nil {
		return fmt.Errorf("upsert detail: %w", err)
	}

	var theory, practical float64
	const totalsQuery = `SELECT
        COALESCE(SUM(CASE WHEN question_type = 'THEORY' THEN obtained_marks END), 0),
        COALESCE(SUM(CASE WHEN question_type = 'PRACTICAL' THEN obtained_marks END), 0)
        FROM exam_mark_details WHERE summary_id = $1`
	if err := tx.QueryRowxContext(ctx, totalsQuery, summaryID).Scan(&theory, &practical); err != nil {
		return fmt.Errorf("recompute totals: %w", err)
	}

	query := `UPDATE exam_mark_summaries
        SET total_theory_marks = $1, total_practical_marks = $2, version = version + 1, updated_at = $3`
	args := []interface{}{theory, practical, now}
	if audit != nil {
		query += fmt.Sprintf(", was_edited = TRUE, edited_by = $%d, edited_at = $%d, edit_reason = $%d",
			len(args)+1, len(args)+2, len(args)+3)
		args = append(args, audit.EditedBy, now, audit.EditReason)
	}
	query += fmt.Sprintf(" WHERE id = $%d AND version = $%d", len(args)+1, len(args)+2)
	args = append(args, summaryID, expectedVersion)

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update summary totals: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update summary totals: %w", err)
	}
	if affected == 0 {
		return ErrVersionConflict
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit detail upsert: %w", err)
	}
	return nil
}

// UpdateTotals performs the coarse-grained total write used by matrix saves,
// bypassing per-question detail. Version-checked like every summary write.
func (r *MarkSummaryRepository) UpdateTotals(ctx context.Context, summaryID, expectedVersion int64, theory, practical float64) error {
	const query = `UPDATE exam_mark_summaries
        SET total_theory_marks = $1, total_practical_marks = $2, is_absent = FALSE, absence_reason = NULL,
            version = version + 1, updated_at = $3
        WHERE id = $4 AND version = $5`
	res, err := r.db.ExecContext(ctx, query, theory, practical, time.Now().UTC(), summaryID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update totals: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update totals: %w", err)
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// SetAbsent flags the student absent and clears the cached totals so absent
// rows contribute zero to aggregation. When audit is non-nil the summary is
// flagged as edited after lock, same as a detail write.
func (r *MarkSummaryRepository) SetAbsent(ctx context.Context, summaryID, expectedVersion int64, reason string, audit *EditAudit) error {
	now := time.Now().UTC()
	query := `UPDATE exam_mark_summaries
        SET is_absent = TRUE, absence_reason = $1, total_theory_marks = 0, total_practical_marks = 0,
            version = version + 1, updated_at = $2`
	args := []interface{}{reason, now}
	if audit != nil {
		query += fmt.Sprintf(", was_edited = TRUE, edited_by = $%d, edited_at = $%d, edit_reason = $%d",
			len(args)+1, len(args)+2, len(args)+3)
		args = append(args, audit.EditedBy, now, audit.EditReason)
	}
	query += fmt.Sprintf(" WHERE id = $%d AND version = $%d", len(args)+1, len(args)+2)
	args = append(args, summaryID, expectedVersion)

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("set absent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set absent: %w", err)
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// Lock transitions UNLOCKED -> LOCKED. Returns false when the row was not in
// UNLOCKED state, leaving the caller to classify the outcome.
func (r *MarkSummaryRepository) Lock(ctx context.Context, summaryID int64) (bool, error) {
	const query = `UPDATE exam_mark_summaries
        SET lock_state = $1, version = version + 1, updated_at = $2
        WHERE id = $3 AND lock_state = $4`
	res, err := r.db.ExecContext(ctx, query, models.LockStateLocked, time.Now().UTC(), summaryID, models.LockStateUnlocked)
	if err != nil {
		return false, fmt.Errorf("lock summary: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lock summary: %w", err)
	}
	return affected == 1, nil
}

// Review transitions LOCKED -> REVIEWED recording the reviewer. Returns false
// when the row was not LOCKED.
func (r *MarkSummaryRepository) Review(ctx context.Context, summaryID, reviewerID int64) (bool, error) {
	now := time.Now().UTC()
	const query = `UPDATE exam_mark_summaries
        SET lock_state = $1, reviewed_by = $2, reviewed_at = $3, version = version + 1, updated_at = $3
        WHERE id = $4 AND lock_state = $5`
	res, err := r.db.ExecContext(ctx, query, models.LockStateReviewed, reviewerID, now, summaryID, models.LockStateLocked)
	if err != nil {
		return false, fmt.Errorf("review summary: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("review summary: %w", err)
	}
	return affected == 1, nil
}

// ListDetails returns the question rows of a summary in question order.
func (r *MarkSummaryRepository) ListDetails(ctx context.Context, summaryID int64) ([]models.ExamMarkDetail, error) {
	const query = `SELECT id, summary_id, question_format_id, question_number, unit_name, question_type,
        max_marks, obtained_marks, evaluator_comments, last_edit_reason, last_edit_at, created_at, updated_at
        FROM exam_mark_details WHERE summary_id = $1 ORDER BY question_number`
	var details []models.ExamMarkDetail
	if err := r.db.SelectContext(ctx, &details, query, summaryID); err != nil {
		return nil, fmt.Errorf("list details: %w", err)
	}
	return details, nil
}

// IsUniqueViolation reports whether the error is the unique constraint
// violation raised by a create racing another writer.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate key value")
}
