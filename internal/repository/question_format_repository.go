package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/edumatrix/exam-marks-api/internal/models"
)

// QuestionFormatRepository manages the question layout of an exam paper.
type QuestionFormatRepository struct {
	db *sqlx.DB
}

func NewQuestionFormatRepository(db *sqlx.DB) *QuestionFormatRepository {
	return &QuestionFormatRepository{db: db}
}

// ListBySubject returns the question slots of one exam paper in order.
func (r *QuestionFormatRepository) ListBySubject(ctx context.Context, examID, subjectID int64) ([]models.QuestionFormat, error) {
	const query = `SELECT id, exam_id, subject_id, question_number, unit_name, question_type, max_marks, created_at
        FROM question_formats WHERE exam_id = $1 AND subject_id = $2 ORDER BY question_number`
	var formats []models.QuestionFormat
	if err := r.db.SelectContext(ctx, &formats, query, examID, subjectID); err != nil {
		return nil, fmt.Errorf("list question formats: %w", err)
	}
	return formats, nil
}

// FindByID returns a single question slot.
func (r *QuestionFormatRepository) FindByID(ctx context.Context, id int64) (*models.QuestionFormat, error) {
	const query = `SELECT id, exam_id, subject_id, question_number, unit_name, question_type, max_marks, created_at
        FROM question_formats WHERE id = $1`
	var format models.QuestionFormat
	if err := r.db.GetContext(ctx, &format, query, id); err != nil {
		return nil, err
	}
	return &format, nil
}

// SumMaxByExam returns the total achievable marks per subject for an exam,
// summed over question slots. Subjects without a defined format are absent
// from the map.
func (r *QuestionFormatRepository) SumMaxByExam(ctx context.Context, examID int64) (map[int64]float64, error) {
	const query = `SELECT subject_id, SUM(max_marks) AS total FROM question_formats WHERE exam_id = $1 GROUP BY subject_id`
	rows, err := r.db.QueryxContext(ctx, query, examID)
	if err != nil {
		return nil, fmt.Errorf("sum question formats: %w", err)
	}
	defer rows.Close()

	totals := make(map[int64]float64)
	for rows.Next() {
		var subjectID int64
		var total float64
		if err := rows.Scan(&subjectID, &total); err != nil {
			return nil, fmt.Errorf("scan format total: %w", err)
		}
		totals[subjectID] = total
	}
	return totals, rows.Err()
}

// Upsert writes a question slot keyed by (exam, subject, question number).
func (r *QuestionFormatRepository) Upsert(ctx context.Context, format *models.QuestionFormat) error {
	if format.CreatedAt.IsZero() {
		format.CreatedAt = time.Now().UTC()
	}

	const query = `INSERT INTO question_formats
        (exam_id, subject_id, question_number, unit_name, question_type, max_marks, created_at)
        VALUES (:exam_id, :subject_id, :question_number, :unit_name, :question_type, :max_marks, :created_at)
        ON CONFLICT (exam_id, subject_id, question_number)
        DO UPDATE SET unit_name = EXCLUDED.unit_name, question_type = EXCLUDED.question_type,
         max_marks = EXCLUDED.max_marks
        RETURNING id`
	rows, err := r.db.NamedQueryContext(ctx, query, format)
	if err != nil {
		return fmt.Errorf("upsert question format: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&format.ID); err != nil {
			return fmt.Errorf("scan question format id: %w", err)
		}
	}
	return rows.Err()
}
