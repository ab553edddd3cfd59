package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/edumatrix/exam-marks-api/internal/models"
)

// ExamRepository reads the exam calendar.
type ExamRepository struct {
	db *sqlx.DB
}

func NewExamRepository(db *sqlx.DB) *ExamRepository {
	return &ExamRepository{db: db}
}

const examColumns = `id, name, academic_year, start_date, end_date, active, created_at, updated_at`

// FindByID returns one exam.
func (r *ExamRepository) FindByID(ctx context.Context, id int64) (*models.Exam, error) {
	query := fmt.Sprintf(`SELECT %s FROM exams WHERE id = $1`, examColumns)
	var exam models.Exam
	if err := r.db.GetContext(ctx, &exam, query, id); err != nil {
		return nil, err
	}
	return &exam, nil
}
