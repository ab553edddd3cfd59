package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/edumatrix/exam-marks-api/internal/models"
)

// StudentRepository is a read model over the enrollment roster. Marks and
// tabulation consume it; roster lifecycle belongs to the admissions system.
type StudentRepository struct {
	db *sqlx.DB
}

func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

const studentColumns = `id, name, roll_number, class_id, section, active, created_at, updated_at`

// ListByClass returns active students of a class ordered by roll number,
// which is the canonical row order of matrices and tabulation sheets. A
// non-empty section narrows the roster to that section.
func (r *StudentRepository) ListByClass(ctx context.Context, classID int64, section string) ([]models.Student, error) {
	query := fmt.Sprintf(`SELECT %s FROM students WHERE class_id = $1 AND active = TRUE`, studentColumns)
	args := []interface{}{classID}
	if section != "" {
		query += " AND section = $2"
		args = append(args, section)
	}
	query += " ORDER BY roll_number"

	var students []models.Student
	if err := r.db.SelectContext(ctx, &students, query, args...); err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	return students, nil
}

// FindByID returns one student.
func (r *StudentRepository) FindByID(ctx context.Context, id int64) (*models.Student, error) {
	query := fmt.Sprintf(`SELECT %s FROM students WHERE id = $1`, studentColumns)
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, id); err != nil {
		return nil, err
	}
	return &student, nil
}
