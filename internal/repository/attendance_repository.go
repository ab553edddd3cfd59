package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/edumatrix/exam-marks-api/internal/models"
)

// AttendanceRepository reads the per-term attendance roll-up that tabulation
// sheets print alongside marks.
type AttendanceRepository struct {
	db *sqlx.DB
}

func NewAttendanceRepository(db *sqlx.DB) *AttendanceRepository {
	return &AttendanceRepository{db: db}
}

// SummariesByExam returns attendance summaries keyed by student id for the
// term the exam belongs to. Students without a recorded summary are simply
// missing from the map.
func (r *AttendanceRepository) SummariesByExam(ctx context.Context, examID int64) (map[int64]models.AttendanceSummary, error) {
	const query = `SELECT a.student_id, a.working_days, a.present_days
        FROM attendance_summaries a
        JOIN exams e ON e.academic_year = a.academic_year
        WHERE e.id = $1`
	rows, err := r.db.QueryxContext(ctx, query, examID)
	if err != nil {
		return nil, fmt.Errorf("fetch attendance: %w", err)
	}
	defer rows.Close()

	result := make(map[int64]models.AttendanceSummary)
	for rows.Next() {
		var summary models.AttendanceSummary
		if err := rows.StructScan(&summary); err != nil {
			return nil, fmt.Errorf("scan attendance: %w", err)
		}
		result[summary.StudentID] = summary
	}
	return result, rows.Err()
}
