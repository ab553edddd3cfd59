package models

import "time"

// QuestionFormat defines one question slot of a subject's paper for an exam:
// its number, chapter, component and maximum marks. Mark details reference a
// format; the matrix column max is the sum of a subject's format max marks.
type QuestionFormat struct {
	ID             int64         `db:"id" json:"id"`
	ExamID         int64         `db:"exam_id" json:"exam_id"`
	SubjectID      int64         `db:"subject_id" json:"subject_id"`
	QuestionNumber int           `db:"question_number" json:"question_number"`
	UnitName       string        `db:"unit_name" json:"unit_name"`
	QuestionType   MarkComponent `db:"question_type" json:"question_type"`
	MaxMarks       float64       `db:"max_marks" json:"max_marks"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
}
