package models

import "time"

// SubjectResult is one subject's outcome within a tabulation row.
type SubjectResult struct {
	SubjectID      int64   `json:"subject_id"`
	SubjectCode    string  `json:"subject_code"`
	SubjectName    string  `json:"subject_name"`
	TheoryMarks    float64 `json:"theory_marks"`
	PracticalMarks float64 `json:"practical_marks"`
	Total          float64 `json:"total"`
	MaxMarks       float64 `json:"max_marks"`
	Grade          string  `json:"grade"`
	Passed         bool    `json:"passed"`
	Absent         bool    `json:"absent"`
	Entered        bool    `json:"entered"`
}

// TabulationRow is one student's ranked line on the tabulation sheet.
// Attendance figures are passed through from the attendance collaborator.
type TabulationRow struct {
	StudentID     int64           `json:"student_id"`
	StudentName   string          `json:"student_name"`
	RollNumber    int             `json:"roll_number"`
	Subjects      []SubjectResult `json:"subjects"`
	TotalObtained float64         `json:"total_obtained"`
	TotalMax      float64         `json:"total_max"`
	Percentage    float64         `json:"percentage"`
	Grade         string          `json:"grade"`
	Rank          int             `json:"rank"`
	Absent        bool            `json:"absent"`
	WorkingDays   int             `json:"working_days"`
	PresentDays   int             `json:"present_days"`
}

// TabulationSheet is the final per-class ranked report derived from summaries.
type TabulationSheet struct {
	ClassID     int64           `json:"class_id"`
	Section     string          `json:"section,omitempty"`
	ExamID      int64           `json:"exam_id"`
	GeneratedAt time.Time       `json:"generated_at"`
	Rows        []TabulationRow `json:"rows"`
}
