package models

// MatrixColumn describes one subject column of the mark-entry grid.
// TotalMaxMarks is the sum of the subject's configured question-format max
// marks, falling back to the configured total when no per-question breakdown
// exists.
type MatrixColumn struct {
	ConfigSubjectID   int64       `json:"config_subject_id"`
	SubjectID         int64       `json:"subject_id"`
	SubjectCode       string      `json:"subject_code"`
	SubjectName       string      `json:"subject_name"`
	SubjectType       SubjectType `json:"subject_type"`
	TotalMaxMarks     float64     `json:"total_max_marks"`
	TheoryMaxMarks    *float64    `json:"theory_max_marks,omitempty"`
	PracticalMaxMarks *float64    `json:"practical_max_marks,omitempty"`
}

// MatrixCell is one (student, subject) intersection. A nil theory/practical
// pair with Entered=false means not-yet-entered, which is distinct from zero.
type MatrixCell struct {
	SubjectID      int64    `json:"subject_id"`
	TheoryMarks    *float64 `json:"theory_marks,omitempty"`
	PracticalMarks *float64 `json:"practical_marks,omitempty"`
	Absent         bool     `json:"absent"`
	AbsenceReason  *string  `json:"absence_reason,omitempty"`
	Entered        bool     `json:"entered"`
}

// MatrixRow is one student's row across all subject columns, in column order.
type MatrixRow struct {
	StudentID   int64        `json:"student_id"`
	StudentName string       `json:"student_name"`
	RollNumber  int          `json:"roll_number"`
	Cells       []MatrixCell `json:"cells"`
}

// MarksMatrix is the editable subjects-by-students grid used for bulk entry.
type MarksMatrix struct {
	ExamID  int64          `json:"exam_id"`
	ClassID int64          `json:"class_id"`
	Section string         `json:"section,omitempty"`
	Columns []MatrixColumn `json:"columns"`
	Rows    []MatrixRow    `json:"rows"`
}

// CellStatus enumerates per-cell save results.
type CellStatus string

const (
	CellSaved  CellStatus = "SAVED"
	CellFailed CellStatus = "FAILED"
)

// MatrixCellResult reports the outcome of saving one cell. Saves are
// per-cell; one failing cell never blocks the rest of the matrix.
type MatrixCellResult struct {
	StudentID int64      `json:"student_id"`
	SubjectID int64      `json:"subject_id"`
	Status    CellStatus `json:"status"`
	Reason    string     `json:"reason,omitempty"`
}

// MatrixSaveResult aggregates per-cell outcomes of a matrix save.
type MatrixSaveResult struct {
	Saved   int                `json:"saved"`
	Failed  int                `json:"failed"`
	Results []MatrixCellResult `json:"results"`
}
