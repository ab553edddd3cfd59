package models

import "time"

// LockState represents the audit gate of an exam mark summary.
// Transitions: UNLOCKED -> LOCKED -> REVIEWED. Locking never blocks readers.
type LockState string

const (
	LockStateUnlocked LockState = "UNLOCKED"
	LockStateLocked   LockState = "LOCKED"
	LockStateReviewed LockState = "REVIEWED"
)

// MarkComponent distinguishes theory and practical question marks.
type MarkComponent string

const (
	MarkTheory    MarkComponent = "THEORY"
	MarkPractical MarkComponent = "PRACTICAL"
)

// ExamMarkSummary is one student's aggregate marks row for one subject in one
// exam. Unique per (exam_id, subject_id, student_id). Totals are cached and
// recomputed whenever a detail row changes; the version column backs the
// optimistic write check.
type ExamMarkSummary struct {
	ID                  int64      `db:"id" json:"id"`
	ExamID              int64      `db:"exam_id" json:"exam_id"`
	SubjectID           int64      `db:"subject_id" json:"subject_id"`
	StudentID           int64      `db:"student_id" json:"student_id"`
	ClassID             int64      `db:"class_id" json:"class_id"`
	IsAbsent            bool       `db:"is_absent" json:"is_absent"`
	AbsenceReason       *string    `db:"absence_reason" json:"absence_reason,omitempty"`
	TotalTheoryMarks    float64    `db:"total_theory_marks" json:"total_theory_marks"`
	TotalPracticalMarks float64    `db:"total_practical_marks" json:"total_practical_marks"`
	State               LockState  `db:"lock_state" json:"lock_state"`
	WasEdited           bool       `db:"was_edited" json:"was_edited"`
	EditedBy            *int64     `db:"edited_by" json:"edited_by,omitempty"`
	EditedAt            *time.Time `db:"edited_at" json:"edited_at,omitempty"`
	EditReason          *string    `db:"edit_reason" json:"edit_reason,omitempty"`
	ReviewedBy          *int64     `db:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewedAt          *time.Time `db:"reviewed_at" json:"reviewed_at,omitempty"`
	Version             int64      `db:"version" json:"version"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// Locked reports whether the summary rejects writes without an edit reason.
func (s ExamMarkSummary) Locked() bool {
	return s.State == LockStateLocked || s.State == LockStateReviewed
}

// ExamMarkDetail is one question's marks within a summary. Unique per
// (summary_id, question_format_id); owned exclusively by its summary.
type ExamMarkDetail struct {
	ID                int64         `db:"id" json:"id"`
	SummaryID         int64         `db:"summary_id" json:"summary_id"`
	QuestionFormatID  int64         `db:"question_format_id" json:"question_format_id"`
	QuestionNumber    int           `db:"question_number" json:"question_number"`
	UnitName          string        `db:"unit_name" json:"unit_name"`
	QuestionType      MarkComponent `db:"question_type" json:"question_type"`
	MaxMarks          float64       `db:"max_marks" json:"max_marks"`
	ObtainedMarks     float64       `db:"obtained_marks" json:"obtained_marks"`
	EvaluatorComments *string       `db:"evaluator_comments" json:"evaluator_comments,omitempty"`
	LastEditReason    *string       `db:"last_edit_reason" json:"last_edit_reason,omitempty"`
	LastEditAt        *time.Time    `db:"last_edit_at" json:"last_edit_at,omitempty"`
	CreatedAt         time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time     `db:"updated_at" json:"updated_at"`
}

// SummaryKey identifies the unit of contention for mark capture.
type SummaryKey struct {
	ExamID    int64 `json:"exam_id"`
	SubjectID int64 `json:"subject_id"`
	StudentID int64 `json:"student_id"`
}

// LockOutcome reports the result of one summary in a batch lock.
type LockOutcome struct {
	SummaryID int64  `json:"summary_id"`
	Locked    bool   `json:"locked"`
	Reason    string `json:"reason,omitempty"`
}

// LockBatchResult aggregates per-summary lock outcomes. Batch locking never
// aborts as a whole; each id succeeds or fails on its own.
type LockBatchResult struct {
	Locked   int           `json:"locked"`
	Failed   int           `json:"failed"`
	Outcomes []LockOutcome `json:"outcomes"`
}

// Exam is the examination event marks are captured against.
type Exam struct {
	ID           int64     `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	AcademicYear string    `db:"academic_year" json:"academic_year"`
	StartDate    time.Time `db:"start_date" json:"start_date"`
	EndDate      time.Time `db:"end_date" json:"end_date"`
	Active       bool      `db:"active" json:"active"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}
