package models

import (
	"fmt"
	"time"
)

// ClassConfiguration binds a set of examinable subjects to one
// class/section/academic-year. The (class_name, section, academic_year)
// triple is unique.
type ClassConfiguration struct {
	ID           int64     `db:"id" json:"id"`
	ClassName    string    `db:"class_name" json:"class_name"`
	Section      string    `db:"section" json:"section"`
	AcademicYear string    `db:"academic_year" json:"academic_year"`
	Description  string    `db:"description" json:"description"`
	Active       bool      `db:"active" json:"active"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`

	Subjects []ConfigurationSubject `json:"subjects,omitempty"`
}

// ConfigurationSubject links one subject to a class configuration together
// with its marks distribution. Unique per (configuration, subject).
type ConfigurationSubject struct {
	ID                    int64    `db:"id" json:"id"`
	ConfigurationID       int64    `db:"configuration_id" json:"configuration_id"`
	SubjectID             int64    `db:"subject_id" json:"subject_id"`
	TotalMarks            float64  `db:"total_marks" json:"total_marks"`
	PassingMarks          float64  `db:"passing_marks" json:"passing_marks"`
	TheoryMarks           *float64 `db:"theory_marks" json:"theory_marks,omitempty"`
	PracticalMarks        *float64 `db:"practical_marks" json:"practical_marks,omitempty"`
	TheoryPassingMarks    *float64 `db:"theory_passing_marks" json:"theory_passing_marks,omitempty"`
	PracticalPassingMarks *float64 `db:"practical_passing_marks" json:"practical_passing_marks,omitempty"`
	Active                bool     `db:"active" json:"active"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`

	// Joined from subject_masters for responses.
	SubjectCode string      `db:"subject_code" json:"subject_code,omitempty"`
	SubjectName string      `db:"subject_name" json:"subject_name,omitempty"`
	SubjectType SubjectType `db:"subject_type" json:"subject_type,omitempty"`
}

// ValidateDistribution checks the theory/practical split against the subject
// type. Records violating these rules are never persisted.
func (cs ConfigurationSubject) ValidateDistribution(subjectType SubjectType) error {
	switch subjectType {
	case SubjectTheory:
		if cs.PracticalMarks != nil {
			return fmt.Errorf("invalid marks distribution: practical marks not allowed for theory subject")
		}
		if cs.TheoryMarks == nil || *cs.TheoryMarks != cs.TotalMarks {
			return fmt.Errorf("invalid marks distribution: theory marks must equal total marks")
		}
	case SubjectPractical:
		if cs.TheoryMarks != nil {
			return fmt.Errorf("invalid marks distribution: theory marks not allowed for practical subject")
		}
		if cs.PracticalMarks == nil || *cs.PracticalMarks != cs.TotalMarks {
			return fmt.Errorf("invalid marks distribution: practical marks must equal total marks")
		}
	case SubjectBoth:
		if cs.TheoryMarks == nil || cs.PracticalMarks == nil {
			return fmt.Errorf("invalid marks distribution: both theory and practical marks required")
		}
		if *cs.TheoryMarks+*cs.PracticalMarks != cs.TotalMarks {
			return fmt.Errorf("invalid marks distribution: theory plus practical must equal total marks")
		}
	default:
		return fmt.Errorf("invalid marks distribution: unknown subject type %q", subjectType)
	}

	if cs.PassingMarks > cs.TotalMarks {
		return fmt.Errorf("passing marks exceed total")
	}
	if cs.TheoryMarks != nil && cs.TheoryPassingMarks != nil && *cs.TheoryPassingMarks > *cs.TheoryMarks {
		return fmt.Errorf("passing marks exceed total: theory passing marks exceed theory marks")
	}
	if cs.PracticalMarks != nil && cs.PracticalPassingMarks != nil && *cs.PracticalPassingMarks > *cs.PracticalMarks {
		return fmt.Errorf("passing marks exceed total: practical passing marks exceed practical marks")
	}

	return nil
}

// ConfigurationFilter defines search criteria for class configurations.
type ConfigurationFilter struct {
	ClassName    string
	Section      string
	AcademicYear string
	Active       *bool
	Page         int
	PageSize     int
}

// CopyOutcomeStatus enumerates per-subject results of a configuration copy.
type CopyOutcomeStatus string

const (
	CopyStatusCopied      CopyOutcomeStatus = "COPIED"
	CopyStatusOverwritten CopyOutcomeStatus = "OVERWRITTEN"
	CopyStatusSkipped     CopyOutcomeStatus = "SKIPPED"
	CopyStatusFailed      CopyOutcomeStatus = "FAILED"
)

// CopySubjectOutcome reports what happened to one subject during a copy.
type CopySubjectOutcome struct {
	SubjectID   int64             `json:"subject_id"`
	SubjectCode string            `json:"subject_code,omitempty"`
	Status      CopyOutcomeStatus `json:"status"`
	Reason      string            `json:"reason,omitempty"`
}

// CopyConfigurationResult summarises a best-effort configuration copy.
type CopyConfigurationResult struct {
	Copied      int                  `json:"copied"`
	Overwritten int                  `json:"overwritten"`
	Skipped     int                  `json:"skipped"`
	Failed      int                  `json:"failed"`
	Outcomes    []CopySubjectOutcome `json:"outcomes"`
}
