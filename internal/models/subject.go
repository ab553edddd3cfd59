package models

import "time"

// SubjectType classifies how a subject is examined.
type SubjectType string

const (
	// SubjectTheory marks subjects examined through written papers only.
	SubjectTheory SubjectType = "THEORY"
	// SubjectPractical marks subjects examined through practical work only.
	SubjectPractical SubjectType = "PRACTICAL"
	// SubjectBoth marks subjects with both a theory and a practical component.
	SubjectBoth SubjectType = "BOTH"
)

// Valid reports whether the subject type is one of the known values.
func (t SubjectType) Valid() bool {
	switch t {
	case SubjectTheory, SubjectPractical, SubjectBoth:
		return true
	default:
		return false
	}
}

// SubjectMaster is a catalog entry for an examinable subject.
type SubjectMaster struct {
	ID        int64       `db:"id" json:"id"`
	Code      string      `db:"code" json:"code"`
	Name      string      `db:"name" json:"name"`
	Type      SubjectType `db:"subject_type" json:"subject_type"`
	Active    bool        `db:"active" json:"active"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt time.Time   `db:"updated_at" json:"updated_at"`
}

// SubjectFilter captures supported filters for listing catalog subjects.
type SubjectFilter struct {
	Type      SubjectType
	Search    string
	Active    *bool
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
