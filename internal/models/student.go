package models

import "time"

// Student is a roster entry for matrix and tabulation building. Roster
// management itself lives outside this service; only the read model is here.
type Student struct {
	ID         int64     `db:"id" json:"id"`
	Name       string    `db:"name" json:"name"`
	RollNumber int       `db:"roll_number" json:"roll_number"`
	ClassID    int64     `db:"class_id" json:"class_id"`
	Section    string    `db:"section" json:"section"`
	Active     bool      `db:"active" json:"active"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// AttendanceSummary carries the working/present day counts surfaced on
// tabulation sheets. Computed by the attendance collaborator, not here.
type AttendanceSummary struct {
	StudentID   int64 `db:"student_id" json:"student_id"`
	WorkingDays int   `db:"working_days" json:"working_days"`
	PresentDays int   `db:"present_days" json:"present_days"`
}
