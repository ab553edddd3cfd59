package models

import "time"

// AuditAction constants represent actions to be logged.
const (
	AuditActionLogin        = "LOGIN"
	AuditActionMarksUpsert  = "MARKS_UPSERT"
	AuditActionMarksAbsent  = "MARKS_ABSENT"
	AuditActionSummaryLock  = "SUMMARY_LOCK"
	AuditActionReview       = "SUMMARY_REVIEW"
	AuditActionMatrixSave   = "MATRIX_SAVE"
	AuditActionConfigChange = "CONFIG_CHANGE"
)

// AuditLog represents an audit trail record.
type AuditLog struct {
	ID         string    `db:"id" json:"id"`
	UserID     *int64    `db:"user_id" json:"user_id,omitempty"`
	Action     string    `db:"action" json:"action"`
	Resource   string    `db:"resource" json:"resource"`
	ResourceID *int64    `db:"resource_id" json:"resource_id,omitempty"`
	NewValues  []byte    `db:"new_values" json:"new_values,omitempty"`
	IPAddress  string    `db:"ip_address" json:"ip_address"`
	UserAgent  string    `db:"user_agent" json:"user_agent"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
