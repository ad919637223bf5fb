package model

import "time"

// OperationLog is one dispatched mutation outcome in the ClickHouse report
// table.
type OperationLog struct {
	JobID     string    `db:"job_id" json:"job_id"`
	OrgID     string    `db:"org_id" json:"org_id"`
	Action    OpAction  `db:"action" json:"action"`
	TargetID  string    `db:"target_id" json:"target_id"`
	Success   uint8     `db:"success" json:"success"`
	Error     string    `db:"error" json:"error,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
