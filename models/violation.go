package models

import "time"

// ViolationRecord is the auditor's normal output, persisted so repairs can be
// human-gated and replayed. Finding violations is not an error condition.
type ViolationRecord struct {
	ID          int             `gorm:"primary_key" json:"id"`
	ViolationId string          `gorm:"size:36;not null;index" json:"violation_id"`
	TenantId    string          `gorm:"size:64;not null;index" json:"tenant_id"`
	TableName   string          `gorm:"size:50;not null;index" json:"table_name"`
	BusinessId  string          `gorm:"size:100;not null" json:"business_id"`
	Kind        ViolationKind   `gorm:"size:30;not null;index" json:"kind"`
	Status      ViolationStatus `gorm:"size:20;not null;index" json:"status"`

	// Comma-separated store row ids affected by the violation.
	RowIds string `gorm:"type:text" json:"row_ids"`

	ProposedAction string     `gorm:"size:255" json:"proposed_action"`
	DetectedAt     time.Time  `gorm:"not null" json:"detected_at"`
	RepairedAt     *time.Time `json:"repaired_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// RepairAction records before/after row identifiers for every confirmed
// repair so destructive fixes can be audited and replayed.
type RepairAction struct {
	ID          int           `gorm:"primary_key" json:"id"`
	ViolationId string        `gorm:"size:36;not null;index" json:"violation_id"`
	TenantId    string        `gorm:"size:64;not null;index" json:"tenant_id"`
	TableName   string        `gorm:"size:50;not null" json:"table_name"`
	BusinessId  string        `gorm:"size:100;not null" json:"business_id"`
	Kind        ViolationKind `gorm:"size:30;not null" json:"kind"`

	BeforeRowIds string `gorm:"type:text" json:"before_row_ids"`
	AfterRowIds  string `gorm:"type:text" json:"after_row_ids"`
	RowsDeleted  int    `json:"rows_deleted"`
	RowsUpdated  int    `json:"rows_updated"`

	PerformedBy string    `gorm:"size:100" json:"performed_by"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}
