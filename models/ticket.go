package models

import (
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/warehouse_backend/utils"
)

// Ticket is a Type 2 dimension: every change-detected update closes the
// current row and inserts a new version. At most one row per
// (tenant_id, business_id) has is_current = true, and exactly one once the
// key has been loaded.
type Ticket struct {
	ID         int    `gorm:"primary_key" json:"id"`
	TenantId   string `gorm:"size:64;not null;index:idx_ticket_key" json:"tenant_id" validate:"required"`
	BusinessId string `gorm:"size:100;not null;index:idx_ticket_key" json:"business_id" validate:"required"`

	Summary           string  `gorm:"size:500;not null" json:"summary" validate:"required"`
	Status            string  `gorm:"size:50;not null" json:"status" validate:"required"`
	Priority          string  `gorm:"size:50" json:"priority"`
	Board             *string `gorm:"size:100" json:"board"`
	Owner             *string `gorm:"size:100" json:"owner"`
	CompanyBusinessId *string `gorm:"size:100;index" json:"company_business_id"`

	SourceUpdatedAt *time.Time `json:"source_updated_at"`

	ScdColumns

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Ticket) TableName() string { return string(TableTickets) }

func (t *Ticket) GetTenantId() string   { return t.TenantId }
func (t *Ticket) GetBusinessId() string { return t.BusinessId }
func (t *Ticket) RowID() int            { return t.ID }

func (t *Ticket) SourceTimestamp() *time.Time { return t.SourceUpdatedAt }

func (t *Ticket) FieldValue(name string) (FieldValue, bool) {
	switch name {
	case "summary":
		return stringField(t.Summary), true
	case "status":
		return stringField(t.Status), true
	case "priority":
		return stringField(t.Priority), true
	case "board":
		return nullableStringField(t.Board), true
	case "owner":
		return nullableStringField(t.Owner), true
	case "company_business_id":
		return nullableStringField(t.CompanyBusinessId), true
	default:
		return FieldValue{}, false
	}
}

func (t *Ticket) Normalize() {
	t.Summary = strings.TrimSpace(t.Summary)
	t.Status = strings.TrimSpace(t.Status)
	t.Priority = strings.TrimSpace(t.Priority)
}

func (t *Ticket) Validate() error {
	if err := utils.GetValidator().Struct(t); err != nil {
		return &ValidationError{TableName: TableTickets, BusinessId: t.BusinessId, Reason: err.Error()}
	}
	return nil
}
