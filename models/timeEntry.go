package models

import (
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/warehouse_backend/utils"
	"github.com/shopspring/decimal"
)

// TimeEntry is a Type 2 dimension. Hours and billing rates get corrected
// after the fact in every PSA system, so history matters here.
type TimeEntry struct {
	ID         int    `gorm:"primary_key" json:"id"`
	TenantId   string `gorm:"size:64;not null;index:idx_time_entry_key" json:"tenant_id" validate:"required"`
	BusinessId string `gorm:"size:100;not null;index:idx_time_entry_key" json:"business_id" validate:"required"`

	TicketBusinessId *string         `gorm:"size:100;index" json:"ticket_business_id"`
	Member           string          `gorm:"size:100;not null" json:"member" validate:"required"`
	WorkDate         *time.Time      `json:"work_date"`
	Hours            decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"hours"`
	BillableRate     decimal.Decimal `gorm:"type:decimal(12,2)" json:"billable_rate"`
	Status           string          `gorm:"size:50" json:"status"`
	Notes            *string         `gorm:"type:text" json:"notes"`

	SourceUpdatedAt *time.Time `json:"source_updated_at"`

	ScdColumns

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (TimeEntry) TableName() string { return string(TableTimeEntries) }

func (t *TimeEntry) GetTenantId() string   { return t.TenantId }
func (t *TimeEntry) GetBusinessId() string { return t.BusinessId }
func (t *TimeEntry) RowID() int            { return t.ID }

func (t *TimeEntry) SourceTimestamp() *time.Time { return t.SourceUpdatedAt }

func (t *TimeEntry) FieldValue(name string) (FieldValue, bool) {
	switch name {
	case "ticket_business_id":
		return nullableStringField(t.TicketBusinessId), true
	case "member":
		return stringField(t.Member), true
	case "work_date":
		return nullableTimeField(t.WorkDate), true
	case "hours":
		return decimalField(t.Hours), true
	case "billable_rate":
		return decimalField(t.BillableRate), true
	case "status":
		return stringField(t.Status), true
	case "notes":
		return nullableStringField(t.Notes), true
	default:
		return FieldValue{}, false
	}
}

func (t *TimeEntry) Normalize() {
	t.Member = strings.TrimSpace(t.Member)
	t.Status = strings.TrimSpace(t.Status)
}

func (t *TimeEntry) Validate() error {
	if err := utils.GetValidator().Struct(t); err != nil {
		return &ValidationError{TableName: TableTimeEntries, BusinessId: t.BusinessId, Reason: err.Error()}
	}
	if t.Hours.IsNegative() {
		return &ValidationError{TableName: TableTimeEntries, BusinessId: t.BusinessId, Reason: "hours must not be negative"}
	}
	return nil
}
