package models

import (
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/warehouse_backend/utils"
	"github.com/shopspring/decimal"
)

// Company is a Type 1 dimension: exactly one stored row per
// (tenant_id, business_id), latest observed values win.
type Company struct {
	ID         int    `gorm:"primary_key" json:"id"`
	TenantId   string `gorm:"size:64;not null;index:uniq_company,unique" json:"tenant_id" validate:"required"`
	BusinessId string `gorm:"size:100;not null;index:uniq_company,unique" json:"business_id" validate:"required"`

	Name          string          `gorm:"size:255;not null" json:"name" validate:"required"`
	City          *string         `gorm:"size:100" json:"city"`
	State         *string         `gorm:"size:50" json:"state"`
	Phone         *string         `gorm:"size:30" json:"phone"`
	Website       *string         `gorm:"size:255" json:"website"`
	Status        string          `gorm:"size:50" json:"status"`
	AnnualRevenue decimal.Decimal `gorm:"type:decimal(18,2)" json:"annual_revenue"`
	EmployeeCount int             `json:"employee_count"`

	// Source metadata; never participates in change detection.
	SourceUpdatedAt *time.Time `json:"source_updated_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Company) TableName() string { return string(TableCompanies) }

func (c *Company) GetTenantId() string   { return c.TenantId }
func (c *Company) GetBusinessId() string { return c.BusinessId }

func (c *Company) FieldValue(name string) (FieldValue, bool) {
	switch name {
	case "name":
		return stringField(c.Name), true
	case "city":
		return nullableStringField(c.City), true
	case "state":
		return nullableStringField(c.State), true
	case "phone":
		return nullableStringField(c.Phone), true
	case "website":
		return nullableStringField(c.Website), true
	case "status":
		return stringField(c.Status), true
	case "annual_revenue":
		return decimalField(c.AnnualRevenue), true
	case "employee_count":
		return intField(c.EmployeeCount), true
	default:
		return FieldValue{}, false
	}
}

func (c *Company) Normalize() {
	c.Name = strings.TrimSpace(c.Name)
	c.Status = strings.TrimSpace(c.Status)
	if c.Phone != nil {
		normalized := utils.NormalizePhoneNumber(*c.Phone)
		c.Phone = &normalized
	}
}

func (c *Company) Validate() error {
	if err := utils.GetValidator().Struct(c); err != nil {
		return &ValidationError{TableName: TableCompanies, BusinessId: c.BusinessId, Reason: err.Error()}
	}
	return nil
}
