package models

import (
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/warehouse_backend/utils"
)

// Contact is a Type 1 dimension keyed by (tenant_id, business_id).
type Contact struct {
	ID         int    `gorm:"primary_key" json:"id"`
	TenantId   string `gorm:"size:64;not null;index:uniq_contact,unique" json:"tenant_id" validate:"required"`
	BusinessId string `gorm:"size:100;not null;index:uniq_contact,unique" json:"business_id" validate:"required"`

	CompanyBusinessId *string `gorm:"size:100;index" json:"company_business_id"`
	FirstName         string  `gorm:"size:100" json:"first_name"`
	LastName          string  `gorm:"size:100;not null" json:"last_name" validate:"required"`
	Email             *string `gorm:"size:255" json:"email"`
	Phone             *string `gorm:"size:30" json:"phone"`
	Title             *string `gorm:"size:100" json:"title"`
	Status            string  `gorm:"size:50" json:"status"`

	SourceUpdatedAt *time.Time `json:"source_updated_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Contact) TableName() string { return string(TableContacts) }

func (c *Contact) GetTenantId() string   { return c.TenantId }
func (c *Contact) GetBusinessId() string { return c.BusinessId }

func (c *Contact) FieldValue(name string) (FieldValue, bool) {
	switch name {
	case "company_business_id":
		return nullableStringField(c.CompanyBusinessId), true
	case "first_name":
		return stringField(c.FirstName), true
	case "last_name":
		return stringField(c.LastName), true
	case "email":
		return nullableStringField(c.Email), true
	case "phone":
		return nullableStringField(c.Phone), true
	case "title":
		return nullableStringField(c.Title), true
	case "status":
		return stringField(c.Status), true
	default:
		return FieldValue{}, false
	}
}

func (c *Contact) Normalize() {
	c.FirstName = strings.TrimSpace(c.FirstName)
	c.LastName = strings.TrimSpace(c.LastName)
	c.Status = strings.TrimSpace(c.Status)
	if c.Email != nil {
		lowered := strings.ToLower(strings.TrimSpace(*c.Email))
		c.Email = &lowered
	}
	if c.Phone != nil {
		normalized := utils.NormalizePhoneNumber(*c.Phone)
		c.Phone = &normalized
	}
}

func (c *Contact) Validate() error {
	if err := utils.GetValidator().Struct(c); err != nil {
		return &ValidationError{TableName: TableContacts, BusinessId: c.BusinessId, Reason: err.Error()}
	}
	if c.Email != nil && *c.Email != "" && !utils.IsValidEmail(*c.Email) {
		return &ValidationError{TableName: TableContacts, BusinessId: c.BusinessId, Reason: "invalid email"}
	}
	return nil
}
