package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// FieldValue is one canonical field, normalized for change detection.
// Null and empty string are distinct on purpose: a source system clearing a
// field is a change, a field that was never set is not.
type FieldValue struct {
	Value string
	Null  bool
}

func (v FieldValue) Equal(other FieldValue) bool {
	if v.Null || other.Null {
		return v.Null && other.Null
	}
	return v.Value == other.Value
}

func stringField(s string) FieldValue {
	return FieldValue{Value: s}
}

func nullableStringField(s *string) FieldValue {
	if s == nil {
		return FieldValue{Null: true}
	}
	return FieldValue{Value: *s}
}

func decimalField(d decimal.Decimal) FieldValue {
	return FieldValue{Value: d.String()}
}

func nullableTimeField(t *time.Time) FieldValue {
	if t == nil {
		return FieldValue{Null: true}
	}
	return FieldValue{Value: t.UTC().Format(time.RFC3339)}
}

func intField(n int) FieldValue {
	return FieldValue{Value: fmt.Sprintf("%d", n)}
}

// CanonicalRow is one business entity version from a source chunk. The set of
// implementations is closed (see TableName); type coercion and normalization
// happen once at the chunk decode boundary, not at every field lookup.
type CanonicalRow interface {
	GetTenantId() string
	GetBusinessId() string
	TableName() string

	// FieldValue returns the normalized value of a canonical field for
	// change detection. The second return is false for unknown field names.
	FieldValue(name string) (FieldValue, bool)

	// Normalize cleans source quirks (phone formatting, whitespace) before
	// validation and reconciliation.
	Normalize()

	Validate() error
}

// ScdColumns are the Type 2 versioning columns. Type 1 tables do not embed
// them; current state simply overwrites in place.
type ScdColumns struct {
	EffectiveDate  time.Time  `gorm:"not null" json:"effective_date"`
	ExpirationDate *time.Time `json:"expiration_date"`
	IsCurrent      bool       `gorm:"not null;index" json:"is_current"`
	RecordVersion  int        `gorm:"not null" json:"record_version"`
}

func (c *ScdColumns) Scd() *ScdColumns { return c }

// ScdRow is a canonical row from a Type 2 table.
type ScdRow interface {
	CanonicalRow
	RowID() int
	Scd() *ScdColumns

	// SourceTimestamp is the source system's last-modified time, used only
	// for late-arrival detection. Nil when the source did not provide one.
	SourceTimestamp() *time.Time
}

// OverwriteColumns lists the columns a Type 1 overwrite may rewrite on
// conflict. The unique key and the store-owned columns (id, created_at,
// updated_at) stay out, so a byte-identical reload assigns only matching
// values and MySQL reports zero affected rows.
func OverwriteColumns(table TableName) ([]string, error) {
	switch table {
	case TableCompanies:
		return []string{"name", "city", "state", "phone", "website", "status",
			"annual_revenue", "employee_count", "source_updated_at"}, nil
	case TableContacts:
		return []string{"company_business_id", "first_name", "last_name", "email",
			"phone", "title", "status", "source_updated_at"}, nil
	case TableTickets:
		return []string{"summary", "status", "priority", "board", "owner",
			"company_business_id", "source_updated_at"}, nil
	case TableTimeEntries:
		return []string{"ticket_business_id", "member", "work_date", "hours",
			"billable_rate", "status", "notes", "source_updated_at"}, nil
	default:
		return nil, fmt.Errorf("unknown canonical table %q", table)
	}
}

// ResetStoreAssigned zeroes the columns the store owns: primary key,
// versioning columns, and row timestamps. Source JSON that smuggles an "id"
// or "record_version" in must never steer inserts onto existing rows.
func ResetStoreAssigned(row CanonicalRow) {
	switch r := row.(type) {
	case *Company:
		r.ID = 0
		r.CreatedAt = time.Time{}
		r.UpdatedAt = time.Time{}
	case *Contact:
		r.ID = 0
		r.CreatedAt = time.Time{}
		r.UpdatedAt = time.Time{}
	case *Ticket:
		r.ID = 0
		r.ScdColumns = ScdColumns{}
		r.CreatedAt = time.Time{}
		r.UpdatedAt = time.Time{}
	case *TimeEntry:
		r.ID = 0
		r.ScdColumns = ScdColumns{}
		r.CreatedAt = time.Time{}
		r.UpdatedAt = time.Time{}
	}
}

// NewRowForTable returns an empty concrete row for decode/fetch use.
func NewRowForTable(table TableName) (CanonicalRow, error) {
	switch table {
	case TableCompanies:
		return &Company{}, nil
	case TableContacts:
		return &Contact{}, nil
	case TableTickets:
		return &Ticket{}, nil
	case TableTimeEntries:
		return &TimeEntry{}, nil
	default:
		return nil, &PolicyConfigurationError{TableName: string(table), Reason: "no canonical model registered"}
	}
}
