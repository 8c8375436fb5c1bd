package models

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestFieldValueEqualNullSemantics(t *testing.T) {
	cases := []struct {
		name  string
		a, b  FieldValue
		equal bool
	}{
		{"same values", FieldValue{Value: "Open"}, FieldValue{Value: "Open"}, true},
		{"different values", FieldValue{Value: "Open"}, FieldValue{Value: "Closed"}, false},
		{"null equals null", FieldValue{Null: true}, FieldValue{Null: true}, true},
		{"null never equals empty string", FieldValue{Null: true}, FieldValue{Value: ""}, false},
		{"empty string never equals null", FieldValue{Value: ""}, FieldValue{Null: true}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.a.Equal(tc.b); got != tc.equal {
				t.Fatalf("Equal expected %v, got %v", tc.equal, got)
			}
		})
	}
}

func TestContactNormalizeLowersEmail(t *testing.T) {
	email := "  Kyaw.Zeya@Example.COM "
	c := &Contact{TenantId: "acme", BusinessId: "C-1", LastName: "Zeya", Email: &email}
	c.Normalize()
	if *c.Email != "kyaw.zeya@example.com" {
		t.Fatalf("expected lowered trimmed email, got %q", *c.Email)
	}
}

func TestContactValidateRequiresLastName(t *testing.T) {
	c := &Contact{TenantId: "acme", BusinessId: "C-1"}
	err := c.Validate()
	if err == nil {
		t.Fatal("expected validation error for missing last name")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if verr.BusinessId != "C-1" {
		t.Fatalf("validation error should carry the business id, got %q", verr.BusinessId)
	}
}

func TestContactValidateRejectsBadEmail(t *testing.T) {
	email := "not-an-email"
	c := &Contact{TenantId: "acme", BusinessId: "C-1", LastName: "Zeya", Email: &email}
	if err := c.Validate(); err == nil {
		t.Fatal("expected validation error for malformed email")
	}
}

func TestTicketValidateRequiresSummaryAndStatus(t *testing.T) {
	tk := &Ticket{TenantId: "acme", BusinessId: "T-1"}
	if err := tk.Validate(); err == nil {
		t.Fatal("expected validation error for missing summary and status")
	}
	tk.Summary = "Printer down"
	tk.Status = "Open"
	if err := tk.Validate(); err != nil {
		t.Fatalf("valid ticket rejected: %v", err)
	}
}

func TestTimeEntryValidateRejectsNegativeHours(t *testing.T) {
	te := &TimeEntry{
		TenantId:   "acme",
		BusinessId: "TE-1",
		Member:     "kyaw",
		Hours:      decimal.NewFromFloat(-1.5),
	}
	if err := te.Validate(); err == nil {
		t.Fatal("expected validation error for negative hours")
	}
	te.Hours = decimal.NewFromFloat(1.5)
	if err := te.Validate(); err != nil {
		t.Fatalf("valid time entry rejected: %v", err)
	}
}

func TestDecimalFieldNormalizesScale(t *testing.T) {
	a := TimeEntry{Hours: decimal.RequireFromString("1.50")}
	b := TimeEntry{Hours: decimal.RequireFromString("1.5")}
	av, _ := a.FieldValue("hours")
	bv, _ := b.FieldValue("hours")
	if !av.Equal(bv) {
		t.Fatalf("1.50 and 1.5 hours must compare equal, got %q vs %q", av.Value, bv.Value)
	}
}

func TestNewRowForTableCoversAllTables(t *testing.T) {
	for _, table := range AllTableNames() {
		row, err := NewRowForTable(table)
		if err != nil {
			t.Fatalf("NewRowForTable(%s): %v", table, err)
		}
		if row.TableName() != string(table) {
			t.Fatalf("NewRowForTable(%s) returned model for %q", table, row.TableName())
		}
	}
	if _, err := NewRowForTable(TableName("projects")); err == nil {
		t.Fatal("expected error for unregistered table")
	}
}

func TestOverwriteColumnsExcludeStoreOwned(t *testing.T) {
	storeOwned := map[string]bool{
		"id":              true,
		"tenant_id":       true,
		"business_id":     true,
		"created_at":      true,
		"updated_at":      true,
		"effective_date":  true,
		"expiration_date": true,
		"is_current":      true,
		"record_version":  true,
	}
	for _, table := range AllTableNames() {
		columns, err := OverwriteColumns(table)
		if err != nil {
			t.Fatalf("OverwriteColumns(%s): %v", table, err)
		}
		if len(columns) == 0 {
			t.Fatalf("OverwriteColumns(%s) is empty", table)
		}
		for _, col := range columns {
			if storeOwned[col] {
				t.Errorf("%s overwrite list must not assign store-owned column %s", table, col)
			}
		}
	}
	if _, err := OverwriteColumns(TableName("projects")); err == nil {
		t.Fatal("expected error for unregistered table")
	}
}

func TestResetStoreAssignedClearsDecodedIdentity(t *testing.T) {
	ticket := &Ticket{
		ID:         99,
		TenantId:   "acme",
		BusinessId: "T-1",
		ScdColumns: ScdColumns{IsCurrent: true, RecordVersion: 7},
	}
	ResetStoreAssigned(ticket)
	if ticket.ID != 0 || ticket.IsCurrent || ticket.RecordVersion != 0 {
		t.Fatalf("store-assigned columns must be cleared, got %+v", ticket)
	}
	if ticket.TenantId != "acme" || ticket.BusinessId != "T-1" {
		t.Fatal("business key must survive the reset")
	}

	company := &Company{ID: 42, BusinessId: "CO-1"}
	ResetStoreAssigned(company)
	if company.ID != 0 || company.BusinessId != "CO-1" {
		t.Fatalf("expected cleared id and intact key, got %+v", company)
	}
}

func TestIsRetryableErrorTaxonomy(t *testing.T) {
	if !IsRetryableError(&TransientStoreError{Op: "x", Err: errors.New("conn reset")}) {
		t.Fatal("transient store errors are retryable")
	}
	if !IsRetryableError(&ConflictError{Op: "x", Key: "k", Reason: "contended"}) {
		t.Fatal("conflicts are retryable (with backoff)")
	}
	if IsRetryableError(&ValidationError{TableName: TableTickets, BusinessId: "T-1", Reason: "bad"}) {
		t.Fatal("validation errors are not retryable")
	}
	if IsRetryableError(&TenantIsolationError{ChunkTenantId: "a", RowTenantId: "b", BusinessId: "T-1"}) {
		t.Fatal("tenant isolation errors are not retryable")
	}
}
