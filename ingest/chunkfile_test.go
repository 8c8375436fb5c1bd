package ingest

import (
	"strings"
	"testing"

	"bitbucket.org/mmdatafocus/warehouse_backend/models"
)

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint([]byte(`{"business_id":"T-1"}`))
	b := Fingerprint([]byte(`{"business_id":"T-1"}`))
	if a != b {
		t.Fatal("identical content must produce identical fingerprints")
	}
	if a == Fingerprint([]byte(`{"business_id":"T-2"}`)) {
		t.Fatal("different content must produce different fingerprints")
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

func TestDecodeRowsRejectsBadLinesIndividually(t *testing.T) {
	content := strings.Join([]string{
		`{"tenant_id":"acme","business_id":"T-1","summary":"Printer down","status":"Open"}`,
		`this is not json`,
		``,
		`{"tenant_id":"acme","business_id":"T-2","summary":"VPN slow","status":"Open"}`,
	}, "\n")

	chunk := &ChunkFile{}
	if err := DecodeChunkContent(chunk, models.TableTickets, []byte(content)); err != nil {
		t.Fatalf("DecodeChunkContent: %v", err)
	}

	if len(chunk.Rows) != 2 {
		t.Fatalf("expected 2 decoded rows, got %d", len(chunk.Rows))
	}
	if len(chunk.DecodeErrors) != 1 {
		t.Fatalf("expected 1 decode error, got %d", len(chunk.DecodeErrors))
	}
	if chunk.DecodeErrors[0].BusinessId != "line:2" {
		t.Fatalf("decode error should name the line, got %q", chunk.DecodeErrors[0].BusinessId)
	}
	if chunk.Rows[0].GetBusinessId() != "T-1" || chunk.Rows[1].GetBusinessId() != "T-2" {
		t.Fatal("decoded rows out of order or mis-keyed")
	}
}

func TestDecodeRowsDropStoreAssignedColumns(t *testing.T) {
	content := `{"tenant_id":"acme","business_id":"T-1","summary":"Printer down","status":"Open",` +
		`"id":99,"is_current":true,"record_version":7,"effective_date":"2026-01-01T00:00:00Z",` +
		`"created_at":"2026-01-01T00:00:00Z"}`
	chunk := &ChunkFile{}
	if err := DecodeChunkContent(chunk, models.TableTickets, []byte(content)); err != nil {
		t.Fatalf("DecodeChunkContent: %v", err)
	}
	ticket, ok := chunk.Rows[0].(*models.Ticket)
	if !ok {
		t.Fatalf("expected *models.Ticket, got %T", chunk.Rows[0])
	}
	if ticket.ID != 0 {
		t.Fatalf("source JSON must not set the primary key, got id=%d", ticket.ID)
	}
	if ticket.IsCurrent || ticket.RecordVersion != 0 || !ticket.EffectiveDate.IsZero() {
		t.Fatalf("source JSON must not set versioning columns, got %+v", ticket.ScdColumns)
	}
	if !ticket.CreatedAt.IsZero() {
		t.Fatal("source JSON must not set row timestamps")
	}

	company := `{"tenant_id":"acme","business_id":"CO-1","name":"Acme Corp","status":"Active","id":42}`
	chunk = &ChunkFile{}
	if err := DecodeChunkContent(chunk, models.TableCompanies, []byte(company)); err != nil {
		t.Fatalf("DecodeChunkContent: %v", err)
	}
	if chunk.Rows[0].(*models.Company).ID != 0 {
		t.Fatal("source JSON must not set the primary key on type 1 rows either")
	}
}

func TestDecodeRowsNormalizes(t *testing.T) {
	content := `{"tenant_id":"acme","business_id":"T-1","summary":"  padded  ","status":" Open "}`
	chunk := &ChunkFile{}
	if err := DecodeChunkContent(chunk, models.TableTickets, []byte(content)); err != nil {
		t.Fatalf("DecodeChunkContent: %v", err)
	}
	ticket, ok := chunk.Rows[0].(*models.Ticket)
	if !ok {
		t.Fatalf("expected *models.Ticket, got %T", chunk.Rows[0])
	}
	if ticket.Summary != "padded" || ticket.Status != "Open" {
		t.Fatalf("expected trimmed fields, got summary=%q status=%q", ticket.Summary, ticket.Status)
	}
}
