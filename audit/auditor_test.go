package audit

import (
	"testing"

	"bitbucket.org/mmdatafocus/warehouse_backend/models"
)

func TestParseRowIds(t *testing.T) {
	cases := []struct {
		in       string
		expected []int
	}{
		{"1,2,3", []int{1, 2, 3}},
		{" 4 , 5 ", []int{4, 5}},
		{"7", []int{7}},
		{"", nil},
		{"8,,9", []int{8, 9}},
	}
	for _, tc := range cases {
		got := parseRowIds(tc.in)
		if len(got) != len(tc.expected) {
			t.Fatalf("parseRowIds(%q) expected %v, got %v", tc.in, tc.expected, got)
		}
		for i := range got {
			if got[i] != tc.expected[i] {
				t.Fatalf("parseRowIds(%q) expected %v, got %v", tc.in, tc.expected, got)
			}
		}
	}
}

func TestJoinIdsRoundTrip(t *testing.T) {
	ids := []int{10, 20, 30}
	if got := joinIds(ids); got != "10,20,30" {
		t.Fatalf("joinIds expected 10,20,30, got %q", got)
	}
	back := parseRowIds(joinIds(ids))
	if len(back) != 3 || back[0] != 10 || back[2] != 30 {
		t.Fatalf("round trip lost ids: %v", back)
	}
}

func TestCanonicalColumnsCoverAllTables(t *testing.T) {
	for _, table := range models.AllTableNames() {
		columns, err := canonicalColumns(table)
		if err != nil {
			t.Fatalf("canonicalColumns(%s): %v", table, err)
		}
		if len(columns) == 0 {
			t.Fatalf("canonicalColumns(%s) returned no columns", table)
		}
		// Every listed column must resolve on the canonical model or be a
		// versioning column; a rename that breaks duplicate detection should
		// fail here, not in production SQL.
		row, err := models.NewRowForTable(table)
		if err != nil {
			t.Fatalf("NewRowForTable(%s): %v", table, err)
		}
		versioning := map[string]bool{
			"effective_date": true, "expiration_date": true,
			"is_current": true, "record_version": true,
		}
		for _, column := range columns {
			if versioning[column] {
				continue
			}
			if _, ok := row.FieldValue(column); !ok {
				t.Fatalf("canonicalColumns(%s) lists %q which the model does not expose", table, column)
			}
		}
	}
	if _, err := canonicalColumns(models.TableName("projects")); err == nil {
		t.Fatal("expected error for unknown table")
	}
}
