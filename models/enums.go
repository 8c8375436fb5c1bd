package models

import "fmt"

// TableName is the closed set of canonical tables the warehouse ingests.
// Adding a table means adding a model struct, a policy default and a
// migration entry; there is no open-ended table registration.
type TableName string

const (
	TableCompanies   TableName = "companies"
	TableContacts    TableName = "contacts"
	TableTickets     TableName = "tickets"
	TableTimeEntries TableName = "time_entries"
)

func AllTableNames() []TableName {
	return []TableName{TableCompanies, TableContacts, TableTickets, TableTimeEntries}
}

func ParseTableName(s string) (TableName, error) {
	switch TableName(s) {
	case TableCompanies, TableContacts, TableTickets, TableTimeEntries:
		return TableName(s), nil
	default:
		return "", fmt.Errorf("unknown canonical table %q", s)
	}
}

type ScdType string

const (
	ScdType1 ScdType = "type_1"
	ScdType2 ScdType = "type_2"
)

type ClaimStatus string

const (
	ClaimStatusClaimed  ClaimStatus = "CLAIMED"
	ClaimStatusApplied  ClaimStatus = "APPLIED"
	ClaimStatusReleased ClaimStatus = "RELEASED"
)

type ViolationKind string

const (
	ViolationExactDuplicate  ViolationKind = "exact_duplicate"
	ViolationMissingCurrent  ViolationKind = "missing_current"
	ViolationMultipleCurrent ViolationKind = "multiple_current"
)

type ViolationStatus string

const (
	ViolationStatusOpen     ViolationStatus = "OPEN"
	ViolationStatusRepaired ViolationStatus = "REPAIRED"
)

type LoadStatus string

const (
	LoadStatusSuccess               LoadStatus = "SUCCESS"
	LoadStatusSkippedAlreadyApplied LoadStatus = "SKIPPED_ALREADY_APPLIED"
	LoadStatusFailed                LoadStatus = "FAILED"
)
