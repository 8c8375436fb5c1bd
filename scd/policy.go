package scd

import (
	"encoding/json"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/warehouse_backend/models"
	"github.com/sirupsen/logrus"
)

// Policy is one table's versioning configuration. Immutable after load.
type Policy struct {
	TableName             models.TableName
	ScdType               models.ScdType
	ChangeDetectionFields []string
}

// Default policies. Metadata fields (source_updated_at) are deliberately
// excluded from change detection so a touched-but-unchanged source row does
// not mint a spurious version.
func defaultPolicies() map[models.TableName]Policy {
	return map[models.TableName]Policy{
		models.TableCompanies: {
			TableName: models.TableCompanies,
			ScdType:   models.ScdType1,
		},
		models.TableContacts: {
			TableName: models.TableContacts,
			ScdType:   models.ScdType1,
		},
		models.TableTickets: {
			TableName:             models.TableTickets,
			ScdType:               models.ScdType2,
			ChangeDetectionFields: []string{"status", "priority", "summary", "owner"},
		},
		models.TableTimeEntries: {
			TableName:             models.TableTimeEntries,
			ScdType:               models.ScdType2,
			ChangeDetectionFields: []string{"hours", "billable_rate", "status", "notes"},
		},
	}
}

type policyFile struct {
	Tables map[string]policyFileEntry `json:"tables"`
}

type policyFileEntry struct {
	ScdType               string   `json:"scd_type"`
	ChangeDetectionFields []string `json:"change_detection_fields"`
}

// Resolver caches per-table SCD policies for the process lifetime. The cache
// is read-only after NewResolver returns and safe for concurrent use.
type Resolver struct {
	policies map[models.TableName]Policy
}

// NewResolver loads policies once: compiled-in defaults, overridden by the
// JSON file at path (usually SCD_POLICY_PATH) when present.
func NewResolver(logger *logrus.Logger, path string) (*Resolver, error) {
	policies := defaultPolicies()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, &models.PolicyConfigurationError{TableName: "*", Reason: fmt.Sprintf("read %s: %v", path, err)}
		}
		var file policyFile
		if err := json.Unmarshal(raw, &file); err != nil {
			return nil, &models.PolicyConfigurationError{TableName: "*", Reason: fmt.Sprintf("parse %s: %v", path, err)}
		}

		for name, entry := range file.Tables {
			table, err := models.ParseTableName(name)
			if err != nil {
				return nil, &models.PolicyConfigurationError{TableName: name, Reason: "not a canonical table"}
			}

			scdType := models.ScdType(entry.ScdType)
			switch scdType {
			case models.ScdType1, models.ScdType2:
			case "":
				// Explicit fallback, not silent: a table without scd_type is
				// loaded as Type 1 and logged so the omission is visible.
				scdType = models.ScdType1
				if logger != nil {
					logger.WithFields(logrus.Fields{
						"field": "PolicyResolver",
						"table": name,
					}).Warn("scd_type missing in policy config; defaulting to type_1")
				}
			default:
				return nil, &models.PolicyConfigurationError{TableName: name, Reason: fmt.Sprintf("invalid scd_type %q", entry.ScdType)}
			}

			policies[table] = Policy{
				TableName:             table,
				ScdType:               scdType,
				ChangeDetectionFields: entry.ChangeDetectionFields,
			}
		}
	}

	// Validate once at the boundary: every change-detection field must exist
	// on the table's canonical model, and Type 2 tables need at least one.
	for table, policy := range policies {
		model, err := models.NewRowForTable(table)
		if err != nil {
			return nil, err
		}
		for _, field := range policy.ChangeDetectionFields {
			if _, ok := model.FieldValue(field); !ok {
				return nil, &models.PolicyConfigurationError{
					TableName: string(table),
					Reason:    fmt.Sprintf("change detection field %q does not exist on the canonical model", field),
				}
			}
		}
		if policy.ScdType == models.ScdType2 && len(policy.ChangeDetectionFields) == 0 {
			return nil, &models.PolicyConfigurationError{
				TableName: string(table),
				Reason:    "type_2 table requires at least one change detection field",
			}
		}
	}

	return &Resolver{policies: policies}, nil
}

// Resolve returns the table's policy or a PolicyConfigurationError for
// tables with no configured policy.
func (r *Resolver) Resolve(table models.TableName) (Policy, error) {
	policy, ok := r.policies[table]
	if !ok {
		return Policy{}, &models.PolicyConfigurationError{TableName: string(table), Reason: "no policy configured"}
	}
	return policy, nil
}
