package audit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/warehouse_backend/models"
	"bitbucket.org/mmdatafocus/warehouse_backend/scd"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Auditor detects and repairs integrity defects the live path should never
// produce: exact-duplicate rows, and Type 2 keys with zero or more than one
// current row. It runs out-of-band against the store; found violations are
// its normal output, only store failures are errors.
type Auditor struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	Resolver *scd.Resolver
}

func NewAuditor(db *gorm.DB, logger *logrus.Logger, resolver *scd.Resolver) *Auditor {
	return &Auditor{DB: db, Logger: logger, Resolver: resolver}
}

// canonicalColumns are the per-table field columns that define byte-for-byte
// duplicate identity. Type 2 tables include the versioning columns: two rows
// that agree on everything including record_version mean a bypassed no-op
// path, not legitimate history.
func canonicalColumns(table models.TableName) ([]string, error) {
	switch table {
	case models.TableCompanies:
		return []string{"name", "city", "state", "phone", "website", "status", "annual_revenue", "employee_count"}, nil
	case models.TableContacts:
		return []string{"company_business_id", "first_name", "last_name", "email", "phone", "title", "status"}, nil
	case models.TableTickets:
		return []string{"summary", "status", "priority", "board", "owner", "company_business_id",
			"effective_date", "expiration_date", "is_current", "record_version"}, nil
	case models.TableTimeEntries:
		return []string{"ticket_business_id", "member", "work_date", "hours", "billable_rate", "status", "notes",
			"effective_date", "expiration_date", "is_current", "record_version"}, nil
	default:
		return nil, fmt.Errorf("unknown canonical table %q", table)
	}
}

type violationRow struct {
	BusinessId string `gorm:"column:business_id"`
	RowIds     string `gorm:"column:row_ids"`
}

// Scan refreshes the open violation records for one (tenant, table) and
// returns them. Previously detected-but-unrepaired violations are replaced
// so the record set always reflects the latest scan.
func (a *Auditor) Scan(ctx context.Context, tenantId string, table models.TableName) ([]models.ViolationRecord, error) {
	policy, err := a.Resolver.Resolve(table)
	if err != nil {
		return nil, err
	}

	var violations []models.ViolationRecord

	// The scans read GROUP_CONCAT id lists. The default group_concat_max_len
	// (1024 bytes) silently truncates long lists, and a truncated CSV still
	// parses as valid ids, so the limit is raised on a pinned connection
	// before any scan query runs.
	err = a.DB.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := conn.Exec("SET SESSION group_concat_max_len = 1048576").Error; err != nil {
			return &models.TransientStoreError{Op: "scan_session", Err: err}
		}

		dupes, err := a.scanExactDuplicates(conn, tenantId, table)
		if err != nil {
			return err
		}
		violations = append(violations, dupes...)

		if policy.ScdType == models.ScdType2 {
			multi, err := a.scanCurrentCount(conn, tenantId, table, models.ViolationMultipleCurrent)
			if err != nil {
				return err
			}
			violations = append(violations, multi...)

			missing, err := a.scanCurrentCount(conn, tenantId, table, models.ViolationMissingCurrent)
			if err != nil {
				return err
			}
			violations = append(violations, missing...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = a.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("tenant_id = ? AND table_name = ? AND status = ?",
			tenantId, string(table), models.ViolationStatusOpen).
			Delete(&models.ViolationRecord{}).Error; err != nil {
			return err
		}
		for i := range violations {
			if err := tx.Create(&violations[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, &models.TransientStoreError{Op: "violation_refresh", Err: err}
	}

	if a.Logger != nil {
		a.Logger.WithFields(logrus.Fields{
			"field":      "Auditor",
			"tenant_id":  tenantId,
			"table":      table,
			"violations": len(violations),
		}).Info("audit scan completed")
	}
	return violations, nil
}

func (a *Auditor) scanExactDuplicates(conn *gorm.DB, tenantId string, table models.TableName) ([]models.ViolationRecord, error) {
	columns, err := canonicalColumns(table)
	if err != nil {
		return nil, err
	}

	// Table and column names are code-owned; only values are parameterized.
	query := fmt.Sprintf(`
		SELECT business_id, GROUP_CONCAT(id ORDER BY id) AS row_ids
		FROM %s
		WHERE tenant_id = ?
		GROUP BY business_id, %s
		HAVING COUNT(*) > 1
	`, table, strings.Join(columns, ", "))

	var rows []violationRow
	if err := conn.Raw(query, tenantId).Scan(&rows).Error; err != nil {
		return nil, &models.TransientStoreError{Op: "scan_exact_duplicates", Err: err}
	}

	return a.toViolations(tenantId, table, models.ViolationExactDuplicate, rows,
		"delete all but the lowest row id"), nil
}

func (a *Auditor) scanCurrentCount(conn *gorm.DB, tenantId string, table models.TableName, kind models.ViolationKind) ([]models.ViolationRecord, error) {
	var (
		having   string
		idExpr   string
		proposed string
	)
	switch kind {
	case models.ViolationMultipleCurrent:
		having = "SUM(is_current) > 1"
		idExpr = "GROUP_CONCAT(CASE WHEN is_current = 1 THEN id END ORDER BY id)"
		proposed = "keep the highest record_version current, expire the rest"
	case models.ViolationMissingCurrent:
		// Should be impossible if the reconciler transition is atomic; its
		// presence is a bug signal, surfaced loudly below.
		having = "SUM(is_current) = 0"
		idExpr = "GROUP_CONCAT(id ORDER BY id)"
		proposed = "promote the highest record_version row to current"
	default:
		return nil, fmt.Errorf("unsupported current-count violation kind %q", kind)
	}

	query := fmt.Sprintf(`
		SELECT business_id, %s AS row_ids
		FROM %s
		WHERE tenant_id = ?
		GROUP BY business_id
		HAVING %s
	`, idExpr, table, having)

	var rows []violationRow
	if err := conn.Raw(query, tenantId).Scan(&rows).Error; err != nil {
		return nil, &models.TransientStoreError{Op: "scan_" + string(kind), Err: err}
	}

	if kind == models.ViolationMissingCurrent && len(rows) > 0 && a.Logger != nil {
		a.Logger.WithFields(logrus.Fields{
			"field":     "Auditor",
			"tenant_id": tenantId,
			"table":     table,
			"keys":      len(rows),
		}).Error("business keys with history but no current row detected")
	}

	return a.toViolations(tenantId, table, kind, rows, proposed), nil
}

func (a *Auditor) toViolations(tenantId string, table models.TableName, kind models.ViolationKind, rows []violationRow, proposed string) []models.ViolationRecord {
	now := time.Now().UTC()
	violations := make([]models.ViolationRecord, 0, len(rows))
	for _, row := range rows {
		violations = append(violations, models.ViolationRecord{
			ViolationId:    uuid.NewString(),
			TenantId:       tenantId,
			TableName:      string(table),
			BusinessId:     row.BusinessId,
			Kind:           kind,
			Status:         models.ViolationStatusOpen,
			RowIds:         row.RowIds,
			ProposedAction: proposed,
			DetectedAt:     now,
		})
	}
	return violations
}

// OpenViolations loads the unrepaired violations for one (tenant, table),
// oldest first.
func (a *Auditor) OpenViolations(ctx context.Context, tenantId string, table models.TableName) ([]models.ViolationRecord, error) {
	var violations []models.ViolationRecord
	err := a.DB.WithContext(ctx).
		Where("tenant_id = ? AND table_name = ? AND status = ?",
			tenantId, string(table), models.ViolationStatusOpen).
		Order("detected_at ASC, id ASC").
		Find(&violations).Error
	if err != nil {
		return nil, &models.TransientStoreError{Op: "open_violations", Err: err}
	}
	return violations, nil
}

func parseRowIds(csv string) []int {
	var ids []int
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, err := strconv.Atoi(part); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func joinIds(ids []int) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.Itoa(id))
	}
	return strings.Join(parts, ",")
}
