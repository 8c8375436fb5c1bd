package audit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/warehouse_backend/config"
	"bitbucket.org/mmdatafocus/warehouse_backend/models"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	defaultRepairBatchSize = 500
	repairLockTTL          = 5 * time.Minute
)

// RepairOptions gate what a repair run may touch. Confirm=false is a dry run
// that plans the fix without mutating anything.
type RepairOptions struct {
	Confirm     bool
	BatchSize   int
	PerformedBy string
}

// RepairResult describes what a repair did, or would do in a dry run.
type RepairResult struct {
	ViolationId  string
	Kind         models.ViolationKind
	DryRun       bool
	BeforeRowIds []int
	AfterRowIds  []int
	RowsDeleted  int
	RowsUpdated  int
}

// Repair fixes one violation. Dry run by default; a confirmed run takes a
// per-(tenant, table) lock so two operators cannot repair the same rows
// concurrently, applies the fix in bounded batches, and records a
// RepairAction before marking the violation repaired.
func (a *Auditor) Repair(ctx context.Context, violation *models.ViolationRecord, opts RepairOptions) (*RepairResult, error) {
	table, err := models.ParseTableName(violation.TableName)
	if err != nil {
		return nil, err
	}
	if violation.Status != models.ViolationStatusOpen {
		return nil, fmt.Errorf("violation %s is %s, only OPEN violations can be repaired",
			violation.ViolationId, violation.Status)
	}

	before := parseRowIds(violation.RowIds)
	if len(before) == 0 {
		return nil, fmt.Errorf("violation %s carries no row ids", violation.ViolationId)
	}
	sort.Ints(before)

	result := &RepairResult{
		ViolationId:  violation.ViolationId,
		Kind:         violation.Kind,
		DryRun:       !opts.Confirm,
		BeforeRowIds: before,
	}

	if !opts.Confirm {
		return a.planRepair(ctx, table, violation, result)
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultRepairBatchSize
	}

	release, err := a.acquireRepairLock(ctx, violation.TenantId, table)
	if err != nil {
		return nil, err
	}
	defer release()

	err = a.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		switch violation.Kind {
		case models.ViolationExactDuplicate:
			return a.repairExactDuplicate(tx, table, violation, result, batchSize)
		case models.ViolationMultipleCurrent:
			return a.repairMultipleCurrent(tx, table, violation, result)
		case models.ViolationMissingCurrent:
			return a.repairMissingCurrent(tx, table, violation, result)
		default:
			return fmt.Errorf("unknown violation kind %q", violation.Kind)
		}
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	err = a.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		action := models.RepairAction{
			ViolationId:  violation.ViolationId,
			TenantId:     violation.TenantId,
			TableName:    violation.TableName,
			BusinessId:   violation.BusinessId,
			Kind:         violation.Kind,
			BeforeRowIds: joinIds(result.BeforeRowIds),
			AfterRowIds:  joinIds(result.AfterRowIds),
			RowsDeleted:  result.RowsDeleted,
			RowsUpdated:  result.RowsUpdated,
			PerformedBy:  opts.PerformedBy,
		}
		if err := tx.Create(&action).Error; err != nil {
			return err
		}
		return tx.Model(&models.ViolationRecord{}).
			Where("violation_id = ? AND status = ?", violation.ViolationId, models.ViolationStatusOpen).
			Updates(map[string]interface{}{
				"status":      models.ViolationStatusRepaired,
				"repaired_at": now,
			}).Error
	})
	if err != nil {
		return nil, &models.TransientStoreError{Op: "repair_record", Err: err}
	}

	if a.Logger != nil {
		a.Logger.WithFields(logrus.Fields{
			"field":        "Auditor",
			"tenant_id":    violation.TenantId,
			"table":        violation.TableName,
			"violation_id": violation.ViolationId,
			"kind":         violation.Kind,
			"rows_deleted": result.RowsDeleted,
			"rows_updated": result.RowsUpdated,
			"performed_by": opts.PerformedBy,
		}).Info("violation repaired")
	}
	return result, nil
}

// planRepair fills the result the way a confirmed run would, without writes.
func (a *Auditor) planRepair(ctx context.Context, table models.TableName, violation *models.ViolationRecord, result *RepairResult) (*RepairResult, error) {
	switch violation.Kind {
	case models.ViolationExactDuplicate:
		result.AfterRowIds = result.BeforeRowIds[:1]
		result.RowsDeleted = len(result.BeforeRowIds) - 1
	case models.ViolationMultipleCurrent:
		keep, err := a.highestVersionRowId(a.DB.WithContext(ctx), table, violation, result.BeforeRowIds)
		if err != nil {
			return nil, err
		}
		result.AfterRowIds = []int{keep}
		result.RowsUpdated = len(result.BeforeRowIds) - 1
	case models.ViolationMissingCurrent:
		keep, err := a.highestVersionRowId(a.DB.WithContext(ctx), table, violation, result.BeforeRowIds)
		if err != nil {
			return nil, err
		}
		result.AfterRowIds = []int{keep}
		result.RowsUpdated = 1
	default:
		return nil, fmt.Errorf("unknown violation kind %q", violation.Kind)
	}
	return result, nil
}

// repairExactDuplicate keeps the lowest row id and deletes the rest in
// batches. BeforeRowIds is sorted ascending at this point.
//
// Every mutation below carries the violation's tenant_id and business_id.
// The id list was recorded at scan time and raw statements bypass the tenant
// guard, so a stale or mangled id must never reach rows outside the
// violation's key.
func (a *Auditor) repairExactDuplicate(tx *gorm.DB, table models.TableName, violation *models.ViolationRecord, result *RepairResult, batchSize int) error {
	keep := result.BeforeRowIds[0]
	doomed := result.BeforeRowIds[1:]

	for start := 0; start < len(doomed); start += batchSize {
		end := start + batchSize
		if end > len(doomed) {
			end = len(doomed)
		}
		res := tx.Exec(fmt.Sprintf(
			"DELETE FROM %s WHERE tenant_id = ? AND business_id = ? AND id IN ?", table),
			violation.TenantId, violation.BusinessId, doomed[start:end])
		if res.Error != nil {
			return &models.TransientStoreError{Op: "repair_delete", Err: res.Error}
		}
		result.RowsDeleted += int(res.RowsAffected)
	}

	result.AfterRowIds = []int{keep}
	return nil
}

// repairMultipleCurrent keeps the highest record_version current and expires
// the other current rows.
func (a *Auditor) repairMultipleCurrent(tx *gorm.DB, table models.TableName, violation *models.ViolationRecord, result *RepairResult) error {
	keep, err := a.highestVersionRowId(tx, table, violation, result.BeforeRowIds)
	if err != nil {
		return err
	}

	var doomed []int
	for _, id := range result.BeforeRowIds {
		if id != keep {
			doomed = append(doomed, id)
		}
	}

	res := tx.Exec(fmt.Sprintf(
		"UPDATE %s SET is_current = 0, expiration_date = COALESCE(expiration_date, ?) "+
			"WHERE tenant_id = ? AND business_id = ? AND id IN ? AND is_current = 1",
		table), time.Now().UTC(), violation.TenantId, violation.BusinessId, doomed)
	if res.Error != nil {
		return &models.TransientStoreError{Op: "repair_expire", Err: res.Error}
	}
	result.RowsUpdated = int(res.RowsAffected)
	result.AfterRowIds = []int{keep}
	return nil
}

// repairMissingCurrent promotes the highest record_version row back to
// current. Its expiration date is cleared so the row reads as open-ended.
func (a *Auditor) repairMissingCurrent(tx *gorm.DB, table models.TableName, violation *models.ViolationRecord, result *RepairResult) error {
	keep, err := a.highestVersionRowId(tx, table, violation, result.BeforeRowIds)
	if err != nil {
		return err
	}

	res := tx.Exec(fmt.Sprintf(
		"UPDATE %s SET is_current = 1, expiration_date = NULL "+
			"WHERE tenant_id = ? AND business_id = ? AND id = ?", table),
		violation.TenantId, violation.BusinessId, keep)
	if res.Error != nil {
		return &models.TransientStoreError{Op: "repair_promote", Err: res.Error}
	}
	result.RowsUpdated = int(res.RowsAffected)
	result.AfterRowIds = []int{keep}
	return nil
}

// highestVersionRowId picks the surviving row: highest record_version, then
// highest id as the tie break. Scoped to the violation's key so ids that
// drifted since the scan cannot elect a foreign survivor.
func (a *Auditor) highestVersionRowId(tx *gorm.DB, table models.TableName, violation *models.ViolationRecord, ids []int) (int, error) {
	var keep int
	err := tx.Raw(fmt.Sprintf(
		"SELECT id FROM %s WHERE tenant_id = ? AND business_id = ? AND id IN ? "+
			"ORDER BY record_version DESC, id DESC LIMIT 1", table),
		violation.TenantId, violation.BusinessId, ids).
		Scan(&keep).Error
	if err != nil {
		return 0, &models.TransientStoreError{Op: "repair_pick_survivor", Err: err}
	}
	if keep == 0 {
		return 0, fmt.Errorf("no surviving row found among ids %v", ids)
	}
	return keep, nil
}

// acquireRepairLock serializes confirmed repairs per (tenant, table). Without
// a Redis connection (local one-off runs) repairs proceed unlocked.
func (a *Auditor) acquireRepairLock(ctx context.Context, tenantId string, table models.TableName) (func(), error) {
	locker := config.GetRedisLock()
	if locker == nil {
		return func() {}, nil
	}

	key := fmt.Sprintf("audit:repair:%s:%s", tenantId, table)
	lock, err := locker.Obtain(ctx, key, repairLockTTL, nil)
	if err == redislock.ErrNotObtained {
		return nil, fmt.Errorf("another repair is running for tenant %s table %s", tenantId, table)
	}
	if err != nil {
		return nil, &models.TransientStoreError{Op: "repair_lock", Err: err}
	}
	return func() { _ = lock.Release(ctx) }, nil
}
