package scd

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"reflect"
	"time"

	"bitbucket.org/mmdatafocus/warehouse_backend/config"
	"bitbucket.org/mmdatafocus/warehouse_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReconcileResult counts what one chunk did to the store.
// rows_inserted = new business keys, rows_versioned = existing keys whose
// values changed (Type 1 overwrite or Type 2 new version),
// rows_unchanged = no-ops.
type ReconcileResult struct {
	RowsInserted  int
	RowsVersioned int
	RowsUnchanged int
	LateArrivals  int
}

// Reconciler applies Type 1 / Type 2 versioning rules for one chunk inside
// the caller's transaction. It holds no mutable state between chunks; the
// store is the only source of truth for previously loaded rows.
type Reconciler struct {
	Logger *logrus.Logger

	// Now is swappable for tests.
	Now func() time.Time
}

func NewReconciler(logger *logrus.Logger) *Reconciler {
	return &Reconciler{Logger: logger, Now: time.Now}
}

// Reconcile applies all rows under the table's policy. Rows are assumed
// normalized and validated by the loader; any error returned here aborts the
// chunk's transaction (all-or-nothing visibility).
func (r *Reconciler) Reconcile(tx *gorm.DB, policy Policy, tenantId string, rows []models.CanonicalRow) (*ReconcileResult, error) {
	result := &ReconcileResult{}

	for _, row := range rows {
		switch policy.ScdType {
		case models.ScdType1:
			if err := r.upsertType1(tx, policy, row, result); err != nil {
				return nil, err
			}
		case models.ScdType2:
			scdRow, ok := row.(models.ScdRow)
			if !ok {
				return nil, &models.PolicyConfigurationError{
					TableName: string(policy.TableName),
					Reason:    "configured as type_2 but the canonical model has no versioning columns",
				}
			}
			if err := r.reconcileType2(tx, policy, tenantId, scdRow, result); err != nil {
				return nil, err
			}
		default:
			return nil, &models.PolicyConfigurationError{TableName: string(policy.TableName), Reason: "unknown scd_type"}
		}
	}

	return result, nil
}

// upsertType1 overwrites in place by (tenant_id, business_id). The unique key
// makes the whole upsert one atomic statement; MySQL reports 1 affected row
// for an insert, 2 for an overwrite and 0 when values already match. The
// conflict assignments cover only the canonical columns; assigning updated_at
// too would make every identical reload count as an overwrite.
func (r *Reconciler) upsertType1(tx *gorm.DB, policy Policy, row models.CanonicalRow, result *ReconcileResult) error {
	columns, err := models.OverwriteColumns(policy.TableName)
	if err != nil {
		return &models.PolicyConfigurationError{TableName: string(policy.TableName), Reason: err.Error()}
	}

	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "business_id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(row)
	if res.Error != nil {
		return &models.TransientStoreError{Op: "type1_upsert", Err: res.Error}
	}

	switch res.RowsAffected {
	case 1:
		result.RowsInserted++
	case 2:
		result.RowsVersioned++
	default:
		result.RowsUnchanged++
	}
	return nil
}

// reconcileType2 runs the versioning transition for one row. The expire+insert
// pair executes under a per-key advisory lock inside the chunk transaction, so
// a concurrent reader can never observe zero or two current rows for the key,
// and a concurrent writer either waits on the lock or fails the conditional
// update instead of applying against a stale snapshot.
func (r *Reconciler) reconcileType2(tx *gorm.DB, policy Policy, tenantId string, row models.ScdRow, result *ReconcileResult) error {
	lockName := keyLockName(tenantId, string(policy.TableName), row.GetBusinessId())
	if err := acquireKeyLock(tx, lockName); err != nil {
		return err
	}
	defer releaseKeyLock(tx, lockName)

	now := r.Now().UTC()

	current := freshRow(row)
	err := tx.Where("tenant_id = ? AND business_id = ? AND is_current = ?", tenantId, row.GetBusinessId(), true).
		Take(current).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return &models.TransientStoreError{Op: "type2_fetch_current", Err: err}
		}

		// First sighting of this business key.
		scd := row.Scd()
		scd.EffectiveDate = now
		scd.ExpirationDate = nil
		scd.IsCurrent = true
		scd.RecordVersion = 1
		if err := tx.Create(row).Error; err != nil {
			return &models.TransientStoreError{Op: "type2_insert_first", Err: err}
		}
		result.RowsInserted++
		return nil
	}

	if !FieldsChanged(policy.ChangeDetectionFields, current, row) {
		result.RowsUnchanged++
		return nil
	}

	currentScd := current.Scd()
	effective := effectiveDateFor(now, row.SourceTimestamp())

	if late := isLateArrival(currentScd.EffectiveDate, row.SourceTimestamp()); late {
		// Late updates are versioned at the head, never reordered into the
		// middle of history. Logged so downstream analysts can audit them.
		result.LateArrivals++
		if r.Logger != nil && config.LateArrivalAuditEnabled() {
			r.Logger.WithFields(logrus.Fields{
				"field":            "ScdReconciler",
				"tenant_id":        tenantId,
				"table":            policy.TableName,
				"business_id":      row.GetBusinessId(),
				"source_timestamp": row.SourceTimestamp(),
				"current_effective": currentScd.EffectiveDate,
			}).Warn("late-arriving update versioned at head of history")
		}
	}

	// Expire the current row conditionally on the version we read. Zero rows
	// affected means another writer slipped in despite the claim; surface a
	// conflict so the orchestrator retries, never write against the stale read.
	expireRes := tx.Model(current).
		Where("is_current = ? AND record_version = ?", true, currentScd.RecordVersion).
		Updates(map[string]interface{}{
			"is_current":      false,
			"expiration_date": effective,
		})
	if expireRes.Error != nil {
		return &models.TransientStoreError{Op: "type2_expire_current", Err: expireRes.Error}
	}
	if expireRes.RowsAffected != 1 {
		return &models.ConflictError{
			Op:     "type2_transition",
			Key:    fmt.Sprintf("%s/%s/%s", tenantId, policy.TableName, row.GetBusinessId()),
			Reason: fmt.Sprintf("current row changed underneath (expected record_version=%d)", currentScd.RecordVersion),
		}
	}

	scd := row.Scd()
	scd.EffectiveDate = effective
	scd.ExpirationDate = nil
	scd.IsCurrent = true
	scd.RecordVersion = currentScd.RecordVersion + 1
	if err := tx.Create(row).Error; err != nil {
		return &models.TransientStoreError{Op: "type2_insert_version", Err: err}
	}

	result.RowsVersioned++
	return nil
}

// FieldsChanged compares only the policy's change-detection fields, with
// null-aware equality (null equals null, null never equals empty string).
func FieldsChanged(fields []string, current, incoming models.CanonicalRow) bool {
	for _, field := range fields {
		cur, okCur := current.FieldValue(field)
		inc, okInc := incoming.FieldValue(field)
		if !okCur || !okInc {
			// Resolver validates fields at load time; an unknown name here
			// would mean the model lost a field mid-flight. Treat as changed
			// so the discrepancy surfaces in the version history.
			return true
		}
		if !cur.Equal(inc) {
			return true
		}
	}
	return false
}

// effectiveDateFor picks the new version's effective date: the greater of
// now and the source timestamp, so clock-skewed sources cannot push a
// version's effective date into the past.
func effectiveDateFor(now time.Time, sourceTs *time.Time) time.Time {
	if sourceTs != nil && sourceTs.After(now) {
		return sourceTs.UTC()
	}
	return now
}

// isLateArrival reports whether the incoming row's source timestamp precedes
// the stored current row's effective date.
func isLateArrival(currentEffective time.Time, sourceTs *time.Time) bool {
	return sourceTs != nil && sourceTs.Before(currentEffective)
}

func freshRow(row models.ScdRow) models.ScdRow {
	return reflect.New(reflect.TypeOf(row).Elem()).Interface().(models.ScdRow)
}

// keyLockName hashes the key triple because MySQL caps lock names at 64
// characters and tenant ids alone are 36.
func keyLockName(tenantId, table, businessId string) string {
	sum := sha1.Sum([]byte(tenantId + ":" + table + ":" + businessId))
	return fmt.Sprintf("scd:%x", sum)
}

// acquireKeyLock serializes Type 2 transitions per business key across
// instances using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so this must run on the same
// transaction connection that performs the transition.
func acquireKeyLock(tx *gorm.DB, lockName string) error {
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 10)", lockName).Scan(&ok).Error; err != nil {
		return &models.TransientStoreError{Op: "acquire_key_lock", Err: err}
	}
	if ok != 1 {
		return &models.ConflictError{Op: "acquire_key_lock", Key: lockName, Reason: "lock wait timed out"}
	}
	return nil
}

func releaseKeyLock(tx *gorm.DB, lockName string) {
	var ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&ok).Error
}
