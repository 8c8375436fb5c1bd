package models

import (
	"errors"
	"fmt"
)

// TenantIsolationError means a chunk declared one tenant but contained rows
// for another. Never retried; the chunk is poisoned until the upstream
// extract is fixed.
type TenantIsolationError struct {
	ChunkTenantId string
	RowTenantId   string
	BusinessId    string
}

func (e *TenantIsolationError) Error() string {
	return fmt.Sprintf("tenant isolation violation: chunk tenant %q contains row for tenant %q (business_id=%s)",
		e.ChunkTenantId, e.RowTenantId, e.BusinessId)
}

// ValidationError is row-level: the offending row is rejected and reported,
// the rest of the chunk proceeds.
type ValidationError struct {
	TableName  TableName
	BusinessId string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s row (business_id=%s): %s", e.TableName, e.BusinessId, e.Reason)
}

// ConflictError covers claim contention, fingerprint mismatch and stale
// current-row snapshots. The orchestrator owns the retry/backoff decision;
// nothing in this process retries a conflict.
type ConflictError struct {
	Op     string
	Key    string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict in %s (%s): %s", e.Op, e.Key, e.Reason)
}

// TransientStoreError wraps store/network failures that are worth a bounded
// in-process retry before surfacing to the orchestrator as retryable.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store failure in %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// PolicyConfigurationError is fatal for the table: retrying will not fix a
// configuration defect.
type PolicyConfigurationError struct {
	TableName string
	Reason    string
}

func (e *PolicyConfigurationError) Error() string {
	return fmt.Sprintf("scd policy configuration error for table %q: %s", e.TableName, e.Reason)
}

// IsRetryableError classifies a load failure for the orchestrator contract:
// conflicts and transient store failures may be retried after backoff,
// tenant-isolation and policy defects may not.
func IsRetryableError(err error) bool {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return true
	}
	var transient *TransientStoreError
	return errors.As(err, &transient)
}
