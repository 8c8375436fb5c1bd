package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/warehouse_backend/config"
	"bitbucket.org/mmdatafocus/warehouse_backend/models"
	"bitbucket.org/mmdatafocus/warehouse_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ChunkHandle identifies one unit of ingestion work. The fingerprint is
// deterministic for identical chunk content, so a retried delivery of the
// same file is recognizable and a changed file is a conflict, never a
// silent overwrite.
type ChunkHandle struct {
	TenantId           string
	TableName          models.TableName
	ChunkKey           string
	ContentFingerprint string
}

func (h ChunkHandle) String() string {
	return fmt.Sprintf("%s/%s/%s", h.TenantId, h.TableName, h.ChunkKey)
}

type ClaimOutcome int

const (
	ClaimOutcomeClaimed ClaimOutcome = iota
	ClaimOutcomeAlreadyApplied
	ClaimOutcomeConflict
)

// claimEval is the decision over an existing claim row; kept separate from
// the DB writes so the state machine is testable without a store.
type claimEval int

const (
	evalAlreadyApplied claimEval = iota
	evalConflictFingerprint
	evalConflictContended
	evalConflictApplying
	evalRetake
)

// evaluateClaim decides what an arriving worker may do with an existing
// claim row for the same (tenant, table, chunk_key).
func evaluateClaim(existing *models.ChunkClaim, fingerprint string, now time.Time) claimEval {
	if existing.ContentFingerprint != fingerprint {
		// The source file changed under the same chunk key. The orchestrator
		// has to decide; applying the new content silently would make the
		// chunk's history unexplainable.
		return evalConflictFingerprint
	}

	switch existing.Status {
	case models.ClaimStatusApplied:
		return evalAlreadyApplied
	case models.ClaimStatusClaimed:
		if !existing.LeaseExpired(now) {
			return evalConflictContended
		}
		// Lease expired: the claiming worker died mid-load. The chunk's
		// writes rolled back with its transaction, so retaking is safe.
		return evalRetake
	case models.ClaimStatusReleased:
		return evalRetake
	default:
		return evalConflictApplying
	}
}

// Tracker gates chunk application: at-most-once apply on top of the
// orchestrator's at-least-once delivery.
type Tracker struct {
	Logger   *logrus.Logger
	WorkerId string
	LeaseTTL time.Duration
}

func NewTracker(logger *logrus.Logger, workerId string) *Tracker {
	leaseSeconds := 600
	if v := utils.EnvStringDefault("CHUNK_CLAIM_LEASE_SECONDS", ""); v != "" {
		fmt.Sscanf(v, "%d", &leaseSeconds)
	}
	return &Tracker{
		Logger:   logger,
		WorkerId: workerId,
		LeaseTTL: time.Duration(leaseSeconds) * time.Second,
	}
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// TryClaim inserts a CLAIMED row, or evaluates the existing one. Retakes of
// released/expired claims are a conditional update guarded on the claim
// token read, so two workers racing the same retake cannot both win.
func (t *Tracker) TryClaim(ctx context.Context, db *gorm.DB, handle ChunkHandle) (ClaimOutcome, *models.ChunkClaim, error) {
	now := time.Now().UTC()
	lease := now.Add(t.LeaseTTL)

	claim := &models.ChunkClaim{
		TenantId:           handle.TenantId,
		TableName:          string(handle.TableName),
		ChunkKey:           handle.ChunkKey,
		ContentFingerprint: handle.ContentFingerprint,
		Status:             models.ClaimStatusClaimed,
		ClaimToken:         uuid.NewString(),
		ClaimedBy:          t.WorkerId,
		LeaseExpiresAt:     &lease,
		CorrelationId:      utils.CorrelationIdFromContextOrNew(ctx),
	}

	err := db.WithContext(ctx).Create(claim).Error
	if err == nil {
		return ClaimOutcomeClaimed, claim, nil
	}
	if !isDuplicateKeyErr(err) {
		return ClaimOutcomeConflict, nil, &models.TransientStoreError{Op: "claim_insert", Err: err}
	}

	var existing models.ChunkClaim
	if err := db.WithContext(ctx).
		Where("tenant_id = ? AND table_name = ? AND chunk_key = ?", handle.TenantId, string(handle.TableName), handle.ChunkKey).
		First(&existing).Error; err != nil {
		return ClaimOutcomeConflict, nil, &models.TransientStoreError{Op: "claim_fetch", Err: err}
	}

	switch evaluateClaim(&existing, handle.ContentFingerprint, now) {
	case evalAlreadyApplied:
		return ClaimOutcomeAlreadyApplied, &existing, nil
	case evalConflictFingerprint:
		return ClaimOutcomeConflict, &existing, &models.ConflictError{
			Op:     "try_claim",
			Key:    handle.String(),
			Reason: "content fingerprint changed for an existing chunk",
		}
	case evalConflictContended:
		return ClaimOutcomeConflict, &existing, &models.ConflictError{
			Op:     "try_claim",
			Key:    handle.String(),
			Reason: fmt.Sprintf("claimed by %s with a live lease", existing.ClaimedBy),
		}
	case evalRetake:
		res := db.WithContext(ctx).Model(&models.ChunkClaim{}).
			Where("id = ? AND claim_token = ?", existing.ID, existing.ClaimToken).
			Updates(map[string]interface{}{
				"status":           models.ClaimStatusClaimed,
				"claim_token":      claim.ClaimToken,
				"claimed_by":       t.WorkerId,
				"lease_expires_at": &lease,
				"last_error":       nil,
			})
		if res.Error != nil {
			return ClaimOutcomeConflict, nil, &models.TransientStoreError{Op: "claim_retake", Err: res.Error}
		}
		if res.RowsAffected != 1 {
			return ClaimOutcomeConflict, &existing, &models.ConflictError{
				Op:     "try_claim",
				Key:    handle.String(),
				Reason: "another worker retook the claim first",
			}
		}
		existing.Status = models.ClaimStatusClaimed
		existing.ClaimToken = claim.ClaimToken
		existing.ClaimedBy = t.WorkerId
		existing.LeaseExpiresAt = &lease
		return ClaimOutcomeClaimed, &existing, nil
	default:
		return ClaimOutcomeConflict, &existing, &models.ConflictError{
			Op:     "try_claim",
			Key:    handle.String(),
			Reason: "claim is in an unexpected state",
		}
	}
}

// MarkApplied flips the claim to APPLIED with the chunk's row counts. It must
// run inside the same transaction as the reconciled writes so the claim and
// the data become visible together, or not at all.
func (t *Tracker) MarkApplied(tx *gorm.DB, claim *models.ChunkClaim, inserted, versioned, unchanged, rejected int) error {
	now := time.Now().UTC()
	res := tx.Model(&models.ChunkClaim{}).
		Where("id = ? AND claim_token = ? AND status = ?", claim.ID, claim.ClaimToken, models.ClaimStatusClaimed).
		Updates(map[string]interface{}{
			"status":           models.ClaimStatusApplied,
			"applied_at":       &now,
			"lease_expires_at": nil,
			"rows_inserted":    inserted,
			"rows_versioned":   versioned,
			"rows_unchanged":   unchanged,
			"rows_rejected":    rejected,
		})
	if res.Error != nil {
		return &models.TransientStoreError{Op: "mark_applied", Err: res.Error}
	}
	if res.RowsAffected != 1 {
		// Our lease expired and another worker retook the claim. Abort this
		// transaction; the other worker owns the chunk now.
		return &models.ConflictError{
			Op:     "mark_applied",
			Key:    fmt.Sprintf("%s/%s/%s", claim.TenantId, claim.TableName, claim.ChunkKey),
			Reason: "claim lost before apply (lease expired and retaken)",
		}
	}
	return nil
}

// Release returns a claimed chunk to a retryable state after a failed load.
func (t *Tracker) Release(ctx context.Context, db *gorm.DB, claim *models.ChunkClaim, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res := db.WithContext(ctx).Model(&models.ChunkClaim{}).
		Where("id = ? AND claim_token = ? AND status = ?", claim.ID, claim.ClaimToken, models.ClaimStatusClaimed).
		Updates(map[string]interface{}{
			"status":           models.ClaimStatusReleased,
			"lease_expires_at": nil,
			"last_error":       &msg,
		})
	if res.Error != nil && t.Logger != nil {
		config.LogError(t.Logger, "ingest", "Release", claim.ChunkKey, nil, res.Error)
	}
}
