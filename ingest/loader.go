package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/warehouse_backend/config"
	"bitbucket.org/mmdatafocus/warehouse_backend/models"
	"bitbucket.org/mmdatafocus/warehouse_backend/scd"
	"bitbucket.org/mmdatafocus/warehouse_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("warehouse_backend/ingest")

// Loader stages one chunk into the store: tenant isolation check, idempotent
// claim, then reconciliation and claim settlement inside a single
// transaction so readers never observe a partially applied chunk.
type Loader struct {
	DB         *gorm.DB
	Logger     *logrus.Logger
	Resolver   *scd.Resolver
	Tracker    *Tracker
	Reconciler *scd.Reconciler

	// MaxAttempts bounds internal retries of transient store failures.
	// Conflicts are never retried here; the orchestrator owns that backoff.
	MaxAttempts int

	// RetryBackoff is the base delay between transient retries.
	RetryBackoff time.Duration
}

func NewLoader(db *gorm.DB, logger *logrus.Logger, resolver *scd.Resolver, workerId string) *Loader {
	return &Loader{
		DB:           db,
		Logger:       logger,
		Resolver:     resolver,
		Tracker:      NewTracker(logger, workerId),
		Reconciler:   scd.NewReconciler(logger),
		MaxAttempts:  3,
		RetryBackoff: 500 * time.Millisecond,
	}
}

// LoadChunk applies one chunk at most once. The returned LoadResult is the
// orchestrator contract; the error carries the taxonomy for retry
// classification and is non-nil exactly when Status is FAILED.
func (l *Loader) LoadChunk(ctx context.Context, handle ChunkHandle, rows []models.CanonicalRow, decodeErrors []models.RowError) (*models.LoadResult, error) {
	ctx, span := tracer.Start(ctx, "LoadChunk")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", handle.TenantId),
		attribute.String("table_name", string(handle.TableName)),
		attribute.String("chunk_key", handle.ChunkKey),
	)

	ctx = utils.SetTenantIdInContext(ctx, handle.TenantId)

	result := &models.LoadResult{
		TenantId:  handle.TenantId,
		TableName: string(handle.TableName),
		ChunkKey:  handle.ChunkKey,
		RowErrors: decodeErrors,
	}

	// Tenant isolation is non-negotiable: one foreign row fails the whole
	// chunk before anything is claimed or written.
	for _, row := range rows {
		if row.GetTenantId() != handle.TenantId {
			err := &models.TenantIsolationError{
				ChunkTenantId: handle.TenantId,
				RowTenantId:   row.GetTenantId(),
				BusinessId:    row.GetBusinessId(),
			}
			return l.failed(ctx, result, err), err
		}
	}

	policy, err := l.Resolver.Resolve(handle.TableName)
	if err != nil {
		return l.failed(ctx, result, err), err
	}

	// Transient failures of the claim insert/fetch retry here like any other
	// store hiccup. Only a real ConflictError counts as a conflict; a store
	// outage during claiming is a retryable failure, not contention.
	var (
		outcome ClaimOutcome
		claim   *models.ChunkClaim
	)
	claimErr := l.withTransientRetry(ctx, func() error {
		var err error
		outcome, claim, err = l.Tracker.TryClaim(ctx, l.DB, handle)
		return err
	})
	switch outcome {
	case ClaimOutcomeAlreadyApplied:
		result.Status = models.LoadStatusSkippedAlreadyApplied
		result.RowsInserted = claim.RowsInserted
		result.RowsVersioned = claim.RowsVersioned
		result.RowsUnchanged = claim.RowsUnchanged
		result.RowsRejected = claim.RowsRejected
		l.count(ctx, "chunks_skipped")
		l.logResult(result, "chunk already applied; skipping")
		return result, nil
	case ClaimOutcomeConflict:
		var conflict *models.ConflictError
		if errors.As(claimErr, &conflict) {
			l.count(ctx, "chunks_conflict")
		}
		return l.failed(ctx, result, claimErr), claimErr
	}

	// Row validation: reject individually, never abort the chunk.
	valid := make([]models.CanonicalRow, 0, len(rows))
	for _, row := range rows {
		row.Normalize()
		if verr := row.Validate(); verr != nil {
			result.RowErrors = append(result.RowErrors, models.RowError{
				BusinessId: row.GetBusinessId(),
				Reason:     verr.Error(),
			})
			continue
		}
		valid = append(valid, row)
	}
	result.RowsRejected = len(result.RowErrors)

	var recRes *scd.ReconcileResult
	loadErr := l.withTransientRetry(ctx, func() error {
		return l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			recRes, err = l.Reconciler.Reconcile(tx, policy, handle.TenantId, valid)
			if err != nil {
				return err
			}
			// Claim settles in the same transaction as the data: a reader
			// sees APPLIED together with the rows, or neither.
			return l.Tracker.MarkApplied(tx, claim,
				recRes.RowsInserted, recRes.RowsVersioned, recRes.RowsUnchanged, result.RowsRejected)
		})
	})
	if loadErr != nil {
		l.Tracker.Release(ctx, l.DB, claim, loadErr)
		return l.failed(ctx, result, loadErr), loadErr
	}

	result.Status = models.LoadStatusSuccess
	result.RowsInserted = recRes.RowsInserted
	result.RowsVersioned = recRes.RowsVersioned
	result.RowsUnchanged = recRes.RowsUnchanged
	result.LateArrivals = recRes.LateArrivals

	l.count(ctx, "chunks_applied")
	if recRes.RowsVersioned > 0 {
		l.countN(ctx, "rows_versioned", recRes.RowsVersioned)
	}
	if recRes.LateArrivals > 0 {
		l.countN(ctx, "rows_late_arrival", recRes.LateArrivals)
	}
	l.logResult(result, "chunk applied")
	return result, nil
}

// withTransientRetry retries transient store failures with a short backoff;
// anything else fails immediately.
func (l *Loader) withTransientRetry(ctx context.Context, fn func() error) error {
	attempts := l.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := l.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		var transient *models.TransientStoreError
		if !errors.As(err, &transient) {
			return err
		}
		if attempt == attempts {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt) * backoff):
		}
	}
	return err
}

func (l *Loader) failed(ctx context.Context, result *models.LoadResult, err error) *models.LoadResult {
	result.Status = models.LoadStatusFailed
	result.Reason = err.Error()
	result.Retryable = models.IsRetryableError(err)
	l.count(ctx, "chunks_failed")
	if l.Logger != nil {
		l.Logger.WithFields(logrus.Fields{
			"field":     "CanonicalLoader",
			"tenant_id": result.TenantId,
			"table":     result.TableName,
			"chunk_key": result.ChunkKey,
			"retryable": result.Retryable,
		}).Error("chunk load failed: " + err.Error())
	}
	return result
}

func (l *Loader) logResult(result *models.LoadResult, msg string) {
	if l.Logger == nil {
		return
	}
	l.Logger.WithFields(logrus.Fields{
		"field":          "CanonicalLoader",
		"tenant_id":      result.TenantId,
		"table":          result.TableName,
		"chunk_key":      result.ChunkKey,
		"status":         result.Status,
		"rows_inserted":  result.RowsInserted,
		"rows_versioned": result.RowsVersioned,
		"rows_unchanged": result.RowsUnchanged,
		"rows_rejected":  result.RowsRejected,
		"late_arrivals":  result.LateArrivals,
	}).Info(msg)
}

func (l *Loader) count(ctx context.Context, name string) {
	key := fmt.Sprintf("warehouse:%s:%s", name, time.Now().UTC().Format("20060102"))
	_, _ = config.IncrRedisCounter(ctx, key)
}

func (l *Loader) countN(ctx context.Context, name string, n int) {
	key := fmt.Sprintf("warehouse:%s:%s", name, time.Now().UTC().Format("20060102"))
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.IncrBy(ctx, key, int64(n)).Err()
	}
}
