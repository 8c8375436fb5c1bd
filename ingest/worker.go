package ingest

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/warehouse_backend/config"
	"bitbucket.org/mmdatafocus/warehouse_backend/models"
	"bitbucket.org/mmdatafocus/warehouse_backend/utils"
)

// WorkerId identifies this process in claim rows and logs.
func WorkerId() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return host + "-" + time.Now().UTC().Format("20060102-150405.000")
}

// ProcessChunkJob is the full path for one orchestrator invocation: fetch the
// chunk object, fingerprint it, and hand it to the loader. The claim inside
// the loader makes the whole job safe under at-least-once delivery.
func ProcessChunkJob(ctx context.Context, logger *logrus.Logger, loader *Loader, payload ChunkJobPayload) (*models.LoadResult, error) {
	table, err := models.ParseTableName(payload.TableName)
	if err != nil {
		if logger != nil {
			logger.WithFields(logrus.Fields{
				"field":     "ChunkWorker",
				"tenant_id": payload.TenantId,
				"table":     payload.TableName,
				"chunk_key": payload.ChunkKey,
			}).Error("chunk job names an unknown table: " + err.Error())
		}
		return &models.LoadResult{
			Status:    models.LoadStatusFailed,
			TenantId:  payload.TenantId,
			TableName: payload.TableName,
			ChunkKey:  payload.ChunkKey,
			Reason:    err.Error(),
		}, err
	}

	ctx = utils.SetTenantIdInContext(ctx, payload.TenantId)
	ctx = utils.SetWorkerIdInContext(ctx, loader.Tracker.WorkerId)
	if payload.CorrelationId != "" {
		ctx = utils.SetCorrelationIdInContext(ctx, payload.CorrelationId)
	}

	chunk, err := FetchChunk(ctx, payload.TenantId, table, payload.ChunkKey)
	if err != nil {
		if logger != nil {
			logger.WithFields(logrus.Fields{
				"field":     "ChunkWorker",
				"tenant_id": payload.TenantId,
				"table":     payload.TableName,
				"chunk_key": payload.ChunkKey,
			}).Error("chunk fetch failed: " + err.Error())
		}
		return &models.LoadResult{
			Status:    models.LoadStatusFailed,
			TenantId:  payload.TenantId,
			TableName: payload.TableName,
			ChunkKey:  payload.ChunkKey,
			Reason:    err.Error(),
			Retryable: models.IsRetryableError(err),
		}, err
	}

	return loader.LoadChunk(ctx, chunk.Handle, chunk.Rows, chunk.DecodeErrors)
}

// RunPullWorker consumes chunk jobs from the pull subscription until ctx is
// cancelled. Retryable failures nack for redelivery; everything else acks.
func RunPullWorker(ctx context.Context, logger *logrus.Logger, loader *Loader) error {
	client, err := config.GetPubSubClient(ctx)
	if err != nil {
		return err
	}

	topic, err := config.CreateTopicIfNotExists(client, chunkJobsTopic())
	if err != nil {
		return err
	}
	sub, err := config.CreateSubscriptionIfNotExists(client, chunkJobsSubscription(), topic)
	if err != nil {
		return err
	}

	if logger != nil {
		logger.WithFields(logrus.Fields{
			"field":        "ChunkWorker",
			"subscription": chunkJobsSubscription(),
		}).Info("chunk pull worker started")
	}

	return sub.Receive(ctx, func(msgCtx context.Context, msg *pubsub.Message) {
		var payload ChunkJobPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			msg.Ack()
			return
		}
		if payload.TenantId == "" || payload.TableName == "" || payload.ChunkKey == "" {
			msg.Ack()
			return
		}

		result, err := ProcessChunkJob(msgCtx, logger, loader, payload)
		if err != nil && result != nil && result.Retryable {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}
