package ingest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"bitbucket.org/mmdatafocus/warehouse_backend/config"
	"bitbucket.org/mmdatafocus/warehouse_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ChunkJobPayload is the orchestrator's "process this chunk" message.
type ChunkJobPayload struct {
	TenantId      string `json:"tenant_id"`
	TableName     string `json:"table_name"`
	ChunkKey      string `json:"chunk_key"`
	CorrelationId string `json:"correlation_id"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func chunkJobsTopic() string {
	return utils.EnvStringDefault("CHUNK_JOBS_TOPIC", "warehouse-chunk-jobs")
}

func chunkJobsSubscription() string {
	return utils.EnvStringDefault("CHUNK_JOBS_SUBSCRIPTION", "warehouse-chunk-jobs-pull")
}

// PublishChunkJob enqueues a chunk for (re)processing. Safe to call for an
// already-applied chunk; the claim makes the second delivery a no-op.
func PublishChunkJob(ctx context.Context, payload ChunkJobPayload) (string, error) {
	if payload.CorrelationId == "" {
		payload.CorrelationId = utils.CorrelationIdFromContextOrNew(ctx)
	}
	return config.PublishJSON(ctx, chunkJobsTopic(), payload)
}

// PubSubPushHandler handles push-delivered chunk jobs. Retryable failures
// return 500 so Pub/Sub redelivers; everything else acks with 204 (a
// non-retryable chunk must not be redelivered forever, the orchestrator's
// alerting picks it up from the logs and the released claim).
func PubSubPushHandler(logger *logrus.Logger, loader *Loader) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(http.StatusNoContent)
			return
		}

		var payload ChunkJobPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		if payload.TenantId == "" || payload.TableName == "" || payload.ChunkKey == "" {
			c.Status(http.StatusNoContent)
			return
		}

		result, err := ProcessChunkJob(c.Request.Context(), logger, loader, payload)
		if err != nil && result != nil && result.Retryable {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
