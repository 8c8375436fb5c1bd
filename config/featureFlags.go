package config

import (
	"bitbucket.org/mmdatafocus/warehouse_backend/utils"
)

// ChunkPullWorkerEnabled runs the in-process Pub/Sub pull subscriber in
// addition to the push endpoint. Push delivery alone is enough on Cloud Run;
// the pull worker is a safety-net for environments where push subscriptions
// are misconfigured and chunk jobs would otherwise sit unprocessed.
//
// Set via env:
// - CHUNK_PULL_WORKER=false to disable.
func ChunkPullWorkerEnabled() bool {
	return utils.EnvBoolDefault("CHUNK_PULL_WORKER", true)
}

// LateArrivalAuditEnabled controls whether out-of-order source timestamps are
// recorded as audit warnings. Versioning behavior is unaffected either way.
//
// Set via env:
// - LATE_ARRIVAL_AUDIT=false to disable.
func LateArrivalAuditEnabled() bool {
	return utils.EnvBoolDefault("LATE_ARRIVAL_AUDIT", true)
}
