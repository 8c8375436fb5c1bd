// chunk-replay re-enqueues a chunk job. The claim ledger makes replays of
// already-applied chunks a no-op, so this is safe to run against production;
// use -force-release first only when a stale CLAIMED row is known to belong
// to a dead worker and the lease has not yet expired.
//
// Usage:
//
//	go run ./cmd/chunk-replay -tenant-id=acme -table=tickets \
//	  -chunk-key=acme/tickets/2026-08-30/chunk-0001.jsonl
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"bitbucket.org/mmdatafocus/warehouse_backend/config"
	"bitbucket.org/mmdatafocus/warehouse_backend/ingest"
	"bitbucket.org/mmdatafocus/warehouse_backend/models"
)

func main() {
	tenantId := flag.String("tenant-id", "", "Required: tenant id")
	tableArg := flag.String("table", "", "Required: canonical table name")
	chunkKey := flag.String("chunk-key", "", "Required: chunk object key in the chunk bucket")
	correlationId := flag.String("correlation-id", "", "Correlation id to stamp on the job (default: new uuid)")
	forceRelease := flag.String("force-release", "", "Type RELEASE to release a live CLAIMED row before publishing")
	flag.Parse()

	if strings.TrimSpace(*tenantId) == "" || strings.TrimSpace(*tableArg) == "" || strings.TrimSpace(*chunkKey) == "" {
		fmt.Fprintln(os.Stderr, "-tenant-id, -table and -chunk-key are required")
		os.Exit(1)
	}
	table, err := models.ParseTableName(*tableArg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	cid := strings.TrimSpace(*correlationId)
	if cid == "" {
		cid = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if strings.TrimSpace(*forceRelease) == "RELEASE" {
		config.ConnectDatabaseWithRetry()
		db := config.GetDB()
		res := db.WithContext(ctx).Model(&models.ChunkClaim{}).
			Where("tenant_id = ? AND table_name = ? AND chunk_key = ? AND status = ?",
				*tenantId, string(table), *chunkKey, models.ClaimStatusClaimed).
			Updates(map[string]interface{}{
				"status":     models.ClaimStatusReleased,
				"last_error": "released by chunk-replay",
			})
		if res.Error != nil {
			fmt.Fprintf(os.Stderr, "force release failed: %v\n", res.Error)
			os.Exit(1)
		}
		fmt.Printf("released %d claim(s)\n", res.RowsAffected)
	}

	msgId, err := ingest.PublishChunkJob(ctx, ingest.ChunkJobPayload{
		TenantId:      *tenantId,
		TableName:     string(table),
		ChunkKey:      *chunkKey,
		CorrelationId: cid,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "publish failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("published chunk job message_id=%s correlation_id=%s\n", msgId, cid)
}
