// claim-cleanup deletes settled chunk claims older than a retention window.
// APPLIED claims are the idempotency ledger; keep them at least as long as
// the orchestrator can replay old chunks.
//
// Usage (dry-run, count matching rows):
//
//	go run ./cmd/claim-cleanup -older-than-days=90
//
// To delete:
//
//	go run ./cmd/claim-cleanup -older-than-days=90 -dry-run=false -confirm=DELETE
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/warehouse_backend/config"
	"bitbucket.org/mmdatafocus/warehouse_backend/models"
)

func main() {
	olderThanDays := flag.Int("older-than-days", 90, "Delete settled claims applied/released before this many days ago")
	tenantId := flag.String("tenant-id", "", "If set, restrict cleanup to one tenant")
	dryRun := flag.Bool("dry-run", true, "Count matching claims only (no deletes)")
	confirm := flag.String("confirm", "", "Type DELETE to proceed when -dry-run=false")
	flag.Parse()

	if *olderThanDays < 1 {
		fmt.Fprintln(os.Stderr, "-older-than-days must be at least 1")
		os.Exit(1)
	}
	if !*dryRun && strings.TrimSpace(*confirm) != "DELETE" {
		fmt.Fprintln(os.Stderr, "set -confirm=DELETE to proceed when -dry-run=false")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -*olderThanDays)

	query := db.Model(&models.ChunkClaim{}).
		Where("status IN ?", []models.ClaimStatus{models.ClaimStatusApplied, models.ClaimStatusReleased}).
		Where("updated_at < ?", cutoff)
	if strings.TrimSpace(*tenantId) != "" {
		query = query.Where("tenant_id = ?", *tenantId)
	}

	if *dryRun {
		var count int64
		if err := query.Count(&count).Error; err != nil {
			fmt.Fprintf(os.Stderr, "count failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%d settled claim(s) older than %s\n", count, cutoff.Format("2006-01-02"))
		fmt.Println("run with -dry-run=false -confirm=DELETE to delete them")
		return
	}

	var deleted int64
	if err := db.Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where("status IN ?", []models.ClaimStatus{models.ClaimStatusApplied, models.ClaimStatusReleased}).
			Where("updated_at < ?", cutoff)
		if strings.TrimSpace(*tenantId) != "" {
			q = q.Where("tenant_id = ?", *tenantId)
		}
		res := q.Delete(&models.ChunkClaim{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return nil
	}); err != nil {
		fmt.Fprintf(os.Stderr, "delete failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("deleted %d chunk claim(s)\n", deleted)
}
