package ingest_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/warehouse_backend/audit"
	"bitbucket.org/mmdatafocus/warehouse_backend/config"
	"bitbucket.org/mmdatafocus/warehouse_backend/ingest"
	"bitbucket.org/mmdatafocus/warehouse_backend/models"
	"bitbucket.org/mmdatafocus/warehouse_backend/scd"
	"bitbucket.org/mmdatafocus/warehouse_backend/utils"
)

func TestChunkLoadEndToEnd(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "warehouse_test")

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()
	db := config.GetDB()

	logger := config.GetLogger()
	resolver, err := scd.NewResolver(logger, "")
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	loader := ingest.NewLoader(db, logger, resolver, "test-worker")

	ctx := utils.SetTenantIdInContext(context.Background(), "acme")

	t.Run("type2 ticket open to closed", func(t *testing.T) {
		openRow := `{"tenant_id":"acme","business_id":"T-100","summary":"Printer down","status":"Open","priority":"High"}`
		closedRow := `{"tenant_id":"acme","business_id":"T-100","summary":"Printer down","status":"Closed","priority":"High"}`

		result := loadChunk(t, ctx, loader, models.TableTickets, "acme/tickets/chunk-0001.jsonl", openRow)
		if result.Status != models.LoadStatusSuccess || result.RowsInserted != 1 {
			t.Fatalf("first load expected 1 insert, got %+v", result)
		}

		result = loadChunk(t, ctx, loader, models.TableTickets, "acme/tickets/chunk-0002.jsonl", closedRow)
		if result.Status != models.LoadStatusSuccess || result.RowsVersioned != 1 {
			t.Fatalf("second load expected 1 versioned, got %+v", result)
		}

		var tickets []models.Ticket
		if err := db.WithContext(ctx).Where("business_id = ?", "T-100").Order("record_version").Find(&tickets).Error; err != nil {
			t.Fatalf("fetch tickets: %v", err)
		}
		if len(tickets) != 2 {
			t.Fatalf("expected 2 ticket versions, got %d", len(tickets))
		}
		v1, v2 := tickets[0], tickets[1]
		if v1.IsCurrent || v1.ExpirationDate == nil || v1.RecordVersion != 1 {
			t.Fatalf("v1 should be expired: %+v", v1.ScdColumns)
		}
		if !v2.IsCurrent || v2.ExpirationDate != nil || v2.RecordVersion != 2 || v2.Status != "Closed" {
			t.Fatalf("v2 should be the open-ended current row: %+v", v2)
		}
		if !v1.ExpirationDate.Equal(v2.EffectiveDate) {
			t.Fatalf("v1 expiration %s must equal v2 effective %s", v1.ExpirationDate, v2.EffectiveDate)
		}
	})

	t.Run("identical reload is a version no-op", func(t *testing.T) {
		closedRow := `{"tenant_id":"acme","business_id":"T-100","summary":"Printer down","status":"Closed","priority":"High"}`
		result := loadChunk(t, ctx, loader, models.TableTickets, "acme/tickets/chunk-0003.jsonl", closedRow)
		if result.Status != models.LoadStatusSuccess || result.RowsUnchanged != 1 {
			t.Fatalf("reload of unchanged values expected 1 unchanged, got %+v", result)
		}
		var count int64
		if err := db.WithContext(ctx).Model(&models.Ticket{}).Where("business_id = ?", "T-100").Count(&count).Error; err != nil {
			t.Fatalf("count tickets: %v", err)
		}
		if count != 2 {
			t.Fatalf("no-op reload must not mint versions; got %d rows", count)
		}
	})

	t.Run("duplicate chunk delivery skips", func(t *testing.T) {
		row := `{"tenant_id":"acme","business_id":"T-200","summary":"VPN slow","status":"Open"}`
		key := "acme/tickets/chunk-0004.jsonl"

		first := loadChunk(t, ctx, loader, models.TableTickets, key, row)
		if first.Status != models.LoadStatusSuccess {
			t.Fatalf("first delivery: %+v", first)
		}
		second := loadChunk(t, ctx, loader, models.TableTickets, key, row)
		if second.Status != models.LoadStatusSkippedAlreadyApplied {
			t.Fatalf("second delivery expected skip, got %+v", second)
		}
		if second.RowsInserted != first.RowsInserted {
			t.Fatal("skip must report the original apply's counts")
		}
	})

	t.Run("changed content under same chunk key conflicts", func(t *testing.T) {
		key := "acme/tickets/chunk-0005.jsonl"
		loadChunk(t, ctx, loader, models.TableTickets, key,
			`{"tenant_id":"acme","business_id":"T-300","summary":"A","status":"Open"}`)

		result, err := tryLoadChunk(ctx, loader, models.TableTickets, key,
			`{"tenant_id":"acme","business_id":"T-300","summary":"B","status":"Open"}`)
		if err == nil || result.Status != models.LoadStatusFailed {
			t.Fatalf("fingerprint change expected failure, got %+v err=%v", result, err)
		}
	})

	t.Run("type1 company overwrite in place", func(t *testing.T) {
		austin := `{"tenant_id":"acme","business_id":"CO-1","name":"Acme Corp","city":"Austin","status":"Active"}`
		dallas := `{"tenant_id":"acme","business_id":"CO-1","name":"Acme Corp","city":"Dallas","status":"Active"}`

		result := loadChunk(t, ctx, loader, models.TableCompanies, "acme/companies/chunk-0001.jsonl", austin)
		if result.RowsInserted != 1 {
			t.Fatalf("expected 1 insert, got %+v", result)
		}
		result = loadChunk(t, ctx, loader, models.TableCompanies, "acme/companies/chunk-0002.jsonl", dallas)
		if result.RowsVersioned != 1 {
			t.Fatalf("expected 1 overwrite, got %+v", result)
		}

		var companies []models.Company
		if err := db.WithContext(ctx).Where("business_id = ?", "CO-1").Find(&companies).Error; err != nil {
			t.Fatalf("fetch companies: %v", err)
		}
		if len(companies) != 1 {
			t.Fatalf("type 1 must keep one row per key, got %d", len(companies))
		}
		if companies[0].City == nil || *companies[0].City != "Dallas" {
			t.Fatalf("expected city overwritten to Dallas, got %+v", companies[0].City)
		}
	})

	t.Run("identical company reload is unchanged", func(t *testing.T) {
		dallas := `{"tenant_id":"acme","business_id":"CO-1","name":"Acme Corp","city":"Dallas","status":"Active"}`
		result := loadChunk(t, ctx, loader, models.TableCompanies, "acme/companies/chunk-0003.jsonl", dallas)
		if result.Status != models.LoadStatusSuccess || result.RowsUnchanged != 1 {
			t.Fatalf("identical reload expected 1 unchanged, got %+v", result)
		}
		if result.RowsVersioned != 0 {
			t.Fatalf("identical reload must not count as an overwrite, got %+v", result)
		}
	})

	t.Run("late arriving update is versioned at head and reported", func(t *testing.T) {
		openRow := `{"tenant_id":"acme","business_id":"T-600","summary":"Email bounce","status":"Open"}`
		lateRow := `{"tenant_id":"acme","business_id":"T-600","summary":"Email bounce","status":"Closed",` +
			`"source_updated_at":"2020-01-02T00:00:00Z"}`

		loadChunk(t, ctx, loader, models.TableTickets, "acme/tickets/chunk-0008.jsonl", openRow)
		result := loadChunk(t, ctx, loader, models.TableTickets, "acme/tickets/chunk-0009.jsonl", lateRow)
		if result.RowsVersioned != 1 || result.LateArrivals != 1 {
			t.Fatalf("late update expected 1 versioned and 1 late arrival, got %+v", result)
		}

		var current models.Ticket
		if err := db.WithContext(ctx).
			Where("business_id = ? AND is_current = ?", "T-600", true).
			Take(&current).Error; err != nil {
			t.Fatalf("fetch current ticket: %v", err)
		}
		if current.RecordVersion != 2 || current.Status != "Closed" {
			t.Fatalf("late update must version at the head of history, got %+v", current)
		}
	})

	t.Run("foreign tenant row fails whole chunk", func(t *testing.T) {
		mixed := strings.Join([]string{
			`{"tenant_id":"acme","business_id":"T-400","summary":"ok","status":"Open"}`,
			`{"tenant_id":"globex","business_id":"T-401","summary":"foreign","status":"Open"}`,
		}, "\n")

		result, err := tryLoadChunk(ctx, loader, models.TableTickets, "acme/tickets/chunk-0006.jsonl", mixed)
		if err == nil || result.Status != models.LoadStatusFailed {
			t.Fatalf("expected tenant isolation failure, got %+v err=%v", result, err)
		}
		if result.Retryable {
			t.Fatal("tenant isolation failures are not retryable")
		}
		var count int64
		if err := db.WithContext(ctx).Model(&models.Ticket{}).
			Where("business_id IN ?", []string{"T-400", "T-401"}).Count(&count).Error; err != nil {
			t.Fatalf("count tickets: %v", err)
		}
		if count != 0 {
			t.Fatalf("failed chunk must write nothing, got %d rows", count)
		}
	})

	t.Run("invalid rows rejected individually", func(t *testing.T) {
		mixed := strings.Join([]string{
			`{"tenant_id":"acme","business_id":"T-500","summary":"ok","status":"Open"}`,
			`{"tenant_id":"acme","business_id":"T-501","summary":"","status":"Open"}`,
		}, "\n")

		result := loadChunk(t, ctx, loader, models.TableTickets, "acme/tickets/chunk-0007.jsonl", mixed)
		if result.Status != models.LoadStatusSuccess {
			t.Fatalf("row-level rejects must not fail the chunk: %+v", result)
		}
		if result.RowsInserted != 1 || result.RowsRejected != 1 {
			t.Fatalf("expected 1 insert 1 reject, got %+v", result)
		}
	})

	t.Run("audit detects and repairs injected duplicates", func(t *testing.T) {
		adminCtx := utils.SetSkipTenantScopeInContext(context.Background())
		auditor := audit.NewAuditor(db, logger, resolver)

		// Inject a second current row for an existing key, bypassing the loader.
		var current models.Ticket
		if err := db.WithContext(adminCtx).
			Where("tenant_id = ? AND business_id = ? AND is_current = ?", "acme", "T-200", true).
			Take(&current).Error; err != nil {
			t.Fatalf("fetch current ticket: %v", err)
		}
		rogue := current
		rogue.ID = 0
		rogue.RecordVersion = current.RecordVersion + 1
		if err := db.WithContext(adminCtx).Create(&rogue).Error; err != nil {
			t.Fatalf("inject rogue current row: %v", err)
		}

		violations, err := auditor.Scan(adminCtx, "acme", models.TableTickets)
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		var multi *models.ViolationRecord
		for i := range violations {
			if violations[i].Kind == models.ViolationMultipleCurrent && violations[i].BusinessId == "T-200" {
				multi = &violations[i]
			}
		}
		if multi == nil {
			t.Fatalf("expected multiple_current violation for T-200, got %+v", violations)
		}

		// Dry run leaves the store untouched.
		plan, err := auditor.Repair(adminCtx, multi, audit.RepairOptions{Confirm: false})
		if err != nil {
			t.Fatalf("dry-run Repair: %v", err)
		}
		if !plan.DryRun || plan.RowsUpdated != 1 {
			t.Fatalf("dry run expected 1 planned update, got %+v", plan)
		}

		result, err := auditor.Repair(adminCtx, multi, audit.RepairOptions{Confirm: true, PerformedBy: "test"})
		if err != nil {
			t.Fatalf("Repair: %v", err)
		}
		if result.RowsUpdated != 1 {
			t.Fatalf("expected 1 expired row, got %+v", result)
		}

		var currents int64
		if err := db.WithContext(adminCtx).Model(&models.Ticket{}).
			Where("tenant_id = ? AND business_id = ? AND is_current = ?", "acme", "T-200", true).
			Count(&currents).Error; err != nil {
			t.Fatalf("count currents: %v", err)
		}
		if currents != 1 {
			t.Fatalf("repair must restore exactly one current row, got %d", currents)
		}

		// The kept row is the highest record_version (the injected one).
		var kept models.Ticket
		if err := db.WithContext(adminCtx).
			Where("tenant_id = ? AND business_id = ? AND is_current = ?", "acme", "T-200", true).
			Take(&kept).Error; err != nil {
			t.Fatalf("fetch kept row: %v", err)
		}
		if kept.RecordVersion != rogue.RecordVersion {
			t.Fatalf("repair must keep the highest record_version, kept v%d", kept.RecordVersion)
		}
	})

	t.Run("repair only touches rows under the violation key", func(t *testing.T) {
		adminCtx := utils.SetSkipTenantScopeInContext(context.Background())
		auditor := audit.NewAuditor(db, logger, resolver)

		eff := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

		// A bystander row a mangled row id list could point at.
		bystander := models.Ticket{
			TenantId: "acme", BusinessId: "T-700", Summary: "Bystander", Status: "Open",
			ScdColumns: models.ScdColumns{EffectiveDate: eff, IsCurrent: true, RecordVersion: 1},
		}
		if err := db.WithContext(adminCtx).Create(&bystander).Error; err != nil {
			t.Fatalf("create bystander: %v", err)
		}

		// Two byte-identical rows for another key, inserted behind the loader's back.
		mkDupe := func() models.Ticket {
			return models.Ticket{
				TenantId: "acme", BusinessId: "T-701", Summary: "Dupe", Status: "Open",
				ScdColumns: models.ScdColumns{EffectiveDate: eff, IsCurrent: true, RecordVersion: 1},
			}
		}
		first, second := mkDupe(), mkDupe()
		if err := db.WithContext(adminCtx).Create(&first).Error; err != nil {
			t.Fatalf("create duplicate: %v", err)
		}
		if err := db.WithContext(adminCtx).Create(&second).Error; err != nil {
			t.Fatalf("create duplicate: %v", err)
		}

		violations, err := auditor.Scan(adminCtx, "acme", models.TableTickets)
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		var dup *models.ViolationRecord
		for i := range violations {
			if violations[i].Kind == models.ViolationExactDuplicate && violations[i].BusinessId == "T-701" {
				dup = &violations[i]
			}
		}
		if dup == nil {
			t.Fatalf("expected exact_duplicate violation for T-701, got %+v", violations)
		}

		// Simulate a corrupted id list pointing at the bystander.
		dup.RowIds = dup.RowIds + "," + fmt.Sprint(bystander.ID)

		result, err := auditor.Repair(adminCtx, dup, audit.RepairOptions{Confirm: true, PerformedBy: "test"})
		if err != nil {
			t.Fatalf("Repair: %v", err)
		}
		if result.RowsDeleted != 1 {
			t.Fatalf("only the duplicate under the violation key may go, got %+v", result)
		}

		var count int64
		if err := db.WithContext(adminCtx).Model(&models.Ticket{}).
			Where("tenant_id = ? AND business_id = ?", "acme", "T-700").
			Count(&count).Error; err != nil {
			t.Fatalf("count bystander: %v", err)
		}
		if count != 1 {
			t.Fatalf("bystander row must survive, got %d rows", count)
		}
		if err := db.WithContext(adminCtx).Model(&models.Ticket{}).
			Where("tenant_id = ? AND business_id = ?", "acme", "T-701").
			Count(&count).Error; err != nil {
			t.Fatalf("count duplicates: %v", err)
		}
		if count != 1 {
			t.Fatalf("expected exactly one surviving duplicate, got %d rows", count)
		}
	})
}

func loadChunk(t *testing.T, ctx context.Context, loader *ingest.Loader, table models.TableName, key, content string) *models.LoadResult {
	t.Helper()
	result, err := tryLoadChunk(ctx, loader, table, key, content)
	if err != nil {
		t.Fatalf("LoadChunk(%s): %v", key, err)
	}
	return result
}

func tryLoadChunk(ctx context.Context, loader *ingest.Loader, table models.TableName, key, content string) (*models.LoadResult, error) {
	chunk := &ingest.ChunkFile{
		Handle: ingest.ChunkHandle{
			TenantId:           "acme",
			TableName:          table,
			ChunkKey:           key,
			ContentFingerprint: ingest.Fingerprint([]byte(content)),
		},
	}
	if err := ingest.DecodeChunkContent(chunk, table, []byte(content)); err != nil {
		return nil, err
	}
	return loader.LoadChunk(ctx, chunk.Handle, chunk.Rows, chunk.DecodeErrors)
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("warehouse-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=warehouse_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
