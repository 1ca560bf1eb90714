package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/steelbooks_backend/config"
	"bitbucket.org/mmdatafocus/steelbooks_backend/models"
	"bitbucket.org/mmdatafocus/steelbooks_backend/utils"
	"github.com/shopspring/decimal"
)

// End-to-end ledger flow against real MySQL + Redis:
// receive a coil, plan a manufactured conversion, commit, conflict a stale
// plan, reverse, and verify quantity conservation throughout.
func TestAllocationCommitConflictAndReversal(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "steelbooks_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")
	ctx = utils.SetUsernameInContext(ctx, "test@local")

	biz, err := models.CreateBusiness(ctx, &models.NewBusiness{Name: "Steel Test Co"})
	if err != nil {
		t.Fatalf("CreateBusiness: %v", err)
	}
	ctx = utils.SetBusinessIdInContext(ctx, biz.ID)

	branches, err := models.GetAllBranches(ctx)
	if err != nil || len(branches) == 0 {
		t.Fatalf("default branch missing: %v", err)
	}
	branchId := branches[0].ID

	batchTypes, err := models.GetAllBatchTypes(ctx)
	if err != nil {
		t.Fatalf("GetAllBatchTypes: %v", err)
	}
	coilTypeId := 0
	for _, bt := range batchTypes {
		if bt.Code == "COIL" {
			coilTypeId = bt.ID
		}
	}
	if coilTypeId == 0 {
		t.Fatal("default COIL batch type missing")
	}

	category, err := models.CreateProductCategory(ctx, &models.NewProductCategory{
		Name:     "Coils",
		IsActive: utils.NewTrue(),
	})
	if err != nil {
		t.Fatalf("CreateProductCategory: %v", err)
	}

	rawProduct, err := models.CreateProduct(ctx, &models.NewProduct{
		CategoryId:   category.ID,
		Name:         "GI Coil 0.3mm",
		Type:         models.ProductTypeRawTracked,
		BatchTracked: utils.NewTrue(),
		IsActive:     utils.NewTrue(),
	})
	if err != nil {
		t.Fatalf("CreateProduct raw: %v", err)
	}

	virtualProduct, err := models.CreateProduct(ctx, &models.NewProduct{
		CategoryId:   category.ID,
		Name:         "Roofing Sheet 8ft",
		Type:         models.ProductTypeManufactured,
		BatchTracked: utils.NewFalse(),
		IsActive:     utils.NewTrue(),
	})
	if err != nil {
		t.Fatalf("CreateProduct virtual: %v", err)
	}

	if _, err := models.CreateRecipe(ctx, &models.NewRecipe{
		VirtualProductId: virtualProduct.ID,
		RawProductId:     rawProduct.ID,
		ConversionFactor: "0.8",
		WastageMargin:    "0",
		IsActive:         utils.NewTrue(),
	}); err != nil {
		t.Fatalf("CreateRecipe: %v", err)
	}

	batch, err := models.CreateInventoryBatch(ctx, &models.NewInventoryBatch{
		ProductId:       rawProduct.ID,
		BranchId:        branchId,
		Grouped:         utils.NewTrue(),
		InstanceCode:    "COIL-001",
		BatchTypeId:     coilTypeId,
		InitialQuantity: "100",
	})
	if err != nil {
		t.Fatalf("CreateInventoryBatch: %v", err)
	}

	// 10 sheets at factor 0.8 need 8 units of coil
	plan, err := models.PlanAllocation(ctx, virtualProduct.ID, branchId, decimal.RequireFromString("10"), nil)
	if err != nil {
		t.Fatalf("PlanAllocation: %v", err)
	}
	if !plan.RequiredQuantity.Equal(decimal.RequireFromString("8")) {
		t.Fatalf("required = %s, want 8", plan.RequiredQuantity.String())
	}
	if len(plan.Lines) != 1 || plan.Lines[0].BatchId != batch.ID {
		t.Fatalf("unexpected plan lines: %+v", plan.Lines)
	}

	// second plan over the same state; goes stale once the first commits
	stalePlan, err := models.PlanAllocation(ctx, virtualProduct.ID, branchId, decimal.RequireFromString("10"), nil)
	if err != nil {
		t.Fatalf("PlanAllocation (stale): %v", err)
	}

	assignments, err := models.CommitAllocationForSalesItem(ctx, plan, 1001)
	if err != nil {
		t.Fatalf("CommitAllocationForSalesItem: %v", err)
	}
	if len(assignments) != 1 || !assignments[0].QuantityDeducted.Equal(decimal.RequireFromString("8")) {
		t.Fatalf("unexpected assignments: %+v", assignments)
	}

	after, err := models.GetInventoryBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetInventoryBatch: %v", err)
	}
	if !after.RemainingQuantity.Equal(decimal.RequireFromString("92")) {
		t.Fatalf("remaining = %s, want 92", after.RemainingQuantity.String())
	}
	if after.Version <= batch.Version {
		t.Fatalf("version must bump on deduct: %d -> %d", batch.Version, after.Version)
	}
	if after.Status != models.BatchStatusInStock {
		t.Fatalf("status = %s, want IS", after.Status)
	}

	// stale plan carries the pre-commit version; commit must conflict,
	// deduct nothing, and write no assignment
	if _, err := models.CommitAllocationForSalesItem(ctx, stalePlan, 1002); !errors.Is(err, models.ErrStaleQuantity) {
		t.Fatalf("stale commit: got %v, want ErrStaleQuantity", err)
	}
	unchanged, err := models.GetInventoryBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetInventoryBatch after conflict: %v", err)
	}
	if !unchanged.RemainingQuantity.Equal(decimal.RequireFromString("92")) {
		t.Fatalf("conflicted commit must not deduct: remaining = %s", unchanged.RemainingQuantity.String())
	}
	if rows, err := models.GetItemAssignmentsBySalesItem(ctx, 1002); err != nil || len(rows) != 0 {
		t.Fatalf("conflicted commit must not write assignments: rows=%d err=%v", len(rows), err)
	}

	assertConservation(t, ctx, batch.ID)

	// reversal restores stock and flags the assignment, never deletes it
	reversed, err := models.ReverseItemAssignment(ctx, assignments[0].ID)
	if err != nil {
		t.Fatalf("ReverseItemAssignment: %v", err)
	}
	if !reversed.IsReversed() {
		t.Fatal("assignment must be flagged reversed")
	}
	restored, err := models.GetInventoryBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetInventoryBatch after reversal: %v", err)
	}
	if !restored.RemainingQuantity.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("remaining after reversal = %s, want 100", restored.RemainingQuantity.String())
	}

	// double reversal is rejected
	if _, err := models.ReverseItemAssignment(ctx, assignments[0].ID); err == nil {
		t.Fatal("second reversal must fail")
	}

	assertConservation(t, ctx, batch.ID)

	// a stored password round-trips through bcrypt
	if _, err := models.CreateUser(ctx, &models.NewUser{
		Username: "mill-op",
		Name:     "Mill Operator",
		Password: "s3cret-pass",
		IsActive: utils.NewTrue(),
		Role:     models.UserRoleClerk,
	}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	login, err := models.Login(ctx, "mill-op", "s3cret-pass")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if login.Token == "" || login.BusinessId != biz.ID {
		t.Fatalf("unexpected login info: %+v", login)
	}

	// a batch still holding stock is never hard-deleted, scrapped or not
	scrapCandidate, err := models.CreateInventoryBatch(ctx, &models.NewInventoryBatch{
		ProductId:       rawProduct.ID,
		BranchId:        branchId,
		Grouped:         utils.NewTrue(),
		InstanceCode:    "COIL-002",
		BatchTypeId:     coilTypeId,
		InitialQuantity: "5",
	})
	if err != nil {
		t.Fatalf("CreateInventoryBatch (scrap candidate): %v", err)
	}
	if _, err := models.ScrapInventoryBatch(ctx, scrapCandidate.ID); err != nil {
		t.Fatalf("ScrapInventoryBatch: %v", err)
	}
	if _, err := models.DeleteInventoryBatch(ctx, scrapCandidate.ID); !errors.Is(err, models.ErrBatchInUse) {
		t.Fatalf("deleting a scrapped batch with stock: got %v, want ErrBatchInUse", err)
	}

	// a forged plan naming another tenant's batch deducts nothing
	otherBiz, err := models.CreateBusiness(ctx, &models.NewBusiness{Name: "Rival Steel Co"})
	if err != nil {
		t.Fatalf("CreateBusiness (other tenant): %v", err)
	}
	otherCtx := utils.SetBusinessIdInContext(context.Background(), otherBiz.ID)
	otherCtx = utils.SetUserIdInContext(otherCtx, 2)
	otherCtx = utils.SetUserNameInContext(otherCtx, "Rival")
	otherBranches, err := models.GetAllBranches(otherCtx)
	if err != nil || len(otherBranches) == 0 {
		t.Fatalf("other tenant default branch missing: %v", err)
	}
	otherProduct, err := models.CreateProduct(otherCtx, &models.NewProduct{
		Name:         "GI Coil 0.5mm",
		Type:         models.ProductTypeRawTracked,
		BatchTracked: utils.NewTrue(),
		IsActive:     utils.NewTrue(),
	})
	if err != nil {
		t.Fatalf("CreateProduct (other tenant): %v", err)
	}
	otherBatch, err := models.CreateInventoryBatch(otherCtx, &models.NewInventoryBatch{
		ProductId:       otherProduct.ID,
		BranchId:        otherBranches[0].ID,
		Grouped:         utils.NewFalse(),
		InitialQuantity: "50",
	})
	if err != nil {
		t.Fatalf("CreateInventoryBatch (other tenant): %v", err)
	}

	forged := &models.AllocationPlan{
		PlanId:             "forged",
		BusinessId:         biz.ID,
		BranchId:           branchId,
		RequestedProductId: rawProduct.ID,
		RawProductId:       rawProduct.ID,
		RequestedQuantity:  decimal.RequireFromString("10"),
		RequiredQuantity:   decimal.RequireFromString("10"),
		Lines: []models.AllocationLine{{
			BatchId:         otherBatch.ID,
			Quantity:        decimal.RequireFromString("10"),
			ExpectedVersion: otherBatch.Version,
		}},
	}
	if _, err := models.CommitAllocationForSalesItem(ctx, forged, 2001); !errors.Is(err, models.ErrBatchNotFound) {
		t.Fatalf("forged cross-tenant commit: got %v, want ErrBatchNotFound", err)
	}
	otherAfter, err := models.GetInventoryBatch(otherCtx, otherBatch.ID)
	if err != nil {
		t.Fatalf("GetInventoryBatch (other tenant): %v", err)
	}
	if !otherAfter.RemainingQuantity.Equal(decimal.RequireFromString("50")) {
		t.Fatalf("cross-tenant batch was deducted: remaining = %s", otherAfter.RemainingQuantity.String())
	}

	// the commit staged an outbox record in the same transaction
	db := config.GetDB()
	var outboxCount int64
	if err := db.WithContext(ctx).Model(&models.PubSubMessageRecord{}).
		Where("business_id = ? AND reference_type = ?", biz.ID, models.InventoryReferenceTypeAssignment).
		Count(&outboxCount).Error; err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if outboxCount == 0 {
		t.Fatal("commit must stage an assignment outbox record")
	}
}

// initial == remaining + sum of non-reversed deductions, always.
func assertConservation(t *testing.T, ctx context.Context, batchId int) {
	t.Helper()
	batch, err := models.GetInventoryBatch(ctx, batchId)
	if err != nil {
		t.Fatalf("GetInventoryBatch: %v", err)
	}
	db := config.GetDB()
	var deducted decimal.NullDecimal
	if err := db.WithContext(ctx).Model(&models.ItemAssignment{}).
		Select("SUM(quantity_deducted)").
		Where("inventory_batch_id = ? AND reversed_at IS NULL", batchId).
		Scan(&deducted).Error; err != nil {
		t.Fatalf("sum deductions: %v", err)
	}
	total := batch.RemainingQuantity
	if deducted.Valid {
		total = total.Add(deducted.Decimal)
	}
	if !total.Equal(batch.InitialQuantity) {
		t.Fatalf("conservation violated: initial=%s remaining=%s deducted=%s",
			batch.InitialQuantity.String(), batch.RemainingQuantity.String(), deducted.Decimal.String())
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("steelbooks-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("steelbooks-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=steelbooks_test",
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
	// Example: "127.0.0.1:49154\n"
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
