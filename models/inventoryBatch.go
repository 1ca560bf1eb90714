package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/steelbooks_backend/config"
	"bitbucket.org/mmdatafocus/steelbooks_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type InventoryBatch struct {
	ID         int    `gorm:"primary_key" json:"id"`
	BusinessId string `gorm:"size:64;not null;index" json:"business_id"`
	ProductId  int    `gorm:"not null;index:idx_batch_avail,priority:1" json:"product_id" binding:"required"`
	BranchId   int    `gorm:"not null;index:idx_batch_avail,priority:2" json:"branch_id" binding:"required"`
	CategoryId int    `gorm:"index" json:"category_id"`
	// Grouped batches are individually tracked by a globally unique
	// instance code (a specific coil); pooled batches are loose stock.
	Grouped           *bool           `gorm:"not null" json:"grouped"`
	InstanceCode      string          `gorm:"size:100;index" json:"instance_code"`
	BatchTypeId       int             `gorm:"index" json:"batch_type_id"`
	BatchIdentifier   string          `gorm:"size:100" json:"batch_identifier"`
	InitialQuantity   decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"initial_quantity"`
	RemainingQuantity decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"remaining_quantity"`
	Status            BatchStatus     `gorm:"type:enum('IS','DP','SC');default:IS;index:idx_batch_avail,priority:3" json:"status"`
	AttributeData     AttributeData   `gorm:"type:json" json:"attribute_data"`
	// Version is bumped on every quantity/branch/status mutation; writers
	// re-check it so lost updates surface as ErrStaleQuantity.
	Version    int        `gorm:"not null;default:0" json:"version"`
	ReceivedAt time.Time  `gorm:"index" json:"received_at"`
	ScrappedAt *time.Time `json:"scrapped_at"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewInventoryBatch struct {
	ProductId       int           `json:"product_id" binding:"required"`
	BranchId        int           `json:"branch_id" binding:"required"`
	Grouped         *bool         `json:"grouped" binding:"required"`
	InstanceCode    string        `json:"instance_code"`
	BatchTypeId     int           `json:"batch_type_id"`
	BatchIdentifier string        `json:"batch_identifier"`
	InitialQuantity string        `json:"initial_quantity" binding:"required"`
	AttributeData   AttributeData `json:"attribute_data"`
	ReceivedAt      *time.Time    `json:"received_at"`
}

func (batch InventoryBatch) GetBusinessId() string {
	return batch.BusinessId
}

func (batch InventoryBatch) GetCursor() string {
	return batch.InstanceCode
}

func (batch InventoryBatch) GetId() int {
	return batch.ID
}

// BatchIdentity is the two-shape view of a batch row: either a grouped
// batch carrying its instance code, or an anonymous pooled batch.
type BatchIdentity interface {
	isBatchIdentity()
}

type GroupedBatch struct {
	InstanceCode string
}

type PooledBatch struct{}

func (GroupedBatch) isBatchIdentity() {}
func (PooledBatch) isBatchIdentity()  {}

func (batch *InventoryBatch) Identity() BatchIdentity {
	if utils.DereferencePtr(batch.Grouped) {
		return GroupedBatch{InstanceCode: batch.InstanceCode}
	}
	return PooledBatch{}
}

// identityFromInput enforces "grouped implies non-empty instance code" at
// input parsing time instead of as a save hook.
func identityFromInput(grouped *bool, instanceCode string) (BatchIdentity, error) {
	code := strings.TrimSpace(instanceCode)
	if utils.DereferencePtr(grouped) {
		if code == "" {
			return nil, errors.New("grouped batches require an instance code")
		}
		return GroupedBatch{InstanceCode: code}, nil
	}
	if code != "" {
		return nil, errors.New("pooled batches cannot carry an instance code")
	}
	return PooledBatch{}, nil
}

// validateBatchAttributes loads the product's category schema plus the tenant
// gauge settings and runs the validator; returns SchemaViolationError on
// any field failure.
func validateBatchAttributes(ctx context.Context, businessId string, product *Product, data AttributeData) error {

	business, err := getBusinessSettings(ctx)
	if err != nil {
		return err
	}

	schema := AttributeSchema{}
	categoryName := ""
	categoryId := 0
	if product.CategoryId != 0 {
		category, err := GetProductCategory(ctx, product.CategoryId)
		if err != nil {
			return errors.New("product category not found")
		}
		schema = category.AttributeSchema
		categoryName = category.Name
		categoryId = category.ID
	}

	if fieldErrors := ValidateAttributeData(schema, business.GaugeSettings(), categoryName, data); len(fieldErrors) > 0 {
		return &SchemaViolationError{CategoryId: categoryId, Fields: fieldErrors}
	}
	return nil
}

func (input *NewInventoryBatch) validate(ctx context.Context, businessId string, id int) (BatchIdentity, decimal.Decimal, error) {

	identity, err := identityFromInput(input.Grouped, input.InstanceCode)
	if err != nil {
		return nil, decimal.Zero, err
	}

	qty, err := utils.ParseDecimal(input.InitialQuantity)
	if err != nil || qty.LessThanOrEqual(decimal.Zero) {
		return nil, decimal.Zero, errors.New("initial quantity must be greater than zero")
	}

	product, err := utils.FetchModel[Product](ctx, businessId, input.ProductId)
	if err != nil {
		return nil, decimal.Zero, errors.New("product not found")
	}
	if !utils.DereferencePtr(product.BatchTracked) {
		return nil, decimal.Zero, errors.New("product is not batch tracked")
	}
	if product.Type == ProductTypeManufactured {
		return nil, decimal.Zero, errors.New("manufactured products cannot own batches")
	}

	if err := utils.ValidateResourceId[Branch](ctx, businessId, input.BranchId); err != nil {
		return nil, decimal.Zero, errors.New("branch not found")
	}
	if input.BatchTypeId != 0 {
		if err := utils.ValidateResourceId[BatchType](ctx, businessId, input.BatchTypeId); err != nil {
			return nil, decimal.Zero, errors.New("batch type not found")
		}
	}

	// grouped => instance code unique across the whole business
	if grouped, ok := identity.(GroupedBatch); ok {
		if err := utils.ValidateUnique[InventoryBatch](ctx, businessId, "instance_code", grouped.InstanceCode, id); err != nil {
			return nil, decimal.Zero, errors.New("instance code already in use")
		}
	}

	if input.AttributeData == nil {
		input.AttributeData = AttributeData{}
	}
	if err := validateBatchAttributes(ctx, businessId, product, input.AttributeData); err != nil {
		return nil, decimal.Zero, err
	}

	return identity, qty, nil
}

// CreateInventoryBatch opens a new ledger row; the opening quantity sets
// remaining = initial and nothing is persisted when validation fails.
func CreateInventoryBatch(ctx context.Context, input *NewInventoryBatch) (*InventoryBatch, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	identity, qty, err := input.validate(ctx, businessId, 0)
	if err != nil {
		return nil, err
	}

	business, err := getBusinessSettings(ctx)
	if err != nil {
		return nil, err
	}
	qty = business.RoundQuantity(qty)

	product, err := utils.FetchModel[Product](ctx, businessId, input.ProductId)
	if err != nil {
		return nil, errors.New("product not found")
	}

	receivedAt := time.Now()
	if input.ReceivedAt != nil {
		receivedAt = *input.ReceivedAt
	}

	batch := InventoryBatch{
		BusinessId:        businessId,
		ProductId:         input.ProductId,
		BranchId:          input.BranchId,
		CategoryId:        product.CategoryId,
		Grouped:           input.Grouped,
		BatchTypeId:       input.BatchTypeId,
		BatchIdentifier:   input.BatchIdentifier,
		InitialQuantity:   qty,
		RemainingQuantity: qty,
		Status:            BatchStatusInStock,
		AttributeData:     input.AttributeData,
		Version:           0,
		ReceivedAt:        receivedAt,
	}
	if grouped, ok := identity.(GroupedBatch); ok {
		batch.InstanceCode = grouped.InstanceCode
	}

	db := config.GetDB()
	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	// db action
	if err := tx.WithContext(ctx).Create(&batch).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := PublishToInventoryStream(ctx, tx.WithContext(ctx), businessId, time.Now(),
		batch.ID, InventoryReferenceTypeBatch, &batch, nil, PubSubMessageActionCreate); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &batch, nil
}

// UpdateInventoryBatch edits descriptive fields and, while the batch is
// untouched by deductions, the opening quantity. Attribute data is
// re-validated against the current schema.
func UpdateInventoryBatch(ctx context.Context, id int, input *NewInventoryBatch) (*InventoryBatch, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	identity, qty, err := input.validate(ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	batch, err := utils.FetchModel[InventoryBatch](ctx, businessId, id)
	if err != nil {
		return nil, ErrBatchNotFound
	}
	if batch.Status == BatchStatusScrapped {
		return nil, errors.New("scrapped batches cannot be edited")
	}
	oldBatch := *batch

	business, err := getBusinessSettings(ctx)
	if err != nil {
		return nil, err
	}
	qty = business.RoundQuantity(qty)

	if !qty.Equal(batch.InitialQuantity) {
		if config.StrictBatchImmutability() {
			return nil, errors.New("batch quantities are immutable")
		}
		if !batch.RemainingQuantity.Equal(batch.InitialQuantity) {
			return nil, errors.New("cannot change opening quantity after deductions")
		}
		batch.InitialQuantity = qty
		batch.RemainingQuantity = qty
	}

	if batch.ProductId != input.ProductId {
		return nil, errors.New("batch product cannot be changed")
	}

	batch.Grouped = input.Grouped
	batch.InstanceCode = ""
	if grouped, ok := identity.(GroupedBatch); ok {
		batch.InstanceCode = grouped.InstanceCode
	}
	batch.BatchTypeId = input.BatchTypeId
	batch.BatchIdentifier = input.BatchIdentifier
	batch.AttributeData = input.AttributeData
	if input.ReceivedAt != nil {
		batch.ReceivedAt = *input.ReceivedAt
	}
	batch.Version++

	db := config.GetDB()
	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	// db action, guarded by the pre-bump version
	result := tx.WithContext(ctx).Model(&InventoryBatch{}).
		Where("id = ? AND version = ?", batch.ID, oldBatch.Version).
		Select("*").Omit("id", "created_at").Updates(batch)
	if result.Error != nil {
		tx.Rollback()
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return nil, ErrStaleQuantity
	}
	if err := PublishToInventoryStream(ctx, tx.WithContext(ctx), businessId, time.Now(),
		batch.ID, InventoryReferenceTypeBatch, batch, &oldBatch, PubSubMessageActionUpdate); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return batch, nil
}

func GetInventoryBatch(ctx context.Context, id int) (*InventoryBatch, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	batch, err := utils.FetchModel[InventoryBatch](ctx, businessId, id)
	if err != nil {
		return nil, ErrBatchNotFound
	}
	return batch, nil
}

// ListAvailableBatches returns in-stock batches with remaining quantity,
// ordered by instance_code ascending. The order is deliberately
// lexicographic, not FIFO: repeated allocation runs over the same stock pick
// the same coils.
func ListAvailableBatches(ctx context.Context, productId int, branchId int) ([]*InventoryBatch, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var batches []*InventoryBatch
	err := db.WithContext(ctx).Model(&InventoryBatch{}).
		Where("business_id = ? AND product_id = ? AND branch_id = ? AND status = ? AND remaining_quantity > 0",
			businessId, productId, branchId, BatchStatusInStock).
		Order("instance_code ASC, id ASC").
		Find(&batches).Error
	if err != nil {
		return nil, err
	}
	return batches, nil
}

// PaginateInventoryBatches pages the full ledger for a product (all
// statuses) by (instance_code, id) cursor.
func PaginateInventoryBatches(ctx context.Context, productId int, branchId int, limit int, after *string) ([]Edge[InventoryBatch], *PageInfo, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, nil, errors.New("business id is required")
	}
	if limit <= 0 {
		limit = 20
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&InventoryBatch{}).
		Where("business_id = ? AND product_id = ?", businessId, productId)
	if branchId != 0 {
		dbCtx.Where("branch_id = ?", branchId)
	}
	return FetchPageCompositeCursor[InventoryBatch](dbCtx, limit, after, "instance_code", ">")
}

// deductBatch applies one deduction inside the caller's transaction with a
// single guarded UPDATE. The version predicate catches concurrent writers;
// the remaining_quantity predicate catches oversubscription. MySQL applies
// SET clauses left to right, so the status flip sees the new remaining.
// businessId must come from the session: raw SQL bypasses the gorm tenant
// callback, so the predicate here is the only thing keeping a forged plan
// line off another tenant's batch.
func deductBatch(tx *gorm.DB, businessId string, batchId int, qty decimal.Decimal, expectedVersion int) error {

	if qty.LessThanOrEqual(decimal.Zero) {
		return errors.New("deduction quantity must be greater than zero")
	}

	result := tx.Exec(`UPDATE inventory_batches
		SET remaining_quantity = remaining_quantity - ?,
		    status = IF(remaining_quantity <= 0, 'DP', status),
		    version = version + 1
		WHERE id = ? AND business_id = ? AND version = ? AND status = 'IS' AND remaining_quantity >= ?`,
		qty, batchId, businessId, expectedVersion, qty)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 1 {
		return nil
	}

	// zero rows: work out which precondition failed
	var current InventoryBatch
	if err := tx.Where("id = ? AND business_id = ?", batchId, businessId).First(&current).Error; err != nil {
		return ErrBatchNotFound
	}
	if current.Version != expectedVersion || current.Status != BatchStatusInStock {
		config.BatchDeductConflictsTotal.Inc()
		return ErrStaleQuantity
	}
	return ErrInsufficientRemaining
}

// restoreBatch is the compensating inverse of deductBatch, used by
// assignment reversal. A depleted batch comes back in stock; a scrapped one
// keeps its terminal status. Tenant-scoped for the same reason as
// deductBatch: raw SQL sees no gorm tenant callback.
func restoreBatch(tx *gorm.DB, businessId string, batchId int, qty decimal.Decimal) error {

	if qty.LessThanOrEqual(decimal.Zero) {
		return errors.New("restore quantity must be greater than zero")
	}

	result := tx.Exec(`UPDATE inventory_batches
		SET remaining_quantity = remaining_quantity + ?,
		    status = IF(status = 'DP', 'IS', status),
		    version = version + 1
		WHERE id = ? AND business_id = ? AND remaining_quantity + ? <= initial_quantity`,
		qty, batchId, businessId, qty)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errors.New("restore would exceed the batch's initial quantity")
	}
	return nil
}

// TransferInventoryBatch moves a batch to another branch. Concurrent
// deductions against the old branch lose their version race and re-plan.
func TransferInventoryBatch(ctx context.Context, id int, toBranchId int) (*InventoryBatch, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := utils.BusinessLock(ctx, businessId, "batchTransfer", "models", "TransferInventoryBatch"); err != nil {
		return nil, err
	}
	if err := utils.ValidateResourceId[Branch](ctx, businessId, toBranchId); err != nil {
		return nil, errors.New("destination branch not found")
	}

	batch, err := utils.FetchModel[InventoryBatch](ctx, businessId, id)
	if err != nil {
		return nil, ErrBatchNotFound
	}
	if batch.Status == BatchStatusScrapped {
		return nil, errors.New("scrapped batches cannot be transferred")
	}
	if batch.BranchId == toBranchId {
		return nil, errors.New("batch is already at this branch")
	}
	oldBatch := *batch

	db := config.GetDB()
	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	// db action
	result := tx.WithContext(ctx).Model(&InventoryBatch{}).
		Where("id = ? AND version = ?", id, batch.Version).
		Updates(map[string]interface{}{
			"branch_id": toBranchId,
			"version":   gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		tx.Rollback()
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return nil, ErrStaleQuantity
	}

	batch.BranchId = toBranchId
	batch.Version++
	if err := PublishToInventoryStream(ctx, tx.WithContext(ctx), businessId, time.Now(),
		batch.ID, InventoryReferenceTypeTransfer, batch, &oldBatch, PubSubMessageActionUpdate); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return batch, nil
}

// ScrapInventoryBatch is a terminal manual action; there is no transition
// out of scrapped.
func ScrapInventoryBatch(ctx context.Context, id int) (*InventoryBatch, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := utils.BusinessLock(ctx, businessId, "batchScrap", "models", "ScrapInventoryBatch"); err != nil {
		return nil, err
	}

	batch, err := utils.FetchModel[InventoryBatch](ctx, businessId, id)
	if err != nil {
		return nil, ErrBatchNotFound
	}
	if batch.Status == BatchStatusScrapped {
		return nil, errors.New("batch is already scrapped")
	}
	oldBatch := *batch

	db := config.GetDB()
	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	now := time.Now()
	// db action
	result := tx.WithContext(ctx).Model(&InventoryBatch{}).
		Where("id = ? AND version = ?", id, batch.Version).
		Updates(map[string]interface{}{
			"status":      BatchStatusScrapped,
			"scrapped_at": now,
			"version":     gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		tx.Rollback()
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return nil, ErrStaleQuantity
	}

	batch.Status = BatchStatusScrapped
	batch.ScrappedAt = &now
	batch.Version++
	if err := PublishToInventoryStream(ctx, tx.WithContext(ctx), businessId, now,
		batch.ID, InventoryReferenceTypeScrap, batch, &oldBatch, PubSubMessageActionUpdate); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return batch, nil
}

// DeleteInventoryBatch removes an untouched ledger row. Anything referenced
// by an assignment, or still holding stock, stays.
func DeleteInventoryBatch(ctx context.Context, id int) (*InventoryBatch, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	batch, err := utils.FetchModel[InventoryBatch](ctx, businessId, id)
	if err != nil {
		return nil, ErrBatchNotFound
	}

	count, err := utils.ResourceCountWhere[ItemAssignment](ctx, businessId, "inventory_batch_id = ?", id)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrBatchInUse
	}
	if batch.RemainingQuantity.GreaterThan(decimal.Zero) {
		return nil, ErrBatchInUse
	}

	db := config.GetDB()
	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	// db action
	if err := tx.WithContext(ctx).Delete(batch).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := PublishToInventoryStream(ctx, tx.WithContext(ctx), businessId, time.Now(),
		batch.ID, InventoryReferenceTypeBatch, nil, batch, PubSubMessageActionDelete); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return batch, nil
}
