package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/steelbooks_backend/config"
	"bitbucket.org/mmdatafocus/steelbooks_backend/utils"
	"github.com/shopspring/decimal"
)

// ItemAssignment links one sales item to the batch it was deducted from.
// Rows are written only by allocation commit and never edited afterwards;
// reversal writes a compensating restore and flags the row instead of
// mutating history.
type ItemAssignment struct {
	ID               int             `gorm:"primary_key" json:"id"`
	BusinessId       string          `gorm:"size:64;not null;index" json:"business_id"`
	SalesItemId      int             `gorm:"not null;index" json:"sales_item_id"`
	InventoryBatchId int             `gorm:"not null;index" json:"inventory_batch_id"`
	QuantityDeducted decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity_deducted"`
	ReversedAt       *time.Time      `gorm:"index" json:"reversed_at"`
	CorrelationId    string          `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (assignment ItemAssignment) GetBusinessId() string {
	return assignment.BusinessId
}

func (assignment *ItemAssignment) IsReversed() bool {
	return assignment.ReversedAt != nil
}

func GetItemAssignment(ctx context.Context, id int) (*ItemAssignment, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[ItemAssignment](ctx, businessId, id)
}

// GetItemAssignmentsBySalesItem lists assignments in insertion order, which
// is also the plan's line order.
func GetItemAssignmentsBySalesItem(ctx context.Context, salesItemId int) ([]*ItemAssignment, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var assignments []*ItemAssignment
	err := db.WithContext(ctx).Model(&ItemAssignment{}).
		Where("business_id = ? AND sales_item_id = ?", businessId, salesItemId).
		Order("id ASC").
		Find(&assignments).Error
	if err != nil {
		return nil, err
	}
	return assignments, nil
}

// ReverseItemAssignment restores the deducted quantity to the batch and
// marks the assignment reversed, all in one transaction. The assignment row
// itself stays as history.
func ReverseItemAssignment(ctx context.Context, id int) (*ItemAssignment, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := utils.BusinessLock(ctx, businessId, "assignmentReverse", "models", "ReverseItemAssignment"); err != nil {
		return nil, err
	}

	assignment, err := utils.FetchModel[ItemAssignment](ctx, businessId, id)
	if err != nil {
		return nil, err
	}
	if assignment.IsReversed() {
		return nil, errors.New("assignment is already reversed")
	}

	db := config.GetDB()
	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	// db action
	if err := restoreBatch(tx.WithContext(ctx), businessId, assignment.InventoryBatchId, assignment.QuantityDeducted); err != nil {
		tx.Rollback()
		return nil, err
	}

	now := time.Now()
	result := tx.WithContext(ctx).Model(&ItemAssignment{}).
		Where("id = ? AND reversed_at IS NULL", id).
		UpdateColumn("reversed_at", now)
	if result.Error != nil {
		tx.Rollback()
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return nil, errors.New("assignment is already reversed")
	}
	assignment.ReversedAt = &now

	if err := PublishToInventoryStream(ctx, tx.WithContext(ctx), businessId, now,
		assignment.ID, InventoryReferenceTypeReversal, assignment, nil, PubSubMessageActionUpdate); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return assignment, nil
}
