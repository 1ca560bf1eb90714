package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/steelbooks_backend/config"
	"bitbucket.org/mmdatafocus/steelbooks_backend/utils"
	"gorm.io/gorm"
)

// CommitAllocation applies a plan inside the caller's transaction: the same
// transaction that writes the sales item should carry the deductions, so a
// failed document write never leaves stock half-deducted. Each line is
// re-validated against the current row version; any line failure aborts the
// whole transaction. There is no retry loop here: the caller re-plans on
// ErrStaleQuantity.
func CommitAllocation(ctx context.Context, tx *gorm.DB, plan *AllocationPlan, salesItemId int) ([]*ItemAssignment, error) {

	if plan == nil || len(plan.Lines) == 0 {
		return nil, errors.New("allocation plan is empty")
	}
	if salesItemId == 0 {
		return nil, errors.New("sales item id is required")
	}
	// the tenant comes from the session, never from the plan payload: a
	// forged plan cannot point deductions at another business's batches
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if plan.BusinessId != businessId {
		return nil, errors.New("plan belongs to another business")
	}

	correlationId := correlationIdFromContextOrNew(ctx)
	now := time.Now()

	assignments := make([]*ItemAssignment, 0, len(plan.Lines))
	for _, line := range plan.Lines {
		if err := deductBatch(tx, businessId, line.BatchId, line.Quantity, line.ExpectedVersion); err != nil {
			config.AllocationCommitsTotal.WithLabelValues(commitResultLabel(err)).Inc()
			return nil, err
		}

		assignment := ItemAssignment{
			BusinessId:       businessId,
			SalesItemId:      salesItemId,
			InventoryBatchId: line.BatchId,
			QuantityDeducted: line.Quantity,
			CorrelationId:    correlationId,
		}
		// db action, one row per line in plan order
		if err := tx.Create(&assignment).Error; err != nil {
			config.AllocationCommitsTotal.WithLabelValues("failed").Inc()
			return nil, err
		}
		assignments = append(assignments, &assignment)
	}

	if err := PublishToInventoryStream(ctx, tx, businessId, now,
		salesItemId, InventoryReferenceTypeAssignment, assignments, nil, PubSubMessageActionCreate); err != nil {
		config.AllocationCommitsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	config.AllocationCommitsTotal.WithLabelValues("committed").Inc()
	return assignments, nil
}

func commitResultLabel(err error) string {
	switch {
	case errors.Is(err, ErrStaleQuantity):
		return "conflict"
	case errors.Is(err, ErrBatchNotFound):
		return "not_found"
	case errors.Is(err, ErrInsufficientRemaining):
		return "insufficient"
	default:
		return "failed"
	}
}

// CommitAllocationForSalesItem is the standalone entry point: it opens its
// own transaction and serializes commits per business with the redis lock.
// Engines embedded in a larger document write call CommitAllocation with
// their own transaction instead.
func CommitAllocationForSalesItem(ctx context.Context, plan *AllocationPlan, salesItemId int) ([]*ItemAssignment, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if plan != nil && plan.BusinessId != businessId {
		return nil, errors.New("plan belongs to another business")
	}
	if err := utils.BusinessLock(ctx, businessId, "allocationCommit", "models", "CommitAllocationForSalesItem"); err != nil {
		return nil, err
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	assignments, err := CommitAllocation(ctx, tx, plan, salesItemId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return assignments, nil
}
