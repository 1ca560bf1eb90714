package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/steelbooks_backend/config"
	"bitbucket.org/mmdatafocus/steelbooks_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BatchSelection is a caller-chosen (batch, quantity) pair for explicit
// allocation.
type BatchSelection struct {
	BatchId  int             `json:"batch_id" binding:"required"`
	Quantity decimal.Decimal `json:"quantity" binding:"required"`
}

// AllocationLine pins one deduction to a batch at the version observed at
// plan time; commit re-checks the version before applying it.
type AllocationLine struct {
	BatchId         int             `json:"batch_id"`
	InstanceCode    string          `json:"instance_code"`
	Quantity        decimal.Decimal `json:"quantity"`
	ExpectedVersion int             `json:"expected_version"`
}

// AllocationPlan is a pure read-side artifact: planning mutates nothing and
// holds no locks, so an uncommitted plan simply goes stale.
type AllocationPlan struct {
	PlanId             string           `json:"plan_id"`
	BusinessId         string           `json:"business_id"`
	BranchId           int              `json:"branch_id"`
	RequestedProductId int              `json:"requested_product_id"`
	RawProductId       int              `json:"raw_product_id"`
	RequestedQuantity  decimal.Decimal  `json:"requested_quantity"`
	RequiredQuantity   decimal.Decimal  `json:"required_quantity"`
	Lines              []AllocationLine `json:"lines"`
	CreatedAt          time.Time        `json:"created_at"`
}

func lineFromBatch(batch *InventoryBatch, qty decimal.Decimal) AllocationLine {
	return AllocationLine{
		BatchId:         batch.ID,
		InstanceCode:    batch.InstanceCode,
		Quantity:        qty,
		ExpectedVersion: batch.Version,
	}
}

// planFromSelections validates caller-chosen lines against the available
// set. The selected total may undershoot required by at most epsilon.
func planFromSelections(batches []*InventoryBatch, selections []BatchSelection, required decimal.Decimal, epsilon decimal.Decimal) ([]AllocationLine, error) {

	available := make(map[int]*InventoryBatch, len(batches))
	for _, batch := range batches {
		available[batch.ID] = batch
	}

	lines := make([]AllocationLine, 0, len(selections))
	seen := make(map[int]bool, len(selections))
	total := decimal.Zero
	for _, selection := range selections {
		if seen[selection.BatchId] {
			return nil, errors.New("batch selected more than once")
		}
		seen[selection.BatchId] = true

		batch, ok := available[selection.BatchId]
		if !ok {
			return nil, errors.New("selected batch is not available for this product and branch")
		}
		if selection.Quantity.LessThanOrEqual(decimal.Zero) {
			return nil, errors.New("selected quantity must be greater than zero")
		}
		if selection.Quantity.GreaterThan(batch.RemainingQuantity) {
			return nil, ErrInsufficientRemaining
		}

		lines = append(lines, lineFromBatch(batch, selection.Quantity))
		total = total.Add(selection.Quantity)
	}

	if total.LessThan(required.Sub(epsilon)) {
		return nil, &InsufficientStockError{
			Required:  required,
			Available: total,
			Shortfall: required.Sub(total),
		}
	}
	return lines, nil
}

// planGreedy walks the available batches in listing order and takes from
// each until the requirement is covered. All-or-nothing: a shortfall beyond
// epsilon yields no plan at all.
func planGreedy(batches []*InventoryBatch, required decimal.Decimal, epsilon decimal.Decimal) ([]AllocationLine, error) {

	lines := make([]AllocationLine, 0)
	left := required
	for _, batch := range batches {
		if left.LessThanOrEqual(decimal.Zero) {
			break
		}
		take := decimal.Min(batch.RemainingQuantity, left)
		lines = append(lines, lineFromBatch(batch, take))
		left = left.Sub(take)
	}

	if left.GreaterThan(epsilon) {
		return nil, &InsufficientStockError{
			Required:  required,
			Available: required.Sub(left),
			Shortfall: left,
		}
	}
	return lines, nil
}

// PlanAllocation resolves the requested product to its raw requirement and
// builds deduction lines, either from explicit selections or greedily over
// the deterministic batch order. No state is touched.
func PlanAllocation(ctx context.Context, productId int, branchId int, qty decimal.Decimal, selections []BatchSelection) (*AllocationPlan, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("quantity must be greater than zero")
	}
	if err := utils.ValidateResourceId[Branch](ctx, businessId, branchId); err != nil {
		return nil, errors.New("branch not found")
	}

	business, err := getBusinessSettings(ctx)
	if err != nil {
		return nil, err
	}
	epsilon := business.QuantityEpsilon()

	product, err := utils.FetchModel[Product](ctx, businessId, productId)
	if err != nil {
		return nil, errors.New("product not found")
	}

	rawProductId := productId
	required := business.RoundQuantity(qty)
	switch product.Type {
	case ProductTypeManufactured:
		rawProductId, required, err = ResolveRequirement(ctx, productId, qty)
		if err != nil {
			config.AllocationPlansTotal.WithLabelValues("rejected").Inc()
			return nil, err
		}
	case ProductTypeRawTracked:
		// allocates directly against its own batches
	default:
		return nil, errors.New("product does not allocate from the batch ledger")
	}

	batches, err := ListAvailableBatches(ctx, rawProductId, branchId)
	if err != nil {
		return nil, err
	}

	var lines []AllocationLine
	if len(selections) > 0 {
		lines, err = planFromSelections(batches, selections, required, epsilon)
	} else {
		if !config.AutoAllocationEnabled() {
			return nil, errors.New("explicit batch selections are required")
		}
		lines, err = planGreedy(batches, required, epsilon)
	}
	if err != nil {
		var insufficient *InsufficientStockError
		if errors.As(err, &insufficient) {
			insufficient.ProductId = rawProductId
			insufficient.BranchId = branchId
			config.AllocationPlansTotal.WithLabelValues("insufficient").Inc()
		} else {
			config.AllocationPlansTotal.WithLabelValues("rejected").Inc()
		}
		return nil, err
	}

	config.AllocationPlansTotal.WithLabelValues("planned").Inc()
	return &AllocationPlan{
		PlanId:             uuid.NewString(),
		BusinessId:         businessId,
		BranchId:           branchId,
		RequestedProductId: productId,
		RawProductId:       rawProductId,
		RequestedQuantity:  qty,
		RequiredQuantity:   required,
		Lines:              lines,
		CreatedAt:          time.Now(),
	}, nil
}
