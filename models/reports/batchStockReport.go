package reports

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"bitbucket.org/mmdatafocus/steelbooks_backend/config"
	"bitbucket.org/mmdatafocus/steelbooks_backend/models"
	"bitbucket.org/mmdatafocus/steelbooks_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

type BatchStockReportResponse struct {
	ProductName       string          `json:"productName"`
	ProductSku        string          `json:"productSku,omitempty"`
	BranchName        string          `json:"branchName"`
	InstanceCode      string          `json:"instanceCode,omitempty"`
	BatchIdentifier   string          `json:"batchIdentifier,omitempty"`
	Status            string          `json:"status"`
	InitialQuantity   decimal.Decimal `json:"initialQuantity"`
	RemainingQuantity decimal.Decimal `json:"remainingQuantity"`
	DeductedQuantity  decimal.Decimal `json:"deductedQuantity"`
}

// GetBatchStockReport lists every batch with its deducted total from
// non-reversed assignments. Raw SQL, so the tenant filter is explicit here.
func GetBatchStockReport(ctx context.Context, branchId *int, productId *int) ([]*BatchStockReportResponse, error) {

	sqlT := `
SELECT
    p.name AS product_name,
    p.sku AS product_sku,
    br.name AS branch_name,
    ib.instance_code,
    ib.batch_identifier,
    ib.status,
    ib.initial_quantity,
    ib.remaining_quantity,
    COALESCE(asg.deducted, 0) AS deducted_quantity
FROM inventory_batches ib
JOIN products p ON p.id = ib.product_id
JOIN branches br ON br.id = ib.branch_id
LEFT JOIN (
    SELECT inventory_batch_id, SUM(quantity_deducted) AS deducted
    FROM item_assignments
    WHERE business_id = @businessId AND reversed_at IS NULL
    GROUP BY inventory_batch_id
) asg ON asg.inventory_batch_id = ib.id
WHERE ib.business_id = @businessId
  {{- if .branchId }} AND ib.branch_id = @branchId {{- end }}
  {{- if .productId }} AND ib.product_id = @productId {{- end }}
ORDER BY p.name, ib.instance_code;
`
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if branchId != nil && *branchId > 0 {
		if err := utils.ValidateResourceId[models.Branch](ctx, businessId, *branchId); err != nil {
			return nil, errors.New("branch not found")
		}
	}
	if productId != nil && *productId > 0 {
		if err := utils.ValidateResourceId[models.Product](ctx, businessId, *productId); err != nil {
			return nil, errors.New("product not found")
		}
	}

	sql, err := utils.ExecTemplate(sqlT, map[string]interface{}{
		"branchId":  branchId != nil && *branchId > 0,
		"productId": productId != nil && *productId > 0,
	})
	if err != nil {
		return nil, err
	}

	params := map[string]interface{}{
		"businessId": businessId,
	}
	if branchId != nil {
		params["branchId"] = *branchId
	}
	if productId != nil {
		params["productId"] = *productId
	}

	var records []*BatchStockReportResponse
	db := config.GetDB()
	if err := db.WithContext(ctx).Raw(sql, params).Scan(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// ExportBatchStockExcel streams the report as an xlsx attachment.
func ExportBatchStockExcel(ctx context.Context, w http.ResponseWriter, branchId *int, productId *int) error {

	data, err := GetBatchStockReport(ctx, branchId, productId)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	if _, err := f.NewSheet("Sheet1"); err != nil {
		return err
	}

	// Add headers
	f.SetCellValue("Sheet1", "A1", "Product")
	f.SetCellValue("Sheet1", "B1", "Sku")
	f.SetCellValue("Sheet1", "C1", "Branch")
	f.SetCellValue("Sheet1", "D1", "InstanceCode")
	f.SetCellValue("Sheet1", "E1", "Identifier")
	f.SetCellValue("Sheet1", "F1", "Status")
	f.SetCellValue("Sheet1", "G1", "InitialQty")
	f.SetCellValue("Sheet1", "H1", "RemainingQty")
	f.SetCellValue("Sheet1", "I1", "DeductedQty")

	// Add data
	for i, d := range data {
		row := fmt.Sprint(i + 2)
		f.SetCellValue("Sheet1", "A"+row, d.ProductName)
		f.SetCellValue("Sheet1", "B"+row, d.ProductSku)
		f.SetCellValue("Sheet1", "C"+row, d.BranchName)
		f.SetCellValue("Sheet1", "D"+row, d.InstanceCode)
		f.SetCellValue("Sheet1", "E"+row, d.BatchIdentifier)
		f.SetCellValue("Sheet1", "F"+row, d.Status)
		f.SetCellValue("Sheet1", "G"+row, d.InitialQuantity.String())
		f.SetCellValue("Sheet1", "H"+row, d.RemainingQuantity.String())
		f.SetCellValue("Sheet1", "I"+row, d.DeductedQuantity.String())
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename=batch_stock.xlsx")
	return f.Write(w)
}
