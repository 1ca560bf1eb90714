package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/steelbooks_backend/config"
	"bitbucket.org/mmdatafocus/steelbooks_backend/utils"
)

type Product struct {
	ID         int         `gorm:"primary_key" json:"id"`
	BusinessId string      `gorm:"size:64;not null;index" json:"business_id"`
	CategoryId int         `gorm:"index" json:"category_id"`
	Name       string      `gorm:"size:100;not null" json:"name" binding:"required"`
	Sku        string      `gorm:"size:100" json:"sku"`
	Barcode    string      `gorm:"size:100" json:"barcode"`
	Type       ProductType `gorm:"type:enum('S','C','R','M');default:S" json:"type"`
	// BatchTracked products own ledger rows; manufactured-virtual products
	// never do, they resolve through a recipe at allocation time.
	BatchTracked *bool     `gorm:"not null" json:"batch_tracked"`
	IsActive     *bool     `gorm:"not null" json:"is_active"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProduct struct {
	CategoryId   int         `json:"category_id"`
	Name         string      `json:"name" binding:"required"`
	Sku          string      `json:"sku"`
	Barcode      string      `json:"barcode"`
	Type         ProductType `json:"type" binding:"required"`
	BatchTracked *bool       `json:"batch_tracked" binding:"required"`
	IsActive     *bool       `json:"is_active" binding:"required"`
}

type AllProduct struct {
	ID         int         `json:"id"`
	BusinessId string      `json:"business_id"`
	CategoryId int         `json:"category_id"`
	Name       string      `json:"name"`
	Sku        string      `json:"sku"`
	Type       ProductType `json:"type"`
	IsActive   *bool       `json:"is_active"`
}

func (product Product) GetBusinessId() string {
	return product.BusinessId
}

func (input *NewProduct) validate(ctx context.Context, businessId string, id int) error {
	switch input.Type {
	case ProductTypeStandard, ProductTypeCompound, ProductTypeRawTracked, ProductTypeManufactured:
	default:
		return errors.New("invalid product type")
	}
	if input.Type == ProductTypeManufactured && utils.DereferencePtr(input.BatchTracked) {
		return errors.New("manufactured products cannot be batch tracked")
	}
	if input.Type == ProductTypeRawTracked && !utils.DereferencePtr(input.BatchTracked) {
		return errors.New("raw tracked products must be batch tracked")
	}
	if input.CategoryId != 0 {
		if err := utils.ValidateResourceId[ProductCategory](ctx, businessId, input.CategoryId); err != nil {
			return errors.New("product category not found")
		}
	}
	if err := utils.ValidateUnique[Product](ctx, businessId, "name", input.Name, id); err != nil {
		return err
	}
	if input.Sku != "" {
		if err := utils.ValidateUnique[Product](ctx, businessId, "sku", input.Sku, id); err != nil {
			return err
		}
	}
	return nil
}

func CreateProduct(ctx context.Context, input *NewProduct) (*Product, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := input.validate(ctx, businessId, 0); err != nil {
		return nil, err
	}

	product := Product{
		BusinessId:   businessId,
		CategoryId:   input.CategoryId,
		Name:         input.Name,
		Sku:          input.Sku,
		Barcode:      input.Barcode,
		Type:         input.Type,
		BatchTracked: input.BatchTracked,
		IsActive:     input.IsActive,
	}

	// db action
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&product).Error; err != nil {
		return nil, err
	}

	if err := RemoveRedisBoth(product); err != nil {
		return &product, err
	}
	return &product, nil
}

func UpdateProduct(ctx context.Context, id int, input *NewProduct) (*Product, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := input.validate(ctx, businessId, id); err != nil {
		return nil, err
	}

	product, err := utils.FetchModel[Product](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	// the ledger depends on the tracking mode staying put
	if product.Type != input.Type {
		count, err := utils.ResourceCountWhere[InventoryBatch](ctx, businessId, "product_id = ?", id)
		if err != nil {
			return nil, err
		}
		if count > 0 {
			return nil, errors.New("cannot change product type while batches exist")
		}
	}

	product.CategoryId = input.CategoryId
	product.Name = input.Name
	product.Sku = input.Sku
	product.Barcode = input.Barcode
	product.Type = input.Type
	product.BatchTracked = input.BatchTracked
	product.IsActive = input.IsActive

	// db action
	db := config.GetDB()
	if err := db.WithContext(ctx).Save(product).Error; err != nil {
		return nil, err
	}

	if err := RemoveRedisBoth(*product); err != nil {
		return product, err
	}
	return product, nil
}

func DeleteProduct(ctx context.Context, id int) (*Product, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	product, err := utils.FetchModel[Product](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	count, err := utils.ResourceCountWhere[InventoryBatch](ctx, businessId, "product_id = ?", id)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, errors.New("product still has inventory batches")
	}
	count, err = utils.ResourceCountWhere[Recipe](ctx, businessId, "virtual_product_id = ? OR raw_product_id = ?", id, id)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, errors.New("product is referenced by recipes")
	}

	// db action
	db := config.GetDB()
	if err := db.WithContext(ctx).Delete(product).Error; err != nil {
		return nil, err
	}

	if err := RemoveRedisBoth(*product); err != nil {
		return product, err
	}
	return product, nil
}

func GetProduct(ctx context.Context, id int) (*Product, error) {
	return GetResource[Product](ctx, id)
}

func GetAllProducts(ctx context.Context) ([]*AllProduct, error) {
	return ListAllResource[Product, AllProduct](ctx, "name")
}

func ToggleActiveProduct(ctx context.Context, id int, isActive bool) (*Product, error) {
	businessId, _ := utils.GetBusinessIdFromContext(ctx)
	return ToggleActiveModel[Product](ctx, businessId, id, isActive)
}
