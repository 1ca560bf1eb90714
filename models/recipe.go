package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/steelbooks_backend/config"
	"bitbucket.org/mmdatafocus/steelbooks_backend/utils"
	"github.com/shopspring/decimal"
)

// Recipe maps one manufactured-virtual product to the raw batch-tracked
// product it is cut/produced from. At most one recipe per (virtual, raw) pair.
type Recipe struct {
	ID               int             `gorm:"primary_key" json:"id"`
	BusinessId       string          `gorm:"size:64;not null;index" json:"business_id"`
	VirtualProductId int             `gorm:"not null;index;uniqueIndex:idx_recipe_pair,priority:1" json:"virtual_product_id" binding:"required"`
	RawProductId     int             `gorm:"not null;index;uniqueIndex:idx_recipe_pair,priority:2" json:"raw_product_id" binding:"required"`
	ConversionFactor decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"conversion_factor"`
	WastageMargin    decimal.Decimal `gorm:"type:decimal(5,2);not null;default:0" json:"wastage_margin"` // percent, 0..100
	IsActive         *bool           `gorm:"not null" json:"is_active"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewRecipe struct {
	VirtualProductId int    `json:"virtual_product_id" binding:"required"`
	RawProductId     int    `json:"raw_product_id" binding:"required"`
	ConversionFactor string `json:"conversion_factor" binding:"required"`
	WastageMargin    string `json:"wastage_margin"`
	IsActive         *bool  `json:"is_active" binding:"required"`
}

type AllRecipe struct {
	ID               int             `json:"id"`
	BusinessId       string          `json:"business_id"`
	VirtualProductId int             `json:"virtual_product_id"`
	RawProductId     int             `json:"raw_product_id"`
	ConversionFactor decimal.Decimal `json:"conversion_factor"`
	WastageMargin    decimal.Decimal `json:"wastage_margin"`
	IsActive         *bool           `json:"is_active"`
}

func (recipe Recipe) GetBusinessId() string {
	return recipe.BusinessId
}

var hundred = decimal.NewFromInt(100)

// computeRequiredQuantity is the conversion math:
// required = qty x factor x (1 + margin/100), rounded to the business scale.
func computeRequiredQuantity(qty decimal.Decimal, factor decimal.Decimal, margin decimal.Decimal, scale int32) decimal.Decimal {
	required := qty.Mul(factor).Mul(decimal.NewFromInt(1).Add(margin.Div(hundred)))
	return roundQuantity(required, scale)
}

func (input *NewRecipe) validate(ctx context.Context, businessId string, id int) (decimal.Decimal, decimal.Decimal, error) {

	factor, err := utils.ParseDecimal(input.ConversionFactor)
	if err != nil || factor.LessThanOrEqual(decimal.Zero) {
		return factor, decimal.Zero, errors.New("conversion factor must be greater than zero")
	}

	margin := decimal.Zero
	if input.WastageMargin != "" {
		margin, err = utils.ParseDecimal(input.WastageMargin)
		if err != nil {
			return factor, margin, errors.New("invalid wastage margin")
		}
	}
	if margin.IsNegative() || margin.GreaterThan(hundred) {
		return factor, margin, errors.New("wastage margin must be between 0 and 100")
	}

	virtualProduct, err := utils.FetchModel[Product](ctx, businessId, input.VirtualProductId)
	if err != nil {
		return factor, margin, errors.New("virtual product not found")
	}
	if virtualProduct.Type != ProductTypeManufactured {
		return factor, margin, errors.New("virtual product must be a manufactured product")
	}

	rawProduct, err := utils.FetchModel[Product](ctx, businessId, input.RawProductId)
	if err != nil {
		return factor, margin, errors.New("raw product not found")
	}
	if rawProduct.Type != ProductTypeRawTracked {
		return factor, margin, errors.New("raw product must be a batch tracked raw product")
	}

	// at most one recipe per (virtual, raw) pair
	var count int64
	var countErr error
	if id == 0 {
		count, countErr = utils.ResourceCountWhere[Recipe](ctx, businessId,
			"virtual_product_id = ? AND raw_product_id = ?", input.VirtualProductId, input.RawProductId)
	} else {
		count, countErr = utils.ResourceCountWhere[Recipe](ctx, businessId,
			"virtual_product_id = ? AND raw_product_id = ? AND NOT id = ?", input.VirtualProductId, input.RawProductId, id)
	}
	if countErr != nil {
		return factor, margin, countErr
	}
	if count > 0 {
		return factor, margin, errors.New("recipe already exists for this product pair")
	}

	return factor, margin, nil
}

func CreateRecipe(ctx context.Context, input *NewRecipe) (*Recipe, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	factor, margin, err := input.validate(ctx, businessId, 0)
	if err != nil {
		return nil, err
	}

	recipe := Recipe{
		BusinessId:       businessId,
		VirtualProductId: input.VirtualProductId,
		RawProductId:     input.RawProductId,
		ConversionFactor: factor,
		WastageMargin:    margin,
		IsActive:         input.IsActive,
	}

	// db action
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&recipe).Error; err != nil {
		return nil, err
	}

	if err := RemoveRedisBoth(recipe); err != nil {
		return &recipe, err
	}
	return &recipe, nil
}

func UpdateRecipe(ctx context.Context, id int, input *NewRecipe) (*Recipe, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	factor, margin, err := input.validate(ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	recipe, err := utils.FetchModel[Recipe](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	recipe.VirtualProductId = input.VirtualProductId
	recipe.RawProductId = input.RawProductId
	recipe.ConversionFactor = factor
	recipe.WastageMargin = margin
	recipe.IsActive = input.IsActive

	// db action
	db := config.GetDB()
	if err := db.WithContext(ctx).Save(recipe).Error; err != nil {
		return nil, err
	}

	if err := RemoveRedisBoth(*recipe); err != nil {
		return recipe, err
	}
	return recipe, nil
}

func DeleteRecipe(ctx context.Context, id int) (*Recipe, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	recipe, err := utils.FetchModel[Recipe](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	// db action
	db := config.GetDB()
	if err := db.WithContext(ctx).Delete(recipe).Error; err != nil {
		return nil, err
	}

	if err := RemoveRedisBoth(*recipe); err != nil {
		return recipe, err
	}
	return recipe, nil
}

func GetRecipe(ctx context.Context, id int) (*Recipe, error) {
	return GetResource[Recipe](ctx, id)
}

func GetAllRecipes(ctx context.Context) ([]*AllRecipe, error) {
	return ListAllResource[Recipe, AllRecipe](ctx, "virtual_product_id")
}

// ResolveRequirement maps a requested virtual-product quantity to the raw
// product and quantity that must be deducted, wastage included. Always reads
// the recipe from the DB; recipes are not cached on this path.
func ResolveRequirement(ctx context.Context, virtualProductId int, qty decimal.Decimal) (int, decimal.Decimal, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return 0, decimal.Zero, errors.New("business id is required")
	}
	if qty.LessThanOrEqual(decimal.Zero) {
		return 0, decimal.Zero, errors.New("quantity must be greater than zero")
	}

	business, err := getBusinessSettings(ctx)
	if err != nil {
		return 0, decimal.Zero, err
	}

	db := config.GetDB()
	var recipe Recipe
	err = db.WithContext(ctx).Model(&Recipe{}).
		Where("business_id = ? AND virtual_product_id = ? AND is_active = ?", businessId, virtualProductId, true).
		First(&recipe).Error
	if err != nil {
		return 0, decimal.Zero, ErrRecipeNotFound
	}

	required := computeRequiredQuantity(qty, recipe.ConversionFactor, recipe.WastageMargin, business.Scale())
	return recipe.RawProductId, required, nil
}
