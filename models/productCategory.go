package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/steelbooks_backend/config"
	"bitbucket.org/mmdatafocus/steelbooks_backend/utils"
)

type ProductCategory struct {
	ID         int    `gorm:"primary_key" json:"id"`
	BusinessId string `gorm:"size:64;not null;index" json:"business_id"`
	Name       string `gorm:"size:100;not null" json:"name" binding:"required"`
	// AttributeSchema is the closed field list every batch of this category
	// must satisfy; parsed (and unknown kinds rejected) at definition time.
	AttributeSchema AttributeSchema `gorm:"type:json" json:"attribute_schema"`
	IsActive        *bool           `gorm:"not null" json:"is_active"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProductCategory struct {
	Name            string          `json:"name" binding:"required"`
	AttributeSchema json.RawMessage `json:"attribute_schema"`
	IsActive        *bool           `json:"is_active" binding:"required"`
}

type AllProductCategory struct {
	ID         int    `json:"id"`
	BusinessId string `json:"business_id"`
	Name       string `json:"name"`
	IsActive   *bool  `json:"is_active"`
}

func (category ProductCategory) GetBusinessId() string {
	return category.BusinessId
}

func (input *NewProductCategory) validate(ctx context.Context, businessId string, id int) (AttributeSchema, error) {
	if err := utils.ValidateUnique[ProductCategory](ctx, businessId, "name", input.Name, id); err != nil {
		return nil, err
	}

	// schema definition is the only place unknown field kinds are rejected
	schema := AttributeSchema{}
	if len(input.AttributeSchema) > 0 {
		if err := json.Unmarshal(input.AttributeSchema, &schema); err != nil {
			return nil, errors.New("invalid attribute schema: " + err.Error())
		}
	}
	return schema, nil
}

func CreateProductCategory(ctx context.Context, input *NewProductCategory) (*ProductCategory, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	schema, err := input.validate(ctx, businessId, 0)
	if err != nil {
		return nil, err
	}

	category := ProductCategory{
		BusinessId:      businessId,
		Name:            input.Name,
		AttributeSchema: schema,
		IsActive:        input.IsActive,
	}

	// db action
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&category).Error; err != nil {
		return nil, err
	}

	if err := RemoveRedisBoth(category); err != nil {
		return &category, err
	}
	return &category, nil
}

// UpdateProductCategory replaces the name and schema. Existing batches are
// not re-validated retroactively; the new schema binds future writes.
func UpdateProductCategory(ctx context.Context, id int, input *NewProductCategory) (*ProductCategory, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	schema, err := input.validate(ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	category, err := utils.FetchModel[ProductCategory](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	category.Name = input.Name
	category.AttributeSchema = schema
	category.IsActive = input.IsActive

	// db action
	db := config.GetDB()
	if err := db.WithContext(ctx).Save(category).Error; err != nil {
		return nil, err
	}

	if err := RemoveRedisBoth(*category); err != nil {
		return category, err
	}
	return category, nil
}

func DeleteProductCategory(ctx context.Context, id int) (*ProductCategory, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	category, err := utils.FetchModel[ProductCategory](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	count, err := utils.ResourceCountWhere[Product](ctx, businessId, "category_id = ?", id)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, errors.New("category still has products")
	}

	// db action
	db := config.GetDB()
	if err := db.WithContext(ctx).Delete(category).Error; err != nil {
		return nil, err
	}

	if err := RemoveRedisBoth(*category); err != nil {
		return category, err
	}
	return category, nil
}

func GetProductCategory(ctx context.Context, id int) (*ProductCategory, error) {
	return GetResource[ProductCategory](ctx, id)
}

func GetAllProductCategories(ctx context.Context) ([]*AllProductCategory, error) {
	return ListAllResource[ProductCategory, AllProductCategory](ctx, "name")
}

func ToggleActiveProductCategory(ctx context.Context, id int, isActive bool) (*ProductCategory, error) {
	businessId, _ := utils.GetBusinessIdFromContext(ctx)
	return ToggleActiveModel[ProductCategory](ctx, businessId, id, isActive)
}
