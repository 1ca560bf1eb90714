package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/steelbooks_backend/config"
	"bitbucket.org/mmdatafocus/steelbooks_backend/utils"
)

// BatchType is reference data describing the physical packaging of a batch
// (coil, pallet, carton, loose). Every business gets the defaults seeded at
// creation and may add its own.
type BatchType struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"size:64;not null;index" json:"business_id"`
	Name       string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Code       string    `gorm:"size:20;not null" json:"code" binding:"required"`
	IsActive   *bool     `gorm:"not null" json:"is_active"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewBatchType struct {
	Name     string `json:"name" binding:"required"`
	Code     string `json:"code" binding:"required"`
	IsActive *bool  `json:"is_active" binding:"required"`
}

type AllBatchType struct {
	ID         int    `json:"id"`
	BusinessId string `json:"business_id"`
	Name       string `json:"name"`
	Code       string `json:"code"`
	IsActive   *bool  `json:"is_active"`
}

func (batchType BatchType) GetBusinessId() string {
	return batchType.BusinessId
}

func defaultBatchTypes(businessId string) []BatchType {
	names := map[string]string{
		"COIL":   "Coil",
		"PALLET": "Pallet",
		"CARTON": "Carton",
		"LOOSE":  "Loose",
	}
	types := make([]BatchType, 0, len(names))
	for code, name := range names {
		types = append(types, BatchType{
			BusinessId: businessId,
			Name:       name,
			Code:       code,
			IsActive:   utils.NewTrue(),
		})
	}
	return types
}

func (input *NewBatchType) validate(ctx context.Context, businessId string, id int) error {
	if err := utils.ValidateUnique[BatchType](ctx, businessId, "code", input.Code, id); err != nil {
		return err
	}
	return nil
}

func CreateBatchType(ctx context.Context, input *NewBatchType) (*BatchType, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := input.validate(ctx, businessId, 0); err != nil {
		return nil, err
	}

	batchType := BatchType{
		BusinessId: businessId,
		Name:       input.Name,
		Code:       input.Code,
		IsActive:   input.IsActive,
	}

	// db action
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&batchType).Error; err != nil {
		return nil, err
	}

	if err := RemoveRedisBoth(batchType); err != nil {
		return &batchType, err
	}
	return &batchType, nil
}

func UpdateBatchType(ctx context.Context, id int, input *NewBatchType) (*BatchType, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := input.validate(ctx, businessId, id); err != nil {
		return nil, err
	}

	batchType, err := utils.FetchModel[BatchType](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	batchType.Name = input.Name
	batchType.Code = input.Code
	batchType.IsActive = input.IsActive

	// db action
	db := config.GetDB()
	if err := db.WithContext(ctx).Save(batchType).Error; err != nil {
		return nil, err
	}

	if err := RemoveRedisBoth(*batchType); err != nil {
		return batchType, err
	}
	return batchType, nil
}

func DeleteBatchType(ctx context.Context, id int) (*BatchType, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	batchType, err := utils.FetchModel[BatchType](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	count, err := utils.ResourceCountWhere[InventoryBatch](ctx, businessId, "batch_type_id = ?", id)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, errors.New("batch type is still in use")
	}

	// db action
	db := config.GetDB()
	if err := db.WithContext(ctx).Delete(batchType).Error; err != nil {
		return nil, err
	}

	if err := RemoveRedisBoth(*batchType); err != nil {
		return batchType, err
	}
	return batchType, nil
}

func GetBatchType(ctx context.Context, id int) (*BatchType, error) {
	return GetResource[BatchType](ctx, id)
}

func GetAllBatchTypes(ctx context.Context) ([]*AllBatchType, error) {
	return ListAllResource[BatchType, AllBatchType](ctx, "name")
}
