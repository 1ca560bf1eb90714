package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/steelbooks_backend/config"
	"bitbucket.org/mmdatafocus/steelbooks_backend/utils"
)

type Branch struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"size:64;not null;index" json:"business_id"`
	Name       string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Phone      string    `gorm:"size:20" json:"phone"`
	Address    string    `gorm:"size:255" json:"address"`
	City       string    `gorm:"size:100" json:"city"`
	IsActive   *bool     `gorm:"not null" json:"is_active"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewBranch struct {
	Name     string `json:"name" binding:"required"`
	Phone    string `json:"phone"`
	Address  string `json:"address"`
	City     string `json:"city"`
	IsActive *bool  `json:"is_active" binding:"required"`
}

// AllBranch is the slim shape cached for list views.
type AllBranch struct {
	ID         int    `json:"id"`
	BusinessId string `json:"business_id"`
	Name       string `json:"name"`
	City       string `json:"city"`
	IsActive   *bool  `json:"is_active"`
}

func (branch Branch) GetBusinessId() string {
	return branch.BusinessId
}

func (input *NewBranch) validate(ctx context.Context, businessId string, id int) error {
	if input.Phone != "" {
		if err := utils.ValidatePhoneNumber(input.Phone, utils.CountryCode); err != nil {
			return errors.New("invalid phone number")
		}
	}
	if err := utils.ValidateUnique[Branch](ctx, businessId, "name", input.Name, id); err != nil {
		return err
	}
	return nil
}

func CreateBranch(ctx context.Context, input *NewBranch) (*Branch, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := input.validate(ctx, businessId, 0); err != nil {
		return nil, err
	}

	branch := Branch{
		BusinessId: businessId,
		Name:       input.Name,
		Phone:      input.Phone,
		Address:    input.Address,
		City:       input.City,
		IsActive:   input.IsActive,
	}

	// db action
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&branch).Error; err != nil {
		return nil, err
	}

	if err := RemoveRedisBoth(branch); err != nil {
		return &branch, err
	}
	return &branch, nil
}

func UpdateBranch(ctx context.Context, id int, input *NewBranch) (*Branch, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := input.validate(ctx, businessId, id); err != nil {
		return nil, err
	}

	branch, err := utils.FetchModel[Branch](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	branch.Name = input.Name
	branch.Phone = input.Phone
	branch.Address = input.Address
	branch.City = input.City
	branch.IsActive = input.IsActive

	// db action
	db := config.GetDB()
	if err := db.WithContext(ctx).Save(branch).Error; err != nil {
		return nil, err
	}

	if err := RemoveRedisBoth(*branch); err != nil {
		return branch, err
	}
	return branch, nil
}

func DeleteBranch(ctx context.Context, id int) (*Branch, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	branch, err := utils.FetchModel[Branch](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	// a branch that still owns batches cannot be removed
	count, err := utils.ResourceCountWhere[InventoryBatch](ctx, businessId, "branch_id = ?", id)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, errors.New("branch still owns inventory batches")
	}

	// db action
	db := config.GetDB()
	if err := db.WithContext(ctx).Delete(branch).Error; err != nil {
		return nil, err
	}

	if err := RemoveRedisBoth(*branch); err != nil {
		return branch, err
	}
	return branch, nil
}

func GetBranch(ctx context.Context, id int) (*Branch, error) {
	return GetResource[Branch](ctx, id)
}

func GetAllBranches(ctx context.Context) ([]*AllBranch, error) {
	return ListAllResource[Branch, AllBranch](ctx, "name")
}

func ToggleActiveBranch(ctx context.Context, id int, isActive bool) (*Branch, error) {
	businessId, _ := utils.GetBusinessIdFromContext(ctx)
	return ToggleActiveModel[Branch](ctx, businessId, id, isActive)
}
