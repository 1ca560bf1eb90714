package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/steelbooks_backend/config"
	"bitbucket.org/mmdatafocus/steelbooks_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Business struct {
	ID       string `gorm:"primaryKey;size:64" json:"id"`
	Name     string `gorm:"size:100;not null" json:"name" binding:"required"`
	Email    string `gorm:"size:100" json:"email"`
	Phone    string `gorm:"size:20" json:"phone"`
	Address  string `gorm:"size:255" json:"address"`
	Timezone string `gorm:"size:100;default:'Asia/Yangon'" json:"timezone"`
	// QuantityScale is the number of decimal places quantities are rounded
	// to; it also fixes the comparison tolerance at 10^-scale.
	QuantityScale          int             `gorm:"not null;default:3" json:"quantity_scale"`
	GaugeMinValue          decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0.10" json:"gauge_min_value"`
	GaugeMaxValue          decimal.Decimal `gorm:"type:decimal(10,2);not null;default:1.00" json:"gauge_max_value"`
	GaugeEnabledCategories string          `gorm:"size:500" json:"gauge_enabled_categories"` // comma-separated normalized category keys
	IsActive               *bool           `gorm:"not null" json:"is_active"`
	CreatedAt              time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewBusiness struct {
	Name                   string  `json:"name" binding:"required"`
	Email                  string  `json:"email"`
	Phone                  string  `json:"phone"`
	Address                string  `json:"address"`
	Timezone               string  `json:"timezone"`
	QuantityScale          *int    `json:"quantity_scale"`
	GaugeMinValue          *string `json:"gauge_min_value"`
	GaugeMaxValue          *string `json:"gauge_max_value"`
	GaugeEnabledCategories string  `json:"gauge_enabled_categories"`
}

/*
caches:
	Business:$id
*/

func (business *Business) StoreRedis() error {
	return config.SetRedisObject("Business:"+business.ID, business, 0)
}

func (business *Business) RemoveRedis() error {
	return config.RemoveRedisKey("Business:" + business.ID)
}

// GaugeSettings is the injected view of the tenant's gauge configuration
// consumed by the attribute validator (no DB access there).
type GaugeSettings struct {
	MinValue decimal.Decimal
	MaxValue decimal.Decimal
	enabled  map[string]bool
}

func (g GaugeSettings) EnabledFor(categoryName string) bool {
	return g.enabled[utils.NormalizeCategoryKey(categoryName)]
}

func (business *Business) GaugeSettings() GaugeSettings {
	enabled := make(map[string]bool)
	for _, key := range strings.Split(business.GaugeEnabledCategories, ",") {
		key = strings.TrimSpace(key)
		if key != "" {
			enabled[utils.NormalizeCategoryKey(key)] = true
		}
	}
	return GaugeSettings{
		MinValue: business.GaugeMinValue,
		MaxValue: business.GaugeMaxValue,
		enabled:  enabled,
	}
}

func (business *Business) Scale() int32 {
	return int32(business.QuantityScale)
}

func (business *Business) QuantityEpsilon() decimal.Decimal {
	return quantityEpsilon(business.Scale())
}

func (business *Business) RoundQuantity(q decimal.Decimal) decimal.Decimal {
	return roundQuantity(q, business.Scale())
}

func (input *NewBusiness) validate() error {
	if strings.TrimSpace(input.Name) == "" {
		return errors.New("business name is required")
	}
	if input.Email != "" && !utils.IsValidEmail(input.Email) {
		return errors.New("invalid email")
	}
	if input.Phone != "" {
		if err := utils.ValidatePhoneNumber(input.Phone, utils.CountryCode); err != nil {
			return errors.New("invalid phone number")
		}
	}
	if input.QuantityScale != nil && (*input.QuantityScale < 0 || *input.QuantityScale > 6) {
		return errors.New("quantity scale must be between 0 and 6")
	}
	return nil
}

func gaugeRangeFromInput(minStr *string, maxStr *string) (decimal.Decimal, decimal.Decimal, error) {
	gaugeMin := decimal.NewFromFloat(0.10)
	gaugeMax := decimal.NewFromFloat(1.00)
	var err error
	if minStr != nil {
		gaugeMin, err = utils.ParseDecimal(*minStr)
		if err != nil {
			return gaugeMin, gaugeMax, errors.New("invalid gauge min value")
		}
	}
	if maxStr != nil {
		gaugeMax, err = utils.ParseDecimal(*maxStr)
		if err != nil {
			return gaugeMin, gaugeMax, errors.New("invalid gauge max value")
		}
	}
	if gaugeMin.LessThanOrEqual(decimal.Zero) || gaugeMax.LessThanOrEqual(gaugeMin) {
		return gaugeMin, gaugeMax, errors.New("gauge range must satisfy 0 < min < max")
	}
	return gaugeMin.Round(2), gaugeMax.Round(2), nil
}

// CreateBusiness creates the tenant row plus its default branch and batch
// types in one transaction.
func CreateBusiness(ctx context.Context, input *NewBusiness) (*Business, error) {

	if err := input.validate(); err != nil {
		return nil, err
	}
	gaugeMin, gaugeMax, err := gaugeRangeFromInput(input.GaugeMinValue, input.GaugeMaxValue)
	if err != nil {
		return nil, err
	}

	scale := 3
	if input.QuantityScale != nil {
		scale = *input.QuantityScale
	}
	timezone := input.Timezone
	if timezone == "" {
		timezone = "Asia/Yangon"
	}

	BID := uuid.New()
	business := Business{
		ID:                     BID.String(),
		Name:                   input.Name,
		Email:                  input.Email,
		Phone:                  input.Phone,
		Address:                input.Address,
		Timezone:               timezone,
		QuantityScale:          scale,
		GaugeMinValue:          gaugeMin,
		GaugeMaxValue:          gaugeMax,
		GaugeEnabledCategories: input.GaugeEnabledCategories,
		IsActive:               utils.NewTrue(),
	}

	db := config.GetDB()
	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.WithContext(ctx).Create(&business).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	// default branch
	branch := Branch{
		BusinessId: business.ID,
		Name:       "Head Office",
		IsActive:   utils.NewTrue(),
	}
	if err := tx.WithContext(ctx).Create(&branch).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	// default batch types
	for _, bt := range defaultBatchTypes(business.ID) {
		if err := tx.WithContext(ctx).Create(&bt).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	if err := business.StoreRedis(); err != nil {
		return &business, err
	}
	return &business, nil
}

// GetBusinessById fetches the business, redis first.
func GetBusinessById(ctx context.Context, businessId string) (*Business, error) {

	var business Business
	exists, err := config.GetRedisObject("Business:"+businessId, &business)
	if err != nil {
		return nil, err
	}
	if exists {
		return &business, nil
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Model(&Business{}).Where("id = ?", businessId).First(&business).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	if err := business.StoreRedis(); err != nil {
		return &business, err
	}
	return &business, nil
}

// GetBusiness fetches the business owning the current request.
func GetBusiness(ctx context.Context) (*Business, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return GetBusinessById(ctx, businessId)
}

// UpdateBusinessSettings updates the gauge/scale settings and refreshes the cache.
func UpdateBusinessSettings(ctx context.Context, input *NewBusiness) (*Business, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := input.validate(); err != nil {
		return nil, err
	}

	db := config.GetDB()
	var business Business
	if err := db.WithContext(ctx).Model(&Business{}).Where("id = ?", businessId).First(&business).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}

	gaugeMinStr := input.GaugeMinValue
	gaugeMaxStr := input.GaugeMaxValue
	if gaugeMinStr == nil {
		s := business.GaugeMinValue.String()
		gaugeMinStr = &s
	}
	if gaugeMaxStr == nil {
		s := business.GaugeMaxValue.String()
		gaugeMaxStr = &s
	}
	gaugeMin, gaugeMax, err := gaugeRangeFromInput(gaugeMinStr, gaugeMaxStr)
	if err != nil {
		return nil, err
	}

	business.Name = input.Name
	business.Email = input.Email
	business.Phone = input.Phone
	business.Address = input.Address
	if input.Timezone != "" {
		business.Timezone = input.Timezone
	}
	if input.QuantityScale != nil {
		business.QuantityScale = *input.QuantityScale
	}
	business.GaugeMinValue = gaugeMin
	business.GaugeMaxValue = gaugeMax
	business.GaugeEnabledCategories = input.GaugeEnabledCategories

	// db action
	if err := db.WithContext(ctx).Save(&business).Error; err != nil {
		return nil, err
	}
	if err := business.RemoveRedis(); err != nil {
		return &business, err
	}
	return &business, nil
}
