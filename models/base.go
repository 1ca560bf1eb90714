package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/steelbooks_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PublishToInventoryStream implements the transactional outbox:
// it writes the message record inside the caller's DB transaction but does NOT publish to Pub/Sub.
// Publishing is performed asynchronously by the outbox dispatcher after commit.
func PublishToInventoryStream(ctx context.Context, db *gorm.DB, businessId string, transactionDateTime time.Time, refId int, refType InventoryReferenceType, obj interface{}, oldObj interface{}, msgAction PubSubMessageAction) error {

	var objInByte []byte
	var oldObjInByte []byte
	var err error

	if msgAction == PubSubMessageActionCreate || msgAction == PubSubMessageActionUpdate {
		objInByte, err = json.Marshal(obj)
		if err != nil {
			return err
		}
	}
	if msgAction == PubSubMessageActionUpdate || msgAction == PubSubMessageActionDelete {
		oldObjInByte, err = json.Marshal(oldObj)
		if err != nil {
			return err
		}
	}

	record := PubSubMessageRecord{
		BusinessId:          businessId,
		TransactionDateTime: transactionDateTime,
		ReferenceId:         refId,
		ReferenceType:       refType,
		Action:              msgAction,
		NewObj:              objInByte,
		OldObj:              oldObjInByte,
		IsProcessed:         false,
		PublishStatus:       OutboxPublishStatusPending,
		CorrelationId:       correlationIdFromContextOrNew(ctx),
	}
	err = db.Create(&record).Error
	if err != nil {
		return err
	}
	return nil
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

// getBusinessSettings loads the tenant's settings row for the batch write
// path (quantity scale, gauge thresholds). Redis-first via GetBusinessById.
func getBusinessSettings(ctx context.Context) (*Business, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return GetBusinessById(ctx, businessId)
}

func roundQuantity(q decimal.Decimal, scale int32) decimal.Decimal {
	return q.Round(scale)
}

// quantityEpsilon is the tolerance used when comparing planned totals to
// required quantities: one unit of the least significant digit, 10^-scale.
func quantityEpsilon(scale int32) decimal.Decimal {
	return decimal.New(1, -scale)
}
