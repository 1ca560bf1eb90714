package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/steelbooks_backend/config"
	"bitbucket.org/mmdatafocus/steelbooks_backend/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OutboxDispatcher drains the inventory stream outbox: it claims committed
// records, publishes them to Pub/Sub, and records delivery state. Multiple
// instances cooperate via SKIP LOCKED claims plus a stale-lock reclaim, so
// a dispatcher dying mid-batch never strands its rows.
type OutboxDispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	DispatcherID string

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
}

func NewOutboxDispatcher(db *gorm.DB, logger *logrus.Logger) *OutboxDispatcher {
	return &OutboxDispatcher{
		DB:             db,
		Logger:         logger,
		DispatcherID:   uuid.NewString(),
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		records := d.claimBatch(ctx)
		for _, rec := range records {
			d.publishOne(ctx, rec)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// claimBatch marks a batch of due records PROCESSING for this dispatcher
// inside one transaction. Poisoned rows (attempts exhausted) go DEAD during
// the claim so they never reach the publisher.
func (d *OutboxDispatcher) claimBatch(ctx context.Context) []models.PubSubMessageRecord {
	if d.DB == nil {
		return nil
	}
	now := time.Now().UTC()
	staleBefore := now.Add(-d.LockTimeout)

	var claimed []models.PubSubMessageRecord
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// due = PENDING/FAILED whose retry time has come, or PROCESSING
		// rows whose lock went stale
		q := tx.
			Where("is_processed = 0").
			Where(`(publish_status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?))
				OR (publish_status = ? AND locked_at IS NOT NULL AND locked_at <= ?)`,
				[]string{models.OutboxPublishStatusPending, models.OutboxPublishStatusFailed}, now,
				models.OutboxPublishStatusProcessing, staleBefore).
			Order("id ASC").
			Limit(d.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}

		for i := range claimed {
			rec := &claimed[i]
			if d.MaxAttempts > 0 && rec.PublishAttempts >= d.MaxAttempts {
				msg := fmt.Sprintf("max publish attempts exceeded (%d)", d.MaxAttempts)
				rec.PublishStatus = models.OutboxPublishStatusDead
				if err := tx.Model(&models.PubSubMessageRecord{}).Where("id = ?", rec.ID).Updates(map[string]interface{}{
					"publish_status":     models.OutboxPublishStatusDead,
					"last_publish_error": &msg,
					"next_attempt_at":    nil,
					"locked_at":          nil,
					"locked_by":          nil,
				}).Error; err != nil {
					return err
				}
				continue
			}

			rec.PublishStatus = models.OutboxPublishStatusProcessing
			rec.PublishAttempts++
			if err := tx.Model(&models.PubSubMessageRecord{}).Where("id = ?", rec.ID).Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusProcessing,
				"locked_at":          &now,
				"locked_by":          &d.DispatcherID,
				"publish_attempts":   gorm.Expr("publish_attempts + 1"),
				"last_publish_error": nil,
				"next_attempt_at":    nil,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if d.Logger != nil {
			d.Logger.WithFields(logrus.Fields{
				"field": "OutboxDispatcher",
			}).Error("outbox claim failed: " + err.Error())
		}
		return nil
	}
	return claimed
}

func (d *OutboxDispatcher) publishOne(ctx context.Context, rec models.PubSubMessageRecord) {
	// rows parked DEAD during the claim stay parked
	if rec.PublishStatus == models.OutboxPublishStatusDead {
		return
	}

	msg := models.ConvertToPubSubMessage(rec)
	pubID, err := config.PublishInventoryStreamWithResult(ctx, rec.BusinessId, msg)
	if err != nil {
		d.markFailed(ctx, rec, err)
		return
	}
	d.markSent(ctx, rec.ID, pubID)
}

func (d *OutboxDispatcher) markSent(ctx context.Context, recordID int, pubsubMsgID string) {
	now := time.Now().UTC()
	_ = d.DB.WithContext(ctx).Model(&models.PubSubMessageRecord{}).
		Where("id = ?", recordID).
		Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusSent,
			"published_at":       &now,
			"pub_sub_message_id": &pubsubMsgID,
			"is_processed":       true,
			"locked_at":          nil,
			"locked_by":          nil,
			"next_attempt_at":    nil,
		}).Error
}

func (d *OutboxDispatcher) markFailed(ctx context.Context, rec models.PubSubMessageRecord, pubErr error) {
	now := time.Now().UTC()
	msg := pubErr.Error()

	// terminal after MaxAttempts (DLQ equivalent)
	if d.MaxAttempts > 0 && rec.PublishAttempts >= d.MaxAttempts {
		_ = d.DB.WithContext(ctx).Model(&models.PubSubMessageRecord{}).
			Where("id = ?", rec.ID).
			Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusDead,
				"last_publish_error": &msg,
				"next_attempt_at":    nil,
				"locked_at":          nil,
				"locked_by":          nil,
			}).Error
		if d.Logger != nil {
			d.Logger.WithFields(logrus.Fields{
				"field":       "OutboxDispatcher",
				"business_id": rec.BusinessId,
				"record_id":   rec.ID,
				"attempt":     rec.PublishAttempts,
			}).Error("outbox publish moved to DEAD after max attempts: " + msg)
		}
		return
	}

	backoff := d.InitialBackoff
	for i := 1; i < rec.PublishAttempts; i++ {
		backoff *= 2
		if backoff > 10*time.Minute {
			backoff = 10 * time.Minute
			break
		}
	}
	next := now.Add(backoff)
	_ = d.DB.WithContext(ctx).Model(&models.PubSubMessageRecord{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusFailed,
			"last_publish_error": &msg,
			"next_attempt_at":    &next,
			"locked_at":          nil,
			"locked_by":          nil,
		}).Error

	if d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"field":           "OutboxDispatcher",
			"business_id":     rec.BusinessId,
			"record_id":       rec.ID,
			"attempt":         rec.PublishAttempts,
			"next_attempt_at": next.Format(time.RFC3339Nano),
		}).Error("outbox publish failed: " + msg)
	}
}
