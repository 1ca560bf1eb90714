package models

type UserRole string

const (
	UserRoleAdmin UserRole = "A"
	UserRoleOwner UserRole = "O"
	UserRoleClerk UserRole = "C"
)

type ProductType string

const (
	ProductTypeStandard     ProductType = "S"
	ProductTypeCompound     ProductType = "C"
	ProductTypeRawTracked   ProductType = "R"
	ProductTypeManufactured ProductType = "M"
)

type BatchStatus string

const (
	BatchStatusInStock  BatchStatus = "IS"
	BatchStatusDepleted BatchStatus = "DP"
	BatchStatusScrapped BatchStatus = "SC"
)

// InventoryReferenceType identifies the source record of an outbox message.
type InventoryReferenceType string

const (
	InventoryReferenceTypeBatch      InventoryReferenceType = "BAT"
	InventoryReferenceTypeAssignment InventoryReferenceType = "ASG"
	InventoryReferenceTypeReversal   InventoryReferenceType = "RVS"
	InventoryReferenceTypeTransfer   InventoryReferenceType = "TRF"
	InventoryReferenceTypeScrap      InventoryReferenceType = "SCR"
)

type PubSubMessageAction string

const (
	PubSubMessageActionCreate PubSubMessageAction = "C"
	PubSubMessageActionUpdate PubSubMessageAction = "U"
	PubSubMessageActionDelete PubSubMessageAction = "D"
)

const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)
