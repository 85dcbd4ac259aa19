package models

import "time"

type KeyType string

const (
	KeyTypeIssuerMaster   KeyType = "ISSUER_MASTER"
	KeyTypeBatchMaster    KeyType = "BATCH_MASTER"
	KeyTypeCardAuth       KeyType = "CARD_AUTH"
	KeyTypeOfflineSigning KeyType = "OFFLINE_SIGNING"
)

type KeyStatus string

const (
	KeyStatusActive    KeyStatus = "ACTIVE"
	KeyStatusSuspended KeyStatus = "SUSPENDED"
	KeyStatusRevoked   KeyStatus = "REVOKED"
	KeyStatusExpired   KeyStatus = "EXPIRED"
)

// KeyReference is an opaque handle to key material held by the HSM.
type KeyReference struct {
	KeyID       string     `json:"keyId" db:"key_id"`
	KeyType     KeyType    `json:"keyType" db:"key_type"`
	HSMSlotID   string     `json:"hsmSlotId" db:"hsm_slot_id"`
	ParentKeyID string     `json:"parentKeyId,omitempty" db:"parent_key_id"`
	Status      KeyStatus  `json:"status" db:"status"`
	KeyVersion  int        `json:"keyVersion" db:"key_version"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty" db:"expires_at"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time  `json:"updatedAt" db:"updated_at"`
}
