package models

import "time"

type AuditCategory string

const (
	AuditCategoryLifecycle   AuditCategory = "LIFECYCLE"
	AuditCategoryTransaction AuditCategory = "TRANSACTION"
	AuditCategoryInventory   AuditCategory = "INVENTORY"
	AuditCategoryKey         AuditCategory = "KEY"
	AuditCategorySecurity    AuditCategory = "SECURITY"
	AuditCategoryIntegrity   AuditCategory = "INTEGRITY"
	AuditCategorySettlement  AuditCategory = "SETTLEMENT"
)

type ActorType string

const (
	ActorSystem   ActorType = "SYSTEM"
	ActorUser     ActorType = "USER"
	ActorAdmin    ActorType = "ADMIN"
	ActorVendor   ActorType = "VENDOR"
	ActorTerminal ActorType = "TERMINAL"
)

// Actor identifies who drove an operation.
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id"`
}

// SystemActor is used for sweeps and internal jobs.
var SystemActor = Actor{Type: ActorSystem, ID: "system"}

// NFCAuditEvent is one append-only audit record.
type NFCAuditEvent struct {
	ID            string        `json:"id"`
	EventCategory AuditCategory `json:"eventCategory"`
	EntityType    string        `json:"entityType"`
	EntityID      string        `json:"entityId"`
	ActorType     ActorType     `json:"actorType"`
	ActorID       string        `json:"actorId"`
	Action        string        `json:"action"`
	OldValues     Metadata      `json:"oldValues,omitempty"`
	NewValues     Metadata      `json:"newValues,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
}
