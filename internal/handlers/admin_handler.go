package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/ruralpay/cardengine/internal/middleware"
	"github.com/ruralpay/cardengine/internal/models"
	"github.com/ruralpay/cardengine/internal/services"
)

// AdminHandler serves issuer operations: programs, inventory, card
// lifecycle, adjustments, fraud rules and keys.
type AdminHandler struct {
	engine *services.Engine
}

func NewAdminHandler(engine *services.Engine) *AdminHandler {
	return &AdminHandler{engine: engine}
}

func adminActor(r *http.Request) models.Actor {
	actor, err := middleware.ActorFrom(r.Context())
	if err != nil {
		return models.Actor{Type: models.ActorSystem, ID: "unknown"}
	}
	return actor
}

// CreateProgram stores a draft program
// @Summary Create card program
// @Tags Programs
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body models.CardProgram true "Program"
// @Success 201 {object} models.CardProgram
// @Failure 400 {object} ErrorResponse
// @Router /admin/programs [post]
func (h *AdminHandler) CreateProgram(w http.ResponseWriter, r *http.Request) {
	var p models.CardProgram
	if !decodeJSON(w, r, &p) {
		return
	}
	created, err := h.engine.Programs.CreateProgram(r.Context(), &p, adminActor(r))
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// UpdateProgram edits a draft program
// @Summary Update card program
// @Tags Programs
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param programId path string true "Program ID"
// @Param request body models.CardProgram true "Program"
// @Success 200 {object} models.CardProgram
// @Failure 409 {object} ErrorResponse
// @Router /admin/programs/{programId} [put]
func (h *AdminHandler) UpdateProgram(w http.ResponseWriter, r *http.Request) {
	var p models.CardProgram
	if !decodeJSON(w, r, &p) {
		return
	}
	p.ID = pathParam(r, "programId")
	updated, err := h.engine.Programs.UpdateProgram(r.Context(), &p, adminActor(r))
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// PublishProgram freezes a program so batches can be made from it
// @Summary Publish card program
// @Tags Programs
// @Produce json
// @Security BearerAuth
// @Param programId path string true "Program ID"
// @Success 200 {object} models.CardProgram
// @Router /admin/programs/{programId}/publish [post]
func (h *AdminHandler) PublishProgram(w http.ResponseWriter, r *http.Request) {
	h.programAction(w, r, h.engine.Programs.PublishProgram)
}

// RetireProgram stops new batches for a program
// @Summary Retire card program
// @Tags Programs
// @Produce json
// @Security BearerAuth
// @Param programId path string true "Program ID"
// @Success 200 {object} models.CardProgram
// @Router /admin/programs/{programId}/retire [post]
func (h *AdminHandler) RetireProgram(w http.ResponseWriter, r *http.Request) {
	h.programAction(w, r, h.engine.Programs.RetireProgram)
}

func (h *AdminHandler) programAction(w http.ResponseWriter, r *http.Request,
	fn func(context.Context, string, models.Actor) (*models.CardProgram, error)) {
	p, err := fn(r.Context(), pathParam(r, "programId"), adminActor(r))
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetProgram returns one program
// @Summary Get card program
// @Tags Programs
// @Produce json
// @Security BearerAuth
// @Param programId path string true "Program ID"
// @Success 200 {object} models.CardProgram
// @Failure 404 {object} ErrorResponse
// @Router /admin/programs/{programId} [get]
func (h *AdminHandler) GetProgram(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Programs.GetProgram(r.Context(), pathParam(r, "programId"))
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListPrograms returns every program
// @Summary List card programs
// @Tags Programs
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{programs=[]models.CardProgram}
// @Router /admin/programs [get]
func (h *AdminHandler) ListPrograms(w http.ResponseWriter, r *http.Request) {
	programs, err := h.engine.Programs.ListPrograms(r.Context())
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"programs": programs})
}

// CreateBatch reserves a sequence range under a published program
// @Summary Create card batch
// @Tags Inventory
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.CreateBatchRequest true "Batch"
// @Success 201 {object} models.CardBatch
// @Failure 409 {object} ErrorResponse
// @Router /admin/batches [post]
func (h *AdminHandler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req services.CreateBatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	batch, err := h.engine.Inventory.CreateBatch(r.Context(), req, adminActor(r))
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, batch)
}

// ListBatches returns every batch
// @Summary List card batches
// @Tags Inventory
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{batches=[]models.CardBatch}
// @Router /admin/batches [get]
func (h *AdminHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.engine.Inventory.ListBatches(r.Context())
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

// GetBatch returns one batch with its counters
// @Summary Get card batch
// @Tags Inventory
// @Produce json
// @Security BearerAuth
// @Param batchId path string true "Batch ID"
// @Success 200 {object} models.CardBatch
// @Router /admin/batches/{batchId} [get]
func (h *AdminHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.engine.Inventory.GetBatch(r.Context(), pathParam(r, "batchId"))
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// ProvisionCard personalises one card of a batch
// @Summary Provision card
// @Tags Inventory
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param batchId path string true "Batch ID"
// @Param request body services.ProvisionCardRequest true "Card"
// @Success 201 {object} models.PrepaidCard
// @Failure 409 {object} ErrorResponse
// @Router /admin/batches/{batchId}/cards [post]
func (h *AdminHandler) ProvisionCard(w http.ResponseWriter, r *http.Request) {
	var req services.ProvisionCardRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.BatchID = pathParam(r, "batchId")
	card, err := h.engine.Inventory.ProvisionCard(r.Context(), req, adminActor(r))
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, card)
}

// IssueCards moves every provisioned card of a batch into the warehouse
// @Summary Issue batch to warehouse
// @Tags Inventory
// @Produce json
// @Security BearerAuth
// @Param batchId path string true "Batch ID"
// @Success 200 {object} object{issued=int}
// @Router /admin/batches/{batchId}/issue [post]
func (h *AdminHandler) IssueCards(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.Inventory.IssueCards(r.Context(), pathParam(r, "batchId"), adminActor(r))
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"issued": n})
}

// CreateVendor registers a vendor
// @Summary Create vendor
// @Tags Inventory
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.CreateVendorRequest true "Vendor"
// @Success 201 {object} models.Vendor
// @Router /admin/vendors [post]
func (h *AdminHandler) CreateVendor(w http.ResponseWriter, r *http.Request) {
	var req services.CreateVendorRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	vendor, err := h.engine.Inventory.CreateVendor(r.Context(), req, adminActor(r))
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, vendor)
}

// AssignInventory hands a sequence range to a vendor
// @Summary Assign inventory
// @Tags Inventory
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param vendorId path string true "Vendor ID"
// @Param request body services.AssignInventoryRequest true "Range"
// @Success 201 {object} models.VendorInventory
// @Failure 409 {object} ErrorResponse
// @Router /admin/vendors/{vendorId}/inventory [post]
func (h *AdminHandler) AssignInventory(w http.ResponseWriter, r *http.Request) {
	var req services.AssignInventoryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.VendorID = pathParam(r, "vendorId")
	inv, err := h.engine.Inventory.AssignInventory(r.Context(), req, adminActor(r))
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

// ReconcileVendor reports custody and sales for a period
// @Summary Reconcile vendor
// @Tags Inventory
// @Produce json
// @Security BearerAuth
// @Param vendorId path string true "Vendor ID"
// @Param from query string true "RFC3339 period start"
// @Param to query string true "RFC3339 period end"
// @Success 200 {object} models.VendorReconciliation
// @Failure 400 {object} ErrorResponse
// @Router /admin/vendors/{vendorId}/reconciliation [get]
func (h *AdminHandler) ReconcileVendor(w http.ResponseWriter, r *http.Request) {
	from, errFrom := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	to, errTo := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if errFrom != nil || errTo != nil || !from.Before(to) {
		SendErrorResponse(w, "from and to must be RFC3339 with from before to", "INVALID_REQUEST", http.StatusBadRequest, nil)
		return
	}
	rec, err := h.engine.Inventory.ReconcileVendor(r.Context(), pathParam(r, "vendorId"), from, to, adminActor(r))
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ChangeCardState applies an operator lifecycle action
// @Summary Change card state
// @Description action is one of suspend, reinstate, block, destroy, defective
// @Tags Cards
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param cardId path string true "Card ID"
// @Param action path string true "Lifecycle action"
// @Param request body ReasonRequest true "Reason"
// @Success 200 {object} models.PrepaidCard
// @Failure 409 {object} ErrorResponse
// @Router /admin/cards/{cardId}/{action} [post]
func (h *AdminHandler) ChangeCardState(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx, cardID, actor := r.Context(), pathParam(r, "cardId"), adminActor(r)

	var (
		card *models.PrepaidCard
		err  error
	)
	switch pathParam(r, "action") {
	case "suspend":
		card, err = h.engine.Lifecycle.Suspend(ctx, cardID, req.Reason, actor)
	case "reinstate":
		card, err = h.engine.Lifecycle.Reinstate(ctx, cardID, req.Reason, actor)
	case "block":
		card, err = h.engine.Lifecycle.Block(ctx, cardID, req.Reason, actor)
	case "destroy":
		card, err = h.engine.Lifecycle.Destroy(ctx, cardID, req.Reason, actor)
	case "defective":
		card, err = h.engine.Inventory.MarkDefective(ctx, cardID, req.Reason, actor)
	default:
		SendErrorResponse(w, "Unknown lifecycle action", "INVALID_REQUEST", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

// ReplaceCard moves a card's balance onto a new card
// @Summary Replace card
// @Tags Cards
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param cardId path string true "Card ID"
// @Param request body services.ReplaceCardRequest true "Replacement"
// @Success 200 {object} services.ReplacementResult
// @Failure 422 {object} ErrorResponse
// @Router /admin/cards/{cardId}/replace [post]
func (h *AdminHandler) ReplaceCard(w http.ResponseWriter, r *http.Request) {
	var req services.ReplaceCardRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.CardID = pathParam(r, "cardId")
	res, err := h.engine.Replacement.Replace(r.Context(), req, adminActor(r))
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RekeyCard derives a fresh card key after a key revocation
// @Summary Rekey card
// @Tags Cards
// @Produce json
// @Security BearerAuth
// @Param cardId path string true "Card ID"
// @Success 200 {object} models.KeyReference
// @Router /admin/cards/{cardId}/rekey [post]
func (h *AdminHandler) RekeyCard(w http.ResponseWriter, r *http.Request) {
	key, err := h.engine.Lifecycle.RekeyCard(r.Context(), pathParam(r, "cardId"), adminActor(r))
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// ReverseTransaction voids an authorization or capture
// @Summary Reverse transaction
// @Tags Transactions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param txId path string true "Transaction ID"
// @Param request body services.ReverseRequest true "Reversal"
// @Success 200 {object} models.Transaction
// @Failure 409 {object} ErrorResponse
// @Router /admin/transactions/{txId}/reverse [post]
func (h *AdminHandler) ReverseTransaction(w http.ResponseWriter, r *http.Request) {
	var req services.ReverseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.TransactionID = pathParam(r, "txId")
	txn, err := h.engine.Authorization.Reverse(r.Context(), req, adminActor(r))
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

// RefundTransaction returns part or all of a purchase to the card
// @Summary Refund transaction
// @Tags Transactions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param txId path string true "Transaction ID"
// @Param request body services.RefundRequest true "Refund"
// @Success 200 {object} models.Transaction
// @Failure 422 {object} ErrorResponse
// @Router /admin/transactions/{txId}/refund [post]
func (h *AdminHandler) RefundTransaction(w http.ResponseWriter, r *http.Request) {
	var req services.RefundRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.TransactionID = pathParam(r, "txId")
	txn, err := h.engine.Authorization.Refund(r.Context(), req, adminActor(r))
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

// ConfirmReload settles a pending bank transfer reload
// @Summary Confirm pending reload
// @Tags Transactions
// @Produce json
// @Security BearerAuth
// @Param txId path string true "Transaction ID"
// @Success 200 {object} models.Transaction
// @Failure 409 {object} ErrorResponse
// @Router /admin/reloads/{txId}/confirm [post]
func (h *AdminHandler) ConfirmReload(w http.ResponseWriter, r *http.Request) {
	txn, err := h.engine.Reloads.ConfirmPendingReload(r.Context(), pathParam(r, "txId"), adminActor(r))
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

// FailReload drops a pending bank transfer reload
// @Summary Fail pending reload
// @Tags Transactions
// @Produce json
// @Security BearerAuth
// @Param txId path string true "Transaction ID"
// @Success 200 {object} models.Transaction
// @Failure 409 {object} ErrorResponse
// @Router /admin/reloads/{txId}/fail [post]
func (h *AdminHandler) FailReload(w http.ResponseWriter, r *http.Request) {
	txn, err := h.engine.Reloads.FailPendingReload(r.Context(), pathParam(r, "txId"), adminActor(r))
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

// ListFraudRules returns the rule set
// @Summary List fraud rules
// @Tags Fraud
// @Produce json
// @Security BearerAuth
// @Param active query bool false "Only active rules"
// @Success 200 {object} object{rules=[]models.FraudRule}
// @Router /admin/fraud-rules [get]
func (h *AdminHandler) ListFraudRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.engine.FraudRules.ListRules(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

// UpsertFraudRule creates or replaces a rule
// @Summary Upsert fraud rule
// @Tags Fraud
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param ruleId path string true "Rule ID"
// @Param request body models.FraudRule true "Rule"
// @Success 200 {object} models.FraudRule
// @Failure 400 {object} ErrorResponse
// @Router /admin/fraud-rules/{ruleId} [put]
func (h *AdminHandler) UpsertFraudRule(w http.ResponseWriter, r *http.Request) {
	var rule models.FraudRule
	if !decodeJSON(w, r, &rule) {
		return
	}
	rule.ID = pathParam(r, "ruleId")
	if err := h.engine.FraudRules.UpsertRule(r.Context(), &rule, adminActor(r)); err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// ListKeys returns the key reference registry
// @Summary List key references
// @Tags Keys
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{keys=[]models.KeyReference}
// @Router /admin/keys [get]
func (h *AdminHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.engine.Keys.List(r.Context())
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

// RevokeKey revokes a key and, through the chain, every key under it
// @Summary Revoke key
// @Tags Keys
// @Produce json
// @Security BearerAuth
// @Param keyId path string true "Key ID"
// @Success 200 {object} models.KeyReference
// @Failure 409 {object} ErrorResponse
// @Router /admin/keys/{keyId}/revoke [post]
func (h *AdminHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.engine.Keys.Revoke(r.Context(), pathParam(r, "keyId"), adminActor(r))
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}
