package handlers

import (
	"context"
	"net/http"

	"github.com/ruralpay/cardengine/internal/middleware"
	"github.com/ruralpay/cardengine/internal/models"
	"github.com/ruralpay/cardengine/internal/services"
)

// VendorHandler serves the point-of-sale side of card distribution.
// A VENDOR caller always acts on its own inventory.
type VendorHandler struct {
	engine *services.Engine
}

func NewVendorHandler(engine *services.Engine) *VendorHandler {
	return &VendorHandler{engine: engine}
}

func vendorActor(w http.ResponseWriter, r *http.Request) (models.Actor, bool) {
	actor, err := middleware.ActorFrom(r.Context())
	if err != nil {
		SendErrorResponse(w, "Unauthorized", "UNAUTHORIZED", http.StatusUnauthorized, nil)
		return models.Actor{}, false
	}
	return actor, true
}

// RecordSale sells a card over the counter
// @Summary Record vendor sale
// @Description Sell a card from the vendor's inventory and return its activation packet
// @Tags Vendors
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.VendorSaleRequest true "Sale request"
// @Success 200 {object} services.ActivationPacket
// @Failure 409 {object} ErrorResponse
// @Router /vendor/sales [post]
func (h *VendorHandler) RecordSale(w http.ResponseWriter, r *http.Request) {
	var req services.VendorSaleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	actor, ok := vendorActor(w, r)
	if !ok {
		return
	}
	if actor.Type == models.ActorVendor {
		req.VendorID = actor.ID
	}

	packet, err := h.engine.Inventory.RecordVendorSale(r.Context(), req, actor)
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, packet)
}

// ReturnCard sends an unsold card back to the warehouse
// @Summary Return card
// @Tags Vendors
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.InventoryAdjustmentRequest true "Return request"
// @Success 200 {object} object{success=bool}
// @Failure 409 {object} ErrorResponse
// @Router /vendor/returns [post]
func (h *VendorHandler) ReturnCard(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, h.engine.Inventory.ReturnCard)
}

// RecordDamaged writes off a damaged card
// @Summary Record damaged card
// @Tags Vendors
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.InventoryAdjustmentRequest true "Damage report"
// @Success 200 {object} object{success=bool}
// @Failure 409 {object} ErrorResponse
// @Router /vendor/damaged [post]
func (h *VendorHandler) RecordDamaged(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, h.engine.Inventory.RecordDamaged)
}

func (h *VendorHandler) adjust(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, req services.InventoryAdjustmentRequest, actor models.Actor) error) {
	var req services.InventoryAdjustmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	actor, ok := vendorActor(w, r)
	if !ok {
		return
	}
	if actor.Type == models.ActorVendor {
		req.VendorID = actor.ID
	}
	if err := fn(r.Context(), req, actor); err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// AgentReload records cash an agent took for a reload
// @Summary Agent cash reload
// @Description Credit a card against the agent's cash float
// @Tags Vendors
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.ReloadCardRequest true "Reload request"
// @Success 200 {object} models.Transaction
// @Failure 422 {object} ErrorResponse
// @Router /vendor/reloads [post]
func (h *VendorHandler) AgentReload(w http.ResponseWriter, r *http.Request) {
	var req services.ReloadCardRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	actor, ok := vendorActor(w, r)
	if !ok {
		return
	}
	req.SourceType = services.SourceAgentCash
	if actor.Type == models.ActorVendor {
		req.AgentID = actor.ID
	}

	txn, err := h.engine.Reloads.Reload(r.Context(), req, actor)
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}
