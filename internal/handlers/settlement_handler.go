package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ruralpay/cardengine/internal/logger"
	"github.com/ruralpay/cardengine/internal/services"
)

type SettlementHandler struct {
	engine *services.Engine
}

func NewSettlementHandler(engine *services.Engine) *SettlementHandler {
	return &SettlementHandler{engine: engine}
}

// SettleRequest closes the captured transactions of one currency.
// @Description Settlement run request
type SettleRequest struct {
	Currency string `json:"currency" example:"NGN"`
	// Cutoff defaults to now.
	Cutoff *time.Time `json:"cutoff,omitempty"`
}

// StatusRequest carries the clearing house's verdict on a batch.
// @Description Settlement status request
type StatusRequest struct {
	Status string `json:"status" example:"ACSC"`
}

// Settle runs settlement for a currency
// @Summary Run settlement
// @Tags Settlement
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body SettleRequest true "Settlement run"
// @Success 201 {object} models.SettlementBatch
// @Failure 409 {object} ErrorResponse
// @Router /admin/settlements [post]
func (h *SettlementHandler) Settle(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Currency) != 3 {
		SendErrorResponse(w, "Validation failed", "VALIDATION_FAILED", http.StatusBadRequest,
			map[string]string{"Currency": "Field Validation Failed on 'len' tag"})
		return
	}
	cutoff := time.Now().UTC()
	if req.Cutoff != nil {
		cutoff = *req.Cutoff
	}

	batch, err := h.engine.Settlement.Settle(r.Context(), req.Currency, cutoff, adminActor(r))
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	logger.Log.Info("[SETTLEMENT] batch created over http", zap.String("batchId", batch.ID))
	writeJSON(w, http.StatusCreated, batch)
}

// GetBatch returns a settlement batch
// @Summary Get settlement batch
// @Tags Settlement
// @Produce json
// @Security BearerAuth
// @Param batchId path string true "Batch ID"
// @Success 200 {object} models.SettlementBatch
// @Failure 404 {object} ErrorResponse
// @Router /admin/settlements/{batchId} [get]
func (h *SettlementHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.engine.Settlement.GetBatch(r.Context(), pathParam(r, "batchId"))
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// ExportPacs008 renders the batch as an ISO 20022 credit transfer
// @Summary Export pacs.008
// @Tags Settlement
// @Produce xml
// @Security BearerAuth
// @Param batchId path string true "Batch ID"
// @Success 200 {string} string "pacs.008 document"
// @Failure 404 {object} ErrorResponse
// @Router /admin/settlements/{batchId}/pacs008 [get]
func (h *SettlementHandler) ExportPacs008(w http.ResponseWriter, r *http.Request) {
	doc, err := h.engine.Settlement.ExportBatch(r.Context(), pathParam(r, "batchId"))
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeXML(w, doc)
}

// StatusReport renders a pacs.002 status report for the batch
// @Summary Export pacs.002
// @Tags Settlement
// @Accept json
// @Produce xml
// @Security BearerAuth
// @Param batchId path string true "Batch ID"
// @Param request body StatusRequest true "Group status"
// @Success 200 {string} string "pacs.002 document"
// @Failure 400 {object} ErrorResponse
// @Router /admin/settlements/{batchId}/status [post]
func (h *SettlementHandler) StatusReport(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	switch req.Status {
	case "ACSC", "ACCP", "RJCT", "PDNG":
	default:
		SendErrorResponse(w, "status must be ACSC, ACCP, RJCT or PDNG", "VALIDATION_FAILED", http.StatusBadRequest, nil)
		return
	}

	doc, err := h.engine.Settlement.StatusReport(r.Context(), pathParam(r, "batchId"), req.Status)
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeXML(w, doc)
}

func writeXML(w http.ResponseWriter, doc string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(doc)); err != nil {
		logger.Log.Warn("[HTTP] failed to write xml", zap.Error(err))
	}
}
