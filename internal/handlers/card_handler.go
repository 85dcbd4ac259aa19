package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ruralpay/cardengine/internal/middleware"
	"github.com/ruralpay/cardengine/internal/models"
	"github.com/ruralpay/cardengine/internal/services"
)

// CardHandler serves cardholder operations.
type CardHandler struct {
	engine *services.Engine
}

func NewCardHandler(engine *services.Engine) *CardHandler {
	return &CardHandler{engine: engine}
}

// ReasonRequest carries the operator or cardholder's reason for a change.
// @Description Reason request structure
type ReasonRequest struct {
	Reason string `json:"reason" example:"lost at market"`
}

// ownedCard loads the path card and checks a USER caller owns it.
func (h *CardHandler) ownedCard(w http.ResponseWriter, r *http.Request) (*models.PrepaidCard, *middleware.Claims, bool) {
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", "UNAUTHORIZED", http.StatusUnauthorized, nil)
		return nil, nil, false
	}
	card, err := h.engine.Store().GetCard(r.Context(), pathParam(r, "cardId"))
	if err != nil {
		sendServiceError(w, r, err)
		return nil, nil, false
	}
	if claims.Role == middleware.RoleUser && card.UserID != claims.Subject {
		sendServiceError(w, r, services.ErrCardOwnership)
		return nil, nil, false
	}
	return card, claims, true
}

// Activate binds a sold card to the caller
// @Summary Activate card
// @Description Check the activation code and card response, then bind the card to its owner and wallet
// @Tags Cards
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.ActivateCardRequest true "Activation request"
// @Success 200 {object} services.ActivationResult
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Failure 423 {object} ErrorResponse
// @Router /cards/activate [post]
func (h *CardHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req services.ActivateCardRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	actor, err := middleware.ActorFrom(r.Context())
	if err != nil {
		SendErrorResponse(w, "Unauthorized", "UNAUTHORIZED", http.StatusUnauthorized, nil)
		return
	}
	if actor.Type == models.ActorUser {
		req.UserID = actor.ID
	}

	res, err := h.engine.Activation.Activate(r.Context(), req, actor)
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetCard returns one card
// @Summary Get card
// @Tags Cards
// @Produce json
// @Security BearerAuth
// @Param cardId path string true "Card ID"
// @Success 200 {object} models.PrepaidCard
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /cards/{cardId} [get]
func (h *CardHandler) GetCard(w http.ResponseWriter, r *http.Request) {
	card, _, ok := h.ownedCard(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, card)
}

// ListTransactions returns the card's ledger, newest first
// @Summary List card transactions
// @Tags Cards
// @Produce json
// @Security BearerAuth
// @Param cardId path string true "Card ID"
// @Param since query string false "RFC3339 lower bound"
// @Param limit query int false "Maximum rows" default(50)
// @Success 200 {object} object{transactions=[]models.Transaction}
// @Failure 400 {object} ErrorResponse
// @Router /cards/{cardId}/transactions [get]
func (h *CardHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	card, _, ok := h.ownedCard(w, r)
	if !ok {
		return
	}

	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			SendErrorResponse(w, "since must be RFC3339", "INVALID_REQUEST", http.StatusBadRequest, nil)
			return
		}
		since = t
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 500 {
			SendErrorResponse(w, "limit must be between 1 and 500", "INVALID_REQUEST", http.StatusBadRequest, nil)
			return
		}
		limit = n
	}

	txns, err := h.engine.Store().ListTransactionsByCard(r.Context(), card.ID, since, limit)
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txns})
}

// Reload credits the card
// @Summary Reload card
// @Description Move money from the caller's wallet or a bank transfer onto the card
// @Tags Cards
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param cardId path string true "Card ID"
// @Param request body services.ReloadCardRequest true "Reload request"
// @Success 200 {object} models.Transaction
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /cards/{cardId}/reload [post]
func (h *CardHandler) Reload(w http.ResponseWriter, r *http.Request) {
	var req services.ReloadCardRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	actor, err := middleware.ActorFrom(r.Context())
	if err != nil {
		SendErrorResponse(w, "Unauthorized", "UNAUTHORIZED", http.StatusUnauthorized, nil)
		return
	}
	req.CardID = pathParam(r, "cardId")
	if actor.Type == models.ActorUser {
		req.UserID = actor.ID
		if req.SourceType == services.SourceAgentCash {
			SendErrorResponse(w, "Agent cash reloads are recorded by the agent", "FORBIDDEN", http.StatusForbidden, nil)
			return
		}
	}

	txn, err := h.engine.Reloads.Reload(r.Context(), req, actor)
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

// SetPIN sets or changes the card PIN
// @Summary Set PIN
// @Tags Cards
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param cardId path string true "Card ID"
// @Param request body services.SetPINRequest true "PIN request"
// @Success 200 {object} object{success=bool}
// @Failure 400 {object} ErrorResponse
// @Failure 423 {object} ErrorResponse
// @Router /cards/{cardId}/pin [post]
func (h *CardHandler) SetPIN(w http.ResponseWriter, r *http.Request) {
	var req services.SetPINRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	card, _, ok := h.ownedCard(w, r)
	if !ok {
		return
	}
	actor, _ := middleware.ActorFrom(r.Context())
	req.CardID = card.ID

	if err := h.engine.Activation.SetPIN(r.Context(), req, actor); err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// Suspend freezes the card, for example after it was lost
// @Summary Suspend card
// @Tags Cards
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param cardId path string true "Card ID"
// @Param request body ReasonRequest true "Reason"
// @Success 200 {object} models.PrepaidCard
// @Failure 409 {object} ErrorResponse
// @Router /cards/{cardId}/suspend [post]
func (h *CardHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	card, _, ok := h.ownedCard(w, r)
	if !ok {
		return
	}
	actor, _ := middleware.ActorFrom(r.Context())

	updated, err := h.engine.Lifecycle.Suspend(r.Context(), card.ID, req.Reason, actor)
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}
