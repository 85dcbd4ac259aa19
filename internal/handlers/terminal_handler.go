package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/ruralpay/cardengine/internal/middleware"
	"github.com/ruralpay/cardengine/internal/models"
	"github.com/ruralpay/cardengine/internal/services"
)

// TerminalHandler serves the tap-to-pay protocol spoken by NFC terminals.
type TerminalHandler struct {
	engine *services.Engine
}

func NewTerminalHandler(engine *services.Engine) *TerminalHandler {
	return &TerminalHandler{engine: engine}
}

// ChallengeRequest asks for a nonce for the card in the field.
// @Description Challenge request structure
type ChallengeRequest struct {
	CardUID    string                  `json:"cardUid" example:"04A1B2C3D4E5F6"`
	TerminalID string                  `json:"terminalId" example:"T-001"`
	Purpose    models.ChallengePurpose `json:"purpose,omitempty" example:"PAYMENT"`
}

// ChallengeResponse carries the nonce the card must answer.
// @Description Challenge response structure
type ChallengeResponse struct {
	ChallengeID string    `json:"challengeId"`
	Nonce       string    `json:"nonce"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// terminalAllowed stops a terminal credential from acting as another terminal.
func terminalAllowed(w http.ResponseWriter, r *http.Request, terminalID string) bool {
	claims, ok := middleware.ClaimsFrom(r.Context())
	if ok && claims.Role == middleware.RoleTerminal && claims.Subject != terminalID {
		SendErrorResponse(w, "Terminal does not match credentials", "TERMINAL_MISMATCH", http.StatusForbidden, nil)
		return false
	}
	return true
}

// IssueChallenge starts a tap
// @Summary Issue challenge
// @Description Issue a single-use nonce for the presented card
// @Tags Terminal
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body ChallengeRequest true "Challenge request"
// @Success 200 {object} ChallengeResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Router /terminal/challenges [post]
func (h *TerminalHandler) IssueChallenge(w http.ResponseWriter, r *http.Request) {
	var req ChallengeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !terminalAllowed(w, r, req.TerminalID) {
		return
	}

	ch, err := h.engine.Gateway.IssueChallenge(r.Context(), req.CardUID, req.TerminalID, req.Purpose)
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ChallengeResponse{ChallengeID: ch.ID, Nonce: ch.Nonce, ExpiresAt: ch.ExpiresAt})
}

// Authorize runs a tap-to-pay purchase
// @Summary Authorize purchase
// @Description Validate the card response and debit the card. Declines are returned with success=false.
// @Tags Terminal
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.TapToPayRequest true "Tap to pay request"
// @Success 200 {object} services.TapToPayResponse
// @Failure 400 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /terminal/authorize [post]
func (h *TerminalHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	var req services.TapToPayRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !terminalAllowed(w, r, req.TerminalID) {
		return
	}

	resp, err := h.engine.Authorization.Authorize(r.Context(), req)
	if err != nil {
		var de *services.DeclineError
		if !errors.As(err, &de) || de.Code == services.DeclineSystemError {
			sendServiceError(w, r, err)
			return
		}
		if resp == nil {
			resp = &services.TapToPayResponse{Amount: req.Amount, DeclineCode: de.Code, DeclineReason: de.Reason}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Capture completes a delayed-capture authorization
// @Summary Capture authorization
// @Tags Terminal
// @Produce json
// @Security BearerAuth
// @Param txId path string true "Transaction ID"
// @Success 200 {object} models.Transaction
// @Failure 409 {object} ErrorResponse
// @Router /terminal/transactions/{txId}/capture [post]
func (h *TerminalHandler) Capture(w http.ResponseWriter, r *http.Request) {
	actor, err := middleware.ActorFrom(r.Context())
	if err != nil {
		SendErrorResponse(w, "Unauthorized", "UNAUTHORIZED", http.StatusUnauthorized, nil)
		return
	}
	txn, err := h.engine.Authorization.Capture(r.Context(), pathParam(r, "txId"), actor)
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

// SyncOffline uploads transactions taken while the terminal was offline
// @Summary Sync offline transactions
// @Description Validate and post offline transactions. Each item gets its own result.
// @Tags Terminal
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.OfflineSyncRequest true "Offline batch"
// @Success 200 {object} object{results=[]services.OfflineSyncResult}
// @Failure 400 {object} ErrorResponse
// @Router /terminal/offline-sync [post]
func (h *TerminalHandler) SyncOffline(w http.ResponseWriter, r *http.Request) {
	var req services.OfflineSyncRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	for _, item := range req.Transactions {
		if !terminalAllowed(w, r, item.TerminalID) {
			return
		}
	}

	results, err := h.engine.Offline.Sync(r.Context(), req)
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}
