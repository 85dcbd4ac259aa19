package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/ruralpay/cardengine/internal/hsm"
	"github.com/ruralpay/cardengine/internal/logger"
	"github.com/ruralpay/cardengine/internal/repository"
	"github.com/ruralpay/cardengine/internal/services"
)

// ErrorResponse represents an error reply
// @Description Error response structure
type ErrorResponse struct {
	Error   string            `json:"error"`             // Error message
	Code    string            `json:"code,omitempty"`    // Machine readable code
	Details map[string]string `json:"details,omitempty"` // Validation details
}

// SendErrorResponse sends a JSON error response
func SendErrorResponse(w http.ResponseWriter, message, code string, statusCode int, details map[string]string) {
	writeJSON(w, statusCode, ErrorResponse{Error: message, Code: code, Details: details})
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Log.Warn("[HTTP] failed to write response", zap.Error(err))
	}
}

// decodeJSON reads exactly one JSON object into dst. It writes the error reply
// itself and reports whether the handler should continue.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", "INVALID_REQUEST", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", "INVALID_REQUEST", http.StatusBadRequest, nil)
		return false
	}
	return true
}

var errorStatuses = []struct {
	err    error
	status int
	code   string
}{
	{services.ErrValidation, http.StatusBadRequest, "VALIDATION_FAILED"},
	{services.ErrInvalidProgram, http.StatusBadRequest, "INVALID_PROGRAM"},
	{services.ErrInvalidFraudRule, http.StatusBadRequest, "INVALID_FRAUD_RULE"},
	{services.ErrCardNotFound, http.StatusNotFound, string(services.DeclineCardNotFound)},
	{repository.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{services.ErrCardOwnership, http.StatusForbidden, "CARD_OWNERSHIP"},
	{services.ErrKYCRequired, http.StatusForbidden, "KYC_REQUIRED"},
	{services.ErrActivationLocked, http.StatusLocked, "ACTIVATION_LOCKED"},
	{services.ErrPINLocked, http.StatusLocked, string(services.DeclinePINLocked)},
	{services.ErrActivationCodeInvalid, http.StatusUnprocessableEntity, "ACTIVATION_CODE_INVALID"},
	{services.ErrWalletNotBound, http.StatusUnprocessableEntity, "WALLET_NOT_BOUND"},
	{services.ErrReplacementBalanceExceedsOriginal, http.StatusUnprocessableEntity, "REPLACEMENT_BALANCE_EXCEEDS_ORIGINAL"},
	{services.ErrRefundExceedsOriginal, http.StatusUnprocessableEntity, "REFUND_EXCEEDS_ORIGINAL"},
	{services.ErrProgramNotPublished, http.StatusConflict, "PROGRAM_NOT_PUBLISHED"},
	{services.ErrProgramImmutable, http.StatusConflict, "PROGRAM_IMMUTABLE"},
	{services.ErrInventoryRangeConflict, http.StatusConflict, "INVENTORY_RANGE_CONFLICT"},
	{services.ErrCardNotInInventory, http.StatusConflict, "CARD_NOT_IN_INVENTORY"},
	{services.ErrVendorInactive, http.StatusConflict, "VENDOR_INACTIVE"},
	{services.ErrPendingBalance, http.StatusConflict, "PENDING_BALANCE"},
	{services.ErrNotReversible, http.StatusConflict, "NOT_REVERSIBLE"},
	{services.ErrNotRefundable, http.StatusConflict, "NOT_REFUNDABLE"},
	{services.ErrNotPending, http.StatusConflict, "NOT_PENDING"},
	{services.ErrSettlementInProgress, http.StatusConflict, "SETTLEMENT_IN_PROGRESS"},
	{services.ErrNothingToSettle, http.StatusConflict, "NOTHING_TO_SETTLE"},
	{services.ErrIdempotencyKeyReused, http.StatusConflict, "IDEMPOTENCY_KEY_REUSED"},
	{repository.ErrDuplicate, http.StatusConflict, "DUPLICATE"},
	{services.ErrHSMTimeout, http.StatusServiceUnavailable, string(services.DeclineSystemError)},
	{hsm.ErrUnavailable, http.StatusServiceUnavailable, string(services.DeclineSystemError)},
}

// sendServiceError turns an engine error into a reply. Declines keep their
// code and reason; anything unrecognised becomes a bare SYSTEM_ERROR.
func sendServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *services.ValidationError
	if errors.As(err, &verr) {
		SendErrorResponse(w, "Validation failed", "VALIDATION_FAILED", http.StatusBadRequest, verr.Fields)
		return
	}
	for _, e := range errorStatuses {
		if errors.Is(err, e.err) {
			if e.status >= http.StatusInternalServerError {
				logger.Log.Error("[HTTP] dependency failure", zap.String("path", r.URL.Path), zap.Error(err))
				SendErrorResponse(w, "Service temporarily unavailable", e.code, e.status, nil)
				return
			}
			SendErrorResponse(w, err.Error(), e.code, e.status, nil)
			return
		}
	}
	if code := services.CodeFor(err); code != services.DeclineSystemError {
		SendErrorResponse(w, err.Error(), string(code), http.StatusUnprocessableEntity, nil)
		return
	}
	logger.Log.Error("[HTTP] request failed", zap.String("path", r.URL.Path), zap.Error(err))
	SendErrorResponse(w, "Request could not be processed", string(services.DeclineSystemError), http.StatusInternalServerError, nil)
}
