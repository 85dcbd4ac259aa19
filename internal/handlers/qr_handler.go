package handlers

import (
	"net/http"

	"github.com/ruralpay/cardengine/internal/services"
)

type QRHandler struct{}

func NewQRHandler() *QRHandler {
	return &QRHandler{}
}

// ProcessQR reads an activation QR scanned from a card sleeve
// @Summary Process activation QR
// @Description Decode the activation QR so the app can prefill the activation form
// @Tags QR
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{qrData=string} true "QR processing request"
// @Success 200 {object} object{cardId=string,activationCode=string}
// @Failure 400 {object} ErrorResponse
// @Router /qr/process [post]
func (h *QRHandler) ProcessQR(w http.ResponseWriter, r *http.Request) {
	var req struct {
		QRData string `json:"qrData"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.QRData == "" {
		SendErrorResponse(w, "Validation failed", "VALIDATION_FAILED", http.StatusBadRequest,
			map[string]string{"QRData": "Field Validation Failed on 'required' tag"})
		return
	}

	cardID, code, err := services.DecodeActivationQR(req.QRData)
	if err != nil {
		SendErrorResponse(w, "Invalid activation QR", "ACTIVATION_CODE_INVALID", http.StatusBadRequest, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"cardId":         cardID,
		"activationCode": code,
	})
}
