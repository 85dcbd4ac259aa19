package services

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"math/big"

	"github.com/skip2/go-qrcode"

	"github.com/ruralpay/cardengine/internal/hsm"
)

// ActivationPacket is handed to the buyer of a card. The plaintext code is
// only ever returned here; the card stores its argon2id hash.
type ActivationPacket struct {
	CardID         string `json:"cardId"`
	CardNumber     string `json:"cardNumber"`
	ActivationCode string `json:"activationCode"`
	QRCode         string `json:"qrCode"`  // payload encoded in the image
	QRImage        string `json:"qrImage"` // base64 PNG
}

type activationQRPayload struct {
	CardID string `json:"cardId"`
	Masked string `json:"card"`
	Code   string `json:"code"`
}

// newActivationCode returns a random numeric code and its stored hash.
func newActivationCode(length int) (string, string, error) {
	if length < 6 {
		length = 6
	}
	digits := make([]byte, length)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", "", err
		}
		digits[i] = byte('0' + n.Int64())
	}
	code := string(digits)
	hash, err := hsm.HashSecret(code)
	if err != nil {
		return "", "", fmt.Errorf("hash activation code: %w", err)
	}
	return code, hash, nil
}

// NewActivationPacket renders the activation code as a scannable QR image.
func NewActivationPacket(cardID, cardNumber, code string) (*ActivationPacket, error) {
	jsonData, err := json.Marshal(activationQRPayload{CardID: cardID, Masked: MaskForReceipt(cardNumber), Code: code})
	if err != nil {
		return nil, err
	}
	payload := base64.URLEncoding.EncodeToString(jsonData)

	qr, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return nil, err
	}

	return &ActivationPacket{
		CardID:         cardID,
		CardNumber:     cardNumber,
		ActivationCode: code,
		QRCode:         payload,
		QRImage:        base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// DecodeActivationQR reads back the payload a terminal scanned.
func DecodeActivationQR(payload string) (cardID, code string, err error) {
	raw, err := base64.URLEncoding.DecodeString(payload)
	if err != nil {
		return "", "", fmt.Errorf("%w: invalid activation qr", ErrActivationCodeInvalid)
	}
	var p activationQRPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", "", fmt.Errorf("%w: invalid activation qr", ErrActivationCodeInvalid)
	}
	return p.CardID, p.Code, nil
}

// MaskForReceipt shows only the last four digits.
func MaskForReceipt(cardNumber string) string {
	if len(cardNumber) < 4 {
		return cardNumber
	}
	return "**** " + cardNumber[len(cardNumber)-4:]
}
