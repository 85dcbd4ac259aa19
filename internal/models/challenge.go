package models

import "time"

type ChallengePurpose string

const (
	ChallengePurposePayment    ChallengePurpose = "PAYMENT"
	ChallengePurposeActivation ChallengePurpose = "ACTIVATION"
)

// Challenge is a single-use nonce a card must answer with a keyed response.
type Challenge struct {
	ID          string           `json:"id"`
	Nonce       string           `json:"nonce"`
	CardUIDHash string           `json:"cardUidHash"`
	TerminalID  string           `json:"terminalId,omitempty"`
	Purpose     ChallengePurpose `json:"purpose"`
	IssuedAt    time.Time        `json:"issuedAt"`
	ExpiresAt   time.Time        `json:"expiresAt"`
}
