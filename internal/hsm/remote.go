package hsm

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ruralpay/cardengine/internal/logger"
)

// RemoteHSM talks to an HSM gateway over a narrow JSON RPC. Verification calls
// that exceed the timeout come back as OutcomeTimeout rather than an error.
type RemoteHSM struct {
	baseURL string
	token   string
	timeout time.Duration
	client  *http.Client

	mu        sync.Mutex
	publicKey *rsa.PublicKey
}

// NewRemoteHSM creates a client for the gateway at baseURL.
func NewRemoteHSM(baseURL, token string, timeout time.Duration) *RemoteHSM {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RemoteHSM{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		timeout: timeout,
		client:  &http.Client{},
	}
}

type slotRequest struct {
	Label           string `json:"label,omitempty"`
	MasterSlotID    string `json:"masterSlotId,omitempty"`
	Diversification []byte `json:"diversification,omitempty"`
}

type slotResponse struct {
	SlotID string `json:"slotId"`
}

type verifyRequest struct {
	SlotID    string `json:"slotId"`
	Message   []byte `json:"message"`
	Presented []byte `json:"presented"`
}

type signRequest struct {
	Payload []byte `json:"payload"`
}

type signResponse struct {
	Signature []byte `json:"signature"`
}

type publicKeyResponse struct {
	PublicKey string `json:"publicKey"`
}

func (r *RemoteHSM) GenerateKeySlot(ctx context.Context, label string) (string, error) {
	var out slotResponse
	if err := r.call(ctx, http.MethodPost, "/v1/slots", slotRequest{Label: label}, &out); err != nil {
		return "", err
	}
	return out.SlotID, nil
}

func (r *RemoteHSM) DeriveCardKey(ctx context.Context, masterSlotID string, diversification []byte) (string, error) {
	var out slotResponse
	req := slotRequest{MasterSlotID: masterSlotID, Diversification: diversification}
	if err := r.call(ctx, http.MethodPost, "/v1/slots/derive", req, &out); err != nil {
		return "", err
	}
	return out.SlotID, nil
}

func (r *RemoteHSM) ValidateResponse(ctx context.Context, slotID string, challenge, response []byte) (ValidationResult, error) {
	return r.verify(ctx, "/v1/verify/response", verifyRequest{SlotID: slotID, Message: challenge, Presented: response})
}

func (r *RemoteHSM) ValidateMAC(ctx context.Context, slotID string, payload, mac []byte) (ValidationResult, error) {
	return r.verify(ctx, "/v1/verify/mac", verifyRequest{SlotID: slotID, Message: payload, Presented: mac})
}

func (r *RemoteHSM) verify(ctx context.Context, path string, req verifyRequest) (ValidationResult, error) {
	var out ValidationResult
	err := r.call(ctx, http.MethodPost, path, req, &out)
	if isTimeout(err) {
		logger.Log.Warn("[HSM] verification timed out", zap.String("slot", req.SlotID))
		return ValidationResult{Outcome: OutcomeTimeout}, nil
	}
	if err != nil {
		return ValidationResult{}, err
	}
	switch out.Outcome {
	case OutcomeValid, OutcomeInvalid, OutcomeTimeout:
		return out, nil
	}
	return ValidationResult{}, fmt.Errorf("hsm: unexpected outcome %q", out.Outcome)
}

func (r *RemoteHSM) SignOfflineCertificate(ctx context.Context, payload []byte) ([]byte, error) {
	var out signResponse
	if err := r.call(ctx, http.MethodPost, "/v1/offline/sign", signRequest{Payload: payload}, &out); err != nil {
		return nil, err
	}
	return out.Signature, nil
}

// OfflinePublicKey fetches the offline signing key once and caches it.
func (r *RemoteHSM) OfflinePublicKey(ctx context.Context) (*rsa.PublicKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.publicKey != nil {
		return r.publicKey, nil
	}

	var out publicKeyResponse
	if err := r.call(ctx, http.MethodGet, "/v1/offline/public-key", nil, &out); err != nil {
		return nil, err
	}

	block, _ := pem.Decode([]byte(out.PublicKey))
	if block == nil {
		return nil, errors.New("hsm: invalid public key PEM")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("hsm: parse public key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("hsm: offline key is not RSA")
	}
	r.publicKey = rsaKey
	return rsaKey, nil
}

func (r *RemoteHSM) call(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrSlotNotFound
	case resp.StatusCode == http.StatusGatewayTimeout:
		return context.DeadlineExceeded
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 300:
		return fmt.Errorf("hsm: status %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
