package hsm

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteHSM(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	publicKeyCalls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/slots/derive", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req slotRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.MasterSlotID == "missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(slotResponse{SlotID: "card_" + string(req.Diversification)})
	})
	mux.HandleFunc("/v1/verify/response", func(w http.ResponseWriter, r *http.Request) {
		var req verifyRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.SlotID == "slow" {
			time.Sleep(200 * time.Millisecond)
		}
		outcome := OutcomeInvalid
		if string(req.Presented) == "good" {
			outcome = OutcomeValid
		}
		json.NewEncoder(w).Encode(ValidationResult{Outcome: outcome, AuditID: "audit-1"})
	})
	mux.HandleFunc("/v1/offline/public-key", func(w http.ResponseWriter, r *http.Request) {
		publicKeyCalls++
		json.NewEncoder(w).Encode(publicKeyResponse{PublicKey: string(pubPEM)})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewRemoteHSM(srv.URL+"/", "secret", 50*time.Millisecond)
	ctx := context.Background()

	t.Run("derive", func(t *testing.T) {
		slot, err := client.DeriveCardKey(ctx, "batch", []byte("uid"))
		require.NoError(t, err)
		assert.Equal(t, "card_uid", slot)

		_, err = client.DeriveCardKey(ctx, "missing", []byte("uid"))
		assert.ErrorIs(t, err, ErrSlotNotFound)
	})

	t.Run("validate", func(t *testing.T) {
		result, err := client.ValidateResponse(ctx, "card_1", []byte("n"), []byte("good"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeValid, result.Outcome)
		assert.Equal(t, "audit-1", result.AuditID)
	})

	t.Run("slow gateway maps to timeout", func(t *testing.T) {
		result, err := client.ValidateResponse(ctx, "slow", []byte("n"), []byte("good"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeTimeout, result.Outcome)
	})

	t.Run("public key is cached", func(t *testing.T) {
		first, err := client.OfflinePublicKey(ctx)
		require.NoError(t, err)
		second, err := client.OfflinePublicKey(ctx)
		require.NoError(t, err)
		assert.Equal(t, first.N, second.N)
		assert.Equal(t, 1, publicKeyCalls)
	})
}
