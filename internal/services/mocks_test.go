package services

import (
	"context"
	"crypto/rsa"

	"github.com/stretchr/testify/mock"

	"github.com/ruralpay/cardengine/internal/hsm"
)

type MockBoundary struct {
	mock.Mock
}

func (m *MockBoundary) GenerateKeySlot(ctx context.Context, label string) (string, error) {
	args := m.Called(ctx, label)
	return args.String(0), args.Error(1)
}

func (m *MockBoundary) DeriveCardKey(ctx context.Context, masterSlotID string, diversification []byte) (string, error) {
	args := m.Called(ctx, masterSlotID, diversification)
	return args.String(0), args.Error(1)
}

func (m *MockBoundary) ValidateResponse(ctx context.Context, slotID string, challenge, response []byte) (hsm.ValidationResult, error) {
	args := m.Called(ctx, slotID, challenge, response)
	return args.Get(0).(hsm.ValidationResult), args.Error(1)
}

func (m *MockBoundary) ValidateMAC(ctx context.Context, slotID string, payload, mac []byte) (hsm.ValidationResult, error) {
	args := m.Called(ctx, slotID, payload, mac)
	return args.Get(0).(hsm.ValidationResult), args.Error(1)
}

func (m *MockBoundary) SignOfflineCertificate(ctx context.Context, payload []byte) ([]byte, error) {
	args := m.Called(ctx, payload)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockBoundary) OfflinePublicKey(ctx context.Context) (*rsa.PublicKey, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*rsa.PublicKey), args.Error(1)
}
