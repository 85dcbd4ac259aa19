package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruralpay/cardengine/internal/repository"
)

// walletsOnly hides the directory side of MemoryWallets.
type walletsOnly struct{ WalletService }

func TestNewEngine_Defaults(t *testing.T) {
	ctx := context.Background()

	t.Run("requires store and hsm", func(t *testing.T) {
		_, err := NewEngine(EngineDeps{HSM: sharedHSM(t)})
		assert.Error(t, err)
		_, err = NewEngine(EngineDeps{Store: repository.NewMemoryStore()})
		assert.Error(t, err)
	})

	t.Run("wallet service doubles as directory", func(t *testing.T) {
		w := NewMemoryWallets()
		w.Fund("user-1", "wallet-user-1", 500)

		engine, err := NewEngine(EngineDeps{Store: repository.NewMemoryStore(), HSM: sharedHSM(t), Wallets: w})
		require.NoError(t, err)

		walletID, err := engine.Activation.wallets.PrimaryWallet(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, "wallet-user-1", walletID)
	})

	t.Run("explicit directory wins", func(t *testing.T) {
		dir := NewMemoryWallets()
		dir.Fund("user-1", "wallet-dir", 0)

		engine, err := NewEngine(EngineDeps{
			Store:     repository.NewMemoryStore(),
			HSM:       sharedHSM(t),
			Wallets:   NewMemoryWallets(),
			Directory: dir,
		})
		require.NoError(t, err)

		walletID, err := engine.Activation.wallets.PrimaryWallet(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, "wallet-dir", walletID)
	})

	t.Run("plain wallet service gets an empty directory", func(t *testing.T) {
		engine, err := NewEngine(EngineDeps{
			Store:   repository.NewMemoryStore(),
			HSM:     sharedHSM(t),
			Wallets: walletsOnly{NewMemoryWallets()},
		})
		require.NoError(t, err)

		_, err = engine.Activation.wallets.PrimaryWallet(ctx, "user-1")
		assert.ErrorIs(t, err, ErrWalletNotBound)
	})
}
