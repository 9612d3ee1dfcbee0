package token_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/dvpsettle/internal/registry"
	"github.com/terminal-bench/dvpsettle/internal/token"
)

func newSwapPair(t *testing.T) (*token.Ledger, *token.Ledger) {
	t.Helper()
	ctx := context.Background()

	reg := registry.NewRegistry("admin", nil)
	for _, account := range []registry.Account{"issuer", "central-bank", "seller", "buyer"} {
		require.NoError(t, reg.SetAuthorized(ctx, "admin", account, true))
	}

	bond := token.NewLedger(token.Metadata{
		Name:         "UK Gilt 2030",
		Symbol:       "UKT30",
		InstrumentID: "UKT-2030-4.50",
		RateBps:      450,
		Maturity:     time.Now().AddDate(1, 0, 0),
		Currency:     "GBP",
	}, "issuer", reg, nil)

	cash := token.NewLedger(token.Metadata{
		Name:         "Digital Pound",
		Symbol:       "DGBP",
		InstrumentID: "CBDC-GBP",
		Currency:     "GBP",
	}, "central-bank", reg, nil)

	require.NoError(t, bond.Mint(ctx, "issuer", "seller", amt("100")))
	require.NoError(t, cash.Mint(ctx, "central-bank", "buyer", amt("1000")))
	require.NoError(t, bond.Approve(ctx, "seller", "engine", amt("100")))
	require.NoError(t, cash.Approve(ctx, "buyer", "engine", amt("1000")))

	return bond, cash
}

func swapOp() token.SwapOp {
	return token.SwapOp{
		Spender:     "engine",
		Buyer:       "buyer",
		Seller:      "seller",
		AssetAmount: amt("100"),
		CashAmount:  amt("1000"),
	}
}

func TestSwap(t *testing.T) {
	ctx := context.Background()

	t.Run("should move both legs", func(t *testing.T) {
		bond, cash := newSwapPair(t)

		require.NoError(t, token.Swap(ctx, bond, cash, swapOp()))

		assert.True(t, bond.BalanceOf("buyer").Equal(amt("100")))
		assert.True(t, bond.BalanceOf("seller").IsZero())
		assert.True(t, cash.BalanceOf("seller").Equal(amt("1000")))
		assert.True(t, cash.BalanceOf("buyer").IsZero())
	})

	t.Run("should consume both allowances exactly", func(t *testing.T) {
		bond, cash := newSwapPair(t)

		require.NoError(t, token.Swap(ctx, bond, cash, swapOp()))

		assert.True(t, bond.Allowance("seller", "engine").IsZero())
		assert.True(t, cash.Allowance("buyer", "engine").IsZero())
	})

	t.Run("should leave both ledgers untouched when the asset leg fails", func(t *testing.T) {
		bond, cash := newSwapPair(t)
		require.NoError(t, bond.Approve(ctx, "seller", "engine", amt("99")))

		err := token.Swap(ctx, bond, cash, swapOp())
		require.Error(t, err)
		assert.ErrorIs(t, err, token.ErrInsufficientAllowance)

		var legErr *token.LegError
		require.ErrorAs(t, err, &legErr)
		assert.Equal(t, token.LegAsset, legErr.Leg)

		assertPairUnchanged(t, bond, cash)
	})

	t.Run("should leave both ledgers untouched when the cash leg fails", func(t *testing.T) {
		bond, cash := newSwapPair(t)
		require.NoError(t, cash.SetPaused(ctx, "central-bank", true))

		err := token.Swap(ctx, bond, cash, swapOp())
		require.Error(t, err)
		assert.ErrorIs(t, err, token.ErrPaused)

		var legErr *token.LegError
		require.ErrorAs(t, err, &legErr)
		assert.Equal(t, token.LegCash, legErr.Leg)

		// The asset leg was individually satisfiable, yet nothing moved.
		assertPairUnchanged(t, bond, cash)
	})

	t.Run("should reject a buyer missing from the asset whitelist", func(t *testing.T) {
		bond, cash := newSwapPair(t)
		require.NoError(t, bond.Registry().SetAuthorized(ctx, "admin", "buyer", false))

		err := token.Swap(ctx, bond, cash, swapOp())
		assert.ErrorIs(t, err, token.ErrNotAuthorized)

		var legErr *token.LegError
		require.ErrorAs(t, err, &legErr)
		assert.Equal(t, token.LegAsset, legErr.Leg)

		assert.True(t, bond.BalanceOf("seller").Equal(amt("100")))
		assert.True(t, cash.BalanceOf("buyer").Equal(amt("1000")))
	})

	t.Run("should refuse to swap a ledger against itself", func(t *testing.T) {
		bond, _ := newSwapPair(t)
		assert.Error(t, token.Swap(ctx, bond, bond, swapOp()))
	})
}

func assertPairUnchanged(t *testing.T, bond, cash *token.Ledger) {
	t.Helper()
	assert.True(t, bond.BalanceOf("seller").Equal(amt("100")))
	assert.True(t, bond.BalanceOf("buyer").IsZero())
	assert.True(t, cash.BalanceOf("buyer").Equal(amt("1000")))
	assert.True(t, cash.BalanceOf("seller").IsZero())
}
