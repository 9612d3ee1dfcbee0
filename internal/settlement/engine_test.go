package settlement_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/dvpsettle/internal/registry"
	"github.com/terminal-bench/dvpsettle/internal/settlement"
	"github.com/terminal-bench/dvpsettle/internal/token"
)

type captureRecorder struct {
	records []settlement.Settlement
}

func (r *captureRecorder) Record(_ context.Context, s settlement.Settlement) error {
	r.records = append(r.records, s)
	return nil
}

type fixture struct {
	reg    *registry.Registry
	bond   *token.Ledger
	cash   *token.Ledger
	engine *settlement.Engine
	rec    *captureRecorder
}

func newFixture(t *testing.T) *fixture {
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

	rec := &captureRecorder{}
	engine := settlement.NewEngine("dvp-engine", nil, rec)

	return &fixture{reg: reg, bond: bond, cash: cash, engine: engine, rec: rec}
}

func (f *fixture) fund(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.bond.Mint(ctx, "issuer", "seller", amt("100")))
	require.NoError(t, f.cash.Mint(ctx, "central-bank", "buyer", amt("1000")))
	require.NoError(t, f.bond.Approve(ctx, "seller", f.engine.Account(), amt("100")))
	require.NoError(t, f.cash.Approve(ctx, "buyer", f.engine.Account(), amt("1000")))
}

func (f *fixture) instruction() settlement.Instruction {
	return settlement.Instruction{
		Buyer:       "buyer",
		Seller:      "seller",
		AssetLedger: f.bond,
		CashLedger:  f.cash,
		AssetAmount: amt("100"),
		CashAmount:  amt("1000"),
	}
}

func amt(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestSettleDvP(t *testing.T) {
	ctx := context.Background()

	t.Run("should settle both legs atomically", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t)

		rec, err := f.engine.SettleDvP(ctx, f.instruction())
		require.NoError(t, err)

		assert.Equal(t, settlement.OutcomeSettled, rec.Outcome)
		assert.Equal(t, int64(1), rec.Sequence)
		assert.True(t, f.bond.BalanceOf("buyer").Equal(amt("100")))
		assert.True(t, f.bond.BalanceOf("seller").IsZero())
		assert.True(t, f.cash.BalanceOf("seller").Equal(amt("1000")))
		assert.True(t, f.cash.BalanceOf("buyer").IsZero())
	})

	t.Run("should reject non-positive amounts before touching either ledger", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t)

		in := f.instruction()
		in.AssetAmount = decimal.Zero
		_, err := f.engine.SettleDvP(ctx, in)
		assert.ErrorIs(t, err, token.ErrInvalidAmount)

		in = f.instruction()
		in.CashAmount = amt("-1")
		_, err = f.engine.SettleDvP(ctx, in)
		assert.ErrorIs(t, err, token.ErrInvalidAmount)

		assert.True(t, f.bond.BalanceOf("seller").Equal(amt("100")))
		assert.True(t, f.cash.BalanceOf("buyer").Equal(amt("1000")))
		assert.Empty(t, f.engine.Settlements())
	})

	t.Run("should surface the failing leg and move nothing", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t)
		require.NoError(t, f.cash.Approve(ctx, "buyer", f.engine.Account(), amt("999")))

		_, err := f.engine.SettleDvP(ctx, f.instruction())
		require.Error(t, err)
		assert.ErrorIs(t, err, token.ErrInsufficientAllowance)

		var legErr *token.LegError
		require.ErrorAs(t, err, &legErr)
		assert.Equal(t, token.LegCash, legErr.Leg)

		assert.True(t, f.bond.BalanceOf("seller").Equal(amt("100")))
		assert.True(t, f.bond.Allowance("seller", f.engine.Account()).Equal(amt("100")))
		assert.True(t, f.cash.BalanceOf("buyer").Equal(amt("1000")))
	})

	t.Run("should log failed settlements with their leg", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t)
		require.NoError(t, f.bond.SetPaused(ctx, "issuer", true))

		_, err := f.engine.SettleDvP(ctx, f.instruction())
		assert.ErrorIs(t, err, token.ErrPaused)

		log := f.engine.Settlements()
		require.Len(t, log, 1)
		assert.Equal(t, settlement.OutcomeFailed, log[0].Outcome)
		assert.Equal(t, string(token.LegAsset), log[0].FailedLeg)
	})

	t.Run("should assign monotonically increasing sequence numbers", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t)

		in := f.instruction()
		in.AssetAmount = amt("10")
		in.CashAmount = amt("100")

		for i := 0; i < 3; i++ {
			rec, err := f.engine.SettleDvP(ctx, in)
			require.NoError(t, err)
			assert.Equal(t, int64(i+1), rec.Sequence)
		}

		log := f.engine.Settlements()
		require.Len(t, log, 3)
		for i, rec := range log {
			assert.Equal(t, int64(i+1), rec.Sequence)
		}
	})

	t.Run("should hand each processed instruction to the recorder", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t)

		rec, err := f.engine.SettleDvP(ctx, f.instruction())
		require.NoError(t, err)

		require.Len(t, f.rec.records, 1)
		assert.Equal(t, rec.ID, f.rec.records[0].ID)
		assert.Equal(t, "UKT30", f.rec.records[0].AssetSymbol)
		assert.Equal(t, "DGBP", f.rec.records[0].CashSymbol)
	})

	t.Run("should require both ledger references", func(t *testing.T) {
		f := newFixture(t)
		in := f.instruction()
		in.CashLedger = nil
		_, err := f.engine.SettleDvP(ctx, in)
		assert.Error(t, err)
	})
}
