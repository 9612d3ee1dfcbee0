package token

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/terminal-bench/dvpsettle/internal/registry"
)

// Leg identifies which side of a two-leg swap an error originated on
type Leg string

const (
	LegAsset Leg = "asset"
	LegCash  Leg = "cash"
)

// LegError attributes a swap failure to the leg whose precondition failed
type LegError struct {
	Leg Leg
	Err error
}

func (e *LegError) Error() string { return fmt.Sprintf("%s leg: %v", e.Leg, e.Err) }
func (e *LegError) Unwrap() error { return e.Err }

// SwapOp describes one delivery-versus-payment exchange: the asset leg moves
// seller → buyer, the cash leg moves buyer → seller, both on the strength of
// allowances each party granted the spender.
type SwapOp struct {
	Spender     registry.Account
	Buyer       registry.Account
	Seller      registry.Account
	AssetAmount decimal.Decimal
	CashAmount  decimal.Decimal
}

// Swap executes both legs of a DvP exchange as one indivisible unit. Both
// ledgers' locks are held for the duration, every precondition on both legs is
// verified before either leg is applied, and a failure on either leg leaves
// both ledgers untouched. This cannot be rebuilt from two TransferFrom calls:
// those commit independently.
func Swap(ctx context.Context, asset, cash *Ledger, op SwapOp) error {
	if asset == cash {
		return fmt.Errorf("asset and cash ledgers must differ")
	}

	// Lock in canonical order so concurrent swaps over the same pair cannot
	// deadlock.
	first, second := asset, cash
	if first.id.String() > second.id.String() {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()
	err := swapLocked(asset, cash, op)
	second.mu.Unlock()
	first.mu.Unlock()
	if err != nil {
		return err
	}

	asset.publishTransfer(ctx, op.Seller, op.Buyer, op.Spender.String(), op.AssetAmount)
	cash.publishTransfer(ctx, op.Buyer, op.Seller, op.Spender.String(), op.CashAmount)

	return nil
}

// swapLocked verifies both legs, then applies both. Callers hold both locks.
func swapLocked(asset, cash *Ledger, op SwapOp) error {
	if err := asset.checkTransferFrom(op.Spender, op.Seller, op.Buyer, op.AssetAmount); err != nil {
		return &LegError{Leg: LegAsset, Err: err}
	}
	if err := cash.checkTransferFrom(op.Spender, op.Buyer, op.Seller, op.CashAmount); err != nil {
		return &LegError{Leg: LegCash, Err: err}
	}

	asset.applyTransferFrom(op.Spender, op.Seller, op.Buyer, op.AssetAmount)
	cash.applyTransferFrom(op.Spender, op.Buyer, op.Seller, op.CashAmount)
	return nil
}
