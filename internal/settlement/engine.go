package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/terminal-bench/dvpsettle/internal/registry"
	"github.com/terminal-bench/dvpsettle/internal/token"
	"github.com/terminal-bench/dvpsettle/pkg/messaging"
)

// Outcome values for a settlement record
const (
	OutcomeSettled = "settled"
	OutcomeFailed  = "failed"
)

// Instruction is one DvP settlement order: buyer pays cash, seller delivers
// the asset, both at fixed pre-agreed amounts.
type Instruction struct {
	Buyer       registry.Account
	Seller      registry.Account
	AssetLedger *token.Ledger
	CashLedger  *token.Ledger
	AssetAmount decimal.Decimal
	CashAmount  decimal.Decimal
}

// Settlement is the engine's record of one processed instruction
type Settlement struct {
	ID          uuid.UUID        `json:"id"`
	Sequence    int64            `json:"sequence"`
	Buyer       registry.Account `json:"buyer"`
	Seller      registry.Account `json:"seller"`
	AssetSymbol string           `json:"asset_symbol"`
	CashSymbol  string           `json:"cash_symbol"`
	AssetAmount decimal.Decimal  `json:"asset_amount"`
	CashAmount  decimal.Decimal  `json:"cash_amount"`
	Outcome     string           `json:"outcome"`
	FailedLeg   string           `json:"failed_leg,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Recorder persists settlement records. Implementations must tolerate being
// called once per processed instruction, in sequence order.
type Recorder interface {
	Record(ctx context.Context, s Settlement) error
}

// Engine orchestrates atomic two-leg exchanges between ledgers. It never
// custodies funds: both legs move directly between the parties via the
// allowances they granted the engine's account.
type Engine struct {
	account   registry.Account
	msgClient *messaging.Client
	recorder  Recorder

	mu  sync.RWMutex
	seq int64
	log []Settlement
}

// NewEngine creates an engine acting as the given spender account
func NewEngine(account registry.Account, msgClient *messaging.Client, recorder Recorder) *Engine {
	return &Engine{
		account:   account,
		msgClient: msgClient,
		recorder:  recorder,
	}
}

// Account returns the account parties must approve as spender
func (e *Engine) Account() registry.Account { return e.account }

// SettleDvP executes both legs of the instruction as one indivisible unit:
// either the asset moves seller → buyer and the cash moves buyer → seller, or
// neither ledger changes at all. The returned error carries which leg's
// precondition failed.
func (e *Engine) SettleDvP(ctx context.Context, in Instruction) (*Settlement, error) {
	if in.AssetLedger == nil || in.CashLedger == nil {
		return nil, fmt.Errorf("both ledgers are required")
	}
	if !in.AssetAmount.IsPositive() {
		return nil, fmt.Errorf("asset amount: %w", token.ErrInvalidAmount)
	}
	if !in.CashAmount.IsPositive() {
		return nil, fmt.Errorf("cash amount: %w", token.ErrInvalidAmount)
	}

	swapErr := token.Swap(ctx, in.AssetLedger, in.CashLedger, token.SwapOp{
		Spender:     e.account,
		Buyer:       in.Buyer,
		Seller:      in.Seller,
		AssetAmount: in.AssetAmount,
		CashAmount:  in.CashAmount,
	})

	rec := Settlement{
		ID:          uuid.New(),
		Buyer:       in.Buyer,
		Seller:      in.Seller,
		AssetSymbol: in.AssetLedger.Meta().Symbol,
		CashSymbol:  in.CashLedger.Meta().Symbol,
		AssetAmount: in.AssetAmount,
		CashAmount:  in.CashAmount,
		Outcome:     OutcomeSettled,
		CreatedAt:   time.Now(),
	}

	if swapErr != nil {
		rec.Outcome = OutcomeFailed
		rec.Reason = swapErr.Error()
		var legErr *token.LegError
		if errors.As(swapErr, &legErr) {
			rec.FailedLeg = string(legErr.Leg)
		}
	}

	e.mu.Lock()
	e.seq++
	rec.Sequence = e.seq
	e.log = append(e.log, rec)
	e.mu.Unlock()

	e.publish(ctx, rec)
	if e.recorder != nil {
		e.recorder.Record(ctx, rec)
	}

	if swapErr != nil {
		return nil, swapErr
	}
	return &rec, nil
}

// Settlements returns a snapshot of the engine's settlement log
func (e *Engine) Settlements() []Settlement {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Settlement, len(e.log))
	copy(out, e.log)
	return out
}

func (e *Engine) publish(ctx context.Context, rec Settlement) {
	eventType := messaging.EventTypeSettled
	if rec.Outcome == OutcomeFailed {
		eventType = messaging.EventTypeSettlementFailed
	}

	e.msgClient.Publish(ctx, eventType, messaging.SettlementEvent{
		SettlementID: rec.ID.String(),
		Sequence:     rec.Sequence,
		Buyer:        rec.Buyer.String(),
		Seller:       rec.Seller.String(),
		AssetSymbol:  rec.AssetSymbol,
		CashSymbol:   rec.CashSymbol,
		AssetAmount:  rec.AssetAmount.String(),
		CashAmount:   rec.CashAmount.String(),
		Outcome:      rec.Outcome,
		FailedLeg:    rec.FailedLeg,
		Reason:       rec.Reason,
	})
}
