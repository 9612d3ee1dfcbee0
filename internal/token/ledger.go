package token

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/terminal-bench/dvpsettle/internal/registry"
	"github.com/terminal-bench/dvpsettle/pkg/messaging"
)

var (
	ErrPermissionDenied      = errors.New("permission denied")
	ErrPaused                = errors.New("paused")
	ErrNotAuthorized         = errors.New("recipient not authorized")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInvalidAmount         = errors.New("invalid amount")
)

// Metadata is the immutable instrument description fixed at ledger creation
type Metadata struct {
	Name         string
	Symbol       string
	InstrumentID string
	RateBps      int64
	Maturity     time.Time
	Currency     string
}

// Ledger is a compliance-gated balance ledger for one instrument. Every
// balance-changing call checks the bound registry's whitelist and the pause
// flag before touching state, so a failed call leaves no partial mutation.
type Ledger struct {
	id        uuid.UUID
	meta      Metadata
	authority registry.Account
	registry  *registry.Registry
	msgClient *messaging.Client

	mu          sync.RWMutex
	balances    map[registry.Account]decimal.Decimal
	allowances  map[registry.Account]map[registry.Account]decimal.Decimal
	paused      bool
	totalMinted decimal.Decimal
}

// NewLedger creates a ledger bound to a registry, with authority as the only
// account permitted to mint and to toggle the pause flag.
func NewLedger(meta Metadata, authority registry.Account, reg *registry.Registry, msgClient *messaging.Client) *Ledger {
	return &Ledger{
		id:          uuid.New(),
		meta:        meta,
		authority:   authority,
		registry:    reg,
		msgClient:   msgClient,
		balances:    make(map[registry.Account]decimal.Decimal),
		allowances:  make(map[registry.Account]map[registry.Account]decimal.Decimal),
		totalMinted: decimal.Zero,
	}
}

// Meta returns the instrument metadata
func (l *Ledger) Meta() Metadata { return l.meta }

// Authority returns the mint-authority account
func (l *Ledger) Authority() registry.Account { return l.authority }

// Registry returns the bound compliance registry
func (l *Ledger) Registry() *registry.Registry { return l.registry }

// Mint issues new units to an account. Authority-only. The recipient is not
// whitelist-checked: issuance to a custodian is allowed before that
// custodian's distribution is compliance-checked at transfer time.
func (l *Ledger) Mint(ctx context.Context, caller, to registry.Account, amount decimal.Decimal) error {
	if caller != l.authority {
		return ErrPermissionDenied
	}

	l.mu.Lock()
	if l.paused {
		l.mu.Unlock()
		return ErrPaused
	}
	if !amount.IsPositive() {
		l.mu.Unlock()
		return ErrInvalidAmount
	}

	l.balances[to] = l.balance(to).Add(amount)
	l.totalMinted = l.totalMinted.Add(amount)
	total := l.totalMinted
	l.mu.Unlock()

	l.msgClient.Publish(ctx, messaging.EventTypeTokenMinted, messaging.MintEvent{
		Symbol:      l.meta.Symbol,
		To:          to.String(),
		Amount:      amount.String(),
		TotalMinted: total.String(),
	})

	return nil
}

// Transfer moves amount from the caller to another account
func (l *Ledger) Transfer(ctx context.Context, caller, to registry.Account, amount decimal.Decimal) error {
	l.mu.Lock()
	if err := l.checkTransfer(caller, to, amount); err != nil {
		l.mu.Unlock()
		return err
	}
	l.applyTransfer(caller, to, amount)
	l.mu.Unlock()

	l.publishTransfer(ctx, caller, to, "", amount)
	return nil
}

// Approve sets (not adds to) the allowance the caller grants a spender.
// No whitelist check: an approval moves nothing by itself.
func (l *Ledger) Approve(ctx context.Context, caller, spender registry.Account, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	if l.allowances[caller] == nil {
		l.allowances[caller] = make(map[registry.Account]decimal.Decimal)
	}
	l.allowances[caller][spender] = amount
	l.mu.Unlock()

	l.msgClient.Publish(ctx, messaging.EventTypeTokenApproval, messaging.ApprovalEvent{
		Symbol:  l.meta.Symbol,
		Owner:   caller.String(),
		Spender: spender.String(),
		Amount:  amount.String(),
	})

	return nil
}

// TransferFrom moves amount from one account to another on the strength of an
// allowance the owner granted the caller. The allowance is decremented by
// exactly the transferred amount.
func (l *Ledger) TransferFrom(ctx context.Context, caller, from, to registry.Account, amount decimal.Decimal) error {
	l.mu.Lock()
	if err := l.checkTransferFrom(caller, from, to, amount); err != nil {
		l.mu.Unlock()
		return err
	}
	l.applyTransferFrom(caller, from, to, amount)
	l.mu.Unlock()

	l.publishTransfer(ctx, from, to, caller.String(), amount)
	return nil
}

// SetPaused toggles the pause flag. Authority-only; transitions from either
// state to either state are allowed, including no-ops.
func (l *Ledger) SetPaused(ctx context.Context, caller registry.Account, flag bool) error {
	if caller != l.authority {
		return ErrPermissionDenied
	}

	l.mu.Lock()
	l.paused = flag
	l.mu.Unlock()

	l.msgClient.Publish(ctx, messaging.EventTypeTokenPaused, messaging.PauseEvent{
		Symbol: l.meta.Symbol,
		Paused: flag,
	})

	return nil
}

// BalanceOf returns the account's balance
func (l *Ledger) BalanceOf(account registry.Account) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balance(account)
}

// Allowance returns what the owner has granted the spender
func (l *Ledger) Allowance(owner, spender registry.Account) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.allowance(owner, spender)
}

// TotalMinted returns the total amount ever issued on this ledger
func (l *Ledger) TotalMinted() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalMinted
}

// Paused reports the pause flag
func (l *Ledger) Paused() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.paused
}

// Internal state access. Callers must hold l.mu.

func (l *Ledger) balance(account registry.Account) decimal.Decimal {
	if b, ok := l.balances[account]; ok {
		return b
	}
	return decimal.Zero
}

func (l *Ledger) allowance(owner, spender registry.Account) decimal.Decimal {
	if grants, ok := l.allowances[owner]; ok {
		if a, ok := grants[spender]; ok {
			return a
		}
	}
	return decimal.Zero
}

// checkTransfer verifies every transfer precondition without mutating state
func (l *Ledger) checkTransfer(from, to registry.Account, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	if l.paused {
		return ErrPaused
	}
	if !l.registry.IsAuthorized(to) {
		return ErrNotAuthorized
	}
	if l.balance(from).LessThan(amount) {
		return ErrInsufficientBalance
	}
	return nil
}

// checkTransferFrom verifies the allowance on top of the transfer checks
func (l *Ledger) checkTransferFrom(spender, from, to registry.Account, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	if l.allowance(from, spender).LessThan(amount) {
		return ErrInsufficientAllowance
	}
	return l.checkTransfer(from, to, amount)
}

// applyTransfer moves the amount. Preconditions must already hold.
func (l *Ledger) applyTransfer(from, to registry.Account, amount decimal.Decimal) {
	l.balances[from] = l.balance(from).Sub(amount)
	l.balances[to] = l.balance(to).Add(amount)
}

// applyTransferFrom moves the amount and burns down the allowance
func (l *Ledger) applyTransferFrom(spender, from, to registry.Account, amount decimal.Decimal) {
	l.applyTransfer(from, to, amount)
	if grants := l.allowances[from]; grants != nil {
		grants[spender] = l.allowance(from, spender).Sub(amount)
	}
}

func (l *Ledger) publishTransfer(ctx context.Context, from, to registry.Account, spender string, amount decimal.Decimal) {
	l.msgClient.Publish(ctx, messaging.EventTypeTokenTransfer, messaging.TransferEvent{
		Symbol:  l.meta.Symbol,
		From:    from.String(),
		To:      to.String(),
		Amount:  amount.String(),
		Spender: spender,
	})
}
