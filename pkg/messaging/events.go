package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event subjects
const (
	EventTypeRegistryUpdated = "registry.updated"

	EventTypeTokenMinted   = "token.minted"
	EventTypeTokenTransfer = "token.transfer"
	EventTypeTokenApproval = "token.approval"
	EventTypeTokenPaused   = "token.paused"

	EventTypeSettled          = "settlement.settled"
	EventTypeSettlementFailed = "settlement.failed"
)

// Event is the envelope every published message is wrapped in
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Data      json.RawMessage `json:"data"`
}

// RegistryEvent records a whitelist membership change
type RegistryEvent struct {
	Account    string `json:"account"`
	Authorized bool   `json:"authorized"`
}

// MintEvent records an issuance on a ledger
type MintEvent struct {
	Symbol      string `json:"symbol"`
	To          string `json:"to"`
	Amount      string `json:"amount"`
	TotalMinted string `json:"total_minted"`
}

// TransferEvent records a balance movement on a ledger
type TransferEvent struct {
	Symbol  string `json:"symbol"`
	From    string `json:"from"`
	To      string `json:"to"`
	Amount  string `json:"amount"`
	Spender string `json:"spender,omitempty"`
}

// ApprovalEvent records an allowance grant
type ApprovalEvent struct {
	Symbol  string `json:"symbol"`
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

// PauseEvent records a pause state transition
type PauseEvent struct {
	Symbol string `json:"symbol"`
	Paused bool   `json:"paused"`
}

// SettlementEvent records the outcome of a DvP instruction
type SettlementEvent struct {
	SettlementID string `json:"settlement_id"`
	Sequence     int64  `json:"sequence"`
	Buyer        string `json:"buyer"`
	Seller       string `json:"seller"`
	AssetSymbol  string `json:"asset_symbol"`
	CashSymbol   string `json:"cash_symbol"`
	AssetAmount  string `json:"asset_amount"`
	CashAmount   string `json:"cash_amount"`
	Outcome      string `json:"outcome"`
	FailedLeg    string `json:"failed_leg,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// NewEvent wraps payload data in an Event envelope
func NewEvent(eventType, source string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    source,
		Data:      dataBytes,
	}, nil
}

// ParseEventData parses event data into the specified type
func ParseEventData[T any](event *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return nil, err
	}
	return &data, nil
}
