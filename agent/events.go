package agent

import "math/big"

// ErrorEvent occurs when an error has occurred, and contains the error
// occurred.
type ErrorEvent struct {
	Err error
}

// ConnectedEvent occurs when the agent has connected to the external
// ledger and begun reconciling incoming transfers.
type ConnectedEvent struct{}

// MoneyReceivedEvent occurs when a confirmed incoming transfer has been
// applied to an account's balance.
type MoneyReceivedEvent struct {
	AccountID string
	Amount    *big.Int
}

// MoneySentEvent occurs when the client has sent a payment to the
// counterparty on the external ledger.
type MoneySentEvent struct {
	Amount *big.Int
}

// PacketRejectedEvent occurs when an inbound prepare is rejected
// without reaching the data handler because the account's balance
// exceeds the credit limit.
type PacketRejectedEvent struct {
	AccountID string
	Code      string
}

// SettlementSentEvent occurs when a settlement has completed and its
// amount has been applied to the account's balance.
type SettlementSentEvent struct {
	SettlementID string
	AccountID    string
	Amount       *big.Int
}

// SettlementFailedEvent occurs when a settlement attempt has failed.
// The balance is left unchanged so the deficit persists and will
// trigger another attempt on the next threshold crossing.
type SettlementFailedEvent struct {
	SettlementID string
	AccountID    string
	Err          error
}
