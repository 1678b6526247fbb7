// Package agent contains the settlement-coordination core of a
// two-party payment relationship. One participant runs the client role,
// the other the server role. The server tracks a running balance for
// each connected account and settles on an external ledger when a
// balance crosses the configured threshold. The external ledger is
// abstracted behind the Settler interface, the messaging layer behind
// the Caller and AddressedCaller interfaces.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/stellar/paylink/agent/msg"
)

// IncomingPayment is a confirmed transfer received on the external
// ledger, attributed to a logical account.
type IncomingPayment struct {
	AccountID string
	Amount    *big.Int
}

// Settler executes settlements on an external ledger. Connect
// establishes the connection to the ledger and returns the stream of
// confirmed incoming transfers, which is closed when the settler
// disconnects. Payment details are opaque to the agent, it transports
// and stores them only for the duration of one settlement attempt.
type Settler interface {
	Connect(ctx context.Context) (<-chan IncomingPayment, error)
	PaymentDetails(ctx context.Context, accountID string) ([]byte, error)
	SendPayment(ctx context.Context, details []byte, amount *big.Int) error
}

// Caller sends a request over the messaging layer to the single
// counterparty and returns the correlated response's protocol data.
type Caller interface {
	Call(ctx context.Context, data msg.ProtocolData) (msg.ProtocolData, error)
}

// AddressedCaller sends a request over the messaging layer to a
// specific connected counterparty.
type AddressedCaller interface {
	Call(ctx context.Context, to string, data msg.ProtocolData) (msg.ProtocolData, error)
}

// AccountResolver maps a wire-level sender to the logical account id
// used for balance tracking and settlement.
type AccountResolver interface {
	ResolveAccount(from string) (string, error)
}

// IdentityResolver resolves every wire-level sender to itself.
type IdentityResolver struct{}

func (IdentityResolver) ResolveAccount(from string) (string, error) {
	return from, nil
}

// DataHandler handles the primary application packet of an inbound
// request and returns the response packet.
type DataHandler func(ctx context.Context, data []byte) ([]byte, error)

// MoneyHandler is notified of confirmed incoming transfers by the
// client role, which keeps no balance of its own.
type MoneyHandler func(ctx context.Context, amount *big.Int) error

// ErrPaymentDetailsUnavailable indicates the counterparty's response to
// a payment detail request did not carry payment details. It aborts the
// enclosing settlement or send-money attempt and is not retried.
var ErrPaymentDetailsUnavailable = errors.New("payment details unavailable")

// ErrNoHandlerRegistered indicates an inbound request required the
// application data handler and none is registered.
var ErrNoHandlerRegistered = errors.New("no data handler registered")

// requestPaymentDetails runs the requester side of the payment detail
// exchange against the given call function.
func requestPaymentDetails(ctx context.Context, call func(context.Context, msg.ProtocolData) (msg.ProtocolData, error)) ([]byte, error) {
	req := msg.ProtocolData{}.With(msg.KeyPaymentDetails, nil)
	resp, err := call(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("requesting payment details: %w", err)
	}
	details, ok := resp.Get(msg.KeyPaymentDetails)
	if !ok {
		return nil, ErrPaymentDetailsUnavailable
	}
	return details, nil
}

// discardWriter is the log writer used when none is configured.
var discardWriter io.Writer = io.Discard
