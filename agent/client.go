package agent

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"sync"

	"github.com/stellar/paylink/agent/msg"
)

// DefaultAccountID is the account id the client role uses with its
// settler. The client has a single counterparty, so a fixed id serves.
const DefaultAccountID = "0"

// ClientConfig contains the information that can be supplied to
// configure a Client at construction.
type ClientConfig struct {
	Settler Settler
	Caller  Caller

	LogWriter io.Writer

	Events chan<- interface{}
}

// NewClient constructs a new client role agent with the given config.
func NewClient(c ClientConfig) *Client {
	client := &Client{
		settler:   c.Settler,
		caller:    c.Caller,
		logWriter: c.LogWriter,
		events:    c.Events,
	}
	if client.logWriter == nil {
		client.logWriter = discardWriter
	}
	return client
}

// Client is the client role of the payment relationship. It keeps no
// balance of its own, balance bookkeeping is delegated to the caller
// through the money handler. It answers the counterparty's payment
// detail requests and sends money directly on the external ledger.
type Client struct {
	settler   Settler
	logWriter io.Writer
	events    chan<- interface{}

	// mu is a lock for the mutable fields of this type. It should be
	// locked when reading or writing any of the mutable fields. The
	// mutable fields are listed below. If pushing to a chan, such as
	// events, it is unnecessary to lock.
	mu sync.Mutex

	caller       Caller
	connected    bool
	dataHandler  DataHandler
	moneyHandler MoneyHandler
}

// SetCaller sets the caller used to reach the counterparty. It exists
// so that transports that need the client as their handler can be
// constructed before being handed to the client.
func (c *Client) SetCaller(caller Caller) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caller = caller
}

// Connect connects the settler and starts forwarding its confirmed
// incoming transfers to the money handler. Calling Connect when already
// connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	payments, err := c.settler.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connecting settler: %w", err)
	}
	c.connected = true

	go c.moneyLoop(payments)

	if c.events != nil {
		c.events <- ConnectedEvent{}
	}
	return nil
}

// moneyLoop forwards confirmed incoming transfers to the money handler
// for the lifetime of the settler connection. Events arriving while no
// handler is registered are logged and dropped.
func (c *Client) moneyLoop(payments <-chan IncomingPayment) {
	for p := range payments {
		if p.Amount == nil || p.Amount.Sign() <= 0 {
			fmt.Fprintf(c.logWriter, "ignoring malformed incoming transfer: amount=%v\n", p.Amount)
			continue
		}
		c.mu.Lock()
		handler := c.moneyHandler
		c.mu.Unlock()
		if handler == nil {
			fmt.Fprintf(c.logWriter, "no money handler registered, dropping incoming transfer of %s\n", p.Amount)
			continue
		}
		err := handler(context.Background(), p.Amount)
		if err != nil {
			fmt.Fprintf(c.logWriter, "error handling incoming transfer of %s: %v\n", p.Amount, err)
			if c.events != nil {
				c.events <- ErrorEvent{Err: err}
			}
			continue
		}
		if c.events != nil {
			c.events <- MoneyReceivedEvent{AccountID: DefaultAccountID, Amount: p.Amount}
		}
	}
}

// RegisterDataHandler registers the handler inbound application packets
// are forwarded to.
func (c *Client) RegisterDataHandler(h DataHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dataHandler = h
}

// DeregisterDataHandler removes the registered data handler.
func (c *Client) DeregisterDataHandler() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dataHandler = nil
}

// RegisterMoneyHandler registers the handler confirmed incoming
// transfers are forwarded to.
func (c *Client) RegisterMoneyHandler(h MoneyHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.moneyHandler = h
}

// DeregisterMoneyHandler removes the registered money handler.
func (c *Client) DeregisterMoneyHandler() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.moneyHandler = nil
}

// SendMoney requests the counterparty's payment details and sends the
// given amount to them on the external ledger. A counterparty that does
// not answer with details aborts the send.
func (c *Client) SendMoney(ctx context.Context, amount *big.Int) error {
	c.mu.Lock()
	caller := c.caller
	c.mu.Unlock()
	if caller == nil {
		return fmt.Errorf("not connected to a counterparty")
	}

	details, err := requestPaymentDetails(ctx, caller.Call)
	if err != nil {
		return err
	}
	err = c.settler.SendPayment(ctx, details, amount)
	if err != nil {
		return fmt.Errorf("sending payment of %s: %w", amount, err)
	}
	fmt.Fprintf(c.logWriter, "sent payment of %s\n", amount)
	if c.events != nil {
		c.events <- MoneySentEvent{Amount: amount}
	}
	return nil
}

// HandleData handles one inbound request from the counterparty.
// Requests carrying the reserved payment details key are answered with
// the settler's payment details and never reach the data handler. All
// other requests are forwarded to the data handler unchanged.
func (c *Client) HandleData(ctx context.Context, from string, data msg.ProtocolData) (msg.ProtocolData, error) {
	if data.Has(msg.KeyPaymentDetails) {
		details, err := c.settler.PaymentDetails(ctx, DefaultAccountID)
		if err != nil {
			return nil, fmt.Errorf("getting payment details: %w", err)
		}
		return msg.ProtocolData{}.With(msg.KeyPaymentDetails, details), nil
	}

	c.mu.Lock()
	handler := c.dataHandler
	c.mu.Unlock()
	if handler == nil {
		return nil, ErrNoHandlerRegistered
	}

	pkt, _ := data.Get(msg.KeyPacket)
	response, err := handler(ctx, pkt)
	if err != nil {
		return nil, fmt.Errorf("handling data: %w", err)
	}
	return msg.ProtocolData{}.With(msg.KeyPacket, response), nil
}
