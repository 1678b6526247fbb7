package agent

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stellar/paylink/agent/msg"
	"github.com/stellar/paylink/balance"
	"github.com/stellar/paylink/packet"
)

// ServerConfig contains the information that can be supplied to
// configure a Server at construction.
type ServerConfig struct {
	Settler         Settler
	Caller          AddressedCaller
	AccountResolver AccountResolver

	// Address is the node's own address, used as the triggered-by of
	// rejects the server issues itself.
	Address string

	// SettleTo is the balance a settlement attempts to move an account
	// toward. Defaults to zero.
	SettleTo *big.Int

	// SettleThreshold is the balance below which a settlement is
	// triggered. If nil, settlement is never triggered.
	SettleThreshold *big.Int

	// CreditLimit is the balance above which new prepares from an
	// account are rejected. Defaults to zero.
	CreditLimit *big.Int

	// SettleTimeout bounds one settlement attempt, covering the detail
	// exchange and the external send. Defaults to one minute.
	SettleTimeout time.Duration

	LogWriter io.Writer

	Events chan<- interface{}
}

// NewServer constructs a new server role agent with the given config.
func NewServer(c ServerConfig) *Server {
	s := &Server{
		settler:         c.Settler,
		caller:          c.Caller,
		resolver:        c.AccountResolver,
		address:         c.Address,
		settleTo:        c.SettleTo,
		settleThreshold: c.SettleThreshold,
		creditLimit:     c.CreditLimit,
		settleTimeout:   c.SettleTimeout,
		logWriter:       c.LogWriter,
		events:          c.Events,
		ledger:          balance.NewLedger(),
	}
	if s.resolver == nil {
		s.resolver = IdentityResolver{}
	}
	if s.settleTo == nil {
		s.settleTo = big.NewInt(0)
	}
	if s.creditLimit == nil {
		s.creditLimit = big.NewInt(0)
	}
	if s.settleTimeout == 0 {
		s.settleTimeout = time.Minute
	}
	if s.logWriter == nil {
		s.logWriter = discardWriter
	}
	return s
}

// Server is the server role of the payment relationship. It tracks a
// balance per connected account, does packet accounting as traffic
// flows, and settles on the external ledger when an account's balance
// drops below the settle threshold.
type Server struct {
	settler         Settler
	resolver        AccountResolver
	address         string
	settleTo        *big.Int
	settleThreshold *big.Int
	creditLimit     *big.Int
	settleTimeout   time.Duration
	logWriter       io.Writer
	events          chan<- interface{}

	ledger *balance.Ledger

	// mu is a lock for the mutable fields of this type. It should be
	// locked when reading or writing any of the mutable fields. The
	// mutable fields are listed below. If pushing to a chan, such as
	// events, it is unnecessary to lock.
	mu sync.Mutex

	caller      AddressedCaller
	connected   bool
	dataHandler DataHandler
}

// SetCaller sets the caller used to reach connected counterparties. It
// exists so that transports that need the server as their handler can
// be constructed before being handed to the server.
func (s *Server) SetCaller(caller AddressedCaller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caller = caller
}

// Connect connects the settler and starts applying its confirmed
// incoming transfers to the ledger. Calling Connect when already
// connected is a no-op.
func (s *Server) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	payments, err := s.settler.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connecting settler: %w", err)
	}
	s.connected = true

	go s.reconcileLoop(payments)

	if s.events != nil {
		s.events <- ConnectedEvent{}
	}
	return nil
}

// reconcileLoop applies confirmed incoming transfers to the ledger for
// the lifetime of the settler connection. Malformed events are logged
// and dropped so a single bad event cannot stop accounting for other
// accounts.
func (s *Server) reconcileLoop(payments <-chan IncomingPayment) {
	for p := range payments {
		if p.AccountID == "" || p.Amount == nil || p.Amount.Sign() <= 0 {
			fmt.Fprintf(s.logWriter, "ignoring malformed incoming transfer: account=%q amount=%v\n", p.AccountID, p.Amount)
			continue
		}
		newBalance := s.ledger.Adjust(p.AccountID, new(big.Int).Neg(p.Amount))
		fmt.Fprintf(s.logWriter, "incoming transfer of %s from account %s, balance now %s\n", p.Amount, p.AccountID, newBalance)
		if s.events != nil {
			s.events <- MoneyReceivedEvent{AccountID: p.AccountID, Amount: p.Amount}
		}
	}
}

// RegisterDataHandler registers the handler inbound application packets
// are forwarded to.
func (s *Server) RegisterDataHandler(h DataHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataHandler = h
}

// DeregisterDataHandler removes the registered data handler.
func (s *Server) DeregisterDataHandler() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataHandler = nil
}

// Balance returns the balance of the given account.
func (s *Server) Balance(accountID string) *big.Int {
	return s.ledger.Get(accountID)
}

// Snapshot returns a copy of the state of all accounts.
func (s *Server) Snapshot() map[string]balance.AccountSnapshot {
	return s.ledger.Snapshot()
}

// HandleData handles one inbound request from the wire-level sender
// from. Requests carrying the reserved payment details key are answered
// with the settler's payment details for the sender's account and never
// reach the data handler. All other requests go through packet
// accounting and are forwarded to the data handler.
func (s *Server) HandleData(ctx context.Context, from string, data msg.ProtocolData) (msg.ProtocolData, error) {
	account, err := s.resolver.ResolveAccount(from)
	if err != nil {
		return nil, fmt.Errorf("resolving account for %q: %w", from, err)
	}

	if data.Has(msg.KeyPaymentDetails) {
		details, err := s.settler.PaymentDetails(ctx, account)
		if err != nil {
			return nil, fmt.Errorf("getting payment details for account %s: %w", account, err)
		}
		return msg.ProtocolData{}.With(msg.KeyPaymentDetails, details), nil
	}

	pkt, _ := data.Get(msg.KeyPacket)

	// Reserve credit for prepares before forwarding, rejecting accounts
	// that already owe more than the credit limit.
	var reserved *big.Int
	if packet.Classify(pkt) == packet.KindPrepare {
		prepare, err := packet.Decode(pkt)
		if err != nil {
			return nil, fmt.Errorf("decoding prepare from account %s: %w", account, err)
		}
		if prepare.Amount == nil || prepare.Amount.Sign() < 0 {
			return nil, fmt.Errorf("prepare from account %s declares no amount", account)
		}
		if s.ledger.Get(account).Cmp(s.creditLimit) > 0 {
			reject, err := packet.NewReject(packet.CodeInsufficientBalance, s.address, "insufficient balance").Encode()
			if err != nil {
				return nil, fmt.Errorf("encoding reject: %w", err)
			}
			fmt.Fprintf(s.logWriter, "rejecting prepare from account %s: balance over credit limit\n", account)
			if s.events != nil {
				s.events <- PacketRejectedEvent{AccountID: account, Code: packet.CodeInsufficientBalance}
			}
			return msg.ProtocolData{}.With(msg.KeyPacket, reject), nil
		}
		reserved = prepare.Amount
		s.ledger.Adjust(account, reserved)
	}

	s.mu.Lock()
	handler := s.dataHandler
	s.mu.Unlock()
	if handler == nil {
		if reserved != nil {
			s.ledger.Adjust(account, new(big.Int).Neg(reserved))
		}
		return nil, ErrNoHandlerRegistered
	}

	response, err := handler(ctx, pkt)
	if err != nil {
		if reserved != nil {
			s.ledger.Adjust(account, new(big.Int).Neg(reserved))
		}
		return nil, fmt.Errorf("handling data from account %s: %w", account, err)
	}

	// Reservations are undone for packets that did not settle.
	if reserved != nil && packet.Classify(response) == packet.KindReject {
		s.ledger.Adjust(account, new(big.Int).Neg(reserved))
	}

	return msg.ProtocolData{}.With(msg.KeyPacket, response), nil
}

// HandlePrepareResponse applies fulfillment accounting for a prepare
// the host relayed out to the wire-level destination. A fulfilled
// prepare decreases the destination account's balance exactly once, and
// settlement is triggered if the balance crosses below the settle
// threshold. Responses other than fulfills change nothing.
func (s *Server) HandlePrepareResponse(destination string, response []byte, prepare []byte) error {
	if packet.Classify(response) != packet.KindFulfill {
		return nil
	}

	account, err := s.resolver.ResolveAccount(destination)
	if err != nil {
		return fmt.Errorf("resolving account for %q: %w", destination, err)
	}
	p, err := packet.Decode(prepare)
	if err != nil {
		return fmt.Errorf("decoding prepare relayed to account %s: %w", account, err)
	}
	if p.Kind != packet.KindPrepare || p.Amount == nil {
		return fmt.Errorf("packet relayed to account %s is not a prepare", account)
	}

	newBalance := s.ledger.Adjust(account, new(big.Int).Neg(p.Amount))
	fmt.Fprintf(s.logWriter, "fulfilled %s for account %s, balance now %s\n", p.Amount, account, newBalance)

	if s.settleThreshold != nil && newBalance.Cmp(s.settleThreshold) < 0 {
		s.settle(destination, account)
	}
	return nil
}

// settle kicks off a settlement for the account unless one is already
// in flight, in which case the trigger is dropped. The next threshold
// crossing after the in-flight attempt completes will re-trigger.
func (s *Server) settle(to string, account string) {
	if !s.ledger.TryBeginSettle(account) {
		return
	}
	go s.runSettle(to, account)
}

// runSettle performs one settlement attempt. It runs off the packet
// handling path so a slow external send never stalls packet accounting.
// On failure the balance is left unchanged so the deficit persists.
func (s *Server) runSettle(to string, account string) {
	defer s.ledger.EndSettle(account)

	id := uuid.NewString()
	ctx, cancel := context.WithTimeout(context.Background(), s.settleTimeout)
	defer cancel()

	fmt.Fprintf(s.logWriter, "settlement %s for account %s starting\n", id, account)

	s.mu.Lock()
	caller := s.caller
	s.mu.Unlock()
	if caller == nil {
		s.settleFailed(id, account, fmt.Errorf("not connected to a counterparty"))
		return
	}

	details, err := requestPaymentDetails(ctx, func(ctx context.Context, data msg.ProtocolData) (msg.ProtocolData, error) {
		return caller.Call(ctx, to, data)
	})
	if err != nil {
		s.settleFailed(id, account, err)
		return
	}

	amount := new(big.Int).Sub(s.settleTo, s.ledger.Get(account))
	if amount.Sign() <= 0 {
		fmt.Fprintf(s.logWriter, "settlement %s for account %s skipped: balance recovered\n", id, account)
		return
	}

	err = s.settler.SendPayment(ctx, details, amount)
	if err != nil {
		s.settleFailed(id, account, err)
		return
	}

	newBalance := s.ledger.Adjust(account, amount)
	fmt.Fprintf(s.logWriter, "settlement %s for account %s sent %s, balance now %s\n", id, account, amount, newBalance)
	if s.events != nil {
		s.events <- SettlementSentEvent{SettlementID: id, AccountID: account, Amount: amount}
	}
}

func (s *Server) settleFailed(id string, account string, err error) {
	fmt.Fprintf(s.logWriter, "settlement %s for account %s failed: %v\n", id, account, err)
	if s.events != nil {
		s.events <- SettlementFailedEvent{SettlementID: id, AccountID: account, Err: err}
	}
}
