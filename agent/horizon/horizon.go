// Package horizon provides a Settler that executes settlements with
// native asset payments on the Stellar network via Horizon.
//
// Incoming payments are attributed to accounts by the memo id handed
// out in payment details. Without it two counterparties paying the same
// Stellar account could not be told apart, and a payment meant for
// another process sharing the account could be double counted.
package horizon

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	logging "github.com/ipfs/go-log"
	"github.com/stellar/go/amount"
	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/txnbuild"
	"github.com/stellar/paylink/agent"
	"golang.org/x/sync/errgroup"
)

var log = logging.Logger("horizon")

var _ agent.Settler = &Settler{}

// ErrAccountNotConfigured indicates the settler has no account key to
// receive payments on.
var ErrAccountNotConfigured = errors.New("account not configured")

// ErrSignerNotConfigured indicates the settler has no signing key and
// cannot send payments.
var ErrSignerNotConfigured = errors.New("signer not configured")

// PaymentDetails is the payload exchanged over the reserved payment
// details sub-protocol: the Stellar address to pay and the memo id to
// attach so the payment can be attributed to the paying account.
type PaymentDetails struct {
	Address string `json:"address"`
	MemoID  uint64 `json:"memo_id"`
}

// Settler executes settlements as native asset payments submitted to
// Horizon and watches the account's payments stream for confirmed
// incoming transfers.
type Settler struct {
	HorizonClient     horizonclient.ClientInterface
	NetworkPassphrase string

	AccountKey    *keypair.FromAddress
	AccountSigner *keypair.Full

	// BaseFee is the base fee used for submitted payments. Defaults to
	// the network minimum.
	BaseFee int64

	// mu guards the memo id maps.
	mu       sync.Mutex
	memoIDs  map[string]uint64
	accounts map[uint64]string
}

// Connect verifies the account exists on the network Horizon serves and
// starts streaming the account's payments. The returned channel carries
// confirmed incoming transfers and is closed when ctx is done.
func (s *Settler) Connect(ctx context.Context) (<-chan agent.IncomingPayment, error) {
	if s.AccountKey == nil {
		return nil, ErrAccountNotConfigured
	}

	g := errgroup.Group{}
	g.Go(func() error {
		_, err := s.HorizonClient.AccountDetail(horizonclient.AccountRequest{AccountID: s.AccountKey.Address()})
		if err != nil {
			return fmt.Errorf("getting account %s: %w", s.AccountKey.Address(), buildErr(err))
		}
		return nil
	})
	g.Go(func() error {
		root, err := s.HorizonClient.Root()
		if err != nil {
			return fmt.Errorf("getting horizon root: %w", buildErr(err))
		}
		if s.NetworkPassphrase != "" && root.NetworkPassphrase != s.NetworkPassphrase {
			return fmt.Errorf("horizon is on network %q, expected %q", root.NetworkPassphrase, s.NetworkPassphrase)
		}
		return nil
	})
	err := g.Wait()
	if err != nil {
		return nil, err
	}

	payments := make(chan agent.IncomingPayment)
	go s.streamPayments(ctx, payments)
	return payments, nil
}

// PaymentDetails returns the details a counterparty needs to pay this
// settler's account on behalf of the given account id.
func (s *Settler) PaymentDetails(ctx context.Context, accountID string) ([]byte, error) {
	if s.AccountKey == nil {
		return nil, ErrAccountNotConfigured
	}
	details := PaymentDetails{
		Address: s.AccountKey.Address(),
		MemoID:  s.memoIDForAccount(accountID),
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("encoding payment details: %w", err)
	}
	return b, nil
}

// memoIDForAccount returns the memo id assigned to the account,
// assigning a random unused id on first use.
func (s *Settler) memoIDForAccount(accountID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.memoIDs == nil {
		s.memoIDs = make(map[string]uint64)
		s.accounts = make(map[uint64]string)
	}
	if id, ok := s.memoIDs[accountID]; ok {
		return id
	}
	for {
		b := [4]byte{}
		_, err := rand.Read(b[:])
		if err != nil {
			panic(fmt.Errorf("reading random bytes: %w", err))
		}
		id := uint64(binary.BigEndian.Uint32(b[:]))
		if _, taken := s.accounts[id]; taken {
			continue
		}
		s.memoIDs[accountID] = id
		s.accounts[id] = accountID
		return id
	}
}

// accountForMemoID returns the account a memo id was assigned to.
func (s *Settler) accountForMemoID(id uint64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	accountID, ok := s.accounts[id]
	return accountID, ok
}

// SendPayment pays the amount, in stroops, to the destination described
// by details, attaching the memo id details carries.
func (s *Settler) SendPayment(ctx context.Context, details []byte, paymentAmount *big.Int) error {
	if s.AccountSigner == nil {
		return ErrSignerNotConfigured
	}
	d := PaymentDetails{}
	err := json.Unmarshal(details, &d)
	if err != nil {
		return fmt.Errorf("parsing payment details: %w", err)
	}
	if d.Address == "" {
		return fmt.Errorf("payment details missing address")
	}
	if paymentAmount == nil || paymentAmount.Sign() <= 0 {
		return fmt.Errorf("payment amount must be greater than 0")
	}
	if !paymentAmount.IsInt64() {
		return fmt.Errorf("payment amount %s exceeds the network's amount range", paymentAmount)
	}

	sourceAccount, err := s.HorizonClient.AccountDetail(horizonclient.AccountRequest{AccountID: s.AccountKey.Address()})
	if err != nil {
		return fmt.Errorf("getting account %s: %w", s.AccountKey.Address(), buildErr(err))
	}

	baseFee := s.BaseFee
	if baseFee == 0 {
		baseFee = txnbuild.MinBaseFee
	}
	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &sourceAccount,
		IncrementSequenceNum: true,
		BaseFee:              baseFee,
		Preconditions: txnbuild.Preconditions{
			TimeBounds: txnbuild.NewTimeout(300),
		},
		Memo: txnbuild.MemoID(d.MemoID),
		Operations: []txnbuild.Operation{
			&txnbuild.Payment{
				Destination: d.Address,
				Amount:      amount.StringFromInt64(paymentAmount.Int64()),
				Asset:       txnbuild.NativeAsset{},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("building payment tx: %w", err)
	}
	tx, err = tx.Sign(s.NetworkPassphrase, s.AccountSigner)
	if err != nil {
		return fmt.Errorf("signing payment tx: %w", err)
	}
	_, err = s.HorizonClient.SubmitTransaction(tx)
	if err != nil {
		return fmt.Errorf("submitting payment tx: %w", buildErr(err))
	}
	log.Infof("sent payment of %s to %s with memo id %d", paymentAmount, d.Address, d.MemoID)
	return nil
}

func buildErr(err error) error {
	if hErr := horizonclient.GetError(err); hErr != nil {
		resultString, rErr := hErr.ResultString()
		if rErr != nil {
			resultString = "<error getting result string: " + rErr.Error() + ">"
		}
		return fmt.Errorf("%w (%v)", err, resultString)
	}
	return err
}
