package horizon

import (
	"context"
	"math/big"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stellar/go/amount"
	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/protocols/horizon/operations"
	"github.com/stellar/paylink/agent"
)

// streamPayments streams the account's payments and writes confirmed
// incoming transfers to the payments channel until ctx is done. Stream
// interruptions are retried with exponential backoff, resuming from the
// last seen cursor.
func (s *Settler) streamPayments(ctx context.Context, payments chan<- agent.IncomingPayment) {
	defer close(payments)

	cursor := "now"
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		req := horizonclient.OperationRequest{
			ForAccount: s.AccountKey.Address(),
			Cursor:     cursor,
		}
		err := s.HorizonClient.StreamPayments(ctx, req, func(op operations.Operation) {
			p, ok := op.(operations.Payment)
			if !ok {
				return
			}
			cursor = p.PagingToken()
			bo.Reset()
			incoming, ok := s.incomingPayment(p)
			if !ok {
				return
			}
			select {
			case payments <- incoming:
			case <-ctx.Done():
			}
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Errorf("payment stream interrupted: %v", buildErr(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// incomingPayment converts a streamed payment operation into a
// confirmed incoming transfer, attributing it to an account by the
// transaction's memo id. Payments that are not successful native
// payments to this account, or that carry no known memo id, are
// ignored. A malformed payment never stops the stream.
func (s *Settler) incomingPayment(p operations.Payment) (agent.IncomingPayment, bool) {
	if !p.IsTransactionSuccessful() {
		return agent.IncomingPayment{}, false
	}
	if p.To != s.AccountKey.Address() {
		return agent.IncomingPayment{}, false
	}
	if p.Asset.Type != "native" {
		return agent.IncomingPayment{}, false
	}

	tx, err := s.HorizonClient.TransactionDetail(p.GetTransactionHash())
	if err != nil {
		log.Errorf("getting transaction %s of incoming payment: %v", p.GetTransactionHash(), buildErr(err))
		return agent.IncomingPayment{}, false
	}
	if tx.MemoType != "id" {
		log.Debugf("ignoring incoming payment %s without memo id", p.GetID())
		return agent.IncomingPayment{}, false
	}
	memoID, err := strconv.ParseUint(tx.Memo, 10, 64)
	if err != nil {
		log.Errorf("parsing memo id %q of incoming payment %s: %v", tx.Memo, p.GetID(), err)
		return agent.IncomingPayment{}, false
	}
	accountID, ok := s.accountForMemoID(memoID)
	if !ok {
		log.Warnf("ignoring incoming payment %s with unknown memo id %d", p.GetID(), memoID)
		return agent.IncomingPayment{}, false
	}

	v, err := amount.ParseInt64(p.Amount)
	if err != nil {
		log.Errorf("parsing amount %q of incoming payment %s: %v", p.Amount, p.GetID(), err)
		return agent.IncomingPayment{}, false
	}
	return agent.IncomingPayment{AccountID: accountID, Amount: big.NewInt(v)}, true
}
