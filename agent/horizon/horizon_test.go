package horizon

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettler_paymentDetails(t *testing.T) {
	account := keypair.MustRandom()
	s := &Settler{AccountKey: account.FromAddress()}

	b, err := s.PaymentDetails(context.Background(), "acc1")
	require.NoError(t, err)

	details := PaymentDetails{}
	require.NoError(t, json.Unmarshal(b, &details))
	assert.Equal(t, account.Address(), details.Address)
	assert.NotZero(t, details.MemoID)

	// The same account always gets the same memo id.
	b2, err := s.PaymentDetails(context.Background(), "acc1")
	require.NoError(t, err)
	details2 := PaymentDetails{}
	require.NoError(t, json.Unmarshal(b2, &details2))
	assert.Equal(t, details.MemoID, details2.MemoID)

	// The memo id maps back to the account.
	accountID, ok := s.accountForMemoID(details.MemoID)
	require.True(t, ok)
	assert.Equal(t, "acc1", accountID)
}

func TestSettler_paymentDetailsDistinctPerAccount(t *testing.T) {
	s := &Settler{AccountKey: keypair.MustRandom().FromAddress()}

	seen := map[uint64]string{}
	for _, accountID := range []string{"acc1", "acc2", "acc3"} {
		b, err := s.PaymentDetails(context.Background(), accountID)
		require.NoError(t, err)
		details := PaymentDetails{}
		require.NoError(t, json.Unmarshal(b, &details))
		other, taken := seen[details.MemoID]
		require.False(t, taken, "memo id of %s collides with %s", accountID, other)
		seen[details.MemoID] = accountID
	}
}

func TestSettler_paymentDetailsWithoutAccount(t *testing.T) {
	s := &Settler{}
	_, err := s.PaymentDetails(context.Background(), "acc1")
	require.ErrorIs(t, err, ErrAccountNotConfigured)
}

func TestSettler_accountForUnknownMemoID(t *testing.T) {
	s := &Settler{AccountKey: keypair.MustRandom().FromAddress()}
	_, ok := s.accountForMemoID(12345)
	assert.False(t, ok)
}

func TestSettler_sendPaymentWithoutSigner(t *testing.T) {
	s := &Settler{AccountKey: keypair.MustRandom().FromAddress()}
	err := s.SendPayment(context.Background(), []byte(`{"address":"GREMOTE"}`), big.NewInt(1))
	require.ErrorIs(t, err, ErrSignerNotConfigured)
}

func TestSettler_sendPaymentValidatesInput(t *testing.T) {
	signer := keypair.MustRandom()
	s := &Settler{
		AccountKey:    signer.FromAddress(),
		AccountSigner: signer,
	}

	err := s.SendPayment(context.Background(), []byte(`not json`), big.NewInt(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing payment details")

	err = s.SendPayment(context.Background(), []byte(`{}`), big.NewInt(1))
	require.EqualError(t, err, "payment details missing address")

	details := []byte(`{"address":"GREMOTE","memo_id":1}`)
	err = s.SendPayment(context.Background(), details, big.NewInt(0))
	require.EqualError(t, err, "payment amount must be greater than 0")

	err = s.SendPayment(context.Background(), details, nil)
	require.EqualError(t, err, "payment amount must be greater than 0")

	over := new(big.Int).Lsh(big.NewInt(1), 70)
	err = s.SendPayment(context.Background(), details, over)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds the network's amount range")
}

func TestSettler_connectWithoutAccount(t *testing.T) {
	s := &Settler{}
	_, err := s.Connect(context.Background())
	require.ErrorIs(t, err, ErrAccountNotConfigured)
}
