// Package balance provides the in-memory per-account ledger the agent
// uses to track amounts owed between this node and its counterparties.
//
// Balances are signed arbitrary precision integers in the smallest
// settlement unit. A positive balance means the account owes this node,
// a negative balance means this node owes the account.
package balance

import (
	"math/big"
	"sync"
)

// account holds all in-memory accounting information for one account.
type account struct {
	// mu is held during any accounting action for this account.
	mu       sync.Mutex
	balance  big.Int
	settling bool
}

// Ledger is a concurrency-safe mapping of account ids to balances.
// Accounts are created lazily on first use and have a balance of zero
// before their first adjustment.
type Ledger struct {
	// mu guards the accounts map. The balances within it are guarded by
	// each account's own mutex.
	mu       sync.Mutex
	accounts map[string]*account
}

// NewLedger constructs an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{accounts: make(map[string]*account)}
}

// account returns the entry for the given account id, initializing it
// if this is the first time the account is seen.
func (l *Ledger) account(accountID string) *account {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[accountID]
	if !ok {
		a = &account{}
		l.accounts[accountID] = a
	}
	return a
}

// Get returns the balance of the account. The returned value is a copy
// and is free to be mutated by the caller.
func (l *Ledger) Get(accountID string) *big.Int {
	a := l.account(accountID)
	a.mu.Lock()
	defer a.mu.Unlock()
	return new(big.Int).Set(&a.balance)
}

// Adjust adds delta to the account's balance as a single atomic
// read-modify-write and returns a copy of the new balance. Adjustments
// to the same account are linearized in arrival order.
func (l *Ledger) Adjust(accountID string, delta *big.Int) *big.Int {
	a := l.account(accountID)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balance.Add(&a.balance, delta)
	return new(big.Int).Set(&a.balance)
}

// TryBeginSettle marks the account as having a settlement in flight. It
// reports false, without changing anything, if a settlement for the
// account is already in flight.
func (l *Ledger) TryBeginSettle(accountID string) bool {
	a := l.account(accountID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.settling {
		return false
	}
	a.settling = true
	return true
}

// EndSettle clears the account's in-flight settlement flag. It is
// called on completion of a settlement whether it succeeded or failed.
func (l *Ledger) EndSettle(accountID string) {
	a := l.account(accountID)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settling = false
}

// Settling reports whether a settlement is in flight for the account.
func (l *Ledger) Settling(accountID string) bool {
	a := l.account(accountID)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settling
}

// AccountSnapshot is a point-in-time copy of one account's state.
type AccountSnapshot struct {
	Balance  *big.Int
	Settling bool
}

// Snapshot returns a copy of the state of all accounts the ledger has
// seen. The snapshot is not a consistent cut across accounts, each
// account's state is copied atomically on its own.
func (l *Ledger) Snapshot() map[string]AccountSnapshot {
	l.mu.Lock()
	accounts := make(map[string]*account, len(l.accounts))
	for id, a := range l.accounts {
		accounts[id] = a
	}
	l.mu.Unlock()

	snapshot := make(map[string]AccountSnapshot, len(accounts))
	for id, a := range accounts {
		a.mu.Lock()
		snapshot[id] = AccountSnapshot{
			Balance:  new(big.Int).Set(&a.balance),
			Settling: a.settling,
		}
		a.mu.Unlock()
	}
	return snapshot
}
