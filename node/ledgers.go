// node/ledgers.go

// In-process collaborator implementations backing a single node:
// - MemoryStakeLedger: custody of guardian stake balances
// - MemoryOwnershipLedger: account owner and session key records
// - MemoryAuthVerifier: registered auth factor secrets
// Production deployments replace these with adapters to the real chain
// and verification services through the same interfaces

package node

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/aegis-labs/go-aegis/core/types"
)

// MemoryStakeLedger holds stake balances in memory
type MemoryStakeLedger struct {
	mu       sync.RWMutex
	balances map[string]int64
	slashed  int64
}

func NewMemoryStakeLedger() *MemoryStakeLedger {
	return &MemoryStakeLedger{
		balances: make(map[string]int64),
	}
}

func (l *MemoryStakeLedger) Deposit(guardian string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("deposit amount must be positive, got %d", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[guardian] += amount
	return nil
}

func (l *MemoryStakeLedger) Withdraw(guardian string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("withdrawal amount must be positive, got %d", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[guardian] < amount {
		return fmt.Errorf("insufficient balance for %s: have %d, need %d",
			guardian, l.balances[guardian], amount)
	}
	l.balances[guardian] -= amount
	return nil
}

// Slash burns up to amount from the guardian's balance
func (l *MemoryStakeLedger) Slash(guardian string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("slash amount must be positive, got %d", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	burned := amount
	if l.balances[guardian] < burned {
		burned = l.balances[guardian]
	}
	l.balances[guardian] -= burned
	l.slashed += burned
	return nil
}

// Balance returns the guardian's current balance
func (l *MemoryStakeLedger) Balance(guardian string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[guardian]
}

// TotalSlashed returns the cumulative amount burned by slashing
func (l *MemoryStakeLedger) TotalSlashed() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.slashed
}

// ownedAccount is a registered account's ownership record
type ownedAccount struct {
	owner       string
	sessionKeys []string
}

// MemoryOwnershipLedger holds account ownership records in memory
type MemoryOwnershipLedger struct {
	mu       sync.RWMutex
	accounts map[string]*ownedAccount
}

func NewMemoryOwnershipLedger() *MemoryOwnershipLedger {
	return &MemoryOwnershipLedger{
		accounts: make(map[string]*ownedAccount),
	}
}

// RegisterAccount creates an ownership record
func (l *MemoryOwnershipLedger) RegisterAccount(account, owner string) error {
	if account == "" || owner == "" {
		return fmt.Errorf("account and owner addresses are required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.accounts[account]; exists {
		return fmt.Errorf("account %s already registered", account)
	}
	l.accounts[account] = &ownedAccount{owner: owner}
	return nil
}

func (l *MemoryOwnershipLedger) OwnerOf(ctx context.Context, account string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acc, exists := l.accounts[account]
	if !exists {
		return "", fmt.Errorf("unknown account %s", account)
	}
	return acc.owner, nil
}

func (l *MemoryOwnershipLedger) TransferOwnership(ctx context.Context, account, newOwner string) error {
	if newOwner == "" {
		return fmt.Errorf("new owner address is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, exists := l.accounts[account]
	if !exists {
		return fmt.Errorf("unknown account %s", account)
	}
	acc.owner = newOwner
	return nil
}

// RevokeSessionKeys invalidates every session key delegated by the
// previous owner
func (l *MemoryOwnershipLedger) RevokeSessionKeys(ctx context.Context, account string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, exists := l.accounts[account]
	if !exists {
		return fmt.Errorf("unknown account %s", account)
	}
	acc.sessionKeys = nil
	return nil
}

// AddSessionKey delegates a session key to the account
func (l *MemoryOwnershipLedger) AddSessionKey(account, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, exists := l.accounts[account]
	if !exists {
		return fmt.Errorf("unknown account %s", account)
	}
	acc.sessionKeys = append(acc.sessionKeys, key)
	return nil
}

// SessionKeys returns the account's active session keys
func (l *MemoryOwnershipLedger) SessionKeys(account string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acc, exists := l.accounts[account]
	if !exists {
		return nil
	}
	keys := make([]string, len(acc.sessionKeys))
	copy(keys, acc.sessionKeys)
	return keys
}

// MemoryAuthVerifier verifies auth factor proofs against registered
// secrets
type MemoryAuthVerifier struct {
	mu      sync.RWMutex
	secrets map[string]map[string][]byte // account -> factor type -> expected proof
}

func NewMemoryAuthVerifier() *MemoryAuthVerifier {
	return &MemoryAuthVerifier{
		secrets: make(map[string]map[string][]byte),
	}
}

// RegisterFactor stores the expected proof for an account's factor type
func (v *MemoryAuthVerifier) RegisterFactor(account, factorType string, proof []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.secrets[account] == nil {
		v.secrets[account] = make(map[string][]byte)
	}
	v.secrets[account][factorType] = append([]byte(nil), proof...)
}

// Verify checks every provided factor against the registered secret.
// At least one factor must be provided and each must match.
func (v *MemoryAuthVerifier) Verify(ctx context.Context, accountAddress string, factors []types.AuthFactor) (bool, error) {
	if len(factors) == 0 {
		return false, nil
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	registered := v.secrets[accountAddress]
	if registered == nil {
		return false, fmt.Errorf("no auth factors registered for %s", accountAddress)
	}
	for _, f := range factors {
		expected, exists := registered[f.Type]
		if !exists || !bytes.Equal(expected, f.Proof) {
			return false, nil
		}
	}
	return true, nil
}
