package ledger

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Memory is an in-process ledger. It keeps accounts, balances and consumed
// nonces in maps and rejects transfers the way a real ledger would.
type Memory struct {
	mu       sync.Mutex
	accounts map[Hash]Address
	balances map[Address]decimal.Decimal
	nonces   map[Hash]bool
	sequence uint64
	proof    string
	opening  decimal.Decimal
}

// MemoryOption configures a Memory ledger.
type MemoryOption func(*Memory)

// WithRequiredProof makes Create and Transfer reject calls whose proof does
// not equal proof.
func WithRequiredProof(proof string) MemoryOption {
	return func(m *Memory) { m.proof = proof }
}

// WithOpeningBalance credits every new account with amount.
func WithOpeningBalance(amount decimal.Decimal) MemoryOption {
	return func(m *Memory) { m.opening = amount }
}

// NewMemory creates an empty in-memory ledger.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		accounts: make(map[Hash]Address),
		balances: make(map[Address]decimal.Decimal),
		nonces:   make(map[Hash]bool),
		opening:  decimal.Zero,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddressFor returns the address an identity hash is assigned on creation:
// the last 20 bytes of its Keccak-256 digest.
func AddressFor(id Hash) Address {
	digest := keccak(id[:])
	return Address("0x" + hex.EncodeToString(digest[12:]))
}

// IdentityHash implements Client.
func (m *Memory) IdentityHash(identity string) Hash {
	return IdentityHash(identity)
}

// Exists implements Client.
func (m *Memory) Exists(_ context.Context, id Hash) (ExistsResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	addr, ok := m.accounts[id]
	if !ok {
		return ExistsResult{}, nil
	}
	return ExistsResult{Exists: true, Address: addr}, nil
}

// Create implements Client. Creating an existing account returns it unchanged.
func (m *Memory) Create(_ context.Context, id Hash, creds Credentials) (CreateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.proof != "" && creds.Proof != m.proof {
		return CreateResult{}, &RejectedError{Op: MethodCreateWallet, Class: ClassGenericRevert, Reason: "invalid proof"}
	}
	if addr, ok := m.accounts[id]; ok {
		return CreateResult{Address: addr, Ref: m.nextRef()}, nil
	}

	addr := AddressFor(id)
	m.accounts[id] = addr
	m.balances[addr] = m.opening
	return CreateResult{Address: addr, Ref: m.nextRef()}, nil
}

// Balance implements Client.
func (m *Memory) Balance(_ context.Context, addr Address) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[addr]
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown account %s", addr)
	}
	return bal, nil
}

// Transfer implements Client.
func (m *Memory) Transfer(_ context.Context, req TransferRequest) (TransferResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reject := func(class Class, reason string) (TransferResult, error) {
		return TransferResult{}, &RejectedError{Op: MethodTransfer, Class: class, Reason: reason}
	}

	if m.proof != "" && req.Proof != m.proof {
		return reject(ClassGenericRevert, "invalid proof")
	}
	if m.nonces[req.Nonce] {
		return reject(ClassNonceReuse, "nonce already used")
	}
	from, ok := m.balances[req.From]
	if !ok {
		return reject(ClassGenericRevert, "unknown sender account")
	}
	if _, ok := m.balances[req.To]; !ok {
		return reject(ClassGenericRevert, "unknown recipient account")
	}
	if !req.Amount.IsPositive() {
		return reject(ClassGenericRevert, "amount must be positive")
	}
	if from.LessThan(req.Amount) {
		return reject(ClassInsufficientFunds, "insufficient balance")
	}

	m.nonces[req.Nonce] = true
	m.balances[req.From] = from.Sub(req.Amount)
	m.balances[req.To] = m.balances[req.To].Add(req.Amount)
	return TransferResult{Ref: m.nextRef()}, nil
}

// Credit adds amount to the balance of addr. It is used to fund accounts in
// local runs.
func (m *Memory) Credit(addr Address, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[addr]
	if !ok {
		return fmt.Errorf("unknown account %s", addr)
	}
	m.balances[addr] = bal.Add(amount)
	return nil
}

func (m *Memory) nextRef() string {
	m.sequence++
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], m.sequence)
	return keccak([]byte("mailpay-ref:"), seq[:]).Hex()
}
