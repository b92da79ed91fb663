// Package ledger is the gateway to the external value-transfer ledger.
//
// The pipeline depends only on the five operations of Client. Two drivers
// are provided: RPCClient talks JSON-RPC to a ledger gateway, Memory keeps
// accounts in process for local runs and tests.
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Address is a ledger account address.
type Address string

// Client is the contract the orchestrator consumes.
type Client interface {
	// IdentityHash maps an identity to its ledger key. It is deterministic
	// and case-insensitive.
	IdentityHash(identity string) Hash
	// Exists looks up the account for id. A missing account is reported in
	// the result, not as an error.
	Exists(ctx context.Context, id Hash) (ExistsResult, error)
	// Create opens an account for id.
	Create(ctx context.Context, id Hash, creds Credentials) (CreateResult, error)
	// Balance reads the balance of addr.
	Balance(ctx context.Context, addr Address) (decimal.Decimal, error)
	// Transfer moves funds. Rejections are returned as *RejectedError.
	Transfer(ctx context.Context, req TransferRequest) (TransferResult, error)
}

// ExistsResult is the outcome of an account lookup.
type ExistsResult struct {
	Exists  bool    `json:"exists"`
	Address Address `json:"address,omitempty"`
}

// Credentials authorize account creation. Proof is opaque to this service.
type Credentials struct {
	Proof    string `json:"proof"`
	Verifier string `json:"verifier,omitempty"`
}

// CreateResult is the outcome of a successful account creation.
type CreateResult struct {
	Address Address `json:"address"`
	Ref     string  `json:"tx_ref"`
}

// TransferRequest describes a single transfer.
type TransferRequest struct {
	From     Address         `json:"from"`
	To       Address         `json:"to"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Nonce    Hash            `json:"nonce"`
	Proof    string          `json:"proof"`
}

// TransferResult is the outcome of a successful transfer.
type TransferResult struct {
	Ref string `json:"tx_ref"`
}
