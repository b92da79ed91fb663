package orchestrator

import (
	"github.com/freeflowuniverse/mailpay/pkg/intent"
	"github.com/freeflowuniverse/mailpay/pkg/ledger"
	"github.com/shopspring/decimal"
)

// Outcome is the terminal tag of one pipeline invocation.
type Outcome string

const (
	OutcomeSenderWalletCreated          Outcome = "sender_wallet_created"
	OutcomeSenderWalletCreationFailed   Outcome = "sender_wallet_creation_failed"
	OutcomeInsufficientFunds            Outcome = "insufficient_funds"
	OutcomeNoReceiver                   Outcome = "no_receiver"
	OutcomeReceiverWalletCreationFailed Outcome = "receiver_wallet_creation_failed"
	OutcomeTransferCompleted            Outcome = "transfer_completed"
	OutcomeTransferFailed               Outcome = "transfer_failed"
	OutcomeLedgerUnavailable            Outcome = "ledger_unavailable"

	OutcomeBalanceRetrieved     Outcome = "balance_retrieved"
	OutcomeWalletCreatedEmpty   Outcome = "wallet_created_empty"
	OutcomeBalanceInquiryFailed Outcome = "balance_inquiry_failed"
)

// Succeeded reports whether the outcome completes the request. Only these
// outcomes release the archived message.
func (o Outcome) Succeeded() bool {
	switch o {
	case OutcomeTransferCompleted, OutcomeWalletCreatedEmpty, OutcomeBalanceRetrieved:
		return true
	}
	return false
}

// Error classes attached to failed results. Transfer rejections use the
// ledger classes (nonce_reuse, insufficient_funds, generic_revert).
const (
	ClassLedgerUnavailable    = "ledger_unavailable"
	ClassWalletCreationFailed = "wallet_creation_failed"
	ClassInsufficientFunds    = string(ledger.ClassInsufficientFunds)
	ClassNoReceiver           = "no_receiver"
)

// Failure is the structured classification of a failed result.
type Failure struct {
	Class   string `json:"class"`
	Message string `json:"message"`
}

// TransactionResult is produced once per transaction intent.
type TransactionResult struct {
	Outcome   Outcome     `json:"outcome"`
	Kind      intent.Kind `json:"kind"`
	MessageID string      `json:"message_id"`

	Sender           string         `json:"sender"`
	Recipient        string         `json:"recipient,omitempty"`
	SenderAddress    ledger.Address `json:"sender_address,omitempty"`
	RecipientAddress ledger.Address `json:"recipient_address,omitempty"`
	// AddressAuthoritative is false when SenderAddress could not be
	// confirmed by the ledger. A degraded result never carries an address.
	AddressAuthoritative bool `json:"address_authoritative"`
	Degraded             bool `json:"degraded"`

	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	CallSign string          `json:"call_sign,omitempty"`
	Nonce    string          `json:"nonce,omitempty"`
	TxRef    string          `json:"tx_ref,omitempty"`

	SenderBalance    *decimal.Decimal `json:"sender_balance,omitempty"`
	RecipientBalance *decimal.Decimal `json:"recipient_balance,omitempty"`

	Message string   `json:"message"`
	Error   *Failure `json:"error,omitempty"`
}

// BalanceInquiryResult is produced once per balance inquiry.
type BalanceInquiryResult struct {
	Outcome   Outcome         `json:"outcome"`
	MessageID string          `json:"message_id"`
	Sender    string          `json:"sender"`
	Address   ledger.Address  `json:"address,omitempty"`
	Balance   decimal.Decimal `json:"balance"`
	TxRef     string          `json:"tx_ref,omitempty"`
	Message   string          `json:"message"`
	Error     *Failure        `json:"error,omitempty"`
}
