// Package intent extracts payment and balance-inquiry requests from inbound
// messages.
//
// Transaction requests are recognised by an ordered table of grammars. The
// first grammar whose match passes the validation gate produces the intent;
// a match that fails validation is skipped and the next grammar is tried.
package intent

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Kind distinguishes the two transaction intent shapes.
type Kind string

const (
	// KindTransfer names the recipient address explicitly in the text.
	KindTransfer Kind = "transfer"
	// KindTransferWithCallSign carries a call sign; the recipient comes from the To list.
	KindTransferWithCallSign Kind = "transfer_with_call_sign"
)

// TransactionIntent is an actionable request to move funds.
type TransactionIntent struct {
	Kind      Kind            `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Sender    string          `json:"sender"`
	Recipient string          `json:"recipient,omitempty"`
	CallSign  string          `json:"call_sign,omitempty"`
	// Candidates are the non-operator To addresses, in header order. They are
	// consulted only when Recipient is empty.
	Candidates []string `json:"candidates,omitempty"`
	MessageID  string   `json:"message_id"`
	// RequestID is the sender's Message-ID header, or MessageID when the
	// header is absent. A resent message carries the same value.
	RequestID string `json:"request_id,omitempty"`
	Grammar   string `json:"grammar"`
}

// NonceSeed returns the token the transfer nonce is derived from. Call-sign
// transfers use the call sign. Explicit-recipient transfers combine the
// request id with the recipient, amount and currency, so resubmitting the
// same message yields the same nonce.
func (t *TransactionIntent) NonceSeed() string {
	if t.CallSign != "" {
		return t.CallSign
	}
	request := t.RequestID
	if request == "" {
		request = t.MessageID
	}
	return strings.Join([]string{request, t.Recipient, t.Amount.String(), t.Currency}, "|")
}

// BalanceInquiryIntent is a request for the sender's current balance.
type BalanceInquiryIntent struct {
	Sender    string `json:"sender"`
	MessageID string `json:"message_id"`
}

// Result holds what Parse found. Either field may be nil.
type Result struct {
	Transaction    *TransactionIntent    `json:"transaction,omitempty"`
	BalanceInquiry *BalanceInquiryIntent `json:"balance_inquiry,omitempty"`
}

// Empty reports whether no intent was found.
func (r Result) Empty() bool {
	return r.Transaction == nil && r.BalanceInquiry == nil
}
