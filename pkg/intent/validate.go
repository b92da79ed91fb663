package intent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/freeflowuniverse/mailpay/pkg/mail"
	"github.com/shopspring/decimal"
)

// ErrValidation marks a grammar match that is not actionable.
var ErrValidation = errors.New("intent validation failed")

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// gate applies the checks every grammar match must pass, whatever grammar
// produced it.
type gate struct {
	operators  []string
	currencies map[string]bool
}

func (g gate) check(c Candidate, msg *mail.Message) (*TransactionIntent, error) {
	currency := strings.ToUpper(strings.TrimSpace(c.Currency))
	if !g.currencies[currency] {
		return nil, validationError("unsupported currency %q", c.Currency)
	}

	amount, err := decimal.NewFromString(c.Amount)
	if err != nil {
		return nil, validationError("invalid amount %q", c.Amount)
	}
	if !amount.IsPositive() {
		return nil, validationError("amount must be positive, got %s", amount)
	}

	if !g.operatorPresent(msg) {
		return nil, validationError("no operator address in To or Cc")
	}

	sender := mail.NormalizeAddress(msg.Sender())
	if sender == "" {
		return nil, validationError("message has no sender")
	}

	out := &TransactionIntent{
		Kind:      c.Kind,
		Amount:    amount,
		Currency:  currency,
		Sender:    sender,
		MessageID: msg.ID,
		RequestID: msg.MessageID,
	}

	switch c.Kind {
	case KindTransfer:
		recipient := mail.NormalizeAddress(c.Recipient)
		if !mail.ValidAddress(recipient) {
			return nil, validationError("invalid recipient %q", c.Recipient)
		}
		out.Recipient = recipient
	case KindTransferWithCallSign:
		if c.CallSign == "" {
			return nil, validationError("empty call sign")
		}
		out.CallSign = strings.ToLower(c.CallSign)
		out.Candidates = g.nonOperators(msg.To)
	default:
		return nil, validationError("unknown intent kind %q", c.Kind)
	}
	return out, nil
}

func (g gate) isOperator(addr string) bool {
	return mail.Contains(g.operators, addr)
}

func (g gate) operatorPresent(msg *mail.Message) bool {
	for _, list := range [][]string{msg.To, msg.Cc} {
		for _, addr := range list {
			if g.isOperator(addr) {
				return true
			}
		}
	}
	return false
}

// allOperators reports whether every To address is an operator address.
func (g gate) allOperators(to []string) bool {
	if len(to) == 0 {
		return false
	}
	for _, addr := range to {
		if !g.isOperator(addr) {
			return false
		}
	}
	return true
}

func (g gate) nonOperators(addrs []string) []string {
	var out []string
	for _, addr := range addrs {
		if !g.isOperator(addr) {
			out = append(out, addr)
		}
	}
	return out
}
