package intent

import (
	"testing"

	"github.com/freeflowuniverse/mailpay/pkg/mail"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const operator = "pay@mailpay.io"

func newTestParser() *Parser {
	return NewParser(Config{
		OperatorAddresses:   []string{"PAY@mailpay.io"},
		SupportedCurrencies: []string{"dot", "PYUSD"},
	}, nil)
}

func message(subject, body string, to, cc []string) *mail.Message {
	return &mail.Message{
		ID:       "msg-1",
		From:     "alice@example.com",
		To:       to,
		Cc:       cc,
		Subject:  subject,
		TextBody: body,
	}
}

func TestParseCallSignTransfer(t *testing.T) {
	p := newTestParser()
	msg := message("", "send 5 DOT: alpha-one", []string{operator, "bob@example.com"}, nil)

	res := p.Parse(msg)
	require.NotNil(t, res.Transaction)
	tx := res.Transaction

	assert.Equal(t, KindTransferWithCallSign, tx.Kind)
	assert.True(t, tx.Amount.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, "DOT", tx.Currency)
	assert.Equal(t, "alpha-one", tx.CallSign)
	assert.Equal(t, "alice@example.com", tx.Sender)
	assert.Empty(t, tx.Recipient)
	assert.Equal(t, []string{"bob@example.com"}, tx.Candidates)
	assert.Equal(t, "msg-1", tx.MessageID)
	assert.Equal(t, "alpha-one", tx.NonceSeed())
	assert.Nil(t, res.BalanceInquiry)
}

func TestParseExplicitRecipientWithOperatorInCc(t *testing.T) {
	p := newTestParser()
	msg := message("Send 0.1 PYUSD to Bob@Example.com", "", []string{"friend@example.com"}, []string{operator})

	res := p.Parse(msg)
	require.NotNil(t, res.Transaction)
	tx := res.Transaction

	assert.Equal(t, KindTransfer, tx.Kind)
	assert.Equal(t, "0.1", tx.Amount.String())
	assert.Equal(t, "PYUSD", tx.Currency)
	assert.Equal(t, "bob@example.com", tx.Recipient)
	assert.Equal(t, "send_to", tx.Grammar)
	assert.Equal(t, "msg-1|bob@example.com|0.1|PYUSD", tx.NonceSeed())
}

func TestNonceSeedFollowsMessageIDHeader(t *testing.T) {
	p := newTestParser()
	first := message("", "send 2 DOT to bob@example.com", []string{operator}, nil)
	first.MessageID = "req-7@example.com"
	resent := message("", "send 2 DOT to bob@example.com", []string{operator}, nil)
	resent.ID = "msg-2"
	resent.MessageID = "req-7@example.com"

	a := p.Parse(first).Transaction
	b := p.Parse(resent).Transaction
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.NotEqual(t, a.MessageID, b.MessageID)
	assert.Equal(t, a.NonceSeed(), b.NonceSeed())

	other := message("", "send 3 DOT to bob@example.com", []string{operator}, nil)
	other.MessageID = "req-7@example.com"
	c := p.Parse(other).Transaction
	require.NotNil(t, c)
	assert.NotEqual(t, a.NonceSeed(), c.NonceSeed())
}

func TestParseOtherGrammars(t *testing.T) {
	p := newTestParser()
	tests := []struct {
		body      string
		grammar   string
		amount    string
		recipient string
	}{
		{"please transfer 2.5 dot to carol@example.org thanks", "transfer_to", "2.5", "carol@example.org"},
		{"Pay dan@example.com 12 pyusd", "pay", "12", "dan@example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.grammar, func(t *testing.T) {
			res := p.Parse(message("", tt.body, []string{operator}, nil))
			require.NotNil(t, res.Transaction)
			assert.Equal(t, tt.grammar, res.Transaction.Grammar)
			assert.Equal(t, tt.amount, res.Transaction.Amount.String())
			assert.Equal(t, tt.recipient, res.Transaction.Recipient)
		})
	}
}

func TestParseRequiresOperator(t *testing.T) {
	p := newTestParser()
	res := p.Parse(message("", "send 5 dot: alpha-one", []string{"bob@example.com"}, nil))
	assert.Nil(t, res.Transaction)
	assert.True(t, res.Empty())
}

func TestParseRejectsUnsupportedCurrencyAndBadAmount(t *testing.T) {
	p := newTestParser()

	res := p.Parse(message("", "send 5 btc: alpha", []string{operator}, nil))
	assert.Nil(t, res.Transaction)

	res = p.Parse(message("", "send 0 dot to bob@example.com", []string{operator}, nil))
	assert.Nil(t, res.Transaction)
}

func TestParseSkipsInvalidMatchAndContinues(t *testing.T) {
	p := newTestParser()
	// The call-sign grammar matches first but names an unsupported currency;
	// the explicit-recipient grammar further down still yields an intent.
	msg := message("", "send 3 eth: nope\ntransfer 1 dot to bob@example.com", []string{operator}, nil)

	res := p.Parse(msg)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, "transfer_to", res.Transaction.Grammar)
	assert.Equal(t, "bob@example.com", res.Transaction.Recipient)
}

func TestParseCallSignTakesPriority(t *testing.T) {
	p := newTestParser()
	msg := message("send 1 dot to bob@example.com", "send 2 dot: tango", []string{operator, "bob@example.com"}, nil)

	res := p.Parse(msg)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, KindTransferWithCallSign, res.Transaction.Kind)
	assert.Equal(t, "tango", res.Transaction.CallSign)
}

func TestParseBalanceInquiry(t *testing.T) {
	p := newTestParser()

	res := p.Parse(message("", "Hi, what is my balance?", []string{operator}, nil))
	require.NotNil(t, res.BalanceInquiry)
	assert.Equal(t, "alice@example.com", res.BalanceInquiry.Sender)
	assert.Equal(t, "msg-1", res.BalanceInquiry.MessageID)
	assert.Nil(t, res.Transaction)

	res = p.Parse(message("", "Hi, what is my balance?", []string{operator, "bob@example.com"}, nil))
	assert.Nil(t, res.BalanceInquiry)

	res = p.Parse(message("", "what is my balance", nil, []string{operator}))
	assert.Nil(t, res.BalanceInquiry)
}

func TestParseNormalizesSender(t *testing.T) {
	p := newTestParser()
	msg := message("", "send 1 dot: x1", []string{operator}, nil)
	msg.From = ""
	msg.EnvelopeFrom = "ALICE@Example.COM"

	res := p.Parse(msg)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, "alice@example.com", res.Transaction.Sender)
	assert.Empty(t, res.Transaction.Candidates)
}

func TestGrammarTableIsIndependentlyTestable(t *testing.T) {
	grammars := DefaultGrammars()
	require.Len(t, grammars, 4)

	c, ok := grammars[0].Match("send 5 dot: alpha-one.")
	require.True(t, ok)
	assert.Equal(t, "alpha-one", c.CallSign)

	_, ok = grammars[0].Match("send 5 dot to bob@example.com")
	assert.False(t, ok)

	c, ok = grammars[3].Match("pay bob@example.com .5 dot")
	require.True(t, ok)
	assert.Equal(t, ".5", c.Amount)
	assert.Equal(t, "bob@example.com", c.Recipient)
}

func TestCustomGrammarsAreSortedByPriority(t *testing.T) {
	defaults := DefaultGrammars()
	p := NewParser(Config{
		OperatorAddresses:   []string{operator},
		SupportedCurrencies: []string{"DOT"},
		Grammars:            []Grammar{defaults[2], defaults[0]},
	}, nil)

	require.Len(t, p.grammars, 2)
	assert.Equal(t, "send_call_sign", p.grammars[0].Name)
	assert.True(t, p.IsOperator("Pay@MailPay.io"))
	assert.Equal(t, []string{operator}, p.Operators())
}
