package intent

import (
	"strings"

	mplog "github.com/freeflowuniverse/mailpay/pkg/logger"
	"github.com/freeflowuniverse/mailpay/pkg/mail"
	"go.uber.org/zap"
)

// Config holds the addresses and currencies that make a message actionable.
type Config struct {
	OperatorAddresses   []string
	SupportedCurrencies []string
	// Grammars overrides the built-in table when non-empty.
	Grammars []Grammar
}

// Parser turns messages into intents. It holds no mutable state and is safe
// for concurrent use.
type Parser struct {
	grammars []Grammar
	gate     gate
	logger   *zap.Logger
}

// NewParser creates a parser for cfg.
func NewParser(cfg Config, logger *zap.Logger) *Parser {
	grammars := cfg.Grammars
	if len(grammars) == 0 {
		grammars = DefaultGrammars()
	}

	currencies := make(map[string]bool, len(cfg.SupportedCurrencies))
	for _, c := range cfg.SupportedCurrencies {
		currencies[strings.ToUpper(strings.TrimSpace(c))] = true
	}

	logger = mplog.OrNop(logger)

	return &Parser{
		grammars: sortGrammars(grammars),
		gate: gate{
			operators:  mail.NormalizeAddresses(mail.Many(cfg.OperatorAddresses)),
			currencies: currencies,
		},
		logger: logger.Named("intent"),
	}
}

// Parse extracts at most one transaction intent and at most one balance
// inquiry from msg.
func (p *Parser) Parse(msg *mail.Message) Result {
	if msg == nil {
		return Result{}
	}
	text := msg.SearchText()
	return Result{
		Transaction:    p.parseTransaction(msg, text),
		BalanceInquiry: p.parseBalanceInquiry(msg, text),
	}
}

func (p *Parser) parseTransaction(msg *mail.Message, text string) *TransactionIntent {
	for _, g := range p.grammars {
		candidate, ok := g.Match(text)
		if !ok {
			continue
		}
		out, err := p.gate.check(candidate, msg)
		if err != nil {
			p.logger.Debug("grammar match skipped",
				zap.String("message_id", msg.ID),
				zap.String("grammar", g.Name),
				zap.Error(err))
			continue
		}
		out.Grammar = g.Name
		return out
	}
	return nil
}

func (p *Parser) parseBalanceInquiry(msg *mail.Message, text string) *BalanceInquiryIntent {
	if !balancePattern.MatchString(text) {
		return nil
	}
	if !p.gate.allOperators(msg.To) {
		p.logger.Debug("balance inquiry ignored, addressed to a third party",
			zap.String("message_id", msg.ID))
		return nil
	}
	sender := mail.NormalizeAddress(msg.Sender())
	if sender == "" {
		return nil
	}
	return &BalanceInquiryIntent{Sender: sender, MessageID: msg.ID}
}

// IsOperator reports whether addr is a configured operator address.
func (p *Parser) IsOperator(addr string) bool {
	return p.gate.isOperator(mail.NormalizeAddress(addr))
}

// Operators returns the normalized operator addresses.
func (p *Parser) Operators() []string {
	return append([]string(nil), p.gate.operators...)
}
