// Package notify tells the participants of a request how it ended.
//
// The sender always gets a message. The recipient of a transaction gets one
// too when it is known and is not the sender. Each delivery is attempted on
// its own and failures are reported, never raised.
package notify

import (
	"context"
	"fmt"
	"strings"

	mplog "github.com/freeflowuniverse/mailpay/pkg/logger"
	"github.com/freeflowuniverse/mailpay/pkg/mail"
	"github.com/freeflowuniverse/mailpay/pkg/orchestrator"
	"go.uber.org/zap"
)

// Config configures the outbound identity and links.
type Config struct {
	From        string
	ReplyTo     string
	ExplorerURL string
}

// Delivery is the outcome of one notification.
type Delivery struct {
	Recipient string `json:"recipient"`
	Sent      bool   `json:"sent"`
	Error     string `json:"error,omitempty"`
}

// Report collects the deliveries of one dispatch. Recipient is nil when no
// recipient notification was attempted.
type Report struct {
	Sender    Delivery  `json:"sender"`
	Recipient *Delivery `json:"recipient,omitempty"`
}

// Success reports whether every attempted delivery went out.
func (r Report) Success() bool {
	if !r.Sender.Sent {
		return false
	}
	return r.Recipient == nil || r.Recipient.Sent
}

// Dispatcher composes and sends notifications.
type Dispatcher struct {
	sender   Sender
	composer *Composer
	from     string
	logger   *zap.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(sender Sender, cfg Config, logger *zap.Logger) *Dispatcher {
	logger = mplog.OrNop(logger)
	return &Dispatcher{
		sender:   sender,
		composer: NewComposer(cfg),
		from:     cfg.From,
		logger:   logger.Named("notify"),
	}
}

// NotifyTransaction reports res to the sender and, when a transfer was
// submitted to the ledger, to the recipient of the transaction.
func (d *Dispatcher) NotifyTransaction(ctx context.Context, original *mail.Message, res *orchestrator.TransactionResult) Report {
	report := Report{
		Sender: d.deliver(ctx, Notice{
			To:        res.Sender,
			Subject:   transactionSubject(res),
			Markdown:  d.senderTransactionBody(res),
			InReplyTo: original.MessageID,
		}),
	}

	recipient := mail.NormalizeAddress(res.Recipient)
	if transferAttempted(res.Outcome) && recipient != "" && recipient != mail.NormalizeAddress(res.Sender) {
		delivery := d.deliver(ctx, Notice{
			To:       recipient,
			Subject:  recipientSubject(res),
			Markdown: d.recipientTransactionBody(res),
		})
		report.Recipient = &delivery
	}

	d.logReport(res.MessageID, string(res.Outcome), report)
	return report
}

// NotifyBalanceInquiry reports res to the sender.
func (d *Dispatcher) NotifyBalanceInquiry(ctx context.Context, original *mail.Message, res *orchestrator.BalanceInquiryResult) Report {
	report := Report{
		Sender: d.deliver(ctx, Notice{
			To:        res.Sender,
			Subject:   balanceSubject(res),
			Markdown:  d.balanceBody(res),
			InReplyTo: original.MessageID,
		}),
	}
	d.logReport(res.MessageID, string(res.Outcome), report)
	return report
}

func (d *Dispatcher) deliver(ctx context.Context, n Notice) Delivery {
	delivery := Delivery{Recipient: n.To}
	if n.To == "" {
		delivery.Error = "no address"
		return delivery
	}
	msg, err := d.composer.Encode(n)
	if err != nil {
		delivery.Error = err.Error()
		return delivery
	}
	if err := d.sender.Send(ctx, d.from, []string{n.To}, msg); err != nil {
		delivery.Error = err.Error()
		return delivery
	}
	delivery.Sent = true
	return delivery
}

func (d *Dispatcher) logReport(messageID, outcome string, r Report) {
	fields := []zap.Field{
		zap.String("message_id", messageID),
		zap.String("outcome", outcome),
		zap.Bool("sender_sent", r.Sender.Sent),
	}
	if r.Recipient != nil {
		fields = append(fields, zap.Bool("recipient_sent", r.Recipient.Sent))
	}
	if r.Success() {
		d.logger.Info("notifications sent", fields...)
		return
	}
	if r.Sender.Error != "" {
		fields = append(fields, zap.String("sender_error", r.Sender.Error))
	}
	if r.Recipient != nil && r.Recipient.Error != "" {
		fields = append(fields, zap.String("recipient_error", r.Recipient.Error))
	}
	d.logger.Warn("notification delivery incomplete", fields...)
}

func transactionSubject(res *orchestrator.TransactionResult) string {
	amount := fmt.Sprintf("%s %s", res.Amount, res.Currency)
	switch res.Outcome {
	case orchestrator.OutcomeTransferCompleted:
		return "Payment sent: " + amount
	case orchestrator.OutcomeSenderWalletCreated:
		return "Your wallet was created"
	case orchestrator.OutcomeSenderWalletCreationFailed:
		return "Wallet creation failed"
	case orchestrator.OutcomeInsufficientFunds:
		return "Payment not sent: insufficient funds"
	case orchestrator.OutcomeNoReceiver:
		return "Payment not sent: no recipient"
	case orchestrator.OutcomeReceiverWalletCreationFailed:
		return "Payment not sent: recipient wallet unavailable"
	case orchestrator.OutcomeLedgerUnavailable:
		return "Payment not processed: ledger unavailable"
	default:
		return "Payment failed: " + amount
	}
}

// transferAttempted reports whether outcome follows a ledger transfer call.
// Outcomes that stop earlier concern only the sender.
func transferAttempted(outcome orchestrator.Outcome) bool {
	return outcome == orchestrator.OutcomeTransferCompleted || outcome == orchestrator.OutcomeTransferFailed
}

func recipientSubject(res *orchestrator.TransactionResult) string {
	if res.Outcome == orchestrator.OutcomeTransferCompleted {
		return fmt.Sprintf("You received %s %s", res.Amount, res.Currency)
	}
	return fmt.Sprintf("A payment from %s was not completed", res.Sender)
}

func balanceSubject(res *orchestrator.BalanceInquiryResult) string {
	switch res.Outcome {
	case orchestrator.OutcomeBalanceRetrieved:
		return "Your balance"
	case orchestrator.OutcomeWalletCreatedEmpty:
		return "Your wallet was created"
	default:
		return "Balance inquiry failed"
	}
}

type lines struct{ strings.Builder }

func (l *lines) row(label, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(l, "- **%s:** %s\n", label, value)
}

func (d *Dispatcher) linkRows(l *lines, ref string) {
	l.row("Transaction", ref)
	if link := d.composer.ExplorerLink(ref); link != "" {
		fmt.Fprintf(l, "\n[View on explorer](%s)\n", link)
	}
}

func (d *Dispatcher) senderTransactionBody(res *orchestrator.TransactionResult) string {
	var l lines
	fmt.Fprintf(&l, "%s\n\n", res.Message)
	l.row("Status", string(res.Outcome))
	l.row("Amount", fmt.Sprintf("%s %s", res.Amount, res.Currency))
	l.row("From", res.Sender)
	if res.AddressAuthoritative {
		l.row("Your wallet", string(res.SenderAddress))
	} else if res.Degraded {
		l.row("Your wallet", "not assigned")
	}
	l.row("To", res.Recipient)
	l.row("Recipient wallet", string(res.RecipientAddress))
	l.row("Call sign", res.CallSign)
	if res.SenderBalance != nil {
		l.row("Your balance", fmt.Sprintf("%s %s", res.SenderBalance, res.Currency))
	}
	if res.Error != nil {
		l.row("Reason", res.Error.Class)
	}
	d.linkRows(&l, res.TxRef)
	return l.String()
}

func (d *Dispatcher) recipientTransactionBody(res *orchestrator.TransactionResult) string {
	var l lines
	if res.Outcome == orchestrator.OutcomeTransferCompleted {
		fmt.Fprintf(&l, "%s sent you %s %s.\n\n", res.Sender, res.Amount, res.Currency)
	} else {
		fmt.Fprintf(&l, "%s tried to send you %s %s, but the payment was not completed.\n\n",
			res.Sender, res.Amount, res.Currency)
	}
	l.row("Status", string(res.Outcome))
	l.row("Your wallet", string(res.RecipientAddress))
	if res.RecipientBalance != nil {
		l.row("Your balance", fmt.Sprintf("%s %s", res.RecipientBalance, res.Currency))
	}
	d.linkRows(&l, res.TxRef)
	return l.String()
}

func (d *Dispatcher) balanceBody(res *orchestrator.BalanceInquiryResult) string {
	var l lines
	fmt.Fprintf(&l, "%s\n\n", res.Message)
	l.row("Status", string(res.Outcome))
	l.row("Wallet", string(res.Address))
	if res.Outcome != orchestrator.OutcomeBalanceInquiryFailed {
		l.row("Balance", res.Balance.String())
	}
	if res.Error != nil {
		l.row("Reason", res.Error.Class)
	}
	d.linkRows(&l, res.TxRef)
	return l.String()
}
