// Package pipeline runs one inbound message through parsing, archiving,
// ledger orchestration, notification and archive cleanup.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/freeflowuniverse/mailpay/pkg/archive"
	"github.com/freeflowuniverse/mailpay/pkg/intent"
	mplog "github.com/freeflowuniverse/mailpay/pkg/logger"
	"github.com/freeflowuniverse/mailpay/pkg/mail"
	"github.com/freeflowuniverse/mailpay/pkg/notify"
	"github.com/freeflowuniverse/mailpay/pkg/orchestrator"
	"go.uber.org/zap"
)

// Archive is the part of archive.Store the pipeline uses.
type Archive interface {
	Save(id string, raw []byte, meta archive.Metadata) (archive.Entry, error)
	Get(id string) ([]byte, error)
	Metadata(id string) (archive.Entry, error)
	Delete(id string) (bool, error)
}

// Executor runs intents against the ledger.
type Executor interface {
	ExecuteTransaction(ctx context.Context, in *intent.TransactionIntent) *orchestrator.TransactionResult
	ExecuteBalanceInquiry(ctx context.Context, in *intent.BalanceInquiryIntent) *orchestrator.BalanceInquiryResult
}

// Notifier reports results to the participants.
type Notifier interface {
	NotifyTransaction(ctx context.Context, original *mail.Message, res *orchestrator.TransactionResult) notify.Report
	NotifyBalanceInquiry(ctx context.Context, original *mail.Message, res *orchestrator.BalanceInquiryResult) notify.Report
}

// Report describes what happened to one message.
type Report struct {
	MessageID      string                             `json:"messageId"`
	Sender         string                             `json:"sender"`
	Archived       bool                               `json:"archived"`
	ArchiveError   string                             `json:"archiveError,omitempty"`
	Transaction    *orchestrator.TransactionResult    `json:"transaction,omitempty"`
	BalanceInquiry *orchestrator.BalanceInquiryResult `json:"balanceInquiry,omitempty"`
	Notification   *notify.Report                     `json:"notification,omitempty"`
	Cleaned        bool                               `json:"cleaned"`
}

// Outcome returns the terminal outcome, or "" when the message carried no
// actionable intent.
func (r *Report) Outcome() orchestrator.Outcome {
	switch {
	case r.Transaction != nil:
		return r.Transaction.Outcome
	case r.BalanceInquiry != nil:
		return r.BalanceInquiry.Outcome
	}
	return ""
}

// Pipeline is safe for concurrent use; each call works on its own message.
type Pipeline struct {
	parser   *intent.Parser
	archive  Archive
	executor Executor
	notifier Notifier
	logger   *zap.Logger
}

// New creates a Pipeline. notifier may be nil to disable notifications.
func New(parser *intent.Parser, store Archive, executor Executor, notifier Notifier, logger *zap.Logger) *Pipeline {
	logger = mplog.OrNop(logger)
	return &Pipeline{
		parser:   parser,
		archive:  store,
		executor: executor,
		notifier: notifier,
		logger:   logger.Named("pipeline"),
	}
}

// Handle runs Process and keeps only the error. It is the entry point of
// the SMTP gateway.
func (p *Pipeline) Handle(ctx context.Context, raw []byte, env mail.Envelope) error {
	_, err := p.Process(ctx, raw, env)
	return err
}

// Process parses raw, archives it and drives any intent it carries to a
// terminal outcome. Only a message that cannot be parsed is an error;
// archive, ledger and notification failures are recorded in the report.
func (p *Pipeline) Process(ctx context.Context, raw []byte, env mail.Envelope) (*Report, error) {
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = time.Now().UTC()
	}
	msg, err := mail.Parse(raw, env)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	report := &Report{MessageID: msg.ID, Sender: msg.Sender()}
	meta := archive.MetadataFor(msg)
	meta.EnvelopeTo = mail.NormalizeAddresses(mail.Many(env.To))
	if _, err := p.archive.Save(msg.ID, raw, meta); err != nil {
		p.logger.Error("failed to archive message", zap.String("message_id", msg.ID), zap.Error(err))
		report.ArchiveError = err.Error()
	} else {
		report.Archived = true
	}

	p.run(ctx, msg, report)
	return report, nil
}

// Replay runs an archived message through the pipeline again. The entry is
// not re-archived and keeps its id, so transfers without a call sign reuse
// their nonce.
func (p *Pipeline) Replay(ctx context.Context, id string) (*Report, error) {
	raw, err := p.archive.Get(id)
	if err != nil {
		return nil, err
	}
	entry, err := p.archive.Metadata(id)
	if err != nil {
		return nil, err
	}

	msg, err := mail.Parse(raw, mail.Envelope{
		From:       entry.EnvelopeFrom,
		To:         entry.EnvelopeTo,
		Client:     entry.Client,
		ReceivedAt: entry.ReceivedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse archived message %s: %w", id, err)
	}
	msg.ID = id

	p.logger.Info("replaying archived message", zap.String("message_id", id))
	report := &Report{MessageID: id, Sender: msg.Sender(), Archived: true}
	p.run(ctx, msg, report)
	return report, nil
}

func (p *Pipeline) run(ctx context.Context, msg *mail.Message, report *Report) {
	logger := p.logger.With(zap.String("message_id", msg.ID), zap.String("sender", report.Sender))
	parsed := p.parser.Parse(msg)

	switch {
	case parsed.Transaction != nil:
		res := p.executor.ExecuteTransaction(ctx, parsed.Transaction)
		report.Transaction = res
		if p.notifier != nil {
			n := p.notifier.NotifyTransaction(ctx, msg, res)
			report.Notification = &n
		}
	case parsed.BalanceInquiry != nil:
		res := p.executor.ExecuteBalanceInquiry(ctx, parsed.BalanceInquiry)
		report.BalanceInquiry = res
		if p.notifier != nil {
			n := p.notifier.NotifyBalanceInquiry(ctx, msg, res)
			report.Notification = &n
		}
	default:
		logger.Info("no actionable intent, message kept in archive")
		return
	}

	outcome := report.Outcome()
	if !outcome.Succeeded() || !report.Archived {
		logger.Info("message processed", zap.String("outcome", string(outcome)), zap.Bool("retained", report.Archived))
		return
	}
	if _, err := p.archive.Delete(msg.ID); err != nil {
		logger.Warn("failed to remove archived message", zap.Error(err))
		return
	}
	report.Cleaned = true
	logger.Info("message processed", zap.String("outcome", string(outcome)))
}
