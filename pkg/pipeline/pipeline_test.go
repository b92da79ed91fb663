package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/freeflowuniverse/mailpay/pkg/archive"
	"github.com/freeflowuniverse/mailpay/pkg/intent"
	"github.com/freeflowuniverse/mailpay/pkg/ledger"
	"github.com/freeflowuniverse/mailpay/pkg/mail"
	"github.com/freeflowuniverse/mailpay/pkg/notify"
	"github.com/freeflowuniverse/mailpay/pkg/orchestrator"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const operator = "pay@mailpay.io"

type rejectingLedger struct {
	*ledger.Memory
}

func (l rejectingLedger) Transfer(context.Context, ledger.TransferRequest) (ledger.TransferResult, error) {
	return ledger.TransferResult{}, &ledger.RejectedError{Op: ledger.MethodTransfer, Class: ledger.ClassGenericRevert, Reason: "reverted"}
}

type countingSender struct {
	mu  sync.Mutex
	to  []string
	err error
}

func (s *countingSender) Send(_ context.Context, _ string, to []string, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.to = append(s.to, to...)
	return nil
}

type fixture struct {
	pipeline *Pipeline
	store    *archive.Store
	ledger   *ledger.Memory
	sender   *countingSender
}

func newFixture(t *testing.T, wrap func(*ledger.Memory) ledger.Client) *fixture {
	t.Helper()
	mem := ledger.NewMemory()
	var client ledger.Client = mem
	if wrap != nil {
		client = wrap(mem)
	}
	store, err := archive.New(t.TempDir(), 0)
	require.NoError(t, err)

	parser := intent.NewParser(intent.Config{
		OperatorAddresses:   []string{operator},
		SupportedCurrencies: []string{"DOT", "PYUSD"},
	}, nil)
	orch := orchestrator.New(client, orchestrator.Config{OperatorAddresses: []string{operator}}, nil)
	sender := &countingSender{}
	dispatcher := notify.NewDispatcher(sender, notify.Config{From: operator}, nil)

	return &fixture{
		pipeline: New(parser, store, orch, dispatcher, nil),
		store:    store,
		ledger:   mem,
		sender:   sender,
	}
}

func (f *fixture) fund(t *testing.T, identity, amount string) {
	t.Helper()
	created, err := f.ledger.Create(context.Background(), ledger.IdentityHash(identity), ledger.Credentials{})
	require.NoError(t, err)
	require.NoError(t, f.ledger.Credit(created.Address, decimal.RequireFromString(amount)))
}

func rawMessage(from string, to []string, subject, body string) []byte {
	return []byte(fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMessage-ID: <%d@example.com>\r\n\r\n%s\r\n",
		from, strings.Join(to, ", "), subject, time.Now().UnixNano(), body))
}

func envelope(from string, to ...string) mail.Envelope {
	return mail.Envelope{
		From:   from,
		To:     to,
		Client: mail.ClientInfo{RemoteAddr: "127.0.0.1:2525", Hostname: "mx.example.com"},
	}
}

func TestCompletedTransferRemovesArchiveEntry(t *testing.T) {
	f := newFixture(t, nil)
	f.fund(t, "alice@example.com", "10")

	raw := rawMessage("alice@example.com", []string{operator, "bob@example.com"}, "payment", "send 5 DOT: alpha-one")
	report, err := f.pipeline.Process(context.Background(), raw, envelope("alice@example.com", operator, "bob@example.com"))
	require.NoError(t, err)

	require.NotNil(t, report.Transaction)
	assert.Equal(t, orchestrator.OutcomeTransferCompleted, report.Transaction.Outcome)
	assert.True(t, report.Archived)
	assert.True(t, report.Cleaned)
	require.NotNil(t, report.Notification)
	assert.True(t, report.Notification.Success())
	assert.ElementsMatch(t, []string{"alice@example.com", "bob@example.com"}, f.sender.to)

	_, err = f.store.Get(report.MessageID)
	assert.ErrorIs(t, err, archive.ErrNotFound)
}

func TestFailedTransferIsRetained(t *testing.T) {
	f := newFixture(t, func(m *ledger.Memory) ledger.Client { return rejectingLedger{m} })
	f.fund(t, "alice@example.com", "10")

	raw := rawMessage("alice@example.com", []string{operator}, "", "transfer 1 dot to bob@example.com")
	report, err := f.pipeline.Process(context.Background(), raw, envelope("alice@example.com", operator))
	require.NoError(t, err)

	require.NotNil(t, report.Transaction)
	assert.Equal(t, orchestrator.OutcomeTransferFailed, report.Transaction.Outcome)
	assert.False(t, report.Cleaned)

	stored, err := f.store.Get(report.MessageID)
	require.NoError(t, err)
	assert.Equal(t, raw, stored)

	meta, err := f.store.Metadata(report.MessageID)
	require.NoError(t, err)
	assert.Equal(t, []string{operator}, meta.EnvelopeTo)
	assert.Equal(t, "mx.example.com", meta.Client.Hostname)
}

func TestNoIntentIsArchivedWithoutNotification(t *testing.T) {
	f := newFixture(t, nil)

	raw := rawMessage("alice@example.com", []string{"bob@example.com"}, "hello", "lunch tomorrow?")
	report, err := f.pipeline.Process(context.Background(), raw, envelope("alice@example.com", "bob@example.com"))
	require.NoError(t, err)

	assert.Empty(t, report.Outcome())
	assert.Nil(t, report.Notification)
	assert.Empty(t, f.sender.to)
	_, err = f.store.Get(report.MessageID)
	assert.NoError(t, err)
}

func TestBalanceInquiryForUnknownSender(t *testing.T) {
	f := newFixture(t, nil)

	raw := rawMessage("carol@example.com", []string{operator}, "question", "What is my balance?")
	report, err := f.pipeline.Process(context.Background(), raw, envelope("carol@example.com", operator))
	require.NoError(t, err)

	require.NotNil(t, report.BalanceInquiry)
	assert.Equal(t, orchestrator.OutcomeWalletCreatedEmpty, report.BalanceInquiry.Outcome)
	assert.Equal(t, "0", report.BalanceInquiry.Balance.String())
	assert.True(t, report.Cleaned)
	assert.Equal(t, []string{"carol@example.com"}, f.sender.to)
}

func TestNotificationFailureDoesNotFailPipeline(t *testing.T) {
	f := newFixture(t, nil)
	f.sender.err = errors.New("relay down")
	f.fund(t, "alice@example.com", "10")

	raw := rawMessage("alice@example.com", []string{operator, "bob@example.com"}, "", "send 1 dot: x")
	report, err := f.pipeline.Process(context.Background(), raw, envelope("alice@example.com", operator))
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeTransferCompleted, report.Outcome())
	assert.False(t, report.Notification.Success())
}

func TestReplayCompletesRetainedMessage(t *testing.T) {
	f := newFixture(t, nil)

	// The first run creates the sender's wallet and keeps the message.
	raw := rawMessage("alice@example.com", []string{operator}, "", "send 1 dot to bob@example.com")
	first, err := f.pipeline.Process(context.Background(), raw, envelope("alice@example.com", operator))
	require.NoError(t, err)
	require.Equal(t, orchestrator.OutcomeSenderWalletCreated, first.Outcome())

	require.NoError(t, f.ledger.Credit(first.Transaction.SenderAddress, decimal.NewFromInt(5)))

	second, err := f.pipeline.Replay(context.Background(), first.MessageID)
	require.NoError(t, err)
	assert.Equal(t, first.MessageID, second.MessageID)
	assert.Equal(t, orchestrator.OutcomeTransferCompleted, second.Outcome())
	assert.True(t, second.Cleaned)

	_, err = f.pipeline.Replay(context.Background(), first.MessageID)
	assert.ErrorIs(t, err, archive.ErrNotFound)
}

func TestResubmittedTransferIsRejectedAsDuplicate(t *testing.T) {
	f := newFixture(t, nil)
	f.fund(t, "alice@example.com", "10")

	raw := rawMessage("alice@example.com", []string{operator}, "", "send 1 dot to bob@example.com")
	first, err := f.pipeline.Process(context.Background(), raw, envelope("alice@example.com", operator))
	require.NoError(t, err)
	require.Equal(t, orchestrator.OutcomeTransferCompleted, first.Outcome())

	second, err := f.pipeline.Process(context.Background(), raw, envelope("alice@example.com", operator))
	require.NoError(t, err)
	assert.NotEqual(t, first.MessageID, second.MessageID)
	assert.Equal(t, first.Transaction.Nonce, second.Transaction.Nonce)
	assert.Equal(t, orchestrator.OutcomeTransferFailed, second.Outcome())
	require.NotNil(t, second.Transaction.Error)
	assert.Equal(t, "nonce_reuse", second.Transaction.Error.Class)
	assert.False(t, second.Cleaned)

	balance, err := f.ledger.Balance(context.Background(), first.Transaction.SenderAddress)
	require.NoError(t, err)
	assert.Equal(t, "9", balance.String())
}

func TestEmptyMessageIsAnError(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.pipeline.Process(context.Background(), nil, envelope("alice@example.com", operator))
	assert.Error(t, err)
	assert.Error(t, f.pipeline.Handle(context.Background(), nil, envelope("alice@example.com", operator)))
}
