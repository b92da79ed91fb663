// Package orchestrator drives a transaction or balance-inquiry intent through
// the ledger and produces exactly one terminal result.
//
// A transaction moves through ResolveSender, CreateSenderWallet,
// CheckBalance, ResolveReceiver and ExecuteTransfer. Every failure ends the
// run with a terminal outcome; nothing is retried.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/freeflowuniverse/mailpay/pkg/intent"
	"github.com/freeflowuniverse/mailpay/pkg/ledger"
	mplog "github.com/freeflowuniverse/mailpay/pkg/logger"
	"github.com/freeflowuniverse/mailpay/pkg/mail"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config holds the credentials passed to the ledger and the operator
// addresses excluded from recipient resolution.
type Config struct {
	OperatorAddresses []string
	Proof             string
	Verifier          string
}

// Orchestrator runs intents against a ledger.Client. It keeps no state
// between runs and is safe for concurrent use.
type Orchestrator struct {
	ledger    ledger.Client
	operators []string
	creds     ledger.Credentials
	logger    *zap.Logger
}

// New creates an orchestrator.
func New(client ledger.Client, cfg Config, logger *zap.Logger) *Orchestrator {
	logger = mplog.OrNop(logger)
	return &Orchestrator{
		ledger:    client,
		operators: mail.NormalizeAddresses(mail.Many(cfg.OperatorAddresses)),
		creds:     ledger.Credentials{Proof: cfg.Proof, Verifier: cfg.Verifier},
		logger:    logger.Named("orchestrator"),
	}
}

type step string

const (
	stepResolveSender      step = "resolve_sender"
	stepCreateSenderWallet step = "create_sender_wallet"
	stepCheckBalance       step = "check_balance"
	stepResolveReceiver    step = "resolve_receiver"
	stepExecuteTransfer    step = "execute_transfer"
	stepDone               step = "done"
)

// run carries the state of one transaction through the steps.
type run struct {
	in     *intent.TransactionIntent
	res    *TransactionResult
	logger *zap.Logger
}

// ExecuteTransaction runs in to a terminal result. It never returns nil.
func (o *Orchestrator) ExecuteTransaction(ctx context.Context, in *intent.TransactionIntent) *TransactionResult {
	r := &run{
		in: in,
		res: &TransactionResult{
			Kind:      in.Kind,
			MessageID: in.MessageID,
			Sender:    in.Sender,
			Recipient: in.Recipient,
			Amount:    in.Amount,
			Currency:  in.Currency,
			CallSign:  in.CallSign,
		},
		logger: o.logger.With(
			zap.String("message_id", in.MessageID),
			zap.String("sender", in.Sender),
			zap.String("kind", string(in.Kind))),
	}

	handlers := map[step]func(context.Context, *run) step{
		stepResolveSender:      o.resolveSender,
		stepCreateSenderWallet: o.createSenderWallet,
		stepCheckBalance:       o.checkBalance,
		stepResolveReceiver:    o.resolveReceiver,
		stepExecuteTransfer:    o.executeTransfer,
	}

	for s := stepResolveSender; s != stepDone; {
		r.logger.Debug("transaction step", zap.String("step", string(s)))
		s = handlers[s](ctx, r)
	}

	r.logger.Info("transaction finished",
		zap.String("outcome", string(r.res.Outcome)),
		zap.String("tx_ref", r.res.TxRef))
	return r.res
}

func (r *run) finish(outcome Outcome, message string, failure *Failure) step {
	r.res.Outcome = outcome
	r.res.Message = message
	r.res.Error = failure
	return stepDone
}

func (o *Orchestrator) resolveSender(ctx context.Context, r *run) step {
	found, err := o.ledger.Exists(ctx, o.ledger.IdentityHash(r.in.Sender))
	if err != nil {
		r.logger.Error("sender lookup failed", zap.Error(err))
		return r.finish(OutcomeLedgerUnavailable,
			"We could not reach the ledger to look up your wallet. Your request was not processed.",
			&Failure{Class: ClassLedgerUnavailable, Message: err.Error()})
	}
	if !found.Exists {
		return stepCreateSenderWallet
	}
	r.res.SenderAddress = found.Address
	r.res.AddressAuthoritative = true
	return stepCheckBalance
}

// createSenderWallet opens a wallet for a first-time sender. There are no
// funds to move yet, so the run ends here either way.
func (o *Orchestrator) createSenderWallet(ctx context.Context, r *run) step {
	created, err := o.ledger.Create(ctx, o.ledger.IdentityHash(r.in.Sender), o.creds)
	if err != nil {
		r.logger.Warn("sender wallet creation failed, reporting degraded result", zap.Error(err))
		r.res.Degraded = true
		r.res.AddressAuthoritative = false
		r.res.SenderAddress = ""
		return r.finish(OutcomeSenderWalletCreationFailed,
			"We could not create a wallet for you. No wallet address has been assigned yet; please try again later.",
			&Failure{Class: ClassWalletCreationFailed, Message: err.Error()})
	}
	r.res.SenderAddress = created.Address
	r.res.AddressAuthoritative = true
	r.res.TxRef = created.Ref
	zero := decimal.Zero
	r.res.SenderBalance = &zero
	return r.finish(OutcomeSenderWalletCreated,
		fmt.Sprintf("A new wallet %s was created for you. Fund it before sending %s %s.",
			created.Address, r.in.Amount, r.in.Currency),
		nil)
}

func (o *Orchestrator) checkBalance(ctx context.Context, r *run) step {
	balance, err := o.ledger.Balance(ctx, r.res.SenderAddress)
	if err != nil {
		r.logger.Error("sender balance read failed", zap.Error(err))
		return r.finish(OutcomeLedgerUnavailable,
			"We could not read your balance from the ledger. Your request was not processed.",
			&Failure{Class: ClassLedgerUnavailable, Message: err.Error()})
	}
	r.res.SenderBalance = &balance
	if balance.LessThan(r.in.Amount) {
		return r.finish(OutcomeInsufficientFunds,
			fmt.Sprintf("Your balance of %s %s is lower than the requested %s %s.",
				balance, r.in.Currency, r.in.Amount, r.in.Currency),
			&Failure{Class: ClassInsufficientFunds, Message: "balance lower than requested amount"})
	}
	return stepResolveReceiver
}

func (o *Orchestrator) resolveReceiver(ctx context.Context, r *run) step {
	recipient := o.Recipient(r.in)
	if recipient == "" {
		return r.finish(OutcomeNoReceiver,
			"We could not determine who should receive the funds. Add the recipient to the To line.",
			&Failure{Class: ClassNoReceiver, Message: "no recipient address"})
	}
	r.res.Recipient = recipient

	id := o.ledger.IdentityHash(recipient)
	found, err := o.ledger.Exists(ctx, id)
	if err != nil {
		r.logger.Error("recipient lookup failed", zap.String("recipient", recipient), zap.Error(err))
		return r.finish(OutcomeLedgerUnavailable,
			"We could not reach the ledger to look up the recipient. Your request was not processed.",
			&Failure{Class: ClassLedgerUnavailable, Message: err.Error()})
	}
	if found.Exists {
		r.res.RecipientAddress = found.Address
		return stepExecuteTransfer
	}

	created, err := o.ledger.Create(ctx, id, o.creds)
	if err != nil {
		r.logger.Warn("recipient wallet creation failed", zap.String("recipient", recipient), zap.Error(err))
		return r.finish(OutcomeReceiverWalletCreationFailed,
			fmt.Sprintf("We could not create a wallet for %s. No funds were moved.", recipient),
			&Failure{Class: ClassWalletCreationFailed, Message: err.Error()})
	}
	r.res.RecipientAddress = created.Address
	return stepExecuteTransfer
}

func (o *Orchestrator) executeTransfer(ctx context.Context, r *run) step {
	nonce := ledger.DeterministicNonce(r.in.Sender, r.in.NonceSeed())
	r.res.Nonce = nonce.Hex()

	transfer, err := o.ledger.Transfer(ctx, ledger.TransferRequest{
		From:     r.res.SenderAddress,
		To:       r.res.RecipientAddress,
		Amount:   r.in.Amount,
		Currency: r.in.Currency,
		Nonce:    nonce,
		Proof:    o.creds.Proof,
	})
	if err != nil {
		class, rejected := ledger.Classify(err)
		failure := &Failure{Class: string(class), Message: err.Error()}
		if !rejected {
			failure.Class = ClassLedgerUnavailable
		}
		r.logger.Error("transfer failed", zap.String("class", failure.Class), zap.Error(err))
		return r.finish(OutcomeTransferFailed, transferFailureMessage(failure.Class), failure)
	}
	r.res.TxRef = transfer.Ref

	// Post-transfer balances are informational; a failed read leaves them unset.
	if bal, err := o.ledger.Balance(ctx, r.res.SenderAddress); err == nil {
		r.res.SenderBalance = &bal
	} else {
		r.res.SenderBalance = nil
		r.logger.Warn("post-transfer sender balance unavailable", zap.Error(err))
	}
	if bal, err := o.ledger.Balance(ctx, r.res.RecipientAddress); err == nil {
		r.res.RecipientBalance = &bal
	} else {
		r.logger.Warn("post-transfer recipient balance unavailable", zap.Error(err))
	}

	return r.finish(OutcomeTransferCompleted,
		fmt.Sprintf("Sent %s %s to %s.", r.in.Amount, r.in.Currency, r.res.Recipient),
		nil)
}

func transferFailureMessage(class string) string {
	switch class {
	case string(ledger.ClassNonceReuse):
		return "This request was already processed. Send a new message to pay again."
	case string(ledger.ClassInsufficientFunds):
		return "The ledger rejected the transfer because your balance is too low."
	case ClassLedgerUnavailable:
		return "The ledger could not be reached while sending. Check your balance before retrying."
	default:
		return "The ledger rejected the transfer."
	}
}

// Recipient resolves the recipient of in. An explicit recipient takes
// precedence; otherwise the first non-operator candidate from the To list is
// used. It returns "" when neither yields an address.
func (o *Orchestrator) Recipient(in *intent.TransactionIntent) string {
	if in.Recipient != "" {
		return mail.NormalizeAddress(in.Recipient)
	}
	for _, addr := range in.Candidates {
		addr = mail.NormalizeAddress(addr)
		if addr != "" && !mail.Contains(o.operators, addr) {
			return addr
		}
	}
	return ""
}

// ExecuteBalanceInquiry reports the sender's balance, creating an empty
// wallet for unknown senders. Failures are folded into the result.
func (o *Orchestrator) ExecuteBalanceInquiry(ctx context.Context, in *intent.BalanceInquiryIntent) *BalanceInquiryResult {
	logger := o.logger.With(zap.String("message_id", in.MessageID), zap.String("sender", in.Sender))
	res := &BalanceInquiryResult{
		MessageID: in.MessageID,
		Sender:    in.Sender,
		Balance:   decimal.Zero,
	}

	fail := func(err error) *BalanceInquiryResult {
		logger.Error("balance inquiry failed", zap.Error(err))
		res.Outcome = OutcomeBalanceInquiryFailed
		res.Message = "We could not retrieve your balance: " + err.Error()
		class := ClassLedgerUnavailable
		if _, rejected := ledger.Classify(err); rejected {
			class = ClassWalletCreationFailed
		}
		res.Error = &Failure{Class: class, Message: err.Error()}
		return res
	}

	id := o.ledger.IdentityHash(in.Sender)
	found, err := o.ledger.Exists(ctx, id)
	if err != nil {
		return fail(err)
	}

	if !found.Exists {
		created, err := o.ledger.Create(ctx, id, o.creds)
		if err != nil {
			return fail(fmt.Errorf("creating wallet: %w", err))
		}
		res.Outcome = OutcomeWalletCreatedEmpty
		res.Address = created.Address
		res.TxRef = created.Ref
		res.Message = fmt.Sprintf("A new wallet %s was created for you. Your balance is 0.", created.Address)
		logger.Info("balance inquiry created empty wallet", zap.String("address", string(created.Address)))
		return res
	}

	balance, err := o.ledger.Balance(ctx, found.Address)
	if err != nil {
		return fail(err)
	}
	res.Outcome = OutcomeBalanceRetrieved
	res.Address = found.Address
	res.Balance = balance
	res.Message = fmt.Sprintf("Your balance is %s.", balance)
	logger.Info("balance retrieved", zap.String("address", string(found.Address)))
	return res
}
