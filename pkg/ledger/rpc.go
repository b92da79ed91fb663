package ledger

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	mplog "github.com/freeflowuniverse/mailpay/pkg/logger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// SignatureHeader carries the HMAC-SHA256 of the request body, keyed with the
// signer key.
const SignatureHeader = "X-Ledger-Signature"

// RPC method names understood by the ledger gateway.
const (
	MethodIdentityExists = "ledger_identityExists"
	MethodCreateWallet   = "ledger_createWallet"
	MethodBalance        = "ledger_balance"
	MethodTransfer       = "ledger_transfer"
)

// RPCConfig configures RPCClient.
type RPCConfig struct {
	URL             string
	SignerKey       string
	ContractAddress string
	VerifierAddress string
	Timeout         time.Duration
	// Breaker trips after this many consecutive transport failures.
	MaxConsecutiveFailures uint32
	// BreakerTimeout is how long the breaker stays open.
	BreakerTimeout time.Duration
}

// DefaultRPCConfig returns the default RPC settings.
func DefaultRPCConfig() RPCConfig {
	return RPCConfig{
		Timeout:                30 * time.Second,
		MaxConsecutiveFailures: 5,
		BreakerTimeout:         30 * time.Second,
	}
}

// RPCClient is a JSON-RPC 2.0 client for the ledger gateway. All calls share
// one circuit breaker; rejections do not count as failures.
type RPCClient struct {
	config  RPCConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewRPCClient creates a client for cfg.URL.
func NewRPCClient(cfg RPCConfig, logger *zap.Logger) (*RPCClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("ledger rpc url is required")
	}
	defaults := DefaultRPCConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MaxConsecutiveFailures == 0 {
		cfg.MaxConsecutiveFailures = defaults.MaxConsecutiveFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = defaults.BreakerTimeout
	}
	logger = mplog.OrNop(logger)
	logger = logger.Named("ledger")

	c := &RPCClient{
		config: cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ledger-rpc",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			var rejected *RejectedError
			return err == nil || errors.As(err, &rejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("ledger circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return c, nil
}

// BreakerState returns the current circuit breaker state.
func (c *RPCClient) BreakerState() string {
	return c.breaker.State().String()
}

// IdentityHash implements Client.
func (c *RPCClient) IdentityHash(identity string) Hash {
	return IdentityHash(identity)
}

// Exists implements Client.
func (c *RPCClient) Exists(ctx context.Context, id Hash) (ExistsResult, error) {
	var out ExistsResult
	err := c.call(ctx, MethodIdentityExists, map[string]any{
		"identity": id,
	}, &out)
	if err != nil {
		return ExistsResult{}, err
	}
	if out.Exists && out.Address == "" {
		return ExistsResult{}, fmt.Errorf("%s: account exists but no address returned", MethodIdentityExists)
	}
	return out, nil
}

// Create implements Client.
func (c *RPCClient) Create(ctx context.Context, id Hash, creds Credentials) (CreateResult, error) {
	verifier := creds.Verifier
	if verifier == "" {
		verifier = c.config.VerifierAddress
	}
	var out CreateResult
	err := c.call(ctx, MethodCreateWallet, map[string]any{
		"identity": id,
		"proof":    creds.Proof,
		"verifier": verifier,
	}, &out)
	if err != nil {
		return CreateResult{}, err
	}
	if out.Address == "" {
		return CreateResult{}, fmt.Errorf("%s: no address returned", MethodCreateWallet)
	}
	return out, nil
}

// Balance implements Client.
func (c *RPCClient) Balance(ctx context.Context, addr Address) (decimal.Decimal, error) {
	var out struct {
		Balance decimal.Decimal `json:"balance"`
	}
	if err := c.call(ctx, MethodBalance, map[string]any{"address": addr}, &out); err != nil {
		return decimal.Zero, err
	}
	return out.Balance, nil
}

// Transfer implements Client.
func (c *RPCClient) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	var out TransferResult
	err := c.call(ctx, MethodTransfer, map[string]any{
		"from":     req.From,
		"to":       req.To,
		"amount":   req.Amount,
		"currency": req.Currency,
		"nonce":    req.Nonce,
		"proof":    req.Proof,
		"contract": c.config.ContractAddress,
	}, &out)
	if err != nil {
		return TransferResult{}, err
	}
	return out, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *struct {
		Reason string `json:"reason"`
	} `json:"data,omitempty"`
}

// call performs one round-trip through the breaker and decodes the result
// into out.
func (c *RPCClient) call(ctx context.Context, method string, params any, out any) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, params, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	return err
}

func (c *RPCClient) roundTrip(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.SignerKey != "" {
		httpReq.Header.Set(SignatureHeader, Sign(c.config.SignerKey, body))
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %s: reading response: %v", ErrUnavailable, method, err)
	}
	c.logger.Debug("ledger call",
		zap.String("method", method),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s: http status %d", ErrUnavailable, method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(payload, &rpcResp); err != nil {
		return fmt.Errorf("failed to decode %s response (status %d): %w", method, resp.StatusCode, err)
	}
	if rpcResp.Error != nil {
		reason := ""
		if rpcResp.Error.Data != nil {
			reason = rpcResp.Error.Data.Reason
		}
		return &RejectedError{
			Op:     method,
			Class:  ClassifyReason(reason, rpcResp.Error.Message),
			Reason: rpcResp.Error.Message,
		}
	}
	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body keyed with key.
func Sign(key string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
