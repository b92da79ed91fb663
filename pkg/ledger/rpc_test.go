package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gateway serves the JSON-RPC methods on top of a Memory ledger.
func gateway(t *testing.T, backend *Memory, key string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		if key != "" {
			assert.Equal(t, Sign(key, body), r.Header.Get(SignatureHeader))
		}

		var req struct {
			ID     string          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		require.NoError(t, json.Unmarshal(body, &req))

		var (
			result  any
			callErr error
		)
		ctx := r.Context()
		switch req.Method {
		case MethodIdentityExists:
			var p struct{ Identity Hash }
			require.NoError(t, json.Unmarshal(req.Params, &p))
			result, callErr = backend.Exists(ctx, p.Identity)
		case MethodCreateWallet:
			var p struct {
				Identity Hash
				Proof    string
				Verifier string
			}
			require.NoError(t, json.Unmarshal(req.Params, &p))
			assert.Equal(t, "0xverifier", p.Verifier)
			result, callErr = backend.Create(ctx, p.Identity, Credentials{Proof: p.Proof})
		case MethodBalance:
			var p struct{ Address Address }
			require.NoError(t, json.Unmarshal(req.Params, &p))
			bal, err := backend.Balance(ctx, p.Address)
			result, callErr = map[string]any{"balance": bal}, err
		case MethodTransfer:
			var p struct {
				TransferRequest
				Contract string
			}
			require.NoError(t, json.Unmarshal(req.Params, &p))
			assert.Equal(t, "0xcontract", p.Contract)
			result, callErr = backend.Transfer(ctx, p.TransferRequest)
		default:
			t.Fatalf("unexpected method %s", req.Method)
		}

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if callErr != nil {
			var rejected *RejectedError
			reason := ""
			if errors.As(callErr, &rejected) && rejected.Class != ClassGenericRevert {
				reason = string(rejected.Class)
			}
			resp["error"] = map[string]any{"code": -32000, "message": callErr.Error(), "data": map[string]string{"reason": reason}}
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func newTestRPC(t *testing.T, url string) *RPCClient {
	t.Helper()
	c, err := NewRPCClient(RPCConfig{
		URL:                    url,
		SignerKey:              "secret",
		ContractAddress:        "0xcontract",
		VerifierAddress:        "0xverifier",
		Timeout:                2 * time.Second,
		MaxConsecutiveFailures: 2,
		BreakerTimeout:         time.Minute,
	}, nil)
	require.NoError(t, err)
	return c
}

func TestRPCClientRoundTrip(t *testing.T) {
	backend := NewMemory(WithRequiredProof("proof"))
	srv := gateway(t, backend, "secret")
	defer srv.Close()

	ctx := context.Background()
	c := newTestRPC(t, srv.URL)

	alice := c.IdentityHash("Alice@example.com")
	res, err := c.Exists(ctx, alice)
	require.NoError(t, err)
	assert.False(t, res.Exists)

	created, err := c.Create(ctx, alice, Credentials{Proof: "proof"})
	require.NoError(t, err)
	assert.Equal(t, AddressFor(alice), created.Address)

	res, err = c.Exists(ctx, alice)
	require.NoError(t, err)
	assert.True(t, res.Exists)

	bob, err := c.Create(ctx, c.IdentityHash("bob@example.com"), Credentials{Proof: "proof"})
	require.NoError(t, err)
	require.NoError(t, backend.Credit(created.Address, decimal.NewFromInt(2)))

	bal, err := c.Balance(ctx, created.Address)
	require.NoError(t, err)
	assert.Equal(t, "2", bal.String())

	nonce := DeterministicNonce("alice@example.com", "alpha")
	tr, err := c.Transfer(ctx, TransferRequest{From: created.Address, To: bob.Address, Amount: decimal.RequireFromString("0.5"), Currency: "DOT", Nonce: nonce, Proof: "proof"})
	require.NoError(t, err)
	assert.NotEmpty(t, tr.Ref)

	_, err = c.Transfer(ctx, TransferRequest{From: created.Address, To: bob.Address, Amount: decimal.RequireFromString("0.5"), Currency: "DOT", Nonce: nonce, Proof: "proof"})
	class, ok := Classify(err)
	require.True(t, ok)
	assert.Equal(t, ClassNonceReuse, class)

	_, err = c.Transfer(ctx, TransferRequest{From: created.Address, To: bob.Address, Amount: decimal.NewFromInt(100), Currency: "DOT", Nonce: DeterministicNonce("alice@example.com", "big"), Proof: "proof"})
	class, ok = Classify(err)
	require.True(t, ok)
	assert.Equal(t, ClassInsufficientFunds, class)

	// Rejections never trip the breaker.
	assert.Equal(t, "closed", c.BreakerState())
}

func TestRPCClientBreakerOpensOnTransportFailures(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestRPC(t, srv.URL)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.Balance(ctx, "0xabc")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnavailable))
	}
	assert.Equal(t, "open", c.BreakerState())

	_, err := c.Exists(ctx, IdentityHash("a@example.com"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestRPCClientRequiresURL(t *testing.T) {
	_, err := NewRPCClient(RPCConfig{}, nil)
	assert.Error(t, err)
}
