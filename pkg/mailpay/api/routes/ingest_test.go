package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/freeflowuniverse/mailpay/pkg/admission"
	"github.com/freeflowuniverse/mailpay/pkg/mail"
	"github.com/freeflowuniverse/mailpay/pkg/mailpay/api"
	"github.com/freeflowuniverse/mailpay/pkg/pipeline"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingProcessor struct {
	mu   sync.Mutex
	raws [][]byte
	envs []mail.Envelope
}

func (p *recordingProcessor) Process(_ context.Context, raw []byte, env mail.Envelope) (*pipeline.Report, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty message")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.raws = append(p.raws, raw)
	p.envs = append(p.envs, env)
	return &pipeline.Report{MessageID: "m1", Sender: env.From, Archived: true}, nil
}

func newIngestApp(p Processor, cfg admission.Config) *fiber.App {
	app := fiber.New()
	NewIngestHandler(p, admission.New(admission.NewMemoryTable(), cfg), nil).RegisterRoutes(app)
	return app
}

func postMessage(t *testing.T, app *fiber.App, body string, headers map[string]string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, "message/rfc822")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, v), string(body))
}

var permissive = admission.Config{Window: time.Minute, MaxMessages: 100, MaxConnections: 10}

func TestIngestRunsPipeline(t *testing.T) {
	p := &recordingProcessor{}
	app := newIngestApp(p, permissive)

	resp := postMessage(t, app, "Subject: x\r\n\r\nsend 1 dot: x\r\n", map[string]string{
		HeaderEnvelopeFrom: "alice@example.com",
		HeaderEnvelopeTo:   "pay@mailpay.io, bob@example.com",
	})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var report pipeline.Report
	decode(t, resp, &report)
	assert.Equal(t, "m1", report.MessageID)
	assert.Equal(t, "alice@example.com", report.Sender)

	require.Len(t, p.envs, 1)
	assert.Equal(t, []string{"pay@mailpay.io", "bob@example.com"}, p.envs[0].To)
	assert.False(t, p.envs[0].ReceivedAt.IsZero())
	assert.Contains(t, string(p.raws[0]), "send 1 dot: x")
}

func TestIngestWithoutEnvelopeHeaders(t *testing.T) {
	p := &recordingProcessor{}
	app := newIngestApp(p, permissive)

	resp := postMessage(t, app, "From: alice@example.com\r\n\r\nhello\r\n", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Len(t, p.envs, 1)
	assert.Empty(t, p.envs[0].From)
	assert.Empty(t, p.envs[0].To)
}

func TestIngestRejectsBadEnvelope(t *testing.T) {
	p := &recordingProcessor{}
	app := newIngestApp(p, permissive)

	resp := postMessage(t, app, "x", map[string]string{HeaderEnvelopeFrom: "not-an-address"})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp = postMessage(t, app, "x", map[string]string{HeaderEnvelopeTo: "bob@example.com, nope"})
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	var e api.ErrorResponse
	decode(t, resp, &e)
	assert.Contains(t, e.Error, "nope")
	assert.Empty(t, p.envs)
}

func TestIngestRejectsUnparseableMessage(t *testing.T) {
	app := newIngestApp(&recordingProcessor{}, permissive)
	resp := postMessage(t, app, "", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestIngestIsRateLimited(t *testing.T) {
	p := &recordingProcessor{}
	app := newIngestApp(p, admission.Config{Window: time.Hour, MaxMessages: 1, MaxConnections: 10})

	resp := postMessage(t, app, "Subject: one\r\n\r\nx\r\n", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp = postMessage(t, app, "Subject: two\r\n\r\nx\r\n", nil)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.Len(t, p.raws, 1)
}
