package routes

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/freeflowuniverse/mailpay/pkg/admission"
	mplog "github.com/freeflowuniverse/mailpay/pkg/logger"
	"github.com/freeflowuniverse/mailpay/pkg/mail"
	"github.com/freeflowuniverse/mailpay/pkg/mailpay/api"
	"github.com/freeflowuniverse/mailpay/pkg/pipeline"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// Envelope headers accepted by the ingestion endpoint. Recipients are comma
// separated.
const (
	HeaderEnvelopeFrom = "X-Envelope-From"
	HeaderEnvelopeTo   = "X-Envelope-To"
)

// Processor runs one raw message through the pipeline.
type Processor interface {
	Process(ctx context.Context, raw []byte, env mail.Envelope) (*pipeline.Report, error)
}

// IngestHandler accepts raw messages over HTTP
type IngestHandler struct {
	processor Processor
	admission *admission.Controller
	logger    *zap.Logger
}

// NewIngestHandler creates a new ingestion handler
func NewIngestHandler(processor Processor, ctrl *admission.Controller, logger *zap.Logger) *IngestHandler {
	logger = mplog.OrNop(logger)
	return &IngestHandler{
		processor: processor,
		admission: ctrl,
		logger:    logger.Named("http"),
	}
}

// RegisterRoutes registers ingestion routes to the fiber app
func (h *IngestHandler) RegisterRoutes(app *fiber.App) {
	group := app.Group("/api/v1/messages")

	group.Post("/", h.ingest)
}

// @Summary Submit a raw message
// @Description Run an RFC 5322 message through the payment pipeline
// @Tags messages
// @Accept plain
// @Produce json
// @Param X-Envelope-From header string false "Envelope sender"
// @Param X-Envelope-To header string false "Comma separated envelope recipients"
// @Success 200 {object} pipeline.Report
// @Failure 400 {object} api.ErrorResponse
// @Failure 429 {object} api.ErrorResponse
// @Router /api/v1/messages [post]
func (h *IngestHandler) ingest(c *fiber.Ctx) error {
	ctx := c.UserContext()

	if h.admission != nil {
		lease, err := h.admission.Admit(ctx, c.IP())
		if err != nil {
			return c.Status(fiber.StatusTooManyRequests).JSON(api.ErrorResponse{Error: err.Error()})
		}
		defer lease.Release(context.Background())
	}

	env := mail.Envelope{
		From:       strings.TrimSpace(c.Get(HeaderEnvelopeFrom)),
		Client:     mail.ClientInfo{RemoteAddr: c.IP(), Hostname: c.Hostname()},
		ReceivedAt: time.Now().UTC(),
	}
	if env.From != "" && !mail.ValidAddress(env.From) {
		return c.Status(fiber.StatusBadRequest).JSON(api.ErrorResponse{
			Error: "Invalid envelope sender: " + env.From,
		})
	}
	for _, rcpt := range strings.Split(c.Get(HeaderEnvelopeTo), ",") {
		rcpt = strings.TrimSpace(rcpt)
		if rcpt == "" {
			continue
		}
		if !mail.ValidAddress(rcpt) {
			return c.Status(fiber.StatusBadRequest).JSON(api.ErrorResponse{
				Error: "Invalid envelope recipient: " + rcpt,
			})
		}
		env.To = append(env.To, rcpt)
	}

	// fiber reuses the request buffer once the handler returns
	raw := bytes.Clone(c.Body())
	report, err := h.processor.Process(ctx, raw, env)
	if err != nil {
		h.logger.Warn("rejected message", zap.String("origin", c.IP()), zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(api.ErrorResponse{
			Error: "Invalid message: " + err.Error(),
		})
	}
	return c.JSON(report)
}
