// Package mailpay wires the payment pipeline and its SMTP and HTTP surfaces
// into one service.
package mailpay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/freeflowuniverse/mailpay/pkg/admission"
	"github.com/freeflowuniverse/mailpay/pkg/archive"
	"github.com/freeflowuniverse/mailpay/pkg/config"
	"github.com/freeflowuniverse/mailpay/pkg/intent"
	"github.com/freeflowuniverse/mailpay/pkg/ledger"
	mplog "github.com/freeflowuniverse/mailpay/pkg/logger"
	"github.com/freeflowuniverse/mailpay/pkg/mailpay/api"
	"github.com/freeflowuniverse/mailpay/pkg/mailpay/api/routes"
	"github.com/freeflowuniverse/mailpay/pkg/notify"
	"github.com/freeflowuniverse/mailpay/pkg/orchestrator"
	"github.com/freeflowuniverse/mailpay/pkg/pipeline"
	"github.com/freeflowuniverse/mailpay/pkg/redisclient"
	"github.com/freeflowuniverse/mailpay/pkg/smtpserver"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"
)

// MailPay represents the main application
type MailPay struct {
	app        *fiber.App
	smtpServer *smtpserver.Server
	pipeline   *pipeline.Pipeline
	archive    *archive.Store
	admission  *admission.Controller
	ledger     ledger.Client
	redis      *redisclient.Client
	config     config.Config
	logger     *zap.Logger
	startTime  time.Time
}

// New creates a new instance of MailPay with the provided configuration.
// A redis admission backend is contacted once during construction.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*MailPay, error) {
	logger = mplog.OrNop(logger)
	mp := &MailPay{
		config:    cfg,
		logger:    logger,
		startTime: time.Now(),
	}

	table, err := mp.admissionTable(ctx)
	if err != nil {
		return nil, err
	}
	mp.admission = admission.New(table, admission.Config{
		Window:         cfg.Admission.Window,
		MaxMessages:    cfg.Admission.MaxMessages,
		MaxConnections: cfg.Admission.MaxConnections,
	}, admission.WithLogger(logger))

	if mp.ledger, err = newLedger(cfg.Ledger, logger); err != nil {
		mp.closeRedis()
		return nil, err
	}

	if mp.archive, err = archive.New(cfg.Archive.Path, cfg.Archive.CapacityBytes, archive.WithLogger(logger)); err != nil {
		mp.closeRedis()
		return nil, err
	}

	parser := intent.NewParser(intent.Config{
		OperatorAddresses:   cfg.OperatorAddresses,
		SupportedCurrencies: cfg.SupportedCurrencies,
	}, logger)
	orch := orchestrator.New(mp.ledger, orchestrator.Config{
		OperatorAddresses: cfg.OperatorAddresses,
		Proof:             cfg.Ledger.Proof,
		Verifier:          cfg.Ledger.VerifierAddress,
	}, logger)

	// a nil *Dispatcher must not end up in the interface
	var notifier pipeline.Notifier
	if !cfg.Notify.Disabled {
		notifier = notify.NewDispatcher(
			notify.NewSMTPSender(cfg.Notify.SMTPAddr, cfg.Notify.Username, cfg.Notify.Password),
			notify.Config{
				From:        cfg.Notify.From,
				ReplyTo:     cfg.Notify.ReplyTo,
				ExplorerURL: cfg.Notify.ExplorerURL,
			}, logger)
	} else {
		logger.Warn("result notifications are disabled")
	}

	mp.pipeline = pipeline.New(parser, mp.archive, orch, notifier, logger)
	mp.smtpServer = smtpserver.NewServer(smtpserver.Config{
		Host:            cfg.SMTP.Host,
		Port:            cfg.SMTP.Port,
		Domain:          cfg.SMTP.Domain,
		ReadTimeout:     cfg.SMTP.ReadTimeout,
		WriteTimeout:    cfg.SMTP.WriteTimeout,
		MaxMessageBytes: cfg.SMTP.MaxMessageBytes,
		MaxRecipients:   cfg.SMTP.MaxRecipients,
	}, mp.pipeline, mp.admission, logger)

	mp.app = newApp(cfg.SMTP.MaxMessageBytes, logger)
	mp.setupRoutes()
	return mp, nil
}

func (mp *MailPay) admissionTable(ctx context.Context) (admission.Table, error) {
	if mp.config.Admission.Backend != "redis" {
		return admission.NewMemoryTable(), nil
	}
	client, err := redisclient.Connect(ctx, redisclient.Options{
		Addr:     mp.config.Redis.Addr,
		Password: mp.config.Redis.Password,
		DB:       mp.config.Redis.DB,
	})
	if err != nil {
		return nil, err
	}
	mp.redis = client
	return admission.NewRedisTable(client, ""), nil
}

func newLedger(cfg config.LedgerConfig, logger *zap.Logger) (ledger.Client, error) {
	switch cfg.Driver {
	case "rpc":
		return ledger.NewRPCClient(ledger.RPCConfig{
			URL:             cfg.RPCURL,
			SignerKey:       cfg.SignerKey,
			ContractAddress: cfg.ContractAddress,
			VerifierAddress: cfg.VerifierAddress,
			Timeout:         cfg.Timeout,
		}, logger)
	case "memory":
		logger.Warn("using the in-memory ledger, balances are lost on restart")
		var opts []ledger.MemoryOption
		if cfg.Proof != "" {
			opts = append(opts, ledger.WithRequiredProof(cfg.Proof))
		}
		if cfg.OpeningBalance.IsPositive() {
			logger.Info("memory ledger accounts open funded", zap.String("opening_balance", cfg.OpeningBalance.String()))
			opts = append(opts, ledger.WithOpeningBalance(cfg.OpeningBalance))
		}
		return ledger.NewMemory(opts...), nil
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Driver)
	}
}

func newApp(bodyLimit int, logger *zap.Logger) *fiber.App {
	if bodyLimit <= 0 {
		bodyLimit = fiber.DefaultBodyLimit
	}
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             bodyLimit,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				code = fe.Code
			}
			return c.Status(code).JSON(api.ErrorResponse{
				Error: err.Error(),
			})
		},
	})

	// Middleware
	app.Use(fiberlogger.New(fiberlogger.Config{
		Output: zap.NewStdLog(logger.Named("access")).Writer(),
	}))
	app.Use(recover.New())
	app.Use(cors.New())
	return app
}

// setupRoutes initializes and registers all route handlers
func (mp *MailPay) setupRoutes() {
	var breaker routes.BreakerStater
	if rpc, ok := mp.ledger.(*ledger.RPCClient); ok {
		breaker = rpc
	}

	ingestHandler := routes.NewIngestHandler(mp.pipeline, mp.admission, mp.logger)
	archiveHandler := routes.NewArchiveHandler(mp.archive, mp.pipeline)
	// Pass MailPay as an UptimeProvider
	adminHandler := routes.NewAdminHandler(mp, mp.config.Ledger.Driver, breaker, mp.archive, mp.archive.Dir())

	ingestHandler.RegisterRoutes(mp.app)
	archiveHandler.RegisterRoutes(mp.app)
	adminHandler.RegisterRoutes(mp.app)
}

// App returns the HTTP application.
func (mp *MailPay) App() *fiber.App { return mp.app }

// Pipeline returns the message pipeline.
func (mp *MailPay) Pipeline() *pipeline.Pipeline { return mp.pipeline }

// Archive returns the message archive.
func (mp *MailPay) Archive() *archive.Store { return mp.archive }

// GetUptime returns the uptime of the service as a formatted string
func (mp *MailPay) GetUptime() string {
	uptime := time.Since(mp.startTime)
	days := int(uptime.Hours() / 24)
	hours := int(uptime.Hours()) % 24
	return fmt.Sprintf("%d days, %d hours", days, hours)
}

// Start runs the SMTP gateway, the HTTP API and archive reclamation until ctx
// is done, SIGINT or SIGTERM arrives, or a listener fails.
func (mp *MailPay) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		if err := mp.smtpServer.Start(); err != nil {
			errCh <- fmt.Errorf("smtp server: %w", err)
		}
	}()
	go func() {
		mp.logger.Info("starting HTTP server", zap.String("addr", mp.config.HTTP.Addr))
		if err := mp.app.Listen(mp.config.HTTP.Addr); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go mp.archive.Run(ctx, mp.config.Archive.ReclaimInterval)

	var err error
	select {
	case <-ctx.Done():
		mp.logger.Info("shutting down")
	case err = <-errCh:
		mp.logger.Error("server failed, shutting down", zap.Error(err))
	}
	stop()
	return errors.Join(err, mp.Shutdown())
}

// Shutdown stops both listeners and releases the redis connection.
func (mp *MailPay) Shutdown() error {
	var errs []error
	if err := mp.smtpServer.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := mp.app.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	if err := mp.closeRedis(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (mp *MailPay) closeRedis() error {
	if mp.redis == nil {
		return nil
	}
	err := mp.redis.Close()
	mp.redis = nil
	return err
}
