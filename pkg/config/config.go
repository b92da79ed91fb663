// Package config loads the mailpay configuration from the environment.
//
// Every key can be set as MAILPAY_<SECTION>_<KEY>, for example
// MAILPAY_SMTP_PORT or MAILPAY_OPERATOR_ADDRESSES.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable.
const EnvPrefix = "MAILPAY"

// Config holds the full service configuration.
type Config struct {
	SMTP      SMTPConfig
	HTTP      HTTPConfig
	Admission AdmissionConfig
	Redis     RedisConfig
	Archive   ArchiveConfig
	Ledger    LedgerConfig
	Notify    NotifyConfig

	OperatorAddresses   []string
	SupportedCurrencies []string

	LogLevel  string
	LogFormat string
}

// SMTPConfig configures the inbound SMTP listener.
type SMTPConfig struct {
	Host            string
	Port            int
	Domain          string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int
	MaxRecipients   int
}

// HTTPConfig configures the HTTP ingestion and admin surface.
type HTTPConfig struct {
	Addr string
}

// AdmissionConfig configures per-origin admission control.
type AdmissionConfig struct {
	Backend        string // memory or redis
	Window         time.Duration
	MaxMessages    int
	MaxConnections int
}

// RedisConfig is used when the admission backend is redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ArchiveConfig configures the raw message archive.
type ArchiveConfig struct {
	Path            string
	CapacityBytes   int64
	ReclaimInterval time.Duration
}

// LedgerConfig configures the ledger driver.
type LedgerConfig struct {
	Driver          string // rpc or memory
	RPCURL          string
	SignerKey       string
	Proof           string
	ContractAddress string
	VerifierAddress string
	Timeout         time.Duration
	// OpeningBalance funds every account the memory driver creates.
	OpeningBalance decimal.Decimal
}

// NotifyConfig configures outbound result notifications.
type NotifyConfig struct {
	SMTPAddr    string
	Username    string
	Password    string
	From        string
	ReplyTo     string
	ExplorerURL string
	Disabled    bool
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		SMTP: SMTPConfig{
			Host:            "0.0.0.0",
			Port:            2525,
			Domain:          "localhost",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			MaxMessageBytes: 10 * 1024 * 1024, // 10 MB
			MaxRecipients:   50,
		},
		HTTP: HTTPConfig{
			Addr: ":9020",
		},
		Admission: AdmissionConfig{
			Backend:        "memory",
			Window:         time.Minute,
			MaxMessages:    10,
			MaxConnections: 5,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Archive: ArchiveConfig{
			Path:            "./data/archive",
			CapacityBytes:   1024 * 1024 * 1024, // 1 GB
			ReclaimInterval: 10 * time.Minute,
		},
		Ledger: LedgerConfig{
			Driver:         "memory",
			Timeout:        30 * time.Second,
			OpeningBalance: decimal.Zero,
		},
		Notify: NotifyConfig{
			SMTPAddr: "localhost:587",
		},
		SupportedCurrencies: []string{"DOT", "PYUSD"},
		LogLevel:            "info",
		LogFormat:           "console",
	}
}

// SetDefaults registers the defaults on v so that environment lookups resolve
// every key.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("smtp.host", d.SMTP.Host)
	v.SetDefault("smtp.port", d.SMTP.Port)
	v.SetDefault("smtp.domain", d.SMTP.Domain)
	v.SetDefault("smtp.read_timeout", d.SMTP.ReadTimeout)
	v.SetDefault("smtp.write_timeout", d.SMTP.WriteTimeout)
	v.SetDefault("smtp.max_message_bytes", d.SMTP.MaxMessageBytes)
	v.SetDefault("smtp.max_recipients", d.SMTP.MaxRecipients)
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("admission.backend", d.Admission.Backend)
	v.SetDefault("admission.window", d.Admission.Window)
	v.SetDefault("admission.max_messages", d.Admission.MaxMessages)
	v.SetDefault("admission.max_connections", d.Admission.MaxConnections)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("archive.path", d.Archive.Path)
	v.SetDefault("archive.capacity_bytes", d.Archive.CapacityBytes)
	v.SetDefault("archive.reclaim_interval", d.Archive.ReclaimInterval)
	v.SetDefault("ledger.driver", d.Ledger.Driver)
	v.SetDefault("ledger.rpc_url", d.Ledger.RPCURL)
	v.SetDefault("ledger.signer_key", d.Ledger.SignerKey)
	v.SetDefault("ledger.proof", d.Ledger.Proof)
	v.SetDefault("ledger.contract_address", d.Ledger.ContractAddress)
	v.SetDefault("ledger.verifier_address", d.Ledger.VerifierAddress)
	v.SetDefault("ledger.timeout", d.Ledger.Timeout)
	v.SetDefault("ledger.opening_balance", d.Ledger.OpeningBalance.String())
	v.SetDefault("notify.smtp_addr", d.Notify.SMTPAddr)
	v.SetDefault("notify.username", d.Notify.Username)
	v.SetDefault("notify.password", d.Notify.Password)
	v.SetDefault("notify.from", d.Notify.From)
	v.SetDefault("notify.reply_to", d.Notify.ReplyTo)
	v.SetDefault("notify.explorer_url", d.Notify.ExplorerURL)
	v.SetDefault("notify.disabled", d.Notify.Disabled)
	v.SetDefault("operator.addresses", "")
	v.SetDefault("supported.currencies", strings.Join(d.SupportedCurrencies, ","))
	v.SetDefault("log.level", d.LogLevel)
	v.SetDefault("log.format", d.LogFormat)
}

// NewViper returns a viper instance bound to the MAILPAY_ environment.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads the configuration from v.
func Load(v *viper.Viper) (Config, error) {
	opening := decimal.Zero
	if raw := strings.TrimSpace(v.GetString("ledger.opening_balance")); raw != "" {
		var err error
		if opening, err = decimal.NewFromString(raw); err != nil {
			return Config{}, fmt.Errorf("invalid ledger opening balance %q: %w", raw, err)
		}
	}

	cfg := Config{
		SMTP: SMTPConfig{
			Host:            v.GetString("smtp.host"),
			Port:            v.GetInt("smtp.port"),
			Domain:          v.GetString("smtp.domain"),
			ReadTimeout:     v.GetDuration("smtp.read_timeout"),
			WriteTimeout:    v.GetDuration("smtp.write_timeout"),
			MaxMessageBytes: v.GetInt("smtp.max_message_bytes"),
			MaxRecipients:   v.GetInt("smtp.max_recipients"),
		},
		HTTP: HTTPConfig{
			Addr: v.GetString("http.addr"),
		},
		Admission: AdmissionConfig{
			Backend:        strings.ToLower(v.GetString("admission.backend")),
			Window:         v.GetDuration("admission.window"),
			MaxMessages:    v.GetInt("admission.max_messages"),
			MaxConnections: v.GetInt("admission.max_connections"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Archive: ArchiveConfig{
			Path:            v.GetString("archive.path"),
			CapacityBytes:   v.GetInt64("archive.capacity_bytes"),
			ReclaimInterval: v.GetDuration("archive.reclaim_interval"),
		},
		Ledger: LedgerConfig{
			Driver:          strings.ToLower(v.GetString("ledger.driver")),
			RPCURL:          v.GetString("ledger.rpc_url"),
			SignerKey:       v.GetString("ledger.signer_key"),
			Proof:           v.GetString("ledger.proof"),
			ContractAddress: v.GetString("ledger.contract_address"),
			VerifierAddress: v.GetString("ledger.verifier_address"),
			Timeout:         v.GetDuration("ledger.timeout"),
			OpeningBalance:  opening,
		},
		Notify: NotifyConfig{
			SMTPAddr:    v.GetString("notify.smtp_addr"),
			Username:    v.GetString("notify.username"),
			Password:    v.GetString("notify.password"),
			From:        v.GetString("notify.from"),
			ReplyTo:     v.GetString("notify.reply_to"),
			ExplorerURL: v.GetString("notify.explorer_url"),
			Disabled:    v.GetBool("notify.disabled"),
		},
		OperatorAddresses:   splitList(v.GetString("operator.addresses"), strings.ToLower),
		SupportedCurrencies: splitList(v.GetString("supported.currencies"), strings.ToUpper),
		LogLevel:            v.GetString("log.level"),
		LogFormat:           v.GetString("log.format"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if len(c.OperatorAddresses) == 0 {
		errs = append(errs, errors.New("at least one operator address is required"))
	}
	if len(c.SupportedCurrencies) == 0 {
		errs = append(errs, errors.New("at least one supported currency is required"))
	}
	if c.Admission.Window <= 0 {
		errs = append(errs, fmt.Errorf("admission window must be positive, got %s", c.Admission.Window))
	}
	if c.Admission.MaxMessages <= 0 || c.Admission.MaxConnections <= 0 {
		errs = append(errs, errors.New("admission thresholds must be positive"))
	}
	switch c.Admission.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown admission backend %q", c.Admission.Backend))
	}
	if c.Ledger.OpeningBalance.IsNegative() {
		errs = append(errs, fmt.Errorf("ledger opening balance must not be negative, got %s", c.Ledger.OpeningBalance))
	}
	switch c.Ledger.Driver {
	case "memory":
	case "rpc":
		if c.Ledger.RPCURL == "" {
			errs = append(errs, errors.New("ledger rpc driver requires an rpc url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ledger driver %q", c.Ledger.Driver))
	}
	if c.Archive.Path == "" {
		errs = append(errs, errors.New("archive path is required"))
	}
	if !c.Notify.Disabled && c.Notify.From == "" {
		errs = append(errs, errors.New("notification from address is required unless notifications are disabled"))
	}
	return errors.Join(errs...)
}

func splitList(raw string, normalize func(string) string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, item := range strings.Split(raw, ",") {
		item = normalize(strings.TrimSpace(item))
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}
