package main

import (
	"fmt"
	"os"

	"github.com/freeflowuniverse/mailpay/pkg/config"
	"github.com/freeflowuniverse/mailpay/pkg/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	v := config.NewViper()

	rootCmd := &cobra.Command{
		Use:           "mailpay",
		Short:         "Turn inbound email into ledger payments",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	if err := registerFlags(rootCmd, v); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}

	rootCmd.AddCommand(newServeCmd(v), newArchiveCmd(v), newAdmissionCmd(v))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// registerFlags adds the persistent flags and binds them to their config keys.
// Flags override the MAILPAY_ environment.
func registerFlags(cmd *cobra.Command, v *viper.Viper) error {
	d := config.Default()
	flags := cmd.PersistentFlags()
	flags.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	flags.String("log-format", d.LogFormat, "log format (console, json)")
	flags.String("archive-path", d.Archive.Path, "directory holding archived messages")
	flags.Int64("archive-capacity", d.Archive.CapacityBytes, "archive capacity in bytes")
	flags.Int("smtp-port", d.SMTP.Port, "SMTP listen port")
	flags.String("http-addr", d.HTTP.Addr, "HTTP listen address")
	flags.String("ledger-driver", d.Ledger.Driver, "ledger driver (memory, rpc)")
	flags.String("ledger-opening-balance", d.Ledger.OpeningBalance.String(), "amount credited to each new memory ledger account")
	flags.String("operators", "", "comma separated operator addresses")

	bindings := map[string]string{
		"log.level":              "log-level",
		"log.format":             "log-format",
		"archive.path":           "archive-path",
		"archive.capacity_bytes": "archive-capacity",
		"smtp.port":              "smtp-port",
		"http.addr":              "http-addr",
		"ledger.driver":          "ledger-driver",
		"ledger.opening_balance": "ledger-opening-balance",
		"operator.addresses":     "operators",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("bind %s: %w", flag, err)
		}
	}
	return nil
}

// setup loads the configuration and builds the logger for a command.
func setup(v *viper.Viper) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log, err := newLogger(v)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

func newLogger(v *viper.Viper) (*zap.Logger, error) {
	return logger.New(v.GetString("log.level"), logger.Format(v.GetString("log.format")))
}
