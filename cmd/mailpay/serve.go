package main

import (
	"github.com/freeflowuniverse/mailpay/pkg/mailpay"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the SMTP gateway, the HTTP API and archive reclamation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(v)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			log.Info("starting mailpay",
				zap.Int("smtp_port", cfg.SMTP.Port),
				zap.String("http_addr", cfg.HTTP.Addr),
				zap.String("ledger", cfg.Ledger.Driver),
				zap.String("admission", cfg.Admission.Backend),
				zap.Strings("operators", cfg.OperatorAddresses))

			mp, err := mailpay.New(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			return mp.Start(cmd.Context())
		},
	}
}
