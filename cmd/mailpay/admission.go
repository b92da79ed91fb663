package main

import (
	"fmt"

	"github.com/freeflowuniverse/mailpay/pkg/admission"
	"github.com/freeflowuniverse/mailpay/pkg/redisclient"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newAdmissionCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admission",
		Short: "Inspect and reset the shared admission counters",
	}

	connect := func(cmd *cobra.Command) (*redisclient.Client, *admission.RedisTable, error) {
		if backend := v.GetString("admission.backend"); backend != "redis" {
			return nil, nil, fmt.Errorf("admission counters are only shared with the redis backend, got %q", backend)
		}
		client, err := redisclient.Connect(cmd.Context(), redisclient.Options{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		})
		if err != nil {
			return nil, nil, err
		}
		return client, admission.NewRedisTable(client, ""), nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List origins with live counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, table, err := connect(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			origins, err := table.Origins(cmd.Context(), client)
			if err != nil {
				return err
			}
			for _, o := range origins {
				fmt.Fprintln(cmd.OutOrStdout(), o)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset [origin]",
		Short: "Clear the rate window and connection count of an origin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, table, err := connect(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := table.Reset(cmd.Context(), admission.OriginKey(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", admission.OriginKey(args[0]))
			return nil
		},
	})

	return cmd
}
