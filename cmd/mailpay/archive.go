package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/freeflowuniverse/mailpay/pkg/archive"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newArchiveCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect and maintain the message archive",
	}

	openStore := func() (*archive.Store, error) {
		// maintenance commands only need the archive section
		log, err := newLogger(v)
		if err != nil {
			return nil, err
		}
		return archive.New(v.GetString("archive.path"), v.GetInt64("archive.capacity_bytes"), archive.WithLogger(log))
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show entry count, size and the oldest and newest entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			stats, err := store.Stats()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reclaim",
		Short: "Delete the oldest entries when the archive is above its threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			res, err := store.Reclaim()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	})

	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
