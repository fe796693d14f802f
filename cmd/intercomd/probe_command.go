package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/saker-ai/smart-intercom/pkg/intercom"
)

func newProbeCommand(ctx *commandContext) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "probe <device>",
		Short: "Check that a device accepts its secret key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			d, err := ctx.device(args[0])
			if err != nil {
				return err
			}
			probeCtx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := intercom.Probe(probeCtx, cfg.ClientConfig(d)); err != nil {
				return fmt.Errorf("probe %s: %w", d.ID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: authenticated\n", d.ID)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Probe timeout")
	return cmd
}
