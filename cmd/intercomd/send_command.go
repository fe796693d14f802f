package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/saker-ai/smart-intercom/internal/protocol"
)

func newSendCommand(ctx *commandContext) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "send <device> <command> [json]",
		Short: "Send one command to a device",
		Example: `  intercomd send front_door doorbell
  intercomd send front_door set_text '{"line1":"Hello","line2":"World"}'`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var fields []byte
			if len(args) == 3 {
				fields = []byte(args[2])
			}
			command, err := protocol.ParseCommand(args[1], fields)
			if err != nil {
				return err
			}

			bridge, err := ctx.newBridge()
			if err != nil {
				return err
			}
			defer bridge.Close()

			runCtx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			d, err := bridge.ConnectDevice(runCtx, args[0])
			if err != nil {
				return fmt.Errorf("connect %s: %w", args[0], err)
			}
			if err := d.Coordinator.Send(runCtx, command); err != nil {
				return fmt.Errorf("send %s: %w", command.Name(), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", command.Name(), args[0])
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "Time allowed to connect and send")
	return cmd
}
