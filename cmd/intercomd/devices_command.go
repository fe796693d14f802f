package main

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"

	appconfig "github.com/saker-ai/smart-intercom/internal/config"
	"github.com/saker-ai/smart-intercom/pkg/intercom"
)

type probeFunc func(ctx context.Context, cfg intercom.Config) error

func newDevicesCommand(ctx *commandContext) *cobra.Command {
	var probe bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List configured devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if len(cfg.Devices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No devices configured")
				return nil
			}
			var statuses []error
			if probe {
				probeCtx, cancel := context.WithTimeout(cmd.Context(), timeout)
				defer cancel()
				statuses = probeDevices(probeCtx, cfg, intercom.Probe)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, deviceTable(cfg, statuses, shouldColorize(out)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "Authenticate against each device")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Probe timeout")
	return cmd
}

func probeDevices(ctx context.Context, cfg appconfig.Config, probe probeFunc) []error {
	results := make([]error, len(cfg.Devices))
	var wg sync.WaitGroup
	for i, d := range cfg.Devices {
		wg.Add(1)
		go func(i int, d appconfig.DeviceConfig) {
			defer wg.Done()
			results[i] = probe(ctx, cfg.ClientConfig(d))
		}(i, d)
	}
	wg.Wait()
	return results
}

// deviceTable renders one row per device. statuses, when present, holds the
// probe result of each device in order.
func deviceTable(cfg appconfig.Config, statuses []error, colorize bool) string {
	headers := []string{"ID", "Name", "URL", "Port", "Audio"}
	aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft}
	if statuses != nil {
		headers = append(headers, "Status")
		aligns = append(aligns, alignLeft)
	}
	rows := make([][]string, 0, len(cfg.Devices))
	for i, d := range cfg.Devices {
		row := []string{
			d.ID,
			d.Name,
			cfg.ClientConfig(d).URL(),
			strconv.Itoa(d.Port),
			yesNo(d.AudioEnabled()),
		}
		if statuses != nil {
			if err := statuses[i]; err != nil {
				row = append(row, colorStatus(err.Error(), false, colorize))
			} else {
				row = append(row, colorStatus("ok", true, colorize))
			}
		}
		rows = append(rows, row)
	}
	return renderTable(headers, rows, aligns)
}
