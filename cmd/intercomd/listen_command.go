package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/saker-ai/smart-intercom/pkg/audio"
)

func newListenCommand(ctx *commandContext) *cobra.Command {
	var outPath string
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "listen <device>",
		Short: "Record the device microphone to a WAV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if duration <= 0 {
				return fmt.Errorf("--duration must be positive")
			}
			out := strings.TrimSpace(outPath)
			if out == "" {
				out = args[0] + ".wav"
			}

			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			bridge, err := ctx.newBridge()
			if err != nil {
				return err
			}
			defer bridge.Close()

			connectCtx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			d, err := bridge.ConnectDevice(connectCtx, args[0])
			cancel()
			if err != nil {
				return fmt.Errorf("connect %s: %w", args[0], err)
			}

			member, err := d.Coordinator.JoinAudio()
			if err != nil {
				return err
			}
			defer d.Coordinator.LeaveAudio(member.ID)

			if err := d.Coordinator.StartListening(cmd.Context()); err != nil {
				return err
			}
			pcm := record(cmd.Context(), member.Stream, duration)
			if err := d.Coordinator.StopListening(context.Background()); err != nil {
				ctx.loggerValue().Warn("stop listening failed", zap.String("device", args[0]), zap.Error(err))
			}

			if dir := filepath.Dir(out); dir != "" {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create output directory: %w", err)
				}
			}
			format := cfg.Audio.Format()
			if err := os.WriteFile(out, audio.EncodeWAV(format, pcm), 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			seconds := float64(len(pcm)) / float64(format.ByteRate())
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%.1fs, %d bytes)\n", out, seconds, len(pcm))
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Output WAV path (default <device>.wav)")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 10*time.Second, "Recording length")
	return cmd
}

// record drains stream until duration elapses or ctx is done.
func record(ctx context.Context, stream *audio.Stream, duration time.Duration) []byte {
	recCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()
	var pcm []byte
	for recCtx.Err() == nil {
		frame, ok := stream.Dequeue(recCtx, 250*time.Millisecond)
		if ok {
			pcm = append(pcm, frame...)
		}
	}
	return pcm
}
