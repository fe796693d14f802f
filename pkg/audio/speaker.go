package audio

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultSpeakerChunk is the size of one paced write to the device.
	DefaultSpeakerChunk = 1024
	// DefaultSpeakerPacing is the pause between paced writes.
	DefaultSpeakerPacing = 10 * time.Millisecond
)

// AudioSender delivers raw PCM to a device speaker.
type AudioSender interface {
	SendAudio(ctx context.Context, pcm []byte) error
}

// Speaker plays PCM on a device, converting the sample rate when the source
// does not match the device format.
type Speaker struct {
	Sender    AudioSender
	Format    Format
	ChunkSize int
	Pacing    time.Duration
	Logger    *zap.Logger
}

// Play sends mono 16-bit PCM recorded at sourceRate. A zero sourceRate means
// the audio already matches the device rate.
func (s *Speaker) Play(ctx context.Context, pcm []byte, sourceRate int) error {
	if s.Sender == nil {
		return fmt.Errorf("speaker has no sender")
	}
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	format := s.Format.Normalize()
	if len(pcm) == 0 {
		return nil
	}

	if sourceRate > 0 && sourceRate != format.SampleRate {
		logger.Debug("resampling speaker audio",
			zap.Int("source_rate", sourceRate),
			zap.Int("device_rate", format.SampleRate),
			zap.Int("bytes", len(pcm)),
		)
		resampled, err := ResamplePCM16(pcm, sourceRate, format.SampleRate)
		if err != nil {
			return err
		}
		pcm = resampled
	}

	chunkSize := s.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultSpeakerChunk
	}
	pacing := s.Pacing
	if pacing < 0 {
		pacing = 0
	}

	for offset := 0; offset < len(pcm); offset += chunkSize {
		end := offset + chunkSize
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := s.Sender.SendAudio(ctx, pcm[offset:end]); err != nil {
			return fmt.Errorf("speaker write at offset %d: %w", offset, err)
		}
		if pacing == 0 || end == len(pcm) {
			continue
		}
		timer := time.NewTimer(pacing)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}
