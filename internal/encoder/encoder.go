package encoder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/archivexm/archivexm/internal/logging"
)

// trimEpsilon is the smallest start offset worth trimming. Below this the
// cut would land inside the same audio frame anyway.
const trimEpsilon = 0.1

// Encoder shells out to ffmpeg to turn concatenated AAC segment data into
// a trimmed, tagged m4a file.
type Encoder struct {
	ffmpegPath string
	audioCodec string
	bitrate    string
	log        *logging.Logger
}

// Config holds encoder configuration
type Config struct {
	FFmpegPath string
	AudioCodec string
	Bitrate    string
}

// NewEncoder creates an encoder
func NewEncoder(cfg Config, log *logging.Logger) *Encoder {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.AudioCodec == "" {
		cfg.AudioCodec = "aac"
	}
	if cfg.Bitrate == "" {
		cfg.Bitrate = "256k"
	}
	return &Encoder{
		ffmpegPath: cfg.FFmpegPath,
		audioCodec: cfg.AudioCodec,
		bitrate:    cfg.Bitrate,
		log:        log,
	}
}

// encodeArgs builds the ffmpeg argument list for one encode. The seek is
// placed after the input for frame-accurate output seeking; stream copy
// would only cut on segment boundaries.
func (e *Encoder) encodeArgs(inputPath, outputPath string, startOffset, keepDuration float64) []string {
	args := []string{"-y", "-i", inputPath}

	if startOffset > trimEpsilon {
		args = append(args, "-ss", strconv.FormatFloat(startOffset, 'f', 3, 64))
	}
	if keepDuration > 0 {
		args = append(args, "-t", strconv.FormatFloat(keepDuration, 'f', 3, 64))
	}

	args = append(args,
		"-c:a", e.audioCodec,
		"-b:a", e.bitrate,
		"-movflags", "+faststart",
		outputPath,
	)
	return args
}

// Encode re-encodes the concatenated AAC input into outputPath, skipping
// startOffset seconds and keeping keepDuration seconds (0 keeps to the
// end).
func (e *Encoder) Encode(ctx context.Context, inputPath, outputPath string, startOffset, keepDuration float64) error {
	args := e.encodeArgs(inputPath, outputPath, startOffset, keepDuration)
	e.log.Debugf("Running ffmpeg %v", args)

	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg failed: %w: %s", err, tail(output, 300))
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return fmt.Errorf("ffmpeg produced no output: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("ffmpeg produced empty output")
	}
	return nil
}

func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}
