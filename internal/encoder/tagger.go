package encoder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/archivexm/archivexm/pkg/models"
)

// tagArgs builds the ffmpeg argument list for embedding metadata and an
// optional cover image without re-encoding the audio.
func (e *Encoder) tagArgs(inputPath, outputPath string, track models.Track, coverPath string) []string {
	args := []string{"-y", "-i", inputPath}

	if coverPath != "" {
		args = append(args, "-i", coverPath,
			"-map", "0:a", "-map", "1:v",
			"-c", "copy",
			"-disposition:v:0", "attached_pic",
		)
	} else {
		args = append(args, "-c", "copy")
	}

	args = append(args, "-metadata", "title="+track.Title)
	args = append(args, "-metadata", "artist="+track.Artist)
	if track.Album != "" {
		args = append(args, "-metadata", "album="+track.Album)
	}

	return append(args, outputPath)
}

// Tag embeds track metadata and cover art into the m4a in place. Tagging
// failures are reported but the untagged audio file stays intact, callers
// treat them as non-fatal.
func (e *Encoder) Tag(ctx context.Context, path string, track models.Track, coverPath string) error {
	tagged := taggedPath(path)
	defer os.Remove(tagged)

	args := e.tagArgs(path, tagged, track, coverPath)
	e.log.Debugf("Running ffmpeg %v", args)

	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg tagging failed: %w: %s", err, tail(output, 300))
	}

	if err := os.Rename(tagged, path); err != nil {
		return fmt.Errorf("failed to replace tagged file: %w", err)
	}
	return nil
}

func taggedPath(path string) string {
	dir, base := filepath.Split(path)
	return filepath.Join(dir, ".tagged-"+base)
}
