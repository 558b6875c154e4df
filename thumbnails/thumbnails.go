// Package thumbnails extracts a still poster frame from a rendered
// template video. Adapted from the teacher's HLS-segment keyframe
// extraction (this file's prior per-segment `ffmpeg-go` invocation):
// same resolution-constrained scale filter and OverWriteOutput/
// WithErrorOutput shape, narrowed from "one JPEG per HLS segment plus a
// WebVTT index" down to a single poster frame per rendered MP4, since a
// template render here is one finished file, not a live HLS stream.
package thumbnails

import (
	"bytes"
	"fmt"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

const posterResolution = "640:-1"

// ExtractPosterFrame grabs the frame at offsetSec into src and writes it
// as a JPEG to dst.
func ExtractPosterFrame(src, dst string, offsetSec float64) error {
	var ffmpegErr bytes.Buffer
	err := ffmpeg.
		Input(src, ffmpeg.KwArgs{"ss": fmt.Sprintf("%.2f", offsetSec)}).
		Output(dst, ffmpeg.KwArgs{
			"vframes": "1",
			"vf":      fmt.Sprintf("scale=%s:force_original_aspect_ratio=decrease", posterResolution),
		}).
		OverWriteOutput().WithErrorOutput(&ffmpegErr).Run()
	if err != nil {
		return fmt.Errorf("error extracting poster frame from %s [%s]: %w", src, ffmpegErr.String(), err)
	}
	return nil
}
