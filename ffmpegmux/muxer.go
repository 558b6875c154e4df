// Package ffmpegmux implements the VideoMuxer collaborator (spec §4.6):
// trim/pad/concat/overlay/color-correct/mix clips into a template render.
// Grounded on pipeline.GenerateThumbs's os/exec ffmpeg invocation and
// video.Probe's ffprobe usage for the metadata/integrity half.
package ffmpegmux

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/livepeer/listing-pipeline/domain"
	"github.com/livepeer/listing-pipeline/log"
	"github.com/livepeer/listing-pipeline/video"
)

const (
	outputWidth  = 768
	outputHeight = 1280

	watermarkBottomMarginPx = 300
)

// Clip is one input to Stitch, per spec §4.6's {path, duration, transition?,
// colorCorrection?} shape.
type Clip struct {
	Path            string
	Duration        time.Duration
	Reverse         bool
	Transition      *domain.Transition
	ColorCorrection *domain.ColorCorrection
}

// Watermark overlays centered horizontally, watermarkBottomMarginPx above
// the bottom, at the given opacity (0..1).
type Watermark struct {
	Path    string
	Opacity float64
}

// Muxer is the VideoMuxer implementation (C6). Probe is the injected
// ffprobe wrapper, the same Prober interface video.Probe implements, so
// tests can fake it without shelling out.
type Muxer struct {
	Probe   video.Prober
	Timeout time.Duration
}

func New(prober video.Prober) *Muxer {
	return &Muxer{Probe: prober, Timeout: 10 * time.Minute}
}

// Stitch renders clips into output per template, optionally overlaying
// watermark and mixing template.Music. Returns only after ffmpeg has
// closed and flushed the output file.
func (m *Muxer) Stitch(ctx context.Context, jobID string, clips []Clip, output string, tmpl domain.TemplateDefinition, watermark *Watermark) error {
	if len(clips) == 0 {
		return fmt.Errorf("ffmpegmux: no clips to stitch")
	}

	workDir, err := os.MkdirTemp(os.TempDir(), "ffmpegmux-*")
	if err != nil {
		return fmt.Errorf("ffmpegmux: failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	normalized, err := m.normalizeClips(ctx, jobID, workDir, clips)
	if err != nil {
		return err
	}

	concatList := filepath.Join(workDir, "concat.txt")
	if err := writeConcatList(concatList, normalized); err != nil {
		return err
	}

	args := []string{"-y", "-f", "concat", "-safe", "0", "-i", concatList}

	var filters []string
	if tmpl.ColorCorrection != nil && tmpl.ColorCorrection.FFmpegFilter != "" {
		filters = append(filters, tmpl.ColorCorrection.FFmpegFilter)
	}

	if watermark != nil {
		args = append(args, "-i", watermark.Path)
		overlayFilter := fmt.Sprintf(
			"[1:v]format=rgba,colorchannelmixer=aa=%.2f[wm];[0:v][wm]overlay=(main_w-overlay_w)/2:main_h-overlay_h-%d",
			watermark.Opacity, watermarkBottomMarginPx)
		filters = append(filters, overlayFilter)
	}

	if tmpl.Music != nil {
		musicInput := 1
		if watermark != nil {
			musicInput = 2
		}
		args = append(args, "-i", tmpl.Music.AssetRef)
		totalDuration := tmpl.TotalDuration()
		audioFilter := fmt.Sprintf(
			"[%d:a]atrim=0:%.3f,volume=%.2f,afade=t=out:st=%.3f:d=1[aout]",
			musicInput, totalDuration.Seconds(), tmpl.Music.Volume, (totalDuration - time.Second).Seconds())
		filters = append(filters, audioFilter)
		args = append(args, "-map", "[aout]")
	}

	if len(filters) > 0 {
		args = append(args, "-filter_complex", joinFilters(filters))
	}
	args = append(args, "-map", "0:v", output)

	if err := runFFmpeg(ctx, jobID, m.Timeout, args); err != nil {
		return fmt.Errorf("ffmpegmux: stitch failed: %w", err)
	}
	return nil
}

func (m *Muxer) normalizeClips(ctx context.Context, jobID, workDir string, clips []Clip) ([]string, error) {
	out := make([]string, 0, len(clips))
	for i, c := range clips {
		dst := filepath.Join(workDir, fmt.Sprintf("clip_%03d.mp4", i))
		args := []string{"-y", "-i", c.Path}
		if c.Reverse {
			args = append(args, "-vf", "reverse", "-af", "areverse")
		}
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2", outputWidth, outputHeight, outputWidth, outputHeight))
		args = append(args, dst)
		if err := runFFmpeg(ctx, jobID, m.Timeout, args); err != nil {
			return nil, fmt.Errorf("ffmpegmux: failed to normalize clip %d: %w", i, err)
		}
		out = append(out, dst)
	}
	return out, nil
}

func writeConcatList(path string, clipPaths []string) error {
	var buf bytes.Buffer
	for _, p := range clipPaths {
		fmt.Fprintf(&buf, "file '%s'\n", p)
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func joinFilters(filters []string) string {
	out := ""
	for i, f := range filters {
		if i > 0 {
			out += ";"
		}
		out += f
	}
	return out
}

// GetDuration probes path's container duration.
func (m *Muxer) GetDuration(jobID, path string) (time.Duration, error) {
	iv, err := m.Probe.ProbeFile(jobID, path)
	if err != nil {
		return 0, fmt.Errorf("ffmpegmux: failed to probe duration: %w", err)
	}
	return time.Duration(iv.Duration * float64(time.Second)), nil
}

// GetMetadata returns the probed InputVideo for path, used by
// ClipValidator's optional width/height/video-track check.
func (m *Muxer) GetMetadata(jobID, path string) (video.InputVideo, error) {
	return m.Probe.ProbeFile(jobID, path)
}

// ValidateIntegrity confirms path decodes end-to-end by running ffmpeg
// against it with output discarded, per spec §4.9 step 4.
func (m *Muxer) ValidateIntegrity(ctx context.Context, jobID, path string) error {
	args := []string{"-v", "error", "-i", path, "-f", "null", "-"}
	if err := runFFmpeg(ctx, jobID, m.Timeout, args); err != nil {
		return fmt.Errorf("ffmpegmux: integrity check failed for %q: %w", path, err)
	}
	return nil
}

// ValidateMusicFile confirms path is a decodable audio asset, used when
// resolving a template's music spec (spec §4.1 step 5: "validate
// decodability; on failure proceed without music").
func (m *Muxer) ValidateMusicFile(ctx context.Context, jobID, path string) error {
	args := []string{"-v", "error", "-i", path, "-map", "0:a", "-f", "null", "-"}
	if err := runFFmpeg(ctx, jobID, m.Timeout, args); err != nil {
		return fmt.Errorf("ffmpegmux: music file %q failed to decode: %w", path, err)
	}
	return nil
}

func runFFmpeg(ctx context.Context, jobID string, timeout time.Duration, args []string) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "ffmpeg", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		log.LogError(jobID, "ffmpeg command failed", err, "args", args, "stderr", stderr.String())
		return fmt.Errorf("ffmpeg [%s] [%s]: %w", stdout.String(), stderr.String(), err)
	}
	return nil
}
