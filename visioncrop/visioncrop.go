// Package visioncrop implements VisionCropper (spec §4.7): given a source
// image, pick the 9:16 crop window that maximizes a weighted combination
// of edge density, contrast, and brightness, then re-encode it to a
// normalized 768×1280 WebP. No teacher equivalent exists in
// livepeer-catalyst-api (it does no still-image scoring); the general
// shape of "decode, score, transform, re-encode" is grounded on
// other_examples' Skryldev image-processor (core.ImageData / core.Step),
// re-expressed as a single focused transform rather than that package's
// generic step-pipeline framework, since this component has exactly one
// job. Resampling uses golang.org/x/image/draw; WebP output uses
// github.com/chai2010/webp, the standard cgo-free* WebP encoder in the Go
// ecosystem (*it wraps libwebp via cgo, same tradeoff aws-sdk-go's
// dependencies make elsewhere in this module).
package visioncrop

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"

	"github.com/chai2010/webp"
	"golang.org/x/image/draw"

	"github.com/livepeer/listing-pipeline/blobstore"
	xerrors "github.com/livepeer/listing-pipeline/errors"
)

const (
	outputWidth  = 768
	outputHeight = 1280
	webpQuality  = 80

	edgeWeight       = 0.5
	contrastWeight   = 0.3
	brightnessWeight = 0.2

	horizontalScanDivisor = 5
	verticalScanDivisor   = 3
)

// Cropper is the VisionCropper implementation (C7).
type Cropper struct {
	Store blobstore.Store
}

func New(store blobstore.Store) *Cropper {
	return &Cropper{Store: store}
}

// Window is a candidate (and, once selected, chosen) crop rectangle in
// source-image pixel coordinates.
type Window struct {
	X, Y, W, H int
}

// ProcessImage decodes imageData, selects the best crop window, resizes to
// 768×1280, re-encodes as WebP, uploads it to
// properties/{listingId}/images/processed/{jobId}/vision_{order}.webp, and
// returns the resulting blob URL.
func (c *Cropper) ProcessImage(ctx context.Context, imageData []byte, listingID, jobID string, order int) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		return "", xerrors.NewPipelineError(xerrors.KindVisionFailed, "failed to decode source image", err)
	}

	window := bestCropWindow(img)
	cropped := cropImage(img, window)
	resized := resizeTo(cropped, outputWidth, outputHeight)

	var buf bytes.Buffer
	if err := webp.Encode(&buf, resized, &webp.Options{Quality: webpQuality}); err != nil {
		return "", xerrors.NewPipelineError(xerrors.KindVisionFailed, "failed to encode cropped image as webp", err)
	}

	key := fmt.Sprintf("properties/%s/images/processed/%s/vision_%d.webp", listingID, jobID, order)
	if err := c.Store.Upload(ctx, key, &buf, "image/webp"); err != nil {
		return "", xerrors.NewPipelineError(xerrors.KindVisionFailed, "failed to upload cropped image", err)
	}
	return c.Store.URLFromKey(key), nil
}

// bestCropWindow scans candidate 9:16 windows across img and returns the
// one maximizing 0.5*edgeDensity + 0.3*contrast + 0.2*brightness.
func bestCropWindow(img image.Image) Window {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	cropW, cropH := cropDimensions(w, h)

	xStep := maxInt(1, (w-cropW)/horizontalScanDivisor)
	yStep := maxInt(1, (h-cropH)/verticalScanDivisor)

	gray := toGray(img)

	best := Window{X: bounds.Min.X, Y: bounds.Min.Y, W: cropW, H: cropH}
	bestScore := -1.0

	for y := bounds.Min.Y; y+cropH <= bounds.Max.Y; y += yStep {
		for x := bounds.Min.X; x+cropW <= bounds.Max.X; x += xStep {
			win := Window{X: x, Y: y, W: cropW, H: cropH}
			score := scoreWindow(gray, win)
			if score > bestScore {
				bestScore = score
				best = win
			}
			if x+cropW == bounds.Max.X {
				break
			}
		}
		if y+cropH == bounds.Max.Y {
			break
		}
	}
	return best
}

// cropDimensions returns the largest 9:16 window that fits within w×h.
func cropDimensions(w, h int) (int, int) {
	const aspectW, aspectH = 9, 16
	byHeight := h * aspectW / aspectH
	if byHeight <= w {
		return byHeight, h
	}
	byWidth := w * aspectH / aspectW
	return w, byWidth
}

func toGray(img image.Image) *image.Gray {
	bounds := img.Bounds()
	gray := image.NewGray(bounds)
	draw.Draw(gray, bounds, img, bounds.Min, draw.Src)
	return gray
}

// scoreWindow computes edge density (mean absolute horizontal+vertical
// gradient), contrast (stddev of luminance), and brightness (mean
// luminance, normalized so mid-gray scores highest) over win.
func scoreWindow(gray *image.Gray, win Window) float64 {
	var sum, sumSq float64
	var edgeSum float64
	n := 0

	for y := win.Y; y < win.Y+win.H; y++ {
		for x := win.X; x < win.X+win.W; x++ {
			v := float64(gray.GrayAt(x, y).Y)
			sum += v
			sumSq += v * v
			n++

			if x+1 < win.X+win.W {
				edgeSum += absFloat(v - float64(gray.GrayAt(x+1, y).Y))
			}
			if y+1 < win.Y+win.H {
				edgeSum += absFloat(v - float64(gray.GrayAt(x, y+1).Y))
			}
		}
	}
	if n == 0 {
		return 0
	}

	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	stddev := math.Sqrt(variance)

	edgeDensity := (edgeSum / float64(n)) / 255.0
	contrast := stddev / 128.0
	brightness := 1.0 - absFloat(mean-128.0)/128.0

	return edgeWeight*edgeDensity + contrastWeight*contrast + brightnessWeight*brightness
}

func cropImage(img image.Image, win Window) image.Image {
	rect := image.Rect(win.X, win.Y, win.X+win.W, win.Y+win.H)
	out := image.NewRGBA(image.Rect(0, 0, win.W, win.H))
	draw.Draw(out, out.Bounds(), img, rect.Min, draw.Src)
	return out
}

func resizeTo(img image.Image, w, h int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
