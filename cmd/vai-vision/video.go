package main

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/kbinani/screenshot"
)

// screenSource captures the primary display and serves it as the session's
// camera feed. Frames are downscaled to the requested geometry before JPEG
// encoding; a full desktop capture is far too large for the realtime uplink.
type screenSource struct {
	display int
}

func newScreenSource(display int) *screenSource {
	return &screenSource{display: display}
}

func (s *screenSource) Ready() bool {
	return screenshot.NumActiveDisplays() > s.display
}

func (s *screenSource) Capture(width, height, quality int) ([]byte, error) {
	img, err := screenshot.CaptureDisplay(s.display)
	if err != nil {
		return nil, fmt.Errorf("capture display %d: %w", s.display, err)
	}

	var buf bytes.Buffer
	opts := &jpeg.Options{Quality: quality}
	if err := jpeg.Encode(&buf, downscale(img, width, height), opts); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// downscale resamples with nearest neighbor. Frames end up inside a lossy
// JPEG at streaming quality, so a filtering resampler would buy nothing.
func downscale(src *image.RGBA, width, height int) image.Image {
	bounds := src.Bounds()
	if bounds.Dx() == width && bounds.Dy() == height {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		sy := bounds.Min.Y + y*bounds.Dy()/height
		for x := 0; x < width; x++ {
			sx := bounds.Min.X + x*bounds.Dx()/width
			dst.Set(x, y, src.At(sx, sy))
		}
	}
	return dst
}
