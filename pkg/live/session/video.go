package session

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vango-go/vai-vision/pkg/live/protocol"
)

// ResolutionConfig describes one capture mode.
type ResolutionConfig struct {
	Width   int
	Height  int
	FPS     int
	Quality int // JPEG quality, 1-100
}

// The two capture modes. Low resolution trades detail for bandwidth when
// the uplink is constrained.
var (
	ResolutionLow    = ResolutionConfig{Width: 320, Height: 240, FPS: 2, Quality: 70}
	ResolutionNormal = ResolutionConfig{Width: 640, Height: 480, FPS: 5, Quality: 80}
)

// VideoSource is the camera (or other frame producer) collaborator. Ready
// reports whether a decodable frame is available; Capture encodes the
// current frame as JPEG at the requested geometry.
type VideoSource interface {
	Ready() bool
	Capture(width, height, quality int) ([]byte, error)
}

const (
	// videoRetry is the backoff when a pacer iteration cannot capture
	// (not ready, suspended, disabled).
	videoRetry = 200 * time.Millisecond
	// videoSourceRetry is the shorter backoff when only the source is
	// still warming up.
	videoSourceRetry = 100 * time.Millisecond
	// videoFloor bounds the inter-frame delay from below so a high
	// requested FPS cannot starve the other loops.
	videoFloor = 200 * time.Millisecond

	cameraPulse = 200 * time.Millisecond

	// tinyFramePayload flags encoded frames small enough that the camera
	// is probably blank or blocked.
	tinyFramePayload = 2000
)

// VideoPacer captures and transmits frames at the active resolution mode's
// target rate. Transmission pacing is independent of capture cost: each
// iteration reschedules itself on a timer rather than chaining callbacks.
type VideoPacer struct {
	src     VideoSource
	ctrl    *controls
	send    func([]byte) bool
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	notReadyCount int
	frameCount    int

	activeUntil atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

func newVideoPacer(src VideoSource, ctrl *controls, send func([]byte) bool, logger *slog.Logger, metrics *Metrics, now func() time.Time) *VideoPacer {
	return &VideoPacer{
		src:     src,
		ctrl:    ctrl,
		send:    send,
		logger:  logger,
		metrics: metrics,
		now:     now,
		done:    make(chan struct{}),
	}
}

// start launches the pacing loop. Stopping is idempotent via stop().
func (v *VideoPacer) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	v.cancel = cancel
	go v.run(ctx)
}

func (v *VideoPacer) run(ctx context.Context) {
	defer close(v.done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		timer.Reset(v.step())
	}
}

// step performs one pacer iteration and returns the delay until the next.
// The checks run in a fixed order: readiness, suspend window, enabled flag,
// source readiness, then capture.
func (v *VideoPacer) step() time.Duration {
	now := v.now()

	if !v.ctrl.Ready() {
		v.notReadyCount++
		if v.notReadyCount%30 == 1 {
			v.logger.Warn("video paused, waiting for session setup")
		}
		return videoRetry
	}
	if v.ctrl.VideoSuspended(now) {
		v.activeUntil.Store(0)
		return videoRetry
	}
	if !v.ctrl.VideoEnabled() {
		v.activeUntil.Store(0)
		return videoRetry
	}
	if !v.src.Ready() {
		return videoSourceRetry
	}

	cfg := v.ctrl.Resolution()
	jpg, err := v.src.Capture(cfg.Width, cfg.Height, cfg.Quality)
	if err != nil {
		v.logger.Warn("frame capture failed", "err", err)
		return videoRetry
	}

	msg, err := protocol.VideoFrame(jpg)
	if err != nil {
		v.logger.Warn("encode video frame failed", "err", err)
		return videoRetry
	}
	if v.send(msg) {
		if v.metrics != nil {
			v.metrics.VideoFramesSent.Inc()
		}
		v.activeUntil.Store(now.Add(cameraPulse).UnixMilli())
		v.frameCount++
		if len(jpg) < tinyFramePayload && v.frameCount%10 == 0 {
			v.logger.Warn("very small video payload, camera may be blank or blocked", "bytes", len(jpg))
		}
	}

	delay := time.Second / time.Duration(cfg.FPS)
	if delay < videoFloor {
		delay = videoFloor
	}
	return delay
}

// CameraActive is the short observability pulse lit after each sent frame.
func (v *VideoPacer) CameraActive() bool {
	return v.now().UnixMilli() < v.activeUntil.Load()
}

// stop halts the reschedule chain and waits for the loop to exit. Safe to
// call repeatedly.
func (v *VideoPacer) stop() {
	if v.cancel == nil {
		return
	}
	v.cancel()
	<-v.done
}
