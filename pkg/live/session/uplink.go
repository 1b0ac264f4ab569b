package session

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/vai-vision/pkg/live/pcm"
	"github.com/vango-go/vai-vision/pkg/live/protocol"
)

const (
	// transmitPulse is how long the observability "transmitting" signal
	// stays lit after a chunk goes out.
	transmitPulse = 200 * time.Millisecond

	// lowVolumePeak marks a sent chunk as suspiciously quiet; a run of
	// them usually means the mic is picking up almost nothing.
	lowVolumePeak    = 100
	lowVolumeRunWarn = 10
)

// Uplink accumulates microphone PCM frames into transmission chunks, gates
// them through the VAD hysteresis machine and the echo/suspend/mute
// predicates, and emits encoded realtime audio messages.
//
// OnFrame runs on the audio callback cadence and must never block: sends
// are enqueue-only and every failure degrades to dropping the chunk.
type Uplink struct {
	cfg     VADConfig
	ctrl    *controls
	player  *Player
	send    func([]byte) bool
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu           sync.Mutex
	buf          []int16
	vad          vadState
	lowVolumeRun int

	transmitUntil atomic.Int64
}

func newUplink(cfg VADConfig, ctrl *controls, player *Player, send func([]byte) bool, logger *slog.Logger, metrics *Metrics, now func() time.Time) *Uplink {
	return &Uplink{
		cfg:     cfg.withDefaults(),
		ctrl:    ctrl,
		player:  player,
		send:    send,
		logger:  logger,
		metrics: metrics,
		now:     now,
		buf:     make([]int16, 0, cfg.withDefaults().ChunkSamples*2),
	}
}

// OnFrame consumes one hardware-callback worth of PCM samples. An empty
// frame (no input channel) is silently skipped.
func (u *Uplink) OnFrame(frame []int16) {
	if len(frame) == 0 {
		return
	}
	now := u.now()

	// Echo gating and pre-roll protection: while any of these hold, input
	// is dropped and the partial buffer discarded so stale audio cannot
	// leak into the next utterance.
	if !u.ctrl.Ready() ||
		!u.ctrl.MicEnabled() ||
		u.ctrl.AudioSuspended(now) ||
		(u.player.AgentSpeaking() && !u.ctrl.BargeInAllowed()) {
		u.mu.Lock()
		u.buf = u.buf[:0]
		u.mu.Unlock()
		return
	}

	u.mu.Lock()
	u.buf = append(u.buf, frame...)
	if len(u.buf) < u.cfg.ChunkSamples {
		u.mu.Unlock()
		return
	}

	peak := pcm.Peak(u.buf)
	decision, refreshed := u.vad.observe(u.cfg, peak, now)
	if refreshed {
		u.ctrl.TouchUserSpeech(now)
	}

	switch decision {
	case vadHold:
		u.buf = u.buf[:0]
		u.mu.Unlock()
		if u.metrics != nil {
			u.metrics.AudioChunksDropped.WithLabelValues(DropSilence).Inc()
		}
		return
	case vadUtteranceEnd:
		u.buf = u.buf[:0]
		u.mu.Unlock()
		if u.metrics != nil {
			u.metrics.AudioChunksDropped.WithLabelValues(DropUtteranceEnd).Inc()
		}
		u.logger.Debug("speech ended, silence timeout", "peak", peak)
		return
	}

	msg, err := protocol.AudioChunk(pcm.Bytes(u.buf))
	u.buf = u.buf[:0]
	if err != nil {
		u.mu.Unlock()
		u.logger.Warn("encode audio chunk failed", "err", err)
		return
	}

	if peak < lowVolumePeak {
		u.lowVolumeRun++
		if u.lowVolumeRun > lowVolumeRunWarn {
			u.logger.Warn("mic is sending very low volume", "peak", peak)
			u.lowVolumeRun = 0
		}
	} else {
		u.lowVolumeRun = 0
	}
	u.mu.Unlock()

	if !u.send(msg) {
		if u.metrics != nil {
			u.metrics.AudioChunksDropped.WithLabelValues(DropBackpressure).Inc()
		}
		return
	}
	if u.metrics != nil {
		u.metrics.AudioChunksSent.Inc()
	}
	u.transmitUntil.Store(now.Add(transmitPulse).UnixMilli())

	// Loud enough to count as talking over the agent: clear the local
	// playback queue immediately instead of waiting for a server signal.
	if peak > u.cfg.InterruptThreshold {
		u.ctrl.TouchUserSpeech(now)
		if u.ctrl.BargeInAllowed() && u.player.Active() {
			u.logger.Info("barge-in, interrupting agent playback", "peak", peak)
			u.player.Interrupt()
			if u.metrics != nil {
				u.metrics.Interrupts.WithLabelValues(InterruptLocal).Inc()
			}
		}
	}
}

// Speaking reports whether the gate currently classifies the user as
// mid-utterance.
func (u *Uplink) Speaking() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.vad.speaking
}

// Transmitting is a short observability pulse: true briefly after each
// chunk transmission. Not load-bearing for correctness.
func (u *Uplink) Transmitting() bool {
	return u.now().UnixMilli() < u.transmitUntil.Load()
}

// reset clears buffered audio and gate state, for session teardown.
func (u *Uplink) reset() {
	u.mu.Lock()
	u.buf = u.buf[:0]
	u.vad.reset()
	u.lowVolumeRun = 0
	u.mu.Unlock()
	u.transmitUntil.Store(0)
}
