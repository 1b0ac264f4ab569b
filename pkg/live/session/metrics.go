package session

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics for one live session pipeline.
type Metrics struct {
	registry *prometheus.Registry

	AudioChunksSent    prometheus.Counter
	AudioChunksDropped *prometheus.CounterVec
	VideoFramesSent    prometheus.Counter
	ProbeFramesSent    prometheus.Counter
	WatchdogPokes      prometheus.Counter
	Interrupts         *prometheus.CounterVec
	PlaybackQueueDepth prometheus.Gauge
	PlaybackErrors     prometheus.Counter
}

// Drop reasons for AudioChunksDropped.
const (
	DropSilence      = "silence"
	DropUtteranceEnd = "utterance_end"
	DropBackpressure = "backpressure"
)

// Interrupt sources.
const (
	InterruptLocal  = "local"
	InterruptServer = "server"
)

// NewMetrics creates a Metrics instance backed by a private registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vai_vision"
	}

	registry := prometheus.NewRegistry()

	audioChunksSent := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audio_chunks_sent_total",
		Help:      "Uplink audio chunks transmitted",
	})
	audioChunksDropped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audio_chunks_dropped_total",
		Help:      "Uplink audio chunks discarded before transmission",
	}, []string{"reason"})
	videoFramesSent := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "video_frames_sent_total",
		Help:      "Paced video frames transmitted",
	})
	probeFramesSent := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "probe_frames_sent_total",
		Help:      "Out-of-band probe frames sent as content turns",
	})
	watchdogPokes := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "watchdog_pokes_total",
		Help:      "Synthetic continuation prompts emitted after sustained silence",
	})
	interrupts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "playback_interrupts_total",
		Help:      "Playback interruptions by source",
	}, []string{"source"})
	playbackQueueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "playback_queue_depth",
		Help:      "Decoded agent audio payloads awaiting playback",
	})
	playbackErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "playback_errors_total",
		Help:      "Playback steps aborted because the output was unusable",
	})

	registry.MustRegister(
		audioChunksSent,
		audioChunksDropped,
		videoFramesSent,
		probeFramesSent,
		watchdogPokes,
		interrupts,
		playbackQueueDepth,
		playbackErrors,
	)

	return &Metrics{
		registry:           registry,
		AudioChunksSent:    audioChunksSent,
		AudioChunksDropped: audioChunksDropped,
		VideoFramesSent:    videoFramesSent,
		ProbeFramesSent:    probeFramesSent,
		WatchdogPokes:      watchdogPokes,
		Interrupts:         interrupts,
		PlaybackQueueDepth: playbackQueueDepth,
		PlaybackErrors:     playbackErrors,
	}
}

// Handler returns an HTTP handler exposing the session metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
