// Package session implements the realtime media pipeline of the live vision
// client: the VAD-gated microphone uplink, the gapless playback scheduler
// for agent speech, the paced video loop, the readiness handshake and
// inbound dispatch, and the silence watchdog. The transport, audio devices,
// and camera are collaborators supplied through Dependencies.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/vai-vision/pkg/live/pcm"
	"github.com/vango-go/vai-vision/pkg/live/protocol"
)

// ErrorKind classifies protocol-level errors surfaced to the caller.
type ErrorKind int

const (
	ErrorGeneric ErrorKind = iota
	ErrorQuota
)

// ErrProbeInFlight is returned when a probe frame is requested before the
// previous probe's suspend window has lapsed.
var ErrProbeInFlight = errors.New("probe frame already in flight")

// ErrNotReady is returned for operations that require the completed
// readiness handshake.
var ErrNotReady = errors.New("session not ready")

// Handlers are caller-visible notifications. All callbacks are optional and
// are invoked from the session's dispatch goroutine; they must not block.
type Handlers struct {
	OnReady        func()
	OnText         func(text string)
	OnError        func(kind ErrorKind, message string)
	OnTurnComplete func()
}

// Config tunes the pipeline. Zero values take defaults in New.
type Config struct {
	VAD VADConfig

	// Probe suspend windows. Audio stays suspended longer than video: the
	// probe is an interleaved still-image question and should not compete
	// with a fresh utterance.
	ProbeAudioSuspend time.Duration
	ProbeVideoSuspend time.Duration
	ProbePrompt       string

	WatchdogInterval time.Duration
	IdleAfter        time.Duration
	ContinuePrompt   string

	OutboundQueueSize int
	PingInterval      time.Duration
	WriteTimeout      time.Duration
}

// Dependencies are the session's collaborators.
type Dependencies struct {
	Conn    Conn
	Output  Output
	Video   VideoSource // optional; video pacer and probe disabled when nil
	Logger  *slog.Logger
	Metrics *Metrics
	Config  Config

	Handlers Handlers

	// Now is injectable for tests.
	Now func() time.Time
}

// Session owns one live connection's media pipeline.
type Session struct {
	conn     Conn
	logger   *slog.Logger
	metrics  *Metrics
	cfg      Config
	handlers Handlers
	now      func() time.Time

	ctrl   *controls
	uplink *Uplink
	player *Player
	pacer  *VideoPacer
	dog    *Watchdog
	video  VideoSource

	outboundPriority chan []byte
	outboundNormal   chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	sendWarnMu   sync.Mutex
	sendWarnLast time.Time
}

// New wires up a session. Run must be called to start it.
func New(deps Dependencies) (*Session, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Output == nil {
		return nil, fmt.Errorf("audio output is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics("")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg := deps.Config
	cfg.VAD = cfg.VAD.withDefaults()
	if cfg.ProbeAudioSuspend <= 0 {
		cfg.ProbeAudioSuspend = 2000 * time.Millisecond
	}
	if cfg.ProbeVideoSuspend <= 0 {
		cfg.ProbeVideoSuspend = 1200 * time.Millisecond
	}
	if cfg.ProbePrompt == "" {
		cfg.ProbePrompt = "Describe exactly what you see in the image. If you are unsure, say you are unsure."
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = 2 * time.Second
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = 8 * time.Second
	}
	if cfg.ContinuePrompt == "" {
		cfg.ContinuePrompt = "Please continue observing and tell me what you see."
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:             deps.Conn,
		logger:           deps.Logger,
		metrics:          deps.Metrics,
		cfg:              cfg,
		handlers:         deps.Handlers,
		now:              deps.Now,
		video:            deps.Video,
		outboundPriority: make(chan []byte, 8),
		outboundNormal:   make(chan []byte, cfg.OutboundQueueSize),
		ctx:              ctx,
		cancel:           cancel,
	}

	s.ctrl = newControls(s.now())
	s.player = newPlayer(deps.Output, s.logger, s.metrics, s.ctrl.TouchAgentSpeech, s.now)
	s.uplink = newUplink(cfg.VAD, s.ctrl, s.player, s.enqueueMedia, s.logger, s.metrics, s.now)
	s.dog = newWatchdog(s.ctrl, s.player, s.uplink, s.enqueueTurn, s.logger, s.metrics, s.now, cfg.WatchdogInterval, cfg.IdleAfter, cfg.ContinuePrompt)
	if deps.Video != nil {
		s.pacer = newVideoPacer(deps.Video, s.ctrl, s.enqueueMedia, s.logger, s.metrics, s.now)
	}
	return s, nil
}

// Run starts the writer, video pacer, and watchdog, then serves the inbound
// read loop until the transport closes or the session is closed. A
// transport failure is fatal for the session and triggers full teardown;
// reconnection is the caller's decision.
func (s *Session) Run() error {
	writer := &outboundWriter{
		ws:           s.conn,
		ctx:          s.ctx,
		pingInterval: s.cfg.PingInterval,
		writeTimeout: s.cfg.WriteTimeout,
		priority:     s.outboundPriority,
		normal:       s.outboundNormal,
	}
	writerErr := make(chan error, 1)
	go func() { writerErr <- writer.Run() }()

	if s.pacer != nil {
		s.pacer.start(s.ctx)
	}
	s.dog.start(s.ctx)

	readErr := s.readLoop()

	s.Close()
	<-writerErr

	if readErr != nil && !errors.Is(readErr, context.Canceled) {
		return fmt.Errorf("session transport: %w", readErr)
	}
	return nil
}

func (s *Session) readLoop() error {
	for {
		select {
		case <-s.ctx.Done():
			return context.Canceled
		default:
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return context.Canceled
			default:
			}
			return err
		}
		s.handleMessage(data)
	}
}

// handleMessage dispatches one inbound frame. Malformed frames log and are
// skipped; the pipeline continues.
func (s *Session) handleMessage(data []byte) {
	msg, err := protocol.Parse(data)
	if err != nil {
		s.logger.Warn("malformed server message", "err", err)
		return
	}

	if msg.Error != "" {
		kind := ErrorGeneric
		if msg.IsQuotaError() {
			kind = ErrorQuota
			s.logger.Error("api quota exceeded")
		} else {
			s.logger.Error("server error", "error", msg.Error)
		}
		if s.handlers.OnError != nil {
			s.handlers.OnError(kind, msg.Error)
		}
	}

	if msg.IsSetupComplete() {
		s.ctrl.ready.Store(true)
		s.logger.Info("session ready, setup complete")
		if s.handlers.OnReady != nil {
			s.handlers.OnReady()
		}
	}

	sc := msg.ServerContent
	if sc == nil {
		return
	}

	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part.InlineData.IsAudio() {
				payload, err := part.InlineData.Decode()
				if err != nil {
					s.logger.Warn("bad inline audio payload", "err", err)
					continue
				}
				s.player.Enqueue(payload)
			}
			if part.Text != "" {
				s.ctrl.TouchAgentSpeech(s.now())
				if s.handlers.OnText != nil {
					s.handlers.OnText(part.Text)
				}
			}
		}
	}
	if sc.Interrupted {
		s.logger.Info("agent interrupted by server signal")
		s.player.Interrupt()
		s.metrics.Interrupts.WithLabelValues(InterruptServer).Inc()
	}
	if sc.TurnComplete {
		s.logger.Debug("agent turn complete")
		if s.handlers.OnTurnComplete != nil {
			s.handlers.OnTurnComplete()
		}
	}
}

// PushAudio feeds one hardware callback of float samples into the uplink.
// It is safe to call from the audio callback: conversion and gating never
// block. An empty block (no input channel) is skipped silently.
func (s *Session) PushAudio(samples []float32) {
	if len(samples) == 0 {
		return
	}
	s.uplink.OnFrame(pcm.FromFloat32(samples))
}

// SendProbeFrame captures one frame immediately, suspends the audio and
// video pipelines for their respective windows, and sends the frame as a
// combined image+question turn. A second probe is rejected until the first
// window lapses.
func (s *Session) SendProbeFrame() error {
	if !s.ctrl.Ready() {
		return ErrNotReady
	}
	if s.video == nil {
		return errors.New("no video source")
	}
	if !s.ctrl.probeInFlight.CompareAndSwap(false, true) {
		return ErrProbeInFlight
	}

	now := s.now()
	s.ctrl.SuspendAudio(now.Add(s.cfg.ProbeAudioSuspend))
	s.ctrl.SuspendVideo(now.Add(s.cfg.ProbeVideoSuspend))

	res := s.ctrl.Resolution()
	jpg, err := s.video.Capture(res.Width, res.Height, res.Quality)
	if err != nil {
		s.ctrl.probeInFlight.Store(false)
		return fmt.Errorf("probe capture: %w", err)
	}
	msg, err := protocol.ImageTurn(jpg, s.cfg.ProbePrompt)
	if err != nil {
		s.ctrl.probeInFlight.Store(false)
		return fmt.Errorf("probe encode: %w", err)
	}
	if !s.enqueueTurn(msg) {
		s.ctrl.probeInFlight.Store(false)
		return errors.New("probe send: outbound queue full")
	}
	s.metrics.ProbeFramesSent.Inc()
	s.logger.Info("probe frame sent", "bytes", len(jpg))

	time.AfterFunc(s.cfg.ProbeAudioSuspend, func() {
		s.ctrl.probeInFlight.Store(false)
	})
	return nil
}

// SendTextTurn sends an explicit user text turn (e.g. an opening prompt).
func (s *Session) SendTextTurn(text string) error {
	if !s.ctrl.Ready() {
		return ErrNotReady
	}
	msg, err := protocol.TextTurn(text)
	if err != nil {
		return err
	}
	if !s.enqueueTurn(msg) {
		return errors.New("outbound queue full")
	}
	return nil
}

// Runtime controls. These may be flipped from any goroutine.

func (s *Session) SetMicEnabled(on bool)     { s.ctrl.mic.Store(on) }
func (s *Session) SetVideoEnabled(on bool)   { s.ctrl.video.Store(on) }
func (s *Session) SetBargeInAllowed(on bool) { s.ctrl.bargeIn.Store(on) }
func (s *Session) SetLowRes(on bool)         { s.ctrl.lowRes.Store(on) }

// Status accessors.

func (s *Session) Ready() bool         { return s.ctrl.Ready() }
func (s *Session) AgentSpeaking() bool { return s.player.AgentSpeaking() }
func (s *Session) UserSpeaking() bool  { return s.uplink.Speaking() }
func (s *Session) Transmitting() bool  { return s.uplink.Transmitting() }

// CameraActive reports the video pacer's observability pulse.
func (s *Session) CameraActive() bool {
	return s.pacer != nil && s.pacer.CameraActive()
}

// PlaybackErrors surfaces output-device failures. The session keeps running
// after one; the caller may log or rebuild its output.
func (s *Session) PlaybackErrors() <-chan error {
	return s.player.Errors()
}

// Close tears the session down: stops the pacer chain and watchdog, clears
// the playback queue, drops readiness, and releases the uplink. Idempotent;
// a repeated Close is a no-op.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.pacer != nil {
			s.pacer.stop()
		}
		s.dog.stop()
		s.player.Close()
		s.uplink.reset()
		s.ctrl.ready.Store(false)
		s.logger.Info("session closed")
	})
	return nil
}

// enqueueMedia queues a streamed media chunk, fire-and-forget. Under
// backpressure the chunk is dropped; realtime media is only useful fresh.
func (s *Session) enqueueMedia(payload []byte) bool {
	select {
	case s.outboundNormal <- payload:
		return true
	default:
		s.warnSendThrottled("outbound media queue full, dropping chunk")
		return false
	}
}

// enqueueTurn queues a content turn on the priority channel.
func (s *Session) enqueueTurn(payload []byte) bool {
	select {
	case s.outboundPriority <- payload:
		return true
	default:
		s.warnSendThrottled("outbound turn queue full, dropping turn")
		return false
	}
}

func (s *Session) warnSendThrottled(msg string) {
	s.sendWarnMu.Lock()
	defer s.sendWarnMu.Unlock()
	now := s.now()
	if now.Sub(s.sendWarnLast) < time.Second {
		return
	}
	s.sendWarnLast = now
	s.logger.Warn(msg)
}
