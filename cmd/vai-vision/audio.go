package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"

	"github.com/vango-go/vai-vision/pkg/live/pcm"
)

// speakerBufferBytes is the oto device buffer. At 24kHz mono 16-bit,
// 4800 bytes is ~100ms: small enough for responsive barge-in, large
// enough to ride out scheduler jitter.
const speakerBufferBytes = 4800

// micCapture owns the malgo context and capture device. Each hardware
// period is handed to push as float samples; push must not block.
type micCapture struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

func startMic(push func([]float32)) (*micCapture, error) {
	ctxCfg := malgo.ContextConfig{}
	ctxCfg.ThreadPriority = malgo.ThreadPriorityRealtime

	mctx, err := malgo.InitContext(nil, ctxCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(pcm.CaptureRate)
	cfg.PeriodSizeInMilliseconds = 8

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			push(decodeFloat32LE(input, int(frameCount)))
		},
	}

	device, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("init microphone: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("start microphone: %w", err)
	}
	return &micCapture{ctx: mctx, device: device}, nil
}

func (m *micCapture) Close() {
	if m.device != nil {
		_ = m.device.Stop()
		m.device.Uninit()
	}
	if m.ctx != nil {
		_ = m.ctx.Uninit()
		m.ctx.Free()
	}
}

func decodeFloat32LE(raw []byte, frames int) []float32 {
	if frames*4 > len(raw) {
		frames = len(raw) / 4
	}
	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		bits := binary.LittleEndian.Uint32(raw[i*4:])
		samples[i] = math.Float32frombits(bits)
	}
	return samples
}

// speakerOutput adapts an oto player to the playback scheduler's timeline
// interface. The device pulls continuously through Read; when the pending
// buffer runs dry it feeds silence, so the output clock keeps advancing
// whether or not the agent is talking. Scheduling a chunk "at" a timeline
// position therefore reduces to padding silence up to that position and
// appending the samples.
type speakerOutput struct {
	otoCtx *oto.Context
	player *oto.Player

	mu       sync.Mutex
	pending  []float32
	consumed int64
	closed   bool
}

func startSpeaker() (*speakerOutput, error) {
	opts := &oto.NewContextOptions{
		SampleRate:   pcm.PlaybackRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   speakerBufferBytes,
	}
	otoCtx, ready, err := oto.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("init speaker: %w", err)
	}
	<-ready

	s := &speakerOutput{otoCtx: otoCtx}
	s.player = otoCtx.NewPlayer(s)
	s.player.Play()
	return s, nil
}

func (s *speakerOutput) SampleRate() int { return pcm.PlaybackRate }

// Now is the output clock position in seconds. It counts every sample the
// device has pulled, silence included, so it is monotonic for the life of
// the speaker.
func (s *speakerOutput) Now() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.consumed) / float64(pcm.PlaybackRate)
}

// Play schedules samples to start at the given timeline position. A
// position at or before the current write head appends immediately.
func (s *speakerOutput) Play(samples []float32, at float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("speaker closed")
	}
	startSample := int64(at * float64(pcm.PlaybackRate))
	head := s.consumed + int64(len(s.pending))
	if gap := startSample - head; gap > 0 {
		s.pending = append(s.pending, make([]float32, gap)...)
	}
	s.pending = append(s.pending, samples...)
	return nil
}

// Discard drops scheduled audio the device has not pulled yet. The clock
// keeps running; only the pending samples go.
func (s *speakerOutput) Discard() {
	s.mu.Lock()
	s.pending = s.pending[:0]
	s.mu.Unlock()
}

// Read feeds the oto player. Called from the device goroutine.
func (s *speakerOutput) Read(p []byte) (int, error) {
	frames := len(p) / 2
	s.mu.Lock()
	n := frames
	if n > len(s.pending) {
		n = len(s.pending)
	}
	encoded := pcm.FromFloat32(s.pending[:n])
	s.pending = s.pending[n:]
	s.consumed += int64(frames)
	s.mu.Unlock()

	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(p[i*2:], uint16(encoded[i]))
	}
	for i := n * 2; i < frames*2; i++ {
		p[i] = 0
	}
	return frames * 2, nil
}

func (s *speakerOutput) Close() {
	s.mu.Lock()
	s.closed = true
	s.pending = nil
	s.mu.Unlock()
	if s.player != nil {
		_ = s.player.Close()
	}
}
