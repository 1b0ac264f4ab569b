package session

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/vai-vision/pkg/live/pcm"
)

// Output is the playback sink plus its virtual clock. Now() is the current
// position on the output timeline in seconds; Play schedules a buffer to
// start at the given timeline position; Discard drops any scheduled audio
// that has not reached the device yet. Implementations own the actual
// device; the Player only does the bookkeeping.
type Output interface {
	SampleRate() int
	Now() float64
	Play(samples []float32, at float64) error
	Discard()
}

// Player schedules decoded agent audio gaplessly on an Output timeline.
//
// The scheduling invariant: the start time of chunk i+1 is always >= the end
// time of chunk i. nextStart only moves forward, and a consumer that falls
// behind wall clock self-corrects because each start clamps to max(Now,
// nextStart). All queue/clock mutation happens under one mutex shared by
// playStep, Enqueue, and Interrupt, so a dequeue can never race a clear.
type Player struct {
	out     Output
	logger  *slog.Logger
	metrics *Metrics
	onAudio func(time.Time)
	now     func() time.Time

	// earlyWake fires the next step slightly before the current buffer
	// ends so scheduling jitter cannot open an audible gap.
	earlyWake time.Duration
	// cooldown delays clearing the agent-speaking signal after the queue
	// drains, protecting the echo gate while the device buffer empties.
	cooldown time.Duration

	mu        sync.Mutex
	queue     [][]int16
	nextStart float64
	playing   bool
	timer     *time.Timer
	closed    bool

	agentSpeaking atomic.Bool

	errCh chan error
}

func newPlayer(out Output, logger *slog.Logger, metrics *Metrics, onAudio func(time.Time), now func() time.Time) *Player {
	return &Player{
		out:       out,
		logger:    logger,
		metrics:   metrics,
		onAudio:   onAudio,
		now:       now,
		earlyWake: 20 * time.Millisecond,
		cooldown:  300 * time.Millisecond,
		errCh:     make(chan error, 1),
	}
}

// Errors surfaces playback failures (unusable output device). The pipeline
// keeps running after an error; the caller may enqueue again later.
func (p *Player) Errors() <-chan error {
	return p.errCh
}

// Enqueue decodes one raw PCM payload and queues it. If the player is idle
// it starts the play loop.
func (p *Player) Enqueue(payload []byte) {
	samples := pcm.Samples(payload)
	if len(samples) == 0 {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, samples)
	if p.metrics != nil {
		p.metrics.PlaybackQueueDepth.Set(float64(len(p.queue)))
	}
	start := !p.playing
	if start {
		p.playing = true
	}
	p.mu.Unlock()

	if start {
		p.playStep()
	}
}

// playStep dequeues one payload, schedules it at max(Now, nextStart), and
// re-arms itself to fire just before the buffer ends.
func (p *Player) playStep() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if len(p.queue) == 0 {
		p.playing = false
		p.timer = nil
		p.mu.Unlock()
		p.scheduleSpeakingClear()
		return
	}

	chunk := p.queue[0]
	p.queue = p.queue[1:]
	if p.metrics != nil {
		p.metrics.PlaybackQueueDepth.Set(float64(len(p.queue)))
	}

	samples := pcm.ToFloat32(chunk)
	rate := p.out.SampleRate()
	dur := float64(len(samples)) / float64(rate)

	start := p.out.Now()
	if p.nextStart > start {
		start = p.nextStart
	}

	p.agentSpeaking.Store(true)
	if err := p.out.Play(samples, start); err != nil {
		p.queue = nil
		p.playing = false
		p.nextStart = 0
		p.timer = nil
		p.agentSpeaking.Store(false)
		if p.metrics != nil {
			p.metrics.PlaybackQueueDepth.Set(0)
			p.metrics.PlaybackErrors.Inc()
		}
		p.mu.Unlock()
		p.emitErr(fmt.Errorf("playback output: %w", err))
		return
	}
	p.nextStart = start + dur

	if p.onAudio != nil {
		p.onAudio(p.now())
	}

	wait := time.Duration((p.nextStart-p.out.Now())*float64(time.Second)) - p.earlyWake
	if wait < 0 {
		wait = 0
	}
	p.timer = time.AfterFunc(wait, p.playStep)
	p.mu.Unlock()
}

// Interrupt clears the queue and resets the playback clock. Used both for
// local barge-in and the server's interrupted signal.
func (p *Player) Interrupt() {
	p.mu.Lock()
	p.queue = nil
	p.nextStart = 0
	p.playing = false
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.metrics != nil {
		p.metrics.PlaybackQueueDepth.Set(0)
	}
	p.mu.Unlock()
	p.out.Discard()
	p.scheduleSpeakingClear()
}

// Active reports whether playback is in progress or queued.
func (p *Player) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing || len(p.queue) > 0
}

// Idle is the inverse of Active.
func (p *Player) Idle() bool {
	return !p.Active()
}

// AgentSpeaking reports whether agent audio is (approximately) audible right
// now. It lags the queue draining by the cooldown.
func (p *Player) AgentSpeaking() bool {
	return p.agentSpeaking.Load()
}

// NextStart returns the current playback clock position (seconds).
func (p *Player) NextStart() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextStart
}

// Close stops the play loop. Repeated calls are no-ops.
func (p *Player) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.queue = nil
	p.playing = false
	p.nextStart = 0
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.metrics != nil {
		p.metrics.PlaybackQueueDepth.Set(0)
	}
	p.mu.Unlock()
	p.out.Discard()
	p.agentSpeaking.Store(false)
}

func (p *Player) scheduleSpeakingClear() {
	time.AfterFunc(p.cooldown, func() {
		p.mu.Lock()
		idle := !p.playing
		p.mu.Unlock()
		if idle {
			p.agentSpeaking.Store(false)
		}
	})
}

func (p *Player) emitErr(err error) {
	if p.logger != nil {
		p.logger.Error("playback aborted", "err", err)
	}
	select {
	case p.errCh <- err:
	default:
	}
}
