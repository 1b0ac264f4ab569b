package session

import (
	"sync/atomic"
	"time"
)

// controls is the small set of cross-cadence shared state: readiness,
// runtime toggles, suspend windows, and activity recency. Every field is an
// atomic because the audio callback, the network dispatch loop, and the
// wall-clock timers all read it; nothing here may block.
type controls struct {
	ready   atomic.Bool
	mic     atomic.Bool
	video   atomic.Bool
	bargeIn atomic.Bool
	lowRes  atomic.Bool

	// Suspend windows are unix-milli deadlines. While now is before the
	// deadline the corresponding pipeline drops input; expiry is purely
	// comparison-based, nothing clears them.
	suspendAudioUntil atomic.Int64
	suspendVideoUntil atomic.Int64

	lastUserSpeech  atomic.Int64
	lastAgentSpeech atomic.Int64

	probeInFlight atomic.Bool
}

func newControls(now time.Time) *controls {
	c := &controls{}
	c.mic.Store(true)
	c.video.Store(true)
	ms := now.UnixMilli()
	c.lastUserSpeech.Store(ms)
	c.lastAgentSpeech.Store(ms)
	return c
}

func (c *controls) Ready() bool          { return c.ready.Load() }
func (c *controls) MicEnabled() bool     { return c.mic.Load() }
func (c *controls) VideoEnabled() bool   { return c.video.Load() }
func (c *controls) BargeInAllowed() bool { return c.bargeIn.Load() }
func (c *controls) LowRes() bool         { return c.lowRes.Load() }
func (c *controls) ProbeInFlight() bool  { return c.probeInFlight.Load() }

func (c *controls) AudioSuspended(now time.Time) bool {
	return now.UnixMilli() < c.suspendAudioUntil.Load()
}

func (c *controls) VideoSuspended(now time.Time) bool {
	return now.UnixMilli() < c.suspendVideoUntil.Load()
}

func (c *controls) SuspendAudio(until time.Time) {
	c.suspendAudioUntil.Store(until.UnixMilli())
}

func (c *controls) SuspendVideo(until time.Time) {
	c.suspendVideoUntil.Store(until.UnixMilli())
}

func (c *controls) TouchUserSpeech(now time.Time) {
	c.lastUserSpeech.Store(now.UnixMilli())
}

func (c *controls) TouchAgentSpeech(now time.Time) {
	c.lastAgentSpeech.Store(now.UnixMilli())
}

// IdleFor reports how long both sides have been quiet.
func (c *controls) IdleFor(now time.Time) time.Duration {
	last := c.lastUserSpeech.Load()
	if agent := c.lastAgentSpeech.Load(); agent > last {
		last = agent
	}
	idle := now.UnixMilli() - last
	if idle < 0 {
		idle = 0
	}
	return time.Duration(idle) * time.Millisecond
}

// Resolution returns the active capture configuration. Mode changes take
// effect on the next capture, not retroactively.
func (c *controls) Resolution() ResolutionConfig {
	if c.lowRes.Load() {
		return ResolutionLow
	}
	return ResolutionNormal
}
