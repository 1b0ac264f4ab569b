package session

import "time"

// VADConfig holds the tuned voice-gate parameters. The thresholds are peak
// amplitudes on the int16 scale, tuned for 16 kHz mono capture at roughly
// unity gain; they do not generalize to other sample rates or gain settings,
// which is why they are configuration rather than constants.
type VADConfig struct {
	// StartThreshold is the peak amplitude that opens the gate.
	StartThreshold int
	// StopThreshold keeps an open gate open. It sits below StartThreshold
	// so amplitude hovering at the boundary cannot chatter the gate.
	StopThreshold int
	// InterruptThreshold is the louder peak that counts as the user talking
	// over the agent (barge-in).
	InterruptThreshold int
	// SilenceTimeout ends the utterance once no chunk has refreshed the
	// voice timestamp for this long.
	SilenceTimeout time.Duration
	// ChunkSamples is how many samples accumulate before a chunk is
	// evaluated and transmitted. 4000 samples is 250ms at 16 kHz, which
	// balances latency against per-message overhead.
	ChunkSamples int
}

// DefaultVADConfig returns the stock gate tuning.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		StartThreshold:     500,
		StopThreshold:      300,
		InterruptThreshold: 800,
		SilenceTimeout:     700 * time.Millisecond,
		ChunkSamples:       4000,
	}
}

func (c VADConfig) withDefaults() VADConfig {
	d := DefaultVADConfig()
	if c.StartThreshold <= 0 {
		c.StartThreshold = d.StartThreshold
	}
	if c.StopThreshold <= 0 {
		c.StopThreshold = d.StopThreshold
	}
	if c.InterruptThreshold <= 0 {
		c.InterruptThreshold = d.InterruptThreshold
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = d.SilenceTimeout
	}
	if c.ChunkSamples <= 0 {
		c.ChunkSamples = d.ChunkSamples
	}
	return c
}

// vadState is the two-state (quiet/speaking) hysteresis machine. It is a
// pure function of (state, peak, now) so the gate logic tests without any
// audio I/O.
type vadState struct {
	speaking  bool
	lastVoice time.Time
}

type vadDecision int

const (
	// vadHold: gate closed, discard the chunk quietly. Speech that never
	// crosses StartThreshold is never sent; that is intended behavior, not
	// lost audio.
	vadHold vadDecision = iota
	// vadSend: gate open, transmit the chunk.
	vadSend
	// vadUtteranceEnd: silence timeout hit; discard the chunk and close
	// the gate without transmitting.
	vadUtteranceEnd
)

// observe evaluates one accumulated chunk's peak amplitude. The peak is
// computed over the whole accumulated window, which smooths transient
// clicks that a per-frame peak would false-trigger on. refreshed reports
// whether the chunk counted as fresh user voice (start or continuation).
func (s *vadState) observe(cfg VADConfig, peak int, now time.Time) (decision vadDecision, refreshed bool) {
	if !s.speaking {
		if peak > cfg.StartThreshold {
			s.speaking = true
			s.lastVoice = now
			refreshed = true
		}
	} else if peak > cfg.StopThreshold {
		s.lastVoice = now
		refreshed = true
	}

	if s.speaking && now.Sub(s.lastVoice) > cfg.SilenceTimeout {
		s.speaking = false
		return vadUtteranceEnd, false
	}
	if !s.speaking {
		return vadHold, false
	}
	return vadSend, refreshed
}

func (s *vadState) reset() {
	s.speaking = false
	s.lastVoice = time.Time{}
}
