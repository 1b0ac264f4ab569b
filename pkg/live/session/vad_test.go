package session

import (
	"testing"
	"time"
)

func TestVAD_StartThresholdOpensGate(t *testing.T) {
	cfg := DefaultVADConfig()
	var s vadState
	now := time.Unix(1000, 0)

	d, refreshed := s.observe(cfg, 600, now)
	if d != vadSend {
		t.Fatalf("decision=%v, want vadSend", d)
	}
	if !refreshed {
		t.Fatal("speech start should refresh voice activity")
	}
	if !s.speaking {
		t.Fatal("state should be speaking")
	}
}

func TestVAD_BelowStartStaysQuiet(t *testing.T) {
	cfg := DefaultVADConfig()
	var s vadState

	d, refreshed := s.observe(cfg, 499, time.Unix(1000, 0))
	if d != vadHold {
		t.Fatalf("decision=%v, want vadHold", d)
	}
	if refreshed || s.speaking {
		t.Fatal("quiet chunk must not open the gate")
	}
}

func TestVAD_HysteresisContinuation(t *testing.T) {
	cfg := DefaultVADConfig()
	var s vadState
	now := time.Unix(1000, 0)

	s.observe(cfg, 600, now)

	// 400 is below start (500) but above stop (300): the open gate stays
	// open and the voice timestamp refreshes.
	now = now.Add(200 * time.Millisecond)
	d, refreshed := s.observe(cfg, 400, now)
	if d != vadSend {
		t.Fatalf("decision=%v, want vadSend", d)
	}
	if !refreshed {
		t.Fatal("continuation should refresh voice activity")
	}
	if s.lastVoice != now {
		t.Fatalf("lastVoice=%v, want %v", s.lastVoice, now)
	}
}

func TestVAD_QuietChunkBeforeTimeoutStillSends(t *testing.T) {
	cfg := DefaultVADConfig()
	var s vadState
	now := time.Unix(1000, 0)

	s.observe(cfg, 600, now)

	// Peak 250 is below stop threshold: no refresh, but the silence
	// timeout (700ms) has not elapsed, so the chunk still transmits.
	now = now.Add(400 * time.Millisecond)
	d, refreshed := s.observe(cfg, 250, now)
	if d != vadSend {
		t.Fatalf("decision=%v, want vadSend", d)
	}
	if refreshed {
		t.Fatal("sub-stop-threshold chunk must not refresh voice activity")
	}
}

func TestVAD_SilenceTimeoutEndsUtterance(t *testing.T) {
	cfg := DefaultVADConfig()
	var s vadState
	now := time.Unix(1000, 0)

	s.observe(cfg, 600, now)

	now = now.Add(701 * time.Millisecond)
	d, _ := s.observe(cfg, 250, now)
	if d != vadUtteranceEnd {
		t.Fatalf("decision=%v, want vadUtteranceEnd", d)
	}
	if s.speaking {
		t.Fatal("gate should be closed after utterance end")
	}

	// The next quiet chunk is an ordinary hold.
	d, _ = s.observe(cfg, 250, now.Add(250*time.Millisecond))
	if d != vadHold {
		t.Fatalf("decision=%v, want vadHold after utterance end", d)
	}
}

func TestVAD_ConfigDefaults(t *testing.T) {
	cfg := VADConfig{}.withDefaults()
	if cfg.StartThreshold != 500 || cfg.StopThreshold != 300 || cfg.InterruptThreshold != 800 {
		t.Fatalf("unexpected thresholds: %+v", cfg)
	}
	if cfg.SilenceTimeout != 700*time.Millisecond {
		t.Fatalf("silence timeout=%v", cfg.SilenceTimeout)
	}
	if cfg.ChunkSamples != 4000 {
		t.Fatalf("chunk samples=%d", cfg.ChunkSamples)
	}

	custom := VADConfig{StartThreshold: 900}.withDefaults()
	if custom.StartThreshold != 900 {
		t.Fatal("explicit threshold overridden")
	}
	if custom.StopThreshold != 300 {
		t.Fatal("unset fields should take defaults")
	}
}
