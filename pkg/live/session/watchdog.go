package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/vango-go/vai-vision/pkg/live/protocol"
)

// Watchdog nudges an idle session: after sustained combined silence it
// emits a synthetic continuation prompt so the agent keeps narrating.
type Watchdog struct {
	ctrl    *controls
	player  *Player
	uplink  *Uplink
	send    func([]byte) bool
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	interval  time.Duration
	idleAfter time.Duration
	prompt    string

	cancel context.CancelFunc
	done   chan struct{}
}

func newWatchdog(ctrl *controls, player *Player, uplink *Uplink, send func([]byte) bool, logger *slog.Logger, metrics *Metrics, now func() time.Time, interval, idleAfter time.Duration, prompt string) *Watchdog {
	return &Watchdog{
		ctrl:      ctrl,
		player:    player,
		uplink:    uplink,
		send:      send,
		logger:    logger,
		metrics:   metrics,
		now:       now,
		interval:  interval,
		idleAfter: idleAfter,
		prompt:    prompt,
		done:      make(chan struct{}),
	}
}

func (w *Watchdog) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	go w.run(ctx)
}

func (w *Watchdog) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(w.now())
		}
	}
}

// check runs one watchdog evaluation. It fires only when the session is
// ready, both sides have been quiet past the idle deadline, playback is
// idle, the user is not mid-utterance, and no probe is in flight. Firing
// refreshes the agent activity stamp so continued silence cannot re-fire
// on every tick.
func (w *Watchdog) check(now time.Time) {
	if !w.ctrl.Ready() {
		return
	}
	idle := w.ctrl.IdleFor(now)
	if idle <= w.idleAfter {
		return
	}
	if w.player.Active() || w.uplink.Speaking() || w.ctrl.ProbeInFlight() {
		return
	}

	msg, err := protocol.TextTurn(w.prompt)
	if err != nil {
		w.logger.Warn("encode continuation prompt failed", "err", err)
		return
	}
	if !w.send(msg) {
		return
	}
	w.ctrl.TouchAgentSpeech(now)
	if w.metrics != nil {
		w.metrics.WatchdogPokes.Inc()
	}
	w.logger.Info("sustained silence, sent continuation prompt", "idle", idle)
}

func (w *Watchdog) stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}
