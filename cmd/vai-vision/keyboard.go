package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/vango-go/vai-vision/pkg/live/session"
)

// keyControls maps single keypresses to session toggles. Stdin is switched
// to raw mode so keys take effect without Enter.
//
//	m  mute/unmute microphone
//	v  enable/disable video
//	b  allow/disallow barge-in
//	l  toggle low-resolution capture
//	t  send a probe frame
//	q  quit (also ctrl-c)
type keyControls struct {
	session *session.Session
	logger  *slog.Logger

	mic     bool
	video   bool
	bargeIn bool
	lowRes  bool
}

func runKeyControls(ctx context.Context, s *session.Session, logger *slog.Logger, startBargeIn, startLowRes bool) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		logger.Info("stdin is not a terminal, keyboard controls disabled")
		<-ctx.Done()
		return ctx.Err()
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return err
	}
	defer term.Restore(fd, oldState)

	kc := &keyControls{
		session: s,
		logger:  logger,
		mic:     true,
		video:   true,
		bargeIn: startBargeIn,
		lowRes:  startLowRes,
	}

	keys := make(chan byte)
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 1)
		for {
			if _, err := os.Stdin.Read(buf); err != nil {
				readErr <- err
				return
			}
			select {
			case keys <- buf[0]:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case key := <-keys:
			if quit := kc.handle(key); quit {
				return errors.New("quit requested")
			}
		}
	}
}

func (kc *keyControls) handle(key byte) (quit bool) {
	switch key {
	case 'q', 'Q', 0x03: // ctrl-c arrives as a raw byte in raw mode
		return true
	case 'm', 'M':
		kc.mic = !kc.mic
		kc.session.SetMicEnabled(kc.mic)
		kc.logger.Info("microphone toggled", "enabled", kc.mic)
	case 'v', 'V':
		kc.video = !kc.video
		kc.session.SetVideoEnabled(kc.video)
		kc.logger.Info("video toggled", "enabled", kc.video)
	case 'b', 'B':
		kc.bargeIn = !kc.bargeIn
		kc.session.SetBargeInAllowed(kc.bargeIn)
		kc.logger.Info("barge-in toggled", "allowed", kc.bargeIn)
	case 'l', 'L':
		kc.lowRes = !kc.lowRes
		kc.session.SetLowRes(kc.lowRes)
		kc.logger.Info("capture resolution toggled", "low", kc.lowRes)
	case 't', 'T':
		if err := kc.session.SendProbeFrame(); err != nil {
			kc.logger.Warn("probe frame rejected", "err", err)
		}
	}
	return false
}
