package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-vision/internal/dotenv"
	"github.com/vango-go/vai-vision/pkg/live/session"
)

type options struct {
	endpoint    string
	mode        string
	envFile     string
	metricsAddr string
	display     int
	lowRes      bool
	bargeIn     bool
	greeting    string
	debug       bool
}

func main() {
	os.Exit(runMain())
}

func runMain() int {
	var opt options
	flag.StringVar(&opt.endpoint, "url", "", "Live endpoint websocket URL (ws(s)://host:port/ws); also reads VAI_LIVE_URL")
	flag.StringVar(&opt.mode, "mode", "", "Agent mode passed to the endpoint as ?mode= (optional)")
	flag.StringVar(&opt.envFile, "env", ".env", "Dotenv file loaded before flags are resolved")
	flag.StringVar(&opt.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090); disabled when empty")
	flag.IntVar(&opt.display, "display", 0, "Display index for screen capture (default: 0)")
	flag.BoolVar(&opt.lowRes, "low-res", false, "Start in low-resolution capture mode (320x240 @ 2fps)")
	flag.BoolVar(&opt.bargeIn, "barge-in", false, "Allow loud speech to interrupt agent playback")
	flag.StringVar(&opt.greeting, "greeting", "", "Text turn sent once the session is ready (optional)")
	flag.BoolVar(&opt.debug, "debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if opt.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := dotenv.Load(opt.envFile); err != nil {
		logger.Warn("load env file", "err", err)
	}
	if strings.TrimSpace(opt.endpoint) == "" {
		opt.endpoint = strings.TrimSpace(os.Getenv("VAI_LIVE_URL"))
	}
	if opt.endpoint == "" {
		fmt.Fprintln(os.Stderr, "missing -url (or VAI_LIVE_URL)")
		flag.Usage()
		return 2
	}

	if err := run(opt, logger); err != nil {
		logger.Error("exited", "err", err)
		return 1
	}
	return 0
}

func run(opt options, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	endpoint, err := buildEndpoint(opt.endpoint, opt.mode)
	if err != nil {
		return err
	}

	logger.Info("connecting", "endpoint", endpoint)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}

	metrics := session.NewMetrics("vai_vision")

	speaker, err := startSpeaker()
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer speaker.Close()

	var sess *session.Session
	sess, err = session.New(session.Dependencies{
		Conn:    conn,
		Output:  speaker,
		Video:   newScreenSource(opt.display),
		Logger:  logger,
		Metrics: metrics,
		Handlers: session.Handlers{
			OnReady: func() {
				logger.Info("agent ready")
				if opt.greeting != "" {
					if err := sess.SendTextTurn(opt.greeting); err != nil {
						logger.Warn("greeting failed", "err", err)
					}
				}
			},
			OnText: func(text string) {
				fmt.Printf("\ragent: %s\n", text)
			},
			OnError: func(kind session.ErrorKind, message string) {
				if kind == session.ErrorQuota {
					logger.Error("api quota exceeded, expect the session to stall")
					return
				}
				logger.Error("agent error", "message", message)
			},
		},
	})
	if err != nil {
		_ = conn.Close()
		return err
	}
	sess.SetBargeInAllowed(opt.bargeIn)
	sess.SetLowRes(opt.lowRes)

	mic, err := startMic(sess.PushAudio)
	if err != nil {
		_ = sess.Close()
		return err
	}
	defer mic.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer stop()
		return sess.Run()
	})

	g.Go(func() error {
		err := runKeyControls(gctx, sess, logger, opt.bargeIn, opt.lowRes)
		_ = sess.Close()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err := <-sess.PlaybackErrors():
				logger.Error("playback failure", "err", err)
			}
		}
	})

	if opt.metricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, opt.metricsAddr, metrics, logger) })
	}

	return g.Wait()
}

// buildEndpoint appends the agent mode as a query parameter when set.
func buildEndpoint(raw, mode string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", raw, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("endpoint %q: scheme must be ws or wss", raw)
	}
	if mode != "" {
		q := u.Query()
		q.Set("mode", mode)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func serveMetrics(ctx context.Context, addr string, metrics *session.Metrics, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
