package session

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/vai-vision/pkg/live/pcm"
)

// fakeConn is an in-memory Conn. Inbound frames are fed through a channel;
// ReadMessage blocks until a frame arrives or the conn is closed.
type fakeConn struct {
	mu      sync.Mutex
	written [][]byte

	inbound  chan []byte
	closedCh chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:  make(chan []byte, 16),
		closedCh: make(chan struct{}),
	}
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closedCh:
		return errors.New("write on closed conn")
	default:
	}
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return 1, data, nil
	case <-c.closedCh:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closedCh) })
	return nil
}

func (c *fakeConn) writtenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.written)
}

type sessionFixture struct {
	session *Session
	conn    *fakeConn
	out     *fakeOutput
	src     *fakeVideoSource
	clock   *fakeClock

	mu       sync.Mutex
	ready    bool
	texts    []string
	errKinds []ErrorKind
	turns    int
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	fx := &sessionFixture{
		conn:  newFakeConn(),
		out:   &fakeOutput{},
		src:   &fakeVideoSource{ready: true, frame: make([]byte, 4096)},
		clock: newFakeClock(),
	}
	s, err := New(Dependencies{
		Conn:   fx.conn,
		Output: fx.out,
		Video:  fx.src,
		Now:    fx.clock.Now,
		Handlers: Handlers{
			OnReady: func() {
				fx.mu.Lock()
				fx.ready = true
				fx.mu.Unlock()
			},
			OnText: func(text string) {
				fx.mu.Lock()
				fx.texts = append(fx.texts, text)
				fx.mu.Unlock()
			},
			OnError: func(kind ErrorKind, _ string) {
				fx.mu.Lock()
				fx.errKinds = append(fx.errKinds, kind)
				fx.mu.Unlock()
			},
			OnTurnComplete: func() {
				fx.mu.Lock()
				fx.turns++
				fx.mu.Unlock()
			},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	fx.session = s
	return fx
}

func TestSession_SetupCompleteFlipsReady(t *testing.T) {
	fx := newSessionFixture(t)

	if fx.session.Ready() {
		t.Fatal("ready before handshake")
	}
	fx.session.handleMessage([]byte(`{"setupComplete": {}}`))

	if !fx.session.Ready() {
		t.Fatal("ready flag not set by setupComplete")
	}
	fx.mu.Lock()
	defer fx.mu.Unlock()
	if !fx.ready {
		t.Fatal("OnReady not invoked")
	}
}

func TestSession_InlineAudioReachesPlayback(t *testing.T) {
	fx := newSessionFixture(t)

	payload := pcm.Bytes(make([]int16, pcm.PlaybackRate/2))
	msg := fmt.Sprintf(
		`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":%q}}]}}}`,
		base64.StdEncoding.EncodeToString(payload))
	fx.session.handleMessage([]byte(msg))

	waitFor(t, time.Second, func() { return len(fx.out.snapshot()) == 1 })
	if got := fx.out.snapshot()[0].sampleCount; got != pcm.PlaybackRate/2 {
		t.Fatalf("played %d samples, want %d", got, pcm.PlaybackRate/2)
	}
}

func TestSession_TextPartsInvokeHandlerAndRefreshActivity(t *testing.T) {
	fx := newSessionFixture(t)
	before := fx.session.ctrl.lastAgentSpeech.Load()
	fx.clock.Advance(5 * time.Second)

	fx.session.handleMessage([]byte(`{"serverContent":{"modelTurn":{"parts":[{"text":"I can see a desk."}]}}}`))

	fx.mu.Lock()
	texts := append([]string(nil), fx.texts...)
	fx.mu.Unlock()
	if len(texts) != 1 || texts[0] != "I can see a desk." {
		t.Fatalf("texts=%v", texts)
	}
	if got := fx.session.ctrl.lastAgentSpeech.Load(); got <= before {
		t.Fatal("agent activity stamp not refreshed by text")
	}
}

func TestSession_ServerInterruptClearsPlayback(t *testing.T) {
	fx := newSessionFixture(t)

	fx.session.player.Enqueue(pcm.Bytes(make([]int16, pcm.PlaybackRate)))
	waitFor(t, time.Second, func() { return fx.session.player.Active() })

	fx.session.handleMessage([]byte(`{"serverContent":{"interrupted":true}}`))

	if fx.session.player.Active() {
		t.Fatal("playback not cleared by server interrupt")
	}
}

func TestSession_TurnCompleteInvokesHandler(t *testing.T) {
	fx := newSessionFixture(t)
	fx.session.handleMessage([]byte(`{"serverContent":{"turnComplete":true}}`))
	fx.mu.Lock()
	defer fx.mu.Unlock()
	if fx.turns != 1 {
		t.Fatalf("turns=%d, want 1", fx.turns)
	}
}

func TestSession_ErrorClassification(t *testing.T) {
	fx := newSessionFixture(t)

	fx.session.handleMessage([]byte(`{"error":"something broke"}`))
	fx.session.handleMessage([]byte(`{"error":"RESOURCE_EXHAUSTED: QUOTA_EXCEEDED for model"}`))

	fx.mu.Lock()
	defer fx.mu.Unlock()
	if len(fx.errKinds) != 2 {
		t.Fatalf("errors=%d, want 2", len(fx.errKinds))
	}
	if fx.errKinds[0] != ErrorGeneric {
		t.Errorf("first error kind=%v, want generic", fx.errKinds[0])
	}
	if fx.errKinds[1] != ErrorQuota {
		t.Errorf("second error kind=%v, want quota", fx.errKinds[1])
	}
}

func TestSession_MalformedFrameSkipped(t *testing.T) {
	fx := newSessionFixture(t)
	fx.session.handleMessage([]byte(`{not json`))
	fx.session.handleMessage([]byte(`{"setupComplete": {}}`))
	if !fx.session.Ready() {
		t.Fatal("pipeline should survive a malformed frame")
	}
}

func TestSession_ProbeFrame(t *testing.T) {
	fx := newSessionFixture(t)
	fx.session.ctrl.ready.Store(true)

	if err := fx.session.SendProbeFrame(); err != nil {
		t.Fatalf("probe: %v", err)
	}

	// Both pipelines are suspended for their windows.
	now := fx.clock.Now()
	if !fx.session.ctrl.AudioSuspended(now) || !fx.session.ctrl.VideoSuspended(now) {
		t.Fatal("probe must suspend audio and video")
	}
	// Audio stays suspended past the video window.
	if !fx.session.ctrl.AudioSuspended(now.Add(1500 * time.Millisecond)) {
		t.Fatal("audio suspend window should outlast video's")
	}
	if fx.session.ctrl.VideoSuspended(now.Add(1500 * time.Millisecond)) {
		t.Fatal("video suspend window should have lapsed")
	}

	// The probe rides the priority queue as an image+question turn.
	select {
	case payload := <-fx.session.outboundPriority:
		var msg struct {
			ClientContent struct {
				Turns []struct {
					Parts []json.RawMessage `json:"parts"`
				} `json:"turns"`
				TurnComplete bool `json:"turn_complete"`
			} `json:"client_content"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.Fatalf("unmarshal probe: %v", err)
		}
		if got := len(msg.ClientContent.Turns[0].Parts); got != 2 {
			t.Fatalf("probe parts=%d, want image+text", got)
		}
		if !msg.ClientContent.TurnComplete {
			t.Fatal("probe must complete the turn")
		}
	default:
		t.Fatal("no probe payload queued")
	}

	// A second probe is rejected while the first is in flight.
	if err := fx.session.SendProbeFrame(); !errors.Is(err, ErrProbeInFlight) {
		t.Fatalf("second probe err=%v, want ErrProbeInFlight", err)
	}
}

func TestSession_ProbeRequiresReadyAndVideo(t *testing.T) {
	fx := newSessionFixture(t)
	if err := fx.session.SendProbeFrame(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("err=%v, want ErrNotReady", err)
	}

	noVideo := newSessionFixture(t)
	noVideo.session.video = nil
	noVideo.session.ctrl.ready.Store(true)
	if err := noVideo.session.SendProbeFrame(); err == nil {
		t.Fatal("probe without a video source must fail")
	}
}

func TestSession_ProbeCaptureFailureReleasesGuard(t *testing.T) {
	fx := newSessionFixture(t)
	fx.session.ctrl.ready.Store(true)
	fx.src.err = errors.New("camera gone")

	if err := fx.session.SendProbeFrame(); err == nil {
		t.Fatal("probe should surface the capture failure")
	}
	if fx.session.ctrl.ProbeInFlight() {
		t.Fatal("failed probe must release the in-flight guard")
	}
}

func TestSession_SendTextTurnRequiresReady(t *testing.T) {
	fx := newSessionFixture(t)
	if err := fx.session.SendTextTurn("hello"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("err=%v, want ErrNotReady", err)
	}

	fx.session.ctrl.ready.Store(true)
	if err := fx.session.SendTextTurn("hello"); err != nil {
		t.Fatalf("SendTextTurn: %v", err)
	}
	if len(fx.session.outboundPriority) != 1 {
		t.Fatal("text turn not queued on the priority channel")
	}
}

func TestSession_RunTearsDownOnTransportFailure(t *testing.T) {
	fx := newSessionFixture(t)

	fx.conn.inbound <- []byte(`{"setupComplete": {}}`)

	runErr := make(chan error, 1)
	go func() { runErr <- fx.session.Run() }()

	waitFor(t, time.Second, func() { return fx.session.Ready() })

	// Transport drops: ReadMessage starts failing and Run unwinds.
	fx.conn.Close()

	select {
	case err := <-runErr:
		if err == nil {
			t.Fatal("expected transport error from Run")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after transport failure")
	}
	if fx.session.Ready() {
		t.Fatal("teardown should drop readiness")
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	fx := newSessionFixture(t)
	if err := fx.session.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := fx.session.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if fx.session.Ready() {
		t.Fatal("closed session reports ready")
	}
}

func TestSession_MediaBackpressureDropsNotBlocks(t *testing.T) {
	fx := newSessionFixture(t)

	// Fill the media queue.
	for {
		if !fx.session.enqueueMedia([]byte(`{}`)) {
			break
		}
	}
	// The next enqueue returns promptly instead of blocking.
	done := make(chan struct{})
	go func() {
		fx.session.enqueueMedia([]byte(`{}`))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueueMedia blocked under backpressure")
	}
}
