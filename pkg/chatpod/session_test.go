package chatpod

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/murmulab/chatpod/pkg/audio/pcm"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// sessionHarness runs a Session over the in-process pipe transport. The
// test plays the backend.
type sessionHarness struct {
	s      *Session
	pc     *PipeConnector
	pipe   *Pipeline
	events <-chan StateEvent
}

func newSessionHarness(t *testing.T, mutate func(*SessionConfig)) *sessionHarness {
	t.Helper()
	pipe, err := NewPipeline(PipelineConfig{
		Mic:     NewSilentMic(pcm.L16Mono16K),
		Speaker: NewSinkSpeaker(pcm.L16Mono24K),
		Codec:   newTestCodec(t, CodecConfig{}),
	})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	pc := NewPipeConnector()
	cfg := SessionConfig{
		Connector:     pc,
		Endpoint:      Endpoint{URL: "pipe://test"},
		Pipeline:      pipe,
		ReconnectBase: time.Millisecond,
		ReconnectCap:  5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-runErr:
			if err != nil {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("session loop did not stop")
		}
		pipe.Close()
	})
	return &sessionHarness{s: s, pc: pc, pipe: pipe, events: s.Subscribe()}
}

// backend is the server end of the pipe. Audio packets are discarded;
// control messages land on ctrl.
type backend struct {
	conn *PipeConn
	ctrl chan ControlMessage
	gone chan error
}

func (h *sessionHarness) accept(t *testing.T) *backend {
	t.Helper()
	conn, err := h.pc.Accept(testCtx(t))
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	b := &backend{conn: conn, ctrl: make(chan ControlMessage, 64), gone: make(chan error, 1)}
	go func() {
		for ev, err := range conn.Events() {
			if err != nil {
				return
			}
			switch ev := ev.(type) {
			case *ControlEvent:
				b.ctrl <- ev.Message
			case *DisconnectEvent:
				b.gone <- ev.Reason
			}
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return b
}

func (b *backend) send(t *testing.T, msg ControlMessage) {
	t.Helper()
	if err := b.conn.SendControl(testCtx(t), msg); err != nil {
		t.Fatalf("SendControl(%T): %v", msg, err)
	}
}

func (b *backend) awaitHint(t *testing.T, hint Hint) *StateHint {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-b.ctrl:
			if h, ok := msg.(*StateHint); ok && h.Hint == hint {
				return h
			}
		case <-deadline:
			t.Fatalf("hint %q not received", hint)
		}
	}
}

func awaitControl[T ControlMessage](t *testing.T, b *backend) T {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-b.ctrl:
			if v, ok := msg.(T); ok {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("no %T control message received", zero)
		}
	}
}

func waitState(t *testing.T, events <-chan StateEvent, want State) StateEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.State == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("state %s not reached", want)
		}
	}
}

func TestSession_StartToListening(t *testing.T) {
	h := newSessionHarness(t, nil)

	if err := h.s.PushText(testCtx(t), "hi"); err == nil {
		t.Error("PushText before start succeeded; want error")
	}
	if err := h.s.StartSession(testCtx(t)); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	b := h.accept(t)

	ev := waitState(t, h.events, StateListening)
	if ev.Code != CodeNone {
		t.Errorf("Code = %q; want %q", ev.Code, CodeNone)
	}
	hint := b.awaitHint(t, HintListenStart)
	if hint.Mode != ListenAuto {
		t.Errorf("Mode = %q; want %q", hint.Mode, ListenAuto)
	}
	if hint.SessionID != b.conn.SessionID() {
		t.Errorf("SessionID = %q; want %q", hint.SessionID, b.conn.SessionID())
	}

	if err := h.s.StartSession(testCtx(t)); err == nil {
		t.Error("StartSession from listening succeeded; want error")
	}
	if err := h.s.Run(context.Background()); err == nil {
		t.Error("second Run succeeded; want error")
	}

	snap := h.s.Snapshot()
	if snap.State != StateListening {
		t.Errorf("Snapshot.State = %s; want %s", snap.State, StateListening)
	}
	if snap.SessionID != b.conn.SessionID() {
		t.Errorf("Snapshot.SessionID = %q; want %q", snap.SessionID, b.conn.SessionID())
	}
}

func TestSession_SpeakCycle(t *testing.T) {
	h := newSessionHarness(t, nil)
	if err := h.s.StartSession(testCtx(t)); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	b := h.accept(t)
	waitState(t, h.events, StateListening)
	b.awaitHint(t, HintListenStart)
	sid := b.conn.SessionID()

	b.send(t, &StateHint{SessionID: sid, Hint: HintSpeakStart})
	waitState(t, h.events, StateSpeaking)

	// Nothing is queued at the speaker, so speak_stop completes the turn
	// immediately and auto mode reopens the mic.
	b.send(t, &StateHint{SessionID: sid, Hint: HintSpeakStop})
	waitState(t, h.events, StateListening)
	b.awaitHint(t, HintListenStart)
}

func TestSession_ManualModeEndsAfterReply(t *testing.T) {
	h := newSessionHarness(t, func(cfg *SessionConfig) { cfg.Mode = ListenManual })
	if err := h.s.StartSession(testCtx(t)); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	b := h.accept(t)
	waitState(t, h.events, StateListening)
	hint := b.awaitHint(t, HintListenStart)
	if hint.Mode != ListenManual {
		t.Errorf("Mode = %q; want %q", hint.Mode, ListenManual)
	}
	sid := b.conn.SessionID()

	// keep_listening holds the session open for another round.
	b.send(t, &StateHint{SessionID: sid, Hint: HintSpeakStart, KeepListening: true})
	waitState(t, h.events, StateSpeaking)
	b.send(t, &StateHint{SessionID: sid, Hint: HintSpeakStop})
	waitState(t, h.events, StateListening)
	b.awaitHint(t, HintListenStart)

	// Without it, a manual session ends when the reply finishes.
	b.send(t, &StateHint{SessionID: sid, Hint: HintSpeakStart})
	waitState(t, h.events, StateSpeaking)
	b.send(t, &StateHint{SessionID: sid, Hint: HintSpeakStop})
	awaitControl[*Goodbye](t, b)
	waitState(t, h.events, StateIdle)
}

func TestSession_ToolRoundTrip(t *testing.T) {
	reg := NewRegistry(RegistryConfig{})
	if err := reg.Register("get_volume", nil, func(ctx context.Context, args json.RawMessage) (any, error) {
		return map[string]int{"volume": 70}, nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	h := newSessionHarness(t, func(cfg *SessionConfig) { cfg.Tools = reg })
	if err := h.s.StartSession(testCtx(t)); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	b := h.accept(t)
	waitState(t, h.events, StateListening)

	b.send(t, &ToolCallRequest{ID: "call-1", Name: "get_volume", Args: json.RawMessage(`{}`)})
	res := awaitControl[*ToolCallResult](t, b)
	if res.ID != "call-1" {
		t.Errorf("result ID = %q; want %q", res.ID, "call-1")
	}
	if res.Error != nil {
		t.Fatalf("result error = %+v; want success", res.Error)
	}
	var payload struct {
		Volume int `json:"volume"`
	}
	if err := json.Unmarshal(res.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Volume != 70 {
		t.Errorf("volume = %d; want 70", payload.Volume)
	}
	waitUntil(t, 3*time.Second, "tool counter", func() bool {
		return h.s.Stats().ToolCalls == 1
	})

	// An unknown tool still gets an answer so the backend is not left
	// hanging.
	b.send(t, &ToolCallRequest{ID: "call-2", Name: "open_pod_bay_doors", Args: json.RawMessage(`{}`)})
	res = awaitControl[*ToolCallResult](t, b)
	if res.ID != "call-2" {
		t.Errorf("result ID = %q; want %q", res.ID, "call-2")
	}
	if res.Error == nil || res.Error.Code != toolCodeUnknown {
		t.Errorf("result error = %+v; want code %q", res.Error, toolCodeUnknown)
	}
}

func TestSession_ClientInitiatedCall(t *testing.T) {
	reg := NewRegistry(RegistryConfig{})
	h := newSessionHarness(t, func(cfg *SessionConfig) { cfg.Tools = reg })
	if err := h.s.StartSession(testCtx(t)); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	b := h.accept(t)
	waitState(t, h.events, StateListening)

	type callResult struct {
		payload json.RawMessage
		err     error
	}
	done := make(chan callResult, 1)
	go func() {
		payload, err := reg.Call(context.Background(), "server_time", nil)
		done <- callResult{payload, err}
	}()

	req := awaitControl[*ToolCallRequest](t, b)
	if req.Name != "server_time" {
		t.Errorf("request name = %q; want %q", req.Name, "server_time")
	}
	b.send(t, &ToolCallResult{ID: req.ID, Payload: json.RawMessage(`{"now":"noon"}`)})

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("Call: %v", res.err)
		}
		if string(res.payload) != `{"now":"noon"}` {
			t.Errorf("payload = %s; want %s", res.payload, `{"now":"noon"}`)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Call did not return")
	}
}

func TestSession_PushText(t *testing.T) {
	h := newSessionHarness(t, nil)
	if err := h.s.StartSession(testCtx(t)); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	b := h.accept(t)
	waitState(t, h.events, StateListening)

	if err := h.s.PushText(testCtx(t), "turn on the light"); err != nil {
		t.Fatalf("PushText: %v", err)
	}
	hint := b.awaitHint(t, HintDetect)
	if hint.Text != "turn on the light" {
		t.Errorf("Text = %q; want %q", hint.Text, "turn on the light")
	}
}

func TestSession_ServerGoodbye(t *testing.T) {
	h := newSessionHarness(t, nil)
	if err := h.s.StartSession(testCtx(t)); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	b := h.accept(t)
	waitState(t, h.events, StateListening)

	b.send(t, &Goodbye{SessionID: b.conn.SessionID()})
	waitState(t, h.events, StateIdle)

	select {
	case reason := <-b.gone:
		if reason != nil {
			t.Errorf("disconnect reason = %v; want clean close", reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("backend never saw the disconnect")
	}
}

func TestSession_ReconnectsAfterDrop(t *testing.T) {
	h := newSessionHarness(t, nil)
	if err := h.s.StartSession(testCtx(t)); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	b1 := h.accept(t)
	waitState(t, h.events, StateListening)
	b1.awaitHint(t, HintListenStart)

	b1.conn.CloseWithError(errors.New("link reset"))

	b2 := h.accept(t)
	waitState(t, h.events, StateListening)
	b2.awaitHint(t, HintListenStart)

	if got := h.s.Stats().Reconnects; got != 1 {
		t.Errorf("Reconnects = %d; want 1", got)
	}
	if b2.conn.SessionID() == b1.conn.SessionID() {
		t.Error("reconnect reused the old session id")
	}
}

func TestSession_StopSendsGoodbye(t *testing.T) {
	h := newSessionHarness(t, nil)
	if err := h.s.StartSession(testCtx(t)); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	b := h.accept(t)
	waitState(t, h.events, StateListening)
	sid := b.conn.SessionID()

	if err := h.s.StopSession(testCtx(t)); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	bye := awaitControl[*Goodbye](t, b)
	if bye.SessionID != sid {
		t.Errorf("Goodbye.SessionID = %q; want %q", bye.SessionID, sid)
	}
	select {
	case reason := <-b.gone:
		if reason != nil {
			t.Errorf("disconnect reason = %v; want clean close", reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("backend never saw the disconnect")
	}
	waitState(t, h.events, StateIdle)

	// Stopping an idle session is a no-op.
	if err := h.s.StopSession(testCtx(t)); err != nil {
		t.Errorf("StopSession while idle: %v", err)
	}
}

func TestSession_ResetDropsWithoutGoodbye(t *testing.T) {
	h := newSessionHarness(t, nil)
	if err := h.s.StartSession(testCtx(t)); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	b := h.accept(t)
	waitState(t, h.events, StateListening)

	if err := h.s.Reset(testCtx(t)); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	waitState(t, h.events, StateIdle)

	select {
	case reason := <-b.gone:
		if reason != nil {
			t.Errorf("disconnect reason = %v; want clean close", reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("backend never saw the disconnect")
	}
	for drained := false; !drained; {
		select {
		case msg := <-b.ctrl:
			if _, ok := msg.(*Goodbye); ok {
				t.Error("reset sent a goodbye")
			}
		default:
			drained = true
		}
	}
}

func TestNewSession_Validation(t *testing.T) {
	pipe, err := NewPipeline(PipelineConfig{
		Mic:     NewSilentMic(pcm.L16Mono16K),
		Speaker: NewSinkSpeaker(pcm.L16Mono24K),
		Codec:   newTestCodec(t, CodecConfig{}),
	})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	defer pipe.Close()

	if _, err := NewSession(SessionConfig{Pipeline: pipe}); err == nil {
		t.Error("NewSession accepted a nil Connector")
	}
	if _, err := NewSession(SessionConfig{Connector: NewPipeConnector()}); err == nil {
		t.Error("NewSession accepted a nil Pipeline")
	}
}
