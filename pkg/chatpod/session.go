package chatpod

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/murmulab/chatpod/pkg/audio/vad"
	"github.com/murmulab/chatpod/pkg/devstore"
	"github.com/murmulab/chatpod/pkg/jsontime"
)

// Defaults for SessionConfig.
const (
	DefaultReconnectBase    = time.Second
	DefaultReconnectCap     = 30 * time.Second
	DefaultMaxRetries       = 10
	DefaultSubscriberBuffer = 16
)

// SessionConfig configures a Session. Connector and Pipeline are required.
type SessionConfig struct {
	// Connector dials the transport.
	Connector Connector

	// Endpoint is handed to the connector on every dial.
	Endpoint Endpoint

	// Activator supplies the bearer credential. Nil skips activation
	// (local and test transports).
	Activator *Activator

	// Pipeline owns audio I/O.
	Pipeline *Pipeline

	// Tools executes inbound tool calls. Nil means an empty registry
	// that rejects every call as unknown.
	Tools *Registry

	// Mode is the listen mode advertised to the backend (defaults to
	// auto).
	Mode ListenMode

	// ReconnectBase is the first retry delay (defaults to 1s). Each
	// failure doubles it up to ReconnectCap (defaults to 30s).
	ReconnectBase time.Duration
	ReconnectCap  time.Duration

	// MaxRetries bounds consecutive dial failures before the session
	// enters the error state (defaults to 10).
	MaxRetries int

	// SubscriberBuffer is the per-subscriber event channel depth
	// (defaults to 16). Slow subscribers lose the oldest event.
	SubscriberBuffer int

	// Logger defaults to DefaultLogger.
	Logger Logger
}

// Session is the conversation controller. One loop goroutine owns the
// state; every input (user command, pipeline event, transport event, tool
// completion, timer) arrives on one serialized channel, so transitions
// have a total order.
type Session struct {
	connector Connector
	endpoint  Endpoint
	activator *Activator
	pipeline  *Pipeline
	tools     *Registry
	mode      ListenMode
	base      time.Duration
	cap       time.Duration
	maxTries  int
	subDepth  int
	log       Logger

	inputs  chan sessionInput
	closed  chan struct{}
	running atomic.Bool

	// Owned by the loop goroutine.
	cred          *devstore.Credential
	epoch         uint64
	retries       int
	everConnected bool
	speakStop     bool
	drained       bool
	keepListening bool

	mu        sync.Mutex
	state     State
	conn      Conn
	sessionID string
	code      ErrorCode
	cause     string
	stateSeq  int
	subs      []chan StateEvent

	reconnects atomic.Uint64
	toolCalls  atomic.Uint64
}

// Loop inputs.
type sessionInput interface{ isSessionInput() }

type cmdOp int

const (
	opStart cmdOp = iota
	opStop
	opText
	opReset
)

type cmdInput struct {
	op    cmdOp
	text  string
	reply chan error
}

type connInput struct {
	epoch uint64
	ev    Event
	err   error
}

type pipeInput struct {
	ev  PipelineEvent
	err error
}

type credInput struct {
	epoch uint64
	cred  *devstore.Credential
	err   error
}

type dialInput struct {
	epoch uint64
	conn  Conn
	err   error
}

type redialInput struct{ epoch uint64 }

type pokeInput struct{}

func (*cmdInput) isSessionInput()    {}
func (*connInput) isSessionInput()   {}
func (*pipeInput) isSessionInput()   {}
func (*credInput) isSessionInput()   {}
func (*dialInput) isSessionInput()   {}
func (*redialInput) isSessionInput() {}
func (*pokeInput) isSessionInput()   {}

// NewSession builds a Session. The loop starts on Run.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Connector == nil {
		return nil, errors.New("chatpod: session: Connector is required")
	}
	if cfg.Pipeline == nil {
		return nil, errors.New("chatpod: session: Pipeline is required")
	}
	log := cfg.Logger
	if log == nil {
		log = DefaultLogger()
	}
	tools := cfg.Tools
	if tools == nil {
		tools = NewRegistry(RegistryConfig{Logger: log})
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ListenAuto
	}
	base := cfg.ReconnectBase
	if base <= 0 {
		base = DefaultReconnectBase
	}
	capd := cfg.ReconnectCap
	if capd <= 0 {
		capd = DefaultReconnectCap
	}
	maxTries := cfg.MaxRetries
	if maxTries <= 0 {
		maxTries = DefaultMaxRetries
	}
	subDepth := cfg.SubscriberBuffer
	if subDepth <= 0 {
		subDepth = DefaultSubscriberBuffer
	}
	return &Session{
		connector: cfg.Connector,
		endpoint:  cfg.Endpoint,
		activator: cfg.Activator,
		pipeline:  cfg.Pipeline,
		tools:     tools,
		mode:      mode,
		base:      base,
		cap:       capd,
		maxTries:  maxTries,
		subDepth:  subDepth,
		log:       log,
		inputs:    make(chan sessionInput, 64),
		closed:    make(chan struct{}),
		state:     StateIdle,
	}, nil
}

// Run drives the session loop until ctx ends. It starts the pipeline and
// returns after everything the session acquired is released.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("chatpod: session already running")
	}
	s.pipeline.Start(ctx)
	go s.pumpPipelineEvents(ctx)
	go s.sendPump(ctx)

	for {
		select {
		case <-ctx.Done():
			s.teardown(true)
			close(s.closed)
			s.log.InfoPrintf("session: closed (stats: %+v)", s.Stats())
			return nil
		case in := <-s.inputs:
			s.handleInput(ctx, in)
		}
	}
}

// StartSession begins a conversation. Legal only from the idle state.
func (s *Session) StartSession(ctx context.Context) error {
	return s.do(ctx, opStart, "")
}

// StopSession ends the conversation. From idle it is a no-op.
func (s *Session) StopSession(ctx context.Context) error {
	return s.do(ctx, opStop, "")
}

// PushText submits typed input, bypassing audio. Legal while a session is
// active.
func (s *Session) PushText(ctx context.Context, text string) error {
	return s.do(ctx, opText, text)
}

// Reset returns the session to idle from any state, releasing whatever
// was live. The error state is terminal until Reset.
func (s *Session) Reset(ctx context.Context) error {
	return s.do(ctx, opReset, "")
}

func (s *Session) do(ctx context.Context, op cmdOp, text string) error {
	in := &cmdInput{op: op, text: text, reply: make(chan error, 1)}
	select {
	case s.inputs <- in:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return ErrSessionClosed
	}
	select {
	case err := <-in.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return ErrSessionClosed
	}
}

// Subscribe returns a channel of state events. Slow consumers lose the
// oldest event with a warning, never block the loop.
func (s *Session) Subscribe() <-chan StateEvent {
	ch := make(chan StateEvent, s.subDepth)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// Snapshot returns a point-in-time view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{State: s.state, SessionID: s.sessionID}
	s.mu.Unlock()
	snap.PendingTools = s.tools.Pending()
	snap.Stats = s.Stats()
	return snap
}

// Stats merges pipeline counters with session-scoped ones.
func (s *Session) Stats() Stats {
	st := s.pipeline.Stats()
	st.Reconnects = s.reconnects.Load()
	st.ToolCalls = s.toolCalls.Load()
	return st
}

// Tools returns the tool registry bound to this session.
func (s *Session) Tools() *Registry { return s.tools }

func (s *Session) tryPost(ctx context.Context, in sessionInput) bool {
	select {
	case s.inputs <- in:
		return true
	case <-ctx.Done():
	case <-s.closed:
	}
	return false
}

// poke schedules a state re-publish without blocking. Used by tool
// completions to refresh the pending count.
func (s *Session) poke() {
	select {
	case s.inputs <- &pokeInput{}:
	default:
	}
}

func (s *Session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) currentConn() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// setState records a transition and publishes it. cause is non-nil only
// for the error state.
func (s *Session) setState(next State, cause error) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	if cause != nil {
		s.code = CodeForError(cause)
		s.cause = cause.Error()
	} else if next != StateError {
		s.code = CodeNone
		s.cause = ""
	}
	s.mu.Unlock()
	if cause != nil {
		s.log.InfoPrintf("session: %s -> %s (%v)", prev, next, cause)
	} else {
		s.log.InfoPrintf("session: %s -> %s", prev, next)
	}
	s.publish()
}

// publish pushes the current state to every subscriber.
func (s *Session) publish() {
	pending := s.tools.Pending()

	s.mu.Lock()
	s.stateSeq++
	ev := StateEvent{
		Version:      s.stateSeq,
		Time:         jsontime.NowMilli(),
		State:        s.state,
		Code:         s.code,
		Cause:        s.cause,
		PendingTools: pending,
	}
	subs := make([]chan StateEvent, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	ev.Display = Snapshot{State: ev.State, PendingTools: pending}.Display()
	for _, ch := range subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
		s.log.WarnPrintf("session: slow state subscriber, dropped an event")
	}
}

// sendPump drains the capture queue to whichever conn is current. It runs
// for the session lifetime and exits when the pipeline closes.
func (s *Session) sendPump(ctx context.Context) {
	for {
		pkt, err := s.pipeline.NextPacket()
		if err != nil {
			return
		}
		conn := s.currentConn()
		if conn == nil {
			continue
		}
		if err := conn.SendPacket(ctx, pkt); err != nil {
			if !errors.Is(err, ErrSessionClosed) && ctx.Err() == nil {
				s.log.WarnPrintf("session: send packet: %v", err)
			}
		}
	}
}

func (s *Session) pumpPipelineEvents(ctx context.Context) {
	for ev, err := range s.pipeline.Events() {
		s.tryPost(ctx, &pipeInput{ev: ev, err: err})
	}
}

func (s *Session) pumpConnEvents(ctx context.Context, conn Conn, epoch uint64) {
	for ev, err := range conn.Events() {
		s.tryPost(ctx, &connInput{epoch: epoch, ev: ev, err: err})
	}
}

func (s *Session) handleInput(ctx context.Context, in sessionInput) {
	switch in := in.(type) {
	case *cmdInput:
		s.handleCommand(ctx, in)
	case *connInput:
		s.handleConnInput(ctx, in)
	case *pipeInput:
		s.handlePipeInput(ctx, in)
	case *credInput:
		s.handleCred(ctx, in)
	case *dialInput:
		s.handleDial(ctx, in)
	case *redialInput:
		if in.epoch == s.epoch && s.currentState() == StateConnecting {
			s.dial(ctx)
		}
	case *pokeInput:
		s.publish()
	}
}

func (s *Session) handleCommand(ctx context.Context, in *cmdInput) {
	switch in.op {
	case opStart:
		if cur := s.currentState(); cur != StateIdle {
			in.reply <- fmt.Errorf("chatpod: start session: state is %s, want idle", cur)
			return
		}
		s.beginSession(ctx)
		in.reply <- nil
	case opStop:
		if cur := s.currentState(); cur == StateIdle || cur == StateError {
			in.reply <- nil
			return
		}
		s.endSession(true)
		in.reply <- nil
	case opText:
		if !s.currentState().Active() {
			in.reply <- errors.New("chatpod: push text: no active session")
			return
		}
		in.reply <- s.sendHint(ctx, &StateHint{Hint: HintDetect, Text: in.text})
	case opReset:
		s.teardown(false)
		s.retries = 0
		s.setState(StateIdle, nil)
		in.reply <- nil
	}
}

func (s *Session) beginSession(ctx context.Context) {
	s.retries = 0
	s.everConnected = false
	s.pipeline.ResetGate()
	if s.activator != nil {
		s.activate(ctx)
		return
	}
	s.setState(StateConnecting, nil)
	s.dial(ctx)
}

func (s *Session) activate(ctx context.Context) {
	s.setState(StateActivating, nil)
	epoch := s.epoch
	go func() {
		cred, err := s.activator.EnsureCredential(ctx)
		s.tryPost(ctx, &credInput{epoch: epoch, cred: cred, err: err})
	}()
}

func (s *Session) handleCred(ctx context.Context, in *credInput) {
	if in.epoch != s.epoch || s.currentState() != StateActivating {
		return
	}
	if in.err != nil {
		s.toError(in.err)
		return
	}
	s.cred = in.cred
	s.setState(StateConnecting, nil)
	s.dial(ctx)
}

// dial runs one connect attempt on a worker goroutine so the loop never
// blocks on the network.
func (s *Session) dial(ctx context.Context) {
	epoch := s.epoch
	cred := s.cred
	go func() {
		conn, err := s.connector.Connect(ctx, s.endpoint, cred)
		if !s.tryPost(ctx, &dialInput{epoch: epoch, conn: conn, err: err}) && conn != nil {
			conn.Close()
		}
	}()
}

func (s *Session) handleDial(ctx context.Context, in *dialInput) {
	if in.epoch != s.epoch || s.currentState() != StateConnecting {
		if in.conn != nil {
			in.conn.Close()
		}
		return
	}
	if in.err != nil {
		s.retries++
		if s.retries > s.maxTries {
			s.toError(fmt.Errorf("%w: %v", ErrRetryBudgetExhausted, in.err))
			return
		}
		delay := s.backoff(s.retries)
		s.log.WarnPrintf("session: connect attempt %d/%d: %v (next try in %s)", s.retries, s.maxTries, in.err, delay)
		epoch := s.epoch
		time.AfterFunc(delay, func() {
			s.tryPost(ctx, &redialInput{epoch: epoch})
		})
		return
	}

	conn := in.conn
	s.mu.Lock()
	s.conn = conn
	s.sessionID = conn.SessionID()
	s.mu.Unlock()
	if s.everConnected {
		s.reconnects.Add(1)
	}
	s.everConnected = true
	s.retries = 0

	s.tools.Bind(func(ctx context.Context, req *ToolCallRequest) error {
		return conn.SendControl(ctx, req)
	})
	go s.pumpConnEvents(ctx, conn, s.epoch)
	s.enterListening(ctx)
}

func (s *Session) backoff(attempt int) time.Duration {
	d := s.base << (attempt - 1)
	if d <= 0 || d > s.cap {
		d = s.cap
	}
	return d
}

func (s *Session) enterListening(ctx context.Context) {
	s.speakStop, s.drained, s.keepListening = false, false, false
	s.pipeline.ResetGate()
	s.pipeline.SetForwarding(true)
	if err := s.sendHint(ctx, &StateHint{Hint: HintListenStart, Mode: s.mode}); err != nil {
		s.log.WarnPrintf("session: send listen_start: %v", err)
	}
	s.setState(StateListening, nil)
}

// sendHint fills in the session id and sends one hint on the current conn.
func (s *Session) sendHint(ctx context.Context, hint *StateHint) error {
	s.mu.Lock()
	conn := s.conn
	hint.SessionID = s.sessionID
	s.mu.Unlock()
	if conn == nil {
		return ErrSessionClosed
	}
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.SendControl(sctx, hint)
}

func (s *Session) handleConnInput(ctx context.Context, in *connInput) {
	if in.epoch != s.epoch {
		return
	}
	if in.err != nil {
		s.log.WarnPrintf("session: transport events: %v", in.err)
		return
	}
	switch ev := in.ev.(type) {
	case *PacketEvent:
		if err := s.pipeline.Ingest(ev.Packet); err != nil {
			s.log.WarnPrintf("session: ingest packet: %v", err)
		}
	case *ControlEvent:
		s.handleControl(ctx, ev.Message)
	case *DisconnectEvent:
		s.handleDisconnect(ctx, ev.Reason)
	}
}

func (s *Session) handleControl(ctx context.Context, msg ControlMessage) {
	switch m := msg.(type) {
	case *StateHint:
		s.handleHint(ctx, m)
	case *ToolCallRequest:
		s.handleToolCall(ctx, m)
	case *ToolCallResult:
		if err := s.tools.HandleResult(m); err != nil {
			s.log.WarnPrintf("session: %v", err)
			return
		}
		s.publish()
	case *Goodbye:
		s.log.InfoPrintf("session: goodbye from server")
		s.endSession(false)
	case *ErrorMessage:
		s.log.WarnPrintf("session: server error %s: %s", m.Code, m.Message)
	default:
		s.log.WarnPrintf("session: unexpected %T, ignoring", msg)
	}
}

func (s *Session) handleToolCall(ctx context.Context, req *ToolCallRequest) {
	conn := s.currentConn()
	if conn == nil {
		return
	}
	deliver := func(res *ToolCallResult) {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := conn.SendControl(sctx, res); err != nil {
			s.log.WarnPrintf("session: send tool result %s: %v", res.ID, err)
		}
		s.poke()
	}
	if err := s.tools.Dispatch(ctx, req, deliver); err != nil {
		s.log.WarnPrintf("session: %v", err)
		return
	}
	s.toolCalls.Add(1)
	s.publish()
}

func (s *Session) handleHint(ctx context.Context, hint *StateHint) {
	switch hint.Hint {
	case HintSpeakStart:
		cur := s.currentState()
		if !cur.Active() {
			return
		}
		s.speakStop, s.drained = false, false
		if hint.KeepListening {
			s.keepListening = true
		}
		if cur != StateSpeaking {
			s.setState(StateSpeaking, nil)
		}
	case HintSpeakStop:
		if s.currentState() != StateSpeaking {
			return
		}
		s.speakStop = true
		if hint.KeepListening {
			s.keepListening = true
		}
		s.maybeFinishSpeaking(ctx)
	case HintTranscript:
		s.log.InfoPrintf("session: transcript: %s", hint.Text)
	case HintReply:
		s.log.InfoPrintf("session: reply: %s", hint.Text)
	default:
		s.log.DebugPrintf("session: hint %q ignored", hint.Hint)
	}
}

func (s *Session) handlePipeInput(ctx context.Context, in *pipeInput) {
	if in.err != nil {
		s.log.WarnPrintf("session: pipeline events: %v", in.err)
		return
	}
	switch ev := in.ev.(type) {
	case *GateEvent:
		s.handleGateEvent(ctx, ev.Event)
	case *PlaybackDrained:
		if s.currentState() == StateSpeaking {
			s.drained = true
			s.maybeFinishSpeaking(ctx)
		}
	case *PipelineError:
		s.toError(ev.Err)
	}
}

func (s *Session) handleGateEvent(ctx context.Context, ev vad.Event) {
	switch ev {
	case vad.SpeechStart:
		s.log.DebugPrintf("session: speech start")
	case vad.SpeechEnd:
		if s.currentState() == StateListening && s.mode == ListenAuto {
			if err := s.sendHint(ctx, &StateHint{Hint: HintListenStop}); err != nil {
				s.log.WarnPrintf("session: send listen_stop: %v", err)
			}
		}
	case vad.Interrupt:
		if s.currentState() == StateSpeaking {
			s.bargeIn(ctx)
			return
		}
		s.pipeline.ResumeGate()
	}
}

// bargeIn cuts playback short because the user started talking over it.
func (s *Session) bargeIn(ctx context.Context) {
	s.log.InfoPrintf("session: barge-in, flushing playback")
	s.pipeline.FlushPlayback()
	if err := s.sendHint(ctx, &StateHint{Hint: HintAbort}); err != nil {
		s.log.WarnPrintf("session: send abort: %v", err)
	}
	s.pipeline.ResumeGate()
	s.speakStop, s.drained = false, false
	s.setState(StateListening, nil)
}

// maybeFinishSpeaking leaves the speaking state once the server said
// speak_stop and playback has drained.
func (s *Session) maybeFinishSpeaking(ctx context.Context) {
	if s.currentState() != StateSpeaking || !s.speakStop {
		return
	}
	if !s.drained && s.pipeline.Playing() {
		return
	}
	if s.mode == ListenManual && !s.keepListening {
		s.endSession(true)
		return
	}
	s.enterListening(ctx)
}

func (s *Session) handleDisconnect(ctx context.Context, reason error) {
	if !s.currentState().Active() {
		return
	}
	if reason == nil {
		s.log.InfoPrintf("session: transport closed")
		s.endSession(false)
		return
	}
	s.log.WarnPrintf("session: transport lost: %v", reason)
	s.teardown(false)
	s.retries = 0
	if s.activator != nil && !s.cred.Valid(time.Now()) {
		s.activate(ctx)
		return
	}
	s.setState(StateConnecting, nil)
	s.dial(ctx)
}

func (s *Session) endSession(sayGoodbye bool) {
	s.teardown(sayGoodbye)
	s.setState(StateIdle, nil)
}

func (s *Session) toError(err error) {
	s.log.ErrorPrintf("session: %v", err)
	s.teardown(false)
	s.setState(StateError, err)
}

// teardown releases everything a session run acquired: capture forwarding
// off, playback flushed, pending tools cancelled, conn closed. Safe when
// nothing is live, and runs on every exit path.
func (s *Session) teardown(sayGoodbye bool) {
	s.mu.Lock()
	conn := s.conn
	sessionID := s.sessionID
	s.conn = nil
	s.sessionID = ""
	s.mu.Unlock()

	s.epoch++
	s.speakStop, s.drained, s.keepListening = false, false, false
	s.pipeline.SetForwarding(false)
	s.pipeline.FlushPlayback()
	s.tools.Bind(nil)
	s.tools.CancelAll(nil)

	if conn == nil {
		return
	}
	if sayGoodbye {
		gctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := conn.SendControl(gctx, &Goodbye{SessionID: sessionID}); err != nil && !errors.Is(err, ErrSessionClosed) {
			s.log.DebugPrintf("session: goodbye: %v", err)
		}
		cancel()
	}
	conn.Close()
}
