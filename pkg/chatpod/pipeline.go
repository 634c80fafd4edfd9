package chatpod

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/murmulab/chatpod/pkg/audio/opusrt"
	"github.com/murmulab/chatpod/pkg/audio/pcm"
	"github.com/murmulab/chatpod/pkg/audio/resampler"
	"github.com/murmulab/chatpod/pkg/audio/vad"
	pkgbuf "github.com/murmulab/chatpod/pkg/buffer"
	"github.com/murmulab/chatpod/pkg/jsontime"
)

// Mic supplies capture frames as 16-bit mono PCM.
type Mic interface {
	Read(frame []int16) (int, error)
	Format() pcm.Format
}

// Speaker consumes playback frames as 16-bit mono PCM.
type Speaker interface {
	Write(frame []int16) (int, error)
	Format() pcm.Format
}

// Echo cancels the playback reference out of a capture frame. far is the
// most recently played frame resampled to the capture rate; it is empty
// when nothing has played yet.
type Echo interface {
	Process(far, near []int16) []int16
}

// Recorder archives inbound encoded packets in release order. The
// pipeline stops recording after the first write error.
type Recorder interface {
	Append(pkt []byte) error
}

// PipelineEvent is something the pipeline tells the session loop about.
//
// It is a tagged union:
//   - *GateEvent
//   - *PlaybackDrained
//   - *PipelineError
type PipelineEvent interface {
	isPipelineEvent()
	pipelineEventType() string
}

// GateEvent carries a voice activity transition from the capture loop.
type GateEvent struct {
	Event vad.Event
}

func (*GateEvent) isPipelineEvent()          {}
func (*GateEvent) pipelineEventType() string { return "gate" }

// PlaybackDrained fires when the playback queue empties after having held
// audio.
type PlaybackDrained struct{}

func (*PlaybackDrained) isPipelineEvent()          {}
func (*PlaybackDrained) pipelineEventType() string { return "playback_drained" }

// PipelineError carries a fatal pipeline failure. Per-frame trouble is
// logged and absorbed; an event of this kind means the pipeline stopped.
type PipelineError struct {
	Err error
}

func (*PipelineError) isPipelineEvent()          {}
func (*PipelineError) pipelineEventType() string { return "error" }

var (
	_ PipelineEvent = (*GateEvent)(nil)
	_ PipelineEvent = (*PlaybackDrained)(nil)
	_ PipelineEvent = (*PipelineError)(nil)
)

// Defaults for PipelineConfig.
const (
	DefaultCaptureDepth  = 64
	DefaultPlaybackDepth = 256
)

// PipelineConfig configures a Pipeline. Mic, Speaker and Codec are
// required.
type PipelineConfig struct {
	Mic     Mic
	Speaker Speaker

	// Echo is the acoustic echo canceller. Nil means pass-through.
	Echo Echo

	// Codec encodes capture frames and decodes network packets.
	Codec *Codec

	// Gate detects utterance boundaries. Nil means a default energy gate
	// whose Playing callback is wired to this pipeline.
	Gate *vad.Gate

	// DropSilence suppresses capture frames while no utterance is open.
	DropSilence bool

	// CaptureDepth bounds the outbound packet queue (defaults to 64).
	// Overflow is fatal: dropping outbound speech corrupts the
	// conversation.
	CaptureDepth int

	// PlaybackDepth bounds the decoded frame queue (defaults to 256).
	// Overflow sheds the oldest frame with a warning.
	PlaybackDepth int

	// Tick is the capture pacing interval. Zero means one wire frame
	// duration; negative disables pacing (file-driven runs).
	Tick time.Duration

	// Record receives every inbound packet in release order, before
	// decoding. Nil disables recording.
	Record Recorder

	// Logger defaults to DefaultLogger.
	Logger Logger
}

// Pipeline owns the capture and playback loops between the audio devices
// and the transport. Outbound: mic frames pass echo cancellation and the
// voice gate, then encode into a bounded queue the session drains with
// NextPacket. Inbound: packets land in a sequence-ordered buffer via
// Ingest, decode into a bounded ring, and drain to the speaker.
type Pipeline struct {
	mic         Mic
	speaker     Speaker
	echo        Echo
	codec       *Codec
	gate        *vad.Gate
	dropSilence bool
	tick        time.Duration
	rec         Recorder // decodeLoop only
	log         Logger

	capture  *pkgbuf.Queue[*EncodedPacket]
	stream   *opusrt.Stream
	playback *pkgbuf.Ring[*AudioFrame]
	events   *pkgbuf.Queue[PipelineEvent]

	forwarding  atomic.Bool
	inFlight    atomic.Bool
	playbackHot atomic.Bool
	gateResume  atomic.Bool
	gateReset   atomic.Bool

	framesSent     atomic.Uint64
	framesReceived atomic.Uint64
	gapMillis      atomic.Uint64

	farMu   sync.Mutex
	lastFar []int16

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewPipeline builds a Pipeline. Loops start on Start.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Mic == nil {
		return nil, errors.New("chatpod: pipeline: Mic is required")
	}
	if cfg.Speaker == nil {
		return nil, errors.New("chatpod: pipeline: Speaker is required")
	}
	if cfg.Codec == nil {
		return nil, errors.New("chatpod: pipeline: Codec is required")
	}
	log := cfg.Logger
	if log == nil {
		log = DefaultLogger()
	}
	captureDepth := cfg.CaptureDepth
	if captureDepth <= 0 {
		captureDepth = DefaultCaptureDepth
	}
	playbackDepth := cfg.PlaybackDepth
	if playbackDepth <= 0 {
		playbackDepth = DefaultPlaybackDepth
	}
	tick := cfg.Tick
	if tick == 0 {
		tick = cfg.Codec.Wire().FrameDuration
	}

	p := &Pipeline{
		mic:         cfg.Mic,
		speaker:     cfg.Speaker,
		echo:        cfg.Echo,
		codec:       cfg.Codec,
		dropSilence: cfg.DropSilence,
		tick:        tick,
		rec:         cfg.Record,
		log:         log,
		capture:     pkgbuf.NewQueue[*EncodedPacket](captureDepth),
		stream:      opusrt.NewStream(&opusrt.Buffer{}),
		playback:    pkgbuf.NewRing[*AudioFrame](playbackDepth),
		events:      pkgbuf.NewQueue[PipelineEvent](64),
		done:        make(chan struct{}),
	}
	p.gate = cfg.Gate
	if p.gate == nil {
		p.gate = vad.NewGate(vad.GateConfig{Playing: p.Playing})
	}
	return p, nil
}

// Start launches the capture, decode and speaker loops. The pipeline stops
// when ctx is cancelled or Close is called.
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.wg.Add(3)
		go p.captureLoop()
		go p.decodeLoop()
		go p.speakerLoop()
		go func() {
			select {
			case <-ctx.Done():
				p.Close()
			case <-p.done:
			}
		}()
	})
}

// ResumeGate unpauses the gate after an interrupt. The capture loop owns
// the gate, so the request applies before its next frame.
func (p *Pipeline) ResumeGate() { p.gateResume.Store(true) }

// ResetGate clears all gate state at an utterance boundary.
func (p *Pipeline) ResetGate() { p.gateReset.Store(true) }

// SetForwarding enables or disables encoding capture frames to the
// outbound queue. The gate keeps running either way.
func (p *Pipeline) SetForwarding(on bool) { p.forwarding.Store(on) }

// Forwarding reports whether capture frames are being encoded outbound.
func (p *Pipeline) Forwarding() bool { return p.forwarding.Load() }

// NextPacket blocks until an outbound packet is ready. It returns io.EOF
// once capture has ended and the queue is drained.
func (p *Pipeline) NextPacket() (*EncodedPacket, error) {
	pkt, err := p.capture.Next()
	if err != nil {
		if errors.Is(err, pkgbuf.ErrIteratorDone) {
			return nil, io.EOF
		}
		return nil, err
	}
	return pkt, nil
}

// Ingest hands one inbound packet to the reorder buffer. Stale or
// duplicate sequence numbers are dropped with a warning.
func (p *Pipeline) Ingest(pkt *EncodedPacket) error {
	err := p.stream.Append(opusrt.Packet{Seq: pkt.Seq, Payload: pkt.Payload})
	if err == nil {
		return nil
	}
	if errors.Is(err, opusrt.ErrStalePacket) {
		p.log.WarnPrintf("pipeline: stale packet seq %d, dropping", pkt.Seq)
		return nil
	}
	return err
}

// FlushPlayback empties the playback queue and the reorder buffer
// immediately. The barge-in path calls it before prompting the backend to
// stop speaking.
func (p *Pipeline) FlushPlayback() {
	p.stream.Reset()
	p.playback.Reset()
	p.playbackHot.Store(false)
}

// Playing reports whether playback audio is queued or at the speaker.
func (p *Pipeline) Playing() bool {
	return p.playback.Len() > 0 || p.inFlight.Load()
}

// Events returns the pipeline event stream. It ends when the pipeline
// closes.
func (p *Pipeline) Events() iter.Seq2[PipelineEvent, error] {
	return func(yield func(PipelineEvent, error) bool) {
		for {
			ev, err := p.events.Next()
			if err != nil {
				if !errors.Is(err, pkgbuf.ErrIteratorDone) {
					yield(nil, err)
				}
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// Stats reports pipeline counters. Session-scoped counters are merged in
// by the session.
func (p *Pipeline) Stats() Stats {
	return Stats{
		FramesSent:     p.framesSent.Load(),
		FramesReceived: p.framesReceived.Load(),
		PacketsDropped: p.playback.Dropped() + p.stream.Dropped(),
		GapMillis:      p.gapMillis.Load(),
	}
}

// Close stops all loops and waits for them to exit. Safe to call more
// than once.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.capture.CloseWrite()
		p.stream.Close()
		p.playback.Close()
	})
	p.wg.Wait()
	p.events.CloseWrite()
	return nil
}

func (p *Pipeline) emit(ev PipelineEvent) {
	for {
		err := p.events.Add(ev)
		if err == nil || !errors.Is(err, pkgbuf.ErrFull) {
			return
		}
		select {
		case <-p.done:
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// fail emits a fatal pipeline error and stops the pipeline.
func (p *Pipeline) fail(err error) {
	p.emit(&PipelineError{Err: err})
	go p.Close()
}

func (p *Pipeline) captureLoop() {
	defer p.wg.Done()
	defer p.capture.CloseWrite()

	micRate := p.mic.Format().SampleRate()
	frame := make([]int16, pcm.FrameSamples(micRate, p.codec.Wire().FrameDuration))

	var tickC <-chan time.Time
	if p.tick > 0 {
		ticker := time.NewTicker(p.tick)
		defer ticker.Stop()
		tickC = ticker.C
	}

	var seq uint32
	for {
		if tickC != nil {
			select {
			case <-p.done:
				return
			case <-tickC:
			}
		} else {
			select {
			case <-p.done:
				return
			default:
			}
		}

		n, err := readFrame(p.mic, frame)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			if n == 0 {
				return
			}
			// Partial tail frame: pad with silence and run it through.
			clear(frame[n:])
		default:
			p.fail(&DeviceError{Op: "mic read", Err: err})
			return
		}

		near := frame
		if p.echo != nil {
			near = p.echo.Process(p.lastFarFrame(), frame)
		}

		if p.gateReset.CompareAndSwap(true, false) {
			p.gate.Reset()
		}
		if p.gateResume.CompareAndSwap(true, false) {
			p.gate.Resume()
		}
		if ev, fired := p.gate.OnFrame(near); fired {
			p.emit(&GateEvent{Event: ev})
		}

		p.forward(near, micRate, &seq)
		if err != nil {
			return
		}
	}
}

// forward encodes one capture frame into the outbound queue, honoring the
// forwarding switch and the silence policy.
func (p *Pipeline) forward(near []int16, micRate int, seq *uint32) {
	if !p.forwarding.Load() {
		return
	}
	if p.dropSilence && !p.gate.Open() {
		return
	}
	*seq++
	pkt, err := p.codec.Encode(&AudioFrame{
		PCM:        near,
		SampleRate: micRate,
		Seq:        *seq,
		Stamp:      jsontime.NowMilli(),
		Source:     SourceMic,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidFrameSize) {
			p.fail(err)
			return
		}
		p.log.WarnPrintf("pipeline: encode: %v", err)
		return
	}
	if err := p.capture.Add(pkt); err != nil {
		if errors.Is(err, pkgbuf.ErrFull) {
			p.fail(fmt.Errorf("chatpod: capture queue full: %w", ErrCaptureOverflow))
			return
		}
		return
	}
	p.framesSent.Add(1)
}

func (p *Pipeline) decodeLoop() {
	defer p.wg.Done()
	defer p.playback.CloseWrite()

	frameMillis := uint64(p.codec.Inbound().FrameDuration.Milliseconds())
	for {
		pkt, lost, err := p.stream.Next()
		if err != nil {
			return
		}
		if lost > 0 {
			p.gapMillis.Add(uint64(lost) * frameMillis)
			p.log.WarnPrintf("pipeline: %d packet(s) lost before seq %d", lost, pkt.Seq)
			p.conceal(pkt.Seq, lost)
		}
		if p.rec != nil {
			if err := p.rec.Append(pkt.Payload); err != nil {
				p.log.WarnPrintf("pipeline: recording stopped: %v", err)
				p.rec = nil
			}
		}
		frame, err := p.codec.Decode(&EncodedPacket{
			Payload: pkt.Payload,
			Seq:     pkt.Seq,
			Format:  p.codec.Inbound(),
		})
		if err != nil {
			p.log.WarnPrintf("pipeline: %v", err)
			continue
		}
		p.framesReceived.Add(1)
		p.enqueuePlayback(frame)
	}
}

// conceal synthesizes up to a few packet-loss frames so short gaps do not
// click. Long gaps stay silent.
func (p *Pipeline) conceal(seq uint32, lost int) {
	const maxConceal = 3
	n := lost
	if n > maxConceal {
		n = maxConceal
	}
	for i := 0; i < n; i++ {
		frame, err := p.codec.Conceal(seq)
		if err != nil {
			p.log.WarnPrintf("pipeline: conceal: %v", err)
			return
		}
		p.enqueuePlayback(frame)
	}
}

func (p *Pipeline) enqueuePlayback(frame *AudioFrame) {
	evicted, err := p.playback.Add(frame)
	if err != nil {
		return
	}
	if evicted {
		p.log.WarnPrintf("pipeline: playback queue full, shed oldest frame")
	}
	p.playbackHot.Store(true)
}

func (p *Pipeline) speakerLoop() {
	defer p.wg.Done()

	speakerRate := p.speaker.Format().SampleRate()
	micRate := p.mic.Format().SampleRate()
	for {
		frame, err := p.playback.Next()
		if err != nil {
			return
		}
		p.inFlight.Store(true)
		samples := frame.PCM
		if frame.SampleRate != speakerRate {
			resampled, rerr := resampler.Resample(samples, frame.SampleRate, speakerRate)
			if rerr != nil {
				p.log.WarnPrintf("pipeline: playback resample: %v", rerr)
				p.inFlight.Store(false)
				continue
			}
			samples = resampled
		}
		if err := writeFrame(p.speaker, samples); err != nil {
			// Underrun or device hiccup. Re-prime on the next frame.
			p.log.WarnPrintf("pipeline: speaker write: %v", err)
		}
		p.storeFarFrame(samples, speakerRate, micRate)
		p.inFlight.Store(false)

		if p.playback.Len() == 0 && p.playbackHot.CompareAndSwap(true, false) {
			p.emit(&PlaybackDrained{})
		}
	}
}

// storeFarFrame keeps the most recent playback frame, resampled to the
// capture rate, as the echo cancellation reference.
func (p *Pipeline) storeFarFrame(samples []int16, fromRate, toRate int) {
	far := samples
	if fromRate != toRate {
		resampled, err := resampler.Resample(samples, fromRate, toRate)
		if err != nil {
			return
		}
		far = resampled
	}
	p.farMu.Lock()
	p.lastFar = far
	p.farMu.Unlock()
}

func (p *Pipeline) lastFarFrame() []int16 {
	p.farMu.Lock()
	defer p.farMu.Unlock()
	return p.lastFar
}

// readFrame fills buf from the mic, tolerating short reads.
func readFrame(m Mic, buf []int16) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := m.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrNoProgress
		}
	}
	return total, nil
}

// writeFrame drains one frame to the speaker, tolerating short writes.
func writeFrame(s Speaker, frame []int16) error {
	for len(frame) > 0 {
		n, err := s.Write(frame)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		frame = frame[n:]
	}
	return nil
}
