package chatpod

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/murmulab/chatpod/pkg/audio/pcm"
	"github.com/murmulab/chatpod/pkg/audio/vad"
)

// testMic produces frames of a constant, settable amplitude. remaining
// counts frames before EOF; negative means unlimited.
type testMic struct {
	format    pcm.Format
	level     atomic.Int32
	remaining atomic.Int64
}

func newTestMic(format pcm.Format, frames int64) *testMic {
	m := &testMic{format: format}
	m.remaining.Store(frames)
	return m
}

func (m *testMic) setLevel(v int32) { m.level.Store(v) }

func (m *testMic) Read(frame []int16) (int, error) {
	for {
		left := m.remaining.Load()
		if left == 0 {
			return 0, io.EOF
		}
		if left < 0 || m.remaining.CompareAndSwap(left, left-1) {
			break
		}
	}
	level := int16(m.level.Load())
	for i := range frame {
		frame[i] = level
	}
	return len(frame), nil
}

func (m *testMic) Format() pcm.Format { return m.format }

// blockingSpeaker holds every Write until released, keeping playback
// observable.
type blockingSpeaker struct {
	format pcm.Format
	gate   chan struct{}
	once   sync.Once
}

func newBlockingSpeaker(format pcm.Format) *blockingSpeaker {
	return &blockingSpeaker{format: format, gate: make(chan struct{})}
}

func (s *blockingSpeaker) release() { s.once.Do(func() { close(s.gate) }) }

func (s *blockingSpeaker) Write(frame []int16) (int, error) {
	<-s.gate
	return len(frame), nil
}

func (s *blockingSpeaker) Format() pcm.Format { return s.format }

func newTestPipeline(t *testing.T, cfg PipelineConfig) *Pipeline {
	t.Helper()
	if cfg.Codec == nil {
		cfg.Codec = newTestCodec(t, CodecConfig{})
	}
	p, err := NewPipeline(cfg)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

// collectPipelineEvents drains the event stream into a channel the test can
// poll.
func collectPipelineEvents(p *Pipeline) <-chan PipelineEvent {
	evCh := make(chan PipelineEvent, 128)
	go func() {
		defer close(evCh)
		for ev, err := range p.Events() {
			if err != nil {
				continue
			}
			evCh <- ev
		}
	}()
	return evCh
}

func awaitEvent(t *testing.T, evCh <-chan PipelineEvent, d time.Duration, match func(PipelineEvent) bool) PipelineEvent {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case ev, ok := <-evCh:
			if !ok {
				t.Fatal("event stream closed before the expected event")
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("expected pipeline event not seen in time")
		}
	}
}

func waitUntil(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("%s: condition not met within %s", what, d)
		}
		time.Sleep(time.Millisecond)
	}
}

// inboundPackets encodes n sine frames in the inbound wire format with the
// given sequence numbers.
func inboundPackets(t *testing.T, seqs ...uint32) []*EncodedPacket {
	t.Helper()
	enc := newTestCodec(t, CodecConfig{Wire: DefaultInboundFormat})
	pkts := make([]*EncodedPacket, 0, len(seqs))
	for _, seq := range seqs {
		pkt, err := enc.Encode(&AudioFrame{
			PCM:        sineFrame(480, 24000),
			SampleRate: 24000,
			Seq:        seq,
		})
		if err != nil {
			t.Fatalf("encode inbound packet %d: %v", seq, err)
		}
		pkts = append(pkts, pkt)
	}
	return pkts
}

func TestPipeline_CaptureFlow(t *testing.T) {
	mic := newTestMic(pcm.L16Mono16K, -1)
	p := newTestPipeline(t, PipelineConfig{
		Mic:     mic,
		Speaker: NewSinkSpeaker(pcm.L16Mono24K),
		Tick:    time.Millisecond,
	})
	p.SetForwarding(true)
	p.Start(context.Background())

	for want := uint32(1); want <= 3; want++ {
		pkt, err := p.NextPacket()
		if err != nil {
			t.Fatalf("NextPacket: %v", err)
		}
		if pkt.Seq != want {
			t.Errorf("Seq = %d; want %d", pkt.Seq, want)
		}
		if len(pkt.Payload) == 0 {
			t.Error("empty packet payload")
		}
		if pkt.Format != DefaultWireFormat {
			t.Errorf("Format = %+v; want wire format", pkt.Format)
		}
	}
	if got := p.Stats().FramesSent; got < 3 {
		t.Errorf("FramesSent = %d; want at least 3", got)
	}

	p.Close()
	for {
		_, err := p.NextPacket()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextPacket after close: %v", err)
		}
	}
}

func TestPipeline_ForwardingOffByDefault(t *testing.T) {
	p := newTestPipeline(t, PipelineConfig{
		Mic:     newTestMic(pcm.L16Mono16K, -1),
		Speaker: NewSinkSpeaker(pcm.L16Mono24K),
		Tick:    time.Millisecond,
	})
	p.Start(context.Background())

	time.Sleep(50 * time.Millisecond)
	if got := p.Stats().FramesSent; got != 0 {
		t.Errorf("FramesSent = %d with forwarding off; want 0", got)
	}
}

func TestPipeline_MicEOFDrainsQueue(t *testing.T) {
	mic := newTestMic(pcm.L16Mono16K, 3)
	p := newTestPipeline(t, PipelineConfig{
		Mic:     mic,
		Speaker: NewSinkSpeaker(pcm.L16Mono24K),
		Tick:    -1, // file-driven, no pacing
	})
	p.SetForwarding(true)
	p.Start(context.Background())

	var seqs []uint32
	for {
		pkt, err := p.NextPacket()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextPacket: %v", err)
		}
		seqs = append(seqs, pkt.Seq)
	}
	if len(seqs) != 3 {
		t.Fatalf("got %d packets; want 3", len(seqs))
	}
	for i, seq := range seqs {
		if seq != uint32(i+1) {
			t.Errorf("packet %d seq = %d; want %d", i, seq, i+1)
		}
	}
}

func TestPipeline_PlaybackToSpeaker(t *testing.T) {
	sink := NewSinkSpeaker(pcm.L16Mono24K)
	p := newTestPipeline(t, PipelineConfig{
		Mic:     newTestMic(pcm.L16Mono16K, -1),
		Speaker: sink,
		Tick:    time.Millisecond,
	})
	evCh := collectPipelineEvents(p)
	p.Start(context.Background())

	for _, pkt := range inboundPackets(t, 1, 2, 3, 4, 5) {
		if err := p.Ingest(pkt); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	waitUntil(t, 3*time.Second, "speaker drain", func() bool {
		return sink.Samples() == 5*480
	})
	awaitEvent(t, evCh, 3*time.Second, func(ev PipelineEvent) bool {
		_, ok := ev.(*PlaybackDrained)
		return ok
	})
	if got := p.Stats().FramesReceived; got != 5 {
		t.Errorf("FramesReceived = %d; want 5", got)
	}
	waitUntil(t, time.Second, "playing flag", func() bool { return !p.Playing() })
}

func TestPipeline_GapConcealment(t *testing.T) {
	sink := NewSinkSpeaker(pcm.L16Mono24K)
	p := newTestPipeline(t, PipelineConfig{
		Mic:     newTestMic(pcm.L16Mono16K, -1),
		Speaker: sink,
		Tick:    time.Millisecond,
	})
	p.Start(context.Background())

	// Sequences 3 and 4 never arrive. The reorder buffer gives up after its
	// hold window and the decoder conceals the gap.
	for _, pkt := range inboundPackets(t, 1, 2, 5, 6) {
		if err := p.Ingest(pkt); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	waitUntil(t, 3*time.Second, "concealed drain", func() bool {
		return sink.Samples() == 6*480 // 4 real + 2 concealed
	})
	if got := p.Stats().GapMillis; got != 40 {
		t.Errorf("GapMillis = %d; want 40", got)
	}
	if got := p.Stats().FramesReceived; got != 4 {
		t.Errorf("FramesReceived = %d; want 4", got)
	}
}

func TestPipeline_BargeIn(t *testing.T) {
	mic := newTestMic(pcm.L16Mono16K, -1)
	speaker := newBlockingSpeaker(pcm.L16Mono24K)
	defer speaker.release()

	p := newTestPipeline(t, PipelineConfig{
		Mic:     mic,
		Speaker: speaker,
		Tick:    time.Millisecond,
	})
	t.Cleanup(speaker.release) // before p.Close so the speaker loop can exit
	evCh := collectPipelineEvents(p)
	p.Start(context.Background())

	for _, pkt := range inboundPackets(t, 1, 2, 3) {
		if err := p.Ingest(pkt); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}
	waitUntil(t, 3*time.Second, "playback active", p.Playing)

	// The user talks over the assistant.
	mic.setLevel(3000)

	ev := awaitEvent(t, evCh, 3*time.Second, func(ev PipelineEvent) bool {
		ge, ok := ev.(*GateEvent)
		return ok && ge.Event == vad.Interrupt
	})
	if ge := ev.(*GateEvent); ge.Event != vad.Interrupt {
		t.Fatalf("event = %v; want Interrupt", ge.Event)
	}

	p.FlushPlayback()
	mic.setLevel(0)
	p.ResumeGate()
}

func TestPipeline_SpeechStartStop(t *testing.T) {
	mic := newTestMic(pcm.L16Mono16K, -1)
	p := newTestPipeline(t, PipelineConfig{
		Mic:     mic,
		Speaker: NewSinkSpeaker(pcm.L16Mono24K),
		Tick:    time.Millisecond,
	})
	evCh := collectPipelineEvents(p)
	p.Start(context.Background())

	mic.setLevel(3000)
	awaitEvent(t, evCh, 3*time.Second, func(ev PipelineEvent) bool {
		ge, ok := ev.(*GateEvent)
		return ok && ge.Event == vad.SpeechStart
	})

	mic.setLevel(0)
	awaitEvent(t, evCh, 3*time.Second, func(ev PipelineEvent) bool {
		ge, ok := ev.(*GateEvent)
		return ok && ge.Event == vad.SpeechEnd
	})
}

func TestPipeline_CaptureOverflowIsFatal(t *testing.T) {
	p := newTestPipeline(t, PipelineConfig{
		Mic:          newTestMic(pcm.L16Mono16K, -1),
		Speaker:      NewSinkSpeaker(pcm.L16Mono24K),
		CaptureDepth: 4,
		Tick:         -1,
	})
	evCh := collectPipelineEvents(p)
	p.SetForwarding(true)
	p.Start(context.Background())

	// Nobody drains NextPacket, so the queue must overflow.
	ev := awaitEvent(t, evCh, 3*time.Second, func(ev PipelineEvent) bool {
		_, ok := ev.(*PipelineError)
		return ok
	})
	perr := ev.(*PipelineError)
	if !errors.Is(perr.Err, ErrCaptureOverflow) {
		t.Errorf("error = %v; want ErrCaptureOverflow", perr.Err)
	}
}

func TestPipeline_FlushPlayback(t *testing.T) {
	speaker := newBlockingSpeaker(pcm.L16Mono24K)
	defer speaker.release()

	p := newTestPipeline(t, PipelineConfig{
		Mic:     newTestMic(pcm.L16Mono16K, -1),
		Speaker: speaker,
		Tick:    time.Millisecond,
	})
	t.Cleanup(speaker.release)
	p.Start(context.Background())

	for _, pkt := range inboundPackets(t, 1, 2, 3, 4) {
		if err := p.Ingest(pkt); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}
	waitUntil(t, 3*time.Second, "playback queued", p.Playing)

	p.FlushPlayback()

	// Fresh audio after a flush must still play: the reorder buffer was
	// reset, so sequences restart.
	speaker.release()
	for _, pkt := range inboundPackets(t, 1, 2) {
		if err := p.Ingest(pkt); err != nil {
			t.Fatalf("Ingest after flush: %v", err)
		}
	}
	waitUntil(t, 3*time.Second, "playback after flush", func() bool {
		return p.Stats().FramesReceived >= 6
	})
}

func TestNewPipeline_Validation(t *testing.T) {
	codec := newTestCodec(t, CodecConfig{})
	mic := newTestMic(pcm.L16Mono16K, -1)
	speaker := NewSinkSpeaker(pcm.L16Mono24K)

	if _, err := NewPipeline(PipelineConfig{Speaker: speaker, Codec: codec}); err == nil {
		t.Error("NewPipeline accepted a nil Mic")
	}
	if _, err := NewPipeline(PipelineConfig{Mic: mic, Codec: codec}); err == nil {
		t.Error("NewPipeline accepted a nil Speaker")
	}
	if _, err := NewPipeline(PipelineConfig{Mic: mic, Speaker: speaker}); err == nil {
		t.Error("NewPipeline accepted a nil Codec")
	}
}
