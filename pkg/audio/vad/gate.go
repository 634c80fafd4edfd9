package vad

// Event is an utterance boundary reported by a Gate.
type Event int

const (
	// SpeechStart fires once when enough consecutive speech frames open an
	// utterance while playback is inactive.
	SpeechStart Event = iota
	// SpeechEnd fires when enough consecutive silence frames close an open
	// utterance.
	SpeechEnd
	// Interrupt fires instead of SpeechStart when the debounce completes
	// while playback is active. The gate pauses itself afterwards until
	// Resume is called, so one barge-in produces exactly one Interrupt.
	Interrupt
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case SpeechStart:
		return "speech_start"
	case SpeechEnd:
		return "speech_end"
	case Interrupt:
		return "interrupt"
	}
	return "unknown"
}

// Default debounce windows in frames. At 20ms frames the defaults are
// 100ms to open an utterance and 300ms of hangover to close it.
const (
	DefaultStartFrames = 5
	DefaultEndFrames   = 15
)

// GateConfig configures a Gate.
type GateConfig struct {
	// Classifier labels individual frames. Nil means a default Energy
	// classifier.
	Classifier Classifier

	// StartFrames is the number of consecutive speech frames needed to
	// open an utterance. Zero means DefaultStartFrames.
	StartFrames int

	// EndFrames is the number of consecutive silence frames needed to
	// close an open utterance. Zero means DefaultEndFrames.
	EndFrames int

	// Playing reports whether the playback path is currently active. When
	// it returns true, a completed start debounce fires Interrupt instead
	// of SpeechStart. Nil means playback is never active.
	Playing func() bool
}

// Gate turns per-frame speech classification into utterance events. It is
// not safe for concurrent use; a single capture loop owns it.
type Gate struct {
	classifier  Classifier
	startFrames int
	endFrames   int
	playing     func() bool

	speechRun  int
	silenceRun int
	inSpeech   bool
	paused     bool
}

// NewGate creates a Gate with the given configuration.
func NewGate(cfg GateConfig) *Gate {
	classifier := cfg.Classifier
	if classifier == nil {
		classifier = &Energy{}
	}
	startFrames := cfg.StartFrames
	if startFrames <= 0 {
		startFrames = DefaultStartFrames
	}
	endFrames := cfg.EndFrames
	if endFrames <= 0 {
		endFrames = DefaultEndFrames
	}
	return &Gate{
		classifier:  classifier,
		startFrames: startFrames,
		endFrames:   endFrames,
		playing:     cfg.Playing,
	}
}

// OnFrame feeds one frame to the gate. It returns the event, if any, that
// the frame produced. While the gate is paused after an Interrupt, frames
// are ignored until Resume.
func (g *Gate) OnFrame(frame []int16) (Event, bool) {
	if g.paused {
		return 0, false
	}

	if g.classifier.Classify(frame) == ClassSpeech {
		g.silenceRun = 0
		if g.inSpeech {
			return 0, false
		}
		g.speechRun++
		if g.speechRun < g.startFrames {
			return 0, false
		}
		g.speechRun = 0
		if g.playing != nil && g.playing() {
			g.paused = true
			return Interrupt, true
		}
		g.inSpeech = true
		return SpeechStart, true
	}

	g.speechRun = 0
	if !g.inSpeech {
		return 0, false
	}
	g.silenceRun++
	if g.silenceRun < g.endFrames {
		return 0, false
	}
	g.silenceRun = 0
	g.inSpeech = false
	return SpeechEnd, true
}

// Open reports whether the current frame run belongs to an utterance:
// either an open utterance (between SpeechStart and SpeechEnd, hangover
// included) or a start debounce in progress. Capture policies use this to
// decide whether a frame is worth forwarding.
func (g *Gate) Open() bool {
	return g.inSpeech || g.speechRun > 0
}

// Paused reports whether the gate paused itself after an Interrupt.
func (g *Gate) Paused() bool {
	return g.paused
}

// Resume unpauses the gate after an Interrupt and clears the counters.
func (g *Gate) Resume() {
	g.paused = false
	g.speechRun = 0
	g.silenceRun = 0
	g.inSpeech = false
}

// Reset clears all gate state. The gate carries nothing across sessions.
func (g *Gate) Reset() {
	g.paused = false
	g.speechRun = 0
	g.silenceRun = 0
	g.inSpeech = false
	if r, ok := g.classifier.(interface{ Reset() }); ok {
		r.Reset()
	}
}
