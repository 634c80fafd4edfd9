// Package vad classifies PCM frames as speech or silence and turns the
// per-frame classification into utterance events through a debounced gate.
package vad

import (
	"github.com/murmulab/chatpod/pkg/audio/pcm"
)

// Class is the classification of one audio frame.
type Class int

const (
	// ClassSilence marks a frame without detected speech.
	ClassSilence Class = iota
	// ClassSpeech marks a frame with detected speech.
	ClassSpeech
)

// String returns the class name.
func (c Class) String() string {
	if c == ClassSpeech {
		return "speech"
	}
	return "silence"
}

// Classifier decides whether a single PCM frame contains speech.
type Classifier interface {
	Classify(frame []int16) Class
}

// DefaultThreshold is the default speech amplitude threshold in 16-bit
// sample units.
const DefaultThreshold = 300

// Energy classifies frames by mean absolute amplitude against a fixed
// threshold. The zero value uses DefaultThreshold.
type Energy struct {
	// Threshold is the minimum mean absolute amplitude for a frame to
	// count as speech. Zero means DefaultThreshold.
	Threshold float64
}

var _ Classifier = (*Energy)(nil)

// Classify implements Classifier.
func (e *Energy) Classify(frame []int16) Class {
	threshold := e.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if pcm.Energy(frame) >= threshold {
		return ClassSpeech
	}
	return ClassSilence
}

// Adaptive classifies frames against a noise floor tracked as an
// exponential moving average over silence frames. In a noisy room the
// effective threshold rises above Base so steady background sound does not
// register as speech.
type Adaptive struct {
	// Base is the minimum speech threshold. Zero means DefaultThreshold.
	Base float64
	// Ratio scales the tracked noise floor into the effective threshold.
	// Zero means 2.
	Ratio float64
	// Alpha is the moving-average smoothing factor in (0, 1].
	// Zero means 0.05.
	Alpha float64

	floor float64
}

var _ Classifier = (*Adaptive)(nil)

// Classify implements Classifier.
func (a *Adaptive) Classify(frame []int16) Class {
	base := a.Base
	if base <= 0 {
		base = DefaultThreshold
	}
	ratio := a.Ratio
	if ratio <= 0 {
		ratio = 2
	}
	alpha := a.Alpha
	if alpha <= 0 {
		alpha = 0.05
	}

	energy := pcm.Energy(frame)
	effective := base
	if scaled := a.floor * ratio; scaled > effective {
		effective = scaled
	}
	if energy >= effective {
		return ClassSpeech
	}
	a.floor += alpha * (energy - a.floor)
	return ClassSilence
}

// Floor returns the current tracked noise floor.
func (a *Adaptive) Floor() float64 {
	return a.floor
}

// Reset clears the tracked noise floor.
func (a *Adaptive) Reset() {
	a.floor = 0
}
