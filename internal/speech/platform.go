// Package speech holds the speech capture session and the playback
// controller. Both drive a platform speech capability through the small
// interfaces in this file, so the lifecycle logic is independent of which
// recognizer or synthesizer backs it.
package speech

import "context"

// Segment is one recognition hypothesis reported by the platform.
type Segment struct {
	Text    string
	IsFinal bool
}

// CaptureOptions configure one platform recognition session.
type CaptureOptions struct {
	LanguageTag    string
	Continuous     bool
	InterimResults bool
}

// CaptureEvents are invoked by the platform, from any goroutine and in no
// guaranteed order. Error codes are platform codes such as "not-allowed";
// the session translates them with Classify.
type CaptureEvents struct {
	OnResult func(segments []Segment)
	OnEnd    func()
	OnError  func(code, message string)
}

// CaptureHandle controls a live platform recognition session. Stop asks for
// a graceful end, Abort for an immediate one. Neither is guaranteed to be
// followed by OnEnd.
type CaptureHandle interface {
	Stop() error
	Abort() error
}

// AudioWriter is implemented by capture handles that are fed audio by the
// caller rather than reading a microphone themselves.
type AudioWriter interface {
	WriteAudio(p []byte) error
}

// Recognizer opens platform recognition sessions.
type Recognizer interface {
	StartCapture(ctx context.Context, opts CaptureOptions, events CaptureEvents) (CaptureHandle, error)
}

// VoiceDescriptor describes a platform voice.
type VoiceDescriptor struct {
	ID                string `json:"id"`
	Name              string `json:"name,omitempty"`
	LanguageTag       string `json:"language"`
	IsPlatformDefault bool   `json:"default"`
}

// Utterance is a fully resolved playback request handed to the platform.
// An empty VoiceID lets the platform pick its default for LanguageTag.
type Utterance struct {
	Text        string
	LanguageTag string
	VoiceID     string
	Rate        float64
}

// UtteranceEvents are invoked by the platform for one utterance. A cancelled
// utterance may still report OnEnd or OnError.
type UtteranceEvents struct {
	OnStart func()
	OnEnd   func()
	OnError func(err error)
}

// Synthesizer speaks utterances and enumerates voices. Voices may arrive in
// several batches; OnVoicesChanged subscribers are notified after each one.
type Synthesizer interface {
	Voices() []VoiceDescriptor
	OnVoicesChanged(fn func()) (unsubscribe func())
	Speak(u Utterance, events UtteranceEvents) error
	CancelAll()
}
