// Package speechtest provides a deterministic in-memory speech platform.
// Tests drive platform callbacks explicitly with the Emit and utterance
// helpers instead of waiting on real audio.
package speechtest

import (
	"context"
	"errors"
	"sync"

	"github.com/lexiqai/tutor-gateway/internal/speech"
)

// Recognizer is a fake speech.Recognizer that records every capture it opens.
type Recognizer struct {
	mu       sync.Mutex
	captures []*Capture

	// StartErr is returned by StartCapture when set.
	StartErr error
	// EndOnStop makes Stop and Abort confirm termination synchronously.
	EndOnStop bool
	// PanicOnStop makes Stop and Abort panic.
	PanicOnStop bool
	// Connecting runs inside StartCapture before it returns, standing in
	// for the time a real platform takes to connect.
	Connecting func()
}

func NewRecognizer() *Recognizer {
	return &Recognizer{}
}

func (r *Recognizer) StartCapture(ctx context.Context, opts speech.CaptureOptions, events speech.CaptureEvents) (speech.CaptureHandle, error) {
	if r.Connecting != nil {
		r.Connecting()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.StartErr != nil {
		return nil, r.StartErr
	}
	c := &Capture{Options: opts, ctx: ctx, events: events, recognizer: r}
	r.captures = append(r.captures, c)
	return c, nil
}

// Captures returns every capture opened so far.
func (r *Recognizer) Captures() []*Capture {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Capture(nil), r.captures...)
}

// Last returns the most recent capture, or nil.
func (r *Recognizer) Last() *Capture {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.captures) == 0 {
		return nil
	}
	return r.captures[len(r.captures)-1]
}

func (r *Recognizer) behaviour() (endOnStop, panicOnStop bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.EndOnStop, r.PanicOnStop
}

// Capture is one fake platform capture.
type Capture struct {
	Options speech.CaptureOptions

	ctx        context.Context
	events     speech.CaptureEvents
	recognizer *Recognizer

	mu         sync.Mutex
	stopCalls  int
	abortCalls int
	audio      []byte
}

func (c *Capture) Stop() error {
	c.mu.Lock()
	c.stopCalls++
	c.mu.Unlock()
	return c.terminate()
}

func (c *Capture) Abort() error {
	c.mu.Lock()
	c.abortCalls++
	c.mu.Unlock()
	return c.terminate()
}

func (c *Capture) terminate() error {
	endOnStop, panicOnStop := c.recognizer.behaviour()
	if panicOnStop {
		panic("speechtest: platform stop failed")
	}
	if endOnStop {
		c.EmitEnd()
	}
	return nil
}

func (c *Capture) WriteAudio(p []byte) error {
	if c.ctx.Err() != nil {
		return errors.New("speechtest: capture closed")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio = append(c.audio, p...)
	return nil
}

// Audio returns the bytes written to the capture.
func (c *Capture) Audio() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.audio...)
}

func (c *Capture) StopCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopCalls
}

func (c *Capture) AbortCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abortCalls
}

// Context returns the context the capture was opened with.
func (c *Capture) Context() context.Context {
	return c.ctx
}

func (c *Capture) EmitResult(segments ...speech.Segment) {
	if c.events.OnResult != nil {
		c.events.OnResult(segments)
	}
}

func (c *Capture) EmitFinal(text string) {
	c.EmitResult(speech.Segment{Text: text, IsFinal: true})
}

func (c *Capture) EmitInterim(text string) {
	c.EmitResult(speech.Segment{Text: text})
}

func (c *Capture) EmitEnd() {
	if c.events.OnEnd != nil {
		c.events.OnEnd()
	}
}

func (c *Capture) EmitError(code, message string) {
	if c.events.OnError != nil {
		c.events.OnError(code, message)
	}
}

// Synthesizer is a fake speech.Synthesizer. Utterances never finish on
// their own; tests call Start, End or Fail on them.
type Synthesizer struct {
	mu         sync.Mutex
	voices     []speech.VoiceDescriptor
	listeners  map[int]func()
	nextID     int
	utterances []*Utterance
	cancels    int

	// SpeakErr is returned by Speak when set.
	SpeakErr error
	// EndOnCancel makes CancelAll report OnEnd for every pending utterance,
	// as some platforms do for cancelled speech.
	EndOnCancel bool
	// BeforeSpeak runs at the top of every Speak, before the utterance is
	// registered.
	BeforeSpeak func(u speech.Utterance)
}

func NewSynthesizer(voices ...speech.VoiceDescriptor) *Synthesizer {
	return &Synthesizer{voices: voices, listeners: make(map[int]func())}
}

func (s *Synthesizer) Voices() []speech.VoiceDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]speech.VoiceDescriptor(nil), s.voices...)
}

func (s *Synthesizer) OnVoicesChanged(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// AddVoices appends a batch of voices and notifies subscribers.
func (s *Synthesizer) AddVoices(voices ...speech.VoiceDescriptor) {
	s.mu.Lock()
	s.voices = append(s.voices, voices...)
	listeners := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

func (s *Synthesizer) Speak(u speech.Utterance, events speech.UtteranceEvents) error {
	if s.BeforeSpeak != nil {
		s.BeforeSpeak(u)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SpeakErr != nil {
		return s.SpeakErr
	}
	s.utterances = append(s.utterances, &Utterance{Utterance: u, events: events})
	return nil
}

func (s *Synthesizer) CancelAll() {
	s.mu.Lock()
	s.cancels++
	var pending []*Utterance
	for _, u := range s.utterances {
		if u.cancel() {
			pending = append(pending, u)
		}
	}
	endOnCancel := s.EndOnCancel
	s.mu.Unlock()

	if endOnCancel {
		for _, u := range pending {
			u.fire(u.events.OnEnd)
		}
	}
}

// Utterances returns every utterance handed to Speak.
func (s *Synthesizer) Utterances() []*Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Utterance(nil), s.utterances...)
}

// Last returns the most recent utterance, or nil.
func (s *Synthesizer) Last() *Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.utterances) == 0 {
		return nil
	}
	return s.utterances[len(s.utterances)-1]
}

func (s *Synthesizer) CancelCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels
}

// Utterance is one fake platform utterance.
type Utterance struct {
	speech.Utterance

	events speech.UtteranceEvents

	mu        sync.Mutex
	done      bool
	cancelled bool
}

// Start reports that audio began. It fires even for cancelled utterances so
// tests can replay late platform callbacks.
func (u *Utterance) Start() {
	u.fire(u.events.OnStart)
}

func (u *Utterance) End() {
	u.finish()
	u.fire(u.events.OnEnd)
}

func (u *Utterance) Fail(err error) {
	u.finish()
	if u.events.OnError != nil {
		u.events.OnError(err)
	}
}

// Cancelled reports whether CancelAll caught the utterance before it finished.
func (u *Utterance) Cancelled() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.cancelled
}

func (u *Utterance) cancel() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return false
	}
	u.done = true
	u.cancelled = true
	return true
}

func (u *Utterance) finish() {
	u.mu.Lock()
	u.done = true
	u.mu.Unlock()
}

func (u *Utterance) fire(fn func()) {
	if fn != nil {
		fn()
	}
}
