package speech

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/tutor-gateway/internal/audio"
	"github.com/lexiqai/tutor-gateway/internal/observability"
)

// State is the capture session lifecycle state.
type State int

const (
	Idle State = iota
	Listening
	Stopping
)

func (s State) String() string {
	switch s {
	case Listening:
		return "listening"
	case Stopping:
		return "stopping"
	}
	return "idle"
}

// Reasons a capture session ends, as recorded in metrics.
const (
	EndStopped     = "stopped"
	EndSilence     = "silence"
	EndMaxDuration = "max_duration"
	EndError       = "error"
	EndPlatform    = "platform_end"
	EndGrace       = "grace_timeout"
)

// SessionConfig configures a capture Session.
type SessionConfig struct {
	// SilenceTimeout stops the session when no text arrives for this long.
	SilenceTimeout time.Duration
	// MaxDuration bounds a session regardless of activity. Zero disables it.
	MaxDuration time.Duration
	// StopGrace is how long Stopping waits for the platform to confirm.
	StopGrace time.Duration
	// SingleUtterance opens non-continuous sessions. In that mode a
	// no-speech error before any speech was heard ends the session.
	SingleUtterance bool
	// PrerollBytes of audio written while the platform is still connecting
	// are replayed once it is ready. Zero drops that audio.
	PrerollBytes int
	Logger       *zerolog.Logger
}

// DefaultSessionConfig returns the defaults used when a field is left zero.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		SilenceTimeout: 4 * time.Second,
		MaxDuration:    3 * time.Minute,
		StopGrace:      100 * time.Millisecond,
	}
}

// SessionEvents are delivered in order on a dedicated goroutine. They may
// call back into the Session.
type SessionEvents struct {
	OnTranscript  func(transcript string)
	OnStateChange func(state State)
	OnError       func(err *SpeechError)
}

// Session converts live audio into text through a Recognizer. At most one
// platform capture is live at a time; callbacks from superseded captures are
// ignored.
type Session struct {
	recognizer Recognizer
	cfg        SessionConfig
	events     SessionEvents
	logger     zerolog.Logger
	dispatch   *dispatcher
	preroll    *audio.RingBuffer

	// writeMu orders audio writes, including the preroll flush.
	writeMu sync.Mutex

	mu           sync.Mutex
	state        State
	gen          uint64
	handle       CaptureHandle
	cancel       context.CancelFunc
	languageTag  string
	buf          transcriptBuffer
	err          *SpeechError
	heardSpeech  bool
	startedAt    time.Time
	lastActivity time.Time
	silenceTimer *time.Timer
	maxTimer     *time.Timer
	graceTimer   *time.Timer
	stopReason   string
	unsupported  bool
	closed       bool
}

// NewSession creates an idle Session. A nil recognizer means the environment
// has no recognition capability; Start then reports Unsupported once.
func NewSession(recognizer Recognizer, cfg SessionConfig, events SessionEvents) *Session {
	defaults := DefaultSessionConfig()
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = defaults.SilenceTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaults.StopGrace
	}
	if cfg.MaxDuration < 0 {
		cfg.MaxDuration = 0
	}

	logger := observability.Component("capture")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	s := &Session{
		recognizer: recognizer,
		cfg:        cfg,
		events:     events,
		logger:     logger,
		dispatch:   newDispatcher(),
	}
	if cfg.PrerollBytes > 0 {
		s.preroll = audio.NewRingBuffer(cfg.PrerollBytes)
	}
	return s
}

// Start opens a new capture for languageTag. It returns ErrSessionBusy while
// a session is Listening or Stopping and leaves that session untouched.
func (s *Session) Start(languageTag string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != Idle {
		s.mu.Unlock()
		return ErrSessionBusy
	}
	if s.unsupported {
		s.mu.Unlock()
		return ErrUnsupported
	}
	if s.recognizer == nil {
		s.markUnsupportedLocked(ErrUnsupported)
		s.mu.Unlock()
		return ErrUnsupported
	}

	stale, staleCancel := s.handle, s.cancel
	s.handle, s.cancel = nil, nil

	s.gen++
	gen := s.gen
	hadText := s.buf.transcript() != ""
	s.buf.reset()
	s.err = nil
	s.heardSpeech = false
	s.languageTag = languageTag
	s.stopReason = ""
	s.startedAt = time.Now()
	s.lastActivity = s.startedAt
	if s.preroll != nil {
		s.preroll.Reset()
	}
	s.setStateLocked(Listening)
	if hadText {
		s.postTranscriptLocked()
	}
	s.armSilenceLocked(gen, s.cfg.SilenceTimeout)
	if s.cfg.MaxDuration > 0 {
		s.maxTimer = time.AfterFunc(s.cfg.MaxDuration, func() { s.stopGen(gen, EndMaxDuration) })
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	if stale != nil {
		s.abortHandle(stale)
	}
	if staleCancel != nil {
		staleCancel()
	}

	opts := CaptureOptions{
		LanguageTag:    languageTag,
		Continuous:     !s.cfg.SingleUtterance,
		InterimResults: true,
	}
	var handle CaptureHandle
	err := safeCall(func() error {
		var err error
		handle, err = s.recognizer.StartCapture(ctx, opts, s.captureEvents(gen))
		return err
	})

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	current := gen == s.gen && s.state != Idle

	if err != nil {
		serr := AsSpeechError(err)
		if current {
			if serr.Kind == KindUnsupported {
				s.markUnsupportedLocked(serr)
			} else {
				s.failLocked(serr)
			}
			s.finishLocked(EndError)
		}
		s.mu.Unlock()
		cancel()
		s.logger.Warn().Err(err).Str("language", languageTag).Msg("Failed to start speech capture")
		return serr
	}

	if !current || handle == nil {
		// Stopped or closed while the platform was starting.
		s.mu.Unlock()
		if handle != nil {
			s.abortHandle(handle)
		}
		cancel()
		return nil
	}
	s.handle = handle
	s.mu.Unlock()

	s.flushPreroll(handle)
	s.logger.Debug().Str("language", languageTag).Uint64("generation", gen).Msg("Speech capture started")
	return nil
}

// Stop requests termination of the current session. It is a no-op unless
// the session is Listening. No transcript updates are emitted once Stop
// returns.
func (s *Session) Stop() error {
	s.stopGen(0, EndStopped)
	return nil
}

// stopGen stops the session if it is Listening and, when gen is non-zero,
// still belongs to gen.
func (s *Session) stopGen(gen uint64, reason string) {
	s.mu.Lock()
	if s.state != Listening || (gen != 0 && gen != s.gen) {
		s.mu.Unlock()
		return
	}
	handle := s.beginStopLocked(reason)
	gen = s.gen
	s.mu.Unlock()

	s.releaseHandle(gen, handle, false)
}

// beginStopLocked moves to Stopping and arms the grace timer.
func (s *Session) beginStopLocked(reason string) CaptureHandle {
	s.stopTimersLocked()
	s.stopReason = reason
	s.setStateLocked(Stopping)

	gen := s.gen
	s.graceTimer = time.AfterFunc(s.cfg.StopGrace, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if gen != s.gen || s.state != Stopping {
			return
		}
		s.logger.Debug().Uint64("generation", gen).Msg("Platform did not confirm stop, forcing idle")
		s.finishLocked(EndGrace)
	})
	return s.handle
}

// releaseHandle asks the platform to stop (or abort) and forces Idle if the
// platform call fails or there is nothing to wait for.
func (s *Session) releaseHandle(gen uint64, handle CaptureHandle, abort bool) {
	if handle == nil {
		s.finishGen(gen, "")
		return
	}

	var err error
	if abort {
		err = safeCall(handle.Abort)
	} else {
		err = safeCall(handle.Stop)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Platform stop failed, aborting capture")
			err = safeCall(handle.Abort)
		}
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("Platform abort failed")
		s.finishGen(gen, "")
	}
}

func (s *Session) abortHandle(handle CaptureHandle) {
	if err := safeCall(handle.Abort); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to abort stale capture")
	}
}

// finishGen completes the stop of gen. An empty reason keeps the one
// recorded when stopping began.
func (s *Session) finishGen(gen uint64, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state == Idle {
		return
	}
	s.finishLocked(reason)
}

func (s *Session) finishLocked(reason string) {
	if reason == "" {
		reason = s.stopReason
	}
	if reason == "" {
		reason = EndStopped
	}
	s.stopTimersLocked()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.handle = nil
	s.setStateLocked(Idle)
	observability.RecordCaptureEnd(reason, time.Since(s.startedAt))
	s.logger.Debug().Str("reason", reason).Uint64("generation", s.gen).Msg("Speech capture ended")
}

func (s *Session) captureEvents(gen uint64) CaptureEvents {
	return CaptureEvents{
		OnResult: func(segments []Segment) { s.handleResult(gen, segments) },
		OnEnd:    func() { s.handleEnd(gen) },
		OnError:  func(code, message string) { s.handleError(gen, code, message) },
	}
}

func (s *Session) handleResult(gen uint64, segments []Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state != Listening {
		return
	}

	for _, seg := range segments {
		if seg.Text != "" {
			s.heardSpeech = true
			s.lastActivity = time.Now()
			s.armSilenceLocked(gen, s.cfg.SilenceTimeout)
			break
		}
	}
	if s.buf.apply(segments) {
		s.postTranscriptLocked()
	}
}

func (s *Session) handleEnd(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state == Idle {
		return
	}
	if s.state == Listening {
		s.finishLocked(EndPlatform)
		return
	}
	s.finishLocked("")
}

func (s *Session) handleError(gen uint64, code, message string) {
	s.mu.Lock()
	if gen != s.gen || s.state != Listening || code == CodeAborted {
		s.mu.Unlock()
		return
	}

	serr := Classify(code, message)
	fatal := serr.Fatal()
	if serr.Kind == KindNoSpeechDetected && s.cfg.SingleUtterance && !s.heardSpeech {
		fatal = true
	}
	observability.RecordSpeechError(serr.Kind.String(), fatal)

	if !fatal {
		s.mu.Unlock()
		s.logger.Debug().Str("code", code).Msg("Ignoring non-fatal speech error")
		return
	}

	s.failLocked(serr)
	handle := s.beginStopLocked(EndError)
	s.mu.Unlock()

	s.logger.Warn().Str("code", code).Str("kind", serr.Kind.String()).Str("message", message).Msg("Speech capture failed")
	s.releaseHandle(gen, handle, true)
}

func (s *Session) failLocked(serr *SpeechError) {
	s.err = serr
	onError := s.events.OnError
	if onError != nil {
		s.dispatch.post(func() { onError(serr) })
	}
}

func (s *Session) markUnsupportedLocked(serr *SpeechError) {
	s.unsupported = true
	observability.RecordSpeechError(serr.Kind.String(), true)
	s.failLocked(serr)
}

func (s *Session) armSilenceLocked(gen uint64, after time.Duration) {
	if s.silenceTimer != nil {
		s.silenceTimer.Stop()
	}
	s.silenceTimer = time.AfterFunc(after, func() { s.handleSilence(gen) })
}

func (s *Session) handleSilence(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state != Listening {
		s.mu.Unlock()
		return
	}
	// A result may have landed after this timer fired but before the lock.
	if idle := time.Since(s.lastActivity); idle < s.cfg.SilenceTimeout {
		s.armSilenceLocked(gen, s.cfg.SilenceTimeout-idle)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.logger.Debug().Dur("timeout", s.cfg.SilenceTimeout).Msg("Silence timeout, stopping capture")
	s.stopGen(gen, EndSilence)
}

func (s *Session) stopTimersLocked() {
	for _, t := range []*time.Timer{s.silenceTimer, s.maxTimer, s.graceTimer} {
		if t != nil {
			t.Stop()
		}
	}
	s.silenceTimer, s.maxTimer, s.graceTimer = nil, nil, nil
}

func (s *Session) setStateLocked(state State) {
	if s.state == state {
		return
	}
	s.state = state
	if fn := s.events.OnStateChange; fn != nil {
		s.dispatch.post(func() { fn(state) })
	}
}

func (s *Session) postTranscriptLocked() {
	if fn := s.events.OnTranscript; fn != nil {
		text := s.buf.transcript()
		s.dispatch.post(func() { fn(text) })
	}
}

// WriteAudio feeds captured audio to the live platform capture. Audio that
// arrives before the platform is ready goes to the preroll buffer.
func (s *Session) WriteAudio(p []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.state != Listening {
		s.mu.Unlock()
		return ErrNotListening
	}
	handle := s.handle
	if handle == nil {
		if s.preroll != nil {
			if dropped := s.preroll.Write(p); dropped > 0 {
				s.logger.Debug().Int("dropped", dropped).Msg("Preroll buffer full")
			}
		}
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	w, ok := handle.(AudioWriter)
	if !ok {
		return nil
	}
	return w.WriteAudio(p)
}

func (s *Session) flushPreroll(handle CaptureHandle) {
	if s.preroll == nil {
		return
	}
	buffered := s.preroll.Drain()
	w, ok := handle.(AudioWriter)
	if !ok || len(buffered) == 0 {
		return
	}
	if err := w.WriteAudio(buffered); err != nil {
		s.logger.Warn().Err(err).Int("bytes", len(buffered)).Msg("Failed to replay preroll audio")
	}
}

// ClearTranscript discards the transcript of an idle session.
func (s *Session) ClearTranscript() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle || s.buf.transcript() == "" {
		return
	}
	s.buf.reset()
	s.postTranscriptLocked()
}

// Close aborts any live capture and releases the session. No events are
// delivered after Close returns.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.gen++
	s.stopTimersLocked()
	handle, cancel := s.handle, s.cancel
	s.handle, s.cancel = nil, nil
	s.state = Idle
	s.mu.Unlock()

	s.dispatch.close()
	if handle != nil {
		s.abortHandle(handle)
	}
	if cancel != nil {
		cancel()
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsListening() bool {
	return s.State() == Listening
}

func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.transcript()
}

func (s *Session) FinalizedText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.finalizedText()
}

func (s *Session) InterimText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.interimText()
}

func (s *Session) LanguageTag() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.languageTag
}

// Err returns the fatal error that ended the last session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		return nil
	}
	return s.err
}
