package speech

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/tutor-gateway/internal/observability"
)

// PlaybackRequest asks for text to be spoken. An empty VoiceID, or one the
// platform does not know, selects a voice by LanguageTag.
type PlaybackRequest struct {
	Text        string
	LanguageTag string
	VoiceID     string
	Rate        float64
}

// PlaybackConfig configures a Controller.
type PlaybackConfig struct {
	// SettleDelay separates cancelling the previous utterance from
	// starting the next one.
	SettleDelay time.Duration
	Logger      *zerolog.Logger
}

// PlaybackEvents are delivered in order on a dedicated goroutine.
type PlaybackEvents struct {
	OnSpeakingChange func(speaking bool)
	OnVoicesChanged  func(voices []VoiceDescriptor)
	OnError          func(err error)
}

// Controller speaks one utterance at a time. Each Speak supersedes whatever
// was pending or playing; callbacks from superseded utterances never change
// the speaking state.
type Controller struct {
	synth    Synthesizer
	cfg      PlaybackConfig
	events   PlaybackEvents
	logger   zerolog.Logger
	dispatch *dispatcher
	unsub    func()

	// platformMu serializes handing an utterance to the platform with
	// CancelAll, so a cancel can never slip in between the generation check
	// and the platform Speak.
	platformMu sync.Mutex

	mu       sync.Mutex
	gen      uint64
	speaking bool
	pending  bool
	settle   *time.Timer
	voices   []VoiceDescriptor
	closed   bool
}

// NewController creates a Controller. A nil synthesizer yields a controller
// whose Speak reports ErrPlaybackUnsupported.
func NewController(synth Synthesizer, cfg PlaybackConfig, events PlaybackEvents) *Controller {
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	logger := observability.Component("playback")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	c := &Controller{
		synth:    synth,
		cfg:      cfg,
		events:   events,
		logger:   logger,
		dispatch: newDispatcher(),
	}
	if synth != nil {
		c.voices = synth.Voices()
		c.unsub = synth.OnVoicesChanged(c.refreshVoices)
	}
	return c
}

// Supported reports whether a synthesizer is available.
func (c *Controller) Supported() bool {
	return c.synth != nil
}

// Speak cancels any utterance in progress and, after the settle delay,
// starts req. It returns immediately; progress is reported through events.
func (c *Controller) Speak(req PlaybackRequest) error {
	if c.synth == nil {
		return ErrPlaybackUnsupported
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return ErrEmptyText
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	superseded := c.supersedeLocked()
	gen := c.gen
	c.mu.Unlock()

	if superseded {
		observability.RecordUtterance("superseded")
	}
	c.cancelPlatform()

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.closed {
		return nil
	}
	c.pending = true
	c.settle = time.AfterFunc(c.cfg.SettleDelay, func() { c.begin(gen, req) })
	return nil
}

// Cancel stops any pending or playing utterance. Safe to call at any time.
func (c *Controller) Cancel() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	superseded := c.supersedeLocked()
	c.mu.Unlock()

	if superseded {
		observability.RecordUtterance("superseded")
	}
	c.cancelPlatform()
}

// supersedeLocked invalidates the current utterance and reports whether one
// was pending or playing.
func (c *Controller) supersedeLocked() bool {
	active := c.pending || c.speaking
	c.gen++
	c.pending = false
	if c.settle != nil {
		c.settle.Stop()
		c.settle = nil
	}
	c.setSpeakingLocked(false)
	return active
}

func (c *Controller) cancelPlatform() {
	if c.synth == nil {
		return
	}
	c.platformMu.Lock()
	defer c.platformMu.Unlock()
	err := safeCall(func() error {
		c.synth.CancelAll()
		return nil
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("Platform cancel failed")
	}
}

func (c *Controller) begin(gen uint64, req PlaybackRequest) {
	c.platformMu.Lock()
	defer c.platformMu.Unlock()

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}
	c.pending = false
	voices := c.voices
	c.mu.Unlock()

	u := Utterance{
		Text:        req.Text,
		LanguageTag: req.LanguageTag,
		Rate:        ClampRate(req.Rate),
	}
	if v := ResolveVoice(voices, req.VoiceID, req.LanguageTag); v != nil {
		u.VoiceID = v.ID
	}

	c.logger.Debug().
		Str("language", u.LanguageTag).
		Str("voice", u.VoiceID).
		Float64("rate", u.Rate).
		Int("chars", len(u.Text)).
		Msg("Speaking utterance")

	err := safeCall(func() error {
		return c.synth.Speak(u, c.utteranceEvents(gen))
	})
	if err != nil {
		c.fail(gen, err)
	}
}

func (c *Controller) utteranceEvents(gen uint64) UtteranceEvents {
	return UtteranceEvents{
		OnStart: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if gen != c.gen || c.closed {
				return
			}
			if !c.speaking {
				observability.RecordUtterance("started")
			}
			c.setSpeakingLocked(true)
		},
		OnEnd: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if gen != c.gen {
				return
			}
			c.setSpeakingLocked(false)
		},
		OnError: func(err error) { c.fail(gen, err) },
	}
}

// fail resolves a playback error of the current utterance to not speaking.
// Errors are not retried.
func (c *Controller) fail(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.closed {
		return
	}
	c.logger.Warn().Err(err).Msg("Utterance playback failed")
	observability.RecordUtterance("failed")
	c.pending = false
	c.setSpeakingLocked(false)
	if fn := c.events.OnError; fn != nil {
		c.dispatch.post(func() { fn(err) })
	}
}

func (c *Controller) refreshVoices() {
	voices := c.synth.Voices()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.voices = voices
	if fn := c.events.OnVoicesChanged; fn != nil {
		snapshot := append([]VoiceDescriptor(nil), voices...)
		c.dispatch.post(func() { fn(snapshot) })
	}
}

func (c *Controller) setSpeakingLocked(speaking bool) {
	if c.speaking == speaking {
		return
	}
	c.speaking = speaking
	if fn := c.events.OnSpeakingChange; fn != nil {
		c.dispatch.post(func() { fn(speaking) })
	}
}

// Speaking reports whether an utterance is audible.
func (c *Controller) Speaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speaking
}

// Voices returns the most recently enumerated platform voices.
func (c *Controller) Voices() []VoiceDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]VoiceDescriptor(nil), c.voices...)
}

// Close cancels playback and stops delivering events.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.closed = true
	c.pending = false
	c.speaking = false
	if c.settle != nil {
		c.settle.Stop()
		c.settle = nil
	}
	unsub := c.unsub
	c.mu.Unlock()

	c.dispatch.close()
	if unsub != nil {
		unsub()
	}
	c.cancelPlatform()
}
