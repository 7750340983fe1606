// Package conversation sequences the tutor session: the configuration
// wizard, the chat history and the hand-off of replies to playback.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/tutor-gateway/internal/observability"
	"github.com/lexiqai/tutor-gateway/internal/speech"
	"github.com/lexiqai/tutor-gateway/internal/tutor"
)

var (
	// ErrNotConfigured is returned when an operation needs wizard steps
	// that have not been completed.
	ErrNotConfigured = errors.New("conversation: not configured")
	// ErrReplyPending is returned while the tutor is still answering.
	ErrReplyPending = errors.New("conversation: reply pending")
	// ErrUnknownOption is returned for a language, difficulty or partner
	// the catalog does not offer.
	ErrUnknownOption = errors.New("conversation: unknown option")
)

const (
	startFailedText = "I'm sorry, I couldn't start our conversation. Please try again."
	sendFailedText  = "I'm sorry, an error occurred. Please try again."
)

// Step is the wizard position.
type Step int

const (
	StepChooseLanguage Step = iota
	StepChooseDifficulty
	StepChoosePartner
	StepChooseTopic
	StepChatting
)

func (s Step) String() string {
	switch s {
	case StepChooseLanguage:
		return "choose_language"
	case StepChooseDifficulty:
		return "choose_difficulty"
	case StepChoosePartner:
		return "choose_partner"
	case StepChooseTopic:
		return "choose_topic"
	case StepChatting:
		return "chatting"
	default:
		return "unknown"
	}
}

// Settings are the user's choices so far.
type Settings struct {
	Language   *tutor.Language `json:"language,omitempty"`
	Difficulty string          `json:"difficulty,omitempty"`
	Partner    string          `json:"partner,omitempty"`
	Topic      string          `json:"topic,omitempty"`
	VoiceID    string          `json:"voice_id,omitempty"`
	Rate       float64         `json:"rate"`
}

// Replier generates tutor turns.
type Replier interface {
	Reply(ctx context.Context, req tutor.Request) (*tutor.Reply, error)
}

// Speaker plays tutor replies. *speech.Controller implements it.
type Speaker interface {
	Speak(req speech.PlaybackRequest) error
	Cancel()
}

// Events are invoked in order with the orchestrator's lock held; they must
// not call back into the Orchestrator.
type Events struct {
	OnWizard  func(step Step, settings Settings)
	OnMessage func(msg tutor.Message)
	OnTyping  func(typing bool)
	// OnCleared reports that the chat history was emptied.
	OnCleared func()
}

// Orchestrator owns one user's conversation.
type Orchestrator struct {
	replier  Replier
	speaker  Speaker
	catalogs tutor.CatalogSource
	events   Events
	logger   zerolog.Logger

	mu       sync.Mutex
	settings Settings
	step     Step
	messages []tutor.Message
	typing   bool
	gen      uint64
}

// New creates an orchestrator. speaker may be nil when playback is
// unavailable.
func New(replier Replier, speaker Speaker, catalogs tutor.CatalogSource, events Events, logger *zerolog.Logger) *Orchestrator {
	l := observability.Component("conversation")
	if logger != nil {
		l = *logger
	}
	return &Orchestrator{
		replier:  replier,
		speaker:  speaker,
		catalogs: catalogs,
		events:   events,
		logger:   l,
		settings: Settings{Rate: speech.DefaultRate},
	}
}

// SetLanguage selects the practice language by code. The voice choice is
// reset since voices are per language.
func (o *Orchestrator) SetLanguage(code string) error {
	lang, ok := o.catalogs.Catalog().Language(code)
	if !ok {
		return fmt.Errorf("%w: language %q", ErrUnknownOption, code)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.settings.Language != nil && *o.settings.Language == lang {
		return nil
	}
	o.settings.Language = &lang
	o.settings.VoiceID = ""
	o.resetLocked()
	return nil
}

// SetDifficulty selects the proficiency level.
func (o *Orchestrator) SetDifficulty(difficulty string) error {
	if !o.catalogs.Catalog().HasDifficulty(difficulty) {
		return fmt.Errorf("%w: difficulty %q", ErrUnknownOption, difficulty)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.settings.Difficulty == difficulty {
		return nil
	}
	o.settings.Difficulty = difficulty
	o.resetLocked()
	return nil
}

// SetPartner selects the conversation persona by name.
func (o *Orchestrator) SetPartner(name string) error {
	if _, ok := o.catalogs.Catalog().Partner(name); !ok {
		return fmt.Errorf("%w: partner %q", ErrUnknownOption, name)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.settings.Partner == name {
		return nil
	}
	o.settings.Partner = name
	o.resetLocked()
	return nil
}

// SetVoice overrides the playback voice and rate. An empty voiceID selects
// by language.
func (o *Orchestrator) SetVoice(voiceID string, rate float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.settings.VoiceID = voiceID
	o.settings.Rate = speech.ClampRate(rate)
	o.emitWizardLocked()
}

// resetLocked clears the chat and topic, abandons any pending reply and
// moves to the first unanswered step.
func (o *Orchestrator) resetLocked() {
	o.gen++
	o.clearLocked()
	o.settings.Topic = ""
	o.setTypingLocked(false)
	o.step = o.firstOpenStepLocked()
	o.cancelSpeech()
	o.emitWizardLocked()
}

func (o *Orchestrator) firstOpenStepLocked() Step {
	switch {
	case o.settings.Language == nil:
		return StepChooseLanguage
	case o.settings.Difficulty == "":
		return StepChooseDifficulty
	case o.settings.Partner == "":
		return StepChoosePartner
	case o.settings.Topic == "":
		return StepChooseTopic
	}
	return StepChatting
}

// SelectTopic starts a new conversation about topic: the chat is cleared
// and the tutor's opening turn is requested, appended and spoken.
func (o *Orchestrator) SelectTopic(ctx context.Context, topic string) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return fmt.Errorf("%w: empty topic", ErrUnknownOption)
	}

	o.mu.Lock()
	if o.step < StepChooseTopic {
		o.mu.Unlock()
		return ErrNotConfigured
	}
	if o.typing {
		o.mu.Unlock()
		return ErrReplyPending
	}
	o.gen++
	o.settings.Topic = topic
	o.clearLocked()
	o.step = StepChatting
	o.emitWizardLocked()
	o.setTypingLocked(true)
	gen := o.gen
	req := o.requestLocked()
	o.mu.Unlock()

	o.cancelSpeech()
	return o.complete(ctx, gen, req, startFailedText)
}

// Send appends the user's message and the tutor's answer. Blank text is
// ignored.
func (o *Orchestrator) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	o.mu.Lock()
	if o.step != StepChatting {
		o.mu.Unlock()
		return ErrNotConfigured
	}
	if o.typing {
		o.mu.Unlock()
		return ErrReplyPending
	}
	o.appendLocked(tutor.Message{ID: uuid.NewString(), Text: text, Sender: tutor.SenderUser})
	o.setTypingLocked(true)
	gen := o.gen
	req := o.requestLocked()
	o.mu.Unlock()

	o.cancelSpeech()
	return o.complete(ctx, gen, req, sendFailedText)
}

// complete asks for a reply and records it, or the fallback text on
// failure. A reply for an abandoned conversation is dropped.
func (o *Orchestrator) complete(ctx context.Context, gen uint64, req tutor.Request, fallback string) error {
	reply, err := o.replier.Reply(ctx, req)

	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.gen {
		o.logger.Debug().Msg("Dropping reply for an abandoned conversation")
		return nil
	}
	o.setTypingLocked(false)

	if err != nil {
		o.appendLocked(tutor.Message{ID: uuid.NewString(), Text: fallback, Sender: tutor.SenderAI})
		return fmt.Errorf("tutor reply: %w", err)
	}

	o.appendLocked(tutor.Message{
		ID:       uuid.NewString(),
		Text:     reply.Reply,
		Sender:   tutor.SenderAI,
		Feedback: reply.Feedback,
	})
	o.speakLocked(reply.Reply)
	return nil
}

func (o *Orchestrator) requestLocked() tutor.Request {
	return tutor.Request{
		History:    append([]tutor.Message(nil), o.messages...),
		Language:   *o.settings.Language,
		Difficulty: o.settings.Difficulty,
		Partner:    o.settings.Partner,
		Topic:      o.settings.Topic,
	}
}

func (o *Orchestrator) speakLocked(text string) {
	if o.speaker == nil {
		return
	}
	err := o.speaker.Speak(speech.PlaybackRequest{
		Text:        text,
		LanguageTag: o.settings.Language.Code,
		VoiceID:     o.settings.VoiceID,
		Rate:        o.settings.Rate,
	})
	if err != nil {
		o.logger.Debug().Err(err).Msg("Reply not spoken")
	}
}

func (o *Orchestrator) cancelSpeech() {
	if o.speaker != nil {
		o.speaker.Cancel()
	}
}

func (o *Orchestrator) clearLocked() {
	if len(o.messages) == 0 {
		return
	}
	o.messages = nil
	if fn := o.events.OnCleared; fn != nil {
		fn()
	}
}

func (o *Orchestrator) appendLocked(msg tutor.Message) {
	o.messages = append(o.messages, msg)
	if fn := o.events.OnMessage; fn != nil {
		fn(msg)
	}
}

func (o *Orchestrator) setTypingLocked(typing bool) {
	if o.typing == typing {
		return
	}
	o.typing = typing
	if fn := o.events.OnTyping; fn != nil {
		fn(typing)
	}
}

func (o *Orchestrator) emitWizardLocked() {
	if fn := o.events.OnWizard; fn != nil {
		fn(o.step, o.settingsLocked())
	}
}

func (o *Orchestrator) settingsLocked() Settings {
	s := o.settings
	if s.Language != nil {
		lang := *s.Language
		s.Language = &lang
	}
	return s
}

// Step returns the wizard position.
func (o *Orchestrator) Step() Step {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.step
}

// Settings returns a copy of the current choices.
func (o *Orchestrator) Settings() Settings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settingsLocked()
}

// Messages returns a copy of the chat history.
func (o *Orchestrator) Messages() []tutor.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]tutor.Message(nil), o.messages...)
}

// Typing reports whether a reply is pending.
func (o *Orchestrator) Typing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.typing
}
