// Package gateway serves the browser session socket. Each connection gets
// its own capture session, playback controller and conversation.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/tutor-gateway/internal/audio"
	"github.com/lexiqai/tutor-gateway/internal/config"
	"github.com/lexiqai/tutor-gateway/internal/conversation"
	"github.com/lexiqai/tutor-gateway/internal/observability"
	"github.com/lexiqai/tutor-gateway/internal/speech"
	"github.com/lexiqai/tutor-gateway/internal/tts"
	"github.com/lexiqai/tutor-gateway/internal/tutor"
)

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The tutor UI may be served from a different origin in development
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// ClientMessage is a JSON text frame from the browser.
type ClientMessage struct {
	Type       string  `json:"type"`
	Language   string  `json:"language,omitempty"`
	Difficulty string  `json:"difficulty,omitempty"`
	Partner    string  `json:"partner,omitempty"`
	Topic      string  `json:"topic,omitempty"`
	Text       string  `json:"text,omitempty"`
	VoiceID    string  `json:"voice_id,omitempty"`
	Rate       float64 `json:"rate,omitempty"`
	SampleRate int     `json:"sample_rate,omitempty"`
}

// Dependencies are shared by every browser session.
type Dependencies struct {
	Config   *config.Config
	Replier  conversation.Replier
	Catalogs tutor.CatalogSource
	// Recognizer is nil when speech capture is not configured.
	Recognizer speech.Recognizer
	// NewSynthesizer is nil when playback is not configured.
	NewSynthesizer func(sink tts.AudioSink) speech.Synthesizer
}

// Session holds the state of a single browser connection
type Session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	id     string
	cfg    *config.Config
	logger zerolog.Logger

	capture  *speech.Session
	playback *speech.Controller
	convo    *conversation.Orchestrator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.RWMutex
	sampleRate int
	closed     bool
}

// Server upgrades /ws/session requests and tracks live sessions so they
// can be closed on shutdown.
type Server struct {
	deps   Dependencies
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closing  bool
}

func NewServer(deps Dependencies) *Server {
	return &Server{
		deps:     deps,
		logger:   observability.Component("gateway"),
		sessions: make(map[string]*Session),
	}
}

// ServeHTTP runs a Session until the browser disconnects.
func (g *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	closing := g.closing
	g.mu.Unlock()
	if closing {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}

	s := NewSession(conn, g.deps)
	g.mu.Lock()
	g.sessions[s.id] = s
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.sessions, s.id)
		g.mu.Unlock()
	}()

	s.logger.Info().Str("remote", r.RemoteAddr).Msg("Browser session connected")
	s.Run()
}

// ActiveSessions returns the number of connected browsers.
func (g *Server) ActiveSessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Shutdown refuses new sessions and closes the live ones.
func (g *Server) Shutdown() {
	g.mu.Lock()
	g.closing = true
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// NewSession wires a connection to fresh speech and conversation state.
func NewSession(conn *websocket.Conn, deps Dependencies) *Session {
	cfg := deps.Config
	id := fmt.Sprintf("sess-%s", uuid.NewString())
	logger := observability.WithCorrelationID(observability.NewCorrelationID()).
		With().
		Str("session_id", id).
		Logger()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:       conn,
		id:         id,
		cfg:        cfg,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		sampleRate: cfg.CaptureSampleRate,
	}

	captureLogger := logger.With().Str("component", "capture").Logger()
	s.capture = speech.NewSession(deps.Recognizer, speech.SessionConfig{
		SilenceTimeout: cfg.SilenceTimeout(),
		MaxDuration:    cfg.MaxSessionDuration(),
		StopGrace:      cfg.StopGrace(),
		PrerollBytes:   cfg.PrerollBytes(),
		Logger:         &captureLogger,
	}, speech.SessionEvents{
		OnTranscript:  s.onTranscript,
		OnStateChange: s.onCaptureState,
		OnError:       s.onSpeechError,
	})

	var synth speech.Synthesizer
	if deps.NewSynthesizer != nil {
		synth = deps.NewSynthesizer(s)
	}
	playbackLogger := logger.With().Str("component", "playback").Logger()
	s.playback = speech.NewController(synth, speech.PlaybackConfig{
		SettleDelay: cfg.SpeakSettle(),
		Logger:      &playbackLogger,
	}, speech.PlaybackEvents{
		OnSpeakingChange: s.onSpeaking,
		OnVoicesChanged:  s.onVoices,
		OnError:          s.onPlaybackError,
	})

	convoLogger := logger.With().Str("component", "conversation").Logger()
	s.convo = conversation.New(deps.Replier, s.playback, deps.Catalogs, conversation.Events{
		OnWizard:  s.onWizard,
		OnMessage: s.onMessage,
		OnTyping:  s.onTyping,
		OnCleared: s.onCleared,
	}, &convoLogger)

	return s
}

// Run processes incoming frames until the connection closes, then tears the
// session down.
func (s *Session) Run() {
	endSession := observability.RecordSessionStart()
	defer endSession()
	defer s.Close()

	s.writeJSON(map[string]any{
		"type":     "wizard",
		"step":     s.convo.Step().String(),
		"settings": s.convo.Settings(),
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			s.handleAudio(data)
		case websocket.TextMessage:
			var msg ClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				s.logger.Error().Err(err).Msg("Failed to parse client message")
				s.sendError("invalid message")
				continue
			}
			s.handleMessage(msg)
		}
	}
}

func (s *Session) handleMessage(msg ClientMessage) {
	switch msg.Type {
	case "configure":
		s.configure(msg)

	case "select_topic":
		topic := msg.Topic
		s.goReply(func(ctx context.Context) error { return s.convo.SelectTopic(ctx, topic) })

	case "send":
		text := msg.Text
		s.goReply(func(ctx context.Context) error { return s.convo.Send(ctx, text) })

	case "listen_start":
		settings := s.convo.Settings()
		if settings.Language == nil {
			s.sendError("choose a language first")
			return
		}
		// Keep the tutor's own voice out of the microphone
		s.playback.Cancel()
		if err := s.capture.Start(settings.Language.Code); err != nil && !errors.Is(err, speech.ErrSessionBusy) {
			s.logger.Debug().Err(err).Msg("Capture not started")
		}

	case "listen_stop":
		_ = s.capture.Stop()

	case "clear_transcript":
		s.capture.ClearTranscript()

	case "speak_cancel":
		s.playback.Cancel()

	case "voice":
		s.convo.SetVoice(msg.VoiceID, msg.Rate)

	default:
		s.logger.Warn().Str("type", msg.Type).Msg("Unknown client message")
		s.sendError(fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

// configure applies the non-empty wizard fields in wizard order.
func (s *Session) configure(msg ClientMessage) {
	if msg.SampleRate > 0 {
		s.mu.Lock()
		s.sampleRate = msg.SampleRate
		s.mu.Unlock()
	}

	steps := []struct {
		value string
		apply func(string) error
	}{
		{msg.Language, s.convo.SetLanguage},
		{msg.Difficulty, s.convo.SetDifficulty},
		{msg.Partner, s.convo.SetPartner},
	}
	for _, step := range steps {
		if step.value == "" {
			continue
		}
		if err := step.apply(step.value); err != nil {
			s.sendError(err.Error())
			return
		}
	}
}

// goReply runs a tutor request off the read loop so listen and cancel
// frames keep flowing while the tutor answers.
func (s *Session) goReply(fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := fn(s.ctx)
		switch {
		case err == nil:
		case errors.Is(err, conversation.ErrNotConfigured), errors.Is(err, conversation.ErrReplyPending), errors.Is(err, conversation.ErrUnknownOption):
			s.sendError(err.Error())
		default:
			s.logger.Warn().Err(err).Msg("Tutor request failed")
		}
	}()
}

// handleAudio forwards a microphone frame to the live capture, converting
// it to the recognizer's sample rate.
func (s *Session) handleAudio(pcm []byte) {
	if !s.capture.IsListening() {
		return
	}
	s.mu.RLock()
	rate := s.sampleRate
	s.mu.RUnlock()

	if rate != s.cfg.CaptureSampleRate {
		converted, err := audio.ResamplePCM(pcm, rate, s.cfg.CaptureSampleRate)
		if err != nil {
			s.logger.Debug().Err(err).Int("bytes", len(pcm)).Msg("Dropping malformed audio frame")
			return
		}
		pcm = converted
	}

	if err := s.capture.WriteAudio(pcm); err != nil && !errors.Is(err, speech.ErrNotListening) {
		s.logger.Debug().Err(err).Msg("Error sending audio to recognizer")
	}
}

// PlayAudio sends synthesized PCM16 to the browser: a JSON header followed
// by one binary frame.
func (s *Session) PlayAudio(pcm []byte, sampleRate int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.writeLocked(websocket.TextMessage, mustJSON(map[string]any{
		"type":        "audio",
		"sample_rate": sampleRate,
		"bytes":       len(pcm),
	})); err != nil {
		return err
	}
	return s.writeLocked(websocket.BinaryMessage, pcm)
}

// ClearAudio tells the browser to drop queued playback audio.
func (s *Session) ClearAudio() {
	s.writeJSON(map[string]any{"type": "audio_clear"})
}

func (s *Session) onTranscript(text string) {
	s.writeJSON(map[string]any{"type": "transcript", "text": text})
}

func (s *Session) onCaptureState(state speech.State) {
	s.writeJSON(map[string]any{"type": "listening", "listening": state == speech.Listening, "state": state.String()})
}

func (s *Session) onSpeechError(err *speech.SpeechError) {
	s.writeJSON(map[string]any{"type": "speech_error", "kind": err.Kind.String(), "message": err.Message})
}

func (s *Session) onSpeaking(speaking bool) {
	s.writeJSON(map[string]any{"type": "speaking", "speaking": speaking})
}

func (s *Session) onVoices(voices []speech.VoiceDescriptor) {
	var tag string
	if lang := s.convo.Settings().Language; lang != nil {
		tag = lang.Code
	}
	s.sendVoices(voices, tag)
}

func (s *Session) onPlaybackError(err error) {
	s.logger.Warn().Err(err).Msg("Playback error")
}

// onWizard runs under the conversation lock, so it must not read the
// conversation back.
func (s *Session) onWizard(step conversation.Step, settings conversation.Settings) {
	s.writeJSON(map[string]any{"type": "wizard", "step": step.String(), "settings": settings})
	var tag string
	if settings.Language != nil {
		tag = settings.Language.Code
	}
	s.sendVoices(s.playback.Voices(), tag)
}

func (s *Session) onMessage(msg tutor.Message) {
	s.writeJSON(map[string]any{"type": "message", "message": msg})
}

func (s *Session) onTyping(typing bool) {
	s.writeJSON(map[string]any{"type": "typing", "typing": typing})
}

func (s *Session) onCleared() {
	s.writeJSON(map[string]any{"type": "history_cleared"})
}

// sendVoices sends the voices matching tag, or all of them before a
// language is chosen.
func (s *Session) sendVoices(voices []speech.VoiceDescriptor, tag string) {
	if !s.playback.Supported() {
		return
	}
	matching := voices
	if tag != "" {
		matching = speech.VoicesFor(voices, tag)
	}
	if matching == nil {
		matching = []speech.VoiceDescriptor{}
	}
	s.writeJSON(map[string]any{"type": "voices", "voices": matching})
}

func (s *Session) sendError(message string) {
	s.writeJSON(map[string]any{"type": "error", "message": message})
}

func (s *Session) writeJSON(v any) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.writeLocked(websocket.TextMessage, mustJSON(v)); err != nil && !errors.Is(err, errSessionClosed) {
		s.logger.Debug().Err(err).Msg("Failed to write to browser")
	}
}

var errSessionClosed = errors.New("session is not active")

func (s *Session) writeLocked(msgType int, data []byte) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return errSessionClosed
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(msgType, data)
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("gateway: marshal %T: %v", v, err))
	}
	return data
}

// Close aborts capture and playback, abandons pending tutor requests and
// closes the connection. No frames are written afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.capture.Close()
	s.playback.Close()
	s.wg.Wait()

	s.writeMu.Lock()
	_ = s.conn.Close()
	s.writeMu.Unlock()
	s.logger.Info().Msg("Browser session closed")
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}
