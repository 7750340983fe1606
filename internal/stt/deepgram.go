// Package stt implements speech.Recognizer on Deepgram's streaming
// transcription API. The browser streams microphone PCM over the gateway
// socket; each capture forwards it to its own Deepgram live socket.
package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/tutor-gateway/internal/audio"
	"github.com/lexiqai/tutor-gateway/internal/config"
	"github.com/lexiqai/tutor-gateway/internal/observability"
	"github.com/lexiqai/tutor-gateway/internal/resilience"
	"github.com/lexiqai/tutor-gateway/internal/speech"
)

const breakerName = "deepgram"

var errConnectFailed = errors.New("deepgram: connect failed")

// liveStream is the part of the Deepgram websocket client a capture uses.
type liveStream interface {
	Connect() bool
	Write(p []byte) (int, error)
	Finish()
}

type dialFunc func(ctx context.Context, opts *interfaces.LiveTranscriptionOptions, cb msginterfaces.LiveMessageCallback) (liveStream, error)

// DeepgramRecognizer opens one Deepgram live socket per capture.
type DeepgramRecognizer struct {
	apiKey          string
	model           string
	sampleRate      int
	noSpeechTimeout time.Duration
	retry           *resilience.RetryConfig
	circuitBreaker  *resilience.CircuitBreaker
	logger          zerolog.Logger
	dial            dialFunc
}

var _ speech.Recognizer = (*DeepgramRecognizer)(nil)

// NewDeepgramRecognizer creates a recognizer from the service configuration.
func NewDeepgramRecognizer(cfg *config.Config) *DeepgramRecognizer {
	r := &DeepgramRecognizer{
		apiKey:          cfg.DeepgramAPIKey,
		model:           cfg.DeepgramModel,
		sampleRate:      cfg.CaptureSampleRate,
		noSpeechTimeout: cfg.NoSpeechTimeout(),
		retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
		},
		circuitBreaker: resilience.NewCircuitBreaker(
			breakerName,
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		logger: observability.Component("stt"),
	}
	r.dial = r.dialDeepgram
	return r
}

func (r *DeepgramRecognizer) dialDeepgram(ctx context.Context, opts *interfaces.LiveTranscriptionOptions, cb msginterfaces.LiveMessageCallback) (liveStream, error) {
	client, err := listenClient.NewWSUsingCallback(ctx, r.apiKey, &interfaces.ClientOptions{}, opts, cb)
	if err != nil {
		return nil, fmt.Errorf("failed to create Deepgram client: %w", err)
	}
	return client, nil
}

// CircuitBreaker exposes the breaker guarding Deepgram for readiness checks.
func (r *DeepgramRecognizer) CircuitBreaker() *resilience.CircuitBreaker {
	return r.circuitBreaker
}

// Ping reports whether new captures can be opened. It does not dial, since
// Deepgram bills per socket.
func (r *DeepgramRecognizer) Ping(ctx context.Context) (bool, error) {
	if r.apiKey == "" {
		return false, fmt.Errorf("DEEPGRAM_API_KEY not set")
	}
	if r.circuitBreaker.GetState() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}

// StartCapture dials Deepgram, retrying transient failures, and returns a
// handle that accepts microphone audio. Connection failures are reported as
// network errors, rejected credentials as not-allowed.
func (r *DeepgramRecognizer) StartCapture(ctx context.Context, opts speech.CaptureOptions, events speech.CaptureEvents) (speech.CaptureHandle, error) {
	if r.apiKey == "" {
		return nil, speech.ErrUnsupported
	}

	captureCtx, cancel := context.WithCancel(ctx)
	c := &capture{
		events:          events,
		cancel:          cancel,
		vad:             audio.NewVAD(audio.DefaultVADConfig(r.sampleRate)),
		noSpeechTimeout: r.noSpeechTimeout,
		circuitBreaker:  r.circuitBreaker,
		logger:          r.logger.With().Str("language", opts.LanguageTag).Logger(),
	}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          r.model,
		Language:       opts.LanguageTag,
		Punctuate:      true,
		InterimResults: opts.InterimResults,
		SmartFormat:    true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     r.sampleRate,
	}
	if !opts.Continuous {
		tOptions.UtteranceEndMs = "1000"
		tOptions.VadEvents = true
		c.singleUtterance = true
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		capture:                c,
	}

	err := resilience.Retry(captureCtx, func(ctx context.Context) error {
		return r.circuitBreaker.CallContext(ctx, func() error {
			stream, err := r.dial(ctx, tOptions, callback)
			if err != nil {
				return err
			}
			if !stream.Connect() {
				stream.Finish()
				return resilience.NewRetryableError(errConnectFailed)
			}
			c.setStream(stream)
			return nil
		})
	}, r.retry, resilience.IsRetryableNetworkError)
	if err != nil {
		cancel()
		r.logger.Error().Err(err).Str("model", r.model).Msg("Failed to connect to Deepgram")
		return nil, speech.Classify(speech.CodeNetwork, err.Error())
	}

	r.logger.Info().Str("model", r.model).Str("language", opts.LanguageTag).Msg("Deepgram capture started")
	return c, nil
}

// capture is one live Deepgram socket.
type capture struct {
	events          speech.CaptureEvents
	cancel          context.CancelFunc
	vad             *audio.VAD
	noSpeechTimeout time.Duration
	singleUtterance bool
	circuitBreaker  *resilience.CircuitBreaker
	logger          zerolog.Logger

	mu          sync.Mutex
	stream      liveStream
	closed      bool
	windowStart time.Duration
	heardMark   time.Duration
	endOnce     sync.Once
}

func (c *capture) setStream(s liveStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stream = s
}

// WriteAudio forwards PCM16 to Deepgram and watches it for a voice. A full
// no-speech window without one reports no-speech and starts a new window.
func (c *capture) WriteAudio(p []byte) error {
	c.mu.Lock()
	if c.closed || c.stream == nil {
		c.mu.Unlock()
		return speech.ErrNotListening
	}
	stream := c.stream
	noSpeech := c.trackVoiceLocked(p)
	c.mu.Unlock()

	if noSpeech {
		c.emitError(speech.CodeNoSpeech, "no speech detected")
	}

	err := c.circuitBreaker.Call(func() error {
		if _, err := stream.Write(p); err != nil {
			return fmt.Errorf("failed to send audio to Deepgram: %w", err)
		}
		return nil
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("Deepgram write failed")
		c.emitError(speech.CodeNetwork, err.Error())
		return err
	}
	observability.RecordAudioBytes("in", len(p))
	return nil
}

func (c *capture) trackVoiceLocked(p []byte) bool {
	if c.noSpeechTimeout <= 0 {
		return false
	}
	c.vad.Process(p)
	if c.vad.Heard() > c.heardMark {
		c.heardMark = c.vad.Heard()
		c.windowStart = c.vad.Elapsed()
		return false
	}
	if c.vad.Elapsed()-c.windowStart < c.noSpeechTimeout {
		return false
	}
	c.windowStart = c.vad.Elapsed()
	return true
}

// Stop asks Deepgram to flush final results and close the socket.
func (c *capture) Stop() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stream := c.stream
	c.mu.Unlock()

	if stream != nil {
		stream.Finish()
	}
	return nil
}

// Abort tears the socket down without waiting for final results.
func (c *capture) Abort() error {
	c.mu.Lock()
	finished := c.closed
	c.closed = true
	stream := c.stream
	c.mu.Unlock()

	c.cancel()
	if stream != nil && !finished {
		stream.Finish()
	}
	c.emitEnd()
	return nil
}

func (c *capture) emitEnd() {
	c.endOnce.Do(func() {
		c.cancel()
		if c.events.OnEnd != nil {
			c.events.OnEnd()
		}
	})
}

func (c *capture) emitError(code, message string) {
	if c.events.OnError != nil {
		c.events.OnError(code, message)
	}
}

func (c *capture) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return
	}
	text := strings.TrimSpace(msg.Channel.Alternatives[0].Transcript)
	if text == "" {
		return
	}
	if c.events.OnResult != nil {
		c.events.OnResult([]speech.Segment{{Text: text, IsFinal: msg.IsFinal}})
	}
	if c.singleUtterance && msg.SpeechFinal {
		_ = c.Stop()
	}
}

// errorCode maps a Deepgram error to a platform error code.
func errorCode(description string) string {
	d := strings.ToLower(description)
	for _, fragment := range []string{"401", "403", "unauthorized", "forbidden", "invalid credentials", "insufficient permissions"} {
		if strings.Contains(d, fragment) {
			return speech.CodeNotAllowed
		}
	}
	return speech.CodeNetwork
}

// messageCallbackHandler implements the LiveMessageCallback interface. It
// embeds the default handler and overrides the events a capture reacts to.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	capture *capture
}

func (m *messageCallbackHandler) Message(msg *msginterfaces.MessageResponse) error {
	m.capture.handleMessage(msg)
	return nil
}

func (m *messageCallbackHandler) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	if m.capture.singleUtterance {
		_ = m.capture.Stop()
	}
	return nil
}

func (m *messageCallbackHandler) Close(cr *msginterfaces.CloseResponse) error {
	m.capture.emitEnd()
	return nil
}

func (m *messageCallbackHandler) Error(er *msginterfaces.ErrorResponse) error {
	if er == nil {
		return nil
	}
	description := strings.TrimSpace(er.ErrMsg + " " + er.Description)
	m.capture.circuitBreaker.RecordResult(false)
	m.capture.logger.Warn().Str("type", er.Type).Str("error", description).Msg("Deepgram error")
	m.capture.emitError(errorCode(description), description)
	return nil
}
