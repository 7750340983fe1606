// Package tts implements speech.Synthesizer on Cartesia's text to speech
// API. Audio is returned as raw PCM16 and handed to an AudioSink, normally
// the browser socket, which plays it.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/tutor-gateway/internal/config"
	"github.com/lexiqai/tutor-gateway/internal/observability"
	"github.com/lexiqai/tutor-gateway/internal/resilience"
	"github.com/lexiqai/tutor-gateway/internal/speech"
)

const (
	cartesiaVersion = "2024-11-13"
	breakerName     = "cartesia"
	voicesPageSize  = 100
)

// CartesiaClient talks to the Cartesia REST API.
type CartesiaClient struct {
	apiKey         string
	baseURL        string
	modelID        string
	defaultVoiceID string
	sampleRate     int
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// CartesiaRequest represents the request payload for /tts/bytes
type CartesiaRequest struct {
	ModelID      string         `json:"model_id"`
	Transcript   string         `json:"transcript"`
	Voice        cartesiaVoice  `json:"voice"`
	OutputFormat cartesiaFormat `json:"output_format"`
	Language     string         `json:"language,omitempty"`
}

type cartesiaVoice struct {
	Mode     string            `json:"mode"`
	ID       string            `json:"id"`
	Controls *cartesiaControls `json:"__experimental_controls,omitempty"`
}

type cartesiaControls struct {
	Speed float64 `json:"speed"`
}

type cartesiaFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// cartesiaVoiceInfo is one entry of GET /voices
type cartesiaVoiceInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language"`
}

type voicesPage struct {
	Data    []cartesiaVoiceInfo `json:"data"`
	HasMore bool                `json:"has_more"`
}

// NewCartesiaClient creates a new Cartesia client
func NewCartesiaClient(cfg *config.Config) *CartesiaClient {
	return &CartesiaClient{
		apiKey:         cfg.CartesiaAPIKey,
		baseURL:        strings.TrimRight(cfg.CartesiaBaseURL, "/"),
		modelID:        cfg.CartesiaModelID,
		defaultVoiceID: cfg.CartesiaVoiceID,
		sampleRate:     cfg.PlaybackSampleRate,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		circuitBreaker: resilience.NewCircuitBreaker(
			breakerName,
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		logger: observability.Component("tts"),
	}
}

// SampleRate is the rate of the PCM16 returned by Synthesize.
func (c *CartesiaClient) SampleRate() int {
	return c.sampleRate
}

// DefaultVoiceID is the voice used when an utterance names none.
func (c *CartesiaClient) DefaultVoiceID() string {
	return c.defaultVoiceID
}

// Synthesize converts an utterance to raw PCM16 mono audio.
func (c *CartesiaClient) Synthesize(ctx context.Context, u speech.Utterance) ([]byte, error) {
	voiceID := u.VoiceID
	if voiceID == "" {
		voiceID = c.defaultVoiceID
	}

	reqBody := CartesiaRequest{
		ModelID:    c.modelID,
		Transcript: u.Text,
		Voice:      cartesiaVoice{Mode: "id", ID: voiceID},
		OutputFormat: cartesiaFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: c.sampleRate,
		},
		Language: languageCode(u.LanguageTag),
	}
	if speed, ok := speedControl(u.Rate); ok {
		reqBody.Voice.Controls = &cartesiaControls{Speed: speed}
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var pcm []byte
	err = c.circuitBreaker.CallContext(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts/bytes", bytes.NewReader(jsonData))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		c.setHeaders(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to make request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("cartesia API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		pcm, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read audio: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	return pcm, nil
}

// listVoices fetches one page of voices after the given voice id.
func (c *CartesiaClient) listVoices(ctx context.Context, after string, limit int) (*voicesPage, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	if after != "" {
		q.Set("starting_after", after)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/voices?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list voices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cartesia API returned status %d", resp.StatusCode)
	}

	var page voicesPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode voices: %w", err)
	}
	return &page, nil
}

// Ping checks that the API key is accepted.
func (c *CartesiaClient) Ping(ctx context.Context) (bool, error) {
	if _, err := c.listVoices(ctx, "", 1); err != nil {
		return false, err
	}
	return true, nil
}

func (c *CartesiaClient) setHeaders(req *http.Request) {
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)
}

// languageCode reduces a BCP 47 tag to the ISO 639-1 code Cartesia expects.
func languageCode(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		tag = tag[:i]
	}
	return tag
}

// speedControl maps a speaking rate in [0.5, 2] onto Cartesia's [-1, 1]
// speed control. The normal rate needs no control.
func speedControl(rate float64) (float64, bool) {
	rate = speech.ClampRate(rate)
	switch {
	case rate == speech.DefaultRate:
		return 0, false
	case rate < speech.DefaultRate:
		return (rate - speech.DefaultRate) / (speech.DefaultRate - speech.MinRate), true
	}
	return (rate - speech.DefaultRate) / (speech.MaxRate - speech.DefaultRate), true
}
