package tutor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
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
)

// ErrUpstream wraps every failure to obtain a reply from the model.
var ErrUpstream = errors.New("tutor: upstream failure")

// Sender identifies who wrote a chat message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

// Message is one entry of the chat history.
type Message struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Sender   Sender `json:"sender"`
	Feedback string `json:"feedback,omitempty"`
}

// Request asks for the next tutor turn. An empty History asks for the
// opening turn about Topic.
type Request struct {
	History    []Message `json:"history"`
	Language   Language  `json:"language"`
	Difficulty string    `json:"difficulty"`
	Partner    string    `json:"partner"`
	Topic      string    `json:"topic"`
}

// Reply is the tutor's answer. Feedback is empty for opening turns.
type Reply struct {
	Reply    string `json:"reply"`
	Feedback string `json:"feedback,omitempty"`
}

// CatalogSource supplies the current persona catalog.
type CatalogSource interface {
	Catalog() *Catalog
}

// GeminiClient generates replies with the Gemini generateContent API.
type GeminiClient struct {
	apiKey         string
	baseURL        string
	model          string
	catalogs       CatalogSource
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"system_instruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

// NewGeminiClient creates a new Gemini client
func NewGeminiClient(cfg *config.Config, catalogs CatalogSource) *GeminiClient {
	return &GeminiClient{
		apiKey:     cfg.GeminiAPIKey,
		baseURL:    strings.TrimRight(cfg.GeminiBaseURL, "/"),
		model:      cfg.GeminiModel,
		catalogs:   catalogs,
		httpClient: &http.Client{Timeout: cfg.TutorRequestTimeout()},
		circuitBreaker: resilience.NewCircuitBreaker(
			"gemini",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		logger: observability.Component("tutor"),
	}
}

// Reply asks the model for the next turn. Failures are not retried.
func (c *GeminiClient) Reply(ctx context.Context, req Request) (*Reply, error) {
	start := time.Now()
	reply, err := c.reply(ctx, req)
	observability.RecordTutorRequest(err == nil, time.Since(start))
	if err != nil {
		c.logger.Error().Err(err).Str("partner", req.Partner).Int("history", len(req.History)).Msg("Reply generation failed")
		return nil, err
	}
	return reply, nil
}

func (c *GeminiClient) reply(ctx context.Context, req Request) (*Reply, error) {
	catalog := c.catalogs.Catalog()
	language := req.Language
	if language.Name == "" {
		if l, ok := catalog.Language(language.Code); ok {
			language = l
		} else {
			language.Name = language.Code
		}
	}
	partner, _ := catalog.Partner(req.Partner)

	instruction, err := SystemInstruction(language, req.Difficulty, partner)
	if err != nil {
		return nil, err
	}

	opening := len(req.History) == 0
	var contents []geminiContent
	if opening {
		contents = append(contents, userContent(OpeningPrompt(req.Topic)))
	} else {
		for _, msg := range req.History[:len(req.History)-1] {
			role := "model"
			if msg.Sender == SenderUser {
				role = "user"
			}
			contents = append(contents, geminiContent{Role: role, Parts: []geminiPart{{Text: msg.Text}}})
		}
		contents = append(contents, userContent(req.History[len(req.History)-1].Text))
	}

	text, err := c.generate(ctx, geminiRequest{
		SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: instruction}}},
		Contents:          contents,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	if opening {
		reply := strings.TrimSpace(text)
		if reply == "" {
			reply = FallbackReply
		}
		return &Reply{Reply: reply}, nil
	}
	r, feedback := SplitReply(text)
	return &Reply{Reply: r, Feedback: feedback}, nil
}

func userContent(text string) geminiContent {
	return geminiContent{Role: "user", Parts: []geminiPart{{Text: text}}}
}

func (c *GeminiClient) generate(ctx context.Context, body geminiRequest) (string, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, url.PathEscape(c.model))

	var text string
	err = c.circuitBreaker.CallContext(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-goog-api-key", c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to make request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("gemini API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
		}

		var gr geminiResponse
		if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		if len(gr.Candidates) > 0 {
			var sb strings.Builder
			for _, p := range gr.Candidates[0].Content.Parts {
				sb.WriteString(p.Text)
			}
			text = sb.String()
		}
		return nil
	})
	return text, err
}

// Ping reports whether reply generation is configured.
func (c *GeminiClient) Ping(ctx context.Context) (bool, error) {
	if c.apiKey == "" {
		return false, fmt.Errorf("GEMINI_API_KEY not set")
	}
	if c.circuitBreaker.GetState() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}
