package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lexiqai/tutor-gateway/internal/config"
	"github.com/lexiqai/tutor-gateway/internal/speech"
	"github.com/lexiqai/tutor-gateway/internal/speech/speechtest"
	"github.com/lexiqai/tutor-gateway/internal/tts"
	"github.com/lexiqai/tutor-gateway/internal/tutor"
)

type staticCatalog struct{}

func (staticCatalog) Catalog() *tutor.Catalog { return tutor.DefaultCatalog() }

type fakeReplier struct {
	mu       sync.Mutex
	requests []tutor.Request
}

func (f *fakeReplier) Reply(ctx context.Context, req tutor.Request) (*tutor.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(req.History) == 0 {
		return &tutor.Reply{Reply: "¡Hola! Soy Alex."}, nil
	}
	return &tutor.Reply{Reply: "¡Genial!", Feedback: "* Bien."}, nil
}

func (f *fakeReplier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type harness struct {
	server     *Server
	http       *httptest.Server
	recognizer *speechtest.Recognizer
	synth      *speechtest.Synthesizer
	replier    *fakeReplier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		recognizer: speechtest.NewRecognizer(),
		synth: speechtest.NewSynthesizer(
			speech.VoiceDescriptor{ID: "es-1", LanguageTag: "es-ES", IsPlatformDefault: true},
			speech.VoiceDescriptor{ID: "en-1", LanguageTag: "en-US"},
		),
		replier: &fakeReplier{},
	}
	h.recognizer.EndOnStop = true

	cfg := &config.Config{
		CaptureSampleRate:  16000,
		PlaybackSampleRate: 24000,
		SilenceTimeoutMs:   4000,
		MaxSessionSeconds:  180,
		StopGraceMs:        100,
		SpeakSettleMs:      5,
		PrerollMs:          1000,
	}
	h.server = NewServer(Dependencies{
		Config:     cfg,
		Replier:    h.replier,
		Catalogs:   staticCatalog{},
		Recognizer: h.recognizer,
		NewSynthesizer: func(sink tts.AudioSink) speech.Synthesizer {
			return h.synth
		},
	})
	h.http = httptest.NewServer(h.server)
	t.Cleanup(func() {
		h.server.Shutdown()
		h.http.Close()
	})
	return h
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil skips frames until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q: %v", msgType, err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if frame["type"] == msgType {
			return frame
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func configure(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	send(t, conn, ClientMessage{Type: "configure", Language: "es-ES", Difficulty: "Beginner", Partner: "Funny Friend", SampleRate: 16000})
	for {
		frame := readUntil(t, conn, "wizard")
		if frame["step"] == "choose_topic" {
			return
		}
	}
}

func TestSession_InitialWizard(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	frame := readUntil(t, conn, "wizard")
	if frame["step"] != "choose_language" {
		t.Errorf("Expected choose_language, got %v", frame["step"])
	}
	waitFor(t, "session registered", func() bool { return h.server.ActiveSessions() == 1 })
}

func TestSession_ConfigureSendsVoicesForLanguage(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	readUntil(t, conn, "wizard")

	send(t, conn, ClientMessage{Type: "configure", Language: "es-ES"})
	frame := readUntil(t, conn, "voices")
	voices, _ := frame["voices"].([]any)
	if len(voices) != 1 || voices[0].(map[string]any)["id"] != "es-1" {
		t.Errorf("Expected only the Spanish voice, got %v", frame["voices"])
	}

	send(t, conn, ClientMessage{Type: "configure", Partner: "Nobody"})
	if frame := readUntil(t, conn, "error"); !strings.Contains(frame["message"].(string), "unknown option") {
		t.Errorf("Unexpected error frame %v", frame)
	}
}

func TestSession_TopicAndChat(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	readUntil(t, conn, "wizard")
	configure(t, conn)

	send(t, conn, ClientMessage{Type: "select_topic", Topic: "Tell me about your favorite hobby."})
	frame := readUntil(t, conn, "message")
	msg := frame["message"].(map[string]any)
	if msg["text"] != "¡Hola! Soy Alex." || msg["sender"] != "ai" {
		t.Errorf("Unexpected message %v", msg)
	}

	waitFor(t, "utterance", func() bool { return len(h.synth.Utterances()) == 1 })
	u := h.synth.Last()
	if u.Text != "¡Hola! Soy Alex." || u.VoiceID != "es-1" {
		t.Errorf("Unexpected utterance %+v", u.Utterance)
	}
	u.Start()
	if frame := readUntil(t, conn, "speaking"); frame["speaking"] != true {
		t.Errorf("Expected speaking true, got %v", frame["speaking"])
	}

	send(t, conn, ClientMessage{Type: "send", Text: "Me gusta nadar."})
	user := readUntil(t, conn, "message")["message"].(map[string]any)
	if user["sender"] != "user" {
		t.Errorf("Expected the user message first, got %v", user)
	}
	reply := readUntil(t, conn, "message")["message"].(map[string]any)
	if reply["text"] != "¡Genial!" || reply["feedback"] != "* Bien." {
		t.Errorf("Unexpected reply %v", reply)
	}
}

func TestSession_ListenFlow(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	readUntil(t, conn, "wizard")

	send(t, conn, ClientMessage{Type: "listen_start"})
	if frame := readUntil(t, conn, "error"); !strings.Contains(frame["message"].(string), "language") {
		t.Errorf("Expected a language error, got %v", frame)
	}

	configure(t, conn)
	send(t, conn, ClientMessage{Type: "listen_start"})
	if frame := readUntil(t, conn, "listening"); frame["listening"] != true {
		t.Fatalf("Expected listening true, got %v", frame)
	}
	waitFor(t, "capture", func() bool { return h.recognizer.Last() != nil })
	capture := h.recognizer.Last()
	if capture.Options.LanguageTag != "es-ES" {
		t.Errorf("Expected es-ES capture, got %q", capture.Options.LanguageTag)
	}

	pcm := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	waitFor(t, "audio", func() bool { return len(capture.Audio()) == len(pcm) })

	capture.EmitFinal("me gusta")
	capture.EmitInterim("me gusta nadar")
	for {
		frame := readUntil(t, conn, "transcript")
		if frame["text"] == "me gusta nadar" {
			break
		}
	}

	send(t, conn, ClientMessage{Type: "listen_stop"})
	for {
		frame := readUntil(t, conn, "listening")
		if frame["state"] == "idle" {
			if frame["listening"] != false {
				t.Errorf("Expected listening false, got %v", frame)
			}
			break
		}
	}
	if h.replier.count() != 0 {
		t.Error("Transcripts must not be sent to the tutor automatically")
	}
}

func TestSession_SpeechErrorForwarded(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	readUntil(t, conn, "wizard")
	configure(t, conn)

	send(t, conn, ClientMessage{Type: "listen_start"})
	readUntil(t, conn, "listening")
	waitFor(t, "capture", func() bool { return h.recognizer.Last() != nil })
	h.recognizer.Last().EmitError(speech.CodeNotAllowed, "microphone blocked")

	frame := readUntil(t, conn, "speech_error")
	if frame["kind"] != "permission_denied" {
		t.Errorf("Expected permission_denied, got %v", frame)
	}
}

func TestSession_ResamplesClientAudio(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	readUntil(t, conn, "wizard")
	configure(t, conn)
	send(t, conn, ClientMessage{Type: "configure", SampleRate: 32000})

	send(t, conn, ClientMessage{Type: "listen_start"})
	readUntil(t, conn, "listening")
	waitFor(t, "capture", func() bool { return h.recognizer.Last() != nil })

	before := audioBytesIn(t)
	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 640)); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	capture := h.recognizer.Last()
	waitFor(t, "audio", func() bool { return len(capture.Audio()) > 0 })
	if got := len(capture.Audio()); got != 320 {
		t.Errorf("Expected audio halved to 320 bytes, got %d", got)
	}
	if delta := audioBytesIn(t) - before; delta != 0 {
		t.Errorf("Expected inbound audio to be counted by the recognizer only, gateway added %v", delta)
	}
}

// audioBytesIn reads the inbound audio counter from the default registry.
func audioBytesIn(t *testing.T) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "tutor_gateway_audio_bytes_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "direction" && l.GetValue() == "in" {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestSession_DisconnectTearsDown(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	readUntil(t, conn, "wizard")
	configure(t, conn)

	send(t, conn, ClientMessage{Type: "listen_start"})
	readUntil(t, conn, "listening")
	waitFor(t, "capture", func() bool { return h.recognizer.Last() != nil })
	capture := h.recognizer.Last()

	conn.Close()
	waitFor(t, "session removed", func() bool { return h.server.ActiveSessions() == 0 })
	if capture.AbortCalls() != 1 {
		t.Errorf("Expected the capture aborted once, got %d", capture.AbortCalls())
	}
}

func TestServer_ShutdownClosesSessions(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	readUntil(t, conn, "wizard")

	h.server.Shutdown()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	waitFor(t, "session removed", func() bool { return h.server.ActiveSessions() == 0 })
}
