package tts

import (
	"context"
	"sync"
	"time"

	"github.com/lexiqai/tutor-gateway/internal/audio"
	"github.com/lexiqai/tutor-gateway/internal/observability"
	"github.com/lexiqai/tutor-gateway/internal/speech"
)

// AudioSink plays synthesized PCM16. ClearAudio drops anything queued.
type AudioSink interface {
	PlayAudio(pcm []byte, sampleRate int) error
	ClearAudio()
}

// Synthesizer is one session's speech.Synthesizer. Each utterance is
// synthesized in full, written to the sink, and reported finished once its
// audio has had time to play.
type Synthesizer struct {
	client  *CartesiaClient
	catalog *VoiceCatalog
	sink    AudioSink

	mu     sync.Mutex
	nextID uint64
	active map[uint64]*utterance
}

type utterance struct {
	cancel context.CancelFunc
	timer  *time.Timer
}

var _ speech.Synthesizer = (*Synthesizer)(nil)

// NewSynthesizer creates a synthesizer that plays into sink.
func NewSynthesizer(client *CartesiaClient, catalog *VoiceCatalog, sink AudioSink) *Synthesizer {
	return &Synthesizer{
		client:  client,
		catalog: catalog,
		sink:    sink,
		active:  make(map[uint64]*utterance),
	}
}

func (s *Synthesizer) Voices() []speech.VoiceDescriptor {
	return s.catalog.Voices()
}

func (s *Synthesizer) OnVoicesChanged(fn func()) func() {
	return s.catalog.OnVoicesChanged(fn)
}

// Speak starts synthesis in the background and returns immediately.
func (s *Synthesizer) Speak(u speech.Utterance, events speech.UtteranceEvents) error {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.active[id] = &utterance{cancel: cancel}
	s.mu.Unlock()

	go s.run(ctx, id, u, events)
	return nil
}

func (s *Synthesizer) run(ctx context.Context, id uint64, u speech.Utterance, events speech.UtteranceEvents) {
	pcm, err := s.client.Synthesize(ctx, u)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.finish(id)
		s.client.logger.Warn().Err(err).Str("voice", u.VoiceID).Msg("Cartesia synthesis failed")
		if events.OnError != nil {
			events.OnError(err)
		}
		return
	}

	// The sink write happens under the lock so CancelAll's clear always
	// lands after any audio it cancels.
	s.mu.Lock()
	if _, ok := s.active[id]; !ok {
		s.mu.Unlock()
		return
	}
	if err := s.sink.PlayAudio(pcm, s.client.SampleRate()); err != nil {
		s.mu.Unlock()
		s.finish(id)
		if events.OnError != nil {
			events.OnError(err)
		}
		return
	}
	s.mu.Unlock()
	observability.RecordAudioBytes("out", len(pcm))

	if events.OnStart != nil {
		events.OnStart()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.active[id]
	if !ok {
		return
	}
	entry.timer = time.AfterFunc(audio.Duration(len(pcm), s.client.SampleRate()), func() {
		if s.finish(id) && events.OnEnd != nil {
			events.OnEnd()
		}
	})
}

// finish removes an utterance and reports whether it was still active.
func (s *Synthesizer) finish(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.active[id]
	if !ok {
		return false
	}
	entry.cancel()
	delete(s.active, id)
	return true
}

// CancelAll aborts every pending synthesis, forgets queued end events and
// tells the sink to drop queued audio.
func (s *Synthesizer) CancelAll() {
	s.mu.Lock()
	hadActive := len(s.active) > 0
	for id, entry := range s.active {
		entry.cancel()
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(s.active, id)
	}
	s.mu.Unlock()

	if hadActive {
		s.sink.ClearAudio()
	}
}
