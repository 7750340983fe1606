package tts

import (
	"context"
	"fmt"
	"sync"

	"github.com/lexiqai/tutor-gateway/internal/speech"
)

// VoiceCatalog caches the Cartesia voice list for every session. Voices
// arrive page by page; subscribers are notified after each page.
type VoiceCatalog struct {
	client *CartesiaClient

	mu        sync.RWMutex
	voices    []speech.VoiceDescriptor
	index     map[string]int
	listeners map[int]func()
	nextID    int
}

func NewVoiceCatalog(client *CartesiaClient) *VoiceCatalog {
	return &VoiceCatalog{
		client:    client,
		index:     make(map[string]int),
		listeners: make(map[int]func()),
	}
}

// Voices returns the voices loaded so far.
func (v *VoiceCatalog) Voices() []speech.VoiceDescriptor {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]speech.VoiceDescriptor(nil), v.voices...)
}

// OnVoicesChanged registers fn for every merged batch.
func (v *VoiceCatalog) OnVoicesChanged(fn func()) func() {
	v.mu.Lock()
	defer v.mu.Unlock()
	id := v.nextID
	v.nextID++
	v.listeners[id] = fn
	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		delete(v.listeners, id)
	}
}

// Refresh walks every page of GET /voices. Voices already known are
// updated in place, so a refresh never reorders the list.
func (v *VoiceCatalog) Refresh(ctx context.Context) error {
	after := ""
	for page := 1; ; page++ {
		result, err := v.client.listVoices(ctx, after, voicesPageSize)
		if err != nil {
			return fmt.Errorf("voices page %d: %w", page, err)
		}
		if len(result.Data) == 0 {
			return nil
		}

		v.merge(result.Data)
		if !result.HasMore {
			return nil
		}
		after = result.Data[len(result.Data)-1].ID
	}
}

func (v *VoiceCatalog) merge(batch []cartesiaVoiceInfo) {
	defaultID := v.client.DefaultVoiceID()

	v.mu.Lock()
	for _, info := range batch {
		d := speech.VoiceDescriptor{
			ID:                info.ID,
			Name:              info.Name,
			LanguageTag:       info.Language,
			IsPlatformDefault: info.ID == defaultID,
		}
		if i, ok := v.index[info.ID]; ok {
			v.voices[i] = d
			continue
		}
		v.index[info.ID] = len(v.voices)
		v.voices = append(v.voices, d)
	}
	listeners := make([]func(), 0, len(v.listeners))
	for _, fn := range v.listeners {
		listeners = append(listeners, fn)
	}
	v.mu.Unlock()

	v.client.logger.Debug().Int("batch", len(batch)).Msg("Voices updated")
	for _, fn := range listeners {
		fn()
	}
}
