package speech

import (
	"math"
	"strings"
)

// Supported speaking rates.
const (
	MinRate     = 0.5
	MaxRate     = 2.0
	DefaultRate = 1.0
)

// ClampRate maps rate into [MinRate, MaxRate]. Zero and NaN mean DefaultRate.
func ClampRate(rate float64) float64 {
	switch {
	case rate == 0 || math.IsNaN(rate):
		return DefaultRate
	case rate < MinRate:
		return MinRate
	case rate > MaxRate:
		return MaxRate
	}
	return rate
}

// ResolveVoice picks the voice for an utterance. A requested id wins when the
// platform knows it. Otherwise the platform default among voices matching
// languageTag is chosen, then the first match. Voices that share only the
// primary language ("es-MX" for "es-ES") are considered when nothing closer
// exists. A nil result means the platform should pick its own default.
func ResolveVoice(voices []VoiceDescriptor, requestedID, languageTag string) *VoiceDescriptor {
	if requestedID != "" {
		for i := range voices {
			if voices[i].ID == requestedID {
				return &voices[i]
			}
		}
	}

	candidates := VoicesFor(voices, languageTag)
	if len(candidates) == 0 {
		primary := primarySubtag(languageTag)
		for _, v := range voices {
			if primary != "" && primarySubtag(v.LanguageTag) == primary {
				candidates = append(candidates, v)
			}
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	for i := range candidates {
		if candidates[i].IsPlatformDefault {
			return &candidates[i]
		}
	}
	return &candidates[0]
}

// VoicesFor returns the voices whose language tag matches languageTag, in
// platform order.
func VoicesFor(voices []VoiceDescriptor, languageTag string) []VoiceDescriptor {
	var out []VoiceDescriptor
	for _, v := range voices {
		if languageMatches(v.LanguageTag, languageTag) {
			out = append(out, v)
		}
	}
	return out
}

// languageMatches reports whether two BCP 47 tags are equal or one extends
// the other at a subtag boundary ("en" and "en-US", not "en" and "eng").
func languageMatches(a, b string) bool {
	a, b = normalizeTag(a), normalizeTag(b)
	if a == "" || b == "" {
		return false
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	return b == a || strings.HasPrefix(b, a+"-")
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(tag), "_", "-"))
}

func primarySubtag(tag string) string {
	tag = normalizeTag(tag)
	if i := strings.IndexByte(tag, '-'); i >= 0 {
		return tag[:i]
	}
	return tag
}
