package speech

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// transcriptBuffer accumulates recognition results for one capture session.
// Finalized text only ever grows; the interim hypothesis is replaced by each
// newer one and dropped once a final segment arrives.
type transcriptBuffer struct {
	finalized string
	interim   string
}

func (b *transcriptBuffer) reset() {
	b.finalized = ""
	b.interim = ""
}

// apply folds segments in arrival order and reports whether the transcript changed.
func (b *transcriptBuffer) apply(segments []Segment) bool {
	before := b.transcript()
	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if seg.IsFinal {
			b.finalized = joinSegments(b.finalized, text)
			b.interim = ""
			continue
		}
		b.interim = b.stripEcho(text)
	}
	return b.transcript() != before
}

// stripEcho removes the finalized prefix from an interim hypothesis that
// repeats it. Some platforms report cumulative interim text rather than the
// new segment alone. Final segments are never stripped: repeated speech is
// real speech.
func (b *transcriptBuffer) stripEcho(text string) string {
	if b.finalized == "" || !strings.HasPrefix(text, b.finalized) {
		return text
	}
	rest := text[len(b.finalized):]
	if rest == "" {
		return ""
	}
	if r, _ := utf8.DecodeRuneInString(rest); !unicode.IsSpace(r) {
		return text
	}
	return strings.TrimSpace(rest)
}

func (b *transcriptBuffer) finalizedText() string {
	return b.finalized
}

// interimText includes the separator that joins it to the finalized text, so
// that transcript() == finalizedText() + interimText() always holds.
func (b *transcriptBuffer) interimText() string {
	if b.interim == "" || b.finalized == "" {
		return b.interim
	}
	return " " + b.interim
}

func (b *transcriptBuffer) transcript() string {
	return b.finalized + b.interimText()
}

func joinSegments(base, next string) string {
	switch {
	case next == "":
		return base
	case base == "":
		return next
	}
	return base + " " + next
}
