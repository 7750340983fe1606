package tutor

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// FallbackInstruction is used when the requested partner is not in the
// catalog.
const FallbackInstruction = "You are a friendly AI language tutor."

// FallbackReply replaces an empty model answer.
const FallbackReply = "I'm sorry, I didn't understand that."

const feedbackSeparator = "---"

var personaTemplate = template.Must(template.New("persona").Parse(`
You are an AI language tutor helping a student practice their {{.Language}} skills. The student's level is {{.Difficulty}}. Your task is to have a natural, engaging conversation. After EACH of the student's messages, you MUST provide feedback, separated by "---".

**Persona: {{.Partner.Name}}**
- **Your Name:** {{.Partner.PersonaName}}
- **Tone:** {{.Tone}}
- **Interaction Style:** {{.Style}}
- **Feedback:** {{.Partner.FeedbackIntro}}
  - **Title:** "**{{.Partner.FeedbackTitle}}:**"
  - **Content:** {{.Guidance}}

**Required Response Format:**
<your conversational reply as {{.Partner.PersonaName}} {{.Partner.Role}}>
---
**{{.Partner.FeedbackTitle}}:**
{{range .Partner.FeedbackExamples}}* [{{.}}]
{{end}}`))

type personaData struct {
	Language   string
	Difficulty string
	Partner    *Partner
	Tone       string
	Style      string
	Guidance   string
}

// SystemInstruction builds the system prompt for a persona. A nil partner
// yields FallbackInstruction.
func SystemInstruction(language Language, difficulty string, partner *Partner) (string, error) {
	if partner == nil {
		return FallbackInstruction, nil
	}

	data := personaData{Language: language.Name, Difficulty: difficulty, Partner: partner}
	fields := []struct {
		src string
		dst *string
	}{
		{partner.Tone, &data.Tone},
		{partner.Style, &data.Style},
		{partner.FeedbackGuidance, &data.Guidance},
	}
	for _, f := range fields {
		s, err := render(partner.Name, f.src, data)
		if err != nil {
			return "", err
		}
		*f.dst = s
	}

	var buf bytes.Buffer
	if err := personaTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render persona %q: %w", partner.Name, err)
	}
	return buf.String(), nil
}

func render(name, src string, data personaData) (string, error) {
	if !strings.Contains(src, "{{") {
		return strings.TrimSpace(src), nil
	}
	tmpl, err := template.New(name).Parse(src)
	if err != nil {
		return "", fmt.Errorf("parse persona %q: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render persona %q: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// OpeningPrompt asks the tutor to open a conversation about topic.
func OpeningPrompt(topic string) string {
	return fmt.Sprintf("You are starting the conversation. The chosen topic is %q. "+
		"Introduce yourself by your persona's name and ask a friendly, open-ended question "+
		"to begin the conversation about this topic.", topic)
}

// SplitReply separates the conversational reply from the feedback that
// follows the first "---".
func SplitReply(text string) (reply, feedback string) {
	before, after, _ := strings.Cut(text, feedbackSeparator)
	reply = strings.TrimSpace(before)
	if reply == "" {
		reply = FallbackReply
	}
	return reply, strings.TrimSpace(after)
}
