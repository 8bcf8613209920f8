package llm

import (
	"strings"

	"github.com/coachpo/audiosum/internal/domain/summarization"
)

const commonRules = `Answer in the language of the transcript. Format the answer as Markdown.
Start with a single level-one heading that is a short title of the content.
Do not invent facts that are not present in the transcript.`

var systemPrompts = map[summarization.SummaryType]string{
	summarization.SummaryMeetingProtocol: `You write meeting protocols from speech transcripts.
Produce these sections: Participants, Agenda, Discussion, Decisions, Action items (owner and deadline when stated).
` + commonRules,
	summarization.SummaryLectureNotes: `You write lecture notes from speech transcripts.
Produce a structured outline: key topics as headings, definitions, formulas and examples as bullet points, and a short recap at the end.
` + commonRules,
}

// SummaryPrompt builds the chat prompt for a summary type over the joined transcript.
func SummaryPrompt(summaryType summarization.SummaryType, transcript string) []Message {
	system, ok := systemPrompts[summaryType]
	if !ok {
		system = "You summarise speech transcripts.\n" + commonRules
	}
	return []Message{
		{Role: RoleSystem, Content: system},
		{Role: RoleUser, Content: "Transcript:\n\n" + strings.TrimSpace(transcript)},
	}
}

// ExtractTitle returns the first Markdown heading of text, or fallback.
func ExtractTitle(text, fallback string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "#") {
			continue
		}
		title := strings.TrimSpace(strings.TrimLeft(line, "#"))
		title = strings.Trim(title, "*_` ")
		if title != "" {
			return title
		}
	}
	return fallback
}
