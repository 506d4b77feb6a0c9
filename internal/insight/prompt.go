package insight

import (
	"fmt"
	"strings"

	"github.com/attune-app/attuned/internal/ollama"
	"github.com/attune-app/attuned/internal/storage"
)

const systemPromptTemplate = `You are an insight extraction engine for a personal coaching assistant. Analyze the conversation excerpt and identify durable facts about the user. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Categories:
- "value": a principle the user holds (e.g. honesty, independence)
- "goal": a concrete outcome the user wants to achieve
- "situation": a stable life circumstance (job, family, challenge)
- "pattern": a recurring behavior or reaction the user describes

Rules:
- Only extract facts the user stated or clearly implied about themselves.
- Skip anything already covered by the known profile below.
- One short sentence per insight, phrased in third person neutral form.
- Assign confidence between 0 and 1 reflecting how explicitly the user stated it.
- Return an empty insights array when the excerpt contains nothing durable.`

// BuildPrompt constructs the chat messages for insight extraction from a
// turn window and the current profile summary.
func BuildPrompt(turns []storage.Turn, profileSummary string) []ollama.Message {
	var sb strings.Builder
	sb.WriteString(systemPromptTemplate)

	if profileSummary != "" {
		fmt.Fprintf(&sb, "\n\n[Known profile]\n%s", profileSummary)
	}

	var excerpt strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&excerpt, "[%s] %s\n", t.Role, t.Content)
	}

	return []ollama.Message{
		{Role: "system", Content: sb.String()},
		{Role: "user", Content: excerpt.String()},
	}
}
