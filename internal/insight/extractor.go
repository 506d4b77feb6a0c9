// Package insight extracts candidate facts about the user from
// conversation turns. Extraction is purely suggestive: nothing here ever
// writes to the profile — candidates become durable only through the
// confirmation workflow.
package insight

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/attune-app/attuned/internal/ollama"
	"github.com/attune-app/attuned/internal/profile"
	"github.com/attune-app/attuned/internal/semantic"
	"github.com/attune-app/attuned/internal/storage"
)

const extractionTimeout = 15 * time.Second

// Insight categories. "pattern" candidates merge into inferred patterns on
// confirmation; the rest map to their profile collection.
const (
	CategoryValue     = "value"
	CategoryGoal      = "goal"
	CategorySituation = "situation"
	CategoryPattern   = "pattern"
)

// Insight is a candidate fact awaiting confirmation.
type Insight struct {
	ID             string
	ConversationID string
	Content        string
	Category       string
	Confidence     float64
	CreatedAt      time.Time
}

// Chatter is the LLM interface for structured extraction.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error)
}

// TextEmbedder is the optional embedding interface used when token overlap
// alone cannot decide a dedup question. Near misses are embedded in one
// batch per candidate.
type TextEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Extractor analyzes a bounded window of new turns and proposes
// confidence-scored insights, deduplicated against the profile and the
// user's dismissal history.
type Extractor struct {
	client   Chatter
	model    string
	floor    float64
	embedder TextEmbedder // optional; nil disables the cosine fallback
	newID    func() string
	clock    func() time.Time
}

// NewExtractor creates an Extractor. floor is the minimum confidence a
// candidate needs to surface; values outside (0,1] fall back to 0.6.
func NewExtractor(client Chatter, model string, floor float64, embedder TextEmbedder) *Extractor {
	if floor <= 0 || floor > 1 {
		floor = 0.6
	}
	return &Extractor{
		client:   client,
		model:    model,
		floor:    floor,
		embedder: embedder,
		newID:    uuid.NewString,
		clock:    time.Now,
	}
}

// rawInsight mirrors the model's structured output.
type rawInsight struct {
	Content    string  `json:"content"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

type extractionResult struct {
	Insights []rawInsight `json:"insights"`
}

// Extract proposes zero or more insights from the turn window. On any
// failure (timeout, malformed JSON, model error) it returns nil — the
// conversation must never block on extraction, and the cadence will retry.
func (e *Extractor) Extract(ctx context.Context, prof profile.Profile, conversationID string, turns []storage.Turn) []Insight {
	if len(turns) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, extractionTimeout)
	defer cancel()

	messages := BuildPrompt(turns, prof.Summary())

	raw, err := e.client.Chat(ctx, e.model, messages, extractionSchema())
	if err != nil {
		slog.Warn("insight extraction chat failed", "error", err)
		return nil
	}

	var result extractionResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		slog.Warn("failed to unmarshal insights from LLM response", "error", err, "response", raw)
		return nil
	}

	now := e.clock().UTC()
	var out []Insight
	for _, r := range result.Insights {
		if r.Content == "" || !validCategory(r.Category) {
			continue
		}
		if r.Confidence < e.floor {
			continue
		}
		if e.knownToProfile(ctx, prof, r.Content) {
			continue
		}
		if suppressed(prof.Coaching.Dismissed, r.Content) {
			continue
		}
		out = append(out, Insight{
			ID:             e.newID(),
			ConversationID: conversationID,
			Content:        r.Content,
			Category:       r.Category,
			Confidence:     clamp01(r.Confidence),
			CreatedAt:      now,
		})
	}
	return out
}

// knownToProfile reports whether the candidate content is already captured
// by the profile's values, goals, situation, or discovery fields. The
// overlap coefficient decides first, so a candidate that merely restates a
// shorter existing entry still matches; near-miss scores consult the
// embedder when one is configured.
func (e *Extractor) knownToProfile(ctx context.Context, prof profile.Profile, content string) bool {
	var existing []string
	for _, v := range prof.Values {
		existing = append(existing, v.Content)
	}
	for _, g := range prof.Goals {
		existing = append(existing, g.Content)
	}
	if prof.Situation.FreeText != "" {
		existing = append(existing, prof.Situation.FreeText)
	}
	if prof.Situation.Challenges != nil {
		existing = append(existing, *prof.Situation.Challenges)
	}
	for _, text := range prof.Discovery {
		existing = append(existing, text)
	}

	var nearMisses []string
	for _, known := range existing {
		score := semantic.OverlapCoefficient(known, content)
		if score >= semantic.DefaultTokenThreshold {
			return true
		}
		if e.embedder != nil && score >= semantic.DefaultTokenThreshold/2 {
			nearMisses = append(nearMisses, known)
		}
	}
	if len(nearMisses) == 0 {
		return false
	}

	// Near misses get a second opinion from embeddings: one batch call for
	// the candidate plus every contender.
	vecs, err := e.embedder.EmbedBatch(ctx, append([]string{content}, nearMisses...))
	if err != nil {
		slog.Debug("dedup embedding failed, falling back to token match", "error", err)
		return false
	}
	for _, v := range vecs[1:] {
		if semantic.Cosine(vecs[0], v) >= semantic.DefaultCosineThreshold {
			return true
		}
	}
	return false
}

// suppressed reports whether equivalent content was previously dismissed.
func suppressed(d profile.DismissedInsights, content string) bool {
	norm := semantic.Normalize(content)
	for _, dismissed := range d.Contents {
		if dismissed == norm {
			return true
		}
		if semantic.TokenOverlap(dismissed, norm) >= semantic.DefaultTokenThreshold {
			return true
		}
	}
	return false
}

func validCategory(c string) bool {
	switch c {
	case CategoryValue, CategoryGoal, CategorySituation, CategoryPattern:
		return true
	}
	return false
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// extractionSchema returns the JSON schema for structured extraction output.
func extractionSchema() *ollama.Schema {
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"insights": {
				Type:        "array",
				Description: "Candidate facts about the user, empty if none",
				Items: &ollama.SchemaProperty{
					Type: "object",
				},
			},
		},
		Required: []string{"insights"},
	}
}
