package patterns

import (
	"context"
	"log/slog"
	"unicode/utf8"

	"github.com/attune-app/attuned/internal/storage"
)

// Style inference reads engagement depth, not content: how long the user's
// replies run and how often they follow up on what the assistant said. The
// mapping is deterministic so the same history always infers the same
// style, and confidence is capped well below what an explicit override
// carries.

const (
	// Inferred confidence ceiling. Behavioral inference is weaker evidence
	// than anything the user states outright.
	maxStyleConfidence = 0.7

	minStyleSessions = 3

	longReplyRunes   = 160
	highFollowUpRate = 1.2
)

// Coaching styles the engine can infer.
const (
	StyleReflective  = "reflective"
	StyleDirect      = "direct"
	StyleExploratory = "exploratory"
	StyleGentle      = "gentle"
)

type engagement struct {
	userTurns      int
	assistantTurns int
	userRunes      int
}

func (g engagement) avgReplyLen() float64 {
	if g.userTurns == 0 {
		return 0
	}
	return float64(g.userRunes) / float64(g.userTurns)
}

func (g engagement) followUpRate() float64 {
	if g.assistantTurns == 0 {
		return 0
	}
	return float64(g.userTurns) / float64(g.assistantTurns)
}

// inferStyle aggregates engagement across the given sessions and maps it
// to a style. Returns "" when there isn't enough history to say anything.
func (e *Engine) inferStyle(ctx context.Context, sessions []storage.Session) (string, float64) {
	if len(sessions) < minStyleSessions {
		return "", 0
	}

	var g engagement
	counted := 0
	for _, sess := range sessions {
		turns, err := e.history.SessionTurns(ctx, sess.ID)
		if err != nil {
			slog.Debug("loading turns for style inference failed", "session_id", sess.ID, "error", err)
			continue
		}
		if len(turns) == 0 {
			continue
		}
		counted++
		for _, t := range turns {
			switch t.Role {
			case storage.RoleUser:
				g.userTurns++
				g.userRunes += utf8.RuneCountInString(t.Content)
			case storage.RoleAssistant:
				g.assistantTurns++
			}
		}
	}
	if counted < minStyleSessions || g.userTurns == 0 {
		return "", 0
	}

	long := g.avgReplyLen() >= longReplyRunes
	engaged := g.followUpRate() >= highFollowUpRate

	var style string
	switch {
	case long && engaged:
		style = StyleReflective
	case !long && engaged:
		style = StyleDirect
	case long && !engaged:
		style = StyleExploratory
	default:
		style = StyleGentle
	}

	// More sessions, more confidence, up to the ceiling.
	confidence := 0.4 + 0.05*float64(counted)
	if confidence > maxStyleConfidence {
		confidence = maxStyleConfidence
	}
	return style, confidence
}
