package profile

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// maxSummaryChars caps the summary to stay under ~500 tokens (4 chars/token),
// so it can be injected into a coaching system prompt without crowding it.
const maxSummaryChars = 2000

// Summary renders a compact "what the system knows" block for prompt
// injection. Only confirmed, user-visible state is included — pending
// insights never leak into the summary.
func (p Profile) Summary() string {
	var parts []string

	if len(p.Values) > 0 {
		var vals []string
		for _, v := range p.Values {
			vals = append(vals, v.Content)
		}
		parts = append(parts, fmt.Sprintf("Values: %s.", strings.Join(vals, ", ")))
	}

	var active []string
	for _, g := range p.Goals {
		if g.Status == GoalActive {
			active = append(active, g.Content)
		}
	}
	if len(active) > 0 {
		parts = append(parts, fmt.Sprintf("Current goals: %s.", strings.Join(active, ", ")))
	}

	if s := summarizeSituation(p.Situation); s != "" {
		parts = append(parts, s)
	}

	for _, key := range DiscoveryKeys {
		if text, ok := p.Discovery[key]; ok && text != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", discoveryLabel(key), text))
		}
	}

	if style := p.Coaching.Style.Effective(); style != "" {
		parts = append(parts, fmt.Sprintf("Preferred coaching style: %s.", style))
	}

	if len(p.Coaching.InferredPatterns) > 0 {
		var themes []string
		for _, pat := range p.Coaching.InferredPatterns {
			themes = append(themes, pat.PatternText)
		}
		parts = append(parts, fmt.Sprintf("Recurring themes: %s.", strings.Join(themes, "; ")))
	}

	if len(p.Coaching.DomainUsage) > 0 {
		domains := make([]string, 0, len(p.Coaching.DomainUsage))
		for d := range p.Coaching.DomainUsage {
			domains = append(domains, d)
		}
		// Sorted for deterministic output.
		sort.Slice(domains, func(i, j int) bool {
			a, b := domains[i], domains[j]
			if p.Coaching.DomainUsage[a] != p.Coaching.DomainUsage[b] {
				return p.Coaching.DomainUsage[a] > p.Coaching.DomainUsage[b]
			}
			return a < b
		})
		var usage []string
		for _, d := range domains {
			usage = append(usage, fmt.Sprintf("%s (%.0f%%)", d, p.Coaching.DomainUsage[d]))
		}
		parts = append(parts, fmt.Sprintf("Focus areas: %s.", strings.Join(usage, ", ")))
	}

	if len(parts) == 0 {
		return "User profile: not yet established."
	}

	summary := strings.Join(parts, " ")
	if len(summary) > maxSummaryChars {
		end := maxSummaryChars
		for end > 0 && !utf8.RuneStart(summary[end]) {
			end--
		}
		if idx := strings.LastIndex(summary[:end], " "); idx > 0 {
			summary = summary[:idx]
		} else {
			summary = summary[:end]
		}
	}
	return summary
}

func summarizeSituation(s Situation) string {
	var bits []string
	if s.Occupation != nil {
		bits = append(bits, "works as "+*s.Occupation)
	}
	if s.LifeStage != nil {
		bits = append(bits, *s.LifeStage)
	}
	if s.Relationships != nil {
		bits = append(bits, *s.Relationships)
	}
	if s.Challenges != nil {
		bits = append(bits, "navigating "+*s.Challenges)
	}
	if s.FreeText != "" {
		bits = append(bits, s.FreeText)
	}
	if len(bits) == 0 {
		return ""
	}
	return fmt.Sprintf("Situation: %s.", strings.Join(bits, "; "))
}

func discoveryLabel(k DiscoveryKey) string {
	switch k {
	case DiscoveryInsight:
		return "Key insight"
	case DiscoveryVision:
		return "Vision"
	case DiscoveryCommunicationStyle:
		return "Communication style"
	case DiscoveryEmotionalBaseline:
		return "Emotional baseline"
	default:
		return string(k)
	}
}
