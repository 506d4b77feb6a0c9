package profile

import (
	"encoding/json"
	"time"
)

// Source marks where a profile entry came from.
type Source string

const (
	SourceUser      Source = "user"
	SourceExtracted Source = "extracted"
)

// GoalStatus is the lifecycle state of a goal.
type GoalStatus string

const (
	GoalActive   GoalStatus = "active"
	GoalAchieved GoalStatus = "achieved"
	GoalArchived GoalStatus = "archived"
)

// Value is one entry in the user's values list.
type Value struct {
	ID         string  `json:"id"`
	Content    string  `json:"content"`
	Source     Source  `json:"source"`
	Confidence float64 `json:"confidence,omitempty"` // set only for extracted entries
}

// Goal is one entry in the user's goals list.
type Goal struct {
	ID      string     `json:"id"`
	Content string     `json:"content"`
	Status  GoalStatus `json:"status"`
}

// Situation captures the user's life context. Structured fields are
// independently nullable; absence means "not shared yet".
type Situation struct {
	FreeText      string  `json:"free_text,omitempty"`
	Occupation    *string `json:"occupation,omitempty"`
	LifeStage     *string `json:"life_stage,omitempty"`
	Relationships *string `json:"relationships,omitempty"`
	Challenges    *string `json:"challenges,omitempty"`
}

// DiscoveryKey names one of the fixed long-text discovery fields.
type DiscoveryKey string

const (
	DiscoveryInsight           DiscoveryKey = "insight"
	DiscoveryVision            DiscoveryKey = "vision"
	DiscoveryCommunicationStyle DiscoveryKey = "communication_style"
	DiscoveryEmotionalBaseline DiscoveryKey = "emotional_baseline"
)

// DiscoveryKeys lists every valid discovery field, in display order.
var DiscoveryKeys = []DiscoveryKey{
	DiscoveryInsight,
	DiscoveryVision,
	DiscoveryCommunicationStyle,
	DiscoveryEmotionalBaseline,
}

// ValidDiscoveryKey reports whether k names a known discovery field.
func ValidDiscoveryKey(k DiscoveryKey) bool {
	for _, known := range DiscoveryKeys {
		if k == known {
			return true
		}
	}
	return false
}

// InferredPattern is a theme observed recurring across sessions.
// CrossDomain patterns span at least two coaching domains and were held
// to a stricter confidence bar before surfacing.
type InferredPattern struct {
	ID          string   `json:"id"`
	PatternText string   `json:"pattern_text"`
	Category    string   `json:"category"`
	SourceCount int      `json:"source_count"`
	Confidence  float64  `json:"confidence"`
	Domains     []string `json:"domains,omitempty"`
	CrossDomain bool     `json:"cross_domain,omitempty"`
}

// StyleInfo holds the inferred coaching style and the user's manual
// override. The override, once set, is authoritative until explicitly
// cleared; clearing reverts to whatever is currently inferred.
type StyleInfo struct {
	InferredStyle      string
	InferredConfidence float64
	Override           *string
}

// Effective returns the coaching style the rest of the system must honor:
// the manual override when present, the inferred style otherwise.
func (s StyleInfo) Effective() string {
	if s.Override != nil {
		return *s.Override
	}
	return s.InferredStyle
}

// styleInfoJSON is the wire shape of StyleInfo. The flat manual_override
// string duplicates override.style: the v1 mobile client reads the former
// and the server consumer the latter, so both are written on every encode.
type styleInfoJSON struct {
	InferredStyle      string         `json:"inferred_style,omitempty"`
	InferredConfidence float64        `json:"inferred_confidence,omitempty"`
	Override           *styleOverride `json:"override,omitempty"`
	ManualOverride     string         `json:"manual_override,omitempty"`
}

type styleOverride struct {
	Style string `json:"style"`
}

func (s StyleInfo) MarshalJSON() ([]byte, error) {
	out := styleInfoJSON{
		InferredStyle:      s.InferredStyle,
		InferredConfidence: s.InferredConfidence,
	}
	if s.Override != nil {
		out.Override = &styleOverride{Style: *s.Override}
		out.ManualOverride = *s.Override
	}
	return json.Marshal(out)
}

func (s *StyleInfo) UnmarshalJSON(data []byte) error {
	var in styleInfoJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	s.InferredStyle = in.InferredStyle
	s.InferredConfidence = in.InferredConfidence
	s.Override = nil
	switch {
	case in.Override != nil:
		v := in.Override.Style
		s.Override = &v
	case in.ManualOverride != "":
		// Documents written by the legacy client carry only the flat field.
		v := in.ManualOverride
		s.Override = &v
	}
	return nil
}

// DismissedInsights is the suppression record for insights the user has
// rejected. Contents holds the normalized text of each dismissed insight so
// re-extraction of equivalent content can be suppressed even under new ids.
type DismissedInsights struct {
	InsightIDs      []string   `json:"insight_ids,omitempty"`
	Contents        []string   `json:"contents,omitempty"`
	LastDismissedAt *time.Time `json:"last_dismissed_at,omitempty"`
}

// Contains reports whether the given insight id was previously dismissed.
func (d DismissedInsights) Contains(id string) bool {
	for _, existing := range d.InsightIDs {
		if existing == id {
			return true
		}
	}
	return false
}

// CoachingPreferences is the derived sub-record maintained by the pattern
// and style engine, plus the user's suppression history.
type CoachingPreferences struct {
	InferredPatterns []InferredPattern  `json:"inferred_patterns,omitempty"`
	Style            StyleInfo          `json:"style"`
	DomainUsage      map[string]float64 `json:"domain_usage,omitempty"` // domain -> share of sessions, sums to ~100
	ProgressNotes    []string           `json:"progress_notes,omitempty"`
	Dismissed        DismissedInsights  `json:"dismissed_insights"`
}

// Profile is the durable aggregate for one user. Version increases
// monotonically on every committed save and backs the optimistic
// concurrency check in Store.Save.
type Profile struct {
	UserID    string                  `json:"user_id"`
	Values    []Value                 `json:"values,omitempty"`
	Goals     []Goal                  `json:"goals,omitempty"`
	Situation Situation               `json:"situation"`
	Discovery map[DiscoveryKey]string `json:"discovery,omitempty"`
	Coaching  CoachingPreferences     `json:"coaching"`
	Version   int64                   `json:"version"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// New returns an empty profile for a first-time user.
func New(userID string) Profile {
	return Profile{UserID: userID}
}

// Clone returns a deep copy. Mutating the copy never affects the original;
// the facade relies on this for snapshot/rollback.
func (p Profile) Clone() Profile {
	cp := p

	if p.Values != nil {
		cp.Values = make([]Value, len(p.Values))
		copy(cp.Values, p.Values)
	}
	if p.Goals != nil {
		cp.Goals = make([]Goal, len(p.Goals))
		copy(cp.Goals, p.Goals)
	}
	cp.Situation = cloneSituation(p.Situation)
	if p.Discovery != nil {
		cp.Discovery = make(map[DiscoveryKey]string, len(p.Discovery))
		for k, v := range p.Discovery {
			cp.Discovery[k] = v
		}
	}
	cp.Coaching = cloneCoaching(p.Coaching)
	return cp
}

func cloneSituation(s Situation) Situation {
	cp := s
	cp.Occupation = cloneStringPtr(s.Occupation)
	cp.LifeStage = cloneStringPtr(s.LifeStage)
	cp.Relationships = cloneStringPtr(s.Relationships)
	cp.Challenges = cloneStringPtr(s.Challenges)
	return cp
}

func cloneCoaching(c CoachingPreferences) CoachingPreferences {
	cp := c
	if c.InferredPatterns != nil {
		cp.InferredPatterns = make([]InferredPattern, len(c.InferredPatterns))
		copy(cp.InferredPatterns, c.InferredPatterns)
		for i, p := range c.InferredPatterns {
			if p.Domains != nil {
				cp.InferredPatterns[i].Domains = append([]string(nil), p.Domains...)
			}
		}
	}
	cp.Style.Override = cloneStringPtr(c.Style.Override)
	if c.DomainUsage != nil {
		cp.DomainUsage = make(map[string]float64, len(c.DomainUsage))
		for k, v := range c.DomainUsage {
			cp.DomainUsage[k] = v
		}
	}
	if c.ProgressNotes != nil {
		cp.ProgressNotes = append([]string(nil), c.ProgressNotes...)
	}
	if c.Dismissed.InsightIDs != nil {
		cp.Dismissed.InsightIDs = append([]string(nil), c.Dismissed.InsightIDs...)
	}
	if c.Dismissed.Contents != nil {
		cp.Dismissed.Contents = append([]string(nil), c.Dismissed.Contents...)
	}
	if c.Dismissed.LastDismissedAt != nil {
		t := *c.Dismissed.LastDismissedAt
		cp.Dismissed.LastDismissedAt = &t
	}
	return cp
}

func cloneStringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// FindValue returns a pointer into p.Values for the given id, or nil.
func (p *Profile) FindValue(id string) *Value {
	for i := range p.Values {
		if p.Values[i].ID == id {
			return &p.Values[i]
		}
	}
	return nil
}

// FindGoal returns a pointer into p.Goals for the given id, or nil.
func (p *Profile) FindGoal(id string) *Goal {
	for i := range p.Goals {
		if p.Goals[i].ID == id {
			return &p.Goals[i]
		}
	}
	return nil
}
