package profile

import (
	"encoding/json"
	"fmt"
)

// FieldKind discriminates FieldRef variants. The set is closed: every
// mutable profile location is one of these four.
type FieldKind string

const (
	FieldValue     FieldKind = "value"
	FieldGoal      FieldKind = "goal"
	FieldSituation FieldKind = "situation"
	FieldDiscovery FieldKind = "discovery"
)

// FieldRef is a tagged reference to a single editable profile location.
// Value and goal refs carry the entry id; discovery refs carry the key.
type FieldRef struct {
	Kind FieldKind
	ID   string       // set for FieldValue and FieldGoal
	Key  DiscoveryKey // set for FieldDiscovery
}

// ValueRef references the value entry with the given id.
func ValueRef(id string) FieldRef { return FieldRef{Kind: FieldValue, ID: id} }

// GoalRef references the goal entry with the given id.
func GoalRef(id string) FieldRef { return FieldRef{Kind: FieldGoal, ID: id} }

// SituationRef references the free-text situation field.
func SituationRef() FieldRef { return FieldRef{Kind: FieldSituation} }

// DiscoveryRef references the discovery field with the given key.
func DiscoveryRef(key DiscoveryKey) FieldRef {
	return FieldRef{Kind: FieldDiscovery, Key: key}
}

// Validate checks the ref's shape against its kind.
func (r FieldRef) Validate() error {
	switch r.Kind {
	case FieldValue, FieldGoal:
		if r.ID == "" {
			return fmt.Errorf("%s ref requires an id", r.Kind)
		}
	case FieldSituation:
	case FieldDiscovery:
		if !ValidDiscoveryKey(r.Key) {
			return fmt.Errorf("unknown discovery key %q", r.Key)
		}
	default:
		return fmt.Errorf("unknown field kind %q", r.Kind)
	}
	return nil
}

type fieldRefJSON struct {
	Kind FieldKind `json:"kind"`
	ID   string    `json:"id,omitempty"`
	Key  string    `json:"key,omitempty"`
}

func (r FieldRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(fieldRefJSON{Kind: r.Kind, ID: r.ID, Key: string(r.Key)})
}

func (r *FieldRef) UnmarshalJSON(data []byte) error {
	var in fieldRefJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	r.Kind = in.Kind
	r.ID = in.ID
	r.Key = DiscoveryKey(in.Key)
	return r.Validate()
}

// SetText writes text into the location r points at. Missing value/goal
// entries are an error; situation and discovery writes always succeed.
func (p *Profile) SetText(r FieldRef, text string) error {
	if err := r.Validate(); err != nil {
		return err
	}
	switch r.Kind {
	case FieldValue:
		v := p.FindValue(r.ID)
		if v == nil {
			return fmt.Errorf("no value with id %q", r.ID)
		}
		v.Content = text
	case FieldGoal:
		g := p.FindGoal(r.ID)
		if g == nil {
			return fmt.Errorf("no goal with id %q", r.ID)
		}
		g.Content = text
	case FieldSituation:
		p.Situation.FreeText = text
	case FieldDiscovery:
		if p.Discovery == nil {
			p.Discovery = make(map[DiscoveryKey]string)
		}
		p.Discovery[r.Key] = text
	}
	return nil
}
