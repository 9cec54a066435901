package policy

import (
	"fmt"
	"time"
)

// Set is an immutable snapshot of the active policies at one version.
// Readers pin a Set for the duration of a request; a published Set is
// never mutated.
type Set struct {
	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Policies  []Policy  `json:"policies"`

	compiled []*compiled
	embedder Embedder
}

// NewSet compiles the given policies into a snapshot. The caller hands
// over ownership of the slice; it must not be modified afterwards.
func NewSet(version uint64, policies []Policy, emb Embedder) (*Set, error) {
	compiled := make([]*compiled, len(policies))
	for i, p := range policies {
		c, err := p.Matcher.Compile()
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", p.ID, err)
		}
		compiled[i] = c
	}
	return &Set{
		Version:   version,
		CreatedAt: time.Now().UTC(),
		Policies:  policies,
		compiled:  compiled,
		embedder:  emb,
	}, nil
}

// Hit records one triggered policy.
type Hit struct {
	PolicyID string `json:"policy_id"`
	Lineage  string `json:"lineage"`
	Action   Action `json:"action"`
}

// Decision is the outcome of evaluating one text against a snapshot.
type Decision struct {
	Action    Action // highest-priority action among hits, ActionAllow if none
	Policy    *Policy
	Hits      []Hit
	Rewritten string // text after rewrite policies, equal to input when none fired
}

// Evaluate checks text against every policy covering the phase and
// returns the highest-priority outcome. Rewrites are applied in policy
// order; a block short-circuits nothing — all hits are still recorded
// for the audit trail.
func (s *Set) Evaluate(text string, phase Phase) Decision {
	dec := Decision{Action: ActionAllow, Rewritten: text}
	if s == nil {
		return dec
	}

	for i := range s.Policies {
		p := &s.Policies[i]
		if !p.Phase.covers(phase) {
			continue
		}
		c := s.compiled[i]
		if !c.matches(text, s.embedder) {
			continue
		}

		dec.Hits = append(dec.Hits, Hit{PolicyID: p.ID, Lineage: p.Lineage, Action: p.Action})
		if p.Action == ActionRewrite {
			dec.Rewritten = c.rewrite(dec.Rewritten)
		}
		if p.Action.Stronger(dec.Action) {
			dec.Action = p.Action
			dec.Policy = p
		}
	}
	return dec
}

// Contains reports whether the snapshot holds an active policy with the
// given id.
func (s *Set) Contains(id string) bool {
	if s == nil {
		return false
	}
	for i := range s.Policies {
		if s.Policies[i].ID == id {
			return true
		}
	}
	return false
}
