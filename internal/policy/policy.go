// Package policy defines the enforcement rules bastion applies at the
// gateway and the immutable snapshots they are published in.
package policy

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Action is a primitive enforcement action.
type Action string

const (
	ActionAllow   Action = "allow"
	ActionBlock   Action = "block"
	ActionRewrite Action = "rewrite"
	ActionFlag    Action = "flag"
)

// priority orders actions when several policies trigger at once:
// block > rewrite > flag > allow.
func (a Action) priority() int {
	switch a {
	case ActionBlock:
		return 3
	case ActionRewrite:
		return 2
	case ActionFlag:
		return 1
	default:
		return 0
	}
}

// Stronger reports whether a outranks b.
func (a Action) Stronger(b Action) bool { return a.priority() > b.priority() }

// Phase says where a policy applies relative to the model call.
type Phase string

const (
	PhasePre  Phase = "pre"
	PhasePost Phase = "post"
	PhaseBoth Phase = "both"
)

func (p Phase) covers(other Phase) bool {
	return p == PhaseBoth || p == other
}

// Status is the lifecycle state of a policy.
type Status string

const (
	StatusCandidate Status = "candidate"
	StatusActive    Status = "active"
	StatusRetired   Status = "retired"
)

// MatcherKind selects the matching backend.
type MatcherKind string

const (
	MatchKeyword    MatcherKind = "keyword"
	MatchRegex      MatcherKind = "regex"
	MatchSimilarity MatcherKind = "similarity"
)

// Matcher describes what a policy triggers on.
type Matcher struct {
	Kind MatcherKind `json:"kind" yaml:"kind"`
	// Pattern is a regex for MatchRegex and ignored otherwise.
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	// Keywords are case-insensitive terms, all of which must appear,
	// for MatchKeyword.
	Keywords []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	// Reference and Threshold drive MatchSimilarity: cosine similarity
	// of the input's embedding against Reference must reach Threshold.
	Reference []float32 `json:"reference,omitempty" yaml:"reference,omitempty"`
	Threshold float32   `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	// RewriteTemplate replaces regex matches when the action is rewrite.
	RewriteTemplate string `json:"rewrite_template,omitempty" yaml:"rewrite_template,omitempty"`
}

// Policy is one enforcement rule.
type Policy struct {
	ID      string  `json:"id"`
	Lineage string  `json:"lineage"` // stable across re-synthesized versions of the same rule
	Version int     `json:"version"` // monotonic within a lineage
	Matcher Matcher `json:"matcher"`
	Action  Action  `json:"action"`
	Phase   Phase   `json:"phase"`
	Status  Status  `json:"status"`
	// Provenance is the breach record that caused this policy, empty for
	// operator-authored rules.
	Provenance  string    `json:"provenance,omitempty"`
	CreatedBy   string    `json:"created_by"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// compiled is the runtime form of a matcher.
type compiled struct {
	kind      MatcherKind
	re        *regexp.Regexp
	keywords  []string // lowercased
	reference []float32
	threshold float32
	template  string
}

// Compile validates the matcher and prepares it for evaluation.
func (m Matcher) Compile() (*compiled, error) {
	switch m.Kind {
	case MatchRegex:
		if strings.TrimSpace(m.Pattern) == "" {
			return nil, fmt.Errorf("regex matcher has empty pattern")
		}
		re, err := regexp.Compile(m.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile pattern: %w", err)
		}
		return &compiled{kind: m.Kind, re: re, template: m.RewriteTemplate}, nil
	case MatchKeyword:
		if len(m.Keywords) == 0 {
			return nil, fmt.Errorf("keyword matcher has no keywords")
		}
		kws := make([]string, 0, len(m.Keywords))
		for _, k := range m.Keywords {
			k = strings.ToLower(strings.TrimSpace(k))
			if k == "" {
				return nil, fmt.Errorf("keyword matcher has an empty keyword")
			}
			kws = append(kws, k)
		}
		return &compiled{kind: m.Kind, keywords: kws}, nil
	case MatchSimilarity:
		if len(m.Reference) == 0 {
			return nil, fmt.Errorf("similarity matcher has no reference vector")
		}
		if m.Threshold <= 0 || m.Threshold >= 1 {
			return nil, fmt.Errorf("similarity threshold must be in (0,1), got %v", m.Threshold)
		}
		return &compiled{kind: m.Kind, reference: m.Reference, threshold: m.Threshold}, nil
	default:
		return nil, fmt.Errorf("unknown matcher kind %q", m.Kind)
	}
}

// matches reports whether text triggers this matcher.
func (c *compiled) matches(text string, emb Embedder) bool {
	switch c.kind {
	case MatchRegex:
		return c.re.MatchString(text)
	case MatchKeyword:
		lower := strings.ToLower(text)
		for _, k := range c.keywords {
			if !strings.Contains(lower, k) {
				return false
			}
		}
		return true
	case MatchSimilarity:
		if emb == nil {
			return false
		}
		return Cosine(emb.Embed(text), c.reference) >= c.threshold
	}
	return false
}

// rewrite applies the rewrite template for regex matchers; other kinds
// return the text unchanged.
func (c *compiled) rewrite(text string) string {
	if c.kind != MatchRegex || c.template == "" {
		return text
	}
	return c.re.ReplaceAllString(text, c.template)
}
