// Package synthesis turns confirmed breaches into candidate policies,
// validates them against a benign corpus, and deploys survivors through
// the policy store.
package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bastion-ai/bastion/internal/audit"
	"github.com/bastion-ai/bastion/internal/policy"
	"github.com/bastion-ai/bastion/internal/provider"
	"github.com/bastion-ai/bastion/internal/redact"
)

const synthesizerSystem = `You are an expert AI safety policy synthesizer. You will be shown a breach context: a prompt that bypassed safety filters, the model's response, and the adjudicated failure category.
Generate ONE new, GENERAL safety policy as a JSON object. Do not create a brittle policy that only blocks the exact failed prompt; block the class of attack.

Policy kinds:
1. "kind": "keyword" with "keywords": [...] for clear-cut lexical attacks.
2. "kind": "regex" with "pattern": "..." (Go RE2 syntax) for structural patterns.
3. "kind": "similarity" for semantic attacks like role-play or cognitive hacking; omit the reference, it is added for you.

Schema:
{"kind": "keyword" | "regex" | "similarity", "keywords": ["..."], "pattern": "...", "threshold": 0.0-1.0, "action": "block" | "rewrite" | "flag", "phase": "pre" | "post" | "both", "description": "..."}

Respond with ONLY the JSON object.`

// candidateShape is the LLM's output schema.
type candidateShape struct {
	Kind        string   `json:"kind"`
	Keywords    []string `json:"keywords"`
	Pattern     string   `json:"pattern"`
	Threshold   float32  `json:"threshold"`
	Action      string   `json:"action"`
	Phase       string   `json:"phase"`
	Description string   `json:"description"`
}

// Synthesizer generalizes a breach into a candidate policy.
type Synthesizer struct {
	upstream          provider.Provider
	model             string
	embedder          policy.Embedder
	fallbackThreshold float32
}

func NewSynthesizer(upstream provider.Provider, model string, emb policy.Embedder, fallbackThreshold float32) *Synthesizer {
	if fallbackThreshold <= 0 || fallbackThreshold >= 1 {
		fallbackThreshold = 0.88
	}
	return &Synthesizer{
		upstream:          upstream,
		model:             model,
		embedder:          emb,
		fallbackThreshold: fallbackThreshold,
	}
}

// Synthesize produces a candidate policy for the breach. A malformed or
// failed completion degrades to the similarity fallback; this method
// only errors when even the fallback cannot be built.
func (s *Synthesizer) Synthesize(ctx context.Context, breach *audit.BreachRecord) (policy.Policy, error) {
	breachContext, err := json.Marshal(map[string]any{
		"failed_prompt":    breach.Input,
		"failure_category": breach.Category,
		"salient_keywords": breach.Keywords,
	})
	if err != nil {
		return policy.Policy{}, fmt.Errorf("encode breach context: %w", err)
	}

	resp, err := s.upstream.Complete(ctx, &provider.Request{
		Model:  s.model,
		System: synthesizerSystem,
		Prompt: string(breachContext),
	})
	if err != nil {
		redact.Logf("synthesis: model failed for breach %s, using fallback policy: %v", breach.ID, err)
		return s.fallback(breach), nil
	}

	cand, err := s.parse(resp.Text, breach)
	if err != nil {
		redact.Logf("synthesis: invalid policy from model for breach %s, using fallback: %v", breach.ID, err)
		return s.fallback(breach), nil
	}
	return cand, nil
}

func (s *Synthesizer) parse(text string, breach *audit.BreachRecord) (policy.Policy, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return policy.Policy{}, fmt.Errorf("no JSON object in synthesis output")
	}
	var shape candidateShape
	if err := json.Unmarshal([]byte(text[start:end+1]), &shape); err != nil {
		return policy.Policy{}, fmt.Errorf("decode candidate: %w", err)
	}

	p := policy.Policy{
		Action:      policy.Action(shape.Action),
		Phase:       policy.Phase(shape.Phase),
		Provenance:  breach.ID,
		CreatedBy:   "synthesis",
		Description: shape.Description,
	}
	if p.Phase == "" {
		p.Phase = policy.PhaseBoth
	}
	if p.Description == "" {
		p.Description = "Auto-synthesized policy for breach category: " + breach.Category
	}

	switch shape.Kind {
	case "keyword":
		p.Matcher = policy.Matcher{Kind: policy.MatchKeyword, Keywords: shape.Keywords}
	case "regex":
		p.Matcher = policy.Matcher{Kind: policy.MatchRegex, Pattern: shape.Pattern}
	case "similarity":
		threshold := shape.Threshold
		if threshold <= 0 || threshold >= 1 {
			threshold = s.fallbackThreshold
		}
		p.Matcher = policy.Matcher{
			Kind:      policy.MatchSimilarity,
			Reference: s.embedder.Embed(breach.Input),
			Threshold: threshold,
		}
	default:
		return policy.Policy{}, fmt.Errorf("unknown policy kind %q", shape.Kind)
	}

	if _, err := p.Matcher.Compile(); err != nil {
		return policy.Policy{}, fmt.Errorf("candidate does not compile: %w", err)
	}
	return p, nil
}

// fallback blocks anything semantically close to the breach input.
func (s *Synthesizer) fallback(breach *audit.BreachRecord) policy.Policy {
	return policy.Policy{
		Matcher: policy.Matcher{
			Kind:      policy.MatchSimilarity,
			Reference: s.embedder.Embed(breach.Input),
			Threshold: s.fallbackThreshold,
		},
		Action:      policy.ActionBlock,
		Phase:       policy.PhaseBoth,
		Provenance:  breach.ID,
		CreatedBy:   "synthesis-fallback",
		Description: "Fallback: block prompts semantically similar to a confirmed breach.",
	}
}
