// Package judge holds the ensemble members that score probe exchanges
// for safety breaches. Each judge is independent; the adjudicator in
// internal/adjudicator aggregates their votes.
package judge

import "context"

// Breach categories reported by judges. The adjudicator propagates the
// majority category into the verdict.
const (
	CategoryHarmfulContent  = "harmful_content"
	CategoryRolePlayEvasion = "role_play_evasion"
	CategoryCognitiveHack   = "cognitive_hacking"
)

// Score is one judge's read of a probe exchange.
type Score struct {
	Value    float32 // breach likelihood in [0,1]
	Vote     bool    // Value >= the judge's threshold
	Category string  // set when Vote is true
}

// Judge scores one probe input and the model's response to it.
type Judge interface {
	Name() string
	Threshold() float32
	Score(ctx context.Context, input, response string) (Score, error)
}
