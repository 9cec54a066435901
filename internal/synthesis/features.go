package synthesis

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bastion-ai/bastion/internal/audit"
)

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true,
	"to": true, "of": true, "in": true, "on": true, "for": true,
	"is": true, "are": true, "was": true, "were": true, "be": true,
	"you": true, "your": true, "my": true, "me": true, "i": true,
	"that": true, "this": true, "it": true, "as": true, "with": true,
	"do": true, "how": true, "what": true, "please": true, "now": true,
	"have": true, "has": true, "she": true, "he": true, "used": true,
	"any": true, "all": true, "no": true, "not": true, "who": true,
	"which": true, "will": true, "would": true, "can": true, "could": true,
}

// ExtractBreach builds the breach record for a confirmed verdict,
// deriving the salient keywords the synthesizer generalizes from.
func ExtractBreach(attempt *audit.ProbeAttempt, verdict *audit.Verdict) *audit.BreachRecord {
	return &audit.BreachRecord{
		ID:        "br_" + uuid.NewString(),
		VerdictID: verdict.ID,
		AttemptID: attempt.ID,
		Category:  verdict.Category,
		Input:     attempt.Input,
		Keywords:  salientKeywords(attempt.Input, 8),
		CreatedAt: time.Now().UTC(),
	}
}

// salientKeywords returns the most frequent non-stopword tokens of at
// least four characters, longest first on ties.
func salientKeywords(text string, limit int) []string {
	counts := map[string]int{}
	for _, raw := range strings.Fields(strings.ToLower(text)) {
		tok := strings.Trim(raw, ".,!?;:'\"()[]")
		if len(tok) < 4 || stopwords[tok] {
			continue
		}
		counts[tok]++
	}

	tokens := make([]string, 0, len(counts))
	for tok := range counts {
		tokens = append(tokens, tok)
	}
	sort.Slice(tokens, func(i, j int) bool {
		if counts[tokens[i]] != counts[tokens[j]] {
			return counts[tokens[i]] > counts[tokens[j]]
		}
		if len(tokens[i]) != len(tokens[j]) {
			return len(tokens[i]) > len(tokens[j])
		}
		return tokens[i] < tokens[j]
	})

	if len(tokens) > limit {
		tokens = tokens[:limit]
	}
	return tokens
}
