package store

import (
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bastion-ai/bastion/internal/policy"
)

func blockCandidate(lineage, provenance string, keywords ...string) policy.Policy {
	return policy.Policy{
		Lineage:    lineage,
		Matcher:    policy.Matcher{Kind: policy.MatchKeyword, Keywords: keywords},
		Action:     policy.ActionBlock,
		Phase:      policy.PhaseBoth,
		Provenance: provenance,
		CreatedBy:  "test",
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(policy.LexicalEmbedder{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestActivatePublishesNewSnapshot(t *testing.T) {
	s := newTestStore(t)
	before := s.Current()
	if before.Version != 1 || len(before.Policies) != 0 {
		t.Fatalf("initial snapshot = v%d with %d policies, want empty v1", before.Version, len(before.Policies))
	}

	h, err := s.Propose(blockCandidate("", "br_1", "bomb"))
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if s.Current().Version != 1 {
		t.Fatal("Propose must not publish a snapshot")
	}

	v, err := s.Activate(h)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if v != 2 {
		t.Fatalf("activated snapshot version = %d, want 2", v)
	}
	after := s.Current()
	if len(after.Policies) != 1 || after.Policies[0].Status != policy.StatusActive {
		t.Fatalf("snapshot policies = %+v, want one active policy", after.Policies)
	}
	// the pinned pre-activation snapshot is untouched
	if len(before.Policies) != 0 {
		t.Fatal("old snapshot mutated by activation")
	}
}

func TestProposeRejectsInvalidCandidates(t *testing.T) {
	s := newTestStore(t)

	cases := []struct {
		name string
		p    policy.Policy
	}{
		{"bad regex", policy.Policy{
			Matcher: policy.Matcher{Kind: policy.MatchRegex, Pattern: "(unclosed"},
			Action:  policy.ActionBlock, Phase: policy.PhasePre,
		}},
		{"empty keywords", policy.Policy{
			Matcher: policy.Matcher{Kind: policy.MatchKeyword},
			Action:  policy.ActionBlock, Phase: policy.PhasePre,
		}},
		{"allow action", policy.Policy{
			Matcher: policy.Matcher{Kind: policy.MatchKeyword, Keywords: []string{"x"}},
			Action:  policy.ActionAllow, Phase: policy.PhasePre,
		}},
		{"rewrite without template", policy.Policy{
			Matcher: policy.Matcher{Kind: policy.MatchKeyword, Keywords: []string{"x"}},
			Action:  policy.ActionRewrite, Phase: policy.PhasePre,
		}},
	}
	for _, tc := range cases {
		if _, err := s.Propose(tc.p); !errors.Is(err, ErrValidation) {
			t.Errorf("%s: Propose err = %v, want ErrValidation", tc.name, err)
		}
	}
}

func TestProposeRejectsDuplicateProvenance(t *testing.T) {
	s := newTestStore(t)
	h, err := s.Propose(blockCandidate("", "br_dup", "acid"))
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if _, err := s.Activate(h); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if _, err := s.Propose(blockCandidate("", "br_dup", "acid again")); !errors.Is(err, ErrValidation) {
		t.Fatalf("duplicate provenance Propose err = %v, want ErrValidation", err)
	}
}

func TestProposeRejectsPendingDuplicateProvenance(t *testing.T) {
	s := newTestStore(t)
	h, err := s.Propose(blockCandidate("", "br_pend", "caustic"))
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	// still a candidate, not yet activated
	if _, err := s.Propose(blockCandidate("", "br_pend", "caustic again")); !errors.Is(err, ErrValidation) {
		t.Fatalf("pending duplicate Propose err = %v, want ErrValidation", err)
	}

	// discarding the candidate frees the breach for a fresh proposal
	s.DiscardCandidate(h)
	if _, err := s.Propose(blockCandidate("", "br_pend", "caustic")); err != nil {
		t.Fatalf("Propose after discard: %v", err)
	}
}

func TestConcurrentActivateSameLineage(t *testing.T) {
	s := newTestStore(t)
	h1, err := s.Propose(blockCandidate("lin_a", "br_a1", "first"))
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	h2, err := s.Propose(blockCandidate("lin_a", "br_a2", "second"))
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, h := range []Handle{h1, h2} {
		wg.Add(1)
		go func(i int, h Handle) {
			defer wg.Done()
			_, errs[i] = s.Activate(h)
		}(i, h)
	}
	wg.Wait()

	var ok, conflict int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrConflict):
			conflict++
		default:
			t.Fatalf("unexpected Activate error: %v", err)
		}
	}
	if ok != 1 || conflict != 1 {
		t.Fatalf("ok=%d conflict=%d, want exactly one winner and one ErrConflict", ok, conflict)
	}
	if got := len(s.Current().Policies); got != 1 {
		t.Fatalf("snapshot has %d lineage members, want 1", got)
	}
}

func TestActivateReplacesLineagePredecessor(t *testing.T) {
	s := newTestStore(t)
	h1, _ := s.Propose(blockCandidate("lin_b", "br_b1", "v1 word"))
	if _, err := s.Activate(h1); err != nil {
		t.Fatalf("Activate v1: %v", err)
	}
	h2, _ := s.Propose(blockCandidate("lin_b", "br_b2", "v2 word"))
	if _, err := s.Activate(h2); err != nil {
		t.Fatalf("Activate v2: %v", err)
	}

	cur := s.Current()
	if len(cur.Policies) != 1 {
		t.Fatalf("lineage has %d active members, want 1", len(cur.Policies))
	}
	if cur.Policies[0].Version != 2 {
		t.Fatalf("active lineage version = %d, want 2", cur.Policies[0].Version)
	}
}

func TestRetire(t *testing.T) {
	s := newTestStore(t)
	h, _ := s.Propose(blockCandidate("", "br_r", "retire me"))
	if _, err := s.Activate(h); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	pinned := s.Current()

	if _, err := s.Retire(h.ID); err != nil {
		t.Fatalf("Retire: %v", err)
	}
	if len(s.Current().Policies) != 0 {
		t.Fatal("retired policy still present in current snapshot")
	}
	if len(pinned.Policies) != 1 {
		t.Fatal("retire mutated a pinned snapshot")
	}
	if _, err := s.Retire("pol_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Retire missing err = %v, want ErrNotFound", err)
	}
}

func TestHistoryVersionsAreMonotonic(t *testing.T) {
	s := newTestStore(t)
	for i, kw := range []string{"one", "two", "three"} {
		h, err := s.Propose(blockCandidate("", "", kw))
		if err != nil {
			t.Fatalf("Propose %d: %v", i, err)
		}
		if _, err := s.Activate(h); err != nil {
			t.Fatalf("Activate %d: %v", i, err)
		}
	}
	hist := s.History()
	if len(hist) != 4 {
		t.Fatalf("history length = %d, want 4", len(hist))
	}
	for i, set := range hist {
		if set.Version != uint64(i+1) {
			t.Fatalf("history[%d].Version = %d, want %d", i, set.Version, i+1)
		}
	}
}

func TestPersistedSnapshotsSurviveRestart(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "policies.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	defer db.Close()

	p, err := NewSQLitePersister(db)
	if err != nil {
		t.Fatalf("NewSQLitePersister: %v", err)
	}

	s1, err := New(policy.LexicalEmbedder{}, WithPersister(p))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h, _ := s1.Propose(blockCandidate("", "br_persist", "durable"))
	if _, err := s1.Activate(h); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	policies, version, err := p.LoadLatest()
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if version != 2 || len(policies) != 1 {
		t.Fatalf("loaded version=%d policies=%d, want v2 with 1 policy", version, len(policies))
	}

	s2, err := New(policy.LexicalEmbedder{}, WithPersister(p), WithRestoredSnapshot(policies, version))
	if err != nil {
		t.Fatalf("New restored: %v", err)
	}
	if s2.Current().Version != 2 || len(s2.Current().Policies) != 1 {
		t.Fatalf("restored snapshot = v%d with %d policies", s2.Current().Version, len(s2.Current().Policies))
	}

	h2, _ := s2.Propose(blockCandidate("", "br_persist_2", "more durable"))
	v, err := s2.Activate(h2)
	if err != nil {
		t.Fatalf("Activate after restore: %v", err)
	}
	if v != 3 {
		t.Fatalf("post-restore version = %d, want 3", v)
	}
}

func TestDiscardCandidate(t *testing.T) {
	s := newTestStore(t)
	h, _ := s.Propose(blockCandidate("", "", "doomed"))
	s.DiscardCandidate(h)
	if _, err := s.Activate(h); !errors.Is(err, ErrConflict) {
		t.Fatalf("Activate after discard err = %v, want ErrConflict", err)
	}
}
