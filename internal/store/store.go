// Package store owns the policy lineage: the append-only chain of
// published PolicySet snapshots and the candidate registry feeding it.
// It is the only writer of policy state; everything else reads immutable
// snapshots by version.
package store

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bastion-ai/bastion/internal/policy"
	"github.com/bastion-ai/bastion/internal/redact"
)

var (
	// ErrValidation marks a malformed or duplicate candidate.
	ErrValidation = errors.New("candidate validation failed")
	// ErrConflict marks a concurrent mutation of the same lineage;
	// callers should re-propose against the fresh snapshot.
	ErrConflict = errors.New("concurrent store mutation")
	// ErrNotFound marks a missing policy or candidate id.
	ErrNotFound = errors.New("not found")
)

// Handle identifies a registered candidate and the lineage state it was
// proposed against.
type Handle struct {
	ID string
	// lineageVersion is the active version of the candidate's lineage
	// at propose time; activation fails with ErrConflict if it moved.
	lineageVersion int
}

// Persister durably records published snapshots. Implementations must
// be append-only.
type Persister interface {
	SaveSnapshot(set *policy.Set) error
}

// Store is the versioned policy repository. Publication is linearized
// by a single writer mutex; readers load the current snapshot through
// an atomic pointer and never block.
type Store struct {
	mu             sync.Mutex
	current        atomic.Pointer[policy.Set]
	history        []*policy.Set
	pending        map[string]*policy.Policy // candidate id -> candidate
	lineages       map[string]int            // lineage -> active version (0 = none)
	embedder       policy.Embedder
	persist        Persister
	initial        []policy.Policy
	initialVersion uint64
}

// Option configures a Store.
type Option func(*Store)

// WithPersister adds durable snapshot persistence.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persist = p }
}

// WithRestoredSnapshot seeds the store from a persisted snapshot so
// versions keep advancing across restarts instead of restarting at 1.
func WithRestoredSnapshot(policies []policy.Policy, version uint64) Option {
	return func(s *Store) {
		s.initial = policies
		s.initialVersion = version
	}
}

// New creates a Store with an empty published snapshot at version 1.
func New(emb policy.Embedder, opts ...Option) (*Store, error) {
	s := &Store{
		pending:  make(map[string]*policy.Policy),
		lineages: make(map[string]int),
		embedder: emb,
	}
	for _, opt := range opts {
		opt(s)
	}
	version := s.initialVersion
	restored := version > 0
	if version == 0 {
		version = 1
	}
	first, err := policy.NewSet(version, s.initial, emb)
	if err != nil {
		return nil, err
	}
	for _, p := range s.initial {
		if p.Version > s.lineages[p.Lineage] {
			s.lineages[p.Lineage] = p.Version
		}
	}
	s.history = append(s.history, first)
	s.current.Store(first)
	// a restored snapshot is already persisted under this version
	if s.persist != nil && !restored {
		if err := s.persist.SaveSnapshot(first); err != nil {
			return nil, fmt.Errorf("persist initial snapshot: %w", err)
		}
	}
	return s, nil
}

// Current returns the latest published snapshot. It never blocks and is
// safe to call from any goroutine.
func (s *Store) Current() *policy.Set {
	return s.current.Load()
}

// Propose registers a candidate without affecting the active snapshot.
func (s *Store) Propose(p policy.Policy) (Handle, error) {
	if _, err := p.Matcher.Compile(); err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	switch p.Action {
	case policy.ActionBlock, policy.ActionRewrite, policy.ActionFlag:
	default:
		return Handle{}, fmt.Errorf("%w: candidate action %q is not enforceable", ErrValidation, p.Action)
	}
	if p.Action == policy.ActionRewrite && p.Matcher.RewriteTemplate == "" {
		return Handle{}, fmt.Errorf("%w: rewrite candidate without a template", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Provenance != "" {
		for _, active := range s.Current().Policies {
			if active.Provenance == p.Provenance {
				return Handle{}, fmt.Errorf("%w: breach %s already mitigated by %s", ErrValidation, p.Provenance, active.ID)
			}
		}
		for _, cand := range s.pending {
			if cand.Provenance == p.Provenance {
				return Handle{}, fmt.Errorf("%w: breach %s already has pending candidate %s", ErrValidation, p.Provenance, cand.ID)
			}
		}
	}

	if p.ID == "" {
		p.ID = "pol_" + uuid.NewString()
	}
	if p.Lineage == "" {
		p.Lineage = p.ID
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.Status = policy.StatusCandidate
	p.Version = s.lineages[p.Lineage] + 1

	s.pending[p.ID] = &p
	return Handle{ID: p.ID, lineageVersion: s.lineages[p.Lineage]}, nil
}

// Activate atomically publishes a new snapshot containing the candidate
// as active. The previous snapshot stays valid for in-flight readers.
func (s *Store) Activate(h Handle) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cand, ok := s.pending[h.ID]
	if !ok {
		return 0, fmt.Errorf("%w: candidate %s was retired or never proposed", ErrConflict, h.ID)
	}
	if s.lineages[cand.Lineage] != h.lineageVersion {
		// another candidate won the lineage since this one was proposed
		delete(s.pending, h.ID)
		return 0, fmt.Errorf("%w: lineage %s advanced past version %d", ErrConflict, cand.Lineage, h.lineageVersion)
	}

	delete(s.pending, h.ID)

	prev := s.Current()
	next := make([]policy.Policy, 0, len(prev.Policies)+1)
	for _, p := range prev.Policies {
		if p.Lineage == cand.Lineage {
			continue // superseded by the new version of this lineage
		}
		next = append(next, p)
	}
	activated := *cand
	activated.Status = policy.StatusActive
	next = append(next, activated)

	set, err := s.publishLocked(next)
	if err != nil {
		return 0, err
	}
	s.lineages[cand.Lineage] = activated.Version
	redact.Logf("store: activated policy %s (lineage %s v%d) in snapshot %d", activated.ID, activated.Lineage, activated.Version, set.Version)
	return set.Version, nil
}

// DiscardCandidate removes a pending candidate (failed validation).
func (s *Store) DiscardCandidate(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, h.ID)
}

// Retire marks the policy inactive in the next snapshot. Past snapshots
// are untouched.
func (s *Store) Retire(policyID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.Current()
	next := make([]policy.Policy, 0, len(prev.Policies))
	found := false
	for _, p := range prev.Policies {
		if p.ID == policyID {
			found = true
			continue
		}
		next = append(next, p)
	}
	if !found {
		return 0, fmt.Errorf("%w: active policy %s", ErrNotFound, policyID)
	}

	set, err := s.publishLocked(next)
	if err != nil {
		return 0, err
	}
	redact.Logf("store: retired policy %s in snapshot %d", policyID, set.Version)
	return set.Version, nil
}

// Get looks up a policy by id in the current snapshot.
func (s *Store) Get(policyID string) (policy.Policy, error) {
	for _, p := range s.Current().Policies {
		if p.ID == policyID {
			return p, nil
		}
	}
	return policy.Policy{}, fmt.Errorf("%w: policy %s", ErrNotFound, policyID)
}

// History returns the published snapshots, oldest first.
func (s *Store) History() []*policy.Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*policy.Set, len(s.history))
	copy(out, s.history)
	return out
}

// publishLocked builds, persists, and atomically installs the next
// snapshot. Callers must hold s.mu.
func (s *Store) publishLocked(policies []policy.Policy) (*policy.Set, error) {
	prev := s.Current()
	set, err := policy.NewSet(prev.Version+1, policies, s.embedder)
	if err != nil {
		return nil, fmt.Errorf("compile snapshot: %w", err)
	}
	if s.persist != nil {
		if err := s.persist.SaveSnapshot(set); err != nil {
			return nil, fmt.Errorf("persist snapshot %d: %w", set.Version, err)
		}
	}
	s.history = append(s.history, set)
	s.current.Store(set)
	return set, nil
}
