package audit

import (
	"context"
	"sync"
)

// MemorySink retains a bounded window of recent records for the
// oversight API and for probe novelty checks. Oldest records are
// evicted first; the durable sinks keep the full history.
type MemorySink struct {
	mu       sync.RWMutex
	retain   int
	attempts []*ProbeAttempt
	verdicts []*Verdict
	breaches []*BreachRecord
	events   []*PolicyEvent
}

func NewMemorySink(retain int) *MemorySink {
	if retain <= 0 {
		retain = 1000
	}
	return &MemorySink{retain: retain}
}

func (s *MemorySink) Name() string { return "memory" }

func (s *MemorySink) Deliver(_ context.Context, rec *Record) error {
	if rec == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch rec.Kind {
	case KindProbeAttempt:
		s.attempts = appendBounded(s.attempts, rec.Attempt, s.retain)
	case KindVerdict:
		s.verdicts = appendBounded(s.verdicts, rec.Verdict, s.retain)
	case KindBreach:
		s.breaches = appendBounded(s.breaches, rec.Breach, s.retain)
	case KindPolicyEvent:
		s.events = appendBounded(s.events, rec.Policy, s.retain)
	}
	return nil
}

func (s *MemorySink) Close(context.Context) error { return nil }

// Attempts returns recent probe attempts, newest last.
func (s *MemorySink) Attempts() []*ProbeAttempt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.attempts)
}

// Verdicts returns recent verdicts, newest last.
func (s *MemorySink) Verdicts() []*Verdict {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.verdicts)
}

// Breaches returns recent breach records, newest last.
func (s *MemorySink) Breaches() []*BreachRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.breaches)
}

// PolicyEvents returns recent policy lifecycle events, newest last.
func (s *MemorySink) PolicyEvents() []*PolicyEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.events)
}

// RecentBreachInputs returns up to n recent breach inputs, used by probe
// generators to avoid rediscovering mitigated attacks.
func (s *MemorySink) RecentBreachInputs(n int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.breaches) {
		n = len(s.breaches)
	}
	out := make([]string, 0, n)
	for _, b := range s.breaches[len(s.breaches)-n:] {
		out = append(out, b.Input)
	}
	return out
}

// RecentAttemptInputs returns up to n recent probe inputs, oldest
// first, for the generator's novelty window.
func (s *MemorySink) RecentAttemptInputs(n int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.attempts) {
		n = len(s.attempts)
	}
	out := make([]string, 0, n)
	for _, a := range s.attempts[len(s.attempts)-n:] {
		out = append(out, a.Input)
	}
	return out
}

func appendBounded[T any](list []*T, item *T, retain int) []*T {
	if item == nil {
		return list
	}
	list = append(list, item)
	if len(list) > retain {
		list = list[len(list)-retain:]
	}
	return list
}

func clone[T any](list []*T) []*T {
	out := make([]*T, len(list))
	copy(out, list)
	return out
}
