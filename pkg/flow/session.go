package flow

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Session is a processor's view of its queues for one invocation. Transfer,
// Remove and Penalize are staged and only become visible to other sessions
// on Commit.
type Session interface {
	// Get returns the next record that is ready for processing, or nil when
	// the input queue holds none.
	Get(ctx context.Context) (*Record, error)
	Transfer(rec *Record, rel Relationship)
	Penalize(rec *Record) *Record
	Remove(rec *Record)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	// AvailableRelationships filters rels down to those whose downstream
	// queue can still accept records.
	AvailableRelationships(ctx context.Context, rels []Relationship) ([]Relationship, error)
}

// MemorySession is an in-process Session. It backs tests and single node
// runs where the queues do not need to outlive the process.
type MemorySession struct {
	mu           sync.Mutex
	penalty      time.Duration
	now          func() time.Time
	pending      []*Record
	inFlight     map[string]*Record
	staged       []Outcome
	removed      map[string]bool
	outputs      map[Relationship][]*Record
	backpressure map[Relationship]int
	commits      int
	rollbacks    int
}

func NewMemorySession(penalty time.Duration) *MemorySession {
	return &MemorySession{
		penalty:      penalty,
		now:          time.Now,
		inFlight:     make(map[string]*Record),
		removed:      make(map[string]bool),
		outputs:      make(map[Relationship][]*Record),
		backpressure: make(map[Relationship]int),
	}
}

func (s *MemorySession) Enqueue(recs ...*Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, recs...)
}

// SetBackpressure makes rel unavailable once it holds threshold records.
func (s *MemorySession) SetBackpressure(rel Relationship, threshold int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backpressure[rel] = threshold
}

func (s *MemorySession) Get(ctx context.Context) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for i, rec := range s.pending {
		if rec.IsPenalized(now) {
			continue
		}
		s.pending = append(s.pending[:i:i], s.pending[i+1:]...)
		s.inFlight[rec.ID] = rec
		return rec, nil
	}
	return nil, nil
}

func (s *MemorySession) Transfer(rec *Record, rel Relationship) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged = append(s.staged, Outcome{Record: rec, Relationship: rel})
}

func (s *MemorySession) Penalize(rec *Record) *Record {
	rec.PenalizedUntil = s.now().Add(s.penalty)
	return rec
}

func (s *MemorySession) Remove(rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed[rec.ID] = true
}

func (s *MemorySession) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	accounted := make(map[string]bool, len(s.staged)+len(s.removed))
	for _, out := range s.staged {
		accounted[out.Record.ID] = true
	}
	for id := range s.removed {
		accounted[id] = true
	}
	for id := range s.inFlight {
		if !accounted[id] {
			return fmt.Errorf("record %s was neither transferred nor removed", id)
		}
	}

	for _, out := range s.staged {
		s.outputs[out.Relationship] = append(s.outputs[out.Relationship], out.Record)
	}
	s.staged = nil
	s.removed = make(map[string]bool)
	s.inFlight = make(map[string]*Record)
	s.commits++
	return nil
}

func (s *MemorySession) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	restored := make([]*Record, 0, len(s.inFlight)+len(s.pending))
	for _, rec := range s.inFlight {
		restored = append(restored, rec)
	}
	s.pending = append(restored, s.pending...)
	s.staged = nil
	s.removed = make(map[string]bool)
	s.inFlight = make(map[string]*Record)
	s.rollbacks++
	return nil
}

func (s *MemorySession) AvailableRelationships(ctx context.Context, rels []Relationship) ([]Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	available := make([]Relationship, 0, len(rels))
	for _, rel := range rels {
		threshold := s.backpressure[rel]
		if threshold > 0 && len(s.outputs[rel]) >= threshold {
			continue
		}
		available = append(available, rel)
	}
	return available, nil
}

// Outputs returns the committed records routed to rel.
func (s *MemorySession) Outputs(rel Relationship) []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Record(nil), s.outputs[rel]...)
}

// Pending returns the number of records still waiting in the input queue.
func (s *MemorySession) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *MemorySession) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

func (s *MemorySession) Rollbacks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbacks
}
