// Package history stores short summaries of processed emails so the
// synthesis stage can see how similar mail was handled before.
//
// Matching is keyword based; similarity search is out of scope.
package history

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Record is one historical summary returned by Search.
type Record struct {
	ID       string    `json:"id"`
	Summary  string    `json:"summary"`
	Date     time.Time `json:"date"`
	Category string    `json:"category,omitempty"`
}

// Store is the history contract used by the orchestrator.
type Store interface {
	// Search returns up to limit records newer than now-window whose summary
	// or category matches any term of query, most recent first.
	Search(ctx context.Context, query string, limit int, window time.Duration) ([]Record, error)
	// Store saves a summary under id, replacing any previous one.
	Store(ctx context.Context, id, summary string, metadata map[string]string) error
}

// =============================================================================
// IN-MEMORY STORE
// =============================================================================

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	records map[string]Record
	now     func() time.Time
	mu      sync.RWMutex
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		now:     time.Now,
	}
}

// Search implements Store.
func (s *MemoryStore) Search(ctx context.Context, query string, limit int, window time.Duration) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := Terms(query)
	cutoff := s.now().Add(-window)

	s.mu.RLock()
	matches := make([]Record, 0)
	for _, r := range s.records {
		if window > 0 && r.Date.Before(cutoff) {
			continue
		}
		if matchesAny(r, terms) {
			matches = append(matches, r)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].Date.After(matches[j].Date) })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Store implements Store.
func (s *MemoryStore) Store(ctx context.Context, id, summary string, metadata map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = Record{
		ID:       id,
		Summary:  summary,
		Date:     s.now().UTC(),
		Category: metadata["category"],
	}
	return nil
}

// Terms splits a query into lowercase search terms, dropping short noise words.
func Terms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '@' || r == '.' || r == '#')
	})
	terms := make([]string, 0, len(fields))
	seen := make(map[string]bool)
	for _, f := range fields {
		f = strings.Trim(f, ".")
		if len(f) < 3 || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}

func matchesAny(r Record, terms []string) bool {
	if len(terms) == 0 {
		return true
	}
	haystack := strings.ToLower(r.Summary + " " + r.Category)
	for _, t := range terms {
		if strings.Contains(haystack, t) {
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)
