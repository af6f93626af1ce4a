// Package ledger is the registry of executions and their state.
//
// Each execution is guarded by its own lock. Readers always receive
// snapshots; writers go through Update, which applies a mutation to a copy
// and commits it only if the status transition is valid. An optional Store
// persists every committed snapshot. Executions stay in memory for the
// lifetime of the process; retention only trims the Store.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/mailpipe/coreengine/execution"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/logging"
)

var (
	// ErrNotFound is returned for unknown execution ids.
	ErrNotFound = errors.New("execution not found")
	// ErrExists is returned when adding an id that is already tracked.
	ErrExists = errors.New("execution already exists")
)

// interruptedMessage is recorded on executions found unfinished on restore.
const interruptedMessage = "interrupted by restart"

// Store persists execution snapshots.
type Store interface {
	Save(ctx context.Context, exec *execution.Execution) error
	LoadAll(ctx context.Context) ([]*execution.Execution, error)
	Delete(ctx context.Context, ids []string) error
}

type entry struct {
	mu   sync.Mutex
	exec *execution.Execution
	// pruned is set once the persisted row has been deleted.
	pruned bool
}

// Ledger tracks every execution accepted by this process.
type Ledger struct {
	entries map[string]*entry
	mu      sync.RWMutex

	store  Store
	logger logging.Logger
	now    func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithStore persists committed snapshots to s.
func WithStore(s Store) Option {
	return func(l *Ledger) { l.store = s }
}

// New creates an empty Ledger.
func New(logger logging.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		entries: make(map[string]*entry),
		logger:  logger.Bind("component", "ledger"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// =============================================================================
// WRITES
// =============================================================================

// Add registers a new execution. The ledger keeps its own copy.
func (l *Ledger) Add(ctx context.Context, exec *execution.Execution) error {
	if exec == nil || exec.ID == "" {
		return execution.NewValidationError("execution_id", "execution id is required")
	}

	l.mu.Lock()
	if _, exists := l.entries[exec.ID]; exists {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExists, exec.ID)
	}
	snapshot := exec.Clone()
	l.entries[exec.ID] = &entry{exec: snapshot}
	l.mu.Unlock()

	l.persist(ctx, snapshot)
	return nil
}

// Update applies fn to a copy of the execution and commits the copy when fn
// succeeds and any status change is a valid forward transition. It returns
// the committed snapshot.
func (l *Ledger) Update(ctx context.Context, id string, fn func(*execution.Execution) error) (*execution.Execution, error) {
	e, ok := l.entry(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.mu.Lock()
	working := e.exec.Clone()
	before := working.Status
	if err := fn(working); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if working.Status != before && !execution.IsValidTransition(before, working.Status) {
		e.mu.Unlock()
		return nil, fmt.Errorf("execution %s: invalid transition %s -> %s", id, before, working.Status)
	}
	e.exec = working
	snapshot := working.Clone()
	e.mu.Unlock()

	l.persist(ctx, snapshot)
	return snapshot.Clone(), nil
}

// Transition is Update for a bare status change.
func (l *Ledger) Transition(ctx context.Context, id string, to execution.Status, errMsg string) (*execution.Execution, error) {
	return l.Update(ctx, id, func(exec *execution.Execution) error {
		return exec.Transition(to, errMsg)
	})
}

func (l *Ledger) persist(ctx context.Context, exec *execution.Execution) {
	if l.store == nil {
		return
	}
	if err := l.store.Save(ctx, exec); err != nil {
		l.logger.Warn("ledger_persist_failed", "execution_id", exec.ID, "error", err.Error())
	}
}

// =============================================================================
// READS
// =============================================================================

// Get returns a snapshot of the execution.
func (l *Ledger) Get(id string) (*execution.Execution, bool) {
	e, ok := l.entry(id)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exec.Clone(), true
}

// List returns snapshots most recent first, optionally filtered by status.
// limit <= 0 means no limit.
func (l *Ledger) List(limit int, status *execution.Status) []*execution.Execution {
	all := l.snapshots()

	out := make([]*execution.Execution, 0, len(all))
	for _, exec := range all {
		if status != nil && exec.Status != *status {
			continue
		}
		out = append(out, exec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Counts returns the number of executions per status.
func (l *Ledger) Counts() map[execution.Status]int {
	counts := make(map[execution.Status]int)
	for _, exec := range l.snapshots() {
		counts[exec.Status]++
	}
	return counts
}

// Len returns the number of tracked executions.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *Ledger) entry(id string) (*entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[id]
	return e, ok
}

func (l *Ledger) snapshots() []*execution.Execution {
	l.mu.RLock()
	entries := make([]*entry, 0, len(l.entries))
	for _, e := range l.entries {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	out := make([]*execution.Execution, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.exec.Clone())
		e.mu.Unlock()
	}
	return out
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Restore loads persisted executions. Executions that were still pending or
// running when the previous process stopped are marked failed.
func (l *Ledger) Restore(ctx context.Context) (int, error) {
	if l.store == nil {
		return 0, nil
	}
	execs, err := l.store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore ledger: %w", err)
	}

	interrupted := 0
	for _, exec := range execs {
		if !exec.Status.IsTerminal() {
			if err := exec.Transition(execution.StatusFailed, interruptedMessage); err != nil {
				l.logger.Warn("ledger_restore_transition_failed", "execution_id", exec.ID, "error", err.Error())
				continue
			}
			interrupted++
			l.persist(ctx, exec)
		}
		l.mu.Lock()
		l.entries[exec.ID] = &entry{exec: exec}
		l.mu.Unlock()
	}

	l.logger.Info("ledger_restored", "executions", len(execs), "interrupted", interrupted)
	return len(execs), nil
}

// Prune deletes the persisted rows of terminal executions that completed
// more than retention ago and returns how many were deleted. In-memory
// executions are left untouched and remain readable through Get and List;
// a pruned execution is simply not restored after a restart.
func (l *Ledger) Prune(ctx context.Context, retention time.Duration) int {
	if l.store == nil {
		return 0
	}
	cutoff := l.now().Add(-retention)

	l.mu.RLock()
	var (
		ids     []string
		expired []*entry
	)
	for id, e := range l.entries {
		e.mu.Lock()
		if !e.pruned && e.exec.Status.IsTerminal() && e.exec.CompletedAt != nil && e.exec.CompletedAt.Before(cutoff) {
			ids = append(ids, id)
			expired = append(expired, e)
		}
		e.mu.Unlock()
	}
	l.mu.RUnlock()

	if len(ids) == 0 {
		return 0
	}
	if err := l.store.Delete(ctx, ids); err != nil {
		l.logger.Warn("ledger_prune_delete_failed", "count", len(ids), "error", err.Error())
		return 0
	}
	for _, e := range expired {
		e.mu.Lock()
		e.pruned = true
		e.mu.Unlock()
	}
	return len(ids)
}
