package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/mailpipe/coreengine/execution"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/logging"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/stages"
)

func newExecution(id string, startedAt time.Time) *execution.Execution {
	exec := execution.New(&execution.Email{ID: "email-" + id, Sender: "a@b.example", Subject: "s-" + id})
	exec.ID = id
	exec.StartedAt = startedAt
	return exec
}

func ctx() context.Context { return context.Background() }

// =============================================================================
// CORE TESTS
// =============================================================================

func TestLedger_AddAndGet(t *testing.T) {
	l := New(logging.NewNop())
	exec := newExecution("e1", time.Now())

	require.NoError(t, l.Add(ctx(), exec))
	assert.ErrorIs(t, l.Add(ctx(), exec), ErrExists)

	got, ok := l.Get("e1")
	require.True(t, ok)
	assert.Equal(t, execution.StatusPending, got.Status)

	_, ok = l.Get("missing")
	assert.False(t, ok)

	var verr *execution.ValidationError
	assert.True(t, errors.As(l.Add(ctx(), &execution.Execution{}), &verr))
}

func TestLedger_SnapshotsAreIsolated(t *testing.T) {
	l := New(logging.NewNop())
	exec := newExecution("e1", time.Now())
	require.NoError(t, l.Add(ctx(), exec))

	// Mutating the caller's copy or a snapshot never leaks into the ledger.
	exec.Status = execution.StatusFailed
	snap, _ := l.Get("e1")
	snap.Metadata.Subject = "changed"
	snap.StageOutputs[stages.Classification] = &execution.StageOutput{Stage: stages.Classification}

	again, _ := l.Get("e1")
	assert.Equal(t, execution.StatusPending, again.Status)
	assert.Equal(t, "s-e1", again.Metadata.Subject)
	assert.Empty(t, again.StageOutputs)
}

func TestLedger_UpdateTransitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []execution.Status
		wantErr bool
	}{
		{"happy path", []execution.Status{execution.StatusRunning, execution.StatusCompleted}, false},
		{"fail from pending", []execution.Status{execution.StatusFailed}, false},
		{"cancel while running", []execution.Status{execution.StatusRunning, execution.StatusCancelled}, false},
		{"completed is final", []execution.Status{execution.StatusRunning, execution.StatusCompleted, execution.StatusRunning}, true},
		{"failed is final", []execution.Status{execution.StatusFailed, execution.StatusCompleted}, true},
		{"no skipping running", []execution.Status{execution.StatusCompleted}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(logging.NewNop())
			require.NoError(t, l.Add(ctx(), newExecution("e1", time.Now())))

			var err error
			for _, s := range tt.path {
				if _, err = l.Transition(ctx(), "e1", s, ""); err != nil {
					break
				}
			}
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLedger_UpdateRejectsBackwardStatusWrites(t *testing.T) {
	l := New(logging.NewNop())
	require.NoError(t, l.Add(ctx(), newExecution("e1", time.Now())))
	_, err := l.Transition(ctx(), "e1", execution.StatusRunning, "")
	require.NoError(t, err)
	_, err = l.Transition(ctx(), "e1", execution.StatusCompleted, "")
	require.NoError(t, err)

	// A raw write that bypasses Transition is still rejected.
	_, err = l.Update(ctx(), "e1", func(exec *execution.Execution) error {
		exec.Status = execution.StatusPending
		return nil
	})
	assert.Error(t, err)

	got, _ := l.Get("e1")
	assert.Equal(t, execution.StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestLedger_UpdateErrorLeavesEntryUntouched(t *testing.T) {
	l := New(logging.NewNop())
	require.NoError(t, l.Add(ctx(), newExecution("e1", time.Now())))

	_, err := l.Update(ctx(), "e1", func(exec *execution.Execution) error {
		exec.Error = "partial"
		return errors.New("abort")
	})
	require.Error(t, err)

	got, _ := l.Get("e1")
	assert.Empty(t, got.Error)

	_, err = l.Update(ctx(), "missing", func(*execution.Execution) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLedger_StatusNeverRegressesUnderConcurrency(t *testing.T) {
	l := New(logging.NewNop())
	require.NoError(t, l.Add(ctx(), newExecution("e1", time.Now())))

	targets := []execution.Status{
		execution.StatusRunning, execution.StatusCompleted, execution.StatusFailed,
		execution.StatusCancelled, execution.StatusPending,
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	violations := make(chan string, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		last := -1
		for {
			select {
			case <-stop:
				return
			default:
			}
			got, _ := l.Get("e1")
			if got.Status.Rank() < last {
				select {
				case violations <- fmt.Sprintf("rank dropped to %s", got.Status):
				default:
				}
			}
			last = got.Status.Rank()
		}
	}()

	var writers sync.WaitGroup
	for i := 0; i < 20; i++ {
		writers.Add(1)
		go func(i int) {
			defer writers.Done()
			_, _ = l.Transition(ctx(), "e1", targets[i%len(targets)], "")
		}(i)
	}
	writers.Wait()
	close(stop)
	wg.Wait()

	select {
	case v := <-violations:
		t.Fatal(v)
	default:
	}
}

func TestLedger_List(t *testing.T) {
	l := New(logging.NewNop())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Add(ctx(), newExecution(fmt.Sprintf("e%d", i), base.Add(time.Duration(i)*time.Minute))))
	}
	_, err := l.Transition(ctx(), "e1", execution.StatusFailed, "boom")
	require.NoError(t, err)
	_, err = l.Transition(ctx(), "e3", execution.StatusFailed, "boom")
	require.NoError(t, err)

	failed := execution.StatusFailed
	tests := []struct {
		name   string
		limit  int
		status *execution.Status
		want   []string
	}{
		{"all most recent first", 0, nil, []string{"e4", "e3", "e2", "e1", "e0"}},
		{"limited", 2, nil, []string{"e4", "e3"}},
		{"by status", 0, &failed, []string{"e3", "e1"}},
		{"by status limited", 1, &failed, []string{"e3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := l.List(tt.limit, tt.status)
			ids := make([]string, len(got))
			for i, e := range got {
				ids[i] = e.ID
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	counts := l.Counts()
	assert.Equal(t, 3, counts[execution.StatusPending])
	assert.Equal(t, 2, counts[execution.StatusFailed])
	assert.Equal(t, 5, l.Len())
}

func TestLedger_PruneWithoutStoreKeepsMemory(t *testing.T) {
	l := New(logging.NewNop())
	l.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	require.NoError(t, l.Add(ctx(), newExecution("done", time.Now())))
	_, err := l.Transition(ctx(), "done", execution.StatusFailed, "x")
	require.NoError(t, err)

	assert.Equal(t, 0, l.Prune(ctx(), time.Hour))
	got, ok := l.Get("done")
	require.True(t, ok)
	assert.Equal(t, execution.StatusFailed, got.Status)
}

func TestLedger_Prune(t *testing.T) {
	store, _ := openStore(t)
	l := New(logging.NewNop(), WithStore(store))
	now := time.Now()
	l.now = func() time.Time { return now.Add(2 * time.Hour) }

	require.NoError(t, l.Add(ctx(), newExecution("old-done", now)))
	require.NoError(t, l.Add(ctx(), newExecution("running", now)))
	_, err := l.Transition(ctx(), "old-done", execution.StatusFailed, "x")
	require.NoError(t, err)
	_, err = l.Transition(ctx(), "running", execution.StatusRunning, "")
	require.NoError(t, err)

	assert.Equal(t, 0, l.Prune(ctx(), 3*time.Hour))
	assert.Equal(t, 1, l.Prune(ctx(), time.Hour))
	assert.Equal(t, 0, l.Prune(ctx(), time.Hour), "rows are deleted once")

	got, ok := l.Get("old-done")
	require.True(t, ok, "pruned executions stay in memory")
	assert.Equal(t, execution.StatusFailed, got.Status)
	_, ok = l.Get("running")
	assert.True(t, ok)

	persisted, err := store.LoadAll(ctx())
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, "running", persisted[0].ID, "non-terminal rows are never pruned")
}

// =============================================================================
// PERSISTENCE TESTS
// =============================================================================

func openStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestLedger_PersistsAndRestores(t *testing.T) {
	store, path := openStore(t)
	l := New(logging.NewNop(), WithStore(store))

	done := newExecution("done", time.Now())
	require.NoError(t, l.Add(ctx(), done))
	require.NoError(t, l.Add(ctx(), newExecution("inflight", time.Now())))

	_, err := l.Update(ctx(), "done", func(exec *execution.Execution) error {
		if err := exec.Transition(execution.StatusRunning, ""); err != nil {
			return err
		}
		out, err := execution.Normalize(stages.Synthesis, execution.RawOutput{
			Findings:   []byte(`{"synthesis":"pay invoice","risk_assessment":"HIGH"}`),
			Confidence: 0.93,
		})
		if err != nil {
			return err
		}
		if err := exec.SetOutput(out); err != nil {
			return err
		}
		return exec.Transition(execution.StatusCompleted, "")
	})
	require.NoError(t, err)
	_, err = l.Transition(ctx(), "inflight", execution.StatusRunning, "")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()

	restored := New(logging.NewNop(), WithStore(reopened))
	n, err := restored.Restore(ctx())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, ok := restored.Get("done")
	require.True(t, ok)
	assert.Equal(t, execution.StatusCompleted, got.Status)
	_, synth, ok := got.SynthesisOutput()
	require.True(t, ok)
	assert.Equal(t, execution.RiskHigh, synth.RiskAssessment)

	interrupted, ok := restored.Get("inflight")
	require.True(t, ok)
	assert.Equal(t, execution.StatusFailed, interrupted.Status)
	assert.Equal(t, "interrupted by restart", interrupted.Error)
	assert.NotNil(t, interrupted.CompletedAt)
}

func TestLedger_PruneDeletesPersisted(t *testing.T) {
	store, _ := openStore(t)
	l := New(logging.NewNop(), WithStore(store))
	l.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	require.NoError(t, l.Add(ctx(), newExecution("e1", time.Now())))
	_, err := l.Transition(ctx(), "e1", execution.StatusCancelled, "shutdown")
	require.NoError(t, err)

	assert.Equal(t, 1, l.Prune(ctx(), 24*time.Hour))

	all, err := store.LoadAll(ctx())
	require.NoError(t, err)
	assert.Empty(t, all)

	got, ok := l.Get("e1")
	require.True(t, ok)
	assert.Equal(t, execution.StatusCancelled, got.Status)
	assert.Len(t, l.List(0, nil), 1)

	restored := New(logging.NewNop(), WithStore(store))
	n, err := restored.Restore(ctx())
	require.NoError(t, err)
	assert.Zero(t, n, "pruned rows are not restored")
}

func TestRestore_WithoutStore(t *testing.T) {
	n, err := New(logging.NewNop()).Restore(ctx())
	assert.NoError(t, err)
	assert.Zero(t, n)
}

// =============================================================================
// RETENTION TESTS
// =============================================================================

func TestStartRetention(t *testing.T) {
	l := New(logging.NewNop())

	_, err := StartRetention(l, RetentionConfig{Schedule: "not a schedule", Retention: time.Hour}, logging.NewNop())
	assert.Error(t, err)

	stop, err := StartRetention(l, RetentionConfig{Schedule: "@every 1h", Retention: time.Hour}, logging.NewNop())
	require.NoError(t, err)
	stop()

	disabled, err := StartRetention(l, RetentionConfig{Schedule: "", Retention: 0}, logging.NewNop())
	require.NoError(t, err)
	disabled()
}

func TestRetentionCycle_KeepsTerminalExecutionsQueryable(t *testing.T) {
	store, _ := openStore(t)
	l := New(logging.NewNop(), WithStore(store))
	l.now = func() time.Time { return time.Now().Add(time.Hour) }
	require.NoError(t, l.Add(ctx(), newExecution("e1", time.Now())))
	_, err := l.Transition(ctx(), "e1", execution.StatusFailed, "x")
	require.NoError(t, err)

	l.runRetentionCycle(time.Minute, logging.NewNop())

	got, ok := l.Get("e1")
	require.True(t, ok)
	assert.Equal(t, execution.StatusFailed, got.Status)
	assert.Equal(t, "x", got.Error)
	assert.Equal(t, 1, l.Len())

	persisted, err := store.LoadAll(ctx())
	require.NoError(t, err)
	assert.Empty(t, persisted)
}
