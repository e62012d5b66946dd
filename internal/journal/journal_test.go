package journal

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/hive/internal/task"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()

	j, err := Open(context.Background(), filepath.Join(t.TempDir(), "data", "hive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestOpenBootstrapsSchema(t *testing.T) {
	t.Parallel()

	j := openTestJournal(t)
	var name string
	err := j.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='executions';").Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "executions", name)
}

func TestOpenInMemory(t *testing.T) {
	t.Parallel()

	j, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Record(context.Background(), Entry{ID: "a", Script: "/s.yaml"}))
	_, err = j.Get(context.Background(), "a")
	require.NoError(t, err)
}

func TestOpenEmptyPath(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "")
	assert.Error(t, err)
}

func TestRecordAndCompleteSuccess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j := openTestJournal(t)

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, j.Record(ctx, Entry{ID: "exec-1", Script: "/srv/a.yaml", Checksum: "abc", PID: 77, StartedAt: started}))

	e, err := j.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, e.Status)
	assert.Equal(t, 77, e.PID)
	assert.Equal(t, "abc", e.Checksum)
	assert.True(t, started.Equal(e.StartedAt))
	assert.Nil(t, e.CompletedAt)

	require.NoError(t, j.Complete(ctx, "exec-1", task.Success(map[string]any{"answer": 42}), "some stderr"))

	e, err = j.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, e.Status)
	assert.JSONEq(t, `{"answer":42}`, string(e.Value))
	assert.Nil(t, e.Error)
	assert.Equal(t, "some stderr", e.Stderr)
	require.NotNil(t, e.CompletedAt)
}

func TestCompleteFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j := openTestJournal(t)

	require.NoError(t, j.Record(ctx, Entry{ID: "exec-2", Script: "/srv/b.yaml"}))
	info := &task.ErrorInfo{Kind: task.KindLoad, Message: "no script found at '/srv/b.yaml'"}
	require.NoError(t, j.Complete(ctx, "exec-2", task.Failure(info), ""))

	e, err := j.Get(ctx, "exec-2")
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailure, e.Status)
	require.NotNil(t, e.Error)
	assert.Equal(t, task.KindLoad, e.Error.Kind)
	assert.Contains(t, e.Error.Message, "/srv/b.yaml")
	assert.Empty(t, e.Value)
}

func TestCompleteTwice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j := openTestJournal(t)

	require.NoError(t, j.Record(ctx, Entry{ID: "exec-3", Script: "/srv/c.yaml"}))
	require.NoError(t, j.Complete(ctx, "exec-3", task.Success(1), ""))

	err := j.Complete(ctx, "exec-3", task.Success(2), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already completed")

	e, err := j.Get(ctx, "exec-3")
	require.NoError(t, err)
	assert.JSONEq(t, "1", string(e.Value))
}

func TestCompleteUnknown(t *testing.T) {
	t.Parallel()
	j := openTestJournal(t)

	err := j.Complete(context.Background(), "missing", task.Success(1), "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompleteRejectsInvalidOutcome(t *testing.T) {
	t.Parallel()
	j := openTestJournal(t)

	err := j.Complete(context.Background(), "x", task.Outcome{Status: "maybe"}, "")
	assert.Error(t, err)
}

func TestAbort(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j := openTestJournal(t)

	require.NoError(t, j.Record(ctx, Entry{ID: "exec-4", Script: "/srv/d.yaml"}))
	long := strings.Repeat("x", maxStderrBytes+100)
	require.NoError(t, j.Abort(ctx, "exec-4", errors.New("worker exited without reporting an outcome"), long))

	e, err := j.Get(ctx, "exec-4")
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailure, e.Status)
	require.NotNil(t, e.Error)
	assert.Equal(t, task.KindChannel, e.Error.Kind)
	assert.Len(t, e.Stderr, maxStderrBytes)
}

func TestRecordValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j := openTestJournal(t)

	assert.Error(t, j.Record(ctx, Entry{Script: "/s.yaml"}))
	assert.Error(t, j.Record(ctx, Entry{ID: "x"}))

	require.NoError(t, j.Record(ctx, Entry{ID: "dup", Script: "/s.yaml"}))
	assert.Error(t, j.Record(ctx, Entry{ID: "dup", Script: "/s.yaml"}))
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()
	j := openTestJournal(t)

	_, err := j.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j := openTestJournal(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"first", "second", "third"} {
		require.NoError(t, j.Record(ctx, Entry{
			ID:        id,
			Script:    "/srv/" + id + ".yaml",
			StartedAt: base.Add(time.Duration(i) * 100 * time.Millisecond),
		}))
	}

	all, err := j.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"third", "second", "first"}, []string{all[0].ID, all[1].ID, all[2].ID})

	two, err := j.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, two, 2)
}
