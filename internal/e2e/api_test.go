package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/hive/internal/api"
	"github.com/mattjoyce/hive/internal/bootstrap"
	"github.com/mattjoyce/hive/internal/journal"
	"github.com/mattjoyce/hive/internal/log"
	"github.com/mattjoyce/hive/internal/process"
	"github.com/mattjoyce/hive/internal/task"
	"github.com/mattjoyce/hive/internal/tasks"
)

const (
	workerModeEnv = "HIVE_TEST_WORKER"
	apiKey        = "e2e-key"
)

func TestMain(m *testing.M) {
	if os.Getenv(workerModeEnv) != "" {
		os.Exit(bootstrap.Main(os.Args[1:], os.Stdin, os.Stderr, task.NewDefinitionLoader(tasks.Registry())))
	}
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type stack struct {
	server    *httptest.Server
	journal   *journal.Journal
	scriptDir string
}

// newStack wires a real journal, launcher and API server. Workers are this
// test binary re-executed in worker mode.
func newStack(t *testing.T, maxConcurrent int) *stack {
	t.Helper()

	self, err := os.Executable()
	require.NoError(t, err)
	socketDir, err := os.MkdirTemp("", "hv")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(socketDir) })

	j, err := journal.Open(context.Background(), filepath.Join(t.TempDir(), "hive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	launcher := process.NewLauncher(process.Config{
		Binary:           self,
		Env:              []string{workerModeEnv + "=1"},
		SocketDir:        socketDir,
		ConnectTimeout:   2 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		TerminationGrace: 500 * time.Millisecond,
	}, j, log.WithComponent("process"))

	scriptDir := t.TempDir()
	server := api.New(api.Config{
		APIKey:        apiKey,
		MaxConcurrent: maxConcurrent,
		RunTimeout:    20 * time.Second,
		ScriptDir:     scriptDir,
	}, launcher, j, log.WithComponent("api"))

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return &stack{server: ts, journal: j, scriptDir: scriptDir}
}

func (s *stack) script(t *testing.T, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(s.scriptDir, name), []byte(body), 0o644))
}

func (s *stack) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()

	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	req, err := http.NewRequest(method, s.server.URL+path, &payload)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// post is safe to call from goroutines other than the test's.
func (s *stack) post(script string, out *api.ExecutionResponse) error {
	body, err := json.Marshal(api.ExecutionRequest{Script: script})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, s.server.URL+"/executions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("POST /executions %s: %s", script, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func TestExecutionRoundTrip(t *testing.T) {
	s := newStack(t, 2)
	s.script(t, "answer.yaml", "task: value\nargs:\n  value:\n    answer: 42\n")

	var res api.ExecutionResponse
	status := s.do(t, http.MethodPost, "/executions", api.ExecutionRequest{Script: "answer.yaml"}, &res)
	require.Equal(t, http.StatusOK, status)
	require.True(t, res.Outcome.Succeeded(), "outcome: %+v", res.Outcome)
	assert.Equal(t, map[string]any{"answer": float64(42)}, res.Outcome.Value)
	assert.NotZero(t, res.PID)
	assert.Equal(t, 0, res.ExitCode)

	var entry journal.Entry
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/executions/"+res.ID, nil, &entry))
	assert.Equal(t, task.StatusSuccess, entry.Status)
	assert.Equal(t, filepath.Join(s.scriptDir, "answer.yaml"), entry.Script)
	assert.JSONEq(t, `{"answer":42}`, string(entry.Value))
	assert.NotNil(t, entry.CompletedAt)
}

func TestProgressMessagesDoNotDisturbOutcome(t *testing.T) {
	s := newStack(t, 2)
	s.script(t, "progress.yaml", "task: progress\nargs:\n  steps: 2\n")

	var res api.ExecutionResponse
	status := s.do(t, http.MethodPost, "/executions", api.ExecutionRequest{Script: "progress.yaml"}, &res)
	require.Equal(t, http.StatusOK, status)
	require.True(t, res.Outcome.Succeeded(), "outcome: %+v", res.Outcome)
	assert.EqualValues(t, 2, res.Outcome.Value)
	assert.Equal(t, 2, res.Messages)

	var entry journal.Entry
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/executions/"+res.ID, nil, &entry))
	assert.Equal(t, task.StatusSuccess, entry.Status)
	assert.JSONEq(t, `2`, string(entry.Value))
}

func TestExecutionFailuresAreRecorded(t *testing.T) {
	s := newStack(t, 2)
	s.script(t, "fail.yaml", "task: fail\nargs:\n  message: out of coffee\n")
	s.script(t, "bogus.yaml", "task: teleport\n")

	tests := []struct {
		script   string
		wantKind string
	}{
		{"fail.yaml", task.KindTask},
		{"bogus.yaml", task.KindLoad},
		{"missing.yaml", task.KindLoad},
	}

	for _, tt := range tests {
		t.Run(tt.script, func(t *testing.T) {
			var res api.ExecutionResponse
			require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/executions", api.ExecutionRequest{Script: tt.script}, &res))
			require.False(t, res.Outcome.Succeeded())
			require.NotNil(t, res.Outcome.Error)
			assert.Equal(t, tt.wantKind, res.Outcome.Error.Kind)

			entry, err := s.journal.Get(context.Background(), res.ID)
			require.NoError(t, err)
			assert.Equal(t, task.StatusFailure, entry.Status)
			require.NotNil(t, entry.Error)
			assert.Equal(t, tt.wantKind, entry.Error.Kind)
		})
	}

	var list api.ExecutionListResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/executions?limit=10", nil, &list))
	assert.Equal(t, 3, list.Count)
}

func TestConcurrentExecutions(t *testing.T) {
	s := newStack(t, 4)
	s.script(t, "slow.yaml", "task: async\nargs:\n  delay: 200ms\n  value: done\n")

	var g errgroup.Group
	results := make([]api.ExecutionResponse, 4)
	for i := range results {
		g.Go(func() error {
			return s.post("slow.yaml", &results[i])
		})
	}
	require.NoError(t, g.Wait())

	pids := map[int]bool{}
	for _, res := range results {
		assert.True(t, res.Outcome.Succeeded(), "outcome: %+v", res.Outcome)
		assert.Equal(t, "done", res.Outcome.Value)
		pids[res.PID] = true
	}
	assert.Len(t, pids, len(results), "every execution runs in its own worker")
}
