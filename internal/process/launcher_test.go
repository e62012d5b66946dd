package process

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/hive/internal/bootstrap"
	"github.com/mattjoyce/hive/internal/execution"
	"github.com/mattjoyce/hive/internal/journal"
	"github.com/mattjoyce/hive/internal/log"
	"github.com/mattjoyce/hive/internal/task"
	"github.com/mattjoyce/hive/internal/tasks"
)

// workerModeEnv turns the test binary into a hive-worker.
const workerModeEnv = "HIVE_TEST_WORKER"

func TestMain(m *testing.M) {
	switch os.Getenv(workerModeEnv) {
	case "":
	case "wrongkey":
		os.Exit(bootstrap.Main(os.Args[1:], &flipFirstByte{r: os.Stdin}, os.Stderr, testLoader()))
	case "silent":
		time.Sleep(time.Minute)
		os.Exit(0)
	case "crash":
		os.Stderr.WriteString("worker crashed on startup\n")
		os.Exit(3)
	default:
		os.Exit(bootstrap.Main(os.Args[1:], os.Stdin, os.Stderr, testLoader()))
	}

	log.Setup("ERROR")
	os.Exit(m.Run())
}

func testLoader() task.Loader {
	reg := tasks.Registry()
	reg.MustRegister("exit", func(*task.Definition) (task.Task, error) {
		return task.Func(func(context.Context, task.Env) (any, error) {
			os.Stderr.WriteString("worker exiting mid-task\n")
			os.Exit(7)
			return nil, nil
		}), nil
	})
	return task.NewDefinitionLoader(reg)
}

type flipFirstByte struct {
	r       io.Reader
	flipped bool
}

func (f *flipFirstByte) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if n > 0 && !f.flipped {
		p[0] ^= 0xff
		f.flipped = true
	}
	return n, err
}

func testLauncher(t *testing.T, mode string, j Journal) *Launcher {
	t.Helper()

	self, err := os.Executable()
	require.NoError(t, err)
	if mode == "" {
		mode = "worker"
	}
	return NewLauncher(Config{
		Binary:           self,
		Env:              []string{workerModeEnv + "=" + mode},
		SocketDir:        shortTempDir(t),
		ConnectTimeout:   2 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		TerminationGrace: 500 * time.Millisecond,
	}, j, nil)
}

// shortTempDir keeps unix socket paths under the platform length limit.
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "hv")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func runWithin(t *testing.T, l *Launcher, script string) (*Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	return l.Run(ctx, script, nil)
}

func TestRunOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		script   string
		missing  bool
		wantOK   bool
		wantKind string
		check    func(t *testing.T, res *Result, script string)
	}{
		{
			name:   "value",
			script: "task: value\nargs:\n  value: 42\n",
			wantOK: true,
			check: func(t *testing.T, res *Result, _ string) {
				assert.EqualValues(t, 42, res.Outcome.Value)
			},
		},
		{
			name:   "async value",
			script: "task: async\nargs:\n  delay: 10ms\n  value: later\n",
			wantOK: true,
			check: func(t *testing.T, res *Result, _ string) {
				assert.Equal(t, "later", res.Outcome.Value)
			},
		},
		{
			name:   "context reports worker pid",
			script: "task: context\n",
			wantOK: true,
			check: func(t *testing.T, res *Result, _ string) {
				info, ok := res.Outcome.Value.(map[string]any)
				require.True(t, ok, "value should be an object, got %T", res.Outcome.Value)
				assert.Equal(t, "process", info["kind"])
				assert.EqualValues(t, res.PID, info["pid"])
				assert.NotEqual(t, os.Getpid(), res.PID)
			},
		},
		{
			name:     "unknown task kind",
			script:   "task: teleport\n",
			wantKind: task.KindLoad,
			check: func(t *testing.T, res *Result, script string) {
				assert.Contains(t, res.Outcome.Error.Message, script)
			},
		},
		{
			name:     "missing script",
			missing:  true,
			wantKind: task.KindLoad,
			check: func(t *testing.T, res *Result, script string) {
				assert.Contains(t, res.Outcome.Error.Message, script)
			},
		},
		{
			name:     "task error",
			script:   "task: fail\nargs:\n  message: out of coffee\n",
			wantKind: task.KindTask,
			check: func(t *testing.T, res *Result, _ string) {
				assert.Equal(t, "out of coffee", res.Outcome.Error.Message)
			},
		},
		{
			name:     "unserializable result",
			script:   "task: unserializable\n",
			wantKind: task.KindSerialization,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script := filepath.Join(t.TempDir(), "absent.yaml")
			if !tt.missing {
				script = writeScript(t, tt.script)
			}

			res, err := runWithin(t, testLauncher(t, "", nil), script)
			require.NoError(t, err)
			require.NotNil(t, res)
			assert.NotEmpty(t, res.ID)
			assert.Equal(t, script, res.Script)
			assert.Equal(t, 0, res.ExitCode)

			assert.Equal(t, tt.wantOK, res.Outcome.Succeeded())
			if !tt.wantOK {
				require.NotNil(t, res.Outcome.Error)
				assert.Equal(t, tt.wantKind, res.Outcome.Error.Kind)
			}
			if tt.check != nil {
				tt.check(t, res, script)
			}
		})
	}
}

func TestStartExchangesMessages(t *testing.T) {
	l := testLauncher(t, "", nil)
	script := writeScript(t, "task: echo\n")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	ex, proc, err := l.Start(ctx, script)
	require.NoError(t, err)
	require.NoError(t, ex.Channel().Send(map[string]any{"greeting": "hello"}))

	res, err := l.Finish(ctx, ex, proc, nil)
	require.NoError(t, err)
	assert.True(t, res.Outcome.Succeeded())
	assert.Equal(t, map[string]any{"greeting": "hello"}, res.Outcome.Value)
	assert.True(t, proc.Exited())
}

func TestRunDeliversProgressMessages(t *testing.T) {
	l := testLauncher(t, "", nil)
	script := writeScript(t, "task: progress\nargs:\n  steps: 3\n")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var steps []tasks.Progress
	res, err := l.Run(ctx, script, func(m execution.Message) error {
		var p tasks.Progress
		if err := m.Decode(&p); err != nil {
			return err
		}
		steps = append(steps, p)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, res.Outcome.Succeeded())
	assert.EqualValues(t, 3, res.Outcome.Value)
	assert.Equal(t, 3, res.Messages)
	assert.Equal(t, []tasks.Progress{{Step: 1, Total: 3}, {Step: 2, Total: 3}, {Step: 3, Total: 3}}, steps)

	// Without a handler the messages are skipped and the outcome still arrives.
	res, err = runWithin(t, l, script)
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Outcome.Value)
	assert.Equal(t, 3, res.Messages)
}

func TestStartTaskRunsInProcess(t *testing.T) {
	l := testLauncher(t, "", nil)
	script := writeScript(t, "task: value\nargs:\n  value: 42\n")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	ex, proc, err := l.Start(ctx, script)
	require.NoError(t, err)

	s, ok := ex.Task().(task.Script)
	require.True(t, ok)
	assert.Equal(t, script, s.Path)
	v, err := ex.Task().Run(ctx, task.Env{})
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	res, err := l.Finish(ctx, ex, proc, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 42, res.Outcome.Value)
}

func TestHandshakeFailures(t *testing.T) {
	tests := []struct {
		name       string
		mode       string
		handshake  time.Duration
		wantStderr string
	}{
		{name: "wrong key", mode: "wrongkey"},
		{name: "worker never connects", mode: "silent", handshake: 300 * time.Millisecond},
		{name: "worker exits before connecting", mode: "crash", wantStderr: "worker crashed on startup"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := testLauncher(t, tt.mode, nil)
			if tt.handshake > 0 {
				l.cfg.HandshakeTimeout = tt.handshake
			}
			script := writeScript(t, "task: value\nargs:\n  value: 1\n")

			start := time.Now()
			res, err := runWithin(t, l, script)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrHandshake)
			assert.Less(t, time.Since(start), 15*time.Second)

			require.NotNil(t, res, "a spawned worker should still be reported")
			assert.NotZero(t, res.PID)
			if tt.wantStderr != "" {
				assert.Contains(t, res.Stderr, tt.wantStderr)
			}
		})
	}
}

func TestWrongKeyDoesNotLeakDetail(t *testing.T) {
	l := testLauncher(t, "wrongkey", nil)
	script := writeScript(t, "task: value\nargs:\n  value: 1\n")

	_, err := runWithin(t, l, script)
	require.Error(t, err)
	assert.Equal(t, "worker handshake failed: handshake verification failed", err.Error())
}

func TestWorkerDiesMidTask(t *testing.T) {
	j, err := journal.Open(context.Background(), filepath.Join(t.TempDir(), "hive.db"))
	require.NoError(t, err)
	defer j.Close()

	l := testLauncher(t, "", j)
	script := writeScript(t, "task: exit\n")

	res, err := runWithin(t, l, script)
	require.Error(t, err)
	assert.ErrorIs(t, err, execution.ErrNoOutcome)
	require.NotNil(t, res)
	assert.Equal(t, 7, res.ExitCode)
	assert.Contains(t, res.Stderr, "worker exiting mid-task")

	entry, err := j.Get(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailure, entry.Status)
	require.NotNil(t, entry.Error)
	assert.Equal(t, task.KindChannel, entry.Error.Kind)
	assert.Contains(t, entry.Stderr, "worker exiting mid-task")
}

func TestRunRecordsJournal(t *testing.T) {
	j, err := journal.Open(context.Background(), filepath.Join(t.TempDir(), "hive.db"))
	require.NoError(t, err)
	defer j.Close()

	l := testLauncher(t, "", j)
	script := writeScript(t, "task: checksum\nargs:\n  data: abc\n")

	res, err := runWithin(t, l, script)
	require.NoError(t, err)

	entry, err := j.Get(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, entry.Status)
	assert.Equal(t, script, entry.Script)
	assert.Equal(t, res.PID, entry.PID)
	assert.Len(t, entry.Checksum, 64)
	assert.NotNil(t, entry.CompletedAt)
	assert.Contains(t, string(entry.Value), res.Outcome.Value.(string))
}

func TestRunCancelledTerminatesWorker(t *testing.T) {
	l := testLauncher(t, "", nil)
	script := writeScript(t, "task: sleep\nargs:\n  duration: 1m\n")

	ctx, cancel := context.WithCancel(context.Background())
	ex, proc, err := l.Start(ctx, script)
	require.NoError(t, err)

	time.AfterFunc(100*time.Millisecond, cancel)
	res, err := l.Finish(ctx, ex, proc, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.True(t, proc.Exited())
	assert.NotNil(t, res)
}

func TestTerminate(t *testing.T) {
	l := testLauncher(t, "", nil)
	script := writeScript(t, "task: sleep\nargs:\n  duration: 1m\n")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	ex, proc, err := l.Start(ctx, script)
	require.NoError(t, err)
	defer ex.Channel().Close()

	assert.False(t, proc.Exited())
	require.NoError(t, proc.Terminate(200*time.Millisecond))
	assert.True(t, proc.Exited())
	_ = proc.Wait()
	require.NoError(t, proc.Terminate(time.Millisecond), "terminating an exited worker is a no-op")
}

func TestStartMissingBinary(t *testing.T) {
	l := NewLauncher(Config{Binary: filepath.Join(t.TempDir(), "no-such-worker"), SocketDir: shortTempDir(t)}, nil, nil)

	_, proc, err := l.Start(context.Background(), "/tmp/x.yaml")
	require.Error(t, err)
	assert.Nil(t, proc)
	assert.True(t, strings.Contains(err.Error(), "start worker"))
}
