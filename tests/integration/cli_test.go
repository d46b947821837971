package integration

import (
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMain builds the satchel binary once before running tests.
func TestMain(m *testing.M) {
	projectRoot, err := FindProjectRoot()
	if err != nil {
		buildErr = err
		os.Exit(1)
	}

	tmpDir, err := os.MkdirTemp("", "satchel-test-*")
	if err != nil {
		buildErr = err
		os.Exit(1)
	}
	satchelBin = filepath.Join(tmpDir, "satchel")

	cmd := exec.Command("go", "build", "-o", satchelBin, "./cmd/satchel")
	cmd.Dir = projectRoot
	if output, err := cmd.CombinedOutput(); err != nil {
		buildErr = &BuildError{Err: err, Output: string(output)}
	}

	code := m.Run()
	os.RemoveAll(tmpDir)
	os.Exit(code)
}

func TestVersion(t *testing.T) {
	env := NewTestEnv(t)
	out := env.MustRun("version")
	assert.Contains(t, out.Stdout, "satchel v")
}

func TestExitCodes(t *testing.T) {
	env := NewTestEnv(t)
	env.MustRun("init")

	tests := []struct {
		name string
		args []string
		want int
	}{
		{name: "unknown command", args: []string{"bogus"}, want: 1},
		{name: "missing routine", args: []string{"routines", "show", "nope"}, want: 1},
		{name: "no owner for writes", args: []string{"outbox", "drain"}, want: 1},
		{name: "status", args: []string{"status"}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := env.Run("", tt.args...)
			assert.Equal(t, tt.want, res.ExitCode, "stdout: %s\nstderr: %s", res.Stdout, res.Stderr)
		})
	}
}

func TestEnvOverridesConfig(t *testing.T) {
	env := NewTestEnv(t)
	env.MustRun("init", "--owner", "alice")
	env.Env = []string{"SATCHEL_OWNER_ID=bob"}

	status := ParseJSON[map[string]any](t, env.MustRun("--json", "status").Stdout)
	assert.Equal(t, "bob", status["owner"])
}

// TestOfflineThenOnline queues a workout with the remote down and delivers
// it once the remote answers.
func TestOfflineThenOnline(t *testing.T) {
	var (
		mu       sync.Mutex
		up       bool
		archived []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if !up {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
	mux.HandleFunc("POST /users/{owner}/archive", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		archived = append(archived, r.PathValue("owner")+"/"+r.Header.Get("Idempotency-Key"))
		w.WriteHeader(http.StatusCreated)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	env := NewTestEnv(t)
	env.MustRun("init", "--owner", "alice", "--remote", srv.URL, "--backend", "bolt")

	res := env.Run(`{"seconds":1200}`, "outbox", "archive", "--id", "w1", "-")
	require.Equal(t, 0, res.ExitCode, res.Stderr)
	assert.Contains(t, res.Stdout, "stay queued")

	entries := ParseJSON[[]map[string]any](t, env.MustRun("--json", "outbox", "list").Stdout)
	require.Len(t, entries, 1)
	assert.Equal(t, "w1", entries[0]["archiveId"])

	mu.Lock()
	up = true
	mu.Unlock()
	res = env.MustRun("outbox", "drain")
	assert.Contains(t, res.Stdout, "Delivered 1")

	mu.Lock()
	assert.Equal(t, []string{"alice/w1"}, archived)
	mu.Unlock()
	assert.Empty(t, ParseJSON[[]map[string]any](t, env.MustRun("--json", "outbox", "list").Stdout))
}
