package e2e

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running server subprocess and its output.
type serverProc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	url    string
}

var (
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

func getBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "forge-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		binary := filepath.Join(dir, "forge")
		cmd := exec.Command("go", "build", "-o", binary, "./cmd/forge")
		cmd.Dir = findRepoRoot(t)
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
			return
		}
		builtBinary = binary
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtBinary
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

func startServer(t *testing.T, binary string, env ...string) *serverProc {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	tmp := t.TempDir()

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary, "serve")
	cmd.Env = append(os.Environ(),
		"FORGE_LISTEN_ADDR="+addr,
		"FORGE_DB_PATH="+filepath.Join(tmp, "test.db"),
		"FORGE_ARTIFACT_DIR="+filepath.Join(tmp, "artifacts"),
		"FORGE_POLL_INTERVAL=50ms",
		"FORGE_LOG_LEVEL=info",
	)
	cmd.Env = append(cmd.Env, env...)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{
		cmd:    cmd,
		stdout: stdout,
		url:    "http://" + addr,
	}

	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

func (sp *serverProc) submit(t *testing.T, body string) string {
	t.Helper()
	resp, err := http.Post(sp.url+"/v1/goals", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/goals: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 202: %s", resp.StatusCode, b)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out["executionId"]
}

func (sp *serverProc) waitStatus(t *testing.T, id, want string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	var last map[string]any
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/v1/executions/" + id)
		if err != nil {
			t.Fatalf("GET execution: %v", err)
		}
		last = nil
		json.NewDecoder(resp.Body).Decode(&last)
		resp.Body.Close()
		if last["status"] == want {
			return last
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("execution %s did not reach %s; last = %v", id, want, last)
	return nil
}

const automationGoal = `{"title":"e2e","steps":[
	{"type":"automation","payload":{"action":"write_artifact","key":"out.txt","content":"hello"}},
	{"type":"automation","payload":{"action":"noop"}}]}`

func TestBinaryBuildsAndStarts(t *testing.T) {
	binary := getBinary(t)
	if _, err := os.Stat(binary); os.IsNotExist(err) {
		t.Fatal("binary does not exist after build")
	}

	sp := startServer(t, binary)
	if sp == nil {
		t.Fatal("server did not start")
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	sp := startServer(t, getBinary(t))

	resp, err := http.Get(sp.url + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	var health map[string]string
	json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health["status"] != "ok" {
		t.Errorf("health = %v", health)
	}

	resp, err = http.Get(sp.url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, name := range []string{"forge_http_requests_total", "forge_executions_total", "forge_steps_total"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestGoalRunsToCompletion(t *testing.T) {
	sp := startServer(t, getBinary(t))

	id := sp.submit(t, automationGoal)
	sp.waitStatus(t, id, "completed")

	resp, err := http.Get(sp.url + "/v1/executions/" + id + "/steps")
	if err != nil {
		t.Fatalf("GET steps: %v", err)
	}
	defer resp.Body.Close()
	var steps []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&steps); err != nil {
		t.Fatalf("decode steps: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(steps))
	}
	for _, st := range steps {
		if st["status"] != "completed" {
			t.Errorf("step %v status = %v", st["position"], st["status"])
		}
	}
}

func TestExhaustedStepFailsExecution(t *testing.T) {
	sp := startServer(t, getBinary(t), "FORGE_MAX_ATTEMPTS=1")

	id := sp.submit(t, `{"title":"bad action","steps":[{"type":"automation","payload":{"action":"explode"}}]}`)
	exec := sp.waitStatus(t, id, "failed")
	if got := fmt.Sprint(exec["error"]); got != "1 step(s) exhausted 1 attempts" {
		t.Errorf("error = %q", got)
	}
}

func TestSSEStreamEndsWithDone(t *testing.T) {
	sp := startServer(t, getBinary(t))
	id := sp.submit(t, automationGoal)
	sp.waitStatus(t, id, "completed")

	resp, err := http.Get(sp.url + "/v1/executions/" + id + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	found := false
	for scanner.Scan() {
		if scanner.Text() == "event: done" {
			found = true
			break
		}
	}
	if !found {
		t.Error("stream ended without done event")
	}
}

func TestAdminEndpointsRequireRole(t *testing.T) {
	sp := startServer(t, getBinary(t))
	id := sp.submit(t, automationGoal)

	req, _ := http.NewRequest(http.MethodPost, sp.url+"/v1/executions/"+id+"/abort", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST abort: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous abort = %d, want 401", resp.StatusCode)
	}
}

func TestStructuredJSONLogs(t *testing.T) {
	sp := startServer(t, getBinary(t))

	resp, err := http.Get(sp.url + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()

	// Poll for log output with a deadline.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(sp.stdout.String(), `"msg":"request"`) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	scanner := bufio.NewScanner(strings.NewReader(sp.stdout.String()))
	foundRequestLog := false
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if msg, ok := entry["msg"].(string); ok && msg == "request" {
			foundRequestLog = true
			for _, key := range []string{"method", "path", "status", "duration_ms", "request_id"} {
				if _, ok := entry[key]; !ok {
					t.Errorf("request log missing field %q", key)
				}
			}
		}
	}
	if !foundRequestLog {
		t.Errorf("no structured request log found in stdout\noutput:\n%s", sp.stdout.String())
	}
}
