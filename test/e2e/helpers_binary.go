//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

// offsyncAgent manages a running offsync agent process.
type offsyncAgent struct {
	cmd       *exec.Cmd
	dataDir   string
	address   string
	apiKey    string
	remoteURL string
	logFile   string
}

// startAgent launches the offsync binary against remoteURL and waits for it
// to become healthy. The agent is configured entirely via environment variables.
func startAgent(t *testing.T, remoteURL string) *offsyncAgent {
	t.Helper()
	requireOffsync(t)

	a := &offsyncAgent{
		dataDir:   t.TempDir(),
		apiKey:    "e2e-test-api-key",
		remoteURL: remoteURL,
	}
	a.launch(t, "offsync.log")
	return a
}

func (a *offsyncAgent) launch(t *testing.T, logName string) {
	t.Helper()

	port := freePort(t)
	a.address = fmt.Sprintf("127.0.0.1:%d", port)
	a.logFile = filepath.Join(a.dataDir, logName)

	cmd := exec.Command(offsyncBin, "serve")
	cmd.Env = append(os.Environ(),
		"OFFSYNC_PORT="+fmt.Sprintf("%d", port),
		"OFFSYNC_DB_PATH="+filepath.Join(a.dataDir, "offsync.db"),
		"OFFSYNC_API_KEY="+a.apiKey,
		"OFFSYNC_REMOTE_URL="+a.remoteURL,
		"OFFSYNC_CLIENT_ID=e2e-client",
		"OFFSYNC_REPLAY_INTERVAL=100ms",
		"OFFSYNC_PROBE_TIMEOUT=1s",
		"OFFSYNC_CONFIG_PATH="+filepath.Join(a.dataDir, "nonexistent.yaml"), // skip YAML file
	)

	lf, err := os.Create(a.logFile)
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}
	cmd.Stdout = lf
	cmd.Stderr = lf

	if err := cmd.Start(); err != nil {
		lf.Close()
		t.Fatalf("start offsync: %v", err)
	}
	a.cmd = cmd

	t.Cleanup(func() {
		a.stop()
		lf.Close()
	})

	if err := a.waitHealthy(10 * time.Second); err != nil {
		t.Fatalf("offsync not healthy: %v", err)
	}
}

func (a *offsyncAgent) stop() {
	if a.cmd != nil && a.cmd.Process != nil && a.cmd.ProcessState == nil {
		_ = a.cmd.Process.Signal(os.Interrupt)
		_ = a.cmd.Wait()
	}
}

// restartOnSameData stops the agent and starts it again on the same database.
func (a *offsyncAgent) restartOnSameData(t *testing.T) {
	t.Helper()
	a.stop()
	time.Sleep(200 * time.Millisecond) // allow port release
	a.launch(t, "offsync-restart.log")
}

func (a *offsyncAgent) baseURL() string {
	return fmt.Sprintf("http://%s/api/v1", a.address)
}

func (a *offsyncAgent) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := a.baseURL() + "/health"

	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("offsync not healthy after %s", timeout)
}

// do sends an authenticated request and returns status and body.
func (a *offsyncAgent) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, a.baseURL()+path, r)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

// enqueue appends an action through the local API and returns its entry ID.
func (a *offsyncAgent) enqueue(t *testing.T, action string, payload any) int64 {
	t.Helper()
	status, body := a.do(t, http.MethodPost, "/queue", map[string]any{
		"action":  action,
		"payload": payload,
	})
	if status != http.StatusCreated {
		t.Fatalf("enqueue %s: status %d: %s", action, status, body)
	}
	var resp struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode enqueue response: %v", err)
	}
	return resp.ID
}

// setConnectivity reports a connectivity change to the agent.
func (a *offsyncAgent) setConnectivity(t *testing.T, online bool) {
	t.Helper()
	status, body := a.do(t, http.MethodPost, "/connectivity", map[string]any{"online": online})
	if status != http.StatusAccepted {
		t.Fatalf("connectivity: status %d: %s", status, body)
	}
}

type queueStats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Synced  int `json:"synced"`
}

func (a *offsyncAgent) stats(t *testing.T) queueStats {
	t.Helper()
	status, body := a.do(t, http.MethodGet, "/queue/stats", nil)
	if status != http.StatusOK {
		t.Fatalf("stats: status %d: %s", status, body)
	}
	var s queueStats
	if err := json.Unmarshal(body, &s); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	return s
}

// waitFor polls cond until it holds or the timeout passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out after %s waiting for %s", timeout, what)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
