package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
)

type fakeRunner struct {
	mu      sync.Mutex
	configs []contractx.ModeConfig
	chunks  []contractx.Chunk
	stopped []string
	block   bool
	done    chan struct{}
}

func (f *fakeRunner) Stream(ctx context.Context, cfg contractx.ModeConfig) <-chan contractx.Chunk {
	f.mu.Lock()
	f.configs = append(f.configs, cfg)
	f.mu.Unlock()

	out := make(chan contractx.Chunk)
	go func() {
		defer close(out)
		for _, c := range f.chunks {
			out <- c
		}
		if f.block {
			<-ctx.Done()
			out <- &contractx.StatusChunk{
				Envelope: contractx.Envelope{RunID: "run-1", Seq: int64(len(f.chunks) + 1)},
				State:    contractx.StateCancelled,
			}
			close(f.done)
		}
	}()
	return out
}

func (f *fakeRunner) Stop(runID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, runID)
	return runID == "run-1"
}

func (f *fakeRunner) ActiveRuns() int { return 1 }

type fakeMetrics struct{}

func (fakeMetrics) Collect(context.Context) (metricdata.ResourceMetrics, error) {
	return metricdata.ResourceMetrics{}, nil
}

func scriptedChunks() []contractx.Chunk {
	env := func(seq int64) contractx.Envelope { return contractx.Envelope{RunID: "run-1", Seq: seq} }
	return []contractx.Chunk{
		&contractx.StatusChunk{Envelope: env(1), State: contractx.StateStarted},
		&contractx.TokenChunk{Envelope: env(2), Text: "Beta blockers "},
		&contractx.TokenChunk{Envelope: env(3), Text: "slow the heart."},
		&contractx.FinalChunk{Envelope: env(4), Answer: contractx.FinalAnswer{
			Content: "Beta blockers slow the heart.",
			Path:    contractx.PathDirect,
		}},
	}
}

func newTestServer(t *testing.T, runner Runner, opts ...Option) http.Handler {
	t.Helper()
	s, err := New(runner, Config{AllowedOrigins: []string{"*"}}, opts...)
	require.NoError(t, err)
	return s.Handler()
}

func parseEvents(t *testing.T, body string) []contractx.Chunk {
	t.Helper()
	var out []contractx.Chunk
	for _, block := range strings.Split(body, "\n\n") {
		for _, line := range strings.Split(block, "\n") {
			data, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				continue
			}
			c, err := contractx.DecodeChunk([]byte(data))
			require.NoError(t, err)
			out = append(out, c)
		}
	}
	return out
}

func TestAskStreamsChunksAsEvents(t *testing.T) {
	runner := &fakeRunner{chunks: scriptedChunks()}
	h := newTestServer(t, runner)

	body := `{"mode":1,"agent_id":"cardiology","message":"What do beta blockers do?",
		"history":[{"role":"user","content":"hi"}],"session_id":"s1","tenant_id":"t1","domain_hints":["cardiology"]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/ask", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Contains(t, rec.Body.String(), "id: 1\nevent: status\n")

	events := parseEvents(t, rec.Body.String())
	require.Len(t, events, 4)
	final, ok := events[3].(*contractx.FinalChunk)
	require.True(t, ok)
	assert.Equal(t, "Beta blockers slow the heart.", final.Answer.Content)
	assert.Equal(t, int64(4), final.Seq)

	require.Len(t, runner.configs, 1)
	cfg := runner.configs[0]
	assert.Equal(t, contractx.ModeManualSingleShot, cfg.Mode)
	assert.Equal(t, "cardiology", cfg.AgentID)
	assert.Equal(t, "s1", cfg.SessionID)
	assert.Equal(t, "t1", cfg.TenantID)
	assert.Equal(t, []string{"cardiology"}, cfg.DomainHints)
	require.Len(t, cfg.History, 1)
	assert.Equal(t, contractx.RoleUser, cfg.History[0].Role)
}

func TestAskRejectsBadBodies(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `{"mode":`},
		{name: "unknown field", body: `{"mode":1,"message":"q","colour":"red"}`},
		{name: "unknown role", body: `{"mode":1,"message":"q","history":[{"role":"system","content":"x"}]}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			runner := &fakeRunner{}
			h := newTestServer(t, runner)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/ask", strings.NewReader(tc.body)))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var body apiError
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "validation", body.Code)
			assert.Empty(t, runner.configs)
		})
	}
}

func TestStopRun(t *testing.T) {
	runner := &fakeRunner{}
	h := newTestServer(t, runner)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs/run-1/stop", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs/missing/stop", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, []string{"run-1", "missing"}, runner.stopped)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestServer(t, &fakeRunner{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, 1, health["active_runs"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h = newTestServer(t, &fakeRunner{}, WithMetricsSource(fakeMetrics{}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := newTestServer(t, &fakeRunner{})
	req := httptest.NewRequest(http.MethodOptions, "/v1/ask", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestClientDisconnectCancelsRun(t *testing.T) {
	runner := &fakeRunner{
		chunks: scriptedChunks()[:1],
		block:  true,
		done:   make(chan struct{}),
	}
	srv := httptest.NewServer(newTestServer(t, runner))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/v1/ask",
		strings.NewReader(`{"mode":1,"agent_id":"cardiology","message":"q"}`))
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	cancel()

	select {
	case <-runner.done:
	case <-time.After(2 * time.Second):
		t.Fatal("run was not cancelled after the client disconnected")
	}
}
