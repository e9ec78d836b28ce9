package ops

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"mentionbot/internal/bus"
	"mentionbot/internal/metrics"
	"mentionbot/internal/pipeline"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type fakePipeline struct {
	mu        sync.Mutex
	reprocess []string
	cycleErr  error
}

func (f *fakePipeline) Status() pipeline.Status {
	return pipeline.Status{Cycles: 3, Tracked: 7, Watermark: "m9", Source: "memory"}
}

func (f *fakePipeline) RunCycle(context.Context) (pipeline.CycleReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cycleErr != nil {
		return pipeline.CycleReport{}, f.cycleErr
	}
	return pipeline.CycleReport{ID: "c1", Fetched: 2, Handled: 2}, nil
}

func (f *fakePipeline) ForceReprocess(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reprocess = append(f.reprocess, id)
	return id == "known", nil
}

func newTestServer(t *testing.T, mutate func(*Config)) (*httptest.Server, *fakePipeline, *bus.EventBus) {
	t.Helper()
	fp := &fakePipeline{}
	events := bus.NewEventBus(testLogger(), 0)
	cfg := Config{
		Token:    "secret",
		Pipeline: fp,
		Bus:      events,
		Metrics:  metrics.NewRecorder(),
		Checks: map[string]Check{
			"store": func(context.Context) error { return nil },
		},
		Logger: testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ts := httptest.NewServer(New(cfg).Handler())
	t.Cleanup(ts.Close)
	return ts, fp, events
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

// --- Health ---

func TestHealthz(t *testing.T) {
	ts, _, _ := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decode(t, resp, &body)
	if resp.StatusCode != http.StatusOK || body.Status != "ok" || body.Checks["store"] != "ok" {
		t.Errorf("status=%d body=%+v", resp.StatusCode, body)
	}
}

func TestHealthz_Degraded(t *testing.T) {
	ts, _, _ := newTestServer(t, func(c *Config) {
		c.Checks["agent"] = func(context.Context) error { return errors.New("agent unreachable") }
	})
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decode(t, resp, &body)
	if resp.StatusCode != http.StatusServiceUnavailable || body.Status != "degraded" || body.Checks["agent"] != "agent unreachable" {
		t.Errorf("status=%d body=%+v", resp.StatusCode, body)
	}
}

// --- Status / metrics ---

func TestStatus(t *testing.T) {
	ts, _, _ := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	var st pipeline.Status
	decode(t, resp, &st)
	if st.Cycles != 3 || st.Watermark != "m9" {
		t.Errorf("status = %+v", st)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

// --- Replay / cycle ---

func post(t *testing.T, url, token, body string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestReplay(t *testing.T) {
	ts, fp, _ := newTestServer(t, nil)

	resp := post(t, ts.URL+"/replay", "", `{"id":"known"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token: status = %d", resp.StatusCode)
	}

	resp = post(t, ts.URL+"/replay", "secret", `{"id":"known"}`)
	var body struct {
		ID           string `json:"id"`
		WasProcessed bool   `json:"was_processed"`
	}
	decode(t, resp, &body)
	if resp.StatusCode != http.StatusOK || body.ID != "known" || !body.WasProcessed {
		t.Errorf("status=%d body=%+v", resp.StatusCode, body)
	}

	resp = post(t, ts.URL+"/replay?id=other", "secret", "")
	decode(t, resp, &body)
	if body.ID != "other" || body.WasProcessed {
		t.Errorf("query replay body=%+v", body)
	}

	resp = post(t, ts.URL+"/replay", "secret", `{}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty id: status = %d", resp.StatusCode)
	}
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if len(fp.reprocess) != 2 {
		t.Errorf("reprocess calls = %v", fp.reprocess)
	}
}

func TestCycle(t *testing.T) {
	ts, fp, _ := newTestServer(t, func(c *Config) { c.Token = "" })

	resp := post(t, ts.URL+"/cycle", "", "")
	var report pipeline.CycleReport
	decode(t, resp, &report)
	if resp.StatusCode != http.StatusOK || report.ID != "c1" {
		t.Errorf("status=%d report=%+v", resp.StatusCode, report)
	}

	fp.mu.Lock()
	fp.cycleErr = pipeline.ErrCycleInFlight
	fp.mu.Unlock()
	resp = post(t, ts.URL+"/cycle", "", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("in-flight status = %d", resp.StatusCode)
	}
}

// --- Events ---

func TestEventsStream(t *testing.T) {
	ts, _, events := newTestServer(t, nil)
	events.Emit(bus.Event{Type: bus.EventCycleStarted, CycleID: "old", Timestamp: time.Now().Add(-time.Minute)})

	since := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events?since=" + since
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var got bus.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatal(err)
	}
	if got.CycleID != "old" {
		t.Fatalf("backlog event = %+v", got)
	}

	events.Emit(bus.Event{Type: bus.EventMentionReplied, MentionID: "m1"})
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatal(err)
	}
	if got.Type != bus.EventMentionReplied || got.MentionID != "m1" {
		t.Errorf("live event = %+v", got)
	}
}

func TestEventsStream_BadSince(t *testing.T) {
	ts, _, _ := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/events?since=yesterday")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
