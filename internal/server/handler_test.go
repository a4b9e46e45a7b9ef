package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"winlog-ingest/internal/config"
	"winlog-ingest/internal/metrics"
	"winlog-ingest/internal/queue"

	"github.com/klauspost/compress/gzip"
)

func setupTestRouter(stop func()) (*queue.Queue, *metrics.Metrics, http.Handler) {
	cfg := config.Config{
		InstanceID:    "test",
		IndexName:     "winlogbeat-7.4.2",
		MaxBodySize:   4096,
		MinLineLength: 100,
	}
	q := queue.New()
	m := metrics.New()
	return q, m, NewRouter(NewHandler(cfg, m, q, stop))
}

func drain(t *testing.T, q *queue.Queue) []string {
	t.Helper()
	var out []string
	for q.Len() > 0 {
		item, err := q.Get(context.Background(), 10*time.Millisecond)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		out = append(out, string(item))
	}
	return out
}

func TestBulkAdmissionFilter(t *testing.T) {
	q, m, r := setupTestRouter(nil)

	header := `{"index":{}}`
	exact := strings.Repeat("a", 100)
	short := strings.Repeat("b", 99)
	long := `{"@timestamp":"2020-01-01T00:00:00Z","winlog":{"provider_name":"Call Logger"}} ` + strings.Repeat("x", 60)

	body := header + "\n" + long + "   \r\n" + short + "\n" + exact + "\n\n"
	req := httptest.NewRequest(http.MethodPost, "/_bulk", strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	got := drain(t, q)
	if len(got) != 2 {
		t.Fatalf("expected 2 enqueued lines, got %d: %v", len(got), got)
	}
	if got[0] != long {
		t.Fatalf("expected trailing whitespace trimmed and content intact, got %q", got[0])
	}
	if got[1] != exact {
		t.Fatalf("expected 100-char line admitted")
	}
	if m.LinesEnqueuedTotal != 2 || m.LinesSkippedShortTotal != 2 {
		t.Fatalf("unexpected metrics: %s", m.String())
	}
}

func TestBulkCountsCharactersNotBytes(t *testing.T) {
	q, _, r := setupTestRouter(nil)

	// 99 개의 2-byte 문자: 198 bytes 지만 99 문자
	line := strings.Repeat("é", 99)
	req := httptest.NewRequest(http.MethodPost, "/_bulk", strings.NewReader(line))
	r.ServeHTTP(httptest.NewRecorder(), req)

	if q.Len() != 0 {
		t.Fatalf("expected 99-character line to be dropped")
	}
}

func TestBulkGzipBody(t *testing.T) {
	q, _, r := setupTestRouter(nil)

	line := strings.Repeat("z", 150)
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, _ = gz.Write([]byte(`{"index":{}}` + "\n" + line + "\n"))
	_ = gz.Close()

	req := httptest.NewRequest(http.MethodPost, "/_bulk", &buf)
	req.Header.Set("Content-Encoding", "gzip")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := drain(t, q); len(got) != 1 || got[0] != line {
		t.Fatalf("unexpected lines: %v", got)
	}
}

func TestBulkBodyTooLarge(t *testing.T) {
	q, m, r := setupTestRouter(nil)

	req := httptest.NewRequest(http.MethodPost, "/_bulk", strings.NewReader(strings.Repeat("y", 5000)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
	if q.Len() != 0 {
		t.Fatalf("nothing should be enqueued")
	}
	if m.BulkRejectedBodyTooLargeTotal != 1 {
		t.Fatalf("expected rejection to be counted")
	}
}

func TestBulkAfterQueueClosed(t *testing.T) {
	q, m, r := setupTestRouter(nil)
	q.Close()

	req := httptest.NewRequest(http.MethodPost, "/_bulk", strings.NewReader(strings.Repeat("q", 120)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if m.LinesEnqueuedTotal != 0 {
		t.Fatalf("closed queue must not count as enqueued")
	}
}

func TestStubRoutes(t *testing.T) {
	_, _, r := setupTestRouter(nil)

	cases := []struct {
		method string
		target string
		status int
		body   string
	}{
		{http.MethodGet, "/", http.StatusOK, `"number":"7.4.2"`},
		{http.MethodGet, "/_xpack", http.StatusOK, `"ilm"`},
		{http.MethodGet, "/_ilm/policy/winlogbeat-7.4.2", http.StatusNotFound, "resource_not_found_exception"},
		{http.MethodPut, "/_ilm/policy/winlogbeat-7.4.2", http.StatusOK, `"acknowledged":true`},
		{http.MethodPut, "/_template/winlogbeat-7.4.2", http.StatusOK, `"acknowledged":true`},
		{http.MethodHead, "/_template/winlogbeat-7.4.2", http.StatusNotFound, ""},
		{http.MethodPut, "/%3Cwinlogbeat-7.4.2-%7Bnow%2Fd%7D-000001%3E", http.StatusOK, `"index":"winlogbeat-7.4.2-`},
		{http.MethodGet, "/%3Cwinlogbeat-7.4.2-%7Bnow%2Fd%7D-000001%3E", http.StatusOK, `"shards_acknowledged":true`},
		{http.MethodGet, "/health", http.StatusOK, "ok"},
		{http.MethodGet, "/_cat/indices", http.StatusNotFound, ""},
	}

	for _, tc := range cases {
		t.Run(tc.method+" "+tc.target, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.target, nil)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, w.Code)
			}
			if tc.body != "" && !strings.Contains(w.Body.String(), tc.body) {
				t.Fatalf("expected %s in %s", tc.body, w.Body.String())
			}
		})
	}
}

func TestShutdownRoute(t *testing.T) {
	var called atomic.Int32
	_, _, r := setupTestRouter(func() { called.Add(1) })

	req := httptest.NewRequest(http.MethodGet, "/shutdown", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if called.Load() != 1 {
		t.Fatalf("expected stop callback to run once")
	}
}

func TestMetricsRouteReportsQueueDepth(t *testing.T) {
	q, _, r := setupTestRouter(nil)
	q.Put([]byte("pending"))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if !strings.Contains(w.Body.String(), "queue_depth=1") {
		t.Fatalf("expected queue depth in %s", w.Body.String())
	}
}

func TestAgentAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/_bulk", nil)
	req.RemoteAddr = "192.168.0.10:51234"
	if got := agentAddr(req); got != "192.168.0.10" {
		t.Fatalf("expected private LAN address kept, got %s", got)
	}

	req.Header.Set("X-Forwarded-For", "10.0.0.5, 172.16.0.1")
	if got := agentAddr(req); got != "10.0.0.5" {
		t.Fatalf("expected first forwarded address, got %s", got)
	}
}
