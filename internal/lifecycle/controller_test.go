package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"winlog-ingest/internal/config"
	"winlog-ingest/internal/metrics"
	"winlog-ingest/internal/worker"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func testConfig(dir string) config.Config {
	return config.Config{
		InstanceID:     "test",
		HTTPAddr:       "127.0.0.1:0",
		IndexName:      "winlogbeat-7.4.2",
		MaxBodySize:    1 << 20,
		MinLineLength:  100,
		OutputDir:      dir,
		IdleTimeout:    time.Minute,
		PollInterval:   10 * time.Millisecond,
		ShutdownGrace:  2 * time.Second,
		Compress:       "none",
		CompressEngine: "exec",
	}
}

const threadDoc = `{"@timestamp":"2020-01-01T00:00:00Z","agent":{"type":"winlogbeat","version":"7.4.2"},` +
	`"winlog":{"provider_name":"Call Logger","event_data":{"opcode":2,"name":"svc.exe","ppid":4,"pid":100,"tid":7,"newtid":12,"created":"2020-01-01T00:00:00Z"}}}`

func postBulk(t *testing.T, addr, body string) {
	t.Helper()
	resp, err := http.Post("http://"+addr+"/_bulk", "application/x-ndjson", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post bulk: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestEndToEndThreadRecord(t *testing.T) {
	dir := t.TempDir()
	c, err := New(testConfig(dir), metrics.New())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	postBulk(t, c.Addr(), `{"index":{"_index":"winlogbeat-7.4.2","_type":"_doc"}}`+"\n"+threadDoc+"\n")

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	want := `2020-01-01T00:00:00Z,"svc.exe",4,100,7,12,2020-01-01T00:00:00Z` + "\n"
	if got := readFile(t, filepath.Join(dir, "thread.csv")); got != want {
		t.Fatalf("thread.csv mismatch:\n got %q\nwant %q", got, want)
	}
	for _, name := range []string{"process.csv", "syscall.csv", "status.csv"} {
		if got := readFile(t, filepath.Join(dir, name)); got != "" {
			t.Fatalf("expected %s to be empty, got %q", name, got)
		}
	}

	if c.ConsumerReason() != worker.ReasonDrained {
		t.Fatalf("expected drained consumer, got %q", c.ConsumerReason())
	}
	if _, err := http.Get("http://" + c.Addr() + "/health"); err == nil {
		t.Fatalf("ingress still accepting after stop")
	}
}

func TestStartFailsWithoutOutputDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing")
	c, err := New(testConfig(dir), metrics.New())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	err = c.Start(context.Background())
	if !errors.Is(err, worker.ErrOutputDirMissing) {
		t.Fatalf("expected ErrOutputDirMissing, got %v", err)
	}
	if c.Addr() != "" {
		t.Fatalf("ingress must not bind when startup fails")
	}
	if err := c.Stop(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestIdleConsumerLeavesIngressRunning(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.IdleTimeout = 50 * time.Millisecond

	c, err := New(cfg, metrics.New())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-c.ConsumerDone():
	case <-time.After(2 * time.Second):
		t.Fatalf("consumer did not idle out")
	}
	if c.ConsumerReason() != worker.ReasonIdle {
		t.Fatalf("expected idle, got %q", c.ConsumerReason())
	}

	resp, err := http.Get("http://" + c.Addr() + "/health")
	if err != nil {
		t.Fatalf("ingress should still be up: %v", err)
	}
	resp.Body.Close()

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-c.IngressDone():
	default:
		t.Fatalf("ingress not stopped")
	}
}

func TestWaitEndsOnAdminShutdown(t *testing.T) {
	c, err := New(testConfig(t.TempDir()), metrics.New())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Wait(context.Background())
	}()

	resp, err := http.Get("http://" + c.Addr() + "/shutdown")
	if err != nil {
		t.Fatalf("shutdown request: %v", err)
	}
	resp.Body.Close()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not end after admin shutdown")
	}
}

func TestRunEndsOnContextCancel(t *testing.T) {
	c, err := New(testConfig(t.TempDir()), metrics.New())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not end after cancel")
	}
}

type recordingArchiver struct {
	mu    sync.Mutex
	paths []string
}

func (r *recordingArchiver) Archive(_ context.Context, paths []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, paths...)
	return nil
}

func TestStopCompressesAndArchives(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.Compress = "gz"
	cfg.CompressEngine = "native"

	arch := &recordingArchiver{}
	m := metrics.New()
	c, err := New(cfg, m, WithArchiver(arch))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	postBulk(t, c.Addr(), threadDoc+"\n")

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if len(arch.paths) != 4 {
		t.Fatalf("expected 4 archived files, got %v", arch.paths)
	}
	for _, p := range arch.paths {
		if !strings.HasSuffix(p, ".csv.gz") {
			t.Fatalf("expected compressed path, got %s", p)
		}
		if _, err := os.Stat(strings.TrimSuffix(p, ".gz")); !os.IsNotExist(err) {
			t.Fatalf("original %s should be removed", p)
		}
	}
	if m.FilesCompressedTotal != 4 {
		t.Fatalf("expected 4 compressed files, got %d", m.FilesCompressedTotal)
	}

	// 두 번째 Stop 은 같은 결과
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestLoopbackAddr(t *testing.T) {
	cases := map[string]string{
		"0.0.0.0:5000":   "127.0.0.1:5000",
		"[::]:5000":      "[::1]:5000",
		":5000":          "127.0.0.1:5000",
		"10.0.0.3:5000":  "10.0.0.3:5000",
		"127.0.0.1:5000": "127.0.0.1:5000",
	}
	for in, want := range cases {
		if got := loopbackAddr(in); got != want {
			t.Errorf("loopbackAddr(%q) = %q, want %q", in, got, want)
		}
	}
}

type failingArchiver struct{}

func (failingArchiver) Archive(context.Context, []string) error {
	return errors.New("bucket unreachable")
}

func TestArchiveFailureDoesNotFailStop(t *testing.T) {
	dir := t.TempDir()
	c, err := New(testConfig(dir), metrics.New(), WithArchiver(failingArchiver{}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("stop should succeed when archive fails: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "thread.csv")); err != nil {
		t.Fatalf("local output must be kept: %v", err)
	}
}

func TestNewRejectsUnknownCompression(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Compress = "rar"
	if _, err := New(cfg, metrics.New()); err == nil {
		t.Fatalf("expected error for unknown compression format")
	}
}

// syncBuffer 는 여러 goroutine 이 동시에 로그를 써도 되는 buffer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLogs(t *testing.T) *syncBuffer {
	t.Helper()
	out := &syncBuffer{}
	prev := log.Logger
	log.Logger = zerolog.New(out)
	t.Cleanup(func() { log.Logger = prev })
	return out
}

type refusingTransport struct {
	mu    sync.Mutex
	calls int
}

func (r *refusingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return nil, errors.New("connection refused")
}

func TestStopFallsBackWhenAdminShutdownUnreachable(t *testing.T) {
	logs := captureLogs(t)
	dir := t.TempDir()

	c, err := New(testConfig(dir), metrics.New())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	transport := &refusingTransport{}
	c.client = &http.Client{Transport: transport, Timeout: time.Second}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	postBulk(t, c.Addr(), threadDoc+"\n")

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if transport.calls != 1 {
		t.Fatalf("expected one admin shutdown attempt, got %d", transport.calls)
	}
	if !strings.Contains(logs.String(), "admin shutdown request failed") {
		t.Fatalf("expected fallback to be logged, got:\n%s", logs.String())
	}
	select {
	case <-c.IngressDone():
	default:
		t.Fatalf("ingress still running after fallback stop")
	}
	if got := readFile(t, filepath.Join(dir, "thread.csv")); !strings.Contains(got, `"svc.exe"`) {
		t.Fatalf("queued line should still be written, got %q", got)
	}
}

// stallingConsumer 는 queue 가 닫혀도 끝나지 않는 consumer.
//   - honorCancel=true : ctx 취소 시 ReasonCancelled 로 끝남
//   - honorCancel=false: release 가 닫힐 때까지 끝나지 않음
type stallingConsumer struct {
	paths       []string
	honorCancel bool
	release     chan struct{}
}

func (s *stallingConsumer) Open() error     { return nil }
func (s *stallingConsumer) Close() error    { return nil }
func (s *stallingConsumer) Paths() []string { return s.paths }

func (s *stallingConsumer) Run(ctx context.Context) (worker.StopReason, error) {
	if s.honorCancel {
		<-ctx.Done()
		return worker.ReasonCancelled, nil
	}
	<-s.release
	return worker.ReasonDrained, nil
}

func stallingPaths(t *testing.T, dir string) []string {
	t.Helper()
	paths := worker.OutputPaths(dir)
	for _, p := range paths {
		if err := os.WriteFile(p, []byte("row\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return paths
}

func TestStopCancelsConsumerAfterGrace(t *testing.T) {
	logs := captureLogs(t)
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.ShutdownGrace = 50 * time.Millisecond

	arch := &recordingArchiver{}
	c, err := New(cfg, metrics.New(), WithArchiver(arch))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c.consumer = &stallingConsumer{paths: stallingPaths(t, dir), honorCancel: true}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if c.ConsumerReason() != worker.ReasonCancelled {
		t.Fatalf("expected cancelled consumer, got %q", c.ConsumerReason())
	}
	if !strings.Contains(logs.String(), "consumer did not drain in time") {
		t.Fatalf("expected forced cancel to be logged, got:\n%s", logs.String())
	}
	if len(arch.paths) != 4 {
		t.Fatalf("post-run steps should run once both units stopped, got %v", arch.paths)
	}
}

func TestStopTimesOutWhenConsumerNeverExits(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.ShutdownGrace = 50 * time.Millisecond
	cfg.Compress = "gz"
	cfg.CompressEngine = "native"

	arch := &recordingArchiver{}
	m := metrics.New()
	c, err := New(cfg, m, WithArchiver(arch))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	stuck := &stallingConsumer{paths: stallingPaths(t, dir), release: make(chan struct{})}
	t.Cleanup(func() { close(stuck.release) })
	c.consumer = stuck

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	err = c.Stop(context.Background())
	if !errors.Is(err, ErrStopTimeout) {
		t.Fatalf("expected ErrStopTimeout, got %v", err)
	}

	if m.FilesCompressedTotal != 0 {
		t.Fatalf("compression must be skipped when a unit is still running")
	}
	for _, p := range stuck.paths {
		if _, err := os.Stat(p + ".gz"); !os.IsNotExist(err) {
			t.Fatalf("unexpected compressed file for %s", p)
		}
	}
	if len(arch.paths) != 0 {
		t.Fatalf("archive must be skipped when a unit is still running, got %v", arch.paths)
	}
	select {
	case <-c.IngressDone():
	default:
		t.Fatalf("ingress should still have been stopped")
	}
}
