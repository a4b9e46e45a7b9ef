// internal/lifecycle/controller.go
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"winlog-ingest/internal/config"
	"winlog-ingest/internal/metrics"
	"winlog-ingest/internal/queue"
	"winlog-ingest/internal/server"
	"winlog-ingest/internal/worker"

	"github.com/rs/zerolog/log"
)

var (
	ErrNotStarted     = errors.New("lifecycle: not started")
	ErrAlreadyStarted = errors.New("lifecycle: already started")
	ErrStopTimeout    = errors.New("lifecycle: units did not stop within grace period")
)

// Archiver 는 run 이 끝난 출력 파일을 외부 저장소로 보낸다.
type Archiver interface {
	Archive(ctx context.Context, paths []string) error
}

// consumerUnit 은 Controller 가 consumer 에게 요구하는 동작 (*worker.Consumer).
type consumerUnit interface {
	Open() error
	Close() error
	Paths() []string
	Run(ctx context.Context) (worker.StopReason, error)
}

type Option func(*Controller)

// WithArchiver 는 종료 후 업로드 대상을 지정한다. 없으면 로컬 파일만 남는다.
func WithArchiver(a Archiver) Option {
	return func(c *Controller) { c.archiver = a }
}

// Controller
//
// 하나의 collection run 을 구성하는 두 unit 을 묶는다.
//   - ingress : HTTP 수집 (Elasticsearch 흉내 + /_bulk)
//   - consumer: queue → classify → CSV
//
// 흐름:
//
//	Start → (ingress, consumer 동시 실행) → Stop → compress → archive
//
// consumer 가 idle 로 먼저 끝나도 ingress 는 Stop 전까지 계속 받는다.
// 이때 들어온 줄은 queue 에 쌓이고 기록되지 않는다.
// run 은 두 unit 이 모두 멈춰야 완료된다.
type Controller struct {
	cfg     config.Config
	metrics *metrics.Metrics
	queue   *queue.Queue

	ingress  *server.Ingress
	consumer consumerUnit

	compressor worker.Compressor
	archiver   Archiver
	client     *http.Client

	started        bool
	cancelConsumer context.CancelFunc

	ingressDone chan struct{}
	ingressErr  error

	consumerDone   chan struct{}
	consumerReason worker.StopReason
	consumerErr    error

	stopOnce sync.Once
	stopErr  error
}

func New(cfg config.Config, m *metrics.Metrics, opts ...Option) (*Controller, error) {
	q := queue.New()

	comp, err := worker.NewCompressor(cfg.Compress, cfg.CompressEngine)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:          cfg,
		metrics:      m,
		queue:        q,
		ingress:      server.NewIngress(cfg, m, q),
		consumer:     worker.NewConsumer(cfg, m, q),
		compressor:   comp,
		client:       &http.Client{Timeout: 5 * time.Second},
		ingressDone:  make(chan struct{}),
		consumerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start
//
// 순서:
//  1. 이전 run 의 잔여 항목을 queue 에서 비운다
//  2. 출력 파일을 연다 (디렉토리 없음 → 에러, ingress 는 뜨지 않음)
//  3. 포트를 잡는다
//  4. ingress 와 consumer 를 띄운다
func (c *Controller) Start(ctx context.Context) error {
	if c.started {
		return ErrAlreadyStarted
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if n := c.queue.Clear(); n > 0 {
		log.Warn().Int("discarded", n).Msg("discarded stale queue items")
	}

	if err := c.consumer.Open(); err != nil {
		return fmt.Errorf("open output files: %w", err)
	}

	if err := c.ingress.Listen(); err != nil {
		_ = c.consumer.Close()
		return fmt.Errorf("listen %s: %w", c.cfg.HTTPAddr, err)
	}

	consumerCtx, cancel := context.WithCancel(context.Background())
	c.cancelConsumer = cancel
	c.started = true

	go func() {
		defer close(c.ingressDone)
		c.ingressErr = c.ingress.Serve()
	}()

	go func() {
		defer close(c.consumerDone)
		c.consumerReason, c.consumerErr = c.consumer.Run(consumerCtx)
	}()

	log.Info().
		Str("addr", c.Addr()).
		Str("output_dir", c.cfg.OutputDir).
		Str("compress", c.cfg.Compress).
		Msg("run started")

	return nil
}

// Addr 는 ingress 가 실제로 bind 된 주소.
func (c *Controller) Addr() string {
	if a := c.ingress.Addr(); a != nil {
		return a.String()
	}
	return ""
}

func (c *Controller) IngressDone() <-chan struct{}  { return c.ingressDone }
func (c *Controller) ConsumerDone() <-chan struct{} { return c.consumerDone }

// ConsumerReason 은 ConsumerDone 이 닫힌 뒤에만 의미가 있다.
func (c *Controller) ConsumerReason() worker.StopReason {
	select {
	case <-c.consumerDone:
		return c.consumerReason
	default:
		return ""
	}
}

// Stop
//
// 1) ingress: GET /shutdown 으로 정지 요청 → grace 안에 안 끝나면 강제 종료
// 2) consumer: queue Close 후 남은 항목 소진 → grace 초과 시 ctx 취소
// 3) 둘 다 멈췄으면 출력 파일 압축 후 archive
//
// 여러 번 불러도 첫 결과를 돌려준다.
func (c *Controller) Stop(ctx context.Context) error {
	if !c.started {
		return ErrNotStarted
	}
	c.stopOnce.Do(func() {
		c.stopErr = c.stop(ctx)
	})
	return c.stopErr
}

func (c *Controller) stop(ctx context.Context) error {
	grace := c.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 15 * time.Second
	}

	// ---- 1) ingress ----
	select {
	case <-c.ingressDone:
	default:
		c.requestShutdown(ctx)
	}
	// Serve 자체가 grace 동안 Shutdown 을 기다리므로 여유를 조금 더 둔다
	if !c.await(ctx, c.ingressDone, grace+time.Second) {
		log.Warn().Msg("ingress did not stop in time, forcing close")
		_ = c.ingress.Close()
		c.await(ctx, c.ingressDone, time.Second)
	}

	// ---- 2) consumer ----
	c.queue.Close()
	if !c.await(ctx, c.consumerDone, grace) {
		log.Warn().Int("pending", c.queue.Len()).Msg("consumer did not drain in time, cancelling")
		c.cancelConsumer()
		c.await(context.Background(), c.consumerDone, time.Second)
	}
	c.cancelConsumer()

	if !closed(c.ingressDone) || !closed(c.consumerDone) {
		return ErrStopTimeout
	}

	log.Info().
		Str("consumer_reason", string(c.consumerReason)).
		Int64("rows", c.metrics.RowsTotal()).
		Msg("run stopped")

	// ---- 3) compress + archive ----
	paths := worker.CompressAll(ctx, c.compressor, c.consumer.Paths(), c.metrics)

	// archive 실패는 run 실패가 아니다. 로컬 파일은 그대로 남는다.
	if c.archiver != nil {
		if err := c.archiver.Archive(ctx, paths); err != nil {
			log.Warn().Err(err).Msg("archive incomplete, output files kept locally")
		}
	}

	return errors.Join(c.ingressErr, c.consumerErr)
}

// requestShutdown 은 자기 자신의 /shutdown 을 HTTP 로 호출한다.
// 호출이 실패하면 같은 정지 요청을 직접 건다.
func (c *Controller) requestShutdown(ctx context.Context) {
	url := "http://" + loopbackAddr(c.Addr()) + "/shutdown"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err == nil {
		var resp *http.Response
		resp, err = c.client.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
			err = fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
	}

	log.Warn().Err(err).Str("url", url).Msg("admin shutdown request failed, stopping ingress directly")
	c.ingress.RequestStop()
}

// Run 은 Start 후 Wait 한다.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	return c.Wait(ctx)
}

// Wait 는 다음 중 하나가 올 때까지 기다렸다가 Stop 한다.
//   - ctx 취소 (SIGINT / SIGTERM)
//   - RunTimeout 경과
//   - 외부에서 /shutdown 을 호출해 ingress 가 멈춤
func (c *Controller) Wait(ctx context.Context) error {
	if !c.started {
		return ErrNotStarted
	}

	var deadline <-chan time.Time
	if c.cfg.RunTimeout > 0 {
		t := time.NewTimer(c.cfg.RunTimeout)
		defer t.Stop()
		deadline = t.C
	}

	consumerDone := c.ConsumerDone()
wait:
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stop signal received")
			break wait

		case <-deadline:
			log.Info().Dur("run_timeout", c.cfg.RunTimeout).Msg("run timeout reached")
			break wait

		case <-c.ingressDone:
			log.Info().Msg("ingress stopped by admin request")
			break wait

		case <-consumerDone:
			consumerDone = nil
			log.Info().
				Str("reason", string(c.consumerReason)).
				Msg("consumer finished, ingress keeps accepting until stop")
		}
	}

	return c.Stop(context.Background())
}

// await 는 done 이 닫히면 true, timeout 또는 ctx 취소면 false.
func (c *Controller) await(ctx context.Context, done <-chan struct{}, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-done:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return closed(done)
	}
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// loopbackAddr 는 0.0.0.0 / :: 으로 bind 된 경우 접속 가능한 loopback 주소로 바꾼다.
func loopbackAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	ip := net.ParseIP(host)
	switch {
	case host == "":
		host = "127.0.0.1"
	case ip != nil && ip.IsUnspecified():
		if ip.To4() != nil {
			host = "127.0.0.1"
		} else {
			host = "::1"
		}
	}
	return net.JoinHostPort(host, port)
}
