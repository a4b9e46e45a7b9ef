// internal/worker/consumer.go
package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"winlog-ingest/internal/classify"
	"winlog-ingest/internal/config"
	"winlog-ingest/internal/metrics"
	"winlog-ingest/internal/model"
	"winlog-ingest/internal/queue"

	"github.com/rs/zerolog/log"
)

// StopReason 은 consumer 가 끝난 이유.
type StopReason string

const (
	ReasonIdle      StopReason = "idle"      // IdleTimeout 동안 항목 없음
	ReasonDrained   StopReason = "drained"   // queue Close + 남은 항목 소진
	ReasonCancelled StopReason = "cancelled" // ctx 취소 (강제 종료)
)

// Consumer 는 hand-off queue 를 비우면서 줄을 분류하고
// Category 별 CSV 파일에 기록하는 worker 다.
//
// 상태:
//   - Open 전: 파일 없음
//   - Running: Get → classify → write, 배달될 때마다 idle 기준 시각 갱신
//   - Terminated: 모든 파일 flush + close
//
// 네 출력 파일은 Run 이 끝날 때까지 이 goroutine 만 소유한다.
type Consumer struct {
	cfg     config.Config
	metrics *metrics.Metrics
	queue   *queue.Queue
	writers *categoryWriters

	running atomic.Bool
}

func NewConsumer(cfg config.Config, m *metrics.Metrics, q *queue.Queue) *Consumer {
	return &Consumer{
		cfg:     cfg,
		metrics: m,
		queue:   q,
	}
}

// Open 은 OutputDir 을 검사하고 네 파일을 truncate 해서 연다.
// 디렉토리가 없으면 ErrOutputDirMissing (파일은 하나도 만들지 않음).
func (c *Consumer) Open() error {
	w, err := openWriters(c.cfg.OutputDir)
	if err != nil {
		return err
	}
	c.writers = w
	return nil
}

// Paths 는 출력 파일 경로 (Categories 순서).
func (c *Consumer) Paths() []string {
	return OutputPaths(c.cfg.OutputDir)
}

// Close 는 Run 없이 끝내야 할 때 (startup 실패 등) 열린 파일을 닫는다.
// Run 이 끝난 뒤에 불러도 된다.
func (c *Consumer) Close() error {
	if c.writers == nil {
		return nil
	}
	return c.writers.Close()
}

// Running 은 Run 루프가 살아있는지 여부.
func (c *Consumer) Running() bool {
	return c.running.Load()
}

// Run
//
// Terminated 가 될 때까지 block 한다. 반환 error 는 flush/close 실패뿐이며
// 레코드 단위 실패는 카운터와 로그로만 남는다.
func (c *Consumer) Run(ctx context.Context) (StopReason, error) {
	if c.writers == nil {
		return "", errors.New("consumer: Open must be called before Run")
	}

	c.running.Store(true)
	defer c.running.Store(false)

	reason := c.loop(ctx)

	err := c.writers.Close()
	if err != nil {
		log.Error().Err(err).Msg("closing output files failed")
	}

	log.Info().
		Str("reason", string(reason)).
		Int64("rows", c.metrics.RowsTotal()).
		Int64("unrecognized", atomic.LoadInt64(&c.metrics.RecordsUnrecognizedTotal)).
		Msg("consumer terminated")

	return reason, err
}

func (c *Consumer) loop(ctx context.Context) StopReason {
	log.Info().Str("dir", c.cfg.OutputDir).Dur("idle_timeout", c.cfg.IdleTimeout).Msg("consumer started")

	idleSince := time.Now()
	dirty := false

	for {
		// idle 판정이 늦어지지 않도록 poll 은 남은 idle 시간을 넘기지 않는다
		wait := c.cfg.PollInterval
		if remaining := c.cfg.IdleTimeout - time.Since(idleSince); remaining < wait {
			wait = remaining
		}
		if wait <= 0 {
			wait = time.Millisecond
		}

		item, err := c.queue.Get(ctx, wait)
		switch {
		case err == nil:
			idleSince = time.Now()
			c.handle(item)
			dirty = true

		case errors.Is(err, queue.ErrEmpty):
			// 쉬는 틈에 버퍼를 내려서 파일을 tail 하는 쪽이 바로 볼 수 있게 한다
			if dirty {
				c.flush()
				dirty = false
			}
			if time.Since(idleSince) >= c.cfg.IdleTimeout {
				return ReasonIdle
			}

		case errors.Is(err, queue.ErrClosed):
			return ReasonDrained

		default:
			return ReasonCancelled
		}
	}
}

// handle 은 한 줄을 분류해서 해당 파일에 기록한다.
func (c *Consumer) handle(item []byte) {
	log.Debug().Int("queue_size", c.queue.Len()).Msg("processing queue element")

	cat, row := classify.Classify(item)
	if cat == model.Unrecognized {
		atomic.AddInt64(&c.metrics.RecordsUnrecognizedTotal, 1)
		return
	}

	if err := c.writers.Write(cat, row); err != nil {
		atomic.AddInt64(&c.metrics.WriteErrorsTotal, 1)
		log.Error().Err(err).Str("category", cat.String()).Msg("write row failed")
		return
	}
	c.metrics.AddRow(cat)
}

func (c *Consumer) flush() {
	if err := c.writers.Flush(); err != nil {
		atomic.AddInt64(&c.metrics.WriteErrorsTotal, 1)
		log.Error().Err(err).Msg("flush output files failed")
	}
}
