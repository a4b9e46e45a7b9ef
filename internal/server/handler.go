package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"unicode"
	"unicode/utf8"

	"winlog-ingest/internal/config"
	"winlog-ingest/internal/metrics"
	"winlog-ingest/internal/pool"
	"winlog-ingest/internal/queue"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
)

type Handler struct {
	cfg     config.Config
	metrics *metrics.Metrics
	queue   *queue.Queue
	stop    func() // /shutdown 이 부르는 관리용 정지 요청 (non-blocking)
}

func NewHandler(cfg config.Config, m *metrics.Metrics, q *queue.Queue, stop func()) *Handler {
	return &Handler{
		cfg:     cfg,
		metrics: m,
		queue:   q,
		stop:    stop,
	}
}

// HandleBulk
//
// winlogbeat 의 bulk 업로드를 받는 엔드포인트 (핵심 경로).
//
// body 는 줄 단위로 "action/metadata" 와 "document" 가 번갈아 온다.
//
//	{"index":{"_index":"winlogbeat-7.4.2","_type":"_doc"}}
//	{"@timestamp":"...","winlog":{...}, ...}
//
// 동작:
//  1. body 크기 제한 (MaxBodySize, 초과 시 413)
//  2. Content-Encoding: gzip 이면 풀어서 읽는다 (beat 의 compression_level > 0)
//  3. 뒤쪽 공백 제거 후 '\n' 로 분리, 줄마다 뒤쪽 공백 제거
//  4. MinLineLength(문자 수) 미만 줄은 action header 로 보고 버림, 나머지는 queue 에 push
//
// 처리 결과를 줄 단위로 알려주지 않는다. 항상 200.
func (h *Handler) HandleBulk(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.metrics.BulkRequestsTotal, 1)

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodySize)
	defer r.Body.Close()

	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			http.Error(w, "invalid gzip body", http.StatusBadRequest)
			return
		}
		defer gz.Close()
		body = io.LimitReader(gz, h.cfg.MaxBodySize+1)
	}

	buf := pool.BodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer pool.PutBody(buf, h.cfg.MaxBodySize)

	if _, err := io.Copy(buf, body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			atomic.AddInt64(&h.metrics.BulkRejectedBodyTooLargeTotal, 1)
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}
	if int64(buf.Len()) > h.cfg.MaxBodySize {
		// 압축 해제 후 크기 초과
		atomic.AddInt64(&h.metrics.BulkRejectedBodyTooLargeTotal, 1)
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}

	enqueued, skipped := h.admit(buf.Bytes())

	log.Debug().
		Str("agent", agentAddr(r)).
		Int("enqueued", enqueued).
		Int("skipped", skipped).
		Int("queue_size", h.queue.Len()).
		Msg("bulk accepted")

	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"took":0,"errors":false}`)
}

// admit 는 body 를 줄로 나누어 admission 기준을 통과한 줄만 queue 에 넣는다.
// pool 버퍼는 요청이 끝나면 재사용되므로 줄은 반드시 복사한다.
func (h *Handler) admit(data []byte) (enqueued, skipped int) {
	data = bytes.TrimRightFunc(data, unicode.IsSpace)
	if len(data) == 0 {
		return 0, 0
	}

	for len(data) > 0 {
		var line []byte
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			line, data = data[:i], data[i+1:]
		} else {
			line, data = data, nil
		}
		line = bytes.TrimRightFunc(line, unicode.IsSpace)
		atomic.AddInt64(&h.metrics.LinesReceivedTotal, 1)

		if utf8.RuneCount(line) < h.cfg.MinLineLength {
			atomic.AddInt64(&h.metrics.LinesSkippedShortTotal, 1)
			skipped++
			continue
		}

		item := make([]byte, len(line))
		copy(item, line)
		if !h.queue.Put(item) {
			// 종료 중 (queue closed) 에 들어온 줄
			skipped++
			continue
		}
		atomic.AddInt64(&h.metrics.LinesEnqueuedTotal, 1)
		enqueued++
	}
	return enqueued, skipped
}

// HandleShutdown
//
// 관리용 정지 요청. 실제 종료는 비동기로 진행되고 응답은 즉시 나간다.
func (h *Handler) HandleShutdown(w http.ResponseWriter, r *http.Request) {
	if h.stop == nil {
		http.Error(w, "shutdown not supported", http.StatusServiceUnavailable)
		return
	}
	log.Info().Str("from", agentAddr(r)).Msg("shutdown requested")
	h.stop()
	_, _ = io.WriteString(w, "Server shutting down...\n")
}

// HandleMetrics 는 카운터와 현재 queue 길이를 출력한다.
// queue_depth 는 관측용이다.
func (h *Handler) HandleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, h.metrics.String())
	_, _ = fmt.Fprintf(w, "queue_depth=%d\n", h.queue.Len())
}

func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}
