package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"winlog-ingest/internal/config"
	"winlog-ingest/internal/metrics"
	"winlog-ingest/internal/queue"

	"github.com/rs/zerolog/log"
)

// Ingress 는 HTTP 수집 서비스다.
// /_bulk 로 받은 줄을 queue 에 넣는 것 외에 파일 I/O 는 하지 않는다.
//
// 정지 경로:
//   - RequestStop (또는 GET /shutdown): 새 연결을 받지 않고 진행 중인 요청을 마친 뒤 종료
//   - Close: 연결을 즉시 끊는 강제 종료
type Ingress struct {
	cfg config.Config
	srv *http.Server
	ln  net.Listener

	stopping chan struct{}
	stopOnce sync.Once
}

func NewIngress(cfg config.Config, m *metrics.Metrics, q *queue.Queue) *Ingress {
	ing := &Ingress{
		cfg:      cfg,
		stopping: make(chan struct{}),
	}

	h := NewHandler(cfg, m, q, ing.RequestStop)

	// bulk body 는 수 MB 까지 올 수 있어서 read timeout 을 넉넉히 둔다.
	ing.srv = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           NewRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}
	return ing
}

// Listen 은 포트를 먼저 잡는다. 실패하면 Start 단계에서 바로 에러가 난다.
func (i *Ingress) Listen() error {
	ln, err := net.Listen("tcp", i.cfg.HTTPAddr)
	if err != nil {
		return err
	}
	i.ln = ln
	return nil
}

// Addr 는 실제로 bind 된 주소 (":0" 으로 띄운 경우 포함).
func (i *Ingress) Addr() net.Addr {
	if i.ln == nil {
		return nil
	}
	return i.ln.Addr()
}

// Serve 는 정지될 때까지 block 한다. 정상 종료면 nil.
func (i *Ingress) Serve() error {
	if i.ln == nil {
		return errors.New("ingress: Listen must be called before Serve")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- i.srv.Serve(i.ln)
	}()

	log.Info().Str("addr", i.ln.Addr().String()).Msg("ingress listening")

	select {
	case err := <-errCh:
		// Close 로 강제 종료되었거나 listener 가 깨진 경우
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err

	case <-i.stopping:
		grace := i.cfg.ShutdownGrace
		if grace <= 0 {
			grace = 15 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		err := i.srv.Shutdown(ctx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("ingress graceful shutdown timed out, closing connections")
			_ = i.srv.Close()
		}

		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		log.Info().Msg("ingress stopped")
		return nil
	}
}

// RequestStop 은 graceful 종료를 요청한다. block 하지 않으며 여러 번 불러도 된다.
func (i *Ingress) RequestStop() {
	i.stopOnce.Do(func() {
		close(i.stopping)
	})
}

// Close 는 listener 와 모든 연결을 즉시 닫는다.
func (i *Ingress) Close() error {
	return i.srv.Close()
}
