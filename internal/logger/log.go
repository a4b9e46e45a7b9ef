// internal/logger/log.go
package logger

import (
	"io"
	"os"
	"strings"

	"winlog-ingest/internal/config"

	stdlog "log"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Init
//
// 프로세스 시작 시 한 번 호출되는 로거 초기화 함수.
//
//  1. 로그 포맷: LogPretty=true 면 ConsoleWriter, 아니면 JSON
//  2. 출력 대상: LogFile 이 있으면 해당 파일에 append, 없으면 stdout
//  3. 공통 필드: service / instance / run
//  4. 샘플링: LogSampleN > 1 이면 Debug/Info 만 N 개 중 1 개 기록 (Warn/Error 는 100%)
//
// 반환된 io.Closer 는 로그 파일을 닫는다. stdout 이면 no-op.
func Init(cfg config.Config, runID string) (io.Closer, error) {

	// 1) 최소 출력 레벨
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel))); err == nil && l != zerolog.NoLevel {
		level = l
	}
	zerolog.SetGlobalLevel(level)

	// 2) 출력 대상
	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		out = f
		closer = f
	}

	// 3) 사람 vs 기계
	var w io.Writer = out
	if cfg.LogPretty {
		w = zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    cfg.LogFile != "",
			TimeFormat: "15:04:05",
		}
	}

	base := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("instance", cfg.InstanceID).
		Str("run", runID).
		Logger()

	// 4) 샘플링
	logger := base
	if cfg.LogSampleN > 1 {
		logger = base.Sample(&zerolog.LevelSampler{
			DebugSampler: &zerolog.BasicSampler{N: cfg.LogSampleN},
			InfoSampler:  &zerolog.BasicSampler{N: cfg.LogSampleN},
		})
	}

	// 5) 전역 Logger 교체 + 표준 log 연결
	zlog.Logger = logger
	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)

	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
