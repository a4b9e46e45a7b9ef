package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"winlog-ingest/internal/archive"
	"winlog-ingest/internal/config"
	"winlog-ingest/internal/lifecycle"
	"winlog-ingest/internal/logger"
	"winlog-ingest/internal/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
)

func main() {
	os.Exit(run())
}

func run() int {

	// ====================================================================
	// CPU 설정
	// ====================================================================
	//
	// 수집기는 HTTP goroutine 과 consumer goroutine 두 개가 핵심이라
	// 코어를 많이 쓰지 않는다. 컨테이너 CPU quota 가 작은 환경에서
	// GOMAXPROCS 가 호스트 코어 수로 잡히면 scheduling 낭비가 생기므로
	// 환경변수로 명시한 경우에만 그 값을 따른다.
	// ====================================================================
	if v := os.Getenv("GOMAXPROCS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			runtime.GOMAXPROCS(n)
		}
	}

	// ====================================================================
	// Config (env) + CLI flag
	// ====================================================================
	//
	// 기본값은 환경변수(config.Load), flag 가 주어지면 flag 가 우선한다.
	// 출력 디렉토리는 positional 인자 (또는 OUTPUT_DIR).
	// ====================================================================
	cfg := config.Load()

	fs := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <output-dir>\n\n", os.Args[0])
		fs.PrintDefaults()
	}
	addr := fs.String("addr", cfg.HTTPAddr, "listen address")
	idle := fs.Duration("idle-timeout", cfg.IdleTimeout, "stop writing after this long without records")
	runTimeout := fs.Duration("run-timeout", cfg.RunTimeout, "stop the run after this long (0 = until signal or /shutdown)")
	compress := fs.String("compress", cfg.Compress, "compress output files on stop: none, gz, xz, bz2, lz4, zstd")
	engine := fs.String("compress-engine", cfg.CompressEngine, "compression engine: exec or native")
	debug := fs.Bool("debug", false, "enable debug logging")
	logFile := fs.String("log-file", cfg.LogFile, "append logs to this file instead of stdout")

	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}

	cfg.HTTPAddr = *addr
	cfg.IdleTimeout = *idle
	cfg.RunTimeout = *runTimeout
	cfg.Compress = strings.ToLower(*compress)
	cfg.CompressEngine = strings.ToLower(*engine)
	cfg.LogFile = *logFile
	if *debug {
		cfg.LogLevel = "debug"
		cfg.LogPretty = true
	}
	if fs.NArg() > 0 {
		cfg.OutputDir = fs.Arg(0)
	}
	if cfg.OutputDir == "" {
		fs.Usage()
		return 2
	}

	// ====================================================================
	// Logger
	// ====================================================================
	//
	// run 마다 새 id 를 붙여서 같은 instance 의 여러 run 로그를 구분한다.
	// 같은 id 가 archive key 에도 들어간다.
	// ====================================================================
	runID := uuid.NewString()

	closer, err := logger.Init(cfg, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return 1
	}
	defer closer.Close()

	m := metrics.New()

	var opts []lifecycle.Option
	if cfg.ArchiveBucket != "" {
		uploader, err := archive.NewS3Uploader(context.Background(), cfg, m, runID)
		if err != nil {
			log.Error().Err(err).Msg("archive init failed")
			return 1
		}
		opts = append(opts, lifecycle.WithArchiver(uploader))
	}

	ctrl, err := lifecycle.New(cfg, m, opts...)
	if err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return 1
	}

	// ====================================================================
	// Signal
	// ====================================================================
	//
	// SIGINT / SIGTERM 은 정상 종료 경로와 같다:
	//   ingress 정지 → queue 소진 → 파일 close → 압축 → archive
	// ====================================================================
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Run(ctx); err != nil {
		log.Error().Err(err).Msg("run failed")
		return 1
	}

	log.Info().Int64("rows", m.RowsTotal()).Msg("shutdown complete")
	return 0
}
