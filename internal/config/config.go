// internal/config/config.go
package config

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config
//
// 프로세스 실행에 필요한 모든 설정 값을 보관하는 구조체.
// Load() 가 환경변수 + 기본값으로 채우고, cmd/server 가 CLI 플래그로 일부를 덮어쓴다.
// 이후 Lifecycle Controller 가 시작되면 변경하지 않는 read-only 값이다.
type Config struct {

	// ---------------------------
	// 서버 식별자 / 네트워크
	// ---------------------------

	ServiceName string // 로그 공통 필드 (예: winlog-ingest)
	InstanceID  string // 호스트명 기반, 실패 시 랜덤 hex
	HTTPAddr    string // bind 주소 (winlogbeat 기본 대상: 0.0.0.0:5000)
	IndexName   string // stub 엔드포인트가 흉내내는 index/template/policy 이름

	// ---------------------------
	// 수집(/_bulk) 파라미터
	// ---------------------------

	MaxBodySize   int64 // 단일 bulk 요청 body 최대 크기 (바이트)
	MinLineLength int   // admission 기준 (문자 수). 이보다 짧은 줄은 bulk action header 로 간주

	// ---------------------------
	// Consumer / Lifecycle
	// ---------------------------

	OutputDir     string        // thread/process/syscall/status.csv 가 생성될 디렉토리 (반드시 존재해야 함)
	IdleTimeout   time.Duration // 이 시간 동안 아무 줄도 오지 않으면 consumer 종료
	PollInterval  time.Duration // queue poll timeout (idle 판단 주기)
	ShutdownGrace time.Duration // Stop 시 unit 별 대기 시간, 초과하면 강제 종료
	RunTimeout    time.Duration // 0 이면 무제한. Run 루프 자체의 timeout

	// ---------------------------
	// 종료 후 압축 / 아카이브
	// ---------------------------

	Compress       string // none | gz | xz | bz2 | lz4 | zstd
	CompressEngine string // exec (외부 유틸리티) | native (프로세스 내부)

	ArchiveBucket string // 비어있으면 업로드 비활성
	ArchivePrefix string
	AWSRegion     string
	S3Timeout     time.Duration // PutObject 시도당 timeout
	S3AppRetries  int           // 애플리케이션 레벨 재시도 횟수 (SDK retry 는 0)

	// ---------------------------
	// 로깅
	// ---------------------------

	LogLevel   string
	LogPretty  bool
	LogSampleN uint32
	LogFile    string // 비어있으면 stdout
}

// Load
//
// 환경변수 기반으로 Config 를 초기화한다.
// 값이 없으면 기본값을 쓰고, 형식이 잘못된 값은 즉시 종료(fail-fast).
// OutputDir 은 보통 CLI positional 인자로 채워진다.
func Load() Config {
	return Config{
		ServiceName: envOr("SERVICE_NAME", "winlog-ingest"),
		InstanceID:  envOr("INSTANCE_ID", fallbackInstanceID()),
		HTTPAddr:    envOr("HTTP_ADDR", "0.0.0.0:5000"),
		IndexName:   envOr("INDEX_NAME", "winlogbeat-7.4.2"),

		MaxBodySize:   envInt64("MAX_BODY_SIZE", 100*1024*1024),
		MinLineLength: envInt("MIN_LINE_LENGTH", 100),

		OutputDir:     os.Getenv("OUTPUT_DIR"),
		IdleTimeout:   envDur("IDLE_TIMEOUT", 60*time.Second),
		PollInterval:  envDur("POLL_INTERVAL", time.Second),
		ShutdownGrace: envDur("SHUTDOWN_GRACE", 15*time.Second),
		RunTimeout:    envDur("RUN_TIMEOUT", 0),

		Compress:       strings.ToLower(envOr("COMPRESS", "none")),
		CompressEngine: strings.ToLower(envOr("COMPRESS_ENGINE", "exec")),

		ArchiveBucket: os.Getenv("ARCHIVE_BUCKET"),
		ArchivePrefix: envOr("ARCHIVE_PREFIX", "winlog"),
		AWSRegion:     envOr("AWS_REGION", "ap-northeast-2"),
		S3Timeout:     envDur("S3_TIMEOUT", 10*time.Second),
		S3AppRetries:  envInt("S3_APP_RETRIES", 3),

		LogLevel:   envOr("LOG_LEVEL", "info"),
		LogPretty:  envBool("LOG_PRETTY", false),
		LogSampleN: uint32(envInt("LOG_SAMPLE_N", 1)),
		LogFile:    os.Getenv("LOG_FILE"),
	}
}

// envOr / envInt / envInt64 / envDur / envBool
//
// 값이 비어있으면 기본값, 값이 있는데 파싱에 실패하면 즉시 종료.
// 잘못된 설정으로 한참 돌다가 이상 동작하는 것보다 시작 시점에 죽는 편이 낫다.
func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := envOr(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("invalid int env %s=%q: %v", key, v, err)
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := envOr(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Fatalf("invalid int64 env %s=%q: %v", key, v, err)
	}
	return n
}

func envDur(key string, def time.Duration) time.Duration {
	v := envOr(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("invalid duration env %s=%q: %v", key, v, err)
	}
	return d
}

func envBool(key string, def bool) bool {
	v := envOr(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Fatalf("invalid bool env %s=%q: %v", key, v, err)
	}
	return b
}

// fallbackInstanceID
//
// 인스턴스 식별 값.
//   - 기본: hostname
//   - fallback: 12자리 랜덤 hex
func fallbackInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	var b [6]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}
