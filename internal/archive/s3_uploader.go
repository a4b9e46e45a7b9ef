// internal/archive/s3_uploader.go
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"winlog-ingest/internal/config"
	"winlog-ingest/internal/metrics"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfgLib "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// PutObjectAPI 는 S3Uploader 가 쓰는 s3.Client 의 일부.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader 는 run 이 끝난 뒤 출력 파일(압축본 포함)을 S3 로 올린다.
//   - 파일 단위 업로드 (UploadFileWithRetryCtx)
//   - 시도당 timeout + 지수 backoff 재시도
//   - 실패해도 로컬 파일은 그대로 남으므로 치명적이지 않다
type S3Uploader struct {
	cfg     config.Config
	metrics *metrics.Metrics
	client  PutObjectAPI
	runID   string
	now     func() time.Time
}

// NewS3Uploader 는 AWS 기본 credential chain 으로 client 를 만든다.
func NewS3Uploader(ctx context.Context, cfg config.Config, m *metrics.Metrics, runID string) (*S3Uploader, error) {
	awsCfg, err := awsCfgLib.LoadDefaultConfig(ctx, awsCfgLib.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	// 재시도는 애플리케이션 레벨(S3AppRetries)만 사용한다
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 0
	})
	return NewS3UploaderWithClient(cfg, m, client, runID), nil
}

func NewS3UploaderWithClient(cfg config.Config, m *metrics.Metrics, client PutObjectAPI, runID string) *S3Uploader {
	return &S3Uploader{
		cfg:     cfg,
		metrics: m,
		client:  client,
		runID:   runID,
		now:     time.Now,
	}
}

// Archive 는 paths 를 하나씩 업로드한다. 실패한 파일 수만큼 에러를 모아 로그로 남기고
// 첫 에러를 반환한다.
func (u *S3Uploader) Archive(ctx context.Context, paths []string) error {
	at := u.now()
	var first error

	for _, p := range paths {
		key := BuildKey(u.cfg.ArchivePrefix, u.cfg.InstanceID, u.runID, at, p)
		if err := u.uploadPath(ctx, key, p); err != nil {
			log.Error().Err(err).Str("file", p).Str("key", key).Msg("archive upload failed")
			if first == nil {
				first = err
			}
			continue
		}
		atomic.AddInt64(&u.metrics.ArchiveFilesUploadedTotal, 1)
		log.Info().Str("bucket", u.cfg.ArchiveBucket).Str("key", key).Msg("archived output file")
	}
	return first
}

func (u *S3Uploader) uploadPath(ctx context.Context, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return u.UploadFileWithRetryCtx(ctx, key, f, info.Size())
}

// UploadFileWithRetryCtx
// -----------------------
// 로컬 파일을 그대로 S3 로 업로드한다.
// - io.ReadSeeker 라서 retry 시 Seek(0) 으로 rewind
// - backoff 200ms 부터 2배, 최대 2초
// - ctx.Done() 이면 즉시 중단
func (u *S3Uploader) UploadFileWithRetryCtx(
	ctx context.Context,
	key string,
	f io.ReadSeeker,
	size int64,
) error {

	attempts := u.cfg.S3AppRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	backoff := 200 * time.Millisecond

	for attempt := 1; attempt <= attempts; attempt++ {

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}

		if err := u.putObject(ctx, key, f, size); err == nil {
			return nil
		} else {
			lastErr = err
			atomic.AddInt64(&u.metrics.ArchivePutErrorsTotal, 1)
		}

		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 2*time.Second {
				backoff = 2 * time.Second
			}
		}
	}

	return lastErr
}

// putObject 는 PutObject 1 회 호출. 시도당 S3Timeout 적용.
func (u *S3Uploader) putObject(
	ctx context.Context,
	key string,
	body io.Reader,
	size int64,
) error {

	timeout := u.cfg.S3Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx2, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := u.client.PutObject(ctx2, &s3.PutObjectInput{
		Bucket:        aws.String(u.cfg.ArchiveBucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})

	return err
}
