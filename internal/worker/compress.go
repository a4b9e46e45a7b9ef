// internal/worker/compress.go
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"

	"winlog-ingest/internal/metrics"
	"winlog-ingest/internal/pool"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/rs/zerolog/log"
)

// removeFile 은 테스트에서 삭제 실패를 흉내 내기 위해 바꿀 수 있다.
var removeFile = os.Remove

// ErrToolMissing 는 외부 압축 유틸리티를 PATH 에서 찾지 못했을 때.
// 종료 처리에서는 경고 후 건너뛴다 (run 자체는 성공).
var ErrToolMissing = errors.New("compression utility not found")

// Compressor 는 파일 하나를 <path><suffix> 로 바꾸고 원본을 지운다.
type Compressor interface {
	Name() string
	Compress(ctx context.Context, path string) (string, error)
}

// 외부 유틸리티 (stdin → stdout). 속도 우선으로 모두 -1.
var execTools = map[string]struct {
	argv   []string
	suffix string
}{
	"gz":   {[]string{"gzip", "-1"}, ".gz"},
	"xz":   {[]string{"xz", "-1", "-F", "xz", "-C", "sha256", "-T", "1"}, ".xz"},
	"bz2":  {[]string{"bzip2", "-1"}, ".bz2"},
	"lz4":  {[]string{"lz4", "-1"}, ".lz4"},
	"zstd": {[]string{"zstd", "-1"}, ".zst"},
}

// NewCompressor
//
// format: none | gz | xz | bz2 | lz4 | zstd
// engine: exec | native (native 는 gz / lz4 / zstd 만 지원)
//
// format 이 none(또는 빈 값)이면 (nil, nil).
func NewCompressor(format, engine string) (Compressor, error) {
	if format == "" || format == "none" {
		return nil, nil
	}

	switch engine {
	case "", "exec":
		tool, ok := execTools[format]
		if !ok {
			return nil, fmt.Errorf("unsupported compression format %q", format)
		}
		return &execCompressor{format: format, argv: tool.argv, suffix: tool.suffix}, nil

	case "native":
		switch format {
		case "gz":
			return &nativeCompressor{format: format, suffix: ".gz", open: openGzip}, nil
		case "zstd":
			return &nativeCompressor{format: format, suffix: ".zst", open: openZstd}, nil
		case "lz4":
			return &nativeCompressor{format: format, suffix: ".lz4", open: openLZ4}, nil
		default:
			return nil, fmt.Errorf("native engine does not support %q", format)
		}

	default:
		return nil, fmt.Errorf("unknown compression engine %q", engine)
	}
}

// CompressAll
//
// paths 를 차례로 압축하고 최종 경로 목록을 돌려준다.
// 실패하거나 건너뛴 파일은 원본 경로가 그대로 남는다.
func CompressAll(ctx context.Context, c Compressor, paths []string, m *metrics.Metrics) []string {
	out := make([]string, 0, len(paths))
	if c == nil {
		return append(out, paths...)
	}

	for _, p := range paths {
		dst, err := c.Compress(ctx, p)
		switch {
		case err == nil:
			atomic.AddInt64(&m.FilesCompressedTotal, 1)
			log.Info().Str("file", dst).Str("compressor", c.Name()).Msg("compressed output file")
			out = append(out, dst)

		case errors.Is(err, ErrToolMissing):
			atomic.AddInt64(&m.FilesCompressSkippedTotal, 1)
			log.Warn().Err(err).Str("file", p).Msg("compression skipped")
			out = append(out, p)

		default:
			atomic.AddInt64(&m.FilesCompressSkippedTotal, 1)
			log.Error().Err(err).Str("file", p).Msg("compression failed, keeping original")
			out = append(out, p)
		}
	}
	return out
}

// ------------------------------------------------------------
// exec engine
// ------------------------------------------------------------

type execCompressor struct {
	format string
	argv   []string
	suffix string
}

func (e *execCompressor) Name() string { return "exec:" + e.format }

func (e *execCompressor) Compress(ctx context.Context, path string) (string, error) {
	bin, err := exec.LookPath(e.argv[0])
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrToolMissing, e.argv[0])
	}

	return replaceWith(path, e.suffix, func(src io.Reader, dst io.Writer) error {
		cmd := exec.CommandContext(ctx, bin, e.argv[1:]...)
		cmd.Stdin = src
		cmd.Stdout = dst
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("%s: %w", e.argv[0], err)
		}
		return nil
	})
}

// ------------------------------------------------------------
// native engine
// ------------------------------------------------------------

type nativeCompressor struct {
	format string
	suffix string
	open   func(dst io.Writer, name string) (io.WriteCloser, func(), error)
}

func (n *nativeCompressor) Name() string { return "native:" + n.format }

func (n *nativeCompressor) Compress(ctx context.Context, path string) (string, error) {
	return replaceWith(path, n.suffix, func(src io.Reader, dst io.Writer) error {
		w, release, err := n.open(dst, filepath.Base(path))
		if err != nil {
			return err
		}
		defer release()

		if _, err := io.Copy(w, readerCtx{ctx: ctx, r: src}); err != nil {
			_ = w.Close()
			return err
		}
		return w.Close()
	})
}

func openGzip(dst io.Writer, name string) (io.WriteCloser, func(), error) {
	gz := pool.GzipPool.Get().(*gzip.Writer)
	gz.Reset(dst)
	gz.Name = name
	return gz, func() { pool.GzipPool.Put(gz) }, nil
}

func openZstd(dst io.Writer, _ string) (io.WriteCloser, func(), error) {
	enc, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, nil, err
	}
	return enc, func() {}, nil
}

func openLZ4(dst io.Writer, _ string) (io.WriteCloser, func(), error) {
	return lz4.NewWriter(dst), func() {}, nil
}

// readerCtx 는 긴 io.Copy 도중에도 ctx 취소를 확인한다.
type readerCtx struct {
	ctx context.Context
	r   io.Reader
}

func (r readerCtx) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

// replaceWith
//
// path → <path><suffix>.tmp 로 변환한 뒤 rename, 성공하면 원본 삭제.
// 중간에 실패하면 tmp 만 지우고 원본은 그대로 둔다.
func replaceWith(path, suffix string, convert func(src io.Reader, dst io.Writer) error) (string, error) {
	final := path + suffix
	tmp := final + ".tmp"

	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}

	if err := convert(src, dst); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmp)
		return "", err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	// 압축본은 이미 완성되었으므로 원본 삭제 실패는 경고로만 남긴다
	if err := removeFile(path); err != nil {
		log.Warn().Err(err).Str("file", path).Str("compressed", final).Msg("remove original after compression failed")
	}
	return final, nil
}
