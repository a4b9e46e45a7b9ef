// internal/worker/writers.go
package worker

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"winlog-ingest/internal/model"
)

// ErrOutputDirMissing 는 OutputDir 이 없거나 디렉토리가 아닐 때.
// 잘못된 위치에 파일을 만들지 않도록 절대 MkdirAll 하지 않는다.
var ErrOutputDirMissing = errors.New("output directory does not exist")

// categoryWriters
//
// Category 별 append-only CSV 파일 4 개.
// consumer goroutine 만 접근하므로 lock 이 없다.
type categoryWriters struct {
	dir    string
	files  [model.NumCategories]*os.File
	bufs   [model.NumCategories]*bufio.Writer
	closed bool
}

// openWriters 는 dir 존재를 확인한 뒤 네 파일을 truncate 해서 연다.
// 하나라도 실패하면 이미 연 파일은 닫는다.
func openWriters(dir string) (*categoryWriters, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrOutputDirMissing, dir)
	}

	w := &categoryWriters{dir: dir}
	for _, c := range model.Categories {
		f, err := os.OpenFile(filepath.Join(dir, c.FileName()), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			_ = w.Close()
			return nil, err
		}
		w.files[c] = f
		w.bufs[c] = bufio.NewWriterSize(f, 32*1024)
	}
	return w, nil
}

// Write 는 row 를 c 의 파일에 붙인다.
func (w *categoryWriters) Write(c model.Category, row []byte) error {
	if !c.Valid() {
		return fmt.Errorf("write: invalid category %s", c)
	}
	if w.closed {
		return os.ErrClosed
	}
	_, err := w.bufs[c].Write(row)
	return err
}

// Flush 는 버퍼를 파일로 내린다. 첫 에러를 반환하지만 나머지도 모두 시도한다.
func (w *categoryWriters) Flush() error {
	var first error
	for _, b := range w.bufs {
		if b == nil {
			continue
		}
		if err := b.Flush(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close 는 flush 후 모든 파일을 닫는다. 두 번 호출해도 안전.
func (w *categoryWriters) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	first := w.Flush()
	for i, f := range w.files {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		w.files[i] = nil
	}
	return first
}

// Paths 는 Categories 순서의 출력 파일 경로.
func (w *categoryWriters) Paths() []string {
	return OutputPaths(w.dir)
}

// OutputPaths 는 dir 아래 네 CSV 파일 경로를 Categories 순서로 돌려준다.
func OutputPaths(dir string) []string {
	out := make([]string, 0, model.NumCategories)
	for _, c := range model.Categories {
		out = append(out, filepath.Join(dir, c.FileName()))
	}
	return out
}
