package pool

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// ---------------------------------------------------------------
// Pool 구성 목적
//
// winlogbeat 는 수백~수천 줄짜리 bulk 요청을 계속 보내고,
// consumer 는 줄마다 CSV row 를 만든다.
// 매번 버퍼를 새로 할당하지 않도록 재사용한다.
// ---------------------------------------------------------------

var (
	// BodyPool:
	//   - /_bulk body 를 임시 저장하는 버퍼
	//   - winlogbeat 기본 bulk_max_size(50) 기준 수십 KB 가 일반적
	BodyPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 64*1024))
		},
	}

	// RowPool:
	//   - classifier 가 CSV row 를 조립할 때 쓰는 작은 버퍼
	RowPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 256))
		},
	}

	// GzipPool:
	//   - native 압축 엔진용 gzip.Writer
	//   - 종료 시 한 번 도는 작업이라 ratio 우선(DefaultCompression)
	GzipPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzip.DefaultCompression)
			return w
		},
	}
)

// Pool 에 되돌려줄 최대 row 버퍼 용량
const MaxRowCap = 64 * 1024

// PutBody:
//   - maxCap(보통 MaxBodySize) 보다 커진 버퍼는 GC 에 맡긴다.
func PutBody(buf *bytes.Buffer, maxCap int64) {
	if int64(buf.Cap()) <= maxCap {
		buf.Reset()
		BodyPool.Put(buf)
	}
}

// PutRow:
//   - 비정상적으로 긴 row 를 만든 버퍼는 재사용하지 않는다.
func PutRow(buf *bytes.Buffer) {
	if buf.Cap() <= MaxRowCap {
		buf.Reset()
		RowPool.Put(buf)
	}
}
