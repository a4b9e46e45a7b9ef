package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"

	"winlog-ingest/internal/model"
)

// Metrics 는 파이프라인 상태를 나타내는 카운터 모음이다.
// bulk 응답에는 실패를 알릴 채널이 없으므로, 버려진 줄/레코드는 여기서만 보인다.
type Metrics struct {
	// ======================
	// Ingress (/_bulk)
	// ======================

	// BulkRequestsTotal
	// - /_bulk 로 들어온 모든 요청 수 (413 포함).
	BulkRequestsTotal int64

	// BulkRejectedBodyTooLargeTotal
	// - MaxBodySize 초과로 413 을 반환한 요청 수. 이 요청의 줄은 하나도 enqueue 되지 않는다.
	BulkRejectedBodyTooLargeTotal int64

	// LinesReceivedTotal / LinesEnqueuedTotal / LinesSkippedShortTotal
	// - received = enqueued + skipped_short (빈 줄 포함, 종료 중 queue 가 닫힌 뒤 들어온 줄 제외)
	// - skipped_short 가 received 의 절반 근처면 정상 (action header 1 줄 + document 1 줄).
	//   훨씬 크다면 짧은 document 가 admission 기준에 걸려 버려지고 있다는 뜻.
	LinesReceivedTotal     int64
	LinesEnqueuedTotal     int64
	LinesSkippedShortTotal int64

	// ======================
	// Consumer
	// ======================

	// RecordsUnrecognizedTotal
	// - JSON 오류, provider 불일치, 알 수 없는 opcode 로 버려진 레코드 수.
	RecordsUnrecognizedTotal int64

	// Rows*Total
	// - Category 별로 CSV 에 기록된 row 수. 네 값의 합 = 인식된 레코드 수.
	RowsThreadTotal  int64
	RowsProcessTotal int64
	RowsSyscallTotal int64
	RowsStatusTotal  int64

	// WriteErrorsTotal
	// - 파일 write 실패 횟수 (디스크 full 등). consumer 는 계속 돈다.
	WriteErrorsTotal int64

	// ======================
	// 종료 후 처리
	// ======================

	FilesCompressedTotal      int64
	FilesCompressSkippedTotal int64 // 압축 유틸리티 없음 / 실패
	ArchiveFilesUploadedTotal int64
	ArchivePutErrorsTotal     int64
}

func New() *Metrics {
	return &Metrics{}
}

// AddRow 는 Category 에 해당하는 row 카운터를 올린다.
func (m *Metrics) AddRow(c model.Category) {
	switch c {
	case model.Thread:
		atomic.AddInt64(&m.RowsThreadTotal, 1)
	case model.Process:
		atomic.AddInt64(&m.RowsProcessTotal, 1)
	case model.Syscall:
		atomic.AddInt64(&m.RowsSyscallTotal, 1)
	case model.Status:
		atomic.AddInt64(&m.RowsStatusTotal, 1)
	}
}

// RowsTotal 은 네 Category 의 합.
func (m *Metrics) RowsTotal() int64 {
	return atomic.LoadInt64(&m.RowsThreadTotal) +
		atomic.LoadInt64(&m.RowsProcessTotal) +
		atomic.LoadInt64(&m.RowsSyscallTotal) +
		atomic.LoadInt64(&m.RowsStatusTotal)
}

func (m *Metrics) String() string {
	var sb strings.Builder
	sb.Grow(512)

	fmt.Fprintf(&sb, "bulk_requests_total=%d\n", atomic.LoadInt64(&m.BulkRequestsTotal))
	fmt.Fprintf(&sb, "bulk_rejected_body_too_large_total=%d\n", atomic.LoadInt64(&m.BulkRejectedBodyTooLargeTotal))
	fmt.Fprintf(&sb, "lines_received_total=%d\n", atomic.LoadInt64(&m.LinesReceivedTotal))
	fmt.Fprintf(&sb, "lines_enqueued_total=%d\n", atomic.LoadInt64(&m.LinesEnqueuedTotal))
	fmt.Fprintf(&sb, "lines_skipped_short_total=%d\n", atomic.LoadInt64(&m.LinesSkippedShortTotal))

	fmt.Fprintf(&sb, "records_unrecognized_total=%d\n", atomic.LoadInt64(&m.RecordsUnrecognizedTotal))
	fmt.Fprintf(&sb, "rows_thread_total=%d\n", atomic.LoadInt64(&m.RowsThreadTotal))
	fmt.Fprintf(&sb, "rows_process_total=%d\n", atomic.LoadInt64(&m.RowsProcessTotal))
	fmt.Fprintf(&sb, "rows_syscall_total=%d\n", atomic.LoadInt64(&m.RowsSyscallTotal))
	fmt.Fprintf(&sb, "rows_status_total=%d\n", atomic.LoadInt64(&m.RowsStatusTotal))
	fmt.Fprintf(&sb, "write_errors_total=%d\n", atomic.LoadInt64(&m.WriteErrorsTotal))

	fmt.Fprintf(&sb, "files_compressed_total=%d\n", atomic.LoadInt64(&m.FilesCompressedTotal))
	fmt.Fprintf(&sb, "files_compress_skipped_total=%d\n", atomic.LoadInt64(&m.FilesCompressSkippedTotal))
	fmt.Fprintf(&sb, "archive_files_uploaded_total=%d\n", atomic.LoadInt64(&m.ArchiveFilesUploadedTotal))
	fmt.Fprintf(&sb, "archive_put_errors_total=%d\n", atomic.LoadInt64(&m.ArchivePutErrorsTotal))

	return sb.String()
}
