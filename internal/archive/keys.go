// internal/archive/keys.go
package archive

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// BuildKey
// ------------------------------------------------------------
// 아카이브 object key 규칙:
//
//	<prefix>/dt=<YYYY-MM-DD>/hr=<HH>/<instance>_<run>/<filename>
//
// dt/hr 는 run 이 끝난 시각(UTC) 기준 파티션.
// 같은 run 의 네 파일은 한 디렉토리에 모인다.
func BuildKey(prefix, instance, run string, at time.Time, path string) string {
	at = at.UTC()
	prefix = strings.TrimSuffix(prefix, "/")
	return fmt.Sprintf("%s/dt=%s/hr=%s/%s_%s/%s",
		prefix, at.Format("2006-01-02"), at.Format("15"), instance, run, filepath.Base(path))
}
