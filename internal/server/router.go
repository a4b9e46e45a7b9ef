package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
)

// NewRouter
//
// 엔드포인트:
//   - GET  /                          : 루트 정보 (stub)
//   - GET  /_xpack                    : feature flag (stub)
//   - GET  /_ilm/policy/{name}        : 404 (stub)
//   - PUT  /_ilm/policy/{name}        : ack (stub)
//   - PUT  /_template/{name}          : ack (stub)
//   - HEAD /_template/{name}          : 404 (stub)
//   - GET|PUT /<index-{now/d}-000001> : write alias 생성 응답 (stub)
//   - POST|PUT /_bulk                 : 수집 (핵심)
//   - GET  /shutdown                  : 관리용 정지
//   - GET  /metrics, /health          : 운영용
func NewRouter(h *Handler) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/", h.HandleRoot).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/_xpack", h.HandleXPack).Methods(http.MethodGet)
	r.HandleFunc("/_ilm/policy/{name}", h.HandlePolicyGet).Methods(http.MethodGet)
	r.HandleFunc("/_ilm/policy/{name}", h.HandleAck).Methods(http.MethodPut)
	r.HandleFunc("/_template/{name}", h.HandleAck).Methods(http.MethodPut)
	r.HandleFunc("/_template/{name}", h.HandleTemplateHead).Methods(http.MethodHead)
	r.MatcherFunc(writeAliasMatcher(h.cfg.IndexName)).
		Methods(http.MethodGet, http.MethodPut).
		HandlerFunc(h.HandleWriteAlias)

	r.HandleFunc("/_bulk", h.HandleBulk).Methods(http.MethodPost, http.MethodPut)
	r.HandleFunc("/shutdown", h.HandleShutdown).Methods(http.MethodGet)

	r.HandleFunc("/metrics", h.HandleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/health", h.HandleHealth).Methods(http.MethodGet)

	return r
}

// writeAliasMatcher 는 "/<winlogbeat-7.4.2-{now/d}-000001>" 같은 date-math
// index 이름을 잡는다. beat 는 percent-encoding 해서 보내므로 양쪽 다 본다.
func writeAliasMatcher(index string) mux.MatcherFunc {
	prefix := "/<" + index + "-"
	return func(r *http.Request, _ *mux.RouteMatch) bool {
		p := r.URL.Path
		if raw := r.URL.RawPath; raw != "" {
			if decoded, err := url.PathUnescape(raw); err == nil {
				p = decoded
			}
		}
		return strings.HasPrefix(p, prefix) && strings.HasSuffix(p, ">")
	}
}

func routeVar(r *http.Request, key string) string {
	return mux.Vars(r)[key]
}
