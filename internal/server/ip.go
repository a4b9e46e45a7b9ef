package server

import (
	"net"
	"net/http"
	"strings"
)

// ------------------------------------------------------------
// agentAddr:
//
// 로그에 남길 송신 agent 주소.
// winlogbeat 는 보통 같은 LAN 에서 직접 붙으므로 private IP 도 그대로 쓴다.
// 우선순위:
//  1. X-Forwarded-For 첫 번째 값 (앞에 proxy 를 둔 경우)
//  2. RemoteAddr
// ------------------------------------------------------------
func agentAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
