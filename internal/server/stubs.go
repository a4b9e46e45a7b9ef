package server

import (
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// ------------------------------------------------------------
// Elasticsearch 흉내 stub
//
// beat 는 bulk 전송 전에 접속 대상이 Elasticsearch 인지,
// ILM 이 켜져 있는지, template / policy / write alias 가 있는지를 확인한다.
// 여기 응답들은 그 확인을 통과시키기 위한 고정 payload 이며
// 내부 상태를 갖지 않는다.
// ------------------------------------------------------------

const buildHash = "2f90bbf7b93631e52bafb59b3b049cb44ec25e96"

// esVersion 은 IndexName(winlogbeat-7.4.2) 의 마지막 '-' 뒤를 버전으로 쓴다.
func esVersion(index string) string {
	if i := strings.LastIndexByte(index, '-'); i >= 0 && i+1 < len(index) {
		v := index[i+1:]
		if v[0] >= '0' && v[0] <= '9' {
			return v
		}
	}
	return "7.4.2"
}

func (h *Handler) HandleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":         h.cfg.InstanceID,
		"cluster_name": "elasticsearch",
		"cluster_uuid": "wlb1ngest0000000000000",
		"version": map[string]any{
			"number":                              esVersion(h.cfg.IndexName),
			"build_flavor":                        "default",
			"build_type":                          "tar",
			"build_hash":                          buildHash,
			"build_date":                          "2019-10-28T20:40:44.881551Z",
			"build_snapshot":                      false,
			"lucene_version":                      "8.2.0",
			"minimum_wire_compatibility_version":  "6.8.0",
			"minimum_index_compatibility_version": "6.0.0-beta1",
		},
		"tagline": "You Know, for Search",
	})
}

func (h *Handler) HandleXPack(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"build": map[string]any{
			"hash": buildHash,
			"date": "2019-10-28T20:40:44.881551Z",
		},
		"license": map[string]any{
			"uid":    "00000000-0000-0000-0000-000000000000",
			"type":   "basic",
			"mode":   "basic",
			"status": "active",
		},
		"features": map[string]any{
			"ilm": map[string]any{
				"available": true,
				"enabled":   true,
			},
		},
		"tagline": "You know, for X",
	})
}

// HandlePolicyGet 은 항상 "없음" 을 돌려줘서 beat 가 PUT 하도록 만든다.
func (h *Handler) HandlePolicyGet(w http.ResponseWriter, r *http.Request) {
	name := routeVar(r, "name")
	reason := "Lifecycle policy not found: " + name
	writeJSON(w, http.StatusNotFound, map[string]any{
		"error": map[string]any{
			"root_cause": []any{
				map[string]any{"type": "resource_not_found_exception", "reason": reason},
			},
			"type":   "resource_not_found_exception",
			"reason": reason,
		},
		"status": http.StatusNotFound,
	})
}

func (h *Handler) HandleAck(w http.ResponseWriter, r *http.Request) {
	log.Debug().Str("path", r.URL.Path).Str("method", r.Method).Msg("acknowledged stub request")
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

// HandleTemplateHead 는 template 이 없다고 응답한다 (beat 가 PUT 으로 올림).
func (h *Handler) HandleTemplateHead(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNotFound)
}

// HandleWriteAlias 는 "<index-{now/d}-000001>" 형태의 날짜 alias 요청에 응답한다.
func (h *Handler) HandleWriteAlias(w http.ResponseWriter, _ *http.Request) {
	index := h.cfg.IndexName + "-" + time.Now().UTC().Format("2006.01.02") + "-000001"
	writeJSON(w, http.StatusOK, map[string]any{
		"acknowledged":        true,
		"shards_acknowledged": true,
		"index":               index,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
