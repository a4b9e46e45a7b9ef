// internal/model/event.go
package model

import json "github.com/goccy/go-json"

// Envelope
// ------------------------------------------------------------
// winlogbeat 가 /_bulk 로 보내는 document 한 줄 중
// classifier 가 실제로 읽는 부분만 정의한 구조체.
//
//	{"@timestamp":"...","winlog":{"provider_name":"Call Logger","event_data":{...}}}
//
// event_data 의 값은 beat 설정에 따라 문자열이거나 숫자이므로
// RawMessage 로 받아두고 필드별로 해석한다.
type Envelope struct {
	Timestamp *string `json:"@timestamp"`
	Winlog    *Winlog `json:"winlog"`
}

type Winlog struct {
	ProviderName string                     `json:"provider_name"`
	EventData    map[string]json.RawMessage `json:"event_data"`
}

// EventRecord
// ------------------------------------------------------------
// 디코딩이 끝난 이벤트. Fields 는 Category.Columns() 순서의
// 문자열 값이며, 빠진 속성은 빈 문자열로 채워진다 (컬럼 수 고정).
type EventRecord struct {
	Timestamp string
	Provider  string
	Category  Category
	Fields    []string
}
