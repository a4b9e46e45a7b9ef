// Package classify turns one raw bulk document line into a routed CSV row.
package classify

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"winlog-ingest/internal/model"
	"winlog-ingest/internal/pool"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

var (
	ErrMalformed  = errors.New("malformed json")
	ErrNoWinlog   = errors.New("missing winlog object")
	ErrProvider   = errors.New("provider mismatch")
	ErrTimestamp  = errors.New("missing @timestamp")
	ErrOpcode     = errors.New("unknown opcode")
	ErrFieldType  = errors.New("unexpected field type")
	errNonASCII   = errors.New("non-ascii value")
	errNotInteger = errors.New("not an integer")
)

// columns 는 Category 별 event_data 키 순서. 첫 컬럼(timestamp)은 제외.
var columns = [model.NumCategories][]string{
	model.Status:  {"logging_started"},
	model.Syscall: {"pid", "tid", "syscall"},
	model.Thread:  {"name", "ppid", "pid", "tid", "newtid", "created"},
	model.Process: {"name", "ppid", "pid", "tid", "created"},
}

// Classify
//
// raw 한 줄을 해석해 (Category, CSV row) 를 돌려준다.
// 인식하지 못한 줄은 (Unrecognized, nil). 에러는 여기서 로그로만 남기고
// 호출자에게 전파하지 않는다.
func Classify(raw []byte) (model.Category, []byte) {
	rec, err := Decode(raw)
	if err != nil {
		switch {
		case errors.Is(err, ErrMalformed), errors.Is(err, ErrFieldType):
			log.Warn().Err(err).Int("len", len(raw)).Msg("dropping undecodable record")
		default:
			log.Debug().Err(err).Msg("dropping unrecognized record")
		}
		return model.Unrecognized, nil
	}
	return rec.Category, Row(rec)
}

// Decode 는 JSON 을 EventRecord 로 바꾼다. 실패 사유는 위의 sentinel 로 감싼다.
func Decode(raw []byte) (model.EventRecord, error) {
	var env model.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return model.EventRecord{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Winlog == nil {
		return model.EventRecord{}, ErrNoWinlog
	}
	if env.Winlog.ProviderName != model.ProviderName {
		return model.EventRecord{}, fmt.Errorf("%w: %q", ErrProvider, env.Winlog.ProviderName)
	}
	if env.Timestamp == nil {
		return model.EventRecord{}, ErrTimestamp
	}

	data := env.Winlog.EventData
	op, err := opcode(data["opcode"])
	if err != nil {
		return model.EventRecord{}, fmt.Errorf("%w: %v", ErrOpcode, err)
	}
	cat := model.CategoryFromOpcode(op)
	if cat == model.Unrecognized {
		return model.EventRecord{}, fmt.Errorf("%w: %d", ErrOpcode, op)
	}

	keys := columns[cat]
	fields := make([]string, len(keys))
	for i, key := range keys {
		v, err := scalar(data[key])
		if err != nil {
			return model.EventRecord{}, fmt.Errorf("%w: %s: %v", ErrFieldType, key, err)
		}
		if key == "name" {
			// 이름은 ASCII 만 허용, 아니면 빈 값
			if v, err = asciiOnly(v); err != nil {
				v = ""
			}
		}
		fields[i] = v
	}

	return model.EventRecord{
		Timestamp: *env.Timestamp,
		Provider:  env.Winlog.ProviderName,
		Category:  cat,
		Fields:    fields,
	}, nil
}

// Row
//
// EventRecord 를 CSV 한 줄로 만든다.
//
//	<timestamp>,<fields...>\n
//
// Thread/Process 의 name 컬럼은 항상 큰따옴표로 감싼다.
// 나머지 셀은 , " \r \n 이 들어 있을 때만 감싼다 (컬럼 수와 줄 수 유지).
// 반환 slice 는 호출자 소유 (pool 버퍼에서 복사).
func Row(rec model.EventRecord) []byte {
	buf := pool.RowPool.Get().(*bytes.Buffer)
	buf.Reset()

	writeCell(buf, rec.Timestamp, false)
	quoteFirst := rec.Category == model.Thread || rec.Category == model.Process
	for i, f := range rec.Fields {
		buf.WriteByte(',')
		writeCell(buf, f, quoteFirst && i == 0)
	}
	buf.WriteByte('\n')

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	pool.PutRow(buf)
	return out
}

func writeCell(buf *bytes.Buffer, v string, force bool) {
	if !force && !strings.ContainsAny(v, ",\"\r\n") {
		buf.WriteString(v)
		return
	}
	buf.WriteByte('"')
	buf.WriteString(strings.ReplaceAll(v, `"`, `""`))
	buf.WriteByte('"')
}

// opcode 는 숫자/숫자 문자열을 정수로 강제 변환한다.
// winlogbeat 는 event_data 값을 보통 문자열로 보낸다 ("opcode":"2").
func opcode(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, errors.New("missing")
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	}

	if i, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, errNotInteger
	}
	return int64(f), nil
}

// scalar 는 event_data 값 하나를 CSV 셀 문자열로 바꾼다.
//   - 없음 / null → ""
//   - 문자열 → 그대로
//   - 숫자 / bool → JSON 리터럴 그대로
//   - object / array → ErrFieldType
func scalar(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case '{', '[':
		return "", ErrFieldType
	default:
		return string(raw), nil
	}
}

func asciiOnly(s string) (string, error) {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return "", errNonASCII
		}
	}
	return s, nil
}
