// internal/model/category.go
package model

import "fmt"

// Category
// ------------------------------------------------------------
// 이벤트가 기록될 목적지. Call Logger 의 opcode 값과 1:1 로 대응하며
// 각 Category 는 정확히 하나의 출력 파일을 가진다.
//
// 값 자체가 opcode 이므로 범위 검사(Valid)만 통과하면
// writer 배열 인덱스로 그대로 사용할 수 있다.
type Category int8

const (
	Unrecognized Category = -1

	Status  Category = 0
	Syscall Category = 1
	Thread  Category = 2
	Process Category = 3
)

// NumCategories 는 출력 파일 개수.
const NumCategories = 4

// Categories 는 파일 생성/압축 순서를 고정하기 위한 목록.
var Categories = [NumCategories]Category{Thread, Process, Syscall, Status}

// ProviderName 은 수용하는 provider_name sentinel 값.
const ProviderName = "Call Logger"

// CategoryFromOpcode 는 알려진 opcode 만 Category 로 바꾼다.
func CategoryFromOpcode(op int64) Category {
	switch op {
	case int64(Status):
		return Status
	case int64(Syscall):
		return Syscall
	case int64(Thread):
		return Thread
	case int64(Process):
		return Process
	default:
		return Unrecognized
	}
}

func (c Category) Valid() bool {
	return c >= 0 && c < NumCategories
}

func (c Category) String() string {
	switch c {
	case Status:
		return "status"
	case Syscall:
		return "syscall"
	case Thread:
		return "thread"
	case Process:
		return "process"
	case Unrecognized:
		return "unrecognized"
	default:
		return fmt.Sprintf("category(%d)", int8(c))
	}
}

// FileName 은 OutputDir 아래에 생성되는 CSV 파일 이름.
func (c Category) FileName() string {
	return c.String() + ".csv"
}

// Columns 는 timestamp 를 제외한 CSV 컬럼 수.
func (c Category) Columns() int {
	switch c {
	case Syscall:
		return 3 // pid, tid, syscall
	case Thread:
		return 6 // name, ppid, pid, tid, newtid, created
	case Process:
		return 5 // name, ppid, pid, tid, created
	case Status:
		return 1 // logging_started
	default:
		return 0
	}
}
