package inspect

// Level 检查发现的严重程度
type Level string

const (
	LevelInfo    Level = "info" // statement without findings
	LevelNotice  Level = "notice"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

func (l Level) rank() int {
	switch l {
	case LevelNotice:
		return 1
	case LevelWarning:
		return 2
	case LevelError:
		return 3
	}
	return 0
}

// AtLeast reports whether l is as severe as other
func (l Level) AtLeast(other Level) bool {
	return l.rank() >= other.rank()
}

// ParseLevel maps a configured level name, defaulting to error
func ParseLevel(s string) Level {
	switch Level(s) {
	case LevelNotice, LevelWarning, LevelError:
		return Level(s)
	}
	return LevelError
}

// 聚合状态
const (
	StatusPass = 0
	StatusFail = 1
)

// StatementResult 单条语句的检查结果
type StatementResult struct {
	Summary      []string `json:"summary"`
	Level        Level    `json:"level"`
	AffectedRows int64    `json:"affected_rows"`
	Type         string   `json:"type"`
	FingerID     string   `json:"finger_id"`
	Query        string   `json:"query"`
}

func (r *StatementResult) add(level Level, msg string) {
	r.Summary = append(r.Summary, msg)
	if level.rank() > r.Level.rank() {
		r.Level = level
	}
}

// Result 语法检查结果，每次调用重新计算
type Result struct {
	Data   []StatementResult `json:"data"`
	Status int               `json:"status"`
}

// Passed reports whether no statement reached the fail level
func (r *Result) Passed() bool {
	return r.Status == StatusPass
}
