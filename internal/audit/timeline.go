package audit

import "time"

// Level is the severity of an audit record.
type Level string

// Severity levels, lowest first.
const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

func (l Level) rank() int {
	switch l {
	case LevelWarning:
		return 1
	case LevelError:
		return 2
	case LevelCritical:
		return 3
	default:
		return 0
	}
}

// ParseLevel converts a textual level. Unknown values report false.
func ParseLevel(s string) (Level, bool) {
	switch l := Level(s); l {
	case LevelInfo, LevelWarning, LevelError, LevelCritical:
		return l, true
	}
	return "", false
}

func maxLevel(a, b Level) Level {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Outcome summarizes the response.
type Outcome struct {
	Status    int   `json:"status"`
	Success   bool  `json:"success"`
	LatencyMs int64 `json:"latencyMs"`
}

// Record is one stored audit entry. Metadata is always redacted.
type Record struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	Level         Level          `json:"level"`
	OperationType string         `json:"operationType"`
	Resource      string         `json:"resource"`
	ResourceID    string         `json:"resourceId,omitempty"`
	Actor         string         `json:"actor"`
	Method        string         `json:"method"`
	Path          string         `json:"path"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Outcome       Outcome        `json:"outcome"`
	CorrelationID string         `json:"correlationId"`
}

// Event is the raw request outcome handed to the recorder.
type Event struct {
	Timestamp     time.Time
	Method        string
	Path          string
	Actor         string
	Status        int
	Latency       time.Duration
	CorrelationID string
	Query         map[string][]string
	Headers       map[string]string
	Body          []byte
	DenyReason    string
}

// Filters narrows List results. Zero values do not filter.
type Filters struct {
	UserID        string
	Resource      string
	OperationType string
	Level         Level
	From          time.Time
	To            time.Time
	Page          int
	PageSize      int
}

// PagingInfo menyimpan metadata pagination sederhana.
type PagingInfo struct {
	Page     int  `json:"page"`
	PageSize int  `json:"pageSize"`
	Total    int  `json:"total"`
	HasNext  bool `json:"hasNext"`
	PrevPage int  `json:"prevPage,omitempty"`
	NextPage int  `json:"nextPage,omitempty"`
}

// Result is one page of records.
type Result struct {
	Records []Record   `json:"records"`
	Paging  PagingInfo `json:"paging"`
}
