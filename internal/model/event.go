package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityLow     Severity = "low"
	SeverityMedium  Severity = "medium"
	SeverityWarning Severity = "warning"
	SeverityHigh    Severity = "high"
	SeverityError   Severity = "error"
)

func ParseSeverity(s string) (Severity, bool) {
	switch sev := Severity(strings.ToLower(strings.TrimSpace(s))); sev {
	case "":
		return SeverityInfo, true
	case SeverityInfo, SeverityLow, SeverityMedium, SeverityWarning, SeverityHigh, SeverityError:
		return sev, true
	}
	return "", false
}

// Notable 需要同步写入安全日志的严重级别
func (s Severity) Notable() bool {
	return s == SeverityWarning || s == SeverityHigh || s == SeverityError
}

type EventCategory string

const (
	CategorySecurity EventCategory = "security"
	CategoryBrowser  EventCategory = "browser"
	CategoryWarning  EventCategory = "warning"
	// CategorySystem 服务端生成的无前缀事件，存入 security 缓冲区
	CategorySystem EventCategory = "system"
)

var categoryPrefixes = []struct {
	prefix   string
	category EventCategory
}{
	{"SECURITY_", CategorySecurity},
	{"BROWSER_", CategoryBrowser},
	{"WARNING_", CategoryWarning},
}

// Categorize 按前缀（不区分大小写）归类事件，返回去掉前缀后的大写类型
func Categorize(eventType string) (EventCategory, string) {
	upper := strings.ToUpper(eventType)
	for _, p := range categoryPrefixes {
		if strings.HasPrefix(upper, p.prefix) {
			return p.category, strings.TrimPrefix(upper, p.prefix)
		}
	}
	return CategorySystem, upper
}

// 服务端事件类型
const (
	EventExamStarted            = "EXAM_STARTED"
	EventAnswerSubmission       = "ANSWER_SUBMISSION"
	EventAnswerRejected         = "ANSWER_REJECTED"
	EventExamSubmission         = "EXAM_SUBMISSION"
	EventAutoSubmission         = "AUTO_SUBMISSION"
	EventTimeManipulation       = "TIME_MANIPULATION"
	EventGracePeriodUsed        = "GRACE_PERIOD_USED"
	EventMultipleIPs            = "MULTIPLE_IPS"
	EventEnvironmentCheckFailed = "ENVIRONMENT_CHECK_FAILED"
	EventEnvironmentVerified    = "ENVIRONMENT_VERIFIED"
	EventManualGrade            = "MANUAL_GRADE"
	EventSuspiciousPrefix       = "SUSPICIOUS_"
	EventVerificationPrefix     = "VERIFICATION_"
)

// Event 单条监考事件
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Severity  Severity        `json:"severity"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventBuffer 定长环形缓冲，满了以后淘汰最旧的事件
type EventBuffer struct {
	Events  []Event `json:"events"`
	Evicted int     `json:"evicted"`
}

func (b *EventBuffer) Append(e Event, capacity int) {
	if capacity <= 0 {
		capacity = 1
	}
	b.Events = append(b.Events, e)
	if over := len(b.Events) - capacity; over > 0 {
		b.Evicted += over
		b.Events = append([]Event(nil), b.Events[over:]...)
	}
}

func (b *EventBuffer) Len() int {
	return len(b.Events)
}

// Retain 只保留满足条件的事件，被移除的计入 Evicted
func (b *EventBuffer) Retain(keep func(Event) bool) int {
	kept := b.Events[:0]
	for _, e := range b.Events {
		if keep(e) {
			kept = append(kept, e)
		}
	}
	removed := len(b.Events) - len(kept)
	b.Events = kept
	b.Evicted += removed
	return removed
}

func (EventBuffer) GormDataType() string {
	return "json"
}

func (b EventBuffer) Value() (driver.Value, error) {
	if b.Events == nil {
		b.Events = []Event{}
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (b *EventBuffer) Scan(value interface{}) error {
	return scanJSON(value, b)
}

// AnomalyWindows 每条规则最近的命中时间，只保留阈值数量
type AnomalyWindows map[string][]time.Time

func (AnomalyWindows) GormDataType() string {
	return "json"
}

func (w AnomalyWindows) Value() (driver.Value, error) {
	if w == nil {
		return "{}", nil
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (w *AnomalyWindows) Scan(value interface{}) error {
	return scanJSON(value, w)
}

// IPHistory 窗口内出现过的客户端地址及最后出现时间
type IPHistory map[string]time.Time

func (IPHistory) GormDataType() string {
	return "json"
}

func (h IPHistory) Value() (driver.Value, error) {
	if h == nil {
		return "{}", nil
	}
	data, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (h *IPHistory) Scan(value interface{}) error {
	return scanJSON(value, h)
}

// Prune 删除最后出现时间早于 cutoff 的地址
func (h IPHistory) Prune(cutoff time.Time) {
	for ip, seen := range h {
		if seen.Before(cutoff) {
			delete(h, ip)
		}
	}
}

// Addresses 按字典序返回地址
func (h IPHistory) Addresses() []string {
	ips := make([]string, 0, len(h))
	for ip := range h {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return ips
}

func scanJSON(value interface{}, dst interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported JSON column type %T", value)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return errors.Join(errors.New("decode JSON column"), err)
	}
	return nil
}
