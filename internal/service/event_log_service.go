package service

import (
	"context"
	"encoding/json"
	"examguard_backend/internal/model"
	"examguard_backend/internal/repository"
	"examguard_backend/pkg/monitoring"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EventInput 待记录的事件，Data 可以是 json.RawMessage 或任意可序列化的值
type EventInput struct {
	Type     string
	Severity model.Severity
	Data     interface{}
	// Audit 无论级别都写入安全日志
	Audit bool
}

// RequestMeta 请求来源信息
type RequestMeta struct {
	UserID    uint
	IP        string
	UserAgent string
	Path      string
	Method    string
	RequestID string
}

// FlagNotice 一次自动标记
type FlagNotice struct {
	AttemptID uint     `json:"attemptId"`
	ExamID    uint     `json:"examId"`
	StudentID uint     `json:"studentId"`
	Triggers  []string `json:"triggers"`
}

type EventLogService struct {
	logs     *repository.SecurityLogRepository
	detector *AnomalyDetector
	policy   *Policy
	clock    Clock
	log      *zap.Logger
}

func NewEventLogService(logs *repository.SecurityLogRepository, detector *AnomalyDetector, policy *Policy, clock Clock, log *zap.Logger) *EventLogService {
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &EventLogService{logs: logs, detector: detector, policy: policy, clock: clock, log: log.Named("events")}
}

// EventRecorder 收集同一事务内产生的事件，Flush 时写入安全日志
type EventRecorder struct {
	svc      *EventLogService
	attempt  *model.ExamAttempt
	exam     *model.Exam
	meta     RequestMeta
	pending  []model.SecurityLog
	triggers []string
	flagged  bool
}

func (s *EventLogService) Begin(attempt *model.ExamAttempt, exam *model.Exam, meta RequestMeta) *EventRecorder {
	if attempt.AnomalyWindows == nil {
		attempt.AnomalyWindows = model.AnomalyWindows{}
	}
	return &EventRecorder{svc: s, attempt: attempt, exam: exam, meta: meta}
}

// Record 追加事件到对应缓冲区，更新警告计数并运行异常检测。不会返回错误，检测结果不影响主流程。
func (r *EventRecorder) Record(in EventInput) model.Event {
	s := r.svc
	proctoring := s.policy.Proctoring()
	now := s.clock.Now()

	severity := in.Severity
	if severity == "" {
		severity = model.SeverityInfo
	}
	category, stripped := model.Categorize(in.Type)

	ev := model.Event{
		Type:      in.Type,
		Timestamp: now,
		Severity:  severity,
		Data:      encodeEventData(in.Data, proctoring.MaxEventBytes),
	}
	r.attempt.Buffer(category).Append(ev, proctoring.BufferCapacity)
	monitoring.ProctoringEvents.WithLabelValues(string(category), string(severity)).Inc()

	if in.Audit || category == model.CategorySecurity || severity.Notable() {
		r.pending = append(r.pending, r.securityLog(ev, category))
	}

	if category == model.CategoryWarning {
		prev := r.attempt.WarningCount
		r.attempt.WarningCount++
		limit := r.maxWarnings()
		if prev < limit && r.attempt.WarningCount >= limit {
			r.flag("WARNING_LIMIT", map[string]interface{}{
				"warning_count": r.attempt.WarningCount,
				"max_warnings":  limit,
			})
		}
	}

	if !strings.HasPrefix(stripped, model.EventSuspiciousPrefix) {
		for _, hit := range s.detector.Observe(r.attempt.AnomalyWindows, stripped, now) {
			r.flag(hit.Rule.Type, map[string]interface{}{
				"count":          hit.Count,
				"threshold":      hit.Rule.Threshold,
				"window_minutes": int(hit.Rule.Window.Minutes()),
				"first_seen":     hit.First,
				"last_seen":      hit.Last,
			})
		}
	}
	return ev
}

func (r *EventRecorder) RecordAll(events []EventInput) {
	for _, e := range events {
		r.Record(e)
	}
}

func (r *EventRecorder) maxWarnings() int {
	if r.exam != nil && r.exam.MaxWarnings > 0 {
		return r.exam.MaxWarnings
	}
	return r.svc.policy.Session().DefaultMaxWarnings
}

func (r *EventRecorder) flag(trigger string, data map[string]interface{}) {
	r.Record(EventInput{
		Type:     model.EventSuspiciousPrefix + trigger,
		Severity: model.SeverityHigh,
		Data:     data,
	})
	if r.attempt.AutoFlag() {
		r.flagged = true
		monitoring.AutoFlags.WithLabelValues(trigger).Inc()
		r.svc.log.Warn("Attempt auto flagged",
			zap.Uint("attempt_id", r.attempt.ID),
			zap.String("trigger", trigger))
	}
	r.triggers = append(r.triggers, trigger)
}

// Flagged 本次记录中是否把会话从 pending 变成了 auto_flagged
func (r *EventRecorder) Flagged() bool {
	return r.flagged
}

func (r *EventRecorder) Triggers() []string {
	return r.triggers
}

// Notice 构造自动标记通知，没有发生标记时返回 nil
func (r *EventRecorder) Notice() *FlagNotice {
	if !r.flagged {
		return nil
	}
	return &FlagNotice{
		AttemptID: r.attempt.ID,
		ExamID:    r.attempt.ExamID,
		StudentID: r.attempt.StudentID,
		Triggers:  append([]string(nil), r.triggers...),
	}
}

// Flush 把需要落库的事件写入 security_logs
func (r *EventRecorder) Flush(ctx context.Context, tx *gorm.DB) error {
	if len(r.pending) == 0 {
		return nil
	}
	if err := r.svc.logs.CreateBatch(ctx, tx, r.pending); err != nil {
		return err
	}
	r.pending = nil
	return nil
}

func (r *EventRecorder) securityLog(ev model.Event, category model.EventCategory) model.SecurityLog {
	attemptID := r.attempt.ID
	userID := r.meta.UserID
	if userID == 0 {
		userID = r.attempt.StudentID
	}
	details, _ := json.Marshal(map[string]interface{}{
		"category":   category,
		"data":       ev.Data,
		"request_id": r.meta.RequestID,
		"exam_id":    r.attempt.ExamID,
	})
	return model.SecurityLog{
		EventType:   ev.Type,
		Description: fmt.Sprintf("%s recorded for exam attempt %d", ev.Type, attemptID),
		AttemptID:   &attemptID,
		UserID:      &userID,
		IPAddress:   r.meta.IP,
		UserAgent:   truncate(r.meta.UserAgent, 512),
		Path:        truncate(r.meta.Path, 255),
		Method:      r.meta.Method,
		Severity:    ev.Severity,
		Timestamp:   ev.Timestamp,
		Details:     datatypes.JSON(details),
	}
}

// encodeEventData 序列化事件数据，超过 maxBytes 时替换为截断标记
func encodeEventData(data interface{}, maxBytes int) json.RawMessage {
	var raw []byte
	switch v := data.(type) {
	case nil:
		return nil
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			b, _ = json.Marshal(map[string]string{"error": "event data not serializable"})
		}
		raw = b
	}
	if len(raw) == 0 {
		return nil
	}
	if !json.Valid(raw) {
		raw, _ = json.Marshal(string(raw))
	}
	if len(raw) > maxBytes {
		marker, _ := json.Marshal(map[string]interface{}{
			"error":         "event data truncated",
			"truncated":     true,
			"original_size": len(raw),
		})
		return marker
	}
	return json.RawMessage(raw)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
