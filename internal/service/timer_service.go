package service

import (
	"examguard_backend/internal/model"
	"examguard_backend/internal/util"
	"strconv"
	"strings"
	"time"
)

// Clock 服务端时间是唯一可信的时间来源
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

type TimerMode int

const (
	// ModeAutosave 超时拒绝
	ModeAutosave TimerMode = iota
	// ModeSubmit 超时也接受，标记为迟交
	ModeSubmit
	// ModeQuery 查询剩余时间，超时拒绝
	ModeQuery
)

// TimeCheck 一次时间校验的结果
type TimeCheck struct {
	Now       time.Time
	Elapsed   time.Duration
	Limit     time.Duration
	Remaining time.Duration
	Unlimited bool

	// GraceActive 已超过限时但仍在宽限期内
	GraceActive bool
	// GraceConsumed 本次校验首次进入宽限期
	GraceConsumed bool
	// Late 超过限时加宽限期（仅提交模式下不拒绝）
	Late bool

	ClientTime      *time.Time
	Drift           time.Duration
	DriftSuspicious bool
}

type TimerService struct {
	clock  Clock
	policy *Policy
}

func NewTimerService(clock Clock, policy *Policy) *TimerService {
	if clock == nil {
		clock = SystemClock{}
	}
	return &TimerService{clock: clock, policy: policy}
}

func (s *TimerService) Now() time.Time {
	return s.clock.Now()
}

// Validate 校验考试会话的剩余时间。首次进入宽限期时会设置 attempt.GraceUsed。
// 自动保存和查询模式下超时返回 ErrTimeExpired；提交模式从不拒绝。
// 客户端时间只用于偏差检测，不参与判定。
func (s *TimerService) Validate(attempt *model.ExamAttempt, exam *model.Exam, clientTime *time.Time, mode TimerMode) (TimeCheck, error) {
	session := s.policy.Session()
	now := s.clock.Now()

	check := TimeCheck{
		Now:        now,
		Elapsed:    now.Sub(attempt.StartedAt),
		Limit:      exam.TimeLimit(),
		ClientTime: clientTime,
	}
	if check.Elapsed < 0 {
		check.Elapsed = 0
	}

	if clientTime != nil {
		check.Drift = clientTime.Sub(now)
		if check.Drift < 0 {
			check.Drift = -check.Drift
		}
		check.DriftSuspicious = check.Drift > session.DriftThreshold
	}

	if check.Limit <= 0 {
		check.Unlimited = true
		return check, nil
	}

	if check.Elapsed < check.Limit {
		check.Remaining = check.Limit - check.Elapsed
	}

	switch {
	case check.Elapsed > check.Limit+session.GracePeriod:
		check.Late = true
		if mode != ModeSubmit {
			return check, util.ErrTimeExpired
		}
	case check.Elapsed > check.Limit:
		check.GraceActive = true
		if !attempt.GraceUsed {
			attempt.GraceUsed = true
			check.GraceConsumed = true
		}
	}
	return check, nil
}

// Remaining 不做任何修改的剩余时间，不限时返回 0
func (s *TimerService) Remaining(attempt *model.ExamAttempt, exam *model.Exam) time.Duration {
	limit := exam.TimeLimit()
	if limit <= 0 {
		return 0
	}
	elapsed := s.clock.Now().Sub(attempt.StartedAt)
	if elapsed >= limit {
		return 0
	}
	return limit - elapsed
}

// Events 把校验结果转换成需要记录的事件
func (s *TimerService) Events(check TimeCheck) []EventInput {
	var events []EventInput
	if check.DriftSuspicious {
		events = append(events, EventInput{
			Type:     model.EventTimeManipulation,
			Severity: model.SeverityHigh,
			Data: map[string]interface{}{
				"client_time":   check.ClientTime.UTC().Format(time.RFC3339Nano),
				"server_time":   check.Now.Format(time.RFC3339Nano),
				"drift_seconds": int64(check.Drift / time.Second),
			},
		})
	}
	if check.GraceConsumed {
		events = append(events, EventInput{
			Type:     model.EventGracePeriodUsed,
			Severity: model.SeverityWarning,
			Data: map[string]interface{}{
				"elapsed_seconds": int64(check.Elapsed / time.Second),
				"limit_seconds":   int64(check.Limit / time.Second),
			},
		})
	}
	return events
}

// ParseClientTime 解析客户端上报的时间，无法解析时视为未提供
func ParseClientTime(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	layouts := []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
		t := time.UnixMilli(ms).UTC()
		return &t
	}
	return nil
}
