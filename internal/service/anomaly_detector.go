package service

import (
	"examguard_backend/internal/model"
	"strings"
	"time"
)

type AnomalyRule struct {
	Type      string
	Threshold int
	Window    time.Duration
}

type AnomalyHit struct {
	Rule  AnomalyRule
	Count int
	First time.Time
	Last  time.Time
}

// AnomalyDetector 按规则统计时间窗口内的事件次数。
// 每条规则只保留窗口内最近 threshold 个时间戳，触发后清空该规则的窗口。
type AnomalyDetector struct {
	policy *Policy
}

func NewAnomalyDetector(policy *Policy) *AnomalyDetector {
	return &AnomalyDetector{policy: policy}
}

func (d *AnomalyDetector) Rules() []AnomalyRule {
	cfg := d.policy.Proctoring().Rules
	rules := make([]AnomalyRule, 0, len(cfg))
	for _, r := range cfg {
		rules = append(rules, AnomalyRule{
			Type:      strings.ToUpper(r.Type),
			Threshold: r.Threshold,
			Window:    time.Duration(r.WindowMinutes) * time.Minute,
		})
	}
	return rules
}

// Rule 按类型查找规则
func (d *AnomalyDetector) Rule(ruleType string) (AnomalyRule, bool) {
	ruleType = strings.ToUpper(ruleType)
	for _, r := range d.Rules() {
		if r.Type == ruleType {
			return r, true
		}
	}
	return AnomalyRule{}, false
}

// Observe 记录一次事件，eventType 为去掉类别前缀后的类型。windows 会被原地修改。
func (d *AnomalyDetector) Observe(windows model.AnomalyWindows, eventType string, at time.Time) []AnomalyHit {
	eventType = strings.ToUpper(eventType)
	var hits []AnomalyHit
	for _, rule := range d.Rules() {
		// MULTIPLE_IPS 按不同地址计数，由 AttemptService.trackIP 判定
		if rule.Type == model.EventMultipleIPs {
			continue
		}
		if rule.Threshold <= 0 || !strings.HasPrefix(eventType, rule.Type) {
			continue
		}

		start := at.Add(-rule.Window)
		prev := windows[rule.Type]
		kept := make([]time.Time, 0, len(prev)+1)
		for _, ts := range prev {
			if !ts.Before(start) && !ts.After(at) {
				kept = append(kept, ts)
			}
		}
		kept = append(kept, at)
		if len(kept) > rule.Threshold {
			kept = kept[len(kept)-rule.Threshold:]
		}

		if len(kept) >= rule.Threshold {
			hits = append(hits, AnomalyHit{Rule: rule, Count: len(kept), First: kept[0], Last: at})
			delete(windows, rule.Type)
			continue
		}
		windows[rule.Type] = kept
	}
	return hits
}
