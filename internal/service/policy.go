package service

import (
	"examguard_backend/internal/config"
	"sync"
	"time"
)

// Policy 保存可热更新的会话与监考配置
type Policy struct {
	mu         sync.RWMutex
	session    config.SessionConfig
	proctoring config.ProctoringConfig
}

func NewPolicy(session config.SessionConfig, proctoring config.ProctoringConfig) *Policy {
	p := &Policy{}
	p.Update(session, proctoring)
	return p
}

// DefaultPolicy 使用内置默认值
func DefaultPolicy() *Policy {
	return NewPolicy(config.DefaultSession(), config.DefaultProctoring())
}

func (p *Policy) Update(session config.SessionConfig, proctoring config.ProctoringConfig) {
	def := config.DefaultSession()
	if session.LockTimeout <= 0 {
		session.LockTimeout = def.LockTimeout
	}
	if session.DriftThreshold <= 0 {
		session.DriftThreshold = def.DriftThreshold
	}
	if session.GracePeriod < 0 {
		session.GracePeriod = 0
	}
	if session.ConflictRetries <= 0 {
		session.ConflictRetries = 1
	}
	if session.DefaultMaxWarnings <= 0 {
		session.DefaultMaxWarnings = def.DefaultMaxWarnings
	}
	if session.DefaultMaxAttempts <= 0 {
		session.DefaultMaxAttempts = def.DefaultMaxAttempts
	}

	pdef := config.DefaultProctoring()
	if proctoring.MaxEventBytes <= 0 {
		proctoring.MaxEventBytes = pdef.MaxEventBytes
	}
	if proctoring.MaxPayloadBytes < proctoring.MaxEventBytes {
		proctoring.MaxPayloadBytes = pdef.MaxPayloadBytes
	}
	if proctoring.BufferCapacity <= 0 {
		proctoring.BufferCapacity = pdef.BufferCapacity
	}
	if len(proctoring.Rules) == 0 {
		proctoring.Rules = pdef.Rules
	}

	p.mu.Lock()
	p.session = session
	p.proctoring = proctoring
	p.mu.Unlock()
}

func (p *Policy) Session() config.SessionConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.session
}

func (p *Policy) Proctoring() config.ProctoringConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.proctoring
}

func (p *Policy) GracePeriod() time.Duration {
	return p.Session().GracePeriod
}
