package service

import (
	"context"
	"encoding/json"
	"examguard_backend/internal/model"
	"examguard_backend/internal/util"
	"examguard_backend/pkg/monitoring"
	"examguard_backend/pkg/storage"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// EvidenceSnapshot 会话完成时的监考证据
type EvidenceSnapshot struct {
	AttemptID          uint                     `json:"attemptId"`
	ExamID             uint                     `json:"examId"`
	StudentID          uint                     `json:"studentId"`
	StartedAt          time.Time                `json:"startedAt"`
	CompletedAt        *time.Time               `json:"completedAt"`
	AutoSubmitted      bool                     `json:"autoSubmitted"`
	LateSubmission     bool                     `json:"lateSubmission"`
	VerificationStatus model.VerificationStatus `json:"verificationStatus"`
	WarningCount       int                      `json:"warningCount"`
	Score              *float64                 `json:"score,omitempty"`
	SecurityEvents     model.EventBuffer        `json:"securityEvents"`
	BrowserEvents      model.EventBuffer        `json:"browserEvents"`
	WarningEvents      model.EventBuffer        `json:"warningEvents"`
	ArchivedAt         time.Time                `json:"archivedAt"`
}

func NewEvidenceSnapshot(a *model.ExamAttempt) EvidenceSnapshot {
	return EvidenceSnapshot{
		AttemptID:          a.ID,
		ExamID:             a.ExamID,
		StudentID:          a.StudentID,
		StartedAt:          a.StartedAt,
		CompletedAt:        a.CompletedAt,
		AutoSubmitted:      a.AutoSubmitted,
		LateSubmission:     a.LateSubmission,
		VerificationStatus: a.VerificationStatus,
		WarningCount:       a.WarningCount,
		Score:              a.Score,
		SecurityEvents:     a.SecurityEvents,
		BrowserEvents:      a.BrowserEvents,
		WarningEvents:      a.WarningEvents,
	}
}

// EvidenceArchiver 异步把完成的会话证据上传到对象存储。
// 上传失败只记录日志，不影响提交结果。
type EvidenceArchiver struct {
	store  storage.Provider
	prefix string
	cb     *gobreaker.CircuitBreaker
	clock  Clock
	log    *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan EvidenceSnapshot
	wg     sync.WaitGroup
}

func NewEvidenceArchiver(store storage.Provider, prefix string, queueSize int, clock Clock, log *zap.Logger) *EvidenceArchiver {
	if queueSize <= 0 {
		queueSize = 256
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "evidence-archive",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &EvidenceArchiver{
		store:  store,
		prefix: prefix,
		cb:     cb,
		clock:  clock,
		log:    log.Named("archive"),
		queue:  make(chan EvidenceSnapshot, queueSize),
	}
}

func (a *EvidenceArchiver) Start() {
	a.wg.Add(1)
	go a.worker()
}

// Stop 停止接收并等待队列中的归档完成
func (a *EvidenceArchiver) Stop() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	a.wg.Wait()
}

// Enqueue 不阻塞，队列满时丢弃并记录日志
func (a *EvidenceArchiver) Enqueue(snap EvidenceSnapshot) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return false
	}
	select {
	case a.queue <- snap:
		return true
	default:
		monitoring.ArchiveUploads.WithLabelValues("dropped").Inc()
		a.log.Warn("Evidence archive queue full", zap.Uint("attempt_id", snap.AttemptID))
		return false
	}
}

func (a *EvidenceArchiver) worker() {
	defer a.wg.Done()
	for snap := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := a.Archive(ctx, snap); err != nil {
			a.log.Error("Evidence archive failed", zap.Uint("attempt_id", snap.AttemptID), zap.Error(err))
		}
		cancel()
	}
}

// Key 归档对象的路径
func (a *EvidenceArchiver) Key(snap EvidenceSnapshot) string {
	return path.Join(a.prefix, fmt.Sprintf("exam-%d", snap.ExamID), fmt.Sprintf("attempt-%d.json", snap.AttemptID))
}

// Archive 同步上传，经过熔断器
func (a *EvidenceArchiver) Archive(ctx context.Context, snap EvidenceSnapshot) error {
	snap.ArchivedAt = a.clock.Now()
	body, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	key := a.Key(snap)
	_, err = a.cb.Execute(func() (interface{}, error) {
		return a.store.Put(ctx, key, body, util.MimeJSON)
	})
	if err != nil {
		monitoring.ArchiveUploads.WithLabelValues("error").Inc()
		return fmt.Errorf("archive %s: %w", key, err)
	}
	monitoring.ArchiveUploads.WithLabelValues("ok").Inc()
	return nil
}
