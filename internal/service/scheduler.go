package service

import (
	"context"
	"examguard_backend/internal/config"
	"examguard_backend/internal/repository"
	"examguard_backend/pkg/monitoring"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AutoSubmitScheduler 后台定时任务：强制提交超时会话、清理过期安全日志
type AutoSubmitScheduler struct {
	attempts *AttemptService
	logs     *repository.SecurityLogRepository
	cfg      config.SchedulerConfig
	clock    Clock
	log      *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewAutoSubmitScheduler(attempts *AttemptService, logs *repository.SecurityLogRepository, cfg config.SchedulerConfig, clock Clock, log *zap.Logger) *AutoSubmitScheduler {
	if cfg.AutoSubmitInterval <= 0 {
		cfg.AutoSubmitInterval = time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AutoSubmitScheduler{attempts: attempts, logs: logs, cfg: cfg, clock: clock, log: log.Named("scheduler")}
}

// Start 启动后台任务，重复调用无效
func (s *AutoSubmitScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go s.loop(ctx, "auto_submit", s.cfg.AutoSubmitInterval, s.RunAutoSubmit)
	go s.loop(ctx, "retention", s.cfg.CleanupInterval, s.RunRetention)
	s.log.Info("Scheduler started",
		zap.Duration("auto_submit_interval", s.cfg.AutoSubmitInterval),
		zap.Duration("cleanup_interval", s.cfg.CleanupInterval))
}

// Stop 取消任务并等待正在执行的一轮结束
func (s *AutoSubmitScheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.log.Info("Scheduler stopped")
}

func (s *AutoSubmitScheduler) loop(ctx context.Context, job string, interval time.Duration, run func(context.Context) error) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := run(ctx); err != nil && ctx.Err() == nil {
				monitoring.SchedulerRuns.WithLabelValues(job, "error").Inc()
				s.log.Error("Scheduled job failed", zap.String("job", job), zap.Error(err))
				continue
			}
			monitoring.SchedulerRuns.WithLabelValues(job, "ok").Inc()
		}
	}
}

// RunAutoSubmit 执行一轮超时提交，按批处理直到没有剩余
func (s *AutoSubmitScheduler) RunAutoSubmit(ctx context.Context) error {
	total := 0
	for {
		n, err := s.attempts.AutoSubmitExpired(ctx, s.cfg.BatchSize)
		total += n
		if err != nil {
			return err
		}
		// 本批有失败的会话时不再继续，避免反复处理同一批
		if n < s.cfg.BatchSize {
			break
		}
	}
	if total > 0 {
		s.log.Info("Auto submitted expired attempts", zap.Int("count", total))
	}
	return nil
}

// RunRetention 删除过期安全日志，压缩旧会话的事件缓冲。retention_days 为 0 时不清理。
func (s *AutoSubmitScheduler) RunRetention(ctx context.Context) error {
	if s.cfg.RetentionDays <= 0 {
		return nil
	}
	cutoff := s.clock.Now().AddDate(0, 0, -s.cfg.RetentionDays)

	deleted, err := s.logs.DeleteBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	removed, err := s.attempts.CompactEventBuffers(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	s.log.Info("Retention cleanup finished",
		zap.Time("cutoff", cutoff),
		zap.Int64("security_logs_deleted", deleted),
		zap.Int("buffered_events_removed", removed))
	return nil
}
