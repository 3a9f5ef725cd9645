package service

import (
	"context"
	"examguard_backend/internal/util"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"
)

// withConflictRetry 只重试锁冲突，其余错误立即返回
func withConflictRetry(ctx context.Context, attempts int, delay time.Duration, log *zap.Logger, op string, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	return retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.Delay(delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return util.KindOf(err) == util.KindConflict
		}),
		retry.OnRetry(func(n uint, err error) {
			log.Debug("Retrying after conflict", zap.String("op", op), zap.Uint("attempt", n+1), zap.Error(err))
		}),
	).Do(fn)
}
