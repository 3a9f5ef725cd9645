// Package lock 提供按 key 互斥的锁，用于串行化同一场考试会话上的写操作。
package lock

import (
	"context"
	"errors"
)

var ErrLockTimeout = errors.New("lock acquisition timed out")

// Locker 获取 key 上的独占锁，ctx 到期仍未获得时返回 ErrLockTimeout。
// 返回的 release 可重复调用。
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
