package util

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// MySQL: 1205 lock wait timeout, 1213 deadlock, 1062 duplicate key
var mysqlConflictCodes = map[uint16]bool{1205: true, 1213: true, 1062: true}

// PostgreSQL: serialization failure, deadlock, lock not available, unique violation
var pgConflictCodes = map[string]bool{"40001": true, "40P01": true, "55P03": true, "23505": true}

// TranslateDBError 把数据库层错误归类：锁冲突与唯一键竞争为 ErrConcurrentUpdate，其余为 ErrTransientStore。
// 已经归类过的业务错误原样返回。
func TranslateDBError(err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindInternal {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTransientStore, err)
	}
	if IsConflictError(err) {
		return fmt.Errorf("%w: %w", ErrConcurrentUpdate, err)
	}
	return fmt.Errorf("%w: %w", ErrTransientStore, err)
}

func IsConflictError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return mysqlConflictCodes[myErr.Number]
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgConflictCodes[pgErr.Code]
	}
	return false
}
