package repository

import (
	"context"
	"examguard_backend/internal/model"
	"time"

	"gorm.io/gorm"
)

type SecurityLogRepository struct {
	DB *gorm.DB
}

func NewSecurityLogRepository(db *gorm.DB) *SecurityLogRepository {
	return &SecurityLogRepository{DB: db}
}

func (r *SecurityLogRepository) CreateBatch(ctx context.Context, tx *gorm.DB, logs []model.SecurityLog) error {
	if len(logs) == 0 {
		return nil
	}
	return conn(ctx, r.DB, tx).Create(&logs).Error
}

func (r *SecurityLogRepository) ListByAttempt(ctx context.Context, attemptID uint, limit int) ([]model.SecurityLog, error) {
	var logs []model.SecurityLog
	err := r.DB.WithContext(ctx).Where("attempt_id = ?", attemptID).Order("timestamp ASC, id ASC").Limit(limit).Find(&logs).Error
	return logs, err
}

// DeleteBefore 删除早于 cutoff 的日志，返回删除条数
func (r *SecurityLogRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.DB.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&model.SecurityLog{})
	return res.RowsAffected, res.Error
}
