package repository

import (
	"context"
	"errors"
	"examguard_backend/internal/model"
	"examguard_backend/internal/util"
	"time"

	"gorm.io/gorm"
)

type ExamAttemptRepository struct {
	DB *gorm.DB
}

func NewExamAttemptRepository(db *gorm.DB) *ExamAttemptRepository {
	return &ExamAttemptRepository{DB: db}
}

// 创建后不可修改的列
var immutableAttemptColumns = []string{"exam_id", "student_id", "started_at", "created_at"}

func (r *ExamAttemptRepository) Create(ctx context.Context, tx *gorm.DB, attempt *model.ExamAttempt) error {
	return conn(ctx, r.DB, tx).Create(attempt).Error
}

// Update 全量写回，StartedAt 等列不参与更新
func (r *ExamAttemptRepository) Update(ctx context.Context, tx *gorm.DB, attempt *model.ExamAttempt) error {
	return conn(ctx, r.DB, tx).Model(attempt).Select("*").Omit(immutableAttemptColumns...).Updates(attempt).Error
}

func (r *ExamAttemptRepository) FindByID(ctx context.Context, tx *gorm.DB, id uint) (*model.ExamAttempt, error) {
	var a model.ExamAttempt
	if err := conn(ctx, r.DB, tx).First(&a, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.ErrAttemptNotFound
		}
		return nil, err
	}
	return &a, nil
}

// FindForUpdate 在事务中对考试会话行加锁读取
func (r *ExamAttemptRepository) FindForUpdate(ctx context.Context, tx *gorm.DB, id uint) (*model.ExamAttempt, error) {
	var a model.ExamAttempt
	if err := conn(ctx, r.DB, tx).Clauses(forUpdate).First(&a, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.ErrAttemptNotFound
		}
		return nil, err
	}
	return &a, nil
}

// FindOpen 返回学生在该考试上未完成的会话，没有时返回 nil
func (r *ExamAttemptRepository) FindOpen(ctx context.Context, tx *gorm.DB, studentID, examID uint) (*model.ExamAttempt, error) {
	var a model.ExamAttempt
	err := conn(ctx, r.DB, tx).
		Where("student_id = ? AND exam_id = ? AND is_completed = ?", studentID, examID, false).
		Order("id DESC").
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *ExamAttemptRepository) CountCompleted(ctx context.Context, tx *gorm.DB, studentID, examID uint) (int64, error) {
	var count int64
	err := conn(ctx, r.DB, tx).Model(&model.ExamAttempt{}).
		Where("student_id = ? AND exam_id = ? AND is_completed = ?", studentID, examID, true).
		Count(&count).Error
	return count, err
}

// ListExpiredIDs 截止时间早于 cutoff 且仍未完成的会话
func (r *ExamAttemptRepository) ListExpiredIDs(ctx context.Context, cutoff time.Time, limit int) ([]uint, error) {
	var ids []uint
	err := r.DB.WithContext(ctx).Model(&model.ExamAttempt{}).
		Where("is_completed = ? AND deadline IS NOT NULL AND deadline < ?", false, cutoff).
		Order("deadline ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

// ListCompactableIDs 完成时间早于 cutoff、id 大于 afterID 的会话，用于分批压缩事件缓冲
func (r *ExamAttemptRepository) ListCompactableIDs(ctx context.Context, cutoff time.Time, afterID uint, limit int) ([]uint, error) {
	var ids []uint
	err := r.DB.WithContext(ctx).Model(&model.ExamAttempt{}).
		Where("is_completed = ? AND completed_at < ? AND id > ?", true, cutoff, afterID).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

func (r *ExamAttemptRepository) ListByExam(ctx context.Context, examID uint, status model.VerificationStatus, offset, limit int) ([]model.ExamAttempt, int64, error) {
	var attempts []model.ExamAttempt
	var total int64
	q := r.DB.WithContext(ctx).Model(&model.ExamAttempt{}).Where("exam_id = ?", examID)
	if status != "" {
		q = q.Where("verification_status = ?", status)
	}
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := q.Order("id ASC").Offset(offset).Limit(limit).Find(&attempts).Error
	return attempts, total, err
}
