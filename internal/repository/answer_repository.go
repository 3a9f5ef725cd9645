package repository

import (
	"context"
	"errors"
	"examguard_backend/internal/model"

	"gorm.io/gorm"
)

type AnswerRepository struct {
	DB *gorm.DB
}

func NewAnswerRepository(db *gorm.DB) *AnswerRepository {
	return &AnswerRepository{DB: db}
}

// FindForUpdate 按 (attempt, question) 查找答案，不存在时返回 nil
func (r *AnswerRepository) FindForUpdate(ctx context.Context, tx *gorm.DB, attemptID, questionID uint) (*model.Answer, error) {
	var a model.Answer
	err := conn(ctx, r.DB, tx).Clauses(forUpdate).
		Where("attempt_id = ? AND question_id = ?", attemptID, questionID).
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AnswerRepository) Create(ctx context.Context, tx *gorm.DB, answer *model.Answer) error {
	return conn(ctx, r.DB, tx).Create(answer).Error
}

func (r *AnswerRepository) Update(ctx context.Context, tx *gorm.DB, answer *model.Answer) error {
	return conn(ctx, r.DB, tx).Model(answer).Select("*").Omit("attempt_id", "question_id", "created_at").Updates(answer).Error
}

func (r *AnswerRepository) ListByAttempt(ctx context.Context, tx *gorm.DB, attemptID uint) ([]model.Answer, error) {
	var answers []model.Answer
	err := conn(ctx, r.DB, tx).Where("attempt_id = ?", attemptID).Order("question_id ASC").Find(&answers).Error
	return answers, err
}

// CountByAttempt 会话的作答行数，供测试和联调校验唯一约束使用
func (r *AnswerRepository) CountByAttempt(ctx context.Context, tx *gorm.DB, attemptID uint) (int64, error) {
	var count int64
	err := conn(ctx, r.DB, tx).Model(&model.Answer{}).Where("attempt_id = ?", attemptID).Count(&count).Error
	return count, err
}
