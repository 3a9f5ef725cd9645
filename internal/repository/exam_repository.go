package repository

import (
	"context"
	"errors"
	"examguard_backend/internal/model"
	"examguard_backend/internal/util"

	"gorm.io/gorm"
)

// ExamRepository 只读访问出题系统维护的考试与题目
type ExamRepository struct {
	DB *gorm.DB
}

func NewExamRepository(db *gorm.DB) *ExamRepository {
	return &ExamRepository{DB: db}
}

func (r *ExamRepository) FindByID(ctx context.Context, tx *gorm.DB, id uint) (*model.Exam, error) {
	var e model.Exam
	if err := conn(ctx, r.DB, tx).First(&e, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.ErrExamNotFound
		}
		return nil, err
	}
	return &e, nil
}

// ListQuestions 题目及其选项，按顺序排列
func (r *ExamRepository) ListQuestions(ctx context.Context, tx *gorm.DB, examID uint) ([]model.Question, error) {
	var questions []model.Question
	err := conn(ctx, r.DB, tx).
		Preload("Options", func(db *gorm.DB) *gorm.DB { return db.Order("sort_order ASC, id ASC") }).
		Where("exam_id = ?", examID).
		Order("sort_order ASC, id ASC").
		Find(&questions).Error
	return questions, err
}

// FindQuestion 查找属于该考试的题目，不属于时视为不存在
func (r *ExamRepository) FindQuestion(ctx context.Context, tx *gorm.DB, examID, questionID uint) (*model.Question, error) {
	var q model.Question
	err := conn(ctx, r.DB, tx).
		Preload("Options").
		Where("id = ? AND exam_id = ?", questionID, examID).
		First(&q).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, util.ErrQuestionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}
