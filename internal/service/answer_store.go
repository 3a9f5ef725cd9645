package service

import (
	"context"
	"examguard_backend/internal/model"
	"examguard_backend/internal/repository"
	"examguard_backend/internal/util"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// AnswerPayload 作答内容，按题型区分
type AnswerPayload interface {
	Kind() model.QuestionType
}

type ObjectiveAnswer struct {
	OptionID uint
}

func (ObjectiveAnswer) Kind() model.QuestionType { return model.QuestionTypeMCQ }

type TextAnswer struct {
	Text string
}

func (TextAnswer) Kind() model.QuestionType { return model.QuestionTypeText }

type CodeAnswer struct {
	Code string
}

func (CodeAnswer) Kind() model.QuestionType { return model.QuestionTypeCode }

// AnswerInput 接口层提交的作答
type AnswerInput struct {
	QuestionID       uint   `json:"questionId"`
	Type             string `json:"type"`
	SelectedOptionID *uint  `json:"selectedOptionId,omitempty"`
	Text             string `json:"text,omitempty"`
	Code             string `json:"code,omitempty"`
}

// Payload 转换为作答内容
func (in AnswerInput) Payload() (AnswerPayload, error) {
	switch model.QuestionType(strings.ToLower(in.Type)) {
	case model.QuestionTypeMCQ:
		if in.SelectedOptionID == nil || *in.SelectedOptionID == 0 {
			return nil, fmt.Errorf("%w: selectedOptionId is required", util.ErrInvalidRequest)
		}
		return ObjectiveAnswer{OptionID: *in.SelectedOptionID}, nil
	case model.QuestionTypeText:
		return TextAnswer{Text: in.Text}, nil
	case model.QuestionTypeCode:
		return CodeAnswer{Code: in.Code}, nil
	default:
		return nil, fmt.Errorf("%w: unknown answer type %q", util.ErrInvalidRequest, in.Type)
	}
}

const maxAnswerBytes = 256 * 1024

// AnswerStore 按 (attempt, question) 保存作答，同一题只保留一条，后写覆盖前写
type AnswerStore struct {
	answers *repository.AnswerRepository
	exams   *repository.ExamRepository
	clock   Clock
}

func NewAnswerStore(answers *repository.AnswerRepository, exams *repository.ExamRepository, clock Clock) *AnswerStore {
	if clock == nil {
		clock = SystemClock{}
	}
	return &AnswerStore{answers: answers, exams: exams, clock: clock}
}

// Save 在调用方事务中插入或更新作答。客观题立即判分，主观题判分结果置空。
func (s *AnswerStore) Save(ctx context.Context, tx *gorm.DB, attempt *model.ExamAttempt, questionID uint, payload AnswerPayload) (*model.Answer, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: empty answer", util.ErrInvalidRequest)
	}
	q, err := s.exams.FindQuestion(ctx, tx, attempt.ExamID, questionID)
	if err != nil {
		return nil, err
	}
	if payload.Kind() != q.QuestionType {
		return nil, fmt.Errorf("%w: question %d expects %s, got %s", util.ErrPayloadMismatch, q.ID, q.QuestionType, payload.Kind())
	}

	answer, err := s.answers.FindForUpdate(ctx, tx, attempt.ID, q.ID)
	if err != nil {
		return nil, err
	}
	isNew := answer == nil
	if isNew {
		answer = &model.Answer{AttemptID: attempt.ID, QuestionID: q.ID}
	}

	if err := applyPayload(answer, q, payload); err != nil {
		return nil, err
	}
	answer.Version++
	now := s.clock.Now()
	answer.AnsweredAt = &now

	if isNew {
		err = s.answers.Create(ctx, tx, answer)
	} else {
		err = s.answers.Update(ctx, tx, answer)
	}
	if err != nil {
		return nil, err
	}
	return answer, nil
}

func applyPayload(answer *model.Answer, q *model.Question, payload AnswerPayload) error {
	answer.SelectedOptionID = nil
	answer.TextAnswer = nil
	answer.CodeAnswer = nil
	answer.IsCorrect = nil
	answer.PointsAwarded = nil

	switch p := payload.(type) {
	case ObjectiveAnswer:
		opt := q.Option(p.OptionID)
		if opt == nil {
			return fmt.Errorf("%w: option %d, question %d", util.ErrInvalidOption, p.OptionID, q.ID)
		}
		id := opt.ID
		correct := opt.IsCorrect
		answer.SelectedOptionID = &id
		answer.IsCorrect = &correct
	case TextAnswer:
		if len(p.Text) > maxAnswerBytes {
			return fmt.Errorf("%w: answer exceeds %d bytes", util.ErrInvalidRequest, maxAnswerBytes)
		}
		text := p.Text
		answer.TextAnswer = &text
	case CodeAnswer:
		if len(p.Code) > maxAnswerBytes {
			return fmt.Errorf("%w: answer exceeds %d bytes", util.ErrInvalidRequest, maxAnswerBytes)
		}
		code := p.Code
		answer.CodeAnswer = &code
	default:
		return fmt.Errorf("%w: unsupported payload %T", util.ErrPayloadMismatch, payload)
	}
	return nil
}
