package model

import "time"

// swagger:model Answer
type Answer struct {
	BaseModel

	AttemptID  uint `gorm:"uniqueIndex:idx_answer_attempt_question;not null" json:"attemptId"`
	QuestionID uint `gorm:"uniqueIndex:idx_answer_attempt_question;not null" json:"questionId"`

	SelectedOptionID *uint   `json:"selectedOptionId,omitempty"`
	TextAnswer       *string `gorm:"type:text" json:"textAnswer,omitempty"`
	CodeAnswer       *string `gorm:"type:text" json:"codeAnswer,omitempty"`

	// IsCorrect 为空表示尚未判分（主观题等待教师批改）
	IsCorrect       *bool      `json:"isCorrect,omitempty"`
	PointsAwarded   *int       `json:"pointsAwarded,omitempty"`
	TeacherFeedback string     `gorm:"type:text" json:"teacherFeedback,omitempty"`
	GradedBy        *uint      `json:"gradedBy,omitempty"`
	GradedAt        *time.Time `json:"gradedAt,omitempty"`

	// Version 本题被保存的次数，未作答直接批改时为 0
	Version    int        `gorm:"default:0" json:"version"`
	AnsweredAt *time.Time `json:"answeredAt,omitempty"`
}

func (Answer) TableName() string {
	return "answers"
}
