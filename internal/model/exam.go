package model

import "time"

type QuestionType string

const (
	QuestionTypeMCQ  QuestionType = "mcq"
	QuestionTypeText QuestionType = "text"
	QuestionTypeCode QuestionType = "code"
)

// IsObjective 客观题可以自动判分
func (t QuestionType) IsObjective() bool {
	return t == QuestionTypeMCQ
}

func (t QuestionType) Valid() bool {
	switch t {
	case QuestionTypeMCQ, QuestionTypeText, QuestionTypeCode:
		return true
	}
	return false
}

// swagger:model Exam
// Exam 由出题系统维护，这里只读
type Exam struct {
	BaseModel

	Title                string     `gorm:"size:200;not null" json:"title"`
	TimeLimitMinutes     int        `gorm:"not null;default:60" json:"timeLimitMinutes"`
	MaxWarnings          int        `gorm:"default:3" json:"maxWarnings"`
	MaxAttempts          int        `gorm:"default:1" json:"maxAttempts"`
	RequireLockdown      bool       `gorm:"default:false" json:"requireLockdown"`
	RequireWebcam        bool       `gorm:"default:false" json:"requireWebcam"`
	PreventCopyPaste     bool       `gorm:"default:false" json:"preventCopyPaste"`
	BlockVirtualMachines bool       `gorm:"default:false" json:"blockVirtualMachines"`
	AllowedIPRange       string     `gorm:"size:255" json:"allowedIpRange,omitempty"`
	AvailableFrom        *time.Time `json:"availableFrom,omitempty"`
	AvailableUntil       *time.Time `json:"availableUntil,omitempty"`

	Questions []Question `gorm:"foreignKey:ExamID" json:"questions,omitempty"`
}

func (Exam) TableName() string {
	return "exams"
}

// TimeLimit 小于等于 0 表示不限时
func (e *Exam) TimeLimit() time.Duration {
	return time.Duration(e.TimeLimitMinutes) * time.Minute
}

// AvailableAt 是否在开放时间窗口内
func (e *Exam) AvailableAt(now time.Time) bool {
	if e.AvailableFrom != nil && now.Before(*e.AvailableFrom) {
		return false
	}
	if e.AvailableUntil != nil && now.After(*e.AvailableUntil) {
		return false
	}
	return true
}

// swagger:model Question
type Question struct {
	BaseModel

	ExamID       uint         `gorm:"index;not null" json:"examId"`
	QuestionType QuestionType `gorm:"size:20;not null" json:"questionType"`
	Content      string       `gorm:"type:text" json:"content"`
	Points       int          `gorm:"not null;default:1" json:"points"`
	Order        int          `gorm:"column:sort_order;default:0" json:"order"`

	Options []QuestionOption `gorm:"foreignKey:QuestionID" json:"options,omitempty"`
}

func (Question) TableName() string {
	return "questions"
}

// Option 查找属于本题的选项
func (q *Question) Option(id uint) *QuestionOption {
	for i := range q.Options {
		if q.Options[i].ID == id {
			return &q.Options[i]
		}
	}
	return nil
}

// swagger:model QuestionOption
type QuestionOption struct {
	BaseModel

	QuestionID uint   `gorm:"index;not null" json:"questionId"`
	Content    string `gorm:"type:text" json:"content"`
	IsCorrect  bool   `gorm:"default:false" json:"-"`
	Order      int    `gorm:"column:sort_order;default:0" json:"order"`
}

func (QuestionOption) TableName() string {
	return "question_options"
}
