package model

import (
	"time"

	"gorm.io/datatypes"
)

type VerificationStatus string

const (
	VerificationPending     VerificationStatus = "pending"
	VerificationApproved    VerificationStatus = "approved"
	VerificationFlagged     VerificationStatus = "flagged"
	VerificationAutoFlagged VerificationStatus = "auto_flagged"
)

func (s VerificationStatus) Valid() bool {
	switch s {
	case VerificationPending, VerificationApproved, VerificationFlagged, VerificationAutoFlagged:
		return true
	}
	return false
}

// swagger:model ExamAttempt
type ExamAttempt struct {
	BaseModel

	ExamID    uint `gorm:"index:idx_attempt_exam_student;not null" json:"examId"`
	StudentID uint `gorm:"index:idx_attempt_exam_student;not null" json:"studentId"`

	// 时间，StartedAt 创建后不再更新
	StartedAt   time.Time  `gorm:"not null" json:"startedAt"`
	Deadline    *time.Time `gorm:"index" json:"deadline,omitempty"`
	SubmittedAt *time.Time `json:"submittedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	GradedAt    *time.Time `json:"gradedAt,omitempty"`

	IsCompleted    bool `gorm:"index;default:false" json:"isCompleted"`
	IsGraded       bool `gorm:"default:false" json:"isGraded"`
	GraceUsed      bool `gorm:"default:false" json:"graceUsed"`
	AutoSubmitted  bool `gorm:"default:false" json:"autoSubmitted"`
	LateSubmission bool `gorm:"default:false" json:"lateSubmission"`

	VerificationStatus  VerificationStatus `gorm:"size:20;index;default:pending" json:"verificationStatus"`
	ReviewedBy          *uint              `json:"reviewedBy,omitempty"`
	ReviewedAt          *time.Time         `json:"reviewedAt,omitempty"`
	EnvironmentVerified bool               `gorm:"default:false" json:"environmentVerified"`
	SecureBrowserActive bool               `gorm:"default:false" json:"secureBrowserActive"`
	WebcamActive        bool               `gorm:"default:false" json:"webcamActive"`
	ServerSideChecks    datatypes.JSON     `json:"serverSideChecks,omitempty"`

	// 完整性计数
	WarningCount    int        `gorm:"default:0" json:"warningCount"`
	AnswerVersion   int        `gorm:"default:1" json:"answerVersion"`
	LastSyncTime    *time.Time `json:"lastSyncTime,omitempty"`
	ClientTimestamp *time.Time `json:"clientTimestamp,omitempty"`

	IPAddress          string `gorm:"size:64" json:"ipAddress"`
	LastIPAddress      string `gorm:"size:64" json:"lastIpAddress"`
	UserAgent          string `gorm:"size:512" json:"userAgent"`
	SubmissionIP       string `gorm:"size:64" json:"submissionIp,omitempty"`
	SubmissionLocation string `gorm:"size:255" json:"submissionLocation,omitempty"`

	SecurityEvents EventBuffer    `json:"securityEvents"`
	BrowserEvents  EventBuffer    `json:"browserEvents"`
	WarningEvents  EventBuffer    `json:"warningEvents"`
	AnomalyWindows AnomalyWindows `json:"-"`
	SeenIPs        IPHistory      `json:"-"`

	EarnedPoints *int     `json:"earnedPoints,omitempty"`
	TotalPoints  *int     `json:"totalPoints,omitempty"`
	Score        *float64 `json:"score,omitempty"`
}

func (ExamAttempt) TableName() string {
	return "exam_attempts"
}

// AutoFlag 只有 pending 状态会被自动标记，返回是否发生了状态变化
func (a *ExamAttempt) AutoFlag() bool {
	if a.VerificationStatus == "" || a.VerificationStatus == VerificationPending {
		a.VerificationStatus = VerificationAutoFlagged
		return true
	}
	return false
}

// Buffer 返回事件类别对应的缓冲区
func (a *ExamAttempt) Buffer(c EventCategory) *EventBuffer {
	switch c {
	case CategoryBrowser:
		return &a.BrowserEvents
	case CategoryWarning:
		return &a.WarningEvents
	default:
		return &a.SecurityEvents
	}
}
