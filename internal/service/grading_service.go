package service

import (
	"examguard_backend/internal/model"
	"math"
)

// ScoreSummary 一次评分的结果
type ScoreSummary struct {
	Earned             int     `json:"earned"`
	Total              int     `json:"total"`
	Percentage         float64 `json:"percentage"`
	NeedsManualGrading bool    `json:"needsManualGrading"`
	IsGraded           bool    `json:"isGraded"`
	PendingQuestions   []uint  `json:"pendingQuestions,omitempty"`
}

type GradingService struct{}

func NewGradingService() *GradingService {
	return &GradingService{}
}

// AutoGrade 对尚未判分的客观题作答判分，返回被修改的答案
func (g *GradingService) AutoGrade(questions []model.Question, answers []*model.Answer) []*model.Answer {
	byID := indexQuestions(questions)
	var changed []*model.Answer
	for _, a := range answers {
		q, ok := byID[a.QuestionID]
		if !ok || !q.QuestionType.IsObjective() || a.IsCorrect != nil {
			continue
		}
		correct := false
		if a.SelectedOptionID != nil {
			if opt := q.Option(*a.SelectedOptionID); opt != nil {
				correct = opt.IsCorrect
			}
		}
		a.IsCorrect = &correct
		changed = append(changed, a)
	}
	return changed
}

// Score 计算得分。未作答的客观题按错误计；主观题未作答或未批改时需要人工评分。
func (g *GradingService) Score(questions []model.Question, answers []*model.Answer) ScoreSummary {
	byQuestion := make(map[uint]*model.Answer, len(answers))
	for _, a := range answers {
		byQuestion[a.QuestionID] = a
	}

	var s ScoreSummary
	unknown := false
	for i := range questions {
		q := &questions[i]
		s.Total += q.Points

		a := byQuestion[q.ID]
		if a == nil || a.IsCorrect == nil {
			if !q.QuestionType.IsObjective() {
				s.NeedsManualGrading = true
				s.PendingQuestions = append(s.PendingQuestions, q.ID)
			} else if a != nil {
				unknown = true
			}
			continue
		}

		switch {
		case a.PointsAwarded != nil:
			s.Earned += clampPoints(*a.PointsAwarded, q.Points)
		case *a.IsCorrect:
			s.Earned += q.Points
		}
	}

	s.Percentage = RoundPercentage(s.Earned, s.Total)
	s.IsGraded = !s.NeedsManualGrading && !unknown
	return s
}

// RoundPercentage 百分比保留两位小数，总分为 0 时返回 0
func RoundPercentage(earned, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(earned)/float64(total)*10000) / 100
}

func clampPoints(points, max int) int {
	if points < 0 {
		return 0
	}
	if points > max {
		return max
	}
	return points
}

func indexQuestions(questions []model.Question) map[uint]*model.Question {
	m := make(map[uint]*model.Question, len(questions))
	for i := range questions {
		m[questions[i].ID] = &questions[i]
	}
	return m
}
