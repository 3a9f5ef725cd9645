package service

import (
	"context"
	"encoding/json"
	"errors"
	"examguard_backend/internal/model"
	"examguard_backend/internal/repository"
	"examguard_backend/internal/util"
	"examguard_backend/pkg/lock"
	"examguard_backend/pkg/monitoring"
	"examguard_backend/pkg/tracing"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AttemptDeps AttemptService 的依赖，Archiver 和 Publisher 可以为空
type AttemptDeps struct {
	Attempts  *repository.ExamAttemptRepository
	Answers   *repository.AnswerRepository
	Exams     *repository.ExamRepository
	Timer     *TimerService
	Store     *AnswerStore
	Events    *EventLogService
	Grading   *GradingService
	Env       *EnvironmentChecker
	Locker    lock.Locker
	Policy    *Policy
	Clock     Clock
	Log       *zap.Logger
	Archiver  *EvidenceArchiver
	Publisher FlagPublisher
}

// AttemptService 考试会话的生命周期。所有写操作都在会话锁内的单个事务中完成。
type AttemptService struct {
	db        *gorm.DB
	attempts  *repository.ExamAttemptRepository
	answers   *repository.AnswerRepository
	exams     *repository.ExamRepository
	timer     *TimerService
	store     *AnswerStore
	events    *EventLogService
	grading   *GradingService
	env       *EnvironmentChecker
	locker    lock.Locker
	policy    *Policy
	clock     Clock
	log       *zap.Logger
	archiver  *EvidenceArchiver
	publisher FlagPublisher
}

func NewAttemptService(db *gorm.DB, deps AttemptDeps) *AttemptService {
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Policy == nil {
		deps.Policy = DefaultPolicy()
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocalLocker()
	}
	return &AttemptService{
		db:        db,
		attempts:  deps.Attempts,
		answers:   deps.Answers,
		exams:     deps.Exams,
		timer:     deps.Timer,
		store:     deps.Store,
		events:    deps.Events,
		grading:   deps.Grading,
		env:       deps.Env,
		locker:    deps.Locker,
		policy:    deps.Policy,
		clock:     deps.Clock,
		log:       deps.Log.Named("attempt"),
		archiver:  deps.Archiver,
		publisher: deps.Publisher,
	}
}

type StartResult struct {
	Attempt          *model.ExamAttempt `json:"attempt"`
	Resumed          bool               `json:"resumed"`
	Environment      *EnvironmentResult `json:"environment,omitempty"`
	RemainingSeconds int64              `json:"remainingSeconds"`
}

type SaveResult struct {
	AttemptID        uint      `json:"attemptId"`
	QuestionID       uint      `json:"questionId"`
	AnswerID         uint      `json:"answerId"`
	AnswerVersion    int       `json:"answerVersion"`
	Revision         int       `json:"revision"`
	RemainingSeconds int64     `json:"remainingSeconds"`
	GraceActive      bool      `json:"graceActive"`
	ServerTime       time.Time `json:"serverTime"`
}

// FinalAnswer 提交时一并保存的作答
type FinalAnswer struct {
	QuestionID uint
	Payload    AnswerPayload
}

type SubmitRequest struct {
	ClientTime   *time.Time
	Location     string
	FinalAnswers []FinalAnswer
}

type SubmitResult struct {
	AttemptID        uint         `json:"attemptId"`
	AlreadySubmitted bool         `json:"alreadySubmitted"`
	Late             bool         `json:"late"`
	AutoSubmitted    bool         `json:"autoSubmitted"`
	SubmittedAt      *time.Time   `json:"submittedAt"`
	Score            ScoreSummary `json:"score"`
}

type ManualGrade struct {
	QuestionID uint   `json:"questionId" binding:"required"`
	IsCorrect  bool   `json:"isCorrect"`
	Points     *int   `json:"points,omitempty"`
	Feedback   string `json:"feedback,omitempty"`
}

type GradeResult struct {
	AttemptID uint `json:"attemptId"`
	ScoreSummary
}

type ProctoringEventInput struct {
	Type     string          `json:"type"`
	Severity string          `json:"severity,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type EventResult struct {
	AttemptID          uint                     `json:"attemptId"`
	Type               string                   `json:"type"`
	Category           model.EventCategory      `json:"category"`
	WarningCount       int                      `json:"warningCount"`
	VerificationStatus model.VerificationStatus `json:"verificationStatus"`
	Flagged            bool                     `json:"flagged"`
	Triggers           []string                 `json:"triggers,omitempty"`
}

type TimeStatus struct {
	AttemptID        uint       `json:"attemptId"`
	RemainingSeconds int64      `json:"remainingSeconds"`
	ElapsedSeconds   int64      `json:"elapsedSeconds"`
	GraceActive      bool       `json:"graceActive"`
	Unlimited        bool       `json:"unlimited"`
	Deadline         *time.Time `json:"deadline,omitempty"`
	ServerTime       time.Time  `json:"serverTime"`
}

type AttemptView struct {
	Attempt          *model.ExamAttempt `json:"attempt"`
	Answers          []model.Answer     `json:"answers"`
	RemainingSeconds int64              `json:"remainingSeconds"`
}

func attemptLockKey(attemptID uint) string {
	return fmt.Sprintf("attempt:%d", attemptID)
}

func startLockKey(studentID, examID uint) string {
	return fmt.Sprintf("attempt-start:%d:%d", studentID, examID)
}

func (s *AttemptService) acquire(ctx context.Context, op, key string) (func(), error) {
	start := time.Now()
	lockCtx, cancel := context.WithTimeout(ctx, s.policy.Session().LockTimeout)
	defer cancel()

	release, err := s.locker.Acquire(lockCtx, key)
	monitoring.LockWait.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		monitoring.LockConflicts.WithLabelValues(op).Inc()
		if errors.Is(err, lock.ErrLockTimeout) {
			return nil, fmt.Errorf("%w: %w", util.ErrConcurrentUpdate, err)
		}
		return nil, fmt.Errorf("%w: %w", util.ErrTransientStore, err)
	}
	return release, nil
}

type mutation func(tx *gorm.DB, attempt *model.ExamAttempt, exam *model.Exam) error

// mutate 加锁、开事务、锁行读取会话后执行 fn，锁冲突时有限次重试。
// fn 可能被执行多次，需要在开头重置闭包外的结果变量。
func (s *AttemptService) mutate(ctx context.Context, op string, attemptID uint, fn mutation) error {
	session := s.policy.Session()
	return withConflictRetry(ctx, session.ConflictRetries, session.RetryDelay, s.log, op, func() error {
		release, err := s.acquire(ctx, op, attemptLockKey(attemptID))
		if err != nil {
			return err
		}
		defer release()

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			attempt, err := s.attempts.FindForUpdate(ctx, tx, attemptID)
			if err != nil {
				return err
			}
			exam, err := s.exams.FindByID(ctx, tx, attempt.ExamID)
			if err != nil {
				return err
			}
			return fn(tx, attempt, exam)
		})
		return util.TranslateDBError(err)
	})
}

// Authorize 学生只能操作自己的考试会话，教师和管理员不受限
func (s *AttemptService) Authorize(ctx context.Context, attemptID, userID uint, role model.UserRole) error {
	if role.IsStaff() {
		return nil
	}
	attempt, err := s.attempts.FindByID(ctx, nil, attemptID)
	if err != nil {
		return util.TranslateDBError(err)
	}
	if attempt.StudentID != userID {
		return util.ErrPermissionDenied
	}
	return nil
}

// StartAttempt 开始考试。已有未完成的会话时直接返回该会话。
func (s *AttemptService) StartAttempt(ctx context.Context, studentID, examID uint, report *EnvironmentReport, clientTime *time.Time, meta RequestMeta) (*StartResult, error) {
	ctx, span := tracing.Tracer.Start(ctx, "attempt.start")
	var (
		result *StartResult
		notice *FlagNotice
	)
	session := s.policy.Session()
	err := withConflictRetry(ctx, session.ConflictRetries, session.RetryDelay, s.log, "start", func() error {
		result, notice = nil, nil
		release, err := s.acquire(ctx, "start", startLockKey(studentID, examID))
		if err != nil {
			return err
		}
		defer release()

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			exam, err := s.exams.FindByID(ctx, tx, examID)
			if err != nil {
				return err
			}

			open, err := s.attempts.FindOpen(ctx, tx, studentID, examID)
			if err != nil {
				return err
			}
			if open != nil {
				result = &StartResult{
					Attempt:          open,
					Resumed:          true,
					RemainingSeconds: seconds(s.timer.Remaining(open, exam)),
				}
				return nil
			}

			now := s.clock.Now()
			if !exam.AvailableAt(now) {
				return util.ErrExamNotAvailable
			}

			completed, err := s.attempts.CountCompleted(ctx, tx, studentID, examID)
			if err != nil {
				return err
			}
			maxAttempts := exam.MaxAttempts
			if maxAttempts <= 0 {
				maxAttempts = session.DefaultMaxAttempts
			}
			if completed >= int64(maxAttempts) {
				return util.ErrAttemptAlreadyCompleted
			}

			attempt := &model.ExamAttempt{
				ExamID:             examID,
				StudentID:          studentID,
				StartedAt:          now,
				AnswerVersion:      1,
				VerificationStatus: model.VerificationPending,
				IPAddress:          meta.IP,
				LastIPAddress:      meta.IP,
				UserAgent:          truncate(meta.UserAgent, 512),
				ClientTimestamp:    clientTime,
				AnomalyWindows:     model.AnomalyWindows{},
				SeenIPs:            model.IPHistory{},
			}
			if limit := exam.TimeLimit(); limit > 0 {
				deadline := now.Add(limit)
				attempt.Deadline = &deadline
			}
			if err := s.attempts.Create(ctx, tx, attempt); err != nil {
				return err
			}

			rec := s.events.Begin(attempt, exam, meta)
			s.trackIP(rec, attempt, meta.IP)
			rec.Record(EventInput{
				Type:     model.EventExamStarted,
				Severity: model.SeverityInfo,
				Audit:    true,
				Data: map[string]interface{}{
					"exam_id":            examID,
					"time_limit_minutes": exam.TimeLimitMinutes,
					"attempt_number":     completed + 1,
				},
			})

			var rep EnvironmentReport
			if report != nil {
				rep = *report
			}
			envResult := s.env.Evaluate(exam, rep, meta.IP, meta.UserAgent)
			s.applyEnvironment(rec, attempt, envResult, rep)

			if check, err := s.timer.Validate(attempt, exam, clientTime, ModeQuery); err == nil {
				rec.RecordAll(s.timer.Events(check))
			}

			if err := rec.Flush(ctx, tx); err != nil {
				return err
			}
			if err := s.attempts.Update(ctx, tx, attempt); err != nil {
				return err
			}

			result = &StartResult{
				Attempt:          attempt,
				Environment:      &envResult,
				RemainingSeconds: seconds(s.timer.Remaining(attempt, exam)),
			}
			notice = rec.Notice()
			return nil
		})
		return util.TranslateDBError(err)
	})
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, err
	}

	s.publish(notice)
	if !result.Resumed {
		s.log.Info("Attempt started",
			zap.Uint("attempt_id", result.Attempt.ID),
			zap.Uint("exam_id", examID),
			zap.Uint("student_id", studentID))
	}
	return result, nil
}

// SaveAnswer 自动保存单题作答。超时返回 ErrTimeExpired，但超时事件仍会落库。
func (s *AttemptService) SaveAnswer(ctx context.Context, attemptID, questionID uint, payload AnswerPayload, clientTime *time.Time, meta RequestMeta) (*SaveResult, error) {
	ctx, span := tracing.StartAttemptSpan(ctx, "save_answer", attemptID)
	var (
		result   *SaveResult
		rejected error
		notice   *FlagNotice
	)
	err := s.mutate(ctx, "save_answer", attemptID, func(tx *gorm.DB, attempt *model.ExamAttempt, exam *model.Exam) error {
		result, rejected, notice = nil, nil, nil
		if attempt.IsCompleted {
			return util.ErrAttemptAlreadyCompleted
		}

		rec := s.events.Begin(attempt, exam, meta)
		check, terr := s.timer.Validate(attempt, exam, clientTime, ModeAutosave)
		rec.RecordAll(s.timer.Events(check))
		s.trackIP(rec, attempt, meta.IP)

		if terr != nil {
			rejected = terr
			rec.Record(EventInput{
				Type:     model.EventAnswerRejected,
				Severity: model.SeverityWarning,
				Data: map[string]interface{}{
					"question_id":     questionID,
					"reason":          "time_expired",
					"elapsed_seconds": seconds(check.Elapsed),
				},
			})
			notice = rec.Notice()
			if err := rec.Flush(ctx, tx); err != nil {
				return err
			}
			return s.attempts.Update(ctx, tx, attempt)
		}

		answer, err := s.store.Save(ctx, tx, attempt, questionID, payload)
		if err != nil {
			return err
		}

		attempt.AnswerVersion++
		now := check.Now
		attempt.LastSyncTime = &now
		if clientTime != nil {
			attempt.ClientTimestamp = clientTime
		}
		rec.Record(EventInput{
			Type:     model.EventAnswerSubmission,
			Severity: model.SeverityInfo,
			Data: map[string]interface{}{
				"question_id":    questionID,
				"answer_version": attempt.AnswerVersion,
				"revision":       answer.Version,
				"type":           payload.Kind(),
			},
		})

		if err := rec.Flush(ctx, tx); err != nil {
			return err
		}
		if err := s.attempts.Update(ctx, tx, attempt); err != nil {
			return err
		}

		result = &SaveResult{
			AttemptID:        attempt.ID,
			QuestionID:       questionID,
			AnswerID:         answer.ID,
			AnswerVersion:    attempt.AnswerVersion,
			Revision:         answer.Version,
			RemainingSeconds: seconds(check.Remaining),
			GraceActive:      check.GraceActive,
			ServerTime:       now,
		}
		notice = rec.Notice()
		return nil
	})
	if err == nil {
		err = rejected
	}
	s.publish(notice)
	tracing.EndSpan(span, err)
	if err != nil {
		monitoring.AnswerSaves.WithLabelValues(string(util.KindOf(err))).Inc()
		return nil, err
	}
	monitoring.AnswerSaves.WithLabelValues("ok").Inc()
	return result, nil
}

// SubmitAttempt 提交考试，幂等：已完成的会话返回原结果。提交从不因超时被拒绝。
func (s *AttemptService) SubmitAttempt(ctx context.Context, attemptID uint, req SubmitRequest, meta RequestMeta) (*SubmitResult, error) {
	ctx, span := tracing.StartAttemptSpan(ctx, "submit", attemptID)
	var (
		result   *SubmitResult
		notice   *FlagNotice
		snapshot *EvidenceSnapshot
	)
	err := s.mutate(ctx, "submit", attemptID, func(tx *gorm.DB, attempt *model.ExamAttempt, exam *model.Exam) error {
		result, notice, snapshot = nil, nil, nil
		if attempt.IsCompleted {
			r, err := s.completedResult(ctx, tx, attempt)
			result = r
			return err
		}

		rec := s.events.Begin(attempt, exam, meta)
		check, _ := s.timer.Validate(attempt, exam, req.ClientTime, ModeSubmit)
		rec.RecordAll(s.timer.Events(check))
		s.trackIP(rec, attempt, meta.IP)

		if check.Late {
			attempt.LateSubmission = true
			rec.Record(EventInput{
				Type:     model.EventAutoSubmission,
				Severity: model.SeverityWarning,
				Data: map[string]interface{}{
					"reason":          "late_submit",
					"elapsed_seconds": seconds(check.Elapsed),
					"limit_seconds":   seconds(check.Limit),
					"grace_seconds":   seconds(s.policy.GracePeriod()),
				},
			})
		}

		for _, fa := range req.FinalAnswers {
			if _, err := s.store.Save(ctx, tx, attempt, fa.QuestionID, fa.Payload); err != nil {
				return err
			}
			attempt.AnswerVersion++
		}

		now := check.Now
		attempt.IsCompleted = true
		attempt.SubmittedAt = &now
		attempt.CompletedAt = &now
		attempt.LastSyncTime = &now
		attempt.SubmissionIP = meta.IP
		attempt.SubmissionLocation = truncate(req.Location, 255)
		if req.ClientTime != nil {
			attempt.ClientTimestamp = req.ClientTime
		}

		summary, err := s.grade(ctx, tx, attempt, now)
		if err != nil {
			return err
		}

		rec.Record(EventInput{
			Type:     model.EventExamSubmission,
			Severity: model.SeverityInfo,
			Audit:    true,
			Data: map[string]interface{}{
				"late":           check.Late,
				"answer_version": attempt.AnswerVersion,
				"score":          summary.Percentage,
				"needs_grading":  summary.NeedsManualGrading,
			},
		})
		if err := rec.Flush(ctx, tx); err != nil {
			return err
		}
		if err := s.attempts.Update(ctx, tx, attempt); err != nil {
			return err
		}

		result = &SubmitResult{
			AttemptID:   attempt.ID,
			Late:        check.Late,
			SubmittedAt: attempt.SubmittedAt,
			Score:       summary,
		}
		notice = rec.Notice()
		snap := NewEvidenceSnapshot(attempt)
		snapshot = &snap
		return nil
	})
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, err
	}

	switch {
	case result.AlreadySubmitted:
		monitoring.Submissions.WithLabelValues("duplicate").Inc()
	case result.Late:
		monitoring.Submissions.WithLabelValues("late").Inc()
	default:
		monitoring.Submissions.WithLabelValues("on_time").Inc()
	}
	s.publish(notice)
	s.archive(snapshot)
	if !result.AlreadySubmitted {
		s.log.Info("Attempt submitted",
			zap.Uint("attempt_id", attemptID),
			zap.Bool("late", result.Late),
			zap.Float64("score", result.Score.Percentage))
	}
	return result, nil
}

// completedResult 已完成会话的提交结果。分数取已保存的值，待批改题目只读计算，不写库
func (s *AttemptService) completedResult(ctx context.Context, tx *gorm.DB, attempt *model.ExamAttempt) (*SubmitResult, error) {
	questions, answers, err := s.gradingInput(ctx, tx, attempt)
	if err != nil {
		return nil, err
	}
	summary := s.grading.Score(questions, answers)

	r := &SubmitResult{
		AttemptID:        attempt.ID,
		AlreadySubmitted: true,
		Late:             attempt.LateSubmission,
		AutoSubmitted:    attempt.AutoSubmitted,
		SubmittedAt:      attempt.SubmittedAt,
	}
	if attempt.EarnedPoints != nil {
		r.Score.Earned = *attempt.EarnedPoints
	}
	if attempt.TotalPoints != nil {
		r.Score.Total = *attempt.TotalPoints
	}
	if attempt.Score != nil {
		r.Score.Percentage = *attempt.Score
	}
	r.Score.IsGraded = attempt.IsGraded
	r.Score.NeedsManualGrading = summary.NeedsManualGrading
	r.Score.PendingQuestions = summary.PendingQuestions
	return r, nil
}

func (s *AttemptService) gradingInput(ctx context.Context, tx *gorm.DB, attempt *model.ExamAttempt) ([]model.Question, []*model.Answer, error) {
	questions, err := s.exams.ListQuestions(ctx, tx, attempt.ExamID)
	if err != nil {
		return nil, nil, err
	}
	answers, err := s.answers.ListByAttempt(ctx, tx, attempt.ID)
	if err != nil {
		return nil, nil, err
	}
	ptrs := make([]*model.Answer, len(answers))
	for i := range answers {
		ptrs[i] = &answers[i]
	}
	return questions, ptrs, nil
}

// grade 自动判分并把分数和 IsGraded 写回 attempt（由调用方在同一事务中保存）
func (s *AttemptService) grade(ctx context.Context, tx *gorm.DB, attempt *model.ExamAttempt, now time.Time) (ScoreSummary, error) {
	questions, ptrs, err := s.gradingInput(ctx, tx, attempt)
	if err != nil {
		return ScoreSummary{}, err
	}

	for _, changed := range s.grading.AutoGrade(questions, ptrs) {
		if err := s.answers.Update(ctx, tx, changed); err != nil {
			return ScoreSummary{}, err
		}
	}

	summary := s.grading.Score(questions, ptrs)
	earned, total, pct := summary.Earned, summary.Total, summary.Percentage
	attempt.EarnedPoints = &earned
	attempt.TotalPoints = &total
	attempt.Score = &pct
	attempt.IsGraded = summary.IsGraded
	if summary.IsGraded {
		attempt.GradedAt = &now
	} else {
		attempt.GradedAt = nil
	}
	return summary, nil
}

// GradeAttempt 教师批改主观题，重新计算得分
func (s *AttemptService) GradeAttempt(ctx context.Context, attemptID, graderID uint, grades []ManualGrade, meta RequestMeta) (*GradeResult, error) {
	ctx, span := tracing.StartAttemptSpan(ctx, "grade", attemptID)
	if len(grades) == 0 {
		err := fmt.Errorf("%w: no grades provided", util.ErrInvalidManualGrade)
		tracing.EndSpan(span, err)
		return nil, err
	}

	var result *GradeResult
	err := s.mutate(ctx, "grade", attemptID, func(tx *gorm.DB, attempt *model.ExamAttempt, exam *model.Exam) error {
		result = nil
		if !attempt.IsCompleted {
			return util.ErrAttemptNotCompleted
		}

		questions, err := s.exams.ListQuestions(ctx, tx, attempt.ExamID)
		if err != nil {
			return err
		}
		byID := indexQuestions(questions)
		now := s.clock.Now()

		graded := make([]uint, 0, len(grades))
		for _, g := range grades {
			q, ok := byID[g.QuestionID]
			if !ok {
				return fmt.Errorf("%w: %d", util.ErrQuestionNotFound, g.QuestionID)
			}
			if q.QuestionType.IsObjective() {
				return fmt.Errorf("%w: question %d is graded automatically", util.ErrInvalidManualGrade, q.ID)
			}
			if g.Points != nil && (*g.Points < 0 || *g.Points > q.Points) {
				return fmt.Errorf("%w: points for question %d must be between 0 and %d", util.ErrInvalidManualGrade, q.ID, q.Points)
			}

			answer, err := s.answers.FindForUpdate(ctx, tx, attempt.ID, q.ID)
			if err != nil {
				return err
			}
			isNew := answer == nil
			if isNew {
				answer = &model.Answer{AttemptID: attempt.ID, QuestionID: q.ID}
			}

			correct := g.IsCorrect
			answer.IsCorrect = &correct
			answer.PointsAwarded = nil
			if g.Points != nil {
				points := *g.Points
				answer.PointsAwarded = &points
			}
			answer.TeacherFeedback = g.Feedback
			grader := graderID
			answer.GradedBy = &grader
			gradedAt := now
			answer.GradedAt = &gradedAt

			if isNew {
				err = s.answers.Create(ctx, tx, answer)
			} else {
				err = s.answers.Update(ctx, tx, answer)
			}
			if err != nil {
				return err
			}
			graded = append(graded, q.ID)
		}

		summary, err := s.grade(ctx, tx, attempt, now)
		if err != nil {
			return err
		}

		rec := s.events.Begin(attempt, exam, meta)
		rec.Record(EventInput{
			Type:     model.EventManualGrade,
			Severity: model.SeverityInfo,
			Audit:    true,
			Data: map[string]interface{}{
				"grader_id":    graderID,
				"question_ids": graded,
				"score":        summary.Percentage,
				"is_graded":    summary.IsGraded,
			},
		})
		if err := rec.Flush(ctx, tx); err != nil {
			return err
		}
		if err := s.attempts.Update(ctx, tx, attempt); err != nil {
			return err
		}
		result = &GradeResult{AttemptID: attempt.ID, ScoreSummary: summary}
		return nil
	})
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// canTransition 审核状态不能回到 pending，approved 之后不再变化
func canTransition(from, to model.VerificationStatus) bool {
	if from == to {
		return to != model.VerificationPending
	}
	switch to {
	case model.VerificationApproved:
		return from == model.VerificationPending || from == model.VerificationFlagged || from == model.VerificationAutoFlagged
	case model.VerificationFlagged:
		return from == model.VerificationPending || from == model.VerificationAutoFlagged
	}
	return false
}

// ReviewAttempt 人工审核决定
func (s *AttemptService) ReviewAttempt(ctx context.Context, attemptID, reviewerID uint, decision model.VerificationStatus, note string, meta RequestMeta) (*model.ExamAttempt, error) {
	ctx, span := tracing.StartAttemptSpan(ctx, "review", attemptID)
	if decision != model.VerificationApproved && decision != model.VerificationFlagged {
		err := fmt.Errorf("%w: decision must be approved or flagged", util.ErrInvalidTransition)
		tracing.EndSpan(span, err)
		return nil, err
	}

	var result *model.ExamAttempt
	err := s.mutate(ctx, "review", attemptID, func(tx *gorm.DB, attempt *model.ExamAttempt, exam *model.Exam) error {
		result = nil
		from := attempt.VerificationStatus
		if !canTransition(from, decision) {
			return fmt.Errorf("%w: %s -> %s", util.ErrInvalidTransition, from, decision)
		}

		now := s.clock.Now()
		reviewer := reviewerID
		attempt.VerificationStatus = decision
		attempt.ReviewedBy = &reviewer
		attempt.ReviewedAt = &now

		rec := s.events.Begin(attempt, exam, meta)
		rec.Record(EventInput{
			Type:     model.EventVerificationPrefix + strings.ToUpper(string(decision)),
			Severity: model.SeverityInfo,
			Audit:    true,
			Data: map[string]interface{}{
				"reviewer_id": reviewerID,
				"from":        from,
				"note":        truncate(note, 1000),
			},
		})
		if err := rec.Flush(ctx, tx); err != nil {
			return err
		}
		if err := s.attempts.Update(ctx, tx, attempt); err != nil {
			return err
		}
		result = attempt
		return nil
	})
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

var eventTypePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,63}$`)

// LogProctoringEvent 记录客户端上报的监考事件，已完成的会话也可以记录
func (s *AttemptService) LogProctoringEvent(ctx context.Context, attemptID uint, in ProctoringEventInput, meta RequestMeta) (*EventResult, error) {
	if !eventTypePattern.MatchString(in.Type) {
		return nil, fmt.Errorf("%w: event type %q", util.ErrInvalidEvent, in.Type)
	}
	upper := strings.ToUpper(in.Type)
	_, stripped := model.Categorize(upper)
	if strings.HasPrefix(stripped, model.EventSuspiciousPrefix) || strings.HasPrefix(stripped, model.EventVerificationPrefix) {
		return nil, fmt.Errorf("%w: event type %q is reserved", util.ErrInvalidEvent, in.Type)
	}
	severity, ok := model.ParseSeverity(in.Severity)
	if !ok {
		return nil, fmt.Errorf("%w: severity %q", util.ErrInvalidEvent, in.Severity)
	}
	if limit := s.policy.Proctoring().MaxPayloadBytes; len(in.Data) > limit {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", util.ErrEventTooLarge, len(in.Data), limit)
	}

	ctx, span := tracing.StartAttemptSpan(ctx, "log_event", attemptID)
	var (
		result *EventResult
		notice *FlagNotice
	)
	err := s.mutate(ctx, "log_event", attemptID, func(tx *gorm.DB, attempt *model.ExamAttempt, exam *model.Exam) error {
		result, notice = nil, nil
		rec := s.events.Begin(attempt, exam, meta)
		var data interface{}
		if len(in.Data) > 0 {
			data = in.Data
		}
		rec.Record(EventInput{Type: upper, Severity: severity, Data: data})
		s.trackIP(rec, attempt, meta.IP)

		if err := rec.Flush(ctx, tx); err != nil {
			return err
		}
		if err := s.attempts.Update(ctx, tx, attempt); err != nil {
			return err
		}

		category, _ := model.Categorize(upper)
		result = &EventResult{
			AttemptID:          attempt.ID,
			Type:               upper,
			Category:           category,
			WarningCount:       attempt.WarningCount,
			VerificationStatus: attempt.VerificationStatus,
			Flagged:            rec.Flagged(),
			Triggers:           rec.Triggers(),
		}
		notice = rec.Notice()
		return nil
	})
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	s.publish(notice)
	return result, nil
}

// VerifyEnvironment 考试过程中重新检查环境
func (s *AttemptService) VerifyEnvironment(ctx context.Context, attemptID uint, report EnvironmentReport, meta RequestMeta) (*EnvironmentResult, error) {
	ctx, span := tracing.StartAttemptSpan(ctx, "verify_environment", attemptID)
	var result *EnvironmentResult
	err := s.mutate(ctx, "verify_environment", attemptID, func(tx *gorm.DB, attempt *model.ExamAttempt, exam *model.Exam) error {
		result = nil
		if attempt.IsCompleted {
			return util.ErrAttemptAlreadyCompleted
		}
		rec := s.events.Begin(attempt, exam, meta)
		envResult := s.env.Evaluate(exam, report, meta.IP, meta.UserAgent)
		s.applyEnvironment(rec, attempt, envResult, report)
		s.trackIP(rec, attempt, meta.IP)

		if err := rec.Flush(ctx, tx); err != nil {
			return err
		}
		if err := s.attempts.Update(ctx, tx, attempt); err != nil {
			return err
		}
		result = &envResult
		return nil
	})
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetRemainingTime 查询剩余时间。可能开始宽限期并记录时间偏差，所以也走加锁路径。
func (s *AttemptService) GetRemainingTime(ctx context.Context, attemptID uint, clientTime *time.Time, meta RequestMeta) (*TimeStatus, error) {
	ctx, span := tracing.StartAttemptSpan(ctx, "remaining_time", attemptID)
	var (
		result   *TimeStatus
		rejected error
	)
	err := s.mutate(ctx, "remaining_time", attemptID, func(tx *gorm.DB, attempt *model.ExamAttempt, exam *model.Exam) error {
		result, rejected = nil, nil
		if attempt.IsCompleted {
			return util.ErrAttemptAlreadyCompleted
		}

		rec := s.events.Begin(attempt, exam, meta)
		check, terr := s.timer.Validate(attempt, exam, clientTime, ModeQuery)
		events := s.timer.Events(check)
		rec.RecordAll(events)
		if terr != nil {
			rejected = terr
		} else {
			result = &TimeStatus{
				AttemptID:        attempt.ID,
				RemainingSeconds: seconds(check.Remaining),
				ElapsedSeconds:   seconds(check.Elapsed),
				GraceActive:      check.GraceActive,
				Unlimited:        check.Unlimited,
				Deadline:         attempt.Deadline,
				ServerTime:       check.Now,
			}
		}
		if len(events) == 0 {
			return nil
		}
		if err := rec.Flush(ctx, tx); err != nil {
			return err
		}
		return s.attempts.Update(ctx, tx, attempt)
	})
	if err == nil {
		err = rejected
	}
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetAttempt 读取会话及作答，不加锁
func (s *AttemptService) GetAttempt(ctx context.Context, attemptID uint) (*AttemptView, error) {
	attempt, err := s.attempts.FindByID(ctx, nil, attemptID)
	if err != nil {
		return nil, util.TranslateDBError(err)
	}
	answers, err := s.answers.ListByAttempt(ctx, nil, attemptID)
	if err != nil {
		return nil, util.TranslateDBError(err)
	}
	view := &AttemptView{Attempt: attempt, Answers: answers}
	if !attempt.IsCompleted {
		exam, err := s.exams.FindByID(ctx, nil, attempt.ExamID)
		if err != nil {
			return nil, util.TranslateDBError(err)
		}
		view.RemainingSeconds = seconds(s.timer.Remaining(attempt, exam))
	}
	return view, nil
}

// AutoSubmitExpired 强制完成超过截止时间加宽限期的会话，返回处理的数量
func (s *AttemptService) AutoSubmitExpired(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := s.clock.Now().Add(-s.policy.GracePeriod())
	ids, err := s.attempts.ListExpiredIDs(ctx, cutoff, limit)
	if err != nil {
		return 0, util.TranslateDBError(err)
	}

	done := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		submitted, err := s.autoSubmit(ctx, id)
		if err != nil {
			s.log.Warn("Auto submit failed", zap.Uint("attempt_id", id), zap.Error(err))
			continue
		}
		if submitted {
			done++
		}
	}
	return done, nil
}

func (s *AttemptService) autoSubmit(ctx context.Context, attemptID uint) (bool, error) {
	ctx, span := tracing.StartAttemptSpan(ctx, "auto_submit", attemptID)
	var (
		submitted bool
		snapshot  *EvidenceSnapshot
	)
	err := s.mutate(ctx, "auto_submit", attemptID, func(tx *gorm.DB, attempt *model.ExamAttempt, exam *model.Exam) error {
		submitted, snapshot = false, nil
		// 用户提交先完成时什么也不做
		if attempt.IsCompleted || attempt.Deadline == nil {
			return nil
		}
		now := s.clock.Now()
		if !attempt.Deadline.Add(s.policy.GracePeriod()).Before(now) {
			return nil
		}

		deadline := *attempt.Deadline
		attempt.IsCompleted = true
		attempt.AutoSubmitted = true
		attempt.CompletedAt = &deadline
		attempt.SubmittedAt = &now

		summary, err := s.grade(ctx, tx, attempt, now)
		if err != nil {
			return err
		}

		rec := s.events.Begin(attempt, exam, RequestMeta{})
		rec.Record(EventInput{
			Type:     model.EventAutoSubmission,
			Severity: model.SeverityWarning,
			Data: map[string]interface{}{
				"reason":             "time_expired",
				"started_at":         attempt.StartedAt,
				"deadline":           deadline,
				"time_limit_minutes": exam.TimeLimitMinutes,
				"score":              summary.Percentage,
			},
		})
		if err := rec.Flush(ctx, tx); err != nil {
			return err
		}
		if err := s.attempts.Update(ctx, tx, attempt); err != nil {
			return err
		}
		submitted = true
		snap := NewEvidenceSnapshot(attempt)
		snapshot = &snap
		return nil
	})
	tracing.EndSpan(span, err)
	if err != nil {
		return false, err
	}
	if submitted {
		monitoring.Submissions.WithLabelValues("auto").Inc()
		s.log.Info("Attempt auto submitted", zap.Uint("attempt_id", attemptID))
		s.archive(snapshot)
	}
	return submitted, nil
}

// CompactEventBuffers 完成时间早于 cutoff 的会话只保留高危事件，返回移除的事件数
func (s *AttemptService) CompactEventBuffers(ctx context.Context, cutoff time.Time, batch int) (int, error) {
	if batch <= 0 {
		batch = 100
	}
	keepHigh := func(e model.Event) bool {
		return e.Severity == model.SeverityHigh || e.Severity == model.SeverityError
	}

	removed := 0
	var afterID uint
	for {
		ids, err := s.attempts.ListCompactableIDs(ctx, cutoff, afterID, batch)
		if err != nil {
			return removed, util.TranslateDBError(err)
		}
		if len(ids) == 0 {
			return removed, nil
		}
		for _, id := range ids {
			if ctx.Err() != nil {
				return removed, ctx.Err()
			}
			var n int
			err := s.mutate(ctx, "compact", id, func(tx *gorm.DB, attempt *model.ExamAttempt, exam *model.Exam) error {
				n = attempt.SecurityEvents.Retain(keepHigh) +
					attempt.BrowserEvents.Retain(keepHigh) +
					attempt.WarningEvents.Retain(keepHigh)
				if n == 0 {
					return nil
				}
				return s.attempts.Update(ctx, tx, attempt)
			})
			if err != nil {
				s.log.Warn("Event buffer compaction failed", zap.Uint("attempt_id", id), zap.Error(err))
				continue
			}
			removed += n
		}
		afterID = ids[len(ids)-1]
	}
}

// trackIP 记录窗口内出现过的不同客户端地址。新地址出现时记录 MULTIPLE_IPS，
// 不同地址数（含开考地址）达到规则阈值时自动标记，并清空地址窗口。
func (s *AttemptService) trackIP(rec *EventRecorder, attempt *model.ExamAttempt, ip string) {
	if ip == "" {
		return
	}
	now := s.clock.Now()
	if attempt.SeenIPs == nil {
		attempt.SeenIPs = model.IPHistory{}
	}
	rule, hasRule := s.events.detector.Rule(model.EventMultipleIPs)
	if hasRule && rule.Window > 0 {
		attempt.SeenIPs.Prune(now.Add(-rule.Window))
	}

	_, known := attempt.SeenIPs[ip]
	attempt.SeenIPs[ip] = now
	previous := attempt.LastIPAddress
	attempt.LastIPAddress = ip
	if known {
		return
	}

	distinct := len(attempt.SeenIPs)
	if distinct > 1 {
		rec.Record(EventInput{
			Type:     model.EventMultipleIPs,
			Severity: model.SeverityWarning,
			Data: map[string]interface{}{
				"previous_ip":  previous,
				"current_ip":   ip,
				"distinct_ips": distinct,
			},
		})
	}
	if hasRule && rule.Threshold > 0 && distinct >= rule.Threshold {
		rec.flag(rule.Type, map[string]interface{}{
			"distinct_ips":   distinct,
			"threshold":      rule.Threshold,
			"window_minutes": int(rule.Window.Minutes()),
			"addresses":      attempt.SeenIPs.Addresses(),
		})
		attempt.SeenIPs = model.IPHistory{ip: now}
	}
}

func (s *AttemptService) applyEnvironment(rec *EventRecorder, attempt *model.ExamAttempt, result EnvironmentResult, report EnvironmentReport) {
	attempt.EnvironmentVerified = result.Verified
	attempt.SecureBrowserActive = report.SecureBrowser
	attempt.WebcamActive = report.Webcam
	if raw, err := json.Marshal(result); err == nil {
		attempt.ServerSideChecks = datatypes.JSON(raw)
	}

	if result.Verified {
		rec.Record(EventInput{
			Type:     model.EventEnvironmentVerified,
			Severity: model.SeverityInfo,
			Data:     map[string]interface{}{"checks": len(result.Checks)},
		})
		return
	}
	rec.Record(EventInput{
		Type:     model.EventEnvironmentCheckFailed,
		Severity: model.SeverityHigh,
		Data:     map[string]interface{}{"failed": result.Failed()},
	})
}

func (s *AttemptService) publish(notice *FlagNotice) {
	if notice == nil || s.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.publisher.PublishFlag(ctx, *notice); err != nil {
		s.log.Warn("Failed to publish flag notice", zap.Uint("attempt_id", notice.AttemptID), zap.Error(err))
	}
}

func (s *AttemptService) archive(snapshot *EvidenceSnapshot) {
	if snapshot == nil || s.archiver == nil {
		return
	}
	s.archiver.Enqueue(*snapshot)
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

// ListAttempts 教师按考试和审核状态分页查看会话
func (s *AttemptService) ListAttempts(ctx context.Context, examID uint, status model.VerificationStatus, page, size int) ([]model.ExamAttempt, int64, error) {
	if status != "" && !status.Valid() {
		return nil, 0, fmt.Errorf("%w: verification status %q", util.ErrInvalidRequest, status)
	}
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}
	items, total, err := s.attempts.ListByExam(ctx, examID, status, (page-1)*size, size)
	if err != nil {
		return nil, 0, util.TranslateDBError(err)
	}
	return items, total, nil
}
