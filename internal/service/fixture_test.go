package service

import (
	"context"
	"examguard_backend/internal/model"
	"examguard_backend/internal/repository"
	"examguard_backend/pkg/database"
	"examguard_backend/pkg/lock"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var testStart = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu      sync.Mutex
	notices []FlagNotice
}

func (p *recordingPublisher) PublishFlag(ctx context.Context, notice FlagNotice) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notices = append(p.notices, notice)
	return nil
}

func (p *recordingPublisher) Notices() []FlagNotice {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]FlagNotice(nil), p.notices...)
}

type fixture struct {
	db        *gorm.DB
	clock     *fakeClock
	policy    *Policy
	attempts  *repository.ExamAttemptRepository
	answers   *repository.AnswerRepository
	exams     *repository.ExamRepository
	logs      *repository.SecurityLogRepository
	publisher *recordingPublisher
	svc       *AttemptService
}

func newTestDB(t *testing.T, clock Clock) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
		NowFunc:        clock.Now,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	// 内存库每个连接独立，只能用一个连接
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := newFakeClock(testStart)
	db := newTestDB(t, clock)
	policy := DefaultPolicy()

	f := &fixture{
		db:        db,
		clock:     clock,
		policy:    policy,
		attempts:  repository.NewExamAttemptRepository(db),
		answers:   repository.NewAnswerRepository(db),
		exams:     repository.NewExamRepository(db),
		logs:      repository.NewSecurityLogRepository(db),
		publisher: &recordingPublisher{},
	}
	f.svc = f.newService(nil)
	return f
}

func (f *fixture) newService(archiver *EvidenceArchiver) *AttemptService {
	return NewAttemptService(f.db, AttemptDeps{
		Attempts:  f.attempts,
		Answers:   f.answers,
		Exams:     f.exams,
		Timer:     NewTimerService(f.clock, f.policy),
		Store:     NewAnswerStore(f.answers, f.exams, f.clock),
		Events:    NewEventLogService(f.logs, NewAnomalyDetector(f.policy), f.policy, f.clock, zap.NewNop()),
		Grading:   NewGradingService(),
		Env:       NewEnvironmentChecker(f.clock),
		Locker:    lock.NewLocalLocker(),
		Policy:    f.policy,
		Clock:     f.clock,
		Log:       zap.NewNop(),
		Archiver:  archiver,
		Publisher: f.publisher,
	})
}

// mcq 第一个选项正确
func mcq(points int) model.Question {
	return model.Question{
		QuestionType: model.QuestionTypeMCQ,
		Content:      "pick one",
		Points:       points,
		Options: []model.QuestionOption{
			{Content: "right", IsCorrect: true, Order: 1},
			{Content: "wrong", Order: 2},
		},
	}
}

func textQuestion(points int) model.Question {
	return model.Question{QuestionType: model.QuestionTypeText, Content: "explain", Points: points}
}

// seedExam 创建考试，minutes 为限时
func (f *fixture) seedExam(t *testing.T, minutes int, questions ...model.Question) *model.Exam {
	t.Helper()
	for i := range questions {
		questions[i].Order = i + 1
	}
	exam := &model.Exam{Title: "Midterm", TimeLimitMinutes: minutes, MaxWarnings: 3, Questions: questions}
	if err := f.db.Create(exam).Error; err != nil {
		t.Fatalf("seed exam: %v", err)
	}
	return exam
}

func (f *fixture) start(t *testing.T, studentID uint, exam *model.Exam) *model.ExamAttempt {
	t.Helper()
	res, err := f.svc.StartAttempt(context.Background(), studentID, exam.ID, nil, nil, RequestMeta{IP: "10.0.0.1", UserAgent: "Mozilla/5.0"})
	if err != nil {
		t.Fatalf("start attempt: %v", err)
	}
	return res.Attempt
}

func (f *fixture) reload(t *testing.T, id uint) *model.ExamAttempt {
	t.Helper()
	a, err := f.attempts.FindByID(context.Background(), nil, id)
	if err != nil {
		t.Fatalf("reload attempt: %v", err)
	}
	return a
}

func (f *fixture) countLogs(t *testing.T, attemptID uint, eventType string) int64 {
	t.Helper()
	var n int64
	if err := f.db.Model(&model.SecurityLog{}).Where("attempt_id = ? AND event_type = ?", attemptID, eventType).Count(&n).Error; err != nil {
		t.Fatal(err)
	}
	return n
}

func hasEvent(b model.EventBuffer, eventType string) bool {
	for _, e := range b.Events {
		if e.Type == eventType {
			return true
		}
	}
	return false
}

func meta(ip string) RequestMeta {
	return RequestMeta{IP: ip, UserAgent: "Mozilla/5.0", Method: "PUT", Path: "/api/attempts"}
}
