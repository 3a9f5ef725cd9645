package controller

import (
	"bytes"
	"encoding/json"
	"examguard_backend/internal/model"
	"examguard_backend/internal/repository"
	"examguard_backend/internal/service"
	"examguard_backend/internal/util"
	"examguard_backend/pkg/database"
	"examguard_backend/pkg/security"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Kind    util.ErrorKind  `json:"kind"`
	Data    json.RawMessage `json:"data"`
}

type testServer struct {
	router *gin.Engine
	db     *gorm.DB
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := database.Migrate(db); err != nil {
		t.Fatal(err)
	}

	policy := service.DefaultPolicy()
	clock := service.SystemClock{}
	attempts := repository.NewExamAttemptRepository(db)
	answers := repository.NewAnswerRepository(db)
	exams := repository.NewExamRepository(db)
	svc := service.NewAttemptService(db, service.AttemptDeps{
		Attempts: attempts,
		Answers:  answers,
		Exams:    exams,
		Timer:    service.NewTimerService(clock, policy),
		Store:    service.NewAnswerStore(answers, exams, clock),
		Events:   service.NewEventLogService(repository.NewSecurityLogRepository(db), service.NewAnomalyDetector(policy), policy, clock, nil),
		Grading:  service.NewGradingService(),
		Env:      service.NewEnvironmentChecker(clock),
		Policy:   policy,
	})

	gin.SetMode(gin.TestMode)
	r := gin.New()
	// 测试用身份：X-User / X-Role
	r.Use(func(c *gin.Context) {
		if id, err := strconv.ParseUint(c.GetHeader("X-User"), 10, 64); err == nil {
			c.Set("user", &util.Claims{UserID: uint(id), Role: model.UserRole(c.GetHeader("X-Role"))})
		}
		c.Next()
	})
	attempt := NewAttemptController(svc)
	grade := NewGradeController(svc)
	api := r.Group("/api")
	api.POST("/exams/:examId/attempts", attempt.StartAttempt)
	api.GET("/attempts/:id", attempt.GetAttempt)
	api.PUT("/attempts/:id/answers/:questionId", attempt.SaveAnswer)
	api.POST("/attempts/:id/submit", attempt.SubmitAttempt)
	api.GET("/attempts/:id/time", attempt.GetRemainingTime)
	api.POST("/attempts/:id/events", security.BodyLimit(1024), attempt.LogEvent)
	api.POST("/teacher/attempts/:id/review", grade.ReviewAttempt)
	api.GET("/teacher/exams/:examId/attempts", grade.ListAttempts)

	return &testServer{router: r, db: db}
}

func (s *testServer) do(t *testing.T, method, path string, user uint, role model.UserRole, body interface{}) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != 0 {
		req.Header.Set("X-User", strconv.FormatUint(uint64(user), 10))
		req.Header.Set("X-Role", string(role))
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: invalid response %q", method, path, w.Body.String())
	}
	return w.Code, env
}

func TestAttemptEndpoints(t *testing.T) {
	s := newTestServer(t)
	exam := &model.Exam{
		Title:            "Quiz",
		TimeLimitMinutes: 30,
		Questions: []model.Question{{
			QuestionType: model.QuestionTypeMCQ,
			Content:      "2+2",
			Points:       1,
			Order:        1,
			Options: []model.QuestionOption{
				{Content: "4", IsCorrect: true, Order: 1},
				{Content: "5", Order: 2},
			},
		}},
	}
	if err := s.db.Create(exam).Error; err != nil {
		t.Fatal(err)
	}
	question := exam.Questions[0]
	startPath := fmt.Sprintf("/api/exams/%d/attempts", exam.ID)

	code, env := s.do(t, http.MethodPost, startPath, 7, model.Student, nil)
	if code != http.StatusCreated {
		t.Fatalf("start: got %d %s", code, env.Message)
	}
	var started struct {
		Attempt struct {
			ID uint `json:"id"`
		} `json:"attempt"`
		Resumed bool `json:"resumed"`
	}
	if err := json.Unmarshal(env.Data, &started); err != nil {
		t.Fatal(err)
	}
	base := fmt.Sprintf("/api/attempts/%d", started.Attempt.ID)

	if code, _ := s.do(t, http.MethodPost, startPath, 7, model.Student, nil); code != http.StatusOK {
		t.Fatalf("resume should return 200, got %d", code)
	}
	if code, _ := s.do(t, http.MethodGet, base, 8, model.Student, nil); code != http.StatusForbidden {
		t.Fatalf("other student should be forbidden, got %d", code)
	}
	if code, _ := s.do(t, http.MethodGet, base, 0, "", nil); code != http.StatusUnauthorized {
		t.Fatalf("anonymous request should be unauthorized, got %d", code)
	}
	if code, _ := s.do(t, http.MethodGet, "/api/attempts/abc", 7, model.Student, nil); code != http.StatusBadRequest {
		t.Fatalf("bad id should be rejected, got %d", code)
	}

	answerPath := fmt.Sprintf("%s/answers/%d", base, question.ID)
	code, env = s.do(t, http.MethodPut, answerPath, 7, model.Student, map[string]interface{}{
		"type":             "mcq",
		"selectedOptionId": question.Options[0].ID,
	})
	if code != http.StatusOK {
		t.Fatalf("save answer: got %d %s", code, env.Message)
	}
	code, env = s.do(t, http.MethodPut, answerPath, 7, model.Student, map[string]interface{}{"type": "text", "text": "four"})
	if code != http.StatusBadRequest || env.Kind != util.KindValidation {
		t.Fatalf("mismatched payload should be a validation error, got %d %s", code, env.Kind)
	}

	code, env = s.do(t, http.MethodPost, base+"/events", 7, model.Student, map[string]interface{}{"type": "1bad"})
	if code != http.StatusBadRequest {
		t.Fatalf("invalid event type: got %d", code)
	}
	big := `{"type":"BROWSER_BLUR","data":"` + strings.Repeat("x", 2048) + `"}`
	if code, env = s.do(t, http.MethodPost, base+"/events", 7, model.Student, big); code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized event: got %d %s", code, env.Message)
	}
	if code, _ = s.do(t, http.MethodPost, base+"/events", 7, model.Student, map[string]interface{}{"type": "BROWSER_BLUR"}); code != http.StatusOK {
		t.Fatalf("log event: got %d", code)
	}

	if code, _ = s.do(t, http.MethodGet, base+"/time", 7, model.Student, nil); code != http.StatusOK {
		t.Fatalf("time: got %d", code)
	}

	var submitted struct {
		AlreadySubmitted bool `json:"alreadySubmitted"`
	}
	for i, want := range []bool{false, true} {
		code, env = s.do(t, http.MethodPost, base+"/submit", 7, model.Student, nil)
		if code != http.StatusOK {
			t.Fatalf("submit %d: got %d %s", i, code, env.Message)
		}
		if err := json.Unmarshal(env.Data, &submitted); err != nil {
			t.Fatal(err)
		}
		if submitted.AlreadySubmitted != want {
			t.Fatalf("submit %d: alreadySubmitted=%v", i, submitted.AlreadySubmitted)
		}
	}

	code, env = s.do(t, http.MethodPut, answerPath, 7, model.Student, map[string]interface{}{
		"type":             "mcq",
		"selectedOptionId": question.Options[1].ID,
	})
	if code != http.StatusConflict || env.Kind != util.KindAlreadyCompleted {
		t.Fatalf("save after submit: got %d %s", code, env.Kind)
	}

	review := base[len("/api"):]
	if code, _ = s.do(t, http.MethodPost, "/api/teacher"+review+"/review", 1, model.Teacher, map[string]string{"decision": "pending"}); code != http.StatusBadRequest {
		t.Fatalf("pending is not a valid decision, got %d", code)
	}
	if code, env = s.do(t, http.MethodPost, "/api/teacher"+review+"/review", 1, model.Teacher, map[string]string{"decision": "flagged", "note": "check webcam"}); code != http.StatusOK {
		t.Fatalf("review: got %d %s", code, env.Message)
	}

	code, env = s.do(t, http.MethodGet, fmt.Sprintf("/api/teacher/exams/%d/attempts?status=flagged", exam.ID), 1, model.Teacher, nil)
	if code != http.StatusOK {
		t.Fatalf("list: got %d", code)
	}
	var list struct {
		Total int64 `json:"total"`
	}
	if err := json.Unmarshal(env.Data, &list); err != nil {
		t.Fatal(err)
	}
	if list.Total != 1 {
		t.Fatalf("expected one flagged attempt, got %d", list.Total)
	}
	if code, _ = s.do(t, http.MethodGet, fmt.Sprintf("/api/teacher/exams/%d/attempts?status=bogus", exam.ID), 1, model.Teacher, nil); code != http.StatusBadRequest {
		t.Fatalf("invalid status filter should be rejected, got %d", code)
	}
}
