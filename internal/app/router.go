package app

import (
	"examguard_backend/internal/config"
	"examguard_backend/internal/middleware"
	"examguard_backend/internal/model"
	"examguard_backend/pkg/monitoring"
	"examguard_backend/pkg/security"

	"github.com/gin-gonic/gin"
)

// 事件请求体除 data 外的字段余量
const eventEnvelopeBytes = 4096

func (a *App) registerRoutes(router *gin.Engine, c *controllers, cfg *config.Config) {
	router.GET("/metrics", monitoring.PrometheusHandler())

	// 1. 公共路由(无需登录)
	a.registerPublicRoutes(router, c)

	// 2. 需要授权的路由
	authGroup := router.Group("/api")
	authGroup.Use(middleware.AuthMiddleware(a.jwtSecret))
	{
		// 学生/通用 授权接口
		a.registerStudentRoutes(authGroup, c, cfg)

		// 教师相关接口
		a.registerTeacherRoutes(authGroup, c)
	}
}

func (a *App) registerPublicRoutes(router *gin.Engine, c *controllers) {
	public := router.Group("/api")
	{
		public.GET("/health", c.health.HealthCheck)
	}
}

func (a *App) registerStudentRoutes(rg *gin.RouterGroup, c *controllers, cfg *config.Config) {
	rg.POST("/exams/:examId/attempts", c.attempt.StartAttempt)

	attempts := rg.Group("/attempts/:id")
	{
		attempts.GET("", c.attempt.GetAttempt)
		attempts.PUT("/answers/:questionId", c.attempt.SaveAnswer)
		attempts.POST("/submit", c.attempt.SubmitAttempt)
		attempts.GET("/time", c.attempt.GetRemainingTime)
		attempts.POST("/environment", c.attempt.VerifyEnvironment)
		// 硬上限在服务层校验，这里只挡住明显过大的请求体
		attempts.POST("/events", security.BodyLimit(int64(cfg.Proctoring.MaxPayloadBytes)+eventEnvelopeBytes), c.attempt.LogEvent)
	}
}

func (a *App) registerTeacherRoutes(rg *gin.RouterGroup, c *controllers) {
	teacher := rg.Group("/teacher")
	teacher.Use(middleware.RoleMiddleware(model.Teacher))
	{
		teacher.GET("/exams/:examId/attempts", c.grade.ListAttempts)
		teacher.POST("/attempts/:id/grade", c.grade.GradeAttempt)
		teacher.POST("/attempts/:id/review", c.grade.ReviewAttempt)
	}
}
