package controller

import (
	"examguard_backend/internal/model"
	"examguard_backend/internal/service"
	"examguard_backend/internal/util"
	"strconv"

	"github.com/gin-gonic/gin"
)

type GradeController struct {
	AttemptService *service.AttemptService
}

func NewGradeController(attemptService *service.AttemptService) *GradeController {
	return &GradeController{AttemptService: attemptService}
}

// @Summary 列出考试的会话（可按审核状态过滤）
// @Tags 评分
// @Produce json
// @Security BearerAuth
// @Param examId path int true "考试ID"
// @Param status query string false "pending/approved/flagged/auto_flagged"
// @Param page query int false "页码"
// @Param size query int false "每页数量"
// @Success 200 {object} util.Response
// @Router /api/teacher/exams/{examId}/attempts [get]
func (c *GradeController) ListAttempts(ctx *gin.Context) {
	examID, ok := parseID(ctx, "examId")
	if !ok {
		return
	}
	page, _ := strconv.Atoi(ctx.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(ctx.DefaultQuery("size", "20"))
	status := model.VerificationStatus(ctx.Query("status"))

	items, total, err := c.AttemptService.ListAttempts(ctx.Request.Context(), examID, status, page, size)
	if err != nil {
		util.Fail(ctx, err)
		return
	}
	util.Success(ctx, gin.H{"items": items, "total": total, "page": page})
}

// @Summary 教师对主观题人工评分
// @Tags 评分
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "会话ID"
// @Param body body object true "grades [{questionId, isCorrect, points, feedback}]"
// @Success 200 {object} util.Response
// @Router /api/teacher/attempts/{id}/grade [post]
func (c *GradeController) GradeAttempt(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}
	id, ok := parseID(ctx, "id")
	if !ok {
		return
	}
	var body struct {
		Grades []service.ManualGrade `json:"grades" binding:"required,dive"`
	}
	if err := ctx.ShouldBindJSON(&body); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	result, err := c.AttemptService.GradeAttempt(ctx.Request.Context(), id, user.UserID, body.Grades, requestMeta(ctx))
	if err != nil {
		util.Fail(ctx, err)
		return
	}
	util.Success(ctx, result)
}

// @Summary 审核考试会话
// @Tags 评分
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "会话ID"
// @Param body body object true "decision: approved/flagged, note"
// @Success 200 {object} util.Response
// @Router /api/teacher/attempts/{id}/review [post]
func (c *GradeController) ReviewAttempt(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}
	id, ok := parseID(ctx, "id")
	if !ok {
		return
	}
	var body struct {
		Decision model.VerificationStatus `json:"decision" binding:"required"`
		Note     string                   `json:"note"`
	}
	if err := ctx.ShouldBindJSON(&body); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	attempt, err := c.AttemptService.ReviewAttempt(ctx.Request.Context(), id, user.UserID, body.Decision, body.Note, requestMeta(ctx))
	if err != nil {
		util.Fail(ctx, err)
		return
	}
	util.Success(ctx, gin.H{
		"attemptId":          attempt.ID,
		"verificationStatus": attempt.VerificationStatus,
		"reviewedAt":         attempt.ReviewedAt,
	})
}
