package controller

import (
	"errors"
	"examguard_backend/internal/service"
	"examguard_backend/internal/util"
	"net/http"

	"github.com/gin-gonic/gin"
)

type AttemptController struct {
	AttemptService *service.AttemptService
}

func NewAttemptController(attemptService *service.AttemptService) *AttemptController {
	return &AttemptController{AttemptService: attemptService}
}

// authorize 学生只能访问自己的会话
func (c *AttemptController) authorize(ctx *gin.Context) (uint, bool) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return 0, false
	}
	id, ok := parseID(ctx, "id")
	if !ok {
		return 0, false
	}
	if err := c.AttemptService.Authorize(ctx.Request.Context(), id, user.UserID, user.Role); err != nil {
		util.Fail(ctx, err)
		return 0, false
	}
	return id, true
}

type startAttemptRequest struct {
	ClientTime  string                     `json:"clientTime"`
	Environment *service.EnvironmentReport `json:"environment"`
}

// @Summary 开始考试
// @Description 已有未完成的会话时返回该会话
// @Tags 考试会话
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param examId path int true "考试ID"
// @Success 201 {object} util.Response
// @Router /api/exams/{examId}/attempts [post]
func (c *AttemptController) StartAttempt(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}
	examID, ok := parseID(ctx, "examId")
	if !ok {
		return
	}
	var req startAttemptRequest
	if ctx.Request.ContentLength > 0 {
		if err := ctx.ShouldBindJSON(&req); err != nil {
			util.BadRequest(ctx, err.Error())
			return
		}
	}

	result, err := c.AttemptService.StartAttempt(ctx.Request.Context(), user.UserID, examID, req.Environment, clientTime(ctx, req.ClientTime), requestMeta(ctx))
	if err != nil {
		util.Fail(ctx, err)
		return
	}
	if result.Resumed {
		util.Success(ctx, result)
		return
	}
	util.Created(ctx, result)
}

type saveAnswerRequest struct {
	service.AnswerInput
	ClientTime string `json:"clientTime"`
}

// @Summary 自动保存作答
// @Tags 考试会话
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "会话ID"
// @Param questionId path int true "题目ID"
// @Success 200 {object} util.Response
// @Failure 410 {object} util.Response
// @Router /api/attempts/{id}/answers/{questionId} [put]
func (c *AttemptController) SaveAnswer(ctx *gin.Context) {
	id, ok := c.authorize(ctx)
	if !ok {
		return
	}
	questionID, ok := parseID(ctx, "questionId")
	if !ok {
		return
	}
	var req saveAnswerRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}
	payload, err := req.Payload()
	if err != nil {
		util.Fail(ctx, err)
		return
	}

	result, err := c.AttemptService.SaveAnswer(ctx.Request.Context(), id, questionID, payload, clientTime(ctx, req.ClientTime), requestMeta(ctx))
	if err != nil {
		util.Fail(ctx, err)
		return
	}
	util.Success(ctx, result)
}

type submitRequest struct {
	ClientTime string                `json:"clientTime"`
	Location   string                `json:"location"`
	Answers    []service.AnswerInput `json:"answers"`
}

// @Summary 提交考试
// @Description 重复提交返回 alreadySubmitted=true 和原有成绩
// @Tags 考试会话
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "会话ID"
// @Success 200 {object} util.Response
// @Router /api/attempts/{id}/submit [post]
func (c *AttemptController) SubmitAttempt(ctx *gin.Context) {
	id, ok := c.authorize(ctx)
	if !ok {
		return
	}
	var body submitRequest
	if ctx.Request.ContentLength > 0 {
		if err := ctx.ShouldBindJSON(&body); err != nil {
			util.BadRequest(ctx, err.Error())
			return
		}
	}

	req := service.SubmitRequest{
		ClientTime: clientTime(ctx, body.ClientTime),
		Location:   body.Location,
	}
	if req.Location == "" {
		req.Location = ctx.GetHeader(util.HeaderLocation)
	}
	for _, a := range body.Answers {
		if a.QuestionID == 0 {
			util.BadRequest(ctx, "questionId is required")
			return
		}
		payload, err := a.Payload()
		if err != nil {
			util.Fail(ctx, err)
			return
		}
		req.FinalAnswers = append(req.FinalAnswers, service.FinalAnswer{QuestionID: a.QuestionID, Payload: payload})
	}

	result, err := c.AttemptService.SubmitAttempt(ctx.Request.Context(), id, req, requestMeta(ctx))
	if err != nil {
		util.Fail(ctx, err)
		return
	}
	util.Success(ctx, result)
}

// @Summary 查询剩余时间
// @Tags 考试会话
// @Produce json
// @Security BearerAuth
// @Param id path int true "会话ID"
// @Param X-Client-Time header string false "客户端时间"
// @Success 200 {object} util.Response
// @Router /api/attempts/{id}/time [get]
func (c *AttemptController) GetRemainingTime(ctx *gin.Context) {
	id, ok := c.authorize(ctx)
	if !ok {
		return
	}
	status, err := c.AttemptService.GetRemainingTime(ctx.Request.Context(), id, clientTime(ctx, ctx.Query("clientTime")), requestMeta(ctx))
	if err != nil {
		util.Fail(ctx, err)
		return
	}
	util.Success(ctx, status)
}

// @Summary 会话详情
// @Tags 考试会话
// @Produce json
// @Security BearerAuth
// @Param id path int true "会话ID"
// @Success 200 {object} util.Response
// @Router /api/attempts/{id} [get]
func (c *AttemptController) GetAttempt(ctx *gin.Context) {
	id, ok := c.authorize(ctx)
	if !ok {
		return
	}
	view, err := c.AttemptService.GetAttempt(ctx.Request.Context(), id)
	if err != nil {
		util.Fail(ctx, err)
		return
	}
	util.Success(ctx, view)
}

// @Summary 重新检查考试环境
// @Tags 监考
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "会话ID"
// @Param body body service.EnvironmentReport true "环境信息"
// @Success 200 {object} util.Response
// @Router /api/attempts/{id}/environment [post]
func (c *AttemptController) VerifyEnvironment(ctx *gin.Context) {
	id, ok := c.authorize(ctx)
	if !ok {
		return
	}
	var report service.EnvironmentReport
	if err := ctx.ShouldBindJSON(&report); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}
	result, err := c.AttemptService.VerifyEnvironment(ctx.Request.Context(), id, report, requestMeta(ctx))
	if err != nil {
		util.Fail(ctx, err)
		return
	}
	util.Success(ctx, result)
}

// @Summary 上报监考事件
// @Description 类型前缀 security_/browser_/warning_ 决定分类
// @Tags 监考
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "会话ID"
// @Param body body service.ProctoringEventInput true "事件"
// @Success 200 {object} util.Response
// @Failure 413 {object} util.Response
// @Router /api/attempts/{id}/events [post]
func (c *AttemptController) LogEvent(ctx *gin.Context) {
	id, ok := c.authorize(ctx)
	if !ok {
		return
	}
	var in service.ProctoringEventInput
	if err := ctx.ShouldBindJSON(&in); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			util.Fail(ctx, util.ErrEventTooLarge)
			return
		}
		util.BadRequest(ctx, err.Error())
		return
	}
	result, err := c.AttemptService.LogProctoringEvent(ctx.Request.Context(), id, in, requestMeta(ctx))
	if err != nil {
		util.Fail(ctx, err)
		return
	}
	util.Success(ctx, result)
}
