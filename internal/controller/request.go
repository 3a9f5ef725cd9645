package controller

import (
	"examguard_backend/internal/service"
	"examguard_backend/internal/util"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

func parseID(ctx *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(ctx.Param(name), 10, 64)
	if err != nil || id == 0 {
		util.BadRequest(ctx, "invalid "+name)
		return 0, false
	}
	return uint(id), true
}

// requestMeta 从请求中提取来源信息，写入安全日志
func requestMeta(ctx *gin.Context) service.RequestMeta {
	meta := service.RequestMeta{
		IP:        ctx.ClientIP(),
		UserAgent: ctx.Request.UserAgent(),
		Path:      ctx.Request.URL.Path,
		Method:    ctx.Request.Method,
		RequestID: ctx.GetString("request_id"),
	}
	if user := util.GetUserFromContext(ctx); user != nil {
		meta.UserID = user.UserID
	}
	return meta
}

// clientTime 请求体中的时间优先，其次是 X-Client-Time 头
func clientTime(ctx *gin.Context, body string) *time.Time {
	if t := service.ParseClientTime(body); t != nil {
		return t
	}
	return service.ParseClientTime(ctx.GetHeader(util.HeaderClientTime))
}
