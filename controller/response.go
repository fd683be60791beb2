package controller

import (
	"net/http"

	"form_mapper/model"

	"github.com/gin-gonic/gin"
)

// Response 统一响应体。code=0 表示成功
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func respondOK(ctx *gin.Context, data interface{}) {
	ctx.JSON(http.StatusOK, &Response{Code: 0, Message: "ok", Data: data})
}

func respondError(ctx *gin.Context, err *model.Error) {
	ctx.JSON(statusOf(err.Code), &Response{Code: err.Code, Message: err.Message})
}

func respondBadRequest(ctx *gin.Context, message string) {
	ctx.JSON(http.StatusBadRequest, &Response{Code: model.ErrorParams, Message: message})
}

// statusOf 业务错误码到 HTTP 状态码的映射。
// 过期上报和终态冲突用 409，让 agent 能区分「被拒绝」和「服务故障」。
func statusOf(code int) int {
	switch code {
	case model.ErrorParams, model.ErrorEmptyId, model.ErrorSessionConfigInvalid:
		return http.StatusBadRequest
	case model.ErrorSessionNotFound, model.ErrorTaskNotFound,
		model.ErrorAgentNotFound, model.ErrorPathResultNotFound:
		return http.StatusNotFound
	case model.ErrorSessionTerminal, model.ErrorTaskTerminal, model.ErrorStaleTransition,
		model.ErrorStaleReport, model.ErrorSessionCancelled, model.ErrorNoLiveAgent:
		return http.StatusConflict
	case model.ErrorBudgetExceeded:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}
