package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestID 注入请求标识，客户端带 X-Request-ID 则透传，否则生成
func RequestID(ctx *gin.Context) {
	requestID := ctx.GetHeader(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.New().String()
	}
	ctx.Set(RequestIDHeader, requestID)
	ctx.Header(RequestIDHeader, requestID)
	ctx.Next()
}
