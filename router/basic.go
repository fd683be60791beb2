package router

import (
	"net/http"

	"form_mapper/middleware"

	"github.com/gin-gonic/gin"
)

// addBasicRouter 挂载全局中间件与探活路由
func addBasicRouter(engine *gin.Engine) {
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestID)
	engine.Use(middleware.Logger)

	engine.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
