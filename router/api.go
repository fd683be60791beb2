package router

import (
	"form_mapper/controller"

	"github.com/gin-gonic/gin"
)

func addApiRouter(engine *gin.Engine) {

	// 会话编排 API
	api := engine.Group("/api/v1")
	{
		// 会话管理
		api.POST("/sessions", controller.CreateSession)
		api.GET("/sessions", controller.ListSessions)
		api.GET("/sessions/:session_id", controller.GetSession)
		api.DELETE("/sessions/:session_id", controller.DeleteSession)
		api.POST("/sessions/:session_id/cancel", controller.CancelSession)

		// 会话产出
		api.GET("/sessions/:session_id/paths", controller.ListSessionPaths)
		api.GET("/sessions/:session_id/events", controller.ListSessionEvents)

		// 统计
		api.GET("/stats/sessions", controller.SessionStats)

		// agent 注册与任务认领
		api.POST("/agents/heartbeat", controller.AgentHeartbeat)
		api.GET("/agents", controller.ListAgents)
		api.POST("/agents/tasks/claim", controller.ClaimTask)
		api.POST("/agents/tasks/:task_id/report", controller.ReportTask)

		// agent 会话执行上报
		api.POST("/agents/sessions/:session_id/ack", controller.AcknowledgeSession)
		api.POST("/agents/sessions/:session_id/dom", controller.SubmitDOMSnapshot)
		api.POST("/agents/sessions/:session_id/steps/report", controller.ReportStep)
		api.POST("/agents/sessions/:session_id/verification", controller.SubmitVerification)
	}
}
