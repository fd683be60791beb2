package controller

import (
	"form_mapper/model"
	"form_mapper/pkg/orchestrator"
	"form_mapper/service/agent"
	"form_mapper/service/factory"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// AgentHeartbeat agent 心跳
// @Summary agent 心跳
// @Description 注册或刷新 agent 存活状态，心跳间隔内未续报会被判离线
// @Tags Agent
// @Accept json
// @Produce json
// @Param request body agent.HeartbeatRequest true "心跳请求"
// @Success 200 {object} Response
// @Router /api/v1/agents/heartbeat [post]
func AgentHeartbeat(ctx *gin.Context) {
	var req agent.HeartbeatRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		respondBadRequest(ctx, err.Error())
		return
	}

	row, svcErr := factory.GetServiceFactory().NewAgentService().Heartbeat(ctx, &req)
	if svcErr != nil {
		log.Errorf("AgentHeartbeat error: %v", svcErr)
		respondError(ctx, svcErr)
		return
	}

	respondOK(ctx, row)
}

// ListAgents 查询 agent 列表
// @Summary 查询 agent 列表
// @Tags Agent
// @Produce json
// @Param company_id query string false "租户ID"
// @Param status query string false "agent 状态"
// @Param limit query int false "每页条数"
// @Param offset query int false "偏移"
// @Success 200 {object} Response
// @Router /api/v1/agents [get]
func ListAgents(ctx *gin.Context) {
	condition := &model.AgentQueryCondition{
		Pager: pagerFromQuery(ctx),
	}
	if v := ctx.Query("company_id"); v != "" {
		condition.CompanyID = &v
	}
	if v := ctx.Query("status"); v != "" {
		condition.Status = &v
	}

	agents, total, svcErr := factory.GetServiceFactory().NewAgentService().Agents(ctx, condition)
	if svcErr != nil {
		log.Errorf("ListAgents error: %v", svcErr)
		respondError(ctx, svcErr)
		return
	}

	respondOK(ctx, gin.H{"total": total, "agents": agents})
}

// ClaimTask 长轮询认领任务
// @Summary 长轮询认领任务
// @Description 等待期内有任务则原子认领并返回首个指令，没有则返回空结果
// @Tags Agent
// @Accept json
// @Produce json
// @Param request body agent.ClaimRequest true "认领请求"
// @Success 200 {object} Response
// @Router /api/v1/agents/tasks/claim [post]
func ClaimTask(ctx *gin.Context) {
	var req agent.ClaimRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		respondBadRequest(ctx, err.Error())
		return
	}

	resp, svcErr := factory.GetServiceFactory().NewAgentService().Claim(ctx, &req)
	if svcErr != nil {
		log.Errorf("ClaimTask error: %v", svcErr)
		respondError(ctx, svcErr)
		return
	}

	respondOK(ctx, resp)
}

// ReportTask 任务终态上报
// @Summary 任务终态上报
// @Description 仅任务当前持有者的上报会生效，易主后的上报返回 applied=false
// @Tags Agent
// @Accept json
// @Produce json
// @Param task_id path string true "任务ID"
// @Param request body agent.TaskReportRequest true "上报请求"
// @Success 200 {object} Response
// @Router /api/v1/agents/tasks/{task_id}/report [post]
func ReportTask(ctx *gin.Context) {
	taskID := ctx.Param("task_id")
	if taskID == "" {
		respondBadRequest(ctx, "task_id is required")
		return
	}

	var req agent.TaskReportRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		respondBadRequest(ctx, err.Error())
		return
	}
	req.TaskID = taskID

	resp, svcErr := factory.GetServiceFactory().NewAgentService().ReportTask(ctx, &req)
	if svcErr != nil {
		log.Errorf("ReportTask error: %v", svcErr)
		respondError(ctx, svcErr)
		return
	}

	respondOK(ctx, resp)
}

// AckRequest 就绪确认请求
type AckRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
}

// AcknowledgeSession agent 就绪确认
// @Summary agent 就绪确认
// @Description 认领任务后确认就绪，会话进入 DOM 提取阶段
// @Tags Agent
// @Accept json
// @Produce json
// @Param session_id path string true "会话ID"
// @Param request body AckRequest true "确认请求"
// @Success 200 {object} Response
// @Router /api/v1/agents/sessions/{session_id}/ack [post]
func AcknowledgeSession(ctx *gin.Context) {
	sessionID := ctx.Param("session_id")
	if sessionID == "" {
		respondBadRequest(ctx, "session_id is required")
		return
	}

	var req AckRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		respondBadRequest(ctx, err.Error())
		return
	}

	directive, svcErr := factory.GetServiceFactory().NewAgentService().Acknowledge(ctx, sessionID, req.AgentID)
	if svcErr != nil {
		log.Errorf("AcknowledgeSession error: %v", svcErr)
		respondError(ctx, svcErr)
		return
	}

	respondOK(ctx, gin.H{"directive": directive})
}

// SubmitDOMRequest DOM 快照提交请求
type SubmitDOMRequest struct {
	AgentID  string                     `json:"agent_id" binding:"required"`
	Snapshot *orchestrator.FormSnapshot `json:"snapshot" binding:"required"`
}

// SubmitDOMSnapshot 提交表单 DOM 快照
// @Summary 提交表单 DOM 快照
// @Description 快照触发步骤生成，返回执行计划指令
// @Tags Agent
// @Accept json
// @Produce json
// @Param session_id path string true "会话ID"
// @Param request body SubmitDOMRequest true "快照请求"
// @Success 200 {object} Response
// @Router /api/v1/agents/sessions/{session_id}/dom [post]
func SubmitDOMSnapshot(ctx *gin.Context) {
	sessionID := ctx.Param("session_id")
	if sessionID == "" {
		respondBadRequest(ctx, "session_id is required")
		return
	}

	var req SubmitDOMRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		respondBadRequest(ctx, err.Error())
		return
	}

	directive, svcErr := factory.GetServiceFactory().NewAgentService().SubmitDOM(ctx, sessionID, req.AgentID, req.Snapshot)
	if svcErr != nil {
		log.Errorf("SubmitDOMSnapshot error: %v", svcErr)
		respondError(ctx, svcErr)
		return
	}

	respondOK(ctx, gin.H{"directive": directive})
}

// StepReportRequest 单步执行结果上报请求
type StepReportRequest struct {
	AgentID string                   `json:"agent_id" binding:"required"`
	Report  *orchestrator.StepReport `json:"report" binding:"required"`
}

// ReportStep 上报单步执行结果
// @Summary 上报单步执行结果
// @Description 成功推进计划，失败触发恢复或重新生成，返回下一步指令
// @Tags Agent
// @Accept json
// @Produce json
// @Param session_id path string true "会话ID"
// @Param request body StepReportRequest true "步骤上报"
// @Success 200 {object} Response
// @Router /api/v1/agents/sessions/{session_id}/steps/report [post]
func ReportStep(ctx *gin.Context) {
	sessionID := ctx.Param("session_id")
	if sessionID == "" {
		respondBadRequest(ctx, "session_id is required")
		return
	}

	var req StepReportRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		respondBadRequest(ctx, err.Error())
		return
	}

	directive, svcErr := factory.GetServiceFactory().NewAgentService().ReportStep(ctx, sessionID, req.AgentID, req.Report)
	if svcErr != nil {
		log.Errorf("ReportStep error: %v", svcErr)
		respondError(ctx, svcErr)
		return
	}

	respondOK(ctx, gin.H{"directive": directive})
}

// VerificationSubmitRequest agent 侧校验观察提交请求
type VerificationSubmitRequest struct {
	AgentID string                            `json:"agent_id" binding:"required"`
	Report  *orchestrator.VerificationReport `json:"report" binding:"required"`
}

// SubmitVerification 提交校验观察
// @Summary 提交 agent 侧校验观察
// @Description 校验问题只记录，不影响会话结果
// @Tags Agent
// @Accept json
// @Produce json
// @Param session_id path string true "会话ID"
// @Param request body VerificationSubmitRequest true "校验提交"
// @Success 200 {object} Response
// @Router /api/v1/agents/sessions/{session_id}/verification [post]
func SubmitVerification(ctx *gin.Context) {
	sessionID := ctx.Param("session_id")
	if sessionID == "" {
		respondBadRequest(ctx, "session_id is required")
		return
	}

	var req VerificationSubmitRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		respondBadRequest(ctx, err.Error())
		return
	}

	if svcErr := factory.GetServiceFactory().NewAgentService().SubmitVerification(ctx, sessionID, req.AgentID, req.Report); svcErr != nil {
		log.Errorf("SubmitVerification error: %v", svcErr)
		respondError(ctx, svcErr)
		return
	}

	respondOK(ctx, gin.H{"message": "verification recorded"})
}
