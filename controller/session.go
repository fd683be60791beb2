package controller

import (
	"form_mapper/constant"
	"form_mapper/model"
	"form_mapper/pkg/orchestrator"
	"form_mapper/service/factory"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cast"
)

// pagerFromQuery 从 limit/offset 查询参数组装分页
func pagerFromQuery(ctx *gin.Context) *model.Pager {
	limit := cast.ToInt(ctx.Query("limit"))
	if limit <= 0 {
		limit = constant.DefaultPageLimit
	}
	offset := cast.ToInt(ctx.Query("offset"))
	if offset < 0 {
		offset = 0
	}
	return &model.Pager{Limit: limit, Offset: offset}
}

// CreateSession 创建映射会话
// @Summary 创建表单映射会话
// @Description 校验配置、落库并入队主任务，等待 agent 认领
// @Tags Session
// @Accept json
// @Produce json
// @Param request body orchestrator.CreateSessionInput true "会话请求"
// @Success 200 {object} Response
// @Router /api/v1/sessions [post]
func CreateSession(ctx *gin.Context) {
	var req orchestrator.CreateSessionInput
	if err := ctx.ShouldBindJSON(&req); err != nil {
		respondBadRequest(ctx, err.Error())
		return
	}

	session, svcErr := factory.GetServiceFactory().NewSessionService().Create(ctx, &req)
	if svcErr != nil {
		log.Errorf("CreateSession error: %v", svcErr)
		respondError(ctx, svcErr)
		return
	}

	respondOK(ctx, session)
}

// GetSession 获取会话详情
// @Summary 获取会话详情
// @Tags Session
// @Produce json
// @Param session_id path string true "会话ID"
// @Success 200 {object} Response
// @Router /api/v1/sessions/{session_id} [get]
func GetSession(ctx *gin.Context) {
	sessionID := ctx.Param("session_id")
	if sessionID == "" {
		respondBadRequest(ctx, "session_id is required")
		return
	}

	session, svcErr := factory.GetServiceFactory().NewSessionService().Get(ctx, sessionID)
	if svcErr != nil {
		log.Errorf("GetSession error: %v", svcErr)
		respondError(ctx, svcErr)
		return
	}

	respondOK(ctx, session)
}

// ListSessions 查询会话列表
// @Summary 查询会话列表
// @Description 按租户、用户、状态过滤，limit/offset 分页
// @Tags Session
// @Produce json
// @Param company_id query string false "租户ID"
// @Param user_id query string false "用户ID"
// @Param status query string false "会话状态"
// @Param limit query int false "每页条数"
// @Param offset query int false "偏移"
// @Success 200 {object} Response
// @Router /api/v1/sessions [get]
func ListSessions(ctx *gin.Context) {
	condition := &model.SessionQueryCondition{
		Pager: pagerFromQuery(ctx),
		Order: &model.Order{OrderAsc: false, OrderBy: "created_at"},
	}
	if v := ctx.Query("company_id"); v != "" {
		condition.CompanyID = &v
	}
	if v := ctx.Query("user_id"); v != "" {
		condition.UserID = &v
	}
	if v := ctx.Query("form_route_id"); v != "" {
		condition.FormRouteID = &v
	}
	if v := ctx.Query("status"); v != "" {
		condition.Status = &v
	}

	sessions, total, svcErr := factory.GetServiceFactory().NewSessionService().Query(ctx, condition)
	if svcErr != nil {
		log.Errorf("ListSessions error: %v", svcErr)
		respondError(ctx, svcErr)
		return
	}

	respondOK(ctx, gin.H{"total": total, "sessions": sessions})
}

// ListSessionPaths 获取会话路径结果
// @Summary 获取会话的全部路径结果
// @Description 按路径号升序，含步骤计划、执行值与校验问题
// @Tags Session
// @Produce json
// @Param session_id path string true "会话ID"
// @Success 200 {object} Response
// @Router /api/v1/sessions/{session_id}/paths [get]
func ListSessionPaths(ctx *gin.Context) {
	sessionID := ctx.Param("session_id")
	if sessionID == "" {
		respondBadRequest(ctx, "session_id is required")
		return
	}

	paths, svcErr := factory.GetServiceFactory().NewSessionService().ListPaths(ctx, sessionID)
	if svcErr != nil {
		log.Errorf("ListSessionPaths error: %v", svcErr)
		respondError(ctx, svcErr)
		return
	}

	respondOK(ctx, gin.H{"paths": paths})
}

// ListSessionEvents 获取会话事件日志
// @Summary 获取会话事件日志
// @Description 按追加顺序返回，limit/offset 分页
// @Tags Session
// @Produce json
// @Param session_id path string true "会话ID"
// @Param limit query int false "每页条数"
// @Param offset query int false "偏移"
// @Success 200 {object} Response
// @Router /api/v1/sessions/{session_id}/events [get]
func ListSessionEvents(ctx *gin.Context) {
	sessionID := ctx.Param("session_id")
	if sessionID == "" {
		respondBadRequest(ctx, "session_id is required")
		return
	}

	events, total, svcErr := factory.GetServiceFactory().NewSessionService().ListEvents(ctx, sessionID, pagerFromQuery(ctx))
	if svcErr != nil {
		log.Errorf("ListSessionEvents error: %v", svcErr)
		respondError(ctx, svcErr)
		return
	}

	respondOK(ctx, gin.H{"total": total, "events": events})
}

// CancelSession 取消会话
// @Summary 取消会话
// @Description 幂等。运行中的会话会向持有任务的 agent 发取消信号
// @Tags Session
// @Produce json
// @Param session_id path string true "会话ID"
// @Success 200 {object} Response
// @Router /api/v1/sessions/{session_id}/cancel [post]
func CancelSession(ctx *gin.Context) {
	sessionID := ctx.Param("session_id")
	if sessionID == "" {
		respondBadRequest(ctx, "session_id is required")
		return
	}

	session, svcErr := factory.GetServiceFactory().NewSessionService().Cancel(ctx, sessionID)
	if svcErr != nil {
		log.Errorf("CancelSession error: %v", svcErr)
		respondError(ctx, svcErr)
		return
	}

	respondOK(ctx, session)
}

// DeleteSession 删除会话
// @Summary 删除终态会话
// @Description 路径结果、任务与事件日志级联删除，进行中的会话需先取消
// @Tags Session
// @Produce json
// @Param session_id path string true "会话ID"
// @Success 200 {object} Response
// @Router /api/v1/sessions/{session_id} [delete]
func DeleteSession(ctx *gin.Context) {
	sessionID := ctx.Param("session_id")
	if sessionID == "" {
		respondBadRequest(ctx, "session_id is required")
		return
	}

	if svcErr := factory.GetServiceFactory().NewSessionService().Delete(ctx, sessionID); svcErr != nil {
		log.Errorf("DeleteSession error: %v", svcErr)
		respondError(ctx, svcErr)
		return
	}

	respondOK(ctx, gin.H{"message": "session deleted"})
}

// SessionStats 租户会话统计
// @Summary 租户会话统计
// @Description 按状态聚合的会话数
// @Tags Session
// @Produce json
// @Param company_id query string true "租户ID"
// @Success 200 {object} Response
// @Router /api/v1/stats/sessions [get]
func SessionStats(ctx *gin.Context) {
	companyID := ctx.Query("company_id")
	if companyID == "" {
		respondBadRequest(ctx, "company_id is required")
		return
	}

	stats, svcErr := factory.GetServiceFactory().NewSessionService().Stats(ctx, companyID)
	if svcErr != nil {
		log.Errorf("SessionStats error: %v", svcErr)
		respondError(ctx, svcErr)
		return
	}

	respondOK(ctx, stats)
}
