package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"form_mapper/constant"
	"form_mapper/entity"
	"form_mapper/model"
	"form_mapper/pkg/orchestrator"

	log "github.com/sirupsen/logrus"
)

var (
	serviceOnce sync.Once
	instance    *Service
)

// Service agent 侧服务：心跳、任务认领与各类执行上报
type Service struct {
	registry  *orchestrator.Registry
	queue     *orchestrator.Queue
	manager   *orchestrator.Manager
	claimWait time.Duration // 认领长轮询默认等待
}

func NewService(registry *orchestrator.Registry, queue *orchestrator.Queue,
	manager *orchestrator.Manager, claimWait time.Duration) *Service {
	serviceOnce.Do(func() {
		if claimWait <= 0 {
			claimWait = constant.DefaultClaimWaitSeconds * time.Second
		}
		instance = &Service{
			registry:  registry,
			queue:     queue,
			manager:   manager,
			claimWait: claimWait,
		}
	})
	return instance
}

// ========== 请求/响应 ==========

// HeartbeatRequest agent 心跳请求
type HeartbeatRequest struct {
	AgentID   string `json:"agent_id" binding:"required"`
	CompanyID string `json:"company_id" binding:"required"`
	UserID    string `json:"user_id"`
	Hostname  string `json:"hostname"`
	Platform  string `json:"platform"`
	Version   string `json:"version"`
}

// ClaimRequest 任务认领请求。WaitSeconds<=0 时用服务默认等待
type ClaimRequest struct {
	AgentID     string `json:"agent_id" binding:"required"`
	WaitSeconds int    `json:"wait_seconds"`
}

// ClaimResponse 认领结果。Task 为 nil 表示等待期内没有任务
type ClaimResponse struct {
	Task      *entity.Task                `json:"task,omitempty"`
	Directive *orchestrator.NextDirective `json:"directive,omitempty"`
}

// TaskReportRequest 任务终态上报请求。TaskID 由路由参数填充
type TaskReportRequest struct {
	TaskID  string                   `json:"task_id"`
	AgentID string                   `json:"agent_id" binding:"required"`
	Status  string                   `json:"status" binding:"required"`
	Result  *orchestrator.TaskResult `json:"result"`
	Error   string                   `json:"error"`
}

// TaskReportResponse Applied=false 表示任务已易主或已收尾，上报被忽略
type TaskReportResponse struct {
	Applied bool `json:"applied"`
}

// asServiceError 把编排器返回的 error 规整成 *model.Error
func asServiceError(err error) *model.Error {
	if err == nil {
		return nil
	}
	var me *model.Error
	if errors.As(err, &me) {
		return me
	}
	return model.NewError(model.ErrorInternal, err)
}

// ========== 心跳 ==========

// Heartbeat 处理 agent 心跳，返回注册表中的最新状态
func (s *Service) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*entity.Agent, *model.Error) {
	agent, err := s.registry.Heartbeat(ctx, &orchestrator.HeartbeatInput{
		AgentID:   req.AgentID,
		CompanyID: req.CompanyID,
		UserID:    req.UserID,
		Hostname:  req.Hostname,
		Platform:  req.Platform,
		Version:   req.Version,
	})
	if err != nil {
		return nil, asServiceError(err)
	}
	return agent, nil
}

// Agents 按条件查询 agent 列表
func (s *Service) Agents(ctx context.Context, condition *model.AgentQueryCondition) ([]*entity.Agent, int64, *model.Error) {
	agents, total, err := s.registry.QueryAgents(ctx, condition)
	if err != nil {
		return nil, 0, asServiceError(err)
	}
	return agents, total, nil
}

// ========== 任务认领与上报 ==========

// Claim 长轮询认领一个待处理任务。
// 认领到的任务若被编排器就地收尾（所属会话已终态），在剩余等待内继续认领。
func (s *Service) Claim(ctx context.Context, req *ClaimRequest) (*ClaimResponse, *model.Error) {
	wait := s.claimWait
	if req.WaitSeconds > 0 {
		wait = time.Duration(req.WaitSeconds) * time.Second
	}
	deadline := time.Now().Add(wait)

	for {
		task, err := s.queue.Claim(ctx, req.AgentID, wait)
		if err != nil {
			return nil, asServiceError(err)
		}
		if task == nil {
			return &ClaimResponse{}, nil
		}

		decision, err := s.manager.OnTaskClaimed(ctx, task, req.AgentID)
		if err != nil {
			// 处理失败把任务放回队列，避免任务挂在该 agent 名下
			if _, requeueErr := s.queue.Requeue(ctx, task); requeueErr != nil {
				log.Errorf("Failed to requeue task %s after claim handling error: %v", task.ID, requeueErr)
			}
			return nil, asServiceError(err)
		}
		if decision.Accept {
			return &ClaimResponse{Task: task, Directive: decision.Directive}, nil
		}

		wait = time.Until(deadline)
		if wait <= 0 {
			return &ClaimResponse{}, nil
		}
	}
}

// ReportTask 任务终态上报（completed / failed）
func (s *Service) ReportTask(ctx context.Context, req *TaskReportRequest) (*TaskReportResponse, *model.Error) {
	if req.TaskID == "" {
		return nil, model.NewError(model.ErrorEmptyId, nil)
	}
	status := constant.TaskStatus(req.Status)
	if !status.IsTerminal() {
		return nil, model.NewErrorWithMessage(model.ErrorParams, "task report status must be completed or failed")
	}

	applied, err := s.queue.Report(ctx, req.TaskID, req.AgentID, status, req.Result, req.Error)
	if err != nil {
		return nil, asServiceError(err)
	}
	return &TaskReportResponse{Applied: applied}, nil
}

// ========== 会话执行上报 ==========

// Acknowledge 任务认领后的 agent 就绪确认
func (s *Service) Acknowledge(ctx context.Context, sessionID, agentID string) (*orchestrator.NextDirective, *model.Error) {
	directive, err := s.manager.AcknowledgeSession(ctx, sessionID, agentID)
	if err != nil {
		return nil, asServiceError(err)
	}
	return directive, nil
}

// SubmitDOM 提交表单 DOM 快照，返回下一步指令
func (s *Service) SubmitDOM(ctx context.Context, sessionID, agentID string, snapshot *orchestrator.FormSnapshot) (*orchestrator.NextDirective, *model.Error) {
	directive, err := s.manager.SubmitDOM(ctx, sessionID, agentID, snapshot)
	if err != nil {
		return nil, asServiceError(err)
	}
	return directive, nil
}

// ReportStep 上报单步执行结果，返回下一步指令
func (s *Service) ReportStep(ctx context.Context, sessionID, agentID string, report *orchestrator.StepReport) (*orchestrator.NextDirective, *model.Error) {
	directive, err := s.manager.ReportStep(ctx, sessionID, agentID, report)
	if err != nil {
		return nil, asServiceError(err)
	}
	return directive, nil
}

// SubmitVerification 提交 agent 侧 UI 校验观察
func (s *Service) SubmitVerification(ctx context.Context, sessionID, agentID string, report *orchestrator.VerificationReport) *model.Error {
	if err := s.manager.SubmitVerification(ctx, sessionID, agentID, report); err != nil {
		return asServiceError(err)
	}
	return nil
}
