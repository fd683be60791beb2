package session

import (
	"context"
	"errors"
	"sync"

	"form_mapper/config"
	"form_mapper/constant"
	"form_mapper/entity"
	"form_mapper/model"
	"form_mapper/pkg/orchestrator"
)

var (
	serviceOnce sync.Once
	instance    *Service
)

// Service 会话侧服务：创建、查询、取消、删除，全部委托编排器
type Service struct {
	manager *orchestrator.Manager
}

func NewService(manager *orchestrator.Manager) *Service {
	serviceOnce.Do(func() {
		instance = &Service{manager: manager}
	})
	return instance
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

// Create 创建映射会话并入队主任务
func (s *Service) Create(ctx context.Context, input *orchestrator.CreateSessionInput) (*entity.Session, *model.Error) {
	applyConfiguredDefaults(input)
	session, err := s.manager.CreateSession(ctx, input)
	if err != nil {
		return nil, asServiceError(err)
	}
	return session, nil
}

// applyConfiguredDefaults 请求里没给的数值项先取部署配置，再落常量默认。
// 整份配置都没给时交由编排器取全量默认，布尔项的缺省语义不在这里补。
func applyConfiguredDefaults(input *orchestrator.CreateSessionInput) {
	if input == nil || input.Config == nil {
		return
	}
	cfg := config.GetInstance()
	if input.Config.MaxRetries <= 0 {
		input.Config.MaxRetries = cfg.GetIntOrDefault(config.OrchestratorDefaultMaxRetries, constant.DefaultMaxRetries)
	}
	if input.Config.MaxJunctionPaths <= 0 {
		input.Config.MaxJunctionPaths = cfg.GetIntOrDefault(config.OrchestratorDefaultMaxJunctionPaths, constant.DefaultMaxJunctionPaths)
	}
	if input.Config.SessionTimeoutMinutes <= 0 {
		input.Config.SessionTimeoutMinutes = cfg.GetIntOrDefault(config.OrchestratorSessionTimeoutMinutes, constant.DefaultSessionTimeoutMinutes)
	}
}

// Get 查询单个会话
func (s *Service) Get(ctx context.Context, sessionID string) (*entity.Session, *model.Error) {
	session, err := s.manager.GetSession(ctx, sessionID)
	if err != nil {
		return nil, asServiceError(err)
	}
	return session, nil
}

// Query 按条件查询会话列表
func (s *Service) Query(ctx context.Context, condition *model.SessionQueryCondition) ([]*entity.Session, int64, *model.Error) {
	sessions, total, err := s.manager.QuerySessions(ctx, condition)
	if err != nil {
		return nil, 0, asServiceError(err)
	}
	return sessions, total, nil
}

// ListPaths 按路径号升序返回会话的路径结果
func (s *Service) ListPaths(ctx context.Context, sessionID string) ([]*entity.PathResult, *model.Error) {
	paths, err := s.manager.ListPathResults(ctx, sessionID)
	if err != nil {
		return nil, asServiceError(err)
	}
	return paths, nil
}

// ListEvents 按追加顺序返回会话事件日志
func (s *Service) ListEvents(ctx context.Context, sessionID string, pager *model.Pager) ([]*entity.EventLogEntry, int64, *model.Error) {
	events, total, err := s.manager.ListEvents(ctx, sessionID, pager)
	if err != nil {
		return nil, 0, asServiceError(err)
	}
	return events, total, nil
}

// Stats 租户会话统计
func (s *Service) Stats(ctx context.Context, companyID string) (*model.SessionStats, *model.Error) {
	stats, err := s.manager.Stats(ctx, companyID)
	if err != nil {
		return nil, asServiceError(err)
	}
	return stats, nil
}

// Cancel 取消会话。幂等：已取消的会话原样返回
func (s *Service) Cancel(ctx context.Context, sessionID string) (*entity.Session, *model.Error) {
	session, err := s.manager.Cancel(ctx, sessionID)
	if err != nil {
		return nil, asServiceError(err)
	}
	return session, nil
}

// Delete 删除终态会话及其级联数据
func (s *Service) Delete(ctx context.Context, sessionID string) *model.Error {
	if err := s.manager.DeleteSession(ctx, sessionID); err != nil {
		return asServiceError(err)
	}
	return nil
}
