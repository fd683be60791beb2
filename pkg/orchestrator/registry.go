package orchestrator

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"form_mapper/constant"
	"form_mapper/entity"
	"form_mapper/model"
	"form_mapper/pkg/timeutil"
)

// HeartbeatInput agent 心跳携带的注册信息
type HeartbeatInput struct {
	AgentID   string
	CompanyID string
	UserID    string
	Hostname  string
	Platform  string
	Version   string
}

// Registry agent 注册表。
// 存活判定只看 last_heartbeat 与阈值的比较，status 列是给查询用的缓存视图。
// 时钟可注入，测试里用 timeutil.ManualClock 推进时间。
type Registry struct {
	store     Store
	clock     timeutil.Clock
	threshold time.Duration // 心跳存活阈值
	grace     time.Duration // 失联后重新入队前的宽限期
}

// NewRegistry 创建注册表
func NewRegistry(store Store, clock timeutil.Clock, threshold, grace time.Duration) *Registry {
	if clock == nil {
		clock = timeutil.NewRealClock()
	}
	if threshold <= 0 {
		threshold = constant.DefaultHeartbeatThresholdSeconds * time.Second
	}
	if grace < 0 {
		grace = constant.DefaultLivenessGraceSeconds * time.Second
	}
	return &Registry{
		store:     store,
		clock:     clock,
		threshold: threshold,
		grace:     grace,
	}
}

// Now 注册表时钟的当前时间
func (r *Registry) Now() time.Time {
	return r.clock.Now()
}

// Heartbeat 处理一次心跳：注册或刷新 agent，返回最新状态
func (r *Registry) Heartbeat(ctx context.Context, input *HeartbeatInput) (*entity.Agent, error) {
	if input == nil || input.AgentID == "" {
		return nil, model.NewError(model.ErrorEmptyId, nil)
	}

	online := constant.AgentStatusOnline.String()
	condition := &model.UpsertAgentCondition{
		ID:            input.AgentID,
		CompanyID:     input.CompanyID,
		UserID:        input.UserID,
		Status:        &online,
		LastHeartbeat: r.clock.Now(),
	}
	if input.Hostname != "" {
		condition.Hostname = &input.Hostname
	}
	if input.Platform != "" {
		condition.Platform = &input.Platform
	}
	if input.Version != "" {
		condition.Version = &input.Version
	}

	if err := r.store.UpsertAgent(ctx, condition); err != nil {
		return nil, err
	}
	return r.store.GetAgent(ctx, input.AgentID)
}

// IsLive 判断 agent 是否存活：now - last_heartbeat < threshold
func (r *Registry) IsLive(ctx context.Context, agentID string) (bool, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return false, err
	}
	if agent == nil || agent.LastHeartbeat == nil {
		return false, nil
	}
	return r.clock.Now().Sub(*agent.LastHeartbeat) < r.threshold, nil
}

// LiveAgents 返回租户内所有存活的 agent
func (r *Registry) LiveAgents(ctx context.Context, companyID string) ([]*entity.Agent, error) {
	cutoff := r.clock.Now().Add(-r.threshold)
	condition := &model.AgentQueryCondition{
		HeartbeatAfter: &cutoff,
	}
	if companyID != "" {
		condition.CompanyID = &companyID
	}
	agents, _, err := r.store.QueryAgents(ctx, condition)
	return agents, err
}

// QueryAgents 按条件查询 agent（管理接口用）
func (r *Registry) QueryAgents(ctx context.Context, condition *model.AgentQueryCondition) ([]*entity.Agent, int64, error) {
	return r.store.QueryAgents(ctx, condition)
}

// MarkLapsed 将心跳超过阈值的 agent 批量置为 offline，返回本轮被标记的 id
func (r *Registry) MarkLapsed(ctx context.Context) ([]string, error) {
	cutoff := r.clock.Now().Add(-r.threshold)
	lapsed, err := r.store.MarkAgentsOfflineBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	if len(lapsed) > 0 {
		log.Warnf("Marked %d agents offline, heartbeat older than %s", len(lapsed), cutoff.Format(timeutil.TimeFormatCommonStyleSec))
	}
	return lapsed, nil
}

// LapsedBeyondGrace 返回心跳超过 阈值+宽限期 的 agent id 列表。
// 这些 agent 手中的 running 任务应当重新入队。
func (r *Registry) LapsedBeyondGrace(ctx context.Context) ([]string, error) {
	cutoff := r.clock.Now().Add(-(r.threshold + r.grace))
	condition := &model.AgentQueryCondition{
		HeartbeatBefore: &cutoff,
	}
	agents, _, err := r.store.QueryAgents(ctx, condition)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(agents))
	for _, agent := range agents {
		ids = append(ids, agent.ID)
	}
	return ids, nil
}
