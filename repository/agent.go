package repository

import (
	"time"

	"form_mapper/entity"
	"form_mapper/model"
)

// AgentRepository agent 仓库接口
type AgentRepository interface {
	// Upsert 心跳时注册或更新 agent
	Upsert(condition *model.UpsertAgentCondition) error
	// Get 获取单个 agent
	Get(agentID string) (*entity.Agent, error)
	// Query 高级查询（支持分页、排序、心跳时间过滤）
	Query(condition *model.AgentQueryCondition) ([]*entity.Agent, int64, error)
	// MarkOfflineBefore 将心跳早于 before 且缓存状态仍为 online 的 agent 批量置为 offline。
	// 返回被置为 offline 的 agent id 列表。
	MarkOfflineBefore(before time.Time) ([]string, error)
}
