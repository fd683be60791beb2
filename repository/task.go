package repository

import (
	"time"

	"form_mapper/entity"
	"form_mapper/model"
)

// TaskRepository 任务仓库接口
type TaskRepository interface {
	// ========== 任务 CRUD ==========

	// Create 创建任务（入队，status=pending）
	Create(task *entity.Task) error
	// Get 获取单个任务
	Get(taskID string) (*entity.Task, error)
	// Update 部分更新任务，终态任务直接拒绝
	Update(taskID string, condition *model.UpdateTaskCondition) error
	// Query 高级查询（支持分页、排序、过滤）
	Query(condition *model.TaskQueryCondition) ([]*entity.Task, int64, error)

	// ========== 认领与上报 ==========

	// TryClaim 原子认领：仅当任务仍为 pending 时写入认领者并置为 running。
	// 返回是否命中（false 表示已被其他 agent 抢先）。
	TryClaim(taskID string, agentID string, now time.Time) (bool, error)
	// ListPending 按 FIFO 返回租户待认领任务
	ListPending(companyID string, limit int) ([]*entity.Task, error)
	// ReportGuarded 带归属守卫的上报更新：仅当任务为 running 且归属该 agent 时生效。
	// 返回是否命中（false 表示过期上报，应被拒绝）。
	ReportGuarded(taskID string, agentID string, condition *model.UpdateTaskCondition) (bool, error)
	// Requeue 将失联 agent 手中的 running 任务放回队列。
	// 返回是否命中（false 表示任务已不在该 agent 手中）。
	Requeue(taskID string, expectedAgentID string) (bool, error)
	// ListRunningByAgents 列出指定 agent 集合手中的 running 任务
	ListRunningByAgents(agentIDs []string) ([]*entity.Task, error)
}
