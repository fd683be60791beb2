package model

import "time"

// ========== 任务查询条件 ==========

// TaskQueryCondition 任务查询条件
type TaskQueryCondition struct {
	CompanyID *string `json:"company_id"`
	SessionID *string `json:"session_id"`
	AgentID   *string `json:"agent_id"`
	TaskType  *string `json:"task_type"`
	Status    *string `json:"status"`
	*Pager
	*Order
}

func (c *TaskQueryCondition) GetPager() *Pager {
	return c.Pager
}

func (c *TaskQueryCondition) GetOrder() *Order {
	return c.Order
}

// UpdateTaskCondition 任务更新条件，nil 字段不更新。
// 终态任务由 repository 拒绝更新。
type UpdateTaskCondition struct {
	AgentID     *string    `json:"agent_id"`
	Status      *string    `json:"status"`
	ResultJSON  *string    `json:"result_json"`
	ErrorMsg    *string    `json:"error_msg"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}
