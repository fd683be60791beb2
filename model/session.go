package model

import "time"

// ========== 会话查询条件 ==========

// SessionQueryCondition 会话查询条件
type SessionQueryCondition struct {
	CompanyID     *string    `json:"company_id"`
	UserID        *string    `json:"user_id"`
	FormRouteID   *string    `json:"form_route_id"`
	Status        *string    `json:"status"`
	Statuses      []string   `json:"statuses"`
	AgentID       *string    `json:"agent_id"`
	CreatedBefore *time.Time `json:"created_before"` // created_at < 该时刻，超时扫描用
	*Pager
	*Order
}

func (c *SessionQueryCondition) GetPager() *Pager {
	return c.Pager
}

func (c *SessionQueryCondition) GetOrder() *Order {
	return c.Order
}

// UpdateSessionCondition 会话更新条件，nil 字段不更新。
// 状态迁移必须通过 repository 的 CAS 更新方法并携带期望前置状态。
type UpdateSessionCondition struct {
	AgentID             *string    `json:"agent_id"`
	Status              *string    `json:"status"`
	CurrentStepIndex    *int       `json:"current_step_index"`
	TotalSteps          *int       `json:"total_steps"`
	StepsExecuted       *int       `json:"steps_executed"`
	CurrentPathNumber   *int       `json:"current_path_number"`
	TotalPaths          *int       `json:"total_paths"`
	ConsecutiveFailures *int       `json:"consecutive_failures"`
	LastError           *string    `json:"last_error"`
	AICallsCount        *int       `json:"ai_calls_count"`
	AITokensUsed        *int       `json:"ai_tokens_used"`
	AICostEstimate      *float64   `json:"ai_cost_estimate"`
	StartedAt           *time.Time `json:"started_at"`
	CompletedAt         *time.Time `json:"completed_at"`
}

// ========== 会话统计 ==========

// SessionStats 租户会话统计（按状态计数）
type SessionStats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}
