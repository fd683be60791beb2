package model

import "time"

// ========== Agent 查询条件 ==========

// AgentQueryCondition agent 查询条件
type AgentQueryCondition struct {
	CompanyID          *string    `json:"company_id"`
	Status             *string    `json:"status"`
	HeartbeatAfter     *time.Time `json:"heartbeat_after"`  // last_heartbeat > 该时刻
	HeartbeatBefore    *time.Time `json:"heartbeat_before"` // last_heartbeat <= 该时刻
	*Pager
	*Order
}

func (c *AgentQueryCondition) GetPager() *Pager {
	return c.Pager
}

func (c *AgentQueryCondition) GetOrder() *Order {
	return c.Order
}

// UpsertAgentCondition 心跳时注册/更新 agent 的条件
type UpsertAgentCondition struct {
	ID            string    `json:"id"`
	CompanyID     string    `json:"company_id"`
	UserID        string    `json:"user_id"`
	Hostname      *string   `json:"hostname"`
	Platform      *string   `json:"platform"`
	Version       *string   `json:"version"`
	Status        *string   `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}
