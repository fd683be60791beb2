package entity

import "time"

// ========== 会话表 ==========

const (
	TableNameSession = "sessions"

	SessionFieldID                  = "id"
	SessionFieldCompanyID           = "company_id"
	SessionFieldUserID              = "user_id"
	SessionFieldFormRouteID         = "form_route_id"
	SessionFieldNetworkID           = "network_id"
	SessionFieldAgentID             = "agent_id"
	SessionFieldConfigJSON          = "config_json"
	SessionFieldStatus              = "status"
	SessionFieldCurrentStepIndex    = "current_step_index"
	SessionFieldTotalSteps          = "total_steps"
	SessionFieldStepsExecuted       = "steps_executed"
	SessionFieldCurrentPathNumber   = "current_path_number"
	SessionFieldTotalPaths          = "total_paths"
	SessionFieldConsecutiveFailures = "consecutive_failures"
	SessionFieldLastError           = "last_error"
	SessionFieldAICallsCount        = "ai_calls_count"
	SessionFieldAITokensUsed        = "ai_tokens_used"
	SessionFieldAICostEstimate      = "ai_cost_estimate"
	SessionFieldCreatedAt           = "created_at"
	SessionFieldStartedAt           = "started_at"
	SessionFieldCompletedAt         = "completed_at"
	SessionFieldUpdatedAt           = "updated_at"
)

// Session 表单映射会话数据库实体。
// updated_at 不用 xorm 的 updated 标签，由各个写入方法显式维护。
type Session struct {
	ID                  string     `xorm:"pk varchar(64) 'id'" json:"id"`
	CompanyID           string     `xorm:"varchar(64) index 'company_id'" json:"company_id"`
	UserID              string     `xorm:"varchar(64) index 'user_id'" json:"user_id"`
	FormRouteID         string     `xorm:"varchar(64) index 'form_route_id'" json:"form_route_id"`
	NetworkID           string     `xorm:"varchar(64) 'network_id'" json:"network_id"`
	AgentID             string     `xorm:"varchar(64) 'agent_id'" json:"agent_id"`
	ConfigJSON          string     `xorm:"text 'config_json'" json:"config_json"`
	Status              string     `xorm:"varchar(32) index 'status'" json:"status"`
	CurrentStepIndex    int        `xorm:"int 'current_step_index'" json:"current_step_index"`
	TotalSteps          int        `xorm:"int 'total_steps'" json:"total_steps"`
	StepsExecuted       int        `xorm:"int 'steps_executed'" json:"steps_executed"`
	CurrentPathNumber   int        `xorm:"int 'current_path_number'" json:"current_path_number"`
	TotalPaths          int        `xorm:"int 'total_paths'" json:"total_paths"`
	ConsecutiveFailures int        `xorm:"int 'consecutive_failures'" json:"consecutive_failures"`
	LastError           string     `xorm:"text 'last_error'" json:"last_error"`
	AICallsCount        int        `xorm:"int 'ai_calls_count'" json:"ai_calls_count"`
	AITokensUsed        int        `xorm:"int 'ai_tokens_used'" json:"ai_tokens_used"`
	AICostEstimate      float64    `xorm:"double 'ai_cost_estimate'" json:"ai_cost_estimate"`
	CreatedAt           time.Time  `xorm:"created 'created_at'" json:"created_at"`
	StartedAt           *time.Time `xorm:"'started_at'" json:"started_at"`
	CompletedAt         *time.Time `xorm:"'completed_at'" json:"completed_at"`
	UpdatedAt           time.Time  `xorm:"'updated_at'" json:"updated_at"`
}

func (e *Session) TableName() string {
	return TableNameSession
}
