package entity

import "time"

// ========== 任务表 ==========

const (
	TableNameTask = "tasks"

	TaskFieldID          = "id"
	TaskFieldCompanyID   = "company_id"
	TaskFieldUserID      = "user_id"
	TaskFieldSessionID   = "session_id"
	TaskFieldAgentID     = "agent_id"
	TaskFieldTaskType    = "task_type"
	TaskFieldParamsJSON  = "params_json"
	TaskFieldStatus      = "status"
	TaskFieldResultJSON  = "result_json"
	TaskFieldErrorMsg    = "error_msg"
	TaskFieldQueuedAt    = "queued_at"
	TaskFieldCreatedAt   = "created_at"
	TaskFieldStartedAt   = "started_at"
	TaskFieldCompletedAt = "completed_at"
	TaskFieldUpdatedAt   = "updated_at"
)

// Task 可分派工作单元数据库实体。
// running 状态下 agent_id 唯一指向认领者；进入终态后整行不可再变更。
// queued_at 是租户内 FIFO 的排序键：入队时写入，重新入队时刷新（排到队尾）。
type Task struct {
	ID          string     `xorm:"pk varchar(64) 'id'" json:"id"`
	CompanyID   string     `xorm:"varchar(64) index 'company_id'" json:"company_id"`
	UserID      string     `xorm:"varchar(64) 'user_id'" json:"user_id"`
	SessionID   string     `xorm:"varchar(64) index 'session_id'" json:"session_id"`
	AgentID     string     `xorm:"varchar(64) 'agent_id'" json:"agent_id"`
	TaskType    string     `xorm:"varchar(32) 'task_type'" json:"task_type"`
	ParamsJSON  string     `xorm:"text 'params_json'" json:"params_json"`
	Status      string     `xorm:"varchar(32) index 'status'" json:"status"`
	ResultJSON  string     `xorm:"text 'result_json'" json:"result_json"`
	ErrorMsg    string     `xorm:"text 'error_msg'" json:"error_msg"`
	QueuedAt    time.Time  `xorm:"index 'queued_at'" json:"queued_at"`
	CreatedAt   time.Time  `xorm:"created 'created_at'" json:"created_at"`
	StartedAt   *time.Time `xorm:"'started_at'" json:"started_at"`
	CompletedAt *time.Time `xorm:"'completed_at'" json:"completed_at"`
	UpdatedAt   time.Time  `xorm:"'updated_at'" json:"updated_at"`
}

func (e *Task) TableName() string {
	return TableNameTask
}
