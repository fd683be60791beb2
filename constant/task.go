package constant

// =============================================
// 任务状态常量
// =============================================

// TaskStatus 任务状态类型
type TaskStatus string

const (
	// TaskStatusPending 待认领
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusRunning 已被某个 agent 认领，执行中
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted 已完成
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed 失败
	TaskStatusFailed TaskStatus = "failed"
)

// String 返回状态的字符串值
func (s TaskStatus) String() string {
	return string(s)
}

// IsValid 检查状态是否有效
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

// IsTerminal 是否为终态，终态任务不可再变更
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

// =============================================
// 任务类型常量
// =============================================

// TaskType 任务类型，决定 params/result 的具体变体
type TaskType string

const (
	// TaskTypeMapFormRoute 映射一条表单路由（会话主任务）
	TaskTypeMapFormRoute TaskType = "map_form_route"
	// TaskTypeExtractDOM 抓取表单 DOM 快照
	TaskTypeExtractDOM TaskType = "extract_dom"
	// TaskTypeExecuteSteps 执行一批步骤
	TaskTypeExecuteSteps TaskType = "execute_steps"
	// TaskTypeVerifyUI 校验执行后的 UI 状态
	TaskTypeVerifyUI TaskType = "verify_ui"
	// TaskTypeCancelSession 通知 agent 中止会话内工作
	TaskTypeCancelSession TaskType = "cancel_session"
)

// String 返回任务类型的字符串值
func (t TaskType) String() string {
	return string(t)
}

// IsValid 检查任务类型是否有效
func (t TaskType) IsValid() bool {
	switch t {
	case TaskTypeMapFormRoute, TaskTypeExtractDOM, TaskTypeExecuteSteps,
		TaskTypeVerifyUI, TaskTypeCancelSession:
		return true
	}
	return false
}
