package constant

// =============================================
// 事件类型常量
// =============================================

// EventType 会话事件日志的事件类型，决定 payload 的具体变体
type EventType string

const (
	// EventTypeStateChange 状态机迁移
	EventTypeStateChange EventType = "state_change"
	// EventTypeTaskQueued 任务入队
	EventTypeTaskQueued EventType = "task_queued"
	// EventTypeTaskCompleted 任务完成（成功或失败）
	EventTypeTaskCompleted EventType = "task_completed"
	// EventTypeAICall 一次步骤生成调用及其用量
	EventTypeAICall EventType = "ai_call"
	// EventTypeStepExecuted agent 上报一个步骤的执行结果
	EventTypeStepExecuted EventType = "step_executed"
	// EventTypeError 任意失败路径
	EventTypeError EventType = "error"
	// EventTypeAlertDetected agent 检测到页面弹窗/告警
	EventTypeAlertDetected EventType = "alert_detected"
	// EventTypeDOMChanged agent 上报 DOM 发生变化
	EventTypeDOMChanged EventType = "dom_changed"
	// EventTypeUIIssue 校验阶段发现的 UI 问题
	EventTypeUIIssue EventType = "ui_issue"
	// EventTypeJunctionFound 发现一个新的分支点
	EventTypeJunctionFound EventType = "junction_found"
)

// String 返回事件类型的字符串值
func (t EventType) String() string {
	return string(t)
}

// IsValid 检查事件类型是否有效
func (t EventType) IsValid() bool {
	switch t {
	case EventTypeStateChange, EventTypeTaskQueued, EventTypeTaskCompleted,
		EventTypeAICall, EventTypeStepExecuted, EventTypeError,
		EventTypeAlertDetected, EventTypeDOMChanged, EventTypeUIIssue,
		EventTypeJunctionFound:
		return true
	}
	return false
}
