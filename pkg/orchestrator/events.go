package orchestrator

import (
	"context"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"form_mapper/constant"
	"form_mapper/entity"
)

// EventRecorder 会话事件记录器，所有事件只追加。
// 事件落库失败不反悔已生效的状态变更，记错误日志后继续。
type EventRecorder struct {
	store Store
}

// NewEventRecorder 创建事件记录器
func NewEventRecorder(store Store) *EventRecorder {
	return &EventRecorder{store: store}
}

// Append 追加一条事件
func (r *EventRecorder) Append(ctx context.Context, sessionID string, eventType EventType, payload *EventPayload) {
	payloadJSON, err := marshalJSON(payload)
	if err != nil {
		log.Errorf("Failed to marshal event payload for session %s: %v", sessionID, err)
		payloadJSON = "{}"
	}

	event := &entity.EventLogEntry{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		EventType:   eventType.String(),
		PayloadJSON: payloadJSON,
	}

	if err := r.store.AppendEvent(ctx, event); err != nil {
		log.Errorf("Failed to append %s event for session %s: %v", eventType, sessionID, err)
	}
}

// StateChange 记录状态迁移
func (r *EventRecorder) StateChange(ctx context.Context, sessionID string, from, to SessionStatus, trigger string) {
	r.Append(ctx, sessionID, constant.EventTypeStateChange, &EventPayload{
		StateChange: &StateChangePayload{
			From:    from.String(),
			To:      to.String(),
			Trigger: trigger,
		},
	})
}

// TaskQueued 记录任务入队
func (r *EventRecorder) TaskQueued(ctx context.Context, sessionID, taskID string, taskType TaskType) {
	r.Append(ctx, sessionID, constant.EventTypeTaskQueued, &EventPayload{
		TaskQueued: &TaskQueuedPayload{
			TaskID:   taskID,
			TaskType: taskType.String(),
		},
	})
}

// TaskCompleted 记录任务完成（成功或失败）
func (r *EventRecorder) TaskCompleted(ctx context.Context, sessionID, taskID string, taskType TaskType, status TaskStatus, errMsg string) {
	r.Append(ctx, sessionID, constant.EventTypeTaskCompleted, &EventPayload{
		TaskCompleted: &TaskCompletedPayload{
			TaskID:   taskID,
			TaskType: taskType.String(),
			Status:   status.String(),
			Error:    errMsg,
		},
	})
}

// AICall 记录一次步骤生成调用的用量
func (r *EventRecorder) AICall(ctx context.Context, sessionID string, payload *AICallPayload) {
	r.Append(ctx, sessionID, constant.EventTypeAICall, &EventPayload{AICall: payload})
}

// StepExecuted 记录步骤执行结果
func (r *EventRecorder) StepExecuted(ctx context.Context, sessionID string, payload *StepExecutedPayload) {
	r.Append(ctx, sessionID, constant.EventTypeStepExecuted, &EventPayload{StepExecuted: payload})
}

// Error 记录失败路径
func (r *EventRecorder) Error(ctx context.Context, sessionID, stage, message string, fatal bool) {
	r.Append(ctx, sessionID, constant.EventTypeError, &EventPayload{
		Error: &ErrorPayload{
			Stage:   stage,
			Message: message,
			Fatal:   fatal,
		},
	})
}

// AlertDetected 记录页面弹窗
func (r *EventRecorder) AlertDetected(ctx context.Context, sessionID string, pathNumber int, text string) {
	r.Append(ctx, sessionID, constant.EventTypeAlertDetected, &EventPayload{
		AlertDetected: &AlertPayload{
			PathNumber: pathNumber,
			Text:       text,
		},
	})
}

// DOMChanged 记录 DOM 变化
func (r *EventRecorder) DOMChanged(ctx context.Context, sessionID string, payload *DOMChangedPayload) {
	r.Append(ctx, sessionID, constant.EventTypeDOMChanged, &EventPayload{DOMChanged: payload})
}

// UIIssue 记录校验阶段的 UI 问题
func (r *EventRecorder) UIIssue(ctx context.Context, sessionID string, pathNumber int, issue string) {
	r.Append(ctx, sessionID, constant.EventTypeUIIssue, &EventPayload{
		UIIssue: &UIIssuePayload{
			PathNumber: pathNumber,
			Issue:      issue,
		},
	})
}

// JunctionFound 记录发现的分支点
func (r *EventRecorder) JunctionFound(ctx context.Context, sessionID string, payload *JunctionFoundPayload) {
	r.Append(ctx, sessionID, constant.EventTypeJunctionFound, &EventPayload{JunctionFound: payload})
}
