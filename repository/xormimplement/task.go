package xormimplement

import (
	"fmt"
	"time"

	"form_mapper/constant"
	"form_mapper/entity"
	"form_mapper/model"
	"form_mapper/repository"

	"xorm.io/builder"
)

// ========== TaskRepository 实现 ==========

type TaskRepository struct {
	session *Session
}

func NewTaskRepository(session *Session) repository.TaskRepository {
	return &TaskRepository{session: session}
}

func (r *TaskRepository) Create(task *entity.Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}

	if task.Status == "" {
		task.Status = constant.TaskStatusPending.String()
	}
	now := time.Now()
	if task.QueuedAt.IsZero() {
		task.QueuedAt = now
	}
	task.UpdatedAt = now
	_, err := r.session.Table(entity.TableNameTask).Insert(task)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (r *TaskRepository) Get(taskID string) (*entity.Task, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task_id is required")
	}

	result := &entity.Task{}
	ok, err := r.session.Table(entity.TableNameTask).
		Where(builder.Eq{entity.TaskFieldID: taskID}).
		Get(result)
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return result, nil
}

// buildTaskUpdateData 将更新条件翻译成列映射，updated_at 总是被写入
func buildTaskUpdateData(condition *model.UpdateTaskCondition) map[string]interface{} {
	updateData := make(map[string]interface{})
	updateData[entity.TaskFieldUpdatedAt] = time.Now()

	if condition == nil {
		return updateData
	}
	if condition.AgentID != nil {
		updateData[entity.TaskFieldAgentID] = *condition.AgentID
	}
	if condition.Status != nil {
		updateData[entity.TaskFieldStatus] = *condition.Status
	}
	if condition.ResultJSON != nil {
		updateData[entity.TaskFieldResultJSON] = *condition.ResultJSON
	}
	if condition.ErrorMsg != nil {
		updateData[entity.TaskFieldErrorMsg] = *condition.ErrorMsg
	}
	if condition.StartedAt != nil {
		updateData[entity.TaskFieldStartedAt] = *condition.StartedAt
	}
	if condition.CompletedAt != nil {
		updateData[entity.TaskFieldCompletedAt] = *condition.CompletedAt
	}
	return updateData
}

// nonTerminalTaskStatuses 终态任务不可再更新
var nonTerminalTaskStatuses = []string{
	constant.TaskStatusPending.String(),
	constant.TaskStatusRunning.String(),
}

func (r *TaskRepository) Update(taskID string, condition *model.UpdateTaskCondition) error {
	if taskID == "" {
		return fmt.Errorf("task_id is required")
	}

	updateData := buildTaskUpdateData(condition)
	affected, err := r.session.Table(entity.TableNameTask).
		Where(builder.Eq{entity.TaskFieldID: taskID}).
		And(builder.In(entity.TaskFieldStatus, nonTerminalTaskStatuses)).
		Update(updateData)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("task %s is terminal or missing, update refused", taskID)
	}
	return nil
}

func (r *TaskRepository) Query(condition *model.TaskQueryCondition) ([]*entity.Task, int64, error) {
	if condition == nil {
		condition = &model.TaskQueryCondition{}
	}

	var conds []builder.Cond
	if condition.CompanyID != nil && *condition.CompanyID != "" {
		conds = append(conds, builder.Eq{entity.TaskFieldCompanyID: *condition.CompanyID})
	}
	if condition.SessionID != nil && *condition.SessionID != "" {
		conds = append(conds, builder.Eq{entity.TaskFieldSessionID: *condition.SessionID})
	}
	if condition.AgentID != nil && *condition.AgentID != "" {
		conds = append(conds, builder.Eq{entity.TaskFieldAgentID: *condition.AgentID})
	}
	if condition.TaskType != nil && *condition.TaskType != "" {
		conds = append(conds, builder.Eq{entity.TaskFieldTaskType: *condition.TaskType})
	}
	if condition.Status != nil && *condition.Status != "" {
		conds = append(conds, builder.Eq{entity.TaskFieldStatus: *condition.Status})
	}

	whereCond := builder.NewCond()
	if len(conds) > 0 {
		whereCond = builder.And(conds...)
	}

	total, err := r.session.Table(entity.TableNameTask).Where(whereCond).Count(&entity.Task{})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count tasks: %w", err)
	}

	session := r.session.Table(entity.TableNameTask).Where(whereCond)
	pagerOrder(session, condition, WithDefaultOrderField(entity.TaskFieldCreatedAt))

	var results []*entity.Task
	err = session.Find(&results)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query tasks: %w", err)
	}

	return results, total, nil
}

func (r *TaskRepository) TryClaim(taskID string, agentID string, now time.Time) (bool, error) {
	if taskID == "" {
		return false, fmt.Errorf("task_id is required")
	}
	if agentID == "" {
		return false, fmt.Errorf("agent_id is required")
	}

	// 条件更新保证原子性：status 仍为 pending 才能认领成功
	affected, err := r.session.Table(entity.TableNameTask).
		Where(builder.Eq{
			entity.TaskFieldID:     taskID,
			entity.TaskFieldStatus: constant.TaskStatusPending.String(),
		}).
		Update(map[string]interface{}{
			entity.TaskFieldAgentID:   agentID,
			entity.TaskFieldStatus:    constant.TaskStatusRunning.String(),
			entity.TaskFieldStartedAt: now,
			entity.TaskFieldUpdatedAt: now,
		})
	if err != nil {
		return false, fmt.Errorf("failed to claim task: %w", err)
	}
	return affected > 0, nil
}

func (r *TaskRepository) ListPending(companyID string, limit int) ([]*entity.Task, error) {
	if companyID == "" {
		return nil, fmt.Errorf("company_id is required")
	}
	if limit <= 0 {
		limit = constant.DefaultPageLimit
	}

	var results []*entity.Task
	err := r.session.Table(entity.TableNameTask).
		Where(builder.Eq{
			entity.TaskFieldCompanyID: companyID,
			entity.TaskFieldStatus:    constant.TaskStatusPending.String(),
		}).
		Asc(entity.TaskFieldQueuedAt).
		Asc(entity.TaskFieldCreatedAt).
		Limit(limit, 0).
		Find(&results)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tasks: %w", err)
	}
	return results, nil
}

func (r *TaskRepository) ReportGuarded(taskID string, agentID string, condition *model.UpdateTaskCondition) (bool, error) {
	if taskID == "" {
		return false, fmt.Errorf("task_id is required")
	}
	if agentID == "" {
		return false, fmt.Errorf("agent_id is required")
	}

	// 归属守卫：任务必须仍在该 agent 手中且为 running，否则上报过期
	updateData := buildTaskUpdateData(condition)
	affected, err := r.session.Table(entity.TableNameTask).
		Where(builder.Eq{
			entity.TaskFieldID:      taskID,
			entity.TaskFieldAgentID: agentID,
			entity.TaskFieldStatus:  constant.TaskStatusRunning.String(),
		}).
		Update(updateData)
	if err != nil {
		return false, fmt.Errorf("failed to report task: %w", err)
	}
	return affected > 0, nil
}

func (r *TaskRepository) Requeue(taskID string, expectedAgentID string) (bool, error) {
	if taskID == "" {
		return false, fmt.Errorf("task_id is required")
	}

	// queued_at 刷新为当前时间，重新入队的任务排到租户队列的队尾
	now := time.Now()
	affected, err := r.session.Table(entity.TableNameTask).
		Where(builder.Eq{
			entity.TaskFieldID:      taskID,
			entity.TaskFieldAgentID: expectedAgentID,
			entity.TaskFieldStatus:  constant.TaskStatusRunning.String(),
		}).
		Update(map[string]interface{}{
			entity.TaskFieldAgentID:   "",
			entity.TaskFieldStatus:    constant.TaskStatusPending.String(),
			entity.TaskFieldStartedAt: nil,
			entity.TaskFieldQueuedAt:  now,
			entity.TaskFieldUpdatedAt: now,
		})
	if err != nil {
		return false, fmt.Errorf("failed to requeue task: %w", err)
	}
	return affected > 0, nil
}

func (r *TaskRepository) ListRunningByAgents(agentIDs []string) ([]*entity.Task, error) {
	if len(agentIDs) == 0 {
		return nil, nil
	}

	var results []*entity.Task
	err := r.session.Table(entity.TableNameTask).
		Where(builder.Eq{entity.TaskFieldStatus: constant.TaskStatusRunning.String()}).
		And(builder.In(entity.TaskFieldAgentID, agentIDs)).
		Find(&results)
	if err != nil {
		return nil, fmt.Errorf("failed to list running tasks: %w", err)
	}
	return results, nil
}
