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

// ========== SessionRepository 实现 ==========

type SessionRepository struct {
	session *Session
}

func NewSessionRepository(session *Session) repository.SessionRepository {
	return &SessionRepository{session: session}
}

func (r *SessionRepository) Create(session *entity.Session) error {
	if session == nil {
		return fmt.Errorf("session cannot be nil")
	}
	if session.ID == "" {
		return fmt.Errorf("session id is required")
	}

	session.UpdatedAt = time.Now()
	_, err := r.session.Table(entity.TableNameSession).Insert(session)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (r *SessionRepository) Get(sessionID string) (*entity.Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}

	result := &entity.Session{}
	ok, err := r.session.Table(entity.TableNameSession).
		Where(builder.Eq{entity.SessionFieldID: sessionID}).
		Get(result)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return result, nil
}

// buildSessionUpdateData 将更新条件翻译成列映射，updated_at 总是被写入
func buildSessionUpdateData(condition *model.UpdateSessionCondition) map[string]interface{} {
	updateData := make(map[string]interface{})
	updateData[entity.SessionFieldUpdatedAt] = time.Now()

	if condition == nil {
		return updateData
	}
	if condition.AgentID != nil {
		updateData[entity.SessionFieldAgentID] = *condition.AgentID
	}
	if condition.Status != nil {
		updateData[entity.SessionFieldStatus] = *condition.Status
	}
	if condition.CurrentStepIndex != nil {
		updateData[entity.SessionFieldCurrentStepIndex] = *condition.CurrentStepIndex
	}
	if condition.TotalSteps != nil {
		updateData[entity.SessionFieldTotalSteps] = *condition.TotalSteps
	}
	if condition.StepsExecuted != nil {
		updateData[entity.SessionFieldStepsExecuted] = *condition.StepsExecuted
	}
	if condition.CurrentPathNumber != nil {
		updateData[entity.SessionFieldCurrentPathNumber] = *condition.CurrentPathNumber
	}
	if condition.TotalPaths != nil {
		updateData[entity.SessionFieldTotalPaths] = *condition.TotalPaths
	}
	if condition.ConsecutiveFailures != nil {
		updateData[entity.SessionFieldConsecutiveFailures] = *condition.ConsecutiveFailures
	}
	if condition.LastError != nil {
		updateData[entity.SessionFieldLastError] = *condition.LastError
	}
	if condition.AICallsCount != nil {
		updateData[entity.SessionFieldAICallsCount] = *condition.AICallsCount
	}
	if condition.AITokensUsed != nil {
		updateData[entity.SessionFieldAITokensUsed] = *condition.AITokensUsed
	}
	if condition.AICostEstimate != nil {
		updateData[entity.SessionFieldAICostEstimate] = *condition.AICostEstimate
	}
	if condition.StartedAt != nil {
		updateData[entity.SessionFieldStartedAt] = *condition.StartedAt
	}
	if condition.CompletedAt != nil {
		updateData[entity.SessionFieldCompletedAt] = *condition.CompletedAt
	}
	return updateData
}

func (r *SessionRepository) Update(sessionID string, condition *model.UpdateSessionCondition) error {
	if sessionID == "" {
		return fmt.Errorf("session_id is required")
	}

	updateData := buildSessionUpdateData(condition)
	_, err := r.session.Table(entity.TableNameSession).
		Where(builder.Eq{entity.SessionFieldID: sessionID}).
		Update(updateData)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

func (r *SessionRepository) UpdateWithStatusGuard(sessionID string, expectedStatus string, condition *model.UpdateSessionCondition) (bool, error) {
	if sessionID == "" {
		return false, fmt.Errorf("session_id is required")
	}
	if expectedStatus == "" {
		return false, fmt.Errorf("expected status is required")
	}

	updateData := buildSessionUpdateData(condition)
	affected, err := r.session.Table(entity.TableNameSession).
		Where(builder.Eq{
			entity.SessionFieldID:     sessionID,
			entity.SessionFieldStatus: expectedStatus,
		}).
		Update(updateData)
	if err != nil {
		return false, fmt.Errorf("failed to update session with status guard: %w", err)
	}
	return affected > 0, nil
}

func (r *SessionRepository) Query(condition *model.SessionQueryCondition) ([]*entity.Session, int64, error) {
	if condition == nil {
		condition = &model.SessionQueryCondition{}
	}

	var conds []builder.Cond
	if condition.CompanyID != nil && *condition.CompanyID != "" {
		conds = append(conds, builder.Eq{entity.SessionFieldCompanyID: *condition.CompanyID})
	}
	if condition.UserID != nil && *condition.UserID != "" {
		conds = append(conds, builder.Eq{entity.SessionFieldUserID: *condition.UserID})
	}
	if condition.FormRouteID != nil && *condition.FormRouteID != "" {
		conds = append(conds, builder.Eq{entity.SessionFieldFormRouteID: *condition.FormRouteID})
	}
	if condition.Status != nil && *condition.Status != "" {
		conds = append(conds, builder.Eq{entity.SessionFieldStatus: *condition.Status})
	}
	if len(condition.Statuses) > 0 {
		conds = append(conds, builder.In(entity.SessionFieldStatus, condition.Statuses))
	}
	if condition.AgentID != nil && *condition.AgentID != "" {
		conds = append(conds, builder.Eq{entity.SessionFieldAgentID: *condition.AgentID})
	}
	if condition.CreatedBefore != nil {
		conds = append(conds, builder.Lt{entity.SessionFieldCreatedAt: *condition.CreatedBefore})
	}

	whereCond := builder.NewCond()
	if len(conds) > 0 {
		whereCond = builder.And(conds...)
	}

	total, err := r.session.Table(entity.TableNameSession).Where(whereCond).Count(&entity.Session{})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count sessions: %w", err)
	}

	session := r.session.Table(entity.TableNameSession).Where(whereCond)
	pagerOrder(session, condition, WithDefaultOrderField(entity.SessionFieldCreatedAt))

	var results []*entity.Session
	err = session.Find(&results)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query sessions: %w", err)
	}

	return results, total, nil
}

func (r *SessionRepository) GetStats(companyID string) (*model.SessionStats, error) {
	stats := &model.SessionStats{}

	countByStatuses := func(statuses []string) (int64, error) {
		session := r.session.Table(entity.TableNameSession)
		if companyID != "" {
			session = session.Where(builder.Eq{entity.SessionFieldCompanyID: companyID})
		}
		if len(statuses) > 0 {
			session = session.Where(builder.In(entity.SessionFieldStatus, statuses))
		}
		return session.Count(&entity.Session{})
	}

	total, err := countByStatuses(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to count total sessions: %w", err)
	}
	stats.Total = int(total)

	active, err := countByStatuses([]string{
		constant.SessionStatusPending.String(),
		constant.SessionStatusInitializing.String(),
		constant.SessionStatusExtractingDOM.String(),
		constant.SessionStatusGeneratingSteps.String(),
		constant.SessionStatusExecuting.String(),
		constant.SessionStatusRecovering.String(),
		constant.SessionStatusRegenerating.String(),
		constant.SessionStatusVerifyingUI.String(),
		constant.SessionStatusCompleting.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count active sessions: %w", err)
	}
	stats.Active = int(active)

	completed, err := countByStatuses([]string{constant.SessionStatusCompleted.String()})
	if err != nil {
		return nil, fmt.Errorf("failed to count completed sessions: %w", err)
	}
	stats.Completed = int(completed)

	failed, err := countByStatuses([]string{constant.SessionStatusFailed.String()})
	if err != nil {
		return nil, fmt.Errorf("failed to count failed sessions: %w", err)
	}
	stats.Failed = int(failed)

	cancelled, err := countByStatuses([]string{constant.SessionStatusCancelled.String()})
	if err != nil {
		return nil, fmt.Errorf("failed to count cancelled sessions: %w", err)
	}
	stats.Cancelled = int(cancelled)

	return stats, nil
}

func (r *SessionRepository) Delete(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session_id is required")
	}

	// 开启事务，会话与其路径结果、任务、事件日志一起删除
	if err := r.session.Begin(); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	_, err := r.session.Table(entity.TableNameSession).
		Where(builder.Eq{entity.SessionFieldID: sessionID}).
		Delete(&entity.Session{})
	if err != nil {
		_ = r.session.Rollback()
		return fmt.Errorf("failed to delete session: %w", err)
	}

	_, err = r.session.Table(entity.TableNamePathResult).
		Where(builder.Eq{entity.PathResultFieldSessionID: sessionID}).
		Delete(&entity.PathResult{})
	if err != nil {
		_ = r.session.Rollback()
		return fmt.Errorf("failed to delete path results: %w", err)
	}

	_, err = r.session.Table(entity.TableNameTask).
		Where(builder.Eq{entity.TaskFieldSessionID: sessionID}).
		Delete(&entity.Task{})
	if err != nil {
		_ = r.session.Rollback()
		return fmt.Errorf("failed to delete tasks: %w", err)
	}

	_, err = r.session.Table(entity.TableNameEventLog).
		Where(builder.Eq{entity.EventLogFieldSessionID: sessionID}).
		Delete(&entity.EventLogEntry{})
	if err != nil {
		_ = r.session.Rollback()
		return fmt.Errorf("failed to delete event log: %w", err)
	}

	if err := r.session.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
