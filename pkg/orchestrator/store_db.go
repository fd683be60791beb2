package orchestrator

import (
	"context"
	"fmt"
	"time"

	"form_mapper/entity"
	"form_mapper/model"
	"form_mapper/repository/factory"
)

// DBStore 数据库存储实现，所有调用各自开一个 xorm 会话。
// 并发控制完全依赖数据库侧的条件更新，进程内不加锁。
type DBStore struct {
	factory factory.Factory
}

// NewDBStore 创建数据库存储
func NewDBStore(f factory.Factory) *DBStore {
	return &DBStore{factory: f}
}

// ========== 会话 ==========

func (ds *DBStore) CreateSession(ctx context.Context, session *entity.Session) error {
	dbSession := ds.factory.NewSession(ctx)
	defer func() { _ = dbSession.Close() }()

	repo, err := ds.factory.NewSessionRepository(dbSession)
	if err != nil {
		return fmt.Errorf("failed to create session repository: %w", err)
	}
	return repo.Create(session)
}

func (ds *DBStore) GetSession(ctx context.Context, sessionID string) (*entity.Session, error) {
	dbSession := ds.factory.NewSession(ctx)
	defer func() { _ = dbSession.Close() }()

	repo, err := ds.factory.NewSessionRepository(dbSession)
	if err != nil {
		return nil, fmt.Errorf("failed to create session repository: %w", err)
	}
	return repo.Get(sessionID)
}

func (ds *DBStore) UpdateSession(ctx context.Context, sessionID string, condition *model.UpdateSessionCondition) error {
	dbSession := ds.factory.NewSession(ctx)
	defer func() { _ = dbSession.Close() }()

	repo, err := ds.factory.NewSessionRepository(dbSession)
	if err != nil {
		return fmt.Errorf("failed to create session repository: %w", err)
	}
	return repo.Update(sessionID, condition)
}

func (ds *DBStore) UpdateSessionGuarded(ctx context.Context, sessionID string, expectedStatus string, condition *model.UpdateSessionCondition) (bool, error) {
	dbSession := ds.factory.NewSession(ctx)
	defer func() { _ = dbSession.Close() }()

	repo, err := ds.factory.NewSessionRepository(dbSession)
	if err != nil {
		return false, fmt.Errorf("failed to create session repository: %w", err)
	}
	return repo.UpdateWithStatusGuard(sessionID, expectedStatus, condition)
}

func (ds *DBStore) QuerySessions(ctx context.Context, condition *model.SessionQueryCondition) ([]*entity.Session, int64, error) {
	dbSession := ds.factory.NewSession(ctx)
	defer func() { _ = dbSession.Close() }()

	repo, err := ds.factory.NewSessionRepository(dbSession)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create session repository: %w", err)
	}
	return repo.Query(condition)
}

func (ds *DBStore) SessionStats(ctx context.Context, companyID string) (*model.SessionStats, error) {
	dbSession := ds.factory.NewSession(ctx)
	defer func() { _ = dbSession.Close() }()

	repo, err := ds.factory.NewSessionRepository(dbSession)
	if err != nil {
		return nil, fmt.Errorf("failed to create session repository: %w", err)
	}
	return repo.GetStats(companyID)
}

func (ds *DBStore) DeleteSession(ctx context.Context, sessionID string) error {
	dbSession := ds.factory.NewSession(ctx)
	defer func() { _ = dbSession.Close() }()

	repo, err := ds.factory.NewSessionRepository(dbSession)
	if err != nil {
		return fmt.Errorf("failed to create session repository: %w", err)
	}
	return repo.Delete(sessionID)
}

// ========== 路径结果 ==========

func (ds *DBStore) CreatePathResult(ctx context.Context, pathResult *entity.PathResult) error {
	dbSession := ds.factory.NewSession(ctx)
	defer func() { _ = dbSession.Close() }()

	repo, err := ds.factory.NewPathResultRepository(dbSession)
	if err != nil {
		return fmt.Errorf("failed to create path result repository: %w", err)
	}
	return repo.Create(pathResult)
}

func (ds *DBStore) GetPathResult(ctx context.Context, sessionID string, pathNumber int) (*entity.PathResult, error) {
	dbSession := ds.factory.NewSession(ctx)
	defer func() { _ = dbSession.Close() }()

	repo, err := ds.factory.NewPathResultRepository(dbSession)
	if err != nil {
		return nil, fmt.Errorf("failed to create path result repository: %w", err)
	}
	return repo.GetByPathNumber(sessionID, pathNumber)
}

func (ds *DBStore) UpdatePathResult(ctx context.Context, pathResultID string, condition *model.UpdatePathResultCondition) error {
	dbSession := ds.factory.NewSession(ctx)
	defer func() { _ = dbSession.Close() }()

	repo, err := ds.factory.NewPathResultRepository(dbSession)
	if err != nil {
		return fmt.Errorf("failed to create path result repository: %w", err)
	}
	return repo.Update(pathResultID, condition)
}

func (ds *DBStore) QueryPathResults(ctx context.Context, condition *model.PathResultQueryCondition) ([]*entity.PathResult, int64, error) {
	dbSession := ds.factory.NewSession(ctx)
	defer func() { _ = dbSession.Close() }()

	repo, err := ds.factory.NewPathResultRepository(dbSession)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create path result repository: %w", err)
	}
	return repo.Query(condition)
}

func (ds *DBStore) MaxPathNumber(ctx context.Context, sessionID string) (int, error) {
	dbSession := ds.factory.NewSession(ctx)
	defer func() { _ = dbSession.Close() }()

	repo, err := ds.factory.NewPathResultRepository(dbSession)
	if err != nil {
		return 0, fmt.Errorf("failed to create path result repository: %w", err)
	}
	return repo.MaxPathNumber(sessionID)
}

// ========== 任务 ==========

func (ds *DBStore) CreateTask(ctx context.Context, task *entity.Task) error {
	dbSession := ds.factory.NewSession(ctx)
	defer func() { _ = dbSession.Close() }()

	repo, err := ds.factory.NewTaskRepository(dbSession)
	if err != nil {
		return fmt.Errorf("failed to create task repository: %w", err)
	}
	return repo.Create(task)
}

func (ds *DBStore) GetTask(ctx context.Context, taskID string) (*entity.Task, error) {
	dbSession := ds.factory.NewSession(ctx)
	defer func() { _ = dbSession.Close() }()

	repo, err := ds.factory.NewTaskRepository(dbSession)
	if err != nil {
		return nil, fmt.Errorf("failed to create task repository: %w", err)
	}
	return repo.Get(taskID)
}

func (ds *DBStore) UpdateTask(ctx context.Context, taskID string, condition *model.UpdateTaskCondition) error {
	dbSession := ds.factory.NewSession(ctx)
	defer func() { _ = dbSession.Close() }()

	repo, err := ds.factory.NewTaskRepository(dbSession)
	if err != nil {
		return fmt.Errorf("failed to create task repository: %w", err)
	}
	return repo.Update(taskID, condition)
}

func (ds *DBStore) TryClaimTask(ctx context.Context, taskID string, agentID string, now time.Time) (bool, error) {
	dbSession := ds.factory.NewSession(ctx)
	defer func() { _ = dbSession.Close() }()

	repo, err := ds.factory.NewTaskRepository(dbSession)
	if err != nil {
		return false, fmt.Errorf("failed to create task repository: %w", err)
	}
	return repo.TryClaim(taskID, agentID, now)
}

func (ds *DBStore) ListPendingTasks(ctx context.Context, companyID string, limit int) ([]*entity.Task, error) {
	dbSession := ds.factory.NewSession(ctx)
	defer func() { _ = dbSession.Close() }()

	repo, err := ds.factory.NewTaskRepository(dbSession)
	if err != nil {
		return nil, fmt.Errorf("failed to create task repository: %w", err)
	}
	return repo.ListPending(companyID, limit)
}

func (ds *DBStore) ReportTaskGuarded(ctx context.Context, taskID string, agentID string, condition *model.UpdateTaskCondition) (bool, error) {
	dbSession := ds.factory.NewSession(ctx)
	defer func() { _ = dbSession.Close() }()

	repo, err := ds.factory.NewTaskRepository(dbSession)
	if err != nil {
		return false, fmt.Errorf("failed to create task repository: %w", err)
	}
	return repo.ReportGuarded(taskID, agentID, condition)
}

func (ds *DBStore) RequeueTask(ctx context.Context, taskID string, expectedAgentID string) (bool, error) {
	dbSession := ds.factory.NewSession(ctx)
	defer func() { _ = dbSession.Close() }()

	repo, err := ds.factory.NewTaskRepository(dbSession)
	if err != nil {
		return false, fmt.Errorf("failed to create task repository: %w", err)
	}
	return repo.Requeue(taskID, expectedAgentID)
}

func (ds *DBStore) ListRunningTasksByAgents(ctx context.Context, agentIDs []string) ([]*entity.Task, error) {
	dbSession := ds.factory.NewSession(ctx)
	defer func() { _ = dbSession.Close() }()

	repo, err := ds.factory.NewTaskRepository(dbSession)
	if err != nil {
		return nil, fmt.Errorf("failed to create task repository: %w", err)
	}
	return repo.ListRunningByAgents(agentIDs)
}

// ========== Agent ==========

func (ds *DBStore) UpsertAgent(ctx context.Context, condition *model.UpsertAgentCondition) error {
	dbSession := ds.factory.NewSession(ctx)
	defer func() { _ = dbSession.Close() }()

	repo, err := ds.factory.NewAgentRepository(dbSession)
	if err != nil {
		return fmt.Errorf("failed to create agent repository: %w", err)
	}
	return repo.Upsert(condition)
}

func (ds *DBStore) GetAgent(ctx context.Context, agentID string) (*entity.Agent, error) {
	dbSession := ds.factory.NewSession(ctx)
	defer func() { _ = dbSession.Close() }()

	repo, err := ds.factory.NewAgentRepository(dbSession)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent repository: %w", err)
	}
	return repo.Get(agentID)
}

func (ds *DBStore) QueryAgents(ctx context.Context, condition *model.AgentQueryCondition) ([]*entity.Agent, int64, error) {
	dbSession := ds.factory.NewSession(ctx)
	defer func() { _ = dbSession.Close() }()

	repo, err := ds.factory.NewAgentRepository(dbSession)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create agent repository: %w", err)
	}
	return repo.Query(condition)
}

func (ds *DBStore) MarkAgentsOfflineBefore(ctx context.Context, before time.Time) ([]string, error) {
	dbSession := ds.factory.NewSession(ctx)
	defer func() { _ = dbSession.Close() }()

	repo, err := ds.factory.NewAgentRepository(dbSession)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent repository: %w", err)
	}
	return repo.MarkOfflineBefore(before)
}

// ========== 事件日志 ==========

func (ds *DBStore) AppendEvent(ctx context.Context, event *entity.EventLogEntry) error {
	dbSession := ds.factory.NewSession(ctx)
	defer func() { _ = dbSession.Close() }()

	repo, err := ds.factory.NewEventLogRepository(dbSession)
	if err != nil {
		return fmt.Errorf("failed to create event log repository: %w", err)
	}
	return repo.Append(event)
}

func (ds *DBStore) QueryEvents(ctx context.Context, condition *model.EventLogQueryCondition) ([]*entity.EventLogEntry, int64, error) {
	dbSession := ds.factory.NewSession(ctx)
	defer func() { _ = dbSession.Close() }()

	repo, err := ds.factory.NewEventLogRepository(dbSession)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create event log repository: %w", err)
	}
	return repo.Query(condition)
}
