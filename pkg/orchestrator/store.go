package orchestrator

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"form_mapper/constant"
	"form_mapper/entity"
	"form_mapper/model"
	"form_mapper/pkg/timeutil"
)

// Store 编排核心的持久化接口。
// 数据库实现见 store_db.go，内存实现 MemoryStore 供单测使用。
type Store interface {
	// ========== 会话 ==========

	CreateSession(ctx context.Context, session *entity.Session) error
	GetSession(ctx context.Context, sessionID string) (*entity.Session, error)
	UpdateSession(ctx context.Context, sessionID string, condition *model.UpdateSessionCondition) error
	// UpdateSessionGuarded CAS 更新：仅当当前状态等于 expectedStatus 时生效
	UpdateSessionGuarded(ctx context.Context, sessionID string, expectedStatus string, condition *model.UpdateSessionCondition) (bool, error)
	QuerySessions(ctx context.Context, condition *model.SessionQueryCondition) ([]*entity.Session, int64, error)
	SessionStats(ctx context.Context, companyID string) (*model.SessionStats, error)
	DeleteSession(ctx context.Context, sessionID string) error

	// ========== 路径结果 ==========

	CreatePathResult(ctx context.Context, pathResult *entity.PathResult) error
	GetPathResult(ctx context.Context, sessionID string, pathNumber int) (*entity.PathResult, error)
	UpdatePathResult(ctx context.Context, pathResultID string, condition *model.UpdatePathResultCondition) error
	QueryPathResults(ctx context.Context, condition *model.PathResultQueryCondition) ([]*entity.PathResult, int64, error)
	MaxPathNumber(ctx context.Context, sessionID string) (int, error)

	// ========== 任务 ==========

	CreateTask(ctx context.Context, task *entity.Task) error
	GetTask(ctx context.Context, taskID string) (*entity.Task, error)
	UpdateTask(ctx context.Context, taskID string, condition *model.UpdateTaskCondition) error
	TryClaimTask(ctx context.Context, taskID string, agentID string, now time.Time) (bool, error)
	// ListPendingTasks 租户内待认领任务，queued_at 升序（FIFO）
	ListPendingTasks(ctx context.Context, companyID string, limit int) ([]*entity.Task, error)
	ReportTaskGuarded(ctx context.Context, taskID string, agentID string, condition *model.UpdateTaskCondition) (bool, error)
	// RequeueTask 放回队列并刷新 queued_at：重新入队的任务排到租户 FIFO 的队尾
	RequeueTask(ctx context.Context, taskID string, expectedAgentID string) (bool, error)
	ListRunningTasksByAgents(ctx context.Context, agentIDs []string) ([]*entity.Task, error)

	// ========== Agent ==========

	UpsertAgent(ctx context.Context, condition *model.UpsertAgentCondition) error
	GetAgent(ctx context.Context, agentID string) (*entity.Agent, error)
	QueryAgents(ctx context.Context, condition *model.AgentQueryCondition) ([]*entity.Agent, int64, error)
	MarkAgentsOfflineBefore(ctx context.Context, before time.Time) ([]string, error)

	// ========== 事件日志 ==========

	AppendEvent(ctx context.Context, event *entity.EventLogEntry) error
	QueryEvents(ctx context.Context, condition *model.EventLogQueryCondition) ([]*entity.EventLogEntry, int64, error)
}

// MemoryStore 内存实现，语义与数据库实现对齐（CAS、认领、守卫上报）。
// 单测场景使用，配合 timeutil.ManualClock 可控制时间。
type MemoryStore struct {
	mu       sync.RWMutex
	clock    timeutil.Clock
	seq      int64
	sessions map[string]*entity.Session
	paths    map[string]*entity.PathResult
	tasks    map[string]*entity.Task
	taskSeq  map[string]int64
	agents   map[string]*entity.Agent
	events   []*entity.EventLogEntry
}

// NewMemoryStore 创建内存存储
func NewMemoryStore(clock timeutil.Clock) *MemoryStore {
	if clock == nil {
		clock = timeutil.NewRealClock()
	}
	return &MemoryStore{
		clock:    clock,
		sessions: make(map[string]*entity.Session),
		paths:    make(map[string]*entity.PathResult),
		tasks:    make(map[string]*entity.Task),
		taskSeq:  make(map[string]int64),
		agents:   make(map[string]*entity.Agent),
	}
}

func (ms *MemoryStore) nextSeq() int64 {
	ms.seq++
	return ms.seq
}

// ========== 会话 ==========

func (ms *MemoryStore) CreateSession(_ context.Context, session *entity.Session) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if session.ID == "" {
		return model.NewError(model.ErrorEmptyId, nil)
	}
	if _, ok := ms.sessions[session.ID]; ok {
		return model.NewErrorWithMessage(model.ErrorDB, "session already exists")
	}
	row := *session
	row.CreatedAt = ms.clock.Now()
	row.UpdatedAt = row.CreatedAt
	ms.sessions[session.ID] = &row
	return nil
}

func (ms *MemoryStore) GetSession(_ context.Context, sessionID string) (*entity.Session, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	row, ok := ms.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (ms *MemoryStore) UpdateSession(_ context.Context, sessionID string, condition *model.UpdateSessionCondition) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	row, ok := ms.sessions[sessionID]
	if !ok {
		return model.NewError(model.ErrorSessionNotFound, nil)
	}
	applySessionUpdate(row, condition, ms.clock.Now())
	return nil
}

func (ms *MemoryStore) UpdateSessionGuarded(_ context.Context, sessionID string, expectedStatus string, condition *model.UpdateSessionCondition) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	row, ok := ms.sessions[sessionID]
	if !ok {
		return false, nil
	}
	if row.Status != expectedStatus {
		return false, nil
	}
	applySessionUpdate(row, condition, ms.clock.Now())
	return true, nil
}

func (ms *MemoryStore) QuerySessions(_ context.Context, condition *model.SessionQueryCondition) ([]*entity.Session, int64, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var results []*entity.Session
	for _, row := range ms.sessions {
		if condition.CompanyID != nil && row.CompanyID != *condition.CompanyID {
			continue
		}
		if condition.UserID != nil && row.UserID != *condition.UserID {
			continue
		}
		if condition.FormRouteID != nil && row.FormRouteID != *condition.FormRouteID {
			continue
		}
		if condition.Status != nil && row.Status != *condition.Status {
			continue
		}
		if len(condition.Statuses) > 0 && !containsString(condition.Statuses, row.Status) {
			continue
		}
		if condition.AgentID != nil && row.AgentID != *condition.AgentID {
			continue
		}
		if condition.CreatedBefore != nil && !row.CreatedAt.Before(*condition.CreatedBefore) {
			continue
		}
		cp := *row
		results = append(results, &cp)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	return results, int64(len(results)), nil
}

func (ms *MemoryStore) SessionStats(_ context.Context, companyID string) (*model.SessionStats, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	stats := &model.SessionStats{}
	for _, row := range ms.sessions {
		if row.CompanyID != companyID {
			continue
		}
		stats.Total++
		switch constant.SessionStatus(row.Status) {
		case constant.SessionStatusCompleted:
			stats.Completed++
		case constant.SessionStatusFailed:
			stats.Failed++
		case constant.SessionStatusCancelled:
			stats.Cancelled++
		default:
			stats.Active++
		}
	}
	return stats, nil
}

func (ms *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.sessions, sessionID)
	for id, path := range ms.paths {
		if path.SessionID == sessionID {
			delete(ms.paths, id)
		}
	}
	for id, task := range ms.tasks {
		if task.SessionID == sessionID {
			delete(ms.tasks, id)
			delete(ms.taskSeq, id)
		}
	}
	kept := ms.events[:0]
	for _, event := range ms.events {
		if event.SessionID != sessionID {
			kept = append(kept, event)
		}
	}
	ms.events = kept
	return nil
}

// ========== 路径结果 ==========

func (ms *MemoryStore) CreatePathResult(_ context.Context, pathResult *entity.PathResult) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if pathResult.ID == "" {
		return model.NewError(model.ErrorEmptyId, nil)
	}
	for _, row := range ms.paths {
		if row.SessionID == pathResult.SessionID &&
			row.FormRouteID == pathResult.FormRouteID &&
			row.PathNumber == pathResult.PathNumber {
			return model.NewErrorWithMessage(model.ErrorDB, "duplicate path number")
		}
	}
	row := *pathResult
	row.CreatedAt = ms.clock.Now()
	row.UpdatedAt = row.CreatedAt
	ms.paths[pathResult.ID] = &row
	return nil
}

func (ms *MemoryStore) GetPathResult(_ context.Context, sessionID string, pathNumber int) (*entity.PathResult, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	for _, row := range ms.paths {
		if row.SessionID == sessionID && row.PathNumber == pathNumber {
			cp := *row
			return &cp, nil
		}
	}
	return nil, nil
}

func (ms *MemoryStore) UpdatePathResult(_ context.Context, pathResultID string, condition *model.UpdatePathResultCondition) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	row, ok := ms.paths[pathResultID]
	if !ok {
		return model.NewError(model.ErrorPathResultNotFound, nil)
	}
	applyPathResultUpdate(row, condition, ms.clock.Now())
	return nil
}

func (ms *MemoryStore) QueryPathResults(_ context.Context, condition *model.PathResultQueryCondition) ([]*entity.PathResult, int64, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var results []*entity.PathResult
	for _, row := range ms.paths {
		if condition.SessionID != nil && row.SessionID != *condition.SessionID {
			continue
		}
		if condition.FormRouteID != nil && row.FormRouteID != *condition.FormRouteID {
			continue
		}
		if condition.PathNumber != nil && row.PathNumber != *condition.PathNumber {
			continue
		}
		if condition.Verified != nil && row.Verified != *condition.Verified {
			continue
		}
		cp := *row
		results = append(results, &cp)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].PathNumber < results[j].PathNumber
	})
	return results, int64(len(results)), nil
}

func (ms *MemoryStore) MaxPathNumber(_ context.Context, sessionID string) (int, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	max := 0
	for _, row := range ms.paths {
		if row.SessionID == sessionID && row.PathNumber > max {
			max = row.PathNumber
		}
	}
	return max, nil
}

// ========== 任务 ==========

func (ms *MemoryStore) CreateTask(_ context.Context, task *entity.Task) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if task.ID == "" {
		return model.NewError(model.ErrorEmptyId, nil)
	}
	row := *task
	if row.Status == "" {
		row.Status = constant.TaskStatusPending.String()
	}
	row.CreatedAt = ms.clock.Now()
	row.QueuedAt = row.CreatedAt
	row.UpdatedAt = row.CreatedAt
	ms.tasks[task.ID] = &row
	// taskSeq 是 queued_at 的同刻平局裁决，保证手动时钟下 FIFO 依然确定
	ms.taskSeq[task.ID] = ms.nextSeq()
	return nil
}

func (ms *MemoryStore) GetTask(_ context.Context, taskID string) (*entity.Task, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	row, ok := ms.tasks[taskID]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (ms *MemoryStore) UpdateTask(_ context.Context, taskID string, condition *model.UpdateTaskCondition) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	row, ok := ms.tasks[taskID]
	if !ok {
		return model.NewError(model.ErrorTaskNotFound, nil)
	}
	if constant.TaskStatus(row.Status).IsTerminal() {
		return model.NewError(model.ErrorTaskTerminal, nil)
	}
	applyTaskUpdate(row, condition, ms.clock.Now())
	return nil
}

func (ms *MemoryStore) TryClaimTask(_ context.Context, taskID string, agentID string, now time.Time) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	row, ok := ms.tasks[taskID]
	if !ok {
		return false, nil
	}
	if row.Status != constant.TaskStatusPending.String() {
		return false, nil
	}
	row.AgentID = agentID
	row.Status = constant.TaskStatusRunning.String()
	started := now
	row.StartedAt = &started
	row.UpdatedAt = now
	return true, nil
}

func (ms *MemoryStore) ListPendingTasks(_ context.Context, companyID string, limit int) ([]*entity.Task, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var results []*entity.Task
	for _, row := range ms.tasks {
		if row.CompanyID != companyID {
			continue
		}
		if row.Status != constant.TaskStatusPending.String() {
			continue
		}
		cp := *row
		results = append(results, &cp)
	}
	sort.Slice(results, func(i, j int) bool {
		if !results[i].QueuedAt.Equal(results[j].QueuedAt) {
			return results[i].QueuedAt.Before(results[j].QueuedAt)
		}
		return ms.taskSeq[results[i].ID] < ms.taskSeq[results[j].ID]
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (ms *MemoryStore) ReportTaskGuarded(_ context.Context, taskID string, agentID string, condition *model.UpdateTaskCondition) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	row, ok := ms.tasks[taskID]
	if !ok {
		return false, nil
	}
	if row.Status != constant.TaskStatusRunning.String() || row.AgentID != agentID {
		return false, nil
	}
	applyTaskUpdate(row, condition, ms.clock.Now())
	return true, nil
}

func (ms *MemoryStore) RequeueTask(_ context.Context, taskID string, expectedAgentID string) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	row, ok := ms.tasks[taskID]
	if !ok {
		return false, nil
	}
	if row.Status != constant.TaskStatusRunning.String() || row.AgentID != expectedAgentID {
		return false, nil
	}
	now := ms.clock.Now()
	row.AgentID = ""
	row.Status = constant.TaskStatusPending.String()
	row.StartedAt = nil
	row.QueuedAt = now
	row.UpdatedAt = now
	// 重新排队排到队尾
	ms.taskSeq[taskID] = ms.nextSeq()
	return true, nil
}

func (ms *MemoryStore) ListRunningTasksByAgents(_ context.Context, agentIDs []string) ([]*entity.Task, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var results []*entity.Task
	for _, row := range ms.tasks {
		if row.Status != constant.TaskStatusRunning.String() {
			continue
		}
		if !containsString(agentIDs, row.AgentID) {
			continue
		}
		cp := *row
		results = append(results, &cp)
	}
	sort.Slice(results, func(i, j int) bool {
		return ms.taskSeq[results[i].ID] < ms.taskSeq[results[j].ID]
	})
	return results, nil
}

// ========== Agent ==========

func (ms *MemoryStore) UpsertAgent(_ context.Context, condition *model.UpsertAgentCondition) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if condition.ID == "" {
		return model.NewError(model.ErrorEmptyId, nil)
	}
	now := ms.clock.Now()
	row, ok := ms.agents[condition.ID]
	if !ok {
		heartbeat := condition.LastHeartbeat
		row = &entity.Agent{
			ID:            condition.ID,
			CompanyID:     condition.CompanyID,
			UserID:        condition.UserID,
			Status:        constant.AgentStatusOnline.String(),
			LastHeartbeat: &heartbeat,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		ms.agents[condition.ID] = row
	} else {
		heartbeat := condition.LastHeartbeat
		row.LastHeartbeat = &heartbeat
		row.UpdatedAt = now
	}
	if condition.Hostname != nil {
		row.Hostname = *condition.Hostname
	}
	if condition.Platform != nil {
		row.Platform = *condition.Platform
	}
	if condition.Version != nil {
		row.Version = *condition.Version
	}
	if condition.Status != nil {
		row.Status = *condition.Status
	}
	return nil
}

func (ms *MemoryStore) GetAgent(_ context.Context, agentID string) (*entity.Agent, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	row, ok := ms.agents[agentID]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (ms *MemoryStore) QueryAgents(_ context.Context, condition *model.AgentQueryCondition) ([]*entity.Agent, int64, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var results []*entity.Agent
	for _, row := range ms.agents {
		if condition.CompanyID != nil && row.CompanyID != *condition.CompanyID {
			continue
		}
		if condition.Status != nil && row.Status != *condition.Status {
			continue
		}
		if condition.HeartbeatAfter != nil {
			if row.LastHeartbeat == nil || !row.LastHeartbeat.After(*condition.HeartbeatAfter) {
				continue
			}
		}
		if condition.HeartbeatBefore != nil {
			if row.LastHeartbeat == nil || row.LastHeartbeat.After(*condition.HeartbeatBefore) {
				continue
			}
		}
		cp := *row
		results = append(results, &cp)
	}
	sort.Slice(results, func(i, j int) bool {
		return strings.Compare(results[i].ID, results[j].ID) < 0
	})
	return results, int64(len(results)), nil
}

func (ms *MemoryStore) MarkAgentsOfflineBefore(_ context.Context, before time.Time) ([]string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var lapsed []string
	for _, row := range ms.agents {
		if row.Status != constant.AgentStatusOnline.String() {
			continue
		}
		if row.LastHeartbeat != nil && row.LastHeartbeat.After(before) {
			continue
		}
		row.Status = constant.AgentStatusOffline.String()
		row.UpdatedAt = ms.clock.Now()
		lapsed = append(lapsed, row.ID)
	}
	sort.Strings(lapsed)
	return lapsed, nil
}

// ========== 事件日志 ==========

func (ms *MemoryStore) AppendEvent(_ context.Context, event *entity.EventLogEntry) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if event.ID == "" || event.SessionID == "" {
		return model.NewError(model.ErrorEmptyId, nil)
	}
	row := *event
	row.CreatedAt = ms.clock.Now()
	ms.events = append(ms.events, &row)
	return nil
}

func (ms *MemoryStore) QueryEvents(_ context.Context, condition *model.EventLogQueryCondition) ([]*entity.EventLogEntry, int64, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var results []*entity.EventLogEntry
	for _, row := range ms.events {
		if condition.SessionID != nil && row.SessionID != *condition.SessionID {
			continue
		}
		if condition.EventType != nil && row.EventType != *condition.EventType {
			continue
		}
		cp := *row
		results = append(results, &cp)
	}
	return results, int64(len(results)), nil
}

// ========== 更新条件应用 ==========

func applySessionUpdate(row *entity.Session, condition *model.UpdateSessionCondition, now time.Time) {
	if condition.AgentID != nil {
		row.AgentID = *condition.AgentID
	}
	if condition.Status != nil {
		row.Status = *condition.Status
	}
	if condition.CurrentStepIndex != nil {
		row.CurrentStepIndex = *condition.CurrentStepIndex
	}
	if condition.TotalSteps != nil {
		row.TotalSteps = *condition.TotalSteps
	}
	if condition.StepsExecuted != nil {
		row.StepsExecuted = *condition.StepsExecuted
	}
	if condition.CurrentPathNumber != nil {
		row.CurrentPathNumber = *condition.CurrentPathNumber
	}
	if condition.TotalPaths != nil {
		row.TotalPaths = *condition.TotalPaths
	}
	if condition.ConsecutiveFailures != nil {
		row.ConsecutiveFailures = *condition.ConsecutiveFailures
	}
	if condition.LastError != nil {
		row.LastError = *condition.LastError
	}
	if condition.AICallsCount != nil {
		row.AICallsCount = *condition.AICallsCount
	}
	if condition.AITokensUsed != nil {
		row.AITokensUsed = *condition.AITokensUsed
	}
	if condition.AICostEstimate != nil {
		row.AICostEstimate = *condition.AICostEstimate
	}
	if condition.StartedAt != nil {
		started := *condition.StartedAt
		row.StartedAt = &started
	}
	if condition.CompletedAt != nil {
		completed := *condition.CompletedAt
		row.CompletedAt = &completed
	}
	row.UpdatedAt = now
}

func applyPathResultUpdate(row *entity.PathResult, condition *model.UpdatePathResultCondition, now time.Time) {
	if condition.JunctionsJSON != nil {
		row.JunctionsJSON = *condition.JunctionsJSON
	}
	if condition.StepsJSON != nil {
		row.StepsJSON = *condition.StepsJSON
	}
	if condition.FormFieldsJSON != nil {
		row.FormFieldsJSON = *condition.FormFieldsJSON
	}
	if condition.RelationshipsJSON != nil {
		row.RelationshipsJSON = *condition.RelationshipsJSON
	}
	if condition.UIIssuesJSON != nil {
		row.UIIssuesJSON = *condition.UIIssuesJSON
	}
	if condition.Verified != nil {
		row.Verified = *condition.Verified
	}
	if condition.VerificationErrorsJSON != nil {
		row.VerificationErrorsJSON = *condition.VerificationErrorsJSON
	}
	if condition.VerifiedAt != nil {
		verifiedAt := *condition.VerifiedAt
		row.VerifiedAt = &verifiedAt
	}
	row.UpdatedAt = now
}

func applyTaskUpdate(row *entity.Task, condition *model.UpdateTaskCondition, now time.Time) {
	if condition.AgentID != nil {
		row.AgentID = *condition.AgentID
	}
	if condition.Status != nil {
		row.Status = *condition.Status
	}
	if condition.ResultJSON != nil {
		row.ResultJSON = *condition.ResultJSON
	}
	if condition.ErrorMsg != nil {
		row.ErrorMsg = *condition.ErrorMsg
	}
	if condition.StartedAt != nil {
		started := *condition.StartedAt
		row.StartedAt = &started
	}
	if condition.CompletedAt != nil {
		completed := *condition.CompletedAt
		row.CompletedAt = &completed
	}
	row.UpdatedAt = now
}

func containsString(list []string, target string) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}
	return false
}
