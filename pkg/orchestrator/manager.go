package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"form_mapper/constant"
	"form_mapper/entity"
	"form_mapper/model"
	"form_mapper/pkg/str"
	"form_mapper/pkg/timeutil"
)

const (
	// lastErrorLimit last_error 入库截断长度
	lastErrorLimit = 2000
	// cancelRetryLimit 取消时 CAS 竞争的重试次数
	cancelRetryLimit = 4
	// pendingCleanupBatch 取消时清理待认领任务的批量上限
	pendingCleanupBatch = 100
)

// CreateSessionInput 创建会话的参数
type CreateSessionInput struct {
	CompanyID   string         `json:"company_id"`
	UserID      string         `json:"user_id"`
	FormRouteID string         `json:"form_route_id"`
	NetworkID   string         `json:"network_id"`
	Config      *SessionConfig `json:"config"`
}

// ClaimDecision 任务被认领后的处理结论。
// Accept=false 表示任务已被编排器就地收尾，认领方应继续取下一个。
type ClaimDecision struct {
	Accept    bool
	Directive *NextDirective
}

// sessionContext 单个会话的运行期内存状态。
// 服务重启后由 ensureLoaded 从事件日志与路径结果重建；
// DOM 快照只存内存，丢失后由恢复流程中的重抓补回。
type sessionContext struct {
	mu          sync.Mutex
	loaded      bool
	explorer    *PathExplorer
	snapshot    *FormSnapshot
	plan        []FormStep         // 当前路径的活动计划段
	executed    []FormStep         // 当前路径已成功执行的步骤
	decisions   []JunctionDecision // 当前路径的计划内分支决策
	agentIssues []string           // agent 提交的校验观察（当前路径）
}

// Manager 会话状态机的核心编排器。
// 同一会话的事件由持有它的 agent 串行上报；跨实例竞争由存储层的
// CAS 守卫兜底，前置状态不符的写入一律按过期事件拒绝。
type Manager struct {
	store     Store
	events    *EventRecorder
	queue     *Queue
	registry  *Registry
	generator StepGenerator
	verifier  Verifier
	budget    *BudgetTracker
	clock     timeutil.Clock

	mu       sync.Mutex
	contexts map[string]*sessionContext
}

// NewManager 创建编排器
func NewManager(store Store, events *EventRecorder, queue *Queue, registry *Registry,
	generator StepGenerator, verifier Verifier, budget *BudgetTracker, clock timeutil.Clock) *Manager {
	if clock == nil {
		clock = timeutil.NewRealClock()
	}
	return &Manager{
		store:     store,
		events:    events,
		queue:     queue,
		registry:  registry,
		generator: generator,
		verifier:  verifier,
		budget:    budget,
		clock:     clock,
		contexts:  make(map[string]*sessionContext),
	}
}

// ========== 会话创建与查询 ==========

// CreateSession 创建会话并入队主任务
func (m *Manager) CreateSession(ctx context.Context, input *CreateSessionInput) (*entity.Session, error) {
	if input == nil || input.CompanyID == "" || input.UserID == "" || input.FormRouteID == "" {
		return nil, model.NewError(model.ErrorParams, nil)
	}

	cfg := input.Config
	if cfg == nil {
		cfg = DefaultSessionConfig()
	} else {
		cfg.ApplyDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, model.NewErrorWithMessage(model.ErrorSessionConfigInvalid, err.Error())
	}
	configJSON, err := marshalJSON(cfg)
	if err != nil {
		return nil, model.NewError(model.ErrorInternal, err)
	}

	session := &entity.Session{
		ID:                uuid.New().String(),
		CompanyID:         input.CompanyID,
		UserID:            input.UserID,
		FormRouteID:       input.FormRouteID,
		NetworkID:         input.NetworkID,
		ConfigJSON:        configJSON,
		Status:            constant.SessionStatusPending.String(),
		CurrentPathNumber: 1,
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	_, err = m.queue.Enqueue(ctx, &EnqueueInput{
		CompanyID: input.CompanyID,
		UserID:    input.UserID,
		SessionID: session.ID,
		TaskType:  constant.TaskTypeMapFormRoute,
		Params: &TaskParams{MapFormRoute: &MapFormRouteParams{
			SessionID:   session.ID,
			FormRouteID: input.FormRouteID,
			Config:      cfg,
		}},
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Created session %s for route %s (company %s)", session.ID, input.FormRouteID, input.CompanyID)
	return session, nil
}

// GetSession 查询单个会话
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*entity.Session, error) {
	if sessionID == "" {
		return nil, model.NewError(model.ErrorEmptyId, nil)
	}
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, model.NewError(model.ErrorSessionNotFound, nil)
	}
	return session, nil
}

// QuerySessions 按条件查询会话
func (m *Manager) QuerySessions(ctx context.Context, condition *model.SessionQueryCondition) ([]*entity.Session, int64, error) {
	return m.store.QuerySessions(ctx, condition)
}

// ListPathResults 按路径号升序返回会话的全部路径结果
func (m *Manager) ListPathResults(ctx context.Context, sessionID string) ([]*entity.PathResult, error) {
	if sessionID == "" {
		return nil, model.NewError(model.ErrorEmptyId, nil)
	}
	rows, _, err := m.store.QueryPathResults(ctx, &model.PathResultQueryCondition{
		SessionID: &sessionID,
		Order:     &model.Order{OrderAsc: true, OrderBy: entity.PathResultFieldPathNumber},
	})
	return rows, err
}

// ListEvents 按追加顺序返回会话事件日志
func (m *Manager) ListEvents(ctx context.Context, sessionID string, pager *model.Pager) ([]*entity.EventLogEntry, int64, error) {
	if sessionID == "" {
		return nil, 0, model.NewError(model.ErrorEmptyId, nil)
	}
	return m.store.QueryEvents(ctx, &model.EventLogQueryCondition{
		SessionID: &sessionID,
		Pager:     pager,
		Order:     &model.Order{OrderAsc: true, OrderBy: entity.EventLogFieldCreatedAt},
	})
}

// Stats 租户会话统计
func (m *Manager) Stats(ctx context.Context, companyID string) (*model.SessionStats, error) {
	if companyID == "" {
		return nil, model.NewError(model.ErrorEmptyId, nil)
	}
	return m.store.SessionStats(ctx, companyID)
}

// DeleteSession 删除终态会话，路径结果、任务与事件日志级联删除
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	session, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !constant.SessionStatus(session.Status).IsTerminal() {
		return model.NewErrorWithMessage(model.ErrorParams, "only terminal sessions can be deleted, cancel it first")
	}
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	m.dropContext(sessionID)
	log.Infof("Deleted session %s and its cascade", sessionID)
	return nil
}

// ========== 任务认领 ==========

// OnTaskClaimed 任务被认领后的会话侧处理。
// 终态会话的遗留任务就地收尾；主任务按会话当前状态决定 agent 的初始动作。
func (m *Manager) OnTaskClaimed(ctx context.Context, task *entity.Task, agentID string) (*ClaimDecision, error) {
	if task == nil {
		return nil, model.NewError(model.ErrorTaskNotFound, nil)
	}
	if constant.TaskType(task.TaskType) == constant.TaskTypeCancelSession {
		// 取消信号：agent 收到即中止该会话的本地工作
		return &ClaimDecision{Accept: true, Directive: &NextDirective{
			Action: DirectiveAbort,
			Reason: "session cancelled",
		}}, nil
	}

	session, err := m.store.GetSession(ctx, task.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		if err := m.queue.Finalize(ctx, task, constant.TaskStatusFailed, "session no longer exists"); err != nil {
			return nil, err
		}
		return &ClaimDecision{Accept: false}, nil
	}
	status := constant.SessionStatus(session.Status)
	if status.IsTerminal() {
		if err := m.queue.Finalize(ctx, task, constant.TaskStatusCompleted, fmt.Sprintf("session already %s", status)); err != nil {
			return nil, err
		}
		return &ClaimDecision{Accept: false}, nil
	}

	switch status {
	case constant.SessionStatusPending:
		// 派发前重新校验配置，失败属于致命配置错误
		cfg, cfgErr := ParseSessionConfig(session.ConfigJSON)
		if cfgErr == nil {
			cfgErr = cfg.Validate()
		}
		if cfgErr != nil {
			if _, err := m.fail(ctx, session, "config", cfgErr.Error()); err != nil {
				return nil, err
			}
			if err := m.queue.Finalize(ctx, task, constant.TaskStatusFailed, "session config invalid"); err != nil {
				return nil, err
			}
			return &ClaimDecision{Accept: false}, nil
		}
		now := m.clock.Now()
		applied, err := m.transition(ctx, session, constant.SessionStatusInitializing, "task claimed", &model.UpdateSessionCondition{
			AgentID:   &agentID,
			StartedAt: &now,
		})
		if err != nil {
			return nil, err
		}
		if !applied {
			return m.reconcileClaim(ctx, task)
		}
		return &ClaimDecision{Accept: true, Directive: &NextDirective{
			Action:     DirectiveInitialize,
			PathNumber: session.CurrentPathNumber,
		}}, nil

	case constant.SessionStatusRecovering:
		// 活性丢失后重回队列的任务被新 agent 认领：重抓 DOM 再走重生成
		applied, err := m.transition(ctx, session, constant.SessionStatusRegenerating, "requeued task reclaimed", &model.UpdateSessionCondition{
			AgentID: &agentID,
		})
		if err != nil {
			return nil, err
		}
		if !applied {
			return m.reconcileClaim(ctx, task)
		}
		return &ClaimDecision{Accept: true, Directive: &NextDirective{
			Action:     DirectiveReExtract,
			PathNumber: session.CurrentPathNumber,
		}}, nil

	case constant.SessionStatusInitializing, constant.SessionStatusExtractingDOM, constant.SessionStatusRegenerating:
		// 同状态重指派：原 agent 活性丢失，任务退回队列后被再次认领
		applied, err := m.store.UpdateSessionGuarded(ctx, session.ID, session.Status, &model.UpdateSessionCondition{
			AgentID: &agentID,
		})
		if err != nil {
			return nil, err
		}
		if !applied {
			return m.reconcileClaim(ctx, task)
		}
		action := DirectiveReExtract
		if status == constant.SessionStatusInitializing {
			action = DirectiveInitialize
		}
		return &ClaimDecision{Accept: true, Directive: &NextDirective{
			Action:     action,
			PathNumber: session.CurrentPathNumber,
		}}, nil

	default:
		// executing/generating_steps/verifying_ui/completing 阶段的主任务
		// 不应处于待认领状态，观察到即视为竞争窗口，任务退回队列
		log.Warnf("Task %s claimed while session %s is %s, requeueing", task.ID, session.ID, status)
		if _, err := m.store.RequeueTask(ctx, task.ID, agentID); err != nil {
			return nil, err
		}
		return &ClaimDecision{Accept: false}, nil
	}
}

// reconcileClaim 认领后会话状态被并发改变时的收尾：
// 终态会话收掉任务，活动会话把任务退回队列
func (m *Manager) reconcileClaim(ctx context.Context, task *entity.Task) (*ClaimDecision, error) {
	session, err := m.store.GetSession(ctx, task.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil || constant.SessionStatus(session.Status).IsTerminal() {
		if err := m.queue.Finalize(ctx, task, constant.TaskStatusCompleted, "session reached terminal state"); err != nil {
			return nil, err
		}
		return &ClaimDecision{Accept: false}, nil
	}
	if _, err := m.store.RequeueTask(ctx, task.ID, task.AgentID); err != nil {
		return nil, err
	}
	return &ClaimDecision{Accept: false}, nil
}

// ========== agent 上报：初始化确认与 DOM 提交 ==========

// AcknowledgeSession agent 初始化完成的确认，会话进入 DOM 抓取
func (m *Manager) AcknowledgeSession(ctx context.Context, sessionID, agentID string) (*NextDirective, error) {
	session, err := m.loadOwnedSession(ctx, sessionID, agentID)
	if err != nil {
		return nil, err
	}
	if directive := m.terminalDirective(session); directive != nil {
		return directive, nil
	}

	applied, err := m.transition(ctx, session, constant.SessionStatusExtractingDOM, "agent acknowledged", nil)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, model.NewError(model.ErrorStaleTransition, nil)
	}
	return &NextDirective{Action: DirectiveContinue, PathNumber: session.CurrentPathNumber}, nil
}

// SubmitDOM agent 提交表单 DOM 快照。
// extracting_dom：首次快照，为当前路径生成初始计划；
// regenerating：恢复流程中的重抓，为剩余步骤重新生成；
// generating_steps：重启后路径边界丢失快照时的补抓。
func (m *Manager) SubmitDOM(ctx context.Context, sessionID, agentID string, snapshot *FormSnapshot) (*NextDirective, error) {
	if snapshot == nil || len(snapshot.Fields) == 0 {
		return nil, model.NewErrorWithMessage(model.ErrorParams, "dom snapshot has no fields")
	}
	session, err := m.loadOwnedSession(ctx, sessionID, agentID)
	if err != nil {
		return nil, err
	}
	if directive := m.terminalDirective(session); directive != nil {
		return directive, nil
	}
	cfg, err := ParseSessionConfig(session.ConfigJSON)
	if err != nil {
		return nil, model.NewErrorWithMessage(model.ErrorSessionConfigInvalid, err.Error())
	}

	sc := m.getContext(sessionID)
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if err := m.ensureLoaded(ctx, sc, session); err != nil {
		return nil, err
	}

	m.mergeSnapshot(sc, snapshot, cfg.UseFullDOM)
	m.recordFieldJunctions(ctx, sc, session, snapshot.Fields)

	switch constant.SessionStatus(session.Status) {
	case constant.SessionStatusExtractingDOM:
		applied, err := m.transition(ctx, session, constant.SessionStatusGeneratingSteps, "dom snapshot received", nil)
		if err != nil {
			return nil, err
		}
		if !applied {
			return nil, model.NewError(model.ErrorStaleTransition, nil)
		}
		return m.generateAndStart(ctx, sc, session, cfg, constant.GenerationModeInitial)
	case constant.SessionStatusGeneratingSteps:
		return m.generateAndStart(ctx, sc, session, cfg, constant.GenerationModeInitial)
	case constant.SessionStatusRegenerating:
		return m.generateAndStart(ctx, sc, session, cfg, constant.GenerationModeRegeneration)
	default:
		return nil, model.NewErrorWithMessage(model.ErrorStaleTransition,
			fmt.Sprintf("dom snapshot rejected in status %s", session.Status))
	}
}

// ========== agent 上报：步骤执行结果 ==========

// ReportStep agent 上报单步执行结果，驱动 executing 之后的全部推进：
// 继续执行、失败恢复、路径收尾、下一路径生成或会话结束。
func (m *Manager) ReportStep(ctx context.Context, sessionID, agentID string, report *StepReport) (*NextDirective, error) {
	if report == nil {
		return nil, model.NewError(model.ErrorParams, nil)
	}
	session, err := m.loadOwnedSession(ctx, sessionID, agentID)
	if err != nil {
		return nil, err
	}
	if directive := m.terminalDirective(session); directive != nil {
		return directive, nil
	}
	if constant.SessionStatus(session.Status) != constant.SessionStatusExecuting {
		return nil, model.NewErrorWithMessage(model.ErrorStaleTransition,
			fmt.Sprintf("step report rejected in status %s", session.Status))
	}
	if report.StepNumber != session.CurrentStepIndex {
		return nil, model.NewErrorWithMessage(model.ErrorStaleReport,
			fmt.Sprintf("expected step %d, got %d", session.CurrentStepIndex, report.StepNumber))
	}
	cfg, err := ParseSessionConfig(session.ConfigJSON)
	if err != nil {
		return nil, model.NewErrorWithMessage(model.ErrorSessionConfigInvalid, err.Error())
	}

	sc := m.getContext(sessionID)
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if err := m.ensureLoaded(ctx, sc, session); err != nil {
		return nil, err
	}

	step, ok := findStep(sc.plan, report.StepNumber)
	if !ok {
		return nil, model.NewErrorWithMessage(model.ErrorStaleReport,
			fmt.Sprintf("step %d is not part of the active plan", report.StepNumber))
	}

	m.events.StepExecuted(ctx, session.ID, &StepExecutedPayload{
		PathNumber: session.CurrentPathNumber,
		StepNumber: report.StepNumber,
		Action:     step.Action,
		Selector:   step.Selector,
		Success:    report.Success,
		Error:      report.Error,
		DurationMs: report.DurationMs,
	})
	if report.AlertText != "" {
		m.events.AlertDetected(ctx, session.ID, session.CurrentPathNumber, report.AlertText)
	}
	if len(report.RevealedFields) > 0 {
		m.absorbRevealedFields(ctx, sc, session, step, report.RevealedFields)
	}

	if report.Success {
		return m.handleStepSuccess(ctx, sc, session, cfg, step)
	}
	return m.handleStepFailure(ctx, sc, session, cfg, report)
}

// absorbRevealedFields 步骤触发的 DOM 变化：合并快照、登记分支点、记录事件
func (m *Manager) absorbRevealedFields(ctx context.Context, sc *sessionContext, session *entity.Session, step FormStep, revealed []SnapshotField) {
	names := make([]string, 0, len(revealed))
	for _, field := range revealed {
		names = append(names, field.Name)
	}
	m.mergeSnapshot(sc, &FormSnapshot{Fields: revealed, CapturedAt: m.clock.Now()}, false)
	m.events.DOMChanged(ctx, session.ID, &DOMChangedPayload{
		PathNumber:     session.CurrentPathNumber,
		TriggerField:   fieldNameBySelector(sc.snapshot, step.Selector),
		TriggerValue:   step.Value,
		RevealedFields: names,
	})
	m.recordFieldJunctions(ctx, sc, session, revealed)
}

// handleStepSuccess 成功步骤：推进游标并在计划耗尽时进入路径收尾
func (m *Manager) handleStepSuccess(ctx context.Context, sc *sessionContext, session *entity.Session, cfg *SessionConfig, step FormStep) (*NextDirective, error) {
	sc.executed = append(sc.executed, step)

	last := step.StepNumber == sc.plan[len(sc.plan)-1].StepNumber
	nextIndex := step.StepNumber + 1
	executed := session.StepsExecuted + 1
	zero := 0
	progress := &model.UpdateSessionCondition{
		CurrentStepIndex:    &nextIndex,
		StepsExecuted:       &executed,
		ConsecutiveFailures: &zero,
	}

	if !last {
		applied, err := m.transition(ctx, session, constant.SessionStatusExecuting, "step succeeded", progress)
		if err != nil {
			return nil, err
		}
		if !applied {
			return nil, model.NewError(model.ErrorStaleTransition, nil)
		}
		return &NextDirective{Action: DirectiveContinue, PathNumber: session.CurrentPathNumber, ResumeFrom: nextIndex}, nil
	}

	// 计划耗尽：可选 UI 校验后进入收尾
	if cfg.EnableUIVerification {
		applied, err := m.transition(ctx, session, constant.SessionStatusVerifyingUI, "path steps exhausted", progress)
		if err != nil {
			return nil, err
		}
		if !applied {
			return nil, model.NewError(model.ErrorStaleTransition, nil)
		}
		if err := m.runVerification(ctx, sc, session); err != nil {
			return nil, err
		}
	} else {
		applied, err := m.transition(ctx, session, constant.SessionStatusCompleting, "path steps exhausted", progress)
		if err != nil {
			return nil, err
		}
		if !applied {
			return nil, model.NewError(model.ErrorStaleTransition, nil)
		}
		if err := m.sealPathRow(ctx, sc, session, nil, false, false); err != nil {
			return nil, err
		}
	}

	return m.completePath(ctx, sc, session, cfg)
}

// handleStepFailure 失败步骤：三振出局或进入恢复-重生成流程
func (m *Manager) handleStepFailure(ctx context.Context, sc *sessionContext, session *entity.Session, cfg *SessionConfig, report *StepReport) (*NextDirective, error) {
	errMsg := str.Truncate(report.Error, lastErrorLimit)
	failures := session.ConsecutiveFailures + 1
	now := m.clock.Now()

	if report.Fatal {
		applied, err := m.transition(ctx, session, constant.SessionStatusFailed, "fatal step failure", &model.UpdateSessionCondition{
			ConsecutiveFailures: &failures,
			LastError:           &errMsg,
			CompletedAt:         &now,
		})
		if err != nil {
			return nil, err
		}
		if applied {
			m.events.Error(ctx, session.ID, "step", errMsg, true)
			m.dropContext(session.ID)
		}
		return &NextDirective{Action: DirectiveAbort, Reason: "fatal step failure"}, nil
	}

	if failures >= cfg.MaxRetries {
		applied, err := m.transition(ctx, session, constant.SessionStatusFailed, "step failure limit reached", &model.UpdateSessionCondition{
			ConsecutiveFailures: &failures,
			LastError:           &errMsg,
			CompletedAt:         &now,
		})
		if err != nil {
			return nil, err
		}
		if applied {
			m.events.Error(ctx, session.ID, "step",
				fmt.Sprintf("%d consecutive failures reached max_retries %d: %s", failures, cfg.MaxRetries, errMsg), true)
			m.dropContext(session.ID)
		}
		return &NextDirective{Action: DirectiveAbort, Reason: "step failure limit reached"}, nil
	}

	applied, err := m.transition(ctx, session, constant.SessionStatusRecovering, "step failed", &model.UpdateSessionCondition{
		ConsecutiveFailures: &failures,
		LastError:           &errMsg,
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, model.NewError(model.ErrorStaleTransition, nil)
	}
	m.events.Error(ctx, session.ID, "step", errMsg, false)

	applied, err = m.transition(ctx, session, constant.SessionStatusRegenerating, "recovery requests fresh plan", nil)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, model.NewError(model.ErrorStaleTransition, nil)
	}

	if sc.snapshot == nil {
		// 重启后快照丢失，让 agent 先补抓 DOM
		return &NextDirective{Action: DirectiveReExtract, PathNumber: session.CurrentPathNumber}, nil
	}
	return m.generateAndStart(ctx, sc, session, cfg, constant.GenerationModeRegeneration)
}

// ========== 步骤生成与路径推进 ==========

// generateAndStart 预算闸门、生成（失败重试一次）、计划落库、进入 executing。
// initial 模式为当前路径新建 path_result，regeneration 模式更新既有行。
func (m *Manager) generateAndStart(ctx context.Context, sc *sessionContext, session *entity.Session, cfg *SessionConfig, mode GenerationMode) (*NextDirective, error) {
	if err := m.budget.CheckBudget(ctx, session); err != nil {
		if budgetErr, ok := err.(*model.Error); ok && budgetErr.Code == model.ErrorBudgetExceeded {
			if _, ferr := m.fail(ctx, session, "budget", budgetErr.Message); ferr != nil {
				return nil, ferr
			}
			m.dropContext(session.ID)
			return &NextDirective{Action: DirectiveAbort, Reason: "ai budget exceeded"}, nil
		}
		return nil, err
	}

	pathContext := &PathContext{
		SessionID:        session.ID,
		FormRouteID:      session.FormRouteID,
		PathNumber:       session.CurrentPathNumber,
		PlannedDecisions: sc.decisions,
		TestCases:        cfg.TestCases,
	}
	if mode == constant.GenerationModeRegeneration {
		pathContext.ResumeFromStep = session.CurrentStepIndex
		pathContext.FailedStep = session.CurrentStepIndex
		pathContext.FailureReason = session.LastError
		pathContext.ExecutedSteps = sc.executed
	}
	req := &GenerateRequest{
		Snapshot: sc.snapshot,
		Context:  pathContext,
		Mode:     mode,
		Config:   cfg,
	}

	plan, err := m.generator.Generate(ctx, req)
	if err != nil {
		// 协作方失败可恢复一次，重复即致命
		m.events.Error(ctx, session.ID, "generator", err.Error(), false)
		log.Warnf("Step generation failed for session %s, retrying once: %v", session.ID, err)
		plan, err = m.generator.Generate(ctx, req)
	}
	if err != nil {
		if _, ferr := m.fail(ctx, session, "generator", err.Error()); ferr != nil {
			return nil, ferr
		}
		m.dropContext(session.ID)
		return &NextDirective{Action: DirectiveAbort, Reason: "step generation failed"}, nil
	}
	if err := m.budget.Record(ctx, session, plan.Usage, mode, session.CurrentPathNumber); err != nil {
		log.Errorf("Failed to record ai usage for session %s: %v", session.ID, err)
	}

	for _, junction := range plan.Junctions {
		if sc.explorer.RecordJunction(junction.Field, junction.Selector, junction.Values) {
			m.events.JunctionFound(ctx, session.ID, &JunctionFoundPayload{
				PathNumber: session.CurrentPathNumber,
				Field:      junction.Field,
				Selector:   junction.Selector,
				Values:     junction.Values,
			})
		}
	}

	fullSteps := plan.Steps
	if mode == constant.GenerationModeRegeneration {
		fullSteps = append(append([]FormStep{}, sc.executed...), plan.Steps...)
	} else {
		sc.executed = nil
		sc.agentIssues = nil
	}
	sc.plan = plan.Steps

	if err := m.persistPlan(ctx, sc, session, plan, fullSteps, mode); err != nil {
		return nil, err
	}

	firstStep := plan.Steps[0].StepNumber
	totalSteps := len(fullSteps)
	applied, err := m.transition(ctx, session, constant.SessionStatusExecuting, "plan accepted", &model.UpdateSessionCondition{
		CurrentStepIndex: &firstStep,
		TotalSteps:       &totalSteps,
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, model.NewError(model.ErrorStaleTransition, nil)
	}

	return &NextDirective{
		Action:     DirectiveExecutePlan,
		Steps:      plan.Steps,
		PathNumber: session.CurrentPathNumber,
		ResumeFrom: firstStep,
	}, nil
}

// persistPlan 计划落库：initial 新建路径行，regeneration 合并更新既有行
func (m *Manager) persistPlan(ctx context.Context, sc *sessionContext, session *entity.Session, plan *GeneratedPlan, fullSteps []FormStep, mode GenerationMode) error {
	existing, err := m.store.GetPathResult(ctx, session.ID, session.CurrentPathNumber)
	if err != nil {
		return err
	}

	if existing == nil {
		row := &entity.PathResult{
			ID:                uuid.New().String(),
			SessionID:         session.ID,
			FormRouteID:       session.FormRouteID,
			PathNumber:        session.CurrentPathNumber,
			JunctionsJSON:     mustMarshalJSON(sc.decisions),
			StepsJSON:         mustMarshalJSON(fullSteps),
			FormFieldsJSON:    mustMarshalJSON(plan.FormFields),
			RelationshipsJSON: mustMarshalJSON(plan.Relationships),
		}
		return m.store.CreatePathResult(ctx, row)
	}

	fields := plan.FormFields
	relationships := plan.Relationships
	if mode == constant.GenerationModeRegeneration {
		if prior, err := unmarshalFormFields(existing.FormFieldsJSON); err == nil {
			fields = mergeFormFields(prior, plan.FormFields)
		}
		if prior, err := unmarshalRelationships(existing.RelationshipsJSON); err == nil {
			relationships = mergeRelationships(prior, plan.Relationships)
		}
	}
	stepsJSON := mustMarshalJSON(fullSteps)
	fieldsJSON := mustMarshalJSON(fields)
	relationshipsJSON := mustMarshalJSON(relationships)
	return m.store.UpdatePathResult(ctx, existing.ID, &model.UpdatePathResultCondition{
		StepsJSON:         &stepsJSON,
		FormFieldsJSON:    &fieldsJSON,
		RelationshipsJSON: &relationshipsJSON,
	})
}

// runVerification 执行路径校验并落库结论，随后进入 completing。
// 校验是非阻塞的：issues 只记录，不会使会话失败；
// 协作方失败重试一次，仍失败则按未校验收尾（verified=false）。
func (m *Manager) runVerification(ctx context.Context, sc *sessionContext, session *entity.Session) error {
	row, err := m.store.GetPathResult(ctx, session.ID, session.CurrentPathNumber)
	if err != nil {
		return err
	}
	if row == nil {
		return model.NewError(model.ErrorPathResultNotFound, nil)
	}
	fields, err := unmarshalFormFields(row.FormFieldsJSON)
	if err != nil {
		fields = nil
	}

	input := &VerifyInput{
		Snapshot:    sc.snapshot,
		Steps:       sc.executed,
		FormFields:  fields,
		Decisions:   sc.decisions,
		AgentIssues: sc.agentIssues,
	}
	ok, issues, verr := m.verifier.Verify(ctx, input)
	if verr != nil {
		m.events.Error(ctx, session.ID, "verifier", verr.Error(), false)
		log.Warnf("Verification failed for session %s, retrying once: %v", session.ID, verr)
		ok, issues, verr = m.verifier.Verify(ctx, input)
	}
	if verr != nil {
		// 校验本身不阻塞会话：重复失败按未校验处理
		m.events.Error(ctx, session.ID, "verifier", verr.Error(), false)
		ok = false
		issues = append(issues, fmt.Sprintf("verification collaborator failed twice: %s", verr.Error()))
	}

	for _, issue := range issues {
		m.events.UIIssue(ctx, session.ID, session.CurrentPathNumber, issue)
	}
	if err := m.sealPathRow(ctx, sc, session, issues, ok, true); err != nil {
		return err
	}

	applied, err := m.transition(ctx, session, constant.SessionStatusCompleting, "verification concluded", nil)
	if err != nil {
		return err
	}
	if !applied {
		return model.NewError(model.ErrorStaleTransition, nil)
	}
	return nil
}

// sealPathRow 路径收尾落库：实际走过的分支决策、agent 观察与校验结论。
// verified_at 只在校验确实执行过时写入，跳过校验的路径该列保持空。
func (m *Manager) sealPathRow(ctx context.Context, sc *sessionContext, session *entity.Session, verificationIssues []string, verified, verificationRan bool) error {
	row, err := m.store.GetPathResult(ctx, session.ID, session.CurrentPathNumber)
	if err != nil {
		return err
	}
	if row == nil {
		return model.NewError(model.ErrorPathResultNotFound, nil)
	}

	actual := collectDecisions(sc)
	sc.explorer.RecordPath(actual)

	junctionsJSON := mustMarshalJSON(actual)
	uiIssuesJSON := mustMarshalJSON(sc.agentIssues)
	verificationJSON := mustMarshalJSON(verificationIssues)
	condition := &model.UpdatePathResultCondition{
		JunctionsJSON:          &junctionsJSON,
		UIIssuesJSON:           &uiIssuesJSON,
		Verified:               &verified,
		VerificationErrorsJSON: &verificationJSON,
	}
	if verificationRan {
		now := m.clock.Now()
		condition.VerifiedAt = &now
	}
	return m.store.UpdatePathResult(ctx, row.ID, condition)
}

// completePath 路径收尾决策：还有未探索分支且未达上限则开下一条路径，否则会话完成
func (m *Manager) completePath(ctx context.Context, sc *sessionContext, session *entity.Session, cfg *SessionConfig) (*NextDirective, error) {
	explore := cfg.EnableJunctionDiscovery && session.CurrentPathNumber < cfg.MaxJunctionPaths
	if explore {
		if decisions, ok := sc.explorer.NextCombination(); ok {
			return m.startNextPath(ctx, sc, session, cfg, decisions)
		}
	}

	trigger := "all junction paths explored"
	if !cfg.EnableJunctionDiscovery {
		trigger = "junction discovery disabled"
	} else if session.CurrentPathNumber >= cfg.MaxJunctionPaths && sc.explorer.HasUnexplored() {
		trigger = "max junction paths reached"
	}

	now := m.clock.Now()
	totalPaths := session.CurrentPathNumber
	applied, err := m.transition(ctx, session, constant.SessionStatusCompleted, trigger, &model.UpdateSessionCondition{
		TotalPaths:  &totalPaths,
		CompletedAt: &now,
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, model.NewError(model.ErrorStaleTransition, nil)
	}
	m.dropContext(session.ID)
	log.Infof("Session %s completed with %d path(s)", session.ID, totalPaths)
	return &NextDirective{Action: DirectiveDone, Reason: trigger}, nil
}

// startNextPath 进入下一条分支路径：路径号推进、进度清零、按计划决策生成
func (m *Manager) startNextPath(ctx context.Context, sc *sessionContext, session *entity.Session, cfg *SessionConfig, decisions []JunctionDecision) (*NextDirective, error) {
	nextNumber := session.CurrentPathNumber + 1
	zero := 0
	applied, err := m.transition(ctx, session, constant.SessionStatusGeneratingSteps, "next junction path", &model.UpdateSessionCondition{
		CurrentPathNumber:   &nextNumber,
		TotalPaths:          &nextNumber,
		CurrentStepIndex:    &zero,
		TotalSteps:          &zero,
		StepsExecuted:       &zero,
		ConsecutiveFailures: &zero,
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, model.NewError(model.ErrorStaleTransition, nil)
	}

	sc.decisions = decisions
	sc.plan = nil
	sc.executed = nil
	sc.agentIssues = nil

	if sc.snapshot == nil {
		return &NextDirective{Action: DirectiveReExtract, PathNumber: nextNumber}, nil
	}
	return m.generateAndStart(ctx, sc, session, cfg, constant.GenerationModeInitial)
}

// ========== agent 上报：校验观察 ==========

// SubmitVerification agent 提交对当前路径的 UI 校验观察。
// 观察只累积并记录事件，不触发状态迁移，也不会使会话失败。
func (m *Manager) SubmitVerification(ctx context.Context, sessionID, agentID string, report *VerificationReport) error {
	if report == nil || len(report.Issues) == 0 && report.Passed {
		// 通过且无观察，无需记录
		return nil
	}
	session, err := m.loadOwnedSession(ctx, sessionID, agentID)
	if err != nil {
		return err
	}
	if constant.SessionStatus(session.Status).IsTerminal() {
		return model.NewError(model.ErrorSessionTerminal, nil)
	}
	if report.PathNumber != 0 && report.PathNumber != session.CurrentPathNumber {
		return model.NewErrorWithMessage(model.ErrorStaleReport,
			fmt.Sprintf("verification for path %d rejected, current path is %d", report.PathNumber, session.CurrentPathNumber))
	}

	sc := m.getContext(sessionID)
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if err := m.ensureLoaded(ctx, sc, session); err != nil {
		return err
	}

	sc.agentIssues = append(sc.agentIssues, report.Issues...)
	for _, issue := range report.Issues {
		m.events.UIIssue(ctx, session.ID, session.CurrentPathNumber, issue)
	}

	row, err := m.store.GetPathResult(ctx, session.ID, session.CurrentPathNumber)
	if err != nil || row == nil {
		return err
	}
	uiIssuesJSON := mustMarshalJSON(sc.agentIssues)
	return m.store.UpdatePathResult(ctx, row.ID, &model.UpdatePathResultCondition{
		UIIssuesJSON: &uiIssuesJSON,
	})
}

// ========== 取消 ==========

// Cancel 外部取消：任意非终态立即迁入 cancelled，幂等。
// agent 侧工作通过下一次上报的 abort 指令与 cancel_session 信号任务尽力中止。
func (m *Manager) Cancel(ctx context.Context, sessionID string) (*entity.Session, error) {
	session, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < cancelRetryLimit; attempt++ {
		status := constant.SessionStatus(session.Status)
		if status == constant.SessionStatusCancelled {
			return session, nil
		}
		if status.IsTerminal() {
			// completed/failed 不被取消覆盖
			return session, nil
		}

		now := m.clock.Now()
		applied, err := m.transition(ctx, session, constant.SessionStatusCancelled, "external cancellation", &model.UpdateSessionCondition{
			CompletedAt: &now,
		})
		if err != nil {
			return nil, err
		}
		if applied {
			m.signalCancel(ctx, session)
			m.dropContext(session.ID)
			return session, nil
		}

		session, err = m.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
	}
	return nil, model.NewErrorWithMessage(model.ErrorStaleTransition, "cancel lost the status race, retry")
}

// signalCancel 取消的尽力而为部分：给持有 agent 一个中止信号任务，
// 并收掉该会话仍在排队的任务。失败只记日志，取消本身已经落库。
func (m *Manager) signalCancel(ctx context.Context, session *entity.Session) {
	if session.AgentID != "" {
		_, err := m.queue.Enqueue(ctx, &EnqueueInput{
			CompanyID: session.CompanyID,
			UserID:    session.UserID,
			SessionID: session.ID,
			TaskType:  constant.TaskTypeCancelSession,
			Params: &TaskParams{CancelSession: &CancelSessionParams{
				SessionID: session.ID,
				Reason:    "cancelled by user",
			}},
		})
		if err != nil {
			log.Errorf("Failed to enqueue cancel signal for session %s: %v", session.ID, err)
		}
	}

	pending, err := m.store.ListPendingTasks(ctx, session.CompanyID, pendingCleanupBatch)
	if err != nil {
		log.Errorf("Failed to list pending tasks while cancelling session %s: %v", session.ID, err)
		return
	}
	for _, task := range pending {
		if task.SessionID != session.ID || constant.TaskType(task.TaskType) == constant.TaskTypeCancelSession {
			continue
		}
		if err := m.queue.Finalize(ctx, task, constant.TaskStatusFailed, "session cancelled"); err != nil {
			log.Errorf("Failed to finalize task %s of cancelled session %s: %v", task.ID, session.ID, err)
		}
	}
}

// ========== 后台扫描 ==========

// RequeueLapsedWork 活性扫描：超过心跳阈值的 agent 标记离线；
// 超过宽限期仍未恢复的 agent，其 running 任务退回队列，
// executing 中的会话先行进入恢复，认领方观察到的总是恢复后的状态。
func (m *Manager) RequeueLapsedWork(ctx context.Context) {
	if _, err := m.registry.MarkLapsed(ctx); err != nil {
		log.Errorf("Failed to mark lapsed agents offline: %v", err)
	}

	agentIDs, err := m.registry.LapsedBeyondGrace(ctx)
	if err != nil {
		log.Errorf("Failed to list agents beyond liveness grace: %v", err)
		return
	}
	if len(agentIDs) == 0 {
		return
	}

	tasks, err := m.store.ListRunningTasksByAgents(ctx, agentIDs)
	if err != nil {
		log.Errorf("Failed to list running tasks of lapsed agents: %v", err)
		return
	}
	for _, task := range tasks {
		m.requeueLapsedTask(ctx, task)
	}
}

func (m *Manager) requeueLapsedTask(ctx context.Context, task *entity.Task) {
	if constant.TaskType(task.TaskType) == constant.TaskTypeCancelSession {
		// 取消信号随 agent 一起消失即可，无需重派
		if err := m.queue.Finalize(ctx, task, constant.TaskStatusFailed, "agent lapsed before abort signal delivery"); err != nil {
			log.Errorf("Failed to finalize cancel signal task %s: %v", task.ID, err)
		}
		return
	}

	session, err := m.store.GetSession(ctx, task.SessionID)
	if err != nil {
		log.Errorf("Failed to load session %s for lapsed task %s: %v", task.SessionID, task.ID, err)
		return
	}
	if session == nil {
		_ = m.queue.Finalize(ctx, task, constant.TaskStatusFailed, "session no longer exists")
		return
	}
	status := constant.SessionStatus(session.Status)
	if status.IsTerminal() {
		_ = m.queue.Finalize(ctx, task, constant.TaskStatusCompleted, fmt.Sprintf("session already %s", status))
		return
	}

	if session.AgentID == task.AgentID {
		if status == constant.SessionStatusExecuting {
			applied, err := m.transition(ctx, session, constant.SessionStatusRecovering, "agent liveness lapse", nil)
			if err != nil || !applied {
				log.Warnf("Session %s not moved to recovering after agent %s lapse: applied=%v err=%v", session.ID, task.AgentID, applied, err)
			} else {
				m.events.Error(ctx, session.ID, "liveness",
					fmt.Sprintf("agent %s heartbeat lapsed beyond grace", task.AgentID), false)
			}
		} else {
			// 非 executing 阶段只解除归属，重新认领时同状态重指派
			empty := ""
			if _, err := m.store.UpdateSessionGuarded(ctx, session.ID, session.Status, &model.UpdateSessionCondition{AgentID: &empty}); err != nil {
				log.Errorf("Failed to release agent binding of session %s: %v", session.ID, err)
			}
		}
	}

	if _, err := m.queue.Requeue(ctx, task); err != nil {
		log.Errorf("Failed to requeue task %s after agent %s lapse: %v", task.ID, task.AgentID, err)
	}
}

// SweepTimeouts 超时扫描：超过整体超时的会话强制失败。
// verifying_ui/completing 是处理器内的瞬态，不能直达 failed，留给下一轮。
func (m *Manager) SweepTimeouts(ctx context.Context) {
	now := m.clock.Now()
	cutoff := now.Add(-time.Minute)
	sessions, _, err := m.store.QuerySessions(ctx, &model.SessionQueryCondition{
		Statuses:      nonTerminalStatuses(),
		CreatedBefore: &cutoff,
	})
	if err != nil {
		log.Errorf("Failed to query sessions for timeout sweep: %v", err)
		return
	}

	for _, session := range sessions {
		cfg, err := ParseSessionConfig(session.ConfigJSON)
		if err != nil {
			cfg = DefaultSessionConfig()
		}
		deadline := session.CreatedAt.Add(time.Duration(cfg.SessionTimeoutMinutes) * time.Minute)
		if now.Before(deadline) {
			continue
		}
		if !constant.SessionStatus(session.Status).CanTransitionTo(constant.SessionStatusFailed) {
			continue
		}
		applied, err := m.fail(ctx, session, "timeout",
			fmt.Sprintf("session exceeded %d minute timeout", cfg.SessionTimeoutMinutes))
		if err != nil {
			log.Errorf("Failed to fail timed out session %s: %v", session.ID, err)
			continue
		}
		if applied {
			m.dropContext(session.ID)
			log.Warnf("Session %s forced to failed after %d minute timeout", session.ID, cfg.SessionTimeoutMinutes)
		}
	}
}

// ========== 内部辅助 ==========

// transition CAS 迁移会话状态并在成功后记录 state_change 事件。
// 返回 false 表示前置状态已不匹配（并发取消、超时强制失败等），调用方按过期事件处理。
func (m *Manager) transition(ctx context.Context, session *entity.Session, to SessionStatus, trigger string, condition *model.UpdateSessionCondition) (bool, error) {
	from := constant.SessionStatus(session.Status)
	if !from.CanTransitionTo(to) {
		return false, model.NewErrorWithMessage(model.ErrorStaleTransition,
			fmt.Sprintf("transition %s -> %s is not allowed", from, to))
	}
	if condition == nil {
		condition = &model.UpdateSessionCondition{}
	}
	toStr := to.String()
	condition.Status = &toStr

	applied, err := m.store.UpdateSessionGuarded(ctx, session.ID, from.String(), condition)
	if err != nil {
		return false, err
	}
	if !applied {
		log.Warnf("Rejected stale transition for session %s: %s -> %s (%s)", session.ID, from, to, trigger)
		return false, nil
	}

	applySessionUpdate(session, condition, m.clock.Now())
	m.events.StateChange(ctx, session.ID, from, to, trigger)
	log.Infof("Session %s: %s -> %s (%s)", session.ID, from, to, trigger)
	return true, nil
}

// fail 将会话迁入 failed 终态并记录致命 error 事件
func (m *Manager) fail(ctx context.Context, session *entity.Session, stage, message string) (bool, error) {
	now := m.clock.Now()
	msg := str.Truncate(message, lastErrorLimit)
	applied, err := m.transition(ctx, session, constant.SessionStatusFailed, stage, &model.UpdateSessionCondition{
		LastError:   &msg,
		CompletedAt: &now,
	})
	if err != nil || !applied {
		return applied, err
	}
	m.events.Error(ctx, session.ID, stage, msg, true)
	return true, nil
}

// loadOwnedSession 加载会话并校验上报归属：agent 不再持有会话时按过期上报拒绝
func (m *Manager) loadOwnedSession(ctx context.Context, sessionID, agentID string) (*entity.Session, error) {
	if sessionID == "" || agentID == "" {
		return nil, model.NewError(model.ErrorParams, nil)
	}
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, model.NewError(model.ErrorSessionNotFound, nil)
	}
	if session.AgentID != agentID {
		return nil, model.NewError(model.ErrorStaleReport, nil)
	}
	return session, nil
}

// terminalDirective 终态会话对 agent 上报的统一响应：停止当前工作
func (m *Manager) terminalDirective(session *entity.Session) *NextDirective {
	status := constant.SessionStatus(session.Status)
	if !status.IsTerminal() {
		return nil
	}
	if status == constant.SessionStatusCompleted {
		return &NextDirective{Action: DirectiveDone, Reason: "session completed"}
	}
	return &NextDirective{Action: DirectiveAbort, Reason: fmt.Sprintf("session %s", status)}
}

func (m *Manager) getContext(sessionID string) *sessionContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.contexts[sessionID]
	if !ok {
		sc = &sessionContext{explorer: NewPathExplorer()}
		m.contexts[sessionID] = sc
	}
	return sc
}

func (m *Manager) dropContext(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.contexts, sessionID)
}

// ensureLoaded 重启后首次触达时重建会话的内存上下文：
// 分支点按 junction_found 事件的追加顺序重放，已物化路径按 path_number
// 升序重放，保证探索顺序与首次发现顺序一致。DOM 快照不重建。
func (m *Manager) ensureLoaded(ctx context.Context, sc *sessionContext, session *entity.Session) error {
	if sc.loaded {
		return nil
	}

	junctionType := constant.EventTypeJunctionFound.String()
	events, _, err := m.store.QueryEvents(ctx, &model.EventLogQueryCondition{
		SessionID: &session.ID,
		EventType: &junctionType,
		Order:     &model.Order{OrderAsc: true, OrderBy: entity.EventLogFieldCreatedAt},
	})
	if err != nil {
		return fmt.Errorf("failed to load junction events: %w", err)
	}
	for _, event := range events {
		payload := &EventPayload{}
		if err := json.Unmarshal([]byte(event.PayloadJSON), payload); err != nil || payload.JunctionFound == nil {
			continue
		}
		sc.explorer.RecordJunction(payload.JunctionFound.Field, payload.JunctionFound.Selector, payload.JunctionFound.Values)
	}

	rows, _, err := m.store.QueryPathResults(ctx, &model.PathResultQueryCondition{
		SessionID: &session.ID,
		Order:     &model.Order{OrderAsc: true, OrderBy: entity.PathResultFieldPathNumber},
	})
	if err != nil {
		return fmt.Errorf("failed to load path results: %w", err)
	}
	for _, row := range rows {
		decisions, err := unmarshalJunctions(row.JunctionsJSON)
		if err != nil {
			log.Warnf("Skipping malformed junctions of path %d in session %s: %v", row.PathNumber, session.ID, err)
			continue
		}
		if row.PathNumber != session.CurrentPathNumber {
			sc.explorer.RecordPath(decisions)
			continue
		}

		// 当前路径：恢复活动计划与执行游标
		sc.decisions = decisions
		steps, err := unmarshalSteps(row.StepsJSON)
		if err != nil {
			log.Warnf("Skipping malformed steps of path %d in session %s: %v", row.PathNumber, session.ID, err)
			continue
		}
		sc.plan = steps
		sc.executed = nil
		for _, step := range steps {
			if step.StepNumber < session.CurrentStepIndex {
				sc.executed = append(sc.executed, step)
			}
		}
		if row.UIIssuesJSON != "" {
			var issues []string
			if err := json.Unmarshal([]byte(row.UIIssuesJSON), &issues); err == nil {
				sc.agentIssues = issues
			}
		}
	}

	sc.loaded = true
	return nil
}

// mergeSnapshot 全量模式整体替换，增量模式按 selector 合并字段
func (m *Manager) mergeSnapshot(sc *sessionContext, snapshot *FormSnapshot, replace bool) {
	if replace || sc.snapshot == nil {
		merged := *snapshot
		merged.Fields = append([]SnapshotField{}, snapshot.Fields...)
		sc.snapshot = &merged
		return
	}
	index := make(map[string]int, len(sc.snapshot.Fields))
	for i, field := range sc.snapshot.Fields {
		index[field.Selector] = i
	}
	for _, field := range snapshot.Fields {
		if i, ok := index[field.Selector]; ok {
			sc.snapshot.Fields[i] = field
		} else {
			sc.snapshot.Fields = append(sc.snapshot.Fields, field)
		}
	}
	if !snapshot.CapturedAt.IsZero() {
		sc.snapshot.CapturedAt = snapshot.CapturedAt
	}
}

// recordFieldJunctions 从字段清单登记分支点：多于一个可选值的字段。
// 字段按发现顺序、取值按声明顺序登记，保证探索顺序确定；
// 只有首次发现的分支点产生 junction_found 事件。
func (m *Manager) recordFieldJunctions(ctx context.Context, sc *sessionContext, session *entity.Session, fields []SnapshotField) {
	for _, field := range fields {
		if len(field.Options) < 2 {
			continue
		}
		values := make([]string, 0, len(field.Options))
		for _, option := range field.Options {
			values = append(values, option.Value)
		}
		if sc.explorer.RecordJunction(field.Name, field.Selector, values) {
			m.events.JunctionFound(ctx, session.ID, &JunctionFoundPayload{
				PathNumber: session.CurrentPathNumber,
				Field:      field.Name,
				Selector:   field.Selector,
				Values:     values,
			})
		}
	}
}

func nonTerminalStatuses() []string {
	return []string{
		constant.SessionStatusPending.String(),
		constant.SessionStatusInitializing.String(),
		constant.SessionStatusExtractingDOM.String(),
		constant.SessionStatusGeneratingSteps.String(),
		constant.SessionStatusExecuting.String(),
		constant.SessionStatusRecovering.String(),
		constant.SessionStatusRegenerating.String(),
		constant.SessionStatusVerifyingUI.String(),
		constant.SessionStatusCompleting.String(),
	}
}

// collectDecisions 当前路径实际走过的分支决策：
// 计划内决策优先，否则从已执行的 is_junction 步骤推导（路径 1 的默认分支）
func collectDecisions(sc *sessionContext) []JunctionDecision {
	if len(sc.decisions) > 0 {
		return sc.decisions
	}
	var decisions []JunctionDecision
	for _, step := range sc.executed {
		if !step.IsJunction {
			continue
		}
		decisions = append(decisions, JunctionDecision{
			Field:    fieldNameBySelector(sc.snapshot, step.Selector),
			Value:    step.Value,
			Selector: step.Selector,
		})
	}
	return decisions
}

func fieldNameBySelector(snapshot *FormSnapshot, selector string) string {
	if snapshot == nil {
		return selector
	}
	for _, field := range snapshot.Fields {
		if field.Selector == selector {
			return field.Name
		}
	}
	return selector
}

func findStep(steps []FormStep, stepNumber int) (FormStep, bool) {
	for _, step := range steps {
		if step.StepNumber == stepNumber {
			return step, true
		}
	}
	return FormStep{}, false
}

func unmarshalFormFields(raw string) ([]FormField, error) {
	if raw == "" {
		return nil, nil
	}
	var fields []FormField
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("failed to parse form fields: %w", err)
	}
	return fields, nil
}

func unmarshalRelationships(raw string) ([]FieldRelationship, error) {
	if raw == "" {
		return nil, nil
	}
	var relationships []FieldRelationship
	if err := json.Unmarshal([]byte(raw), &relationships); err != nil {
		return nil, fmt.Errorf("failed to parse relationships: %w", err)
	}
	return relationships, nil
}

func mergeFormFields(existing, extra []FormField) []FormField {
	seen := make(map[string]bool, len(existing))
	merged := append([]FormField{}, existing...)
	for _, field := range existing {
		seen[field.Selector] = true
	}
	for _, field := range extra {
		if !seen[field.Selector] {
			seen[field.Selector] = true
			merged = append(merged, field)
		}
	}
	return merged
}

func mergeRelationships(existing, extra []FieldRelationship) []FieldRelationship {
	key := func(r FieldRelationship) string {
		return r.ParentField + "\x1f" + r.ChildField + "\x1f" + r.Condition
	}
	seen := make(map[string]bool, len(existing))
	merged := append([]FieldRelationship{}, existing...)
	for _, relationship := range existing {
		seen[key(relationship)] = true
	}
	for _, relationship := range extra {
		if !seen[key(relationship)] {
			seen[key(relationship)] = true
			merged = append(merged, relationship)
		}
	}
	return merged
}
