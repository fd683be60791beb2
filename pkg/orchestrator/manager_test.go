package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"form_mapper/constant"
	"form_mapper/entity"
	"form_mapper/model"
	"form_mapper/pkg/timeutil"
)

// ========== 测试脚手架 ==========

// scriptedGenerator 确定性生成器：按快照字段产出"逐项填写+提交"的计划。
// regeneration 模式从 resume_from_step 起切片，并记录每一次请求供断言。
type scriptedGenerator struct {
	mu       sync.Mutex
	requests []*GenerateRequest
	failures int // 前 N 次调用直接报错
}

func (g *scriptedGenerator) Generate(_ context.Context, req *GenerateRequest) (*GeneratedPlan, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.failures > 0 {
		g.failures--
		return nil, fmt.Errorf("plan collaborator unavailable")
	}

	planned := make(map[string]JunctionDecision, len(req.Context.PlannedDecisions))
	for _, decision := range req.Context.PlannedDecisions {
		planned[decision.Field] = decision
	}

	var steps []FormStep
	fields := make([]FormField, 0, len(req.Snapshot.Fields))
	number := 1
	for _, field := range req.Snapshot.Fields {
		step := FormStep{
			StepNumber:  number,
			TestCase:    constant.TestCaseKindPositive.String(),
			Action:      constant.StepActionFill.String(),
			Selector:    field.Selector,
			Value:       "sample " + field.Name,
			Description: "填写 " + field.Name,
		}
		if len(field.Options) >= 2 {
			step.Action = constant.StepActionSelect.String()
			step.IsJunction = true
			step.Value = field.Options[0].Value
			if decision, ok := planned[field.Name]; ok {
				step.Value = decision.Value
			}
		}
		steps = append(steps, step)
		fields = append(fields, FormField{
			Name:       field.Name,
			Selector:   field.Selector,
			Type:       field.Type,
			Required:   field.Required,
			IsJunction: step.IsJunction,
		})
		number++
	}
	steps = append(steps, FormStep{
		StepNumber:  number,
		TestCase:    constant.TestCaseKindPositive.String(),
		Action:      constant.StepActionSubmit.String(),
		Selector:    "#submit",
		Description: "提交表单",
	})

	if req.Mode == constant.GenerationModeRegeneration {
		resume := req.Context.ResumeFromStep
		if resume < 1 || resume > len(steps) {
			return nil, fmt.Errorf("resume_from_step %d beyond plan of %d steps", resume, len(steps))
		}
		steps = steps[resume-1:]
	}

	return &GeneratedPlan{
		Steps:      steps,
		FormFields: fields,
		Usage:      &Usage{PromptTokens: 120, CompletionTokens: 80, TotalTokens: 200},
	}, nil
}

func (g *scriptedGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func (g *scriptedGenerator) request(i int) *GenerateRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[i]
}

// scriptedVerifier 可脚本化的校验器，记录每次输入
type scriptedVerifier struct {
	mu       sync.Mutex
	ok       bool
	issues   []string
	failures int // 前 N 次调用直接报错
	inputs   []*VerifyInput
}

func (v *scriptedVerifier) Verify(_ context.Context, input *VerifyInput) (bool, []string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.inputs = append(v.inputs, input)
	if v.failures > 0 {
		v.failures--
		return false, nil, fmt.Errorf("verifier collaborator unavailable")
	}
	return v.ok, append([]string{}, v.issues...), nil
}

func (v *scriptedVerifier) calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.inputs)
}

// testWorld 一套全内存的编排依赖，时钟手动推进
type testWorld struct {
	clock     *timeutil.ManualClock
	store     *MemoryStore
	events    *EventRecorder
	registry  *Registry
	queue     *Queue
	generator *scriptedGenerator
	verifier  *scriptedVerifier
	budget    *BudgetTracker
	manager   *Manager
}

func newTestWorld(ceiling *BudgetCeiling) *testWorld {
	clock := timeutil.NewManualClock(time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clock)
	events := NewEventRecorder(store)
	registry := NewRegistry(store, clock, 30*time.Second, 15*time.Second)
	queue := NewQueue(store, registry, events, nil)
	generator := &scriptedGenerator{}
	verifier := &scriptedVerifier{ok: true}
	budget := NewBudgetTracker(store, events, &StaticCeilingProvider{Ceiling: ceiling}, &BudgetTrackerConfig{
		Model:                "gpt-4o-mini",
		PromptPricePer1K:     0.001,
		CompletionPricePer1K: 0.002,
		ReserveTokens:        500,
	})
	world := &testWorld{
		clock:     clock,
		store:     store,
		events:    events,
		registry:  registry,
		queue:     queue,
		generator: generator,
		verifier:  verifier,
		budget:    budget,
	}
	world.manager = NewManager(store, events, queue, registry, generator, verifier, budget, clock)
	return world
}

func (w *testWorld) heartbeat(t *testing.T, agentID string) {
	t.Helper()
	_, err := w.registry.Heartbeat(context.Background(), &HeartbeatInput{
		AgentID:   agentID,
		CompanyID: "acme",
		UserID:    "user-1",
		Hostname:  "runner-01",
		Platform:  "linux",
		Version:   "0.9.3",
	})
	require.NoError(t, err)
}

func (w *testWorld) createSession(t *testing.T, config *SessionConfig) *entity.Session {
	t.Helper()
	session, err := w.manager.CreateSession(context.Background(), &CreateSessionInput{
		CompanyID:   "acme",
		UserID:      "user-1",
		FormRouteID: "route-checkout",
		Config:      config,
	})
	require.NoError(t, err)
	return session
}

// claimNext 认领队列中的下一个任务并完成会话侧的认领处理
func (w *testWorld) claimNext(t *testing.T, agentID string) (*entity.Task, *ClaimDecision) {
	t.Helper()
	ctx := context.Background()
	task, err := w.queue.Claim(ctx, agentID, 0)
	require.NoError(t, err)
	require.NotNil(t, task)
	decision, err := w.manager.OnTaskClaimed(ctx, task, agentID)
	require.NoError(t, err)
	return task, decision
}

// startExecuting 走完 心跳→认领→初始化确认→DOM 提交，返回主任务与首个执行计划指令
func (w *testWorld) startExecuting(t *testing.T, agentID string, session *entity.Session, snapshot *FormSnapshot) (*entity.Task, *NextDirective) {
	t.Helper()
	ctx := context.Background()
	w.heartbeat(t, agentID)
	task, decision := w.claimNext(t, agentID)
	require.True(t, decision.Accept)
	require.Equal(t, DirectiveInitialize, decision.Directive.Action)

	ack, err := w.manager.AcknowledgeSession(ctx, session.ID, agentID)
	require.NoError(t, err)
	require.Equal(t, DirectiveContinue, ack.Action)

	directive, err := w.manager.SubmitDOM(ctx, session.ID, agentID, snapshot)
	require.NoError(t, err)
	require.Equal(t, DirectiveExecutePlan, directive.Action)
	return task, directive
}

// currentSession 重新加载会话
func (w *testWorld) currentSession(t *testing.T, sessionID string) *entity.Session {
	t.Helper()
	session, err := w.manager.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	return session
}

// stateTrail 会话 state_change 事件的目标状态序列（追加序）
func (w *testWorld) stateTrail(t *testing.T, sessionID string) []string {
	t.Helper()
	entries, _, err := w.manager.ListEvents(context.Background(), sessionID, nil)
	require.NoError(t, err)
	var trail []string
	for _, entry := range entries {
		if entry.EventType != constant.EventTypeStateChange.String() {
			continue
		}
		var payload EventPayload
		require.NoError(t, json.Unmarshal([]byte(entry.PayloadJSON), &payload))
		require.NotNil(t, payload.StateChange)
		trail = append(trail, payload.StateChange.To)
	}
	return trail
}

// countEvents 会话内某类事件的数量
func (w *testWorld) countEvents(t *testing.T, sessionID string, eventType constant.EventType) int {
	t.Helper()
	entries, _, err := w.manager.ListEvents(context.Background(), sessionID, nil)
	require.NoError(t, err)
	count := 0
	for _, entry := range entries {
		if entry.EventType == eventType.String() {
			count++
		}
	}
	return count
}

func assertErrorCode(t *testing.T, err error, code int) {
	t.Helper()
	var svcErr *model.Error
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, code, svcErr.Code)
}

func textField(name string, required bool) SnapshotField {
	return SnapshotField{
		Name:     name,
		Selector: "#" + name,
		Type:     constant.FieldTypeText.String(),
		Required: required,
	}
}

func selectField(name string, values ...string) SnapshotField {
	options := make([]FieldOption, 0, len(values))
	for _, value := range values {
		options = append(options, FieldOption{Value: value, Label: value})
	}
	return SnapshotField{
		Name:     name,
		Selector: "#" + name,
		Type:     constant.FieldTypeSelect.String(),
		Required: true,
		Options:  options,
	}
}

func checkoutSnapshot(fields ...SnapshotField) *FormSnapshot {
	return &FormSnapshot{
		FormRouteID: "route-checkout",
		URL:         "https://forms.example.com/checkout",
		Title:       "Checkout",
		Fields:      fields,
	}
}

// ========== 会话创建 ==========

func TestCreateSessionEnqueuesMainTask(t *testing.T) {
	world := newTestWorld(nil)
	ctx := context.Background()

	session := world.createSession(t, nil)
	assert.NotEmpty(t, session.ID)
	assert.Equal(t, constant.SessionStatusPending.String(), session.Status)
	assert.Equal(t, 1, session.CurrentPathNumber)

	// 默认配置落库
	cfg, err := ParseSessionConfig(session.ConfigJSON)
	require.NoError(t, err)
	assert.Equal(t, constant.DefaultBrowser.String(), cfg.Browser)
	assert.Equal(t, constant.DefaultMaxRetries, cfg.MaxRetries)
	assert.True(t, cfg.EnableUIVerification)
	assert.True(t, cfg.EnableJunctionDiscovery)

	// 主任务入队，参数携带会话与配置
	pending, err := world.store.ListPendingTasks(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, constant.TaskTypeMapFormRoute.String(), pending[0].TaskType)
	assert.Equal(t, session.ID, pending[0].SessionID)

	var params TaskParams
	require.NoError(t, json.Unmarshal([]byte(pending[0].ParamsJSON), &params))
	require.NotNil(t, params.MapFormRoute)
	assert.Equal(t, session.ID, params.MapFormRoute.SessionID)
	assert.Equal(t, "route-checkout", params.MapFormRoute.FormRouteID)

	assert.Equal(t, 1, world.countEvents(t, session.ID, constant.EventTypeTaskQueued))
}

func TestCreateSessionValidation(t *testing.T) {
	world := newTestWorld(nil)
	ctx := context.Background()

	_, err := world.manager.CreateSession(ctx, nil)
	assertErrorCode(t, err, model.ErrorParams)

	_, err = world.manager.CreateSession(ctx, &CreateSessionInput{CompanyID: "acme", UserID: "user-1"})
	assertErrorCode(t, err, model.ErrorParams)

	_, err = world.manager.CreateSession(ctx, &CreateSessionInput{
		CompanyID:   "acme",
		UserID:      "user-1",
		FormRouteID: "route-checkout",
		Config:      &SessionConfig{Browser: "netscape"},
	})
	assertErrorCode(t, err, model.ErrorSessionConfigInvalid)
}

// ========== 场景：无分支路径一次走完 ==========

func TestSingleJunctionFreePathCompletes(t *testing.T) {
	world := newTestWorld(nil)
	ctx := context.Background()

	session := world.createSession(t, nil)
	snapshot := checkoutSnapshot(textField("name", true), textField("email", true))
	task, directive := world.startExecuting(t, "agent-1", session, snapshot)
	require.Len(t, directive.Steps, 3)
	assert.Equal(t, 1, directive.ResumeFrom)
	assert.Equal(t, 1, directive.PathNumber)

	// 逐步上报成功
	for i, step := range directive.Steps {
		next, err := world.manager.ReportStep(ctx, session.ID, "agent-1", &StepReport{
			StepNumber: step.StepNumber,
			Success:    true,
			DurationMs: 40,
		})
		require.NoError(t, err)
		if i < len(directive.Steps)-1 {
			assert.Equal(t, DirectiveContinue, next.Action)
			assert.Equal(t, step.StepNumber+1, next.ResumeFrom)
		} else {
			assert.Equal(t, DirectiveDone, next.Action)
			assert.Equal(t, "all junction paths explored", next.Reason)
		}
	}

	current := world.currentSession(t, session.ID)
	assert.Equal(t, constant.SessionStatusCompleted.String(), current.Status)
	assert.Equal(t, 1, current.TotalPaths)
	assert.Equal(t, 3, current.StepsExecuted)
	assert.Equal(t, 1, current.AICallsCount)
	assert.Equal(t, 200, current.AITokensUsed)
	assert.InDelta(t, 0.00028, current.AICostEstimate, 1e-9)
	require.NotNil(t, current.CompletedAt)

	// 路径结果已校验通过
	paths, err := world.manager.ListPathResults(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, 1, paths[0].PathNumber)
	assert.True(t, paths[0].Verified)
	require.NotNil(t, paths[0].VerifiedAt)

	// 状态机全轨迹
	assert.Equal(t, []string{
		"initializing", "extracting_dom", "generating_steps", "executing",
		"executing", "executing", "verifying_ui", "completing", "completed",
	}, world.stateTrail(t, session.ID))
	assert.Equal(t, 3, world.countEvents(t, session.ID, constant.EventTypeStepExecuted))
	assert.Equal(t, 1, world.countEvents(t, session.ID, constant.EventTypeAICall))

	// 主任务仍由 agent 持有，终态由 agent 上报
	applied, err := world.queue.Report(ctx, task.ID, "agent-1", constant.TaskStatusCompleted,
		&TaskResult{MappedPaths: 1, StepsExecuted: 3}, "")
	require.NoError(t, err)
	assert.True(t, applied)
}

// ========== 场景：连续失败耗尽重试预算 ==========

func TestStepFailuresExhaustRetryBudget(t *testing.T) {
	world := newTestWorld(nil)
	ctx := context.Background()

	session := world.createSession(t, nil) // max_retries 默认 3
	snapshot := checkoutSnapshot(textField("name", true), textField("email", true))
	_, directive := world.startExecuting(t, "agent-1", session, snapshot)
	require.Len(t, directive.Steps, 3)

	next, err := world.manager.ReportStep(ctx, session.ID, "agent-1", &StepReport{StepNumber: 1, Success: true})
	require.NoError(t, err)
	require.Equal(t, DirectiveContinue, next.Action)

	// 失败 1、2：恢复并重生成，新计划从断点续跑
	for round := 1; round <= 2; round++ {
		next, err = world.manager.ReportStep(ctx, session.ID, "agent-1", &StepReport{
			StepNumber: 2,
			Success:    false,
			Error:      "selector #email not found",
		})
		require.NoError(t, err)
		require.Equal(t, DirectiveExecutePlan, next.Action)
		assert.Equal(t, 2, next.ResumeFrom)
		require.NotEmpty(t, next.Steps)
		assert.Equal(t, 2, next.Steps[0].StepNumber)

		current := world.currentSession(t, session.ID)
		assert.Equal(t, constant.SessionStatusExecuting.String(), current.Status)
		assert.Equal(t, round, current.ConsecutiveFailures)
	}

	// 失败 3：达到 max_retries，致命失败
	next, err = world.manager.ReportStep(ctx, session.ID, "agent-1", &StepReport{
		StepNumber: 2,
		Success:    false,
		Error:      "selector #email not found",
	})
	require.NoError(t, err)
	assert.Equal(t, DirectiveAbort, next.Action)
	assert.Equal(t, "step failure limit reached", next.Reason)

	current := world.currentSession(t, session.ID)
	assert.Equal(t, constant.SessionStatusFailed.String(), current.Status)
	assert.Equal(t, 3, current.ConsecutiveFailures)
	assert.Equal(t, "selector #email not found", current.LastError)
	require.NotNil(t, current.CompletedAt)

	// 初始生成 + 两次重生成
	require.Equal(t, 3, world.generator.calls())
	regen := world.generator.request(1)
	assert.Equal(t, constant.GenerationModeRegeneration, regen.Mode)
	assert.Equal(t, 2, regen.Context.ResumeFromStep)
	assert.Equal(t, 2, regen.Context.FailedStep)
	assert.Equal(t, "selector #email not found", regen.Context.FailureReason)
	require.Len(t, regen.Context.ExecutedSteps, 1)
	assert.Equal(t, 1, regen.Context.ExecutedSteps[0].StepNumber)

	assert.Equal(t, []string{
		"initializing", "extracting_dom", "generating_steps", "executing",
		"executing",
		"recovering", "regenerating", "executing",
		"recovering", "regenerating", "executing",
		"failed",
	}, world.stateTrail(t, session.ID))

	// 终态后的上报拿到终止指令而非错误
	next, err = world.manager.ReportStep(ctx, session.ID, "agent-1", &StepReport{StepNumber: 2, Success: true})
	require.NoError(t, err)
	assert.Equal(t, DirectiveAbort, next.Action)
	assert.Equal(t, "session failed", next.Reason)
}

// ========== 场景：agent 活性丢失，工作重派 ==========

func TestLapsedAgentWorkRequeuedAndStaleReportsRejected(t *testing.T) {
	world := newTestWorld(nil)
	ctx := context.Background()

	session := world.createSession(t, nil)
	snapshot := checkoutSnapshot(textField("name", true))
	task, directive := world.startExecuting(t, "agent-1", session, snapshot)
	require.Len(t, directive.Steps, 2)

	next, err := world.manager.ReportStep(ctx, session.ID, "agent-1", &StepReport{StepNumber: 1, Success: true})
	require.NoError(t, err)
	require.Equal(t, DirectiveContinue, next.Action)

	// 心跳中断：越过 30s 阈值 + 15s 宽限后扫描
	world.clock.Advance(50 * time.Second)
	world.manager.RequeueLapsedWork(ctx)

	current := world.currentSession(t, session.ID)
	assert.Equal(t, constant.SessionStatusRecovering.String(), current.Status)

	requeued, err := world.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.TaskStatusPending.String(), requeued.Status)
	assert.Empty(t, requeued.AgentID)

	// agent-2 接手：重抓 DOM 后从断点重生成
	world.heartbeat(t, "agent-2")
	reclaimed, decision := world.claimNext(t, "agent-2")
	assert.Equal(t, task.ID, reclaimed.ID)
	require.True(t, decision.Accept)
	assert.Equal(t, DirectiveReExtract, decision.Directive.Action)

	// agent-1 迟到的步骤上报按过期拒绝
	_, err = world.manager.ReportStep(ctx, session.ID, "agent-1", &StepReport{StepNumber: 2, Success: true})
	assertErrorCode(t, err, model.ErrorStaleReport)

	// agent-1 迟到的任务上报不落库
	applied, err := world.queue.Report(ctx, task.ID, "agent-1", constant.TaskStatusCompleted, nil, "")
	require.NoError(t, err)
	assert.False(t, applied)

	// agent-2 提交快照，会话从步骤 2 续跑直至完成
	resumed, err := world.manager.SubmitDOM(ctx, session.ID, "agent-2", snapshot)
	require.NoError(t, err)
	require.Equal(t, DirectiveExecutePlan, resumed.Action)
	assert.Equal(t, 2, resumed.ResumeFrom)
	assert.Equal(t, constant.GenerationModeRegeneration, world.generator.request(world.generator.calls()-1).Mode)

	next, err = world.manager.ReportStep(ctx, session.ID, "agent-2", &StepReport{StepNumber: 2, Success: true})
	require.NoError(t, err)
	assert.Equal(t, DirectiveDone, next.Action)
	assert.Equal(t, constant.SessionStatusCompleted.String(), world.currentSession(t, session.ID).Status)
}

// ========== 场景：校验观察不阻塞完成 ==========

func TestVerificationIssuesDoNotBlockCompletion(t *testing.T) {
	world := newTestWorld(nil)
	world.verifier.issues = []string{
		"missing label on #email",
		"required field #name lacks aria attributes",
	}
	ctx := context.Background()

	session := world.createSession(t, nil)
	snapshot := checkoutSnapshot(textField("name", true), textField("email", true))
	_, directive := world.startExecuting(t, "agent-1", session, snapshot)

	var next *NextDirective
	var err error
	for _, step := range directive.Steps {
		next, err = world.manager.ReportStep(ctx, session.ID, "agent-1", &StepReport{
			StepNumber: step.StepNumber,
			Success:    true,
		})
		require.NoError(t, err)
	}
	require.Equal(t, DirectiveDone, next.Action)

	assert.Equal(t, constant.SessionStatusCompleted.String(), world.currentSession(t, session.ID).Status)

	paths, err := world.manager.ListPathResults(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.True(t, paths[0].Verified)

	var issues []string
	require.NoError(t, json.Unmarshal([]byte(paths[0].VerificationErrorsJSON), &issues))
	assert.Equal(t, world.verifier.issues, issues)
	assert.Equal(t, 2, world.countEvents(t, session.ID, constant.EventTypeUIIssue))
}

// ========== 分支路径探索 ==========

func TestJunctionPathsExploredInDiscoveryOrder(t *testing.T) {
	world := newTestWorld(nil)
	ctx := context.Background()

	session := world.createSession(t, nil)
	snapshot := checkoutSnapshot(selectField("shipping", "standard", "express"), textField("notes", false))
	_, directive := world.startExecuting(t, "agent-1", session, snapshot)
	require.Len(t, directive.Steps, 3)
	assert.Equal(t, "standard", directive.Steps[0].Value)
	assert.Equal(t, 1, world.countEvents(t, session.ID, constant.EventTypeJunctionFound))

	// 路径 1 走默认分支，收尾后自动开启 express 路径
	var next *NextDirective
	var err error
	for _, step := range directive.Steps {
		next, err = world.manager.ReportStep(ctx, session.ID, "agent-1", &StepReport{
			StepNumber: step.StepNumber,
			Success:    true,
		})
		require.NoError(t, err)
	}
	require.Equal(t, DirectiveExecutePlan, next.Action)
	assert.Equal(t, 2, next.PathNumber)
	assert.Equal(t, "express", next.Steps[0].Value)

	secondReq := world.generator.request(1)
	require.Len(t, secondReq.Context.PlannedDecisions, 1)
	assert.Equal(t, JunctionDecision{Field: "shipping", Value: "express", Selector: "#shipping"},
		secondReq.Context.PlannedDecisions[0])

	// 路径 2 走完，组合耗尽，会话完成
	for _, step := range next.Steps {
		next, err = world.manager.ReportStep(ctx, session.ID, "agent-1", &StepReport{
			StepNumber: step.StepNumber,
			Success:    true,
		})
		require.NoError(t, err)
	}
	require.Equal(t, DirectiveDone, next.Action)
	assert.Equal(t, "all junction paths explored", next.Reason)

	current := world.currentSession(t, session.ID)
	assert.Equal(t, constant.SessionStatusCompleted.String(), current.Status)
	assert.Equal(t, 2, current.TotalPaths)
	assert.Equal(t, 2, world.generator.calls())

	// 两条路径的实际分支决策落库
	paths, err := world.manager.ListPathResults(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	var first, second []JunctionDecision
	require.NoError(t, json.Unmarshal([]byte(paths[0].JunctionsJSON), &first))
	require.NoError(t, json.Unmarshal([]byte(paths[1].JunctionsJSON), &second))
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, "standard", first[0].Value)
	assert.Equal(t, "express", second[0].Value)
}

func TestMaxJunctionPathsCapStopsExploration(t *testing.T) {
	world := newTestWorld(nil)
	ctx := context.Background()

	session := world.createSession(t, &SessionConfig{
		EnableJunctionDiscovery: true,
		MaxJunctionPaths:        1,
	})
	snapshot := checkoutSnapshot(selectField("shipping", "standard", "express"))
	_, directive := world.startExecuting(t, "agent-1", session, snapshot)

	var next *NextDirective
	var err error
	for _, step := range directive.Steps {
		next, err = world.manager.ReportStep(ctx, session.ID, "agent-1", &StepReport{
			StepNumber: step.StepNumber,
			Success:    true,
		})
		require.NoError(t, err)
	}
	require.Equal(t, DirectiveDone, next.Action)
	assert.Equal(t, "max junction paths reached", next.Reason)

	current := world.currentSession(t, session.ID)
	assert.Equal(t, constant.SessionStatusCompleted.String(), current.Status)
	assert.Equal(t, 1, current.TotalPaths)

	// 未开 UI 校验：路径按未校验收尾，不留校验时间戳
	paths, err := world.manager.ListPathResults(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.False(t, paths[0].Verified)
	assert.Nil(t, paths[0].VerifiedAt)
	assert.Equal(t, 0, world.verifier.calls())
}

func TestJunctionDiscoveryDisabledStopsAfterFirstPath(t *testing.T) {
	world := newTestWorld(nil)
	ctx := context.Background()

	session := world.createSession(t, &SessionConfig{MaxJunctionPaths: 4})
	snapshot := checkoutSnapshot(selectField("shipping", "standard", "express"))
	_, directive := world.startExecuting(t, "agent-1", session, snapshot)

	var next *NextDirective
	var err error
	for _, step := range directive.Steps {
		next, err = world.manager.ReportStep(ctx, session.ID, "agent-1", &StepReport{
			StepNumber: step.StepNumber,
			Success:    true,
		})
		require.NoError(t, err)
	}
	require.Equal(t, DirectiveDone, next.Action)
	assert.Equal(t, "junction discovery disabled", next.Reason)
	assert.Equal(t, 1, world.currentSession(t, session.ID).TotalPaths)
}

// ========== 失败与恢复细节 ==========

func TestFatalStepFailureAbortsImmediately(t *testing.T) {
	world := newTestWorld(nil)
	ctx := context.Background()

	session := world.createSession(t, nil)
	snapshot := checkoutSnapshot(textField("name", true))
	_, _ = world.startExecuting(t, "agent-1", session, snapshot)

	next, err := world.manager.ReportStep(ctx, session.ID, "agent-1", &StepReport{
		StepNumber: 1,
		Success:    false,
		Fatal:      true,
		Error:      "form page returned 404",
	})
	require.NoError(t, err)
	assert.Equal(t, DirectiveAbort, next.Action)
	assert.Equal(t, "fatal step failure", next.Reason)

	current := world.currentSession(t, session.ID)
	assert.Equal(t, constant.SessionStatusFailed.String(), current.Status)
	assert.Equal(t, "form page returned 404", current.LastError)
	assert.Equal(t, 1, world.generator.calls()) // 不经过恢复-重生成
}

func TestGeneratorFailureRetriesOnceThenFailsSession(t *testing.T) {
	world := newTestWorld(nil)
	world.generator.failures = 2
	ctx := context.Background()

	session := world.createSession(t, nil)
	world.heartbeat(t, "agent-1")
	_, decision := world.claimNext(t, "agent-1")
	require.True(t, decision.Accept)
	_, err := world.manager.AcknowledgeSession(ctx, session.ID, "agent-1")
	require.NoError(t, err)

	directive, err := world.manager.SubmitDOM(ctx, session.ID, "agent-1", checkoutSnapshot(textField("name", true)))
	require.NoError(t, err)
	assert.Equal(t, DirectiveAbort, directive.Action)
	assert.Equal(t, "step generation failed", directive.Reason)

	current := world.currentSession(t, session.ID)
	assert.Equal(t, constant.SessionStatusFailed.String(), current.Status)
	assert.Equal(t, "plan collaborator unavailable", current.LastError)
	assert.Equal(t, 2, world.generator.calls())
}

func TestGeneratorRecoversAfterTransientFailure(t *testing.T) {
	world := newTestWorld(nil)
	world.generator.failures = 1
	ctx := context.Background()

	session := world.createSession(t, nil)
	_, directive := world.startExecuting(t, "agent-1", session, checkoutSnapshot(textField("name", true)))
	assert.Equal(t, DirectiveExecutePlan, directive.Action)
	assert.Equal(t, 2, world.generator.calls())
	assert.Equal(t, constant.SessionStatusExecuting.String(), world.currentSession(t, session.ID).Status)
	_ = ctx
}

func TestBudgetExceededFailsSessionBeforeGeneration(t *testing.T) {
	world := newTestWorld(&BudgetCeiling{MaxCalls: 1})
	ctx := context.Background()

	session := world.createSession(t, nil)
	snapshot := checkoutSnapshot(selectField("shipping", "standard", "express"))
	_, directive := world.startExecuting(t, "agent-1", session, snapshot)

	// 路径 1 正常走完；第二条路径的生成被预算闸门拦下
	var next *NextDirective
	var err error
	for _, step := range directive.Steps {
		next, err = world.manager.ReportStep(ctx, session.ID, "agent-1", &StepReport{
			StepNumber: step.StepNumber,
			Success:    true,
		})
		require.NoError(t, err)
	}
	require.Equal(t, DirectiveAbort, next.Action)
	assert.Equal(t, "ai budget exceeded", next.Reason)

	current := world.currentSession(t, session.ID)
	assert.Equal(t, constant.SessionStatusFailed.String(), current.Status)
	assert.Contains(t, current.LastError, "ai call budget exceeded")
	assert.Equal(t, 1, current.AICallsCount)
	assert.Equal(t, 1, world.generator.calls())
}

// ========== 上报守卫 ==========

func TestStepReportStaleIndexRejected(t *testing.T) {
	world := newTestWorld(nil)
	ctx := context.Background()

	session := world.createSession(t, nil)
	_, _ = world.startExecuting(t, "agent-1", session, checkoutSnapshot(textField("name", true), textField("email", true)))

	// 游标在 1，上报 2 被拒
	_, err := world.manager.ReportStep(ctx, session.ID, "agent-1", &StepReport{StepNumber: 2, Success: true})
	assertErrorCode(t, err, model.ErrorStaleReport)

	_, err = world.manager.ReportStep(ctx, session.ID, "agent-1", &StepReport{StepNumber: 1, Success: true})
	require.NoError(t, err)

	// 重复上报同一步骤同样被拒
	_, err = world.manager.ReportStep(ctx, session.ID, "agent-1", &StepReport{StepNumber: 1, Success: true})
	assertErrorCode(t, err, model.ErrorStaleReport)
}

func TestDOMSnapshotGuards(t *testing.T) {
	world := newTestWorld(nil)
	ctx := context.Background()

	session := world.createSession(t, nil)
	snapshot := checkoutSnapshot(textField("name", true))
	_, _ = world.startExecuting(t, "agent-1", session, snapshot)

	// executing 阶段不接受快照
	_, err := world.manager.SubmitDOM(ctx, session.ID, "agent-1", snapshot)
	assertErrorCode(t, err, model.ErrorStaleTransition)

	// 空快照
	_, err = world.manager.SubmitDOM(ctx, session.ID, "agent-1", &FormSnapshot{})
	assertErrorCode(t, err, model.ErrorParams)

	// 非持有 agent
	_, err = world.manager.SubmitDOM(ctx, session.ID, "agent-9", snapshot)
	assertErrorCode(t, err, model.ErrorStaleReport)
}

func TestAcknowledgeOutsideInitializingRejected(t *testing.T) {
	world := newTestWorld(nil)
	ctx := context.Background()

	session := world.createSession(t, nil)
	world.heartbeat(t, "agent-1")
	_, decision := world.claimNext(t, "agent-1")
	require.True(t, decision.Accept)

	_, err := world.manager.AcknowledgeSession(ctx, session.ID, "agent-1")
	require.NoError(t, err)

	// 重复确认：extracting_dom 不能再迁入 extracting_dom
	_, err = world.manager.AcknowledgeSession(ctx, session.ID, "agent-1")
	assertErrorCode(t, err, model.ErrorStaleTransition)
}

// ========== 取消 ==========

func TestCancelPendingSessionFailsQueuedTask(t *testing.T) {
	world := newTestWorld(nil)
	ctx := context.Background()

	session := world.createSession(t, nil)
	pending, err := world.store.ListPendingTasks(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	cancelled, err := world.manager.Cancel(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.SessionStatusCancelled.String(), cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)

	// 排队中的主任务被收掉，未持有 agent 时不派发取消信号
	task, err := world.store.GetTask(ctx, pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, constant.TaskStatusFailed.String(), task.Status)
	assert.Equal(t, "session cancelled", task.ErrorMsg)

	remaining, err := world.store.ListPendingTasks(ctx, "acme", 10)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	// 幂等：重复取消直接返回
	again, err := world.manager.Cancel(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.SessionStatusCancelled.String(), again.Status)
	assert.Equal(t, []string{"cancelled"}, world.stateTrail(t, session.ID))
}

func TestCancelExecutingSessionSignalsAgent(t *testing.T) {
	world := newTestWorld(nil)
	ctx := context.Background()

	session := world.createSession(t, nil)
	task, _ := world.startExecuting(t, "agent-1", session, checkoutSnapshot(textField("name", true)))

	_, err := world.manager.Cancel(ctx, session.ID)
	require.NoError(t, err)

	// 持有 agent 收到 cancel_session 信号任务
	signal, decision := world.claimNext(t, "agent-1")
	assert.Equal(t, constant.TaskTypeCancelSession.String(), signal.TaskType)
	require.True(t, decision.Accept)
	assert.Equal(t, DirectiveAbort, decision.Directive.Action)
	assert.Equal(t, "session cancelled", decision.Directive.Reason)

	// 迟到的步骤上报拿到终止指令
	next, err := world.manager.ReportStep(ctx, session.ID, "agent-1", &StepReport{StepNumber: 1, Success: true})
	require.NoError(t, err)
	assert.Equal(t, DirectiveAbort, next.Action)
	assert.Equal(t, "session cancelled", next.Reason)

	// 主任务仍在 agent 手中，由其以 failed 收尾
	applied, err := world.queue.Report(ctx, task.ID, "agent-1", constant.TaskStatusFailed, &TaskResult{Cancelled: true}, "session cancelled")
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestCancelDoesNotOverrideCompleted(t *testing.T) {
	world := newTestWorld(nil)
	ctx := context.Background()

	session := world.createSession(t, nil)
	_, directive := world.startExecuting(t, "agent-1", session, checkoutSnapshot(textField("name", true)))
	for _, step := range directive.Steps {
		_, err := world.manager.ReportStep(ctx, session.ID, "agent-1", &StepReport{StepNumber: step.StepNumber, Success: true})
		require.NoError(t, err)
	}
	require.Equal(t, constant.SessionStatusCompleted.String(), world.currentSession(t, session.ID).Status)

	after, err := world.manager.Cancel(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.SessionStatusCompleted.String(), after.Status)
}

func TestClaimAfterCancelFinalizesTask(t *testing.T) {
	world := newTestWorld(nil)
	ctx := context.Background()

	session := world.createSession(t, nil)
	world.heartbeat(t, "agent-1")
	task, err := world.queue.Claim(ctx, "agent-1", 0)
	require.NoError(t, err)
	require.NotNil(t, task)

	// 认领与会话侧处理之间会话被取消
	_, err = world.manager.Cancel(ctx, session.ID)
	require.NoError(t, err)

	decision, err := world.manager.OnTaskClaimed(ctx, task, "agent-1")
	require.NoError(t, err)
	assert.False(t, decision.Accept)

	finalized, err := world.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.TaskStatusCompleted.String(), finalized.Status)
	assert.Equal(t, "session already cancelled", finalized.ErrorMsg)
}

func TestClaimDuringMidFlightStatusRequeues(t *testing.T) {
	world := newTestWorld(nil)
	ctx := context.Background()

	session := world.createSession(t, nil)
	task, _ := world.startExecuting(t, "agent-1", session, checkoutSnapshot(textField("name", true)))

	// 任务意外回到队列（例如重复投递），而会话仍在 executing
	requeued, err := world.store.RequeueTask(ctx, task.ID, "agent-1")
	require.NoError(t, err)
	require.True(t, requeued)

	world.heartbeat(t, "agent-2")
	claimed, decision := world.claimNext(t, "agent-2")
	assert.Equal(t, task.ID, claimed.ID)
	assert.False(t, decision.Accept)

	// 任务退回队列，会话归属不变
	back, err := world.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.TaskStatusPending.String(), back.Status)
	current := world.currentSession(t, session.ID)
	assert.Equal(t, constant.SessionStatusExecuting.String(), current.Status)
	assert.Equal(t, "agent-1", current.AgentID)
}

// ========== 删除与级联 ==========

func TestDeleteSessionRequiresTerminalAndCascades(t *testing.T) {
	world := newTestWorld(nil)
	ctx := context.Background()

	session := world.createSession(t, nil)
	task, _ := world.startExecuting(t, "agent-1", session, checkoutSnapshot(textField("name", true)))

	// 非终态不可删除
	err := world.manager.DeleteSession(ctx, session.ID)
	assertErrorCode(t, err, model.ErrorParams)

	_, err = world.manager.Cancel(ctx, session.ID)
	require.NoError(t, err)
	require.NoError(t, world.manager.DeleteSession(ctx, session.ID))

	// 会话、路径、任务、事件一并消失
	_, err = world.manager.GetSession(ctx, session.ID)
	assertErrorCode(t, err, model.ErrorSessionNotFound)

	paths, _, err := world.store.QueryPathResults(ctx, &model.PathResultQueryCondition{SessionID: &session.ID})
	require.NoError(t, err)
	assert.Empty(t, paths)

	gone, err := world.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	events, _, err := world.store.QueryEvents(ctx, &model.EventLogQueryCondition{SessionID: &session.ID})
	require.NoError(t, err)
	assert.Empty(t, events)
}

// ========== 后台扫描 ==========

func TestSweepTimeoutsFailsOverdueSessions(t *testing.T) {
	world := newTestWorld(nil)
	ctx := context.Background()

	overdue := world.createSession(t, &SessionConfig{SessionTimeoutMinutes: 1})
	world.clock.Advance(2 * time.Minute)
	fresh := world.createSession(t, nil) // 默认 60 分钟超时

	world.manager.SweepTimeouts(ctx)

	assert.Equal(t, constant.SessionStatusFailed.String(), world.currentSession(t, overdue.ID).Status)
	assert.Contains(t, world.currentSession(t, overdue.ID).LastError, "exceeded 1 minute timeout")
	assert.Equal(t, constant.SessionStatusPending.String(), world.currentSession(t, fresh.ID).Status)
}

func TestSweepTimeoutsSkipsVerificationTransients(t *testing.T) {
	world := newTestWorld(nil)
	ctx := context.Background()

	session := world.createSession(t, &SessionConfig{SessionTimeoutMinutes: 1})
	world.clock.Advance(2 * time.Minute)

	// verifying_ui 是处理器内的瞬态，不能直达 failed
	status := constant.SessionStatusVerifyingUI.String()
	require.NoError(t, world.store.UpdateSession(ctx, session.ID, &model.UpdateSessionCondition{Status: &status}))
	world.manager.SweepTimeouts(ctx)
	assert.Equal(t, constant.SessionStatusVerifyingUI.String(), world.currentSession(t, session.ID).Status)

	// 回到可失败的状态后下一轮扫描生效
	status = constant.SessionStatusExecuting.String()
	require.NoError(t, world.store.UpdateSession(ctx, session.ID, &model.UpdateSessionCondition{Status: &status}))
	world.manager.SweepTimeouts(ctx)
	assert.Equal(t, constant.SessionStatusFailed.String(), world.currentSession(t, session.ID).Status)
}

// ========== 校验观察提交 ==========

func TestSubmitVerificationAccumulatesIssues(t *testing.T) {
	world := newTestWorld(nil)
	ctx := context.Background()

	session := world.createSession(t, nil)
	snapshot := checkoutSnapshot(textField("name", true))
	_, directive := world.startExecuting(t, "agent-1", session, snapshot)

	// 通过且无观察的报告是空操作
	require.NoError(t, world.manager.SubmitVerification(ctx, session.ID, "agent-1", &VerificationReport{
		PathNumber: 1,
		Passed:     true,
	}))
	assert.Equal(t, 0, world.countEvents(t, session.ID, constant.EventTypeUIIssue))

	// 路径号不匹配被拒
	err := world.manager.SubmitVerification(ctx, session.ID, "agent-1", &VerificationReport{
		PathNumber: 2,
		Passed:     false,
		Issues:     []string{"overlapping controls"},
	})
	assertErrorCode(t, err, model.ErrorStaleReport)

	// 观察累积到当前路径行
	require.NoError(t, world.manager.SubmitVerification(ctx, session.ID, "agent-1", &VerificationReport{
		PathNumber: 1,
		Passed:     false,
		Issues:     []string{"button overflows container", "tab order skips #name"},
	}))
	assert.Equal(t, 2, world.countEvents(t, session.ID, constant.EventTypeUIIssue))

	paths, err := world.manager.ListPathResults(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	var issues []string
	require.NoError(t, json.Unmarshal([]byte(paths[0].UIIssuesJSON), &issues))
	assert.Len(t, issues, 2)

	// 终局校验能看到 agent 的观察
	for _, step := range directive.Steps {
		_, err = world.manager.ReportStep(ctx, session.ID, "agent-1", &StepReport{StepNumber: step.StepNumber, Success: true})
		require.NoError(t, err)
	}
	require.Equal(t, 1, world.verifier.calls())
	assert.Equal(t, []string{"button overflows container", "tab order skips #name"}, world.verifier.inputs[0].AgentIssues)
}

// ========== 步骤揭示的 DOM 变化 ==========

func TestRevealedFieldsMergeAndRecordJunctions(t *testing.T) {
	world := newTestWorld(nil)
	ctx := context.Background()

	session := world.createSession(t, nil)
	snapshot := checkoutSnapshot(selectField("country", "US", "CA"), textField("name", true))
	_, directive := world.startExecuting(t, "agent-1", session, snapshot)
	require.Len(t, directive.Steps, 3)

	// 步骤 1（选择 country）揭示出新的州字段
	next, err := world.manager.ReportStep(ctx, session.ID, "agent-1", &StepReport{
		StepNumber:     1,
		Success:        true,
		RevealedFields: []SnapshotField{selectField("state", "WA", "OR")},
	})
	require.NoError(t, err)
	assert.Equal(t, DirectiveContinue, next.Action)

	assert.Equal(t, 1, world.countEvents(t, session.ID, constant.EventTypeDOMChanged))
	// country 在快照提交时登记，state 在揭示时登记
	assert.Equal(t, 2, world.countEvents(t, session.ID, constant.EventTypeJunctionFound))
}
