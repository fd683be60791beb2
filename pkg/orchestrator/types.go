// Package orchestrator 实现表单映射会话的编排核心：
// 会话状态机、任务队列、agent 注册表、分支路径探索、
// 步骤生成（外部 AI 协作方）、预算控制、UI 校验与事件日志。
package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"

	"form_mapper/constant"
)

// 类型别名，让包内代码少一层 constant 前缀
type (
	SessionStatus  = constant.SessionStatus
	TaskStatus     = constant.TaskStatus
	TaskType       = constant.TaskType
	EventType      = constant.EventType
	StepAction     = constant.StepAction
	GenerationMode = constant.GenerationMode
)

// ========== 会话配置 ==========

// SessionConfig 会话配置，所有项可选，缺省值在 ApplyDefaults 中补齐。
// 持久化为 sessions.config_json。
type SessionConfig struct {
	Browser                 string   `json:"browser"`
	Headless                bool     `json:"headless"`
	EnableUIVerification    bool     `json:"enable_ui_verification"`
	UseFullDOM              bool     `json:"use_full_dom"`
	MaxRetries              int      `json:"max_retries"`
	EnableJunctionDiscovery bool     `json:"enable_junction_discovery"`
	MaxJunctionPaths        int      `json:"max_junction_paths"`
	TestCases               []string `json:"test_cases"`
	SessionTimeoutMinutes   int      `json:"session_timeout_minutes"`
}

// DefaultSessionConfig 返回全部取默认值的配置
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		Browser:                 constant.DefaultBrowser.String(),
		Headless:                true,
		EnableUIVerification:    true,
		UseFullDOM:              true,
		MaxRetries:              constant.DefaultMaxRetries,
		EnableJunctionDiscovery: true,
		MaxJunctionPaths:        constant.DefaultMaxJunctionPaths,
		TestCases:               []string{constant.TestCaseKindPositive.String()},
		SessionTimeoutMinutes:   constant.DefaultSessionTimeoutMinutes,
	}
}

// ApplyDefaults 补齐零值项
func (c *SessionConfig) ApplyDefaults() {
	def := DefaultSessionConfig()
	if c.Browser == "" {
		c.Browser = def.Browser
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.MaxJunctionPaths <= 0 {
		c.MaxJunctionPaths = def.MaxJunctionPaths
	}
	if len(c.TestCases) == 0 {
		c.TestCases = append([]string{}, def.TestCases...)
	}
	if c.SessionTimeoutMinutes <= 0 {
		c.SessionTimeoutMinutes = def.SessionTimeoutMinutes
	}
}

// Validate 校验配置语义。派发前失败属于配置错误，会话直接判 failed。
func (c *SessionConfig) Validate() error {
	if !constant.Browser(c.Browser).IsValid() {
		return fmt.Errorf("unknown browser %q", c.Browser)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be >= 1, got %d", c.MaxRetries)
	}
	if c.MaxJunctionPaths < 1 {
		return fmt.Errorf("max_junction_paths must be >= 1, got %d", c.MaxJunctionPaths)
	}
	for _, kind := range c.TestCases {
		if !constant.TestCaseKind(kind).IsValid() {
			return fmt.Errorf("unknown test case kind %q", kind)
		}
	}
	return nil
}

// ParseSessionConfig 从 config_json 反序列化
func ParseSessionConfig(raw string) (*SessionConfig, error) {
	cfg := &SessionConfig{}
	if raw == "" {
		cfg = DefaultSessionConfig()
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(raw), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse session config: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ========== 表单快照与路径上下文 ==========

// FieldOption 字段的一个可选值（select/radio 等），declaration order 即切片顺序
type FieldOption struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// SnapshotField 快照中的一个表单字段
type SnapshotField struct {
	Name     string        `json:"name"`
	Selector string        `json:"selector"`
	Type     string        `json:"type"`
	Required bool          `json:"required"`
	Options  []FieldOption `json:"options,omitempty"`
}

// FormSnapshot agent 上报的表单 DOM 快照（全量或增量合并后的视图）
type FormSnapshot struct {
	FormRouteID string          `json:"form_route_id"`
	URL         string          `json:"url"`
	Title       string          `json:"title"`
	Fields      []SnapshotField `json:"fields"`
	CapturedAt  time.Time       `json:"captured_at"`
}

// JunctionDecision 一次分支决策：在 field 处选择 value
type JunctionDecision struct {
	Field    string `json:"field"`
	Value    string `json:"value"`
	Selector string `json:"selector"`
}

// SignatureOf 决策序列的规范化签名，用于路径去重
func SignatureOf(decisions []JunctionDecision) string {
	sig := ""
	for _, d := range decisions {
		sig += d.Field + "\x1f" + d.Value + "\x1e"
	}
	return sig
}

// PathContext 一条路径的生成上下文
type PathContext struct {
	SessionID        string             `json:"session_id"`
	FormRouteID      string             `json:"form_route_id"`
	PathNumber       int                `json:"path_number"`
	PlannedDecisions []JunctionDecision `json:"planned_decisions"` // 本路径必须遵循的分支选择
	TestCases        []string           `json:"test_cases"`
	// regeneration 模式下的窄上下文：只为失败点之后的步骤重新生成
	ResumeFromStep int        `json:"resume_from_step"`
	FailedStep     int        `json:"failed_step"`
	FailureReason  string     `json:"failure_reason"`
	ExecutedSteps  []FormStep `json:"executed_steps,omitempty"` // 已成功执行的步骤，供生成方参考
}

// ========== 步骤与路径结果 ==========

// FormStep 一个可执行的浏览器步骤，自包含，执行方不依赖生成方状态
type FormStep struct {
	StepNumber  int    `json:"step_number"`
	TestCase    string `json:"test_case"`
	Action      string `json:"action"`
	Selector    string `json:"selector"`
	Value       string `json:"value,omitempty"`
	Description string `json:"description"`
	IsJunction  bool   `json:"is_junction"`
	WaitMs      int    `json:"wait_ms"`
}

// FormField 路径上发现的表单字段
type FormField struct {
	Name       string `json:"name"`
	Selector   string `json:"selector"`
	Type       string `json:"type"`
	Required   bool   `json:"required"`
	IsJunction bool   `json:"is_junction"`
}

// FieldRelationship 父字段到子字段的条件关系
type FieldRelationship struct {
	ParentField string `json:"parent_field"`
	ChildField  string `json:"child_field"`
	Condition   string `json:"condition"` // eg: "country=US"
}

// PathData PathResult 各 JSON 列的结构化视图
type PathData struct {
	Junctions          []JunctionDecision  `json:"junctions"`
	Steps              []FormStep          `json:"steps"`
	FormFields         []FormField         `json:"form_fields"`
	Relationships      []FieldRelationship `json:"relationships"`
	UIIssues           []string            `json:"ui_issues"`
	Verified           bool                `json:"verified"`
	VerificationErrors []string            `json:"verification_errors"`
}

// ========== 步骤执行上报 ==========

// StepReport agent 上报的单步执行结果
type StepReport struct {
	StepNumber int    `json:"step_number"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	Fatal      bool   `json:"fatal,omitempty"` // 不可恢复失败（如表单页面不存在）
	// 本步骤触发的 DOM 变化（分支揭示），增量模式下 agent 随步上报
	RevealedFields []SnapshotField `json:"revealed_fields,omitempty"`
	AlertText      string          `json:"alert_text,omitempty"`
	DurationMs     int             `json:"duration_ms"`
}

// NextDirective 步骤上报/DOM 提交的响应指令，告诉 agent 下一步做什么
type NextDirective struct {
	Action     string     `json:"action"` // continue / execute_plan / re_extract / done / abort
	Steps      []FormStep `json:"steps,omitempty"`
	PathNumber int        `json:"path_number,omitempty"`
	ResumeFrom int        `json:"resume_from,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// NextDirective 的 action 取值
const (
	DirectiveInitialize  = "initialize"   // 初始化浏览器环境后 ack
	DirectiveContinue    = "continue"     // 继续执行当前计划
	DirectiveExecutePlan = "execute_plan" // 收到新计划，开始执行
	DirectiveReExtract   = "re_extract"   // 重新抓取 DOM
	DirectiveDone        = "done"         // 会话结束
	DirectiveAbort       = "abort"        // 中止（取消/失败）
)

// VerificationReport agent 提交的校验观察
type VerificationReport struct {
	PathNumber int      `json:"path_number"`
	Passed     bool     `json:"passed"`
	Issues     []string `json:"issues"`
}

// ========== 任务参数与结果（按任务类型的显式变体） ==========

// MapFormRouteParams 会话主任务参数
type MapFormRouteParams struct {
	SessionID   string         `json:"session_id"`
	FormRouteID string         `json:"form_route_id"`
	Config      *SessionConfig `json:"config"`
}

// ExtractDOMParams DOM 重抓任务参数
type ExtractDOMParams struct {
	SessionID  string `json:"session_id"`
	PathNumber int    `json:"path_number"`
	FullDOM    bool   `json:"full_dom"`
}

// ExecuteStepsParams 步骤执行任务参数
type ExecuteStepsParams struct {
	SessionID  string     `json:"session_id"`
	PathNumber int        `json:"path_number"`
	Steps      []FormStep `json:"steps"`
	ResumeFrom int        `json:"resume_from"`
}

// VerifyUIParams UI 校验任务参数
type VerifyUIParams struct {
	SessionID  string `json:"session_id"`
	PathNumber int    `json:"path_number"`
}

// CancelSessionParams 取消信号任务参数
type CancelSessionParams struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// TaskParams 任务参数，按 task_type 恰好一个变体非空
type TaskParams struct {
	MapFormRoute  *MapFormRouteParams  `json:"map_form_route,omitempty"`
	ExtractDOM    *ExtractDOMParams    `json:"extract_dom,omitempty"`
	ExecuteSteps  *ExecuteStepsParams  `json:"execute_steps,omitempty"`
	VerifyUI      *VerifyUIParams      `json:"verify_ui,omitempty"`
	CancelSession *CancelSessionParams `json:"cancel_session,omitempty"`
}

// Validate 校验变体与任务类型一致
func (p *TaskParams) Validate(taskType TaskType) error {
	count := 0
	if p.MapFormRoute != nil {
		count++
		if taskType != constant.TaskTypeMapFormRoute {
			return fmt.Errorf("map_form_route params on %s task", taskType)
		}
	}
	if p.ExtractDOM != nil {
		count++
		if taskType != constant.TaskTypeExtractDOM {
			return fmt.Errorf("extract_dom params on %s task", taskType)
		}
	}
	if p.ExecuteSteps != nil {
		count++
		if taskType != constant.TaskTypeExecuteSteps {
			return fmt.Errorf("execute_steps params on %s task", taskType)
		}
	}
	if p.VerifyUI != nil {
		count++
		if taskType != constant.TaskTypeVerifyUI {
			return fmt.Errorf("verify_ui params on %s task", taskType)
		}
	}
	if p.CancelSession != nil {
		count++
		if taskType != constant.TaskTypeCancelSession {
			return fmt.Errorf("cancel_session params on %s task", taskType)
		}
	}
	if count != 1 {
		return fmt.Errorf("task params must carry exactly one variant, got %d", count)
	}
	return nil
}

// TaskResult 任务结果，成功时恰好一个变体非空
type TaskResult struct {
	MappedPaths   int  `json:"mapped_paths,omitempty"`
	StepsExecuted int  `json:"steps_executed,omitempty"`
	Cancelled     bool `json:"cancelled,omitempty"`
}

// ========== 事件负载（按事件类型的显式变体） ==========

// StateChangePayload 状态迁移事件负载
type StateChangePayload struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Trigger string `json:"trigger"`
}

// TaskQueuedPayload 任务入队事件负载
type TaskQueuedPayload struct {
	TaskID   string `json:"task_id"`
	TaskType string `json:"task_type"`
}

// TaskCompletedPayload 任务完成事件负载
type TaskCompletedPayload struct {
	TaskID   string `json:"task_id"`
	TaskType string `json:"task_type"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// AICallPayload 一次步骤生成调用的用量
type AICallPayload struct {
	Model            string  `json:"model"`
	Mode             string  `json:"mode"`
	PathNumber       int     `json:"path_number"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostEstimate     float64 `json:"cost_estimate"`
}

// StepExecutedPayload 步骤执行事件负载
type StepExecutedPayload struct {
	PathNumber int    `json:"path_number"`
	StepNumber int    `json:"step_number"`
	Action     string `json:"action"`
	Selector   string `json:"selector"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	DurationMs int    `json:"duration_ms"`
}

// ErrorPayload 失败路径事件负载
type ErrorPayload struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}

// AlertPayload 页面弹窗事件负载
type AlertPayload struct {
	PathNumber int    `json:"path_number"`
	Text       string `json:"text"`
}

// DOMChangedPayload DOM 变化事件负载
type DOMChangedPayload struct {
	PathNumber     int      `json:"path_number"`
	TriggerField   string   `json:"trigger_field"`
	TriggerValue   string   `json:"trigger_value"`
	RevealedFields []string `json:"revealed_fields"`
}

// UIIssuePayload UI 问题事件负载
type UIIssuePayload struct {
	PathNumber int    `json:"path_number"`
	Issue      string `json:"issue"`
}

// JunctionFoundPayload 发现分支点事件负载
type JunctionFoundPayload struct {
	PathNumber int      `json:"path_number"`
	Field      string   `json:"field"`
	Selector   string   `json:"selector"`
	Values     []string `json:"values"` // declaration order
}

// EventPayload 事件负载，按 event_type 恰好一个变体非空
type EventPayload struct {
	StateChange   *StateChangePayload   `json:"state_change,omitempty"`
	TaskQueued    *TaskQueuedPayload    `json:"task_queued,omitempty"`
	TaskCompleted *TaskCompletedPayload `json:"task_completed,omitempty"`
	AICall        *AICallPayload        `json:"ai_call,omitempty"`
	StepExecuted  *StepExecutedPayload  `json:"step_executed,omitempty"`
	Error         *ErrorPayload         `json:"error,omitempty"`
	AlertDetected *AlertPayload         `json:"alert_detected,omitempty"`
	DOMChanged    *DOMChangedPayload    `json:"dom_changed,omitempty"`
	UIIssue       *UIIssuePayload       `json:"ui_issue,omitempty"`
	JunctionFound *JunctionFoundPayload `json:"junction_found,omitempty"`
}

// ========== JSON 列编解码辅助 ==========

func marshalJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal: %w", err)
	}
	return string(data), nil
}

func mustMarshalJSON(v interface{}) string {
	s, err := marshalJSON(v)
	if err != nil {
		return "{}"
	}
	return s
}

func unmarshalSteps(raw string) ([]FormStep, error) {
	if raw == "" {
		return nil, nil
	}
	var steps []FormStep
	if err := json.Unmarshal([]byte(raw), &steps); err != nil {
		return nil, fmt.Errorf("failed to parse steps: %w", err)
	}
	return steps, nil
}

func unmarshalJunctions(raw string) ([]JunctionDecision, error) {
	if raw == "" {
		return nil, nil
	}
	var decisions []JunctionDecision
	if err := json.Unmarshal([]byte(raw), &decisions); err != nil {
		return nil, fmt.Errorf("failed to parse junctions: %w", err)
	}
	return decisions, nil
}
