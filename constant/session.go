package constant

// =============================================
// 会话状态常量
// =============================================

// SessionStatus 表单映射会话状态类型
type SessionStatus string

const (
	// SessionStatusPending 已创建，等待分派给在线 agent
	SessionStatusPending SessionStatus = "pending"
	// SessionStatusInitializing agent 已接收，正在初始化浏览器环境
	SessionStatusInitializing SessionStatus = "initializing"
	// SessionStatusExtractingDOM agent 正在抓取表单 DOM
	SessionStatusExtractingDOM SessionStatus = "extracting_dom"
	// SessionStatusGeneratingSteps 正在为当前路径生成步骤计划
	SessionStatusGeneratingSteps SessionStatus = "generating_steps"
	// SessionStatusExecuting agent 正在逐步执行计划
	SessionStatusExecuting SessionStatus = "executing"
	// SessionStatusRecovering 步骤失败后进入恢复流程
	SessionStatusRecovering SessionStatus = "recovering"
	// SessionStatusRegenerating 恢复中，为剩余步骤重新生成计划
	SessionStatusRegenerating SessionStatus = "regenerating"
	// SessionStatusVerifyingUI 路径执行完毕，正在校验 UI 状态
	SessionStatusVerifyingUI SessionStatus = "verifying_ui"
	// SessionStatusCompleting 当前路径收尾，决定继续探索或结束
	SessionStatusCompleting SessionStatus = "completing"
	// SessionStatusCompleted 终态：全部路径映射完成
	SessionStatusCompleted SessionStatus = "completed"
	// SessionStatusFailed 终态：不可恢复失败
	SessionStatusFailed SessionStatus = "failed"
	// SessionStatusCancelled 终态：外部取消
	SessionStatusCancelled SessionStatus = "cancelled"
)

// String 返回状态的字符串值
func (s SessionStatus) String() string {
	return string(s)
}

// IsValid 检查状态是否有效
func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionStatusPending, SessionStatusInitializing, SessionStatusExtractingDOM,
		SessionStatusGeneratingSteps, SessionStatusExecuting, SessionStatusRecovering,
		SessionStatusRegenerating, SessionStatusVerifyingUI, SessionStatusCompleting,
		SessionStatusCompleted, SessionStatusFailed, SessionStatusCancelled:
		return true
	}
	return false
}

// IsTerminal 是否为终态，终态行除事件追加外不再变更
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusCancelled:
		return true
	}
	return false
}

// sessionTransitions 状态机允许的迁移表。
// 取消迁移（任意非终态 -> cancelled）单独在 CanTransitionTo 中处理。
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionStatusPending:         {SessionStatusInitializing, SessionStatusFailed},
	SessionStatusInitializing:    {SessionStatusExtractingDOM, SessionStatusFailed},
	SessionStatusExtractingDOM:   {SessionStatusGeneratingSteps, SessionStatusFailed},
	SessionStatusGeneratingSteps: {SessionStatusExecuting, SessionStatusFailed},
	SessionStatusExecuting:       {SessionStatusExecuting, SessionStatusRecovering, SessionStatusVerifyingUI, SessionStatusCompleting, SessionStatusFailed},
	SessionStatusRecovering:      {SessionStatusRegenerating, SessionStatusFailed},
	SessionStatusRegenerating:    {SessionStatusExecuting, SessionStatusFailed},
	SessionStatusVerifyingUI:     {SessionStatusCompleting},
	SessionStatusCompleting:      {SessionStatusGeneratingSteps, SessionStatusCompleted},
}

// CanTransitionTo 判断从当前状态到目标状态的迁移是否合法
func (s SessionStatus) CanTransitionTo(target SessionStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if target == SessionStatusCancelled {
		return true
	}
	for _, next := range sessionTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// =============================================
// 浏览器与测试用例常量
// =============================================

// Browser agent 使用的浏览器引擎
type Browser string

const (
	BrowserChrome  Browser = "chrome"
	BrowserFirefox Browser = "firefox"
	BrowserEdge    Browser = "edge"
)

// String 返回浏览器的字符串值
func (b Browser) String() string {
	return string(b)
}

// IsValid 检查浏览器是否有效
func (b Browser) IsValid() bool {
	switch b {
	case BrowserChrome, BrowserFirefox, BrowserEdge:
		return true
	}
	return false
}

// TestCaseKind 请求生成的测试用例类别
type TestCaseKind string

const (
	// TestCaseKindPositive 正向用例：合法输入走通表单
	TestCaseKindPositive TestCaseKind = "positive"
	// TestCaseKindNegative 负向用例：非法输入触发校验
	TestCaseKindNegative TestCaseKind = "negative"
	// TestCaseKindEdge 边界用例：极值、空值、超长输入
	TestCaseKindEdge TestCaseKind = "edge_case"
)

// String 返回类别的字符串值
func (k TestCaseKind) String() string {
	return string(k)
}

// IsValid 检查类别是否有效
func (k TestCaseKind) IsValid() bool {
	switch k {
	case TestCaseKindPositive, TestCaseKindNegative, TestCaseKindEdge:
		return true
	}
	return false
}

// =============================================
// 会话默认配置常量
// =============================================

const (
	// DefaultBrowser 默认浏览器引擎
	DefaultBrowser = BrowserChrome
	// DefaultMaxRetries 默认连续失败上限（3次打击规则）
	DefaultMaxRetries = 3
	// DefaultMaxJunctionPaths 默认最多探索的分支路径数
	DefaultMaxJunctionPaths = 5
	// DefaultSessionTimeoutMinutes 默认会话整体超时（分钟）
	DefaultSessionTimeoutMinutes = 60
)
