package orchestrator

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"form_mapper/entity"
	"form_mapper/model"
)

// defaultReserveTokens 预算闸门为下一次生成调用预留的 token 余量
const defaultReserveTokens = 8192

// BudgetCeiling 租户级预算上限，0 表示该维度不限
type BudgetCeiling struct {
	MaxCalls  int     `json:"max_calls"`
	MaxTokens int     `json:"max_tokens"`
	MaxCost   float64 `json:"max_cost"`
}

// CeilingProvider 租户预算上限来源（计费服务客户端 + 缓存）
type CeilingProvider interface {
	GetCeiling(ctx context.Context, companyID string) (*BudgetCeiling, error)
}

// Usage 一次生成调用的 token 用量
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// BudgetTrackerConfig 预算跟踪配置
type BudgetTrackerConfig struct {
	Model                string  // 记入 ai_call 事件的模型名
	PromptPricePer1K     float64 // 每 1k prompt token 的价格
	CompletionPricePer1K float64 // 每 1k completion token 的价格
	ReserveTokens        int     // 闸门为下一次调用预留的 token 数
}

// BudgetTracker 会话级 AI 用量跟踪。
// 计数只增不减；闸门在发起生成调用之前检查，预计越线的调用直接不发。
type BudgetTracker struct {
	store    Store
	events   *EventRecorder
	provider CeilingProvider
	config   *BudgetTrackerConfig
}

// NewBudgetTracker 创建预算跟踪器
func NewBudgetTracker(store Store, events *EventRecorder, provider CeilingProvider, config *BudgetTrackerConfig) *BudgetTracker {
	if config == nil {
		config = &BudgetTrackerConfig{}
	}
	if config.ReserveTokens <= 0 {
		config.ReserveTokens = defaultReserveTokens
	}
	return &BudgetTracker{
		store:    store,
		events:   events,
		provider: provider,
		config:   config,
	}
}

// CheckBudget 生成调用前的闸门。
// 以保守口径预估下一次调用的用量，预计任一维度越线即返回预算错误，调用不发。
// 上限来源不可用时放行并告警，计费侧兜底值由 provider 负责。
func (bt *BudgetTracker) CheckBudget(ctx context.Context, session *entity.Session) error {
	ceiling, err := bt.provider.GetCeiling(ctx, session.CompanyID)
	if err != nil {
		log.Warnf("Failed to fetch budget ceiling for company %s, allowing call: %v", session.CompanyID, err)
		return nil
	}
	if ceiling == nil {
		return nil
	}

	if ceiling.MaxCalls > 0 && session.AICallsCount+1 > ceiling.MaxCalls {
		return model.NewErrorWithMessage(model.ErrorBudgetExceeded,
			fmt.Sprintf("ai call budget exceeded: %d calls used, ceiling %d", session.AICallsCount, ceiling.MaxCalls))
	}
	if ceiling.MaxTokens > 0 && session.AITokensUsed+bt.config.ReserveTokens > ceiling.MaxTokens {
		return model.NewErrorWithMessage(model.ErrorBudgetExceeded,
			fmt.Sprintf("ai token budget exceeded: %d tokens used, ceiling %d", session.AITokensUsed, ceiling.MaxTokens))
	}
	if ceiling.MaxCost > 0 {
		projected := session.AICostEstimate + bt.estimateCallCost()
		if projected > ceiling.MaxCost {
			return model.NewErrorWithMessage(model.ErrorBudgetExceeded,
				fmt.Sprintf("ai cost budget exceeded: %.4f used, projected %.4f, ceiling %.4f",
					session.AICostEstimate, projected, ceiling.MaxCost))
		}
	}
	return nil
}

// estimateCallCost 保守预估一次调用的成本：预留 token 按两侧单价全额计
func (bt *BudgetTracker) estimateCallCost() float64 {
	perToken := (bt.config.PromptPricePer1K + bt.config.CompletionPricePer1K) / 1000
	return float64(bt.config.ReserveTokens) * perToken
}

// CostOf 按配置单价计算一次调用的成本
func (bt *BudgetTracker) CostOf(usage *Usage) float64 {
	if usage == nil {
		return 0
	}
	return float64(usage.PromptTokens)/1000*bt.config.PromptPricePer1K +
		float64(usage.CompletionTokens)/1000*bt.config.CompletionPricePer1K
}

// Record 调用完成后累加会话计数并记 ai_call 事件。
// 计数单调递增，session 入参会被同步更新。
func (bt *BudgetTracker) Record(ctx context.Context, session *entity.Session, usage *Usage, mode GenerationMode, pathNumber int) error {
	if usage == nil {
		usage = &Usage{}
	}
	cost := bt.CostOf(usage)

	calls := session.AICallsCount + 1
	tokens := session.AITokensUsed + usage.TotalTokens
	totalCost := session.AICostEstimate + cost

	condition := &model.UpdateSessionCondition{
		AICallsCount:   &calls,
		AITokensUsed:   &tokens,
		AICostEstimate: &totalCost,
	}
	if err := bt.store.UpdateSession(ctx, session.ID, condition); err != nil {
		return fmt.Errorf("failed to record ai usage: %w", err)
	}

	session.AICallsCount = calls
	session.AITokensUsed = tokens
	session.AICostEstimate = totalCost

	bt.events.AICall(ctx, session.ID, &AICallPayload{
		Model:            bt.config.Model,
		Mode:             mode.String(),
		PathNumber:       pathNumber,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		CostEstimate:     cost,
	})
	return nil
}

// StaticCeilingProvider 固定上限的 provider，测试和兜底配置用
type StaticCeilingProvider struct {
	Ceiling *BudgetCeiling
}

// GetCeiling 返回固定上限
func (p *StaticCeilingProvider) GetCeiling(_ context.Context, _ string) (*BudgetCeiling, error) {
	return p.Ceiling, nil
}
