package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	log "github.com/sirupsen/logrus"

	"form_mapper/constant"
	"form_mapper/model"
)

// PlanClient 步骤生成所需的最小聊天补全能力，llm_model 客户端实现
type PlanClient interface {
	PostChatCompletionsNonStream(ctx context.Context, messages []openai.ChatCompletionMessage) (*openai.ChatCompletionResponse, error)
}

// GenerateRequest 一次步骤生成请求
type GenerateRequest struct {
	Snapshot *FormSnapshot
	Context  *PathContext
	Mode     GenerationMode
	Config   *SessionConfig
}

// GeneratedPlan 生成并通过校验的步骤计划
type GeneratedPlan struct {
	Steps         []FormStep
	FormFields    []FormField
	Relationships []FieldRelationship
	Junctions     []JunctionPoint
	Usage         *Usage
}

// StepGenerator 步骤生成器。
// initial 模式给全量上下文生成完整计划；
// regeneration 模式只给失败点之后的窄上下文，为剩余步骤重新生成。
type StepGenerator interface {
	Generate(ctx context.Context, req *GenerateRequest) (*GeneratedPlan, error)
}

// LLMGenerator 基于聊天补全的步骤生成器
type LLMGenerator struct {
	client PlanClient
}

// NewLLMGenerator 创建生成器
func NewLLMGenerator(client PlanClient) *LLMGenerator {
	return &LLMGenerator{client: client}
}

// Generate 生成步骤计划：构建提示、调用模型、解析并重新校验步骤序号
func (g *LLMGenerator) Generate(ctx context.Context, req *GenerateRequest) (*GeneratedPlan, error) {
	if req == nil || req.Snapshot == nil || req.Context == nil {
		return nil, model.NewErrorWithMessage(model.ErrorGeneratorFailed, "generate request is incomplete")
	}

	userPrompt, err := buildStepUserPrompt(req)
	if err != nil {
		return nil, model.NewErrorWithMessage(model.ErrorGeneratorFailed, err.Error())
	}

	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: stepGeneratorSystemPrompt,
		},
		{
			Role:    openai.ChatMessageRoleUser,
			Content: userPrompt,
		},
	}

	response, err := g.client.PostChatCompletionsNonStream(ctx, messages)
	if err != nil {
		return nil, model.NewErrorWithMessage(model.ErrorGeneratorFailed, fmt.Sprintf("step generation call failed: %v", err))
	}
	if response == nil || len(response.Choices) == 0 {
		return nil, model.NewErrorWithMessage(model.ErrorGeneratorFailed, "step generation response has no choices")
	}

	plan, err := parseGeneratedPlan(response.Choices[0].Message.Content)
	if err != nil {
		log.Warnf("Failed to parse generated plan for session %s path %d: %v",
			req.Context.SessionID, req.Context.PathNumber, err)
		return nil, model.NewErrorWithMessage(model.ErrorGeneratorFailed, err.Error())
	}

	if err := validatePlan(plan, req); err != nil {
		log.Warnf("Generated plan rejected for session %s path %d: %v",
			req.Context.SessionID, req.Context.PathNumber, err)
		return nil, model.NewErrorWithMessage(model.ErrorGeneratorFailed, err.Error())
	}

	plan.Usage = &Usage{
		PromptTokens:     response.Usage.PromptTokens,
		CompletionTokens: response.Usage.CompletionTokens,
		TotalTokens:      response.Usage.TotalTokens,
	}
	return plan, nil
}

// planEnvelope 模型输出的 JSON 结构
type planEnvelope struct {
	Steps         []FormStep          `json:"steps"`
	FormFields    []FormField         `json:"form_fields"`
	Relationships []FieldRelationship `json:"relationships"`
	Junctions     []JunctionPoint     `json:"junctions"`
}

// parseGeneratedPlan 清理并解析模型输出
func parseGeneratedPlan(content string) (*GeneratedPlan, error) {
	content = cleanJSONResponse(content)

	var envelope planEnvelope
	if err := json.Unmarshal([]byte(content), &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse plan JSON: %w", err)
	}

	return &GeneratedPlan{
		Steps:         envelope.Steps,
		FormFields:    envelope.FormFields,
		Relationships: envelope.Relationships,
		Junctions:     envelope.Junctions,
	}, nil
}

// validatePlan 接受计划前的重新校验：
// 步骤序号必须从期望起点开始、严格递增且连续，动作和选择器必须有效，
// 计划的分支选择必须覆盖路径上下文里规划好的决策。
func validatePlan(plan *GeneratedPlan, req *GenerateRequest) error {
	if len(plan.Steps) == 0 {
		return fmt.Errorf("generated plan has no steps")
	}

	start := 1
	if req.Mode == constant.GenerationModeRegeneration && req.Context.ResumeFromStep > 0 {
		start = req.Context.ResumeFromStep
	}

	for i := range plan.Steps {
		step := &plan.Steps[i]
		expected := start + i
		if step.StepNumber != expected {
			return fmt.Errorf("step numbers out of order: got %d at position %d, expected %d",
				step.StepNumber, i, expected)
		}
		if !constant.StepAction(step.Action).IsValid() {
			return fmt.Errorf("step %d has unknown action %q", step.StepNumber, step.Action)
		}
		if step.Selector == "" && step.Action != constant.StepActionWait.String() {
			return fmt.Errorf("step %d has empty selector", step.StepNumber)
		}
		if step.TestCase == "" {
			step.TestCase = constant.TestCaseKindPositive.String()
		}
	}

	for _, decision := range req.Context.PlannedDecisions {
		if !planCoversDecision(plan.Steps, decision) {
			return fmt.Errorf("generated plan does not honor planned junction %s=%s",
				decision.Field, decision.Value)
		}
	}
	return nil
}

// planCoversDecision 计划中存在对该分支点选择该值的步骤
func planCoversDecision(steps []FormStep, decision JunctionDecision) bool {
	for _, step := range steps {
		if step.Selector == decision.Selector && step.Value == decision.Value {
			return true
		}
	}
	return false
}

// cleanJSONResponse 清理 JSON 响应
func cleanJSONResponse(response string) string {
	response = strings.TrimSpace(response)
	if strings.HasPrefix(response, "```json") {
		response = strings.TrimPrefix(response, "```json")
	} else if strings.HasPrefix(response, "```") {
		response = strings.TrimPrefix(response, "```")
	}
	response = strings.TrimSuffix(response, "```")
	return strings.TrimSpace(response)
}
