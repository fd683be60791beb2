package orchestrator

import (
	"context"
	"fmt"

	"form_mapper/constant"
)

// VerifyInput 一次路径校验的输入
type VerifyInput struct {
	Snapshot    *FormSnapshot
	Steps       []FormStep
	FormFields  []FormField
	Decisions   []JunctionDecision
	AgentIssues []string // agent 主动提交的校验观察
}

// Verifier 路径校验协作方。
// 契约: verify(path_result) -> (ok, issues)。
// 非阻塞：issues 只记录，不会将会话推向 failed；
// ok=false 表示路径数据不完整、无法给出校验结论。
type Verifier interface {
	Verify(ctx context.Context, input *VerifyInput) (bool, []string, error)
}

// RuleVerifier 基于规则的确定性校验器：
// 检查必填字段覆盖、步骤选择器与字段清单一致性、提交步骤存在性，
// 并把 agent 上报的 UI 观察并入结论。
type RuleVerifier struct{}

// NewRuleVerifier 创建规则校验器
func NewRuleVerifier() *RuleVerifier {
	return &RuleVerifier{}
}

// Verify 执行校验
func (v *RuleVerifier) Verify(_ context.Context, input *VerifyInput) (bool, []string, error) {
	if input == nil || len(input.Steps) == 0 {
		return false, []string{"path has no executed steps to verify"}, nil
	}

	var issues []string

	coveredSelectors := make(map[string]bool)
	hasSubmit := false
	for _, step := range input.Steps {
		if step.Selector != "" {
			coveredSelectors[step.Selector] = true
		}
		if step.Action == constant.StepActionSubmit.String() {
			hasSubmit = true
		}
	}

	for _, field := range input.FormFields {
		if field.Required && !coveredSelectors[field.Selector] {
			issues = append(issues, fmt.Sprintf("required field %s (%s) has no covering step", field.Name, field.Selector))
		}
	}

	if !hasSubmit {
		issues = append(issues, "path has no submit step")
	}

	fieldSelectors := make(map[string]bool, len(input.FormFields))
	for _, field := range input.FormFields {
		fieldSelectors[field.Selector] = true
	}
	for _, step := range input.Steps {
		switch constant.StepAction(step.Action) {
		case constant.StepActionFill, constant.StepActionSelect, constant.StepActionCheck:
			if !fieldSelectors[step.Selector] {
				issues = append(issues, fmt.Sprintf("step %d targets selector %s not present in field inventory", step.StepNumber, step.Selector))
			}
		}
	}

	issues = append(issues, input.AgentIssues...)

	return true, issues, nil
}
