package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"form_mapper/constant"
)

// 步骤生成系统提示词
const stepGeneratorSystemPrompt = `你是一个 Web 表单自动化专家。你的职责是根据表单的 DOM 快照，生成一份浏览器可以逐步执行的填写计划。

## 生成原则

1. **自包含**: 每个步骤必须携带完整的选择器和取值，执行方不依赖任何额外状态
2. **顺序严格**: step_number 从指定起点开始，严格递增且连续，不允许跳号
3. **动作受限**: action 只能取 fill / click / select / check / wait / submit
4. **分支标注**: 取值会改变表单结构的字段（如下拉选择触发新字段出现），对应步骤标 is_junction=true
5. **遵循指定分支**: 如果给出了必须遵循的分支选择，计划必须在对应字段上选择指定的值

## 输出格式

请以 JSON 格式输出，格式如下：
{
  "steps": [
    {"step_number": 1, "test_case": "positive", "action": "fill", "selector": "#name", "value": "示例取值", "description": "填写姓名", "is_junction": false, "wait_ms": 0}
  ],
  "form_fields": [
    {"name": "name", "selector": "#name", "type": "text", "required": true, "is_junction": false}
  ],
  "relationships": [
    {"parent_field": "country", "child_field": "state", "condition": "country=US"}
  ],
  "junctions": [
    {"field": "country", "selector": "#country", "values": ["CN", "US"]}
  ]
}

只输出 JSON，不要包含其他内容。`

// buildStepUserPrompt 构建用户提示。
// regeneration 模式只给失败点之后的窄上下文：失败步骤、失败原因、已执行的步骤摘要。
func buildStepUserPrompt(req *GenerateRequest) (string, error) {
	snapshotJSON, err := json.MarshalIndent(req.Snapshot, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal form snapshot: %w", err)
	}

	var sb strings.Builder

	if req.Mode == constant.GenerationModeRegeneration {
		sb.WriteString(fmt.Sprintf("步骤 %d 执行失败，请只为剩余步骤重新生成计划。\n\n", req.Context.FailedStep))
		sb.WriteString(fmt.Sprintf("失败原因: %s\n", req.Context.FailureReason))
		sb.WriteString(fmt.Sprintf("新计划的 step_number 从 %d 开始。\n\n", req.Context.ResumeFromStep))

		if len(req.Context.ExecutedSteps) > 0 {
			sb.WriteString("已成功执行的步骤（不要重复）:\n")
			for _, step := range req.Context.ExecutedSteps {
				sb.WriteString(fmt.Sprintf("- 步骤 %d: %s %s\n", step.StepNumber, step.Action, step.Selector))
			}
			sb.WriteString("\n")
		}
	} else {
		sb.WriteString(fmt.Sprintf("请为以下表单生成完整的填写计划，这是第 %d 条探索路径。\n\n", req.Context.PathNumber))
		sb.WriteString("step_number 从 1 开始。\n\n")
	}

	if len(req.Context.PlannedDecisions) > 0 {
		sb.WriteString("本路径必须遵循的分支选择:\n")
		for _, decision := range req.Context.PlannedDecisions {
			sb.WriteString(fmt.Sprintf("- 字段 %s (选择器 %s) 选择值 %q\n",
				decision.Field, decision.Selector, decision.Value))
		}
		sb.WriteString("\n")
	}

	if len(req.Context.TestCases) > 0 {
		sb.WriteString(fmt.Sprintf("需要覆盖的测试用例类别: %s\n\n", strings.Join(req.Context.TestCases, ", ")))
	}

	sb.WriteString("表单 DOM 快照:\n")
	sb.Write(snapshotJSON)

	return sb.String(), nil
}
