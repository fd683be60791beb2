package constant

// =============================================
// 步骤动作常量
// =============================================

// StepAction 步骤的浏览器动作类型
type StepAction string

const (
	// StepActionFill 填写输入框
	StepActionFill StepAction = "fill"
	// StepActionClick 点击元素
	StepActionClick StepAction = "click"
	// StepActionSelect 下拉框选值
	StepActionSelect StepAction = "select"
	// StepActionCheck 勾选复选框/单选框
	StepActionCheck StepAction = "check"
	// StepActionWait 显式等待
	StepActionWait StepAction = "wait"
	// StepActionSubmit 提交表单
	StepActionSubmit StepAction = "submit"
)

// String 返回动作的字符串值
func (a StepAction) String() string {
	return string(a)
}

// IsValid 检查动作是否有效
func (a StepAction) IsValid() bool {
	switch a {
	case StepActionFill, StepActionClick, StepActionSelect,
		StepActionCheck, StepActionWait, StepActionSubmit:
		return true
	}
	return false
}

// =============================================
// 步骤生成模式常量
// =============================================

// GenerationMode 步骤生成模式：首次生成或失败后重新生成
type GenerationMode string

const (
	// GenerationModeInitial 路径首次生成完整计划
	GenerationModeInitial GenerationMode = "initial"
	// GenerationModeRegeneration 失败后只为剩余步骤重新生成
	GenerationModeRegeneration GenerationMode = "regeneration"
)

// String 返回模式的字符串值
func (m GenerationMode) String() string {
	return string(m)
}

// =============================================
// 表单字段类型常量
// =============================================

// FieldType 表单字段类型
type FieldType string

const (
	FieldTypeText     FieldType = "text"
	FieldTypeSelect   FieldType = "select"
	FieldTypeRadio    FieldType = "radio"
	FieldTypeCheckbox FieldType = "checkbox"
	FieldTypeTextarea FieldType = "textarea"
	FieldTypeDate     FieldType = "date"
	FieldTypeFile     FieldType = "file"
)

// String 返回字段类型的字符串值
func (t FieldType) String() string {
	return string(t)
}
