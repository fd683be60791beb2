package model

import (
	"fmt"
	"regexp"

	log "github.com/sirupsen/logrus"
)

// 通用错误码
const (
	ErrorParams   = 100010
	ErrorEmptyId  = 100011
	ErrorNewRepo  = 100012
	ErrorDB       = 100015
	ErrorInternal = 100016
)

// 会话编排相关错误码
const (
	ErrorSessionNotFound      = 200001
	ErrorSessionConfigInvalid = 200002
	ErrorSessionTerminal      = 200003
	ErrorStaleTransition      = 200004
	ErrorBudgetExceeded       = 200005
	ErrorGeneratorFailed      = 200006
	ErrorVerificationFailed   = 200007
	ErrorTaskNotFound         = 200008
	ErrorTaskTerminal         = 200009
	ErrorStaleReport          = 200010
	ErrorAgentNotFound        = 200011
	ErrorNoLiveAgent          = 200012
	ErrorPathResultNotFound   = 200013
	ErrorSessionCancelled     = 200014
)

var ErrorMessages = map[int]string{
	ErrorParams:   "参数错误",
	ErrorEmptyId:  "id 为空",
	ErrorNewRepo:  "新建 repo 失败",
	ErrorDB:       "db error",
	ErrorInternal: "内部错误",

	ErrorSessionNotFound:      "会话不存在",
	ErrorSessionConfigInvalid: "会话配置不合法",
	ErrorSessionTerminal:      "会话已处于终态",
	ErrorStaleTransition:      "会话状态已变更，事件被拒绝",
	ErrorBudgetExceeded:       "AI 预算超限，会话终止",
	ErrorGeneratorFailed:      "步骤生成调用失败",
	ErrorVerificationFailed:   "UI 校验调用失败",
	ErrorTaskNotFound:         "任务不存在",
	ErrorTaskTerminal:         "任务已处于终态",
	ErrorStaleReport:          "任务不属于该 agent，上报被拒绝",
	ErrorAgentNotFound:        "agent 不存在",
	ErrorNoLiveAgent:          "租户下没有在线 agent",
	ErrorPathResultNotFound:   "路径结果不存在",
	ErrorSessionCancelled:     "会话已取消",
}

type Error struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	InnerError error  `json:"inner_error"`
}

func (err Error) Error() string {
	return err.Message
}

func (err Error) String() string {
	return err.InnerError.Error()
}

func NewError(code int, innerError error) *Error {
	if innerError != nil {
		var re = regexp.MustCompile(`[\n\t]+`)
		innerErrorString := re.ReplaceAllString(fmt.Sprintf("%+v", innerError), " ")
		log.Errorf("NewError code:%d, message:%s, innerError:%+v\n", code, ErrorMessages[code], innerErrorString)
	}
	return &Error{
		Code:       code,
		Message:    ErrorMessages[code],
		InnerError: nil,
	}
}

func NewErrorWithMessage(code int, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		InnerError: nil,
	}
}
