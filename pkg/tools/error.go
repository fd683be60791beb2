package tools

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// ErrorWithPrintContext 关闭资源并把失败记入日志，defer 场景用
func ErrorWithPrintContext(closeFunc func() error, format string, args ...interface{}) {
	if err := closeFunc(); err != nil {
		context := fmt.Sprintf(format, args...)
		log.Errorf("Error closing resource: %s, error: %v", context, err)
	}
}
