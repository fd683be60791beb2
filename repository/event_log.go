package repository

import (
	"form_mapper/entity"
	"form_mapper/model"
)

// EventLogRepository 事件日志仓库接口。
// 只追加：不提供更新和删除，级联删除由 SessionRepository.Delete 负责。
type EventLogRepository interface {
	// Append 追加一条事件
	Append(event *entity.EventLogEntry) error
	// Query 高级查询（支持分页、排序、过滤）
	Query(condition *model.EventLogQueryCondition) ([]*entity.EventLogEntry, int64, error)
	// CountBySession 统计会话事件数
	CountBySession(sessionID string) (int64, error)
}
