package repository

import (
	"form_mapper/entity"
	"form_mapper/model"
)

// SessionRepository 会话仓库接口
type SessionRepository interface {
	// ========== 会话 CRUD ==========

	// Create 创建会话
	Create(session *entity.Session) error
	// Get 获取单个会话
	Get(sessionID string) (*entity.Session, error)
	// Update 部分更新会话，显式维护 updated_at
	Update(sessionID string, condition *model.UpdateSessionCondition) error
	// UpdateWithStatusGuard 带状态守卫的 CAS 更新：仅当当前状态等于 expectedStatus 时生效。
	// 返回是否命中（false 表示状态已被并发修改，事件应按过期处理）。
	UpdateWithStatusGuard(sessionID string, expectedStatus string, condition *model.UpdateSessionCondition) (bool, error)
	// Query 高级查询（支持分页、排序、过滤）
	Query(condition *model.SessionQueryCondition) ([]*entity.Session, int64, error)
	// GetStats 获取租户会话统计
	GetStats(companyID string) (*model.SessionStats, error)
	// Delete 删除会话（级联删除路径结果和事件日志）
	Delete(sessionID string) error
}
