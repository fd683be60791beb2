package repository

import (
	"form_mapper/entity"
	"form_mapper/model"
)

// PathResultRepository 路径结果仓库接口
type PathResultRepository interface {
	// Create 创建路径结果
	Create(pathResult *entity.PathResult) error
	// Get 获取单个路径结果
	Get(pathResultID string) (*entity.PathResult, error)
	// GetByPathNumber 按 (session, path_number) 获取路径结果
	GetByPathNumber(sessionID string, pathNumber int) (*entity.PathResult, error)
	// Update 部分更新路径结果，显式维护 updated_at
	Update(pathResultID string, condition *model.UpdatePathResultCondition) error
	// Query 高级查询（支持分页、排序、过滤）
	Query(condition *model.PathResultQueryCondition) ([]*entity.PathResult, int64, error)
	// CountBySession 统计会话已落库的路径数
	CountBySession(sessionID string) (int64, error)
	// MaxPathNumber 会话当前最大路径号，无记录时返回 0
	MaxPathNumber(sessionID string) (int, error)
}
