package entity

import "time"

// ========== Agent 表 ==========

const (
	TableNameAgent = "agents"

	AgentFieldID            = "id"
	AgentFieldCompanyID     = "company_id"
	AgentFieldUserID        = "user_id"
	AgentFieldHostname      = "hostname"
	AgentFieldPlatform      = "platform"
	AgentFieldVersion       = "version"
	AgentFieldStatus        = "status"
	AgentFieldLastHeartbeat = "last_heartbeat"
	AgentFieldCreatedAt     = "created_at"
	AgentFieldUpdatedAt     = "updated_at"
)

// Agent 远程工作进程数据库实体。
// status 只是缓存视图，存活判定以 last_heartbeat 与阈值的比较为准。
type Agent struct {
	ID            string     `xorm:"pk varchar(64) 'id'" json:"id"`
	CompanyID     string     `xorm:"varchar(64) index 'company_id'" json:"company_id"`
	UserID        string     `xorm:"varchar(64) 'user_id'" json:"user_id"`
	Hostname      string     `xorm:"varchar(255) 'hostname'" json:"hostname"`
	Platform      string     `xorm:"varchar(64) 'platform'" json:"platform"`
	Version       string     `xorm:"varchar(64) 'version'" json:"version"`
	Status        string     `xorm:"varchar(16) 'status'" json:"status"`
	LastHeartbeat *time.Time `xorm:"'last_heartbeat'" json:"last_heartbeat"`
	CreatedAt     time.Time  `xorm:"created 'created_at'" json:"created_at"`
	UpdatedAt     time.Time  `xorm:"'updated_at'" json:"updated_at"`
}

func (e *Agent) TableName() string {
	return TableNameAgent
}
