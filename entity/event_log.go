package entity

import "time"

// ========== 事件日志表 ==========

const (
	TableNameEventLog = "event_log"

	EventLogFieldID          = "id"
	EventLogFieldSessionID   = "session_id"
	EventLogFieldEventType   = "event_type"
	EventLogFieldPayloadJSON = "payload_json"
	EventLogFieldCreatedAt   = "created_at"
)

// EventLogEntry 会话事件日志数据库实体。
// 只追加：除会话级联删除外不提供更新和删除。
type EventLogEntry struct {
	ID          string    `xorm:"pk varchar(64) 'id'" json:"id"`
	SessionID   string    `xorm:"varchar(64) index 'session_id'" json:"session_id"`
	EventType   string    `xorm:"varchar(32) index 'event_type'" json:"event_type"`
	PayloadJSON string    `xorm:"text 'payload_json'" json:"payload_json"`
	CreatedAt   time.Time `xorm:"created 'created_at'" json:"created_at"`
}

func (e *EventLogEntry) TableName() string {
	return TableNameEventLog
}
