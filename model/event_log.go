package model

// ========== 事件日志查询条件 ==========

// EventLogQueryCondition 事件日志查询条件
type EventLogQueryCondition struct {
	SessionID *string `json:"session_id"`
	EventType *string `json:"event_type"`
	*Pager
	*Order
}

func (c *EventLogQueryCondition) GetPager() *Pager {
	return c.Pager
}

func (c *EventLogQueryCondition) GetOrder() *Order {
	return c.Order
}
