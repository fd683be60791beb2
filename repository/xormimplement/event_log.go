package xormimplement

import (
	"fmt"

	"form_mapper/entity"
	"form_mapper/model"
	"form_mapper/repository"

	"xorm.io/builder"
)

// ========== EventLogRepository 实现 ==========

type EventLogRepository struct {
	session *Session
}

func NewEventLogRepository(session *Session) repository.EventLogRepository {
	return &EventLogRepository{session: session}
}

func (r *EventLogRepository) Append(event *entity.EventLogEntry) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if event.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if event.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}

	_, err := r.session.Table(entity.TableNameEventLog).Insert(event)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (r *EventLogRepository) Query(condition *model.EventLogQueryCondition) ([]*entity.EventLogEntry, int64, error) {
	if condition == nil {
		condition = &model.EventLogQueryCondition{}
	}

	var conds []builder.Cond
	if condition.SessionID != nil && *condition.SessionID != "" {
		conds = append(conds, builder.Eq{entity.EventLogFieldSessionID: *condition.SessionID})
	}
	if condition.EventType != nil && *condition.EventType != "" {
		conds = append(conds, builder.Eq{entity.EventLogFieldEventType: *condition.EventType})
	}

	whereCond := builder.NewCond()
	if len(conds) > 0 {
		whereCond = builder.And(conds...)
	}

	total, err := r.session.Table(entity.TableNameEventLog).Where(whereCond).Count(&entity.EventLogEntry{})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count events: %w", err)
	}

	session := r.session.Table(entity.TableNameEventLog).Where(whereCond)
	pagerOrder(session, condition, WithDefaultOrderField(entity.EventLogFieldCreatedAt), WithDefaultOrderAsc())

	var results []*entity.EventLogEntry
	err = session.Find(&results)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query events: %w", err)
	}

	return results, total, nil
}

func (r *EventLogRepository) CountBySession(sessionID string) (int64, error) {
	if sessionID == "" {
		return 0, fmt.Errorf("session_id is required")
	}

	count, err := r.session.Table(entity.TableNameEventLog).
		Where(builder.Eq{entity.EventLogFieldSessionID: sessionID}).
		Count(&entity.EventLogEntry{})
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}
