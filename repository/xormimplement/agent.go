package xormimplement

import (
	"fmt"
	"time"

	"form_mapper/constant"
	"form_mapper/entity"
	"form_mapper/model"
	"form_mapper/repository"

	"xorm.io/builder"
)

// ========== AgentRepository 实现 ==========

type AgentRepository struct {
	session *Session
}

func NewAgentRepository(session *Session) repository.AgentRepository {
	return &AgentRepository{session: session}
}

func (r *AgentRepository) Upsert(condition *model.UpsertAgentCondition) error {
	if condition == nil {
		return fmt.Errorf("upsert request cannot be nil")
	}
	if condition.ID == "" {
		return fmt.Errorf("agent id is required")
	}

	// 先尝试获取现有记录
	existing := &entity.Agent{}
	has, err := r.session.Table(entity.TableNameAgent).
		Where(builder.Eq{entity.AgentFieldID: condition.ID}).
		Get(existing)
	if err != nil {
		return fmt.Errorf("failed to check existing agent: %w", err)
	}

	if has {
		updateData := make(map[string]interface{})
		updateData[entity.AgentFieldLastHeartbeat] = condition.LastHeartbeat
		updateData[entity.AgentFieldUpdatedAt] = time.Now()

		if condition.Hostname != nil {
			updateData[entity.AgentFieldHostname] = *condition.Hostname
		}
		if condition.Platform != nil {
			updateData[entity.AgentFieldPlatform] = *condition.Platform
		}
		if condition.Version != nil {
			updateData[entity.AgentFieldVersion] = *condition.Version
		}
		if condition.Status != nil {
			updateData[entity.AgentFieldStatus] = *condition.Status
		}

		_, err = r.session.Table(entity.TableNameAgent).
			Where(builder.Eq{entity.AgentFieldID: condition.ID}).
			Update(updateData)
		if err != nil {
			return fmt.Errorf("failed to update agent: %w", err)
		}
	} else {
		heartbeat := condition.LastHeartbeat
		newAgent := &entity.Agent{
			ID:            condition.ID,
			CompanyID:     condition.CompanyID,
			UserID:        condition.UserID,
			Status:        constant.AgentStatusOnline.String(),
			LastHeartbeat: &heartbeat,
			CreatedAt:     time.Now(),
			UpdatedAt:     time.Now(),
		}

		if condition.Hostname != nil {
			newAgent.Hostname = *condition.Hostname
		}
		if condition.Platform != nil {
			newAgent.Platform = *condition.Platform
		}
		if condition.Version != nil {
			newAgent.Version = *condition.Version
		}
		if condition.Status != nil {
			newAgent.Status = *condition.Status
		}

		_, err = r.session.Table(entity.TableNameAgent).Insert(newAgent)
		if err != nil {
			return fmt.Errorf("failed to insert agent: %w", err)
		}
	}

	return nil
}

func (r *AgentRepository) Get(agentID string) (*entity.Agent, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent_id is required")
	}

	result := &entity.Agent{}
	ok, err := r.session.Table(entity.TableNameAgent).
		Where(builder.Eq{entity.AgentFieldID: agentID}).
		Get(result)
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return result, nil
}

func (r *AgentRepository) Query(condition *model.AgentQueryCondition) ([]*entity.Agent, int64, error) {
	if condition == nil {
		condition = &model.AgentQueryCondition{}
	}

	var conds []builder.Cond
	if condition.CompanyID != nil && *condition.CompanyID != "" {
		conds = append(conds, builder.Eq{entity.AgentFieldCompanyID: *condition.CompanyID})
	}
	if condition.Status != nil && *condition.Status != "" {
		conds = append(conds, builder.Eq{entity.AgentFieldStatus: *condition.Status})
	}
	if condition.HeartbeatAfter != nil {
		conds = append(conds, builder.Gt{entity.AgentFieldLastHeartbeat: *condition.HeartbeatAfter})
	}
	if condition.HeartbeatBefore != nil {
		conds = append(conds, builder.Lte{entity.AgentFieldLastHeartbeat: *condition.HeartbeatBefore})
	}

	whereCond := builder.NewCond()
	if len(conds) > 0 {
		whereCond = builder.And(conds...)
	}

	total, err := r.session.Table(entity.TableNameAgent).Where(whereCond).Count(&entity.Agent{})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count agents: %w", err)
	}

	session := r.session.Table(entity.TableNameAgent).Where(whereCond)
	pagerOrder(session, condition, WithDefaultOrderField(entity.AgentFieldLastHeartbeat))

	var results []*entity.Agent
	err = session.Find(&results)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query agents: %w", err)
	}

	return results, total, nil
}

func (r *AgentRepository) MarkOfflineBefore(before time.Time) ([]string, error) {
	// 先取出将被标记的 agent id，再批量置为 offline
	var lapsed []*entity.Agent
	err := r.session.Table(entity.TableNameAgent).
		Where(builder.Eq{entity.AgentFieldStatus: constant.AgentStatusOnline.String()}).
		And(builder.Lte{entity.AgentFieldLastHeartbeat: before}).
		Find(&lapsed)
	if err != nil {
		return nil, fmt.Errorf("failed to find lapsed agents: %w", err)
	}
	if len(lapsed) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(lapsed))
	for _, agent := range lapsed {
		ids = append(ids, agent.ID)
	}

	_, err = r.session.Table(entity.TableNameAgent).
		Where(builder.In(entity.AgentFieldID, ids)).
		Update(map[string]interface{}{
			entity.AgentFieldStatus:    constant.AgentStatusOffline.String(),
			entity.AgentFieldUpdatedAt: time.Now(),
		})
	if err != nil {
		return nil, fmt.Errorf("failed to mark agents offline: %w", err)
	}

	return ids, nil
}
