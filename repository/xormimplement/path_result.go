package xormimplement

import (
	"fmt"
	"time"

	"form_mapper/entity"
	"form_mapper/model"
	"form_mapper/repository"

	"xorm.io/builder"
)

// ========== PathResultRepository 实现 ==========

type PathResultRepository struct {
	session *Session
}

func NewPathResultRepository(session *Session) repository.PathResultRepository {
	return &PathResultRepository{session: session}
}

func (r *PathResultRepository) Create(pathResult *entity.PathResult) error {
	if pathResult == nil {
		return fmt.Errorf("path result cannot be nil")
	}
	if pathResult.ID == "" {
		return fmt.Errorf("path result id is required")
	}
	if pathResult.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if pathResult.PathNumber < 1 {
		return fmt.Errorf("path number must be >= 1, got %d", pathResult.PathNumber)
	}

	pathResult.UpdatedAt = time.Now()
	_, err := r.session.Table(entity.TableNamePathResult).Insert(pathResult)
	if err != nil {
		return fmt.Errorf("failed to insert path result: %w", err)
	}
	return nil
}

func (r *PathResultRepository) Get(pathResultID string) (*entity.PathResult, error) {
	if pathResultID == "" {
		return nil, fmt.Errorf("path_result_id is required")
	}

	result := &entity.PathResult{}
	ok, err := r.session.Table(entity.TableNamePathResult).
		Where(builder.Eq{entity.PathResultFieldID: pathResultID}).
		Get(result)
	if err != nil {
		return nil, fmt.Errorf("failed to get path result: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return result, nil
}

func (r *PathResultRepository) GetByPathNumber(sessionID string, pathNumber int) (*entity.PathResult, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}

	result := &entity.PathResult{}
	ok, err := r.session.Table(entity.TableNamePathResult).
		Where(builder.Eq{
			entity.PathResultFieldSessionID:  sessionID,
			entity.PathResultFieldPathNumber: pathNumber,
		}).
		Get(result)
	if err != nil {
		return nil, fmt.Errorf("failed to get path result by number: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return result, nil
}

func (r *PathResultRepository) Update(pathResultID string, condition *model.UpdatePathResultCondition) error {
	if pathResultID == "" {
		return fmt.Errorf("path_result_id is required")
	}

	updateData := make(map[string]interface{})
	updateData[entity.PathResultFieldUpdatedAt] = time.Now()

	if condition != nil {
		if condition.JunctionsJSON != nil {
			updateData[entity.PathResultFieldJunctionsJSON] = *condition.JunctionsJSON
		}
		if condition.StepsJSON != nil {
			updateData[entity.PathResultFieldStepsJSON] = *condition.StepsJSON
		}
		if condition.FormFieldsJSON != nil {
			updateData[entity.PathResultFieldFormFieldsJSON] = *condition.FormFieldsJSON
		}
		if condition.RelationshipsJSON != nil {
			updateData[entity.PathResultFieldRelationshipsJSON] = *condition.RelationshipsJSON
		}
		if condition.UIIssuesJSON != nil {
			updateData[entity.PathResultFieldUIIssuesJSON] = *condition.UIIssuesJSON
		}
		if condition.Verified != nil {
			updateData[entity.PathResultFieldVerified] = *condition.Verified
		}
		if condition.VerificationErrorsJSON != nil {
			updateData[entity.PathResultFieldVerificationErrorsJSON] = *condition.VerificationErrorsJSON
		}
		if condition.VerifiedAt != nil {
			updateData[entity.PathResultFieldVerifiedAt] = *condition.VerifiedAt
		}
	}

	_, err := r.session.Table(entity.TableNamePathResult).
		Where(builder.Eq{entity.PathResultFieldID: pathResultID}).
		Update(updateData)
	if err != nil {
		return fmt.Errorf("failed to update path result: %w", err)
	}
	return nil
}

func (r *PathResultRepository) Query(condition *model.PathResultQueryCondition) ([]*entity.PathResult, int64, error) {
	if condition == nil {
		condition = &model.PathResultQueryCondition{}
	}

	var conds []builder.Cond
	if condition.SessionID != nil && *condition.SessionID != "" {
		conds = append(conds, builder.Eq{entity.PathResultFieldSessionID: *condition.SessionID})
	}
	if condition.FormRouteID != nil && *condition.FormRouteID != "" {
		conds = append(conds, builder.Eq{entity.PathResultFieldFormRouteID: *condition.FormRouteID})
	}
	if condition.PathNumber != nil {
		conds = append(conds, builder.Eq{entity.PathResultFieldPathNumber: *condition.PathNumber})
	}
	if condition.Verified != nil {
		conds = append(conds, builder.Eq{entity.PathResultFieldVerified: *condition.Verified})
	}

	whereCond := builder.NewCond()
	if len(conds) > 0 {
		whereCond = builder.And(conds...)
	}

	total, err := r.session.Table(entity.TableNamePathResult).Where(whereCond).Count(&entity.PathResult{})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count path results: %w", err)
	}

	session := r.session.Table(entity.TableNamePathResult).Where(whereCond)
	pagerOrder(session, condition, WithDefaultOrderField(entity.PathResultFieldPathNumber), WithDefaultOrderAsc())

	var results []*entity.PathResult
	err = session.Find(&results)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query path results: %w", err)
	}

	return results, total, nil
}

func (r *PathResultRepository) CountBySession(sessionID string) (int64, error) {
	if sessionID == "" {
		return 0, fmt.Errorf("session_id is required")
	}

	count, err := r.session.Table(entity.TableNamePathResult).
		Where(builder.Eq{entity.PathResultFieldSessionID: sessionID}).
		Count(&entity.PathResult{})
	if err != nil {
		return 0, fmt.Errorf("failed to count path results: %w", err)
	}
	return count, nil
}

func (r *PathResultRepository) MaxPathNumber(sessionID string) (int, error) {
	if sessionID == "" {
		return 0, fmt.Errorf("session_id is required")
	}

	result := &entity.PathResult{}
	ok, err := r.session.Table(entity.TableNamePathResult).
		Where(builder.Eq{entity.PathResultFieldSessionID: sessionID}).
		Desc(entity.PathResultFieldPathNumber).
		Get(result)
	if err != nil {
		return 0, fmt.Errorf("failed to get max path number: %w", err)
	}
	if !ok {
		return 0, nil
	}
	return result.PathNumber, nil
}
