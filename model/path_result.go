package model

import "time"

// ========== 路径结果查询条件 ==========

// PathResultQueryCondition 路径结果查询条件
type PathResultQueryCondition struct {
	SessionID   *string `json:"session_id"`
	FormRouteID *string `json:"form_route_id"`
	PathNumber  *int    `json:"path_number"`
	Verified    *bool   `json:"verified"`
	*Pager
	*Order
}

func (c *PathResultQueryCondition) GetPager() *Pager {
	return c.Pager
}

func (c *PathResultQueryCondition) GetOrder() *Order {
	return c.Order
}

// UpdatePathResultCondition 路径结果更新条件，nil 字段不更新
type UpdatePathResultCondition struct {
	JunctionsJSON          *string    `json:"junctions_json"`
	StepsJSON              *string    `json:"steps_json"`
	FormFieldsJSON         *string    `json:"form_fields_json"`
	RelationshipsJSON      *string    `json:"relationships_json"`
	UIIssuesJSON           *string    `json:"ui_issues_json"`
	Verified               *bool      `json:"verified"`
	VerificationErrorsJSON *string    `json:"verification_errors_json"`
	VerifiedAt             *time.Time `json:"verified_at"`
}
