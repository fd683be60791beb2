package entity

import "time"

// ========== 路径结果表 ==========

const (
	TableNamePathResult = "path_results"

	PathResultFieldID                     = "id"
	PathResultFieldSessionID              = "session_id"
	PathResultFieldFormRouteID            = "form_route_id"
	PathResultFieldPathNumber             = "path_number"
	PathResultFieldJunctionsJSON          = "junctions_json"
	PathResultFieldStepsJSON              = "steps_json"
	PathResultFieldFormFieldsJSON         = "form_fields_json"
	PathResultFieldRelationshipsJSON      = "relationships_json"
	PathResultFieldUIIssuesJSON           = "ui_issues_json"
	PathResultFieldVerified               = "verified"
	PathResultFieldVerificationErrorsJSON = "verification_errors_json"
	PathResultFieldVerifiedAt             = "verified_at"
	PathResultFieldCreatedAt              = "created_at"
	PathResultFieldUpdatedAt              = "updated_at"
)

// PathResult 单条已探索路径的结果数据库实体。
// (session_id, form_route_id, path_number) 唯一，路径号从 1 起连续分配。
type PathResult struct {
	ID                     string     `xorm:"pk varchar(64) 'id'" json:"id"`
	SessionID              string     `xorm:"varchar(64) index unique(path_uq) 'session_id'" json:"session_id"`
	FormRouteID            string     `xorm:"varchar(64) unique(path_uq) 'form_route_id'" json:"form_route_id"`
	PathNumber             int        `xorm:"int unique(path_uq) 'path_number'" json:"path_number"`
	JunctionsJSON          string     `xorm:"text 'junctions_json'" json:"junctions_json"`
	StepsJSON              string     `xorm:"text 'steps_json'" json:"steps_json"`
	FormFieldsJSON         string     `xorm:"text 'form_fields_json'" json:"form_fields_json"`
	RelationshipsJSON      string     `xorm:"text 'relationships_json'" json:"relationships_json"`
	UIIssuesJSON           string     `xorm:"text 'ui_issues_json'" json:"ui_issues_json"`
	Verified               bool       `xorm:"bool 'verified'" json:"verified"`
	VerificationErrorsJSON string     `xorm:"text 'verification_errors_json'" json:"verification_errors_json"`
	VerifiedAt             *time.Time `xorm:"'verified_at'" json:"verified_at"`
	CreatedAt              time.Time  `xorm:"created 'created_at'" json:"created_at"`
	UpdatedAt              time.Time  `xorm:"'updated_at'" json:"updated_at"`
}

func (e *PathResult) TableName() string {
	return TableNamePathResult
}
