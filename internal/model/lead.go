package model

import "time"

// LeadSource identifies where a live lead came from.
const LeadSource = "google_maps"

// Lead is a live CRM record promoted from a staging row.
type Lead struct {
	ID          string    `json:"id" db:"id"`
	WorkspaceID string    `json:"workspace_id" db:"workspace_id"`
	FunnelID    string    `json:"funnel_id" db:"funnel_id"`
	ColumnID    string    `json:"column_id" db:"column_id"`
	StagingID   string    `json:"staging_id" db:"staging_id"`
	RunID       string    `json:"run_id" db:"run_id"`
	Name        string    `json:"name" db:"name"`
	Phone       string    `json:"phone" db:"phone"`
	Email       string    `json:"email" db:"email"`
	Website     string    `json:"website" db:"website"`
	Address     string    `json:"address" db:"address"`
	Source      string    `json:"source" db:"source"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// FieldType is the inferred type of a dynamic custom field.
type FieldType string

const (
	FieldTypeText  FieldType = "text"
	FieldTypeEmail FieldType = "email"
	FieldTypePhone FieldType = "phone"
	FieldTypeURL   FieldType = "url"
)

// CustomField is a workspace-scoped dynamic field definition.
type CustomField struct {
	ID          string    `json:"id" db:"id"`
	WorkspaceID string    `json:"workspace_id" db:"workspace_id"`
	Key         string    `json:"key" db:"key"`
	Label       string    `json:"label" db:"label"`
	FieldType   FieldType `json:"field_type" db:"field_type"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// CustomFieldValue is one lead's value for a custom field.
type CustomFieldValue struct {
	ID      string `json:"id" db:"id"`
	FieldID string `json:"field_id" db:"field_id"`
	LeadID  string `json:"lead_id" db:"lead_id"`
	Value   string `json:"value" db:"value"`
}
