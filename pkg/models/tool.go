package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ToolStep is one step of a tool's generation workflow. Single-step tools
// have exactly one; multi-step tools (e.g. image then 3D) chain steps via
// child jobs.
type ToolStep struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	ProviderName string          `json:"provider"`
	Model        string          `json:"model,omitempty"`
	Cost         int64           `json:"cost"`
	Options      json.RawMessage `json:"options,omitempty"`
}

// Tool is a user-facing generation tool backed by one or more provider steps.
type Tool struct {
	ID        uuid.UUID  `db:"id"         json:"id"`
	Slug      string     `db:"slug"       json:"slug"`
	Title     string     `db:"title"      json:"title"`
	Steps     []ToolStep `db:"steps"      json:"steps"`
	IsActive  bool       `db:"is_active"  json:"is_active"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}
