package models

import (
	"time"

	"github.com/google/uuid"
)

// User is the minimal account record the pipeline needs: identity for job
// ownership and credit accounting. Registration and session management live
// in an external auth service.
type User struct {
	ID        uuid.UUID  `db:"id"         json:"id"`
	Email     string     `db:"email"      json:"email"`
	IsAdmin   bool       `db:"is_admin"   json:"is_admin"`
	DeletedAt *time.Time `db:"deleted_at" json:"-"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}
