package models

import (
	"time"

	"gorm.io/gorm"
)

// Plan tiers for badge injection and export limits.
const (
	PlanFree    = "free"
	PlanPremium = "premium"
	PlanTeam    = "team"
)

// User owns projects. Authentication itself is handled upstream; this table
// only carries what the orchestration core needs (identity and plan tier).
type User struct {
	ID        uint           `json:"id" gorm:"primarykey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	Email string `json:"email" gorm:"uniqueIndex;not null"`
	Plan  string `json:"plan" gorm:"default:'free'"`

	Projects []Project `json:"projects" gorm:"foreignKey:OwnerID"`
}

// IsPaid reports whether the user's plan suppresses badge injection.
func (u *User) IsPaid() bool {
	return IsPaidPlan(u.Plan)
}

// IsPaidPlan reports whether a plan string is a known paid tier. Anything
// else, including empty and unrecognized values, counts as free.
func IsPaidPlan(plan string) bool {
	return plan == PlanPremium || plan == PlanTeam
}

// Project is one generated application with a virtual file tree.
type Project struct {
	ID        uint           `json:"id" gorm:"primarykey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	Name        string `json:"name" gorm:"not null"`
	Description string `json:"description"`

	// Slug is the human-readable public route segment (name-id style).
	// Older links address projects by raw numeric ID; both resolve.
	Slug string `json:"slug" gorm:"uniqueIndex"`

	OwnerID uint `json:"owner_id" gorm:"not null;index"`
	Owner   User `json:"owner" gorm:"foreignKey:OwnerID"`

	Files     []File     `json:"files" gorm:"foreignKey:ProjectID"`
	Snapshots []Snapshot `json:"snapshots" gorm:"foreignKey:ProjectID"`
}

// File is one entry in a project's virtual filesystem. (project_id, path) is
// the upsert key; Content always holds the full current text.
type File struct {
	ID        uint           `json:"id" gorm:"primarykey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	ProjectID uint   `json:"project_id" gorm:"not null;uniqueIndex:idx_files_project_path"`
	Path      string `json:"path" gorm:"not null;uniqueIndex:idx_files_project_path"`
	Content   string `json:"content" gorm:"type:text"`
	Size      int64  `json:"size" gorm:"default:0"`
}

// WAL operation types recorded in entries.
const (
	WALOpFileWrite   = "file_write"
	WALOpFileDelete  = "file_delete"
	WALOpAtomicWrite = "atomic_write"
)

// WALEntry is a durability record for one intended file mutation. It is
// written with Applied=false before the mutation is attempted and flipped to
// true only after the store write succeeds; an entry stuck at false marks the
// project inconsistent and blocks export.
type WALEntry struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ProjectID      uint   `json:"project_id" gorm:"not null;index:idx_wal_project_applied"`
	Operation      string `json:"operation" gorm:"not null"`
	Path           string `json:"path" gorm:"not null"`
	ContentPreview string `json:"content_preview"`
	Applied        bool   `json:"applied" gorm:"default:false;index:idx_wal_project_applied"`
}

// Snapshot captures a project's full file set as one JSON blob for rollback
// and export bookkeeping.
type Snapshot struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	CreatedAt time.Time `json:"created_at"`

	ProjectID uint   `json:"project_id" gorm:"not null;index"`
	Label     string `json:"label"`
	Data      string `json:"-" gorm:"type:text"`
}
