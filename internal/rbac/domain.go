package rbac

import "time"

const (
	// RoleAdmin is the reserved administrator role. It is seeded with PermAll.
	RoleAdmin = "admin"
	// PermAll is the universal grant satisfying every permission and role check.
	PermAll = "*"
)

// Role represents a high-level permission grouping.
type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"displayName"`
	IsSystem    bool      `json:"isSystem"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"createdAt,omitzero"`
	UpdatedAt   time.Time `json:"updatedAt,omitzero"`
}

// Permission represents an atomic capability or a grant pattern such as
// "sample.*".
type Permission struct {
	ID          int64  `json:"id"`
	Code        string `json:"code"`
	Module      string `json:"module"`
	DisplayName string `json:"displayName"`
	SortOrder   int    `json:"sortOrder"`
	Active      bool   `json:"active"`
}

// RolePermission ties a permission to a role.
type RolePermission struct {
	RoleID       int64
	PermissionID int64
}

// UserRole links a user to a role.
type UserRole struct {
	UserID string
	RoleID int64
}
