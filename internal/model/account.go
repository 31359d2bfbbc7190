package model

import (
	"strings"
	"time"
)

// Role constants
const (
	RoleParent  = "parent"
	RoleStudent = "student"
)

// Account represents one person in the directory (parent or parent-linked student)
type Account struct {
	InternalID     string    `json:"internal_id"`
	CanonicalID    string    `json:"canonical_id"` // durable id, format NNNN-NNNNN; empty until assigned
	Role           string    `json:"role"`         // 'parent', 'student'
	FirstName      string    `json:"first_name"`
	LastName       string    `json:"last_name"`
	TelegramChatID int64     `json:"telegram_chat_id"` // push transport address, 0 if unknown
	CreatedAt      time.Time `json:"created_at"`
}

// IsParent checks if the account has the parent role
func (a *Account) IsParent() bool {
	return a.Role == RoleParent
}

// IsStudent checks if the account has the student role
func (a *Account) IsStudent() bool {
	return a.Role == RoleStudent
}

// DisplayName возвращает имя для отображения в списках
func (a *Account) DisplayName() string {
	name := strings.TrimSpace(a.FirstName + " " + a.LastName)
	if name == "" {
		return a.CanonicalID
	}
	return name
}

// IsCanonicalID reports whether id is in canonical form.
// Canonical ids are the only id form that carries the '-' separator;
// internal ids are opaque and never contain it.
func IsCanonicalID(id string) bool {
	return strings.Contains(id, "-")
}

// BestID returns the canonical id when assigned, otherwise the internal id
func (a *Account) BestID() string {
	if a.CanonicalID != "" {
		return a.CanonicalID
	}
	return a.InternalID
}
