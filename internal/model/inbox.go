package model

import "time"

// Inbox entry type constants
const (
	EntryTypeRequest      = "request"
	EntryTypeRequestSelf  = "request-self"
	EntryTypeResponse     = "response"
	EntryTypeResponseSelf = "response-self"
	EntryTypeUnlink       = "unlink"
	EntryTypeUnlinkSelf   = "unlink-self"
)

// Inbox entry status constants
const (
	EntryStatusUnread = "unread"
	EntryStatusRead   = "read"
)

// InboxEntry is one notification item in an account's inbox document.
// The id is assigned by the caller and is unique per write; the fan-out
// engine de-duplicates by id before appending.
type InboxEntry struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	Title          string    `json:"title"`
	Message        string    `json:"message"`
	Status         string    `json:"status"` // 'unread', 'read'
	CreatedAt      time.Time `json:"created_at"`
	LinkKey        string    `json:"link_key"`
	CounterpartyID string    `json:"counterparty_id"`
	SkipPush       bool      `json:"skip_push"` // self-notices never reach the push transport
}

// IsUnread checks if the entry has not been read yet
func (e *InboxEntry) IsUnread() bool {
	return e.Status == EntryStatusUnread
}

// IsSelfNotice checks if the entry describes the owner's own action
func (e *InboxEntry) IsSelfNotice() bool {
	switch e.Type {
	case EntryTypeRequestSelf, EntryTypeResponseSelf, EntryTypeUnlinkSelf:
		return true
	}
	return false
}

// Inbox is the append-only notification document of one account,
// keyed by the owner's canonical id.
type Inbox struct {
	OwnerID string       `json:"owner_id"`
	Entries []InboxEntry `json:"entries"`
}

// UnreadCount counts unread entries
func (in *Inbox) UnreadCount() int {
	count := 0
	for i := range in.Entries {
		if in.Entries[i].IsUnread() {
			count++
		}
	}
	return count
}

// HasEntry reports whether an entry with the given id already exists
func (in *Inbox) HasEntry(id string) bool {
	for i := range in.Entries {
		if in.Entries[i].ID == id {
			return true
		}
	}
	return false
}
