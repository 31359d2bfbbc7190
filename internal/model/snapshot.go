package model

import "time"

// RelationshipEntry is one resolved relationship row in the cached view
type RelationshipEntry struct {
	InternalID  string    `json:"internal_id"`
	CanonicalID string    `json:"canonical_id"`
	DisplayName string    `json:"display_name"`
	Label       string    `json:"label"` // relationship label shown in the list, e.g. 'My parent'
	LinkedAt    time.Time `json:"linked_at"`
}

// RelationshipSnapshot mirrors the resolved relationship list of one account.
// It is overwritten wholesale on every successful live read and is read-only
// while offline.
type RelationshipSnapshot struct {
	AccountID     string              `json:"account_id"`
	Relationships []RelationshipEntry `json:"relationships"`
	CachedAt      time.Time           `json:"cached_at"`
}

// AlertSnapshot mirrors one account's inbox for offline display
type AlertSnapshot struct {
	AccountID string       `json:"account_id"`
	Entries   []InboxEntry `json:"entries"`
	CachedAt  time.Time    `json:"cached_at"`
}
