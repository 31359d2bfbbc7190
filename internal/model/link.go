package model

import (
	"regexp"
	"time"
)

// LinkRecord represents one parent<->student relationship
type LinkRecord struct {
	Key                string     `json:"key"` // deterministic: <parentID>-<studentID>
	ParentInternalID   string     `json:"parent_internal_id"`
	StudentInternalID  string     `json:"student_internal_id"`
	ParentCanonicalID  string     `json:"parent_canonical_id"`
	StudentCanonicalID string     `json:"student_canonical_id"`
	Status             string     `json:"status"`    // 'pending', 'active', 'declined', 'unlinked'
	Initiator          string     `json:"initiator"` // 'parent', 'student'
	RequestedAt        time.Time  `json:"requested_at"`
	RespondedAt        *time.Time `json:"responded_at"`
}

// Link status constants
const (
	LinkStatusPending  = "pending"
	LinkStatusActive   = "active"
	LinkStatusDeclined = "declined"
	LinkStatusUnlinked = "unlinked"
)

// IsPending checks if the link is awaiting a response
func (l *LinkRecord) IsPending() bool {
	return l.Status == LinkStatusPending
}

// IsActive checks if the link is established
func (l *LinkRecord) IsActive() bool {
	return l.Status == LinkStatusActive
}

// IsTerminal checks if the link reached a final state
func (l *LinkRecord) IsTerminal() bool {
	return l.Status == LinkStatusDeclined || l.Status == LinkStatusUnlinked
}

// BestParentID returns the canonical parent id when known, otherwise the internal one
func (l *LinkRecord) BestParentID() string {
	if l.ParentCanonicalID != "" {
		return l.ParentCanonicalID
	}
	return l.ParentInternalID
}

// BestStudentID returns the canonical student id when known, otherwise the internal one
func (l *LinkRecord) BestStudentID() string {
	if l.StudentCanonicalID != "" {
		return l.StudentCanonicalID
	}
	return l.StudentInternalID
}

// References reports whether the record mentions the given account id in any form
func (l *LinkRecord) References(id string) bool {
	return id != "" && (l.ParentInternalID == id || l.ParentCanonicalID == id ||
		l.StudentInternalID == id || l.StudentCanonicalID == id)
}

// CounterpartyIdentity returns the normalized identity of the other party
// as seen from selfID: the counterparty's internal id, falling back to canonical.
func (l *LinkRecord) CounterpartyIdentity(selfID string) string {
	if l.ParentInternalID == selfID || l.ParentCanonicalID == selfID {
		if l.StudentInternalID != "" {
			return l.StudentInternalID
		}
		return l.StudentCanonicalID
	}
	if l.ParentInternalID != "" {
		return l.ParentInternalID
	}
	return l.ParentCanonicalID
}

// LinkKey builds the deterministic record key for a parent/student pair.
// Канонические id предпочтительнее internal — тогда повторная заявка
// попадает в тот же документ и не создаёт дубликат.
func LinkKey(parentID, studentID string) string {
	return parentID + "-" + studentID
}

var canonicalIDPattern = regexp.MustCompile(`\d{4}-\d{5}`)

// CanonicalIDFromLinkKey extracts the canonical id of the given role from a
// deterministic link key, if one is embedded. Returns "" when the key only
// carries internal ids for that side.
func CanonicalIDFromLinkKey(key, role string) string {
	matches := canonicalIDPattern.FindAllString(key, -1)
	if len(matches) == 0 {
		return ""
	}
	switch role {
	case RoleParent:
		// Родитель всегда первый в ключе
		if len(key) >= len(matches[0]) && key[:len(matches[0])] == matches[0] {
			return matches[0]
		}
	case RoleStudent:
		last := matches[len(matches)-1]
		if len(key) >= len(last) && key[len(key)-len(last):] == last {
			return last
		}
	}
	return ""
}
