package model

import "time"

// Conversation kind constants
const (
	ConversationParentStudent  = "parent-student"
	ConversationStudentStudent = "student-student"
)

// Conversation is the derived chat state between two accounts. Student-to-student
// side channels exist only while the parent link that sponsored them is active.
type Conversation struct {
	Key              string    `json:"key"`
	Kind             string    `json:"kind"`
	ParticipantA     string    `json:"participant_a"`
	ParticipantB     string    `json:"participant_b"`
	SponsorLinkKey   string    `json:"sponsor_link_key"` // link whose removal cascades this conversation
	LastActivityAtMs int64     `json:"last_activity_at_ms"`
	LastSenderID     string    `json:"last_sender_id"`
	CreatedAt        time.Time `json:"created_at"`
}

// HasParticipant reports whether id is one of the two parties
func (c *Conversation) HasParticipant(id string) bool {
	return c.ParticipantA == id || c.ParticipantB == id
}

// ConversationKey builds the deterministic conversation key for two accounts.
// Участники сортируются, чтобы обе стороны получили один и тот же ключ.
func ConversationKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// ReadReceipt is one account's last-read position in one conversation.
// LastReadAtMs is monotonic: a stale write must never move it backward.
type ReadReceipt struct {
	AccountID       string `json:"account_id"`
	ConversationKey string `json:"conversation_key"`
	LastReadAtMs    int64  `json:"last_read_at_ms"`
}
