package models

import (
	"strings"
	"time"
)

// ConversationKind distinguishes one-on-one from group conversations.
type ConversationKind string

const (
	ConversationDirect ConversationKind = "DIRECT"
	ConversationGroup  ConversationKind = "GROUP"
)

// Conversation is a chat thread between two or more users. For DIRECT
// conversations DirectKey holds the ordered participant pair and carries a
// partial unique index, which is what makes find-or-create race safe.
type Conversation struct {
	ID        string           `db:"id" json:"id"`
	Kind      ConversationKind `db:"kind" json:"kind"`
	Name      string           `db:"name" json:"name"`
	DirectKey *string          `db:"direct_key" json:"-"`
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
}

// ConversationParticipant joins a user to a conversation.
type ConversationParticipant struct {
	ID             string    `db:"id" json:"id"`
	ConversationID string    `db:"conversation_id" json:"conversation_id"`
	UserID         string    `db:"user_id" json:"user_id"`
	JoinedAt       time.Time `db:"joined_at" json:"joined_at"`
}

// DirectKey canonicalises an unordered user pair into the key stored on
// DIRECT conversations. The same pair always yields the same key regardless
// of argument order.
func DirectKey(userA, userB string) string {
	if strings.Compare(userA, userB) > 0 {
		userA, userB = userB, userA
	}
	return userA + ":" + userB
}
