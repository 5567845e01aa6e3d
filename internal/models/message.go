package models

import "time"

// MessageType tags the payload carried by a message.
type MessageType string

const (
	MessageText MessageType = "TEXT"
	MessageFile MessageType = "FILE"
)

// Message is a single chat message. Exactly one of Content and AttachmentRef
// is set. Seq is assigned by the database on insert and breaks ordering ties
// between messages sharing the same SentAt.
type Message struct {
	ID             string      `db:"id" json:"id"`
	ConversationID string      `db:"conversation_id" json:"conversation_id"`
	SenderID       string      `db:"sender_id" json:"sender_id"`
	ReceiverID     *string     `db:"receiver_id" json:"receiver_id,omitempty"`
	Content        *string     `db:"content" json:"content,omitempty"`
	AttachmentRef  *string     `db:"attachment_ref" json:"attachment_ref,omitempty"`
	Type           MessageType `db:"type" json:"type"`
	SentAt         time.Time   `db:"sent_at" json:"sent_at"`
	Read           bool        `db:"read" json:"read"`
	Seq            int64       `db:"seq" json:"-"`
}
