package dto

import (
	"time"

	"github.com/skoolo/messaging-api/internal/models"
)

// ChatUser describes a user in chat pickers and conversation listings.
type ChatUser struct {
	ID             string          `json:"id"`
	FirstName      string          `json:"first_name"`
	LastName       string          `json:"last_name"`
	Role           models.UserRole `json:"role"`
	IsClassTeacher bool            `json:"is_class_teacher"`
	Online         bool            `json:"online"`
	AvatarURL      *string         `json:"avatar_url,omitempty"`
}

// UserBrief is the minimal sender/receiver info attached to broadcasts.
type UserBrief struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// CreateDirectRequest asks for a one-on-one conversation with another user.
type CreateDirectRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

// CreateGroupRequest creates a named group conversation.
type CreateGroupRequest struct {
	Name           string   `json:"name" validate:"required"`
	ParticipantIDs []string `json:"participant_ids" validate:"required,min=2"`
}

// SendMessageRequest carries a new message. Content and the uploaded
// attachment are mutually exclusive; the attachment wins when both arrive.
type SendMessageRequest struct {
	ConversationID string             `json:"conversation_id" form:"conversation_id" validate:"required"`
	ReceiverID     *string            `json:"receiver_id" form:"receiver_id"`
	Content        string             `json:"content" form:"content"`
	Type           models.MessageType `json:"type" form:"type"`
}

// MessageView is the API representation of a stored message.
type MessageView struct {
	ID             string             `json:"id"`
	ConversationID string             `json:"conversation_id"`
	SenderID       string             `json:"sender_id"`
	ReceiverID     *string            `json:"receiver_id,omitempty"`
	Content        *string            `json:"content,omitempty"`
	AttachmentRef  *string            `json:"attachment_ref,omitempty"`
	AttachmentURL  *string            `json:"attachment_url,omitempty"`
	Type           models.MessageType `json:"type"`
	SentAt         time.Time          `json:"sent_at"`
	Read           bool               `json:"read"`
}

// BroadcastPayload is the enriched message published to live subscribers of
// the conversation topic.
type BroadcastPayload struct {
	Message  MessageView `json:"message"`
	Sender   UserBrief   `json:"sender"`
	Receiver *UserBrief  `json:"receiver,omitempty"`
}

// ConversationSummary is derived per viewing user and never persisted.
type ConversationSummary struct {
	ID          string                  `json:"id"`
	Kind        models.ConversationKind `json:"kind"`
	Name        string                  `json:"name"`
	OtherUser   *ChatUser               `json:"other_user,omitempty"`
	LastMessage *MessageView            `json:"last_message,omitempty"`
	UnreadCount int                     `json:"unread_count"`
	CreatedAt   time.Time               `json:"created_at"`
}

// ConversationDetail pairs a conversation with its participant listing.
type ConversationDetail struct {
	ID           string                  `json:"id"`
	Kind         models.ConversationKind `json:"kind"`
	Name         string                  `json:"name"`
	Participants []ChatUser              `json:"participants"`
	CreatedAt    time.Time               `json:"created_at"`
}

// TranscriptExportRequest asks for an offline rendering of a conversation.
type TranscriptExportRequest struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	Format         string `json:"format" validate:"required,oneof=csv pdf"`
}

// TranscriptExportResponse returns the signed download location.
type TranscriptExportResponse struct {
	ConversationID string    `json:"conversation_id"`
	Format         string    `json:"format"`
	DownloadURL    string    `json:"download_url"`
	ExpiresAt      time.Time `json:"expires_at"`
}
