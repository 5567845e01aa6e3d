package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/skoolo/messaging-api/internal/models"
)

// MessageRepository persists chat messages.
type MessageRepository struct {
	db *sqlx.DB
}

// NewMessageRepository constructs the repository.
func NewMessageRepository(db *sqlx.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

const messageColumns = `id, conversation_id, sender_id, receiver_id, content, attachment_ref, type, sent_at, read, seq`

// Create inserts a message and fills in the database-assigned sequence
// number used as the stable ordering tie-break.
func (r *MessageRepository) Create(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	const query = `
INSERT INTO messages (id, conversation_id, sender_id, receiver_id, content, attachment_ref, type, sent_at, read)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING seq`
	if err := r.db.GetContext(ctx, &msg.Seq, query,
		msg.ID, msg.ConversationID, msg.SenderID, msg.ReceiverID,
		msg.Content, msg.AttachmentRef, msg.Type, msg.SentAt, msg.Read,
	); err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

// ListByConversation returns the conversation history ordered by timestamp
// ascending with insertion order breaking ties.
func (r *MessageRepository) ListByConversation(ctx context.Context, conversationID string) ([]models.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE conversation_id = $1 ORDER BY sent_at ASC, seq ASC`, messageColumns)
	var messages []models.Message
	if err := r.db.SelectContext(ctx, &messages, query, conversationID); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

// GetByID returns a single message.
func (r *MessageRepository) GetByID(ctx context.Context, id string) (*models.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE id = $1`, messageColumns)
	var msg models.Message
	if err := r.db.GetContext(ctx, &msg, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find message: %w", err)
	}
	return &msg, nil
}

// UnreadCount counts unread messages addressed to receiver in the conversation.
func (r *MessageRepository) UnreadCount(ctx context.Context, conversationID, receiverID string) (int, error) {
	const query = `SELECT COUNT(*) FROM messages WHERE conversation_id = $1 AND receiver_id = $2 AND read = FALSE`
	var count int
	if err := r.db.GetContext(ctx, &count, query, conversationID, receiverID); err != nil {
		return 0, fmt.Errorf("count unread messages: %w", err)
	}
	return count, nil
}

// LastMessage returns the most recent message of a conversation, or
// sql.ErrNoRows when the conversation is empty.
func (r *MessageRepository) LastMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE conversation_id = $1 ORDER BY sent_at DESC, seq DESC LIMIT 1`, messageColumns)
	var msg models.Message
	if err := r.db.GetContext(ctx, &msg, query, conversationID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find last message: %w", err)
	}
	return &msg, nil
}

// MarkRead flips the read flag of a message addressed to receiver. Returns
// sql.ErrNoRows when no such unread message exists.
func (r *MessageRepository) MarkRead(ctx context.Context, messageID, receiverID string) error {
	const query = `UPDATE messages SET read = TRUE WHERE id = $1 AND receiver_id = $2 AND read = FALSE`
	result, err := r.db.ExecContext(ctx, query, messageID, receiverID)
	if err != nil {
		return fmt.Errorf("mark message read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check marked rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
