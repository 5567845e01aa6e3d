package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/skoolo/messaging-api/internal/models"
)

// ErrDuplicateDirect signals that another writer created the DIRECT
// conversation for the same pair first. Callers resolve the race by
// re-fetching the winning row; the error is never surfaced to API clients.
var ErrDuplicateDirect = errors.New("direct conversation already exists")

const pqUniqueViolation = "23505"

// ConversationRepository persists conversations and their participant sets.
type ConversationRepository struct {
	db *sqlx.DB
}

// NewConversationRepository constructs the repository.
func NewConversationRepository(db *sqlx.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

const conversationColumns = `id, kind, name, direct_key, created_at`

// GetByID returns a conversation by identifier.
func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
	query := fmt.Sprintf(`SELECT %s FROM conversations WHERE id = $1`, conversationColumns)
	var conv models.Conversation
	if err := r.db.GetContext(ctx, &conv, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return &conv, nil
}

// FindDirectByPair returns the DIRECT conversation for the unordered user
// pair, or sql.ErrNoRows when none exists.
func (r *ConversationRepository) FindDirectByPair(ctx context.Context, userA, userB string) (*models.Conversation, error) {
	query := fmt.Sprintf(`SELECT %s FROM conversations WHERE kind = $1 AND direct_key = $2`, conversationColumns)
	var conv models.Conversation
	if err := r.db.GetContext(ctx, &conv, query, models.ConversationDirect, models.DirectKey(userA, userB)); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find direct conversation: %w", err)
	}
	return &conv, nil
}

// CreateDirect inserts a DIRECT conversation and both participant rows in one
// transaction. A unique violation on the direct key aborts the transaction
// and returns ErrDuplicateDirect.
func (r *ConversationRepository) CreateDirect(ctx context.Context, conv *models.Conversation, userA, userB string) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	conv.Kind = models.ConversationDirect
	key := models.DirectKey(userA, userB)
	conv.DirectKey = &key

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create direct: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const insertConv = `INSERT INTO conversations (id, kind, name, direct_key, created_at) VALUES (:id, :kind, :name, :direct_key, :created_at)`
	if _, err := tx.NamedExecContext(ctx, insertConv, conv); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return ErrDuplicateDirect
		}
		return fmt.Errorf("create direct conversation: %w", err)
	}

	if err := insertParticipants(ctx, tx, conv.ID, []string{userA, userB}, conv.CreatedAt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create direct: %w", err)
	}
	return nil
}

// CreateGroup inserts a GROUP conversation with its participants.
func (r *ConversationRepository) CreateGroup(ctx context.Context, conv *models.Conversation, participantIDs []string) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	conv.Kind = models.ConversationGroup

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create group: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const insertConv = `INSERT INTO conversations (id, kind, name, direct_key, created_at) VALUES (:id, :kind, :name, :direct_key, :created_at)`
	if _, err := tx.NamedExecContext(ctx, insertConv, conv); err != nil {
		return fmt.Errorf("create group conversation: %w", err)
	}

	if err := insertParticipants(ctx, tx, conv.ID, participantIDs, conv.CreatedAt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create group: %w", err)
	}
	return nil
}

func insertParticipants(ctx context.Context, tx *sqlx.Tx, conversationID string, userIDs []string, joinedAt time.Time) error {
	const insert = `INSERT INTO conversation_participants (id, conversation_id, user_id, joined_at) VALUES ($1, $2, $3, $4)`
	for _, userID := range userIDs {
		if _, err := tx.ExecContext(ctx, insert, uuid.NewString(), conversationID, userID, joinedAt); err != nil {
			return fmt.Errorf("add participant %s: %w", userID, err)
		}
	}
	return nil
}

// ListByUser returns every conversation the user participates in, most
// recently created first.
func (r *ConversationRepository) ListByUser(ctx context.Context, userID string) ([]models.Conversation, error) {
	const query = `
SELECT c.id, c.kind, c.name, c.direct_key, c.created_at
FROM conversations c
JOIN conversation_participants cp ON cp.conversation_id = c.id
WHERE cp.user_id = $1
ORDER BY c.created_at DESC`
	var conversations []models.Conversation
	if err := r.db.SelectContext(ctx, &conversations, query, userID); err != nil {
		return nil, fmt.Errorf("list conversations for user: %w", err)
	}
	return conversations, nil
}

// ParticipantIDs returns the user ids participating in a conversation.
func (r *ConversationRepository) ParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	const query = `SELECT user_id FROM conversation_participants WHERE conversation_id = $1 ORDER BY joined_at ASC, user_id ASC`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, conversationID); err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return ids, nil
}

// IsParticipant reports whether the user belongs to the conversation.
func (r *ConversationRepository) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	const query = `SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2 LIMIT 1`
	var exists int
	if err := r.db.GetContext(ctx, &exists, query, conversationID, userID); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check participant: %w", err)
	}
	return true, nil
}
