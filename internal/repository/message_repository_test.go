package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skoolo/messaging-api/internal/models"
)

func newMessageMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func messageRows(ids ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "conversation_id", "sender_id", "receiver_id", "content", "attachment_ref", "type", "sent_at", "read", "seq"})
	for i, id := range ids {
		rows.AddRow(id, "conv-1", "t1", "p1", "bonjour", nil, string(models.MessageText), time.Now(), false, i+1)
	}
	return rows
}

func TestMessageRepositoryCreateAssignsSeq(t *testing.T) {
	db, mock, cleanup := newMessageMock(t)
	defer cleanup()
	repo := NewMessageRepository(db)

	receiver := "p1"
	content := "bonjour"
	msg := &models.Message{
		ConversationID: "conv-1",
		SenderID:       "t1",
		ReceiverID:     &receiver,
		Content:        &content,
		Type:           models.MessageText,
	}

	mock.ExpectQuery(regexp.QuoteMeta(`
INSERT INTO messages (id, conversation_id, sender_id, receiver_id, content, attachment_ref, type, sent_at, read)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING seq`)).
		WithArgs(sqlmock.AnyArg(), "conv-1", "t1", &receiver, &content, nil, models.MessageText, sqlmock.AnyArg(), false).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(42))

	require.NoError(t, repo.Create(context.Background(), msg))
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.SentAt.IsZero())
	assert.Equal(t, int64(42), msg.Seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepositoryListByConversation(t *testing.T) {
	db, mock, cleanup := newMessageMock(t)
	defer cleanup()
	repo := NewMessageRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, conversation_id, sender_id, receiver_id, content, attachment_ref, type, sent_at, read, seq FROM messages WHERE conversation_id = $1 ORDER BY sent_at ASC, seq ASC`)).
		WithArgs("conv-1").
		WillReturnRows(messageRows("m1", "m2"))

	messages, err := repo.ListByConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "m1", messages[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepositoryUnreadCount(t *testing.T) {
	db, mock, cleanup := newMessageMock(t)
	defer cleanup()
	repo := NewMessageRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM messages WHERE conversation_id = $1 AND receiver_id = $2 AND read = FALSE`)).
		WithArgs("conv-1", "p1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := repo.UnreadCount(context.Background(), "conv-1", "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepositoryLastMessage(t *testing.T) {
	db, mock, cleanup := newMessageMock(t)
	defer cleanup()
	repo := NewMessageRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, conversation_id, sender_id, receiver_id, content, attachment_ref, type, sent_at, read, seq FROM messages WHERE conversation_id = $1 ORDER BY sent_at DESC, seq DESC LIMIT 1`)).
		WithArgs("conv-1").
		WillReturnRows(messageRows("m9"))

	msg, err := repo.LastMessage(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "m9", msg.ID)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, conversation_id, sender_id, receiver_id, content, attachment_ref, type, sent_at, read, seq FROM messages WHERE conversation_id = $1 ORDER BY sent_at DESC, seq DESC LIMIT 1`)).
		WithArgs("conv-empty").
		WillReturnError(sql.ErrNoRows)

	_, err = repo.LastMessage(context.Background(), "conv-empty")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepositoryMarkRead(t *testing.T) {
	db, mock, cleanup := newMessageMock(t)
	defer cleanup()
	repo := NewMessageRepository(db)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE messages SET read = TRUE WHERE id = $1 AND receiver_id = $2 AND read = FALSE`)).
		WithArgs("m1", "p1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkRead(context.Background(), "m1", "p1"))

	// Already read, wrong receiver or unknown id all look the same: zero rows.
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE messages SET read = TRUE WHERE id = $1 AND receiver_id = $2 AND read = FALSE`)).
		WithArgs("m1", "t1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkRead(context.Background(), "m1", "t1")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}
